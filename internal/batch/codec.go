package batch

import (
	"fmt"
	"reflect"

	"github.com/fxamacker/cbor/v2"

	"github.com/roach88/rowsync/internal/model"
)

// Part is one persisted chunk of a table's rows.
type Part struct {
	Table   string    `cbor:"table"`
	Ordinal int       `cbor:"ordinal"`
	Rows    []PartRow `cbor:"rows"`
}

// PartRow is the wire form of a model.SyncRow.
type PartRow struct {
	State  model.RowState `cbor:"state"`
	Values map[string]any `cbor:"values"`
}

// SyncRows converts the part's rows back into model.SyncRow values.
func (p Part) SyncRows() []model.SyncRow {
	rows := make([]model.SyncRow, len(p.Rows))
	for i, r := range p.Rows {
		rows[i] = model.SyncRow{Table: p.Table, Values: model.Row(r.Values), State: r.State}
	}
	return rows
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.EncOptions{
		Sort:    cbor.SortCanonical,
		Time:    cbor.TimeRFC3339Nano,
		TimeTag: cbor.EncTagRequired,
	}.EncMode()
	if err != nil {
		panic(err)
	}

	// Integers decode as int64 so that values read back from a part compare
	// equal to values scanned from the database.
	decMode, err = cbor.DecOptions{
		IntDec:         cbor.IntDecConvertSigned,
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
		TimeTagToAny:   cbor.TimeTagToTime,
	}.DecMode()
	if err != nil {
		panic(err)
	}
}

// EncodePart serializes a part to CBOR.
func EncodePart(p Part) ([]byte, error) {
	data, err := encMode.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encode part %s/%d: %w", p.Table, p.Ordinal, err)
	}
	return data, nil
}

// DecodePart parses a CBOR part.
func DecodePart(data []byte) (Part, error) {
	var p Part
	if err := decMode.Unmarshal(data, &p); err != nil {
		return Part{}, fmt.Errorf("decode part: %w", err)
	}
	return p, nil
}
