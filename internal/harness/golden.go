package harness

import (
	"bytes"
	"testing"

	"github.com/sebdah/goldie/v2"
	"gopkg.in/yaml.v3"
)

// GoldenDir holds the golden files of RunWithGolden, relative to the test's
// package directory.
const GoldenDir = "testdata/golden"

// Snapshot is the golden form of a scenario run: the step trace and the
// final tables of every peer. It carries no wall-clock values, so two runs
// of the same scenario produce identical bytes.
type Snapshot struct {
	Scenario string                          `yaml:"scenario"`
	Pass     bool                            `yaml:"pass"`
	Trace    []StepEvent                     `yaml:"trace"`
	Errors   []string                        `yaml:"errors,omitempty"`
	State    map[string]map[string]TableRows `yaml:"state"`
}

// MarshalSnapshot renders result as golden YAML. Map keys are sorted by
// the encoder.
func MarshalSnapshot(name string, result *Result) ([]byte, error) {
	snap := Snapshot{
		Scenario: name,
		Pass:     result.Pass,
		Trace:    result.Trace,
		Errors:   result.Errors,
		State:    result.State,
	}
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(snap); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// RunWithGolden executes a scenario and compares its snapshot against
// testdata/golden/{scenario.Name}.golden.
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
//
// Options are passed to goldie, e.g. to move the fixture directory.
func RunWithGolden(t *testing.T, scenario *Scenario, opts ...goldie.Option) (*Result, error) {
	t.Helper()

	result, err := Run(scenario)
	if err != nil {
		return nil, err
	}
	if err := AssertGolden(t, scenario.Name, result, opts...); err != nil {
		return nil, err
	}
	return result, nil
}

// AssertGolden compares an existing result against its golden file
// without re-running the scenario.
func AssertGolden(t *testing.T, name string, result *Result, opts ...goldie.Option) error {
	t.Helper()

	data, err := MarshalSnapshot(name, result)
	if err != nil {
		return err
	}
	g := goldie.New(t, append([]goldie.Option{
		goldie.WithFixtureDir(GoldenDir),
		goldie.WithNameSuffix(".golden"),
	}, opts...)...)
	g.Assert(t, name, data)
	return nil
}
