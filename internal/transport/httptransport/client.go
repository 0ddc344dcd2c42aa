package httptransport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/roach88/rowsync/internal/batch"
	"github.com/roach88/rowsync/internal/model"
	"github.com/roach88/rowsync/internal/transport"
)

// DefaultTimeout bounds a single request.
const DefaultTimeout = 60 * time.Second

// Client calls a server exposed by NewHandler.
//
// Network failures and 5xx responses come back as transient
// CONNECTION_ERROR values so that the agent retries them.
type Client struct {
	base string
	http *http.Client
}

var _ transport.Server = (*Client)(nil)

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(c *http.Client) ClientOption {
	return func(cl *Client) { cl.http = c }
}

// NewClient returns a client for the server at baseURL.
func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		base: strings.TrimRight(baseURL, "/"),
		http: &http.Client{Timeout: DefaultTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) url(segments ...string) string {
	escaped := make([]string, len(segments))
	for i, s := range segments {
		escaped[i] = url.PathEscape(s)
	}
	return c.base + "/" + strings.Join(escaped, "/")
}

func (c *Client) EnsureScope(ctx context.Context, req transport.ScopeRequest) (*transport.ScopeResponse, error) {
	var resp transport.ScopeResponse
	if err := c.doJSON(ctx, http.MethodGet, c.url("scopes", req.Scope), nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) UploadPart(ctx context.Context, scope, batchID string, part batch.Part) error {
	data, err := batch.EncodePart(part)
	if err != nil {
		return err
	}
	u := c.url("scopes", scope, "batches", batchID, "parts", strconv.Itoa(part.Ordinal))
	_, err = c.do(ctx, http.MethodPut, u, contentTypeCBOR, bytes.NewReader(data))
	return err
}

func (c *Client) ApplyChanges(ctx context.Context, req transport.ApplyRequest) (*transport.ApplyResponse, error) {
	var resp transport.ApplyResponse
	if err := c.doJSON(ctx, http.MethodPost, c.url("scopes", req.Scope, "apply"), req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) RequestChanges(ctx context.Context, req transport.ChangesRequest) (*transport.ChangesResponse, error) {
	var resp transport.ChangesResponse
	if err := c.doJSON(ctx, http.MethodPost, c.url("scopes", req.Scope, "changes"), req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) DownloadPart(ctx context.Context, scope, batchID string, ordinal int) (batch.Part, error) {
	u := c.url("scopes", scope, "batches", batchID, "parts", strconv.Itoa(ordinal))
	data, err := c.do(ctx, http.MethodGet, u, "", nil)
	if err != nil {
		return batch.Part{}, err
	}
	return batch.DecodePart(data)
}

func (c *Client) ReleaseBatch(ctx context.Context, scope, batchID string) error {
	_, err := c.do(ctx, http.MethodDelete, c.url("scopes", scope, "batches", batchID), "", nil)
	return err
}

func (c *Client) doJSON(ctx context.Context, method, u string, in, out any) error {
	var body io.Reader
	contentType := ""
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(data)
		contentType = contentTypeJSON
	}
	data, err := c.do(ctx, method, u, contentType, body)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// do sends one request and returns the response body of a 2xx answer.
func (c *Client) do(ctx context.Context, method, u, contentType string, body io.Reader) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		// A cancelled session is not worth retrying.
		transient := !errors.Is(err, context.Canceled)
		return nil, model.NewConnectionError(transient, fmt.Errorf("%s %s: %w", method, u, err))
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, model.NewConnectionError(true, fmt.Errorf("read response: %w", err))
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return data, nil
	}
	return nil, decodeError(resp.StatusCode, data)
}

// decodeError rebuilds the SyncError of a failed response.
func decodeError(status int, data []byte) error {
	serverFailure := status >= http.StatusInternalServerError

	var body errorBody
	if err := json.Unmarshal(data, &body); err != nil || body.Code == "" {
		err := fmt.Errorf("server returned %d: %s", status, strings.TrimSpace(string(data)))
		if serverFailure {
			return model.NewConnectionError(true, err)
		}
		return &model.SyncError{Code: model.ErrCodeInternal, Message: err.Error()}
	}
	return &model.SyncError{
		Code:      body.Code,
		Message:   body.Message,
		Table:     body.Table,
		Transient: body.Transient || serverFailure,
	}
}
