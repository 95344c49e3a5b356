package mock

import (
	"context"
	"io"
	"strings"
	"sync"

	"github.com/kiranshivaraju/batchsync/internal/batch"
)

// Client satisfies batch.Client for testing. Statuses are served in order per batch;
// the last one repeats once the script runs out.
type Client struct {
	mu       sync.Mutex
	statuses map[string][]*batch.Status
	files    map[string]string
	calls    map[string]int

	GetStatusFunc    func(ctx context.Context, batchID string) (*batch.Status, error)
	DownloadFileFunc func(ctx context.Context, fileID string) (io.ReadCloser, error)
	UploadFileFunc   func(ctx context.Context, filename string, content io.Reader) (string, error)
	CreateBatchFunc  func(ctx context.Context, req batch.CreateRequest) (*batch.Status, error)
}

// NewClient returns an empty scripted Client.
func NewClient() *Client {
	return &Client{
		statuses: make(map[string][]*batch.Status),
		files:    make(map[string]string),
		calls:    make(map[string]int),
	}
}

// Script appends statuses returned by successive GetStatus calls for batchID.
func (c *Client) Script(batchID string, statuses ...*batch.Status) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.statuses[batchID] = append(c.statuses[batchID], statuses...)
}

// SetFile registers content served by DownloadFile.
func (c *Client) SetFile(fileID, content string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.files[fileID] = content
}

// Calls returns how many times method was invoked.
func (c *Client) Calls(method string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[method]
}

func (c *Client) record(method string) {
	c.mu.Lock()
	c.calls[method]++
	c.mu.Unlock()
}

func (c *Client) GetStatus(ctx context.Context, batchID string) (*batch.Status, error) {
	c.record("GetStatus")
	if c.GetStatusFunc != nil {
		return c.GetStatusFunc(ctx, batchID)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	script := c.statuses[batchID]
	if len(script) == 0 {
		return nil, batch.ErrNotFound
	}
	st := script[0]
	if len(script) > 1 {
		c.statuses[batchID] = script[1:]
	}
	cp := *st
	return &cp, nil
}

func (c *Client) DownloadFile(ctx context.Context, fileID string) (io.ReadCloser, error) {
	c.record("DownloadFile")
	if c.DownloadFileFunc != nil {
		return c.DownloadFileFunc(ctx, fileID)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	content, ok := c.files[fileID]
	if !ok {
		return nil, batch.ErrNotFound
	}
	return io.NopCloser(strings.NewReader(content)), nil
}

func (c *Client) UploadFile(ctx context.Context, filename string, content io.Reader) (string, error) {
	c.record("UploadFile")
	if c.UploadFileFunc != nil {
		return c.UploadFileFunc(ctx, filename, content)
	}

	raw, err := io.ReadAll(content)
	if err != nil {
		return "", err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	id := "file-" + filename
	c.files[id] = string(raw)
	return id, nil
}

func (c *Client) CreateBatch(ctx context.Context, req batch.CreateRequest) (*batch.Status, error) {
	c.record("CreateBatch")
	if c.CreateBatchFunc != nil {
		return c.CreateBatchFunc(ctx, req)
	}

	st := &batch.Status{ID: "batch-" + req.InputFileID, Status: "validating", InputFileID: req.InputFileID}
	c.Script(st.ID, st)
	return st, nil
}

// StrPtr is a convenience for building statuses with file ids.
func StrPtr(s string) *string { return &s }

// Compile-time check that Client implements batch.Client.
var _ batch.Client = (*Client)(nil)
