package storage

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"
)

// Response is an immutable snapshot of a response body and metadata.
//
// Snapshots are replaced wholesale on a later write of the same key; callers
// that need to mutate headers work on Clone.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

// Clone returns a deep copy that shares no memory with r.
func (r Response) Clone() Response {
	out := Response{Status: r.Status, Header: r.Header.Clone()}
	if r.Body != nil {
		out.Body = append([]byte(nil), r.Body...)
	}
	if out.Header == nil {
		out.Header = http.Header{}
	}
	return out
}

// OK reports whether the status is in the 2xx range.
func (r Response) OK() bool {
	return r.Status >= 200 && r.Status < 300
}

// Write copies the snapshot to w. Content-Length is recomputed from Body.
func (r Response) Write(w http.ResponseWriter) error {
	header := w.Header()
	for key, values := range r.Header {
		header[key] = append([]string(nil), values...)
	}
	header.Set("Content-Length", strconv.Itoa(len(r.Body)))
	status := r.Status
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	_, err := w.Write(r.Body)
	return err
}

// Text builds a synthetic plain-text response.
func Text(status int, body string) Response {
	return Response{
		Status: status,
		Header: http.Header{"Content-Type": []string{"text/plain; charset=utf-8"}},
		Body:   []byte(body),
	}
}

// ErrBodyTooLarge reports a response body above the snapshot limit.
var ErrBodyTooLarge = errors.New("response body exceeds snapshot limit")

// ReadResponse drains resp into a snapshot and closes its body. A positive
// maxBytes bounds the body; larger bodies fail with ErrBodyTooLarge.
func ReadResponse(resp *http.Response, maxBytes int64) (Response, error) {
	defer func() {
		_ = resp.Body.Close()
	}()
	reader := io.Reader(resp.Body)
	if maxBytes > 0 {
		reader = io.LimitReader(resp.Body, maxBytes+1)
	}
	body, err := io.ReadAll(reader)
	if err != nil {
		return Response{}, err
	}
	if maxBytes > 0 && int64(len(body)) > maxBytes {
		return Response{}, ErrBodyTooLarge
	}
	return Response{Status: resp.StatusCode, Header: resp.Header.Clone(), Body: body}, nil
}

// Entry is one stored response and its request key.
type Entry struct {
	Key      string
	Response Response
	StoredAt time.Time
}

// Backend persists named caches of key→response entries.
//
// Each operation is atomic on its own; PutEntries is atomic across its whole
// batch. Entries keep insertion order, and overwriting a key moves it to the
// end.
type Backend interface {
	Close() error
	// CreateCache registers name; creating an existing cache is a no-op.
	CreateCache(ctx context.Context, name string) error
	ListCaches(ctx context.Context) ([]string, error)
	// DeleteCache drops name and every entry in it, reporting whether it existed.
	DeleteCache(ctx context.Context, name string) (bool, error)
	GetEntry(ctx context.Context, cache, key string) (Response, bool, error)
	// PutEntries writes the batch into cache, creating cache when absent.
	PutEntries(ctx context.Context, cache string, entries []Entry) error
	ListEntries(ctx context.Context, cache string) ([]Entry, error)
}
