package statestore

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"

	"github.com/wehubfusion/Colony/pkg/flow"
	"github.com/wehubfusion/Colony/pkg/storage"
)

// BlobAPI is the part of a blob client the blob store needs.
// *storage.AzureBlobClient satisfies it.
type BlobAPI interface {
	AppendLine(ctx context.Context, path string, line []byte) error
	Read(ctx context.Context, path string) ([]byte, error)
}

// BlobStore writes one JSON line per event to events/<trace>.jsonl and one
// per binding to bindings/<trace>.jsonl.
type BlobStore struct {
	api    BlobAPI
	prefix string
}

var _ flow.StateStore = (*BlobStore)(nil)

// NewBlobStore creates a store rooted at prefix (may be empty).
func NewBlobStore(api BlobAPI, prefix string) *BlobStore {
	return &BlobStore{api: api, prefix: prefix}
}

func (s *BlobStore) path(kind, traceID string) string {
	p := kind + "/" + url.PathEscape(traceID) + ".jsonl"
	if s.prefix != "" {
		p = s.prefix + "/" + p
	}
	return p
}

func (s *BlobStore) SaveEvent(ctx context.Context, ev flow.StoredEvent) error {
	line, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode %s event: %w", ev.Kind, err)
	}
	return s.api.AppendLine(ctx, s.path("events", ev.TraceID), line)
}

func (s *BlobStore) LoadHistory(ctx context.Context, traceID string) ([]flow.StoredEvent, error) {
	return readLines[flow.StoredEvent](ctx, s.api, s.path("events", traceID))
}

func (s *BlobStore) SaveBinding(ctx context.Context, b flow.RemoteBinding) error {
	line, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("encode binding: %w", err)
	}
	return s.api.AppendLine(ctx, s.path("bindings", b.TraceID), line)
}

// Bindings returns the remote bindings recorded for a trace.
func (s *BlobStore) Bindings(ctx context.Context, traceID string) ([]flow.RemoteBinding, error) {
	return readLines[flow.RemoteBinding](ctx, s.api, s.path("bindings", traceID))
}

func readLines[T any](ctx context.Context, api BlobAPI, path string) ([]T, error) {
	data, err := api.Read(ctx, path)
	if errors.Is(err, storage.ErrBlobNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	var out []T
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var v T
		if err := json.Unmarshal(line, &v); err != nil {
			return nil, fmt.Errorf("decode %s: %w", path, err)
		}
		out = append(out, v)
	}
	return out, scanner.Err()
}
