package blobstore

import (
	"bytes"
	"context"
	"io"
	"maps"
	"os"
	"slices"
	"sync"
)

// MemoryStore keeps blobs in process memory. It backs tests and dry runs of
// archive packing. Safe for concurrent use.
type MemoryStore struct {
	mu    sync.RWMutex
	blobs map[string][]byte
	bytes int64
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{blobs: make(map[string][]byte)}
}

// Open returns a view of the stored bytes. Stored slices are never mutated.
func (m *MemoryStore) Open(_ context.Context, name string) (Blob, error) {
	m.mu.RLock()
	data, ok := m.blobs[name]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return NewBytesBlob(data), nil
}

// Create buffers writes until Close publishes the blob.
func (m *MemoryStore) Create(_ context.Context, name string) (WritableBlob, error) {
	if _, err := CleanName(name); err != nil {
		return nil, err
	}
	return &pendingBlob{commit: func(b []byte) { m.swap(name, b) }}, nil
}

// Put stores a copy of data under name.
func (m *MemoryStore) Put(_ context.Context, name string, data []byte) error {
	if _, err := CleanName(name); err != nil {
		return err
	}
	m.swap(name, bytes.Clone(data))
	return nil
}

// Delete drops name. A missing name is not an error.
func (m *MemoryStore) Delete(_ context.Context, name string) error {
	m.swap(name, nil)
	return nil
}

// List returns the sorted names carrying prefix.
func (m *MemoryStore) List(_ context.Context, prefix string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := slices.Sorted(maps.Keys(m.blobs))
	return slices.DeleteFunc(names, func(n string) bool { return !hasPrefix(n, prefix) }), nil
}

// Bytes reports the total payload held by the store.
func (m *MemoryStore) Bytes() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.bytes
}

// swap replaces the blob at name; a nil data removes it.
func (m *MemoryStore) swap(name string, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if old, ok := m.blobs[name]; ok {
		m.bytes -= int64(len(old))
		delete(m.blobs, name)
	}
	if data == nil {
		return
	}
	m.blobs[name] = data
	m.bytes += int64(len(data))
}

// BytesBlob is a read-only Blob over a byte slice.
type BytesBlob struct {
	data []byte
}

// NewBytesBlob wraps data without copying. The caller must not modify it.
func NewBytesBlob(data []byte) *BytesBlob {
	return &BytesBlob{data: data}
}

func (b *BytesBlob) ReadAt(_ context.Context, p []byte, off int64) (int, error) {
	if off < 0 || off >= int64(len(b.data)) {
		return 0, io.EOF
	}
	n := copy(p, b.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (b *BytesBlob) ReadRange(_ context.Context, off, length int64) (io.ReadCloser, error) {
	size := int64(len(b.data))
	off = min(max(off, 0), size)
	end := min(off+max(length, 0), size)
	return io.NopCloser(bytes.NewReader(b.data[off:end])), nil
}

func (b *BytesBlob) Size() int64            { return int64(len(b.data)) }
func (b *BytesBlob) Bytes() ([]byte, error) { return b.data, nil }
func (b *BytesBlob) Close() error           { return nil }

// pendingBlob buffers a Create until Close.
type pendingBlob struct {
	buf    bytes.Buffer
	commit func([]byte)
	done   bool
}

func (w *pendingBlob) Write(p []byte) (int, error) {
	if w.done {
		return 0, os.ErrClosed
	}
	return w.buf.Write(p)
}

func (w *pendingBlob) Sync() error { return nil }

func (w *pendingBlob) Close() error {
	if w.done {
		return os.ErrClosed
	}
	w.done = true
	data := w.buf.Bytes()
	if data == nil {
		data = []byte{}
	}
	w.commit(data)
	return nil
}

var (
	_ BlobStore = (*MemoryStore)(nil)
	_ Mappable  = (*BytesBlob)(nil)
)
