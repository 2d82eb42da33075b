package rawvec

import (
	"github.com/hupe1980/rawvec/internal/fs"
	"github.com/hupe1980/rawvec/resource"
)

// StoreConfig is handed to a backend by Init.
type StoreConfig struct {
	Name           string
	Kind           ElementKind
	Dimension      int
	ElemsPerVector int
	VectorByteSize int
	MaxVectorSize  int
	RootPath       string
	Params         StoreParams
	FS             fs.FileSystem
	Resource       *resource.Controller
	Logger         *Logger
}

// Store is the backend contract behind a RawVector. The RawVector validates
// ids, sizes and ordering before calling into it and serializes writers.
// Readers may call GetVector and GetVectorHeader concurrently with writers.
type Store[T Element] interface {
	// InitStore allocates backend resources.
	InitStore(cfg StoreConfig) error

	// AddToStore writes len(data)/ElemsPerVector consecutive records
	// starting at vid. It either stores all of them or none. vid may lie
	// past the last stored record when earlier vids were tombstoned.
	AddToStore(vid int, data []T) error

	// UpdateToStore replaces the records starting at vid.
	UpdateToStore(vid int, data []T) error

	// GetVector returns the record at vid. When borrowed is false the
	// result was copied into buf, which has length ElemsPerVector.
	GetVector(vid int, buf []T) (data []T, borrowed bool, err error)

	// GetVectorHeader returns the records [start, end) back to back, or
	// ErrUnsupported.
	GetVectorHeader(start, end int) (data []T, borrowed bool, err error)

	// GetStoreMemUsage returns the backend's resident bytes.
	GetStoreMemUsage() int64

	// LoadVectors bulk loads consecutive records starting at start.
	LoadVectors(start int, data []T) error

	// Reset drops every record and releases reserved memory. The store stays
	// usable.
	Reset() error

	// Close releases backend resources.
	Close() error
}

// Flushable is implemented by backends that need background persistence.
// Writes stay pending until the flusher has written them to the vector file
// in the root path and reported them with Persisted.
type Flushable[T Element] interface {
	Store[T]

	// PendingVector copies the pending record for vid into buf and
	// returns its version. ok is false when vid has nothing pending.
	PendingVector(vid int, buf []T) (data []T, version uint64, ok bool)

	// Persisted reports that version of vid is durable. The pending copy
	// is dropped unless it was replaced since.
	Persisted(vid int, version uint64)

	// LoadPersisted adopts the first n records of the root vector file.
	LoadPersisted(n int) error
}
