package engine

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/hupe1980/rawvec"
	"github.com/hupe1980/rawvec/diskstore"
	"github.com/hupe1980/rawvec/memstore"
)

// Vector is the element-independent view of a *rawvec.RawVector.
type Vector interface {
	Name() string
	Kind() rawvec.ElementKind
	Dimension() int
	VectorByteSize() int
	MaxVectorSize() int
	RootPath() string
	HasSource() bool
	MultiVids() bool

	Add(docid int, f rawvec.Field) error
	Update(docid int, f rawvec.Field) error
	GetSource(vid int) ([]byte, error)
	VectorNum() int
	TombstoneCount() int
	TotalMemBytes() int64
	VIDMgr() *rawvec.VIDMgr
	Flusher() *rawvec.AsyncFlusher

	Dump(ctx context.Context, path string, dumpDocID, maxDocID int) error
	Load(ctx context.Context, paths []string, docNum int) error
	Close() error
}

var (
	_ Vector = (*rawvec.RawVector[float32])(nil)
	_ Vector = (*rawvec.RawVector[uint8])(nil)
)

// NewField creates and initializes the RawVector described by info below
// root. The backend follows info.StoreType and the element type info.Kind.
func NewField(info FieldInfo, root string, maxDocs int, opts ...rawvec.Option) (Vector, error) {
	kind, err := info.kind()
	if err != nil {
		return nil, fmt.Errorf("%w: field %q: %v", ErrInvalidConfig, info.Name, err)
	}
	params, err := rawvec.ParseStoreParams(info.StoreParam)
	if err != nil {
		return nil, fmt.Errorf("field %q: %w", info.Name, err)
	}
	opts = append(opts, rawvec.WithStoreParams(params))
	path := filepath.Join(root, info.Name)

	var v Vector
	switch kind {
	case rawvec.KindFloat32:
		v, err = newVector[float32](info, path, maxDocs, opts)
	default:
		v, err = newVector[uint8](info, path, maxDocs, opts)
	}
	if err != nil {
		return nil, err
	}
	return v, nil
}

func newVector[T rawvec.Element](info FieldInfo, path string, maxDocs int, opts []rawvec.Option) (*rawvec.RawVector[T], error) {
	var store rawvec.Store[T]
	switch info.storeType() {
	case StoreMemoryOnly:
		store = memstore.New[T](0)
	case StoreDisk:
		store = diskstore.New[T]()
	default:
		return nil, fmt.Errorf("%w: field %q: unknown store type %q", ErrInvalidConfig, info.Name, info.StoreType)
	}

	rv, err := rawvec.New[T](info.Name, info.Dimension, maxDocs, path, store, opts...)
	if err != nil {
		return nil, fmt.Errorf("field %q: %w", info.Name, err)
	}
	if err := rv.Init(info.HasSource, info.MultiVids); err != nil {
		return nil, fmt.Errorf("field %q: %w", info.Name, err)
	}
	return rv, nil
}

// Typed returns the field name of e as a RawVector of element type T.
func Typed[T rawvec.Element](e *Engine, name string) (*rawvec.RawVector[T], error) {
	v, err := e.Field(name)
	if err != nil {
		return nil, err
	}
	rv, ok := v.(*rawvec.RawVector[T])
	if !ok {
		return nil, fmt.Errorf("%w: field %q holds %s vectors", ErrKindMismatch, name, v.Kind())
	}
	return rv, nil
}
