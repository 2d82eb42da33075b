package engine

import (
	"fmt"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/hupe1980/rawvec"
	"github.com/hupe1980/rawvec/internal/conv"
)

// Store types accepted in FieldInfo.StoreType.
const (
	StoreMemoryOnly = "MemoryOnly"
	StoreDisk       = "Disk"
)

// FieldInfo describes one vector field.
type FieldInfo struct {
	Name       string `mapstructure:"name" json:"name"`
	Dimension  int    `mapstructure:"dimension" json:"dimension"`
	Kind       string `mapstructure:"kind" json:"kind"`
	StoreType  string `mapstructure:"store_type" json:"store_type"`
	StoreParam string `mapstructure:"store_param" json:"store_param,omitempty"`
	HasSource  bool   `mapstructure:"has_source" json:"has_source"`
	MultiVids  bool   `mapstructure:"multi_vids" json:"multi_vids"`
}

func (fi FieldInfo) kind() (rawvec.ElementKind, error) {
	if fi.Kind == "" {
		return rawvec.KindFloat32, nil
	}
	return rawvec.ParseElementKind(fi.Kind)
}

func (fi FieldInfo) storeType() string {
	if fi.StoreType == "" {
		return StoreMemoryOnly
	}
	return fi.StoreType
}

// Config configures an Engine.
type Config struct {
	// Root holds one directory per field below fields/ and the numbered
	// dump directories below dump/.
	Root string `mapstructure:"root"`

	// MaxDocs bounds the vector count of every field.
	MaxDocs int `mapstructure:"max_docs"`

	// MemoryLimit caps managed memory, e.g. "2GiB". Empty means unlimited.
	MemoryLimit string `mapstructure:"memory_limit"`

	// IOLimit caps dump and flush throughput per second, e.g. "200MB".
	IOLimit string `mapstructure:"io_limit"`

	// DumpWorkers bounds how many fields dump concurrently. 0 means one
	// per field.
	DumpWorkers int `mapstructure:"dump_workers"`

	// FlushInterval is the flusher period of Disk fields.
	FlushInterval time.Duration `mapstructure:"flush_interval"`

	Fields []FieldInfo `mapstructure:"fields"`
}

// Validate checks the configuration without touching the filesystem.
func (c Config) Validate() error {
	if c.Root == "" {
		return fmt.Errorf("%w: empty root", ErrInvalidConfig)
	}
	if c.MaxDocs <= 0 {
		return fmt.Errorf("%w: max_docs must be positive, got %d", ErrInvalidConfig, c.MaxDocs)
	}
	if _, err := parseSize(c.MemoryLimit); err != nil {
		return fmt.Errorf("%w: memory_limit: %v", ErrInvalidConfig, err)
	}
	if _, err := parseSize(c.IOLimit); err != nil {
		return fmt.Errorf("%w: io_limit: %v", ErrInvalidConfig, err)
	}
	if len(c.Fields) == 0 {
		return fmt.Errorf("%w: no fields", ErrInvalidConfig)
	}

	seen := make(map[string]struct{}, len(c.Fields))
	for _, fi := range c.Fields {
		if fi.Name == "" {
			return fmt.Errorf("%w: field without name", ErrInvalidConfig)
		}
		if _, dup := seen[fi.Name]; dup {
			return fmt.Errorf("%w: duplicate field %q", ErrInvalidConfig, fi.Name)
		}
		seen[fi.Name] = struct{}{}

		kind, err := fi.kind()
		if err != nil {
			return fmt.Errorf("%w: field %q: %v", ErrInvalidConfig, fi.Name, err)
		}
		if _, err := kind.VectorByteSize(fi.Dimension); err != nil {
			return fmt.Errorf("%w: field %q: %w", ErrInvalidConfig, fi.Name, err)
		}
		switch fi.storeType() {
		case StoreMemoryOnly, StoreDisk:
		default:
			return fmt.Errorf("%w: field %q: unknown store type %q", ErrInvalidConfig, fi.Name, fi.StoreType)
		}
		if _, err := rawvec.ParseStoreParams(fi.StoreParam); err != nil {
			return fmt.Errorf("field %q: %w", fi.Name, err)
		}
	}
	return nil
}

func parseSize(s string) (int64, error) {
	if s == "" {
		return 0, nil
	}
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, err
	}
	return conv.Uint64ToInt64(n)
}
