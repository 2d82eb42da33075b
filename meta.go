package rawvec

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/hupe1980/rawvec/internal/fs"
	"github.com/hupe1980/rawvec/internal/vidset"
)

// MetaFormatVersion is the version of the segment manifest written by Dump.
const MetaFormatVersion = 1

const (
	vecExt    = ".vec"
	docidExt  = ".docid"
	srcExt    = ".src"
	srcPosExt = ".srcpos"
	updExt    = ".upd"
	metaExt   = ".meta.json"

	docidSize  = 8
	srcPosSize = 16
	updVIDSize = 8
)

// SegmentMeta describes the files one store wrote into a dump directory.
type SegmentMeta struct {
	FormatVersion  int         `json:"format_version"`
	Name           string      `json:"name"`
	Element        ElementKind `json:"element"`
	Dimension      int         `json:"dimension"`
	VectorByteSize int         `json:"vector_byte_size"`
	HasSource      bool        `json:"has_source"`
	MultiVids      bool        `json:"multi_vids"`
	StartVID       int         `json:"start_vid"`
	Count          int         `json:"count"`
	MinDocID       int64       `json:"min_docid"`
	MaxDocID       int64       `json:"max_docid"`
	SourceBytes    int64       `json:"source_bytes"`
	// Updates counts the overlay records for vids below StartVID that were
	// updated after an earlier segment dumped them.
	Updates        int         `json:"updates,omitempty"`
	Tombstones     []byte      `json:"tombstones,omitempty"`
}

// EndVID returns the vid after the last record.
func (m *SegmentMeta) EndVID() int { return m.StartVID + m.Count }

// TombstoneSet decodes the tombstoned vids.
func (m *SegmentMeta) TombstoneSet() (*vidset.Set, error) {
	s := vidset.New()
	if len(m.Tombstones) == 0 {
		return s, nil
	}
	if err := s.UnmarshalBinary(m.Tombstones); err != nil {
		return nil, corrupted("%s tombstones: %v", m.Name, err)
	}
	return s, nil
}

// sameShape reports whether m was written by a store configured like o.
func (m *SegmentMeta) sameShape(o *SegmentMeta) error {
	if m.Name != o.Name || m.Element != o.Element || m.Dimension != o.Dimension ||
		m.VectorByteSize != o.VectorByteSize || m.HasSource != o.HasSource || m.MultiVids != o.MultiVids {
		return fmt.Errorf("%w: segment %s is %s/%d source=%t multi=%t, store is %s/%d source=%t multi=%t",
			ErrConfigMismatch, m.Name, m.Element, m.Dimension, m.HasSource, m.MultiVids,
			o.Element, o.Dimension, o.HasSource, o.MultiVids)
	}
	return nil
}

func (m *SegmentMeta) validate() error {
	switch {
	case m.FormatVersion != MetaFormatVersion:
		return corrupted("%s: unsupported format version %d", m.Name, m.FormatVersion)
	case m.VectorByteSize <= 0 || m.Dimension <= 0:
		return corrupted("%s: invalid record size %d", m.Name, m.VectorByteSize)
	case m.StartVID < 0 || m.Count < 0 || m.SourceBytes < 0 || m.Updates < 0:
		return corrupted("%s: negative extent", m.Name)
	}
	vbs, err := m.Element.VectorByteSize(m.Dimension)
	if err != nil || vbs != m.VectorByteSize {
		return corrupted("%s: record size %d does not match %s/%d", m.Name, m.VectorByteSize, m.Element, m.Dimension)
	}
	return nil
}

// SegmentPath returns the path of a store file in dir. ext is one of the
// dump file extensions such as ".vec".
func SegmentPath(dir, name, ext string) string {
	return filepath.Join(dir, name+ext)
}

// VectorFile returns the path of the vector record file of name in dir.
func VectorFile(dir, name string) string {
	return SegmentPath(dir, name, vecExt)
}

// ReadSegmentMeta reads the manifest of name in dir. A missing manifest
// yields an error matching os.ErrNotExist.
func ReadSegmentMeta(fsys fs.FileSystem, dir, name string) (*SegmentMeta, error) {
	fsys = fs.OrDefault(fsys)
	f, err := fsys.OpenFile(SegmentPath(dir, name, metaExt), os.O_RDONLY, 0)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var m SegmentMeta
	if err := json.NewDecoder(f).Decode(&m); err != nil {
		return nil, corrupted("%s manifest: %v", name, err)
	}
	if m.Name != name {
		return nil, corrupted("manifest names store %q, want %q", m.Name, name)
	}
	if err := m.validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

func writeSegmentMeta(fsys fs.FileSystem, dir string, m *SegmentMeta) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	return fs.WriteFileAtomic(fsys, SegmentPath(dir, m.Name, metaExt), data, 0o644)
}

// ListSegments returns the store names with a manifest in dir, sorted.
func ListSegments(fsys fs.FileSystem, dir string) ([]string, error) {
	entries, err := fs.OrDefault(fsys).ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if name, ok := strings.CutSuffix(e.Name(), metaExt); ok && name != "" {
			names = append(names, name)
		}
	}
	slices.Sort(names)
	return names, nil
}

func isNotExist(err error) bool {
	return errors.Is(err, os.ErrNotExist)
}
