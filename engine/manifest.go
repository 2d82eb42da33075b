package engine

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/hupe1980/rawvec"
	"github.com/hupe1980/rawvec/internal/fs"
)

// ManifestName is written last into a dump directory. Directories without
// it are incomplete and ignored by Load.
const ManifestName = "engine.json"

// DumpManifest describes one numbered dump directory.
type DumpManifest struct {
	Seq       int       `json:"seq"`
	MinDocID  int       `json:"min_docid"`
	MaxDocID  int       `json:"max_docid"`
	Docs      int       `json:"docs"`
	TotalDocs int       `json:"total_docs"`
	// Updates counts the document updates since the previous dump. A dump
	// with updates only has MaxDocID below MinDocID.
	Updates   int       `json:"updates,omitempty"`
	Fields    []string  `json:"fields"`
	CreatedAt time.Time `json:"created_at"`
}

func dumpRoot(root string) string { return filepath.Join(root, "dump") }

// DumpDir returns the directory of dump seq below root.
func DumpDir(root string, seq int) string {
	return filepath.Join(dumpRoot(root), fmt.Sprintf("%06d", seq))
}

func writeManifest(dir string, m *DumpManifest) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	return fs.WriteFileAtomic(nil, filepath.Join(dir, ManifestName), data, 0o644)
}

// ReadManifest reads the manifest of a dump directory.
func ReadManifest(dir string) (*DumpManifest, error) {
	data, err := os.ReadFile(filepath.Join(dir, ManifestName))
	if err != nil {
		return nil, err
	}
	var m DumpManifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", rawvec.ErrCorrupted, dir, err)
	}
	return &m, nil
}

// Dumps returns the complete dump directories below root in sequence
// order with their manifests. An incomplete directory ends the list; the
// dumps after it are not usable since they extend it.
func Dumps(root string) ([]string, []*DumpManifest, error) {
	entries, err := os.ReadDir(dumpRoot(root))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, err
	}

	var seqs []int
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if n, err := strconv.Atoi(e.Name()); err == nil && n > 0 {
			seqs = append(seqs, n)
		}
	}
	sort.Ints(seqs)

	var (
		dirs      []string
		manifests []*DumpManifest
	)
	prev := &DumpManifest{MaxDocID: -1}
	for _, seq := range seqs {
		dir := DumpDir(root, seq)
		m, err := ReadManifest(dir)
		if errors.Is(err, os.ErrNotExist) {
			break
		}
		if err != nil {
			return nil, nil, err
		}
		if m.Seq != seq || m.MinDocID <= prev.MaxDocID || m.TotalDocs != prev.TotalDocs+m.Docs {
			return nil, nil, fmt.Errorf("%w: dump %d does not extend dump %d", rawvec.ErrCorrupted, seq, prev.Seq)
		}
		dirs = append(dirs, dir)
		manifests = append(manifests, m)
		prev = m
	}
	return dirs, manifests, nil
}
