package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/hupe1980/rawvec"
	"github.com/hupe1980/rawvec/engine"
)

var (
	headerStyle = lipgloss.NewStyle().Bold(true)
	okStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("82"))
	failStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
)

// SegmentInfo is the inspect view of one store segment.
type SegmentInfo struct {
	Name        string             `json:"name"`
	Element     rawvec.ElementKind `json:"element"`
	Dimension   int                `json:"dimension"`
	StartVID    int                `json:"start_vid"`
	Count       int                `json:"count"`
	MinDocID    int64              `json:"min_docid"`
	MaxDocID    int64              `json:"max_docid"`
	Tombstones  int                `json:"tombstones"`
	Updates     int                `json:"updates"`
	VectorBytes int64              `json:"vector_bytes"`
	SourceBytes int64              `json:"source_bytes"`
	HasSource   bool               `json:"has_source"`
	MultiVids   bool               `json:"multi_vids"`
}

// DirInfo is the inspect view of a dump directory or an engine root.
type DirInfo struct {
	Path     string                 `json:"path"`
	Manifest *engine.DumpManifest   `json:"manifest,omitempty"`
	Segments []SegmentInfo          `json:"segments,omitempty"`
	Dumps    []*engine.DumpManifest `json:"dumps,omitempty"`
}

// Inspect describes path. An engine root lists its dump chain, anything
// else is read as a single dump directory.
func Inspect(path string) (*DirInfo, error) {
	info := &DirInfo{Path: path}

	_, manifests, err := engine.Dumps(path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	if len(manifests) > 0 {
		info.Dumps = manifests
		return info, nil
	}

	if m, err := engine.ReadManifest(path); err == nil {
		info.Manifest = m
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	names, err := rawvec.ListSegments(nil, path)
	if err != nil {
		return nil, err
	}
	for _, name := range names {
		seg, err := inspectSegment(path, name)
		if err != nil {
			return nil, err
		}
		info.Segments = append(info.Segments, seg)
	}
	return info, nil
}

func inspectSegment(dir, name string) (SegmentInfo, error) {
	m, err := rawvec.ReadSegmentMeta(nil, dir, name)
	if err != nil {
		return SegmentInfo{}, fmt.Errorf("segment %s: %w", name, err)
	}
	ts, err := m.TombstoneSet()
	if err != nil {
		return SegmentInfo{}, err
	}
	seg := SegmentInfo{
		Name:        m.Name,
		Element:     m.Element,
		Dimension:   m.Dimension,
		StartVID:    m.StartVID,
		Count:       m.Count,
		MinDocID:    m.MinDocID,
		MaxDocID:    m.MaxDocID,
		Tombstones:  ts.Len(),
		Updates:     m.Updates,
		SourceBytes: m.SourceBytes,
		HasSource:   m.HasSource,
		MultiVids:   m.MultiVids,
	}
	if st, err := os.Stat(rawvec.VectorFile(dir, name)); err == nil {
		seg.VectorBytes = st.Size()
	}
	return seg, nil
}

func newInspectCmd(a *app) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "inspect <dir>",
		Short: "Show the segments of a dump directory or the dumps of an engine root",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			info, err := Inspect(args[0])
			if err != nil {
				return err
			}
			a.logger.Debug("inspected", "path", args[0], "segments", len(info.Segments), "dumps", len(info.Dumps))
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(info)
			}
			printDirInfo(cmd.OutOrStdout(), info)
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON instead of a table")
	return cmd
}

func printDirInfo(out io.Writer, info *DirInfo) {
	if len(info.Dumps) > 0 {
		fmt.Fprintln(out, headerStyle.Render(fmt.Sprintf("Engine root %s: %d dumps", info.Path, len(info.Dumps))))
		w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "SEQ\tDOCIDS\tDOCS\tUPDATES\tTOTAL\tFIELDS\tCREATED")
		for _, m := range info.Dumps {
			fmt.Fprintf(w, "%06d\t%d-%d\t%s\t%s\t%s\t%d\t%s\n", m.Seq, m.MinDocID, m.MaxDocID,
				humanize.Comma(int64(m.Docs)), humanize.Comma(int64(m.Updates)), humanize.Comma(int64(m.TotalDocs)),
				len(m.Fields), humanize.Time(m.CreatedAt))
		}
		_ = w.Flush()
		return
	}

	title := fmt.Sprintf("Dump %s: %d segments", info.Path, len(info.Segments))
	if info.Manifest != nil {
		title += fmt.Sprintf(" (seq %d, docids %d-%d)", info.Manifest.Seq, info.Manifest.MinDocID, info.Manifest.MaxDocID)
	}
	fmt.Fprintln(out, headerStyle.Render(title))
	if len(info.Segments) == 0 {
		return
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tELEMENT\tDIM\tVIDS\tDOCIDS\tTOMBSTONES\tUPDATES\tVECTORS\tSOURCES")
	for _, s := range info.Segments {
		src := "-"
		if s.HasSource {
			src = humanize.Bytes(uint64(s.SourceBytes))
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%d-%d\t%d-%d\t%d\t%d\t%s\t%s\n", s.Name, s.Element, s.Dimension,
			s.StartVID, s.StartVID+s.Count, s.MinDocID, s.MaxDocID, s.Tombstones, s.Updates,
			humanize.Bytes(uint64(s.VectorBytes)), src)
	}
	_ = w.Flush()
}
