package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/hupe1980/rawvec"
	"github.com/hupe1980/rawvec/engine"
	"github.com/hupe1980/rawvec/memstore"
)

// VerifyResult reports one reloaded segment.
type VerifyResult struct {
	Name       string
	Vectors    int
	Docs       int
	Tombstones int
	SourceRefs int
	MemBytes   int64
	Err        error
}

// Verify reloads every segment found in paths[0] from the whole chain
// into a resident store and reads back each record. docs < 0 takes the
// document count from the engine manifest of the last path.
func Verify(ctx context.Context, paths []string, docs int, logger *rawvec.Logger) ([]VerifyResult, error) {
	if len(paths) == 0 {
		return nil, errors.New("no dump directories")
	}
	if docs < 0 {
		m, err := engine.ReadManifest(paths[len(paths)-1])
		if err != nil {
			return nil, fmt.Errorf("--docs not set and no engine manifest: %w", err)
		}
		docs = m.TotalDocs
	}

	names, err := rawvec.ListSegments(nil, paths[0])
	if err != nil {
		return nil, err
	}
	if len(names) == 0 {
		return nil, fmt.Errorf("%s: no segments", paths[0])
	}

	results := make([]VerifyResult, 0, len(names))
	for _, name := range names {
		res := verifyNamed(ctx, paths, name, docs, logger)
		results = append(results, res)
	}
	return results, nil
}

func verifyNamed(ctx context.Context, paths []string, name string, docs int, logger *rawvec.Logger) VerifyResult {
	var (
		first  *rawvec.SegmentMeta
		maxEnd = 1
	)
	for _, p := range paths {
		m, err := rawvec.ReadSegmentMeta(nil, p, name)
		if err != nil {
			return VerifyResult{Name: name, Err: fmt.Errorf("%s: %w", p, err)}
		}
		if first == nil {
			first = m
		}
		maxEnd = max(maxEnd, m.EndVID())
	}

	switch first.Element {
	case rawvec.KindFloat32:
		return verifySegment[float32](ctx, first, paths, maxEnd, docs, logger)
	case rawvec.KindBinary:
		return verifySegment[uint8](ctx, first, paths, maxEnd, docs, logger)
	default:
		return VerifyResult{Name: name, Err: fmt.Errorf("unknown element %q", first.Element)}
	}
}

func verifySegment[T rawvec.Element](ctx context.Context, m *rawvec.SegmentMeta, paths []string, capacity, docs int, logger *rawvec.Logger) VerifyResult {
	res := VerifyResult{Name: m.Name}

	tmp, err := os.MkdirTemp("", "rawvec-verify-*")
	if err != nil {
		res.Err = err
		return res
	}
	defer func() { _ = os.RemoveAll(tmp) }()

	v, err := rawvec.New[T](m.Name, m.Dimension, capacity, tmp, memstore.New[T](0), rawvec.WithLogger(logger))
	if err != nil {
		res.Err = err
		return res
	}
	defer func() { _ = v.Close() }()

	if err := v.Init(m.HasSource, m.MultiVids); err != nil {
		res.Err = err
		return res
	}
	if err := v.Load(ctx, paths, docs); err != nil {
		res.Err = err
		return res
	}

	res.Vectors = v.VectorNum()
	res.Docs = v.VIDMgr().DocCount()
	res.MemBytes = v.TotalMemBytes()

	want := m.Element.ElemsPerVector(m.Dimension)
	for vid := range res.Vectors {
		if err := ctx.Err(); err != nil {
			res.Err = err
			return res
		}
		h, err := v.GetVector(vid)
		if errors.Is(err, rawvec.ErrNotFound) {
			res.Tombstones++
			continue
		}
		if err != nil {
			res.Err = err
			return res
		}
		n := h.Len()
		h.Release()
		if n != want {
			res.Err = fmt.Errorf("%w: vid %d has %d elements, want %d", rawvec.ErrCorrupted, vid, n, want)
			return res
		}
		if m.HasSource {
			if _, err := v.GetSource(vid); err != nil {
				res.Err = fmt.Errorf("source of vid %d: %w", vid, err)
				return res
			}
			res.SourceRefs++
		}
	}
	if res.Tombstones != v.TombstoneCount() {
		res.Err = fmt.Errorf("%w: %d unreadable vids, %d tombstones", rawvec.ErrCorrupted, res.Tombstones, v.TombstoneCount())
	}
	return res
}

func newVerifyCmd(a *app) *cobra.Command {
	var docs int

	cmd := &cobra.Command{
		Use:   "verify <dir>...",
		Short: "Reload a dump chain into memory and check every record",
		Long: `verify loads the given dump directories, in order, into a fresh
resident store per segment and reads back every vector and source.

A single engine root expands to its dump chain, and --docs defaults to the
document count of its last manifest.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			paths := args
			if len(args) == 1 {
				dirs, _, err := engine.Dumps(args[0])
				if err != nil {
					return err
				}
				if len(dirs) > 0 {
					paths = dirs
				}
			}

			results, err := Verify(cmd.Context(), paths, docs, a.logger)
			if err != nil {
				return err
			}
			printVerify(cmd.OutOrStdout(), results)

			var errs []error
			for _, r := range results {
				if r.Err != nil {
					errs = append(errs, fmt.Errorf("%s: %w", r.Name, r.Err))
				}
			}
			return errors.Join(errs...)
		},
	}
	cmd.Flags().IntVar(&docs, "docs", -1, "number of documents to load (default from the engine manifest)")
	return cmd
}

func printVerify(out io.Writer, results []VerifyResult) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tVECTORS\tDOCS\tTOMBSTONES\tMEMORY\tSTATUS")
	for _, r := range results {
		status := okStyle.Render("ok")
		if r.Err != nil {
			status = failStyle.Render(r.Err.Error())
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n", r.Name, humanize.Comma(int64(r.Vectors)),
			humanize.Comma(int64(r.Docs)), r.Tombstones, humanize.Bytes(uint64(r.MemBytes)), status)
	}
	_ = w.Flush()
}
