package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/hupe1980/rawvec/archive"
	"github.com/hupe1980/rawvec/blobstore"
)

// LatestName selects the last published archive in unpack and ls.
const LatestName = "latest"

func (a *app) archiveOptions(ctx context.Context, codec string) ([]archive.Option, blobstore.BlobStore, error) {
	cfg := a.cfg.Archive
	if codec != "" {
		cfg.Codec = codec
	}
	c, err := archive.ParseCodec(cfg.Codec)
	if err != nil {
		return nil, nil, err
	}
	rc, err := archiveController(cfg)
	if err != nil {
		return nil, nil, err
	}
	store, err := openStore(ctx, cfg, rc)
	if err != nil {
		return nil, nil, err
	}
	opts := []archive.Option{
		archive.WithCodec(c),
		archive.WithResourceController(rc),
		archive.WithLogger(a.logger),
	}
	if cfg.BlockSize > 0 {
		opts = append(opts, archive.WithBlockSize(cfg.BlockSize))
	}
	return opts, store, nil
}

func resolveName(ctx context.Context, store blobstore.BlobStore, name string) (string, error) {
	if name != LatestName {
		return name, nil
	}
	return archive.Latest(ctx, store)
}

func newPackCmd(a *app) *cobra.Command {
	var (
		root    string
		codec   string
		publish bool
	)

	cmd := &cobra.Command{
		Use:   "pack <dir> <archive>",
		Short: "Compress a dump directory into an archive blob",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if root != "" {
				a.cfg.Archive.Root = root
			}
			opts, store, err := a.archiveOptions(cmd.Context(), codec)
			if err != nil {
				return err
			}

			stats, err := archive.Pack(cmd.Context(), store, args[0], args[1], opts...)
			if err != nil {
				return err
			}
			if publish {
				if err := archive.Publish(cmd.Context(), store, args[1]); err != nil {
					return err
				}
			}
			printStats(cmd.OutOrStdout(), "packed", args[1], stats)
			return nil
		},
	}
	cmd.Flags().StringVar(&root, "root", "", "blob store root (overrides archive.root)")
	cmd.Flags().StringVar(&codec, "codec", "", "none, lz4 or zstd (overrides archive.codec)")
	cmd.Flags().BoolVar(&publish, "publish", false, "make the archive the latest checkpoint")
	return cmd
}

func newUnpackCmd(a *app) *cobra.Command {
	var root string

	cmd := &cobra.Command{
		Use:   "unpack <archive> <dir>",
		Short: "Restore an archive blob into a directory",
		Long:  `unpack restores and verifies an archive. The name "latest" selects the last published archive.`,
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if root != "" {
				a.cfg.Archive.Root = root
			}
			opts, store, err := a.archiveOptions(cmd.Context(), "")
			if err != nil {
				return err
			}
			name, err := resolveName(cmd.Context(), store, args[0])
			if err != nil {
				return err
			}

			stats, err := archive.Unpack(cmd.Context(), store, name, args[1], opts...)
			if err != nil {
				return err
			}
			printStats(cmd.OutOrStdout(), "unpacked", name, stats)
			return nil
		},
	}
	cmd.Flags().StringVar(&root, "root", "", "blob store root (overrides archive.root)")
	return cmd
}

func newListCmd(a *app) *cobra.Command {
	var root string

	cmd := &cobra.Command{
		Use:   "ls [archive]",
		Short: "List archives, or the files of one archive",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if root != "" {
				a.cfg.Archive.Root = root
			}
			_, store, err := a.archiveOptions(cmd.Context(), "")
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()

			if len(args) == 0 {
				names, err := store.List(cmd.Context(), "")
				if err != nil {
					return err
				}
				latest, err := archive.Latest(cmd.Context(), store)
				if err != nil && !errors.Is(err, archive.ErrNoCheckpoint) {
					return err
				}
				for _, n := range names {
					if n == archive.CurrentName {
						continue
					}
					marker := ""
					if n == latest {
						marker = " " + okStyle.Render("(latest)")
					}
					fmt.Fprintf(out, "%s%s\n", n, marker)
				}
				return nil
			}

			name, err := resolveName(cmd.Context(), store, args[0])
			if err != nil {
				return err
			}
			codec, entries, err := archive.List(cmd.Context(), store, name)
			if err != nil {
				return err
			}
			fmt.Fprintln(out, headerStyle.Render(fmt.Sprintf("%s: %d files, codec %s", name, len(entries), codec)))
			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tSIZE\tSTORED\tCRC32C")
			for _, e := range entries {
				fmt.Fprintf(w, "%s\t%s\t%s\t%08x\n", e.Name, humanize.Bytes(uint64(e.RawSize)),
					humanize.Bytes(uint64(e.StoredSize)), e.CRC32C)
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVar(&root, "root", "", "blob store root (overrides archive.root)")
	return cmd
}

func printStats(out io.Writer, verb, name string, s archive.Stats) {
	ratio := 1.0
	if s.StoredBytes > 0 {
		ratio = float64(s.RawBytes) / float64(s.StoredBytes)
	}
	fmt.Fprintf(out, "%s %s: %d files, %s -> %s (%s, %.2fx) in %s\n", verb, name, s.Files,
		humanize.Bytes(uint64(s.RawBytes)), humanize.Bytes(uint64(s.StoredBytes)), s.Codec, ratio, s.Duration.Round(time.Millisecond))
}
