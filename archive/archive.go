package archive

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/hupe1980/rawvec"
	"github.com/hupe1980/rawvec/blobstore"
	"github.com/hupe1980/rawvec/internal/conv"
	"github.com/hupe1980/rawvec/internal/fs"
	"github.com/hupe1980/rawvec/internal/hash"
	"github.com/hupe1980/rawvec/resource"
)

var (
	// ErrCorrupted is returned when an archive fails validation.
	ErrCorrupted = rawvec.ErrCorrupted
	// ErrUnknownCodec is returned for an unsupported codec name or id.
	ErrUnknownCodec = errors.New("unknown archive codec")
	// ErrNoCheckpoint is returned by Latest before anything was published.
	ErrNoCheckpoint = fmt.Errorf("no published checkpoint: %w", blobstore.ErrNotFound)
)

// CurrentName is the blob holding the name of the latest published archive.
const CurrentName = "CURRENT"

const (
	magic   = "RVAK"
	version = 1

	headerSize       = 16
	DefaultBlockSize = 1 << 20
	maxNameLen       = 1<<16 - 1
)

func corrupted(format string, args ...any) error {
	return fmt.Errorf("%w: archive: %s", ErrCorrupted, fmt.Sprintf(format, args...))
}

// Entry describes one file in an archive.
type Entry struct {
	Name       string
	RawSize    int64
	StoredSize int64
	CRC32C     uint32
}

// Stats summarizes a Pack or Unpack.
type Stats struct {
	Codec       Codec
	Files       int
	RawBytes    int64
	StoredBytes int64
	Duration    time.Duration
}

type options struct {
	codec     Codec
	blockSize int
	fsys      fs.FileSystem
	rc        *resource.Controller
	logger    *rawvec.Logger
}

// Option configures Pack and Unpack.
type Option func(*options)

// WithCodec sets the block codec. Default: CodecZstd.
func WithCodec(c Codec) Option {
	return func(o *options) { o.codec = c }
}

// WithBlockSize sets the uncompressed block size. Default: 1 MiB.
func WithBlockSize(n int) Option {
	return func(o *options) { o.blockSize = n }
}

// WithFileSystem sets the filesystem the dump directory lives on.
func WithFileSystem(fsys fs.FileSystem) Option {
	return func(o *options) { o.fsys = fsys }
}

// WithResourceController throttles archive IO through rc.
func WithResourceController(rc *resource.Controller) Option {
	return func(o *options) { o.rc = rc }
}

// WithLogger sets the logger.
func WithLogger(l *rawvec.Logger) Option {
	return func(o *options) { o.logger = l }
}

func buildOptions(opts []Option) options {
	o := options{codec: CodecZstd, blockSize: DefaultBlockSize}
	for _, fn := range opts {
		fn(&o)
	}
	if o.blockSize <= 0 {
		o.blockSize = DefaultBlockSize
	}
	o.fsys = fs.OrDefault(o.fsys)
	if o.logger == nil {
		o.logger = rawvec.NoopLogger()
	}
	return o
}

type aborter interface {
	Abort() error
}

// Pack writes every file below dir into the blob name.
func Pack(ctx context.Context, store blobstore.BlobStore, dir, name string, opts ...Option) (Stats, error) {
	o := buildOptions(opts)
	if !o.codec.valid() {
		return Stats{}, fmt.Errorf("%w: %d", ErrUnknownCodec, o.codec)
	}
	start := time.Now()

	files, err := walk(o.fsys, dir, "")
	if err != nil {
		return Stats{}, fmt.Errorf("archive: scan %s: %w", dir, err)
	}

	wb, err := store.Create(ctx, name)
	if err != nil {
		return Stats{}, err
	}

	stats, err := pack(ctx, o, dir, files, wb)
	if err != nil {
		if a, ok := wb.(aborter); ok {
			_ = a.Abort()
		} else {
			_ = wb.Close()
			_ = store.Delete(ctx, name)
		}
		o.logger.Error("archive pack failed", "name", name, "dir", dir, "error", err)
		return Stats{}, err
	}
	if err := wb.Close(); err != nil {
		return Stats{}, fmt.Errorf("archive: close %s: %w", name, err)
	}

	stats.Duration = time.Since(start)
	o.logger.Info("archive packed",
		"name", name,
		"dir", dir,
		"codec", stats.Codec.String(),
		"files", stats.Files,
		"raw_bytes", stats.RawBytes,
		"stored_bytes", stats.StoredBytes,
		"duration", stats.Duration,
	)
	return stats, nil
}

func pack(ctx context.Context, o options, dir string, files []string, wb blobstore.WritableBlob) (Stats, error) {
	w := bufio.NewWriterSize(resource.NewRateLimitedWriter(ctx, wb, o.rc), 256<<10)
	stats := Stats{Codec: o.codec}

	var hdr [headerSize]byte
	copy(hdr[:4], magic)
	binary.LittleEndian.PutUint16(hdr[4:], version)
	hdr[6] = byte(o.codec)
	binary.LittleEndian.PutUint32(hdr[8:], uint32(o.blockSize))
	binary.LittleEndian.PutUint32(hdr[12:], uint32(len(files)))
	if _, err := w.Write(hdr[:]); err != nil {
		return stats, err
	}

	for _, rel := range files {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		entry, payload, err := encodeFile(o, filepath.Join(dir, filepath.FromSlash(rel)), rel)
		if err != nil {
			return stats, err
		}
		if err := writeEntry(w, entry); err != nil {
			return stats, err
		}
		if _, err := w.Write(payload); err != nil {
			return stats, err
		}
		stats.Files++
		stats.RawBytes += entry.RawSize
		stats.StoredBytes += entry.StoredSize
	}
	return stats, w.Flush()
}

func encodeFile(o options, file, rel string) (Entry, []byte, error) {
	f, err := o.fsys.OpenFile(file, os.O_RDONLY, 0)
	if err != nil {
		return Entry{}, nil, err
	}
	defer func() { _ = f.Close() }()

	entry := Entry{Name: rel}
	var payload []byte
	buf := make([]byte, o.blockSize)
	for {
		n, err := io.ReadFull(f, buf)
		if n > 0 {
			entry.CRC32C = hash.Update(entry.CRC32C, buf[:n])
			entry.RawSize += int64(n)
			var cerr error
			if payload, cerr = appendBlock(payload, buf[:n], o.codec); cerr != nil {
				return Entry{}, nil, fmt.Errorf("archive: compress %s: %w", rel, cerr)
			}
		}
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			break
		}
		if err != nil {
			return Entry{}, nil, fmt.Errorf("archive: read %s: %w", rel, err)
		}
	}
	entry.StoredSize = int64(len(payload))
	return entry, payload, nil
}

// Entry layout: [nameLen uint16][name][raw uint64][stored uint64][crc uint32].
func writeEntry(w io.Writer, e Entry) error {
	buf := make([]byte, 0, 2+len(e.Name)+20)
	buf = binary.LittleEndian.AppendUint16(buf, uint16(len(e.Name)))
	buf = append(buf, e.Name...)
	buf = binary.LittleEndian.AppendUint64(buf, uint64(e.RawSize))
	buf = binary.LittleEndian.AppendUint64(buf, uint64(e.StoredSize))
	buf = binary.LittleEndian.AppendUint32(buf, e.CRC32C)
	_, err := w.Write(buf)
	return err
}

func readEntry(r io.Reader) (Entry, error) {
	var n [2]byte
	if _, err := io.ReadFull(r, n[:]); err != nil {
		return Entry{}, truncated(err)
	}
	name := make([]byte, binary.LittleEndian.Uint16(n[:]))
	if _, err := io.ReadFull(r, name); err != nil {
		return Entry{}, truncated(err)
	}
	clean, err := blobstore.CleanName(string(name))
	if err != nil || clean != string(name) {
		return Entry{}, corrupted("bad entry name %q", name)
	}
	var rest [20]byte
	if _, err := io.ReadFull(r, rest[:]); err != nil {
		return Entry{}, truncated(err)
	}
	raw, err1 := conv.Uint64ToInt64(binary.LittleEndian.Uint64(rest[0:]))
	stored, err2 := conv.Uint64ToInt64(binary.LittleEndian.Uint64(rest[8:]))
	if err := errors.Join(err1, err2); err != nil {
		return Entry{}, corrupted("entry %s: %v", clean, err)
	}
	return Entry{
		Name:       clean,
		RawSize:    raw,
		StoredSize: stored,
		CRC32C:     binary.LittleEndian.Uint32(rest[16:]),
	}, nil
}

func truncated(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return corrupted("truncated")
	}
	return err
}

// walk returns the slash separated paths of all regular files below
// root/rel in lexical order. Temporary files are skipped.
func walk(fsys fs.FileSystem, root, rel string) ([]string, error) {
	entries, err := fsys.ReadDir(filepath.Join(root, filepath.FromSlash(rel)))
	if err != nil {
		return nil, err
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	var out []string
	for _, e := range entries {
		name := path.Join(rel, e.Name())
		switch {
		case e.IsDir():
			sub, err := walk(fsys, root, name)
			if err != nil {
				return nil, err
			}
			out = append(out, sub...)
		case e.Type().IsRegular() && !strings.HasSuffix(name, ".tmp"):
			if len(name) > maxNameLen {
				return nil, fmt.Errorf("archive: name too long: %s", name)
			}
			out = append(out, name)
		}
	}
	return out, nil
}

type reader struct {
	r         *bufio.Reader
	codec     Codec
	blockSize int
	count     int
}

func openReader(ctx context.Context, o options, b blobstore.Blob) (*reader, error) {
	src := resource.NewRateLimitedReader(ctx, blobstore.NewSectionReader(ctx, b, 0, b.Size()), o.rc)
	r := bufio.NewReaderSize(src, 256<<10)

	var hdr [headerSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, truncated(err)
	}
	if string(hdr[:4]) != magic {
		return nil, corrupted("bad magic %q", hdr[:4])
	}
	if v := binary.LittleEndian.Uint16(hdr[4:]); v != version {
		return nil, corrupted("unsupported version %d", v)
	}
	codec := Codec(hdr[6])
	if !codec.valid() {
		return nil, corrupted("%v: %d", ErrUnknownCodec, hdr[6])
	}
	return &reader{
		r:         r,
		codec:     codec,
		blockSize: int(binary.LittleEndian.Uint32(hdr[8:])),
		count:     int(binary.LittleEndian.Uint32(hdr[12:])),
	}, nil
}

// decode streams the payload of e into w and verifies its size and checksum.
func (rd *reader) decode(e Entry, w io.Writer) error {
	payload := io.LimitReader(rd.r, e.StoredSize)
	var (
		raw   int64
		crc   uint32
		hdr   [blockHeaderSize]byte
		block []byte
		out   []byte
	)
	for consumed := int64(0); consumed < e.StoredSize; {
		if _, err := io.ReadFull(payload, hdr[:]); err != nil {
			return truncated(err)
		}
		rawLen := int(binary.LittleEndian.Uint32(hdr[0:]))
		storedLen := int(binary.LittleEndian.Uint32(hdr[4:]))
		if rawLen > rd.blockSize || storedLen > rd.blockSize+rd.blockSize/2+blockHeaderSize {
			return corrupted("entry %s: block too large", e.Name)
		}
		n := storedLen
		if n == 0 {
			n = rawLen
		}
		if cap(block) < n {
			block = make([]byte, n)
		}
		block = block[:n]
		if _, err := io.ReadFull(payload, block); err != nil {
			return truncated(err)
		}
		consumed += int64(blockHeaderSize + n)

		data := block
		if storedLen != 0 {
			if cap(out) < rawLen {
				out = make([]byte, rawLen)
			}
			var err error
			if data, err = decodeBlock(out, block, rawLen, rd.codec); err != nil {
				return fmt.Errorf("entry %s: %w", e.Name, err)
			}
		}
		crc = hash.Update(crc, data)
		raw += int64(len(data))
		if _, err := w.Write(data); err != nil {
			return err
		}
	}
	if raw != e.RawSize {
		return corrupted("entry %s: %d bytes, want %d", e.Name, raw, e.RawSize)
	}
	if crc != e.CRC32C {
		return corrupted("entry %s: checksum mismatch", e.Name)
	}
	return nil
}

// expectEnd fails when bytes follow the last entry.
func (rd *reader) expectEnd() error {
	if _, err := rd.r.Peek(1); err == nil {
		return corrupted("trailing data")
	} else if !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// Unpack restores the archive name into dir and verifies every checksum.
// Files are written to temporary names and renamed once verified.
func Unpack(ctx context.Context, store blobstore.BlobStore, name, dir string, opts ...Option) (Stats, error) {
	o := buildOptions(opts)
	start := time.Now()

	b, err := store.Open(ctx, name)
	if err != nil {
		return Stats{}, err
	}
	defer func() { _ = b.Close() }()

	rd, err := openReader(ctx, o, b)
	if err != nil {
		return Stats{}, err
	}
	stats := Stats{Codec: rd.codec}

	for range rd.count {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		e, err := readEntry(rd.r)
		if err != nil {
			return stats, err
		}
		if err := restore(o.fsys, rd, e, filepath.Join(dir, filepath.FromSlash(e.Name))); err != nil {
			return stats, err
		}
		stats.Files++
		stats.RawBytes += e.RawSize
		stats.StoredBytes += e.StoredSize
	}
	if err := rd.expectEnd(); err != nil {
		return stats, err
	}

	stats.Duration = time.Since(start)
	o.logger.Info("archive unpacked",
		"name", name,
		"dir", dir,
		"files", stats.Files,
		"raw_bytes", stats.RawBytes,
		"duration", stats.Duration,
	)
	return stats, nil
}

func restore(fsys fs.FileSystem, rd *reader, e Entry, dst string) error {
	if err := fsys.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	tmp := dst + ".tmp"
	f, err := fsys.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	w := bufio.NewWriterSize(f, 256<<10)
	err = rd.decode(e, w)
	if err == nil {
		err = w.Flush()
	}
	if err == nil {
		err = f.Sync()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = fsys.Rename(tmp, dst)
	}
	if err != nil {
		_ = fsys.Remove(tmp)
	}
	return err
}

// List reads the entry table of an archive, verifying every payload.
func List(ctx context.Context, store blobstore.BlobStore, name string, opts ...Option) (Codec, []Entry, error) {
	o := buildOptions(opts)
	b, err := store.Open(ctx, name)
	if err != nil {
		return 0, nil, err
	}
	defer func() { _ = b.Close() }()

	rd, err := openReader(ctx, o, b)
	if err != nil {
		return 0, nil, err
	}
	entries := make([]Entry, 0, rd.count)
	for range rd.count {
		e, err := readEntry(rd.r)
		if err != nil {
			return 0, nil, err
		}
		if err := rd.decode(e, io.Discard); err != nil {
			return 0, nil, err
		}
		entries = append(entries, e)
	}
	if err := rd.expectEnd(); err != nil {
		return 0, nil, err
	}
	return rd.codec, entries, nil
}

// Publish points CurrentName at the archive name. The archive must exist.
// With an s3.PublishLog the update is a conditional write.
func Publish(ctx context.Context, store blobstore.BlobStore, name string) error {
	b, err := store.Open(ctx, name)
	if err != nil {
		return fmt.Errorf("archive: publish %s: %w", name, err)
	}
	_ = b.Close()
	return store.Put(ctx, CurrentName, []byte(name))
}

// Latest returns the name of the last published archive.
func Latest(ctx context.Context, store blobstore.BlobStore) (string, error) {
	b, err := store.Open(ctx, CurrentName)
	if err != nil {
		if errors.Is(err, blobstore.ErrNotFound) {
			return "", ErrNoCheckpoint
		}
		return "", err
	}
	defer func() { _ = b.Close() }()

	data, err := blobstore.ReadAll(ctx, b)
	if err != nil {
		return "", err
	}
	name := strings.TrimSpace(string(data))
	if name == "" {
		return "", corrupted("empty %s", CurrentName)
	}
	return name, nil
}
