package archive

import (
	"encoding/binary"
	"fmt"
	"strings"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Codec is the block compression used for file payloads.
type Codec uint8

const (
	// CodecNone stores blocks as-is.
	CodecNone Codec = 0
	// CodecLZ4 uses LZ4 block compression.
	CodecLZ4 Codec = 1
	// CodecZstd uses zstd block compression.
	CodecZstd Codec = 2
)

func (c Codec) String() string {
	switch c {
	case CodecNone:
		return "none"
	case CodecLZ4:
		return "lz4"
	case CodecZstd:
		return "zstd"
	default:
		return fmt.Sprintf("codec(%d)", uint8(c))
	}
}

// ParseCodec parses "none", "lz4" or "zstd".
func ParseCodec(s string) (Codec, error) {
	switch strings.ToLower(s) {
	case "none", "":
		return CodecNone, nil
	case "lz4":
		return CodecLZ4, nil
	case "zstd":
		return CodecZstd, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownCodec, s)
	}
}

func (c Codec) valid() bool {
	return c <= CodecZstd
}

var (
	zstdEncoderPool sync.Pool
	zstdDecoderPool sync.Pool
)

func getZstdEncoder() *zstd.Encoder {
	if v := zstdEncoderPool.Get(); v != nil {
		return v.(*zstd.Encoder)
	}
	enc, _ := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	return enc
}

func getZstdDecoder() *zstd.Decoder {
	if v := zstdDecoderPool.Get(); v != nil {
		return v.(*zstd.Decoder)
	}
	dec, _ := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
	return dec
}

// Block layout: [raw uint32][stored uint32][data]. stored == 0 means the
// data is raw.
const blockHeaderSize = 8

// appendBlock compresses data with c and appends the framed block to dst.
// Blocks that do not shrink are stored raw.
func appendBlock(dst, data []byte, c Codec) ([]byte, error) {
	var packed []byte
	switch c {
	case CodecLZ4:
		buf := make([]byte, lz4.CompressBlockBound(len(data)))
		n, err := lz4.CompressBlock(data, buf, nil)
		if err != nil {
			return nil, err
		}
		packed = buf[:n]
	case CodecZstd:
		enc := getZstdEncoder()
		packed = enc.EncodeAll(data, nil)
		zstdEncoderPool.Put(enc)
	}

	var hdr [blockHeaderSize]byte
	binary.LittleEndian.PutUint32(hdr[0:], uint32(len(data)))
	if len(packed) == 0 || len(packed) >= len(data) {
		dst = append(dst, hdr[:]...)
		return append(dst, data...), nil
	}
	binary.LittleEndian.PutUint32(hdr[4:], uint32(len(packed)))
	dst = append(dst, hdr[:]...)
	return append(dst, packed...), nil
}

// decodeBlock expands one block payload of raw bytes into dst[:raw].
func decodeBlock(dst, payload []byte, raw int, c Codec) ([]byte, error) {
	dst = dst[:raw]
	switch c {
	case CodecLZ4:
		n, err := lz4.UncompressBlock(payload, dst)
		if err != nil {
			return nil, corrupted("lz4 block: %v", err)
		}
		if n != raw {
			return nil, corrupted("lz4 block size %d, want %d", n, raw)
		}
		return dst, nil
	case CodecZstd:
		dec := getZstdDecoder()
		out, err := dec.DecodeAll(payload, dst[:0])
		zstdDecoderPool.Put(dec)
		if err != nil {
			return nil, corrupted("zstd block: %v", err)
		}
		if len(out) != raw {
			return nil, corrupted("zstd block size %d, want %d", len(out), raw)
		}
		return out, nil
	default:
		return nil, corrupted("compressed block with codec %s", c)
	}
}
