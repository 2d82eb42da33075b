// Package archive packs a dump directory into a single checkpoint blob and
// restores it.
//
// An archive is a 16 byte header (magic "RVAK", version, codec, block size,
// entry count) followed by one entry per file. Each entry carries the file
// name, its raw and stored sizes and the CRC32C of the raw bytes, then the
// payload as a sequence of framed blocks compressed with LZ4 or zstd.
//
//	stats, err := archive.Pack(ctx, store, "/data/dump/3", "ckpt-000003.rva",
//	    archive.WithCodec(archive.CodecZstd))
//	if err != nil {
//	    return err
//	}
//	if err := archive.Publish(ctx, store, "ckpt-000003.rva"); err != nil {
//	    return err
//	}
//
//	name, err := archive.Latest(ctx, store)
//	_, err = archive.Unpack(ctx, store, name, "/restore/dump/3")
package archive
