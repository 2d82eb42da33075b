// Package fs provides the filesystem abstraction used by dump IO and the
// disk-resident store.
//
//   - [File]: an open file with positional reads and writes
//   - [FileSystem]: open, remove, rename, stat, mkdir, readdir, truncate
//   - [OSFS]: the os-backed implementation ([Default])
//   - [FaultyFS]: a wrapper that injects write, sync and open failures
//
// Tests inject [FaultyFS] to drive store-write and flush failure paths:
//
//	ffs := fs.NewFaultyFS(nil)
//	ffs.AddRule(".vec", fs.Fault{FailAfterBytes: 0})
//	// ... writes to *.vec now fail
//	ffs.ClearRules()
//
// Operations take no context. Local file syscalls are not interruptible;
// remote storage lives behind blobstore, which does take one.
package fs
