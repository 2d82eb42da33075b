// Package rawvec provides the raw-vector storage layer of a vector search
// engine: typed, identity-stable storage of fixed-dimension float32 or
// packed-binary embeddings attached to documents.
//
// A RawVector owns one vector field. It assigns dense vids in docid order,
// keeps an optional source per vid, accounts memory, and delegates record
// storage to a pluggable Store backend.
//
// # Quick Start
//
//	store := memstore.New[float32]()
//	rv, _ := rawvec.New[float32]("embedding", 128, 1_000_000, "./data/embedding", store)
//	_ = rv.Init(true, false)
//	defer rv.Close()
//
//	_ = rv.Add(0, rawvec.Field{Value: raw, Source: []byte("doc-0")})
//
//	h, _ := rv.GetVector(0)
//	defer h.Release()
//	use(h.Data())
//
// # Backends
//
// The memstore backend keeps records resident in chunked memory and hands
// out Borrowed handles. The diskstore backend implements Flushable: writes
// stay pending until the background AsyncFlusher writes them into the
// store's root directory, and reads return Owned copies.
//
// # Persistence
//
// Dump writes the vids of a docid range into a dump directory as fixed-width
// record files plus a JSON manifest:
//
//	<name>.vec        vector records ordered by vid
//	<name>.docid      int64 docid per vid
//	<name>.src        concatenated sources
//	<name>.srcpos     offset and length of each vid's source
//	<name>.meta.json  segment manifest
//
// Load maps those files read-only and rebuilds the store from an ordered
// list of dump directories.
//
// # Write failures
//
// With RollbackOnFailure (the default) an Add whose backend write fails
// leaves no trace. With TombstoneOnFailure the vids stay allocated and are
// recorded as tombstones that read as ErrNotFound and survive Dump and Load.
package rawvec
