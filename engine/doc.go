// Package engine groups the vector fields of one table behind a single
// docid space.
//
// Every field is a rawvec.RawVector with a backend chosen by its store
// type: "MemoryOnly" uses memstore, "Disk" uses diskstore with a running
// flusher. Dump writes the documents added since the previous dump of all
// fields into the next directory root/dump/<seq> and finishes it with an
// engine.json manifest. Load reads the complete dump directories in order
// with the common document count.
//
//	e, err := engine.New(engine.Config{
//	    Root:    "/data/table",
//	    MaxDocs: 1_000_000,
//	    Fields: []engine.FieldInfo{
//	        {Name: "emb", Dimension: 128, Kind: "float32", StoreType: engine.StoreMemoryOnly},
//	        {Name: "sig", Dimension: 256, Kind: "binary", StoreType: engine.StoreDisk,
//	            StoreParam: `{"cache_size":"256MiB"}`},
//	    },
//	})
package engine
