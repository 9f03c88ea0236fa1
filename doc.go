// Package strata is an embeddable log-structured storage engine.
//
// Writes land in a WAL-backed memtable and migrate through leveled,
// immutable segment files. Level 0 segments carry a perfect-hash index
// for single-probe point reads, warmer levels pair a Bloom filter with
// a sparse index, and cold levels keep only the sparse index. Background
// jobs flush memtables, compact levels and optionally retire cold
// segments to an object store.
//
// # Quick Start
//
//	ctx := context.Background()
//	db, err := strata.Open("./data")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer db.Close()
//
//	_ = db.Put(ctx, []byte("user/42"), []byte(`{"name":"gopher"}`))
//	v, err := db.Get(ctx, []byte("user/42"))
//	_ = db.Delete(ctx, []byte("user/42"))
//
// Range scans visit live keys in ascending order:
//
//	err = db.Scan(ctx, []byte("user/"), []byte("user0"), func(k, v []byte) error {
//	    fmt.Printf("%s = %s\n", k, v)
//	    return nil
//	})
//
// # Tiered Storage
//
// With a blob store configured, cold segments move off local disk and
// are fetched transparently on read:
//
//	store, _ := s3.New(ctx, "my-bucket", s3.WithPrefix("strata/"))
//	db, _ := strata.Open("./data",
//	    strata.WithTieredStore(store, tiered.AgePolicy{MaxAge: 24 * time.Hour}))
//
// # External Files
//
// Pre-built columnar, array and tensor files can be registered and
// served through the same read path without rewriting their bytes:
//
//	err = db.RegisterExternal(ctx, model.FileReference{
//	    Path:   "external/embeddings.col",
//	    Format: model.FormatColumnar,
//	})
package strata
