// Package tarstore serves the files inside an uncompressed tar archive as a
// read-only object store.
//
// The archive is scanned once (or its catalogue is loaded from a daily cache,
// see package index) and every regular file is recorded with the absolute
// offset and size of its payload. A Store is then built for a set of logical
// locations such as "date=2022-04-01/adam.parquet": each location is mapped
// to the first archive entry whose path carries the same partition date and
// the configured name prefix. Locations without a matching entry are left
// out, so the store only advertises objects it can serve.
//
// Reads never unpack the archive. GetRange translates a byte range within an
// object into a range of the archive and reads exactly that window through a
// reader opened for the call, so concurrent reads share no cursor:
//
//	src, err := tarstore.OpenFileSource("/data/export.tar")
//	if err != nil {
//		return err
//	}
//	start, _ := tarstore.ParseDate("2022-04-01")
//	end, _ := tarstore.ParseDate("2022-04-30")
//	locations, err := tarstore.LocationsForDateRange(start, end)
//	if err != nil {
//		return err
//	}
//	store, err := tarstore.New(ctx, locations, src,
//		tarstore.WithPrefix("export/"),
//		tarstore.WithCacheDir(tarstore.DefaultCacheDir()),
//	)
//	if err != nil {
//		return err
//	}
//	for obj := range store.List("") {
//		fmt.Println(obj.Location, obj.Size)
//	}
//
// Listing follows object store semantics: List returns strict descendants of
// a prefix and ListWithDelimiter reveals one level of the hierarchy. Every
// write operation fails with ErrUnsupported.
//
// Store.FS adapts the store to io/fs for code that expects a file system.
package tarstore
