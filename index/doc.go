// Package index catalogues the regular files stored in an uncompressed tar
// archive.
//
// A catalogue is built in a single forward pass over the archive and records,
// for every file, the absolute byte offset of its payload, its size, its
// modification time and the partition date embedded in its path
// (date=YYYY-MM-DD/...). Entries are sorted by partition date so that callers
// can resolve date-partitioned locations without rescanning the archive.
//
// Building a catalogue for a large archive is expensive, so an index can be
// persisted to a cache directory as one file per UTC day, either as JSON or
// as a zstd-compressed FlatBuffers table. The cache is advisory: any problem
// reading it is reported as a miss.
package index
