package tarstore

import (
	"iter"
	"slices"
	"strings"
	"time"

	"github.com/meigma/tarstore/internal/pathutil"
)

// List returns an iterator over every object strictly below prefix, in
// partition date order. An empty prefix lists the whole store.
//
// Prefixes match whole path segments: "date=2022-04-01" lists
// "date=2022-04-01/adam.parquet" but neither the location
// "date=2022-04-01" itself nor "date=2022-04-010/x". Each call iterates
// afresh.
func (s *Store) List(prefix string) iter.Seq[ObjectMeta] {
	dir := pathutil.DirPrefix(pathutil.Normalize(prefix))
	return func(yield func(ObjectMeta) bool) {
		start := time.Now()
		defer func() { s.observe("list", start, nil) }()

		for loc, e := range s.objects.All() {
			if !strings.HasPrefix(loc, dir) {
				continue
			}
			if !yield(s.meta(loc, e)) {
				return
			}
		}
	}
}

// ListWithDelimiter lists one level of the hierarchy below prefix.
//
// Objects directly below prefix are returned in partition date order.
// Deeper objects are collapsed into their first path segment below prefix,
// returned once each in CommonPrefixes, sorted and without a trailing slash.
func (s *Store) ListWithDelimiter(prefix string) ListResult {
	start := time.Now()
	defer s.observe("list_with_delimiter", start, nil)

	dir := pathutil.DirPrefix(pathutil.Normalize(prefix))
	res := ListResult{CommonPrefixes: []string{}, Objects: []ObjectMeta{}}
	seen := make(map[string]struct{})
	for loc, e := range s.objects.All() {
		if !strings.HasPrefix(loc, dir) {
			continue
		}
		child, isDir := pathutil.Child(loc, dir)
		if !isDir {
			res.Objects = append(res.Objects, s.meta(loc, e))
			continue
		}
		common := dir + child
		if _, ok := seen[common]; ok {
			continue
		}
		seen[common] = struct{}{}
		res.CommonPrefixes = append(res.CommonPrefixes, common)
	}
	slices.Sort(res.CommonPrefixes)
	return res
}
