package tarstore

import (
	"iter"
	"log/slog"
	"regexp"
	"sort"
	"strings"

	"github.com/meigma/tarstore/internal/pathutil"
)

// partitionToken captures the partition date of a logical location.
var partitionToken = regexp.MustCompile(`date=(\d{4}-\d{2}-\d{2})/`)

// LocationMap maps logical locations to archive entries.
//
// A location is mapped to the first entry, in index order, whose path
// contains both the location's partition date and the name prefix. The map
// is immutable once built.
type LocationMap struct {
	entries map[string]Entry
	// order lists mapped locations by entry date, then request order.
	order []string
}

// MapLocations resolves locations against idx. Locations are normalized
// first; unmatched and repeated locations are skipped.
func MapLocations(idx *Index, locations []string, prefix string, logger *slog.Logger) *LocationMap {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	m := &LocationMap{entries: make(map[string]Entry, len(locations))}
	for _, raw := range locations {
		loc := pathutil.Normalize(raw)
		if _, ok := m.entries[loc]; ok {
			continue
		}
		e, ok := match(idx, loc, prefix, logger)
		if !ok {
			logger.Debug("location not in archive", "location", loc, "prefix", prefix)
			continue
		}
		m.entries[loc] = e
		m.order = append(m.order, loc)
	}
	sort.SliceStable(m.order, func(i, j int) bool {
		return m.entries[m.order[i]].Date < m.entries[m.order[j]].Date
	})
	return m
}

func match(idx *Index, loc, prefix string, logger *slog.Logger) (Entry, bool) {
	sub := partitionToken.FindStringSubmatch(loc)
	if sub == nil {
		return Entry{}, false
	}
	token := sub[1]

	var found Entry
	matches := 0
	for e := range idx.Entries() {
		if !strings.Contains(e.Path, token) || !strings.Contains(e.Path, prefix) {
			continue
		}
		if matches == 0 {
			found = e
		}
		matches++
	}
	if matches > 1 {
		logger.Warn("several archive entries match location, using the first",
			"location", loc, "entry", found.Path, "matches", matches)
	}
	return found, matches > 0
}

// Lookup returns the entry mapped to a normalized location.
func (m *LocationMap) Lookup(location string) (Entry, bool) {
	e, ok := m.entries[location]
	return e, ok
}

// Len returns the number of mapped locations.
func (m *LocationMap) Len() int {
	return len(m.order)
}

// Locations returns the mapped locations in date order.
func (m *LocationMap) Locations() []string {
	return append([]string(nil), m.order...)
}

// All returns an iterator over mapped locations and their entries in date
// order.
func (m *LocationMap) All() iter.Seq2[string, Entry] {
	return func(yield func(string, Entry) bool) {
		for _, loc := range m.order {
			if !yield(loc, m.entries[loc]) {
				return
			}
		}
	}
}
