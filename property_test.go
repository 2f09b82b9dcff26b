package tarstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/meigma/tarstore/internal/testutil"
)

// TestRangeInvariants checks that range reads either return exactly the
// requested window or fail with ErrOutOfRange.
func TestRangeInvariants(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	s := newStore(t, f, locations(t, "2022-04-01", "2022-04-05"))
	locs := s.Locations()

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("get_range returns the window or ErrOutOfRange", prop.ForAll(
		func(day int, start, end uint64) bool {
			got, err := s.GetRange(context.Background(), locs[day], &Range{Start: start, End: end})
			if start > end || end > 100 {
				return errors.Is(err, ErrOutOfRange)
			}
			return err == nil && bytes.Equal(got, f.files[day].Data[start:end])
		},
		gen.IntRange(0, 4),
		gen.UInt64Range(0, 150),
		gen.UInt64Range(0, 150),
	))

	properties.TestingRun(t)
}

// TestIndexInvariants checks that every catalogued payload lies inside the
// archive and holds the bytes that were written.
func TestIndexInvariants(t *testing.T) {
	t.Parallel()

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("payloads round trip through the index", prop.ForAll(
		func(sizes []int) bool {
			files := make([]testutil.TarFile, len(sizes))
			for i, size := range sizes {
				files[i] = testutil.TarFile{
					Name: fmt.Sprintf("date=2022-01-%02d/part.bin", i+1),
					Data: testutil.PatternData(size, byte(i)),
				}
			}
			data := testutil.BuildTar(t, files)
			src := newMemSource(data)

			locs := make([]string, len(files))
			for i, file := range files {
				locs[i] = file.Name
			}
			s, err := New(context.Background(), locs, src)
			if err != nil || s.Len() != len(files) {
				return false
			}
			for i, file := range files {
				e := s.Index().At(i)
				if e.Offset+e.Size > uint64(len(data)) {
					return false
				}
				got, err := s.GetRange(context.Background(), file.Name, nil)
				if err != nil || !bytes.Equal(got, file.Data) {
					return false
				}
			}
			return src.Outstanding() == 0
		},
		gen.SliceOfN(8, gen.IntRange(0, 1500)),
	))

	properties.TestingRun(t)
}
