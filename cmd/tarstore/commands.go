package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"time"

	humanize "github.com/dustin/go-humanize"

	"github.com/meigma/tarstore/extract"
	"github.com/meigma/tarstore/index"
	"github.com/meigma/tarstore/metrics"
	"github.com/meigma/tarstore/server"
	"github.com/meigma/tarstore/stage"
)

func runIndex(ctx context.Context, e *env, args []string) error {
	var c common
	fs := newFlagSet("index", &c)
	force := fs.Bool("force", false, "rebuild even if today's cache exists")
	args, err := c.parse(e, args)
	if err != nil {
		return err
	}
	if _, err := c.takeArchive(args, 0); err != nil {
		return err
	}

	log := c.logger(e)
	src, err := c.openSource(ctx, log)
	if err != nil {
		return err
	}
	format, _ := c.cfg.CacheFormat() //nolint:errcheck // validated in parse
	opts := []index.Option{
		index.WithNamePrefix(c.cfg.Prefix),
		index.WithFormat(format),
		index.WithLogger(log),
	}

	cacheDir := c.cfg.CacheDir()
	var idx *index.Index
	if *force {
		idx, err = index.Build(ctx, src, opts...)
		if err == nil && cacheDir != "" {
			var path string
			if path, err = index.SaveCache(idx, cacheDir, opts...); err == nil {
				fmt.Fprintf(e.stderr, "cache written to %s\n", path)
			}
		}
	} else {
		var cached bool
		idx, cached, err = index.LoadOrBuild(ctx, src, cacheDir, opts...)
		if err == nil && cached {
			fmt.Fprintln(e.stderr, "index loaded from cache")
		}
	}
	if err != nil {
		return err
	}

	printStats(e.stdout, idx)
	return nil
}

func runList(ctx context.Context, e *env, args []string) error {
	var c common
	fs := newFlagSet("ls", &c)
	delimited := fs.BoolP("delimiter", "d", false, "list one level, collapsing deeper objects into prefixes")
	under := fs.String("under", "", "list below this location prefix")
	args, err := c.parse(e, args)
	if err != nil {
		return err
	}
	if _, err := c.takeArchive(args, 0); err != nil {
		return err
	}
	s, err := c.openStore(ctx, e, nil)
	if err != nil {
		return err
	}

	if *delimited {
		res := s.ListWithDelimiter(*under)
		for _, p := range res.CommonPrefixes {
			fmt.Fprintf(e.stdout, "%19s %10s  %s/\n", "", "PRE", p)
		}
		for _, meta := range res.Objects {
			fmt.Fprintf(e.stdout, "%s %10s  %s\n", formatTime(meta.ModTime), humanize.IBytes(meta.Size), meta.Location)
		}
		return nil
	}
	for meta := range s.List(*under) {
		fmt.Fprintf(e.stdout, "%s %10s  %s\n", formatTime(meta.ModTime), humanize.IBytes(meta.Size), meta.Location)
	}
	return nil
}

func runHead(ctx context.Context, e *env, args []string) error {
	var c common
	newFlagSet("head", &c)
	args, err := c.parse(e, args)
	if err != nil {
		return err
	}
	if args, err = c.takeArchive(args, 1); err != nil {
		return err
	}
	s, err := c.openStore(ctx, e, nil)
	if err != nil {
		return err
	}

	meta, err := s.Head(ctx, args[0])
	if err != nil {
		return err
	}
	enc := json.NewEncoder(e.stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(meta)
}

func runGet(ctx context.Context, e *env, args []string) error {
	var c common
	fs := newFlagSet("get", &c)
	rangeFlag := fs.String("range", "", "half-open byte range START-END")
	output := fs.StringP("output", "o", "", "write to this file instead of stdout")
	args, err := c.parse(e, args)
	if err != nil {
		return err
	}
	if args, err = c.takeArchive(args, 1); err != nil {
		return err
	}
	r, err := parseRange(*rangeFlag)
	if err != nil {
		return err
	}
	s, err := c.openStore(ctx, e, nil)
	if err != nil {
		return err
	}

	data, err := s.GetRange(ctx, args[0], r)
	if err != nil {
		return err
	}
	if *output != "" {
		return os.WriteFile(*output, data, 0o644) //nolint:gosec // extracted data is not secret
	}
	_, err = e.stdout.Write(data)
	return err
}

func runExtract(ctx context.Context, e *env, args []string) error {
	var c common
	fs := newFlagSet("extract", &c)
	under := fs.String("under", "", "extract only objects below this location prefix")
	overwrite := fs.Bool("overwrite", false, "replace existing files")
	preserveTimes := fs.Bool("preserve-times", false, "set file times from the archive")
	workers := fs.Int("workers", 0, "concurrent writers (0 uses GOMAXPROCS)")
	args, err := c.parse(e, args)
	if err != nil {
		return err
	}
	if args, err = c.takeArchive(args, 1); err != nil {
		return err
	}
	s, err := c.openStore(ctx, e, nil)
	if err != nil {
		return err
	}

	stats, err := extract.Run(ctx, s, args[0],
		extract.WithPrefix(*under),
		extract.WithOverwrite(*overwrite),
		extract.WithPreserveTimes(*preserveTimes),
		extract.WithWorkers(*workers),
		extract.WithLogger(c.logger(e)),
	)
	fmt.Fprintf(e.stdout, "extracted %d objects (%s), skipped %d\n",
		stats.Written, humanize.IBytes(stats.Bytes), stats.Skipped)
	return err
}

// parquetMagic frames every Parquet file.
var parquetMagic = []byte("PAR1")

func runPeek(ctx context.Context, e *env, args []string) error {
	var c common
	fs := newFlagSet("peek", &c)
	location := fs.String("location", "", "object to stage (default: the first served object)")
	kindFlag := fs.String("stage", "auto", "staging kind: auto, memory or file")
	args, err := c.parse(e, args)
	if err != nil {
		return err
	}
	if _, err := c.takeArchive(args, 0); err != nil {
		return err
	}
	kind, err := parseKind(*kindFlag)
	if err != nil {
		return err
	}
	s, err := c.openStore(ctx, e, nil)
	if err != nil {
		return err
	}

	loc := *location
	if loc == "" {
		locs := s.Locations()
		if len(locs) == 0 {
			return errors.New("no objects to peek at")
		}
		loc = locs[0]
	}

	st := stage.New(
		stage.WithKind(kind),
		stage.WithMemoryFraction(c.cfg.Stage.MemoryFraction),
		stage.WithTempDir(c.cfg.Stage.TempDir),
		stage.WithLogger(c.logger(e)),
	)
	staged, err := st.Stage(ctx, s, loc)
	if err != nil {
		return err
	}
	defer staged.Close()

	fmt.Fprintf(e.stdout, "%s: %s staged in %s, parquet framing: %t\n",
		loc, humanize.IBytes(uint64(staged.Size())), staged.Kind(), hasParquetFraming(staged)) //nolint:gosec // sizes are never negative
	return nil
}

func parseKind(s string) (stage.Kind, error) {
	for _, k := range []stage.Kind{stage.KindAuto, stage.KindMemory, stage.KindFile} {
		if k.String() == s {
			return k, nil
		}
	}
	return 0, fmt.Errorf("unknown staging kind %q", s)
}

// hasParquetFraming reports whether r starts and ends with the Parquet magic.
func hasParquetFraming(r *stage.Staged) bool {
	n := int64(len(parquetMagic))
	if r.Size() < 2*n {
		return false
	}
	buf := make([]byte, n)
	if _, err := r.ReadAt(buf, 0); err != nil || !bytes.Equal(buf, parquetMagic) {
		return false
	}
	if _, err := r.ReadAt(buf, r.Size()-n); err != nil && !errors.Is(err, io.EOF) {
		return false
	}
	return bytes.Equal(buf, parquetMagic)
}

func runServe(ctx context.Context, e *env, args []string) error {
	var c common
	fs := newFlagSet("serve", &c)
	addr := fs.String("addr", "", "listen address (default from configuration)")
	noMetrics := fs.Bool("no-metrics", false, "disable the /metrics endpoint")
	args, err := c.parse(e, args)
	if err != nil {
		return err
	}
	if _, err := c.takeArchive(args, 0); err != nil {
		return err
	}
	if *addr != "" {
		c.cfg.Server.Address = *addr
	}

	var reg *metrics.Registry
	if c.cfg.Server.Metrics && !*noMetrics {
		reg = metrics.NewRegistry()
	}
	s, err := c.openStore(ctx, e, reg)
	if err != nil {
		return err
	}
	log := c.logger(e)

	ln, err := net.Listen("tcp", c.cfg.Server.Address)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Handler:           server.New(s, server.WithMetrics(reg), server.WithLogger(log)),
		ReadHeaderTimeout: 10 * time.Second,
	}
	log.Info("serving", "addr", ln.Addr().String(), "url", s.URL(), "objects", s.Len())

	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(ln) }()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
