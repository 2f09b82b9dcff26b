// Package http serves archives over HTTP range requests.
//
// A Source lets a Store index and read an archive held by any HTTP server
// that honours single-range GET requests, without downloading it.
package http

import (
	"context"
	"errors"
	"fmt"
	"io"
	nethttp "net/http"
	"strconv"
	"strings"

	digest "github.com/opencontainers/go-digest"

	"github.com/meigma/tarstore/index"
)

// ErrRangeUnsupported is returned when the server ignores range requests.
var ErrRangeUnsupported = errors.New("http: range requests not supported")

// Source implements index.Source over HTTP range requests.
//
// Requests after the initial probe are conditional on the probed ETag and
// Last-Modified values, so a replaced archive fails reads instead of
// returning bytes at stale offsets.
type Source struct {
	url          string
	client       *nethttp.Client
	headers      nethttp.Header
	sourceID     string
	conditional  bool
	size         int64
	etag         string
	lastModified string
}

// Interface compliance.
var _ index.ContextSource = (*Source)(nil)

// Option configures a Source.
type Option func(*Source)

// WithClient sets the HTTP client used for requests.
func WithClient(client *nethttp.Client) Option {
	return func(s *Source) {
		s.client = client
	}
}

// WithHeaders sets additional headers on each request.
func WithHeaders(headers nethttp.Header) Option {
	return func(s *Source) {
		if headers == nil {
			return
		}
		s.headers = headers.Clone()
	}
}

// WithHeader sets a single header on each request.
func WithHeader(key, value string) Option {
	return func(s *Source) {
		if s.headers == nil {
			s.headers = make(nethttp.Header)
		}
		s.headers.Set(key, value)
	}
}

// WithSourceID overrides the identifier derived from the URL and validators.
// Content-addressed blobs pass their digest.
func WithSourceID(id string) Option {
	return func(s *Source) {
		s.sourceID = id
	}
}

// WithoutConditionalHeaders stops reads from sending If-Match and
// If-Unmodified-Since. Use it for immutable content served through redirects,
// where the redirect target reports different validators.
func WithoutConditionalHeaders() Option {
	return func(s *Source) {
		s.conditional = false
	}
}

// NewSource probes url for its size and validators and returns a Source.
// ctx bounds the probe only; readers from OpenContext are bound to their
// own context.
func NewSource(ctx context.Context, url string, opts ...Option) (*Source, error) {
	s := &Source{
		url:         url,
		client:      nethttp.DefaultClient,
		conditional: true,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.client == nil {
		s.client = nethttp.DefaultClient
	}

	if err := s.probe(ctx); err != nil {
		return nil, fmt.Errorf("probe %s: %w", url, err)
	}
	return s, nil
}

// Open returns a reader over the remote archive that is never cancelled.
func (s *Source) Open() (index.SourceReader, error) {
	return s.OpenContext(context.Background())
}

// OpenContext returns a reader whose requests are bound to ctx. Each ReadAt
// issues its own request, so readers never share state and Close is a no-op.
func (s *Source) OpenContext(ctx context.Context) (index.SourceReader, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return reader{s: s, ctx: ctx}, nil
}

// Size returns the total size of the remote content.
func (s *Source) Size() int64 {
	return s.size
}

// SourceID derives an identity from the URL, size and validators.
func (s *Source) SourceID() string {
	if s.sourceID != "" {
		return s.sourceID
	}
	key := fmt.Sprintf("http:%s:%d:%s:%s", s.url, s.size, s.etag, s.lastModified)
	return digest.FromString(key).String()
}

// ReadAt reads len(p) bytes at off with one range request.
func (s *Source) ReadAt(p []byte, off int64) (int, error) {
	return s.readAt(context.Background(), p, off)
}

func (s *Source) readAt(ctx context.Context, p []byte, off int64) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if off < 0 {
		return 0, fmt.Errorf("read at %d: negative offset", off)
	}
	if off >= s.size {
		return 0, io.EOF
	}

	end := off + int64(len(p)) - 1
	expected := len(p)
	if end >= s.size {
		end = s.size - 1
		expected = int(end - off + 1)
	}

	resp, err := s.do(ctx, nethttp.MethodGet, fmt.Sprintf("bytes=%d-%d", off, end))
	if err != nil {
		return 0, err
	}
	defer drain(resp)

	switch resp.StatusCode {
	case nethttp.StatusPartialContent:
	case nethttp.StatusRequestedRangeNotSatisfiable:
		return 0, io.EOF
	case nethttp.StatusOK:
		return 0, ErrRangeUnsupported
	default:
		return 0, fmt.Errorf("range request failed: %s", resp.Status)
	}

	n, err := io.ReadFull(resp.Body, p[:expected])
	if err != nil {
		return n, err
	}
	if expected < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// probe records the content size and validators. A HEAD request is tried
// first; the single byte range probe is authoritative for size.
func (s *Source) probe(ctx context.Context) error {
	headSize := int64(-1)
	if resp, err := s.do(ctx, nethttp.MethodHead, ""); err == nil {
		if resp.StatusCode == nethttp.StatusOK {
			headSize = resp.ContentLength
			s.etag = resp.Header.Get("ETag")
			s.lastModified = resp.Header.Get("Last-Modified")
		}
		drain(resp)
	}

	resp, err := s.do(ctx, nethttp.MethodGet, "bytes=0-0")
	if err != nil {
		return err
	}
	defer drain(resp)

	switch resp.StatusCode {
	case nethttp.StatusPartialContent:
	case nethttp.StatusOK:
		return ErrRangeUnsupported
	default:
		return fmt.Errorf("range probe failed: %s", resp.Status)
	}

	size, err := parseContentRange(resp.Header.Get("Content-Range"))
	if err != nil {
		return err
	}
	if headSize > 0 && headSize != size {
		return fmt.Errorf("content size mismatch: head=%d range=%d", headSize, size)
	}
	s.size = size
	if s.etag == "" {
		s.etag = resp.Header.Get("ETag")
	}
	if s.lastModified == "" {
		s.lastModified = resp.Header.Get("Last-Modified")
	}
	return nil
}

func (s *Source) do(ctx context.Context, method, byteRange string) (*nethttp.Response, error) {
	req, err := nethttp.NewRequestWithContext(ctx, method, s.url, nil)
	if err != nil {
		return nil, err
	}
	for key, values := range s.headers {
		for _, value := range values {
			req.Header.Add(key, value)
		}
	}
	if req.Header.Get("Accept-Encoding") == "" {
		req.Header.Set("Accept-Encoding", "identity")
	}
	if byteRange != "" {
		req.Header.Set("Range", byteRange)
	}
	if s.conditional && method == nethttp.MethodGet {
		if s.etag != "" && req.Header.Get("If-Match") == "" {
			req.Header.Set("If-Match", s.etag)
		}
		if s.lastModified != "" && req.Header.Get("If-Unmodified-Since") == "" {
			req.Header.Set("If-Unmodified-Since", s.lastModified)
		}
	}
	return s.client.Do(req)
}

func drain(resp *nethttp.Response) {
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
}

// reader is the SourceReader handed out by Open.
type reader struct {
	s   *Source
	ctx context.Context
}

func (r reader) ReadAt(p []byte, off int64) (int, error) {
	return r.s.readAt(r.ctx, p, off)
}

func (reader) Close() error {
	return nil
}

// parseContentRange returns the complete length from a Content-Range value
// such as "bytes 0-0/1234".
func parseContentRange(value string) (int64, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, errors.New("range probe missing Content-Range")
	}
	rest, ok := strings.CutPrefix(value, "bytes ")
	if !ok {
		return 0, fmt.Errorf("invalid Content-Range %q", value)
	}
	_, total, ok := strings.Cut(rest, "/")
	if !ok || total == "*" {
		return 0, fmt.Errorf("invalid Content-Range %q", value)
	}
	size, err := strconv.ParseInt(total, 10, 64)
	if err != nil || size < 0 {
		return 0, fmt.Errorf("invalid Content-Range %q", value)
	}
	return size, nil
}
