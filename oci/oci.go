// Package oci opens uncompressed tar layers stored in OCI registries as
// archive sources.
//
// The layer is never downloaded: Open resolves the image manifest with
// ORAS, picks the layer and returns an HTTP range Source over the registry's
// blob endpoint, authenticated with the same credentials.
package oci

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	digest "github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"oras.land/oras-go/v2/errdef"
	"oras.land/oras-go/v2/registry"
	"oras.land/oras-go/v2/registry/remote"
	"oras.land/oras-go/v2/registry/remote/auth"
	"oras.land/oras-go/v2/registry/remote/credentials"
	"oras.land/oras-go/v2/registry/remote/retry"

	tarhttp "github.com/meigma/tarstore/http"
	"github.com/meigma/tarstore/index"
)

// Scheme prefixes archive arguments that name a registry image.
const Scheme = "oci://"

// Docker distribution media types accepted alongside the OCI ones.
const (
	dockerManifest  = "application/vnd.docker.distribution.manifest.v2+json"
	dockerLayerTar  = "application/vnd.docker.image.rootfs.diff.tar"
	dockerLayerGzip = "application/vnd.docker.image.rootfs.diff.tar.gzip"
)

// maxManifestSize bounds manifest reads.
const maxManifestSize = 4 << 20

var (
	// ErrInvalidReference is returned for unparsable references or digests.
	ErrInvalidReference = errors.New("oci: invalid reference")

	// ErrNotFound is returned when the image or layer does not exist.
	ErrNotFound = errors.New("oci: not found")

	// ErrUnsupportedManifest is returned for image indexes and other
	// manifest kinds without layers.
	ErrUnsupportedManifest = errors.New("oci: unsupported manifest")

	// ErrNotTarLayer is returned when the selected layer is not a tar layer.
	ErrNotTarLayer = errors.New("oci: layer is not a tar archive")

	// ErrAmbiguousLayer is returned when no layer digest is given and the
	// image has several uncompressed tar layers.
	ErrAmbiguousLayer = errors.New("oci: several tar layers; pass a layer digest")

	errReadOnlyStore = errors.New("oci: static credential store is read-only")
)

// Opener resolves registry references to archive sources.
type Opener struct {
	plainHTTP  bool
	anonymous  bool
	userAgent  string
	credStore  credentials.Store
	authClient *auth.Client
	logger     *slog.Logger
}

// Option configures an Opener.
type Option func(*Opener)

// WithPlainHTTP talks to registries over plain HTTP.
func WithPlainHTTP(enabled bool) Option {
	return func(o *Opener) {
		o.plainHTTP = enabled
	}
}

// WithStaticCredentials uses a username and password for host.
func WithStaticCredentials(host, username, password string) Option {
	return func(o *Opener) {
		o.credStore = newStaticStore(host, auth.Credential{Username: username, Password: password})
	}
}

// WithStaticToken uses a bearer token for host.
func WithStaticToken(host, token string) Option {
	return func(o *Opener) {
		o.credStore = newStaticStore(host, auth.Credential{AccessToken: token})
	}
}

// WithDockerConfig reads credentials from the Docker configuration. Without
// a usable configuration the Opener falls back to anonymous access.
func WithDockerConfig() Option {
	return func(o *Opener) {
		if store, err := dockerConfigStore(); err == nil {
			o.credStore = store
		}
	}
}

// WithAnonymous disables every credential lookup.
func WithAnonymous() Option {
	return func(o *Opener) {
		o.anonymous = true
	}
}

// WithUserAgent sets the User-Agent of registry requests.
func WithUserAgent(ua string) Option {
	return func(o *Opener) {
		o.userAgent = ua
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Opener) {
		o.logger = logger
	}
}

// New returns an Opener.
func New(opts ...Option) *Opener {
	o := &Opener{userAgent: "tarstore"}
	for _, opt := range opts {
		opt(o)
	}
	o.authClient = &auth.Client{
		Client:     retry.DefaultClient,
		Cache:      auth.NewCache(),
		Credential: o.credential,
		Header:     http.Header{"User-Agent": []string{o.userAgent}},
	}
	return o
}

func (o *Opener) log() *slog.Logger {
	if o.logger != nil {
		return o.logger
	}
	return slog.New(slog.DiscardHandler)
}

// Open resolves ref (registry/repository:tag or @digest, with or without the
// oci:// scheme) and returns a Source over one of its layers.
//
// layer selects a layer by digest. When empty, the image must have exactly
// one uncompressed tar layer. Compressed layers fail with
// index.ErrCompressedArchive.
func (o *Opener) Open(ctx context.Context, ref, layer string) (*tarhttp.Source, ocispec.Descriptor, error) {
	parsed, err := registry.ParseReference(strings.TrimPrefix(ref, Scheme))
	if err != nil {
		return nil, ocispec.Descriptor{}, fmt.Errorf("%w: %v", ErrInvalidReference, err)
	}

	manifest, err := o.fetchManifest(ctx, parsed)
	if err != nil {
		return nil, ocispec.Descriptor{}, err
	}
	desc, err := selectLayer(manifest.Layers, layer)
	if err != nil {
		return nil, ocispec.Descriptor{}, fmt.Errorf("%s: %w", parsed, err)
	}

	src, err := tarhttp.NewSource(ctx, o.blobURL(parsed, desc.Digest),
		tarhttp.WithClient(o.blobClient(parsed)),
		tarhttp.WithoutConditionalHeaders(),
		tarhttp.WithSourceID(desc.Digest.String()),
	)
	if err != nil {
		return nil, ocispec.Descriptor{}, fmt.Errorf("open layer %s: %w", desc.Digest, err)
	}
	if src.Size() != desc.Size {
		return nil, ocispec.Descriptor{}, fmt.Errorf("open layer %s: registry serves %d bytes, manifest says %d",
			desc.Digest, src.Size(), desc.Size)
	}

	o.log().Debug("registry layer opened",
		"ref", parsed.String(),
		"layer", desc.Digest.String(),
		"size", desc.Size)
	return src, desc, nil
}

func (o *Opener) fetchManifest(ctx context.Context, ref registry.Reference) (ocispec.Manifest, error) {
	repo, err := remote.NewRepository(ref.String())
	if err != nil {
		return ocispec.Manifest{}, fmt.Errorf("%w: %v", ErrInvalidReference, err)
	}
	repo.PlainHTTP = o.plainHTTP
	repo.Client = o.authClient

	desc, rc, err := repo.FetchReference(ctx, ref.ReferenceOrDefault())
	if err != nil {
		return ocispec.Manifest{}, mapError(err)
	}
	defer rc.Close()

	if desc.MediaType != ocispec.MediaTypeImageManifest && desc.MediaType != dockerManifest {
		return ocispec.Manifest{}, fmt.Errorf("%w: %s", ErrUnsupportedManifest, desc.MediaType)
	}
	if desc.Size > maxManifestSize {
		return ocispec.Manifest{}, fmt.Errorf("%w: manifest of %d bytes", ErrUnsupportedManifest, desc.Size)
	}

	var manifest ocispec.Manifest
	if err := json.NewDecoder(io.LimitReader(rc, desc.Size)).Decode(&manifest); err != nil {
		return ocispec.Manifest{}, fmt.Errorf("%w: decode manifest: %v", ErrUnsupportedManifest, err)
	}
	return manifest, nil
}

func (o *Opener) blobURL(ref registry.Reference, dgst digest.Digest) string {
	scheme := "https"
	if o.plainHTTP {
		scheme = "http"
	}
	return fmt.Sprintf("%s://%s/v2/%s/blobs/%s", scheme, ref.Host(), ref.Repository, dgst)
}

// selectLayer picks the layer named by want, or the only tar layer.
func selectLayer(layers []ocispec.Descriptor, want string) (ocispec.Descriptor, error) {
	if want != "" {
		dgst, err := digest.Parse(want)
		if err != nil {
			return ocispec.Descriptor{}, fmt.Errorf("%w: layer %q: %v", ErrInvalidReference, want, err)
		}
		for _, l := range layers {
			if l.Digest == dgst {
				return l, checkLayer(l)
			}
		}
		return ocispec.Descriptor{}, fmt.Errorf("%w: layer %s", ErrNotFound, dgst)
	}

	if len(layers) == 1 {
		return layers[0], checkLayer(layers[0])
	}
	var found []ocispec.Descriptor
	for _, l := range layers {
		if checkLayer(l) == nil {
			found = append(found, l)
		}
	}
	switch len(found) {
	case 0:
		return ocispec.Descriptor{}, fmt.Errorf("%w: no uncompressed tar layer among %d", ErrNotTarLayer, len(layers))
	case 1:
		return found[0], nil
	default:
		return ocispec.Descriptor{}, fmt.Errorf("%w: %d candidates", ErrAmbiguousLayer, len(found))
	}
}

// checkLayer accepts uncompressed tar layers only.
func checkLayer(l ocispec.Descriptor) error {
	switch l.MediaType {
	case ocispec.MediaTypeImageLayer, dockerLayerTar:
		return nil
	case ocispec.MediaTypeImageLayerGzip, ocispec.MediaTypeImageLayerZstd, dockerLayerGzip:
		return fmt.Errorf("%w: layer %s is %s", index.ErrCompressedArchive, l.Digest, l.MediaType)
	default:
		return fmt.Errorf("%w: layer %s is %s", ErrNotTarLayer, l.Digest, l.MediaType)
	}
}

// mapError maps ORAS errors to package errors.
func mapError(err error) error {
	if errors.Is(err, errdef.ErrNotFound) {
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	return err
}
