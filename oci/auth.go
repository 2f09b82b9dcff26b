package oci

import (
	"context"
	"net/http"
	"strings"

	"oras.land/oras-go/v2/registry"
	"oras.land/oras-go/v2/registry/remote/auth"
	"oras.land/oras-go/v2/registry/remote/credentials"
)

// authTransport adds repository pull scope to each request and lets the
// auth client answer registry challenges, including token exchange.
type authTransport struct {
	client *auth.Client
	ref    registry.Reference
}

func (t *authTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	ctx := auth.AppendRepositoryScope(req.Context(), t.ref, auth.ActionPull)
	return t.client.Do(req.Clone(ctx))
}

// blobClient returns an HTTP client for range reads of blobs in ref's
// repository.
func (o *Opener) blobClient(ref registry.Reference) *http.Client {
	return &http.Client{Transport: &authTransport{client: o.authClient, ref: ref}}
}

// credential resolves the credential for a registry host.
func (o *Opener) credential(ctx context.Context, hostport string) (auth.Credential, error) {
	if o.anonymous || o.credStore == nil {
		return auth.EmptyCredential, nil
	}
	return o.credStore.Get(ctx, hostport)
}

// dockerConfigStore reads ~/.docker/config.json and its credential helpers.
func dockerConfigStore() (credentials.Store, error) {
	return credentials.NewStoreFromDocker(credentials.StoreOptions{})
}

// staticStore serves one credential for one registry.
type staticStore struct {
	host string
	cred auth.Credential
}

func newStaticStore(host string, cred auth.Credential) *staticStore {
	return &staticStore{host: serverAddress(host), cred: cred}
}

func (s *staticStore) Get(_ context.Context, server string) (auth.Credential, error) {
	if serverAddress(server) == s.host {
		return s.cred, nil
	}
	return auth.EmptyCredential, nil
}

func (s *staticStore) Put(context.Context, string, auth.Credential) error {
	return errReadOnlyStore
}

func (s *staticStore) Delete(context.Context, string) error {
	return errReadOnlyStore
}

// serverAddress strips any scheme and path from a registry address.
func serverAddress(addr string) string {
	addr = strings.TrimPrefix(addr, "https://")
	addr = strings.TrimPrefix(addr, "http://")
	addr, _, _ = strings.Cut(addr, "/")
	return addr
}
