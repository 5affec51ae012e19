package blob

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/sync/singleflight"
)

// Fetcher retrieves a blob's content from a remote peer on a local cache
// miss. RemoteFetch is called at most once per distinct ref concurrently
// across all local callers, collapsed through a singleflight group, so a
// thundering herd of readers for the same cold blob produces one remote
// fetch rather than N.
type Fetcher struct {
	store  *Store
	client *http.Client
	group  singleflight.Group
}

// NewFetcher wraps store with remote fetch-on-miss using client (defaults
// to a 30s-timeout client if nil).
func NewFetcher(store *Store, client *http.Client) *Fetcher {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &Fetcher{store: store, client: client}
}

// GetOrFetch returns ref's content, fetching it from addr's internal blob
// endpoint on a local miss. The fetched content is written to the store,
// then checked against ref and expected; on a mismatch it is deleted again,
// so a corrupt or mismatched transfer is not kept.
func (f *Fetcher) GetOrFetch(ctx context.Context, ref Ref, addr string, token string, expected [32]byte) (io.ReadCloser, error) {
	if f.store.Has(ref) {
		return f.store.Get(ref)
	}
	_, err, _ := f.group.Do(string(ref), func() (interface{}, error) {
		if f.store.Has(ref) {
			return nil, nil
		}
		return nil, f.remoteFetch(ctx, ref, addr, token, expected)
	})
	if err != nil {
		return nil, err
	}
	return f.store.Get(ref)
}

func (f *Fetcher) remoteFetch(ctx context.Context, ref Ref, addr, token string, expected [32]byte) error {
	url := fmt.Sprintf("%s/internal/blobs/%s", addr, ref)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("blob: build fetch request: %w", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return fmt.Errorf("blob: fetch %s from %s: %w", ref, addr, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("blob: fetch %s from %s: status %d", ref, addr, resp.StatusCode)
	}
	gotRef, _, err := f.store.Put(resp.Body)
	if err != nil {
		return fmt.Errorf("blob: store fetched content: %w", err)
	}
	if gotRef != ref {
		f.store.Delete(gotRef)
		return fmt.Errorf("blob: fetched content hashes to %s, expected %s", gotRef, ref)
	}
	if err := f.store.VerifyChecksum(ref, expected); err != nil {
		f.store.Delete(ref)
		return err
	}
	return nil
}
