package blob

import "fmt"

// LiveRefs is supplied by the caller (pkg/store, via its config entries'
// BlobRef fields) so GC never needs to understand the domain schema itself.
type LiveRefs func() (map[Ref]struct{}, error)

// GC deletes every locally stored blob not present in the live set,
// mark-and-sweep style: live is computed first, then the sweep runs against
// a point-in-time List() so a blob referenced mid-sweep by a commit that
// landed after live was computed is simply caught by the next GC cycle
// rather than risking deleting something still reachable.
func GC(store *Store, live LiveRefs) (deleted int, err error) {
	liveSet, err := live()
	if err != nil {
		return 0, fmt.Errorf("blob: compute live refs: %w", err)
	}
	all, err := store.List()
	if err != nil {
		return 0, fmt.Errorf("blob: list blobs: %w", err)
	}
	for _, ref := range all {
		if _, ok := liveSet[ref]; ok {
			continue
		}
		if err := store.Delete(ref); err != nil {
			return deleted, fmt.Errorf("blob: delete %s: %w", ref, err)
		}
		deleted++
	}
	return deleted, nil
}
