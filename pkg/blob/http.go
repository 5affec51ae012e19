package blob

import (
	"crypto/subtle"
	"io"
	"log"
	"net/http"
	"strings"
)

// Handler exposes a blob Store over the internal PUT/GET
// /internal/blobs/{ref} surface peers use to replicate blob content outside
// the raft log. It is mounted only on the inter-node listener, never on any
// client-facing port.
type Handler struct {
	store  *Store
	token  string
	logger *log.Logger
}

// NewHandler builds a Handler requiring token on every request via a
// constant-time comparison, so a timing side channel can't leak it one
// byte at a time. An empty token disables the check.
func NewHandler(store *Store, token string, logger *log.Logger) *Handler {
	return &Handler{store: store, token: token, logger: logger}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !h.authorized(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	ref := Ref(strings.TrimPrefix(r.URL.Path, "/internal/blobs/"))
	if ref == "" {
		http.Error(w, "missing blob ref", http.StatusBadRequest)
		return
	}
	// Only 64 lowercase hex characters reach the store's filesystem paths.
	if len(ref) != 64 || strings.Trim(string(ref), "0123456789abcdef") != "" {
		http.Error(w, "invalid blob ref", http.StatusBadRequest)
		return
	}
	switch r.Method {
	case http.MethodGet:
		h.handleGet(w, ref)
	case http.MethodPut:
		h.handlePut(w, r, ref)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (h *Handler) authorized(r *http.Request) bool {
	if h.token == "" {
		return true
	}
	const prefix = "Bearer "
	got := r.Header.Get("Authorization")
	if !strings.HasPrefix(got, prefix) {
		return false
	}
	got = strings.TrimPrefix(got, prefix)
	return subtle.ConstantTimeCompare([]byte(got), []byte(h.token)) == 1
}

func (h *Handler) handleGet(w http.ResponseWriter, ref Ref) {
	rc, err := h.store.Get(ref)
	if err != nil {
		if err == ErrNotFound {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		h.logger.Printf("blob get %s: %v", ref, err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	defer rc.Close()
	w.Header().Set("Content-Type", "application/octet-stream")
	if _, err := io.Copy(w, rc); err != nil {
		h.logger.Printf("blob get %s: stream: %v", ref, err)
	}
}

func (h *Handler) handlePut(w http.ResponseWriter, r *http.Request, want Ref) {
	got, _, err := h.store.Put(r.Body)
	if err != nil {
		h.logger.Printf("blob put %s: %v", want, err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if got != want {
		h.store.Delete(got)
		http.Error(w, "content hash mismatch", http.StatusBadRequest)
		return
	}
	w.WriteHeader(http.StatusCreated)
}
