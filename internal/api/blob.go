package api

import (
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/meirobo/internal/blob"
	"github.com/kalambet/meirobo/internal/corpus"
)

// handleBlobGet serves a local blob to the holder of a signed GET URL.
func handleBlobGet(store *blob.LocalStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key, ok := signedKey(store, r)
		if !ok {
			httpError(w, http.StatusForbidden, "permission_error", "invalid or expired signature")
			return
		}
		rc, err := store.Get(r.Context(), key)
		if errors.Is(err, blob.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found_error", "blob not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "reading blob: %v", err)
			return
		}
		defer rc.Close()
		w.Header().Set("Content-Type", "application/octet-stream")
		io.Copy(w, rc)
	}
}

// handleBlobPut stores the body under a key signed for PUT.
func handleBlobPut(store *blob.LocalStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key, ok := signedKey(store, r)
		if !ok {
			httpError(w, http.StatusForbidden, "permission_error", "invalid or expired signature")
			return
		}
		body := http.MaxBytesReader(w, r.Body, corpus.MaxEntryBytes)
		if err := store.Put(r.Context(), key, body, r.ContentLength, r.Header.Get("Content-Type")); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "storing blob: %v", err)
			return
		}
		w.WriteHeader(http.StatusOK)
	}
}

func signedKey(store *blob.LocalStore, r *http.Request) (string, bool) {
	key := chi.URLParam(r, "*")
	if blob.ValidateKey(key) != nil {
		return "", false
	}
	q := r.URL.Query()
	return key, store.Verify(r.Method, key, q.Get("exp"), q.Get("sig"))
}
