package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/kalambet/meirobo/internal/blob"
	"github.com/kalambet/meirobo/internal/corpus"
	"github.com/kalambet/meirobo/internal/profile"
	"github.com/kalambet/meirobo/internal/quota"
	"github.com/kalambet/meirobo/internal/storage"
)

const maxUploadSize = corpus.MaxEntryBytes + 1<<20

type entryView struct {
	ID            string    `json:"id"`
	Title         string    `json:"title"`
	Type          string    `json:"type"`
	Tags          []string  `json:"tags"`
	Enabled       bool      `json:"enabled"`
	Priority      int       `json:"priority"`
	SizeBytes     int64     `json:"sizeBytes"`
	SourceKind    string    `json:"sourceKind"`
	Summary       string    `json:"summary,omitempty"`
	LastIndexedAt time.Time `json:"lastIndexedAt"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

func viewOf(e storage.CorpusEntry) entryView {
	tags := e.Tags
	if tags == nil {
		tags = []string{}
	}
	return entryView{
		ID:            e.ID,
		Title:         e.Title,
		Type:          e.Type,
		Tags:          tags,
		Enabled:       e.Enabled,
		Priority:      e.Priority,
		SizeBytes:     e.SizeBytes,
		SourceKind:    e.SourceKind,
		Summary:       e.Summary,
		LastIndexedAt: e.LastIndexedAt,
		CreatedAt:     e.CreatedAt,
		UpdatedAt:     e.UpdatedAt,
	}
}

// corpusError maps index errors to responses.
func corpusError(w http.ResponseWriter, err error) {
	var exceeded *quota.ExceededError
	switch {
	case errors.As(err, &exceeded):
		writeJSON(w, http.StatusRequestEntityTooLarge, map[string]any{
			"error": map[string]any{
				"message":    exceeded.Error(),
				"type":       "quota_exceeded",
				"usedBytes":  exceeded.Used,
				"quotaBytes": exceeded.Max,
				"category":   exceeded.Category,
			},
		})
	case errors.Is(err, corpus.ErrNotFound), errors.Is(err, blob.ErrNotFound):
		httpError(w, http.StatusNotFound, "not_found_error", "%v", err)
	case errors.Is(err, corpus.ErrTooLarge):
		httpError(w, http.StatusRequestEntityTooLarge, "invalid_request_error", "%v", err)
	case errors.Is(err, corpus.ErrEmpty):
		httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
	case errors.Is(err, corpus.ErrUnsupportedType):
		httpError(w, http.StatusUnsupportedMediaType, "invalid_request_error", "%v", err)
	default:
		httpError(w, http.StatusInternalServerError, "api_error", "%v", err)
	}
}

func handleListAcervo(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenant := chi.URLParam(r, "tenant")
		q := r.URL.Query()
		f := corpus.Filter{
			Type:        q.Get("type"),
			EnabledOnly: q.Get("enabled") == "true",
		}
		f.Tags = splitTags(q.Get("tags"))
		if v := q.Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 0 {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid limit %q", v)
				return
			}
			f.Limit = n
		}

		entries, err := deps.Corpus.List(r.Context(), tenant, f)
		if err != nil {
			corpusError(w, err)
			return
		}
		views := make([]entryView, len(entries))
		for i, e := range entries {
			views[i] = viewOf(e)
		}
		writeJSON(w, http.StatusOK, map[string]any{"entries": views})
	}
}

type freeformRequest struct {
	Title    string   `json:"title"`
	Type     string   `json:"type"`
	Tags     []string `json:"tags"`
	Priority int      `json:"priority"`
	Enabled  *bool    `json:"enabled"`
	Content  string   `json:"content"`
}

// handleAddFreeform stores operator-written text as an entry.
func handleAddFreeform(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req freeformRequest
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxUploadSize)).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid JSON: %v", err)
			return
		}
		if strings.TrimSpace(req.Content) == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "content is required")
			return
		}
		e, err := deps.Corpus.Add(r.Context(), chi.URLParam(r, "tenant"), corpus.NewEntry{
			Title:       req.Title,
			Type:        req.Type,
			Tags:        req.Tags,
			Priority:    req.Priority,
			Disabled:    req.Enabled != nil && !*req.Enabled,
			SourceKind:  storage.SourceFreeform,
			ContentType: "text/plain",
			Data:        []byte(req.Content),
		})
		if err != nil {
			corpusError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, viewOf(e))
	}
}

// handleUpload takes a multipart form with a "file" part and optional
// title, type, tags and priority fields.
func handleUpload(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxUploadSize)
		if err := r.ParseMultipartForm(maxUploadSize); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid multipart form: %v", err)
			return
		}
		file, header, err := r.FormFile("file")
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "file is required")
			return
		}
		defer file.Close()

		data, err := io.ReadAll(io.LimitReader(file, corpus.MaxEntryBytes+1))
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "reading file: %v", err)
			return
		}
		if len(data) > corpus.MaxEntryBytes {
			corpusError(w, corpus.ErrTooLarge)
			return
		}

		priority, err := formInt(r.FormValue("priority"))
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid priority: %v", err)
			return
		}
		e, err := deps.Corpus.Add(r.Context(), chi.URLParam(r, "tenant"), corpus.NewEntry{
			Title:       r.FormValue("title"),
			Type:        r.FormValue("type"),
			Tags:        splitTags(r.FormValue("tags")),
			Priority:    priority,
			SourceKind:  storage.SourceUpload,
			Filename:    header.Filename,
			ContentType: header.Header.Get("Content-Type"),
			Data:        data,
		})
		if err != nil {
			corpusError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, viewOf(e))
	}
}

type uploadURLRequest struct {
	Filename    string `json:"filename"`
	ContentType string `json:"contentType"`
	TTLSeconds  int    `json:"ttlSeconds"`
}

// handleUploadURL issues a signed URL for a staging object. The client
// uploads there and then calls import with the returned key.
func handleUploadURL(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req uploadURLRequest
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBodySize)).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid JSON: %v", err)
			return
		}
		name := path.Base(strings.TrimSpace(req.Filename))
		if name == "" || name == "." || name == "/" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "filename is required")
			return
		}
		tenant := chi.URLParam(r, "tenant")
		key := stagingKey(tenant, uuid.New().String(), name)
		ttl := blob.ClampTTL(time.Duration(req.TTLSeconds) * time.Second)

		url, err := deps.Blobs.PresignPut(r.Context(), key, req.ContentType, ttl)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "signing upload: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"key":       key,
			"url":       url,
			"method":    http.MethodPut,
			"expiresAt": time.Now().Add(ttl).UTC(),
		})
	}
}

type importRequest struct {
	Key         string   `json:"key"`
	Title       string   `json:"title"`
	Type        string   `json:"type"`
	Tags        []string `json:"tags"`
	Priority    int      `json:"priority"`
	ContentType string   `json:"contentType"`
}

// handleImport turns an uploaded staging object into an entry and removes
// the staging copy.
func handleImport(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req importRequest
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBodySize)).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid JSON: %v", err)
			return
		}
		tenant := chi.URLParam(r, "tenant")
		if err := blob.ValidateKey(req.Key); err != nil || !strings.HasPrefix(req.Key, stagingPrefix(tenant)) {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "key %q is not an upload of this tenant", req.Key)
			return
		}

		data, err := readBlob(r.Context(), deps.Blobs, req.Key)
		if err != nil {
			corpusError(w, err)
			return
		}
		e, err := deps.Corpus.Add(r.Context(), tenant, corpus.NewEntry{
			Title:       req.Title,
			Type:        req.Type,
			Tags:        req.Tags,
			Priority:    req.Priority,
			SourceKind:  storage.SourceUpload,
			Filename:    path.Base(req.Key),
			ContentType: req.ContentType,
			Data:        data,
		})
		if err != nil {
			corpusError(w, err)
			return
		}
		if err := deps.Blobs.Delete(r.Context(), req.Key); err != nil {
			deps.Logger.Warn("removing staged upload", "tenant", tenant, "key", req.Key, "error", err)
		}
		writeJSON(w, http.StatusCreated, viewOf(e))
	}
}

type queryRequest struct {
	Question  string `json:"question"`
	MaxTokens int    `json:"maxTokens"`
}

// handleQuery runs the retrieval engine for an operator question.
func handleQuery(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.Retrieval == nil {
			httpError(w, http.StatusServiceUnavailable, "api_error", "retrieval is not configured")
			return
		}
		var req queryRequest
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBodySize)).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid JSON: %v", err)
			return
		}
		res, err := deps.Retrieval.Query(r.Context(), chi.URLParam(r, "tenant"), req.Question, req.MaxTokens)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "query failed: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}

type patchRequest struct {
	Title    *string   `json:"title"`
	Type     *string   `json:"type"`
	Tags     *[]string `json:"tags"`
	Enabled  *bool     `json:"enabled"`
	Priority *int      `json:"priority"`
}

func handlePatchEntry(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req patchRequest
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBodySize)).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid JSON: %v", err)
			return
		}
		e, err := deps.Corpus.Update(r.Context(), chi.URLParam(r, "tenant"), chi.URLParam(r, "id"), corpus.Patch{
			Title:    req.Title,
			Type:     req.Type,
			Tags:     req.Tags,
			Enabled:  req.Enabled,
			Priority: req.Priority,
		})
		if err != nil {
			corpusError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, viewOf(e))
	}
}

func handleReindex(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		e, err := deps.Corpus.Reindex(r.Context(), chi.URLParam(r, "tenant"), chi.URLParam(r, "id"))
		if err != nil {
			corpusError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, viewOf(e))
	}
}

func handleDeleteEntry(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := deps.Corpus.Delete(r.Context(), chi.URLParam(r, "tenant"), chi.URLParam(r, "id")); err != nil {
			corpusError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func handleQuota(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		u, err := deps.Quota.Usage(r.Context(), chi.URLParam(r, "tenant"))
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "reading usage: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"tenantId":   u.TenantID,
			"usedBytes":  u.UsedBytes,
			"quotaBytes": u.QuotaBytes,
			"byCategory": u.ByCategory,
		})
	}
}

func handleGetProfile(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, err := deps.Profiles.Get(r.Context(), chi.URLParam(r, "tenant"))
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "loading profile: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, p)
	}
}

func handlePutProfile(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var p profile.TenantProfile
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBodySize)).Decode(&p); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid JSON: %v", err)
			return
		}
		tenant := chi.URLParam(r, "tenant")
		err := deps.Profiles.Put(r.Context(), tenant, p)
		switch {
		case errors.Is(err, profile.ErrInvalid):
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		case err != nil:
			httpError(w, http.StatusInternalServerError, "api_error", "saving profile: %v", err)
			return
		}
		p, err = deps.Profiles.Get(r.Context(), tenant)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "loading profile: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, p)
	}
}

func stagingPrefix(tenant string) string {
	return path.Join("tenants", tenant, "staging") + "/"
}

func stagingKey(tenant, id, name string) string {
	return stagingPrefix(tenant) + id + "/" + name
}

func readBlob(ctx context.Context, store blob.Store, key string) ([]byte, error) {
	rc, err := store.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	data, err := io.ReadAll(io.LimitReader(rc, corpus.MaxEntryBytes+1))
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", key, err)
	}
	if len(data) > corpus.MaxEntryBytes {
		return nil, corpus.ErrTooLarge
	}
	return data, nil
}

func splitTags(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	var out []string
	for _, t := range strings.Split(s, ",") {
		if t = strings.TrimSpace(t); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func formInt(s string) (int, error) {
	if s == "" {
		return 0, nil
	}
	return strconv.Atoi(s)
}
