// Package corpus maintains each tenant's document corpus (the "acervo"):
// ingestion under quota, text extraction, summaries and metadata.
package corpus

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/meirobo/internal/blob"
	"github.com/kalambet/meirobo/internal/engine"
	"github.com/kalambet/meirobo/internal/quota"
	"github.com/kalambet/meirobo/internal/storage"
)

// ErrNotFound is returned when an entry does not exist for the tenant.
var ErrNotFound = errors.New("corpus entry not found")

// ErrTooLarge is returned for artifacts above MaxEntryBytes.
var ErrTooLarge = errors.New("artifact too large")

// ErrEmpty is returned for artifacts without content.
var ErrEmpty = errors.New("empty artifact")

// MaxEntryBytes bounds a single artifact.
const MaxEntryBytes = 10 << 20

const defaultPriority = 2

// Store is the metadata persistence the index needs.
type Store interface {
	InsertEntry(ctx context.Context, e storage.CorpusEntry) error
	UpdateIndexed(ctx context.Context, tenantID, id, queryKey, summary string) error
	PatchEntry(ctx context.Context, e storage.CorpusEntry) error
	GetEntry(ctx context.Context, tenantID, id string) (storage.CorpusEntry, error)
	DeleteEntry(ctx context.Context, tenantID, id string) error
	ListEntries(ctx context.Context, tenantID string, f storage.EntryFilter) ([]storage.CorpusEntry, error)
}

// Quota admits and returns stored bytes.
type Quota interface {
	Reserve(ctx context.Context, tenantID string, bytes int64, category string) (quota.Decision, error)
	Release(ctx context.Context, tenantID string, bytes int64, category string) error
}

// NewEntry is an artifact to add to a tenant's corpus.
type NewEntry struct {
	Title       string
	Type        string
	Tags        []string
	Priority    int
	Disabled    bool
	SourceKind  string // storage.SourceUpload or storage.SourceFreeform
	Filename    string
	ContentType string
	Data        []byte
}

// Patch changes entry metadata. Nil fields are left as they are.
type Patch struct {
	Title    *string
	Type     *string
	Tags     *[]string
	Enabled  *bool
	Priority *int
}

// Filter narrows List. An entry matches Tags when it carries all of them.
type Filter struct {
	Tags        []string
	Type        string
	EnabledOnly bool
	Limit       int
}

// Index is the per-tenant document index.
type Index struct {
	store   Store
	quota   Quota
	blobs   blob.Store
	eng     engine.Engine
	model   string
	timeout time.Duration
	logger  *slog.Logger
	newID   func() string
}

// Options holds the optional summarizer of an Index. Without an engine,
// summaries are the leading part of the extract.
type Options struct {
	Engine  engine.Engine
	Model   string
	Timeout time.Duration
	Logger  *slog.Logger
}

func New(store Store, q Quota, blobs blob.Store, opts Options) *Index {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 20 * time.Second
	}
	return &Index{
		store:   store,
		quota:   q,
		blobs:   blobs,
		eng:     opts.Engine,
		model:   opts.Model,
		timeout: opts.Timeout,
		logger:  opts.Logger,
		newID:   func() string { return uuid.New().String() },
	}
}

// Add stores a new artifact. Quota is reserved first; any later failure
// releases it and removes the artifacts already written.
func (ix *Index) Add(ctx context.Context, tenantID string, ne NewEntry) (storage.CorpusEntry, error) {
	if len(ne.Data) == 0 {
		return storage.CorpusEntry{}, ErrEmpty
	}
	if len(ne.Data) > MaxEntryBytes {
		return storage.CorpusEntry{}, ErrTooLarge
	}
	if ne.SourceKind == "" {
		ne.SourceKind = storage.SourceUpload
	}
	if ne.SourceKind == storage.SourceFreeform && ne.ContentType == "" {
		ne.ContentType = "text/plain; charset=utf-8"
	}
	// Reject unsupported types before touching quota.
	if kind(ne.ContentType, ne.Filename) == "" {
		return storage.CorpusEntry{}, fmt.Errorf("%w: %s", ErrUnsupportedType, ne.ContentType)
	}

	size := int64(len(ne.Data))
	category := categoryOf(ne.SourceKind)
	d, err := ix.quota.Reserve(ctx, tenantID, size, category)
	if err != nil {
		return storage.CorpusEntry{}, err
	}
	if !d.Granted {
		return storage.CorpusEntry{}, d.Reason
	}

	e := storage.CorpusEntry{
		ID:         ix.newID(),
		TenantID:   tenantID,
		Title:      titleOf(ne),
		Type:       typeOf(ne),
		Tags:       normalizeTags(ne.Tags),
		Enabled:    !ne.Disabled,
		Priority:   priorityOf(ne.Priority),
		SizeBytes:  size,
		SourceKind: ne.SourceKind,
	}
	e.OriginalKey = blob.EntryKey(tenantID, e.ID, "original"+originalExt(ne))
	e.QueryKey = blob.EntryKey(tenantID, e.ID, "query.txt")

	var written []string
	rollback := func(cause error) (storage.CorpusEntry, error) {
		for _, key := range written {
			if err := ix.blobs.Delete(context.WithoutCancel(ctx), key); err != nil {
				ix.logger.Warn("removing artifact after failed add", "tenant", tenantID, "key", key, "error", err)
			}
		}
		if err := ix.quota.Release(context.WithoutCancel(ctx), tenantID, size, category); err != nil {
			ix.logger.Error("releasing quota after failed add", "tenant", tenantID, "bytes", size, "error", err)
		}
		return storage.CorpusEntry{}, cause
	}

	if err := ix.blobs.Put(ctx, e.OriginalKey, bytes.NewReader(ne.Data), size, ne.ContentType); err != nil {
		return rollback(fmt.Errorf("storing original: %w", err))
	}
	written = append(written, e.OriginalKey)

	extract, summary, err := ix.prepare(ctx, e, ne.Data, ne.ContentType, ne.Filename)
	if err != nil {
		return rollback(err)
	}
	if err := ix.blobs.Put(ctx, e.QueryKey, strings.NewReader(extract), int64(len(extract)), "text/plain; charset=utf-8"); err != nil {
		return rollback(fmt.Errorf("storing query artifact: %w", err))
	}
	written = append(written, e.QueryKey)

	e.Summary = summary
	if err := ix.store.InsertEntry(ctx, e); err != nil {
		return rollback(err)
	}

	ix.logger.Info("corpus entry added", "tenant", tenantID, "entry", e.ID, "bytes", size, "source", e.SourceKind)
	return ix.Get(ctx, tenantID, e.ID)
}

// Reindex rebuilds the query artifact and summary from the original.
func (ix *Index) Reindex(ctx context.Context, tenantID, id string) (storage.CorpusEntry, error) {
	e, err := ix.Get(ctx, tenantID, id)
	if err != nil {
		return storage.CorpusEntry{}, err
	}
	rc, err := ix.blobs.Get(ctx, e.OriginalKey)
	if err != nil {
		return storage.CorpusEntry{}, fmt.Errorf("loading original of %s: %w", id, err)
	}
	data, err := io.ReadAll(io.LimitReader(rc, MaxEntryBytes+1))
	rc.Close()
	if err != nil {
		return storage.CorpusEntry{}, fmt.Errorf("reading original of %s: %w", id, err)
	}

	extract, summary, err := ix.prepare(ctx, e, data, "", e.OriginalKey)
	if err != nil {
		return storage.CorpusEntry{}, err
	}
	if err := ix.blobs.Put(ctx, e.QueryKey, strings.NewReader(extract), int64(len(extract)), "text/plain; charset=utf-8"); err != nil {
		return storage.CorpusEntry{}, fmt.Errorf("storing query artifact: %w", err)
	}
	if err := ix.store.UpdateIndexed(ctx, tenantID, id, e.QueryKey, summary); err != nil {
		return storage.CorpusEntry{}, ix.mapErr(err)
	}
	return ix.Get(ctx, tenantID, id)
}

// Update applies a metadata patch.
func (ix *Index) Update(ctx context.Context, tenantID, id string, p Patch) (storage.CorpusEntry, error) {
	e, err := ix.Get(ctx, tenantID, id)
	if err != nil {
		return storage.CorpusEntry{}, err
	}
	if p.Title != nil && strings.TrimSpace(*p.Title) != "" {
		e.Title = strings.TrimSpace(*p.Title)
	}
	if p.Type != nil && strings.TrimSpace(*p.Type) != "" {
		e.Type = strings.TrimSpace(*p.Type)
	}
	if p.Tags != nil {
		e.Tags = normalizeTags(*p.Tags)
	}
	if p.Enabled != nil {
		e.Enabled = *p.Enabled
	}
	if p.Priority != nil {
		e.Priority = priorityOf(*p.Priority)
	}
	if err := ix.store.PatchEntry(ctx, e); err != nil {
		return storage.CorpusEntry{}, ix.mapErr(err)
	}
	return ix.Get(ctx, tenantID, id)
}

// SetEnabled includes or excludes an entry from retrieval. Disabled
// entries are kept.
func (ix *Index) SetEnabled(ctx context.Context, tenantID, id string, enabled bool) error {
	_, err := ix.Update(ctx, tenantID, id, Patch{Enabled: &enabled})
	return err
}

// Delete removes an entry and its artifacts and returns its bytes to the
// tenant's quota.
func (ix *Index) Delete(ctx context.Context, tenantID, id string) error {
	e, err := ix.Get(ctx, tenantID, id)
	if err != nil {
		return err
	}
	if err := ix.store.DeleteEntry(ctx, tenantID, id); err != nil {
		return ix.mapErr(err)
	}
	for _, key := range []string{e.OriginalKey, e.QueryKey} {
		if key == "" {
			continue
		}
		if err := ix.blobs.Delete(ctx, key); err != nil {
			ix.logger.Warn("removing artifact of deleted entry", "tenant", tenantID, "key", key, "error", err)
		}
	}
	if err := ix.quota.Release(ctx, tenantID, e.SizeBytes, categoryOf(e.SourceKind)); err != nil {
		return err
	}
	ix.logger.Info("corpus entry deleted", "tenant", tenantID, "entry", id, "bytes", e.SizeBytes)
	return nil
}

func (ix *Index) Get(ctx context.Context, tenantID, id string) (storage.CorpusEntry, error) {
	e, err := ix.store.GetEntry(ctx, tenantID, id)
	if err != nil {
		return storage.CorpusEntry{}, ix.mapErr(err)
	}
	return e, nil
}

// List returns a tenant's entries by priority, then most recent.
func (ix *Index) List(ctx context.Context, tenantID string, f Filter) ([]storage.CorpusEntry, error) {
	sf := storage.EntryFilter{EnabledOnly: f.EnabledOnly, Type: f.Type}
	want := normalizeTags(f.Tags)
	if len(want) == 0 {
		sf.Limit = f.Limit
	}
	entries, err := ix.store.ListEntries(ctx, tenantID, sf)
	if err != nil {
		return nil, fmt.Errorf("listing corpus of %s: %w", tenantID, err)
	}
	if len(want) == 0 {
		return entries, nil
	}

	out := entries[:0]
	for _, e := range entries {
		if hasAllTags(e.Tags, want) {
			out = append(out, e)
			if f.Limit > 0 && len(out) == f.Limit {
				break
			}
		}
	}
	return out, nil
}

// ReadQueryArtifact returns the query-ready extract of an entry.
func (ix *Index) ReadQueryArtifact(ctx context.Context, e storage.CorpusEntry) (string, error) {
	rc, err := ix.blobs.Get(ctx, e.QueryKey)
	if err != nil {
		return "", err
	}
	defer rc.Close()
	b, err := io.ReadAll(io.LimitReader(rc, 4*maxExtractRunes))
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// prepare builds the query-ready extract and summary of an artifact.
func (ix *Index) prepare(ctx context.Context, e storage.CorpusEntry, data []byte, contentType, filename string) (string, string, error) {
	text, err := extractText(data, contentType, filename)
	if err != nil {
		return "", "", err
	}
	extract := truncateRunes(normalize(text), maxExtractRunes)
	if extract == "" {
		return "", "", fmt.Errorf("no text could be extracted from %q", e.Title)
	}
	return extract, ix.summarize(ctx, e, extract), nil
}

const summaryPrompt = `Resuma o material abaixo em português, em no máximo 400 caracteres, ` +
	`mantendo preços, prazos e condições. Responda somente com o resumo.`

func (ix *Index) summarize(ctx context.Context, e storage.CorpusEntry, extract string) string {
	fallback := truncateRunes(extract, maxSummaryRunes)
	if ix.eng == nil {
		return fallback
	}
	ctx, cancel := context.WithTimeout(ctx, ix.timeout)
	defer cancel()

	out, err := ix.eng.Chat(ctx, ix.model, []engine.Message{
		{Role: engine.RoleSystem, Content: summaryPrompt},
		{Role: engine.RoleUser, Content: "# " + e.Title + "\n\n" + extract},
	}, nil)
	if err != nil {
		ix.logger.Warn("summarizing corpus entry failed, using extract", "tenant", e.TenantID, "entry", e.ID, "error", err)
		return fallback
	}
	out = truncateRunes(normalize(out), maxSummaryRunes)
	if out == "" {
		return fallback
	}
	return out
}

func (ix *Index) mapErr(err error) error {
	if errors.Is(err, storage.ErrNotFound) {
		return ErrNotFound
	}
	return err
}

func categoryOf(sourceKind string) string {
	if sourceKind == storage.SourceFreeform {
		return quota.CategoryFreeform
	}
	return quota.CategoryUploads
}

func titleOf(ne NewEntry) string {
	if t := strings.TrimSpace(ne.Title); t != "" {
		return t
	}
	if ne.Filename != "" {
		return strings.TrimSuffix(filepath.Base(ne.Filename), filepath.Ext(ne.Filename))
	}
	return "Sem título"
}

func typeOf(ne NewEntry) string {
	if t := strings.TrimSpace(ne.Type); t != "" {
		return strings.ToLower(t)
	}
	if ne.SourceKind == storage.SourceFreeform {
		return "note"
	}
	return "document"
}

func priorityOf(p int) int {
	if p < 1 || p > 5 {
		return defaultPriority
	}
	return p
}

func originalExt(ne NewEntry) string {
	if ext := strings.ToLower(filepath.Ext(ne.Filename)); ext != "" {
		return ext
	}
	if kind(ne.ContentType, "") == "pdf" {
		return ".pdf"
	}
	return ".txt"
}

func normalizeTags(tags []string) []string {
	var out []string
	for _, t := range tags {
		t = strings.ToLower(strings.TrimSpace(t))
		if t != "" && !slices.Contains(out, t) {
			out = append(out, t)
		}
	}
	return out
}

func hasAllTags(have, want []string) bool {
	for _, w := range want {
		if !slices.Contains(have, w) {
			return false
		}
	}
	return true
}
