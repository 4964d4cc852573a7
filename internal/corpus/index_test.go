package corpus

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kalambet/meirobo/internal/blob"
	"github.com/kalambet/meirobo/internal/engine"
	"github.com/kalambet/meirobo/internal/quota"
	"github.com/kalambet/meirobo/internal/storage"
)

type stubEngine struct {
	reply string
	err   error
	calls int
}

func (s *stubEngine) Chat(context.Context, string, []engine.Message, *engine.Schema) (string, error) {
	s.calls++
	return s.reply, s.err
}

func (s *stubEngine) Embed(context.Context, string, string) ([]float32, error) {
	return nil, errors.New("not used")
}

// failingBlobs fails every Put after the first n.
type failingBlobs struct {
	blob.Store
	n int
}

func (f *failingBlobs) Put(ctx context.Context, key string, r io.Reader, size int64, ct string) error {
	if f.n <= 0 {
		return errors.New("disk full")
	}
	f.n--
	return f.Store.Put(ctx, key, r, size, ct)
}

type fixture struct {
	ix     *Index
	ledger *quota.Ledger
	store  *storage.Store
	blobs  *blob.LocalStore
	dir    string
}

func newFixture(t *testing.T, quotaBytes int64, eng engine.Engine) *fixture {
	t.Helper()
	s, err := storage.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	dir := t.TempDir()
	blobs, err := blob.NewLocal(dir, "http://localhost", []byte("k"))
	require.NoError(t, err)

	ledger := quota.NewLedger(s, quotaBytes, nil)
	return &fixture{
		ix:     New(s, ledger, blobs, Options{Engine: eng, Model: "m"}),
		ledger: ledger,
		store:  s,
		blobs:  blobs,
		dir:    dir,
	}
}

func freeform(title, body string, tags ...string) NewEntry {
	return NewEntry{Title: title, Tags: tags, SourceKind: storage.SourceFreeform, Data: []byte(body)}
}

func TestAddFreeformStoresArtifactsAndUsesQuota(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 1<<20, nil)

	body := "Tabela de preços:   corte 50 reais,\n\nbarba 30 reais."
	e, err := f.ix.Add(ctx, "t1", freeform("Preços", body, "Preço", "preço", " salão "))
	require.NoError(t, err)

	assert.Equal(t, "Preços", e.Title)
	assert.Equal(t, "note", e.Type)
	assert.Equal(t, []string{"preço", "salão"}, e.Tags)
	assert.Equal(t, 2, e.Priority)
	assert.True(t, e.Enabled)
	assert.Equal(t, "Tabela de preços: corte 50 reais, barba 30 reais.", e.Summary)
	assert.Equal(t, "tenants/t1/acervo/"+e.ID+"/query.txt", e.QueryKey)

	extract, err := f.ix.ReadQueryArtifact(ctx, e)
	require.NoError(t, err)
	assert.Equal(t, e.Summary, extract)

	u, err := f.ledger.Usage(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, int64(len(body)), u.UsedBytes)
	assert.Equal(t, int64(len(body)), u.ByCategory[quota.CategoryFreeform])
}

func TestAddUsesEngineSummary(t *testing.T) {
	eng := &stubEngine{reply: "  Corte R$50, barba R$30.  "}
	f := newFixture(t, 1<<20, eng)

	e, err := f.ix.Add(context.Background(), "t1", freeform("Preços", "corte 50 barba 30"))
	require.NoError(t, err)
	assert.Equal(t, "Corte R$50, barba R$30.", e.Summary)
	assert.Equal(t, 1, eng.calls)
}

func TestAddSummaryFallsBackOnEngineError(t *testing.T) {
	f := newFixture(t, 1<<20, &stubEngine{err: errors.New("timeout")})

	e, err := f.ix.Add(context.Background(), "t1", freeform("Horário", "seg a sex 9h às 18h"))
	require.NoError(t, err)
	assert.Equal(t, "seg a sex 9h às 18h", e.Summary)
}

func TestAddDeniedByQuotaWritesNothing(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 10, nil)

	_, err := f.ix.Add(ctx, "t1", freeform("Grande", "mais de dez bytes"))
	var exceeded *quota.ExceededError
	require.ErrorAs(t, err, &exceeded)
	assert.Equal(t, int64(10), exceeded.Max)

	entries, err := f.ix.List(ctx, "t1", Filter{})
	require.NoError(t, err)
	assert.Empty(t, entries)

	_, statErr := os.Stat(filepath.Join(f.dir, "tenants"))
	assert.True(t, os.IsNotExist(statErr), "no artifacts should be written")
}

func TestAddReleasesQuotaWhenStorageFails(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 1<<20, nil)
	f.ix.blobs = &failingBlobs{Store: f.blobs, n: 1}

	_, err := f.ix.Add(ctx, "t1", freeform("Nota", "algum texto"))
	require.Error(t, err)

	u, err := f.ledger.Usage(ctx, "t1")
	require.NoError(t, err)
	assert.Zero(t, u.UsedBytes)

	entries, err := filepath.Glob(filepath.Join(f.dir, "tenants", "t1", "acervo", "*", "*"))
	require.NoError(t, err)
	assert.Empty(t, entries, "original should be removed on rollback")
}

func TestAddRejectsUnsupportedTypeBeforeQuota(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 1<<20, nil)

	_, err := f.ix.Add(ctx, "t1", NewEntry{Filename: "foto.png", ContentType: "image/png", Data: []byte{0x89}})
	assert.ErrorIs(t, err, ErrUnsupportedType)

	u, err := f.ledger.Usage(ctx, "t1")
	require.NoError(t, err)
	assert.Zero(t, u.UsedBytes)
}

func TestDeleteReleasesQuotaAndArtifacts(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 1<<20, nil)

	e, err := f.ix.Add(ctx, "t1", NewEntry{Filename: "faq.md", ContentType: "text/markdown", Data: []byte("# FAQ\naceito pix")})
	require.NoError(t, err)
	assert.Equal(t, "faq", e.Title)
	assert.Equal(t, "tenants/t1/acervo/"+e.ID+"/original.md", e.OriginalKey)

	require.NoError(t, f.ix.Delete(ctx, "t1", e.ID))

	_, err = f.ix.Get(ctx, "t1", e.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = f.blobs.Get(ctx, e.OriginalKey)
	assert.ErrorIs(t, err, blob.ErrNotFound)

	u, err := f.ledger.Usage(ctx, "t1")
	require.NoError(t, err)
	assert.Zero(t, u.UsedBytes)
}

func TestEntriesAreTenantScoped(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 1<<20, nil)

	e, err := f.ix.Add(ctx, "t1", freeform("Nota", "texto"))
	require.NoError(t, err)

	_, err = f.ix.Get(ctx, "t2", e.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, f.ix.Delete(ctx, "t2", e.ID), ErrNotFound)
}

func TestReindexRefreshesSummary(t *testing.T) {
	ctx := context.Background()
	eng := &stubEngine{reply: "primeiro"}
	f := newFixture(t, 1<<20, eng)

	e, err := f.ix.Add(ctx, "t1", freeform("Nota", "texto"))
	require.NoError(t, err)
	require.Equal(t, "primeiro", e.Summary)

	eng.reply = "segundo"
	r, err := f.ix.Reindex(ctx, "t1", e.ID)
	require.NoError(t, err)
	assert.Equal(t, "segundo", r.Summary)
	assert.False(t, r.LastIndexedAt.Before(e.LastIndexedAt))
}

func TestUpdateAndList(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 1<<20, nil)

	a, err := f.ix.Add(ctx, "t1", freeform("Preços", "corte 50", "preço", "corte"))
	require.NoError(t, err)
	_, err = f.ix.Add(ctx, "t1", freeform("Horário", "9h às 18h", "horário"))
	require.NoError(t, err)

	require.NoError(t, f.ix.SetEnabled(ctx, "t1", a.ID, false))

	enabled, err := f.ix.List(ctx, "t1", Filter{EnabledOnly: true})
	require.NoError(t, err)
	require.Len(t, enabled, 1)
	assert.Equal(t, "Horário", enabled[0].Title)

	tagged, err := f.ix.List(ctx, "t1", Filter{Tags: []string{"PREÇO", "corte"}})
	require.NoError(t, err)
	require.Len(t, tagged, 1)
	assert.Equal(t, a.ID, tagged[0].ID)

	prio := 9
	tags := []string{"Tabela"}
	u, err := f.ix.Update(ctx, "t1", a.ID, Patch{Priority: &prio, Tags: &tags})
	require.NoError(t, err)
	assert.Equal(t, defaultPriority, u.Priority, "out of range priority falls back")
	assert.Equal(t, []string{"tabela"}, u.Tags)
}

func TestKind(t *testing.T) {
	tests := []struct {
		ct, name, want string
	}{
		{"application/pdf", "", "pdf"},
		{"", "Cardápio.PDF", "pdf"},
		{"text/plain; charset=utf-8", "", "text"},
		{"application/octet-stream", "notas.md", "text"},
		{"image/jpeg", "a.jpg", ""},
	}
	for _, tt := range tests {
		if got := kind(tt.ct, tt.name); got != tt.want {
			t.Errorf("kind(%q, %q) = %q, want %q", tt.ct, tt.name, got, tt.want)
		}
	}
}

func TestTruncateRunes(t *testing.T) {
	if got := truncateRunes("ação", 2); got != "aç" {
		t.Errorf("truncateRunes = %q, want %q", got, "aç")
	}
}

func TestExtractText_HTML(t *testing.T) {
	page := []byte(`<html><head><title>Cardápio</title><style>p{color:red}</style>
<script>var x = "não aparece";</script></head>
<body><h1>Preços</h1><p>Corte: R$ 80</p><ul><li>Escova: R$ 60</li></ul></body></html>`)

	text, err := extractText(page, "text/html; charset=utf-8", "")
	require.NoError(t, err)
	assert.Contains(t, text, "Corte: R$ 80")
	assert.Contains(t, text, "Escova: R$ 60")
	assert.NotContains(t, text, "não aparece")
	assert.NotContains(t, text, "color:red")

	byExt, err := extractText(page, "", "menu.htm")
	require.NoError(t, err)
	assert.Equal(t, text, byExt)
}

func TestExtractText_Kinds(t *testing.T) {
	for _, tc := range []struct {
		ct, name, want string
	}{
		{"application/pdf", "", "pdf"},
		{"text/html", "", "html"},
		{"text/csv", "", "text"},
		{"application/json", "", "text"},
		{"", "notas.md", "text"},
		{"application/octet-stream", "foto.jpg", ""},
	} {
		assert.Equal(t, tc.want, kind(tc.ct, tc.name), "kind(%q, %q)", tc.ct, tc.name)
	}

	_, err := extractText([]byte{0xff, 0xfe}, "text/plain", "")
	assert.ErrorIs(t, err, ErrUnsupportedType)
}
