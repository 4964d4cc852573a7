package storage

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
	"unicode/utf8"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// TestMigrationsIdempotent runs Open twice on the same database and verifies
// the schema_version count stays correct (migration not re-applied).
func TestMigrationsIdempotent(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s1, err := Open(dir)
	if err != nil {
		t.Fatalf("first Open failed: %v", err)
	}
	v1, err := s1.AppliedMigrations(ctx)
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}
	s1.Close()

	s2, err := Open(dir)
	if err != nil {
		t.Fatalf("second Open failed: %v", err)
	}
	defer s2.Close()

	v2, err := s2.AppliedMigrations(ctx)
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}
	if len(v1) != len(v2) || len(v1) != 3 {
		t.Errorf("migration count changed: %d -> %d", len(v1), len(v2))
	}
}

func TestIndexesExist(t *testing.T) {
	s := openTestStore(t)

	indexes := []string{"idx_corpus_entries_tenant", "idx_audit_log_tenant", "idx_jobs_status_run_after"}
	for _, idx := range indexes {
		var count int
		err := s.db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='index' AND name=?", idx).Scan(&count)
		if err != nil {
			t.Fatalf("querying sqlite_master for %q: %v", idx, err)
		}
		if count != 1 {
			t.Errorf("index %q not found in sqlite_master", idx)
		}
	}
}

func TestRebindPostgres(t *testing.T) {
	s := &Store{dialect: dialectPostgres}
	got := s.q("SELECT a FROM t WHERE b = ? AND c IN (?, ?)")
	want := "SELECT a FROM t WHERE b = $1 AND c IN ($2, $3)"
	if got != want {
		t.Errorf("q() = %q, want %q", got, want)
	}

	s.dialect = dialectSQLite
	if got := s.q("x = ?"); got != "x = ?" {
		t.Errorf("sqlite q() = %q, want unchanged", got)
	}
}

// --- Tenants and quota ---

func TestEnsureTenantKeepsExisting(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.EnsureTenant(ctx, "t1", 1000); err != nil {
		t.Fatalf("EnsureTenant: %v", err)
	}
	if err := s.EnsureTenant(ctx, "t1", 5); err != nil {
		t.Fatalf("EnsureTenant again: %v", err)
	}

	got, err := s.GetTenant(ctx, "t1")
	if err != nil {
		t.Fatalf("GetTenant: %v", err)
	}
	if got.QuotaBytes != 1000 {
		t.Errorf("QuotaBytes = %d, want 1000", got.QuotaBytes)
	}
	if got.Status != TenantVerified {
		t.Errorf("Status = %q, want %q", got.Status, TenantVerified)
	}
}

func TestReserveBytesBoundary(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.EnsureTenant(ctx, "t1", 1000); err != nil {
		t.Fatalf("EnsureTenant: %v", err)
	}
	if ok, err := s.ReserveBytes(ctx, "t1", "uploads", 900); err != nil || !ok {
		t.Fatalf("ReserveBytes(900) = %v, %v; want true", ok, err)
	}
	if ok, err := s.ReserveBytes(ctx, "t1", "uploads", 100); err != nil || !ok {
		t.Fatalf("ReserveBytes(100) = %v, %v; want true", ok, err)
	}
	if ok, err := s.ReserveBytes(ctx, "t1", "uploads", 1); err != nil || ok {
		t.Fatalf("ReserveBytes(1) = %v, %v; want false", ok, err)
	}

	tenant, err := s.GetTenant(ctx, "t1")
	if err != nil {
		t.Fatalf("GetTenant: %v", err)
	}
	if tenant.UsedBytes != 1000 {
		t.Errorf("UsedBytes = %d, want 1000", tenant.UsedBytes)
	}
}

func TestReserveBytesUnknownTenant(t *testing.T) {
	s := openTestStore(t)

	_, err := s.ReserveBytes(context.Background(), "ghost", "uploads", 1)
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestReleaseBytesClampsAtZero(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.EnsureTenant(ctx, "t1", 1000); err != nil {
		t.Fatalf("EnsureTenant: %v", err)
	}
	if _, err := s.ReserveBytes(ctx, "t1", "freeform", 50); err != nil {
		t.Fatalf("ReserveBytes: %v", err)
	}
	if err := s.ReleaseBytes(ctx, "t1", "freeform", 80); err != nil {
		t.Fatalf("ReleaseBytes: %v", err)
	}

	tenant, _ := s.GetTenant(ctx, "t1")
	if tenant.UsedBytes != 0 {
		t.Errorf("UsedBytes = %d, want 0", tenant.UsedBytes)
	}
	usage, err := s.TenantUsage(ctx, "t1")
	if err != nil {
		t.Fatalf("TenantUsage: %v", err)
	}
	if usage["freeform"] != 0 {
		t.Errorf("usage[freeform] = %d, want 0", usage["freeform"])
	}
}

func TestReserveBytesConcurrent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.EnsureTenant(ctx, "t1", 100); err != nil {
		t.Fatalf("EnsureTenant: %v", err)
	}

	var granted atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := s.ReserveBytes(ctx, "t1", "uploads", 10)
			if err != nil {
				t.Errorf("ReserveBytes: %v", err)
				return
			}
			if ok {
				granted.Add(1)
			}
		}()
	}
	wg.Wait()

	if granted.Load() != 10 {
		t.Errorf("granted = %d, want 10", granted.Load())
	}
	tenant, _ := s.GetTenant(ctx, "t1")
	if tenant.UsedBytes != 100 {
		t.Errorf("UsedBytes = %d, want 100", tenant.UsedBytes)
	}
}

func TestProfileRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if _, err := s.GetProfile(ctx, "t1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("GetProfile before put: err = %v, want ErrNotFound", err)
	}
	if err := s.PutProfile(ctx, "t1", `{"a":1}`); err != nil {
		t.Fatalf("PutProfile: %v", err)
	}
	if err := s.PutProfile(ctx, "t1", `{"a":2}`); err != nil {
		t.Fatalf("PutProfile overwrite: %v", err)
	}
	got, err := s.GetProfile(ctx, "t1")
	if err != nil {
		t.Fatalf("GetProfile: %v", err)
	}
	if got != `{"a":2}` {
		t.Errorf("profile = %q, want %q", got, `{"a":2}`)
	}
}

// --- Corpus ---

func TestCorpusEntryLifecycle(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	e := CorpusEntry{
		ID: "e1", TenantID: "t1", Title: "Tabela de preços", Type: "pricing",
		Tags: []string{"preco", "tabela"}, Enabled: true, Priority: 1, SizeBytes: 42,
		SourceKind: SourceFreeform, QueryKey: "q", Summary: "sum",
	}
	if err := s.InsertEntry(ctx, e); err != nil {
		t.Fatalf("InsertEntry: %v", err)
	}

	got, err := s.GetEntry(ctx, "t1", "e1")
	if err != nil {
		t.Fatalf("GetEntry: %v", err)
	}
	if got.Title != e.Title || len(got.Tags) != 2 || !got.Enabled || got.Priority != 1 {
		t.Errorf("GetEntry = %+v", got)
	}
	if got.LastIndexedAt.IsZero() {
		t.Error("LastIndexedAt is zero")
	}

	// Other tenants cannot see it.
	if _, err := s.GetEntry(ctx, "t2", "e1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("cross-tenant GetEntry err = %v, want ErrNotFound", err)
	}

	got.Enabled = false
	if err := s.PatchEntry(ctx, got); err != nil {
		t.Fatalf("PatchEntry: %v", err)
	}
	enabled, err := s.ListEntries(ctx, "t1", EntryFilter{EnabledOnly: true})
	if err != nil {
		t.Fatalf("ListEntries: %v", err)
	}
	if len(enabled) != 0 {
		t.Errorf("enabled entries = %d, want 0", len(enabled))
	}
	all, _ := s.ListEntries(ctx, "t1", EntryFilter{})
	if len(all) != 1 {
		t.Errorf("all entries = %d, want 1", len(all))
	}

	if err := s.UpdateIndexed(ctx, "t1", "e1", "q2", "new summary"); err != nil {
		t.Fatalf("UpdateIndexed: %v", err)
	}
	got, _ = s.GetEntry(ctx, "t1", "e1")
	if got.Summary != "new summary" || got.QueryKey != "q2" {
		t.Errorf("after reindex: summary=%q query_key=%q", got.Summary, got.QueryKey)
	}

	if err := s.DeleteEntry(ctx, "t1", "e1"); err != nil {
		t.Fatalf("DeleteEntry: %v", err)
	}
	if err := s.DeleteEntry(ctx, "t1", "e1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("second DeleteEntry err = %v, want ErrNotFound", err)
	}
}

func TestListEntriesOrderAndFilter(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for _, e := range []CorpusEntry{
		{ID: "low", TenantID: "t1", Title: "low", Type: "faq", Enabled: true, Priority: 3, SourceKind: SourceFreeform},
		{ID: "high", TenantID: "t1", Title: "high", Type: "faq", Enabled: true, Priority: 1, SourceKind: SourceFreeform},
		{ID: "other", TenantID: "t1", Title: "other", Type: "contract", Enabled: true, Priority: 2, SourceKind: SourceUpload},
	} {
		if err := s.InsertEntry(ctx, e); err != nil {
			t.Fatalf("InsertEntry %s: %v", e.ID, err)
		}
	}

	got, err := s.ListEntries(ctx, "t1", EntryFilter{Type: "faq"})
	if err != nil {
		t.Fatalf("ListEntries: %v", err)
	}
	if len(got) != 2 || got[0].ID != "high" || got[1].ID != "low" {
		t.Errorf("ListEntries(faq) ids = %v", entryIDs(got))
	}

	got, _ = s.ListEntries(ctx, "t1", EntryFilter{Limit: 1})
	if len(got) != 1 || got[0].ID != "high" {
		t.Errorf("ListEntries(limit 1) ids = %v", entryIDs(got))
	}
}

func entryIDs(es []CorpusEntry) []string {
	ids := make([]string, len(es))
	for i, e := range es {
		ids[i] = e.ID
	}
	return ids
}

// --- Attempts ---

func TestCreateAttemptFirstWriterWins(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	ok, err := s.CreateAttempt(ctx, Attempt{ID: "a1", EventKey: "k1", Generation: 1})
	if err != nil || !ok {
		t.Fatalf("CreateAttempt first = %v, %v", ok, err)
	}
	ok, err = s.CreateAttempt(ctx, Attempt{ID: "a2", EventKey: "k1", Generation: 1})
	if err != nil {
		t.Fatalf("CreateAttempt second: %v", err)
	}
	if ok {
		t.Error("second CreateAttempt with same generation succeeded")
	}

	latest, err := s.LatestAttempt(ctx, "k1")
	if err != nil {
		t.Fatalf("LatestAttempt: %v", err)
	}
	if latest.ID != "a1" || latest.State != StateStarted {
		t.Errorf("latest = %+v", latest)
	}
}

func TestTransitionAndFinishAttempt(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if _, err := s.CreateAttempt(ctx, Attempt{ID: "a1", EventKey: "k1", Generation: 1}); err != nil {
		t.Fatalf("CreateAttempt: %v", err)
	}

	if ok, _ := s.TransitionAttempt(ctx, "a1", StateRouted, StateDrafted); ok {
		t.Error("transition from wrong state succeeded")
	}
	if ok, err := s.TransitionAttempt(ctx, "a1", StateStarted, StateRouted); err != nil || !ok {
		t.Fatalf("TransitionAttempt = %v, %v", ok, err)
	}
	if ok, err := s.FinishAttempt(ctx, "a1", "", StateFailed, "fatal", "boom"); err != nil || !ok {
		t.Fatalf("FinishAttempt = %v, %v", ok, err)
	}
	if ok, _ := s.FinishAttempt(ctx, "a1", "", StateCompleted, "ok", ""); ok {
		t.Error("FinishAttempt on terminal attempt succeeded")
	}

	a, err := s.GetAttempt(ctx, "a1")
	if err != nil {
		t.Fatalf("GetAttempt: %v", err)
	}
	if a.State != StateFailed || a.Outcome != "fatal" || a.LastError != "boom" || a.FinishedAt.IsZero() {
		t.Errorf("attempt = %+v", a)
	}
}

// --- Delivery ---

func TestAcquireAudioOnce(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.EnsureDeliveryRecord(ctx, "a1", "t1"); err != nil {
		t.Fatalf("EnsureDeliveryRecord: %v", err)
	}
	if err := s.EnsureDeliveryRecord(ctx, "a1", "t1"); err != nil {
		t.Fatalf("EnsureDeliveryRecord again: %v", err)
	}

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if ok, err := s.AcquireAudio(ctx, "a1"); err == nil && ok {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	if wins.Load() != 1 {
		t.Errorf("audio semaphore acquired %d times, want 1", wins.Load())
	}

	if err := s.RecordTextSend(ctx, "a1", SendSent); err != nil {
		t.Fatalf("RecordTextSend: %v", err)
	}
	if err := s.RecordTextSend(ctx, "a1", SendSent); err != nil {
		t.Fatalf("RecordTextSend: %v", err)
	}
	rec, err := s.GetDeliveryRecord(ctx, "a1")
	if err != nil {
		t.Fatalf("GetDeliveryRecord: %v", err)
	}
	if !rec.AudioSent || rec.TextSends != 2 || rec.TextStatus != SendSent {
		t.Errorf("record = %+v", rec)
	}
}

func TestAuditFilterByAttempt(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for i, attempt := range []string{"a1", "a1", "a2"} {
		e := AuditEntry{ID: string(rune('x' + i)), TenantID: "t1", AttemptID: attempt, Event: "delivery", Channel: "text", Status: SendSent}
		if err := s.AppendAudit(ctx, e); err != nil {
			t.Fatalf("AppendAudit: %v", err)
		}
	}

	got, err := s.ListAudit(ctx, "t1", "a1", 0)
	if err != nil {
		t.Fatalf("ListAudit: %v", err)
	}
	if len(got) != 2 {
		t.Errorf("audit entries for a1 = %d, want 2", len(got))
	}
	all, _ := s.ListAudit(ctx, "t1", "", 0)
	if len(all) != 3 {
		t.Errorf("audit entries = %d, want 3", len(all))
	}
}

// --- Sessions ---

func TestSessionReplace(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if _, err := s.GetSession(ctx, "t1", "c1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("GetSession before put err = %v", err)
	}
	if err := s.PutSession(ctx, SessionSummary{TenantID: "t1", ContactID: "c1", Bullets: []string{"a", "b"}, LastIntent: "pricing"}); err != nil {
		t.Fatalf("PutSession: %v", err)
	}
	if err := s.PutSession(ctx, SessionSummary{TenantID: "t1", ContactID: "c1", Bullets: []string{"c"}, LastIntent: "faq"}); err != nil {
		t.Fatalf("PutSession replace: %v", err)
	}
	got, err := s.GetSession(ctx, "t1", "c1")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if len(got.Bullets) != 1 || got.Bullets[0] != "c" || got.LastIntent != "faq" {
		t.Errorf("session = %+v", got)
	}
}

// --- Jobs ---

func TestEnqueueJobDeduplicates(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	ok, err := s.EnqueueJob(ctx, Job{ID: "j1", Type: "inbound", PayloadJSON: `{}`})
	if err != nil || !ok {
		t.Fatalf("EnqueueJob = %v, %v", ok, err)
	}
	ok, err = s.EnqueueJob(ctx, Job{ID: "j1", Type: "inbound", PayloadJSON: `{"other":1}`})
	if err != nil {
		t.Fatalf("EnqueueJob again: %v", err)
	}
	if ok {
		t.Error("duplicate EnqueueJob reported enqueued")
	}
}

func TestEnqueueAndClaimJob(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if _, err := s.EnqueueJob(ctx, Job{ID: "j-claim-1", Type: "inbound", PayloadJSON: `{"doc":"d1"}`}); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}

	got, err := s.ClaimNextJob(ctx, []string{"inbound"}, time.Minute)
	if err != nil {
		t.Fatalf("ClaimNextJob: %v", err)
	}
	if got == nil {
		t.Fatal("ClaimNextJob returned nil")
	}
	if got.ID != "j-claim-1" || got.Status != JobRunning || got.MaxAttempts != 5 {
		t.Errorf("claimed = %+v", got)
	}
	if got.LeaseUntil.IsZero() {
		t.Error("LeaseUntil not set")
	}

	again, err := s.ClaimNextJob(ctx, []string{"inbound"}, time.Minute)
	if err != nil {
		t.Fatalf("ClaimNextJob again: %v", err)
	}
	if again != nil {
		t.Errorf("leased job claimed twice: %+v", again)
	}
}

func TestClaimNextJob_ExpiredLeaseRedelivers(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	now := time.Now()
	s.SetClock(func() time.Time { return now })

	if _, err := s.EnqueueJob(ctx, Job{ID: "j1", Type: "inbound", PayloadJSON: `{}`}); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}
	if _, err := s.ClaimNextJob(ctx, []string{"inbound"}, time.Minute); err != nil {
		t.Fatalf("ClaimNextJob: %v", err)
	}

	now = now.Add(2 * time.Minute)
	got, err := s.ClaimNextJob(ctx, []string{"inbound"}, time.Minute)
	if err != nil {
		t.Fatalf("ClaimNextJob after lease: %v", err)
	}
	if got == nil || got.ID != "j1" {
		t.Fatalf("expected redelivery of j1, got %+v", got)
	}
}

func TestClaimNextJob_RespectRunAfter(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	job := Job{ID: "j-future", Type: "inbound", PayloadJSON: `{}`, RunAfter: time.Now().Add(time.Hour)}
	if _, err := s.EnqueueJob(ctx, job); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}
	got, err := s.ClaimNextJob(ctx, []string{"inbound"}, time.Minute)
	if err != nil {
		t.Fatalf("ClaimNextJob: %v", err)
	}
	if got != nil {
		t.Errorf("expected nil for future run_after, got %+v", got)
	}
}

func TestFailJob_BackoffThenExhausted(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if _, err := s.EnqueueJob(ctx, Job{ID: "j1", Type: "inbound", PayloadJSON: `{}`, MaxAttempts: 2}); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}

	before := time.Now()
	exhausted, err := s.FailJob(ctx, "j1", "503 from worker")
	if err != nil {
		t.Fatalf("FailJob: %v", err)
	}
	if exhausted {
		t.Fatal("exhausted after first failure")
	}
	job, err := s.GetJob(ctx, "j1")
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if job.Status != JobPending || job.Attempts != 1 || job.LastError != "503 from worker" {
		t.Errorf("job = %+v", job)
	}
	if !job.RunAfter.After(before) {
		t.Errorf("run_after %v should be after %v", job.RunAfter, before)
	}

	exhausted, err = s.FailJob(ctx, "j1", "503 again")
	if err != nil {
		t.Fatalf("FailJob: %v", err)
	}
	if !exhausted {
		t.Error("expected exhausted after max attempts")
	}
	job, _ = s.GetJob(ctx, "j1")
	if job.Status != JobFailed {
		t.Errorf("status = %q, want %q", job.Status, JobFailed)
	}
}

func TestCompleteJob(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if _, err := s.EnqueueJob(ctx, Job{ID: "j1", Type: "inbound", PayloadJSON: `{}`}); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}
	if err := s.CompleteJob(ctx, "j1"); err != nil {
		t.Fatalf("CompleteJob: %v", err)
	}
	if err := s.CompleteJob(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("CompleteJob(missing) err = %v, want ErrNotFound", err)
	}
}

func TestTruncateErrorRuneBoundary(t *testing.T) {
	msg := strings.Repeat("a", maxErrorBytes-1) + "ção falhou"
	got := truncateError(msg)
	if !utf8.ValidString(got) {
		t.Fatalf("truncated error is not valid UTF-8: %q", got[len(got)-4:])
	}
	if len(got) != maxErrorBytes-1 {
		t.Errorf("len = %d, want %d", len(got), maxErrorBytes-1)
	}

	if got := truncateError("  erro \xc3 no provedor "); got != "erro  no provedor" {
		t.Errorf("truncateError(invalid) = %q", got)
	}
	if got := truncateError("curto"); got != "curto" {
		t.Errorf("truncateError(short) = %q", got)
	}
}

func TestFailJobStoresValidUTF8(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	if _, err := s.EnqueueJob(ctx, Job{ID: "j1", Type: "inbound", PayloadJSON: "{}", MaxAttempts: 1}); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}
	if _, err := s.FailJob(ctx, "j1", strings.Repeat("é", 400)); err != nil {
		t.Fatalf("FailJob: %v", err)
	}
	j, err := s.GetJob(ctx, "j1")
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if !utf8.ValidString(j.LastError) || len(j.LastError) > maxErrorBytes {
		t.Errorf("last_error len %d, valid %v", len(j.LastError), utf8.ValidString(j.LastError))
	}
}
