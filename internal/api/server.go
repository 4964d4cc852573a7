package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/kalambet/meirobo/internal/blob"
	"github.com/kalambet/meirobo/internal/config"
	"github.com/kalambet/meirobo/internal/corpus"
	"github.com/kalambet/meirobo/internal/dedup"
	"github.com/kalambet/meirobo/internal/dispatch"
	"github.com/kalambet/meirobo/internal/pipeline"
	"github.com/kalambet/meirobo/internal/profile"
	"github.com/kalambet/meirobo/internal/quota"
	"github.com/kalambet/meirobo/internal/retrieval"
)

const maxRequestBodySize = 1 << 20 // 1MB

// TaskProcessor runs a queued job to a terminal state.
type TaskProcessor interface {
	Process(ctx context.Context, job dispatch.Job) (pipeline.Outcome, error)
}

// TenantResolver maps a business number to its tenant.
type TenantResolver interface {
	Resolve(number string) (string, bool)
}

// Querier answers questions from a tenant's acervo.
type Querier interface {
	Query(ctx context.Context, tenantID, question string, maxTokens int) (retrieval.Result, error)
}

// Deps are the collaborators of the HTTP surface. Blobs may be a
// *blob.LocalStore, in which case /blob/* serves its signed URLs.
type Deps struct {
	Config     config.Config
	Gate       *dedup.Gate
	Dispatcher dispatch.Dispatcher
	Tasks      TaskProcessor
	Tenants    TenantResolver
	Status     TenantStatus
	Corpus     *corpus.Index
	Retrieval  Querier
	Quota      *quota.Ledger
	Profiles   *profile.Manager
	Blobs      blob.Store
	Logger     *slog.Logger
}

// NewHandler returns the service's HTTP handler.
func NewHandler(deps Deps) http.Handler {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	cfg := deps.Config

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(AuthorityGate(cfg.Auth.AuthorityGate, cfg.Auth.RestrictedPath, deps.Status))

	r.Get("/health", handleHealth)

	r.Route("/integration/webhook", func(r chi.Router) {
		r.Use(WebhookSignature(cfg.Webhook.SigningSecret, deps.Logger))
		r.Get("/", handleWebhookVerify(cfg.Webhook.VerifyToken))
		r.Post("/", handleWebhook(deps))
	})

	r.Route("/tasks/inbound", func(r chi.Router) {
		r.Use(SharedSecret(cfg.Dispatch.TasksSecret, dispatch.SecretHeader, dispatch.LegacySecretHeader))
		r.Get("/", handleHealth)
		r.Post("/", handleTask(deps))
	})

	r.Route("/v1/tenants/{tenant}", func(r chi.Router) {
		r.Use(TenantAuth([]byte(cfg.Auth.JWTSecret)))
		r.Get("/acervo", handleListAcervo(deps))
		r.Post("/acervo", handleAddFreeform(deps))
		r.Post("/acervo/upload", handleUpload(deps))
		r.Post("/acervo/upload-url", handleUploadURL(deps))
		r.Post("/acervo/import", handleImport(deps))
		r.Post("/acervo/query", handleQuery(deps))
		r.Patch("/acervo/{id}", handlePatchEntry(deps))
		r.Post("/acervo/{id}/reindex", handleReindex(deps))
		r.Delete("/acervo/{id}", handleDeleteEntry(deps))
		r.Get("/quota", handleQuota(deps))
		r.Get("/profile", handleGetProfile(deps))
		r.Put("/profile", handlePutProfile(deps))
	})

	if local, ok := deps.Blobs.(*blob.LocalStore); ok {
		r.Get("/blob/*", handleBlobGet(local))
		r.Put("/blob/*", handleBlobPut(local))
	}

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}
