package api

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/kalambet/meirobo/internal/channel"
	"github.com/kalambet/meirobo/internal/dedup"
	"github.com/kalambet/meirobo/internal/dispatch"
	"github.com/kalambet/meirobo/internal/pipeline"
)

// handleWebhookVerify answers the subscription handshake.
func handleWebhookVerify(token string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("hub.mode") != "subscribe" || token == "" ||
			subtle.ConstantTimeCompare([]byte(q.Get("hub.verify_token")), []byte(token)) != 1 {
			httpError(w, http.StatusForbidden, "permission_error", "verification failed")
			return
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		io.WriteString(w, q.Get("hub.challenge"))
	}
}

// handleWebhook admits an inbound event and dispatches it. The response
// is 200 once the event is dispatched or known to be a duplicate,
// whatever happens downstream.
func handleWebhook(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBodySize))
		if err != nil {
			httpError(w, http.StatusRequestEntityTooLarge, "invalid_request_error", "reading body: %v", err)
			return
		}

		var job dispatch.Job
		if channel.IsProviderEnvelope(body) {
			j, ok := providerJob(deps, w, body)
			if !ok {
				return
			}
			job = j
		} else {
			if err := validateBody(webhookBodySchema, body); err != nil {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid event: %v", err)
				return
			}
			if err := json.Unmarshal(body, &job); err != nil {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid event: %v", err)
				return
			}
		}

		decision, err := deps.Gate.Check(r.Context(), job.EventKey)
		if errors.Is(err, dedup.ErrInvalidEventKey) {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}
		if err != nil {
			deps.Logger.Error("dedup check failed", "event_key", job.EventKey, "error", err)
			httpError(w, http.StatusServiceUnavailable, "api_error", "dedup unavailable")
			return
		}
		if decision == dedup.Duplicate {
			writeJSON(w, http.StatusOK, map[string]string{"status": "duplicate"})
			return
		}

		job.EnqueuedAt = time.Now().UTC()
		if err := deps.Dispatcher.Dispatch(r.Context(), job); err != nil {
			switch {
			case errors.Is(err, dedup.ErrInvalidEventKey), errors.Is(err, pipeline.ErrInvalidEvent):
				httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			default:
				deps.Logger.Error("dispatch failed", "event_key", job.EventKey, "mode", deps.Dispatcher.Mode(), "error", err)
				httpError(w, http.StatusServiceUnavailable, "api_error", "dispatch failed")
			}
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "accepted", "mode": deps.Dispatcher.Mode()})
	}
}

// providerJob turns a provider envelope into a job. It writes the response
// itself when the event is not processed.
func providerJob(deps Deps, w http.ResponseWriter, body []byte) (dispatch.Job, bool) {
	in, err := channel.ParseInbound(body)
	if errors.Is(err, channel.ErrIgnored) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
		return dispatch.Job{}, false
	}
	if err != nil {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid provider event: %v", err)
		return dispatch.Job{}, false
	}

	tenant, ok := "", false
	if deps.Tenants != nil {
		tenant, ok = deps.Tenants.Resolve(in.To)
	}
	if !ok {
		deps.Logger.Warn("inbound message for an unknown business number", "to", in.To, "event_key", in.EventKey)
		writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
		return dispatch.Job{}, false
	}

	payload, err := json.Marshal(pipeline.InboundEvent{
		TenantID:   tenant,
		ContactID:  in.From,
		Kind:       in.Kind,
		Text:       in.Text,
		MediaURL:   in.MediaURL,
		MediaMIME:  in.MediaMIME,
		To:         in.To,
		ReceivedAt: in.CreatedAt,
	})
	if err != nil {
		httpError(w, http.StatusInternalServerError, "api_error", "encoding event: %v", err)
		return dispatch.Job{}, false
	}
	return dispatch.Job{EventKey: in.EventKey, Payload: payload}, true
}

// handleTask is the queue worker endpoint. It answers 200 for processed,
// duplicate and rejected jobs, and 503 for infrastructure failures so the
// queue retries.
func handleTask(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBodySize))
		if err != nil {
			httpError(w, http.StatusRequestEntityTooLarge, "invalid_request_error", "reading body: %v", err)
			return
		}
		if err := validateBody(taskBodySchema, body); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid task: %v", err)
			return
		}
		var job dispatch.Job
		if err := json.Unmarshal(body, &job); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid task: %v", err)
			return
		}

		out, err := deps.Tasks.Process(r.Context(), job)
		switch {
		case errors.Is(err, dedup.ErrInvalidEventKey), errors.Is(err, pipeline.ErrInvalidEvent):
			deps.Logger.Warn("task rejected", "event_key", job.EventKey, "error", err)
			writeJSON(w, http.StatusOK, map[string]string{"status": "rejected", "error": err.Error()})
			return
		case err != nil:
			deps.Logger.Error("task processing failed", "event_key", job.EventKey, "error", err)
			httpError(w, http.StatusServiceUnavailable, "api_error", "processing failed")
			return
		}

		status := "processed"
		if out.Decision == dedup.Duplicate {
			status = "duplicate"
		}
		writeJSON(w, http.StatusOK, map[string]string{
			"status":  status,
			"attempt": out.Attempt.ID,
			"state":   out.Attempt.State,
		})
	}
}
