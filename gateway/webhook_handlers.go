// Copyright 2026 MarketMate
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"marketmate/gateway/orchestrator"
	"marketmate/gateway/reliability/idempotency"
	"marketmate/gateway/shared/logger"
)

// claimTTL covers the producers' redelivery horizon. Gmail and WhatsApp both
// redeliver for well under a day.
const claimTTL = 24 * time.Hour

// webhookRequest is the common envelope both webhook sources post. The
// payload is opaque to the gateway; only the message id matters here.
type webhookRequest struct {
	MessageID string          `json:"messageId"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// WebhookHandler suppresses webhook replays via the idempotency store and
// schedules fresh deliveries onto the job queue.
type WebhookHandler struct {
	source string
	claims *idempotency.Store
	queue  orchestrator.JobQueue
	log    *logger.Logger
}

// NewWebhookHandler wires one webhook source ("gmail", "whatsapp").
func NewWebhookHandler(source string, claims *idempotency.Store, queue orchestrator.JobQueue, log *logger.Logger) *WebhookHandler {
	registerGatewayMetrics()
	return &WebhookHandler{source: source, claims: claims, queue: queue, log: log}
}

func (h *WebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	started := time.Now()
	route := "/api/webhooks/" + h.source
	status := h.serve(w, r)
	httpRequests.WithLabelValues(route, strconv.Itoa(status)).Inc()
	httpDuration.WithLabelValues(route).Observe(time.Since(started).Seconds())
}

func (h *WebhookHandler) serve(w http.ResponseWriter, r *http.Request) int {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, CodeMethodNotAllowed, "Use POST.")
		return http.StatusMethodNotAllowed
	}

	var req webhookRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, CodeInvalidJSON, "Request body is not valid JSON.")
		return http.StatusBadRequest
	}
	if req.MessageID == "" {
		writeError(w, http.StatusBadRequest, CodeInvalidRequest, "messageId is required.")
		return http.StatusBadRequest
	}

	// The claim is the sole defense against at-least-once delivery: it must
	// land before any work is scheduled.
	claim, err := h.claims.Claim(r.Context(), h.source, req.MessageID, claimTTL)
	if err != nil {
		h.log.ErrorWithErr("", "webhook idempotency claim failed", err, map[string]interface{}{
			"source":     h.source,
			"message_id": req.MessageID,
		})
		writeError(w, http.StatusInternalServerError, CodeInternalError, "The delivery could not be recorded.")
		return http.StatusInternalServerError
	}
	if claim.Duplicate {
		webhookClaims.WithLabelValues(h.source, "replay").Inc()
		writeJSON(w, http.StatusOK, map[string]string{"status": "replay"})
		return http.StatusOK
	}

	result, err := h.queue.Execute(r.Context(), "webhook_"+h.source, string(mustJSON(req)))
	if err != nil {
		h.log.ErrorWithErr("", "webhook scheduling failed", err, map[string]interface{}{
			"source":     h.source,
			"message_id": req.MessageID,
		})
		h.releaseClaim(r, req.MessageID)
		writeError(w, http.StatusInternalServerError, CodeInternalError, "The delivery could not be scheduled.")
		return http.StatusInternalServerError
	}

	// Anything short of a scheduled job must surface as an error and free the
	// claim, or the producer's redelivery would be swallowed as a replay.
	switch result.Outcome {
	case orchestrator.JobBackpressure:
		webhookClaims.WithLabelValues(h.source, "backpressure").Inc()
		h.releaseClaim(r, req.MessageID)
		w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds(result.RetryAfter)))
		writeError(w, http.StatusServiceUnavailable, CodeUpstreamUnavailable, "The delivery queue is saturated. Retry after the indicated delay.")
		return http.StatusServiceUnavailable

	case orchestrator.JobFailed:
		h.log.Warn("", "webhook job rejected", map[string]interface{}{
			"source":     h.source,
			"message_id": req.MessageID,
			"reason":     result.Reason,
		})
		webhookClaims.WithLabelValues(h.source, "failed").Inc()
		h.releaseClaim(r, req.MessageID)
		writeError(w, http.StatusServiceUnavailable, CodeUpstreamUnavailable, "The delivery could not be scheduled.")
		return http.StatusServiceUnavailable
	}

	webhookClaims.WithLabelValues(h.source, "accepted").Inc()
	writeJSON(w, http.StatusOK, map[string]string{"status": "accepted"})
	return http.StatusOK
}

// releaseClaim frees the idempotency claim after a scheduling failure.
// Release errors are logged, not surfaced.
func (h *WebhookHandler) releaseClaim(r *http.Request, messageID string) {
	if err := h.claims.Release(r.Context(), h.source, messageID); err != nil {
		h.log.ErrorWithErr("", "webhook claim release failed", err, map[string]interface{}{
			"source":     h.source,
			"message_id": messageID,
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func mustJSON(v interface{}) []byte {
	data, _ := json.Marshal(v)
	return data
}
