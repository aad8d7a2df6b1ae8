// Copyright 2026 MarketMate
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"marketmate/gateway/llm"
	"marketmate/gateway/orchestrator"
	"marketmate/gateway/shared/config"
	"marketmate/gateway/shared/logger"
)

// TurnRunner is the slice of the orchestrator the chat handler drives.
type TurnRunner interface {
	Run(ctx context.Context, turn orchestrator.Turn) <-chan orchestrator.Event
}

// chatRequest is the POST /api/chat body.
type chatRequest struct {
	ThreadID           string        `json:"threadId"`
	Message            string        `json:"message"`
	System             string        `json:"system,omitempty"`
	ModelClass         string        `json:"modelClass,omitempty"`
	History            []chatMessage `json:"history,omitempty"`
	EstimatedToolCalls int           `json:"estimatedToolCalls,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatHandler serves the streaming chat endpoint.
type ChatHandler struct {
	auth         *Authenticator
	admission    *Admission
	orchestrator TurnRunner
	cfg          *config.Config
	log          *logger.Logger
}

// NewChatHandler wires the chat endpoint.
func NewChatHandler(auth *Authenticator, admission *Admission, orch TurnRunner, cfg *config.Config, log *logger.Logger) *ChatHandler {
	registerGatewayMetrics()
	return &ChatHandler{
		auth:         auth,
		admission:    admission,
		orchestrator: orch,
		cfg:          cfg,
		log:          log,
	}
}

func (h *ChatHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	started := time.Now()
	status := h.serve(w, r)
	httpRequests.WithLabelValues("/api/chat", strconv.Itoa(status)).Inc()
	httpDuration.WithLabelValues("/api/chat").Observe(time.Since(started).Seconds())
}

func (h *ChatHandler) serve(w http.ResponseWriter, r *http.Request) int {
	w.Header().Set("X-Gateway-Mode", h.cfg.GatewayMode)
	w.Header().Set("X-Admission-Mode", string(h.cfg.Admission.Mode))

	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, CodeMethodNotAllowed, "Use POST.")
		return http.StatusMethodNotAllowed
	}

	principal, err := h.auth.Authenticate(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, CodeUnauthorized, "Authentication required.")
		return http.StatusUnauthorized
	}
	// Chat is tenant-scoped; tokens without a tenant claim belong to internal
	// tooling and may not stream turns.
	if principal.TenantID == "" {
		writeError(w, http.StatusForbidden, CodeForbidden, "The token is not authorized for chat.")
		return http.StatusForbidden
	}

	if mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type")); err != nil || mediaType != "application/json" {
		writeError(w, http.StatusUnsupportedMediaType, CodeUnsupportedMedia, "Send application/json.")
		return http.StatusUnsupportedMediaType
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.cfg.MaxBodyBytes)
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, CodePayloadTooLarge,
				fmt.Sprintf("Request body exceeds %d bytes.", h.cfg.MaxBodyBytes))
			return http.StatusRequestEntityTooLarge
		}
		writeError(w, http.StatusBadRequest, CodeInvalidJSON, "Request body is not valid JSON.")
		return http.StatusBadRequest
	}
	if req.ThreadID == "" || req.Message == "" {
		writeError(w, http.StatusBadRequest, CodeInvalidRequest, "threadId and message are required.")
		return http.StatusBadRequest
	}
	if req.ModelClass == "" {
		req.ModelClass = "chat"
	}

	requestID := uuid.New().String()

	ticket, decision, err := h.admission.CheckAndAcquire(r.Context(), principal, req.EstimatedToolCalls)
	if err != nil {
		h.log.ErrorWithErr(requestID, "admission check failed", err, nil)
		writeError(w, http.StatusInternalServerError, CodeInternalError, "The request could not be admitted.")
		return http.StatusInternalServerError
	}
	if !decision.Allowed {
		writeRateLimited(w, decision.RetryAfter)
		return http.StatusTooManyRequests
	}
	defer ticket.Release()

	if decision.WouldBlock {
		h.log.Warn(requestID, "shadow admission would block", map[string]interface{}{
			"principal": principal.Key(),
			"reason":    decision.Reason,
		})
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, CodeMisconfigured, "Streaming is not supported by the server.")
		return http.StatusInternalServerError
	}

	turn := orchestrator.Turn{
		ThreadID:   req.ThreadID,
		RequestID:  requestID,
		ModelClass: req.ModelClass,
		System:     req.System,
		Messages:   buildMessages(req),
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for event := range h.orchestrator.Run(r.Context(), turn) {
		data, err := json.Marshal(event)
		if err != nil {
			h.log.ErrorWithErr(requestID, "event encoding failed", err, nil)
			continue
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
			// Client went away; the orchestrator sees the context cancel.
			return http.StatusOK
		}
		flusher.Flush()
	}
	return http.StatusOK
}

// buildMessages flattens optional prior history plus the new user message.
func buildMessages(req chatRequest) []llm.Message {
	messages := make([]llm.Message, 0, len(req.History)+1)
	for _, m := range req.History {
		role := m.Role
		if role != llm.RoleAssistant {
			role = llm.RoleUser
		}
		messages = append(messages, llm.Message{Role: role, Content: m.Content})
	}
	return append(messages, llm.Message{Role: llm.RoleUser, Content: req.Message})
}
