// Copyright 2026 MarketMate
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"context"
	"net/http"
	"time"

	"github.com/go-redis/redis/v8"

	"marketmate/gateway/shared/config"
)

type healthBody struct {
	Status      string          `json:"status"`
	GatewayMode string          `json:"gatewayMode"`
	Admission   healthAdmission `json:"admission"`
	Checks      map[string]bool `json:"checks"`
}

type healthAdmission struct {
	Mode       string `json:"mode"`
	FailClosed bool   `json:"failClosed"`
}

// HealthHandler reports whether the chat path's hard dependencies are
// satisfied: a provider credential must be present, and the admission store
// must be reachable when admission fails closed.
type HealthHandler struct {
	cfg    *config.Config
	client *redis.Client
}

// NewHealthHandler wires the health endpoint. A nil client means the
// in-process admission fallback, which is always reachable.
func NewHealthHandler(cfg *config.Config, client *redis.Client) *HealthHandler {
	return &HealthHandler{cfg: cfg, client: client}
}

func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, CodeMethodNotAllowed, "Use GET.")
		return
	}

	checks := map[string]bool{
		"providerKey":    h.cfg.HasProviderKey(),
		"admissionStore": h.admissionStoreReachable(r),
	}

	status := http.StatusOK
	label := "ok"
	for _, ok := range checks {
		if !ok {
			status = http.StatusServiceUnavailable
			label = "unavailable"
			break
		}
	}

	writeJSON(w, status, healthBody{
		Status:      label,
		GatewayMode: h.cfg.GatewayMode,
		Admission: healthAdmission{
			Mode:       string(h.cfg.Admission.Mode),
			FailClosed: h.cfg.Admission.FailClosedOnError,
		},
		Checks: checks,
	})
}

// admissionStoreReachable pings the shared store only when a dead store
// would deny traffic, which is the fail-closed case.
func (h *HealthHandler) admissionStoreReachable(r *http.Request) bool {
	if h.client == nil || !h.cfg.Admission.FailClosedOnError {
		return true
	}
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	return h.client.Ping(ctx).Err() == nil
}
