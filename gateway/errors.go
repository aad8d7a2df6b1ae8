// Copyright 2026 MarketMate
// SPDX-License-Identifier: Apache-2.0

// Package gateway is the HTTP surface of the chat gateway: authentication,
// admission, the SSE chat stream, webhook intake, health and metrics.
package gateway

import (
	"encoding/json"
	"math"
	"net/http"
	"strconv"
	"time"
)

// Machine-readable error codes, carried in the X-Error-Code header and the
// JSON body of non-streaming error responses.
const (
	CodeInvalidJSON         = "invalid_json"
	CodeInvalidRequest      = "invalid_request"
	CodeUnauthorized        = "unauthorized"
	CodeForbidden           = "forbidden"
	CodeMethodNotAllowed    = "method_not_allowed"
	CodePayloadTooLarge     = "payload_too_large"
	CodeUnsupportedMedia    = "unsupported_media_type"
	CodeRateLimited         = "rate_limited"
	CodeMisconfigured       = "misconfigured"
	CodeInternalError       = "internal_error"
	CodeUpstreamUnavailable = "upstream_unavailable"
)

type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// writeError emits one non-streaming error response in the fixed taxonomy.
func writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Error-Code", code)
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorBody{Error: message, Code: code})
}

// writeRateLimited emits a 429 with Retry-After in whole seconds, minimum 1.
func writeRateLimited(w http.ResponseWriter, retryAfter time.Duration) {
	w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds(retryAfter)))
	writeError(w, http.StatusTooManyRequests, CodeRateLimited,
		"Too many requests. Retry after the indicated delay.")
}

func retryAfterSeconds(retryAfter time.Duration) int {
	secs := int(math.Ceil(retryAfter.Seconds()))
	if secs < 1 {
		secs = 1
	}
	return secs
}
