// Package httputil provides helpers for JSON responses, request parsing and
// the common middleware used by the admin API.
//
// Errors are written as {"error": "..."}:
//
//	httputil.WriteNotFoundError(w, "plugin not found")
//
// Handlers return early when parsing fails; the error response is already written:
//
//	var req InvokeRequest
//	if !httputil.ParseJSONOrError(w, r, &req) {
//		return
//	}
//
// Middleware composes with Chain:
//
//	handler := httputil.Chain(
//		httputil.RequestIDMiddleware,
//		httputil.LoggingMiddleware(log),
//		httputil.RecoveryMiddleware(log),
//	)(router)
package httputil
