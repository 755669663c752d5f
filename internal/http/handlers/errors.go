// Package handlers defines HTTP-layer error codes used across all endpoints.
//
// These codes give clients a stable, machine-readable error taxonomy that
// supplements human-readable messages. Codes are lowercase snake_case; generic
// ones mirror HTTP status semantics, domain ones name the failed operation.
//
// Example response:
//
//	{
//	  "request_id": "e1b9be03-4999-4289-9f03-999b042d65d6",
//	  "code": "not_found",
//	  "message": "dialog not found"
//	}
package handlers

const (
	ErrCodeBadRequest       = "bad_request"
	ErrCodeUnauthorized     = "unauthorized"
	ErrCodeNotFound         = "not_found"
	ErrCodeRateLimited      = "too_many_requests"
	ErrCodeInternal         = "internal_error"
	ErrCodeUnavailable      = "service_unavailable"
	ErrCodeMethodNotAllowed = "method_not_allowed"

	// Domain-specific:
	ErrCodeLookupFailed = "lookup_failed"
	ErrCodeListFailed   = "list_failed"
)
