package http

import (
	"context"
	"errors"
	"net/http"

	checkout "github.com/chipcasher/checkout"
)

// ErrorResponse is the JSON body of every non-2xx response
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// HTTPStatus maps an engine error to a response status
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK

	case errors.Is(err, checkout.ErrReferenceReused):
		return http.StatusConflict

	case checkout.IsValidation(err):
		return http.StatusBadRequest

	// Ledger failures stay 500 even when the RPC call itself timed out
	case checkout.IsCapability(err):
		return http.StatusInternalServerError

	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout

	default:
		return http.StatusInternalServerError
	}
}

// errorResponse renders err for the caller. Validation and capability errors carry a
// human readable message; anything else is reported generically.
func errorResponse(err error) ErrorResponse {
	var ce *checkout.CheckoutError
	if errors.As(err, &ce) {
		return ErrorResponse{Error: ce.Message, Code: ce.Code}
	}
	return ErrorResponse{Error: "internal error"}
}
