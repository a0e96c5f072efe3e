package api

import (
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/fluidmcp/fluidmcp/pkg/fluiderr"
)

// ErrorBody is the JSON error shape returned on every failed request, and the
// final data frame of a failed SSE stream.
type ErrorBody struct {
	ErrorKind string `json:"error_kind"`
	Message   string `json:"message"`
}

// mapError is the single translation from classified errors to HTTP
// responses. Components below the API never choose status codes.
func mapError(err error) *echo.HTTPError {
	kind := fluiderr.KindOf(err)

	var status int
	switch kind {
	case fluiderr.KindNotFound:
		status = http.StatusNotFound
	case fluiderr.KindCapabilityMismatch:
		status = http.StatusBadRequest
	case fluiderr.KindNotImplemented:
		status = http.StatusNotImplemented
	case fluiderr.KindAuthError:
		status = http.StatusUnauthorized
	case fluiderr.KindRateLimited:
		status = http.StatusTooManyRequests
	case fluiderr.KindClientError:
		// Non-retryable provider 4xx keeps the upstream status.
		status = fluiderr.StatusOf(err)
		if status < 400 || status >= 500 {
			status = http.StatusBadRequest
		}
	case fluiderr.KindServerError, fluiderr.KindIOError:
		status = http.StatusBadGateway
	case fluiderr.KindTimeout:
		status = http.StatusGatewayTimeout
	case fluiderr.KindInvalidState:
		status = http.StatusConflict
	default:
		status = http.StatusInternalServerError
	}

	return echo.NewHTTPError(status, ErrorBody{
		ErrorKind: string(kind),
		Message:   err.Error(),
	})
}
