package api

import (
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fluidmcp/fluidmcp/pkg/fluiderr"
)

func TestMapError(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantKind   string
	}{
		{"not found", fluiderr.E(fluiderr.KindNotFound, "no such server"), http.StatusNotFound, "not_found"},
		{"capability mismatch", fluiderr.E(fluiderr.KindCapabilityMismatch, "text only"), http.StatusBadRequest, "capability_mismatch"},
		{"not implemented", fluiderr.E(fluiderr.KindNotImplemented, "no streaming"), http.StatusNotImplemented, "not_implemented"},
		{"auth", fluiderr.E(fluiderr.KindAuthError, "bad key"), http.StatusUnauthorized, "auth_error"},
		{"rate limited", fluiderr.E(fluiderr.KindRateLimited, "slow down"), http.StatusTooManyRequests, "rate_limited"},
		{"client error keeps upstream status", fluiderr.E(fluiderr.KindClientError, "bad input").WithStatus(422), http.StatusUnprocessableEntity, "client_error"},
		{"client error without status", fluiderr.E(fluiderr.KindClientError, "bad input"), http.StatusBadRequest, "client_error"},
		{"server error", fluiderr.E(fluiderr.KindServerError, "upstream 500"), http.StatusBadGateway, "server_error"},
		{"io error", fluiderr.E(fluiderr.KindIOError, "pipe closed"), http.StatusBadGateway, "io_error"},
		{"timeout", fluiderr.E(fluiderr.KindTimeout, "deadline"), http.StatusGatewayTimeout, "timeout"},
		{"invalid state", fluiderr.E(fluiderr.KindInvalidState, "already running"), http.StatusConflict, "invalid_state"},
		{"unclassified defaults to server error", errors.New("plain"), http.StatusBadGateway, "server_error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			he := mapError(tt.err)
			assert.Equal(t, tt.wantStatus, he.Code)

			body, ok := he.Message.(ErrorBody)
			require.True(t, ok)
			assert.Equal(t, tt.wantKind, body.ErrorKind)
		})
	}
}
