package handlers

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/Gopher0727/Cicero/internal/pkg/errs"
)

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		kind errs.Kind
		want int
	}{
		{errs.KindUnauthenticated, http.StatusUnauthorized},
		{errs.KindInvalidArgument, http.StatusBadRequest},
		{errs.KindNotFound, http.StatusNotFound},
		{errs.KindAlreadyExists, http.StatusConflict},
		{errs.KindPermissionDenied, http.StatusForbidden},
		{errs.KindDeadlineExceeded, http.StatusGatewayTimeout},
		{errs.KindUnavailable, http.StatusServiceUnavailable},
		{errs.KindInternal, http.StatusInternalServerError},
		{errs.KindDegradedState, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.kind.Code(), func(t *testing.T) {
			assert.Equal(t, tt.want, HTTPStatus(tt.kind))
		})
	}
}

func TestCallableStatus(t *testing.T) {
	assert.Equal(t, "NOT_FOUND", CallableStatus(errs.KindNotFound))
	assert.Equal(t, "INVALID_ARGUMENT", CallableStatus(errs.KindInvalidArgument))
	assert.Equal(t, "INTERNAL", CallableStatus(errs.KindInternal))
}
