package apperr

import (
	"net/http"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func TestCodeOf(t *testing.T) {
	require.Equal(t, CodeInvalidArgument, CodeOf(ErrEmptyBody))
	require.Equal(t, CodeInsufficientFunds, CodeOf(errors.Wrap(ErrInsufficientFunds, "gate.Unlock")))
	require.Equal(t, CodeTransientIO, CodeOf(errors.WithMessage(TransientIO("storing message", errors.New("timeout")), "router.Send")))
	require.Equal(t, CodeInternal, CodeOf(errors.New("boom")))
}

func TestWrapKeepsCause(t *testing.T) {
	cause := errors.New("connection reset")
	err := TransientIO("storing message", cause)

	require.True(t, errors.Is(err, cause))
	require.Equal(t, CodeTransientIO, CodeOf(err))
	require.Equal(t, "storing message: connection reset", err.Error())
	require.Equal(t, "storing message", MessageOf(err))
}

func TestMessageOfHidesUnknownErrors(t *testing.T) {
	require.Equal(t, "Internal Server Error", MessageOf(errors.New("pq: password authentication failed")))
}

func TestHTTPStatus(t *testing.T) {
	cases := map[Code]int{
		CodeInvalidArgument:   http.StatusBadRequest,
		CodeUnauthenticated:   http.StatusUnauthorized,
		CodePermissionDenied:  http.StatusForbidden,
		CodeInsufficientFunds: http.StatusPaymentRequired,
		CodeNotFound:          http.StatusNotFound,
		CodeRateLimited:       http.StatusTooManyRequests,
		CodeTransientIO:       http.StatusServiceUnavailable,
		CodeInternal:          http.StatusInternalServerError,
	}
	for code, status := range cases {
		require.Equal(t, status, HTTPStatus(code), string(code))
	}
}
