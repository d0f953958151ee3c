package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStatusMapping(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{E(ErrNotFound, "device not found"), http.StatusNotFound},
		{E(ErrBadRequest, "bad"), http.StatusBadRequest},
		{E(ErrRateLimited, "slow down"), http.StatusTooManyRequests},
		{E(ErrPolicyDenied, "subscription expired"), http.StatusForbidden},
		{E(ErrCAUninitialized, "no ca"), http.StatusServiceUnavailable},
		{E(ErrUnauthorized, "nope"), http.StatusUnauthorized},
		{E(ErrConflict, "dup"), http.StatusConflict},
		{E(ErrConsistency, "desync"), http.StatusInternalServerError},
		{errors.New("boom"), http.StatusInternalServerError},
		{nil, http.StatusOK},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, Status(c.err), "%v", c.err)
	}
}

func TestWrap_KeepsBothChains(t *testing.T) {
	cause := errors.New("dial tcp: refused")
	err := fmt.Errorf("notify: %w", Wrap(ErrRemoteSync, cause, "add-peer failed"))

	assert.True(t, errors.Is(err, ErrRemoteSync))
	assert.True(t, errors.Is(err, cause))
	assert.False(t, errors.Is(err, ErrNotFound))
	assert.Equal(t, "add-peer failed", Message(err))
	assert.Contains(t, err.Error(), "dial tcp: refused")
}
