package apperr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassification(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		transport  bool
		validation bool
		conflict   bool
		notFound   bool
	}{
		{
			name:      "transport",
			err:       Transport("de-1", "add secret", errors.New("connection refused")),
			transport: true,
		},
		{
			name:       "validation wrapped",
			err:        fmt.Errorf("update workers: %w", Validation("workers", "must be between %d and %d", 1, 16)),
			validation: true,
		},
		{
			name:     "conflict",
			err:      Conflict("socks5 account", "alice"),
			conflict: true,
		},
		{
			name:     "not found wrapped twice",
			err:      fmt.Errorf("outer: %w", fmt.Errorf("inner: %w", NotFound("node", "7"))),
			notFound: true,
		},
		{
			name: "plain error",
			err:  errors.New("boom"),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.transport, IsTransport(tt.err))
			assert.Equal(t, tt.validation, IsValidation(tt.err))
			assert.Equal(t, tt.conflict, IsConflict(tt.err))
			assert.Equal(t, tt.notFound, IsNotFound(tt.err))
		})
	}
}

func TestMessages(t *testing.T) {
	assert.Equal(t, "node de-1: health: timeout", Transport("de-1", "health", errors.New("timeout")).Error())
	assert.Equal(t, `socks5 account "bob" already exists`, Conflict("socks5 account", "bob").Error())
	assert.Equal(t, "validation: workers: too many", Validation("workers", "too many").Error())
	assert.Equal(t, "subscription not found", NotFound("subscription", "").Error())
}
