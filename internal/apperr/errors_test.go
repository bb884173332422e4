package apperr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"nil", nil, ""},
		{"validation", Validation("bad"), KindValidation},
		{"wrapped not found", fmt.Errorf("load: %w", NotFound("order %d not found", 7)), KindNotFound},
		{"plain error", errors.New("connection refused"), KindInfra},
		{"infra", Infra(errors.New("boom")), KindInfra},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, KindOf(tt.err))
		})
	}
}

func TestIsMatchesKindSentinel(t *testing.T) {
	err := fmt.Errorf("reserve: %w", InsufficientStock("insufficient stock for %s", "Coke"))

	assert.True(t, errors.Is(err, ErrInsufficientStock))
	assert.False(t, errors.Is(err, ErrNotFound))
}

func TestMessageHidesInfraDetails(t *testing.T) {
	assert.Equal(t, "order 3 not found", Message(NotFound("order %d not found", 3)))
	assert.Equal(t, "internal server error", Message(errors.New("pq: password authentication failed")))
	assert.Equal(t, "internal server error", Message(Infra(errors.New("dial tcp: refused"))))
}
