package remote

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassification(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		transient bool
		permanent bool
	}{
		{name: "nil", err: nil},
		{name: "unavailable", err: fmt.Errorf("push: %w", ErrUnavailable), transient: true},
		{name: "deadline", err: fmt.Errorf("push: %w", context.DeadlineExceeded), transient: true},
		{name: "net", err: &net.OpError{Op: "dial", Err: errors.New("refused")}, transient: true},
		{name: "rejected", err: fmt.Errorf("push: %w", reject(CodeInvalid, "bad")), permanent: true},
		{name: "unauthorized", err: ErrUnauthorized},
		{name: "canceled", err: context.Canceled},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.transient, IsTransient(tt.err))
			assert.Equal(t, tt.permanent, IsPermanent(tt.err))
		})
	}
}

func TestRejectedErrorMessage(t *testing.T) {
	err := reject(CodeConflict, "stale version %d", 3)
	assert.EqualError(t, err, "rejected (conflict): stale version 3")
}
