package faults

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorMatchesSentinelByKind(t *testing.T) {
	err := New(KindUnknownTool, "registry.get", "nope", nil)
	wrapped := fmt.Errorf("authorize: %w", err)

	assert.ErrorIs(t, wrapped, ErrUnknownTool)
	assert.NotErrorIs(t, wrapped, ErrDuplicateTool)
	assert.Equal(t, KindUnknownTool, KindOf(wrapped))
}

func TestErrorString(t *testing.T) {
	err := &Error{Kind: KindToolTimeout, Op: "invoke", Subject: "bash", Attempt: 2, Err: errors.New("deadline")}
	assert.Equal(t, `invoke: ToolTimeout "bash" (attempt 2): deadline`, err.Error())
}

func TestKindOfContextErrors(t *testing.T) {
	assert.Equal(t, KindTaskCancelled, KindOf(context.Canceled))
	assert.Equal(t, KindToolTimeout, KindOf(fmt.Errorf("x: %w", context.DeadlineExceeded)))
	assert.Equal(t, KindToolFault, KindOf(errors.New("boom")))
	assert.Equal(t, Kind(""), KindOf(nil))
}

func TestRetryable(t *testing.T) {
	for _, k := range []Kind{KindToolTimeout, KindToolFault, KindModelFault} {
		assert.True(t, Retryable(k), k)
	}
	for _, k := range []Kind{KindUnknownTool, KindAuthorizationDenied, KindTaskCancelled, KindArtifactNotFound} {
		assert.False(t, Retryable(k), k)
	}

	perm := &Error{Kind: KindToolFault, Permanent: true}
	assert.False(t, IsRetryable(perm))
	assert.True(t, IsRetryable(errors.New("flaky")))
}

func TestWithAttempt(t *testing.T) {
	base := New(KindToolFault, "invoke", "bash", errors.New("exit 1"))
	stamped := WithAttempt(base, 3)

	assert.Equal(t, 3, AttemptOf(stamped))
	assert.Equal(t, 0, base.Attempt, "original must not be mutated")
	assert.Equal(t, 1, AttemptOf(WithAttempt(errors.New("raw"), 1)))
	assert.Nil(t, WithAttempt(nil, 1))
}

func TestClassifyToolError(t *testing.T) {
	tests := []struct {
		msg       string
		kind      Kind
		code      Category
		permanent bool
	}{
		{"permission denied", KindToolFault, CatPermission, true},
		{"open x: no such file or directory", KindToolFault, CatNotFound, true},
		{"invalid argument", KindToolFault, CatValidation, true},
		{"connection timed out", KindToolTimeout, CatTimeout, false},
		{"service unavailable", KindToolFault, CatTransient, false},
		{"segfault", KindToolFault, CatInternal, false},
	}
	for _, tt := range tests {
		t.Run(tt.msg, func(t *testing.T) {
			got := ClassifyToolError("tool", errors.New(tt.msg))
			require.NotNil(t, got)
			assert.Equal(t, tt.kind, got.Kind)
			assert.Equal(t, string(tt.code), got.Code)
			assert.Equal(t, tt.permanent, got.Permanent)
		})
	}

	pre := New(KindAuthorizationDenied, "gateway", "bash", nil)
	assert.Same(t, pre, ClassifyToolError("bash", pre))
	assert.Nil(t, ClassifyToolError("bash", nil))
}
