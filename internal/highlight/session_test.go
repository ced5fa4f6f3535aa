package highlight

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/goleak"
	"go.uber.org/zap"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestSessionCoalescesReentrantTriggers(t *testing.T) {
	var runs atomic.Int32
	var s *Session
	s = NewSession(func() {
		if runs.Add(1) == 1 {
			// Mutations made by the pass itself fire the observer again.
			assert.False(t, s.Trigger())
			assert.False(t, s.Trigger())
		}
	}, 5*time.Millisecond, zap.NewNop())

	assert.True(t, s.Trigger())
	assert.Eventually(t, func() bool { return runs.Load() == 2 && !s.Busy() }, time.Second, time.Millisecond)
	s.Close()
	assert.Equal(t, int32(2), runs.Load())
}

func TestSessionStaysBusyWhileSettling(t *testing.T) {
	var runs atomic.Int32
	s := NewSession(func() { runs.Add(1) }, 50*time.Millisecond, nil)

	assert.True(t, s.Trigger())
	assert.True(t, s.Busy())
	assert.False(t, s.Trigger())
	s.Close()

	// The pending retry is dropped once the session is closed.
	assert.Equal(t, int32(1), runs.Load())
	assert.False(t, s.Busy())
	assert.False(t, s.Trigger())
}

func TestSessionRunsAgainAfterSettling(t *testing.T) {
	var runs atomic.Int32
	s := NewSession(func() { runs.Add(1) }, time.Millisecond, nil)
	defer s.Close()

	assert.True(t, s.Trigger())
	assert.Eventually(t, func() bool { return !s.Busy() }, time.Second, time.Millisecond)
	assert.True(t, s.Trigger())
	assert.Equal(t, int32(2), runs.Load())
}

func TestSessionRecoversFromPanics(t *testing.T) {
	s := NewSession(func() { panic("pass failed") }, time.Millisecond, nil)
	assert.True(t, s.Trigger())
	s.Close()
	assert.False(t, s.Busy())
}

func TestSessionDefaultSettle(t *testing.T) {
	s := NewSession(func() {}, 0, nil)
	assert.Equal(t, DefaultSettle, s.settle)
}
