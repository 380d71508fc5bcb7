package task

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTimeoutSupervisor_FiresAfterBudget(t *testing.T) {
	t.Parallel()

	s := newTimeoutSupervisor()
	id := uuid.New()
	fired := make(chan struct{})

	s.start(id, 20*time.Millisecond, func() { close(fired) })

	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("timeout never fired")
	}
}

func TestTimeoutSupervisor_StopDisarms(t *testing.T) {
	t.Parallel()

	s := newTimeoutSupervisor()
	id := uuid.New()
	var fired atomic.Bool

	s.start(id, 30*time.Millisecond, func() { fired.Store(true) })
	s.stop(id)

	time.Sleep(80 * time.Millisecond)
	assert.False(t, fired.Load(), "stopped timer must not fire")
}

func TestTimeoutSupervisor_StopIsIdempotent(t *testing.T) {
	t.Parallel()

	s := newTimeoutSupervisor()
	id := uuid.New()

	s.start(id, time.Minute, func() {})
	s.stop(id)
	s.stop(id)
	s.stop(uuid.New())
}

func TestTimeoutSupervisor_DoubleStartIsNoOp(t *testing.T) {
	t.Parallel()

	s := newTimeoutSupervisor()
	id := uuid.New()
	var count atomic.Int32

	s.start(id, 20*time.Millisecond, func() { count.Add(1) })
	s.start(id, 20*time.Millisecond, func() { count.Add(1) })

	require.Eventually(t, func() bool { return count.Load() > 0 }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), count.Load(), "only the first arm may fire")
}
