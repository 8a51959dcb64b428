package fiberd

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestTimerManager_NextTimeoutEmpty(t *testing.T) {
	m := NewTimerManager()
	_, ok := m.NextTimeout()
	require.False(t, ok)
	require.False(t, m.HasTimer())
}

func TestTimerManager_AddTimerFiresOnce(t *testing.T) {
	m := NewTimerManager()
	base := time.Unix(0, 0)
	m.nowFunc = func() time.Time { return base }

	fired := 0
	_, err := m.AddTimer(10*time.Millisecond, func() { fired++ })
	require.NoError(t, err)

	require.Empty(t, m.Expired())
	require.Equal(t, 0, fired)

	m.nowFunc = func() time.Time { return base.Add(10 * time.Millisecond) }
	cbs := m.Expired()
	require.Len(t, cbs, 1)
	cbs[0]()
	require.Equal(t, 1, fired)

	require.False(t, m.HasTimer())
}

func TestTimerManager_RecurringTimerRearms(t *testing.T) {
	m := NewTimerManager()
	base := time.Unix(0, 0)
	now := base
	m.nowFunc = func() time.Time { return now }

	fired := 0
	_, err := m.AddRecurringTimer(5*time.Millisecond, func() { fired++ })
	require.NoError(t, err)

	now = base.Add(5 * time.Millisecond)
	cbs := m.Expired()
	require.Len(t, cbs, 1)
	cbs[0]()
	require.True(t, m.HasTimer())

	now = base.Add(10 * time.Millisecond)
	cbs = m.Expired()
	require.Len(t, cbs, 1)
	cbs[0]()
	require.Equal(t, 2, fired)
}

func TestTimer_CancelBeforeFiring(t *testing.T) {
	m := NewTimerManager()
	base := time.Unix(0, 0)
	m.nowFunc = func() time.Time { return base }

	fired := false
	timer, err := m.AddTimer(time.Millisecond, func() { fired = true })
	require.NoError(t, err)

	timer.Cancel()
	timer.Cancel() // double-cancel is a no-op

	m.nowFunc = func() time.Time { return base.Add(time.Hour) }
	cbs := m.Expired()
	require.Empty(t, cbs)
	require.False(t, fired)
}

func TestTimer_RefreshExtendsDeadline(t *testing.T) {
	m := NewTimerManager()
	base := time.Unix(0, 0)
	now := base
	m.nowFunc = func() time.Time { return now }

	timer, err := m.AddTimer(10*time.Millisecond, func() {})
	require.NoError(t, err)

	now = base.Add(8 * time.Millisecond)
	timer.Refresh()

	// Refresh rebased next = now+period = 18ms from base, not yet expired
	// at what would have been the original 10ms deadline.
	now = base.Add(10 * time.Millisecond)
	require.Empty(t, m.Expired())

	now = base.Add(18 * time.Millisecond)
	require.Len(t, m.Expired(), 1)
}

func TestTimer_ResetFromNowVsPreservedPhase(t *testing.T) {
	m := NewTimerManager()
	base := time.Unix(0, 0)
	now := base
	m.nowFunc = func() time.Time { return now }

	timer, err := m.AddTimer(10*time.Millisecond, func() {})
	require.NoError(t, err)

	now = base.Add(4 * time.Millisecond)
	timer.Reset(20*time.Millisecond, false)
	// fromNow=false rebases off the original start (base), so the new
	// deadline is base+20ms regardless of when Reset was called.
	now = base.Add(19 * time.Millisecond)
	require.Empty(t, m.Expired())
	now = base.Add(20 * time.Millisecond)
	require.Len(t, m.Expired(), 1)
}

func TestTimer_ResetOnAlreadyFiredTimerIsNoop(t *testing.T) {
	m := NewTimerManager()
	base := time.Unix(0, 0)
	now := base
	m.nowFunc = func() time.Time { return now }

	timer, err := m.AddTimer(time.Millisecond, func() {})
	require.NoError(t, err)
	now = base.Add(time.Millisecond)
	m.Expired()

	require.NotPanics(t, func() { timer.Reset(time.Second, true) })
}

func TestTimerManager_ClockRollbackExpiresEverything(t *testing.T) {
	m := NewTimerManager()
	base := time.Unix(10000, 0)
	now := base
	m.nowFunc = func() time.Time { return now }

	_, err := m.AddTimer(time.Hour, func() {})
	require.NoError(t, err)
	m.Expired() // establishes previousTime

	now = base.Add(-2 * time.Hour)
	cbs := m.Expired()
	require.Len(t, cbs, 1)
}

func TestTimerManager_AddConditionalTimerSkipsIfAborted(t *testing.T) {
	m := NewTimerManager()
	base := time.Unix(0, 0)
	m.nowFunc = func() time.Time { return base }

	ctrl := NewAbortController()
	fired := false
	_, err := m.AddConditionalTimer(time.Millisecond, ctrl.Signal(), func() { fired = true })
	require.NoError(t, err)

	ctrl.Abort("cancelled")
	m.nowFunc = func() time.Time { return base.Add(time.Millisecond) }
	for _, cb := range m.Expired() {
		cb()
	}
	require.False(t, fired)
}

func TestTimerManager_OnFrontInsertedFiresOncePerFrontChange(t *testing.T) {
	m := NewTimerManager()
	var mu sync.Mutex
	count := 0
	ch := make(chan struct{}, 8)
	m.SetOnFrontInserted(func() {
		mu.Lock()
		count++
		mu.Unlock()
		ch <- struct{}{}
	})

	_, err := m.AddTimer(time.Hour, func() {})
	require.NoError(t, err)
	<-ch

	// A later, non-front timer should not trigger another callback.
	_, err = m.AddTimer(2*time.Hour, func() {})
	require.NoError(t, err)

	select {
	case <-ch:
		t.Fatal("onFrontInserted fired for a non-front insertion")
	case <-time.After(20 * time.Millisecond):
	}

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, 1, count)
}

func TestTimerManager_OrdersByDeadlineThenID(t *testing.T) {
	m := NewTimerManager()
	base := time.Unix(0, 0)
	m.nowFunc = func() time.Time { return base }

	var order []int
	_, _ = m.AddTimer(5*time.Millisecond, func() { order = append(order, 1) })
	_, _ = m.AddTimer(5*time.Millisecond, func() { order = append(order, 2) })
	_, _ = m.AddTimer(1*time.Millisecond, func() { order = append(order, 3) })

	m.nowFunc = func() time.Time { return base.Add(5 * time.Millisecond) }
	for _, cb := range m.Expired() {
		cb()
	}
	require.Equal(t, []int{3, 1, 2}, order)
}
