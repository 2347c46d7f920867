package session

import (
	"context"
	"encoding/hex"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/mcp-host-go/pkg/utils"
)

type fakeStream struct {
	closed atomic.Bool
}

func (f *fakeStream) Close() error   { f.closed.Store(true); return nil }
func (f *fakeStream) Disposed() bool { return f.closed.Load() }

func TestCreateReturnsUniqueFixedLengthIDs(t *testing.T) {
	m := NewManager()
	seen := make(map[string]bool)
	for i := 0; i < 200; i++ {
		id, err := m.Create()
		require.NoError(t, err)
		assert.Len(t, id, 64)
		_, err = hex.DecodeString(id)
		assert.NoError(t, err, "id is not hex: %s", id)
		assert.False(t, seen[id], "duplicate id %s", id)
		seen[id] = true
	}
	assert.Equal(t, 200, m.Count())
}

func TestNewSessionState(t *testing.T) {
	clock := clockwork.NewFakeClock()
	m := NewManager(WithClock(clock))

	id, err := m.Create()
	require.NoError(t, err)

	s, ok := m.Get(id)
	require.True(t, ok)
	assert.Equal(t, clock.Now(), s.CreatedAt)
	assert.Equal(t, clock.Now(), s.LastActivity())
	assert.False(t, s.Initialized())
	assert.Nil(t, s.Stream())
	assert.NoError(t, s.Context().Err())

	assert.True(t, m.MarkInitialized(id))
	assert.True(t, s.Initialized())
	assert.False(t, m.MarkInitialized("nope"))
}

func TestValidateAfterCreateAndTerminate(t *testing.T) {
	m := NewManager()
	id, err := m.Create()
	require.NoError(t, err)

	assert.True(t, m.Validate(id))
	assert.True(t, m.Terminate(id))
	assert.False(t, m.Validate(id))
	assert.False(t, m.Terminate(id), "second terminate reports unknown")
	assert.False(t, m.Validate(""))
}

func TestTerminateOneOfThree(t *testing.T) {
	m := NewManager()
	ids := make([]string, 3)
	for i := range ids {
		id, err := m.Create()
		require.NoError(t, err)
		ids[i] = id
	}
	require.Equal(t, 3, m.Count())

	require.True(t, m.Terminate(ids[1]))

	assert.Equal(t, 2, m.Count())
	assert.True(t, m.Validate(ids[0]))
	assert.False(t, m.Validate(ids[1]))
	assert.True(t, m.Validate(ids[2]))
}

func TestTouchUnknownIsNoop(t *testing.T) {
	m := NewManager()
	assert.NotPanics(t, func() { m.Touch("missing") })
	assert.Equal(t, 0, m.Count())
}

func TestValidateExpiresIdleSession(t *testing.T) {
	clock := clockwork.NewFakeClock()
	m := NewManager(WithClock(clock), WithTimeout(10*time.Second))

	var terminated []string
	m.OnTerminated(func(id string) { terminated = append(terminated, id) })

	id, err := m.Create()
	require.NoError(t, err)
	s, _ := m.Get(id)

	clock.Advance(10 * time.Second)
	assert.True(t, m.Validate(id), "exactly at the timeout is still valid")

	clock.Advance(time.Second)
	assert.False(t, m.Validate(id))
	assert.Equal(t, 0, m.Count())
	assert.Equal(t, []string{id}, terminated)
	assert.ErrorIs(t, s.Context().Err(), context.Canceled)
}

func TestTouchExtendsLifetime(t *testing.T) {
	clock := clockwork.NewFakeClock()
	m := NewManager(WithClock(clock), WithTimeout(10*time.Second))

	id, err := m.Create()
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		clock.Advance(8 * time.Second)
		m.Touch(id)
	}
	assert.True(t, m.Validate(id))
}

func TestZeroTimeoutNeverExpires(t *testing.T) {
	clock := clockwork.NewFakeClock()
	m := NewManager(WithClock(clock))

	id, err := m.Create()
	require.NoError(t, err)

	clock.Advance(1000 * time.Hour)
	assert.True(t, m.Validate(id))
	assert.Equal(t, 0, m.Sweep())
}

func TestSweepRemovesOnlyIdleSessions(t *testing.T) {
	clock := clockwork.NewFakeClock()
	m := NewManager(WithClock(clock), WithTimeout(10*time.Second))

	idle, err := m.Create()
	require.NoError(t, err)
	clock.Advance(6 * time.Second)
	fresh, err := m.Create()
	require.NoError(t, err)
	clock.Advance(6 * time.Second)

	assert.Equal(t, 1, m.Sweep())
	_, ok := m.Get(idle)
	assert.False(t, ok)
	assert.True(t, m.Validate(fresh))
}

func TestSweepLoopReclaimsSessions(t *testing.T) {
	detector := utils.NewGoroutineLeakDetector(t)
	detector.Start()
	defer detector.Check()

	clock := clockwork.NewFakeClock()
	m := NewManager(WithClock(clock), WithTimeout(10*time.Second), WithSweepInterval(5*time.Second))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Start(ctx)
	m.Start(ctx)
	defer m.Stop()

	_, err := m.Create()
	require.NoError(t, err)
	clock.Advance(11 * time.Second)

	// Nobody validates the session; only the sweep can remove it.
	require.Eventually(t, func() bool {
		clock.Advance(5 * time.Second)
		return m.Count() == 0
	}, 2*time.Second, 10*time.Millisecond)

	m.Stop()
	m.Stop()
}

func TestStartWithoutTimeoutRunsNoSweep(t *testing.T) {
	clock := clockwork.NewFakeClock()
	m := NewManager(WithClock(clock))
	m.Start(context.Background())
	defer m.Stop()

	assert.False(t, utils.WaitForWaiters(clock, 1, 50*time.Millisecond), "no ticker should be waiting on the clock")
}

func TestRootCancellationCascades(t *testing.T) {
	m := NewManager()
	ctx, cancel := context.WithCancel(context.Background())
	m.Start(ctx)
	defer m.Stop()

	id, err := m.Create()
	require.NoError(t, err)
	s, _ := m.Get(id)

	cancel()
	select {
	case <-s.Context().Done():
	case <-time.After(time.Second):
		t.Fatal("session context not cancelled with the root")
	}
}

func TestSetStreamDisposesPrevious(t *testing.T) {
	m := NewManager()
	id, err := m.Create()
	require.NoError(t, err)

	first, second := &fakeStream{}, &fakeStream{}
	require.True(t, m.SetStream(id, first))
	require.True(t, m.SetStream(id, second))

	assert.True(t, first.Disposed())
	assert.False(t, second.Disposed())

	s, _ := m.Get(id)
	assert.Same(t, second, s.Stream())

	// The displaced stream's handler finishing must not close the new one.
	assert.False(t, m.CloseStream(id, first))
	assert.False(t, second.Disposed())

	assert.True(t, m.CloseStream(id, second))
	assert.True(t, second.Disposed())
	assert.Nil(t, s.Stream())
	assert.True(t, m.Validate(id), "closing a stream keeps the session")
}

func TestSetStreamUnknownSessionClosesStream(t *testing.T) {
	m := NewManager()
	w := &fakeStream{}
	assert.False(t, m.SetStream("missing", w))
	assert.True(t, w.Disposed())
}

func TestSetStreamAfterTerminateClosesStream(t *testing.T) {
	m := NewManager()
	id, err := m.Create()
	require.NoError(t, err)
	s, _ := m.Get(id)
	require.True(t, m.Terminate(id))

	w := &fakeStream{}
	assert.False(t, s.replaceStream(w))
	assert.True(t, w.Disposed())
}

func TestTerminateDisposesStreamAndNotifies(t *testing.T) {
	m := NewManager()
	var got []string
	m.OnTerminated(func(id string) { got = append(got, id) })

	id, err := m.Create()
	require.NoError(t, err)
	w := &fakeStream{}
	require.True(t, m.SetStream(id, w))
	s, _ := m.Get(id)

	require.True(t, m.Terminate(id))
	assert.True(t, w.Disposed())
	assert.ErrorIs(t, s.Context().Err(), context.Canceled)
	assert.Equal(t, []string{id}, got)
}

func TestTerminateAll(t *testing.T) {
	m := NewManager()
	var count atomic.Int32
	m.OnTerminated(func(string) { count.Add(1) })

	streams := make([]*fakeStream, 4)
	for i := range streams {
		id, err := m.Create()
		require.NoError(t, err)
		streams[i] = &fakeStream{}
		m.SetStream(id, streams[i])
	}

	assert.Equal(t, 4, m.TerminateAll())
	assert.Equal(t, 0, m.Count())
	assert.Equal(t, int32(4), count.Load())
	for _, w := range streams {
		assert.True(t, w.Disposed())
	}
	assert.Equal(t, 0, m.TerminateAll())
}

func TestConcurrentAccess(t *testing.T) {
	m := NewManager(WithTimeout(time.Hour))

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				id, err := m.Create()
				if !assert.NoError(t, err) {
					return
				}
				m.Touch(id)
				m.SetStream(id, &fakeStream{})
				m.SetStream(id, &fakeStream{})
				assert.True(t, m.Validate(id))
				if j%2 == 0 {
					assert.True(t, m.Terminate(id))
				}
			}
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 100; i++ {
			m.Sweep()
			m.Count()
		}
	}()
	wg.Wait()

	assert.Equal(t, 20*25, m.Count())
}
