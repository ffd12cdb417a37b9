package crypto

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStartHappyPathReachesStartedAndFiresCallback(t *testing.T) {
	c, hs, _ := newTestCoordinator(t)
	ctx := context.Background()

	done := make(chan error, 1)
	c.Start(ctx, true, func(err error) { done <- err })

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(testEventuallyTimeout):
		t.Fatal("Start callback never fired")
	}

	assert.Equal(t, StateStarted, c.getState())
	assert.Equal(t, 1, hs.uploadCallCount())
}

func TestStartConcurrentCallsCoalesceIntoOneSequence(t *testing.T) {
	c, hs, _ := newTestCoordinator(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	results := make(chan error, 2)
	wg.Add(2)
	go func() {
		defer wg.Done()
		c.Start(ctx, false, func(err error) { results <- err })
	}()
	go func() {
		defer wg.Done()
		c.Start(ctx, false, func(err error) { results <- err })
	}()
	wg.Wait()

	for i := 0; i < 2; i++ {
		select {
		case err := <-results:
			require.NoError(t, err)
		case <-time.After(testEventuallyTimeout):
			t.Fatal("a coalesced Start callback never fired")
		}
	}

	assert.Equal(t, StateStarted, c.getState())
	assert.Equal(t, 1, hs.uploadCallCount(), "concurrent Start calls must only upload device keys once")
}

func TestStartWhenAlreadyStartedFiresImmediatelyWithoutRestarting(t *testing.T) {
	c, hs, _ := newTestCoordinator(t)
	ctx := context.Background()

	first := make(chan error, 1)
	c.Start(ctx, false, func(err error) { first <- err })
	require.NoError(t, <-first)
	require.Equal(t, 1, hs.uploadCallCount())

	second := make(chan error, 1)
	c.Start(ctx, false, func(err error) { second <- err })
	select {
	case err := <-second:
		require.NoError(t, err)
	case <-time.After(testEventuallyTimeout):
		t.Fatal("Start on an already-started coordinator never fired its callback")
	}
	assert.Equal(t, 1, hs.uploadCallCount(), "a second Start on an already-started coordinator must not re-run the sequence")
}

func TestStartOnClosedCoordinatorIsNoop(t *testing.T) {
	c, hs, _ := newTestCoordinator(t)
	ctx := context.Background()
	require.NoError(t, c.Close())

	called := false
	c.Start(ctx, false, func(err error) { called = true })

	assert.False(t, called, "Start on a closed coordinator must return before touching the callback")
	assert.Equal(t, 0, hs.uploadCallCount())
}

func TestCloseTransitionsToClosedAndStopsExecutors(t *testing.T) {
	c, _, _ := newTestCoordinator(t)
	require.NoError(t, c.Close())
	assert.Equal(t, StateClosed, c.getState())

	// Closing twice, and closing what newTestCoordinator's cleanup will also
	// close, must not panic (serialExecutor.Close is documented idempotent).
	require.NoError(t, c.Close())
}

func TestHandleToDeviceEventIgnoredAfterClose(t *testing.T) {
	c, _, _ := newTestCoordinator(t)
	require.NoError(t, c.Close())

	// Must not panic or submit to a closed executor.
	c.HandleToDeviceEvent(context.Background(), nil)
}
