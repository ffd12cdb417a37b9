package crypto

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSerialExecutorRunsInOrder(t *testing.T) {
	e := newSerialExecutor()
	defer e.Close()

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		i := i
		e.Submit(func() {
			defer wg.Done()
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
		})
	}
	wg.Wait()

	for i, v := range order {
		assert.Equal(t, i, v)
	}
}

func TestSerialExecutorRunReturnsResult(t *testing.T) {
	e := newSerialExecutor()
	defer e.Close()

	boom := errors.New("boom")
	err := e.Run(context.Background(), func() error {
		return boom
	})
	assert.ErrorIs(t, err, boom)

	err = e.Run(context.Background(), func() error {
		return nil
	})
	require.NoError(t, err)
}

func TestSerialExecutorRunRespectsContextCancellation(t *testing.T) {
	e := newSerialExecutor()
	defer e.Close()

	block := make(chan struct{})
	e.Submit(func() {
		<-block
	})
	defer close(block)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := e.Run(ctx, func() error { return nil })
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestSerialExecutorCloseIsIdempotentAndDrainsBestEffort(t *testing.T) {
	e := newSerialExecutor()

	ran := make(chan struct{}, 1)
	e.Submit(func() { ran <- struct{}{} })

	e.Close()
	e.Close() // must not panic or block

	select {
	case <-ran:
	case <-time.After(time.Second):
		t.Fatal("queued task never ran before close drained it")
	}

	// Submitting after close must not block.
	done := make(chan struct{})
	go func() {
		e.Submit(func() {})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Submit after Close blocked")
	}
}
