package crypto

import "context"

// serialExecutor runs submitted tasks one at a time, in submission order, on
// a single dedicated goroutine. The coordinator uses three of these — encrypt,
// decrypt, and UI — as the "owning contexts" from §5: every operation that
// mutates a context's owned state runs as a task here instead of taking a
// lock, so no two contexts ever hold locks spanning each other.
type serialExecutor struct {
	tasks  chan func()
	done   chan struct{}
	closed chan struct{}
}

func newSerialExecutor() *serialExecutor {
	e := &serialExecutor{
		tasks:  make(chan func(), 256),
		done:   make(chan struct{}),
		closed: make(chan struct{}),
	}
	go e.run()
	return e
}

func (e *serialExecutor) run() {
	defer close(e.done)
	for {
		select {
		case task, ok := <-e.tasks:
			if !ok {
				return
			}
			task()
		case <-e.closed:
			// Drain what's already queued best-effort, then stop (§5: "in-flight
			// tasks complete or are discarded best-effort").
			for {
				select {
				case task := <-e.tasks:
					task()
				default:
					return
				}
			}
		}
	}
}

// Submit enqueues fn to run on this context. It returns immediately; fn's
// effects are visible to subsequently submitted tasks on the same executor.
func (e *serialExecutor) Submit(fn func()) {
	select {
	case e.tasks <- fn:
	case <-e.closed:
	}
}

// Run submits fn and blocks until it has executed or ctx is cancelled,
// returning fn's error. This is how suspension points (§5) re-enter a
// context from a completion handler without the caller losing the result.
func (e *serialExecutor) Run(ctx context.Context, fn func() error) error {
	resultCh := make(chan error, 1)
	e.Submit(func() {
		resultCh <- fn()
	})
	select {
	case err := <-resultCh:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops the executor. Safe to call more than once.
func (e *serialExecutor) Close() {
	select {
	case <-e.closed:
	default:
		close(e.closed)
	}
	<-e.done
}
