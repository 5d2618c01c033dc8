package worker

import (
	"errors"
	"sync"
)

// Errors that may occur when sending tasks to a worker.
var (
	ErrWorkerStopped = errors.New("worker is stopped")
	ErrWorkerTooBusy = errors.New("worker is already overloaded")
)

// Configuration for the worker.
type Config[T any] struct {
	// The size of the bounded task queue.
	ChannelSize int
	// A closure that is executed for every task, one task at a time, in the order of `Send`.
	OnTask func(T)
}

// Worker executes tasks sequentially on its own goroutine. Stopping the worker
// discards the tasks that are still queued, so a stopped worker never starts a task.
type Worker[T any] struct {
	tasks chan T
	done  chan struct{}

	mutex   sync.Mutex
	stopped bool
}

// Starts a worker with the given configuration.
func StartWorker[T any](c Config[T]) *Worker[T] {
	w := &Worker[T]{
		tasks: make(chan T, c.ChannelSize),
		done:  make(chan struct{}),
	}

	go func() {
		for {
			select {
			case <-w.done:
				return
			case task := <-w.tasks:
				// `select` picks randomly between ready cases, so re-check that
				// we were not stopped while the task was waiting in the queue.
				select {
				case <-w.done:
					return
				default:
				}

				c.OnTask(task)
			}
		}
	}()

	return w
}

// Queues a task without blocking.
func (w *Worker[T]) Send(task T) error {
	w.mutex.Lock()
	defer w.mutex.Unlock()

	if w.stopped {
		return ErrWorkerStopped
	}

	select {
	case w.tasks <- task:
		return nil
	default:
		return ErrWorkerTooBusy
	}
}

// Stops the worker unless already stopped. The task that is currently running (if any)
// is not interrupted.
func (w *Worker[T]) Stop() {
	w.mutex.Lock()
	defer w.mutex.Unlock()

	if !w.stopped {
		w.stopped = true
		close(w.done)
	}
}

// Done is closed once the worker is stopped.
func (w *Worker[T]) Done() <-chan struct{} {
	return w.done
}
