package task

import (
	"context"
	"sync"
)

// taskWriter serializes the fire-and-forget writes issued through a Handle.
// Handle methods return immediately, but every store/broadcast operation for
// one task drains through a single goroutine, so write ordering within a
// task id is preserved even though call sites never wait.
type taskWriter struct {
	jobs      chan func(context.Context)
	done      chan struct{}
	closeOnce sync.Once
}

// writerBuffer bounds how many pending handle operations may queue before a
// Handle method blocks. Progress bursts well past this are throttled before
// they reach the store anyway.
const writerBuffer = 64

func newTaskWriter(ctx context.Context) *taskWriter {
	w := &taskWriter{
		jobs: make(chan func(context.Context), writerBuffer),
		done: make(chan struct{}),
	}
	go w.drain(ctx)
	return w
}

func (w *taskWriter) drain(ctx context.Context) {
	defer close(w.done)
	for job := range w.jobs {
		job(ctx)
	}
}

// submit enqueues one operation. Blocks only when the buffer is full.
func (w *taskWriter) submit(job func(context.Context)) {
	w.jobs <- job
}

// close stops intake and waits until every queued operation has run.
// Safe to call more than once.
func (w *taskWriter) close() {
	w.closeOnce.Do(func() {
		close(w.jobs)
	})
	<-w.done
}
