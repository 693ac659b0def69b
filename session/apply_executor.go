package session

import (
	"context"
	"errors"
)

// single goroutine task queue. permission changes and membership updates are
// marshalled onto one apply context so that the editor layer never observes
// torn user or membership state.
// `SubmitAndWait` must not be called from the apply goroutine itself

type SerialExecutor struct {
	ctx    context.Context
	cancel context.CancelFunc

	tasks chan func()
}

func NewSerialExecutor(ctx context.Context) *SerialExecutor {
	cancelCtx, cancel := context.WithCancel(ctx)
	executor := &SerialExecutor{
		ctx:    cancelCtx,
		cancel: cancel,
		tasks:  make(chan func()),
	}
	go executor.run()
	return executor
}

func (self *SerialExecutor) run() {
	for {
		select {
		case <-self.ctx.Done():
			return
		case task := <-self.tasks:
			HandleError(task)
		}
	}
}

func (self *SerialExecutor) Submit(task func()) error {
	select {
	case self.tasks <- task:
		return nil
	case <-self.ctx.Done():
		return errors.New("executor closed")
	}
}

func (self *SerialExecutor) SubmitAndWait(ctx context.Context, task func()) error {
	done := make(chan struct{})
	wrapped := func() {
		defer close(done)
		task()
	}

	select {
	case self.tasks <- wrapped:
	case <-self.ctx.Done():
		return errors.New("executor closed")
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-done:
		return nil
	case <-self.ctx.Done():
		return errors.New("executor closed")
	}
}

func (self *SerialExecutor) Close() {
	self.cancel()
}
