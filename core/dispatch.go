package core

import (
	"context"
	"log/slog"
	"runtime/debug"
	"sync"
)

// Task 在调度上下文中执行的任务
type Task func(ctx context.Context)

// Dispatcher 单 goroutine 顺序执行任务的无界 FIFO 队列。
// 原生回调线程只调用 Post，不会被阻塞。
type Dispatcher struct {
	logger *slog.Logger

	mu     sync.Mutex
	queue  []Task
	closed bool
	wake   chan struct{}
	done   chan struct{}
}

func NewDispatcher(logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		logger: logger,
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// Run 执行任务直到 ctx 取消，或 Close 之后队列被清空。只能调用一次。
func (d *Dispatcher) Run(ctx context.Context) error {
	defer close(d.done)

	for {
		task, closed := d.next()
		if task != nil {
			d.exec(ctx, task)
			continue
		}
		if closed {
			return nil
		}

		select {
		case <-ctx.Done():
			return nil
		case <-d.wake:
		}
	}
}

func (d *Dispatcher) next() (Task, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if len(d.queue) == 0 {
		return nil, d.closed
	}
	task := d.queue[0]
	d.queue[0] = nil
	d.queue = d.queue[1:]
	return task, d.closed
}

func (d *Dispatcher) exec(ctx context.Context, task Task) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("Dispatch task panicked",
				"panic", r,
				"stack", string(debug.Stack()))
		}
	}()
	task(ctx)
}

// Post 入队任务，关闭后返回 false
func (d *Dispatcher) Post(task Task) bool {
	if task == nil {
		return false
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return false
	}
	d.queue = append(d.queue, task)
	d.mu.Unlock()

	select {
	case d.wake <- struct{}{}:
	default:
	}
	return true
}

// Do 在调度上下文中执行 fn 并等待其完成
func (d *Dispatcher) Do(ctx context.Context, fn func(ctx context.Context)) error {
	finished := make(chan struct{})
	if !d.Post(func(ctx context.Context) {
		defer close(finished)
		fn(ctx)
	}) {
		return ErrDispatcherClosed
	}

	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-d.done:
		return ErrDispatcherClosed
	}
}

// Sync 等待此前入队的任务全部执行完
func (d *Dispatcher) Sync(ctx context.Context) error {
	return d.Do(ctx, func(context.Context) {})
}

// Close 拒绝新任务，已入队任务仍会执行
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	d.mu.Unlock()

	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// Done Run 返回后关闭
func (d *Dispatcher) Done() <-chan struct{} {
	return d.done
}
