package core

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"go.opentelemetry.io/otel/metric/noop"

	"github.com/lisuiheng/audiobridge/audio"
	"github.com/lisuiheng/audiobridge/audio/mock"
	"github.com/lisuiheng/audiobridge/observe"
)

type recordedEvent struct {
	Module string
	Name   string
	Body   any
}

// eventLog 记录发出的事件，实现 Emitter
type eventLog struct {
	mu     sync.Mutex
	events []recordedEvent
}

func (l *eventLog) Emit(module, name string, body any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, recordedEvent{Module: module, Name: name, Body: body})
}

func (l *eventLog) all() []recordedEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]recordedEvent(nil), l.events...)
}

func (l *eventLog) names() []string {
	var names []string
	for _, ev := range l.all() {
		names = append(names, ev.Name)
	}
	return names
}

func (l *eventLog) byName(name string) []recordedEvent {
	var out []recordedEvent
	for _, ev := range l.all() {
		if ev.Name == name {
			out = append(out, ev)
		}
	}
	return out
}

func (l *eventLog) count(name string) int {
	return len(l.byName(name))
}

func discardLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func noopMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	m, err := observe.NewMetrics(noop.NewMeterProvider())
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m
}

// startDispatcher 在后台运行调度器，测试结束时关闭
func startDispatcher(t *testing.T) *Dispatcher {
	t.Helper()
	d := NewDispatcher(discardLogger())
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = d.Run(ctx) }()
	t.Cleanup(func() {
		d.Close()
		cancel()
		<-d.Done()
	})
	return d
}

type harness struct {
	engine   *mock.Engine
	ctrl     audio.Controller
	dispatch *Dispatcher
	events   *eventLog
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	return &harness{
		engine:   &mock.Engine{PlayerDuration: 3 * time.Second},
		ctrl:     audio.NewController(discardLogger()),
		dispatch: startDispatcher(t),
		events:   &eventLog{},
	}
}

func (h *harness) deps(t *testing.T, engine audio.Engine) Deps {
	t.Helper()
	if engine == nil {
		engine = h.engine
	}
	return Deps{
		Engine:     engine,
		Controller: h.ctrl,
		Dispatcher: h.dispatch,
		Emitter:    h.events,
		Metrics:    noopMetrics(t),
		Logger:     discardLogger(),
	}
}

// flush 原生回调先入队处理任务，处理任务再入队事件，因此需要两轮
func (h *harness) flush(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for i := 0; i < 2; i++ {
		if err := h.dispatch.Sync(ctx); err != nil {
			t.Fatalf("Sync: %v", err)
		}
	}
}

// waitFor 轮询直到 cond 为真
func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before timeout")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// requireCode 断言 err 为指定原因码与分类的 *Error
func requireCode(t *testing.T, err error, code string, kind error) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected %s error, got nil", code)
	}
	var e *Error
	if !errors.As(err, &e) {
		t.Fatalf("err = %T %v, want *Error", err, err)
	}
	if e.Code != code {
		t.Fatalf("code = %s, want %s (%v)", e.Code, code, err)
	}
	if kind != nil && !errors.Is(err, kind) {
		t.Fatalf("err %v does not match kind %v", err, kind)
	}
}

func ptr[T any](v T) *T { return &v }
