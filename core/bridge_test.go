package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/lisuiheng/audiobridge/pkg/interfaces"
	"github.com/lisuiheng/audiobridge/utils"
)

// fakeTransport 内存传输，测试通过 in 注入宿主消息，通过 sent 读取桥发出的消息
type fakeTransport struct {
	connectErr error
	in         chan interfaces.Message
	sent       chan []byte

	mu     sync.Mutex
	closed bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		in:   make(chan interfaces.Message, 16),
		sent: make(chan []byte, 64),
	}
}

func (f *fakeTransport) Connect(context.Context) error { return f.connectErr }

func (f *fakeTransport) Send(data []byte, _ interfaces.MessageType) error {
	f.sent <- append([]byte(nil), data...)
	return nil
}

func (f *fakeTransport) Receive() <-chan interfaces.Message { return f.in }

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeTransport) ProtocolType() string { return "fake" }

func (f *fakeTransport) call(t *testing.T, id int64, module, method string, args ...any) {
	t.Helper()
	raw := make([]json.RawMessage, 0, len(args))
	for _, a := range args {
		b, err := json.Marshal(a)
		if err != nil {
			t.Fatal(err)
		}
		raw = append(raw, b)
	}
	msg, err := json.Marshal(map[string]any{
		"type":   "call",
		"id":     id,
		"module": module,
		"method": method,
		"args":   raw,
	})
	if err != nil {
		t.Fatal(err)
	}
	f.in <- interfaces.Message{Type: interfaces.MsgText, Payload: msg}
}

type wireMessage struct {
	Type    string                       `json:"type"`
	ID      int64                        `json:"id"`
	Module  string                       `json:"module"`
	Name    string                       `json:"name"`
	Body    json.RawMessage              `json:"body"`
	Result  json.RawMessage              `json:"result"`
	Error   *ErrorPayload                `json:"error"`
	Version int                          `json:"version"`
	Modules map[string]moduleDescription `json:"modules"`
}

func (f *fakeTransport) next(t *testing.T) wireMessage {
	t.Helper()
	select {
	case data := <-f.sent:
		var m wireMessage
		if err := json.Unmarshal(data, &m); err != nil {
			t.Fatalf("bad outbound json %s: %v", data, err)
		}
		return m
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for outbound message")
		return wireMessage{}
	}
}

// replyFor 读取消息直到 id 对应的回复，途中的事件一并返回
func (f *fakeTransport) replyFor(t *testing.T, id int64) (wireMessage, []wireMessage) {
	t.Helper()
	var events []wireMessage
	for {
		m := f.next(t)
		if m.Type == "reply" && m.ID == id {
			return m, events
		}
		events = append(events, m)
	}
}

type bridgeHarness struct {
	*harness
	bridge *Bridge
	player *PlayerManager
	rec    *RecorderManager
	// stopBridge 取消 Run 并等待其返回
	stopBridge func()
}

func newBridgeHarness(t *testing.T, setup func(b *Bridge), transports ...*fakeTransport) *bridgeHarness {
	t.Helper()
	h := newHarness(t)

	cfg := Config{}
	cfg.System.DeviceID = "dev-1"
	cfg.System.ClientID = "client-1"

	var mu sync.Mutex
	idx := 0
	factory := func() (interfaces.TransportProtocol, error) {
		mu.Lock()
		defer mu.Unlock()
		if idx >= len(transports) {
			return nil, errors.New("no more transports")
		}
		tr := transports[idx]
		idx++
		return tr, nil
	}

	b, err := NewBridge(cfg, h.dispatch, noopMetrics(t), discardLogger(),
		WithTransportFactory(factory),
		WithReconnectStrategy(utils.NewExponentialBackoffWith(time.Millisecond, 5*time.Millisecond)))
	if err != nil {
		t.Fatalf("NewBridge: %v", err)
	}

	deps := h.deps(t, nil)
	deps.Emitter = b
	player, err := NewPlayerManager(deps, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	rec, err := NewRecorderManager(deps, nil, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	RegisterPlayer(b, player)
	RegisterRecorder(b, rec)
	if setup != nil {
		setup(b)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = b.Run(ctx)
		close(done)
	}()
	var once sync.Once
	stop := func() {
		once.Do(func() {
			cancel()
			<-done
		})
	}
	t.Cleanup(stop)
	return &bridgeHarness{harness: h, bridge: b, player: player, rec: rec, stopBridge: stop}
}

func TestBridgeSendsHello(t *testing.T) {
	tr := newFakeTransport()
	bh := newBridgeHarness(t, nil, tr)

	hello := tr.next(t)
	if hello.Type != "hello" || hello.Version != bridgeProtocolVersion {
		t.Fatalf("first message = %+v", hello)
	}
	player, ok := hello.Modules[ModulePlayer]
	if !ok {
		t.Fatalf("hello modules = %v", hello.Modules)
	}
	for i := 1; i < len(player.Methods); i++ {
		if player.Methods[i-1] > player.Methods[i] {
			t.Fatalf("methods not sorted: %v", player.Methods)
		}
	}
	rec := hello.Modules[ModuleRecorder]
	if _, ok := rec.Constants["DocumentDirectoryPath"]; !ok {
		t.Errorf("recorder constants = %v", rec.Constants)
	}

	waitFor(t, 2*time.Second, func() bool { return bh.bridge.GetState() == ConnStateConnected })
	if err := bh.bridge.Ready(context.Background()); err != nil {
		t.Errorf("Ready: %v", err)
	}
}

func TestBridgeCallAndEvents(t *testing.T) {
	tr := newFakeTransport()
	newBridgeHarness(t, nil, tr)
	tr.next(t) // hello

	tr.call(t, 7, ModulePlayer, "play", "/music/a.wav", map[string]any{"volume": 0.5})
	reply, events := tr.replyFor(t, 7)
	if reply.Error != nil {
		t.Fatalf("play error: %+v", reply.Error)
	}
	var sess PlaybackSession
	if err := json.Unmarshal(reply.Result, &sess); err != nil {
		t.Fatal(err)
	}
	if sess.Volume != 0.5 || sess.State != StatePlaying {
		t.Errorf("session = %+v", sess)
	}
	if len(events) != 1 || events[0].Name != EventPlayerStarted || events[0].Module != ModulePlayer {
		t.Fatalf("events before reply = %+v", events)
	}

	tr.call(t, 8, ModulePlayer, "stop")
	reply, _ = tr.replyFor(t, 8)
	if reply.Error != nil {
		t.Fatalf("stop error: %+v", reply.Error)
	}

	var fin PlayerFinishedEvent
	for fin.SessionID == "" {
		m := tr.next(t)
		if m.Type == "event" && m.Name == EventPlayerFinished {
			if err := json.Unmarshal(m.Body, &fin); err != nil {
				t.Fatal(err)
			}
		}
	}
	if fin.SessionID != sess.ID || fin.Status != StatusStopped {
		t.Errorf("finished = %+v", fin)
	}
}

func TestBridgeErrorReplies(t *testing.T) {
	tr := newFakeTransport()
	newBridgeHarness(t, nil, tr)
	tr.next(t)

	tests := []struct {
		id     int64
		module string
		method string
		args   []any
		code   string
		kind   Kind
	}{
		{1, ModulePlayer, "rewind", nil, CodeUnknownMethod, KindInvalidArgument},
		{2, "AudioMixer", "play", nil, CodeUnknownMethod, KindInvalidArgument},
		{3, ModulePlayer, "pause", nil, CodeInvalidState, KindInvalidState},
		{4, ModulePlayer, "setVolume", []any{"loud"}, CodeInvalidArgument, KindInvalidArgument},
		{5, ModulePlayer, "play", nil, CodeInvalidArgument, KindInvalidArgument},
		{6, ModuleRecorder, "startRecording", nil, CodeRecordingNotPrepared, KindInvalidState},
	}
	for _, tt := range tests {
		tr.call(t, tt.id, tt.module, tt.method, tt.args...)
		reply, _ := tr.replyFor(t, tt.id)
		if reply.Error == nil {
			t.Errorf("%s.%s: expected error, got result %s", tt.module, tt.method, reply.Result)
			continue
		}
		if reply.Error.Code != tt.code || reply.Error.Kind != tt.kind {
			t.Errorf("%s.%s: error = %+v, want %s/%s", tt.module, tt.method, reply.Error, tt.code, tt.kind)
		}
		if reply.Result != nil {
			t.Errorf("%s.%s: error reply carries result %s", tt.module, tt.method, reply.Result)
		}
	}
}

func TestBridgeRecoversMethodPanic(t *testing.T) {
	tr := newFakeTransport()
	newBridgeHarness(t, func(b *Bridge) {
		b.Register("Crashy", map[string]Method{
			"boom": func(context.Context, []json.RawMessage) (any, error) { panic("kaboom") },
		}, nil)
	}, tr)

	tr.next(t)
	tr.call(t, 1, "Crashy", "boom")
	reply, _ := tr.replyFor(t, 1)
	if reply.Error == nil || reply.Error.Code != CodeRuntimeException {
		t.Fatalf("reply = %+v", reply)
	}
}

func TestBridgeReconnects(t *testing.T) {
	failing := newFakeTransport()
	failing.connectErr = errors.New("refused")
	first := newFakeTransport()
	second := newFakeTransport()
	bh := newBridgeHarness(t, nil, failing, first, second)

	if m := first.next(t); m.Type != "hello" {
		t.Fatalf("first transport got %+v", m)
	}
	close(first.in)

	if m := second.next(t); m.Type != "hello" {
		t.Fatalf("second transport got %+v", m)
	}
	waitFor(t, 2*time.Second, func() bool { return bh.bridge.GetState() == ConnStateConnected })

	first.mu.Lock()
	closed := first.closed
	first.mu.Unlock()
	if !closed {
		t.Error("dropped transport was not closed")
	}

	second.call(t, 1, ModulePlayer, "getOutputs")
	reply, _ := second.replyFor(t, 1)
	if reply.Error != nil || string(reply.Result) != "[]" {
		t.Errorf("reply = %+v result=%s", reply, reply.Result)
	}
}

func TestBridgeEmitWhileDisconnected(t *testing.T) {
	h := newHarness(t)
	b, err := NewBridge(Config{}, h.dispatch, noopMetrics(t), discardLogger())
	if err != nil {
		t.Fatal(err)
	}
	b.Emit(ModulePlayer, EventPlayerProgress, PlayerProgressEvent{SessionID: "x"})
	if len(b.held) != 0 {
		t.Errorf("progress event held: %+v", b.held)
	}
	if err := b.Ready(context.Background()); err == nil {
		t.Error("Ready should fail before connecting")
	}
	if b.GetState() != ConnStateUnknown {
		t.Errorf("state = %s", b.GetState())
	}
}

func TestDrainDeliversTerminalEventsBeforeDisconnect(t *testing.T) {
	tr := newFakeTransport()
	bh := newBridgeHarness(t, nil, tr)
	tr.next(t)
	waitFor(t, 2*time.Second, func() bool { return bh.bridge.GetState() == ConnStateConnected })

	ctx := context.Background()
	sess, err := bh.player.Play(ctx, "/music/a.wav", PlayOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if m := tr.next(t); m.Name != EventPlayerStarted {
		t.Fatalf("first event = %+v", m)
	}

	drainCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := Drain(drainCtx, bh.dispatch, bh.player, bh.rec); err != nil {
		t.Fatalf("Drain: %v", err)
	}
	bh.stopBridge()

	m := tr.next(t)
	if m.Type != "event" || m.Name != EventPlayerFinished {
		t.Fatalf("message after drain = %+v", m)
	}
	var fin PlayerFinishedEvent
	if err := json.Unmarshal(m.Body, &fin); err != nil {
		t.Fatal(err)
	}
	if fin.SessionID != sess.ID || fin.Status != StatusStopped {
		t.Errorf("finished = %+v", fin)
	}
	tr.mu.Lock()
	closed := tr.closed
	tr.mu.Unlock()
	if !closed {
		t.Error("transport not closed after the bridge stopped")
	}
}

func TestBridgeHoldsTerminalEventsUntilHello(t *testing.T) {
	first := newFakeTransport()
	second := newFakeTransport()
	// 第二个连接在放行前不建立，期间桥处于断开状态
	gate := make(chan struct{})
	bh := newBridgeHarness(t, func(b *Bridge) {
		inner := b.newTransport
		b.newTransport = func() (interfaces.TransportProtocol, error) {
			tr, err := inner()
			if tr == interfaces.TransportProtocol(second) {
				<-gate
			}
			return tr, err
		}
	}, first, second)

	first.next(t)
	ctx := context.Background()
	sess, err := bh.player.Play(ctx, "/music/a.wav", PlayOptions{})
	if err != nil {
		t.Fatal(err)
	}
	first.next(t)

	close(first.in)
	waitFor(t, 2*time.Second, func() bool { return bh.bridge.GetState() != ConnStateConnected })

	bh.dispatch.Post(func(context.Context) {
		bh.bridge.Emit(ModulePlayer, EventPlayerProgress, PlayerProgressEvent{SessionID: sess.ID})
	})
	if _, err := bh.player.Stop(ctx); err != nil {
		t.Fatal(err)
	}
	bh.flush(t)
	close(gate)

	if m := second.next(t); m.Type != "hello" {
		t.Fatalf("first message on reconnect = %+v", m)
	}
	m := second.next(t)
	if m.Type != "event" || m.Name != EventPlayerFinished {
		t.Fatalf("message after hello = %+v", m)
	}
	var fin PlayerFinishedEvent
	if err := json.Unmarshal(m.Body, &fin); err != nil {
		t.Fatal(err)
	}
	if fin.SessionID != sess.ID || fin.Status != StatusStopped {
		t.Errorf("finished = %+v", fin)
	}

	// 进度事件不保留
	second.call(t, 1, ModulePlayer, "getOutputs")
	_, events := second.replyFor(t, 1)
	for _, ev := range events {
		if ev.Name == EventPlayerProgress {
			t.Errorf("progress event replayed after reconnect: %+v", ev)
		}
	}
}

func TestBridgeHeldEventsBounded(t *testing.T) {
	h := newHarness(t)
	b, err := NewBridge(Config{}, h.dispatch, noopMetrics(t), discardLogger())
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < maxHeldEvents+5; i++ {
		b.Emit(ModuleRecorder, EventRecordingFinished, RecordingFinishedEvent{SessionID: fmt.Sprint(i)})
	}
	if len(b.held) != maxHeldEvents {
		t.Fatalf("held = %d, want %d", len(b.held), maxHeldEvents)
	}
	if got := b.held[0].Body.(RecordingFinishedEvent).SessionID; got != "5" {
		t.Errorf("oldest held = %s, want 5", got)
	}
}
