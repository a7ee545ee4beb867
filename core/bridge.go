package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/lisuiheng/audiobridge/observe"
	"github.com/lisuiheng/audiobridge/pkg/interfaces"
	"github.com/lisuiheng/audiobridge/protocols/websocket"
	"github.com/lisuiheng/audiobridge/utils"
	"golang.org/x/sync/errgroup"
)

const bridgeProtocolVersion = 1

// maxHeldEvents 断线期间保留的终止事件上限，超出时丢弃最旧的
const maxHeldEvents = 32

var _ Emitter = (*Bridge)(nil)

// ConnState 桥连接状态
type ConnState string

const (
	ConnStateUnknown      ConnState = "unknown"
	ConnStateConnecting   ConnState = "connecting"
	ConnStateConnected    ConnState = "connected"
	ConnStateDisconnected ConnState = "disconnected"
)

// Method 桥方法，args 为宿主传入的位置参数
type Method func(ctx context.Context, args []json.RawMessage) (any, error)

type bridgeModule struct {
	name      string
	methods   map[string]Method
	constants map[string]any
	// calls 串行执行该模块的调用，保持宿主调用顺序
	calls *Dispatcher
}

// TransportFactory 每次连接创建新的传输实例
type TransportFactory func() (interfaces.TransportProtocol, error)

// Bridge 通过 JSON 消息把管理器暴露给宿主：
// 入站 call 在模块的串行队列中执行，回复与事件都经由调度上下文发出。
type Bridge struct {
	config       Config
	newTransport TransportFactory
	dispatch     *Dispatcher
	metrics      *observe.Metrics
	logger       *slog.Logger
	backoff      utils.ReconnectStrategy

	modulesMu sync.RWMutex
	modules   map[string]*bridgeModule

	stateMutex sync.RWMutex
	state      ConnState
	transport  interfaces.TransportProtocol

	// held 未送达的终止事件，只在调度上下文中访问
	held []eventMessage
}

// BridgeOption 定制 Bridge
type BridgeOption func(*Bridge)

// WithTransportFactory 替换默认的 websocket 传输
func WithTransportFactory(f TransportFactory) BridgeOption {
	return func(b *Bridge) { b.newTransport = f }
}

// WithReconnectStrategy 替换默认的指数退避
func WithReconnectStrategy(s utils.ReconnectStrategy) BridgeOption {
	return func(b *Bridge) { b.backoff = s }
}

// NewBridge 创建桥。dispatch 由调用方运行。
func NewBridge(cfg Config, dispatch *Dispatcher, metrics *observe.Metrics, log *slog.Logger, opts ...BridgeOption) (*Bridge, error) {
	if log == nil {
		return nil, errors.New("logger cannot be nil")
	}
	if dispatch == nil {
		return nil, errors.New("dispatcher cannot be nil")
	}
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}

	b := &Bridge{
		config:   cfg,
		dispatch: dispatch,
		metrics:  metrics,
		logger:   log.With("component", "bridge"),
		backoff:  utils.NewExponentialBackoffWith(time.Second, cfg.System.Bridge.MaxReconnect),
		modules:  make(map[string]*bridgeModule),
		state:    ConnStateUnknown,
	}
	b.newTransport = func() (interfaces.TransportProtocol, error) { return NewProtocol(cfg) }
	for _, opt := range opts {
		opt(b)
	}
	return b, nil
}

// NewProtocol 根据配置创建传输实例
func NewProtocol(config Config) (interfaces.TransportProtocol, error) {
	var wsConfig websocket.Config
	wsConfig.Server.URL = config.System.Bridge.URL
	wsConfig.Server.ProtocolVersion = config.System.Bridge.ProtocolVersion
	wsConfig.Auth.AccessToken = config.System.Bridge.AccessToken
	wsConfig.Device.ID = config.System.DeviceID
	wsConfig.Device.ClientID = config.System.ClientID
	if wsConfig.Server.ProtocolVersion == 0 {
		wsConfig.Server.ProtocolVersion = bridgeProtocolVersion
	}
	return websocket.NewWebSocketProtocol(wsConfig)
}

// Register 注册模块，需在 Run 之前调用
func (b *Bridge) Register(name string, methods map[string]Method, constants map[string]any) {
	b.modulesMu.Lock()
	defer b.modulesMu.Unlock()

	b.modules[name] = &bridgeModule{
		name:      name,
		methods:   methods,
		constants: constants,
		calls:     NewDispatcher(b.logger.With("module", name)),
	}
}

// Run 启动各模块的调用队列并维持连接，断开后按退避重连，直到 ctx 取消
func (b *Bridge) Run(ctx context.Context) error {
	b.logger.Info("Starting bridge main loop")
	defer b.logger.Info("Bridge main loop stopped")

	g, ctx := errgroup.WithContext(ctx)

	b.modulesMu.RLock()
	for _, mod := range b.modules {
		g.Go(func() error { return mod.calls.Run(ctx) })
	}
	b.modulesMu.RUnlock()

	g.Go(func() error { return b.connectLoop(ctx) })
	return g.Wait()
}

func (b *Bridge) connectLoop(ctx context.Context) error {
	for {
		err := b.serve(ctx)
		if ctx.Err() != nil {
			return nil
		}

		delay := b.backoff.NextDelay()
		b.logger.Warn("Bridge disconnected, reconnecting",
			"error", err,
			"delay", delay)

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
	}
}

// serve 建立一次连接并处理消息直到断开
func (b *Bridge) serve(ctx context.Context) error {
	b.setState(ConnStateConnecting)
	b.logger.Info("Connecting to host", "url", b.config.System.Bridge.URL)

	transport, err := b.newTransport()
	if err != nil {
		b.setState(ConnStateDisconnected)
		return fmt.Errorf("failed to create transport: %w", err)
	}
	if err := transport.Connect(ctx); err != nil {
		b.setState(ConnStateDisconnected)
		return fmt.Errorf("failed to connect to host: %w", err)
	}

	b.stateMutex.Lock()
	b.transport = transport
	b.stateMutex.Unlock()
	defer b.dropTransport(transport)

	var helloErr error
	if err := b.dispatch.Do(ctx, func(context.Context) {
		if helloErr = b.sendJSON(b.helloMessage()); helloErr == nil {
			b.flushHeld()
		}
	}); err != nil {
		return err
	}
	if helloErr != nil {
		return fmt.Errorf("failed to send hello message: %w", helloErr)
	}

	b.backoff.Reset()
	b.setState(ConnStateConnected)
	b.logger.Info("Connected to host successfully", "transport", transport.ProtocolType())

	msgChan := transport.Receive()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-msgChan:
			if !ok {
				return ErrConnectionLost
			}
			if msg.Type != interfaces.MsgText {
				b.logger.Debug("Ignoring non-text message", "size", len(msg.Payload))
				continue
			}
			if err := b.handleMessage(msg.Payload); err != nil {
				b.logger.Error("Failed to handle message", "error", err)
			}
		}
	}
}

func (b *Bridge) dropTransport(t interfaces.TransportProtocol) {
	b.stateMutex.Lock()
	if b.transport == t {
		b.transport = nil
	}
	b.stateMutex.Unlock()

	if err := t.Close(); err != nil {
		b.logger.Debug("Failed to close transport", "error", err)
	}
	b.setState(ConnStateDisconnected)
}

// GetState 获取当前连接状态
func (b *Bridge) GetState() ConnState {
	b.stateMutex.RLock()
	defer b.stateMutex.RUnlock()
	return b.state
}

// Ready 供就绪检查使用
func (b *Bridge) Ready(context.Context) error {
	if state := b.GetState(); state != ConnStateConnected {
		return fmt.Errorf("bridge %s", state)
	}
	return nil
}

// 设置连接状态
func (b *Bridge) setState(newState ConnState) {
	b.stateMutex.Lock()
	defer b.stateMutex.Unlock()

	oldState := b.state
	if oldState != newState {
		b.state = newState
		b.logger.Info("State changed",
			"from", oldState,
			"to", newState)
	}
}

type inboundMessage struct {
	Type    string            `json:"type"`
	ID      int64             `json:"id"`
	Module  string            `json:"module"`
	Method  string            `json:"method"`
	Args    []json.RawMessage `json:"args"`
	Message string            `json:"message"`
}

type replyMessage struct {
	Type   string          `json:"type"`
	ID     int64           `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *ErrorPayload   `json:"error,omitempty"`
}

type eventMessage struct {
	Type   string `json:"type"`
	Module string `json:"module"`
	Name   string `json:"name"`
	Body   any    `json:"body"`
}

type moduleDescription struct {
	Methods   []string       `json:"methods"`
	Constants map[string]any `json:"constants,omitempty"`
}

type helloMessage struct {
	Type     string                       `json:"type"`
	Version  int                          `json:"version"`
	DeviceID string                       `json:"device_id,omitempty"`
	ClientID string                       `json:"client_id,omitempty"`
	Modules  map[string]moduleDescription `json:"modules"`
}

func (b *Bridge) helloMessage() helloMessage {
	b.modulesMu.RLock()
	defer b.modulesMu.RUnlock()

	modules := make(map[string]moduleDescription, len(b.modules))
	for name, mod := range b.modules {
		methods := make([]string, 0, len(mod.methods))
		for m := range mod.methods {
			methods = append(methods, m)
		}
		sort.Strings(methods)
		modules[name] = moduleDescription{Methods: methods, Constants: mod.constants}
	}

	return helloMessage{
		Type:     "hello",
		Version:  bridgeProtocolVersion,
		DeviceID: b.config.System.DeviceID,
		ClientID: b.config.System.ClientID,
		Modules:  modules,
	}
}

// 处理接收到的消息
func (b *Bridge) handleMessage(data []byte) error {
	if len(data) == 0 {
		b.logger.Debug("Empty message received")
		return nil
	}

	var msg inboundMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		b.logger.Error("JSON unmarshal failed",
			"error", err,
			"raw_data", string(data))
		return fmt.Errorf("failed to unmarshal message: %w", err)
	}

	switch msg.Type {
	case "call":
		b.handleCall(msg)
		return nil
	case "hello":
		b.logger.Info("Received hello from host", "raw", string(data))
		return nil
	case "error":
		b.logger.Error("Received error message from host", "error", msg.Message)
		return nil
	case "":
		return errors.New("message type is missing")
	default:
		b.logger.Warn("Unknown message type received", "type", msg.Type)
		return nil
	}
}

func (b *Bridge) handleCall(msg inboundMessage) {
	b.modulesMu.RLock()
	mod, ok := b.modules[msg.Module]
	b.modulesMu.RUnlock()

	var method Method
	if ok {
		method = mod.methods[msg.Method]
	}
	if method == nil {
		err := fmt.Errorf("%w: %s.%s", ErrUnknownMethod, msg.Module, msg.Method)
		b.dispatch.Post(func(context.Context) { b.reply(msg, nil, err) })
		return
	}

	b.logger.Debug("Dispatching call", "id", msg.ID, "module", msg.Module, "method", msg.Method)
	mod.calls.Post(func(ctx context.Context) {
		result, err := b.invoke(ctx, method, msg.Args)
		b.dispatch.Post(func(context.Context) { b.reply(msg, result, err) })
	})
}

// invoke 调用方法，panic 转换为 RUNTIME_EXCEPTION
func (b *Bridge) invoke(ctx context.Context, method Method, args []json.RawMessage) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = newError(KindIOFailure, CodeRuntimeException, fmt.Sprintf("panic: %v", r), nil)
		}
	}()
	return method(ctx, args)
}

func (b *Bridge) reply(msg inboundMessage, result any, err error) {
	status := "ok"
	r := replyMessage{Type: "reply", ID: msg.ID}
	if err != nil {
		status = "error"
		p := ToPayload(err)
		r.Error = &p
	} else if result != nil {
		raw, mErr := json.Marshal(result)
		if mErr != nil {
			status = "error"
			p := ToPayload(fmt.Errorf("failed to marshal result: %w", mErr))
			r.Error = &p
		} else {
			r.Result = raw
		}
	}

	b.metrics.RecordBridgeCall(context.Background(), msg.Module, msg.Method, status)
	if sendErr := b.sendJSON(r); sendErr != nil {
		b.logger.Warn("Failed to send reply",
			"id", msg.ID,
			"method", msg.Method,
			"error", sendErr)
	}
}

// Emit 实现 Emitter，在调度上下文中调用。
// 发送失败时进度类事件被丢弃，终止事件保留到下次 hello 之后补发。
func (b *Bridge) Emit(module, name string, body any) {
	b.metrics.RecordBridgeEvent(context.Background(), module, name)
	ev := eventMessage{Type: "event", Module: module, Name: name, Body: body}
	err := b.sendJSON(ev)
	if err == nil {
		return
	}
	if !isTerminalEvent(name) {
		b.logger.Debug("Dropping event while disconnected",
			"module", module,
			"event", name,
			"error", err)
		return
	}

	if len(b.held) == maxHeldEvents {
		b.logger.Warn("Held event queue full, dropping oldest",
			"module", b.held[0].Module,
			"event", b.held[0].Name)
		b.held = b.held[1:]
	}
	b.held = append(b.held, ev)
	b.logger.Warn("Holding event until reconnect",
		"module", module,
		"event", name,
		"held", len(b.held),
		"error", err)
}

// flushHeld 补发断线期间保留的终止事件，调度上下文中调用
func (b *Bridge) flushHeld() {
	for len(b.held) > 0 {
		ev := b.held[0]
		if err := b.sendJSON(ev); err != nil {
			b.logger.Warn("Failed to flush held event",
				"module", ev.Module,
				"event", ev.Name,
				"error", err)
			return
		}
		b.held = b.held[1:]
	}
	b.held = nil
}

func isTerminalEvent(name string) bool {
	return name == EventPlayerFinished || name == EventRecordingFinished
}

// SessionCloser 可被 Drain 关闭的管理器
type SessionCloser interface {
	Close(ctx context.Context)
}

// Drain 结束所有会话并等待终止事件经调度器发出。
// 关闭时须先 Drain 再取消 Bridge.Run，否则终止事件会在断开后才入队。
func Drain(ctx context.Context, dispatch *Dispatcher, managers ...SessionCloser) error {
	for _, m := range managers {
		m.Close(ctx)
	}
	// 原生回调入队的处理任务可能再入队事件，因此同步两轮
	for i := 0; i < 2; i++ {
		if err := dispatch.Sync(ctx); err != nil {
			return err
		}
	}
	return nil
}

// 发送 JSON 消息
func (b *Bridge) sendJSON(data any) error {
	b.stateMutex.RLock()
	transport := b.transport
	b.stateMutex.RUnlock()

	if transport == nil {
		return ErrConnectionLost
	}

	msg, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	b.logger.Debug("Sending JSON message", "json", string(msg))
	return transport.Send(msg, interfaces.MsgText)
}
