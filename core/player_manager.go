package core

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/lisuiheng/audiobridge/audio"
	"github.com/lisuiheng/audiobridge/observe"
)

const defaultPlayerProgressInterval = 250 * time.Millisecond

// PlayerManager 播放桥模块，同一时间最多一个播放会话
type PlayerManager struct {
	engine           audio.Engine
	ctrl             audio.Controller
	dispatch         *Dispatcher
	emitter          Emitter
	metrics          *observe.Metrics
	logger           *slog.Logger
	progressInterval time.Duration

	mu      sync.Mutex
	current *playback
	opening *opening
}

// opening 正在打开播放器的预留会话，占住会话槽位与音频会话
type opening struct {
	id     string
	cancel context.CancelFunc
	// cause 打开期间被打断或关闭的原因
	cause *Error
}

type playback struct {
	id      string
	source  string
	player  audio.Player
	volume  float64
	state   SessionState
	started time.Time
	done    chan struct{}
}

func (p *playback) snapshot() PlaybackSession {
	return PlaybackSession{
		ID:       p.id,
		Source:   p.source,
		Position: p.player.Position().Seconds(),
		Duration: p.player.Duration().Seconds(),
		Volume:   p.volume,
		State:    p.state,
	}
}

// NewPlayerManager 创建播放管理器，progressInterval 为 0 时使用 250ms
func NewPlayerManager(deps Deps, progressInterval time.Duration) (*PlayerManager, error) {
	if err := deps.validate(); err != nil {
		return nil, err
	}
	if progressInterval <= 0 {
		progressInterval = defaultPlayerProgressInterval
	}

	return &PlayerManager{
		engine:           deps.Engine,
		ctrl:             deps.Controller,
		dispatch:         deps.Dispatcher,
		emitter:          deps.Emitter,
		metrics:          deps.Metrics,
		logger:           deps.Logger.With("module", ModulePlayer),
		progressInterval: progressInterval,
	}, nil
}

// Play 打开并开始播放本地路径或 http(s) URL。
// 已有会话时返回 SESSION_ACTIVE，录音占用音频会话时返回 AUDIO_SESSION_BUSY。
func (m *PlayerManager) Play(ctx context.Context, location string, opts PlayOptions) (PlaybackSession, error) {
	volume := 1.0
	if opts.Volume != nil {
		volume = *opts.Volume
	}
	if volume < 0 || volume > 1 {
		return PlaybackSession{}, m.fail(ctx, invalidArgument("volume %v out of range [0, 1]", volume))
	}

	src, err := audio.ParseSource(location)
	if err != nil {
		return PlaybackSession{}, m.fail(ctx, fromAudio(err, "invalid source", CodeInvalidPath))
	}

	m.mu.Lock()
	if active := m.activeIDLocked(); active != "" {
		m.mu.Unlock()
		return PlaybackSession{}, m.fail(ctx, newError(KindResourceUnavailable, CodeSessionActive,
			fmt.Sprintf("playback session %s is already active", active), nil))
	}

	id := newSessionID()
	if err := m.ctrl.Acquire(audio.OwnerPlayer, audio.CategoryPlayback, m.interruptHandler(id)); err != nil {
		m.mu.Unlock()
		return PlaybackSession{}, m.fail(ctx, fromAudio(err, "audio session unavailable", CodeAudioSessionBusy))
	}
	openCtx, cancel := context.WithCancel(ctx)
	pending := &opening{id: id, cancel: cancel}
	m.opening = pending
	m.mu.Unlock()

	// 远程拉取可能较慢，解码期间不持有 m.mu
	player, err := m.engine.OpenPlayer(openCtx, src, audio.PlayerOptions{Volume: volume, Output: opts.Output}, m.finishHandler(id))
	cancel()

	m.mu.Lock()
	defer m.mu.Unlock()
	m.opening = nil

	if pending.cause != nil {
		if player != nil {
			if err := player.Stop(); err != nil {
				m.logger.Warn("Failed to stop player", "session", id, "error", err)
			}
		}
		m.ctrl.Release(audio.OwnerPlayer)
		return PlaybackSession{}, m.fail(ctx, pending.cause)
	}
	if err != nil {
		m.ctrl.Release(audio.OwnerPlayer)
		return PlaybackSession{}, m.fail(ctx, fromAudio(err, "couldn't prepare player", CodePrepareFailed))
	}

	p := &playback{
		id:      id,
		source:  src.Location,
		player:  player,
		volume:  volume,
		state:   StatePlaying,
		started: time.Now(),
		done:    make(chan struct{}),
	}
	m.current = p
	m.metrics.RecordSessionStart(ctx, ModulePlayer)

	// 确认事件先于原生播放入队
	m.emit(EventPlayerStarted, PlayerStartedEvent{
		SessionID: id,
		Path:      p.source,
		Duration:  player.Duration().Seconds(),
	})

	if err := player.Play(); err != nil {
		e := fromAudio(err, "couldn't start playback", CodePrepareFailed)
		m.endLocked(ctx, p, StatusError, e)
		return PlaybackSession{}, m.fail(ctx, e)
	}

	go m.progressLoop(p)

	m.logger.Info("Playback started",
		"session", id,
		"source", p.source,
		"duration", player.Duration(),
		"volume", volume)
	return p.snapshot(), nil
}

// Pause 暂停当前会话
func (m *PlayerManager) Pause(ctx context.Context) (PlaybackSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, err := m.activeLocked(ctx)
	if err != nil {
		return PlaybackSession{}, err
	}
	if p.state != StatePlaying {
		return PlaybackSession{}, m.fail(ctx, invalidState("playback is %s", p.state))
	}
	if err := p.player.Pause(); err != nil {
		return PlaybackSession{}, m.fail(ctx, fromAudio(err, "couldn't pause", CodeInvalidState))
	}

	m.setState(p, StatePaused)
	return p.snapshot(), nil
}

// Unpause 从暂停位置继续
func (m *PlayerManager) Unpause(ctx context.Context) (PlaybackSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, err := m.activeLocked(ctx)
	if err != nil {
		return PlaybackSession{}, err
	}
	if p.state != StatePaused {
		return PlaybackSession{}, m.fail(ctx, invalidState("playback is %s", p.state))
	}
	if err := p.player.Play(); err != nil {
		return PlaybackSession{}, m.fail(ctx, fromAudio(err, "couldn't resume", CodeInvalidState))
	}

	m.setState(p, StatePlaying)
	return p.snapshot(), nil
}

// Stop 结束当前会话并发出 STOPPED 终止事件，之后到达的原生回调被丢弃
func (m *PlayerManager) Stop(ctx context.Context) (PlaybackSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, err := m.activeLocked(ctx)
	if err != nil {
		return PlaybackSession{}, err
	}

	snap := p.snapshot()
	snap.State = StateIdle
	m.endLocked(ctx, p, StatusStopped, nil)
	return snap, nil
}

// SetVolume 设置音量，取值 [0, 1]
func (m *PlayerManager) SetVolume(ctx context.Context, level float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, err := m.activeLocked(ctx)
	if err != nil {
		return err
	}
	if level < 0 || level > 1 {
		return m.fail(ctx, invalidArgument("volume %v out of range [0, 1]", level))
	}

	p.player.SetVolume(level)
	p.volume = level
	return nil
}

// SetCurrentTime 跳转到指定秒数
func (m *PlayerManager) SetCurrentTime(ctx context.Context, secs float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, err := m.activeLocked(ctx)
	if err != nil {
		return err
	}

	duration := p.player.Duration()
	target := time.Duration(secs * float64(time.Second))
	if secs < 0 || target > duration {
		return m.fail(ctx, invalidArgument("position %.3fs outside [0, %.3fs]", secs, duration.Seconds()))
	}
	if err := p.player.Seek(target); err != nil {
		return m.fail(ctx, fromAudio(err, "couldn't seek", CodeInvalidArgument))
	}
	return nil
}

// SkipToSeconds 等同 SetCurrentTime
func (m *PlayerManager) SkipToSeconds(ctx context.Context, secs float64) error {
	return m.SetCurrentTime(ctx, secs)
}

// Duration 返回当前会话的时长（秒）
func (m *PlayerManager) Duration(ctx context.Context) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, err := m.activeLocked(ctx)
	if err != nil {
		return 0, err
	}
	return p.player.Duration().Seconds(), nil
}

// DurationFromPath 不播放，只解码并返回时长（秒）
func (m *PlayerManager) DurationFromPath(ctx context.Context, location string) (float64, error) {
	src, err := audio.ParseSource(location)
	if err != nil {
		return 0, m.fail(ctx, fromAudio(err, "invalid source", CodeInvalidPath))
	}

	d, err := m.engine.Probe(ctx, src)
	if err != nil {
		return 0, m.fail(ctx, fromAudio(err, "couldn't read duration", CodePrepareFailed))
	}
	return d.Seconds(), nil
}

// Outputs 列出输出设备
func (m *PlayerManager) Outputs(ctx context.Context) ([]string, error) {
	names, err := m.engine.Outputs()
	if err != nil {
		return nil, m.fail(ctx, fromAudio(err, "couldn't list outputs", CodeDeviceUnavailable))
	}
	if names == nil {
		names = []string{}
	}
	return names, nil
}

// Current 返回当前会话快照，没有会话时 State 为 idle
func (m *PlayerManager) Current() PlaybackSession {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current == nil {
		return PlaybackSession{State: StateIdle}
	}
	return m.current.snapshot()
}

// Close 停止活跃会话
func (m *PlayerManager) Close(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.opening != nil {
		m.opening.abort(invalidState("player manager closed while opening"))
	}
	if m.current != nil {
		m.endLocked(ctx, m.current, StatusStopped, nil)
	}
}

func (o *opening) abort(cause *Error) {
	if o.cause == nil {
		o.cause = cause
	}
	o.cancel()
}

// activeIDLocked 返回已开始或正在打开的会话 ID
func (m *PlayerManager) activeIDLocked() string {
	switch {
	case m.current != nil:
		return m.current.id
	case m.opening != nil:
		return m.opening.id
	}
	return ""
}

func (m *PlayerManager) activeLocked(ctx context.Context) (*playback, error) {
	if m.current == nil {
		return nil, m.fail(ctx, invalidState("no active playback session"))
	}
	return m.current, nil
}

// endLocked 释放会话资源并发出唯一的终止事件，调用方持有 m.mu
func (m *PlayerManager) endLocked(ctx context.Context, p *playback, status Status, cause error) {
	m.current = nil
	close(p.done)

	position := p.player.Position()
	if status == StatusOK {
		position = p.player.Duration()
	}
	if err := p.player.Stop(); err != nil {
		m.logger.Warn("Failed to stop player", "session", p.id, "error", err)
	}
	m.ctrl.Release(audio.OwnerPlayer)

	m.metrics.RecordSessionFinish(ctx, ModulePlayer, string(status), time.Since(p.started))
	m.emit(EventPlayerFinished, PlayerFinishedEvent{
		SessionID:   p.id,
		Status:      status,
		Path:        p.source,
		Duration:    p.player.Duration().Seconds(),
		CurrentTime: position.Seconds(),
		Error:       errorPayload(cause),
	})

	m.logger.Info("Playback finished",
		"session", p.id,
		"status", status,
		"position", position,
		"error", cause)
}

func (m *PlayerManager) finishHandler(id string) audio.FinishFunc {
	return func(err error) {
		m.dispatch.Post(func(ctx context.Context) {
			m.onNativeFinish(ctx, id, err)
		})
	}
}

func (m *PlayerManager) interruptHandler(id string) func(reason string) {
	finish := m.finishHandler(id)
	return func(reason string) {
		finish(fmt.Errorf("%w: %s", audio.ErrInterrupted, reason))
	}
}

// onNativeFinish 在调度上下文中处理原生结束回调
func (m *PlayerManager) onNativeFinish(ctx context.Context, id string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if o := m.opening; o != nil && o.id == id && err != nil {
		m.logger.Warn("Session ended while opening", "session", id, "error", err)
		o.abort(fromAudio(err, "playback failed", CodePrepareFailed))
		return
	}

	p := m.current
	if p == nil || p.id != id {
		m.logger.Debug("Dropping callback for ended session", "session", id, "error", err)
		return
	}

	if err == nil {
		m.endLocked(ctx, p, StatusOK, nil)
		return
	}

	e := fromAudio(err, "playback failed", CodePrepareFailed)
	m.metrics.RecordOperationError(ctx, ModulePlayer, e.Code)
	m.endLocked(ctx, p, StatusError, e)
}

func (m *PlayerManager) progressLoop(p *playback) {
	ticker := time.NewTicker(m.progressInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.done:
			return
		case <-ticker.C:
			m.mu.Lock()
			if m.current != p {
				m.mu.Unlock()
				return
			}
			if p.state == StatePlaying {
				m.emit(EventPlayerProgress, PlayerProgressEvent{
					SessionID:   p.id,
					CurrentTime: p.player.Position().Seconds(),
					Duration:    p.player.Duration().Seconds(),
				})
			}
			m.mu.Unlock()
		}
	}
}

// 设置会话状态
func (m *PlayerManager) setState(p *playback, state SessionState) {
	if p.state == state {
		return
	}
	m.logger.Info("State changed",
		"session", p.id,
		"from", p.state,
		"to", state)
	p.state = state
}

func (m *PlayerManager) emit(name string, body any) {
	m.dispatch.Post(func(context.Context) {
		m.emitter.Emit(ModulePlayer, name, body)
	})
}

func (m *PlayerManager) fail(ctx context.Context, e *Error) error {
	m.metrics.RecordOperationError(ctx, ModulePlayer, e.Code)
	m.logger.Warn("Operation failed", "code", e.Code, "kind", e.Kind, "error", e.Error())
	return e
}
