package core

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/lisuiheng/audiobridge/audio"
	"github.com/lisuiheng/audiobridge/observe"
)

const defaultRecorderProgressInterval = time.Second

// 麦克风授权状态
const (
	AuthorizationGranted = "granted"
	AuthorizationDenied  = "denied"
)

// RecorderManager 录音桥模块，同一时间最多一个录音会话
type RecorderManager struct {
	engine           audio.Engine
	ctrl             audio.Controller
	auth             audio.Authorizer
	dispatch         *Dispatcher
	emitter          Emitter
	metrics          *observe.Metrics
	logger           *slog.Logger
	progressInterval time.Duration

	mu       sync.Mutex
	prepared *preparedRecording
	current  *recording
}

type preparedRecording struct {
	path string
	opts RecordingOptions
}

type recording struct {
	id       string
	path     string
	opts     RecordingOptions
	recorder audio.Recorder
	state    SessionState
	started  time.Time
	done     chan struct{}
}

func (r *recording) snapshot() RecordingSession {
	return RecordingSession{
		ID:           r.id,
		Path:         r.path,
		AudioFileURL: fileURL(r.path),
		Elapsed:      r.recorder.Elapsed().Seconds(),
		State:        r.state,
		Options:      r.opts,
	}
}

// NewRecorderManager 创建录音管理器，progressInterval 为 0 时使用 1s
func NewRecorderManager(deps Deps, auth audio.Authorizer, progressInterval time.Duration) (*RecorderManager, error) {
	if err := deps.validate(); err != nil {
		return nil, err
	}
	if auth == nil {
		auth = audio.StaticAuthorizer{Granted: true}
	}
	if progressInterval <= 0 {
		progressInterval = defaultRecorderProgressInterval
	}

	return &RecorderManager{
		engine:           deps.Engine,
		ctrl:             deps.Controller,
		auth:             auth,
		dispatch:         deps.Dispatcher,
		emitter:          deps.Emitter,
		metrics:          deps.Metrics,
		logger:           deps.Logger.With("module", ModuleRecorder),
		progressInterval: progressInterval,
	}, nil
}

// PrepareRecordingAtPath 校验并保存目标路径与参数，供不带路径的 StartRecording 使用
func (m *RecorderManager) PrepareRecordingAtPath(ctx context.Context, path string, opts RecordingOptions) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current != nil {
		return m.fail(ctx, newError(KindResourceUnavailable, CodeSessionActive,
			fmt.Sprintf("recording session %s is already active", m.current.id), nil))
	}

	path, opts, err := m.checkRequest(ctx, path, opts)
	if err != nil {
		return err
	}

	m.prepared = &preparedRecording{path: path, opts: opts}
	m.logger.Info("Recording prepared", "path", path, "encoding", opts.AudioEncoding)
	return nil
}

// StartRecording 开始录音。path 为空时使用 PrepareRecordingAtPath 保存的目标；
// opts 为 nil 时沿用准备阶段的参数或默认值。
func (m *RecorderManager) StartRecording(ctx context.Context, path string, opts *RecordingOptions) (RecordingSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current != nil {
		return RecordingSession{}, m.fail(ctx, newError(KindResourceUnavailable, CodeSessionActive,
			fmt.Sprintf("recording session %s is already active", m.current.id), nil))
	}

	var options RecordingOptions
	switch {
	case path != "":
		if opts != nil {
			options = *opts
		}
	case m.prepared != nil:
		path = m.prepared.path
		options = m.prepared.opts
		if opts != nil {
			options = *opts
		}
	default:
		return RecordingSession{}, m.fail(ctx, newError(KindInvalidState, CodeRecordingNotPrepared,
			"no destination given and no recording prepared", nil))
	}

	path, options, err := m.checkRequest(ctx, path, options)
	if err != nil {
		return RecordingSession{}, err
	}

	// 权限检查先于任何文件操作
	granted, err := m.auth.MicrophoneAuthorized(ctx)
	if err != nil {
		return RecordingSession{}, m.fail(ctx, newError(KindResourceUnavailable, CodePermissionDenied,
			"couldn't determine microphone permission", err))
	}
	if !granted {
		return RecordingSession{}, m.fail(ctx, fromAudio(audio.ErrPermissionDenied, "microphone access denied", CodePermissionDenied))
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return RecordingSession{}, m.fail(ctx, newError(KindIOFailure, CodeDestinationNotWritable,
			"couldn't create destination directory", err))
	}

	id := newSessionID()
	if err := m.ctrl.Acquire(audio.OwnerRecorder, audio.CategoryRecord, m.interruptHandler(id)); err != nil {
		return RecordingSession{}, m.fail(ctx, fromAudio(err, "audio session unavailable", CodeAudioSessionBusy))
	}

	rec, err := m.engine.OpenRecorder(ctx, options.recordingConfig(path), m.finishHandler(id))
	if err != nil {
		m.ctrl.Release(audio.OwnerRecorder)
		return RecordingSession{}, m.fail(ctx, recorderError(err, "couldn't prepare recorder"))
	}

	r := &recording{
		id:       id,
		path:     path,
		opts:     options,
		recorder: rec,
		state:    StateRecording,
		started:  time.Now(),
		done:     make(chan struct{}),
	}
	m.current = r
	m.prepared = nil
	m.metrics.RecordSessionStart(ctx, ModuleRecorder)

	m.emit(EventRecordingStarted, RecordingStartedEvent{
		SessionID:    id,
		Path:         path,
		AudioFileURL: fileURL(path),
	})

	if err := rec.Start(); err != nil {
		e := recorderError(err, "couldn't start recording")
		m.endLocked(ctx, r, e)
		if rmErr := os.Remove(path); rmErr != nil && !os.IsNotExist(rmErr) {
			m.logger.Warn("Failed to remove empty recording", "path", path, "error", rmErr)
		}
		return RecordingSession{}, m.fail(ctx, e)
	}

	go m.progressLoop(r)

	m.logger.Info("Recording started",
		"session", id,
		"path", path,
		"sample_rate", options.SampleRate,
		"channels", options.Channels,
		"encoding", options.AudioEncoding)
	return r.snapshot(), nil
}

// PauseRecording 暂停采集，文件保持打开
func (m *RecorderManager) PauseRecording(ctx context.Context) (RecordingSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, err := m.activeLocked(ctx)
	if err != nil {
		return RecordingSession{}, err
	}
	if r.state != StateRecording {
		return RecordingSession{}, m.fail(ctx, invalidState("recording is %s", r.state))
	}
	if err := r.recorder.Pause(); err != nil {
		return RecordingSession{}, m.fail(ctx, recorderError(err, "couldn't pause recording"))
	}

	m.setState(r, StatePaused)
	return r.snapshot(), nil
}

// ResumeRecording 从暂停继续采集
func (m *RecorderManager) ResumeRecording(ctx context.Context) (RecordingSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, err := m.activeLocked(ctx)
	if err != nil {
		return RecordingSession{}, err
	}
	if r.state != StatePaused {
		return RecordingSession{}, m.fail(ctx, invalidState("recording is %s", r.state))
	}
	if err := r.recorder.Resume(); err != nil {
		return RecordingSession{}, m.fail(ctx, recorderError(err, "couldn't resume recording"))
	}

	m.setState(r, StateRecording)
	return r.snapshot(), nil
}

// StopRecording 完成文件写入并发出终止事件
func (m *RecorderManager) StopRecording(ctx context.Context) (RecordingSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, err := m.activeLocked(ctx)
	if err != nil {
		return RecordingSession{}, err
	}

	ev, failure := m.endLocked(ctx, r, nil)
	snap := RecordingSession{
		ID:           r.id,
		Path:         r.path,
		AudioFileURL: fileURL(r.path),
		Elapsed:      ev.Duration,
		State:        StateIdle,
		Options:      r.opts,
	}
	if failure != nil {
		return snap, m.fail(ctx, failure)
	}
	return snap, nil
}

// CheckAuthorizationStatus 返回 granted 或 denied
func (m *RecorderManager) CheckAuthorizationStatus(ctx context.Context) (string, error) {
	granted, err := m.auth.MicrophoneAuthorized(ctx)
	if err != nil {
		return "", m.fail(ctx, newError(KindResourceUnavailable, CodePermissionDenied,
			"couldn't determine microphone permission", err))
	}
	if granted {
		return AuthorizationGranted, nil
	}
	return AuthorizationDenied, nil
}

// RequestAuthorization 请求麦克风权限
func (m *RecorderManager) RequestAuthorization(ctx context.Context) (bool, error) {
	granted, err := m.auth.RequestMicrophone(ctx)
	if err != nil {
		return false, m.fail(ctx, newError(KindResourceUnavailable, CodePermissionDenied,
			"microphone permission request failed", err))
	}
	return granted, nil
}

// Current 返回当前录音会话快照，没有会话时 State 为 idle
func (m *RecorderManager) Current() RecordingSession {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current == nil {
		return RecordingSession{State: StateIdle}
	}
	return m.current.snapshot()
}

// Close 结束活跃会话，已写入的数据会被保存
func (m *RecorderManager) Close(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current != nil {
		m.endLocked(ctx, m.current, nil)
	}
}

// checkRequest 校验路径与参数，返回补全默认值后的结果
func (m *RecorderManager) checkRequest(ctx context.Context, path string, opts RecordingOptions) (string, RecordingOptions, error) {
	path = strings.TrimPrefix(strings.TrimSpace(path), "file://")
	if path == "" {
		return "", opts, m.fail(ctx, newError(KindInvalidArgument, CodeInvalidPath, "empty destination path", nil))
	}
	if info, err := os.Stat(path); err == nil && info.IsDir() {
		return "", opts, m.fail(ctx, newError(KindInvalidArgument, CodeInvalidPath,
			fmt.Sprintf("destination %s is a directory", path), nil))
	}

	opts = opts.withDefaults()
	if err := audio.ValidateRecordingConfig(opts.recordingConfig(path)); err != nil {
		return "", opts, m.fail(ctx, recorderError(err, "invalid recording options"))
	}
	return path, opts, nil
}

func (m *RecorderManager) activeLocked(ctx context.Context) (*recording, error) {
	if m.current == nil {
		return nil, m.fail(ctx, invalidState("no active recording session"))
	}
	return m.current, nil
}

// endLocked 停止录音并发出唯一的终止事件。cause 为 nil 时按文件写入结果决定 OK 或 ERROR，
// 返回的 *Error 非 nil 表示会话以 ERROR 结束。
func (m *RecorderManager) endLocked(ctx context.Context, r *recording, cause *Error) (RecordingFinishedEvent, *Error) {
	m.current = nil
	close(r.done)

	stopErr := r.recorder.Stop()
	m.ctrl.Release(audio.OwnerRecorder)

	ev := RecordingFinishedEvent{
		SessionID: r.id,
		Path:      r.path,
		Duration:  r.recorder.Elapsed().Seconds(),
	}

	failure := cause
	if failure == nil && stopErr != nil {
		failure = recorderError(stopErr, "couldn't finalize recording")
	}
	if failure == nil && r.opts.IncludeBase64 {
		data, err := os.ReadFile(r.path)
		if err != nil {
			failure = newError(KindIOFailure, CodeRuntimeException, "couldn't read recording", err)
		} else {
			ev.Base64 = base64.StdEncoding.EncodeToString(data)
		}
	}

	if failure != nil {
		ev.Status = StatusError
		ev.Base64 = ""
		ev.Error = errorPayload(failure)
	} else {
		ev.Status = StatusOK
		ev.AudioFileURL = fileURL(r.path)
	}

	m.metrics.RecordSessionFinish(ctx, ModuleRecorder, string(ev.Status), time.Since(r.started))
	m.emit(EventRecordingFinished, ev)

	m.logger.Info("Recording finished",
		"session", r.id,
		"status", ev.Status,
		"path", r.path,
		"duration", ev.Duration)
	return ev, failure
}

func (m *RecorderManager) finishHandler(id string) audio.FinishFunc {
	return func(err error) {
		m.dispatch.Post(func(ctx context.Context) {
			m.onNativeFinish(ctx, id, err)
		})
	}
}

func (m *RecorderManager) interruptHandler(id string) func(reason string) {
	finish := m.finishHandler(id)
	return func(reason string) {
		finish(fmt.Errorf("%w: %s", audio.ErrInterrupted, reason))
	}
}

// onNativeFinish 在调度上下文中处理原生录音器自行结束
func (m *RecorderManager) onNativeFinish(ctx context.Context, id string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r := m.current
	if r == nil || r.id != id {
		m.logger.Debug("Dropping callback for ended session", "session", id, "error", err)
		return
	}

	if err == nil {
		m.endLocked(ctx, r, nil)
		return
	}

	e := recorderError(err, "recording failed")
	m.metrics.RecordOperationError(ctx, ModuleRecorder, e.Code)
	m.endLocked(ctx, r, e)
}

func (m *RecorderManager) progressLoop(r *recording) {
	ticker := time.NewTicker(m.progressInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.done:
			return
		case <-ticker.C:
			m.mu.Lock()
			if m.current != r {
				m.mu.Unlock()
				return
			}
			if r.state == StateRecording {
				ev := RecordingProgressEvent{
					SessionID:   r.id,
					CurrentTime: r.recorder.Elapsed().Seconds(),
				}
				if r.opts.MeteringEnabled {
					level := r.recorder.Level()
					ev.CurrentMetering = &level
				}
				m.emit(EventRecordingProgress, ev)
			}
			m.mu.Unlock()
		}
	}
}

func (m *RecorderManager) setState(r *recording, state SessionState) {
	if r.state == state {
		return
	}
	m.logger.Info("State changed",
		"session", r.id,
		"from", r.state,
		"to", state)
	r.state = state
}

func (m *RecorderManager) emit(name string, body any) {
	m.dispatch.Post(func(context.Context) {
		m.emitter.Emit(ModuleRecorder, name, body)
	})
}

func (m *RecorderManager) fail(ctx context.Context, e *Error) error {
	m.metrics.RecordOperationError(ctx, ModuleRecorder, e.Code)
	m.logger.Warn("Operation failed", "code", e.Code, "kind", e.Kind, "error", e.Error())
	return e
}

// recorderError 录音侧的错误映射，不支持的编码报 UNSUPPORTED_ENCODING
func recorderError(err error, msg string) *Error {
	e := fromAudio(err, msg, CodeRuntimeException)
	if e.Code == CodeUnsupportedFormat {
		e = newError(e.Kind, CodeUnsupportedEncoding, e.Msg, e.Err)
	}
	return e
}
