// Package mock 提供 audio.Engine、audio.Player、audio.Recorder 与 audio.Authorizer
// 的内存实现，供上层单元测试使用。
//
// 所有 mock 都可并发使用。通过导出字段控制返回值，通过 CallCount*/Calls 字段断言调用。
// Player.Finish 与 Recorder.Finish 模拟原生层自行结束时的回调。
//
//	eng := &mock.Engine{PlayerDuration: 3 * time.Second}
//	p, _ := eng.OpenPlayer(ctx, src, opts, onFinish)
//	eng.LastPlayer().Finish(nil) // 播放自然结束
package mock

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/lisuiheng/audiobridge/audio"
)

var (
	_ audio.Engine     = (*Engine)(nil)
	_ audio.Player     = (*Player)(nil)
	_ audio.Recorder   = (*Recorder)(nil)
	_ audio.Authorizer = (*Authorizer)(nil)
)

// ─── Engine ──────────────────────────────────────────────────────────────────

// OpenPlayerCall 记录一次 OpenPlayer 调用
type OpenPlayerCall struct {
	Source  audio.Source
	Options audio.PlayerOptions
}

// Engine 是 audio.Engine 的 mock 实现
type Engine struct {
	mu sync.Mutex

	// OpenPlayerError 非 nil 时 OpenPlayer 直接返回该错误
	OpenPlayerError error
	// OpenPlayerGate 非 nil 时 OpenPlayer 在记录调用后阻塞到该通道关闭，模拟远程拉取
	OpenPlayerGate chan struct{}
	// PlayerDuration 新建 Player 的时长
	PlayerDuration time.Duration
	// PlayError 赋给新建 Player 的 PlayError
	PlayError error

	// OpenRecorderError 非 nil 时 OpenRecorder 直接返回该错误
	OpenRecorderError error
	// StartError 赋给新建 Recorder 的 StartError
	StartError error
	// FileContent 录音器打开时写入目标路径的内容，nil 时写入占位数据
	FileContent []byte

	ProbeResult   time.Duration
	ProbeError    error
	OutputsResult []string
	OutputsError  error
	CloseError    error

	OpenPlayerCalls   []OpenPlayerCall
	OpenRecorderCalls []audio.RecordingConfig
	ProbeCalls        []audio.Source
	CallCountOutputs  int
	CallCountClose    int

	players   []*Player
	recorders []*Recorder
}

// OpenPlayer 实现 audio.Engine
func (e *Engine) OpenPlayer(ctx context.Context, src audio.Source, opts audio.PlayerOptions, onFinish audio.FinishFunc) (audio.Player, error) {
	e.mu.Lock()
	e.OpenPlayerCalls = append(e.OpenPlayerCalls, OpenPlayerCall{Source: src, Options: opts})
	gate := e.OpenPlayerGate
	e.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.OpenPlayerError != nil {
		return nil, e.OpenPlayerError
	}
	p := &Player{
		PlayError: e.PlayError,
		Volume:    opts.Volume,
		Dur:       e.PlayerDuration,
		onFinish:  onFinish,
	}
	e.players = append(e.players, p)
	return p, nil
}

// OpenRecorder 实现 audio.Engine，会在 cfg.Path 写入 FileContent
func (e *Engine) OpenRecorder(_ context.Context, cfg audio.RecordingConfig, onFinish audio.FinishFunc) (audio.Recorder, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.OpenRecorderCalls = append(e.OpenRecorderCalls, cfg)
	if e.OpenRecorderError != nil {
		return nil, e.OpenRecorderError
	}
	if err := audio.ValidateRecordingConfig(cfg); err != nil {
		return nil, err
	}

	content := e.FileContent
	if content == nil {
		content = []byte("mock-audio")
	}
	if err := os.WriteFile(cfg.Path, content, 0o644); err != nil {
		return nil, fmt.Errorf("%w: %v", audio.ErrDestinationInvalid, err)
	}

	r := &Recorder{
		StartError:  e.StartError,
		Config:      cfg,
		LevelResult: audio.MinLevel,
		onFinish:    onFinish,
	}
	e.recorders = append(e.recorders, r)
	return r, nil
}

// Probe 实现 audio.Engine
func (e *Engine) Probe(_ context.Context, src audio.Source) (time.Duration, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.ProbeCalls = append(e.ProbeCalls, src)
	return e.ProbeResult, e.ProbeError
}

// Outputs 实现 audio.Engine
func (e *Engine) Outputs() ([]string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.CallCountOutputs++
	return e.OutputsResult, e.OutputsError
}

// Close 实现 audio.Engine
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.CallCountClose++
	return e.CloseError
}

// OpenPlayerCallCount 并发安全地返回 OpenPlayer 的调用次数
func (e *Engine) OpenPlayerCallCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.OpenPlayerCalls)
}

// LastPlayer 返回最近创建的 Player，没有时返回 nil
func (e *Engine) LastPlayer() *Player {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.players) == 0 {
		return nil
	}
	return e.players[len(e.players)-1]
}

// LastRecorder 返回最近创建的 Recorder，没有时返回 nil
func (e *Engine) LastRecorder() *Recorder {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.recorders) == 0 {
		return nil
	}
	return e.recorders[len(e.recorders)-1]
}

// ─── Player ──────────────────────────────────────────────────────────────────

// Player 是 audio.Player 的 mock 实现
type Player struct {
	mu sync.Mutex

	PlayError  error
	PauseError error
	SeekError  error

	Playing bool
	Stopped bool
	Volume  float64
	Pos     time.Duration
	Dur     time.Duration

	CallCountPlay  int
	CallCountPause int
	CallCountStop  int
	SeekCalls      []time.Duration

	onFinish audio.FinishFunc
}

func (p *Player) Play() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.CallCountPlay++
	if p.PlayError != nil {
		return p.PlayError
	}
	p.Playing = true
	return nil
}

func (p *Player) Pause() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.CallCountPause++
	if p.PauseError != nil {
		return p.PauseError
	}
	p.Playing = false
	return nil
}

func (p *Player) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.CallCountStop++
	p.Playing = false
	p.Stopped = true
	p.onFinish = nil
	return nil
}

func (p *Player) SetVolume(v float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Volume = v
}

func (p *Player) Seek(d time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.SeekCalls = append(p.SeekCalls, d)
	if p.SeekError != nil {
		return p.SeekError
	}
	if d < 0 || d > p.Dur {
		return fmt.Errorf("seek %v out of range", d)
	}
	p.Pos = d
	return nil
}

func (p *Player) Position() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.Pos
}

func (p *Player) Duration() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.Dur
}

// IsPlaying 并发安全地读取 Playing
func (p *Player) IsPlaying() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.Playing
}

// Finish 模拟原生播放结束，err 为 nil 表示播放完成。Stop 之后调用无效。
func (p *Player) Finish(err error) {
	p.mu.Lock()
	cb := p.onFinish
	p.Playing = false
	if err == nil {
		p.Pos = p.Dur
	}
	p.mu.Unlock()
	if cb != nil {
		cb(err)
	}
}

// ─── Recorder ────────────────────────────────────────────────────────────────

// Recorder 是 audio.Recorder 的 mock 实现
type Recorder struct {
	mu sync.Mutex

	StartError  error
	PauseError  error
	ResumeError error
	StopError   error

	// Config OpenRecorder 收到的配置
	Config  audio.RecordingConfig
	Running bool
	Paused  bool
	Stopped bool
	// ElapsedResult Elapsed 的返回值
	ElapsedResult time.Duration
	// LevelResult Level 的返回值
	LevelResult float64

	CallCountStart  int
	CallCountPause  int
	CallCountResume int
	CallCountStop   int

	onFinish audio.FinishFunc
}

func (r *Recorder) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.CallCountStart++
	if r.StartError != nil {
		return r.StartError
	}
	r.Running = true
	return nil
}

func (r *Recorder) Pause() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.CallCountPause++
	if r.PauseError != nil {
		return r.PauseError
	}
	r.Paused = true
	return nil
}

func (r *Recorder) Resume() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.CallCountResume++
	if r.ResumeError != nil {
		return r.ResumeError
	}
	r.Paused = false
	return nil
}

func (r *Recorder) Stop() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.CallCountStop++
	r.Running = false
	r.Stopped = true
	r.onFinish = nil
	return r.StopError
}

func (r *Recorder) Elapsed() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ElapsedResult
}

// SetElapsed 并发安全地设置 ElapsedResult
func (r *Recorder) SetElapsed(d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ElapsedResult = d
}

func (r *Recorder) Level() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.LevelResult
}

// SetLevel 并发安全地设置 LevelResult
func (r *Recorder) SetLevel(db float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.LevelResult = db
}

// Finish 模拟原生录音器自行结束（如设备丢失）。Stop 之后调用无效。
func (r *Recorder) Finish(err error) {
	r.mu.Lock()
	cb := r.onFinish
	r.Running = false
	r.mu.Unlock()
	if cb != nil {
		cb(err)
	}
}

// ─── Authorizer ──────────────────────────────────────────────────────────────

// Authorizer 是 audio.Authorizer 的 mock 实现
type Authorizer struct {
	mu sync.Mutex

	// Granted 当前授权状态
	Granted bool
	// GrantOnRequest 为 true 时 RequestMicrophone 会把 Granted 置为 true
	GrantOnRequest bool
	Error          error

	CallCountRequest int
}

func (a *Authorizer) MicrophoneAuthorized(context.Context) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.Granted, a.Error
}

func (a *Authorizer) RequestMicrophone(context.Context) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.CallCountRequest++
	if a.GrantOnRequest {
		a.Granted = true
	}
	return a.Granted, a.Error
}
