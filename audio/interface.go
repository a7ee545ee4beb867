// audio/interface.go
package audio

import (
	"context"
	"errors"
	"time"
)

var (
	ErrInvalidSource      = errors.New("invalid audio source")
	ErrSourceUnreachable  = errors.New("audio source unreachable")
	ErrUnsupportedFormat  = errors.New("unsupported audio format")
	ErrUnsupportedConfig  = errors.New("unsupported recording config")
	ErrDeviceUnavailable  = errors.New("audio device unavailable")
	ErrSessionBusy        = errors.New("audio session busy")
	ErrInterrupted        = errors.New("audio session interrupted")
	ErrPermissionDenied   = errors.New("microphone permission denied")
	ErrAlreadyStopped     = errors.New("already stopped")
	ErrDestinationInvalid = errors.New("destination not writable")
)

// Owner 音频会话的持有者
type Owner string

const (
	OwnerNone     Owner = ""
	OwnerPlayer   Owner = "player"
	OwnerRecorder Owner = "recorder"
)

// Category 音频会话类别，持有期间生效，释放时恢复
type Category string

const (
	CategoryAmbient  Category = "ambient"
	CategoryPlayback Category = "playback"
	CategoryRecord   Category = "record"
)

// DeviceMonitor 接收原生层的设备丢失通知
type DeviceMonitor interface {
	// DeviceLost 仅在 owner 仍持有会话时打断它
	DeviceLost(owner Owner, reason string)
}

// Controller 定义进程级音频会话接口，同一时间只允许一个持有者
type Controller interface {
	DeviceMonitor
	Acquire(owner Owner, category Category, onInterrupt func(reason string)) error
	Release(owner Owner)
	Interrupt(reason string)
	Owner() Owner
	Category() Category
}

// FinishFunc 原生播放器/录音器自行结束时回调，err 为 nil 表示正常结束
type FinishFunc func(err error)

// Source 播放源，本地路径或 http(s) URL
type Source struct {
	Location string
	Remote   bool
}

// PlayerOptions 播放参数
type PlayerOptions struct {
	Volume float64
	Output string // 输出设备名，空表示默认设备
}

// Encoding 录音编码
type Encoding string

const (
	EncodingLPCM Encoding = "lpcm"
	EncodingOpus Encoding = "opus"
)

// Quality 录音质量
type Quality string

const (
	QualityLow    Quality = "Low"
	QualityMedium Quality = "Medium"
	QualityHigh   Quality = "High"
)

// RecordingConfig 录音配置
type RecordingConfig struct {
	Path       string
	SampleRate int
	Channels   int
	Encoding   Encoding
	Quality    Quality
	BitRate    int
	Device     string // 输入设备名，空表示默认设备
	// FramesPerBuffer 采集回调的周期帧数，0 表示 20ms
	FramesPerBuffer int
}

// Player 已准备好的单个播放源
type Player interface {
	Play() error
	Pause() error
	// Stop 释放设备，之后不再触发 FinishFunc
	Stop() error
	SetVolume(v float64)
	Seek(d time.Duration) error
	Position() time.Duration
	Duration() time.Duration
}

// Recorder 已打开目标文件的录音器
type Recorder interface {
	Start() error
	Pause() error
	Resume() error
	// Stop 停止采集并完成文件写入，之后不再触发 FinishFunc
	Stop() error
	Elapsed() time.Duration
	// Level 最近一段采集数据的电平 (dBFS)，无数据时为 MinLevel
	Level() float64
}

// Engine 平台音频子系统
type Engine interface {
	OpenPlayer(ctx context.Context, src Source, opts PlayerOptions, onFinish FinishFunc) (Player, error)
	OpenRecorder(ctx context.Context, cfg RecordingConfig, onFinish FinishFunc) (Recorder, error)
	Probe(ctx context.Context, src Source) (time.Duration, error)
	Outputs() ([]string, error)
	Close() error
}

// Authorizer 麦克风权限
type Authorizer interface {
	MicrophoneAuthorized(ctx context.Context) (bool, error)
	RequestMicrophone(ctx context.Context) (bool, error)
}
