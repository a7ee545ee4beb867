package audio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gordonklaus/portaudio"
)

var _ Engine = (*NativeEngine)(nil)

// EngineConfig 原生引擎配置
type EngineConfig struct {
	FramesPerBuffer int
	FetchTimeout    time.Duration
	// StallTimeout 输出回调停止多久视为设备丢失，0 表示 2s
	StallTimeout time.Duration
	// Monitor 接收设备丢失通知，通常是进程的 Controller。
	// 为 nil 时设备丢失直接以 ErrInterrupted 结束会话。
	Monitor DeviceMonitor
}

const defaultStallTimeout = 2 * time.Second

func (c EngineConfig) withDefaults() EngineConfig {
	if c.FramesPerBuffer <= 0 {
		c.FramesPerBuffer = 1024
	}
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = 30 * time.Second
	}
	if c.StallTimeout <= 0 {
		c.StallTimeout = defaultStallTimeout
	}
	return c
}

// reportDeviceLost 设备丢失经 monitor 通知会话持有者，未配置 monitor 时直接结束
func reportDeviceLost(monitor DeviceMonitor, owner Owner, reason string, onFinish FinishFunc) {
	if monitor != nil {
		monitor.DeviceLost(owner, reason)
		return
	}
	onFinish(fmt.Errorf("%w: %s", ErrInterrupted, reason))
}

// NativeEngine 基于 PortAudio 播放、malgo 采集的平台音频子系统
type NativeEngine struct {
	config EngineConfig
	client *http.Client
	logger *slog.Logger

	mu     sync.Mutex
	closed bool
}

// NewNativeEngine 初始化PortAudio并返回引擎
func NewNativeEngine(cfg EngineConfig, logger *slog.Logger) (*NativeEngine, error) {
	if logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	cfg = cfg.withDefaults()

	// 初始化PortAudio
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("failed to initialize PortAudio: %w", err)
	}

	return &NativeEngine{
		config: cfg,
		client: &http.Client{Timeout: cfg.FetchTimeout},
		logger: logger,
	}, nil
}

func (e *NativeEngine) OpenPlayer(ctx context.Context, src Source, opts PlayerOptions, onFinish FinishFunc) (Player, error) {
	clip, err := Decode(ctx, src, e.client)
	if err != nil {
		return nil, err
	}

	e.logger.Debug("Decoded audio source",
		"source", src.Location,
		"sample_rate", clip.SampleRate,
		"channels", clip.Channels,
		"duration", clip.Duration())

	return newPCMPlayer(clip, opts, e.config, e.logger, onFinish)
}

func (e *NativeEngine) OpenRecorder(_ context.Context, cfg RecordingConfig, onFinish FinishFunc) (Recorder, error) {
	return newCaptureRecorder(cfg, e.config.Monitor, e.logger, onFinish)
}

// Probe 解码并返回源时长
func (e *NativeEngine) Probe(ctx context.Context, src Source) (time.Duration, error) {
	clip, err := Decode(ctx, src, e.client)
	if err != nil {
		return 0, err
	}
	return clip.Duration(), nil
}

// Outputs 列出可用输出设备名
func (e *NativeEngine) Outputs() ([]string, error) {
	devices, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("%w: list devices: %v", ErrDeviceUnavailable, err)
	}

	var names []string
	for _, d := range devices {
		if d.MaxOutputChannels > 0 {
			names = append(names, d.Name)
		}
	}
	return names, nil
}

// Close 终止PortAudio
func (e *NativeEngine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return nil
	}
	e.closed = true
	return portaudio.Terminate()
}
