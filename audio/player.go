package audio

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gordonklaus/portaudio"
)

// PCMPlayer PortAudio实现的PCM播放器
type PCMPlayer struct {
	head     *playhead
	clip     *Clip
	stream   *portaudio.Stream
	config   EngineConfig
	logger   *slog.Logger
	onFinish FinishFunc

	mu      sync.Mutex
	started bool
	closed  bool
	quit    chan struct{}
}

// newPCMPlayer 打开输出流，调用 Play 之前保持静音
func newPCMPlayer(clip *Clip, opts PlayerOptions, cfg EngineConfig, logger *slog.Logger, onFinish FinishFunc) (*PCMPlayer, error) {
	framesPerBuffer := cfg.FramesPerBuffer
	player := &PCMPlayer{
		clip:     clip,
		config:   cfg,
		logger:   logger,
		onFinish: onFinish,
		quit:     make(chan struct{}),
	}
	// 回调运行在音频线程，结束通知交给独立 goroutine
	player.head = newPlayhead(clip, opts.Volume, func() { go onFinish(nil) })

	channels := clip.Channels
	if channels > 2 {
		channels = 2
	}

	var (
		stream *portaudio.Stream
		err    error
	)
	if opts.Output == "" {
		stream, err = portaudio.OpenDefaultStream(
			0,                        // 输入通道数(0表示不录音)
			channels,                 // 输出通道数
			float64(clip.SampleRate), // 采样率
			framesPerBuffer,
			player.head.fill,
		)
	} else {
		var dev *portaudio.DeviceInfo
		dev, err = findOutputDevice(opts.Output)
		if err != nil {
			return nil, err
		}
		params := portaudio.LowLatencyParameters(nil, dev)
		params.Output.Channels = channels
		params.SampleRate = float64(clip.SampleRate)
		params.FramesPerBuffer = framesPerBuffer
		stream, err = portaudio.OpenStream(params, player.head.fill)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: open audio stream: %v", ErrDeviceUnavailable, err)
	}

	player.stream = stream
	return player, nil
}

func findOutputDevice(name string) (*portaudio.DeviceInfo, error) {
	devices, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("%w: list devices: %v", ErrDeviceUnavailable, err)
	}
	for _, d := range devices {
		if d.Name == name && d.MaxOutputChannels > 0 {
			return d, nil
		}
	}
	return nil, fmt.Errorf("%w: output device %q not found", ErrDeviceUnavailable, name)
}

// Play 开始或继续播放
func (p *PCMPlayer) Play() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrAlreadyStopped
	}
	p.head.setPaused(false)
	if !p.started {
		// 启动音频流
		if err := p.stream.Start(); err != nil {
			p.head.setPaused(true)
			return fmt.Errorf("%w: start audio stream: %v", ErrDeviceUnavailable, err)
		}
		p.started = true

		// PortAudio 不通知设备移除，回调停止即视为丢失
		p.head.touch(time.Now())
		go watchStall(p.head, p.config.StallTimeout, p.quit, func() {
			p.logger.Warn("Output stream stalled", "timeout", p.config.StallTimeout)
			reportDeviceLost(p.config.Monitor, OwnerPlayer, "output device stalled", p.onFinish)
		})
	}
	return nil
}

// Pause 暂停时流继续运行并输出静音
func (p *PCMPlayer) Pause() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrAlreadyStopped
	}
	p.head.setPaused(true)
	return nil
}

func (p *PCMPlayer) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true
	p.head.halt()
	close(p.quit)

	// 停止并关闭音频流
	if p.started {
		if err := p.stream.Stop(); err != nil {
			p.logger.Error("failed to stop audio stream", "error", err)
		}
	}
	if err := p.stream.Close(); err != nil {
		p.logger.Error("failed to close audio stream", "error", err)
		return err
	}
	return nil
}

func (p *PCMPlayer) SetVolume(v float64) { p.head.setVolume(v) }

func (p *PCMPlayer) Seek(d time.Duration) error {
	if d < 0 || d > p.clip.Duration() {
		return fmt.Errorf("seek %s outside [0, %s]", d, p.clip.Duration())
	}
	p.head.seek(d)
	return nil
}

func (p *PCMPlayer) Position() time.Duration { return p.head.position() }

func (p *PCMPlayer) Duration() time.Duration { return p.clip.Duration() }
