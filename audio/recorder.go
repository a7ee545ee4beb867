package audio

import (
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/gen2brain/malgo"
)

// captureRecorder malgo 采集设备驱动的录音器
type captureRecorder struct {
	config   RecordingConfig
	monitor  DeviceMonitor
	logger   *slog.Logger
	onFinish FinishFunc
	meter    *levelMeter

	mu       sync.Mutex
	sink     sink
	paused   bool
	stopping bool
	failed   bool

	malgoCtx *malgo.AllocatedContext
	device   *malgo.Device
}

func newCaptureRecorder(cfg RecordingConfig, monitor DeviceMonitor, logger *slog.Logger, onFinish FinishFunc) (*captureRecorder, error) {
	// 计算帧大小 (每声道样本数)
	frameSize := cfg.FramesPerBuffer
	if frameSize <= 0 {
		frameSize = cfg.SampleRate * 20 / 1000
	}

	s, err := newSink(cfg)
	if err != nil {
		return nil, err
	}

	r := &captureRecorder{
		config:   cfg,
		monitor:  monitor,
		logger:   logger,
		onFinish: onFinish,
		meter:    newLevelMeter(),
		sink:     s,
	}

	if err := r.initDevice(frameSize); err != nil {
		// 设备不可用时不留下空文件
		_ = s.Close()
		_ = os.Remove(cfg.Path)
		return nil, err
	}
	return r, nil
}

func (r *captureRecorder) initDevice(frameSize int) error {
	// 初始化malgo上下文
	ctxMalgo, err := malgo.InitContext(nil, malgo.ContextConfig{}, func(message string) {
		r.logger.Debug("malgo", "message", message)
	})
	if err != nil {
		return fmt.Errorf("%w: init audio context: %v", ErrDeviceUnavailable, err)
	}

	// 创建设备配置
	deviceConfig := malgo.DefaultDeviceConfig(malgo.Capture)
	deviceConfig.Capture.Format = malgo.FormatS16
	deviceConfig.Capture.Channels = uint32(r.config.Channels)
	deviceConfig.SampleRate = uint32(r.config.SampleRate)
	deviceConfig.PeriodSizeInFrames = uint32(frameSize)

	if r.config.Device != "" {
		infos, err := ctxMalgo.Devices(malgo.Capture)
		if err != nil {
			r.freeContext(ctxMalgo)
			return fmt.Errorf("%w: list capture devices: %v", ErrDeviceUnavailable, err)
		}
		found := false
		for _, info := range infos {
			if info.Name() == r.config.Device {
				deviceConfig.Capture.DeviceID = info.ID.Pointer()
				found = true
				break
			}
		}
		if !found {
			r.freeContext(ctxMalgo)
			return fmt.Errorf("%w: capture device %q not found", ErrDeviceUnavailable, r.config.Device)
		}
	}

	device, err := malgo.InitDevice(ctxMalgo.Context, deviceConfig, malgo.DeviceCallbacks{
		Data: r.onData,
		Stop: r.onStop,
	})
	if err != nil {
		r.freeContext(ctxMalgo)
		return fmt.Errorf("%w: init capture device: %v", ErrDeviceUnavailable, err)
	}

	r.malgoCtx = ctxMalgo
	r.device = device
	return nil
}

func (r *captureRecorder) freeContext(c *malgo.AllocatedContext) {
	_ = c.Uninit()
	c.Free()
}

// onData 采集回调，运行在设备线程
func (r *captureRecorder) onData(_, pcmData []byte, _ uint32) {
	r.mu.Lock()
	if r.paused || r.stopping || r.failed {
		r.mu.Unlock()
		return
	}

	pcm := bytesToInt16(pcmData)
	r.meter.observe(pcm)
	err := r.sink.Write(pcm)
	if err != nil {
		r.failed = true
	}
	r.mu.Unlock()

	if err != nil {
		r.logger.Error("Failed to write recording", "path", r.config.Path, "error", err)
		go r.onFinish(err)
	}
}

// onStop 设备意外停止视为设备丢失，经音频会话打断录音
func (r *captureRecorder) onStop() {
	r.mu.Lock()
	notify := !r.stopping && !r.failed
	r.failed = true
	r.mu.Unlock()

	if notify {
		r.logger.Warn("Capture device stopped unexpectedly", "path", r.config.Path)
		go reportDeviceLost(r.monitor, OwnerRecorder, "capture device stopped", r.onFinish)
	}
}

func (r *captureRecorder) Start() error {
	if err := r.device.Start(); err != nil {
		return fmt.Errorf("%w: start capture device: %v", ErrDeviceUnavailable, err)
	}

	r.logger.Info("Audio recording started",
		"path", r.config.Path,
		"sample_rate", r.config.SampleRate,
		"channels", r.config.Channels,
		"encoding", r.config.Encoding)
	return nil
}

func (r *captureRecorder) Pause() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.paused = true
	return nil
}

func (r *captureRecorder) Resume() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.paused = false
	return nil
}

func (r *captureRecorder) Stop() error {
	r.mu.Lock()
	if r.stopping {
		r.mu.Unlock()
		return nil
	}
	r.stopping = true
	r.mu.Unlock()

	// Uninit 会等待进行中的回调结束
	r.device.Uninit()
	r.freeContext(r.malgoCtx)

	r.mu.Lock()
	err := r.sink.Close()
	r.mu.Unlock()

	r.logger.Info("Audio recording stopped", "path", r.config.Path, "elapsed", r.Elapsed())
	return err
}

func (r *captureRecorder) Elapsed() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return time.Duration(r.sink.Frames()) * time.Second / time.Duration(r.config.SampleRate)
}

func (r *captureRecorder) Level() float64 { return r.meter.level() }

// bytesToInt16 将byte切片转换为int16切片
func bytesToInt16(b []byte) []int16 {
	if len(b)%2 != 0 {
		b = b[:len(b)-1] // 确保长度是偶数
	}

	pcm := make([]int16, len(b)/2)
	for i := 0; i < len(pcm); i++ {
		pcm[i] = int16(b[i*2]) | int16(b[i*2+1])<<8
	}
	return pcm
}
