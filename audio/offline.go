package audio

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"net/http"
	"sync"
	"time"
)

var _ Engine = (*OfflineEngine)(nil)

// OfflineEngine 不访问音频设备的引擎：播放按实时节奏消耗解码后的数据，
// 录音把生成的正弦波写入真实文件。用于无声卡环境。
type OfflineEngine struct {
	config EngineConfig
	client *http.Client
	logger *slog.Logger
	// ToneHz 录音生成的正弦波频率，0 表示静音
	ToneHz float64

	mu        sync.Mutex
	players   map[*offlinePlayer]struct{}
	recorders map[*offlineRecorder]struct{}
}

func NewOfflineEngine(cfg EngineConfig, logger *slog.Logger) (*OfflineEngine, error) {
	if logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	cfg = cfg.withDefaults()
	return &OfflineEngine{
		config:    cfg,
		client:    &http.Client{Timeout: cfg.FetchTimeout},
		logger:    logger,
		ToneHz:    440,
		players:   make(map[*offlinePlayer]struct{}),
		recorders: make(map[*offlineRecorder]struct{}),
	}, nil
}

func (e *OfflineEngine) OpenPlayer(ctx context.Context, src Source, opts PlayerOptions, onFinish FinishFunc) (Player, error) {
	clip, err := Decode(ctx, src, e.client)
	if err != nil {
		return nil, err
	}
	if clip.SampleRate <= 0 {
		return nil, ErrUnsupportedFormat
	}
	p := &offlinePlayer{
		clip:     clip,
		period:   time.Duration(e.config.FramesPerBuffer) * time.Second / time.Duration(clip.SampleRate),
		frames:   e.config.FramesPerBuffer,
		config:   e.config,
		logger:   e.logger,
		onFinish: onFinish,
		quit:     make(chan struct{}),
		unplug:   make(chan struct{}),
	}
	p.head = newPlayhead(clip, opts.Volume, func() { go onFinish(nil) })
	p.release = func() { e.forgetPlayer(p) }

	e.mu.Lock()
	e.players[p] = struct{}{}
	e.mu.Unlock()
	return p, nil
}

func (e *OfflineEngine) OpenRecorder(_ context.Context, cfg RecordingConfig, onFinish FinishFunc) (Recorder, error) {
	s, err := newSink(cfg)
	if err != nil {
		return nil, err
	}
	r := &offlineRecorder{
		config:   cfg,
		sink:     s,
		toneHz:   e.ToneHz,
		monitor:  e.config.Monitor,
		onFinish: onFinish,
		logger:   e.logger,
		meter:    newLevelMeter(),
		quit:     make(chan struct{}),
	}
	r.release = func() { e.forgetRecorder(r) }

	e.mu.Lock()
	e.recorders[r] = struct{}{}
	e.mu.Unlock()
	return r, nil
}

// Disconnect 模拟拔出音频设备：播放器停止输出回调，录音器的采集设备停止。
// 设备丢失与原生引擎一样经 EngineConfig.Monitor 上报。
func (e *OfflineEngine) Disconnect(reason string) {
	e.mu.Lock()
	players := make([]*offlinePlayer, 0, len(e.players))
	for p := range e.players {
		players = append(players, p)
	}
	recorders := make([]*offlineRecorder, 0, len(e.recorders))
	for r := range e.recorders {
		recorders = append(recorders, r)
	}
	e.mu.Unlock()

	e.logger.Warn("Disconnecting offline devices",
		"reason", reason,
		"players", len(players),
		"recorders", len(recorders))
	for _, p := range players {
		p.disconnect()
	}
	for _, r := range recorders {
		r.disconnect(reason)
	}
}

func (e *OfflineEngine) forgetPlayer(p *offlinePlayer) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.players, p)
}

func (e *OfflineEngine) forgetRecorder(r *offlineRecorder) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.recorders, r)
}

func (e *OfflineEngine) Probe(ctx context.Context, src Source) (time.Duration, error) {
	clip, err := Decode(ctx, src, e.client)
	if err != nil {
		return 0, err
	}
	return clip.Duration(), nil
}

func (e *OfflineEngine) Outputs() ([]string, error) {
	return []string{"offline"}, nil
}

func (e *OfflineEngine) Close() error { return nil }

// offlinePlayer 以周期定时器代替输出设备回调
type offlinePlayer struct {
	head     *playhead
	clip     *Clip
	period   time.Duration
	frames   int
	config   EngineConfig
	logger   *slog.Logger
	onFinish FinishFunc
	release  func()

	mu        sync.Mutex
	started   bool
	closed    bool
	unplugged bool
	quit      chan struct{}
	unplug    chan struct{}
}

func (p *offlinePlayer) Play() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrAlreadyStopped
	}
	p.head.setPaused(false)
	if !p.started {
		p.started = true
		p.head.touch(time.Now())
		go p.run()
		go watchStall(p.head, p.config.StallTimeout, p.quit, func() {
			p.logger.Warn("Offline output stalled", "timeout", p.config.StallTimeout)
			reportDeviceLost(p.config.Monitor, OwnerPlayer, "output device stalled", p.onFinish)
		})
	}
	return nil
}

func (p *offlinePlayer) run() {
	out := make([][]float32, p.clip.Channels)
	for i := range out {
		out[i] = make([]float32, p.frames)
	}
	ticker := time.NewTicker(p.period)
	defer ticker.Stop()

	for {
		select {
		case <-p.quit:
			return
		case <-p.unplug:
			return
		case <-ticker.C:
			p.head.fill(out)
		}
	}
}

// disconnect 停止输出回调，由 watchStall 发现并上报
func (p *offlinePlayer) disconnect() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed || p.unplugged {
		return
	}
	p.unplugged = true
	close(p.unplug)
}

func (p *offlinePlayer) Pause() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrAlreadyStopped
	}
	p.head.setPaused(true)
	return nil
}

func (p *offlinePlayer) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	p.head.halt()
	close(p.quit)
	p.release()
	return nil
}

func (p *offlinePlayer) SetVolume(v float64) { p.head.setVolume(v) }

func (p *offlinePlayer) Seek(d time.Duration) error {
	if d < 0 || d > p.clip.Duration() {
		return ErrUnsupportedConfig
	}
	p.head.seek(d)
	return nil
}

func (p *offlinePlayer) Position() time.Duration { return p.head.position() }

func (p *offlinePlayer) Duration() time.Duration { return p.clip.Duration() }

// offlineRecorder 每 20ms 写入一段生成的音频
type offlineRecorder struct {
	config   RecordingConfig
	toneHz   float64
	monitor  DeviceMonitor
	onFinish FinishFunc
	logger   *slog.Logger
	meter    *levelMeter
	release  func()

	mu      sync.Mutex
	sink    sink
	phase   float64
	paused  bool
	started bool
	closed  bool
	failed  bool
	quit    chan struct{}
	wg      sync.WaitGroup
}

func (r *offlineRecorder) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrAlreadyStopped
	}
	if r.started {
		return nil
	}
	r.started = true
	r.wg.Add(1)
	go r.run()
	return nil
}

func (r *offlineRecorder) run() {
	defer r.wg.Done()

	const chunk = 20 * time.Millisecond
	ticker := time.NewTicker(chunk)
	defer ticker.Stop()

	frames := r.config.SampleRate * int(chunk/time.Millisecond) / 1000
	pcm := make([]int16, frames*r.config.Channels)
	for {
		select {
		case <-r.quit:
			return
		case <-ticker.C:
			r.mu.Lock()
			if r.paused || r.closed || r.failed {
				r.mu.Unlock()
				continue
			}
			r.generate(pcm)
			r.meter.observe(pcm)
			err := r.sink.Write(pcm)
			if err != nil {
				r.failed = true
			}
			r.mu.Unlock()

			if err != nil {
				r.logger.Error("Offline recorder write failed", "error", err)
				go r.onFinish(err)
			}
		}
	}
}

// generate 填充正弦波，调用方持有 r.mu
func (r *offlineRecorder) generate(pcm []int16) {
	ch := r.config.Channels
	step := 2 * math.Pi * r.toneHz / float64(r.config.SampleRate)
	for i := 0; i < len(pcm)/ch; i++ {
		v := int16(0)
		if r.toneHz > 0 {
			v = int16(math.Sin(r.phase) * 8000)
			r.phase += step
		}
		for c := 0; c < ch; c++ {
			pcm[i*ch+c] = v
		}
	}
}

// disconnect 与原生采集设备的 Stop 回调一致：停止写入并上报设备丢失
func (r *offlineRecorder) disconnect(reason string) {
	r.mu.Lock()
	notify := r.started && !r.closed && !r.failed
	r.failed = true
	r.mu.Unlock()

	if notify {
		go reportDeviceLost(r.monitor, OwnerRecorder, reason, r.onFinish)
	}
}

func (r *offlineRecorder) Pause() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.paused = true
	return nil
}

func (r *offlineRecorder) Resume() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.paused = false
	return nil
}

func (r *offlineRecorder) Stop() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	close(r.quit)
	r.mu.Unlock()

	r.wg.Wait()
	r.release()
	return r.sink.Close()
}

func (r *offlineRecorder) Elapsed() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return time.Duration(r.sink.Frames()) * time.Second / time.Duration(r.config.SampleRate)
}

func (r *offlineRecorder) Level() float64 { return r.meter.level() }
