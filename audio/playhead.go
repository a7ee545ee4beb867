package audio

import (
	"sync"
	"time"
)

// playhead 维护播放位置、音量与暂停状态，并向非交错输出缓冲区填充数据
type playhead struct {
	mu     sync.Mutex
	clip   *Clip
	pos    int // 帧位置
	volume float32
	paused bool
	ended  bool
	onEnd  func()
	// lastFill 最近一次输出回调的时间，零值表示设备尚未启动
	lastFill time.Time
}

func newPlayhead(clip *Clip, volume float64, onEnd func()) *playhead {
	return &playhead{
		clip:   clip,
		volume: clampVolume(volume),
		paused: true,
		onEnd:  onEnd,
	}
}

func clampVolume(v float64) float32 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return float32(v)
	}
}

// fill 填充一个周期的输出，播放到末尾时触发一次 onEnd
func (p *playhead) fill(out [][]float32) {
	if len(out) == 0 {
		return
	}

	p.mu.Lock()
	p.lastFill = time.Now()
	var notify func()
	filled := 0
	if !p.paused && !p.ended {
		ch := p.clip.Channels
		total := p.clip.Frames()
		for filled < len(out[0]) && p.pos < total {
			base := p.pos * ch
			for c := range out {
				src := c
				if src >= ch {
					src = ch - 1
				}
				out[c][filled] = float32(p.clip.Samples[base+src]) / 32768.0 * p.volume
			}
			filled++
			p.pos++
		}
		if p.pos >= total {
			p.ended = true
			notify = p.onEnd
			p.onEnd = nil
		}
	}

	// 填充剩余空间为静音
	for i := range out {
		for j := filled; j < len(out[i]); j++ {
			out[i][j] = 0
		}
	}
	p.mu.Unlock()

	if notify != nil {
		notify()
	}
}

func (p *playhead) setPaused(paused bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.paused = paused
}

func (p *playhead) setVolume(v float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.volume = clampVolume(v)
}

func (p *playhead) seek(d time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()

	frame := int(d * time.Duration(p.clip.SampleRate) / time.Second)
	if frame < 0 {
		frame = 0
	}
	if total := p.clip.Frames(); frame > total {
		frame = total
	}
	p.pos = frame
}

func (p *playhead) position() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.clip.SampleRate == 0 {
		return 0
	}
	return time.Duration(p.pos) * time.Second / time.Duration(p.clip.SampleRate)
}

// halt 停止填充，之后不再触发 onEnd
func (p *playhead) halt() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ended = true
	p.onEnd = nil
}

// touch 在设备启动时记录时间，之后由 fill 刷新
func (p *playhead) touch(now time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lastFill = now
}

// stalled 设备已启动但超过 timeout 没有回调。暂停时输出静音，回调照常进行。
func (p *playhead) stalled(now time.Time, timeout time.Duration) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ended || p.lastFill.IsZero() {
		return false
	}
	return now.Sub(p.lastFill) > timeout
}

// watchStall 输出回调停止超过 timeout 时调用一次 lost，quit 关闭后退出
func watchStall(head *playhead, timeout time.Duration, quit <-chan struct{}, lost func()) {
	ticker := time.NewTicker(timeout / 4)
	defer ticker.Stop()

	for {
		select {
		case <-quit:
			return
		case now := <-ticker.C:
			if head.stalled(now, timeout) {
				lost()
				return
			}
		}
	}
}
