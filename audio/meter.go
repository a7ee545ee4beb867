package audio

import (
	"math"
	"sync/atomic"
)

// MinLevel 静音或无数据时的电平
const MinLevel = -160.0

// pcmLevel 计算一段 16bit PCM 的 RMS 电平 (dBFS)，满幅方波为 0
func pcmLevel(pcm []int16) float64 {
	if len(pcm) == 0 {
		return MinLevel
	}
	var sum float64
	for _, v := range pcm {
		f := float64(v) / 32768.0
		sum += f * f
	}
	rms := math.Sqrt(sum / float64(len(pcm)))
	if rms == 0 {
		return MinLevel
	}
	return math.Max(20*math.Log10(rms), MinLevel)
}

// levelMeter 保存最近一段数据的电平，可在设备线程写、其他线程读
type levelMeter struct {
	bits atomic.Uint64
}

func newLevelMeter() *levelMeter {
	m := &levelMeter{}
	m.bits.Store(math.Float64bits(MinLevel))
	return m
}

func (m *levelMeter) observe(pcm []int16) {
	m.bits.Store(math.Float64bits(pcmLevel(pcm)))
}

func (m *levelMeter) level() float64 {
	return math.Float64frombits(m.bits.Load())
}
