package audio

import (
	"errors"
	"fmt"

	"github.com/hraban/opus"
)

// opus 支持的采样率
var opusSampleRates = map[int]bool{8000: true, 12000: true, 16000: true, 24000: true, 48000: true}

// OpusEncoder OPUS音频编码器
type OpusEncoder struct {
	encoder    *opus.Encoder
	sampleRate int
	channels   int
}

// NewOpusEncoder 创建新的OPUS编码器
func NewOpusEncoder(sampleRate, channels, bitrate int, quality Quality) (*OpusEncoder, error) {
	if !opusSampleRates[sampleRate] {
		return nil, fmt.Errorf("%w: opus sample rate %d", ErrUnsupportedConfig, sampleRate)
	}

	enc, err := opus.NewEncoder(sampleRate, channels, opus.AppAudio)
	if err != nil {
		return nil, fmt.Errorf("failed to create opus encoder: %w", err)
	}

	if err := enc.SetBitrate(bitrate); err != nil {
		return nil, fmt.Errorf("failed to set bitrate: %w", err)
	}
	if err := enc.SetComplexity(opusComplexity(quality)); err != nil {
		return nil, fmt.Errorf("failed to set complexity: %w", err)
	}

	return &OpusEncoder{
		encoder:    enc,
		sampleRate: sampleRate,
		channels:   channels,
	}, nil
}

func opusComplexity(q Quality) int {
	switch q {
	case QualityLow:
		return 2
	case QualityMedium:
		return 6
	default:
		return 10
	}
}

// Encode 编码一帧交错PCM
func (e *OpusEncoder) Encode(pcm []int16) ([]byte, error) {
	if e.encoder == nil {
		return nil, errors.New("encoder not initialized")
	}

	data := make([]byte, 4000) // OPUS最大包大小
	n, err := e.encoder.Encode(pcm, data)
	if err != nil {
		return nil, fmt.Errorf("opus encode failed: %w", err)
	}

	return data[:n], nil
}

// Close 释放编码器资源
func (e *OpusEncoder) Close() {
	e.encoder = nil
}
