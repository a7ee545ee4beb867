package audio

import (
	"errors"
	"fmt"
	"os"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4/pkg/media/oggwriter"
)

const (
	// opus RTP 时钟固定 48kHz
	opusRTPClock     = 48000
	opusFrameMillis  = 20
	opusFrameSamples = opusRTPClock * opusFrameMillis / 1000
	opusPayloadType  = 111

	// oggPreSkip 与 oggwriter 写入 OpusHead 的 pre-skip 一致
	oggPreSkip = 3840

	defaultOpusBitRate = 32000
)

// sink 录音数据的落盘目标
type sink interface {
	Write(pcm []int16) error
	Close() error
	Frames() int64
}

// ValidateRecordingConfig 检查录音配置是否可用
func ValidateRecordingConfig(cfg RecordingConfig) error {
	if cfg.SampleRate < 8000 || cfg.SampleRate > 192000 {
		return fmt.Errorf("%w: sample rate %d", ErrUnsupportedConfig, cfg.SampleRate)
	}
	if cfg.Channels < 1 || cfg.Channels > 2 {
		return fmt.Errorf("%w: %d channels", ErrUnsupportedConfig, cfg.Channels)
	}
	switch cfg.Quality {
	case "", QualityLow, QualityMedium, QualityHigh:
	default:
		return fmt.Errorf("%w: quality %q", ErrUnsupportedConfig, cfg.Quality)
	}

	switch cfg.Encoding {
	case "", EncodingLPCM:
	case EncodingOpus:
		if !opusSampleRates[cfg.SampleRate] {
			return fmt.Errorf("%w: opus sample rate %d", ErrUnsupportedConfig, cfg.SampleRate)
		}
		if cfg.BitRate != 0 && (cfg.BitRate < 6000 || cfg.BitRate > 510000) {
			return fmt.Errorf("%w: opus bit rate %d", ErrUnsupportedConfig, cfg.BitRate)
		}
	default:
		return fmt.Errorf("%w: encoding %q", ErrUnsupportedFormat, cfg.Encoding)
	}
	return nil
}

func newSink(cfg RecordingConfig) (sink, error) {
	if err := ValidateRecordingConfig(cfg); err != nil {
		return nil, err
	}
	if cfg.Encoding == EncodingOpus {
		return newOggOpusSink(cfg)
	}
	return newWAVSink(cfg)
}

// wavSink 写入 PCM WAV
type wavSink struct {
	file     *os.File
	enc      *wav.Encoder
	format   *goaudio.Format
	depth    int
	channels int
	frames   int64
}

func newWAVSink(cfg RecordingConfig) (*wavSink, error) {
	f, err := os.Create(cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDestinationInvalid, err)
	}

	depth := 16
	if cfg.Quality == QualityLow {
		depth = 8
	}

	return &wavSink{
		file: f,
		enc:  wav.NewEncoder(f, cfg.SampleRate, depth, cfg.Channels, 1),
		format: &goaudio.Format{
			NumChannels: cfg.Channels,
			SampleRate:  cfg.SampleRate,
		},
		depth:    depth,
		channels: cfg.Channels,
	}, nil
}

func (s *wavSink) Write(pcm []int16) error {
	data := make([]int, len(pcm))
	for i, v := range pcm {
		if s.depth == 8 {
			// 8bit WAV 为无符号
			data[i] = int(v>>8) + 128
		} else {
			data[i] = int(v)
		}
	}

	buf := &goaudio.IntBuffer{Format: s.format, Data: data, SourceBitDepth: s.depth}
	if err := s.enc.Write(buf); err != nil {
		return fmt.Errorf("write wav: %w", err)
	}
	s.frames += int64(len(pcm) / s.channels)
	return nil
}

func (s *wavSink) Frames() int64 { return s.frames }

func (s *wavSink) Close() error {
	return errors.Join(s.enc.Close(), s.file.Close())
}

// oggOpusSink 以 20ms 帧编码 opus 并写入 Ogg 容器。
// OpusHead 声明 oggPreSkip 个采样的 pre-skip，开头编码同样长度的静音抵消，
// 各页的 granule 由 granuleWriter 按实际采样数改写。
type oggOpusSink struct {
	enc       *OpusEncoder
	ogg       *oggwriter.OggWriter
	pages     *granuleWriter
	rate      int
	channels  int
	frameSize int // 每声道采样数
	pending   []int16
	timestamp uint32
	sequence  uint16
	frames    int64
	// encoded 已编码的采样数（48kHz，含补齐的静音）
	encoded uint64
}

func newOggOpusSink(cfg RecordingConfig) (*oggOpusSink, error) {
	bitrate := cfg.BitRate
	if bitrate == 0 {
		bitrate = defaultOpusBitRate
	}
	enc, err := NewOpusEncoder(cfg.SampleRate, cfg.Channels, bitrate, cfg.Quality)
	if err != nil {
		return nil, err
	}

	f, err := os.Create(cfg.Path)
	if err != nil {
		enc.Close()
		return nil, fmt.Errorf("%w: %v", ErrDestinationInvalid, err)
	}
	pages := newGranuleWriter(f)

	ogg, err := oggwriter.NewWith(pages, uint32(cfg.SampleRate), uint16(cfg.Channels))
	if err != nil {
		enc.Close()
		_ = f.Close()
		return nil, fmt.Errorf("%w: %v", ErrDestinationInvalid, err)
	}

	s := &oggOpusSink{
		enc:       enc,
		ogg:       ogg,
		pages:     pages,
		rate:      cfg.SampleRate,
		channels:  cfg.Channels,
		frameSize: cfg.SampleRate * opusFrameMillis / 1000,
	}
	if err := s.prime(); err != nil {
		_ = s.ogg.Close()
		enc.Close()
		return nil, err
	}
	return s, nil
}

// prime 写入与 pre-skip 等长的静音帧
func (s *oggOpusSink) prime() error {
	silence := make([]int16, s.frameSize*s.channels)
	for s.encoded < oggPreSkip {
		if err := s.writeFrame(silence, s.encoded+opusFrameSamples); err != nil {
			return err
		}
	}
	return nil
}

func (s *oggOpusSink) Write(pcm []int16) error {
	s.pending = append(s.pending, pcm...)
	s.frames += int64(len(pcm) / s.channels)

	n := s.frameSize * s.channels
	for len(s.pending) >= n {
		if err := s.writeFrame(s.pending[:n], s.encoded+opusFrameSamples); err != nil {
			return err
		}
		s.pending = s.pending[n:]
	}
	s.pending = append([]int16(nil), s.pending...)
	return nil
}

// writeFrame 编码一帧，granule 为该页结束时的 48kHz 采样位置
func (s *oggOpusSink) writeFrame(frame []int16, granule uint64) error {
	data, err := s.enc.Encode(frame)
	if err != nil {
		return err
	}

	packet := &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			PayloadType:    opusPayloadType,
			SequenceNumber: s.sequence,
			Timestamp:      s.timestamp,
		},
		Payload: data,
	}
	s.pages.next(granule)
	if err := s.ogg.WriteRTP(packet); err != nil {
		return fmt.Errorf("write ogg page: %w", err)
	}

	s.sequence++
	s.timestamp += opusFrameSamples
	s.encoded += opusFrameSamples
	return nil
}

func (s *oggOpusSink) Frames() int64 { return s.frames }

// endGranule 最后一页的 granule：pre-skip 加实际录到的采样数，末帧补齐的静音由此裁掉
func (s *oggOpusSink) endGranule() uint64 {
	return oggPreSkip + uint64(s.frames)*opusRTPClock/uint64(s.rate)
}

func (s *oggOpusSink) Close() error {
	var errs []error
	if len(s.pending) > 0 {
		// 末帧补静音
		frame := make([]int16, s.frameSize*s.channels)
		copy(frame, s.pending)
		s.pending = nil
		errs = append(errs, s.writeFrame(frame, s.encoded+opusFrameSamples))
	}
	s.pages.finish(s.endGranule())
	s.enc.Close()
	// 流模式下 OggWriter.Close 会关闭 granuleWriter
	errs = append(errs, s.ogg.Close())
	return errors.Join(errs...)
}
