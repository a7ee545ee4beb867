package core

import (
	"strings"

	"github.com/google/uuid"
	"github.com/lisuiheng/audiobridge/audio"
)

// SessionState 会话状态
type SessionState string

const (
	StateIdle      SessionState = "idle"
	StatePlaying   SessionState = "playing"
	StateRecording SessionState = "recording"
	StatePaused    SessionState = "paused"
)

// 录音默认参数
const (
	defaultSampleRate = 44100
	defaultChannels   = 2
	defaultBitRate    = 32000
)

func newSessionID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// PlaybackSession 播放会话快照，时间单位为秒
type PlaybackSession struct {
	ID       string       `json:"sessionId"`
	Source   string       `json:"path"`
	Position float64      `json:"currentTime"`
	Duration float64      `json:"duration"`
	Volume   float64      `json:"volume"`
	State    SessionState `json:"state"`
}

// PlayOptions 播放参数，Volume 为空时取 1
type PlayOptions struct {
	Volume *float64 `json:"volume"`
	Output string   `json:"output"`
}

// RecordingOptions 录音参数，字段名与宿主侧保持一致
type RecordingOptions struct {
	SampleRate           int    `json:"SampleRate"`
	Channels             int    `json:"Channels"`
	AudioQuality         string `json:"AudioQuality"`
	AudioEncoding        string `json:"AudioEncoding"`
	AudioEncodingBitRate int    `json:"AudioEncodingBitRate"`
	IncludeBase64        bool   `json:"IncludeBase64"`
	InputDevice          string `json:"InputDevice"`
	MeteringEnabled      bool   `json:"MeteringEnabled"`
}

func (o RecordingOptions) withDefaults() RecordingOptions {
	if o.SampleRate == 0 {
		o.SampleRate = defaultSampleRate
	}
	if o.Channels == 0 {
		o.Channels = defaultChannels
	}
	if o.AudioQuality == "" {
		o.AudioQuality = string(audio.QualityHigh)
	}
	if o.AudioEncoding == "" {
		o.AudioEncoding = string(audio.EncodingLPCM)
	}
	if o.AudioEncodingBitRate == 0 {
		o.AudioEncodingBitRate = defaultBitRate
	}
	return o
}

// recordingConfig 转换为原生录音配置
func (o RecordingOptions) recordingConfig(path string) audio.RecordingConfig {
	cfg := audio.RecordingConfig{
		Path:       path,
		SampleRate: o.SampleRate,
		Channels:   o.Channels,
		Encoding:   audio.Encoding(strings.ToLower(o.AudioEncoding)),
		Quality:    audio.Quality(o.AudioQuality),
		Device:     o.InputDevice,
	}
	if cfg.Encoding == audio.EncodingOpus {
		cfg.BitRate = o.AudioEncodingBitRate
	}
	return cfg
}

// RecordingSession 录音会话快照
type RecordingSession struct {
	ID           string           `json:"sessionId"`
	Path         string           `json:"path"`
	AudioFileURL string           `json:"audioFileURL"`
	Elapsed      float64          `json:"currentTime"`
	State        SessionState     `json:"state"`
	Options      RecordingOptions `json:"options"`
}

func fileURL(path string) string {
	return "file://" + path
}
