package audio

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/go-audio/wav"
	"github.com/hajimehoshi/go-mp3"
	"github.com/hraban/opus"
)

// 远程源最大读取字节数
const maxRemoteSize = 64 << 20

// Clip 解码后的交错 PCM 数据
type Clip struct {
	Samples    []int16
	SampleRate int
	Channels   int
}

// Frames 返回每声道采样数
func (c *Clip) Frames() int {
	if c.Channels == 0 {
		return 0
	}
	return len(c.Samples) / c.Channels
}

// Duration 返回时长
func (c *Clip) Duration() time.Duration {
	if c.SampleRate == 0 {
		return 0
	}
	return time.Duration(c.Frames()) * time.Second / time.Duration(c.SampleRate)
}

// ParseSource 将路径或 URL 解析为播放源
func ParseSource(location string) (Source, error) {
	location = strings.TrimSpace(location)
	if location == "" {
		return Source{}, fmt.Errorf("%w: empty path", ErrInvalidSource)
	}

	if strings.HasPrefix(location, "file://") {
		path := strings.TrimPrefix(location, "file://")
		if path == "" {
			return Source{}, fmt.Errorf("%w: empty file url", ErrInvalidSource)
		}
		return Source{Location: path}, nil
	}

	u, err := url.Parse(location)
	if err != nil || u.Scheme == "" || len(u.Scheme) == 1 {
		// 普通路径（含 Windows 盘符）
		return Source{Location: location}, nil
	}

	switch u.Scheme {
	case "http", "https":
		if u.Host == "" {
			return Source{}, fmt.Errorf("%w: missing host in %q", ErrInvalidSource, location)
		}
		return Source{Location: location, Remote: true}, nil
	default:
		return Source{}, fmt.Errorf("%w: unsupported scheme %q", ErrInvalidSource, u.Scheme)
	}
}

// Decode 读取并解码播放源
func Decode(ctx context.Context, src Source, client *http.Client) (*Clip, error) {
	data, err := readSource(ctx, src, client)
	if err != nil {
		return nil, err
	}

	switch sniffFormat(data) {
	case "wav":
		return decodeWAV(data)
	case "mp3":
		return decodeMP3(data)
	case "opus":
		return decodeOpus(data)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, src.Location)
	}
}

func readSource(ctx context.Context, src Source, client *http.Client) ([]byte, error) {
	if !src.Remote {
		data, err := os.ReadFile(src.Location)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrSourceUnreachable, err)
		}
		return data, nil
	}

	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src.Location, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSource, err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSourceUnreachable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: %s returned %s", ErrSourceUnreachable, src.Location, resp.Status)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxRemoteSize))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSourceUnreachable, err)
	}
	return data, nil
}

// sniffFormat 根据文件头判断格式
func sniffFormat(data []byte) string {
	switch {
	case len(data) >= 12 && string(data[0:4]) == "RIFF" && string(data[8:12]) == "WAVE":
		return "wav"
	case len(data) >= 4 && string(data[0:4]) == "OggS":
		if opusChannels(data) > 0 {
			return "opus"
		}
		return ""
	case len(data) >= 3 && string(data[0:3]) == "ID3":
		return "mp3"
	case len(data) >= 2 && data[0] == 0xFF && data[1]&0xE0 == 0xE0:
		return "mp3"
	default:
		return ""
	}
}

// opusChannels 从首页的 OpusHead 读取声道数
func opusChannels(data []byte) int {
	head := data
	if len(head) > 512 {
		head = head[:512]
	}
	idx := bytes.Index(head, []byte("OpusHead"))
	if idx < 0 || idx+9 >= len(data) {
		return 0
	}
	return int(data[idx+9])
}

func decodeWAV(data []byte) (*Clip, error) {
	d := wav.NewDecoder(bytes.NewReader(data))
	if !d.IsValidFile() {
		return nil, fmt.Errorf("%w: invalid wav header", ErrUnsupportedFormat)
	}

	buf, err := d.FullPCMBuffer()
	if err != nil {
		return nil, fmt.Errorf("decode wav: %w", err)
	}

	depth := int(d.BitDepth)
	switch depth {
	case 8, 16, 24, 32:
	default:
		return nil, fmt.Errorf("%w: %d-bit wav", ErrUnsupportedFormat, depth)
	}
	if d.NumChans == 0 || d.SampleRate == 0 {
		return nil, fmt.Errorf("%w: empty wav format", ErrUnsupportedFormat)
	}

	samples := make([]int16, len(buf.Data))
	for i, v := range buf.Data {
		samples[i] = toInt16(v, depth)
	}

	return &Clip{
		Samples:    samples,
		SampleRate: int(d.SampleRate),
		Channels:   int(d.NumChans),
	}, nil
}

func toInt16(v, depth int) int16 {
	switch depth {
	case 8:
		return int16((v - 128) << 8)
	case 24:
		return int16(v >> 8)
	case 32:
		return int16(v >> 16)
	default:
		return int16(v)
	}
}

func decodeMP3(data []byte) (*Clip, error) {
	d, err := mp3.NewDecoder(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode mp3: %w", err)
	}

	// go-mp3 固定输出 16bit 立体声
	pcm, err := io.ReadAll(d)
	if err != nil {
		return nil, fmt.Errorf("decode mp3: %w", err)
	}

	return &Clip{
		Samples:    bytesToInt16(pcm),
		SampleRate: d.SampleRate(),
		Channels:   2,
	}, nil
}

func decodeOpus(data []byte) (*Clip, error) {
	channels := opusChannels(data)
	if channels < 1 || channels > 2 {
		return nil, fmt.Errorf("%w: %d opus channels", ErrUnsupportedFormat, channels)
	}

	stream, err := opus.NewStream(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode opus: %w", err)
	}
	defer stream.Close()

	// OPUS最大帧大小
	buf := make([]int16, 5760*channels)
	var samples []int16
	for {
		n, err := stream.Read(buf)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("decode opus: %w", err)
		}
		samples = append(samples, buf[:n*channels]...)
	}

	// opusfile 固定输出 48kHz
	return &Clip{
		Samples:    samples,
		SampleRate: opusRTPClock,
		Channels:   channels,
	}, nil
}
