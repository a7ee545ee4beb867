package audio

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestParseSource(t *testing.T) {
	tests := []struct {
		in      string
		want    Source
		wantErr bool
	}{
		{in: "/tmp/a.wav", want: Source{Location: "/tmp/a.wav"}},
		{in: "  rel/a.mp3 ", want: Source{Location: "rel/a.mp3"}},
		{in: "file:///tmp/a.wav", want: Source{Location: "/tmp/a.wav"}},
		{in: `C:\music\a.wav`, want: Source{Location: `C:\music\a.wav`}},
		{in: "https://example.com/a.mp3", want: Source{Location: "https://example.com/a.mp3", Remote: true}},
		{in: "", wantErr: true},
		{in: "http:///nohost", wantErr: true},
		{in: "ftp://example.com/a.wav", wantErr: true},
	}
	for _, tt := range tests {
		got, err := ParseSource(tt.in)
		if tt.wantErr {
			if !errors.Is(err, ErrInvalidSource) {
				t.Errorf("ParseSource(%q) err = %v, want ErrInvalidSource", tt.in, err)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseSource(%q): %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseSource(%q) = %+v, want %+v", tt.in, got, tt.want)
		}
	}
}

func TestDecodeMissingFile(t *testing.T) {
	_, err := Decode(context.Background(), Source{Location: filepath.Join(t.TempDir(), "nope.wav")}, nil)
	if !errors.Is(err, ErrSourceUnreachable) {
		t.Fatalf("err = %v, want ErrSourceUnreachable", err)
	}
}

func TestDecodeUnsupportedFormat(t *testing.T) {
	path := filepath.Join(t.TempDir(), "notes.txt")
	if err := os.WriteFile(path, []byte("definitely not audio"), 0o644); err != nil {
		t.Fatal(err)
	}
	_, err := Decode(context.Background(), Source{Location: path}, nil)
	if !errors.Is(err, ErrUnsupportedFormat) {
		t.Fatalf("err = %v, want ErrUnsupportedFormat", err)
	}
}

func TestDecodeRemote(t *testing.T) {
	path := filepath.Join(t.TempDir(), "remote.wav")
	writeTestWAV(t, path, 8000, 1, 4000, QualityMedium)
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/clip.wav" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write(data)
	}))
	defer srv.Close()

	clip, err := Decode(context.Background(), Source{Location: srv.URL + "/clip.wav", Remote: true}, srv.Client())
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if clip.Duration() != 500*time.Millisecond {
		t.Errorf("Duration = %v, want 500ms", clip.Duration())
	}

	_, err = Decode(context.Background(), Source{Location: srv.URL + "/missing.wav", Remote: true}, srv.Client())
	if !errors.Is(err, ErrSourceUnreachable) {
		t.Errorf("missing remote err = %v, want ErrSourceUnreachable", err)
	}
}

func TestSniffFormat(t *testing.T) {
	opusHead := append([]byte("OggS"), make([]byte, 24)...)
	opusHead = append(opusHead, []byte("OpusHead\x01\x02")...)

	tests := []struct {
		name string
		data []byte
		want string
	}{
		{"wav", []byte("RIFF\x00\x00\x00\x00WAVEfmt "), "wav"},
		{"id3", []byte("ID3\x04\x00"), "mp3"},
		{"mp3 sync", []byte{0xFF, 0xFB, 0x90, 0x00}, "mp3"},
		{"ogg opus", opusHead, "opus"},
		{"ogg vorbis", append([]byte("OggS"), []byte("\x01vorbis")...), ""},
		{"junk", []byte("hello"), ""},
		{"empty", nil, ""},
	}
	for _, tt := range tests {
		if got := sniffFormat(tt.data); got != tt.want {
			t.Errorf("%s: sniffFormat = %q, want %q", tt.name, got, tt.want)
		}
	}
	if got := opusChannels(opusHead); got != 2 {
		t.Errorf("opusChannels = %d, want 2", got)
	}
}

// silentMP3 生成 n 个静音 MPEG-1 Layer III 帧：128kbps 44.1kHz 立体声，每帧 417 字节
func silentMP3(n int) []byte {
	const frameLen = 417
	frame := make([]byte, frameLen)
	copy(frame, []byte{0xFF, 0xFB, 0x90, 0x00})
	return bytes.Repeat(frame, n)
}

func TestDecodeMP3(t *testing.T) {
	const frames = 20
	clip, err := decodeMP3(silentMP3(frames))
	if err != nil {
		t.Fatalf("decodeMP3: %v", err)
	}
	if clip.SampleRate != 44100 || clip.Channels != 2 {
		t.Fatalf("format = %d Hz / %d ch, want 44100 / 2", clip.SampleRate, clip.Channels)
	}
	if clip.Frames() != frames*1152 {
		t.Errorf("Frames = %d, want %d", clip.Frames(), frames*1152)
	}
	if lvl := pcmLevel(clip.Samples); lvl != MinLevel {
		t.Errorf("level = %v, want silence", lvl)
	}
}

func TestDecodeMP3File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "silence.mp3")
	if err := os.WriteFile(path, silentMP3(40), 0o644); err != nil {
		t.Fatal(err)
	}

	clip, err := Decode(context.Background(), Source{Location: path}, nil)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	want := time.Duration(40*1152) * time.Second / 44100
	if clip.Duration() != want {
		t.Errorf("Duration = %v, want %v", clip.Duration(), want)
	}
}

func TestDecodeMP3Garbage(t *testing.T) {
	if _, err := decodeMP3([]byte{0xFF, 0xFB}); err == nil {
		t.Fatal("expected error for truncated mp3")
	}
}
