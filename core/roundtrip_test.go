package core

import (
	"context"
	"math"
	"path/filepath"
	"testing"
	"time"

	"github.com/lisuiheng/audiobridge/audio"
)

type offlineRig struct {
	engine   *audio.OfflineEngine
	recorder *RecorderManager
	player   *PlayerManager
}

// newOfflineRig 用离线引擎组装管理器，设备丢失经 h.ctrl 上报
func newOfflineRig(t *testing.T, h *harness, stall time.Duration) *offlineRig {
	t.Helper()
	engine, err := audio.NewOfflineEngine(audio.EngineConfig{
		FramesPerBuffer: 256,
		StallTimeout:    stall,
		Monitor:         h.ctrl,
	}, discardLogger())
	if err != nil {
		t.Fatal(err)
	}
	deps := h.deps(t, engine)

	recorder, err := NewRecorderManager(deps, nil, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	player, err := NewPlayerManager(deps, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	return &offlineRig{engine: engine, recorder: recorder, player: player}
}

// record 录制 d 时长后停止
func (r *offlineRig) record(t *testing.T, path string, opts RecordingOptions, d time.Duration) RecordingSession {
	t.Helper()
	ctx := context.Background()
	if _, err := r.recorder.StartRecording(ctx, path, &opts); err != nil {
		t.Fatalf("StartRecording: %v", err)
	}
	time.Sleep(d)
	rec, err := r.recorder.StopRecording(ctx)
	if err != nil {
		t.Fatalf("StopRecording: %v", err)
	}
	if rec.Elapsed <= 0 {
		t.Fatalf("recorded %v seconds", rec.Elapsed)
	}
	return rec
}

// 录一段文件，再读时长并播放到结束
func TestRecordThenPlayOffline(t *testing.T) {
	h := newHarness(t)
	rig := newOfflineRig(t, h, 0)
	ctx := context.Background()

	path := filepath.Join(t.TempDir(), "takes", "hello.wav")
	rec := rig.record(t, path, RecordingOptions{SampleRate: 16000, Channels: 1}, 300*time.Millisecond)

	d, err := rig.player.DurationFromPath(ctx, "file://"+path)
	if err != nil {
		t.Fatalf("DurationFromPath: %v", err)
	}
	if math.Abs(d-rec.Elapsed) > 0.05 {
		t.Errorf("decoded duration %.3f, recorded %.3f", d, rec.Elapsed)
	}

	sess, err := rig.player.Play(ctx, path, PlayOptions{})
	if err != nil {
		t.Fatalf("Play: %v", err)
	}
	if math.Abs(sess.Duration-rec.Elapsed) > 0.05 {
		t.Errorf("playback duration %.3f, recorded %.3f", sess.Duration, rec.Elapsed)
	}

	waitFor(t, 5*time.Second, func() bool {
		h.flush(t)
		return h.events.count(EventPlayerFinished) == 1
	})
	fin := finishedPlayback(t, h)[0]
	if fin.Status != StatusOK || fin.SessionID != sess.ID {
		t.Errorf("finished = %+v", fin)
	}
	if h.ctrl.Owner() != audio.OwnerNone || h.ctrl.Category() != audio.CategoryAmbient {
		t.Errorf("controller = %s/%s after round trip", h.ctrl.Owner(), h.ctrl.Category())
	}

	modules := map[string]int{}
	for _, ev := range h.events.all() {
		modules[ev.Module]++
	}
	if modules[ModuleRecorder] != 2 || modules[ModulePlayer] != 2 {
		t.Errorf("events per module = %v", modules)
	}
}

// opus 录音的可播放时长与录到的时长一致
func TestRecordOpusThenPlayOffline(t *testing.T) {
	for _, rate := range []int{48000, 16000} {
		h := newHarness(t)
		rig := newOfflineRig(t, h, 0)
		ctx := context.Background()

		path := filepath.Join(t.TempDir(), "hello.ogg")
		rec := rig.record(t, path, RecordingOptions{
			SampleRate:    rate,
			Channels:      1,
			AudioEncoding: string(audio.EncodingOpus),
		}, 300*time.Millisecond)

		d, err := rig.player.DurationFromPath(ctx, path)
		if err != nil {
			t.Fatalf("%d Hz DurationFromPath: %v", rate, err)
		}
		if math.Abs(d-rec.Elapsed) > 0.001 {
			t.Errorf("%d Hz: decoded duration %.4f, recorded %.4f", rate, d, rec.Elapsed)
		}

		sess, err := rig.player.Play(ctx, path, PlayOptions{})
		if err != nil {
			t.Fatalf("%d Hz Play: %v", rate, err)
		}
		if math.Abs(sess.Duration-rec.Elapsed) > 0.001 {
			t.Errorf("%d Hz: playback duration %.4f, recorded %.4f", rate, sess.Duration, rec.Elapsed)
		}
		waitFor(t, 5*time.Second, func() bool {
			h.flush(t)
			return h.events.count(EventPlayerFinished) == 1
		})
		if fin := finishedPlayback(t, h)[0]; fin.Status != StatusOK {
			t.Errorf("%d Hz: finished = %+v", rate, fin)
		}
	}
}

func TestOutputDeviceLossInterruptsPlayback(t *testing.T) {
	h := newHarness(t)
	rig := newOfflineRig(t, h, 80*time.Millisecond)
	ctx := context.Background()

	path := filepath.Join(t.TempDir(), "long.wav")
	rig.record(t, path, RecordingOptions{SampleRate: 8000, Channels: 1}, 300*time.Millisecond)

	sess, err := rig.player.Play(ctx, path, PlayOptions{})
	if err != nil {
		t.Fatalf("Play: %v", err)
	}
	rig.engine.Disconnect("headphones unplugged")

	waitFor(t, 3*time.Second, func() bool {
		h.flush(t)
		return h.events.count(EventPlayerFinished) == 1
	})
	fin := finishedPlayback(t, h)[0]
	if fin.SessionID != sess.ID || fin.Status != StatusError || fin.Error == nil {
		t.Fatalf("finished = %+v", fin)
	}
	if fin.Error.Code != CodeInterrupted || fin.Error.Kind != KindInterruption {
		t.Errorf("error = %+v", fin.Error)
	}
	if h.ctrl.Owner() != audio.OwnerNone {
		t.Errorf("controller owner = %s after device loss", h.ctrl.Owner())
	}
	if got := rig.player.Current(); got.State != StateIdle {
		t.Errorf("Current = %+v, want idle", got)
	}
}

func TestInputDeviceLossInterruptsRecording(t *testing.T) {
	h := newHarness(t)
	rig := newOfflineRig(t, h, 0)
	ctx := context.Background()

	path := filepath.Join(t.TempDir(), "take.wav")
	sess, err := rig.recorder.StartRecording(ctx, path, &RecordingOptions{SampleRate: 16000, Channels: 1})
	if err != nil {
		t.Fatalf("StartRecording: %v", err)
	}
	time.Sleep(60 * time.Millisecond)
	rig.engine.Disconnect("microphone unplugged")

	waitFor(t, 3*time.Second, func() bool {
		h.flush(t)
		return h.events.count(EventRecordingFinished) == 1
	})
	fin := finishedRecordings(t, h)[0]
	if fin.SessionID != sess.ID || fin.Status != StatusError || fin.Error == nil {
		t.Fatalf("finished = %+v", fin)
	}
	if fin.Error.Code != CodeInterrupted {
		t.Errorf("error = %+v", fin.Error)
	}
	if h.ctrl.Owner() != audio.OwnerNone {
		t.Errorf("controller owner = %s after device loss", h.ctrl.Owner())
	}

	// 会话结束后到达的设备丢失不影响新会话
	next, err := rig.recorder.StartRecording(ctx, filepath.Join(t.TempDir(), "next.wav"), &RecordingOptions{SampleRate: 16000, Channels: 1})
	if err != nil {
		t.Fatalf("second StartRecording: %v", err)
	}
	h.ctrl.DeviceLost(audio.OwnerPlayer, "stale output")
	h.flush(t)
	if got := rig.recorder.Current(); got.ID != next.ID || got.State != StateRecording {
		t.Errorf("Current = %+v, want second session recording", got)
	}
	if _, err := rig.recorder.StopRecording(ctx); err != nil {
		t.Fatal(err)
	}
}
