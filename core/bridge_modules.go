package core

import (
	"context"
	"encoding/json"
	"fmt"
)

// RegisterPlayer 把 PlayerManager 注册为 AudioPlayerManager 模块
func RegisterPlayer(b *Bridge, m *PlayerManager) {
	play := func(ctx context.Context, args []json.RawMessage) (any, error) {
		path, err := argString(args, 0)
		if err != nil {
			return nil, err
		}
		var opts PlayOptions
		if err := argObject(args, 1, &opts); err != nil {
			return nil, err
		}
		return m.Play(ctx, path, opts)
	}
	seek := func(ctx context.Context, args []json.RawMessage) (any, error) {
		secs, err := argFloat(args, 0)
		if err != nil {
			return nil, err
		}
		return nil, m.SetCurrentTime(ctx, secs)
	}

	b.Register(ModulePlayer, map[string]Method{
		"play":        play,
		"playWithUrl": play,
		"pause": func(ctx context.Context, _ []json.RawMessage) (any, error) {
			return m.Pause(ctx)
		},
		"unpause": func(ctx context.Context, _ []json.RawMessage) (any, error) {
			return m.Unpause(ctx)
		},
		"stop": func(ctx context.Context, _ []json.RawMessage) (any, error) {
			return m.Stop(ctx)
		},
		"setVolume": func(ctx context.Context, args []json.RawMessage) (any, error) {
			level, err := argFloat(args, 0)
			if err != nil {
				return nil, err
			}
			return nil, m.SetVolume(ctx, level)
		},
		"setCurrentTime": seek,
		"skipToSeconds":  seek,
		"getDuration": func(ctx context.Context, _ []json.RawMessage) (any, error) {
			return m.Duration(ctx)
		},
		"getDurationFromPath": func(ctx context.Context, args []json.RawMessage) (any, error) {
			path, err := argString(args, 0)
			if err != nil {
				return nil, err
			}
			return m.DurationFromPath(ctx, path)
		},
		"getOutputs": func(ctx context.Context, _ []json.RawMessage) (any, error) {
			return m.Outputs(ctx)
		},
		"getStatus": func(context.Context, []json.RawMessage) (any, error) {
			return m.Current(), nil
		},
	}, nil)
}

// RegisterRecorder 把 RecorderManager 注册为 AudioRecorderManager 模块，附带目录常量
func RegisterRecorder(b *Bridge, m *RecorderManager) {
	b.Register(ModuleRecorder, map[string]Method{
		"prepareRecordingAtPath": func(ctx context.Context, args []json.RawMessage) (any, error) {
			path, err := argString(args, 0)
			if err != nil {
				return nil, err
			}
			var opts RecordingOptions
			if err := argObject(args, 1, &opts); err != nil {
				return nil, err
			}
			return nil, m.PrepareRecordingAtPath(ctx, path, opts)
		},
		"startRecording": func(ctx context.Context, args []json.RawMessage) (any, error) {
			var path string
			if argPresent(args, 0) {
				p, err := argString(args, 0)
				if err != nil {
					return nil, err
				}
				path = p
			}
			var opts *RecordingOptions
			if argPresent(args, 1) {
				opts = &RecordingOptions{}
				if err := argObject(args, 1, opts); err != nil {
					return nil, err
				}
			}
			return m.StartRecording(ctx, path, opts)
		},
		"pauseRecording": func(ctx context.Context, _ []json.RawMessage) (any, error) {
			return m.PauseRecording(ctx)
		},
		"resumeRecording": func(ctx context.Context, _ []json.RawMessage) (any, error) {
			return m.ResumeRecording(ctx)
		},
		"stopRecording": func(ctx context.Context, _ []json.RawMessage) (any, error) {
			return m.StopRecording(ctx)
		},
		"checkAuthorizationStatus": func(ctx context.Context, _ []json.RawMessage) (any, error) {
			return m.CheckAuthorizationStatus(ctx)
		},
		"requestAuthorization": func(ctx context.Context, _ []json.RawMessage) (any, error) {
			return m.RequestAuthorization(ctx)
		},
		"getStatus": func(context.Context, []json.RawMessage) (any, error) {
			return m.Current(), nil
		},
	}, DirectoryConstants())
}

func argPresent(args []json.RawMessage, i int) bool {
	return i < len(args) && len(args[i]) > 0 && string(args[i]) != "null"
}

func argString(args []json.RawMessage, i int) (string, error) {
	if !argPresent(args, i) {
		return "", invalidArgument("missing argument %d", i)
	}
	var s string
	if err := json.Unmarshal(args[i], &s); err != nil {
		return "", newError(KindInvalidArgument, CodeInvalidArgument, fmt.Sprintf("argument %d must be a string", i), err)
	}
	return s, nil
}

func argFloat(args []json.RawMessage, i int) (float64, error) {
	if !argPresent(args, i) {
		return 0, invalidArgument("missing argument %d", i)
	}
	var f float64
	if err := json.Unmarshal(args[i], &f); err != nil {
		return 0, newError(KindInvalidArgument, CodeInvalidArgument, fmt.Sprintf("argument %d must be a number", i), err)
	}
	return f, nil
}

// argObject 解码可选的对象参数，缺省时保持 v 不变
func argObject(args []json.RawMessage, i int, v any) error {
	if !argPresent(args, i) {
		return nil
	}
	if err := json.Unmarshal(args[i], v); err != nil {
		return newError(KindInvalidArgument, CodeInvalidArgument, fmt.Sprintf("argument %d must be an object", i), err)
	}
	return nil
}
