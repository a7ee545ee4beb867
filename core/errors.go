package core

import (
	"errors"
	"fmt"

	"github.com/lisuiheng/audiobridge/audio"
)

var (
	ErrInvalidArgument     = errors.New("invalid argument")
	ErrInvalidState        = errors.New("invalid state")
	ErrResourceUnavailable = errors.New("resource unavailable")
	ErrIOFailure           = errors.New("io failure")
	ErrInterrupted         = errors.New("runtime interruption")

	ErrConnectionLost   = errors.New("connection lost")
	ErrUnknownMethod    = errors.New("unknown method")
	ErrDispatcherClosed = errors.New("dispatcher closed")
)

// Kind 错误分类，跨桥传给宿主
type Kind string

const (
	KindInvalidArgument     Kind = "invalid-argument"
	KindInvalidState        Kind = "invalid-state"
	KindResourceUnavailable Kind = "resource-unavailable"
	KindIOFailure           Kind = "io-failure"
	KindInterruption        Kind = "runtime-interruption"
)

// 失败原因码
const (
	CodeInvalidPath            = "INVALID_PATH"
	CodeUnsupportedFormat      = "UNSUPPORTED_FORMAT"
	CodeUnreachableSource      = "UNREACHABLE_SOURCE"
	CodePrepareFailed          = "COULDNT_PREPARE_MEDIAPLAYER"
	CodeInvalidState           = "INVALID_STATE"
	CodeInvalidArgument        = "INVALID_ARGUMENT"
	CodeSessionActive          = "SESSION_ACTIVE"
	CodeAudioSessionBusy       = "AUDIO_SESSION_BUSY"
	CodeDeviceUnavailable      = "DEVICE_UNAVAILABLE"
	CodeInterrupted            = "INTERRUPTED"
	CodePermissionDenied       = "PERMISSION_DENIED"
	CodeDestinationNotWritable = "DESTINATION_NOT_WRITABLE"
	CodeUnsupportedEncoding    = "UNSUPPORTED_ENCODING"
	CodeRecordingNotPrepared   = "RECORDING_NOT_PREPARED"
	CodeRuntimeException       = "RUNTIME_EXCEPTION"
	CodeUnknownMethod          = "UNKNOWN_METHOD"
)

// Error 管理器边界上的结构化错误
type Error struct {
	Kind Kind
	Code string
	Msg  string
	Err  error
}

func newError(kind Kind, code, msg string, err error) *Error {
	return &Error{Kind: kind, Code: code, Msg: msg, Err: err}
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Msg)
}

// Unwrap 同时暴露分类哨兵和底层错误，errors.Is(err, ErrInvalidState) 可用
func (e *Error) Unwrap() []error {
	errs := []error{kindSentinel(e.Kind)}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

func kindSentinel(k Kind) error {
	switch k {
	case KindInvalidArgument:
		return ErrInvalidArgument
	case KindInvalidState:
		return ErrInvalidState
	case KindResourceUnavailable:
		return ErrResourceUnavailable
	case KindInterruption:
		return ErrInterrupted
	default:
		return ErrIOFailure
	}
}

// ErrorPayload 错误的线上格式
type ErrorPayload struct {
	Code    string `json:"code"`
	Kind    Kind   `json:"kind"`
	Message string `json:"message"`
}

// ToPayload 将任意错误转换为线上格式，未分类错误按 RUNTIME_EXCEPTION 处理
func ToPayload(err error) ErrorPayload {
	var e *Error
	if errors.As(err, &e) {
		return ErrorPayload{Code: e.Code, Kind: e.Kind, Message: e.Error()}
	}
	if errors.Is(err, ErrUnknownMethod) {
		return ErrorPayload{Code: CodeUnknownMethod, Kind: KindInvalidArgument, Message: err.Error()}
	}
	return ErrorPayload{Code: CodeRuntimeException, Kind: KindIOFailure, Message: err.Error()}
}

func invalidState(format string, args ...any) *Error {
	return newError(KindInvalidState, CodeInvalidState, fmt.Sprintf(format, args...), nil)
}

func invalidArgument(format string, args ...any) *Error {
	return newError(KindInvalidArgument, CodeInvalidArgument, fmt.Sprintf(format, args...), nil)
}

// fromAudio 将原生层错误映射为结构化错误，无法识别时使用 fallback 原因码
func fromAudio(err error, msg, fallback string) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}

	switch {
	case errors.Is(err, audio.ErrInvalidSource):
		return newError(KindInvalidArgument, CodeInvalidPath, msg, err)
	case errors.Is(err, audio.ErrUnsupportedFormat):
		return newError(KindInvalidArgument, CodeUnsupportedFormat, msg, err)
	case errors.Is(err, audio.ErrUnsupportedConfig):
		return newError(KindInvalidArgument, CodeInvalidArgument, msg, err)
	case errors.Is(err, audio.ErrSourceUnreachable):
		return newError(KindIOFailure, CodeUnreachableSource, msg, err)
	case errors.Is(err, audio.ErrDestinationInvalid):
		return newError(KindIOFailure, CodeDestinationNotWritable, msg, err)
	case errors.Is(err, audio.ErrSessionBusy):
		return newError(KindResourceUnavailable, CodeAudioSessionBusy, msg, err)
	case errors.Is(err, audio.ErrDeviceUnavailable):
		return newError(KindResourceUnavailable, CodeDeviceUnavailable, msg, err)
	case errors.Is(err, audio.ErrPermissionDenied):
		return newError(KindResourceUnavailable, CodePermissionDenied, msg, err)
	case errors.Is(err, audio.ErrInterrupted):
		return newError(KindInterruption, CodeInterrupted, msg, err)
	default:
		return newError(KindIOFailure, fallback, msg, err)
	}
}
