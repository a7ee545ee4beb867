package core

// 桥模块名
const (
	ModulePlayer   = "AudioPlayerManager"
	ModuleRecorder = "AudioRecorderManager"
)

// 事件名
const (
	EventPlayerStarted  = "playerStarted"
	EventPlayerProgress = "playerProgress"
	EventPlayerFinished = "playerFinished"

	EventRecordingStarted  = "recordingStarted"
	EventRecordingProgress = "recordingProgress"
	EventRecordingFinished = "recordingFinished"
)

// Status 终止事件状态
type Status string

const (
	StatusOK      Status = "OK"
	StatusStopped Status = "STOPPED"
	StatusError   Status = "ERROR"
)

// Emitter 事件出口，只在调度上下文中被调用
type Emitter interface {
	Emit(module, name string, body any)
}

// EmitterFunc 函数适配 Emitter
type EmitterFunc func(module, name string, body any)

func (f EmitterFunc) Emit(module, name string, body any) { f(module, name, body) }

type PlayerStartedEvent struct {
	SessionID string  `json:"sessionId"`
	Path      string  `json:"path"`
	Duration  float64 `json:"duration"`
}

type PlayerProgressEvent struct {
	SessionID   string  `json:"sessionId"`
	CurrentTime float64 `json:"currentTime"`
	Duration    float64 `json:"duration"`
}

type PlayerFinishedEvent struct {
	SessionID   string        `json:"sessionId"`
	Status      Status        `json:"status"`
	Path        string        `json:"path"`
	Duration    float64       `json:"duration"`
	CurrentTime float64       `json:"currentTime"`
	Error       *ErrorPayload `json:"error,omitempty"`
}

type RecordingStartedEvent struct {
	SessionID    string `json:"sessionId"`
	Path         string `json:"path"`
	AudioFileURL string `json:"audioFileURL"`
}

type RecordingProgressEvent struct {
	SessionID   string  `json:"sessionId"`
	CurrentTime float64 `json:"currentTime"`
	// CurrentMetering 输入电平 (dBFS)，仅在 MeteringEnabled 时给出
	CurrentMetering *float64 `json:"currentMetering,omitempty"`
}

type RecordingFinishedEvent struct {
	SessionID    string        `json:"sessionId"`
	Status       Status        `json:"status"`
	Path         string        `json:"path"`
	AudioFileURL string        `json:"audioFileURL,omitempty"`
	Duration     float64       `json:"duration"`
	Base64       string        `json:"base64,omitempty"`
	Error        *ErrorPayload `json:"error,omitempty"`
}

func errorPayload(err error) *ErrorPayload {
	if err == nil {
		return nil
	}
	p := ToPayload(err)
	return &p
}
