package core

import (
	"errors"
	"log/slog"

	"github.com/lisuiheng/audiobridge/audio"
	"github.com/lisuiheng/audiobridge/observe"
)

// Deps 两个管理器共享的依赖
type Deps struct {
	Engine     audio.Engine
	Controller audio.Controller
	Dispatcher *Dispatcher
	Emitter    Emitter
	Metrics    *observe.Metrics
	Logger     *slog.Logger
}

func (d *Deps) validate() error {
	if d.Logger == nil {
		return errors.New("logger cannot be nil")
	}
	if d.Engine == nil {
		return errors.New("audio engine cannot be nil")
	}
	if d.Controller == nil {
		return errors.New("audio controller cannot be nil")
	}
	if d.Dispatcher == nil {
		return errors.New("dispatcher cannot be nil")
	}
	if d.Emitter == nil {
		return errors.New("emitter cannot be nil")
	}
	if d.Metrics == nil {
		d.Metrics = observe.DefaultMetrics()
	}
	return nil
}
