package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/lisuiheng/audiobridge/audio"
	"github.com/lisuiheng/audiobridge/core"
	"github.com/lisuiheng/audiobridge/health"
	"github.com/lisuiheng/audiobridge/logger"
	"github.com/lisuiheng/audiobridge/observe"
)

var version = "dev"

func main() {
	// 定义命令行参数
	configPath := flag.String("c", "", "Path to config file (default searches ./config.yaml, ./config/config.yaml, /etc/audiobridge/config.yaml)")
	flag.Parse()

	// .env 不存在时忽略
	_ = godotenv.Load()

	// 加载配置
	cfg, err := core.LoadConfig(*configPath)
	if err != nil {
		logger.Error("Failed to load config", "error", err)
		os.Exit(1)
	}

	// 初始化日志
	if err := logger.Init(logger.Config{Level: cfg.Logging.Level, Outputs: cfg.Logging.Outputs}); err != nil {
		logger.Error("Failed to initialize logger", "error", err)
		os.Exit(1)
	}
	defer logger.Info("Shutting down audiobridge service")

	if err := run(cfg); err != nil {
		logger.Error("Service runtime error", "error", err)
		os.Exit(1)
	}
	logger.Info("Service shutdown completed")
}

func run(cfg core.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log := logger.Logger()

	shutdownMetrics, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceVersion: version})
	if err != nil {
		return err
	}
	defer func() {
		if err := shutdownMetrics(context.Background()); err != nil {
			log.Warn("Failed to shut down metrics provider", "error", err)
		}
	}()
	metrics := observe.DefaultMetrics()

	ctrl := audio.NewController(log.With("component", "audio-session"))
	engine, err := newEngine(cfg, ctrl, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := engine.Close(); err != nil {
			log.Error("Failed to close audio engine", "error", err)
		}
	}()

	dispatch := core.NewDispatcher(log.With("component", "dispatcher"))
	bridge, err := core.NewBridge(cfg, dispatch, metrics, log)
	if err != nil {
		return err
	}

	deps := core.Deps{
		Engine:     engine,
		Controller: ctrl,
		Dispatcher: dispatch,
		Emitter:    bridge,
		Metrics:    metrics,
		Logger:     log,
	}
	player, err := core.NewPlayerManager(deps, cfg.Player.ProgressInterval)
	if err != nil {
		return err
	}
	recorder, err := core.NewRecorderManager(deps,
		audio.StaticAuthorizer{Granted: cfg.Audio.AllowMicrophone},
		cfg.Recorder.ProgressInterval)
	if err != nil {
		return err
	}
	core.RegisterPlayer(bridge, player)
	core.RegisterRecorder(bridge, recorder)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	health.New(health.Checker{Name: "bridge", Check: bridge.Ready}).
		WithStatus(func() any {
			return map[string]any{
				"bridge":   bridge.GetState(),
				"player":   player.Current(),
				"recorder": recorder.Current(),
			}
		}).
		Register(mux)
	server := &http.Server{
		Addr:              cfg.Admin.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	// 桥在会话排空后才断开，不直接跟随 gctx
	bridgeCtx, stopBridge := context.WithCancel(context.Background())
	defer stopBridge()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return dispatch.Run(context.Background()) })
	g.Go(func() error {
		logger.Info("Starting audiobridge service", "bridge", cfg.System.Bridge.URL, "backend", cfg.Audio.Backend)
		err := bridge.Run(bridgeCtx)
		if err == nil && gctx.Err() == nil {
			return errors.New("bridge stopped unexpectedly")
		}
		return err
	})
	g.Go(func() error {
		logger.Info("Admin server listening", "addr", cfg.Admin.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Received shutdown signal")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		// 终止事件经桥发出后才断开桥与调度器
		if err := core.Drain(shutdownCtx, dispatch, player, recorder); err != nil {
			log.Warn("Failed to drain sessions", "error", err)
		}
		stopBridge()
		dispatch.Close()

		return server.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func newEngine(cfg core.Config, monitor audio.DeviceMonitor, log *slog.Logger) (audio.Engine, error) {
	engineCfg := audio.EngineConfig{
		FramesPerBuffer: cfg.Audio.FramesPerBuffer,
		FetchTimeout:    cfg.Audio.FetchTimeout,
		StallTimeout:    cfg.Audio.StallTimeout,
		Monitor:         monitor,
	}
	if cfg.Audio.Backend == core.BackendOffline {
		return audio.NewOfflineEngine(engineCfg, log.With("component", "offline-engine"))
	}
	return audio.NewNativeEngine(engineCfg, log.With("component", "native-engine"))
}
