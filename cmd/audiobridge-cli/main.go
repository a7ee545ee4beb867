package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/fatih/color"

	"github.com/lisuiheng/audiobridge/audio"
	"github.com/lisuiheng/audiobridge/core"
	"github.com/lisuiheng/audiobridge/logger"
)

var (
	blue   = color.New(color.FgBlue).SprintFunc()
	green  = color.New(color.FgGreen).SprintFunc()
	red    = color.New(color.FgRed).SprintFunc()
	yellow = color.New(color.FgYellow).SprintFunc()
)

type cli struct {
	player   *core.PlayerManager
	recorder *core.RecorderManager
	dispatch *core.Dispatcher
	// finished 收到播放或录音的终止事件
	finished chan string
}

func main() {
	// 命令行参数
	configPath := flag.String("config", "", "Path to config file")
	command := flag.String("cmd", "", "Command to execute (play, record, duration, outputs)")
	recordFor := flag.Duration("d", 5*time.Second, "Recording length for -cmd record")
	offline := flag.Bool("offline", false, "Use the device-free audio backend")
	debug := flag.Bool("debug", false, "Enable debug mode")
	flag.Parse()

	// 加载配置
	cfg, err := core.LoadConfig(*configPath)
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// 初始化日志
	logCfg := logger.Config{
		Level:   "warn",
		Outputs: []string{"stderr"},
	}
	if *debug {
		logCfg.Level = "debug"
	}
	if err := logger.Init(logCfg); err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	ctrl := audio.NewController(logger.Logger())
	engineCfg := audio.EngineConfig{
		FramesPerBuffer: cfg.Audio.FramesPerBuffer,
		FetchTimeout:    cfg.Audio.FetchTimeout,
		StallTimeout:    cfg.Audio.StallTimeout,
		Monitor:         ctrl,
	}
	var engine audio.Engine
	if *offline || cfg.Audio.Backend == core.BackendOffline {
		engine, err = audio.NewOfflineEngine(engineCfg, logger.Logger())
	} else {
		engine, err = audio.NewNativeEngine(engineCfg, logger.Logger())
	}
	if err != nil {
		logger.Error("Failed to create audio engine", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := engine.Close(); err != nil {
			logger.Error("Failed to close audio engine", "error", err)
		}
	}()

	c, err := newCLI(cfg, engine, ctrl)
	if err != nil {
		logger.Error("Failed to create managers", "error", err)
		os.Exit(1)
	}
	defer c.close()

	// 如果指定了命令，直接执行
	if *command != "" {
		if err := c.execute(*command, flag.Args(), *recordFor); err != nil {
			fmt.Printf("%s Error: %v\n", red("✗"), err)
			os.Exit(1)
		}
		return
	}

	// 交互式模式
	c.interactive()
}

func newCLI(cfg core.Config, engine audio.Engine, ctrl audio.Controller) (*cli, error) {
	c := &cli{
		dispatch: core.NewDispatcher(logger.Logger()),
		finished: make(chan string, 4),
	}
	go func() { _ = c.dispatch.Run(context.Background()) }()

	deps := core.Deps{
		Engine:     engine,
		Controller: ctrl,
		Dispatcher: c.dispatch,
		Emitter:    core.EmitterFunc(c.printEvent),
		Logger:     logger.Logger(),
	}
	var err error
	if c.player, err = core.NewPlayerManager(deps, cfg.Player.ProgressInterval); err != nil {
		return nil, err
	}
	if c.recorder, err = core.NewRecorderManager(deps,
		audio.StaticAuthorizer{Granted: cfg.Audio.AllowMicrophone},
		cfg.Recorder.ProgressInterval); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *cli) close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := core.Drain(ctx, c.dispatch, c.player, c.recorder); err != nil {
		logger.Warn("Failed to drain sessions", "error", err)
	}
	c.dispatch.Close()
	<-c.dispatch.Done()
}

// printEvent 在调度上下文中打印事件
func (c *cli) printEvent(module, name string, body any) {
	data, _ := json.Marshal(body)
	switch name {
	case core.EventPlayerProgress, core.EventRecordingProgress:
		fmt.Printf("  %s %s\n", yellow(name), data)
	case core.EventPlayerFinished, core.EventRecordingFinished:
		fmt.Printf("%s %s.%s %s\n", green("●"), module, name, data)
		select {
		case c.finished <- name:
		default:
		}
	default:
		fmt.Printf("%s %s.%s %s\n", blue("●"), module, name, data)
	}
}

func (c *cli) execute(cmd string, args []string, recordFor time.Duration) error {
	ctx := context.Background()

	switch strings.ToLower(cmd) {
	case "play":
		if len(args) < 1 {
			return fmt.Errorf("usage: -cmd play <path|url>")
		}
		if _, err := c.player.Play(ctx, args[0], core.PlayOptions{}); err != nil {
			return err
		}
		<-c.finished
	case "record":
		if len(args) < 1 {
			return fmt.Errorf("usage: -cmd record [-d 5s] <path>")
		}
		if _, err := c.recorder.StartRecording(ctx, args[0], nil); err != nil {
			return err
		}
		select {
		case <-time.After(recordFor):
			if _, err := c.recorder.StopRecording(ctx); err != nil {
				return err
			}
		case <-c.finished:
		}
	case "duration":
		if len(args) < 1 {
			return fmt.Errorf("usage: -cmd duration <path|url>")
		}
		d, err := c.player.DurationFromPath(ctx, args[0])
		if err != nil {
			return err
		}
		fmt.Printf("%s %.3fs\n", green("✓"), d)
	case "outputs":
		names, err := c.player.Outputs(ctx)
		if err != nil {
			return err
		}
		for _, n := range names {
			fmt.Printf("  %s\n", n)
		}
	default:
		return fmt.Errorf("unknown command: %s", cmd)
	}
	return nil
}

func (c *cli) interactive() {
	ctx := context.Background()
	reader := bufio.NewReader(os.Stdin)

	for {
		fmt.Printf("\n%s ", blue("audiobridge>"))
		input, err := reader.ReadString('\n')
		if err != nil {
			return
		}
		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}

		parts := strings.Fields(input)
		cmd := parts[0]
		args := parts[1:]

		var result any
		switch cmd {
		case "play":
			if len(args) < 1 {
				err = fmt.Errorf("usage: play <path|url>")
				break
			}
			result, err = c.player.Play(ctx, args[0], core.PlayOptions{})
		case "pause":
			result, err = c.player.Pause(ctx)
		case "unpause":
			result, err = c.player.Unpause(ctx)
		case "stop":
			result, err = c.player.Stop(ctx)
		case "volume":
			var v float64
			if v, err = floatArg(args); err == nil {
				err = c.player.SetVolume(ctx, v)
			}
		case "seek":
			var v float64
			if v, err = floatArg(args); err == nil {
				err = c.player.SetCurrentTime(ctx, v)
			}
		case "duration":
			if len(args) > 0 {
				result, err = c.player.DurationFromPath(ctx, args[0])
			} else {
				result, err = c.player.Duration(ctx)
			}
		case "outputs":
			result, err = c.player.Outputs(ctx)
		case "record":
			path := ""
			if len(args) > 0 {
				path = args[0]
			}
			result, err = c.recorder.StartRecording(ctx, path, nil)
		case "rpause":
			result, err = c.recorder.PauseRecording(ctx)
		case "rresume":
			result, err = c.recorder.ResumeRecording(ctx)
		case "rstop":
			result, err = c.recorder.StopRecording(ctx)
		case "status":
			result = map[string]any{"player": c.player.Current(), "recorder": c.recorder.Current()}
		case "exit", "quit":
			fmt.Println("Exiting...")
			return
		case "help":
			printHelp()
			continue
		default:
			fmt.Printf("%s Unknown command: %s\n", red("✗"), cmd)
			printHelp()
			continue
		}

		if err != nil {
			fmt.Printf("%s Error: %v\n", red("✗"), err)
			continue
		}
		if result != nil {
			data, _ := json.MarshalIndent(result, "  ", "  ")
			fmt.Printf("%s %s\n", green("✓"), data)
		} else {
			fmt.Printf("%s ok\n", green("✓"))
		}
	}
}

func floatArg(args []string) (float64, error) {
	if len(args) < 1 {
		return 0, fmt.Errorf("missing numeric argument")
	}
	return strconv.ParseFloat(args[0], 64)
}

func printHelp() {
	fmt.Println("\nAvailable commands:")
	fmt.Println("  play <path|url>   - Start playback")
	fmt.Println("  pause / unpause   - Pause or resume playback")
	fmt.Println("  stop              - Stop playback")
	fmt.Println("  volume <0..1>     - Set playback volume")
	fmt.Println("  seek <seconds>    - Jump to position")
	fmt.Println("  duration [path]   - Duration of current session or a file")
	fmt.Println("  outputs           - List output devices")
	fmt.Println("  record <path>     - Start recording")
	fmt.Println("  rpause / rresume  - Pause or resume recording")
	fmt.Println("  rstop             - Stop recording")
	fmt.Println("  status            - Show current sessions")
	fmt.Println("  exit/quit         - Exit the program")
	fmt.Println("  help              - Show this help message")
}
