package core

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config 对应 config.yaml 的结构
type Config struct {
	System struct {
		DeviceID string       `mapstructure:"device_id"`
		ClientID string       `mapstructure:"client_id"`
		Bridge   BridgeConfig `mapstructure:"bridge"`
	} `mapstructure:"system"`

	Audio struct {
		// Backend native 使用声卡，offline 不访问设备
		Backend         string        `mapstructure:"backend"`
		FramesPerBuffer int           `mapstructure:"frames_per_buffer"`
		FetchTimeout    time.Duration `mapstructure:"fetch_timeout"`
		// StallTimeout 输出回调停止超过该时长视为设备丢失
		StallTimeout    time.Duration `mapstructure:"stall_timeout"`
		AllowMicrophone bool          `mapstructure:"allow_microphone"`
	} `mapstructure:"audio"`

	Player struct {
		ProgressInterval time.Duration `mapstructure:"progress_interval"`
	} `mapstructure:"player"`

	Recorder struct {
		ProgressInterval time.Duration `mapstructure:"progress_interval"`
	} `mapstructure:"recorder"`

	Logging struct {
		Level   string   `mapstructure:"level"`
		Outputs []string `mapstructure:"outputs"`
	} `mapstructure:"logging"`

	Admin struct {
		Addr string `mapstructure:"addr"`
	} `mapstructure:"admin"`
}

// 音频后端
const (
	BackendNative  = "native"
	BackendOffline = "offline"
)

// BridgeConfig 宿主桥连接配置
type BridgeConfig struct {
	URL             string        `mapstructure:"url"`
	AccessToken     string        `mapstructure:"access_token"`
	ProtocolVersion int           `mapstructure:"protocol_version"`
	MaxReconnect    time.Duration `mapstructure:"max_reconnect_delay"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("system.device_id", "")
	v.SetDefault("system.client_id", "")
	v.SetDefault("system.bridge.url", "ws://127.0.0.1:8081/bridge")
	v.SetDefault("system.bridge.access_token", "")
	v.SetDefault("system.bridge.protocol_version", 1)
	v.SetDefault("system.bridge.max_reconnect_delay", "30s")
	v.SetDefault("audio.backend", BackendNative)
	v.SetDefault("audio.frames_per_buffer", 1024)
	v.SetDefault("audio.fetch_timeout", "30s")
	v.SetDefault("audio.stall_timeout", "2s")
	v.SetDefault("audio.allow_microphone", true)
	v.SetDefault("player.progress_interval", "250ms")
	v.SetDefault("recorder.progress_interval", "1s")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.outputs", []string{"stdout"})
	v.SetDefault("admin.addr", ":9090")
	v.SetDefault("debug", false)
}

// LoadConfig 读取配置文件，configPath 为空时按默认路径搜索，找不到文件则只用默认值和环境变量
func LoadConfig(configPath string) (Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	setDefaults(v)

	// AUDIOBRIDGE_SYSTEM_BRIDGE_URL 覆盖 system.bridge.url
	v.SetEnvPrefix("AUDIOBRIDGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/audiobridge")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configPath != "" || !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if v.GetBool("debug") {
		cfg.Logging.Level = "debug"
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate 检查配置取值
func (c Config) Validate() error {
	var errs []error
	if c.Audio.Backend != BackendNative && c.Audio.Backend != BackendOffline {
		errs = append(errs, fmt.Errorf("audio.backend %q is not one of native/offline", c.Audio.Backend))
	}
	if c.Audio.FramesPerBuffer <= 0 {
		errs = append(errs, fmt.Errorf("audio.frames_per_buffer must be positive, got %d", c.Audio.FramesPerBuffer))
	}
	if c.Audio.StallTimeout < 0 {
		errs = append(errs, fmt.Errorf("audio.stall_timeout must not be negative, got %s", c.Audio.StallTimeout))
	}
	if c.Player.ProgressInterval <= 0 {
		errs = append(errs, fmt.Errorf("player.progress_interval must be positive, got %s", c.Player.ProgressInterval))
	}
	if c.Recorder.ProgressInterval <= 0 {
		errs = append(errs, fmt.Errorf("recorder.progress_interval must be positive, got %s", c.Recorder.ProgressInterval))
	}
	if c.System.Bridge.URL == "" {
		errs = append(errs, errors.New("system.bridge.url must not be empty"))
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("logging.level %q is not one of debug/info/warn/error", c.Logging.Level))
	}
	return errors.Join(errs...)
}
