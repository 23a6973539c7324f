package core

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lisuiheng/voicecall-go/audio"
	"github.com/lisuiheng/voicecall-go/logger"
	"github.com/spf13/viper"
)

// Config mirrors config/config.yaml.
type Config struct {
	System struct {
		Identity string `mapstructure:"identity"`

		Network struct {
			ControlURL       string        `mapstructure:"control_url"`
			AudioURL         string        `mapstructure:"audio_url"`
			AccessToken      string        `mapstructure:"access_token"`
			DialTimeout      time.Duration `mapstructure:"dial_timeout"`
			WriteTimeout     time.Duration `mapstructure:"write_timeout"`
			ReconnectInitial time.Duration `mapstructure:"reconnect_initial"`
			ReconnectMax     time.Duration `mapstructure:"reconnect_max"`
		} `mapstructure:"network"`
	} `mapstructure:"system"`

	Audio struct {
		WindowSize      int    `mapstructure:"window_size"`
		SendBuffer      int    `mapstructure:"send_buffer"`
		PeriodFrames    int    `mapstructure:"period_frames"`
		FramesPerBuffer int    `mapstructure:"frames_per_buffer"`
		InputFile       string `mapstructure:"input_file"` // WAV used instead of the microphone
	} `mapstructure:"audio"`

	Call struct {
		RingTimeout time.Duration `mapstructure:"ring_timeout"`
	} `mapstructure:"call"`

	Logging logger.Config `mapstructure:"logging"`
}

// SetDefaults registers the default of every key on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("system.identity", "")
	v.SetDefault("system.network.access_token", "")
	v.SetDefault("audio.input_file", "")
	v.SetDefault("system.network.control_url", "ws://localhost:9098/ws/control")
	v.SetDefault("system.network.audio_url", "ws://localhost:9098/ws/audio")
	v.SetDefault("system.network.dial_timeout", 10*time.Second)
	v.SetDefault("system.network.write_timeout", 5*time.Second)
	v.SetDefault("system.network.reconnect_initial", time.Second)
	v.SetDefault("system.network.reconnect_max", 30*time.Second)
	v.SetDefault("audio.window_size", audio.DefaultWindowSize)
	v.SetDefault("audio.send_buffer", 16)
	v.SetDefault("audio.period_frames", 1024)
	v.SetDefault("audio.frames_per_buffer", 512)
	v.SetDefault("call.ring_timeout", 45*time.Second)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.outputs", []string{"stdout"})
	v.SetDefault("logging.format", "text")
}

// LoadConfig reads configPath, or searches the default locations when it is
// empty. A missing default file is not an error; VOICECALL_* variables and
// defaults still apply.
func LoadConfig(configPath string) (Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	SetDefaults(v)

	v.SetEnvPrefix("VOICECALL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/voicecall")
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
	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	if err := ValidateIdentity(c.System.Identity); err != nil {
		return fmt.Errorf("system.identity: %w", err)
	}
	if c.System.Network.ControlURL == "" || c.System.Network.AudioURL == "" {
		return errors.New("system.network: control_url and audio_url are required")
	}
	if c.Call.RingTimeout < 0 {
		return errors.New("call.ring_timeout must not be negative")
	}
	return nil
}
