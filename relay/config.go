package relay

import (
	"errors"
	"fmt"
	"strings"

	"github.com/lisuiheng/voicecall-go/logger"
	"github.com/spf13/viper"
)

type Config struct {
	Listen      string              `mapstructure:"listen"`
	MetricsPath string              `mapstructure:"metrics_path"`
	Groups      map[string][]string `mapstructure:"groups"`
	Logging     logger.Config       `mapstructure:"logging"`
}

// LoadConfig reads the relay configuration the same way the client does,
// with VOICECALL_RELAY_* overrides.
func LoadConfig(configPath string) (Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetDefault("listen", ":9098")
	v.SetDefault("metrics_path", "/metrics")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.outputs", []string{"stdout"})
	v.SetDefault("logging.format", "text")

	v.SetEnvPrefix("VOICECALL_RELAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("relay")
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
	for name, members := range cfg.Groups {
		for _, m := range members {
			if !validIdentity(m) {
				return Config{}, fmt.Errorf("group %s: invalid member %q", name, m)
			}
		}
	}
	return cfg, nil
}
