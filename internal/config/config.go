package config

import (
	"fmt"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Settings is the layered runtime configuration for the demuxer server, assembled from flags,
// environment variables (ADAPTIVEDEMUX2_*), and an optional config file, in that precedence
// order.
type Settings struct {
	ListenAddr  string
	LogLevel    string
	ChannelFile string
	MetricsPath string
	UserAgent   string
}

// BindFlags registers the Settings fields on fs and returns a viper instance layered over them,
// environment variables, and (if set) a config file.
func BindFlags(fs *pflag.FlagSet) *viper.Viper {
	fs.String("listen", ":8080", "HTTP listen address")
	fs.String("log-level", "info", "log level: debug, info, warn, error")
	fs.String("channels", "channels.yaml", "path to the channel configuration document")
	fs.String("metrics-path", "/metrics", "Prometheus scrape path")
	fs.String("user-agent", "adaptivedemux2/1.0", "HTTP User-Agent sent to origin servers")
	fs.String("config", "", "optional config file overriding the flag defaults")

	v := viper.New()
	v.SetEnvPrefix("ADAPTIVEDEMUX2")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	_ = v.BindPFlags(fs)
	return v
}

// Load resolves a Settings value from v, reading an optional config file first (so flags/env
// still win per viper's precedence rules).
func Load(v *viper.Viper) (Settings, error) {
	if cfgFile := v.GetString("config"); cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return Settings{}, fmt.Errorf("read config file %s: %w", cfgFile, err)
		}
	}

	return Settings{
		ListenAddr:  v.GetString("listen"),
		LogLevel:    v.GetString("log-level"),
		ChannelFile: v.GetString("channels"),
		MetricsPath: v.GetString("metrics-path"),
		UserAgent:   v.GetString("user-agent"),
	}, nil
}
