package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config holds all toolflow configuration.
// Priority: flags > env vars (TOOLFLOW_*) > toolflow.yaml > defaults.
type Config struct {
	LogLevel         string           `mapstructure:"log_level"`
	LogFormat        string           `mapstructure:"log_format"`
	MaxParallelSteps int              `mapstructure:"max_parallel_steps"`
	StepTimeout      time.Duration    `mapstructure:"step_timeout"`
	Retention        time.Duration    `mapstructure:"retention"`
	WorkflowsDir     string           `mapstructure:"workflows_dir"`
	PanelAddr        string           `mapstructure:"panel_addr"`
	Transport        string           `mapstructure:"transport"`
	SSEAddr          string           `mapstructure:"sse_addr"`
	Schedules        []ScheduleConfig `mapstructure:"schedules"`
	DesktopDir       string           `mapstructure:"desktop_dir"`
	SendmailPath     string           `mapstructure:"sendmail_path"`
	BrowserCommand   string           `mapstructure:"browser_command"`
}

// ScheduleConfig is one cron trigger from the config file.
type ScheduleConfig struct {
	Workflow string         `mapstructure:"workflow"`
	Cron     string         `mapstructure:"cron"`
	Metadata map[string]any `mapstructure:"metadata"`
}

const (
	transportStdio = "stdio"
	transportSSE   = "sse"
)

func setDefaults(v *viper.Viper) {
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "json")
	v.SetDefault("max_parallel_steps", 4)
	v.SetDefault("step_timeout", time.Duration(0))
	v.SetDefault("retention", 24*time.Hour)
	v.SetDefault("workflows_dir", "")
	v.SetDefault("panel_addr", ":9090")
	v.SetDefault("transport", transportStdio)
	v.SetDefault("sse_addr", ":8080")
	v.SetDefault("desktop_dir", "")
	v.SetDefault("sendmail_path", "sendmail")
	v.SetDefault("browser_command", "")
}

func toolflowDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".toolflow"
	}
	return filepath.Join(home, ".toolflow")
}

// loadConfig layers defaults, the config file, the environment and any
// flags that were set. configFile overrides the search path when not empty.
func loadConfig(configFile string, flags *pflag.FlagSet) (Config, error) {
	v := viper.New()
	setDefaults(v)

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("toolflow")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath(toolflowDir())
	}

	v.SetEnvPrefix("TOOLFLOW")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configFile != "" || !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	if flags != nil {
		bindFlags(v, flags)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	return cfg, cfg.validate()
}

// bindFlags binds every flag whose name matches a config key, with dashes
// mapped to underscores.
func bindFlags(v *viper.Viper, flags *pflag.FlagSet) {
	flags.VisitAll(func(f *pflag.Flag) {
		key := strings.ReplaceAll(f.Name, "-", "_")
		if isConfigKey(key) {
			_ = v.BindPFlag(key, f)
		}
	})
}

func isConfigKey(key string) bool {
	switch key {
	case "log_level", "log_format", "max_parallel_steps", "step_timeout", "retention",
		"workflows_dir", "panel_addr", "transport", "sse_addr", "desktop_dir",
		"sendmail_path", "browser_command":
		return true
	}
	return false
}

func (c Config) validate() error {
	if c.Transport != transportStdio && c.Transport != transportSSE {
		return fmt.Errorf("transport must be %q or %q, got %q", transportStdio, transportSSE, c.Transport)
	}
	if c.MaxParallelSteps < 1 {
		return fmt.Errorf("max_parallel_steps must be at least 1, got %d", c.MaxParallelSteps)
	}
	if c.StepTimeout < 0 || c.Retention < 0 {
		return errors.New("step_timeout and retention must not be negative")
	}
	for i, s := range c.Schedules {
		if s.Workflow == "" || s.Cron == "" {
			return fmt.Errorf("schedules[%d]: workflow and cron are required", i)
		}
	}
	return nil
}

// browserCommand splits the configured launcher into argv; empty means the
// platform default.
func (c Config) browserCommand() []string {
	return strings.Fields(c.BrowserCommand)
}
