package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	Log          LogConfig          `mapstructure:"log"`
	Storage      StorageConfig      `mapstructure:"storage"`
	Host         HostConfig         `mapstructure:"host"`
	Channel      ChannelConfig      `mapstructure:"channel"`
	Presentation PresentationConfig `mapstructure:"presentation"`
	Delivery     DeliveryConfig     `mapstructure:"delivery"`
	Scheduler    SchedulerConfig    `mapstructure:"scheduler"`
	Web          WebConfig          `mapstructure:"web"`
}

type ServerConfig struct {
	Port string `mapstructure:"port"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // console | json
}

type StorageConfig struct {
	Driver     string `mapstructure:"driver"` // json | sqlite
	FilePath   string `mapstructure:"file_path"`
	SQLitePath string `mapstructure:"sqlite_path"`
}

type HostConfig struct {
	RequireChannel   bool          `mapstructure:"require_channel"`
	QuotaPerMinute   int           `mapstructure:"quota_per_minute"`
	MaxAttempts      int           `mapstructure:"max_attempts"`
	RetryInterval    time.Duration `mapstructure:"retry_interval"`
	PruneSpec        string        `mapstructure:"prune_spec"`
	Retention        time.Duration `mapstructure:"retention"`
	PermissionPrompt string        `mapstructure:"permission_prompt"` // web | grant | deny
	PromptTimeout    time.Duration `mapstructure:"prompt_timeout"`
}

type ChannelConfig struct {
	ID         string `mapstructure:"id"`
	Name       string `mapstructure:"name"`
	Importance string `mapstructure:"importance"`
}

type PresentationConfig struct {
	ShowAlert bool `mapstructure:"show_alert"`
	PlaySound bool `mapstructure:"play_sound"`
	SetBadge  bool `mapstructure:"set_badge"`
}

type DeliveryConfig struct {
	Driver   string         `mapstructure:"driver"` // log | pushover | telegram | desktop
	Pushover PushoverConfig `mapstructure:"pushover"`
	Telegram TelegramConfig `mapstructure:"telegram"`
}

type PushoverConfig struct {
	Token    string `mapstructure:"token"`
	User     string `mapstructure:"user"`
	Endpoint string `mapstructure:"endpoint"`
}

type TelegramConfig struct {
	Token  string `mapstructure:"token"`
	ChatID int64  `mapstructure:"chat_id"`
}

type SchedulerConfig struct {
	Variant    string        `mapstructure:"variant"` // native | countdown
	Delay      time.Duration `mapstructure:"delay"`
	Countdown  int           `mapstructure:"countdown"`
	Tick       time.Duration `mapstructure:"tick"`
	ResetAfter time.Duration `mapstructure:"reset_after"`
	Title      string        `mapstructure:"title"`
	Body       string        `mapstructure:"body"`
	Sound      bool          `mapstructure:"sound"`
}

type WebConfig struct {
	ScreenTTL   time.Duration `mapstructure:"screen_ttl"`
	JanitorSpec string        `mapstructure:"janitor_spec"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", ":8080")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")

	v.SetDefault("storage.driver", "json")
	v.SetDefault("storage.file_path", "data/host.json")
	v.SetDefault("storage.sqlite_path", "data/host.db")

	v.SetDefault("host.require_channel", true)
	v.SetDefault("host.quota_per_minute", 30)
	v.SetDefault("host.max_attempts", 3)
	v.SetDefault("host.retry_interval", "30s")
	v.SetDefault("host.prune_spec", "@every 10m")
	v.SetDefault("host.retention", "24h")
	v.SetDefault("host.permission_prompt", "web")
	v.SetDefault("host.prompt_timeout", "2m")

	v.SetDefault("channel.id", "default")
	v.SetDefault("channel.name", "default")
	v.SetDefault("channel.importance", "max")

	v.SetDefault("presentation.show_alert", true)
	v.SetDefault("presentation.play_sound", true)
	v.SetDefault("presentation.set_badge", false)

	v.SetDefault("delivery.driver", "log")
	v.SetDefault("delivery.pushover.endpoint", "https://api.pushover.net/1/messages.json")

	v.SetDefault("scheduler.variant", "native")
	v.SetDefault("scheduler.delay", "3s")
	v.SetDefault("scheduler.countdown", 3)
	v.SetDefault("scheduler.tick", "1s")
	v.SetDefault("scheduler.reset_after", "1s")
	v.SetDefault("scheduler.title", "Time's up! ⏰")
	v.SetDefault("scheduler.body", "3 seconds have passed")
	v.SetDefault("scheduler.sound", true)

	v.SetDefault("web.screen_ttl", "2m")
	v.SetDefault("web.janitor_spec", "@every 30s")
}

// Loader keeps the viper instance around so the file can be watched.
type Loader struct {
	v *viper.Viper
}

// LoadConfig reads path (optional), then .env, then NOTIFY_* environment
// variables, in increasing order of precedence.
func LoadConfig(path string) (*Config, *Loader, error) {
	// A missing .env is normal outside development.
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)
	v.SetConfigFile(path)
	v.SetEnvPrefix("NOTIFY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
			return nil, nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	cfg, err := decode(v)
	if err != nil {
		return nil, nil, err
	}
	return cfg, &Loader{v: v}, nil
}

// Watch re-decodes the config whenever the file changes and hands the
// result to fn. Only settings read at use time (e.g. log level) take
// effect without a restart.
func (l *Loader) Watch(fn func(cfg *Config, err error)) {
	l.v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		fn(decode(l.v))
	})
	l.v.WatchConfig()
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	switch c.Scheduler.Variant {
	case "native", "countdown":
	default:
		return fmt.Errorf("invalid scheduler.variant %q", c.Scheduler.Variant)
	}
	if c.Scheduler.Delay < 0 {
		return errors.New("scheduler.delay must not be negative")
	}
	if c.Scheduler.Variant == "countdown" && c.Scheduler.Countdown <= 0 {
		return errors.New("scheduler.countdown must be positive")
	}
	switch c.Storage.Driver {
	case "json", "sqlite":
	default:
		return fmt.Errorf("invalid storage.driver %q", c.Storage.Driver)
	}
	switch c.Host.PermissionPrompt {
	case "web", "grant", "deny":
	default:
		return fmt.Errorf("invalid host.permission_prompt %q", c.Host.PermissionPrompt)
	}
	if c.Host.MaxAttempts <= 0 {
		return errors.New("host.max_attempts must be positive")
	}
	return nil
}
