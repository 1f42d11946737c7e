package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

type Executor struct {
	ID        string
	APIKey    string
	APISecret string
}

type Platform struct {
	URL     string
	Timeout time.Duration
}

type Push struct {
	RedisURL      string
	ChannelPrefix string
}

type Terminal struct {
	URL             string
	DispatchTimeout time.Duration
}

type Heartbeat struct {
	Interval     time.Duration
	PollInterval time.Duration
}

type Backoff struct {
	Initial     time.Duration
	Max         time.Duration
	Multiplier  float64
	MaxAttempts int
	WarnAfter   int
}

type Commands struct {
	MaxAttempts    int
	RetryBase      time.Duration
	RetryMax       time.Duration
	DedupCapacity  int
	DedupGrace     time.Duration
	ReportAttempts int
	ReportRetry    time.Duration
}

// Safety holds the risk limits. A zero value disables the corresponding check.
type Safety struct {
	MaxDailyLoss     float64
	MaxOpenPositions int
	MaxLotSize       float64
	SymbolMaxLots    map[string]float64
	MaxDrawdownPct   float64
	HardDailyLoss    float64
	HardDrawdownPct  float64
}

type Operator struct {
	Listen       string
	ResetPinHash string
}

type Config struct {
	Executor  Executor
	Platform  Platform
	Push      Push
	Terminal  Terminal
	Heartbeat Heartbeat
	Backoff   Backoff
	Commands  Commands
	Safety    Safety
	Operator  Operator
	LogPath   string
	LogLevel  string
	DBPath    string
}

var (
	mu  sync.RWMutex
	cfg Config
	v   *viper.Viper
)

func setDefaults(v *viper.Viper) {
	v.SetDefault("executor.id", "")
	v.SetDefault("executor.api_key", "")
	v.SetDefault("executor.api_secret", "")
	v.SetDefault("platform.url", "http://127.0.0.1:3000")
	v.SetDefault("platform.timeout", 10*time.Second)
	v.SetDefault("push.redis_url", "redis://127.0.0.1:6379/0")
	v.SetDefault("push.channel_prefix", "private-executor")
	v.SetDefault("terminal.url", "ws://127.0.0.1:8765/bridge")
	v.SetDefault("terminal.dispatch_timeout", 15*time.Second)
	v.SetDefault("heartbeat.interval", 60*time.Second)
	v.SetDefault("heartbeat.poll_interval", 15*time.Second)
	v.SetDefault("backoff.initial", time.Second)
	v.SetDefault("backoff.max", 60*time.Second)
	v.SetDefault("backoff.multiplier", 2.0)
	v.SetDefault("backoff.max_attempts", 10)
	v.SetDefault("backoff.warn_after", 3)
	v.SetDefault("commands.max_attempts", 3)
	v.SetDefault("commands.retry_base", 2*time.Second)
	v.SetDefault("commands.retry_max", 30*time.Second)
	v.SetDefault("commands.dedup_capacity", 4096)
	v.SetDefault("commands.dedup_grace", 10*time.Minute)
	v.SetDefault("commands.report_attempts", 3)
	v.SetDefault("commands.report_retry", 5*time.Second)
	v.SetDefault("safety.max_daily_loss", 0.0)
	v.SetDefault("safety.max_open_positions", 0)
	v.SetDefault("safety.max_lot_size", 0.0)
	v.SetDefault("safety.symbol_max_lots", map[string]float64{})
	v.SetDefault("safety.max_drawdown_pct", 0.0)
	v.SetDefault("safety.hard_daily_loss", 0.0)
	v.SetDefault("safety.hard_drawdown_pct", 0.0)
	v.SetDefault("operator.listen", "127.0.0.1:8081")
	v.SetDefault("operator.reset_pin_hash", "")
	v.SetDefault("log_path", "")
	v.SetDefault("log_level", "info")
	v.SetDefault("db_path", filepath.Join(os.TempDir(), "fx-executor", "agent.db"))
}

// Load reads the YAML file at path (a missing file keeps the defaults) and applies
// FXE_* environment overrides, e.g. FXE_EXECUTOR_API_KEY.
func Load(path string) (Config, error) {
	nv := viper.New()
	setDefaults(nv)
	nv.SetEnvPrefix("FXE")
	nv.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	nv.AutomaticEnv()
	if path != "" {
		if _, err := os.Stat(path); err == nil {
			nv.SetConfigFile(path)
			nv.SetConfigType("yaml")
			if err := nv.ReadInConfig(); err != nil {
				return Config{}, fmt.Errorf("read config: %w", err)
			}
		}
	}
	c, err := decode(nv)
	if err != nil {
		return Config{}, err
	}
	mu.Lock()
	cfg = c
	v = nv
	mu.Unlock()
	return c, nil
}

func decode(v *viper.Viper) (Config, error) {
	c := Config{
		Executor: Executor{
			ID:        strings.TrimSpace(v.GetString("executor.id")),
			APIKey:    v.GetString("executor.api_key"),
			APISecret: v.GetString("executor.api_secret"),
		},
		Platform: Platform{
			URL:     strings.TrimRight(strings.TrimSpace(v.GetString("platform.url")), "/"),
			Timeout: v.GetDuration("platform.timeout"),
		},
		Push: Push{
			RedisURL:      v.GetString("push.redis_url"),
			ChannelPrefix: v.GetString("push.channel_prefix"),
		},
		Terminal: Terminal{
			URL:             v.GetString("terminal.url"),
			DispatchTimeout: v.GetDuration("terminal.dispatch_timeout"),
		},
		Heartbeat: Heartbeat{
			Interval:     v.GetDuration("heartbeat.interval"),
			PollInterval: v.GetDuration("heartbeat.poll_interval"),
		},
		Backoff: Backoff{
			Initial:     v.GetDuration("backoff.initial"),
			Max:         v.GetDuration("backoff.max"),
			Multiplier:  v.GetFloat64("backoff.multiplier"),
			MaxAttempts: v.GetInt("backoff.max_attempts"),
			WarnAfter:   v.GetInt("backoff.warn_after"),
		},
		Commands: Commands{
			MaxAttempts:    v.GetInt("commands.max_attempts"),
			RetryBase:      v.GetDuration("commands.retry_base"),
			RetryMax:       v.GetDuration("commands.retry_max"),
			DedupCapacity:  v.GetInt("commands.dedup_capacity"),
			DedupGrace:     v.GetDuration("commands.dedup_grace"),
			ReportAttempts: v.GetInt("commands.report_attempts"),
			ReportRetry:    v.GetDuration("commands.report_retry"),
		},
		Safety:   decodeSafety(v),
		Operator: Operator{Listen: v.GetString("operator.listen"), ResetPinHash: v.GetString("operator.reset_pin_hash")},
		LogPath:  v.GetString("log_path"),
		LogLevel: v.GetString("log_level"),
		DBPath:   v.GetString("db_path"),
	}
	if c.Heartbeat.Interval <= 0 {
		return Config{}, fmt.Errorf("heartbeat.interval must be positive, got %s", c.Heartbeat.Interval)
	}
	if c.Backoff.Initial <= 0 || c.Backoff.Max < c.Backoff.Initial {
		return Config{}, fmt.Errorf("invalid backoff window %s..%s", c.Backoff.Initial, c.Backoff.Max)
	}
	if c.Backoff.Multiplier < 1 {
		return Config{}, fmt.Errorf("backoff.multiplier must be >= 1, got %v", c.Backoff.Multiplier)
	}
	if c.Backoff.MaxAttempts <= 0 {
		c.Backoff.MaxAttempts = 10
	}
	if c.Commands.MaxAttempts <= 0 {
		c.Commands.MaxAttempts = 1
	}
	if c.Commands.DedupCapacity <= 0 {
		c.Commands.DedupCapacity = 4096
	}
	return c, nil
}

func decodeSafety(v *viper.Viper) Safety {
	lots := map[string]float64{}
	for sym, raw := range v.GetStringMap("safety.symbol_max_lots") {
		var f float64
		switch n := raw.(type) {
		case float64:
			f = n
		case int:
			f = float64(n)
		case int64:
			f = float64(n)
		case string:
			_, _ = fmt.Sscanf(n, "%g", &f)
		}
		if f > 0 {
			lots[strings.ToUpper(sym)] = f
		}
	}
	return Safety{
		MaxDailyLoss:     v.GetFloat64("safety.max_daily_loss"),
		MaxOpenPositions: v.GetInt("safety.max_open_positions"),
		MaxLotSize:       v.GetFloat64("safety.max_lot_size"),
		SymbolMaxLots:    lots,
		MaxDrawdownPct:   v.GetFloat64("safety.max_drawdown_pct"),
		HardDailyLoss:    v.GetFloat64("safety.hard_daily_loss"),
		HardDrawdownPct:  v.GetFloat64("safety.hard_drawdown_pct"),
	}
}

func Get() Config {
	mu.RLock()
	defer mu.RUnlock()
	return cfg
}

// Watch re-decodes the config file on change and hands the new values to fn.
// Invalid edits are reported through onErr and the previous values are kept.
func Watch(fn func(Config), onErr func(error)) {
	mu.RLock()
	wv := v
	mu.RUnlock()
	if wv == nil || wv.ConfigFileUsed() == "" {
		return
	}
	wv.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		c, err := decode(wv)
		if err != nil {
			if onErr != nil {
				onErr(fmt.Errorf("reload %s: %w", e.Name, err))
			}
			return
		}
		mu.Lock()
		cfg = c
		mu.Unlock()
		fn(c)
	})
	wv.WatchConfig()
}
