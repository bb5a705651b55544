// internal/config/config.go
package config

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strconv"
	"strings"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
	"go.uber.org/zap/zapcore"

	"github.com/YaganovValera/snapshot-broadcaster/internal/broadcast"
	"github.com/YaganovValera/snapshot-broadcaster/internal/poller"
	"github.com/YaganovValera/snapshot-broadcaster/internal/upstream"
	"github.com/YaganovValera/snapshot-broadcaster/pkg/httpserver"
	"github.com/YaganovValera/snapshot-broadcaster/pkg/logger"
	"github.com/YaganovValera/snapshot-broadcaster/pkg/telemetry"
)

// EnvPrefix prefixes every environment override, e.g.
// BROADCASTER_SERVER_LISTEN_ADDR.
const EnvPrefix = "BROADCASTER"

/*
   --------------------------------------------------------------------------
   STRUCTURES
   --------------------------------------------------------------------------
*/

// Config is the full service configuration.
type Config struct {
	ServiceName    string            `mapstructure:"service_name"`
	ServiceVersion string            `mapstructure:"service_version"`
	Server         broadcast.Config  `mapstructure:"server"`
	Upstream       upstream.Config   `mapstructure:"upstream"`
	Poller         poller.Config     `mapstructure:"poller"`
	Telemetry      telemetry.Config  `mapstructure:"telemetry"`
	Logging        Logging           `mapstructure:"logging"`
	HTTP           httpserver.Config `mapstructure:"http"`
}

// Logging holds logger settings.
type Logging struct {
	Level   string `mapstructure:"level"`
	DevMode bool   `mapstructure:"dev_mode"`
}

// Logger converts the section into a logger.Config.
func (l Logging) Logger() logger.Config {
	return logger.Config{Level: l.Level, DevMode: l.DevMode}
}

/*
   --------------------------------------------------------------------------
   LOADER
   --------------------------------------------------------------------------
*/

// Load reads defaults, then environment, then the optional file at path,
// and validates the result.
func Load(path string) (*Config, error) {
	v := viper.New()

	// ---------- 1) Defaults ----------
	setDefaults(v)

	// ---------- 2) ENV ----------
	v.SetEnvPrefix(EnvPrefix)
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// ---------- 3) Optional file ----------
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %q: %w", v.ConfigFileUsed(), err)
		}
	}

	// ---------- 4) Decode ----------
	var cfg Config
	if err := decode(v.AllSettings(), &cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	// ---------- 5) Derived fields + validation ----------
	cfg.Telemetry.ServiceName = cfg.ServiceName
	cfg.Telemetry.ServiceVersion = cfg.ServiceVersion
	cfg.Poller.Limit = cfg.Upstream.Limit
	cfg.Server.ApplyDefaults()
	cfg.Upstream.ApplyDefaults()
	cfg.Poller.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("service_name", "snapshot-broadcaster")
	v.SetDefault("service_version", "v1.0.0")

	// Websocket server
	v.SetDefault("server.listen_addr", ":9002")
	v.SetDefault("server.path", "/")
	v.SetDefault("server.write_timeout", "5s")
	v.SetDefault("server.ping_interval", "30s")
	v.SetDefault("server.pong_timeout", "60s")
	v.SetDefault("server.read_limit", 4096)
	v.SetDefault("server.drain_workers", 1)
	v.SetDefault("server.shutdown_timeout", "5s")

	// Upstream
	v.SetDefault("upstream.base_url", "https://api.bitfinex.com/v2")
	v.SetDefault("upstream.symbols", []string{})
	v.SetDefault("upstream.limit", 25)
	v.SetDefault("upstream.timeout", "5s")
	v.SetDefault("upstream.backoff.initial_interval", "200ms")
	v.SetDefault("upstream.backoff.randomization_factor", 0.5)
	v.SetDefault("upstream.backoff.multiplier", 2.0)
	v.SetDefault("upstream.backoff.max_interval", "2s")
	v.SetDefault("upstream.backoff.max_elapsed_time", "4s")
	v.SetDefault("upstream.backoff.per_attempt_timeout", "3s")

	// Poller
	v.SetDefault("poller.interval", "100ms")
	v.SetDefault("poller.fetch_timeout", "5s")
	v.SetDefault("poller.watch_on_subscribe", true)

	// Telemetry
	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.otel_endpoint", "localhost:4317")
	v.SetDefault("telemetry.insecure", true)
	v.SetDefault("telemetry.reconnect_period", "5s")
	v.SetDefault("telemetry.timeout", "5s")
	v.SetDefault("telemetry.batch_timeout", "5s")
	v.SetDefault("telemetry.sampler_ratio", 1.0)

	// Logging
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.dev_mode", false)

	// Ops HTTP server
	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.read_timeout", "10s")
	v.SetDefault("http.write_timeout", "15s")
	v.SetDefault("http.idle_timeout", "60s")
	v.SetDefault("http.shutdown_timeout", "5s")
	v.SetDefault("http.metrics_path", "/metrics")
	v.SetDefault("http.healthz_path", "/healthz")
	v.SetDefault("http.readyz_path", "/readyz")
}

func decode(input map[string]interface{}, target *Config) error {
	hook := mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
		stringToBoolHook,
	)
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:    "mapstructure",
		Result:     target,
		DecodeHook: hook,
	})
	if err != nil {
		return err
	}
	return dec.Decode(input)
}

func stringToBoolHook(f, t reflect.Kind, data interface{}) (interface{}, error) {
	if f == reflect.String && t == reflect.Bool {
		return strconv.ParseBool(data.(string))
	}
	return data, nil
}

/*
   --------------------------------------------------------------------------
   VALIDATION
   --------------------------------------------------------------------------
*/

// Validate checks cross-field constraints. Section defaults must already
// be applied.
func (c *Config) Validate() error {
	var errs []string

	if c.ServiceName == "" {
		errs = append(errs, "service_name is required")
	}
	if c.ServiceVersion == "" {
		errs = append(errs, "service_version is required")
	}
	if err := c.Server.Validate(); err != nil {
		errs = append(errs, err.Error())
	}
	if err := c.Upstream.Validate(); err != nil {
		errs = append(errs, err.Error())
	}
	if c.Poller.FetchTimeout < c.Upstream.Timeout {
		errs = append(errs, "poller.fetch_timeout must not be below upstream.timeout")
	}
	if c.HTTP.Addr == "" {
		errs = append(errs, "http.addr is required")
	}
	if c.HTTP.Addr == c.Server.ListenAddr {
		errs = append(errs, "http.addr and server.listen_addr must differ")
	}
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(c.Logging.Level)); err != nil {
		errs = append(errs, fmt.Sprintf("logging.level %q is invalid", c.Logging.Level))
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(errs, "; "))
	}
	return nil
}

// Print writes the effective configuration as indented JSON.
func (c *Config) Print() {
	b, _ := json.MarshalIndent(c, "", "  ")
	fmt.Println("Loaded configuration:\n" + string(b))
}
