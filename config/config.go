//Package config resolves the viper key space into the settings the engine consumes.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"

	"github.com/AGPFMiner/multiminer/algorithms"
	"github.com/AGPFMiner/multiminer/types"
)

var ErrInvalid = errors.New("invalid config")

const (
	StaleContinue = "continue"
	StalePause    = "pause"
)

//Plugin configures one device backend. Keys a backend does not use are ignored by it.
type Plugin struct {
	Name    string `mapstructure:"name"`
	Enabled bool   `mapstructure:"enabled"`
	// filled from the active pool
	Algo string `mapstructure:"-"`

	// cpu
	Threads     int  `mapstructure:"threads"`
	Workload    int  `mapstructure:"workload"`
	RandomNonce bool `mapstructure:"randomnonce"`

	// thyroid fpga boards
	Device               string        `mapstructure:"device"`
	BaudRate             uint          `mapstructure:"baudrate"`
	MuxNums              int           `mapstructure:"muxnum"`
	Slots                []int         `mapstructure:"slot"`
	UartIO               []int         `mapstructure:"uartio"`
	PollDelay            time.Duration `mapstructure:"polldelay"`
	NonceTraverseTimeout time.Duration `mapstructure:"noncetimeout"`
	BatchSize            uint64        `mapstructure:"batchsize"`
}

type Distributor struct {
	PollInterval    time.Duration `mapstructure:"pollinterval"`
	FaultRetryBase  time.Duration `mapstructure:"faultretrybase"`
	FaultRetryMax   time.Duration `mapstructure:"faultretrymax"`
	MaxFaultRetries int           `mapstructure:"maxfaultretries"`
	BatchSize       uint64        `mapstructure:"batchsize"`
}

type Collector struct {
	IntakeSize           int `mapstructure:"intakesize"`
	SeenSize             int `mapstructure:"seensize"`
	InvalidWarnThreshold int `mapstructure:"invalidwarnthreshold"`
}

type Upstream struct {
	BackoffBase       time.Duration `mapstructure:"backoffbase"`
	BackoffMax        time.Duration `mapstructure:"backoffmax"`
	BackoffMultiplier float64       `mapstructure:"backoffmultiplier"`
	InitialAttempts   int           `mapstructure:"initialattempts"`
	QueueSize         int           `mapstructure:"queuesize"`
	DialTimeout       time.Duration `mapstructure:"dialtimeout"`
	SubmitTimeout     time.Duration `mapstructure:"submittimeout"`
	StalePolicy       string        `mapstructure:"stalepolicy"`
	StaleAfter        time.Duration `mapstructure:"staleafter"`
	UserAgent         string        `mapstructure:"useragent"`
}

type API struct {
	Enable bool   `mapstructure:"enable"`
	Listen string `mapstructure:"listen"`
}

type Log struct {
	Level      string `mapstructure:"level"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"maxsize"`
	MaxAgeDays int    `mapstructure:"maxage"`
	Compress   bool   `mapstructure:"compress"`
}

type Config struct {
	Pools           []types.Pool  `mapstructure:"pools"`
	Plugins         []Plugin      `mapstructure:"plugins"`
	JobWindow       int           `mapstructure:"jobwindow"`
	Distributor     Distributor   `mapstructure:"distributor"`
	Collector       Collector     `mapstructure:"collector"`
	Upstream        Upstream      `mapstructure:"upstream"`
	API             API           `mapstructure:"api"`
	Log             Log           `mapstructure:"log"`
	ShutdownTimeout time.Duration `mapstructure:"shutdowntimeout"`
}

//SetDefaults registers every default on v
func SetDefaults(v *viper.Viper) {
	v.SetDefault("plugins", []map[string]interface{}{{"name": "cpu", "enabled": true}})
	v.SetDefault("jobwindow", 3)

	v.SetDefault("distributor.pollinterval", 50*time.Millisecond)
	v.SetDefault("distributor.faultretrybase", time.Second)
	v.SetDefault("distributor.faultretrymax", 30*time.Second)
	v.SetDefault("distributor.maxfaultretries", 10)
	v.SetDefault("distributor.batchsize", uint64(1)<<24)

	v.SetDefault("collector.intakesize", 1024)
	v.SetDefault("collector.seensize", 4096)
	v.SetDefault("collector.invalidwarnthreshold", 5)

	v.SetDefault("upstream.backoffbase", time.Second)
	v.SetDefault("upstream.backoffmax", 30*time.Second)
	v.SetDefault("upstream.backoffmultiplier", 2.0)
	v.SetDefault("upstream.initialattempts", 5)
	v.SetDefault("upstream.queuesize", 16)
	v.SetDefault("upstream.dialtimeout", 10*time.Second)
	v.SetDefault("upstream.submittimeout", 10*time.Second)
	v.SetDefault("upstream.stalepolicy", StaleContinue)
	v.SetDefault("upstream.staleafter", 2*time.Minute)
	v.SetDefault("upstream.useragent", "multiminer")

	v.SetDefault("api.enable", true)
	v.SetDefault("api.listen", "127.0.0.1:1234")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.maxsize", 500)
	v.SetDefault("log.maxage", 28)
	v.SetDefault("log.compress", true)

	v.SetDefault("shutdowntimeout", 5*time.Second)
}

//Load decodes and validates the config held by v
func Load(v *viper.Viper) (*Config, error) {
	cfg := &Config{}
	err := v.Unmarshal(cfg, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	)))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	algo := cfg.ActivePool().Algo
	for i := range cfg.Plugins {
		cfg.Plugins[i].Algo = algo
	}
	return cfg, nil
}

//ActivePool is the pool flagged active, or the first one
func (c *Config) ActivePool() types.Pool {
	for _, pool := range c.Pools {
		if pool.Active {
			return pool
		}
	}
	if len(c.Pools) == 0 {
		return types.Pool{}
	}
	return c.Pools[0]
}

func invalid(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalid, fmt.Sprintf(format, args...))
}

func (c *Config) Validate() error {
	if len(c.Pools) == 0 {
		return invalid("no pools configured")
	}
	for _, pool := range c.Pools {
		u, err := url.Parse(pool.URL)
		if err != nil {
			return invalid("pool url %q: %v", pool.URL, err)
		}
		if u.Scheme != "stratum+tcp" {
			return invalid("pool url %q: unsupported scheme %q", pool.URL, u.Scheme)
		}
		if u.Host == "" {
			return invalid("pool url %q: missing host", pool.URL)
		}
		if _, err := algorithms.Lookup(pool.Algo); err != nil {
			return invalid("pool %q: %v", pool.URL, err)
		}
	}
	enabled := 0
	for _, p := range c.Plugins {
		if p.Name == "" {
			return invalid("plugin without name")
		}
		if p.Enabled {
			enabled++
		}
	}
	if enabled == 0 {
		return invalid("no plugin enabled")
	}
	if c.JobWindow < 0 {
		return invalid("jobwindow must be >= 0")
	}
	if c.Collector.IntakeSize <= 0 || c.Collector.SeenSize <= 0 {
		return invalid("collector sizes must be positive")
	}
	if c.Upstream.QueueSize <= 0 {
		return invalid("upstream queuesize must be positive")
	}
	if c.Upstream.BackoffBase <= 0 || c.Upstream.BackoffMax < c.Upstream.BackoffBase {
		return invalid("upstream backoff %s..%s", c.Upstream.BackoffBase, c.Upstream.BackoffMax)
	}
	if c.Upstream.BackoffMultiplier < 1 {
		return invalid("upstream backoffmultiplier must be >= 1")
	}
	switch strings.ToLower(c.Upstream.StalePolicy) {
	case StaleContinue, StalePause:
		c.Upstream.StalePolicy = strings.ToLower(c.Upstream.StalePolicy)
	default:
		return invalid("upstream stalepolicy %q, want %q or %q", c.Upstream.StalePolicy, StaleContinue, StalePause)
	}
	if c.Distributor.PollInterval <= 0 || c.Distributor.BatchSize == 0 {
		return invalid("distributor pollinterval and batchsize must be positive")
	}
	return nil
}
