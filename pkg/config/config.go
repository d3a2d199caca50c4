// Copyright 2025 The fawa Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fsnotify/fsnotify"
	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/fawa-io/uploadgate/pkg/fwlog"
	"github.com/fawa-io/uploadgate/pkg/quota"
)

const envPrefix = "UPLOADGATE"

type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Log         LogConfig         `mapstructure:"log"`
	Quota       QuotaConfig       `mapstructure:"quota"`
	Ledger      LedgerConfig      `mapstructure:"ledger"`
	ObjectStore ObjectStoreConfig `mapstructure:"objectStore"`
	Users       UsersConfig       `mapstructure:"users"`
	AMQP        AMQPConfig        `mapstructure:"amqp"`
	Auth        AuthConfig        `mapstructure:"auth"`
}

type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	CertFile        string        `mapstructure:"certFile"`
	KeyFile         string        `mapstructure:"keyFile"`
	ShutdownTimeout time.Duration `mapstructure:"shutdownTimeout"`
	AllowedOrigins  []string      `mapstructure:"allowedOrigins"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

// QuotaConfig holds the limits as human readable sizes, e.g. "200MiB".
type QuotaConfig struct {
	MaxFileSize string `mapstructure:"maxFileSize"`
	DailyLimit  string `mapstructure:"dailyLimit"`
	GlobalLimit string `mapstructure:"globalLimit"`
	CycleMonths int    `mapstructure:"cycleMonths"`
}

type LedgerConfig struct {
	// Backend is "redis" or "memory".
	Backend    string        `mapstructure:"backend"`
	Addr       string        `mapstructure:"addr"`
	Password   string        `mapstructure:"password"`
	DB         int           `mapstructure:"db"`
	KeyPrefix  string        `mapstructure:"keyPrefix"`
	DailyTTL   time.Duration `mapstructure:"dailyTTL"`

	// RetryTimeout bounds a conflicting transaction; MaxRetries, when
	// positive, also caps its attempts.
	RetryTimeout time.Duration `mapstructure:"retryTimeout"`
	MaxRetries   int           `mapstructure:"maxRetries"`
}

type ObjectStoreConfig struct {
	Endpoint        string        `mapstructure:"endpoint"`
	AccessKeyID     string        `mapstructure:"accessKeyID"`
	SecretAccessKey string        `mapstructure:"secretAccessKey"`
	Bucket          string        `mapstructure:"bucket"`
	UseSSL          bool          `mapstructure:"useSSL"`
	Region          string        `mapstructure:"region"`
	EnsureBucket    bool          `mapstructure:"ensureBucket"`
	WriteTTL        time.Duration `mapstructure:"writeTTL"`
	ReadTTL         time.Duration `mapstructure:"readTTL"`
}

type UsersConfig struct {
	// DSN selects the Postgres directory. When empty, Static is used.
	DSN    string   `mapstructure:"dsn"`
	Static []string `mapstructure:"static"`
}

type AMQPConfig struct {
	URL        string `mapstructure:"url"`
	Exchange   string `mapstructure:"exchange"`
	RoutingKey string `mapstructure:"routingKey"`
	Buffer     int    `mapstructure:"buffer"`
}

type AuthConfig struct {
	JWTSecret string `mapstructure:"jwtSecret"`
}

var (
	once sync.Once

	mu sync.RWMutex

	config Config
	limits = quota.DefaultLimits()
)

func InitConfig() error {
	var initErr error
	once.Do(func() {
		initErr = LoadAndWatch()
	})
	return initErr
}

// Get returns the current configuration.
func Get() Config {
	mu.RLock()
	defer mu.RUnlock()
	return config
}

// Limits returns the quota limits of the last valid configuration.
func Limits() quota.Limits {
	mu.RLock()
	defer mu.RUnlock()
	return limits
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.certFile", "")
	v.SetDefault("server.keyFile", "")
	v.SetDefault("server.shutdownTimeout", 10*time.Second)
	v.SetDefault("server.allowedOrigins", []string{"*"})

	v.SetDefault("log.level", "info")

	v.SetDefault("quota.maxFileSize", "50MiB")
	v.SetDefault("quota.dailyLimit", "200MiB")
	v.SetDefault("quota.globalLimit", "9.9GiB")
	v.SetDefault("quota.cycleMonths", 1)

	v.SetDefault("ledger.backend", "redis")
	v.SetDefault("ledger.addr", "localhost:6379")
	v.SetDefault("ledger.password", "")
	v.SetDefault("ledger.db", 0)
	v.SetDefault("ledger.keyPrefix", "uploadgate")
	v.SetDefault("ledger.retryTimeout", 5*time.Second)
	v.SetDefault("ledger.maxRetries", 0)
	v.SetDefault("ledger.dailyTTL", 72*time.Hour)

	v.SetDefault("objectStore.endpoint", "")
	v.SetDefault("objectStore.accessKeyID", "")
	v.SetDefault("objectStore.secretAccessKey", "")
	v.SetDefault("objectStore.bucket", "")
	v.SetDefault("objectStore.useSSL", true)
	v.SetDefault("objectStore.region", "auto")
	v.SetDefault("objectStore.ensureBucket", false)
	v.SetDefault("objectStore.writeTTL", 5*time.Minute)
	v.SetDefault("objectStore.readTTL", time.Hour)

	v.SetDefault("users.dsn", "")
	v.SetDefault("users.static", []string{})

	v.SetDefault("amqp.url", "")
	v.SetDefault("amqp.exchange", "uploadgate")
	v.SetDefault("amqp.routingKey", "upload.admitted")
	v.SetDefault("amqp.buffer", 1024)

	v.SetDefault("auth.jwtSecret", "")
}

func defineFlags(flags *pflag.FlagSet) {
	flags.String("server.addr", "", "HTTP service address (e.g., '127.0.0.1:8080')")
	flags.String("server.certFile", "", "Path to the TLS certificate file.")
	flags.String("server.keyFile", "", "Path to the TLS private key file.")
	flags.String("log.level", "", "Log level: debug, info, warn, error.")
	flags.String("ledger.backend", "", "Quota ledger backend: redis or memory.")
	flags.String("ledger.addr", "", "Redis/Dragonfly address.")
}

// newViper layers defaults, config file, environment and flags.
func newViper(flags *pflag.FlagSet, args []string, paths ...string) (*viper.Viper, error) {
	v := viper.New()
	setDefaults(v)

	defineFlags(flags)
	if err := flags.Parse(args); err != nil {
		return nil, err
	}
	// Unchanged flags never shadow the defaults above.
	if err := v.BindPFlags(flags); err != nil {
		return nil, fmt.Errorf("failed to bind pflags: %w", err)
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	for _, p := range paths {
		v.AddConfigPath(p)
	}

	if err := v.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if errors.As(err, &configFileNotFoundError) {
			fwlog.Infof("Config file not found, using defaults and environment.")
		} else {
			return nil, fmt.Errorf("fatal error config file: %w", err)
		}
	}
	return v, nil
}

// decode unmarshals v and derives the quota limits from it.
func decode(v *viper.Viper) (Config, quota.Limits, error) {
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return Config{}, quota.Limits{}, fmt.Errorf("the configuration cannot be decoded into the struct: %w", err)
	}
	lim, err := c.Quota.Limits()
	if err != nil {
		return Config{}, quota.Limits{}, err
	}
	switch c.Ledger.Backend {
	case "redis", "memory":
	default:
		return Config{}, quota.Limits{}, fmt.Errorf("unknown ledger backend %q", c.Ledger.Backend)
	}
	return c, lim, nil
}

// Limits parses the human readable sizes.
func (q QuotaConfig) Limits() (quota.Limits, error) {
	var (
		lim quota.Limits
		err error
	)
	if lim.MaxFileBytes, err = parseSize("quota.maxFileSize", q.MaxFileSize); err != nil {
		return lim, err
	}
	if lim.DailyBytes, err = parseSize("quota.dailyLimit", q.DailyLimit); err != nil {
		return lim, err
	}
	if lim.GlobalBytes, err = parseSize("quota.globalLimit", q.GlobalLimit); err != nil {
		return lim, err
	}
	if q.CycleMonths < 1 {
		return lim, fmt.Errorf("quota.cycleMonths must be at least 1, got %d", q.CycleMonths)
	}
	lim.CycleMonths = q.CycleMonths
	return lim, nil
}

func parseSize(name, s string) (uint64, error) {
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", name, err)
	}
	if n == 0 {
		return 0, fmt.Errorf("%s must be positive", name)
	}
	return n, nil
}

func apply(c Config, lim quota.Limits) {
	mu.Lock()
	config, limits = c, lim
	mu.Unlock()

	level, err := fwlog.ParseLevel(c.Log.Level)
	if err != nil {
		fwlog.Warnf("%v, keeping %s", err, level)
	}
	fwlog.SetLevel(level)
}

// LoadAndWatch reads the configuration and reloads it whenever the config
// file changes. A reload that fails to decode keeps the previous values.
func LoadAndWatch() error {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fwlog.Warnf("failed to load .env: %v", err)
	}

	v, err := newViper(pflag.CommandLine, os.Args[1:], ".", "/etc/uploadgate/")
	if err != nil {
		return err
	}

	c, lim, err := decode(v)
	if err != nil {
		return err
	}
	apply(c, lim)

	v.OnConfigChange(func(e fsnotify.Event) {
		fwlog.Infof("the config file has changed: %s, reloading...", e.Name)

		c, lim, err := decode(v)
		if err != nil {
			fwlog.Errorf("error reloading the configuration, keeping the previous one: %v", err)
			return
		}
		apply(c, lim)
		fwlog.Infof("the configuration has been reloaded, limits: file %s, daily %s, global %s",
			humanize.IBytes(lim.MaxFileBytes), humanize.IBytes(lim.DailyBytes), humanize.IBytes(lim.GlobalBytes))
	})
	if v.ConfigFileUsed() != "" {
		v.WatchConfig()
	}

	return nil
}
