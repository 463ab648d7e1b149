package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/mind-engage/mindengage-testengine/internal/engine"
	"github.com/mind-engage/mindengage-testengine/internal/exam"
)

type Mode string

const (
	ModeOffline Mode = "offline"
	ModeOnline  Mode = "online"
)

var ErrMissingSecret = errors.New("auth.hmac_secret is required in online mode")

type Config struct {
	Mode     Mode   `mapstructure:"mode"`
	Env      string `mapstructure:"env"` // development|production
	HTTPAddr string `mapstructure:"http_addr"`
	SiteID   string `mapstructure:"site_id"`

	Remote       RemoteConfig       `mapstructure:"remote"`
	Local        LocalConfig        `mapstructure:"local"`
	Connectivity ConnectivityConfig `mapstructure:"connectivity"`
	Auth         AuthConfig         `mapstructure:"auth"`
	CORS         CORSConfig         `mapstructure:"cors"`
	Log          LogConfig          `mapstructure:"log"`
	Tracing      TracingConfig      `mapstructure:"tracing"`
	Engine       EngineConfig       `mapstructure:"engine"`
	Sync         SyncConfig         `mapstructure:"sync"`

	// Retake maps a test type to its policy.
	Retake map[string]exam.RetakePolicy `mapstructure:"retake"`
}

type RemoteConfig struct {
	Driver string `mapstructure:"driver"` // sqlite|postgres|memory
	DSN    string `mapstructure:"dsn"`
}

type LocalConfig struct {
	Driver string `mapstructure:"driver"` // sqlite|fs|memory
	DSN    string `mapstructure:"dsn"`
	Path   string `mapstructure:"path"`
}

type ConnectivityConfig struct {
	Probe   string        `mapstructure:"probe"` // ping|http|online|offline
	URL     string        `mapstructure:"url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type AuthConfig struct {
	HMACSecret    string        `mapstructure:"hmac_secret"`
	TokenTTL      time.Duration `mapstructure:"token_ttl"`
	AdminUser     string        `mapstructure:"admin_user"`
	AdminPassHash string        `mapstructure:"admin_pass_hash"` // bcrypt
}

type CORSConfig struct {
	OriginsOnline  []string `mapstructure:"origins_online"`
	OriginsOffline []string `mapstructure:"origins_offline"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
	File  string `mapstructure:"file"`
}

type TracingConfig struct {
	Endpoint    string `mapstructure:"endpoint"`
	ServiceName string `mapstructure:"service_name"`
}

type EngineConfig struct {
	ShuffleQuestions bool          `mapstructure:"shuffle_questions"`
	ShuffleOptions   bool          `mapstructure:"shuffle_options"`
	TimeLimit        time.Duration `mapstructure:"time_limit"`
	AutoSaveInterval time.Duration `mapstructure:"auto_save_interval"`
	MaxSubmitRetries int           `mapstructure:"max_submit_retries"`
	FetchAttempts    int           `mapstructure:"fetch_attempts"`
	WriteAttempts    int           `mapstructure:"write_attempts"`
	AttemptTimeout   time.Duration `mapstructure:"attempt_timeout"`
	CacheTTL         time.Duration `mapstructure:"cache_ttl"`
	// FinishedRetention keeps completed attempts in memory for late reads.
	FinishedRetention time.Duration `mapstructure:"finished_retention"`
	ApprovalRequired  []string      `mapstructure:"approval_required"`
}

type SyncConfig struct {
	Interval      time.Duration `mapstructure:"interval"`
	RatePerSecond float64       `mapstructure:"rate_per_second"`
	Burst         int           `mapstructure:"burst"`
}

// Load reads config.yaml from path (when present) and the environment.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if path != "" {
		v.AddConfigPath(path)
	}
	v.AddConfigPath(".")

	setDefaults(v)

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	_ = v.BindEnv("remote.dsn", "DATABASE_URL")
	_ = v.BindEnv("auth.hmac_secret", "AUTH_HMAC_SECRET")
	_ = v.BindEnv("auth.admin_pass_hash", "ADMIN_PASS_HASH")
	_ = v.BindEnv("env", "APP_ENV")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error loading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshalling config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", string(ModeOffline))
	v.SetDefault("env", "development")
	v.SetDefault("http_addr", ":8080")
	v.SetDefault("site_id", "local")

	v.SetDefault("remote.driver", "sqlite")
	v.SetDefault("remote.dsn", "")
	v.SetDefault("local.driver", "sqlite")
	v.SetDefault("local.dsn", "")
	v.SetDefault("local.path", "./data")

	v.SetDefault("connectivity.probe", "ping")
	v.SetDefault("connectivity.url", "")
	v.SetDefault("connectivity.timeout", "3s")

	v.SetDefault("auth.hmac_secret", "dev-secret-change-me")
	v.SetDefault("auth.token_ttl", "12h")
	v.SetDefault("auth.admin_user", "admin")
	v.SetDefault("auth.admin_pass_hash", "$2y$12$pyZAiWaTfVtM7UElIRStvOC3gNbnp70nmQU4eYopLGBfCJr1DOvji")

	v.SetDefault("cors.origins_online", []string{"https://lms.mindengage.ai"})
	v.SetDefault("cors.origins_offline", []string{"http://localhost:3000", "http://localhost:3010"})

	v.SetDefault("log.level", "info")
	v.SetDefault("log.file", "")
	v.SetDefault("tracing.endpoint", "")
	v.SetDefault("tracing.service_name", "testengine")

	v.SetDefault("engine.shuffle_questions", true)
	v.SetDefault("engine.shuffle_options", true)
	v.SetDefault("engine.time_limit", "30m")
	v.SetDefault("engine.auto_save_interval", "30s")
	v.SetDefault("engine.max_submit_retries", 3)
	v.SetDefault("engine.fetch_attempts", 3)
	v.SetDefault("engine.write_attempts", 3)
	v.SetDefault("engine.attempt_timeout", "10s")
	v.SetDefault("engine.cache_ttl", "24h")
	v.SetDefault("engine.finished_retention", "5m")
	v.SetDefault("engine.approval_required", []string{string(exam.PostTest)})

	v.SetDefault("sync.interval", "1m")
	v.SetDefault("sync.rate_per_second", 5.0)
	v.SetDefault("sync.burst", 1)

	v.SetDefault("retake.pre_test.one_time_submission", true)
	v.SetDefault("retake.pre_test.single_attempt", true)
	v.SetDefault("retake.post_test.one_time_submission", true)
	v.SetDefault("retake.post_test.max_retake_attempts", 2)
	v.SetDefault("retake.post_test.retake_cooldown_hours", 24)
}

func (c *Config) validate() error {
	switch c.Mode {
	case ModeOffline, ModeOnline:
	default:
		return fmt.Errorf("unsupported mode %q", c.Mode)
	}
	if c.Mode == ModeOnline && (c.Auth.HMACSecret == "" || c.Auth.HMACSecret == "dev-secret-change-me") {
		return ErrMissingSecret
	}
	if c.Engine.TimeLimit <= 0 {
		return fmt.Errorf("engine.time_limit must be positive")
	}
	return nil
}

// Policy returns the retake policy for testType. Unknown test types get the
// permissive zero policy.
func (c *Config) Policy(testType exam.TestType) exam.RetakePolicy {
	return c.Retake[strings.ToLower(string(testType))]
}

// EngineSettings returns the immutable value the engine and its components run on.
func (c *Config) EngineSettings() engine.Config {
	approval := make(map[exam.TestType]bool, len(c.Engine.ApprovalRequired))
	for _, t := range c.Engine.ApprovalRequired {
		approval[exam.TestType(t)] = true
	}
	policies := make(map[exam.TestType]exam.RetakePolicy, len(c.Retake))
	for t, p := range c.Retake {
		policies[exam.TestType(t)] = p
	}
	return engine.Config{
		ShuffleQuestions:  c.Engine.ShuffleQuestions,
		ShuffleOptions:    c.Engine.ShuffleOptions,
		TimeLimit:         c.Engine.TimeLimit,
		AutoSaveInterval:  c.Engine.AutoSaveInterval,
		MaxSubmitRetries:  c.Engine.MaxSubmitRetries,
		FetchAttempts:     c.Engine.FetchAttempts,
		WriteAttempts:     c.Engine.WriteAttempts,
		AttemptTimeout:    c.Engine.AttemptTimeout,
		CacheTTL:          c.Engine.CacheTTL,
		FinishedRetention: c.Engine.FinishedRetention,
		ApprovalRequired:  approval,
		RetakePolicies:    policies,
		Offline:           c.Mode == ModeOffline,
	}
}
