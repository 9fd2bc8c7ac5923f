package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds the configuration for the application.
type Config struct {
	Environment   string `mapstructure:"environment"`
	DevModeBypass bool   `mapstructure:"dev_mode_bypass"`

	Server struct {
		Addr         string        `mapstructure:"addr"`
		TLSAddr      string        `mapstructure:"tls_addr"`
		ReadTimeout  time.Duration `mapstructure:"read_timeout"`
		WriteTimeout time.Duration `mapstructure:"write_timeout"`
		IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
		OpenAPIFile  string        `mapstructure:"openapi_file"`
	} `mapstructure:"server"`
	DB struct {
		Driver   string `mapstructure:"driver"`
		Host     string `mapstructure:"host"`
		Port     int    `mapstructure:"port"`
		User     string `mapstructure:"user"`
		Password string `mapstructure:"password"`
		Name     string `mapstructure:"name"`
		SSLMode  string `mapstructure:"sslmode"`
	} `mapstructure:"db"`
	Auth struct {
		OktaDomain      string `mapstructure:"okta_domain"`
		ClientID        string `mapstructure:"client_id"`
		ClientSecret    string `mapstructure:"client_secret"`
		RedirectURL     string `mapstructure:"redirect_url"`
		SwaggerClientID string `mapstructure:"swagger_client_id"`
	} `mapstructure:"auth"`
	TLS struct {
		Enable    bool     `mapstructure:"enable"`
		CertFile  string   `mapstructure:"cert_file"`
		KeyFile   string   `mapstructure:"key_file"`
		Hostnames []string `mapstructure:"hostnames"`
	} `mapstructure:"tls"`
	Templates struct {
		ServiceURL string        `mapstructure:"service_url"`
		Dir        string        `mapstructure:"dir"`
		Timeout    time.Duration `mapstructure:"timeout"`
	} `mapstructure:"templates"`
	Orchestrator struct {
		Workers      int           `mapstructure:"workers"`
		QueueSize    int           `mapstructure:"queue_size"`
		StuckTimeout time.Duration `mapstructure:"stuck_timeout"`
		ReapInterval time.Duration `mapstructure:"reap_interval"`
	} `mapstructure:"orchestrator"`
	Mapping struct {
		SimilarityFloor        float64 `mapstructure:"similarity_floor"`
		PatternScore           float64 `mapstructure:"pattern_score"`
		PatternFloor           float64 `mapstructure:"pattern_floor"`
		PatternConfidence      float64 `mapstructure:"pattern_confidence"`
		ExactConfidence        float64 `mapstructure:"exact_confidence"`
		FuzzyConfidenceCeiling float64 `mapstructure:"fuzzy_confidence_ceiling"`
		AutoAcceptThreshold    float64 `mapstructure:"auto_accept_threshold"`
	} `mapstructure:"mapping"`
	Hub struct {
		SendBuffer   int           `mapstructure:"send_buffer"`
		WriteTimeout time.Duration `mapstructure:"write_timeout"`
		PingInterval time.Duration `mapstructure:"ping_interval"`
		PongWait     time.Duration `mapstructure:"pong_wait"`
	} `mapstructure:"hub"`
	Log struct {
		Level string `mapstructure:"level"`
	} `mapstructure:"log"`
}

// IsDev reports whether the service runs in the DEV environment.
func (c *Config) IsDev() bool {
	return strings.ToUpper(c.Environment) == "DEV"
}

// DSN returns the PostgreSQL connection string.
func (c *Config) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.DB.Host, c.DB.Port, c.DB.User, c.DB.Password, c.DB.Name, c.DB.SSLMode,
	)
}

// LoadConfig loads the configuration from an optional .env file, a config
// file and the environment. Environment variables use underscores for
// nesting, e.g. ORCHESTRATOR_STUCK_TIMEOUT=30m.
func LoadConfig(envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			return nil, fmt.Errorf("failed to load env file %s: %w", envFile, err)
		}
	}

	v := viper.GetViper()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, err
	}

	// normalize OKTA issuer url (strip trailing slash if any)
	config.Auth.OktaDomain = normalizeOktaIssuer(config.Auth.OktaDomain)

	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "PROD")
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.tls_addr", ":8443")
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 15*time.Second)
	v.SetDefault("server.idle_timeout", 60*time.Second)
	v.SetDefault("server.openapi_file", "api/openapi.yaml")
	v.SetDefault("db.driver", "postgres")
	v.SetDefault("db.host", "localhost")
	v.SetDefault("db.port", 5432)
	v.SetDefault("db.sslmode", "disable")
	v.SetDefault("templates.dir", "templates")
	v.SetDefault("templates.timeout", 10*time.Second)
	v.SetDefault("orchestrator.workers", 4)
	v.SetDefault("orchestrator.queue_size", 64)
	v.SetDefault("orchestrator.stuck_timeout", time.Hour)
	v.SetDefault("orchestrator.reap_interval", 5*time.Minute)
	v.SetDefault("mapping.similarity_floor", 0.3)
	v.SetDefault("mapping.pattern_score", 0.9)
	v.SetDefault("mapping.pattern_floor", 0.8)
	v.SetDefault("mapping.pattern_confidence", 0.9)
	v.SetDefault("mapping.exact_confidence", 1.0)
	v.SetDefault("mapping.fuzzy_confidence_ceiling", 0.84)
	v.SetDefault("mapping.auto_accept_threshold", 0.7)
	v.SetDefault("hub.send_buffer", 32)
	v.SetDefault("hub.write_timeout", 10*time.Second)
	v.SetDefault("hub.ping_interval", 30*time.Second)
	v.SetDefault("hub.pong_wait", 60*time.Second)
	v.SetDefault("log.level", "info")
}

// normalizeOktaIssuer ensures the provided Okta issuer string is in a
// predictable form. It removes any trailing slash and leaves the scheme and
// path intact.
func normalizeOktaIssuer(input string) string {
	return strings.TrimRight(strings.TrimSpace(input), "/")
}
