package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the research system
type Config struct {
	General   GeneralConfig   `mapstructure:"general"`
	Research  ResearchConfig  `mapstructure:"research"`
	LLM       LLMConfig       `mapstructure:"llm"`
	Provider  ProviderConfig  `mapstructure:"provider"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// GeneralConfig contains general application settings
type GeneralConfig struct {
	Debug    bool   `mapstructure:"debug"`
	LogLevel string `mapstructure:"log_level"`
}

// ResearchConfig contains the per-session execution defaults
type ResearchConfig struct {
	MaxConcurrentQueries int           `mapstructure:"max_concurrent_queries"`
	MaxCostUSD           float64       `mapstructure:"max_cost_usd"`
	QueryTimeout         time.Duration `mapstructure:"query_timeout"`
	PhaseDelay           time.Duration `mapstructure:"phase_delay"`
	MinSectionLength     int           `mapstructure:"min_section_length"`
	EnableSynthesis      bool          `mapstructure:"enable_synthesis"`
	SaveToDatabase       bool          `mapstructure:"save_to_database"`
}

func (r ResearchConfig) Validate() error {
	if r.MaxConcurrentQueries <= 0 {
		return fmt.Errorf("research.max_concurrent_queries must be > 0")
	}
	if r.MaxCostUSD < 0 {
		return fmt.Errorf("research.max_cost_usd cannot be negative")
	}
	if r.QueryTimeout <= 0 {
		return fmt.Errorf("research.query_timeout must be > 0")
	}
	return nil
}

// LLMConfig configures the chat-completions client used for extraction
// and synthesis
type LLMConfig struct {
	APIKey          string        `mapstructure:"api_key"`
	BaseURL         string        `mapstructure:"base_url"`
	ExtractionModel string        `mapstructure:"extraction_model"`
	SynthesisModel  string        `mapstructure:"synthesis_model"`
	Timeout         time.Duration `mapstructure:"timeout"`
}

// ProviderConfig configures the web-search research provider
type ProviderConfig struct {
	APIKey          string        `mapstructure:"api_key"`
	BaseURL         string        `mapstructure:"base_url"`
	Model           string        `mapstructure:"model"`
	Timeout         time.Duration `mapstructure:"timeout"`
	CostPer1KInput  float64       `mapstructure:"cost_per_1k_input"`
	CostPer1KOutput float64       `mapstructure:"cost_per_1k_output"`
}

// StorageConfig contains persistence settings
type StorageConfig struct {
	Postgres PostgresConfig `mapstructure:"postgres"`
	Redis    RedisConfig    `mapstructure:"redis"`
}

// PostgresConfig contains Postgres connection settings
type PostgresConfig struct {
	URL      string        `mapstructure:"url"`
	Host     string        `mapstructure:"host"`
	Port     string        `mapstructure:"port"`
	User     string        `mapstructure:"user"`
	Password string        `mapstructure:"password"`
	DBName   string        `mapstructure:"dbname"`
	SSLMode  string        `mapstructure:"sslmode"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

func (p PostgresConfig) Validate() error {
	if strings.TrimSpace(p.URL) != "" {
		return nil
	}
	if strings.TrimSpace(p.Host) == "" {
		return fmt.Errorf("storage.postgres.host required when url is not provided")
	}
	if strings.TrimSpace(p.Port) == "" {
		return fmt.Errorf("storage.postgres.port required when url is not provided")
	}
	if strings.TrimSpace(p.DBName) == "" {
		return fmt.Errorf("storage.postgres.dbname required when url is not provided")
	}
	return nil
}

// ConnString renders a lib/pq connection string.
func (p PostgresConfig) ConnString() string {
	if strings.TrimSpace(p.URL) != "" {
		return p.URL
	}
	sslmode := p.SSLMode
	if sslmode == "" {
		sslmode = "disable"
	}
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		p.Host, p.Port, p.User, p.Password, p.DBName, sslmode)
}

// RedisConfig contains Redis connection settings
type RedisConfig struct {
	Host     string        `mapstructure:"host"`
	Port     string        `mapstructure:"port"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

func (r RedisConfig) Validate() error {
	if strings.TrimSpace(r.Host) == "" {
		return fmt.Errorf("storage.redis.host required")
	}
	if strings.TrimSpace(r.Port) == "" {
		return fmt.Errorf("storage.redis.port required")
	}
	return nil
}

// TelemetryConfig contains telemetry and monitoring settings
type TelemetryConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	MetricsPort  int    `mapstructure:"metrics_port"`
	CostTracking bool   `mapstructure:"cost_tracking"`
	LogFile      string `mapstructure:"log_file"`
}

func (t TelemetryConfig) Validate() error {
	if t.Enabled && t.MetricsPort <= 0 {
		return fmt.Errorf("telemetry.metrics_port must be > 0 when telemetry is enabled")
	}
	return nil
}

// LoadConfig loads config from file
func LoadConfig(path string) *Config {
	viper.SetConfigName("config")
	viper.SetConfigType("json") // REQUIRED if the config file does not have the extension in the name

	viper.SetDefault("general.log_level", "info")
	viper.SetDefault("research.max_concurrent_queries", 3)
	viper.SetDefault("research.max_cost_usd", 2.0)
	viper.SetDefault("research.query_timeout", 90*time.Second)
	viper.SetDefault("research.phase_delay", 120*time.Millisecond)
	viper.SetDefault("research.min_section_length", 200)
	viper.SetDefault("research.enable_synthesis", true)
	viper.SetDefault("research.save_to_database", true)
	viper.SetDefault("llm.extraction_model", "gpt-4o-mini")
	viper.SetDefault("llm.synthesis_model", "gpt-4o-mini")
	viper.SetDefault("llm.timeout", 60*time.Second)
	viper.SetDefault("provider.model", "sonar")
	viper.SetDefault("provider.timeout", 120*time.Second)
	viper.SetDefault("provider.cost_per_1k_input", 0.001)
	viper.SetDefault("provider.cost_per_1k_output", 0.001)
	viper.SetDefault("telemetry.enabled", false)
	viper.SetDefault("telemetry.metrics_port", 9090)
	viper.SetDefault("telemetry.cost_tracking", true)

	if path == "" {
		viper.AddConfigPath("./config")
		viper.AddConfigPath(".")
		exe, _ := os.Executable()
		exeDir := filepath.Dir(exe)
		viper.AddConfigPath(exeDir)
		viper.AddConfigPath(filepath.Join(exeDir, ".."))
		viper.AddConfigPath(filepath.Join(exeDir, "..", "config"))
	} else {
		viper.SetConfigFile(path)
	}

	viper.SetEnvPrefix("SCOUT")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv() // read in environment variables that match (SCOUT_*)

	if err := viper.ReadInConfig(); err != nil {
		// Config file is optional; defaults plus environment carry a
		// usable setup for local runs.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			panic(fmt.Errorf("fatal error config file: %w", err))
		}
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		panic(fmt.Errorf("fatal error config file: %w", err))
	}

	if err := config.Research.Validate(); err != nil {
		panic(err)
	}
	if err := config.Telemetry.Validate(); err != nil {
		panic(err)
	}

	return &config
}
