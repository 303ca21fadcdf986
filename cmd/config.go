package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

type DatastoreConfig struct {
	// Engine is one of "postgres", "mysql" or "sqlite".
	Engine          string        `mapstructure:"engine"`
	URI             string        `mapstructure:"uri"`
	MaxOpenConns    int           `mapstructure:"maxOpenConns"`
	MaxIdleConns    int           `mapstructure:"maxIdleConns"`
	ConnMaxIdleTime time.Duration `mapstructure:"connMaxIdleTime"`
	ConnMaxLifetime time.Duration `mapstructure:"connMaxLifetime"`
}

type ClaimsConfig struct {
	// Medium is one of "filesystem", "sql" or "memory". The memory medium
	// only coordinates workers inside a single process.
	Medium string `mapstructure:"medium"`
	// Root is the claim directory for the filesystem medium.
	Root string `mapstructure:"root"`
	// Table is the claim table for the sql medium.
	Table string `mapstructure:"table"`
	// TTL must exceed the worst-case per-contact processing time.
	TTL time.Duration `mapstructure:"ttl"`
}

type DispatchConfig struct {
	MaxConcurrentContacts int           `mapstructure:"maxConcurrentContacts"`
	FetchLimit            int           `mapstructure:"fetchLimit"`
	MaxTotalTokensPerCall int           `mapstructure:"maxTotalTokensPerCall"`
	ContentionBackoffMin  time.Duration `mapstructure:"contentionBackoffMin"`
	ContentionBackoffMax  time.Duration `mapstructure:"contentionBackoffMax"`
}

type SelectionConfig struct {
	EvidenceTable    string `mapstructure:"evidenceTable"`
	MembershipTable  string `mapstructure:"membershipTable"`
	ProcessedTable   string `mapstructure:"processedTable"`
	Generator        string `mapstructure:"generator"`
	FiltersPath      string `mapstructure:"filtersPath"`
	PrioritizeRecent bool   `mapstructure:"prioritizeRecent"`
}

type RunConfig struct {
	// OutputDir receives one artifact directory per run.
	OutputDir string `mapstructure:"outputDir"`
	// FallbackLogPath is the local processing log consulted when the
	// datastore log is unreachable.
	FallbackLogPath string `mapstructure:"fallbackLogPath"`
}

type LogConfig struct {
	Format string `mapstructure:"format"`
	Level  string `mapstructure:"level"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

type Config struct {
	Datastore DatastoreConfig `mapstructure:"datastore"`
	Claims    ClaimsConfig    `mapstructure:"claims"`
	Dispatch  DispatchConfig  `mapstructure:"dispatch"`
	Selection SelectionConfig `mapstructure:"selection"`
	Run       RunConfig       `mapstructure:"run"`
	Log       LogConfig       `mapstructure:"log"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
}

// DefaultConfig returns the dispatcher default configuration.
func DefaultConfig() Config {
	return Config{
		Datastore: DatastoreConfig{
			Engine: "postgres",
		},
		Claims: ClaimsConfig{
			Medium: "filesystem",
			Root:   "./claims",
			Table:  "dispatch_claims",
			TTL:    15 * time.Minute,
		},
		Dispatch: DispatchConfig{
			MaxConcurrentContacts: 5,
			FetchLimit:            25,
			MaxTotalTokensPerCall: 8000,
			ContentionBackoffMin:  1 * time.Second,
			ContentionBackoffMax:  30 * time.Second,
		},
		Selection: SelectionConfig{
			EvidenceTable:    "structured_data",
			MembershipTable:  "member_profiles",
			ProcessedTable:   "insights_processing_log",
			Generator:        "member_insights_v1",
			FiltersPath:      "./filters.yaml",
			PrioritizeRecent: true,
		},
		Run: RunConfig{
			OutputDir:       "./runs",
			FallbackLogPath: "./runs/processed-fallback.json",
		},
		Log: LogConfig{
			Format: "text",
			Level:  "info",
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Addr:    ":2112",
		},
	}
}

// Validate applies the run guardrails.
func (c Config) Validate() error {
	if c.Datastore.URI == "" {
		return fmt.Errorf("config 'datastore.uri' is required")
	}
	if c.Dispatch.MaxConcurrentContacts < 1 {
		return fmt.Errorf("config 'dispatch.maxConcurrentContacts' must be >= 1, got %d", c.Dispatch.MaxConcurrentContacts)
	}
	if c.Dispatch.FetchLimit < 1 {
		return fmt.Errorf("config 'dispatch.fetchLimit' must be >= 1, got %d", c.Dispatch.FetchLimit)
	}
	if c.Claims.TTL <= 0 {
		return fmt.Errorf("config 'claims.ttl' must be positive, got %s", c.Claims.TTL)
	}
	if c.Dispatch.ContentionBackoffMin < 0 || c.Dispatch.ContentionBackoffMax < c.Dispatch.ContentionBackoffMin {
		return fmt.Errorf("config contention backoff window [%s, %s] is invalid",
			c.Dispatch.ContentionBackoffMin, c.Dispatch.ContentionBackoffMax)
	}
	switch c.Claims.Medium {
	case "filesystem", "sql", "memory":
	default:
		return fmt.Errorf("config 'claims.medium' must be 'filesystem', 'sql' or 'memory', got '%s'", c.Claims.Medium)
	}
	if c.Selection.Generator == "" {
		return fmt.Errorf("config 'selection.generator' is required")
	}
	return nil
}

// ReadConfig materializes the configuration viper accumulated from flags,
// environment and config.yaml.
func ReadConfig() (Config, error) {
	config := DefaultConfig()
	if err := viper.Unmarshal(&config); err != nil {
		return config, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return config, nil
}
