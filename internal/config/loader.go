package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/viper"
)

// EnvPrefix namespaces environment overrides, e.g. RIPTIDE_CACHE_DEFAULT_TTL
const EnvPrefix = "RIPTIDE"

// Load loads configuration from file and environment variables.
// A missing file is tolerated; defaults and environment apply.
func Load(configPath string) (*Config, error) {
	return load(configPath, false)
}

// LoadStrict is Load without tolerance for an unreadable file
func LoadStrict(configPath string) (*Config, error) {
	return load(configPath, true)
}

func load(configPath string, requireFile bool) (*Config, error) {
	cfg := DefaultConfig()

	v := newViper(configPath)
	if err := v.ReadInConfig(); err != nil {
		if requireFile {
			return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
		}
		fmt.Fprintf(os.Stderr, "Warning: Could not read config file %s: %v. Using defaults and environment variables.\n", configPath, err)
	} else if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	applyEnvironmentOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

func newViper(configPath string) *viper.Viper {
	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// applyEnvironmentOverrides applies the deployment-level environment variables
func applyEnvironmentOverrides(cfg *Config) {
	if nodeID := os.Getenv("RIPTIDE_NODE_ID"); nodeID != "" {
		cfg.Node.NodeID = nodeID
	}

	if redisHost := os.Getenv("REDIS_HOST"); redisHost != "" {
		cfg.Redis.Host = redisHost
	}
	if redisPort := os.Getenv("REDIS_PORT"); redisPort != "" {
		if p, err := strconv.Atoi(redisPort); err == nil {
			cfg.Redis.Port = p
		}
	}
	if redisPassword := os.Getenv("REDIS_PASSWORD"); redisPassword != "" {
		cfg.Redis.Password = redisPassword
	}

	if dbHost := os.Getenv("DATABASE_HOST"); dbHost != "" {
		cfg.Database.Host = dbHost
	}
	if dbPort := os.Getenv("DATABASE_PORT"); dbPort != "" {
		if p, err := strconv.Atoi(dbPort); err == nil {
			cfg.Database.Port = p
		}
	}
	if dbName := os.Getenv("DATABASE_NAME"); dbName != "" {
		cfg.Database.Database = dbName
	}
	if dbUser := os.Getenv("DATABASE_USER"); dbUser != "" {
		cfg.Database.User = dbUser
	}
	if dbPassword := os.Getenv("DATABASE_PASSWORD"); dbPassword != "" {
		cfg.Database.Password = dbPassword
	}

	if dir := os.Getenv("CHECKPOINT_DIR"); dir != "" {
		cfg.State.CheckpointDir = dir
	}
	if dir := os.Getenv("SPILLOVER_DIR"); dir != "" {
		cfg.State.SpilloverDir = dir
	}

	if logLevel := os.Getenv("LOG_LEVEL"); logLevel != "" {
		cfg.Logging.Level = logLevel
	}
}
