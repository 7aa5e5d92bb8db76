// internal/common/config/loader.go
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Load reads config.yaml (and config.<APP_ENVIRONMENT>.yaml) from the usual
// search paths, applying .env and environment overrides.
func Load() (*Config, error) {
	return LoadWithOverrides("", nil)
}

// LoadFromFile loads configuration from a specific file path
func LoadFromFile(path string) (*Config, error) {
	if path == "" {
		return nil, fmt.Errorf("config file path is empty")
	}
	return LoadWithOverrides(path, nil)
}

// LoadWithOverrides reads path, or the search paths when path is empty, and
// applies overrides (viper keys such as "executor.backend") on top of every
// other source. Command line flags use it.
func LoadWithOverrides(path string, overrides map[string]interface{}) (*Config, error) {
	loadEnvFile()

	v := newViper()
	if path != "" {
		v.SetConfigFile(path)
		if ext := strings.TrimPrefix(filepath.Ext(path), "."); ext == "" {
			v.SetConfigType("yaml")
		}
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	} else if err := readSearchPaths(v); err != nil {
		return nil, err
	}

	for key, value := range overrides {
		v.Set(key, value)
	}
	return finish(v)
}

func readSearchPaths(v *viper.Viper) error {
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath("./configs")
	v.AddConfigPath("../../configs")
	v.AddConfigPath(".")

	env := os.Getenv("APP_ENVIRONMENT")
	if env == "" {
		env = "development"
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return fmt.Errorf("error reading base config: %w", err)
		}
	}

	v.SetConfigName(fmt.Sprintf("config.%s", env))
	_ = v.MergeInConfig() // optional
	return nil
}

func newViper() *viper.Viper {
	v := viper.New()
	// executor.batch_size <- EXECUTOR_BATCH_SIZE
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	return v
}

func finish(v *viper.Viper) (*Config, error) {
	expandEnvVars(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	applyDefaults(&cfg)
	overrideEmptyConfig(&cfg)

	if err := validateConfig(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

func loadEnvFile() {
	possiblePaths := []string{
		".env",
		"../.env",
		"../../.env", // test/e2e
	}
	if rootDir := findProjectRoot(); rootDir != "" {
		possiblePaths = append(possiblePaths, filepath.Join(rootDir, ".env"))
	}

	for _, path := range possiblePaths {
		if _, err := os.Stat(path); err == nil {
			if err := godotenv.Load(path); err == nil {
				return
			}
		}
	}
}

// findProjectRoot walks up from the working directory looking for go.mod.
func findProjectRoot() string {
	dir, err := os.Getwd()
	if err != nil {
		return ""
	}
	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}

// expandEnvVars resolves ${VAR} placeholders in string values.
func expandEnvVars(v *viper.Viper) {
	for _, key := range v.AllKeys() {
		strVal, ok := v.Get(key).(string)
		if !ok {
			continue
		}
		if strings.Contains(strVal, "${") || (strings.HasPrefix(strVal, "$") && len(strVal) > 1) {
			expanded := os.ExpandEnv(strVal)
			if expanded != strVal && expanded != "" {
				v.Set(key, expanded)
			}
		}
	}
}

// overrideEmptyConfig fills credentials from well-known variables when the
// config file left them blank.
func overrideEmptyConfig(cfg *Config) {
	if cfg.RunPod.APIKey == "" {
		cfg.RunPod.APIKey = os.Getenv("RUNPOD_API_KEY")
	}
	if cfg.RunPod.EndpointID == "" {
		cfg.RunPod.EndpointID = os.Getenv("RUNPOD_ENDPOINT_ID")
	}
	if cfg.ComfyUI.Host == "" {
		cfg.ComfyUI.Host = os.Getenv("COMFYUI_HOST")
	}
	if cfg.Camunda.BrokerAddress == "" {
		cfg.Camunda.BrokerAddress = os.Getenv("ZEEBE_ADDRESS")
	}
	if cfg.JobStore.Postgres.User == "" {
		cfg.JobStore.Postgres.User = os.Getenv("DB_USER")
	}
	if cfg.JobStore.Postgres.Password == "" {
		cfg.JobStore.Postgres.Password = os.Getenv("DB_PASSWORD")
	}
}

// applyDefaults sets default values for optional configuration fields
func applyDefaults(cfg *Config) {
	if cfg.App.Name == "" {
		cfg.App.Name = "comfy-executors"
	}

	if cfg.Executor.Backend == "" {
		cfg.Executor.Backend = "runpod"
	}
	if cfg.Executor.BatchSize == 0 {
		cfg.Executor.BatchSize = 1
	}

	if cfg.RunPod.BaseURL == "" {
		cfg.RunPod.BaseURL = "https://api.runpod.ai/v2"
	}
	if cfg.RunPod.ComfyUIBaseDir == "" {
		cfg.RunPod.ComfyUIBaseDir = "/comfyui"
	}
	if cfg.RunPod.Timeout == 0 {
		cfg.RunPod.Timeout = 600
	}
	if cfg.RunPod.PollInterval == 0 {
		cfg.RunPod.PollInterval = 1000
	}
	if cfg.RunPod.MaxRetries == 0 {
		cfg.RunPod.MaxRetries = 3
	}

	if cfg.ComfyUI.Timeout == 0 {
		cfg.ComfyUI.Timeout = 600
	}
	if cfg.ComfyUI.PollInterval == 0 {
		cfg.ComfyUI.PollInterval = 500
	}
	if cfg.ComfyUI.MaxRetries == 0 {
		cfg.ComfyUI.MaxRetries = 3
	}

	if cfg.Camunda.ProcessID == "" {
		cfg.Camunda.ProcessID = "comfy-run-workflow"
	}
	if cfg.Camunda.RequestTimeout == 0 {
		cfg.Camunda.RequestTimeout = 600000
	}
	if cfg.Camunda.Worker.MaxJobsActive == 0 {
		cfg.Camunda.Worker.MaxJobsActive = 2
	}
	if cfg.Camunda.Worker.Timeout == 0 {
		cfg.Camunda.Worker.Timeout = 600000
	}

	if cfg.JobStore.Backend == "" {
		cfg.JobStore.Backend = "none"
	}
	if cfg.JobStore.TTL == 0 {
		cfg.JobStore.TTL = 7 * 24 * 3600
	}
	if cfg.JobStore.Postgres.Port == 0 {
		cfg.JobStore.Postgres.Port = 5432
	}
	if cfg.JobStore.Postgres.MaxConnections == 0 {
		cfg.JobStore.Postgres.MaxConnections = 10
	}
	if cfg.JobStore.Postgres.MaxIdle == 0 {
		cfg.JobStore.Postgres.MaxIdle = 2
	}
	if cfg.JobStore.Postgres.SSLMode == "" {
		cfg.JobStore.Postgres.SSLMode = "disable"
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Logging.Output == "" {
		cfg.Logging.Output = "stderr"
	}

	if cfg.Metrics.Address == "" {
		cfg.Metrics.Address = ":9090"
	}
}

// validateConfig validates critical configuration fields
func validateConfig(cfg *Config) error {
	if cfg.Executor.BatchSize < 1 {
		return fmt.Errorf("executor.batch_size must be positive")
	}

	switch cfg.Executor.Backend {
	case "runpod":
		if cfg.RunPod.EndpointID == "" {
			return fmt.Errorf("runpod.endpoint_id is required")
		}
		if cfg.RunPod.APIKey == "" {
			return fmt.Errorf("runpod.api_key (or RUNPOD_API_KEY) is required")
		}
	case "comfyui":
		if cfg.ComfyUI.Host == "" {
			return fmt.Errorf("comfyui.host is required")
		}
	case "zeebe":
		if cfg.Camunda.BrokerAddress == "" {
			return fmt.Errorf("camunda.broker_address is required")
		}
	case "dummy":
	default:
		return fmt.Errorf("unknown executor.backend %q", cfg.Executor.Backend)
	}

	if cfg.Camunda.Worker.Enabled {
		if cfg.Camunda.BrokerAddress == "" {
			return fmt.Errorf("camunda.broker_address is required")
		}
		if cfg.ComfyUI.Host == "" {
			return fmt.Errorf("comfyui.host is required by the run-workflow worker")
		}
	}

	switch cfg.JobStore.Backend {
	case "none":
	case "redis":
		if cfg.JobStore.Redis.Address == "" {
			return fmt.Errorf("jobstore.redis.address is required")
		}
	case "postgres":
		if cfg.JobStore.Postgres.Host == "" {
			return fmt.Errorf("jobstore.postgres.host is required")
		}
		if cfg.JobStore.Postgres.Database == "" {
			return fmt.Errorf("jobstore.postgres.database is required")
		}
		if cfg.JobStore.Postgres.User == "" {
			return fmt.Errorf("jobstore.postgres.user is required")
		}
	default:
		return fmt.Errorf("unknown jobstore.backend %q", cfg.JobStore.Backend)
	}

	if cfg.Notifications.SNS.Enabled && cfg.Notifications.SNS.TopicARN == "" {
		return fmt.Errorf("notifications.sns.topic_arn is required when sns is enabled")
	}

	return nil
}

// GetDuration converts milliseconds from config to time.Duration
func GetDuration(milliseconds int) time.Duration {
	return time.Duration(milliseconds) * time.Millisecond
}
