// internal/common/config/config.go
package config

import (
	"fmt"
	"time"
)

// Config is the main application configuration struct.
type Config struct {
	App           AppConfig          `mapstructure:"app"`
	Executor      ExecutorConfig     `mapstructure:"executor"`
	RunPod        RunPodConfig       `mapstructure:"runpod"`
	ComfyUI       ComfyUIConfig      `mapstructure:"comfyui"`
	Camunda       CamundaConfig      `mapstructure:"camunda"`
	Template      TemplateConfig     `mapstructure:"template"`
	JobStore      JobStoreConfig     `mapstructure:"jobstore"`
	Notifications NotificationConfig `mapstructure:"notifications"`
	Logging       LoggingConfig      `mapstructure:"logging"`
	Metrics       MetricsConfig      `mapstructure:"metrics"`
}

// --- Core App Config ---
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Version     string `mapstructure:"version"`
	Environment string `mapstructure:"environment"`
}

// ExecutorConfig holds the defaults applied to every submission.
type ExecutorConfig struct {
	Backend       string                 `mapstructure:"backend"` // runpod, comfyui, zeebe, dummy
	BatchSize     int                    `mapstructure:"batch_size"`
	RandomizeSeed *bool                  `mapstructure:"randomize_seed"`
	Variables     map[string]interface{} `mapstructure:"variables"`
	DummyFolder   string                 `mapstructure:"dummy_folder"`
}

// SeedRandomization reports the configured flag, true when unset.
func (e ExecutorConfig) SeedRandomization() bool {
	return e.RandomizeSeed == nil || *e.RandomizeSeed
}

// --- Endpoint Configs ---

type RunPodConfig struct {
	EndpointID     string `mapstructure:"endpoint_id"`
	APIKey         string `mapstructure:"api_key"`
	BaseURL        string `mapstructure:"base_url"`
	ComfyUIBaseDir string `mapstructure:"comfyui_base_dir"`
	Timeout        int    `mapstructure:"timeout"`       // seconds, whole job
	PollInterval   int    `mapstructure:"poll_interval"` // milliseconds
	MaxRetries     int    `mapstructure:"max_retries"`
}

// EndpointURL returns the API root for the configured endpoint.
func (r RunPodConfig) EndpointURL() string {
	return fmt.Sprintf("%s/%s", r.BaseURL, r.EndpointID)
}

type ComfyUIConfig struct {
	Host         string `mapstructure:"host"`
	Timeout      int    `mapstructure:"timeout"`       // seconds, whole job
	PollInterval int    `mapstructure:"poll_interval"` // milliseconds
	MaxRetries   int    `mapstructure:"max_retries"`
}

type CamundaConfig struct {
	BrokerAddress  string       `mapstructure:"broker_address"`
	ProcessID      string       `mapstructure:"process_id"`
	RequestTimeout int          `mapstructure:"request_timeout"` // milliseconds
	Plaintext      bool         `mapstructure:"plaintext"`
	Worker         WorkerConfig `mapstructure:"worker"`

	// ProcessResource is a BPMN file deployed by the worker manager on start.
	ProcessResource string `mapstructure:"process_resource"`
}

// WorkerConfig holds the settings of the run-workflow job worker.
type WorkerConfig struct {
	Enabled       bool `mapstructure:"enabled"`
	MaxJobsActive int  `mapstructure:"max_jobs_active"`
	Timeout       int  `mapstructure:"timeout"` // milliseconds
}

// TemplateConfig locates the template registry.
type TemplateConfig struct {
	RegistryPath string `mapstructure:"registry_path"`
}

// --- Job store ---

type JobStoreConfig struct {
	Backend  string         `mapstructure:"backend"` // none, redis, postgres
	TTL      int            `mapstructure:"ttl"`     // seconds, redis only
	Redis    RedisConfig    `mapstructure:"redis"`
	Postgres PostgresConfig `mapstructure:"postgres"`
}

type RedisConfig struct {
	Address  string `mapstructure:"address"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type PostgresConfig struct {
	Host           string `mapstructure:"host"`
	Port           int    `mapstructure:"port"`
	Database       string `mapstructure:"database"`
	User           string `mapstructure:"user"`
	Password       string `mapstructure:"password"`
	MaxConnections int    `mapstructure:"max_connections"`
	MaxIdle        int    `mapstructure:"max_idle"`
	SSLMode        string `mapstructure:"sslmode"`
}

// GetDSN returns the PostgreSQL connection string
func (p PostgresConfig) GetDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		p.Host, p.Port, p.User, p.Password, p.Database, p.SSLMode,
	)
}

// NotificationConfig holds settings for completion notifications.
type NotificationConfig struct {
	SNS struct {
		Enabled  bool   `mapstructure:"enabled"`
		Region   string `mapstructure:"region"`
		TopicARN string `mapstructure:"topic_arn"`
	} `mapstructure:"sns"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	Output string `mapstructure:"output"`
}

type MetricsConfig struct {
	Address string `mapstructure:"address"`
}

func seconds(n int) time.Duration { return time.Duration(n) * time.Second }

// JobTimeout returns the RunPod per-job timeout.
func (r RunPodConfig) JobTimeout() time.Duration { return seconds(r.Timeout) }

// Poll returns the RunPod status poll interval.
func (r RunPodConfig) Poll() time.Duration { return GetDuration(r.PollInterval) }

// JobTimeout returns the ComfyUI per-job timeout.
func (c ComfyUIConfig) JobTimeout() time.Duration { return seconds(c.Timeout) }

// Poll returns the ComfyUI history poll interval.
func (c ComfyUIConfig) Poll() time.Duration { return GetDuration(c.PollInterval) }

// Request returns the Zeebe request timeout.
func (c CamundaConfig) Request() time.Duration { return GetDuration(c.RequestTimeout) }
