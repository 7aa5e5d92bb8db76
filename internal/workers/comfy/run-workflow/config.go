// internal/workers/comfy/run-workflow/config.go
package runworkflow

import (
	"time"

	"comfy-executors/internal/common/config"
)

type Config struct {
	// Timeout bounds one job, upload to last image download.
	Timeout time.Duration
}

func LoadConfig(cfg *config.Config) *Config {
	timeout := config.GetDuration(cfg.Camunda.Worker.Timeout)
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	return &Config{Timeout: timeout}
}
