// Package backends builds the configured executor endpoint.
package backends

import (
	"fmt"

	"comfy-executors/internal/common/camunda"
	"comfy-executors/internal/common/config"
	"comfy-executors/internal/common/logger"
	"comfy-executors/pkg/backends/comfyui"
	"comfy-executors/pkg/backends/dummy"
	"comfy-executors/pkg/backends/runpod"
	"comfy-executors/pkg/backends/zeebe"
	"comfy-executors/pkg/executor"
)

// Names lists the supported values of executor.backend.
var Names = []string{"runpod", "comfyui", "zeebe", "dummy"}

// Open returns the endpoint selected by cfg.Executor.Backend and a function
// releasing its connections.
func Open(cfg *config.Config, log logger.Logger) (executor.Endpoint, func() error, error) {
	noop := func() error { return nil }

	switch cfg.Executor.Backend {
	case "runpod":
		return runpod.New(cfg.RunPod, log), noop, nil
	case "comfyui":
		return comfyui.New(cfg.ComfyUI, log), noop, nil
	case "zeebe":
		client, err := camunda.NewClient(cfg.Camunda)
		if err != nil {
			return nil, nil, err
		}
		return zeebe.New(client, cfg.Camunda.ProcessID, log), client.Close, nil
	case "dummy":
		ep, err := dummy.New(cfg.Executor.DummyFolder)
		if err != nil {
			return nil, nil, err
		}
		return ep, noop, nil
	default:
		return nil, nil, fmt.Errorf("unknown backend %q", cfg.Executor.Backend)
	}
}
