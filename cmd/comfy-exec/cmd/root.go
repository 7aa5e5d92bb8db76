package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"comfy-executors/internal/common/config"
	"comfy-executors/internal/common/logger"
	"comfy-executors/pkg/registry"
	"comfy-executors/pkg/workflow"
)

var configFile, registryFile string

var rootCmd = &cobra.Command{
	Use:           "comfy-exec",
	Short:         "Render ComfyUI workflow templates and run them on a remote endpoint",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Config file (default: config.yaml in ./configs or the working directory)")
	rootCmd.PersistentFlags().StringVar(&registryFile, "registry", "", "Template registry file; template arguments are then registry ids")
}

// Execute makes it all happen
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig(overrides map[string]interface{}) (*config.Config, error) {
	return config.LoadWithOverrides(configFile, overrides)
}

// loadLocalConfig is for commands that never submit; it skips endpoint
// validation.
func loadLocalConfig() (*config.Config, error) {
	return loadConfig(map[string]interface{}{"executor.backend": "dummy"})
}

func newLogger(cfg *config.Config) logger.Logger {
	return logger.NewStructured(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output)
}

func registryPath(cfg *config.Config) string {
	if registryFile != "" {
		return registryFile
	}
	if cfg != nil {
		return cfg.Template.RegistryPath
	}
	return ""
}

// backendOverrides selects the executor backend: the flag when set, else the
// backend of the template's registry entry, else the configured one.
func backendOverrides(flag, name string) (map[string]interface{}, error) {
	backend := flag
	if backend == "" {
		local, err := loadLocalConfig()
		if err != nil {
			return nil, err
		}
		if backend, err = templateBackend(local, name); err != nil {
			return nil, err
		}
	}

	overrides := map[string]interface{}{}
	if backend != "" {
		overrides["executor.backend"] = backend
	}
	return overrides, nil
}

func templateBackend(cfg *config.Config, name string) (string, error) {
	path := registryPath(cfg)
	if path == "" || strings.HasSuffix(name, workflow.TemplateExt) {
		return "", nil
	}
	reg, err := registry.Load(path)
	if err != nil {
		return "", err
	}
	entry, err := reg.Get(name)
	if err != nil {
		return "", err
	}
	return entry.Backend, nil
}

// loadTemplate treats name as a registry id when a registry is configured
// and name is not a template file, otherwise as a file path.
func loadTemplate(cfg *config.Config, name string) (*workflow.Template, error) {
	path := registryPath(cfg)
	if path == "" || strings.HasSuffix(name, workflow.TemplateExt) {
		return workflow.LoadTemplate(name)
	}
	reg, err := registry.Load(path)
	if err != nil {
		return nil, err
	}
	return reg.LoadTemplate(name)
}

// parseVars turns k=v pairs into template variables. Values are read as
// YAML scalars, so 20 is an int and true a bool.
func parseVars(pairs []string) (map[string]interface{}, error) {
	vars := make(map[string]interface{}, len(pairs))
	for _, pair := range pairs {
		k, v, ok := strings.Cut(pair, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid variable %q, expected key=value", pair)
		}
		vars[k] = scalar(v)
	}
	return vars, nil
}

func scalar(s string) interface{} {
	var value interface{}
	if err := yaml.Unmarshal([]byte(s), &value); err != nil {
		return s
	}
	switch value.(type) {
	case int, float64, bool:
		return value
	default:
		return s
	}
}
