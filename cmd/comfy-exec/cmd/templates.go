package cmd

import (
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"comfy-executors/pkg/registry"
)

var (
	addPath        string
	addDescription string
	addBackend     string
	addTags        []string
	addRequired    []string
	addDefaults    []string
)

func init() {
	templatesAddCmd.Flags().StringVar(&addPath, "path", "", "Template file, relative to the registry file")
	templatesAddCmd.Flags().StringVar(&addDescription, "description", "", "Description")
	templatesAddCmd.Flags().StringVar(&addBackend, "backend", "", "Endpoint the template is written for")
	templatesAddCmd.Flags().StringSliceVar(&addTags, "tag", nil, "Tag, repeatable")
	templatesAddCmd.Flags().StringSliceVar(&addRequired, "required", nil, "Variables the template must reference (default input_images_dir,batch_size)")
	templatesAddCmd.Flags().StringArrayVar(&addDefaults, "default", nil, "Default variable as key=value, repeatable")
	_ = templatesAddCmd.MarkFlagRequired("path")

	templatesCmd.AddCommand(templatesListCmd, templatesValidateCmd, templatesAddCmd, templatesUpdateCmd, templatesRemoveCmd)
	rootCmd.AddCommand(templatesCmd)
}

var templatesCmd = &cobra.Command{
	Use:   "templates",
	Short: "Maintain the template registry",
}

var templatesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered templates",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		reg, _, err := openRegistry(false)
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tPATH\tBACKEND\tTAGS\tDESCRIPTION")
		for _, id := range reg.IDs() {
			t, _ := reg.Get(id)
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", t.ID, t.Path, t.Backend, strings.Join(t.Tags, ","), t.Description)
		}
		return w.Flush()
	},
}

var templatesValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Check that every registered template loads",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		reg, _, err := openRegistry(false)
		if err != nil {
			return err
		}
		if err := reg.Validate(); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%d templates ok\n", len(reg.Templates))
		return nil
	},
}

var templatesAddCmd = &cobra.Command{
	Use:   "add id",
	Short: "Register a template",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		reg, path, err := openRegistry(true)
		if err != nil {
			return err
		}
		defaults, err := parseVars(addDefaults)
		if err != nil {
			return err
		}

		entry := registry.TemplateEntry{
			ID:          args[0],
			Path:        addPath,
			Description: addDescription,
			Backend:     addBackend,
			Tags:        addTags,
			Required:    addRequired,
		}
		if len(defaults) > 0 {
			entry.Defaults = defaults
		}
		if err := reg.Add(entry); err != nil {
			return err
		}
		if _, err := reg.LoadTemplate(entry.ID); err != nil {
			return err
		}
		return reg.Save(path)
	},
}

var templatesUpdateCmd = &cobra.Command{
	Use:   "update id field value",
	Short: "Set path, description, backend, tags or required of a template",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		reg, path, err := openRegistry(false)
		if err != nil {
			return err
		}
		if err := reg.Update(args[0], args[1], args[2]); err != nil {
			return err
		}
		return reg.Save(path)
	},
}

var templatesRemoveCmd = &cobra.Command{
	Use:   "remove id",
	Short: "Unregister a template",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		reg, path, err := openRegistry(false)
		if err != nil {
			return err
		}
		if err := reg.Remove(args[0]); err != nil {
			return err
		}
		return reg.Save(path)
	},
}

// openRegistry loads the registry from --registry or template.registry_path.
// create allows a missing file.
func openRegistry(create bool) (*registry.Registry, string, error) {
	path := registryFile
	if path == "" {
		cfg, err := loadLocalConfig()
		if err != nil {
			return nil, "", err
		}
		path = registryPath(cfg)
	}
	if path == "" {
		return nil, "", errors.New("no template registry: pass --registry or set template.registry_path")
	}

	if create {
		reg, err := registry.LoadOrNew(path)
		return reg, path, err
	}
	reg, err := registry.Load(path)
	return reg, path, err
}
