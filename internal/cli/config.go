package cli

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/finrag/backend/pkg/config"
)

const redacted = "********"

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect the effective configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration with secrets redacted",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		store, err := loadStore()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		snap := store.Current()

		out, err := yaml.Marshal(redact(snap.Config))
		if err != nil {
			return fmt.Errorf("failed to render config: %w", err)
		}
		cmd.Printf("# source: %s\n# version: %d\n", snap.Source, snap.Version)
		cmd.Print(string(out))
		return nil
	},
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Check the configuration and exit non-zero on problems",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		store, err := loadStore()
		if err != nil {
			return err
		}
		cfg := store.Current().Config
		if _, err := cfg.LLM.ServingModel(""); err != nil {
			return fmt.Errorf("default serving model: %w", err)
		}
		cmd.Println("configuration is valid")
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd, configValidateCmd)
	rootCmd.AddCommand(configCmd)
}

func redact(cfg config.Config) config.Config {
	secrets := []*string{&cfg.LLM.APIKey, &cfg.Milvus.APIKey, &cfg.Redis.Password, &cfg.Neo4j.Password}
	for _, s := range secrets {
		if *s != "" {
			*s = redacted
		}
	}
	return cfg
}
