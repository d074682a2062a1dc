package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/finrag/backend/internal/entity"
)

var registryCmd = &cobra.Command{
	Use:   "registry",
	Short: "Manage the company registry graph",
}

var registryLoadCmd = &cobra.Command{
	Use:   "load [file]",
	Short: "Upsert companies and aliases from a registry yaml file into neo4j",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		reg, err := entity.LoadRegistryFile(args[0])
		if err != nil {
			return err
		}

		store, log, err := setup()
		if err != nil {
			return err
		}
		ctx := cmdContext(cmd)
		graph, closeFn, err := openGraph(ctx, store.Current().Config, log)
		if err != nil {
			return fmt.Errorf("failed to connect to neo4j: %w", err)
		}
		defer closeFn()

		if err := graph.UpsertCompanies(ctx, reg.Companies()); err != nil {
			return err
		}
		cmd.Printf("Loaded %d companies\n", reg.Len())
		return nil
	},
}

func init() {
	registryCmd.AddCommand(registryLoadCmd)
	rootCmd.AddCommand(registryCmd)
}
