// Package cli implements the finrag command line: one-shot queries and
// maintenance of the KPI table and company registry.
package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/finrag/backend/internal/app"
	"github.com/finrag/backend/internal/entity"
	"github.com/finrag/backend/internal/kg/neo4j"
	"github.com/finrag/backend/internal/query"
	"github.com/finrag/backend/internal/storage/models"
	"github.com/finrag/backend/internal/storage/sqlite"
	"github.com/finrag/backend/pkg/config"
	"github.com/finrag/backend/pkg/logger"
)

var version = "dev"

var (
	configFile string
	verbose    bool
)

type queryRunner interface {
	ProcessQuery(ctx context.Context, req query.QueryRequest) (*query.QueryResponse, error)
}

type kpiStore interface {
	AvailableYears(ctx context.Context, companyID, metric string) ([]int, error)
	UpsertKPIFacts(ctx context.Context, facts []models.KPIFact) error
}

type companyWriter interface {
	UpsertCompanies(ctx context.Context, companies []entity.Company) error
}

// Backends are opened per command; tests replace these.
var (
	openEngine = func(ctx context.Context, store *config.Store, log *zap.Logger) (queryRunner, func(), error) {
		a, err := app.Build(ctx, store, log)
		if err != nil {
			return nil, nil, err
		}
		return a.Engine, func() { a.Close(context.Background()) }, nil
	}

	openKPIStore = func(ctx context.Context, cfg config.Config, log *zap.Logger) (kpiStore, func(), error) {
		client, err := sqlite.NewClient(cfg.SQLite.Path, log)
		if err != nil {
			return nil, nil, err
		}
		if err := client.InitSchema(ctx); err != nil {
			client.Close()
			return nil, nil, err
		}
		return client, func() { client.Close() }, nil
	}

	openGraph = func(_ context.Context, cfg config.Config, log *zap.Logger) (companyWriter, func(), error) {
		client, err := neo4j.NewClient(cfg.Neo4j.URI, cfg.Neo4j.Username, cfg.Neo4j.Password, cfg.Neo4j.Database, log)
		if err != nil {
			return nil, nil, err
		}
		return client, func() { client.Close(context.Background()) }, nil
	}

	loadStore = func() (*config.Store, error) {
		return config.NewStore(configFile, nil)
	}
)

var rootCmd = &cobra.Command{
	Use:   "finrag",
	Short: "Financial filings question answering",
	Long: `finrag answers questions about company filings by combining semantic
search over filing sentences with the structured KPI table, and cites
every statement it makes.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "path to config file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log pipeline progress to stderr")
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, _ []string) {
		cmd.Printf("finrag version %s\n", version)
	},
}

func Execute() error {
	return rootCmd.Execute()
}

// setup loads configuration and a stderr logger for one command.
func setup() (*config.Store, *zap.Logger, error) {
	store, err := loadStore()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	level := "warn"
	if verbose {
		level = "debug"
	}
	log, err := logger.New(level, "console", "stderr")
	if err != nil {
		return nil, nil, err
	}
	return store, log, nil
}
