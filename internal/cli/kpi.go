package cli

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/finrag/backend/internal/kpi"
	"github.com/finrag/backend/internal/storage/models"
)

var kpiCmd = &cobra.Command{
	Use:   "kpi",
	Short: "Inspect and load the structured KPI table",
}

var kpiYearsCmd = &cobra.Command{
	Use:   "years [company-id] [metric]",
	Short: "List fiscal years with a disclosed value",
	Args:  cobra.ExactArgs(2),
	RunE:  runKPIYears,
}

var kpiLoadCmd = &cobra.Command{
	Use:   "load [file]",
	Short: "Upsert KPI facts from a yaml file",
	Long: `Reads a yaml file of the form

  facts:
    - company_id: "0000320193"
      company: Apple Inc.
      fiscal_year: 2020
      metric: revenue
      value: 274515000000
      unit: USD
      source_sentence_id: aapl-2020-item7-12

and upserts every fact. Metrics must be known to the catalog.`,
	Args: cobra.ExactArgs(1),
	RunE: runKPILoad,
}

func init() {
	kpiCmd.AddCommand(kpiYearsCmd, kpiLoadCmd)
	rootCmd.AddCommand(kpiCmd)
}

type factFile struct {
	Facts []struct {
		CompanyID        string  `yaml:"company_id"`
		Company          string  `yaml:"company"`
		FiscalYear       int     `yaml:"fiscal_year"`
		Metric           string  `yaml:"metric"`
		Value            float64 `yaml:"value"`
		Unit             string  `yaml:"unit"`
		SourceSentenceID string  `yaml:"source_sentence_id"`
	} `yaml:"facts"`
}

func runKPIYears(cmd *cobra.Command, args []string) error {
	store, log, err := setup()
	if err != nil {
		return err
	}
	metric := strings.ToLower(args[1])
	if _, ok := kpi.Lookup(metric); !ok {
		return fmt.Errorf("unknown metric %q", args[1])
	}

	ctx := cmdContext(cmd)
	kpis, closeFn, err := openKPIStore(ctx, store.Current().Config, log)
	if err != nil {
		return fmt.Errorf("failed to open kpi store: %w", err)
	}
	defer closeFn()

	years, err := kpis.AvailableYears(ctx, args[0], metric)
	if err != nil {
		return err
	}
	if len(years) == 0 {
		cmd.Printf("No %s values for %s\n", kpi.Label(metric), args[0])
		return nil
	}
	parts := make([]string, len(years))
	for i, y := range years {
		parts[i] = "FY" + strconv.Itoa(y)
	}
	cmd.Printf("%s %s: %s\n", args[0], kpi.Label(metric), strings.Join(parts, ", "))
	return nil
}

func runKPILoad(cmd *cobra.Command, args []string) error {
	facts, err := readFacts(args[0])
	if err != nil {
		return err
	}

	store, log, err := setup()
	if err != nil {
		return err
	}
	ctx := cmdContext(cmd)
	kpis, closeFn, err := openKPIStore(ctx, store.Current().Config, log)
	if err != nil {
		return fmt.Errorf("failed to open kpi store: %w", err)
	}
	defer closeFn()

	if err := kpis.UpsertKPIFacts(ctx, facts); err != nil {
		return err
	}
	cmd.Printf("Loaded %d facts\n", len(facts))
	return nil
}

func readFacts(path string) ([]models.KPIFact, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read facts file: %w", err)
	}
	var file factFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse facts file: %w", err)
	}

	facts := make([]models.KPIFact, 0, len(file.Facts))
	for i, f := range file.Facts {
		metric := strings.ToLower(f.Metric)
		if f.CompanyID == "" || f.FiscalYear == 0 {
			return nil, fmt.Errorf("fact %d: company_id and fiscal_year are required", i+1)
		}
		if _, ok := kpi.Lookup(metric); !ok {
			return nil, fmt.Errorf("fact %d: unknown metric %q", i+1, f.Metric)
		}
		facts = append(facts, models.KPIFact{
			CompanyID:        f.CompanyID,
			CompanyName:      f.Company,
			FiscalYear:       f.FiscalYear,
			Metric:           metric,
			Value:            f.Value,
			Unit:             f.Unit,
			SourceSentenceID: f.SourceSentenceID,
		})
	}
	return facts, nil
}
