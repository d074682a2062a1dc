package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"

	"github.com/spf13/cobra"

	"github.com/finrag/backend/internal/domain"
	"github.com/finrag/backend/internal/query"
)

var (
	queryModel string
	queryUser  string
	queryJSON  bool
	queryTrace bool
)

var queryCmd = &cobra.Command{
	Use:   "query [question]",
	Short: "Answer a question from filings and KPIs",
	Long: `Runs one question through the full pipeline: entity resolution,
multi-path retrieval, window expansion, KPI lookup and cited synthesis.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runQuery,
}

func init() {
	queryCmd.Flags().StringVarP(&queryModel, "model", "m", "", "serving model key")
	queryCmd.Flags().StringVarP(&queryUser, "user", "u", "cli", "user id recorded in the audit log")
	queryCmd.Flags().BoolVar(&queryJSON, "json", false, "output the full response as JSON")
	queryCmd.Flags().BoolVar(&queryTrace, "trace", false, "print state transitions as they happen")
	rootCmd.AddCommand(queryCmd)
}

func runQuery(cmd *cobra.Command, args []string) error {
	store, log, err := setup()
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(cmdContext(cmd), os.Interrupt)
	defer stop()

	engine, closeFn, err := openEngine(ctx, store, log)
	if err != nil {
		return fmt.Errorf("failed to initialize backends: %w", err)
	}
	defer closeFn()

	req := query.QueryRequest{
		Query:        strings.Join(args, " "),
		UserID:       queryUser,
		ServingModel: queryModel,
	}
	if queryTrace {
		req.Observer = func(ev domain.StageEvent) {
			cmd.PrintErrf("[%6dms] %s %s\n", ev.ElapsedMs, ev.State, ev.Detail)
		}
	}

	resp, err := engine.ProcessQuery(ctx, req)
	if err != nil {
		if resp != nil && queryJSON {
			_ = printJSON(cmd, resp)
		}
		return fmt.Errorf("query failed (%s): %w", domain.ReasonOf(err), err)
	}

	if queryJSON {
		return printJSON(cmd, resp)
	}
	printAnswer(cmd, resp)
	return nil
}

func cmdContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

func printJSON(cmd *cobra.Command, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal response: %w", err)
	}
	cmd.Println(string(data))
	return nil
}

func printAnswer(cmd *cobra.Command, resp *query.QueryResponse) {
	cmd.Println(resp.Answer)
	cmd.Println()

	status := string(resp.State)
	if resp.Reason != "" {
		status += " (" + string(resp.Reason) + ")"
	}
	if resp.State == domain.StateAnswered && !resp.Verified {
		status += ", unverified"
	}
	cmd.Printf("Status:    %s\n", status)

	if len(resp.Citations) > 0 {
		ids := make([]string, 0, len(resp.Citations))
		for _, c := range resp.Citations {
			ids = append(ids, c.Kind.CitationPrefix()+":"+c.ID)
		}
		cmd.Printf("Citations: %s\n", strings.Join(ids, ", "))
	}
	for _, claim := range resp.UnverifiedClaims {
		cmd.Printf("Unverified: %s\n", claim)
	}
	for _, d := range resp.Diagnostics {
		cmd.Printf("Note:      %s: %s\n", d.Reason, d.Message)
	}

	llm := resp.Metadata.LLM
	if llm.Attempts > 0 {
		cmd.Printf("Model:     %s, %d+%d tokens, $%.4f\n", llm.ModelID, llm.InputTokens, llm.OutputTokens, llm.Cost)
	}
	cmd.Printf("Latency:   %dms\n", resp.Metadata.LatencyMs)
}
