package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"revspec/internal/config"
	"revspec/internal/knowledge"
	"revspec/internal/patterns"
)

var (
	patternsJSON  bool
	searchK       int
	searchMinimum float64
)

var patternsCmd = &cobra.Command{
	Use:   "patterns",
	Short: "Inspect and maintain the pattern repository",
}

func init() {
	patternsCmd.PersistentFlags().BoolVar(&patternsJSON, "json", false, "Print JSON instead of a table")
	patternsSearchCmd.Flags().IntVarP(&searchK, "top", "k", 5, "Maximum number of matches")
	patternsSearchCmd.Flags().Float64Var(&searchMinimum, "min-similarity", 0.3, "Minimum cosine similarity")

	patternsCmd.AddCommand(patternsListCmd)
	patternsCmd.AddCommand(patternsSearchCmd)
	patternsCmd.AddCommand(patternsBackfillCmd)
}

// withRepository opens the configured repository for one maintenance command.
func withRepository(ctx context.Context, fn func(*patterns.SQLiteRepository, knowledge.Embedder) error) error {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	embedder, err := knowledge.NewEmbedder(ctx, cfg.EmbedderOptions())
	if err != nil {
		return fmt.Errorf("failed to create embedder: %w", err)
	}
	repo, err := openRepository(ctx, cfg, embedder)
	if err != nil {
		return err
	}
	defer repo.Close()
	return fn(repo, embedder)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

var patternsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored patterns, most used first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRepository(cmd.Context(), func(repo *patterns.SQLiteRepository, _ knowledge.Embedder) error {
			all, err := repo.List(cmd.Context())
			if err != nil {
				return err
			}
			if patternsJSON {
				return printJSON(all)
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tCATEGORY\tSOURCE\tUSES\tFINGERPRINT")
			for _, p := range all {
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n", p.Name, p.Category, p.SourceType, p.UsageCount, p.Fingerprint[:12])
			}
			return w.Flush()
		})
	},
}

var patternsSearchCmd = &cobra.Command{
	Use:   "search <text>",
	Short: "Find patterns semantically close to a description",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		return withRepository(ctx, func(repo *patterns.SQLiteRepository, embedder knowledge.Embedder) error {
			vecs, err := embedder.Embed(ctx, []string{strings.Join(args, " ")})
			if err != nil {
				return fmt.Errorf("failed to embed query: %w", err)
			}
			found, err := repo.SearchSemantic(ctx, vecs[0], searchK, searchMinimum)
			if err != nil {
				return err
			}
			if patternsJSON {
				return printJSON(found)
			}
			if len(found) == 0 {
				fmt.Println("No matching patterns.")
				return nil
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "SIMILARITY\tNAME\tCATEGORY\tDESCRIPTION")
			for _, s := range found {
				fmt.Fprintf(w, "%.3f\t%s\t%s\t%s\n", s.Similarity, s.Pattern.Name, s.Pattern.Category, s.Pattern.Description)
			}
			return w.Flush()
		})
	},
}

var patternsBackfillCmd = &cobra.Command{
	Use:   "backfill",
	Short: "Embed patterns whose embedding is still pending",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRepository(cmd.Context(), func(repo *patterns.SQLiteRepository, _ knowledge.Embedder) error {
			n, err := repo.BackfillEmbeddings(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("🧠 Embedded %d pending patterns\n", n)
			return nil
		})
	},
}
