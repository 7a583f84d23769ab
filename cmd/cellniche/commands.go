package main

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/atlasmap-sc/cellniche/internal/registry"
)

func newRunCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Aggregate neighbourhoods and cluster them into niches",
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := a.newPipeline()
			if err != nil {
				return err
			}
			run, err := p.Run(cmd.Context())
			printRun(cmd, run)
			return err
		},
	}
}

func newAggregateCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "aggregate",
		Short: "Compute neighbourhood vectors into a new run",
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := a.newPipeline()
			if err != nil {
				return err
			}
			run, err := p.Aggregate(cmd.Context())
			printRun(cmd, run)
			return err
		},
	}
}

func newClusterCmd(a *app) *cobra.Command {
	var runID string
	cmd := &cobra.Command{
		Use:   "cluster",
		Short: "Cluster the neighbourhoods of an existing run",
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := a.newPipeline()
			if err != nil {
				return err
			}
			run, err := p.Cluster(cmd.Context(), runID)
			printRun(cmd, run)
			return err
		},
	}
	cmd.Flags().StringVar(&runID, "run", "latest", "Run to cluster")
	return cmd
}

func newOverlayCmd(a *app) *cobra.Command {
	var runID string
	cmd := &cobra.Command{
		Use:   "overlay",
		Short: "Render niche overlays for a clustered run",
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := a.newPipeline()
			if err != nil {
				return err
			}
			run, err := p.Overlay(cmd.Context(), runID)
			printRun(cmd, run)
			return err
		},
	}
	cmd.Flags().StringVar(&runID, "run", "latest", "Run to render")
	return cmd
}

func newPhenotypeCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "phenotype",
		Short: "Build a marks table from long-format cell tags",
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := a.newPipeline()
			if err != nil {
				return err
			}
			n, err := p.Phenotype(cmd.Context())
			if err != nil {
				return err
			}
			a.logger.Info("marks table written",
				zap.String("path", a.cfg.Phenotype.OutputPath),
				zap.String("output", a.cfg.Phenotype.Output),
				zap.Int("cells", n))
			return nil
		},
	}
	return cmd
}

func newRunsCmd(a *app) *cobra.Command {
	var (
		limit  int
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List recorded runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := a.openStore()
			if err != nil {
				return err
			}
			runs, err := store.ListRuns(limit)
			if err != nil {
				return err
			}
			if asJSON {
				if runs == nil {
					runs = []*registry.Run{}
				}
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(runs)
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "RUN\tSTATUS\tSTAGES\tCREATED\tERROR")
			for _, r := range runs {
				fmt.Fprintf(tw, "%s\t%s\t%v\t%s\t%s\n", r.ID, r.Status, r.Params.Stages, r.CreatedAt.Format("2006-01-02 15:04:05"), r.Error)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum runs to list")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print JSON")
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	}
}

// printRun writes the final run record, which is present even when the run
// failed after registration.
func printRun(cmd *cobra.Command, run *registry.Run) {
	if run == nil {
		return
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(run); err != nil {
		fmt.Fprintln(os.Stderr, err)
	}
}
