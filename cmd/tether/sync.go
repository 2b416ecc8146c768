package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/oriys/tether/internal/config"
	"github.com/oriys/tether/internal/db"
	"github.com/oriys/tether/internal/replication"
	"github.com/oriys/tether/internal/schema"
)

func syncCmd() *cobra.Command {
	var (
		groups       []string
		tables       []string
		outputFormat string
	)

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Replicate tables from the source into the target once",
		Long:  "Replicate the named groups or tables. Without --group or --table every configured group is replicated.",
		Example: `  tether sync
  tether sync --group persons
  tether sync --table _reference300 --table _inforg10632`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			engine, err := a.replicationEngine()
			if err != nil {
				return err
			}

			var results []replication.TableResult
			switch {
			case len(groups) == 0 && len(tables) == 0:
				results = engine.ReplicateAll(ctx)
			default:
				for _, g := range groups {
					r, err := engine.ReplicateGroup(ctx, g)
					if err != nil {
						return err
					}
					results = append(results, r...)
				}
				for _, t := range tables {
					report, err := engine.Replicate(ctx, t)
					res := replication.TableResult{Table: t, Report: report, Err: err}
					if err != nil {
						res.Error = err.Error()
					}
					results = append(results, res)
				}
			}

			if err := printResults(os.Stdout, outputFormat, results); err != nil {
				return err
			}
			if failed := replication.Failed(results); len(failed) > 0 {
				return fmt.Errorf("%d of %d tables failed", len(failed), len(results))
			}
			return nil
		},
	}

	cmd.Flags().StringSliceVarP(&groups, "group", "g", nil, "Sync group to replicate (repeatable)")
	cmd.Flags().StringSliceVarP(&tables, "table", "t", nil, "Table to replicate (repeatable)")
	cmd.Flags().StringVarP(&outputFormat, "output", "o", "table", "Output format (table, json)")

	return cmd
}

func printResults(w io.Writer, format string, results []replication.TableResult) error {
	if format == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(results)
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "GROUP\tTABLE\tSTRATEGY\tREAD\tAPPLIED\tSKIPPED\tDURATION\tERROR")
	for _, r := range results {
		group := r.Group
		if group == "" {
			group = "-"
		}
		if r.Report == nil {
			fmt.Fprintf(tw, "%s\t%s\t-\t-\t-\t-\t-\t%s\n", group, r.Table, r.Error)
			continue
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%d\t%s\t%s\n",
			group,
			r.Table,
			r.Report.Strategy,
			r.Report.RowsRead,
			r.Report.RowsApplied,
			len(r.Report.Skipped),
			r.Report.Duration.Round(time.Millisecond),
			r.Error,
		)
	}
	return tw.Flush()
}

func describeCmd() *cobra.Command {
	var (
		databaseID   string
		outputFormat string
	)

	cmd := &cobra.Command{
		Use:   "describe <table>",
		Short: "Show the columns and primary key of a table",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			var desc *schema.Table
			err = a.manager.WithHandle(ctx, databaseID, &db.TxOptions{ReadOnly: true}, func(ctx context.Context, h *db.Handle) error {
				var err error
				desc, err = schema.Resolve(ctx, h, args[0])
				return err
			})
			if err != nil {
				return err
			}

			strategy := "-"
			if s, err := replication.Classify(args[0], nil); err == nil {
				strategy = s.String()
			} else if !errors.Is(err, replication.ErrUnrecognizedTable) {
				return err
			}

			if outputFormat == "json" {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(desc)
			}
			fmt.Printf("Table:       %s\n", desc.QualifiedName())
			fmt.Printf("Database:    %s\n", databaseID)
			fmt.Printf("Primary key: %s\n", strings.Join(desc.PrimaryKey, ", "))
			fmt.Printf("Strategy:    %s\n", strategy)
			fmt.Println("Columns:")
			for _, c := range desc.Columns {
				fmt.Printf("  %s\n", c)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&databaseID, "db", "d", config.TargetDB, "Database id (source, target)")
	cmd.Flags().StringVarP(&outputFormat, "output", "o", "table", "Output format (table, json)")

	return cmd
}

func groupsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "groups",
		Short: "List the configured sync groups",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			names := make([]string, 0, len(cfg.Replication.Groups))
			for name := range cfg.Replication.Groups {
				names = append(names, name)
			}
			sort.Strings(names)

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "GROUP\tTABLES")
			for _, name := range names {
				fmt.Fprintf(w, "%s\t%s\n", name, strings.Join(cfg.Replication.Groups[name], ", "))
			}
			return w.Flush()
		},
	}
}
