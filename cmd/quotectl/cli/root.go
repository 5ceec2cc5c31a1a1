// Package cli implements the quotectl operator commands.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/hibiken/asynq"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/odyssey-erp/quotedesk/internal/quotes/lifecycle"
	"github.com/odyssey-erp/quotedesk/internal/quotes/pricing"
	"github.com/odyssey-erp/quotedesk/jobs"
)

// Jobs is what the jobs subcommands need from JobsCLI.
type Jobs interface {
	Trigger(ctx context.Context, name string) (*asynq.TaskInfo, error)
	InspectQueue(ctx context.Context, queue string) (QueueStats, error)
	ListScheduled(ctx context.Context, queue string, size int) ([]*asynq.TaskInfo, error)
	Close() error
}

// Options wires the commands to their backends. Nil factories disable the
// matching commands at run time.
type Options struct {
	Out     io.Writer
	In      io.Reader
	Migrate func(ctx context.Context) error
	Jobs    func() (Jobs, error)
}

// NewRootCommand builds the quotectl command tree.
func NewRootCommand(opts Options) *cobra.Command {
	if opts.Out == nil {
		opts.Out = os.Stdout
	}
	if opts.In == nil {
		opts.In = os.Stdin
	}
	root := &cobra.Command{
		Use:   "quotectl",
		Short: "Operator tooling for the quote service",
		Long: `quotectl inspects the quote status graph, prices drafts offline,
applies the database schema and manages background jobs.

Examples:
  quotectl graph --json
  quotectl price < draft.json
  quotectl jobs trigger quotes:expire`,
		SilenceUsage: true,
	}
	root.SetOut(opts.Out)
	root.AddCommand(graphCommand(opts), priceCommand(opts), migrateCommand(opts), jobsCommand(opts))
	return root
}

func graphCommand(opts Options) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "graph",
		Short: "Print and check the quote status graph",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			states := lifecycle.Describe()
			if asJSON {
				type node struct {
					Next     []lifecycle.Status `json:"next"`
					Terminal bool               `json:"terminal"`
					CanEdit  bool               `json:"can_edit"`
				}
				out := make(map[lifecycle.Status]node, len(states))
				for s, st := range states {
					out[s] = node{Next: st.Next, Terminal: st.Terminal, CanEdit: st.CanEdit}
				}
				enc := json.NewEncoder(opts.Out)
				enc.SetIndent("", "  ")
				if err := enc.Encode(out); err != nil {
					return err
				}
			} else {
				tw := tabwriter.NewWriter(opts.Out, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "STATUS\tEDITABLE\tTERMINAL\tNEXT")
				for _, s := range lifecycle.Statuses {
					st := states[s]
					next := make([]string, 0, len(st.Next))
					for _, n := range st.Next {
						next = append(next, string(n))
					}
					fmt.Fprintf(tw, "%s\t%t\t%t\t%s\n", s, st.CanEdit, st.Terminal, strings.Join(next, ","))
				}
				if err := tw.Flush(); err != nil {
					return err
				}
				if unreachable := lifecycle.Unreachable(lifecycle.StatusDraft); len(unreachable) > 0 {
					fmt.Fprintf(opts.Out, "unreachable from draft: %v\n", unreachable)
				}
			}
			return lifecycle.Validate()
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "emit JSON instead of a table")
	return cmd
}

type priceInput struct {
	Items          []pricing.LineItem `json:"items"`
	GlobalDiscount decimal.Decimal    `json:"global_discount"`
	GlobalTaxRate  decimal.Decimal    `json:"global_tax_rate"`
}

type priceOutput struct {
	Valuations   []pricing.LineValuation `json:"valuations"`
	Calculations pricing.Calculations    `json:"calculations"`
	Violations   []pricing.Violation     `json:"violations,omitempty"`
}

func priceCommand(opts Options) *cobra.Command {
	var places int32
	cmd := &cobra.Command{
		Use:   "price",
		Short: "Value a JSON draft read from stdin",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var in priceInput
			if err := json.NewDecoder(opts.In).Decode(&in); err != nil {
				return fmt.Errorf("decode draft: %w", err)
			}
			out := priceOutput{Valuations: make([]pricing.LineValuation, 0, len(in.Items))}
			for i, item := range in.Items {
				for _, v := range pricing.ValidateItem(item) {
					v.Field = fmt.Sprintf("items[%d].%s", i, v.Field)
					out.Violations = append(out.Violations, v)
				}
				out.Valuations = append(out.Valuations, pricing.Valuate(item))
			}
			out.Violations = append(out.Violations, pricing.ValidateGlobals(in.Items, in.GlobalDiscount, in.GlobalTaxRate)...)
			out.Calculations = pricing.Round(pricing.Aggregate(in.Items, in.GlobalDiscount, in.GlobalTaxRate), places)

			enc := json.NewEncoder(opts.Out)
			enc.SetIndent("", "  ")
			if err := enc.Encode(out); err != nil {
				return err
			}
			if len(out.Violations) > 0 {
				return fmt.Errorf("draft has %d invalid field(s)", len(out.Violations))
			}
			return nil
		},
	}
	cmd.Flags().Int32Var(&places, "places", 2, "decimal places for the totals")
	return cmd
}

func migrateCommand(opts Options) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the quote schema to the configured database",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.Migrate == nil {
				return fmt.Errorf("migrate: database not configured")
			}
			if err := opts.Migrate(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(opts.Out, "schema applied")
			return nil
		},
	}
}

func jobsCommand(opts Options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Manage background jobs",
	}

	withJobs := func(run func(cmd *cobra.Command, j Jobs, args []string) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			if opts.Jobs == nil {
				return fmt.Errorf("jobs: queue not configured")
			}
			j, err := opts.Jobs()
			if err != nil {
				return err
			}
			defer j.Close()
			return run(cmd, j, args)
		}
	}

	trigger := &cobra.Command{
		Use:       "trigger <task>",
		Short:     "Enqueue a maintenance task now",
		Args:      cobra.ExactArgs(1),
		ValidArgs: Triggerable,
		RunE: withJobs(func(cmd *cobra.Command, j Jobs, args []string) error {
			info, err := j.Trigger(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(opts.Out, "enqueued %s id=%s queue=%s\n", info.Type, info.ID, info.Queue)
			return nil
		}),
	}

	var queue string
	inspect := &cobra.Command{
		Use:   "inspect",
		Short: "Show queue counters",
		Args:  cobra.NoArgs,
		RunE: withJobs(func(cmd *cobra.Command, j Jobs, args []string) error {
			names := []string{jobs.QueueDefault, jobs.QueueMail}
			if queue != "" {
				names = []string{queue}
			}
			tw := tabwriter.NewWriter(opts.Out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "QUEUE\tPENDING\tACTIVE\tSCHEDULED\tRETRY\tARCHIVED")
			for _, name := range names {
				stats, err := j.InspectQueue(cmd.Context(), name)
				if err != nil {
					return err
				}
				fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%d\t%d\n", stats.Queue, stats.Pending, stats.Active, stats.Scheduled, stats.Retry, stats.Archived)
			}
			return tw.Flush()
		}),
	}
	inspect.Flags().StringVar(&queue, "queue", "", "only this queue")

	var size int
	scheduledQueue := jobs.QueueDefault
	scheduled := &cobra.Command{
		Use:   "scheduled",
		Short: "List scheduled tasks",
		Args:  cobra.NoArgs,
		RunE: withJobs(func(cmd *cobra.Command, j Jobs, args []string) error {
			tasks, err := j.ListScheduled(cmd.Context(), scheduledQueue, size)
			if err != nil {
				return err
			}
			for _, t := range tasks {
				fmt.Fprintf(opts.Out, "%s\t%s\t%s\n", t.ID, t.Type, t.NextProcessAt.UTC().Format("2006-01-02T15:04:05Z"))
			}
			return nil
		}),
	}
	scheduled.Flags().IntVar(&size, "size", 10, "page size")
	scheduled.Flags().StringVar(&scheduledQueue, "queue", jobs.QueueDefault, "queue to list")

	cmd.AddCommand(trigger, inspect, scheduled)
	return cmd
}
