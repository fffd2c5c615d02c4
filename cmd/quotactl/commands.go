package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"sync/atomic"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/xraph/quota"
)

func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	a, err := newApp(ctx, cfg, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer a.close()
	return fn(ctx, a)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// ──────────────────────────────────────────────────
// plans
// ──────────────────────────────────────────────────

var plansCmd = &cobra.Command{
	Use:   "plans",
	Short: "List configured plans and their limits",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			plans, err := a.plans(ctx)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "PLAN\tPERIOD\tPRICE\tMETER\tLIMIT")
			for _, p := range plans {
				if len(p.Features) == 0 {
					fmt.Fprintf(tw, "%s\t%s\t%s\t-\t-\n", p.Slug, p.Period, p.Price)
				}
				for _, f := range p.Features {
					limit := strconv.FormatInt(int64(f.Limit), 10)
					if f.Limit.IsUnlimited() {
						limit = "unlimited"
					}
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", p.Slug, p.Period, p.Price, f.Key, limit)
				}
			}
			return tw.Flush()
		})
	},
}

// ──────────────────────────────────────────────────
// decide / peek
// ──────────────────────────────────────────────────

var (
	decidePlan    string
	decideEventID string
)

var decideCmd = &cobra.Command{
	Use:   "decide SUBSCRIBER METER [QUANTITY]",
	Short: "Ask for QUANTITY units of METER and consume them if allowed",
	Args:  cobra.RangeArgs(2, 3),
	RunE: func(cmd *cobra.Command, args []string) error {
		qty := int64(1)
		if len(args) == 3 {
			n, err := strconv.ParseInt(args[2], 10, 64)
			if err != nil {
				return fmt.Errorf("quantity %q: %w", args[2], err)
			}
			qty = n
		}
		return withApp(cmd, func(ctx context.Context, a *app) error {
			if _, err := a.subscribe(ctx, args[0], decidePlan); err != nil {
				return err
			}
			var opts []quota.DecideOption
			if decideEventID != "" {
				opts = append(opts, quota.WithEventID(decideEventID))
			}
			d, err := a.engine.Decide(ctx, args[0], args[1], qty, opts...)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), d)
		})
	},
}

var peekPlan string

var peekCmd = &cobra.Command{
	Use:   "peek SUBSCRIBER METER",
	Short: "Show usage of METER in the current period without consuming",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			if _, err := a.subscribe(ctx, args[0], peekPlan); err != nil {
				return err
			}
			u, err := a.engine.Peek(ctx, args[0], args[1])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), u)
		})
	},
}

// ──────────────────────────────────────────────────
// change-plan
// ──────────────────────────────────────────────────

var (
	changeFrom string
	changeAt   string
)

var changePlanCmd = &cobra.Command{
	Use:   "change-plan SUBSCRIBER PLAN",
	Short: "Move SUBSCRIBER to PLAN and print the proration",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		var at time.Time
		if changeAt != "" {
			t, err := time.Parse(time.RFC3339, changeAt)
			if err != nil {
				return fmt.Errorf("--at: %w", err)
			}
			at = t
		}
		return withApp(cmd, func(ctx context.Context, a *app) error {
			sub, err := a.subscribe(ctx, args[0], changeFrom)
			if err != nil {
				return err
			}
			if sub == nil {
				return fmt.Errorf("%s has no plan; pass --from or list it under subscribers", args[0])
			}
			target, err := a.engine.GetPlanBySlug(ctx, args[1])
			if err != nil {
				return fmt.Errorf("plan %q: %w", args[1], err)
			}
			res, err := a.engine.ChangePlan(ctx, args[0], target.ID, at)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), res)
		})
	},
}

// ──────────────────────────────────────────────────
// rebuild
// ──────────────────────────────────────────────────

var (
	rebuildPlan   string
	rebuildDryRun bool
)

// rebuildReport is the counter before and after a rebuild.
type rebuildReport struct {
	*quota.Drift
	Delta     int64 `json:"delta"`
	Rewritten bool  `json:"rewritten"`
}

var rebuildCmd = &cobra.Command{
	Use:   "rebuild SUBSCRIBER METER",
	Short: "Rewrite the current period's counter for METER from the usage log",
	Long: `Rewrite the current period's counter for METER from the usage log.

Plans, subscriptions and the usage log live in this process, so with Redis
counters configured the log starts empty and a rebuild clears the Redis
counter. Use --dry-run to only report the drift.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			if _, err := a.subscribe(ctx, args[0], rebuildPlan); err != nil {
				return err
			}
			var (
				drift *quota.Drift
				err   error
			)
			if rebuildDryRun {
				drift, err = a.engine.Reconcile(ctx, args[0], args[1])
			} else {
				drift, err = a.engine.RebuildCounter(ctx, args[0], args[1])
			}
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), rebuildReport{
				Drift:     drift,
				Delta:     drift.Delta(),
				Rewritten: !rebuildDryRun && drift.Delta() != 0,
			})
		})
	},
}

// ──────────────────────────────────────────────────
// loadtest
// ──────────────────────────────────────────────────

var (
	loadPlan     string
	loadWorkers  int
	loadRequests int
	loadQuantity int64
)

// loadReport summarizes a loadtest run.
type loadReport struct {
	Requests int           `json:"requests"`
	Allowed  int64         `json:"allowed"`
	Denied   int64         `json:"denied"`
	Errors   int64         `json:"errors"`
	Used     int64         `json:"used"`
	Limit    int64         `json:"limit"`
	Elapsed  time.Duration `json:"elapsed"`
	Overshot bool          `json:"overshot"`
}

var loadtestCmd = &cobra.Command{
	Use:   "loadtest SUBSCRIBER METER",
	Short: "Fire concurrent decisions at one meter and check the limit held",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if loadWorkers <= 0 || loadRequests <= 0 || loadQuantity <= 0 {
			return fmt.Errorf("--workers, --requests and --quantity must be positive")
		}
		return withApp(cmd, func(ctx context.Context, a *app) error {
			if _, err := a.subscribe(ctx, args[0], loadPlan); err != nil {
				return err
			}
			before, err := a.engine.Peek(ctx, args[0], args[1])
			if err != nil {
				return err
			}

			var allowed, denied, failed atomic.Int64
			start := time.Now()
			g, gctx := errgroup.WithContext(ctx)
			g.SetLimit(loadWorkers)
			for range loadRequests {
				g.Go(func() error {
					d, err := a.engine.Decide(gctx, args[0], args[1], loadQuantity)
					switch {
					case err != nil:
						failed.Add(1)
					case d.Allowed:
						allowed.Add(1)
					default:
						denied.Add(1)
					}
					return nil
				})
			}
			_ = g.Wait()

			after, err := a.engine.Peek(ctx, args[0], args[1])
			if err != nil {
				return err
			}
			rep := loadReport{
				Requests: loadRequests,
				Allowed:  allowed.Load(),
				Denied:   denied.Load(),
				Errors:   failed.Load(),
				Used:     after.Used,
				Limit:    int64(after.Limit),
				Elapsed:  time.Since(start),
			}
			rep.Overshot = !after.Unlimited() && after.Used > int64(after.Limit)
			if err := printJSON(cmd.OutOrStdout(), rep); err != nil {
				return err
			}
			if rep.Overshot {
				return fmt.Errorf("limit %d exceeded: used %d", rep.Limit, rep.Used)
			}
			if got := after.Used - before.Used; got != rep.Allowed*loadQuantity {
				return fmt.Errorf("counter moved by %d, want %d", got, rep.Allowed*loadQuantity)
			}
			return nil
		})
	},
}

func init() {
	decideCmd.Flags().StringVar(&decidePlan, "plan", "", "subscribe SUBSCRIBER to this plan slug first")
	decideCmd.Flags().StringVar(&decideEventID, "event-id", "", "idempotency key; repeats fail with a duplicate event error")
	peekCmd.Flags().StringVar(&peekPlan, "plan", "", "subscribe SUBSCRIBER to this plan slug first")
	changePlanCmd.Flags().StringVar(&changeFrom, "from", "", "plan slug SUBSCRIBER is on before the change")
	changePlanCmd.Flags().StringVar(&changeAt, "at", "", "RFC3339 time the change takes effect (default now)")
	rebuildCmd.Flags().StringVar(&rebuildPlan, "plan", "", "subscribe SUBSCRIBER to this plan slug first")
	rebuildCmd.Flags().BoolVar(&rebuildDryRun, "dry-run", false, "report the drift without rewriting the counter")
	loadtestCmd.Flags().StringVar(&loadPlan, "plan", "", "subscribe SUBSCRIBER to this plan slug first")
	loadtestCmd.Flags().IntVar(&loadWorkers, "workers", 50, "concurrent callers")
	loadtestCmd.Flags().IntVar(&loadRequests, "requests", 1000, "total decisions")
	loadtestCmd.Flags().Int64Var(&loadQuantity, "quantity", 1, "units per decision")
}
