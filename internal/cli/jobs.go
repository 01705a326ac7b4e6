package cli

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"P2PLend-Chain/internal/api"
	"P2PLend-Chain/internal/cli/render"
	xerrors "P2PLend-Chain/internal/errors"
	"P2PLend-Chain/internal/job"
	"P2PLend-Chain/internal/lending"
)

func newJobsCmd() *cobra.Command {
	var (
		server  string
		token   string
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Submit and inspect jobs on a running p2plend service",
	}
	cmd.PersistentFlags().StringVar(&server, "server", "", "Job service URL (default derived from server.address)")
	cmd.PersistentFlags().StringVar(&token, "token", "", "Bearer token for the job service (default $P2PLEND_API_TOKEN)")
	cmd.PersistentFlags().DurationVar(&timeout, "timeout", 10*time.Second, "HTTP timeout per request")

	client := func(c *cobra.Command) (*api.Client, *app, error) {
		a, err := getApp(c)
		if err != nil {
			return nil, nil, err
		}
		base := server
		if base == "" {
			base = api.BaseURLFromAddress(a.cfg.Server.Address)
		}
		if token == "" {
			token = os.Getenv("P2PLEND_API_TOKEN")
		}
		return api.NewClient(base, timeout).WithToken(token), a, nil
	}

	cmd.AddCommand(newJobsSubmitCmd(client), newJobsStatusCmd(client), newJobsListCmd(client), newJobsStatsCmd(client))
	return cmd
}

type jobsClientFunc func(*cobra.Command) (*api.Client, *app, error)

func newJobsSubmitCmd(clientFor jobsClientFunc) *cobra.Command {
	var (
		id          string
		params      map[string]string
		wait        bool
		waitTimeout time.Duration
	)
	ops := make([]string, 0, len(lending.Operations()))
	for _, op := range lending.Operations() {
		ops = append(ops, string(op))
	}
	cmd := &cobra.Command{
		Use:       "submit <operation>",
		Short:     "Queue a lending operation",
		Example:   "  p2plend jobs submit create-offer --param principal=250 --param duration=720h --wait",
		Args:      cobra.ExactArgs(1),
		ValidArgs: ops,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, a, err := clientFor(cmd)
			if err != nil {
				return err
			}
			created, err := client.Submit(cmd.Context(), job.SubmitRequest{ID: id, Operation: args[0], Params: params})
			if err != nil {
				return err
			}
			fmt.Fprintln(a.out, render.FormatSuccess(fmt.Sprintf("Job %s queued (%s)", created.ID, created.Operation)))
			if !wait {
				return nil
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), waitTimeout)
			defer cancel()
			spin := render.NewSpinner(a.errOut)
			spin.Start("waiting for job " + created.ID)
			done, err := client.WaitUntilCompleted(ctx, created.ID, time.Second)
			spin.Stop()
			if err != nil {
				return err
			}
			render.Job(a.out, done)
			if done.Status == job.StatusFailed {
				code := xerrors.Code(done.ErrorCode)
				if code == "" {
					code = xerrors.CodeUnknown
				}
				return xerrors.New(code, fmt.Sprintf("job %s failed: %s", done.ID, done.LastError),
					xerrors.WithMetadata("job_id", done.ID))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "Job id; resubmitting an existing id returns that job")
	cmd.Flags().StringToStringVarP(&params, "param", "p", nil, "Operation parameter key=value (amount, spender, principal, interest_bps, duration, offer_id)")
	cmd.Flags().BoolVar(&wait, "wait", false, "Wait until the job finishes")
	cmd.Flags().DurationVar(&waitTimeout, "wait-timeout", 10*time.Minute, "Maximum time to wait with --wait")
	return cmd
}

func newJobsStatusCmd(clientFor jobsClientFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "status <id>",
		Short: "Show a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, a, err := clientFor(cmd)
			if err != nil {
				return err
			}
			found, err := client.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			render.Job(a.out, found)
			return nil
		},
	}
}

type jobFilterFlags struct {
	statuses   []string
	operations []string
	since      string
	query      string
}

func (f *jobFilterFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringSliceVar(&f.statuses, "status", nil, "Filter by status (pending, running, succeeded, failed)")
	cmd.Flags().StringSliceVar(&f.operations, "operation", nil, "Filter by operation")
	cmd.Flags().StringVar(&f.since, "since", "", "Only jobs updated since (RFC3339 or unix seconds)")
	cmd.Flags().StringVarP(&f.query, "query", "q", "", "Free-text search over ids, params and errors")
}

func (f *jobFilterFlags) values() url.Values {
	values := url.Values{}
	if len(f.statuses) > 0 {
		values.Set("status", strings.Join(f.statuses, ","))
	}
	if len(f.operations) > 0 {
		values.Set("operation", strings.Join(f.operations, ","))
	}
	if f.since != "" {
		values.Set("since", f.since)
	}
	if f.query != "" {
		values.Set("q", f.query)
	}
	return values
}

func newJobsListCmd(clientFor jobsClientFunc) *cobra.Command {
	var (
		filters jobFilterFlags
		limit   int
		offset  int
		asc     bool
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, a, err := clientFor(cmd)
			if err != nil {
				return err
			}
			values := filters.values()
			values.Set("limit", strconv.Itoa(limit))
			if offset > 0 {
				values.Set("offset", strconv.Itoa(offset))
			}
			if asc {
				values.Set("order", "asc")
			}
			jobs, err := client.List(cmd.Context(), values)
			if err != nil {
				return err
			}
			render.Jobs(a.out, jobs)
			return nil
		},
	}
	filters.register(cmd)
	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum number of jobs")
	cmd.Flags().IntVar(&offset, "offset", 0, "Skip this many jobs")
	cmd.Flags().BoolVar(&asc, "asc", false, "Oldest first")
	return cmd
}

func newJobsStatsCmd(clientFor jobsClientFunc) *cobra.Command {
	var filters jobFilterFlags
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Count jobs by status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, a, err := clientFor(cmd)
			if err != nil {
				return err
			}
			stats, err := client.Stats(cmd.Context(), filters.values())
			if err != nil {
				return err
			}
			fmt.Fprintf(a.out, "total %d  pending %d  running %d  succeeded %d  failed %d\n",
				stats.Total, stats.Pending, stats.Running, stats.Succeeded, stats.Failed)
			return nil
		},
	}
	filters.register(cmd)
	return cmd
}
