package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/flink-studio/flinkctl/internal/gateway"
	"github.com/flink-studio/flinkctl/internal/monitor"
	"github.com/flink-studio/flinkctl/internal/orchestrator"
	"github.com/flink-studio/flinkctl/internal/repositories"
	"github.com/flink-studio/flinkctl/internal/sqltext"
)

func newExecCmd(cfg *config) *cobra.Command {
	var (
		jobName      string
		tags         []string
		continueOn   bool
		keepSession  bool
		singleStmt   bool
		sessionProps map[string]string
		envFile      string
		laxEnv       bool
	)

	cmd := &cobra.Command{
		Use:   "exec <sql-file>",
		Short: "Submit a SQL script through the gateway",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, cleanup, err := newApp(cfg)
			if err != nil {
				return err
			}
			defer cleanup()

			sqlBytes, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("read SQL file: %w", err)
			}
			env, err := sqltext.LoadEnvFile(envFile)
			if err != nil {
				return err
			}

			onError := gateway.StopOnError
			if continueOn {
				onError = gateway.ContinueOnError
			}

			report, err := a.orc.ExecuteSQL(cmd.Context(), orchestrator.ExecuteOptions{
				SQL:             string(sqlBytes),
				JobName:         jobName,
				Tags:            tags,
				OnError:         onError,
				KeepSession:     keepSession,
				SingleStatement: singleStmt,
				SessionProps:    sessionProps,
				Env:             env,
				StrictEnv:       !laxEnv,
			})
			if err != nil {
				return err
			}

			renderStatements(report.Statements)
			if report.JobID != "" {
				fmt.Printf("job started: %s\n", report.JobID)
			}
			if report.SnapshotRowID != 0 {
				fmt.Printf("recorded as %q (row %d), pause/resume available\n", jobName, report.SnapshotRowID)
			}
			if report.SessionHandle != "" {
				fmt.Printf("session kept open: %s\n", report.SessionHandle)
			}
			if !report.Success {
				return fmt.Errorf("batch finished with errors")
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&jobName, "name", "", "Job name to record for later pause/resume")
	cmd.Flags().StringSliceVar(&tags, "tag", nil, "Tags stored on the job record (repeatable)")
	cmd.Flags().BoolVar(&continueOn, "continue-on-error", false, "Keep executing after a failed statement")
	cmd.Flags().BoolVar(&keepSession, "keep-session", false, "Leave the gateway session open")
	cmd.Flags().BoolVar(&singleStmt, "single-statement", false, "Submit the whole input as one statement, never splitting on semicolons")
	cmd.Flags().StringToStringVar(&sessionProps, "session-prop", nil, "Extra session properties (key=value, repeatable)")
	cmd.Flags().StringVar(&envFile, "env-file", ".env", "Env file for ${VAR} substitution")
	cmd.Flags().BoolVar(&laxEnv, "lax-env", false, "Leave unresolved ${VAR} placeholders in place instead of failing")
	return cmd
}

func newPauseCmd(cfg *config) *cobra.Command {
	var targetDir string

	cmd := &cobra.Command{
		Use:   "pause <job-id-or-name>",
		Short: "Snapshot a running job and cancel it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, cleanup, err := newApp(cfg)
			if err != nil {
				return err
			}
			defer cleanup()

			report, err := a.orc.Pause(cmd.Context(), args[0], targetDir)
			if err != nil {
				return err
			}
			if report.AlreadyPaused {
				fmt.Printf("job %s is already paused (snapshot: %s)\n", report.JobID, report.Path)
				return nil
			}
			fmt.Printf("job %s paused\nsnapshot: %s (row %d)\n", report.JobID, report.Path, report.SnapshotRowID)
			return nil
		},
	}

	cmd.Flags().StringVar(&targetDir, "target-dir", "", "Snapshot target directory (cluster default when empty)")
	return cmd
}

func newStopCmd(cfg *config) *cobra.Command {
	var targetDir string

	cmd := &cobra.Command{
		Use:   "stop <job-id-or-name>",
		Short: "Drain a job into a snapshot and stop it gracefully",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, cleanup, err := newApp(cfg)
			if err != nil {
				return err
			}
			defer cleanup()

			report, err := a.orc.StopWithSnapshot(cmd.Context(), args[0], targetDir)
			if err != nil {
				return err
			}
			fmt.Printf("job %s stopped\nsnapshot: %s (row %d)\n", report.JobID, report.Path, report.SnapshotRowID)
			return nil
		},
	}

	cmd.Flags().StringVar(&targetDir, "target-dir", "", "Snapshot target directory (cluster default when empty)")
	return cmd
}

func newSnapshotCmd(cfg *config) *cobra.Command {
	var targetDir string

	cmd := &cobra.Command{
		Use:   "snapshot <job-id-or-name>",
		Short: "Take a snapshot of a running job without stopping it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, cleanup, err := newApp(cfg)
			if err != nil {
				return err
			}
			defer cleanup()

			report, err := a.orc.Snapshot(cmd.Context(), args[0], targetDir)
			if err != nil {
				return err
			}
			fmt.Printf("snapshot: %s (row %d), job keeps running\n", report.Path, report.SnapshotRowID)
			return nil
		},
	}

	cmd.Flags().StringVar(&targetDir, "target-dir", "", "Snapshot target directory (cluster default when empty)")
	return cmd
}

func newResumeCmd(cfg *config) *cobra.Command {
	var envFile string

	cmd := &cobra.Command{
		Use:   "resume <job-id-or-name>",
		Short: "Restart a paused job from its latest snapshot with its recorded SQL",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, cleanup, err := newApp(cfg)
			if err != nil {
				return err
			}
			defer cleanup()

			env, err := sqltext.LoadEnvFile(envFile)
			if err != nil {
				return err
			}
			report, err := a.orc.Resume(cmd.Context(), args[0], env)
			if err != nil {
				return err
			}
			renderResume(report)
			return nil
		},
	}

	cmd.Flags().StringVar(&envFile, "env-file", ".env", "Env file for ${VAR} substitution")
	return cmd
}

func newResumeFromCmd(cfg *config) *cobra.Command {
	var envFile string

	cmd := &cobra.Command{
		Use:   "resume-from <snapshot-row-id> <sql-file>",
		Short: "Restart a job from an explicit snapshot with a SQL file",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			snapshotID, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("snapshot row id must be an integer: %q", args[0])
			}

			a, cleanup, err := newApp(cfg)
			if err != nil {
				return err
			}
			defer cleanup()

			env, err := sqltext.LoadEnvFile(envFile)
			if err != nil {
				return err
			}
			report, err := a.orc.ResumeFromSnapshotID(cmd.Context(), snapshotID, args[1], env)
			if err != nil {
				return err
			}
			renderResume(report)
			return nil
		},
	}

	cmd.Flags().StringVar(&envFile, "env-file", ".env", "Env file for ${VAR} substitution")
	return cmd
}

func newJobsCmd(cfg *config) *cobra.Command {
	var pausable bool

	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "List jobs on the cluster",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, cleanup, err := newApp(cfg)
			if err != nil {
				return err
			}
			defer cleanup()

			jobs, err := a.cl.ListJobs(cmd.Context())
			if err != nil {
				return err
			}
			if pausable {
				jobs, err = a.orc.ListPausable(cmd.Context())
				if err != nil {
					return err
				}
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "JOB ID\tNAME\tSTATE\tRESTORED FROM")
			for _, j := range jobs {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", j.ID, j.Name, j.State, j.SnapshotPath())
			}
			return w.Flush()
		},
	}

	cmd.Flags().BoolVar(&pausable, "pausable", false, "Only jobs that can be paused (RUNNING)")
	return cmd
}

func newSnapshotsCmd(cfg *config) *cobra.Command {
	var (
		active    bool
		resumable bool
		limit     int
		offset    int
	)

	cmd := &cobra.Command{
		Use:   "snapshots",
		Short: "List the local snapshot history",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, cleanup, err := newApp(cfg)
			if err != nil {
				return err
			}
			defer cleanup()

			ctx := cmd.Context()
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)

			switch {
			case active:
				views, err := a.orc.ListActiveSnapshots(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintln(w, "ROW\tJOB ID\tAGE\tSTALE\tREQUEST STATE")
				for _, v := range views {
					fmt.Fprintf(w, "%d\t%s\t%s\t%v\t%s\n",
						v.Snapshot.ID, v.Snapshot.JobID, v.Age.Round(time.Second), v.IsStale, v.RequestState)
				}

			case resumable:
				rows, err := a.orc.ListResumable(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintln(w, "ROW\tJOB ID\tJOB NAME\tJOB STATE\tPATH\tSQL")
				for _, r := range rows {
					fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\n",
						r.Snapshot.ID, r.Snapshot.JobID, r.Snapshot.JobName, r.JobState,
						r.Snapshot.SnapshotPath, sqlMarker(r.Snapshot.SQLContent))
				}

			default:
				rows, total, err := a.orc.ListSnapshots(ctx, repositories.ListOptions{Limit: limit, Offset: offset})
				if err != nil {
					return err
				}
				fmt.Fprintln(w, "ROW\tJOB ID\tJOB NAME\tTYPE\tSTATUS\tLATEST\tPATH\tCREATED")
				for _, row := range rows {
					fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%v\t%s\t%s\n",
						row.ID, row.JobID, row.JobName, row.SnapshotType, row.SnapshotStatus,
						row.IsLatest, row.SnapshotPath, row.CreatedAt.Format(time.RFC3339))
				}
				if err := w.Flush(); err != nil {
					return err
				}
				fmt.Printf("%d of %d rows\n", len(rows), total)
				return nil
			}
			return w.Flush()
		},
	}

	cmd.Flags().BoolVar(&active, "active", false, "Only snapshots still in progress")
	cmd.Flags().BoolVar(&resumable, "resumable", false, "Only snapshots whose job can be resumed")
	cmd.Flags().IntVar(&limit, "limit", 50, "Maximum rows to list")
	cmd.Flags().IntVar(&offset, "offset", 0, "Rows to skip")
	return cmd
}

func newSyncCmd(cfg *config) *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Reconcile local history with the cluster",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, cleanup, err := newApp(cfg)
			if err != nil {
				return err
			}
			defer cleanup()

			report, err := a.orc.Sync(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("cluster jobs: %d, discovered: %d, status refreshed: %d\n",
				report.ClusterJobs, len(report.Discovered), report.StatusMarked)
			for _, id := range report.Discovered {
				fmt.Printf("  discovered %s\n", id)
			}
			return nil
		},
	}
}

func newMonitorCmd(cfg *config) *cobra.Command {
	var (
		addr         string
		syncInterval time.Duration
	)

	cmd := &cobra.Command{
		Use:   "monitor",
		Short: "Serve health, metrics and a read-only API while syncing periodically",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, cleanup, err := newApp(cfg)
			if err != nil {
				return err
			}
			defer cleanup()

			srv, err := monitor.New(monitor.Config{
				Addr:         addr,
				SyncInterval: syncInterval,
			}, a.orc, a.cl, a.gw, a.database, a.log)
			if err != nil {
				return err
			}

			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			errCh := make(chan error, 1)
			go func() { errCh <- srv.Start(ctx) }()

			select {
			case err := <-errCh:
				return err
			case <-ctx.Done():
			}

			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer shutdownCancel()
			return srv.Stop(shutdownCtx)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", envOrDefault("FLINKCTL_MONITOR_ADDR", ":8080"), "Monitor listen address")
	cmd.Flags().DurationVar(&syncInterval, "sync-interval", envDurationOrDefault("FLINKCTL_SYNC_INTERVAL", time.Minute), "Reconciliation cadence")
	return cmd
}

func renderStatements(results []gateway.StatementResult) {
	if len(results) == 0 {
		fmt.Println("nothing to execute")
		return
	}
	for i, res := range results {
		status := string(res.Status)
		if res.Err != nil {
			status = fmt.Sprintf("%s: %v", res.Status, res.Err)
		}
		fmt.Printf("[%d/%d] %s  %s (%s)\n",
			i+1, len(results), sqltext.Preview(res.Statement, 60), status, res.Duration.Round(time.Millisecond))
		renderRows(res)
	}
}

// renderRows prints the result table of a statement that returned rows, such
// as SHOW TABLES or a bounded SELECT.
func renderRows(res gateway.StatementResult) {
	if len(res.Rows) == 0 {
		return
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	if len(res.Columns) > 0 {
		for i, c := range res.Columns {
			if i > 0 {
				fmt.Fprint(w, "\t")
			}
			fmt.Fprint(w, c.Name)
		}
		fmt.Fprintln(w)
	}
	for _, row := range res.Rows {
		for i, f := range row.Fields {
			if i > 0 {
				fmt.Fprint(w, "\t")
			}
			fmt.Fprintf(w, "%v", f)
		}
		fmt.Fprintln(w)
	}
	w.Flush() //nolint:errcheck
}

func renderResume(report *orchestrator.ResumeReport) {
	for _, warning := range report.Warnings {
		fmt.Printf("warning: %s\n", warning)
	}
	fmt.Printf("resumed from %s (row %d)\n", report.Path, report.SnapshotRowID)
	if report.NewJobID != "" {
		fmt.Printf("new job: %s (was %s)\n", report.NewJobID, report.OriginalJobID)
	}
}

func sqlMarker(sqlContent string) string {
	if sqlContent == "" {
		return "file required"
	}
	return "recorded"
}
