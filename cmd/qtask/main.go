// Command qtask inspects and serves a task queue from the command line.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/gseismic/qtask-nano/internal/api"
	"github.com/gseismic/qtask-nano/internal/query"
	"github.com/gseismic/qtask-nano/internal/queue"
	"github.com/gseismic/qtask-nano/internal/reaper"
	"github.com/gseismic/qtask-nano/internal/task"
)

var (
	flagURI       string
	flagNamespace string
	flagFormat    string
	flagLimit     int
)

func main() {
	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	if err := buildRoot().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func buildRoot() *cobra.Command {
	root := &cobra.Command{
		Use:           "qtask",
		Short:         "Inspect and serve a qtask queue",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&flagURI, "uri", "sqlite://qtask.db", "backend URI (redis://, postgres:// or sqlite://)")
	root.PersistentFlags().StringVar(&flagNamespace, "namespace", "qtask", "queue namespace")
	root.PersistentFlags().StringVar(&flagFormat, "format", "table", "output format: table or json")
	root.PersistentFlags().IntVar(&flagLimit, "limit", 20, "maximum records to show")

	root.AddCommand(statsCmd(), tasksCmd(), doingCmd(), searchCmd(), healthCmd(), exportCmd(), addCmd(), requeueCmd(), serveCmd())
	return root
}

func openQueue(ctx context.Context) (*queue.TaskQueue, error) {
	return queue.Open(ctx, queue.Config{Namespace: flagNamespace, URI: flagURI})
}

func statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show per-status task counts",
		RunE: func(cmd *cobra.Command, args []string) error {
			q, err := openQueue(cmd.Context())
			if err != nil {
				return err
			}
			defer q.Close()
			report := query.New(q).QueueStats(cmd.Context())
			if report.Err != "" {
				return fmt.Errorf("stats: %s", report.Err)
			}
			if flagFormat == "json" {
				return printJSON(report)
			}
			w := newTable()
			fmt.Fprintf(w, "NAMESPACE\tTODO\tDOING\tDONE\tERROR\tTOTAL\n")
			fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%d\t%d\n", report.Namespace, report.Todo, report.Doing, report.Done, report.Error, report.Total)
			return w.Flush()
		},
	}
}

func tasksCmd() *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "tasks",
		Short: "List tasks in one status",
		RunE: func(cmd *cobra.Command, args []string) error {
			q, err := openQueue(cmd.Context())
			if err != nil {
				return err
			}
			defer q.Close()
			records, err := query.New(q).TasksByStatus(cmd.Context(), task.Status(status), flagLimit)
			if err != nil {
				return err
			}
			return printRecords(records)
		},
	}
	cmd.Flags().StringVar(&status, "status", "todo", "status to list: todo, doing, done or error")
	return cmd
}

func doingCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doing",
		Short: "List in-flight tasks with elapsed execution time",
		RunE: func(cmd *cobra.Command, args []string) error {
			q, err := openQueue(cmd.Context())
			if err != nil {
				return err
			}
			defer q.Close()
			doing, err := query.New(q).DoingWithDuration(cmd.Context())
			if err != nil {
				return err
			}
			if flagFormat == "json" {
				return printJSON(doing)
			}
			w := newTable()
			fmt.Fprintf(w, "TASK ID\tTYPE\tWORKER\tELAPSED\n")
			for _, d := range doing {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", d.TaskID, d.TaskType, d.WorkerID, d.Elapsed.Round(time.Millisecond))
			}
			return w.Flush()
		},
	}
}

func searchCmd() *cobra.Command {
	var (
		taskType string
		status   string
		after    string
		before   string
	)
	cmd := &cobra.Command{
		Use:   "search",
		Short: "Search tasks by type, status and creation window",
		RunE: func(cmd *cobra.Command, args []string) error {
			q, err := openQueue(cmd.Context())
			if err != nil {
				return err
			}
			defer q.Close()
			filters := query.Filters{TaskType: taskType, Status: task.Status(status), Limit: flagLimit}
			if after != "" {
				t, err := time.Parse(time.RFC3339, after)
				if err != nil {
					return fmt.Errorf("invalid --after: %w", err)
				}
				filters.CreatedAfter = t
			}
			if before != "" {
				t, err := time.Parse(time.RFC3339, before)
				if err != nil {
					return fmt.Errorf("invalid --before: %w", err)
				}
				filters.CreatedBefore = t
			}
			records, err := query.New(q).Search(cmd.Context(), filters)
			if err != nil {
				return err
			}
			return printRecords(records)
		},
	}
	cmd.Flags().StringVar(&taskType, "type", "", "filter by task type")
	cmd.Flags().StringVar(&status, "status", "", "filter by status")
	cmd.Flags().StringVar(&after, "after", "", "created after (RFC3339)")
	cmd.Flags().StringVar(&before, "before", "", "created before (RFC3339)")
	return cmd
}

func healthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Report queue health",
		RunE: func(cmd *cobra.Command, args []string) error {
			q, err := openQueue(cmd.Context())
			if err != nil {
				return err
			}
			defer q.Close()
			report := query.New(q).Health(cmd.Context())
			if flagFormat == "json" {
				if err := printJSON(report); err != nil {
					return err
				}
			} else {
				state := "healthy"
				if !report.IsHealthy {
					state = "UNHEALTHY"
				}
				fmt.Printf("%s (%s): %s\n", report.Namespace, report.Timestamp.Format(time.RFC3339), state)
				for _, warn := range report.Warnings {
					fmt.Println("  -", warn)
				}
			}
			if !report.IsHealthy {
				os.Exit(1)
			}
			return nil
		},
	}
}

func exportCmd() *cobra.Command {
	var (
		status string
		format string
		out    string
	)
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export tasks to a json or csv file",
		RunE: func(cmd *cobra.Command, args []string) error {
			q, err := openQueue(cmd.Context())
			if err != nil {
				return err
			}
			defer q.Close()
			path, err := query.New(q).Export(cmd.Context(), task.Status(status), format, out)
			if err != nil {
				return err
			}
			fmt.Println("exported to", path)
			return nil
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "export only one status (default all)")
	cmd.Flags().StringVar(&format, "export-format", "json", "export format: json or csv")
	cmd.Flags().StringVar(&out, "out", "", "output path (default derived from timestamp)")
	return cmd
}

func addCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "add <type> [key=value ...]",
		Short: "Enqueue one task",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			params := make(map[string]any)
			for _, kv := range args[1:] {
				key, value, ok := strings.Cut(kv, "=")
				if !ok {
					return fmt.Errorf("invalid param %q, want key=value", kv)
				}
				if n, err := strconv.ParseFloat(value, 64); err == nil {
					params[key] = n
				} else {
					params[key] = value
				}
			}
			q, err := openQueue(cmd.Context())
			if err != nil {
				return err
			}
			defer q.Close()
			rec := task.New(args[0], params)
			if err := q.AddTask(cmd.Context(), rec); err != nil {
				return err
			}
			fmt.Println(rec.TaskID)
			return nil
		},
	}
	return cmd
}

func requeueCmd() *cobra.Command {
	var older time.Duration
	cmd := &cobra.Command{
		Use:   "requeue [task-id]",
		Short: "Requeue one doing task, or all claimed longer than --older ago",
		RunE: func(cmd *cobra.Command, args []string) error {
			q, err := openQueue(cmd.Context())
			if err != nil {
				return err
			}
			defer q.Close()
			if len(args) > 0 {
				if err := q.RequeueTask(cmd.Context(), args[0]); err != nil {
					return err
				}
				fmt.Println("requeued", args[0])
				return nil
			}
			n, err := q.RequeueTimedOut(cmd.Context(), older)
			if err != nil {
				return err
			}
			fmt.Printf("requeued %d tasks\n", n)
			return nil
		},
	}
	cmd.Flags().DurationVar(&older, "older", 30*time.Minute, "requeue doing tasks claimed longer than this ago")
	return cmd
}

func serveCmd() *cobra.Command {
	var (
		addr       string
		reapOlder  time.Duration
		reapEvery  time.Duration
		enableReap bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the queue inspection API over HTTP",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			q, err := openQueue(ctx)
			if err != nil {
				return err
			}
			defer q.Close()

			if enableReap {
				svc := &reaper.Service{Queue: q, Older: reapOlder, Every: reapEvery}
				go svc.Run(ctx)
			}

			srv := &http.Server{Addr: addr, Handler: api.NewServer(q)}
			go func() {
				log.Info().Str("addr", addr).Str("namespace", flagNamespace).Msg("HTTP server starting")
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					log.Fatal().Err(err).Msg("http server")
				}
			}()

			c := make(chan os.Signal, 1)
			signal.Notify(c, os.Interrupt, syscall.SIGTERM)
			select {
			case <-c:
			case <-ctx.Done():
			}
			log.Info().Msg("shutting down")
			cancel()
			shutdownCtx, cancelTimeout := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancelTimeout()
			return srv.Shutdown(shutdownCtx)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", ":8080", "HTTP bind address")
	cmd.Flags().BoolVar(&enableReap, "reap", false, "requeue stuck doing tasks periodically")
	cmd.Flags().DurationVar(&reapOlder, "reap-older", 30*time.Minute, "claim age before a doing task is requeued")
	cmd.Flags().DurationVar(&reapEvery, "reap-every", time.Minute, "reap check interval")
	return cmd
}

func printRecords(records []*task.Record) error {
	if flagFormat == "json" {
		if records == nil {
			records = []*task.Record{}
		}
		return printJSON(records)
	}
	w := newTable()
	fmt.Fprintf(w, "TASK ID\tTYPE\tSTATUS\tCREATED\tWORKER\tERROR\n")
	for _, rec := range records {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			rec.TaskID, rec.TaskType, rec.Status, rec.CreatedAt.Format(time.RFC3339), rec.WorkerID, rec.ErrorInfo)
	}
	return w.Flush()
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newTable() *tabwriter.Writer {
	return tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
}
