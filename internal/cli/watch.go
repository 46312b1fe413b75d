package cli

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/muandane/special-stack/pagekit/internal/cache"
	"github.com/muandane/special-stack/pagekit/internal/config"
	"github.com/muandane/special-stack/pagekit/internal/refresh"
)

func newWatchCmd(e *env) *cobra.Command {
	var (
		tasksPath string
		polling   bool
	)

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Poll the endpoints of a task file until interrupted",
		Long: `Registers one refresh task per entry of the YAML task file and polls each
on its interval. Commands read from stdin while running:

  <empty line>   refresh every enabled task
  refresh ID     refresh one task (debounced)
  enable ID      enable a task
  disable ID     disable a task
  hide | show    toggle visibility; showing refreshes all tasks
  list           print the registered tasks`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			file, err := config.LoadTaskFile(tasksPath)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			c := e.newRequestCache()
			o := refresh.New(
				refresh.WithMaxConcurrentTasks(file.MaxConcurrent),
				refresh.WithPolling(polling),
				refresh.WithLogger(e.logger),
			)
			defer o.Close()

			for _, t := range file.Tasks {
				if err := registerTask(o, c, t, cmd.OutOrStdout()); err != nil {
					return err
				}
			}
			e.logger.Info("watching tasks", "count", len(file.Tasks), "file", tasksPath)

			go readCommands(ctx, cmd.InOrStdin(), o, cmd.OutOrStdout())
			<-ctx.Done()
			return nil
		},
	}

	cmd.Flags().StringVarP(&tasksPath, "tasks", "t", "tasks.yaml", "YAML task file")
	cmd.Flags().BoolVar(&polling, "polling", true, "Poll tasks on their interval")

	return cmd
}

func registerTask(o *refresh.Orchestrator, c *cache.Cache, t config.TaskConfig, out io.Writer) error {
	interval, err := t.IntervalDuration()
	if err != nil {
		return err
	}
	debounce, err := t.DebounceDuration()
	if err != nil {
		return err
	}

	var opts []refresh.TaskOption
	if interval > 0 {
		opts = append(opts, refresh.Interval(interval))
	}
	if debounce > 0 {
		opts = append(opts, refresh.Debounce(debounce))
	}
	if !t.IsEnabled() {
		opts = append(opts, refresh.Disabled())
	}

	id, url, method := t.ID, t.URL, t.HTTPMethod()
	callback := func(ctx context.Context) error {
		raw, err := c.Do(ctx, url, cache.Request{Method: method}, cache.WithForceRefresh(), cache.WithDebounce(false))
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "%s\t%d bytes\n", id, len(raw))
		return nil
	}
	return o.AddTask(id, callback, opts...)
}

// readCommands drives the orchestrator from line-oriented input until ctx
// ends or input is exhausted.
func readCommands(ctx context.Context, in io.Reader, o *refresh.Orchestrator, out io.Writer) {
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		if err := runCommand(o, scanner.Text(), out); err != nil {
			fmt.Fprintln(out, "error:", err)
		}
	}
}

func runCommand(o *refresh.Orchestrator, line string, out io.Writer) error {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		o.RefreshAllTasks()
		return nil
	}

	arg := func() (string, error) {
		if len(fields) < 2 {
			return "", fmt.Errorf("%s needs a task id", fields[0])
		}
		return fields[1], nil
	}

	switch fields[0] {
	case "refresh":
		id, err := arg()
		if err != nil {
			return err
		}
		return o.RefreshTask(id)
	case "enable":
		id, err := arg()
		if err != nil {
			return err
		}
		return o.EnableTask(id)
	case "disable":
		id, err := arg()
		if err != nil {
			return err
		}
		return o.DisableTask(id)
	case "hide":
		o.SetVisible(false)
	case "show":
		o.SetVisible(true)
	case "list":
		for _, t := range o.Tasks() {
			fmt.Fprintf(out, "%s\tenabled=%t\trunning=%t\tinterval=%s\tlast=%s\n",
				t.ID, t.Enabled, t.Running, t.Interval, t.LastExecutedAt.Format("15:04:05"))
		}
	default:
		return fmt.Errorf("unknown command %q", fields[0])
	}
	return nil
}
