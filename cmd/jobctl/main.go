// Command jobctl inspects and controls notejobs tasks.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/UniQw/notejobs"
	"github.com/UniQw/notejobs/internal/app"
	"github.com/UniQw/notejobs/internal/config"
)

var version = "dev"

const usageText = `jobctl - inspect and control notejobs tasks

Usage:
  jobctl [-config file] [-json] <command> [args]

Commands:
  tasks                       Registry view of every task
  queues                      Queue counters
  list <task> [state]         Jobs of a task (default state: active)
  trigger <task>              Enqueue one run now
  cancel <task> <id>          Cancel a queued job
  retry <task> <id>           Requeue a failed job
  delete <task> <id>          Delete a job in any state
  schedule <task> <cron>      Set the recurring schedule
  unschedule <task>           Remove the recurring schedule

Rebuild:
  rebuild [-force] [-incremental]
  stop                        Stop the running rebuild
  resume                      Resume from the last checkpoint
  retry-failed                Re-run only failed notes
  progress                    Show the rebuild snapshot
  failed                      List failed note ids

  version                     Print version
`

type cli struct {
	out    io.Writer
	json   bool
	client *notejobs.Client
	jobs   *app.Jobs
	reg    *notejobs.Registry
}

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "jobctl: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("jobctl", flag.ContinueOnError)
	fs.Usage = func() { fmt.Fprint(fs.Output(), usageText) }
	configPath := fs.String("config", os.Getenv("NOTEJOBS_CONFIG"), "path to config.yaml")
	asJSON := fs.Bool("json", false, "print JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}
	rest := fs.Args()
	if len(rest) == 0 || rest[0] == "help" {
		fmt.Fprint(out, usageText)
		return nil
	}
	if rest[0] == "version" {
		fmt.Fprintln(out, version)
		return nil
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.Open(ctx, cfg, app.Options{Logger: app.NewLogger(os.Stderr, cfg.Log.Level), Version: version})
	if err != nil {
		return err
	}
	defer a.Close()

	// no server: this process never runs workers
	backend := notejobs.NewRedisBackend(a.Client, nil)
	jobs, err := a.BuildJobs(ctx, backend)
	if err != nil {
		return err
	}
	c := &cli{
		out:    out,
		json:   *asJSON,
		client: a.Client,
		jobs:   jobs,
		reg:    jobs.Registry(backend, a.Logger("registry")),
	}
	return c.dispatch(ctx, rest[0], rest[1:])
}

func (c *cli) dispatch(ctx context.Context, cmd string, args []string) error {
	switch cmd {
	case "tasks":
		return c.tasks(ctx)
	case "queues":
		return c.queues(ctx)
	case "list":
		return c.list(ctx, args)
	case "trigger":
		return c.trigger(ctx, args)
	case "cancel", "retry", "delete":
		return c.jobOp(ctx, cmd, args)
	case "schedule":
		if len(args) != 2 {
			return errors.New("usage: schedule <task> <cron>")
		}
		if _, err := c.runner(args[0]); err != nil {
			return err
		}
		return c.client.Schedule(ctx, args[0], args[1])
	case "unschedule":
		if len(args) != 1 {
			return errors.New("usage: unschedule <task>")
		}
		if _, err := c.runner(args[0]); err != nil {
			return err
		}
		return c.client.Unschedule(ctx, args[0])
	case "rebuild", "stop", "resume", "retry-failed", "progress", "failed":
		return c.rebuild(ctx, cmd, args)
	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func (c *cli) runner(name string) (*notejobs.Runner, error) {
	r, ok := c.jobs.Runners()[name]
	if !ok {
		return nil, fmt.Errorf("unknown task %q", name)
	}
	return r, nil
}

func (c *cli) tasks(ctx context.Context) error {
	infos := c.reg.AllTasksInfo(ctx)
	if c.json {
		return c.printJSON(infos)
	}
	tw := tabwriter.NewWriter(c.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tSCHEDULE\tRUNNING\tSUCCESS\tLAST RUN")
	for _, t := range infos {
		fmt.Fprintf(tw, "%s\t%s\t%t\t%t\t%s\n", t.Name, t.Schedule, t.IsRunning, t.IsSuccess, fmtTime(t.LastRun))
	}
	return tw.Flush()
}

func (c *cli) queues(ctx context.Context) error {
	qs, err := c.client.ListQueues(ctx)
	if err != nil {
		return err
	}
	if c.json {
		return c.printJSON(qs)
	}
	tw := tabwriter.NewWriter(c.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "QUEUE\tCREATED\tACTIVE\tRETRY\tCOMPLETED\tFAILED\tCANCELLED\tLAST STATE\tLAST STARTED")
	for _, q := range qs {
		fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%d\t%d\t%d\t%s\t%s\n",
			q.Name, q.Created, q.Active, q.Retry, q.Completed, q.Failed, q.Cancelled, q.LastState, fmtTime(q.LastStartedAt))
	}
	return tw.Flush()
}

func (c *cli) list(ctx context.Context, args []string) error {
	if len(args) < 1 || len(args) > 2 {
		return errors.New("usage: list <task> [state]")
	}
	state := notejobs.StateActive
	if len(args) == 2 {
		state = notejobs.State(strings.ToLower(args[1]))
	}
	jobs, err := c.client.ListJobs(ctx, args[0], state, nil)
	if err != nil {
		return err
	}
	if c.json {
		return c.printJSON(jobs)
	}
	tw := tabwriter.NewWriter(c.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATE\tRETRY\tPROGRESS\tCREATED\tLAST ERROR")
	for _, j := range jobs {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d%%\t%s\t%s\n",
			j.ID, j.State, j.Retry, j.Progress, fmtTime(time.UnixMilli(j.CreatedAt)), j.LastError)
	}
	return tw.Flush()
}

func (c *cli) trigger(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return errors.New("usage: trigger <task>")
	}
	r, err := c.runner(args[0])
	if err != nil {
		return err
	}
	id, err := r.TriggerNow(ctx, nil)
	if errors.Is(err, notejobs.ErrDuplicateTask) {
		fmt.Fprintf(c.out, "%s already queued\n", args[0])
		return nil
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(c.out, "queued %s id=%s\n", args[0], id)
	return nil
}

func (c *cli) jobOp(ctx context.Context, op string, args []string) error {
	if len(args) != 2 {
		return fmt.Errorf("usage: %s <task> <id>", op)
	}
	var err error
	switch op {
	case "cancel":
		err = c.client.Cancel(ctx, args[0], args[1])
	case "retry":
		err = c.client.RetryFailed(ctx, args[0], args[1])
	case "delete":
		err = c.client.DeleteJob(ctx, args[0], args[1])
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(c.out, "%s %s/%s ok\n", op, args[0], args[1])
	return nil
}

func (c *cli) rebuild(ctx context.Context, cmd string, args []string) error {
	job := c.jobs.Rebuild
	if job == nil {
		return app.ErrNoRebuild
	}
	var (
		ok  bool
		err error
	)
	switch cmd {
	case "rebuild":
		fs := flag.NewFlagSet("rebuild", flag.ContinueOnError)
		force := fs.Bool("force", false, "stop a running rebuild first")
		incremental := fs.Bool("incremental", false, "keep existing progress")
		if err := fs.Parse(args); err != nil {
			return err
		}
		ok, err = job.ForceRebuild(ctx, *force, *incremental)
	case "stop":
		ok, err = job.StopRebuild(ctx)
	case "resume":
		ok, err = job.ResumeRebuild(ctx)
	case "retry-failed":
		ok, err = job.RetryFailedNotes(ctx)
	case "progress":
		snap, err := job.GetProgress(ctx)
		if err != nil {
			return err
		}
		if snap == nil {
			fmt.Fprintln(c.out, "no rebuild recorded")
			return nil
		}
		if c.json {
			return c.printJSON(snap)
		}
		fmt.Fprintf(c.out, "running=%t incremental=%t %d/%d (%d%%) failed=%d skipped=%d updated=%s\n",
			snap.IsRunning, snap.IsIncremental, snap.Current, snap.Total, snap.Percentage,
			len(snap.FailedNoteIDs), len(snap.SkippedNoteIDs), fmtTime(snap.LastUpdate))
		return nil
	case "failed":
		ids, err := job.GetFailedNotes(ctx)
		if err != nil {
			return err
		}
		if c.json {
			return c.printJSON(ids)
		}
		for _, id := range ids {
			fmt.Fprintln(c.out, id)
		}
		return nil
	}
	if err != nil {
		return err
	}
	if c.json {
		return c.printJSON(map[string]bool{"success": ok})
	}
	fmt.Fprintf(c.out, "%s: %t\n", cmd, ok)
	return nil
}

func (c *cli) printJSON(v any) error {
	enc := json.NewEncoder(c.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func fmtTime(t time.Time) string {
	if t.IsZero() || t.Unix() == 0 {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}
