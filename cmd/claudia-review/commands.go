package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"text/tabwriter"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/hochfrequenz/claudia-review/internal/config"
	"github.com/hochfrequenz/claudia-review/internal/domain"
	"github.com/hochfrequenz/claudia-review/internal/ingest"
	"github.com/hochfrequenz/claudia-review/internal/maintenance"
	"github.com/hochfrequenz/claudia-review/internal/notify"
	"github.com/hochfrequenz/claudia-review/internal/orchestrator"
	"github.com/hochfrequenz/claudia-review/internal/prompts"
	"github.com/hochfrequenz/claudia-review/internal/session"
	slackclient "github.com/hochfrequenz/claudia-review/internal/slack"
	"github.com/hochfrequenz/claudia-review/internal/taskstore"
	"github.com/hochfrequenz/claudia-review/tui"
	"github.com/hochfrequenz/claudia-review/web/api"
)

var (
	listStatus   string
	listSelected bool
	servePort    int
)

func init() {
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run ingestion, orchestration and the web API",
		RunE:  runServe,
	}
	serveCmd.Flags().IntVar(&servePort, "port", 0, "web API port (overrides config)")
	rootCmd.AddCommand(serveCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show task counts",
		RunE:  runStatus,
	}
	rootCmd.AddCommand(statusCmd)

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List review tasks",
		RunE:  runList,
	}
	listCmd.Flags().StringVar(&listStatus, "status", "", "filter by status")
	listCmd.Flags().BoolVar(&listSelected, "selected", false, "only selected posts")
	rootCmd.AddCommand(listCmd)

	startCmd := &cobra.Command{
		Use:   "start TASK_ID",
		Short: "Start a review session for a pending task",
		Args:  cobra.ExactArgs(1),
		RunE:  runStart,
	}
	rootCmd.AddCommand(startCmd)

	cancelCmd := &cobra.Command{
		Use:   "cancel TASK_ID",
		Short: "Cancel a pending or running task",
		Args:  cobra.ExactArgs(1),
		RunE:  runCancel,
	}
	rootCmd.AddCommand(cancelCmd)

	deleteCmd := &cobra.Command{
		Use:   "delete TASK_ID",
		Short: "Delete a task that is not running",
		Args:  cobra.ExactArgs(1),
		RunE:  runDelete,
	}
	rootCmd.AddCommand(deleteCmd)

	outputCmd := &cobra.Command{
		Use:   "output TASK_ID",
		Short: "Print the session output of a task",
		Args:  cobra.ExactArgs(1),
		RunE:  runOutput,
	}
	rootCmd.AddCommand(outputCmd)

	ingestCmd := &cobra.Command{
		Use:   "ingest",
		Short: "Scan Slack channels once and create tasks",
		RunE:  runIngest,
	}
	rootCmd.AddCommand(ingestCmd)

	tuiCmd := &cobra.Command{
		Use:   "tui",
		Short: "Launch the terminal dashboard",
		RunE:  runTUI,
	}
	rootCmd.AddCommand(tuiCmd)
}

func loadConfig() (*config.Config, error) {
	path := configPath
	if path == "" {
		path = config.DefaultConfigPath()
	}
	return config.Load(path)
}

func openStore(cfg *config.Config) (*taskstore.Store, error) {
	if dir := filepath.Dir(cfg.General.DatabasePath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	return taskstore.New(cfg.General.DatabasePath)
}

// buildOrchestrator wires the tmux driver and prompt loader into an
// orchestrator. CLI commands reuse it ad hoc; the tmux sessions are shared
// system state, so a one-shot command sees the same sessions the daemon does.
func buildOrchestrator(cfg *config.Config, store *taskstore.Store, logger *log.Logger) (*orchestrator.Orchestrator, *session.TmuxDriver, error) {
	driver, err := session.NewTmuxDriver(session.TmuxConfig{
		Executable: cfg.Claude.ExecutablePath,
		WorkingDir: cfg.Claude.WorkingDirectory,
		StateDir:   cfg.Claude.SessionStateDir,
	})
	if err != nil {
		return nil, nil, err
	}

	loader := prompts.GetDefaultLoader()
	prompt := func(pr domain.PullRequestRef) string {
		cmd, err := loader.BuildReviewCommand(prompts.ReviewData{
			CustomCommand: cfg.Claude.CustomCommand,
			PRURL:         pr.URL,
		})
		if err != nil {
			logger.Printf("prompt template failed, using plain command: %v", err)
			return cfg.Claude.CustomCommand + " " + pr.URL
		}
		return cmd
	}

	orch := orchestrator.New(store, driver, orchestrator.Config{
		MaxParallel:       cfg.Claude.MaxParallelSessions,
		SessionTimeout:    cfg.SessionTimeout(),
		AdmitInterval:     cfg.AdmitInterval(),
		ReconcileInterval: cfg.ReconcileInterval(),
		Prompt:            prompt,
	}, logger)

	var notifiers []notify.Notifier
	notifiers = append(notifiers, notify.NewDesktopNotifier(cfg.Notifications.Desktop))
	if cfg.Notifications.SlackWebhook != "" {
		notifiers = append(notifiers, notify.NewSlackNotifier(cfg.Notifications.SlackWebhook))
	}
	orch.SetNotifier(notify.NewMultiNotifier(notifiers...))

	return orch, driver, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := log.Default()

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	orch, driver, err := buildOrchestrator(cfg, store, logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Re-adopt sessions that survived a restart before admitting new work
	if err := orch.Rebuild(ctx); err != nil {
		return fmt.Errorf("rebuilding session ledger: %w", err)
	}

	source := slackclient.New(cfg.Slack.BotToken, cfg.Slack.ChannelIDs, cfg.Slack.ReminderReactions, logger)
	pipeline := ingest.New(source, store, logger)

	sweeper, err := maintenance.New(store, driver, cfg.General.RetentionDays, cfg.General.SweepCron, logger)
	if err != nil {
		return err
	}

	port := cfg.Web.Port
	if servePort != 0 {
		port = servePort
	}
	addr := fmt.Sprintf("%s:%d", cfg.Web.Host, port)
	server := api.NewServer(store, orch, prompts.GetDefaultLoader(), addr, logger)
	orch.SetOnTaskChange(func(task *domain.Task) {
		server.Broadcast(api.TaskEvent(task))
	})

	// Settings edits take effect without a restart
	cfgPath := configPath
	if cfgPath == "" {
		cfgPath = config.DefaultConfigPath()
	}
	watcher, err := config.NewWatcher(cfgPath, func(c *config.Config) {
		orch.SetMaxParallel(c.Claude.MaxParallelSessions)
		orch.SetSessionTimeout(c.SessionTimeout())
	}, logger)
	if err != nil {
		logger.Printf("config watcher unavailable: %v", err)
	} else {
		defer watcher.Close()
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { orch.Run(ctx); return nil })
	g.Go(func() error { pipeline.Run(ctx, cfg.IngestInterval()); return nil })
	g.Go(func() error { sweeper.Run(ctx); return nil })
	g.Go(func() error { return server.Start(ctx) })

	logger.Printf("claudia-review serving on %s (max %d parallel sessions)", addr, cfg.Claude.MaxParallelSessions)
	return g.Wait()
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	tasks, err := store.List(taskstore.ListOptions{})
	if err != nil {
		return err
	}

	counts := map[domain.ReviewStatus]int{}
	for _, t := range tasks {
		counts[t.Status]++
	}

	fmt.Printf("Tasks: %d total | %d pending | %d running | %d completed | %d failed | %d cancelled\n",
		len(tasks),
		counts[domain.StatusPending],
		counts[domain.StatusRunning],
		counts[domain.StatusCompleted],
		counts[domain.StatusFailed],
		counts[domain.StatusCancelled])
	return nil
}

func runList(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	opts := taskstore.ListOptions{SelectedOnly: listSelected}
	if listStatus != "" {
		status := domain.ReviewStatus(listStatus)
		if !domain.ValidStatus(status) {
			return fmt.Errorf("unknown status %q", listStatus)
		}
		opts.Status = status
	}

	tasks, err := store.List(opts)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATUS\tPULL REQUEST\tAUTHOR\tAGE")
	for _, t := range tasks {
		pr := "-"
		if t.PR != nil {
			pr = t.PR.String()
		}
		author := t.AuthorName
		if author == "" {
			author = "-"
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\n",
			t.ID, t.Status, pr, author, humanize.Time(t.CreatedAt))
	}
	return w.Flush()
}

func parseTaskID(arg string) (int64, error) {
	id, err := strconv.ParseInt(arg, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid task id %q", arg)
	}
	return id, nil
}

func withOrchestrator(fn func(ctx context.Context, orch *orchestrator.Orchestrator, id int64) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		id, err := parseTaskID(args[0])
		if err != nil {
			return err
		}

		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		store, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer store.Close()

		orch, _, err := buildOrchestrator(cfg, store, log.Default())
		if err != nil {
			return err
		}
		if err := orch.Rebuild(cmd.Context()); err != nil {
			return err
		}

		return fn(cmd.Context(), orch, id)
	}
}

func runStart(cmd *cobra.Command, args []string) error {
	return withOrchestrator(func(ctx context.Context, orch *orchestrator.Orchestrator, id int64) error {
		if _, err := orch.StartReview(ctx, id); err != nil {
			return err
		}
		fmt.Printf("Started review for task #%d\n", id)
		return nil
	})(cmd, args)
}

func runCancel(cmd *cobra.Command, args []string) error {
	return withOrchestrator(func(ctx context.Context, orch *orchestrator.Orchestrator, id int64) error {
		if _, err := orch.Cancel(ctx, id); err != nil {
			return err
		}
		fmt.Printf("Cancelled task #%d\n", id)
		return nil
	})(cmd, args)
}

func runDelete(cmd *cobra.Command, args []string) error {
	return withOrchestrator(func(ctx context.Context, orch *orchestrator.Orchestrator, id int64) error {
		if err := orch.Delete(ctx, id); err != nil {
			return err
		}
		fmt.Printf("Deleted task #%d\n", id)
		return nil
	})(cmd, args)
}

func runOutput(cmd *cobra.Command, args []string) error {
	return withOrchestrator(func(ctx context.Context, orch *orchestrator.Orchestrator, id int64) error {
		output, err := orch.TaskOutput(ctx, id)
		if err != nil {
			return err
		}
		fmt.Print(output)
		return nil
	})(cmd, args)
}

func runIngest(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Slack.BotToken == "" {
		return fmt.Errorf("slack bot_token not configured")
	}

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	logger := log.Default()
	source := slackclient.New(cfg.Slack.BotToken, cfg.Slack.ChannelIDs, cfg.Slack.ReminderReactions, logger)
	pipeline := ingest.New(source, store, logger)

	result, err := pipeline.Ingest(cmd.Context())
	if err != nil {
		return err
	}

	fmt.Printf("Created %d tasks (%d already known, %d posts skipped)\n",
		len(result.Created), result.Duplicates, result.Skipped)
	return nil
}

func runTUI(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	orch, _, err := buildOrchestrator(cfg, store, log.New(os.Stderr, "", 0))
	if err != nil {
		return err
	}
	if err := orch.Rebuild(cmd.Context()); err != nil {
		return err
	}

	p := tea.NewProgram(tui.NewModel(store, orch), tea.WithAltScreen())
	_, err = p.Run()
	return err
}
