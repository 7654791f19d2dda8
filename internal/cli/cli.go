package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ignatij/stepflow/internal/config"
	"github.com/ignatij/stepflow/internal/devices"
	internal_http "github.com/ignatij/stepflow/internal/http"
	"github.com/ignatij/stepflow/internal/log"
	"github.com/ignatij/stepflow/internal/plan"
	internal_storage "github.com/ignatij/stepflow/internal/storage"
	"github.com/ignatij/stepflow/pkg/locking"
	"github.com/ignatij/stepflow/pkg/models"
	"github.com/ignatij/stepflow/pkg/service"
	"github.com/ignatij/stepflow/pkg/storage"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
)

func SetupCLI(rootCmd *cobra.Command) {
	rootCmd.PersistentFlags().String("db", "", "Database connection string (optional if DB_* env vars are set)")
	rootCmd.PersistentFlags().String("redis", "", "Redis address of the lock service (default: in-process locks)")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Recover orphaned workflows and serve the HTTP API, including plan submission",
		Run: func(cmd *cobra.Command, args []string) {
			cfg := loadConfig(cmd)
			if port, _ := cmd.Flags().GetString("port"); port != "" {
				cfg.HTTPPort = port
			}
			store := initStore(cfg)
			defer store.Close()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			reg := prometheus.NewRegistry()
			reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
			engine := newEngine(ctx, cfg, store, service.WithRegisterer(reg))
			defer engine.Stop()

			recoverOrphans(ctx, engine)
			go func() {
				<-ctx.Done()
				log.GetLogger().Infof("Shutting down")
				os.Exit(0)
			}()
			if err := internal_http.StartServer(cfg.HTTPPort, engine, reg); err != nil {
				log.GetLogger().Errorf("Server failed: %v", err)
				os.Exit(1)
			}
		},
	}
	serveCmd.Flags().String("port", "", "HTTP port (default: HTTP_PORT or 8080)")

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List workflows",
		Run: func(cmd *cobra.Command, args []string) {
			cfg := loadConfig(cmd)
			log.GetLogger().Debugf("Running list with db: %s", cfg.DBConnStr)
			store := initStore(cfg)
			defer store.Close()
			raw, _ := cmd.Flags().GetStringSlice("status")
			var statuses []models.WorkflowStatus
			for _, s := range raw {
				statuses = append(statuses, models.WorkflowStatus(strings.ToUpper(s)))
			}
			listWorkflows(store, statuses)
		},
	}
	listCmd.Flags().StringSlice("status", nil, "Only list workflows in these statuses")

	showCmd := &cobra.Command{
		Use:   "show [workflow-id]",
		Short: "Show a workflow with its steps and execution log",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			store := initStore(loadConfig(cmd))
			defer store.Close()
			showWorkflow(store, args[0])
		},
	}

	tasksCmd := &cobra.Command{
		Use:   "tasks [task-id]",
		Short: "Show the task records of a task",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			store := initStore(loadConfig(cmd))
			defer store.Close()
			showTask(store, args[0])
		},
	}

	runCmd := &cobra.Command{
		Use:   "run [plan.yaml]",
		Short: "Execute a plan file against the simulated storage array",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			cfg := loadConfig(cmd)
			f, err := plan.Load(args[0])
			if err != nil {
				log.GetLogger().Errorf("Failed to load plan: %v", err)
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			var store storage.Store
			if inMemory, _ := cmd.Flags().GetBool("memory"); inMemory {
				store = storage.NewMemoryStore()
			} else {
				store = initStore(cfg)
			}
			defer store.Close()

			timeout, _ := cmd.Flags().GetDuration("timeout")
			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()
			engine := newEngine(ctx, cfg, store)
			defer engine.Stop()
			runPlan(ctx, engine, store, f)
		},
	}
	runCmd.Flags().Bool("memory", false, "Keep workflow state in memory instead of Postgres")
	runCmd.Flags().Duration("timeout", 5*time.Minute, "How long to wait for the workflow to finish")

	recoverCmd := &cobra.Command{
		Use:   "recover",
		Short: "Settle workflows left running by a process that stopped",
		Run: func(cmd *cobra.Command, args []string) {
			cfg := loadConfig(cmd)
			store := initStore(cfg)
			defer store.Close()
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			engine := newEngine(ctx, cfg, store)
			defer engine.Stop()
			recoverOrphans(ctx, engine)
		},
	}

	rootCmd.AddCommand(serveCmd, listCmd, showCmd, tasksCmd, runCmd, recoverCmd)
}

func loadConfig(cmd *cobra.Command) config.Config {
	cfg, err := config.Load()
	if err != nil {
		log.GetLogger().Errorf("Invalid configuration: %v", err)
		os.Exit(1)
	}
	if db, _ := cmd.Flags().GetString("db"); db != "" {
		cfg.DBConnStr = db
	}
	if addr, _ := cmd.Flags().GetString("redis"); addr != "" {
		cfg.RedisAddr = addr
	}
	return cfg
}

func newEngine(ctx context.Context, cfg config.Config, store storage.Store, opts ...service.EngineOption) *service.Engine {
	logger := log.GetLogger()
	locker := initLocker(cfg)
	coordinator := service.NewLockCoordinator(locker, logger, cfg.LockOptions()...)
	opts = append(opts, service.WithWorkers(cfg.Workers), service.WithLockCoordinator(coordinator))
	engine := service.NewEngine(ctx, store, locker, logger, opts...)
	// Compensation during recovery needs the targets too.
	engine.RegisterTarget(devices.ArrayTarget, devices.NewArray())
	return engine
}

func initLocker(cfg config.Config) locking.Locker {
	if cfg.RedisAddr == "" {
		log.GetLogger().Infof("No Redis configured, using in-process locks")
		return locking.NewMemoryLocker()
	}
	client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	if err := client.Ping(context.Background()).Err(); err != nil {
		log.GetLogger().Errorf("Failed to reach Redis at %s: %v", cfg.RedisAddr, err)
		os.Exit(1)
	}
	return locking.NewRedisLocker(client)
}

func initStore(cfg config.Config) *internal_storage.PostgresStore {
	dbConnStr, err := cfg.ConnString()
	if err != nil {
		log.GetLogger().Errorf("%v", err)
		os.Exit(1)
	}
	store, err := internal_storage.InitStore(dbConnStr)
	if err != nil {
		log.GetLogger().Errorf("Failed to initialize store: %v", err)
		os.Exit(1)
	}
	return store
}

func recoverOrphans(ctx context.Context, engine *service.Engine) {
	n, err := engine.RecoverOrphans(ctx)
	if err != nil {
		log.GetLogger().Errorf("Failed to recover orphaned workflows: %v", err)
		fmt.Fprintf(os.Stderr, "Error: failed to recover orphaned workflows: %v\n", err)
		os.Exit(1)
	}
	fmt.Fprintf(os.Stdout, "Recovered %d orphaned workflow(s)\n", n)
}

func runPlan(ctx context.Context, engine *service.Engine, store storage.Store, f *plan.File) {
	p, err := f.Build()
	if err != nil {
		log.GetLogger().Errorf("Failed to build plan: %v", err)
		fmt.Fprintf(os.Stderr, "Error: failed to build plan: %v\n", err)
		os.Exit(1)
	}
	taskID := p.TaskID()
	if taskID == "" {
		taskID = p.ID()
	}
	completer := service.NewTaskCompleter(store, log.GetLogger(), taskID, f.Resources...)
	wlog := log.WithWorkflow(p.ID())
	wlog.Infof("Running plan '%s' for task %s", f.Name, taskID)
	if err := engine.ExecutePlan(ctx, p, completer, f.SuccessMessage); err != nil {
		if service.IsLockRetry(err) {
			fmt.Fprintf(os.Stderr, "Workflow aborted, resources are busy: %v\n", err)
			os.Exit(2)
		}
		log.GetLogger().Errorf("Failed to execute plan: %v", err)
		fmt.Fprintf(os.Stderr, "Error: failed to execute plan: %v\n", err)
		os.Exit(1)
	}
	wf, err := engine.Wait(ctx, p.ID())
	if err != nil {
		wlog.Errorf("Failed waiting for workflow: %v", err)
		fmt.Fprintf(os.Stderr, "Error: workflow %s did not finish: %v\n", p.ID(), err)
		os.Exit(1)
	}
	printWorkflow(wf)
	if wf.Status != models.SucceededWorkflowStatus {
		os.Exit(1)
	}
}

func listWorkflows(store storage.Store, statuses []models.WorkflowStatus) {
	workflows, err := store.ListWorkflows(statuses...)
	if err != nil {
		log.GetLogger().Errorf("Failed to list workflows: %v", err)
		fmt.Fprintf(os.Stderr, "Error: failed to list workflows: %v\n", err)
		os.Exit(1)
	}
	if len(workflows) == 0 {
		fmt.Fprintf(os.Stdout, "No workflows found.\n")
		return
	}
	fmt.Fprintf(os.Stdout, "Workflows:\n")
	for _, wf := range workflows {
		fmt.Fprintf(os.Stdout, "- ID: %s, Name: %s, Task: %s, Status: %s, Created: %s\n",
			wf.ID, wf.Name, wf.TaskID, wf.Status, wf.CreatedAt.Format(time.RFC3339))
	}
}

func showWorkflow(store storage.Store, id string) {
	wf, err := store.GetWorkflow(id)
	if err != nil {
		log.GetLogger().Errorf("Failed to get workflow: %v", err)
		fmt.Fprintf(os.Stderr, "Error: failed to get workflow %s: %v\n", id, err)
		os.Exit(1)
	}
	printWorkflow(wf)
	logs, err := store.ListExecutionLogs(id)
	if err != nil {
		log.GetLogger().Errorf("Failed to list execution logs: %v", err)
		return
	}
	fmt.Fprintf(os.Stdout, "Log:\n")
	for _, l := range logs {
		fmt.Fprintf(os.Stdout, "  %s %-12s %s %s\n", l.LoggedAt.Format(time.RFC3339), l.Status, l.StepID, l.Message)
	}
}

func showTask(store storage.Store, taskID string) {
	records, err := store.ListTaskRecords(taskID)
	if err != nil {
		log.GetLogger().Errorf("Failed to list task records: %v", err)
		fmt.Fprintf(os.Stderr, "Error: failed to list task records: %v\n", err)
		os.Exit(1)
	}
	if len(records) == 0 {
		fmt.Fprintf(os.Stdout, "No records for task %s.\n", taskID)
		return
	}
	for _, rec := range records {
		inactive := ""
		if rec.Inactive {
			inactive = " (inactive)"
		}
		fmt.Fprintf(os.Stdout, "- Resource: %s, Status: %s%s, Message: %s\n", rec.ResourceID, rec.Status, inactive, rec.Message)
	}
}

func printWorkflow(wf models.Workflow) {
	fmt.Fprintf(os.Stdout, "Workflow %s '%s' (task %s): %s\n", wf.ID, wf.Name, wf.TaskID, wf.Status)
	if wf.Message != "" {
		fmt.Fprintf(os.Stdout, "  Message: %s\n", wf.Message)
	}
	if wf.ErrorMsg != "" {
		fmt.Fprintf(os.Stdout, "  Error: %s\n", wf.ErrorMsg)
	}
	for _, s := range wf.Steps {
		fmt.Fprintf(os.Stdout, "  [%d] %-20s %-12s %s", s.Sequence, s.Name, s.Status, s.Action.Forward)
		if s.ErrorMsg != "" {
			fmt.Fprintf(os.Stdout, " error: %s", s.ErrorMsg)
		}
		fmt.Fprintln(os.Stdout)
	}
}
