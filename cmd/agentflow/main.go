package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kingpin/v2"

	"github.com/kazz187/agentflow/internal/config"
	"github.com/kazz187/agentflow/internal/daemon"
	"github.com/kazz187/agentflow/internal/workflow"
	"github.com/kazz187/agentflow/pkg/clog"
)

var version = "dev"

var (
	app = kingpin.New("agentflow", "Agent task orchestration: priority queue, workflows and worktree isolation")

	runCmd = app.Command("run", "Run the orchestration daemon")

	execCmd  = app.Command("exec", "Execute a workflow definition file once")
	execFile = execCmd.Arg("file", "Workflow definition file").Required().ExistingFile()

	workflowsCmd = app.Command("workflows", "List registered workflow definitions")

	versionCmd = app.Command("version", "Print the version")
)

func main() {
	command := kingpin.MustParse(app.Parse(os.Args[1:]))

	if command == versionCmd.FullCommand() {
		fmt.Println("agentflow", version)
		return
	}

	env, err := config.LoadEnv()
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}
	setupLogger(env)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch command {
	case runCmd.FullCommand():
		runDaemon(ctx, env)
	case execCmd.FullCommand():
		execWorkflow(ctx, env, *execFile)
	case workflowsCmd.FullCommand():
		listWorkflows(env)
	}
}

func setupLogger(env *config.Env) {
	level := env.SlogLevel()
	var handler slog.Handler
	if env.Env == "local" {
		handler = clog.NewTextHandler(os.Stderr, clog.WithLevel(level))
	} else {
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	}
	slog.SetDefault(slog.New(clog.NewAttributesHandler(handler)))
}

func runDaemon(ctx context.Context, env *config.Env) {
	d, err := daemon.New(env)
	if err != nil {
		slog.Error("failed to start daemon", "error", err)
		os.Exit(1)
	}

	if err := d.Start(ctx); err != nil && ctx.Err() == nil {
		slog.Error("daemon exited", "error", err)
		os.Exit(1)
	}
}

func execWorkflow(ctx context.Context, env *config.Env, file string) {
	def, err := workflow.LoadFile(file)
	if err != nil {
		slog.Error("failed to load workflow definition", "file", file, "error", err)
		os.Exit(1)
	}

	d, err := daemon.New(env)
	if err != nil {
		slog.Error("failed to initialize", "error", err)
		os.Exit(1)
	}

	result := d.Execute(ctx, def)
	fmt.Printf("workflow %s: %s (%s)\n", result.WorkflowID, result.Status, result.CompletedAt.Sub(result.StartedAt))
	for _, step := range result.StepResults {
		fmt.Printf("  step %s: %s\n", step.StepID, step.Status)
	}
	if result.Status != workflow.StatusCompleted {
		if result.Err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", result.Err)
		}
		os.Exit(1)
	}
}

func listWorkflows(env *config.Env) {
	defs, err := workflow.LoadDir(env.WorkflowEnv.DefsDir)
	if err != nil {
		slog.Error("failed to load workflow definitions", "dir", env.WorkflowEnv.DefsDir, "error", err)
		os.Exit(1)
	}
	if len(defs) == 0 {
		fmt.Println("no workflow definitions registered")
		return
	}
	for _, def := range defs {
		timeout := "none"
		if def.Timeout > 0 {
			timeout = def.Timeout.String()
		}
		fmt.Printf("%s\t%s\ttimeout=%s\n", def.ID, def.Name, timeout)
	}
}
