// Command takt is the workflow toolbox.
//
// Usage:
//
//	takt validate workflow.yaml         # check a definition and print its stage plan
//	takt history list --workflow greeter
//	takt history show <execution-id>
//	takt version
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/takt-io/takt/config"
	"github.com/takt-io/takt/history"
	"github.com/takt-io/takt/internal/database"
	"github.com/takt-io/takt/workflow"
)

var version = "dev"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "validate":
		runValidate(os.Args[2:])
	case "history":
		runHistory(os.Args[2:])
	case "version":
		fmt.Printf("takt %s\n", version)
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func runValidate(args []string) {
	fs := flag.NewFlagSet("validate", flag.ExitOnError)
	fs.Parse(args)
	if fs.NArg() != 1 {
		fatal("usage: takt validate <workflow.yaml>")
	}

	def, err := workflow.LoadDefinition(fs.Arg(0))
	if err != nil {
		fatal("invalid workflow: %v", err)
	}

	stages, err := workflow.NewResolver(zap.NewNop()).Resolve(def)
	if err != nil {
		fatal("invalid workflow: %v", err)
	}

	fmt.Printf("workflow %s is valid (%d steps, %d stages)\n", def.ID, len(def.Steps), len(stages))
	for i, stage := range stages {
		fmt.Printf("  stage %d: %v\n", i+1, []string(stage))
	}
}

func runHistory(args []string) {
	if len(args) < 1 {
		fatal("usage: takt history <list|show> ...")
	}

	switch args[0] {
	case "list":
		fs := flag.NewFlagSet("history list", flag.ExitOnError)
		configPath := fs.String("config", "", "Path to config file")
		workflowID := fs.String("workflow", "", "Workflow id to list")
		limit := fs.Int("limit", 20, "Maximum rows")
		fs.Parse(args[1:])
		if *workflowID == "" {
			fatal("--workflow is required")
		}

		store := openHistory(*configPath)
		records, err := store.ListByWorkflow(context.Background(), *workflowID, *limit)
		if err != nil {
			fatal("failed to list executions: %v", err)
		}
		for _, r := range records {
			fmt.Printf("%s  %-22s  %s\n", r.StartedAt.Format("2006-01-02 15:04:05"), r.Status, r.ID)
		}

	case "show":
		fs := flag.NewFlagSet("history show", flag.ExitOnError)
		configPath := fs.String("config", "", "Path to config file")
		fs.Parse(args[1:])
		if fs.NArg() != 1 {
			fatal("usage: takt history show <execution-id>")
		}

		store := openHistory(*configPath)
		record, err := store.Get(context.Background(), fs.Arg(0))
		if err != nil {
			fatal("failed to load execution: %v", err)
		}
		out, err := json.MarshalIndent(record, "", "  ")
		if err != nil {
			fatal("failed to encode execution: %v", err)
		}
		fmt.Println(string(out))

	default:
		fatal("unknown history subcommand: %s", args[0])
	}
}

func openHistory(configPath string) *history.Store {
	loader := config.NewLoader()
	if configPath != "" {
		loader = loader.WithConfigPath(configPath)
	}
	cfg, err := loader.Load()
	if err != nil {
		fatal("failed to load config: %v", err)
	}
	if cfg.Database.Driver == "" {
		fatal("no database driver configured, history is disabled")
	}

	pool, err := database.Open(cfg.Database, zap.NewNop())
	if err != nil {
		fatal("failed to open database: %v", err)
	}

	store, err := history.NewStore(pool.DB(), zap.NewNop())
	if err != nil {
		fatal("failed to open history store: %v", err)
	}
	return store
}

func fatal(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}

func printUsage() {
	fmt.Println(`takt - workflow execution toolbox

Commands:
  validate <workflow.yaml>   Check a workflow definition and print its stage plan
  history list --workflow X  List recorded executions of a workflow
  history show <id>          Print one recorded execution as JSON
  version                    Print the version`)
}
