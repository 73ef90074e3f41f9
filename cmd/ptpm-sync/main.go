package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ptpm/legacy-sync/internal/config"
	"github.com/ptpm/legacy-sync/internal/exitcodes"
	"github.com/ptpm/legacy-sync/internal/logging"
	"github.com/ptpm/legacy-sync/internal/orchestrator"
	"github.com/ptpm/legacy-sync/internal/progress"
	"github.com/ptpm/legacy-sync/internal/report"
	"github.com/urfave/cli/v2"
)

var version = "dev"

// runFlags are accepted by the run command and by the bare invocation,
// which runs a sync.
func runFlags() []cli.Flag {
	return []cli.Flag{
		&cli.BoolFlag{
			Name:  "dry-run",
			Usage: "Extract and transform without writing (default)",
		},
		&cli.BoolFlag{
			Name:  "write",
			Usage: "Upsert into the GraphQL target",
		},
		&cli.StringFlag{
			Name:  "entities",
			Usage: "Comma-separated entities to sync (default: every mapping)",
		},
		&cli.StringFlag{
			Name:  "from",
			Usage: "Only rows with watermark >= this ISO-8601 date",
		},
		&cli.StringFlag{
			Name:  "to",
			Usage: "Only rows with watermark < this ISO-8601 date",
		},
		&cli.IntFlag{
			Name:  "batch-size",
			Usage: "Rows per batch (default: SYNC_BATCH_SIZE or 200)",
		},
		&cli.IntFlag{
			Name:  "max-batches",
			Usage: "Stop each entity after N batches (default: SYNC_MAX_BATCHES or unlimited)",
		},
		&cli.StringFlag{
			Name:  "state-file",
			Usage: "Checkpoint file to read and advance",
		},
		&cli.StringFlag{
			Name:  "mapping-dir",
			Usage: "Directory of mapping documents",
		},
		&cli.BoolFlag{
			Name:  "strict",
			Usage: "Exit with code 8 when any row failed or entity halted",
		},
		&cli.StringFlag{
			Name:  "output-file",
			Usage: "Also write the JSON run report to this file",
		},
	}
}

func main() {
	app := &cli.App{
		Name:    "ptpm-sync",
		Usage:   "Incremental sync of the legacy PTPM database into the GraphQL backend",
		Version: version,
		Flags: append([]cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to configuration file (default: " + config.DefaultConfigFile + " when present)",
			},
			&cli.BoolFlag{
				Name:  "output-json",
				Usage: "Print the JSON result to stdout (logs go to stderr)",
			},
			&cli.StringFlag{
				Name:  "log-format",
				Value: "text",
				Usage: "Log format: text or json",
			},
			&cli.StringFlag{
				Name:  "verbosity",
				Value: "info",
				Usage: "Log verbosity level (debug, info, warn, error)",
			},
		}, runFlags()...),
		Before: func(c *cli.Context) error {
			level, err := logging.ParseLevel(c.String("verbosity"))
			if err != nil {
				return exitcodes.NewExitError(err, exitcodes.ConfigError)
			}
			logging.SetLevel(level)

			if _, err := logging.ParseFormat(c.String("log-format")); err != nil {
				return exitcodes.NewExitError(err, exitcodes.ConfigError)
			}
			logging.SetFormat(c.String("log-format"))

			// stdout carries only the JSON result
			if c.Bool("output-json") {
				logging.SetOutput(os.Stderr)
			}
			return nil
		},
		Action: runSync,
		Commands: []*cli.Command{
			{
				Name:   "run",
				Usage:  "Sync entities from the legacy database",
				Action: runSync,
				Flags:  runFlags(),
			},
			{
				Name:   "status",
				Usage:  "Show saved checkpoints, id map sizes and recent runs",
				Action: showStatus,
				Flags: []cli.Flag{
					&cli.BoolFlag{
						Name:  "write",
						Usage: "Show the write-mode checkpoints instead of the dry-run ones",
					},
					&cli.StringFlag{
						Name:  "state-file",
						Usage: "Checkpoint file to read",
					},
					&cli.BoolFlag{
						Name:  "json",
						Usage: "Output status as JSON",
					},
				},
			},
			{
				Name:   "mappings",
				Usage:  "Validate mapping documents and list them in sync order",
				Action: listMappings,
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "mapping-dir",
						Usage: "Directory of mapping documents",
					},
					&cli.StringFlag{
						Name:  "entities",
						Usage: "Comma-separated entities to check",
					},
				},
			},
			{
				Name:   "health-check",
				Usage:  "Test connectivity to the legacy database and the GraphQL endpoint",
				Action: healthCheck,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		code := exitcodes.FromError(err)
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		fmt.Fprintf(os.Stderr, "Exit %d: %s\n", code, exitcodes.Description(code))
		if exitcodes.IsRecoverable(code) {
			fmt.Fprintln(os.Stderr, "Checkpoints are saved; rerun to continue.")
		}
		os.Exit(code)
	}
}

func loadConfig(c *cli.Context) (*config.Config, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return nil, exitcodes.NewExitError(fmt.Errorf("failed to load config: %w", err), exitcodes.ConfigError)
	}
	logging.Debug("Config: %+v", *cfg.Sanitized())
	return cfg, nil
}

func parseRunArgs(c *cli.Context) (config.RunArgs, error) {
	args := config.RunArgs{
		DryRun:     c.Bool("dry-run"),
		Write:      c.Bool("write"),
		Entities:   config.ParseEntities(c.String("entities")),
		BatchSize:  c.Int("batch-size"),
		MaxBatches: c.Int("max-batches"),
		StateFile:  c.String("state-file"),
		MappingDir: c.String("mapping-dir"),
		Strict:     c.Bool("strict"),
	}
	var err error
	if args.From, err = config.ParseDate(c.String("from")); err != nil {
		return args, exitcodes.NewExitError(err, exitcodes.ConfigError)
	}
	if args.To, err = config.ParseDate(c.String("to")); err != nil {
		return args, exitcodes.NewExitError(err, exitcodes.ConfigError)
	}
	if err := args.Validate(); err != nil {
		return args, exitcodes.NewExitError(err, exitcodes.ConfigError)
	}
	return args, nil
}

func runSync(c *cli.Context) error {
	if c.NArg() > 0 {
		return cli.ShowAppHelp(c)
	}
	args, err := parseRunArgs(c)
	if err != nil {
		return err
	}
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}

	// SIGINT/SIGTERM let the current row finish; the partial batch is not
	// checkpointed.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	orch, err := orchestrator.Open(ctx, cfg, args)
	if err != nil {
		return err
	}
	defer orch.Close()

	if c.String("log-format") == "json" {
		reporter := progress.NewJSONReporter(os.Stderr, 2*time.Second)
		defer reporter.Close()
		orch.SetReporter(reporter)
	}

	rep, runErr := orch.Run(ctx)

	if c.Bool("output-json") {
		if err := printJSON(rep); err != nil {
			logging.Warn("Failed to output JSON: %v", err)
		}
	} else {
		fmt.Fprintln(logging.Output(), report.RenderSummary(rep))
	}
	if path := c.String("output-file"); path != "" {
		if err := writeJSONFile(path, rep); err != nil {
			logging.Warn("Failed to write output file: %v", err)
		}
	}
	return runErr
}

func showStatus(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	args := config.RunArgs{Write: c.Bool("write"), StateFile: c.String("state-file")}
	st, err := orchestrator.GetStatus(cfg, args)
	if err != nil {
		return exitcodes.NewExitError(err, exitcodes.StateError)
	}
	if c.Bool("json") || c.Bool("output-json") {
		return printJSON(st)
	}
	st.Print(os.Stdout)
	return nil
}

func listMappings(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	args := config.RunArgs{
		Entities:   config.ParseEntities(c.String("entities")),
		MappingDir: c.String("mapping-dir"),
	}
	mappings, err := orchestrator.ListMappings(cfg, args)
	if err != nil {
		return exitcodes.NewExitError(err, exitcodes.ConfigError)
	}

	fmt.Printf("%-4s %-20s %-30s %-10s %-8s %s\n", "#", "Entity", "Source", "Cursor", "Fields", "File")
	for i, m := range mappings {
		table := m.Source.Table
		if m.Source.Schema != "" {
			table = m.Source.Schema + "." + table
		}
		fmt.Printf("%-4d %-20s %-30s %-10s %-8d %s\n",
			i+1, m.Entity, table, m.Source.Watermark.Type, len(m.FieldMap), m.File)
	}
	return nil
}

func healthCheck(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	res := orchestrator.HealthCheck(ctx, cfg)
	if c.Bool("output-json") {
		if err := printJSON(res); err != nil {
			return err
		}
	} else {
		fmt.Printf("Source (%s): %s (%dms)\n", res.SourceDBType, connState(res.SourceConnected, res.SourceError), res.SourceLatencyMs)
		fmt.Printf("Target (%s): %s (%dms)\n", res.TargetEndpoint, connState(res.TargetConnected, res.TargetError), res.TargetLatencyMs)
	}
	if !res.Healthy {
		return exitcodes.NewExitError(fmt.Errorf("health check failed"), exitcodes.ConnectionError)
	}
	return nil
}

func connState(ok bool, errMsg string) string {
	if ok {
		return "connected"
	}
	return "FAILED: " + errMsg
}

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}
	fmt.Println(string(data))
	return nil
}

func writeJSONFile(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0600); err != nil {
		return fmt.Errorf("failed to write output file: %w", err)
	}
	return nil
}
