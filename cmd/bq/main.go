package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"

	"trade_engine/internal/bootstrap"
	"trade_engine/internal/config"
)

const usage = `bq is a signal driven spot trading engine.

Usage:
  bq run    [-config FILE]   start the engine
  bq inject [-config FILE]   assign ids to instances and strategies that lack one
  bq version                 print the version
`

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		fmt.Fprint(stderr, usage)
		return 2
	}

	switch args[0] {
	case "run":
		return runEngine(args[1:], stderr)
	case "inject":
		return injectIDs(args[1:], stdout, stderr)
	case "version":
		fmt.Fprintln(stdout, bootstrap.Version)
		return 0
	case "help", "-h", "--help":
		fmt.Fprint(stdout, usage)
		return 0
	}

	fmt.Fprintf(stderr, "unknown command %q\n\n%s", args[0], usage)
	return 2
}

// configFlag registers -config; CONFIG_FILE replaces the default
func configFlag(fs *flag.FlagSet) *string {
	def := "./config.yaml"
	if env := os.Getenv("CONFIG_FILE"); env != "" {
		def = env
	}
	return fs.String("config", def, "Path to configuration file")
}

func runEngine(args []string, stderr io.Writer) int {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configFile := configFlag(fs)
	if err := fs.Parse(args); err != nil {
		return 2
	}

	app, err := bootstrap.NewApp(*configFile)
	if err != nil {
		fmt.Fprintf(stderr, "bq: %v\n", err)
		return 1
	}
	defer func() {
		if err := app.Close(context.Background()); err != nil {
			fmt.Fprintf(stderr, "bq: shutdown: %v\n", err)
		}
	}()

	gateway, err := bootstrap.NewGateway(app.Cfg, app.Logger)
	if err != nil {
		app.Logger.Error("Failed to create gateway", "error", err)
		return 1
	}
	_, runners, err := app.Engine(gateway)
	if err != nil {
		app.Logger.Error("Failed to assemble engine", "error", err)
		return 1
	}

	app.Logger.Info("Engine configured",
		"version", bootstrap.Version,
		"gateway", gateway.Name(),
		"paper", app.Cfg.Engine.Paper,
		"instances", len(app.Cfg.Instances))

	if err := app.Run(context.Background(), runners...); err != nil {
		return 1
	}
	return 0
}

func injectIDs(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("inject", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configFile := configFlag(fs)
	if err := fs.Parse(args); err != nil {
		return 2
	}

	n, err := config.InjectIDs(*configFile)
	if err != nil {
		fmt.Fprintf(stderr, "bq: %v\n", err)
		return 1
	}
	if n == 0 {
		fmt.Fprintln(stdout, "all instances and strategies already have ids")
		return 0
	}

	// the rewritten file must still load
	if _, err := config.LoadConfig(*configFile); err != nil {
		fmt.Fprintf(stderr, "bq: %d ids written but the config does not validate: %v\n", n, err)
		return 1
	}
	fmt.Fprintf(stdout, "%d ids written to %s\n", n, *configFile)
	return 0
}
