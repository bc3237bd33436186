// dittobackup drives backup and restore sessions against a datastore built
// from the configuration file.
//
// Usage:
//
//	dittobackup [--config path] [--log-level level] <command> [flags]
//
// Commands:
//
//	init       write a default configuration file
//	keygen     create an encryption keyfile
//	backup     back up raw images and configuration blobs
//	restore    restore one image archive to a file
//	snapshots  list committed snapshots
//	forget     remove a snapshot from the catalog
//	gc         delete objects no snapshot references
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/marmos91/dittobackup/internal/logger"
	"github.com/marmos91/dittobackup/pkg/config"
)

type command struct {
	name    string
	summary string
	run     func(ctx context.Context, g *globals, args []string) error
}

var commands = []command{
	{"init", "write a default configuration file", runInit},
	{"keygen", "create an encryption keyfile", runKeygen},
	{"backup", "back up raw images and configuration blobs", runBackup},
	{"restore", "restore one image archive to a file", runRestore},
	{"snapshots", "list committed snapshots", runSnapshots},
	{"forget", "remove a snapshot from the catalog", runForget},
	{"gc", "delete objects no snapshot references", runGC},
}

// globals holds flags shared by every command.
type globals struct {
	configPath string
	logLevel   string
	stdout     io.Writer
}

// load reads the configuration and applies the logging section. The
// returned closer releases a log file, if one was opened.
func (g *globals) load() (*config.Config, io.Closer, error) {
	cfg, err := config.Load(g.configPath)
	if err != nil {
		return nil, nil, err
	}
	if g.logLevel != "" {
		cfg.Logging.Level = g.logLevel
	}
	closer, err := logger.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output)
	if err != nil {
		return nil, nil, fmt.Errorf("configuring logger: %w", err)
	}
	return cfg, closer, nil
}

// withRuntime builds the runtime, runs fn and closes the runtime within the
// configured shutdown timeout.
func (g *globals) withRuntime(ctx context.Context, fn func(rt *config.Runtime) error) error {
	cfg, closer, err := g.load()
	if err != nil {
		return err
	}
	defer func() { _ = closer.Close() }()

	rt, err := config.NewRuntime(ctx, cfg)
	if err != nil {
		return err
	}

	if rt.Metrics.Server != nil {
		go func() {
			if err := rt.Metrics.Server.Start(ctx); err != nil {
				logger.Error("Metrics server error: %v", err)
			}
		}()
	}

	runErr := fn(rt)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := rt.Close(shutdownCtx); err != nil {
		logger.Warn("Shutdown: %v", err)
	}
	return runErr
}

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string, stdout io.Writer) error {
	g := &globals{stdout: stdout}

	flagSet := pflag.NewFlagSet("dittobackup", pflag.ContinueOnError)
	flagSet.StringVarP(&g.configPath, "config", "c", "", "configuration file (default: "+config.GetDefaultConfigPath()+")")
	flagSet.StringVar(&g.logLevel, "log-level", "", "override logging.level (DEBUG, INFO, WARN, ERROR)")
	flagSet.SetInterspersed(false)
	flagSet.Usage = func() { printUsage(flagSet) }

	if err := flagSet.Parse(args); err != nil {
		return err
	}
	if flagSet.NArg() == 0 {
		printUsage(flagSet)
		return fmt.Errorf("no command given")
	}

	name := flagSet.Arg(0)
	for _, cmd := range commands {
		if cmd.name != name {
			continue
		}

		// Create cancellable context for graceful shutdown
		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		start := time.Now()
		err := cmd.run(ctx, g, flagSet.Args()[1:])
		logger.Debug("%s finished in %s", name, time.Since(start))
		return err
	}

	printUsage(flagSet)
	return fmt.Errorf("unknown command %q", name)
}

func printUsage(flagSet *pflag.FlagSet) {
	fmt.Fprintf(os.Stderr, "Usage: dittobackup [flags] <command> [command flags]\n\nCommands:\n")
	for _, cmd := range commands {
		fmt.Fprintf(os.Stderr, "  %-10s %s\n", cmd.name, cmd.summary)
	}
	fmt.Fprintf(os.Stderr, "\nFlags:\n%s", flagSet.FlagUsages())
}

// newFlagSet creates the flag set of a subcommand.
func newFlagSet(name, usage string) *pflag.FlagSet {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: dittobackup %s %s\n\nFlags:\n%s", name, usage, fs.FlagUsages())
	}
	return fs
}
