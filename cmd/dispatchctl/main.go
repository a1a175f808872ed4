// Command dispatchctl manages the settings of a Dispatch Co-Pilot
// installation directly against its store: show, export, import and the
// TMS token.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"strings"

	"github.com/spf13/pflag"

	"github.com/dispatchpilot/internal/app"
	"github.com/dispatchpilot/internal/config"
)

type command struct {
	name    string
	summary string
	usage   string
	// flags registers the command's own flags next to the store flags.
	flags func(fs *pflag.FlagSet)
	run   func(ctx context.Context, e *env, args []string) error
}

func commands() []*command {
	return []*command{
		showCommand(),
		exportCommand(),
		importCommand(),
		rotateTokenCommand(),
		clearTokenCommand(),
	}
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := execute(ctx, os.Args[1:], os.Stdin, os.Stdout, os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "dispatchctl: %v\n", err)
		os.Exit(1)
	}
}

func execute(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	if len(args) == 0 || isHelpFlag(args[0]) {
		printUsage(stderr)
		if len(args) == 0 {
			return errors.New("command required")
		}
		return nil
	}

	cmd := lookup(args[0])
	if cmd == nil {
		return fmt.Errorf("unknown command %q\n\nRun 'dispatchctl --help' for usage.", args[0])
	}

	cfg := config.FromEnv()
	var verbose bool
	fs := pflag.NewFlagSet(cmd.name, pflag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.StringVar(&cfg.DataDir, "data-dir", cfg.DataDir, "Directory for local state")
	fs.StringVar(&cfg.StoreDriver, "store", cfg.StoreDriver, "Settings store driver (sqlite, file, postgres)")
	fs.StringVar(&cfg.StoreDSN, "store-dsn", cfg.StoreDSN, "Settings store location")
	fs.BoolVarP(&verbose, "verbose", "v", false, "Log store activity to stderr")
	if cmd.flags != nil {
		cmd.flags(fs)
	}
	if err := fs.Parse(args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			fmt.Fprintf(stderr, "Usage: %s\n\n%s\n\nFlags:\n%s", cmd.usage, cmd.summary, fs.FlagUsages())
			return nil
		}
		return fmt.Errorf("%s: %w\n\nRun 'dispatchctl %s --help' for usage.", cmd.name, err, cmd.name)
	}
	if err := cfg.Finalize(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if cfg.StoreDriver == config.DriverMemory {
		return errors.New("the memory store only lives inside the server; pick sqlite, file or postgres")
	}

	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: level}))

	backend, err := app.OpenStore(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer backend.Close()

	e := &env{
		settings: app.NewSettingsStore(backend, cfg, logger),
		stdin:    stdin,
		stdout:   stdout,
		stderr:   stderr,
	}
	return cmd.run(ctx, e, fs.Args())
}

func lookup(name string) *command {
	for _, c := range commands() {
		if c.name == name {
			return c
		}
	}
	return nil
}

func isHelpFlag(arg string) bool {
	return arg == "-h" || arg == "--help" || arg == "help"
}

func printUsage(w io.Writer) {
	cmds := commands()
	sort.Slice(cmds, func(i, j int) bool { return cmds[i].name < cmds[j].name })

	var b strings.Builder
	b.WriteString("Usage: dispatchctl <command> [flags]\n\nCommands:\n")
	for _, c := range cmds {
		fmt.Fprintf(&b, "  %-14s %s\n", c.name, c.summary)
	}
	b.WriteString("\nStore flags (every command): --store, --store-dsn, --data-dir\n")
	io.WriteString(w, b.String())
}
