package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/danmuck/spine/internal/admin"
	"github.com/danmuck/spine/internal/bus"
	"github.com/danmuck/spine/internal/config"
	"github.com/danmuck/spine/internal/logging"
	"github.com/danmuck/spine/internal/mesh"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "spinectl: %v\n", err)
		os.Exit(1)
	}
}

type options struct {
	configPath string
	processID  string
	listenAddr string
	rootAddr   string
	isRoot     bool
	adminAddr  string
	wait       time.Duration
}

func run(argv []string) error {
	var opts options
	flagSet := pflag.NewFlagSet("spinectl", pflag.ContinueOnError)
	flagSet.StringVarP(&opts.configPath, "config", "c", "", "path to spine TOML config")
	flagSet.StringVar(&opts.processID, "id", "", "process id (overrides config)")
	flagSet.StringVar(&opts.listenAddr, "listen", "", "peer listen address (overrides config)")
	flagSet.StringVar(&opts.rootAddr, "root-addr", "", "root address (overrides config)")
	flagSet.BoolVar(&opts.isRoot, "root", false, "run as the root process")
	flagSet.StringVar(&opts.adminAddr, "admin", "", "admin HTTP listen address (overrides config)")
	flagSet.DurationVar(&opts.wait, "wait", 10*time.Second, "query mode: how long to wait for the root link")
	flagSet.Usage = func() { printHelp(flagSet) }

	if err := flagSet.Parse(argv); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	logging.ConfigureRuntime()
	cfg, err := loadNode(opts, flagSet)
	if err != nil {
		return err
	}

	args := flagSet.Args()
	if len(args) == 0 || args[0] == "run" {
		return runNode(cfg)
	}
	if args[0] == "query" {
		if len(args) < 2 {
			return fmt.Errorf("query: name required")
		}
		return runQuery(cfg, opts.wait, args[1], args[2:])
	}
	return fmt.Errorf("unknown command %q", args[0])
}

func loadNode(opts options, flagSet *pflag.FlagSet) (config.Node, error) {
	cfg := config.Default()
	if opts.configPath != "" {
		loaded, err := config.Load(opts.configPath)
		if err != nil {
			return config.Node{}, err
		}
		cfg = loaded
	} else if secret := os.Getenv(config.SecretEnv); secret != "" {
		cfg.Secret = secret
	}
	if flagSet.Changed("id") {
		cfg.ProcessID = strings.TrimSpace(opts.processID)
	}
	if flagSet.Changed("listen") {
		cfg.ListenAddr = strings.TrimSpace(opts.listenAddr)
	}
	if flagSet.Changed("root-addr") {
		cfg.RootAddr = strings.TrimSpace(opts.rootAddr)
	}
	if flagSet.Changed("root") {
		cfg.IsRoot = opts.isRoot
	}
	if flagSet.Changed("admin") {
		cfg.AdminListenAddr = strings.TrimSpace(opts.adminAddr)
	}
	return cfg, cfg.Validate()
}

// runNode blocks until SIGINT/SIGTERM.
func runNode(cfg config.Node) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	b := bus.New(cfg.Bus())
	b.Start()
	defer b.Close()

	spine, err := mesh.New(b, cfg.Mesh())
	if err != nil {
		return err
	}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return spine.Run(gctx)
	})
	if cfg.AdminListenAddr != "" {
		ln, err := net.Listen("tcp", cfg.AdminListenAddr)
		if err != nil {
			stop()
			_ = g.Wait()
			return fmt.Errorf("admin listen: %w", err)
		}
		srv := admin.New(spine, b, cfg.Admin())
		g.Go(func() error {
			return srv.Serve(gctx, ln)
		})
	}
	log.Info().
		Str("process_id", cfg.ProcessID).
		Bool("root", cfg.IsRoot).
		Str("root_addr", cfg.RootAddr).
		Msg("spinectl running")
	return g.Wait()
}

// runQuery joins the mesh, sends one query once linked and prints the result
// as JSON.
func runQuery(cfg config.Node, wait time.Duration, name string, rawArgs []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	b := bus.New(cfg.Bus())
	b.Start()
	defer b.Close()

	spine, err := mesh.New(b, cfg.Mesh())
	if err != nil {
		return err
	}
	if err := spine.Start(ctx); err != nil {
		return err
	}
	defer spine.Close()

	if !waitFor(ctx, wait, func() bool { return spine.Ready() && routeKnown(b, name) }) {
		return fmt.Errorf("query %q: no handler reachable within %s", name, wait)
	}
	args := make([]any, len(rawArgs))
	for i, a := range rawArgs {
		args[i] = parseArg(a)
	}
	out, err := json.MarshalIndent(b.SendQuery(ctx, name, args), "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func routeKnown(b *bus.Bus, name string) bool {
	return len(b.Handlers(bus.KindQuery, name, "")) > 0
}

func waitFor(ctx context.Context, limit time.Duration, cond func() bool) bool {
	deadline := time.Now().Add(limit)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(50 * time.Millisecond):
		}
	}
	return cond()
}

// parseArg accepts JSON literals and falls back to a plain string.
func parseArg(raw string) any {
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err == nil {
		return v
	}
	return raw
}

func printHelp(flagSet *pflag.FlagSet) {
	fmt.Fprintf(os.Stderr, `spinectl runs one spine process.

Usage:
  spinectl [flags] [run]
  spinectl [flags] query NAME [ARG...]

The shared secret comes from the config file or %s.

Flags:
%s`, config.SecretEnv, flagSet.FlagUsages())
}
