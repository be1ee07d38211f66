package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/strogmv/txwatch/internal/app"
	"github.com/strogmv/txwatch/internal/config"
	"github.com/strogmv/txwatch/internal/domain"
	"github.com/strogmv/txwatch/internal/pkg/logger"
	"github.com/strogmv/txwatch/internal/pkg/tracing"
)

// Version is set at build time with -ldflags "-X main.Version=...".
var Version = "dev"

func main() {
	if len(os.Args) < 2 {
		printUsage(os.Stdout)
		return
	}

	cmd, args := os.Args[1], os.Args[2:]
	var err error
	switch cmd {
	case "serve":
		err = runServe()
	case "subscribe":
		err = runSubscribe(args)
	case "unsubscribe":
		err = runUnsubscribe(args)
	case "list":
		err = runList(os.Stdout)
	case "version":
		fmt.Printf("txwatch version %s\n", Version)
	case "help", "-h", "--help":
		printUsage(os.Stdout)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		printUsage(os.Stderr)
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintf(w, "txwatch %s: fans out collection transactions to subscribed channels\n", Version)
	fmt.Fprintln(w, "\nUsage:")
	fmt.Fprintln(w, "  txwatch serve                                  Run the reconciler, pipeline and command API")
	fmt.Fprintln(w, "  txwatch subscribe <topic> <scope> <channel>    Register a destination for a topic")
	fmt.Fprintln(w, "  txwatch unsubscribe <topic> <scope> <channel>  Remove a destination from a topic")
	fmt.Fprintln(w, "  txwatch list                                   Print the registry")
	fmt.Fprintln(w, "  txwatch version                                Print the version")
	fmt.Fprintln(w, "\nConfiguration is read from the environment and an optional .env file.")
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	logger.Init(cfg.LogLevel)
	return cfg, nil
}

func runServe() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Init(ctx, cfg.OTLPEndpoint, cfg.ServiceName)
	if err != nil {
		return err
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			slog.Warn("tracing shutdown", slog.Any("error", err))
		}
	}()

	c, err := app.NewContainer(ctx, cfg)
	if err != nil {
		return err
	}
	defer c.Close()

	slog.Info("txwatch starting", slog.String("version", Version))
	return c.Run(ctx)
}

// parseRegistration reads "<topic> <scope> <channel>" positional arguments.
func parseRegistration(name string, args []string) (string, domain.Destination, error) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	if err := fs.Parse(args); err != nil {
		return "", domain.Destination{}, err
	}
	if fs.NArg() != 3 {
		return "", domain.Destination{}, fmt.Errorf("usage: txwatch %s <topic> <scope> <channel>", name)
	}
	return fs.Arg(0), domain.Destination{ScopeID: fs.Arg(1), ChannelID: fs.Arg(2)}, nil
}

func registryContainer(ctx context.Context) (*app.Container, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return app.NewRegistryContainer(ctx, cfg)
}

func runSubscribe(args []string) error {
	topic, dest, err := parseRegistration("subscribe", args)
	if err != nil {
		return err
	}
	ctx := context.Background()
	c, err := registryContainer(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	added, err := c.Subscriptions.Subscribe(ctx, topic, dest)
	if err != nil {
		return err
	}
	if added {
		fmt.Printf("Subscribed to %s collection\n", topic)
	} else {
		fmt.Printf("Already subscribed to %s collection\n", topic)
	}
	return nil
}

func runUnsubscribe(args []string) error {
	topic, dest, err := parseRegistration("unsubscribe", args)
	if err != nil {
		return err
	}
	ctx := context.Background()
	c, err := registryContainer(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	removed, err := c.Subscriptions.Unsubscribe(ctx, topic, dest)
	if err != nil {
		return err
	}
	if removed {
		fmt.Printf("Unsubscribed from %s collection\n", topic)
	} else {
		fmt.Printf("Not subscribed to %s collection\n", topic)
	}
	return nil
}

func runList(w io.Writer) error {
	ctx := context.Background()
	c, err := registryContainer(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	snap, err := c.Subscriptions.List(ctx)
	if err != nil {
		return err
	}
	printSnapshot(w, snap)
	return nil
}

func printSnapshot(w io.Writer, snap domain.Snapshot) {
	if len(snap) == 0 {
		fmt.Fprintln(w, "No subscriptions.")
		return
	}
	for _, t := range snap.Topics() {
		fmt.Fprintf(w, "%s\n", t)
		for _, d := range snap[t].Slice() {
			fmt.Fprintf(w, "  %s\n", d)
		}
	}
}
