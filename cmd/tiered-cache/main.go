// Command tiered-cache runs a store graph: it serves it over HTTP as a blob
// service or runs single requests against it from the command line.
//
// Debug tokens such as -ddc-local-missrate=50 may appear anywhere on the
// command line; they are applied to the named graph node.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/alecthomas/kong"
	"github.com/lmittmann/tint"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/wolfeidau/tiered-cache/credentials"
	"github.com/wolfeidau/tiered-cache/graph"
)

// Globals are flags shared by every command.
type Globals struct {
	Graph       string `short:"g" help:"Graph config file." default:"graph.yaml" env:"TIERED_CACHE_GRAPH" type:"path"`
	Credentials string `help:"Credentials template resolved at startup." env:"TIERED_CACHE_CREDENTIALS" type:"path"`
	LogLevel    string `help:"Log level." enum:"debug,info,warn,error" default:"info" env:"TIERED_CACHE_LOG_LEVEL"`
	LogFormat   string `help:"Log format." enum:"text,json" default:"text" env:"TIERED_CACHE_LOG_FORMAT"`
	LogFile     string `help:"Write logs to this file with rotation instead of stderr." type:"path"`
}

type cli struct {
	Globals

	Serve  ServeCmd  `cmd:"" help:"Serve the graph as a blob service."`
	Get    GetCmd    `cmd:"" help:"Read a value."`
	Put    PutCmd    `cmd:"" help:"Store a value."`
	Exists ExistsCmd `cmd:"" help:"Check which keys are present."`
	Rm     RmCmd     `cmd:"" help:"Remove a value."`
	Config struct {
		Check ConfigCheckCmd `cmd:"" help:"Validate a graph file and optionally build it."`
	} `cmd:"" help:"Graph configuration commands."`
}

// env is handed to every command's Run.
type env struct {
	logger    *slog.Logger
	debugArgs []string
	out       io.Writer
}

func main() {
	prefix := os.Getenv("TIERED_CACHE_DEBUG_PREFIX")
	args, debugArgs := graph.SplitDebugArgs(prefix, os.Args[1:])

	var c cli
	parser, err := kong.New(&c,
		kong.Name("tiered-cache"),
		kong.Description("Tiered content cache."),
		kong.UsageOnError(),
	)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	kctx, err := parser.Parse(args)
	parser.FatalIfErrorf(err)

	logger, closeLog, err := newLogger(c.Globals)
	parser.FatalIfErrorf(err)
	defer closeLog()
	slog.SetDefault(logger)

	err = kctx.Run(&c.Globals, &env{logger: logger, debugArgs: debugArgs, out: os.Stdout})
	if err != nil {
		logger.Error("command failed", "command", kctx.Command(), "error", err)
		closeLog()
		os.Exit(1)
	}
}

func newLogger(g Globals) (*slog.Logger, func(), error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(g.LogLevel)); err != nil {
		return nil, nil, fmt.Errorf("invalid log level: %s", g.LogLevel)
	}

	var w io.Writer = os.Stderr
	closeLog := func() {}
	if g.LogFile != "" {
		rotator := &lumberjack.Logger{
			Filename:   g.LogFile,
			MaxSize:    100,
			MaxBackups: 5,
			MaxAge:     28,
			Compress:   true,
		}
		w = rotator
		closeLog = func() { _ = rotator.Close() }
	}

	var handler slog.Handler
	switch strings.ToLower(g.LogFormat) {
	case "json":
		handler = slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})
	default:
		handler = tint.NewHandler(w, &tint.Options{
			Level:      level,
			TimeFormat: time.TimeOnly,
			NoColor:    g.LogFile != "" || !isTerminal(os.Stderr),
		})
	}
	return slog.New(handler), closeLog, nil
}

func isTerminal(f *os.File) bool {
	info, err := f.Stat()
	return err == nil && info.Mode()&os.ModeCharDevice != 0
}

// openGraph loads the graph file and credentials and builds the graph.
func openGraph(ctx context.Context, g *Globals, e *env) (*graph.Graph, *credentials.Credentials, error) {
	cfg, err := graph.LoadConfig(g.Graph)
	if err != nil {
		return nil, nil, err
	}
	var creds *credentials.Credentials
	if g.Credentials != "" {
		resolver := credentials.NewResolver(
			credentials.WithLogger(e.logger),
			credentials.WithCommand("op", "op", "read"),
		)
		creds, err = resolver.ResolveFile(ctx, g.Credentials)
		if err != nil {
			return nil, nil, fmt.Errorf("resolving credentials: %w", err)
		}
	}
	gr, err := graph.New(ctx, cfg, graph.Options{
		Logger:      e.logger,
		Credentials: creds,
		DebugArgs:   e.debugArgs,
		DebugPrefix: os.Getenv("TIERED_CACHE_DEBUG_PREFIX"),
	})
	if err != nil {
		return nil, nil, err
	}
	return gr, creds, nil
}
