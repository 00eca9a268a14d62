// Command worldsim serves the world simulation as an MCP server on stdio
// and carries a few maintenance subcommands.
//
//	worldsim [-config worldsim.yaml] [serve]
//	worldsim [-config worldsim.yaml] seed FILE
//	worldsim [-config worldsim.yaml] completions [N]
//	worldsim [-config worldsim.yaml] rate ID RATING [NOTES...]
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"worldsim/internal/config"
	"worldsim/internal/mcpserver"
)

var version = "dev"

func main() {
	configPath := flag.String("config", os.Getenv("WORLDSIM_CONFIG"), "path to a YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, flag.Args(), os.Stdout); err != nil {
		log.Fatalf("worldsim: %v", err)
	}
}

func run(ctx context.Context, cfg *config.Config, args []string, out io.Writer) error {
	cmd := "serve"
	if len(args) > 0 {
		cmd, args = args[0], args[1:]
	}

	a, cleanup, err := createApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	switch cmd {
	case "serve":
		return serve(ctx, a)
	case "seed":
		if len(args) != 1 {
			return fmt.Errorf("usage: worldsim seed FILE")
		}
		return seedWorlds(ctx, a, args[0], out)
	case "completions":
		limit := 10
		if len(args) > 0 {
			if limit, err = strconv.Atoi(args[0]); err != nil {
				return fmt.Errorf("invalid limit %q", args[0])
			}
		}
		return reviewCompletions(ctx, a, limit, out)
	case "rate":
		if len(args) < 2 {
			return fmt.Errorf("usage: worldsim rate ID RATING [NOTES...]")
		}
		id, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("invalid completion id %q", args[0])
		}
		rating, err := strconv.Atoi(args[1])
		if err != nil {
			return fmt.Errorf("invalid rating %q", args[1])
		}
		if err := a.completions.RateCompletion(ctx, id, rating, strings.Join(args[2:], " ")); err != nil {
			return err
		}
		fmt.Fprintf(out, "Rated completion %d: %d/5\n", id, rating)
		return nil
	}
	return fmt.Errorf("unknown command %q", cmd)
}

func serve(ctx context.Context, a *app) error {
	if _, err := a.seed(ctx, a.cfg.Seed.Path); err != nil {
		return fmt.Errorf("seed: %w", err)
	}
	a.serveMetrics(ctx)

	srv := mcpserver.New(mcpserver.Config{
		Engine:        a.engine,
		Store:         a.store,
		Factory:       a.factory,
		Completions:   a.completions,
		DefaultAPIKey: a.cfg.LLM.APIKey,
		Debug:         a.debug,
		Version:       version,
	})
	return srv.Run(ctx, &mcp.StdioTransport{})
}

func seedWorlds(ctx context.Context, a *app, path string, out io.Writer) error {
	seeded, err := a.seed(ctx, path)
	for _, s := range seeded {
		fmt.Fprintf(out, "%s\t%s\n", s.World.ID, s.World.Name)
		for _, c := range s.Characters {
			fmt.Fprintf(out, "  %s\t%s\n", c.ID, c.Name)
		}
	}
	return err
}

func reviewCompletions(ctx context.Context, a *app, limit int, out io.Writer) error {
	completions, err := a.completions.GetRecentCompletions(ctx, limit)
	if err != nil {
		return err
	}
	if len(completions) == 0 {
		fmt.Fprintln(out, "No completions recorded.")
		return nil
	}

	for _, c := range completions {
		rating := "unrated"
		if c.Rating != nil {
			rating = fmt.Sprintf("%d/5", *c.Rating)
		}
		fmt.Fprintf(out, "#%d  %s  %s  %s  %s  (%s)\n",
			c.ID, c.Timestamp.Local().Format(time.DateTime), c.Stage, c.Metadata.Model,
			c.Metadata.ResponseTime.Round(time.Millisecond), rating)
		if c.PromptID != "" {
			fmt.Fprintf(out, "    prompt %s\n", c.PromptID)
		}
		if c.Metadata.Error != nil {
			fmt.Fprintf(out, "    error: %s\n", *c.Metadata.Error)
		}
		fmt.Fprintf(out, "    %s\n\n", strings.ReplaceAll(strings.TrimSpace(c.Response), "\n", "\n    "))
	}
	return nil
}
