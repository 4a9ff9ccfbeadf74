// Command menuctl validates and seeds menu catalogs and manages background jobs.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/odyssey-erp/menuauthz/cmd/menuctl/cli"
	"github.com/odyssey-erp/menuauthz/internal/app"
	"github.com/odyssey-erp/menuauthz/internal/catalog"
	"github.com/odyssey-erp/menuauthz/internal/menu"
	"github.com/odyssey-erp/menuauthz/internal/platform/cache"
	"github.com/odyssey-erp/menuauthz/internal/platform/db"
	"github.com/odyssey-erp/menuauthz/internal/rbac"
	"github.com/odyssey-erp/menuauthz/internal/users"
)

const usage = `usage: menuctl <command> [flags]

commands:
  validate   check a catalog file offline
  simulate   print the menu a catalog user would see
  seed       apply a catalog file to the database
  trigger    enqueue a background job (expire-assignments)
  queue      print queue statistics
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}
	logger := app.NewLogger(cfg)

	if err := run(ctx, cfg, logger, os.Args[1], os.Args[2:], os.Stdout); err != nil {
		logger.Error("menuctl", slog.String("command", os.Args[1]), slog.Any("error", err))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *app.Config, logger *slog.Logger, command string, args []string, out io.Writer) error {
	switch command {
	case "validate":
		fs := pflag.NewFlagSet("validate", pflag.ContinueOnError)
		file := fs.StringP("file", "f", "deploy/catalog/catalog.yaml", "catalog file")
		if err := fs.Parse(args); err != nil {
			return err
		}
		doc, err := cli.LoadCatalog(*file)
		if err != nil {
			return err
		}
		return writeJSON(out, map[string]int{"users": len(doc.Users), "roles": len(doc.Roles), "assignments": len(doc.Assignments), "items": len(doc.Menu)})

	case "simulate":
		fs := pflag.NewFlagSet("simulate", pflag.ContinueOnError)
		file := fs.StringP("file", "f", "deploy/catalog/catalog.yaml", "catalog file")
		user := fs.StringP("user", "u", "", "user id")
		location := fs.String("location", "", "request location")
		device := fs.String("device", "", "request device")
		at := fs.String("at", "", "evaluation instant (RFC3339 or unix ms)")
		custom := fs.StringToString("custom", nil, "custom data as key=value; values are parsed as JSON when possible")
		if err := fs.Parse(args); err != nil {
			return err
		}
		doc, err := cli.LoadCatalog(*file)
		if err != nil {
			return err
		}
		q := url.Values{}
		q.Set("location", *location)
		q.Set("device", *device)
		if *at != "" {
			q.Set("at", *at)
		}
		for k, v := range *custom {
			q.Set("custom."+k, v)
		}
		partial, err := menu.ParseQuery(q)
		if err != nil {
			return err
		}
		tree, err := cli.Simulate(doc, *user, partial, time.Now().UTC())
		if err != nil {
			return err
		}
		return writeJSON(out, tree)

	case "seed":
		fs := pflag.NewFlagSet("seed", pflag.ContinueOnError)
		file := fs.StringP("file", "f", "deploy/catalog/catalog.yaml", "catalog file")
		dsn := fs.String("dsn", cfg.PGDSN, "postgres connection string")
		if err := fs.Parse(args); err != nil {
			return err
		}
		doc, err := cli.LoadCatalog(*file)
		if err != nil {
			return err
		}
		return seed(ctx, cfg, logger, *dsn, doc, out)

	case "trigger":
		fs := pflag.NewFlagSet("trigger", pflag.ContinueOnError)
		if err := fs.Parse(args); err != nil {
			return err
		}
		if fs.NArg() != 1 {
			return fmt.Errorf("trigger: exactly one job name required")
		}
		jobsCLI, err := cli.NewJobsCLI(cfg.Redis())
		if err != nil {
			return err
		}
		defer jobsCLI.Close()
		info, err := jobsCLI.Trigger(ctx, fs.Arg(0))
		if err != nil {
			return err
		}
		return writeJSON(out, map[string]string{"id": info.ID, "type": info.Type, "queue": info.Queue})

	case "queue":
		jobsCLI, err := cli.NewJobsCLI(cfg.Redis())
		if err != nil {
			return err
		}
		defer jobsCLI.Close()
		stats, err := jobsCLI.InspectQueue(ctx)
		if err != nil {
			return err
		}
		return writeJSON(out, stats)

	default:
		return fmt.Errorf("unknown command %q\n%s", command, usage)
	}
}

func seed(ctx context.Context, cfg *app.Config, logger *slog.Logger, dsn string, doc catalog.Document, out io.Writer) error {
	pool, err := db.New(ctx, dsn, db.PoolConfig{MaxConns: 2})
	if err != nil {
		return err
	}
	defer pool.Close()

	usersRepo := users.NewRepository(pool)
	usersService := users.NewService(usersRepo)
	rbacService := rbac.NewService(rbac.NewRepository(pool), usersService)
	menuService := menu.NewService(menu.NewRepository(pool), rbacService)

	res, err := catalog.NewApplier(usersRepo, rbacService, menuService, logger).Apply(ctx, doc)
	if err != nil {
		return err
	}
	if res.Changed() {
		redisClient, err := cache.New(ctx, cfg.Redis())
		if err != nil {
			logger.Warn("menu cache not bumped", slog.Any("error", err))
			return writeJSON(out, res)
		}
		defer redisClient.Close()
		if err := menu.NewCache(redisClient, cfg.MenuCacheTTL).Bump(ctx); err != nil {
			logger.Warn("menu cache bump", slog.Any("error", err))
		}
	}
	return writeJSON(out, res)
}

func writeJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
