package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/odyssey-erp/quotedesk/cmd/quotectl/cli"
	"github.com/odyssey-erp/quotedesk/internal/app"
	"github.com/odyssey-erp/quotedesk/internal/platform/db"
	"github.com/odyssey-erp/quotedesk/internal/quotes"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	root := cli.NewRootCommand(cli.Options{
		Migrate: func(ctx context.Context) error {
			pool, err := db.New(ctx, cfg.PGDSN, 1)
			if err != nil {
				return err
			}
			defer pool.Close()
			return quotes.NewRepository(pool).Migrate(ctx)
		},
		Jobs: func() (cli.Jobs, error) {
			return cli.NewJobsCLI(cfg.RedisAddr, cfg.RedisDB, cfg.IdempotencyCleanupAge), nil
		},
	})
	if err := root.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}
