package main

import (
	"context"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"time"

	"go.uber.org/zap"

	"stormcrm.dev/internal/config"
	"stormcrm.dev/internal/migrate"
	"stormcrm.dev/internal/obs"
	"stormcrm.dev/internal/store"
)

func main() {
	var (
		dsn       = flag.String("dsn", os.Getenv("DATABASE_URL"), "PostgreSQL DSN")
		seedsPath = flag.String("seeds", "", "Directory of SQL seed files")
		timeout   = flag.Duration("timeout", 30*time.Second, "Overall timeout")
	)
	flag.Parse()
	logger := obs.Logger()

	if *dsn == "" {
		logger.Fatal("missing DSN: provide via -dsn or DATABASE_URL")
	}
	if len(flag.Args()) == 0 {
		logger.Fatal("usage: migrate [up|down|seed|status]")
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	pg, err := store.OpenPostgres(ctx, *dsn, 1, store.WithConnTimeout(config.Defaults().DBConnectTimeout))
	if err != nil {
		logger.Fatal("open db", zap.Error(err))
	}
	defer pg.Close()

	var opts []migrate.Option
	if *seedsPath != "" {
		var seeds fs.FS = os.DirFS(*seedsPath)
		opts = append(opts, migrate.WithSeeds(seeds))
	}
	mgr := migrate.NewManager(pg.DB(), nil, opts...)

	switch flag.Arg(0) {
	case "up":
		err = mgr.Up(ctx)
	case "down":
		err = mgr.Down(ctx)
	case "seed":
		err = mgr.Seed(ctx)
	case "status":
		var history []string
		history, err = mgr.Status(ctx)
		if err == nil {
			for _, item := range history {
				fmt.Println(item)
			}
		}
	default:
		logger.Fatal("unknown command", zap.String("command", flag.Arg(0)))
	}
	if err != nil {
		logger.Fatal("migrate failed", zap.String("command", flag.Arg(0)), zap.Error(err))
	}
	logger.Info("migrate done", zap.String("command", flag.Arg(0)))
}
