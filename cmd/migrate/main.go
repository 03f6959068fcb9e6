package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"

	"pharmatrack.org/internal/migrate"
	"pharmatrack.org/internal/obs"
)

func main() {
	var (
		dsn            = flag.String("dsn", os.Getenv("PHARMATRACK_DATABASE_DSN"), "PostgreSQL DSN")
		migrationsPath = flag.String("migrations", "", "directory with SQL migrations (default: embedded)")
		seedsPath      = flag.String("seeds", "", "directory with SQL seeds (default: embedded)")
		timeout        = flag.Duration("timeout", 30*time.Second, "overall timeout")
	)
	flag.Parse()

	logger, err := obs.NewLogger(obs.LogConfig{Level: "info", Format: "console"})
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	if *dsn == "" {
		logger.Fatal("missing DSN: provide via -dsn or PHARMATRACK_DATABASE_DSN")
	}
	if len(flag.Args()) == 0 {
		logger.Fatal("usage: migrate [up|down|seed|status]")
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	db, err := sql.Open("pgx", *dsn)
	if err != nil {
		logger.Fatal("open db", zap.Error(err))
	}
	defer db.Close()

	migrations, seeds := migrate.Migrations(), migrate.Seeds()
	if *migrationsPath != "" {
		migrations = os.DirFS(*migrationsPath)
	}
	if *seedsPath != "" {
		seeds = os.DirFS(*seedsPath)
	}
	mgr := migrate.NewManager(db, migrations, seeds, migrate.WithLogger(logger))

	cmd := flag.Arg(0)
	switch cmd {
	case "up":
		err = mgr.Up(ctx)
	case "down":
		err = mgr.Down(ctx)
	case "seed":
		err = mgr.Seed(ctx)
	case "status":
		err = printStatus(ctx, mgr, migrations)
	default:
		logger.Fatal("unknown command", zap.String("command", cmd))
	}
	if err != nil {
		logger.Fatal("migrate failed", zap.String("command", cmd), zap.Error(err))
	}
}

func printStatus(ctx context.Context, mgr *migrate.Manager, migrations fs.FS) error {
	history, err := mgr.Status(ctx)
	if err != nil {
		return err
	}
	applied := make(map[string]bool, len(history))
	for _, item := range history {
		fmt.Println(item)
		applied[item] = true
	}
	available, err := fs.Glob(migrations, "*.up.sql")
	if err != nil {
		return err
	}
	for _, name := range available {
		if !applied[name] {
			fmt.Printf("%s (pending)\n", name)
		}
	}
	return nil
}
