// cmd/seeder/main.go
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"

	"github.com/omica1992/whatsapp-dispatch/internal/config"
	"github.com/omica1992/whatsapp-dispatch/internal/db"
	"github.com/omica1992/whatsapp-dispatch/internal/logger"
)

var seedFiles = []string{
	"contacts.sql",
	"campaigns.sql",
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func main() {
	dir := flag.String("dir", "seed", "directory holding the seed files")
	flag.Parse()

	cfg := config.MustLoad()
	logger.Setup(cfg.Env, cfg.LogLevel, "seeder")
	ctx := context.Background()

	dsn := cfg.Database.DSN()
	if err := db.MigrateUp(dsn); err != nil {
		log.Fatal().Err(err).Msg("migrate")
	}
	conn, err := db.Open(ctx, dsn, 1)
	if err != nil {
		log.Fatal().Err(err).Msg("open database")
	}
	defer conn.Close()

	if err := seed(ctx, conn, *dir, seedFiles); err != nil {
		log.Fatal().Err(err).Msg("seed")
	}
	log.Info().Msg("database seeding completed")
}

func seed(ctx context.Context, db execer, dir string, files []string) error {
	for _, file := range files {
		path := filepath.Join(dir, file)
		content, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", path, err)
		}
		if _, err := db.ExecContext(ctx, string(content)); err != nil {
			return fmt.Errorf("failed to execute %s: %w", path, err)
		}
		log.Info().Str("file", path).Msg("seeded")
	}
	return nil
}
