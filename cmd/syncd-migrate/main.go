package main

import (
	"database/sql"
	"flag"
	"os"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/firezone/idpsync/internal/dbx"
)

func env(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.With().Str("service", "idpsync-migrate").Logger()

	dsn := flag.String("dsn", env("DATABASE_URL", ""), "PostgreSQL connection string")
	flag.Parse()

	if *dsn == "" {
		log.Fatal().Msg("-dsn flag or DATABASE_URL env var is required")
	}

	sqlDB, err := sql.Open("pgx", *dsn)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open database connection")
	}
	defer sqlDB.Close()

	if err := sqlDB.Ping(); err != nil {
		log.Fatal().Err(err).Msg("failed to ping database")
	}

	if err := dbx.Migrate(sqlDB); err != nil {
		log.Fatal().Err(err).Msg("migration failed")
	}

	log.Info().Msg("migrations applied")
}
