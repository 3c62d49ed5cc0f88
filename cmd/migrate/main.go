// Command migrate applies the ledger schema. It is the container entrypoint
// for database init jobs, where the full qbench CLI is not shipped.
package main

import (
	"context"
	"flag"
	"os"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"

	"github.com/quatton/qbench/pkg/db"
	"github.com/quatton/qbench/pkg/qlog"
)

func main() {
	rollback := flag.Bool("rollback", false, "roll back the last migration group")
	flag.Parse()

	log := qlog.NewDefault()
	if err := godotenv.Load(); err != nil {
		log.Info("no .env file found")
	} else {
		log.Info("loaded .env file")
	}

	ctx := context.Background()

	var cfg db.Config
	if err := envconfig.Process("QBENCH_DB", &cfg); err != nil {
		log.Fatalf("failed to process env vars: %v", err)
	}

	database, err := db.New(ctx, cfg)
	if err != nil {
		log.Fatalf("failed to connect to database: %v", err)
	}
	defer database.Close()

	if *rollback {
		err = db.Rollback(ctx, database, log)
	} else {
		err = db.Migrate(ctx, database, log)
	}
	if err != nil {
		log.Error("migration failed", "error", err)
		database.Close()
		os.Exit(1)
	}
}
