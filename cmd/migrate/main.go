package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"qazna.org/warden/internal/config"
	"qazna.org/warden/internal/migrate"
	"qazna.org/warden/internal/obs"
	"qazna.org/warden/internal/store/pg"
)

func main() {
	log := obs.NewLogger(os.Stderr, "warden-migrate", os.Getenv("LOG_LEVEL"))
	dsn := flag.String("dsn", config.EnvDefault("WARDEN_PG_DSN", ""), "PostgreSQL DSN")
	flag.Parse()

	if *dsn == "" {
		log.Fatal().Msg("missing DSN: provide via -dsn or WARDEN_PG_DSN")
	}
	if len(flag.Args()) == 0 {
		log.Fatal().Msg("usage: migrate [up|down|status]")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	store, err := pg.Open(*dsn)
	if err != nil {
		log.Fatal().Err(err).Msg("open db")
	}
	defer store.Close()

	mgr := migrate.NewManager(store.DB(), nil)

	switch flag.Arg(0) {
	case "up":
		var applied []string
		applied, err = mgr.Up(ctx)
		for _, name := range applied {
			log.Info().Str("migration", name).Msg("applied")
		}
	case "down":
		var name string
		name, err = mgr.Down(ctx)
		if errors.Is(err, migrate.ErrNothingApplied) {
			log.Info().Msg("nothing to roll back")
			return
		}
		if err == nil {
			log.Info().Str("migration", name).Msg("rolled back")
		}
	case "status":
		var history []string
		history, err = mgr.Status(ctx)
		if err == nil {
			for _, item := range history {
				fmt.Println(item)
			}
		}
	default:
		log.Fatal().Str("command", flag.Arg(0)).Msg("unknown command")
	}
	if err != nil {
		log.Fatal().Err(err).Str("command", flag.Arg(0)).Msg("migrate failed")
	}
}
