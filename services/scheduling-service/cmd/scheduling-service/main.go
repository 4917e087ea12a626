package main

import (
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/urfave/cli/v2"
)

func main() {
	// A missing .env is fine; the environment may already be set.
	_ = godotenv.Load()

	app := &cli.App{
		Name:  "scheduling-service",
		Usage: "Appointment scheduling on top of a shared clinic calendar.",
		Commands: []*cli.Command{
			serveCommand(),
			remindCommand(),
			resolveCommand(),
			healthcheckCommand(),
			tokenCommand(),
		},
		DefaultCommand: "serve",
	}

	if err := app.Run(os.Args); err != nil {
		slog.Error("scheduling-service failed", "err", err)
		os.Exit(1)
	}
}
