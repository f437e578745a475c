// Command migrate applies the order journal schema to a PostgreSQL database.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/coachpo/venuekit/internal/infra/config"
	"github.com/coachpo/venuekit/internal/infra/persistence/migrations"
	"github.com/coachpo/venuekit/internal/observability"
)

const defaultTimeout = 30 * time.Second

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(args []string) error {
	fs := flag.NewFlagSet("migrate", flag.ContinueOnError)
	var (
		dsn     = fs.String("database", os.Getenv(config.EnvPrefix+"JOURNAL_DSN"), "PostgreSQL DSN (defaults to $VENUEKIT_JOURNAL_DSN)")
		dir     = fs.String("path", "", "Directory containing SQL migrations (defaults to the embedded set)")
		timeout = fs.Duration("timeout", defaultTimeout, "Maximum time to wait for database connectivity")
		quiet   = fs.Bool("quiet", false, "Suppress informational logs")
	)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if strings.TrimSpace(*dsn) == "" {
		return errors.New("-database flag or VENUEKIT_JOURNAL_DSN is required")
	}
	if cmd := fs.Arg(0); cmd != "" && cmd != "up" {
		return fmt.Errorf("unknown command %q (expected up)", cmd)
	}

	if !*quiet {
		logger, err := observability.Install(observability.LogrusOptions{Format: "text", Component: "migrate"})
		if err != nil {
			return err
		}
		defer func() { _ = logger.Close() }()
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()
	return migrations.Apply(ctx, *dsn, *dir)
}
