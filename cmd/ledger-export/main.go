// Command ledger-export dumps the transaction ledger as gzip-compressed
// JSON lines for reconciliation with gateway settlement reports.
package main

import (
	"context"
	"flag"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"time"

	"github.com/go-faster/errors"

	"github.com/xenking/marketplace-core/internal/storage/postgres"
)

func main() {
	var (
		databaseURL string
		outPath     string
		sinceFlag   string
	)

	flag.StringVar(&databaseURL, "database-url", "", "PostgreSQL connection URL (or DATABASE_URL env)")
	flag.StringVar(&outPath, "out", "ledger.jsonl.gz", "output file, - for stdout")
	flag.StringVar(&sinceFlag, "since", "", "export entries created at or after this RFC 3339 time")
	flag.Parse()

	if databaseURL == "" {
		databaseURL = os.Getenv("DATABASE_URL")
	}
	if databaseURL == "" {
		slog.Error("database URL is required: set --database-url or DATABASE_URL")
		os.Exit(1)
	}

	var since time.Time
	if sinceFlag != "" {
		t, err := time.Parse(time.RFC3339, sinceFlag)
		if err != nil {
			slog.Error("invalid --since", slog.String("error", err.Error()))
			os.Exit(1)
		}
		since = t
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := run(ctx, databaseURL, outPath, since); err != nil {
		slog.Error("export failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run(ctx context.Context, databaseURL, outPath string, since time.Time) (rerr error) {
	pool, err := postgres.NewPool(ctx, databaseURL)
	if err != nil {
		return errors.Wrap(err, "connect to database")
	}
	defer pool.Close()

	var out io.Writer = os.Stdout
	if outPath != "-" {
		f, err := os.Create(outPath)
		if err != nil {
			return errors.Wrap(err, "create output file")
		}
		defer func() {
			if err := f.Close(); err != nil && rerr == nil {
				rerr = errors.Wrap(err, "close output file")
			}
		}()
		out = f
	}

	start := time.Now()
	n, err := export(ctx, postgres.NewStore(pool), since, out)
	if err != nil {
		return err
	}

	slog.Info("ledger exported",
		slog.Int("transactions", n),
		slog.String("out", outPath),
		slog.Duration("elapsed", time.Since(start)),
	)
	return nil
}
