// Command incident-report lists captured payments that have no recorded order.
// It reads incident journals, plain or gzip-rotated, and optionally checks
// each incident against the orders table to mark the ones support has already
// resolved.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"slices"
	"text/tabwriter"
	"time"

	"github.com/go-faster/errors"
	"golang.org/x/sync/errgroup"

	"github.com/xenking/kart-checkout/internal/domain/order"
	"github.com/xenking/kart-checkout/internal/incident"
	"github.com/xenking/kart-checkout/internal/storage/postgres"
)

func main() {
	var (
		journal     string
		databaseURL string
		asJSON      bool
	)
	flag.StringVar(&journal, "journal", "data/incidents.jsonl", "incident journal; rotated archives next to it are read too")
	flag.StringVar(&databaseURL, "database-url", "", "PostgreSQL connection URL used to mark resolved incidents (or DATABASE_URL env)")
	flag.BoolVar(&asJSON, "json", false, "print open incidents as JSON lines instead of a table")
	flag.Parse()

	if databaseURL == "" {
		databaseURL = os.Getenv("DATABASE_URL")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := run(ctx, os.Stdout, journal, databaseURL, asJSON); err != nil {
		slog.Error("incident report failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run(ctx context.Context, w io.Writer, journal, databaseURL string, asJSON bool) error {
	files, err := journalFiles(journal)
	if err != nil {
		return err
	}
	slog.Info("reading journals", slog.Int("files", len(files)))

	incidents, err := readAll(ctx, files)
	if err != nil {
		return err
	}
	incidents = incident.Dedupe(incidents)

	resolved := make([]bool, len(incidents))
	if databaseURL != "" && len(incidents) > 0 {
		pool, err := postgres.NewPool(ctx, databaseURL)
		if err != nil {
			return errors.Wrap(err, "connect to database")
		}
		defer pool.Close()

		if resolved, err = markResolved(ctx, postgres.NewOrderRepository(pool), incidents); err != nil {
			return err
		}
	}

	slog.Info("incidents found", slog.Int("count", len(incidents)))
	if asJSON {
		return writeJSON(w, incidents, resolved)
	}
	return writeTable(w, incidents, resolved)
}

// journalFiles returns the journal and its rotated archives, oldest first.
func journalFiles(journal string) ([]string, error) {
	archives, err := filepath.Glob(journal + ".*.gz")
	if err != nil {
		return nil, errors.Wrap(err, "glob archives")
	}
	slices.Sort(archives)

	files := archives
	if _, err := os.Stat(journal); err == nil {
		files = append(files, journal)
	} else if !os.IsNotExist(err) {
		return nil, errors.Wrapf(err, "stat %s", journal)
	}
	if len(files) == 0 {
		return nil, errors.Errorf("no journal found at %s", journal)
	}
	return files, nil
}

// readAll reads the files concurrently.
func readAll(ctx context.Context, files []string) ([]incident.Incident, error) {
	results := make([][]incident.Incident, len(files))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for i, path := range files {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			incs, err := incident.ReadFile(path)
			if err != nil {
				return errors.Wrapf(err, "read %s", path)
			}
			results[i] = incs
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return slices.Concat(results...), nil
}

type orderLookup interface {
	GetByIdempotencyKey(ctx context.Context, key string) (*order.Order, error)
}

// markResolved reports, per incident, whether an order now exists for its
// idempotency key.
func markResolved(ctx context.Context, orders orderLookup, incidents []incident.Incident) ([]bool, error) {
	resolved := make([]bool, len(incidents))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for i, inc := range incidents {
		g.Go(func() error {
			_, err := orders.GetByIdempotencyKey(ctx, inc.IdempotencyKey)
			switch {
			case err == nil:
				resolved[i] = true
			case errors.Is(err, order.ErrNotFound):
			default:
				return errors.Wrapf(err, "look up order %s", inc.IdempotencyKey)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return resolved, nil
}

func writeTable(w io.Writer, incidents []incident.Incident, resolved []bool) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "OCCURRED\tMETHOD\tREFERENCE\tAMOUNT\tUSER\tIDEMPOTENCY KEY\tSTATUS\tREASON")
	for i, inc := range incidents {
		status := "open"
		if resolved[i] {
			status = "resolved"
		}
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s %s\t%s\t%s\t%s\t%s\n",
			inc.OccurredAt.UTC().Format(time.RFC3339),
			inc.Method,
			inc.ProviderReference,
			inc.Amount.StringFixed(2), inc.Currency,
			inc.UserID,
			inc.IdempotencyKey,
			status,
			inc.Reason,
		)
	}
	if err := tw.Flush(); err != nil {
		return errors.Wrap(err, "write table")
	}
	return nil
}

func writeJSON(w io.Writer, incidents []incident.Incident, resolved []bool) error {
	for i, inc := range incidents {
		if resolved[i] {
			continue
		}
		if _, err := w.Write(append(incident.Encode(inc), '\n')); err != nil {
			return errors.Wrap(err, "write incident")
		}
	}
	return nil
}
