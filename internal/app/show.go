package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"anchored-view/internal/storage"
)

// Show prints the most recent oracle events.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot show events")
	}
	if closeStore != nil {
		defer closeStore()
	}

	records, err := store.ListRecentEvents(ctx, opts.Limit)
	if err != nil {
		return err
	}
	return writeEvents(os.Stdout, records)
}

func writeEvents(out io.Writer, records []storage.EventRecord) error {
	if len(records) == 0 {
		fmt.Fprintln(out, "no events found")
		return nil
	}

	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "ID\tTime (UTC)\tKind\tPayload")
	for _, rec := range records {
		fmt.Fprintf(
			writer,
			"%d\t%s\t%s\t%s\n",
			rec.ID,
			rec.RecordedAt.UTC().Format(time.RFC3339),
			rec.Kind,
			sanitizeInline(string(rec.Payload)),
		)
	}
	return writer.Flush()
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	return cleaned
}
