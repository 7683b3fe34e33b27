package app

import (
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/shopspring/decimal"

	"ratewatch/internal/storage"
)

// ShowMarks prints rate marks in a table.
func (a *App) ShowMarks(ctx context.Context, opts ShowOptions) error {
	store, closeStore, err := a.requireStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	return listMarks(ctx, store, os.Stdout, opts)
}

func listMarks(ctx context.Context, lister storage.MarkLister, w io.Writer, opts ShowOptions) error {
	marks, err := lister.ListMarks(ctx, storage.MarkFilter{
		ActiveOnly: opts.ActiveOnly,
		OwnerID:    opts.OwnerID,
		Limit:      opts.Limit,
	})
	if err != nil {
		return err
	}
	if len(marks) == 0 {
		fmt.Fprintln(w, "no marks found")
		return nil
	}
	return writeMarks(w, marks)
}

func writeMarks(w io.Writer, marks []storage.Mark) error {
	writer := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "ID\tUser\tCondition\tTarget\tActive")
	for _, m := range marks {
		fmt.Fprintf(writer, "%d\t%d\t%s\t%s\t%t\n",
			m.ID,
			m.OwnerID,
			m.Condition,
			formatDecimal(m.TargetRate, 4),
			m.IsActive,
		)
	}
	return writer.Flush()
}

func formatDecimal(d decimal.Decimal, places int32) string {
	return d.StringFixed(places)
}
