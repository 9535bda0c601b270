package books

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"time"
)

// ExportFilename is offered to browsers in Content-Disposition.
const ExportFilename = "books-export.csv"

var exportHeader = []string{
	"ID", "Title", "Author", "Publisher", "Price", "Availability",
	"Genre", "Stock", "ISBN", "Created At", "Updated At",
}

// ExportCSV writes the header and one row per matching book to w, flushing
// every flushEvery rows so large exports reach the client incrementally.
// It returns the number of data rows written.
func (s *Service) ExportCSV(ctx context.Context, filters Filters, sort Sort, w io.Writer) (int, error) {
	const flushEvery = 500

	cw := csv.NewWriter(w)
	if err := cw.Write(exportHeader); err != nil {
		return 0, fmt.Errorf("write csv header: %w", err)
	}

	rows := 0
	err := s.repo.Each(ctx, filters, sort, func(b Book) error {
		if err := cw.Write(exportRow(b)); err != nil {
			return err
		}
		rows++
		if rows%flushEvery == 0 {
			cw.Flush()
			return cw.Error()
		}
		return nil
	})
	if err != nil {
		return rows, fmt.Errorf("export books: %w", err)
	}

	cw.Flush()
	if err := cw.Error(); err != nil {
		return rows, fmt.Errorf("flush csv: %w", err)
	}
	return rows, nil
}

func exportRow(b Book) []string {
	isbn := ""
	if b.ISBN != nil {
		isbn = *b.ISBN
	}
	return []string{
		b.ID.String(),
		b.Title,
		b.Author,
		b.Publisher,
		b.Price.String(),
		strconv.FormatBool(b.Availability),
		string(b.Genre),
		strconv.Itoa(b.Stock),
		isbn,
		b.CreatedAt.UTC().Format(time.RFC3339),
		b.UpdatedAt.UTC().Format(time.RFC3339),
	}
}
