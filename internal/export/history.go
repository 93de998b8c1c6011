package export

import (
	"bufio"
	"encoding/csv"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/rpattn/jobledger/internal/domain"
)

// Format selects the export document type.
type Format string

const (
	FormatCSV  Format = "csv"
	FormatXLSX Format = "xlsx"
)

// ChangeSeparator joins the field changes of one entry inside a single cell.
const ChangeSeparator = "; "

const sheetName = "History"

// Header is the first line of every export.
var Header = []string{"Changed At", "Changed By", "Action", "Changes"}

// Row is one exported log entry.
type Row struct {
	ChangedAt time.Time
	ChangedBy string
	Action    domain.LogAction
	Changes   []domain.FieldChange
}

// ParseFormat resolves a user supplied format, defaulting to CSV.
func ParseFormat(value string) (Format, error) {
	switch Format(strings.ToLower(strings.TrimSpace(value))) {
	case "", FormatCSV:
		return FormatCSV, nil
	case FormatXLSX:
		return FormatXLSX, nil
	default:
		return "", fmt.Errorf("unsupported export format %q", value)
	}
}

// MimeType returns the content type of the format.
func (f Format) MimeType() string {
	if f == FormatXLSX {
		return "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	}
	return "text/csv"
}

// Write renders rows in the requested format.
func Write(w io.Writer, format Format, rows []Row) error {
	switch format {
	case FormatCSV, "":
		return WriteCSV(w, rows)
	case FormatXLSX:
		return WriteXLSX(w, rows)
	default:
		return fmt.Errorf("unsupported export format %q", format)
	}
}

// WriteCSV renders a header plus one line per row. Output depends only on rows.
func WriteCSV(w io.Writer, rows []Row) error {
	buffered := bufio.NewWriter(w)
	csvWriter := csv.NewWriter(buffered)

	if err := csvWriter.Write(Header); err != nil {
		return fmt.Errorf("write csv header: %w", err)
	}
	for _, row := range rows {
		if err := csvWriter.Write(row.cells()); err != nil {
			return fmt.Errorf("write csv row: %w", err)
		}
	}

	csvWriter.Flush()
	if err := csvWriter.Error(); err != nil {
		return fmt.Errorf("flush csv: %w", err)
	}
	return buffered.Flush()
}

// WriteXLSX renders the same cells as WriteCSV into a single-sheet workbook.
func WriteXLSX(w io.Writer, rows []Row) error {
	file := excelize.NewFile()
	defer file.Close()

	if err := file.SetSheetName("Sheet1", sheetName); err != nil {
		return fmt.Errorf("name sheet: %w", err)
	}

	stream, err := file.NewStreamWriter(sheetName)
	if err != nil {
		return fmt.Errorf("open sheet writer: %w", err)
	}

	if err := stream.SetRow("A1", toInterfaces(Header)); err != nil {
		return fmt.Errorf("write xlsx header: %w", err)
	}
	for i, row := range rows {
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return fmt.Errorf("resolve xlsx cell: %w", err)
		}
		if err := stream.SetRow(cell, toInterfaces(row.cells())); err != nil {
			return fmt.Errorf("write xlsx row: %w", err)
		}
	}
	if err := stream.Flush(); err != nil {
		return fmt.Errorf("flush xlsx: %w", err)
	}

	if _, err := file.WriteTo(w); err != nil {
		return fmt.Errorf("write xlsx: %w", err)
	}
	return nil
}

// FileName builds the download name from the job order number.
func FileName(jobOrderNumber string, format Format) string {
	if format == "" {
		format = FormatCSV
	}
	base := sanitizeFileComponent(jobOrderNumber)
	if base == "" {
		base = "unnumbered"
	}
	return fmt.Sprintf("job-order-%s-history.%s", base, format)
}

func (r Row) cells() []string {
	changes := string(r.Action)
	if r.Action != domain.LogActionCreated {
		changes = domain.FormatChanges(r.Changes, ChangeSeparator)
	}
	return []string{
		r.ChangedAt.UTC().Format(time.RFC3339),
		lineBreaks.Replace(r.ChangedBy),
		string(r.Action),
		lineBreaks.Replace(changes),
	}
}

// lineBreaks keeps every entry on a single physical line.
var lineBreaks = strings.NewReplacer("\r\n", `\n`, "\n", `\n`, "\r", `\r`)

func toInterfaces(values []string) []interface{} {
	out := make([]interface{}, len(values))
	for i, value := range values {
		out[i] = value
	}
	return out
}

func sanitizeFileComponent(value string) string {
	value = strings.ToLower(strings.TrimSpace(value))
	if value == "" {
		return ""
	}
	builder := strings.Builder{}
	for _, r := range value {
		switch {
		case r >= 'a' && r <= 'z':
			builder.WriteRune(r)
		case r >= '0' && r <= '9':
			builder.WriteRune(r)
		case r == '-' || r == '_':
			builder.WriteRune(r)
		default:
			builder.WriteRune('-')
		}
	}
	return strings.Trim(builder.String(), "-")
}
