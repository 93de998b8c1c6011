package export

import (
	"bytes"
	"encoding/csv"
	"strings"
	"testing"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/rpattn/jobledger/internal/domain"
)

func sampleRows() []Row {
	base := time.Date(2024, 4, 2, 9, 30, 0, 0, time.UTC)
	return []Row{
		{ChangedAt: base, ChangedBy: "Alice Smith", Action: domain.LogActionCreated},
		{
			ChangedAt: base.Add(time.Hour),
			ChangedBy: "Bob, Jr.",
			Action:    domain.LogActionUpdated,
			Changes: []domain.FieldChange{
				{Field: "status", Old: "pending", New: "in-progress"},
				{Field: "hours", Old: "0", New: "2"},
			},
		},
		{
			ChangedAt: base.Add(2 * time.Hour),
			ChangedBy: "Alice Smith",
			Action:    domain.LogActionUpdated,
			Changes:   []domain.FieldChange{{Field: "notes", Old: "", New: "said \"urgent\""}},
		},
	}
}

func TestWriteCSVProducesHeaderAndOneLinePerEntry(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteCSV(&buf, sampleRows()); err != nil {
		t.Fatalf("write csv: %v", err)
	}

	records, err := csv.NewReader(strings.NewReader(buf.String())).ReadAll()
	if err != nil {
		t.Fatalf("read back csv: %v", err)
	}
	if len(records) != 4 {
		t.Fatalf("expected header plus 3 rows, got %d", len(records))
	}
	if strings.Join(records[0], "|") != strings.Join(Header, "|") {
		t.Fatalf("unexpected header: %v", records[0])
	}

	expected := [][]string{
		{"2024-04-02T09:30:00Z", "Alice Smith", "created", "created"},
		{"2024-04-02T10:30:00Z", "Bob, Jr.", "updated", "status: pending → in-progress; hours: 0 → 2"},
		{"2024-04-02T11:30:00Z", "Alice Smith", "updated", "notes:  → said \"urgent\""},
	}
	for idx, want := range expected {
		got := records[idx+1]
		for col := range want {
			if got[col] != want[col] {
				t.Errorf("row %d col %d: expected %q got %q", idx+1, col, want[col], got[col])
			}
		}
	}
}

func TestWriteCSVKeepsMultiLineValuesOnOneLine(t *testing.T) {
	rows := sampleRows()
	rows[2].Changes = []domain.FieldChange{{Field: "notes", Old: "", New: "line one\nline two\r\nline three"}}

	var buf bytes.Buffer
	if err := WriteCSV(&buf, rows); err != nil {
		t.Fatalf("write csv: %v", err)
	}
	lines := strings.Split(strings.TrimSuffix(buf.String(), "\n"), "\n")
	if len(lines) != len(rows)+1 {
		t.Fatalf("expected %d physical lines, got %d:\n%s", len(rows)+1, len(lines), buf.String())
	}

	records, err := csv.NewReader(strings.NewReader(buf.String())).ReadAll()
	if err != nil {
		t.Fatalf("read back csv: %v", err)
	}
	if got, want := records[3][3], `notes:  → line one\nline two\nline three`; got != want {
		t.Fatalf("expected escaped change %q, got %q", want, got)
	}
}

func TestWriteCSVIsDeterministic(t *testing.T) {
	var first, second bytes.Buffer
	if err := WriteCSV(&first, sampleRows()); err != nil {
		t.Fatalf("first write: %v", err)
	}
	if err := WriteCSV(&second, sampleRows()); err != nil {
		t.Fatalf("second write: %v", err)
	}
	if first.String() != second.String() {
		t.Fatalf("csv output differs between runs")
	}
}

func TestWriteCSVEmptyHistory(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteCSV(&buf, nil); err != nil {
		t.Fatalf("write csv: %v", err)
	}
	if got := strings.TrimSpace(buf.String()); got != "Changed At,Changed By,Action,Changes" {
		t.Fatalf("expected header only, got %q", got)
	}
}

func TestWriteXLSXMatchesCSVCells(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteXLSX(&buf, sampleRows()); err != nil {
		t.Fatalf("write xlsx: %v", err)
	}

	book, err := excelize.OpenReader(bytes.NewReader(buf.Bytes()))
	if err != nil {
		t.Fatalf("open workbook: %v", err)
	}
	defer book.Close()

	rows, err := book.GetRows(sheetName)
	if err != nil {
		t.Fatalf("read sheet: %v", err)
	}
	if len(rows) != 4 {
		t.Fatalf("expected 4 rows, got %d", len(rows))
	}
	if rows[0][3] != "Changes" {
		t.Fatalf("unexpected header row: %v", rows[0])
	}
	if rows[2][3] != "status: pending → in-progress; hours: 0 → 2" {
		t.Fatalf("unexpected changes cell: %q", rows[2][3])
	}
	if rows[1][1] != "Alice Smith" {
		t.Fatalf("unexpected actor cell: %q", rows[1][1])
	}
}

func TestParseFormat(t *testing.T) {
	cases := map[string]Format{"": FormatCSV, "CSV": FormatCSV, " xlsx ": FormatXLSX}
	for input, want := range cases {
		got, err := ParseFormat(input)
		if err != nil {
			t.Fatalf("ParseFormat(%q): %v", input, err)
		}
		if got != want {
			t.Fatalf("ParseFormat(%q) = %q, want %q", input, got, want)
		}
	}
	if _, err := ParseFormat("pdf"); err == nil {
		t.Fatalf("expected pdf to be rejected")
	}
}

func TestFileName(t *testing.T) {
	if got := FileName("JO-2024/17", FormatCSV); got != "job-order-jo-2024-17-history.csv" {
		t.Fatalf("unexpected file name %q", got)
	}
	if got := FileName("  ", FormatXLSX); got != "job-order-unnumbered-history.xlsx" {
		t.Fatalf("unexpected fallback file name %q", got)
	}
}
