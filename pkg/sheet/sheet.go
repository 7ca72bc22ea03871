// Package sheet reads the tabular input of a batch (CSV in any common
// encoding, or XLSX), turns its rows into lookup items and writes the
// filtered result table.
package sheet

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/rs/zerolog/log"
	"github.com/saintfish/chardet"
	"github.com/xuri/excelize/v2"
	"golang.org/x/text/encoding/htmlindex"

	"github.com/Sternrassler/lookup-checker/pkg/model"
	"github.com/Sternrassler/lookup-checker/pkg/phone"
)

var (
	// ErrUnsupportedFormat is returned for file extensions other than csv, txt and xlsx.
	ErrUnsupportedFormat = errors.New("unsupported input format")

	// ErrEmpty is returned when the input holds no data rows.
	ErrEmpty = errors.New("input has no rows")
)

// MaxInputBytes bounds the size of an input file.
const MaxInputBytes = 64 << 20

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// Table is a parsed input file. The identifier is in column 0 and the
// optional label in column 1.
type Table struct {
	Name     string
	Header   []string
	Rows     [][]string
	Encoding string
}

// Open reads the file at path, choosing the parser by extension.
func Open(path string) (*Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open input: %w", err)
	}
	defer f.Close()
	return Parse(filepath.Base(path), f)
}

// Parse reads r as the format implied by name.
func Parse(name string, r io.Reader) (*Table, error) {
	var (
		t   *Table
		err error
	)
	switch strings.ToLower(filepath.Ext(name)) {
	case ".csv", ".txt":
		t, err = ReadCSV(r)
	case ".xlsx":
		t, err = ReadXLSX(r)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, filepath.Ext(name))
	}
	if err != nil {
		return nil, err
	}
	t.Name = name
	return t, nil
}

// ReadCSV reads delimited text. The encoding is detected when the input is
// not valid UTF-8; the delimiter is sniffed from the first line.
func ReadCSV(r io.Reader) (*Table, error) {
	raw, err := io.ReadAll(io.LimitReader(r, MaxInputBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read input: %w", err)
	}
	if len(raw) > MaxInputBytes {
		return nil, fmt.Errorf("input exceeds %d bytes", MaxInputBytes)
	}

	text, encoding := decode(raw)

	reader := csv.NewReader(bytes.NewReader(text))
	reader.Comma = sniffDelimiter(text)
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true
	reader.TrimLeadingSpace = true

	records, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("parse csv: %w", err)
	}

	t, err := newTable(records)
	if err != nil {
		return nil, err
	}
	t.Encoding = encoding

	log.Debug().
		Str("component", "sheet").
		Str("encoding", encoding).
		Int("rows", len(t.Rows)).
		Bool("header", t.Header != nil).
		Msg("Read CSV input")
	return t, nil
}

// ReadXLSX reads the first worksheet of a workbook.
func ReadXLSX(r io.Reader) (*Table, error) {
	f, err := excelize.OpenReader(r)
	if err != nil {
		return nil, fmt.Errorf("open workbook: %w", err)
	}
	defer func() { _ = f.Close() }()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, ErrEmpty
	}
	rows, err := f.GetRows(sheets[0])
	if err != nil {
		return nil, fmt.Errorf("read sheet %q: %w", sheets[0], err)
	}

	t, err := newTable(rows)
	if err != nil {
		return nil, err
	}
	t.Encoding = "UTF-8"
	return t, nil
}

// newTable drops blank rows and splits off the header row. The first row is
// a header when its identifier cell holds no digits.
func newTable(records [][]string) (*Table, error) {
	rows := make([][]string, 0, len(records))
	for _, rec := range records {
		if isBlank(rec) {
			continue
		}
		rows = append(rows, rec)
	}
	if len(rows) == 0 {
		return nil, ErrEmpty
	}

	t := &Table{}
	if !phone.HasDigits(cell(rows[0], 0)) {
		t.Header = rows[0]
		rows = rows[1:]
	}
	t.Rows = rows
	return t, nil
}

// Items returns one lookup item per row with a non-empty identifier cell.
// Rows whose identifier does not normalize are kept as invalid items.
func (t *Table) Items(rules phone.Rules) []model.LookupItem {
	items := make([]model.LookupItem, 0, len(t.Rows))
	for i, row := range t.Rows {
		raw := strings.TrimSpace(cell(row, 0))
		if raw == "" {
			continue
		}
		item := model.LookupItem{
			Raw:   raw,
			Label: strings.TrimSpace(cell(row, 1)),
			Row:   i,
		}
		if id, err := rules.Normalize(raw); err == nil {
			item.Identifier = id
			item.Valid = true
		}
		items = append(items, item)
	}
	return items
}

// WriteFiltered writes the header and every row whose item key is in keep,
// in the original order, as UTF-8 CSV. It returns the number of data rows
// written.
func (t *Table) WriteFiltered(w io.Writer, rules phone.Rules, keep map[string]bool) (int, error) {
	cw := csv.NewWriter(w)
	if t.Header != nil {
		if err := cw.Write(t.Header); err != nil {
			return 0, fmt.Errorf("write header: %w", err)
		}
	}

	written := 0
	for _, row := range t.Rows {
		raw := strings.TrimSpace(cell(row, 0))
		if raw == "" {
			continue
		}
		key := raw
		if id, err := rules.Normalize(raw); err == nil {
			key = id
		}
		if !keep[key] {
			continue
		}
		if err := cw.Write(row); err != nil {
			return written, fmt.Errorf("write row: %w", err)
		}
		written++
	}

	cw.Flush()
	if err := cw.Error(); err != nil {
		return written, fmt.Errorf("flush csv: %w", err)
	}
	return written, nil
}

// decode converts raw to UTF-8. Undecodable input is kept with invalid
// sequences replaced.
func decode(raw []byte) ([]byte, string) {
	raw = bytes.TrimPrefix(raw, utf8BOM)
	if utf8.Valid(raw) {
		return raw, "UTF-8"
	}

	res, err := chardet.NewTextDetector().DetectBest(raw)
	if err == nil && res != nil {
		if enc, err := htmlindex.Get(res.Charset); err == nil {
			if out, err := enc.NewDecoder().Bytes(raw); err == nil {
				return out, res.Charset
			}
		}
	}

	log.Warn().
		Str("component", "sheet").
		Msg("Could not detect input encoding, replacing invalid bytes")
	return bytes.ToValidUTF8(raw, []byte("�")), "UTF-8"
}

// sniffDelimiter picks ';' or tab when the first line uses it and has no comma.
func sniffDelimiter(text []byte) rune {
	line := text
	if i := bytes.IndexByte(text, '\n'); i >= 0 {
		line = text[:i]
	}
	switch {
	case bytes.IndexByte(line, ',') >= 0:
		return ','
	case bytes.IndexByte(line, ';') >= 0:
		return ';'
	case bytes.IndexByte(line, '\t') >= 0:
		return '\t'
	default:
		return ','
	}
}

func cell(row []string, i int) string {
	if i < len(row) {
		return row[i]
	}
	return ""
}

func isBlank(row []string) bool {
	for _, c := range row {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}
