// Package sheets appends complaint rows to a Google Sheets spreadsheet, which
// serves as the complaints dashboard.
package sheets

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"google.golang.org/api/option"
	sheetsapi "google.golang.org/api/sheets/v4"

	"github.com/BTreeMap/ComplaintPipe/internal/models"
)

// DefaultSheetName is the tab rows are appended to.
const DefaultSheetName = "Complaints"

// Value options passed to the Sheets API.
const (
	valueInputUserEntered = "USER_ENTERED"
	valueInputRaw         = "RAW"
	insertDataRows        = "INSERT_ROWS"
)

var (
	ErrSpreadsheetIDRequired = errors.New("spreadsheet id is required")
	ErrEmptyRowID            = errors.New("row id cannot be empty")
)

// valuesAPI is the subset of the Sheets values service used by Writer.
type valuesAPI interface {
	Append(ctx context.Context, spreadsheetID, rng string, vr *sheetsapi.ValueRange) error
	Get(ctx context.Context, spreadsheetID, rng string) (*sheetsapi.ValueRange, error)
	Update(ctx context.Context, spreadsheetID, rng string, vr *sheetsapi.ValueRange) error
}

// serviceValues adapts *sheetsapi.SpreadsheetsValuesService to valuesAPI.
type serviceValues struct {
	svc *sheetsapi.SpreadsheetsValuesService
}

func (s serviceValues) Append(ctx context.Context, spreadsheetID, rng string, vr *sheetsapi.ValueRange) error {
	_, err := s.svc.Append(spreadsheetID, rng, vr).
		ValueInputOption(valueInputUserEntered).
		InsertDataOption(insertDataRows).
		Context(ctx).
		Do()
	return err
}

func (s serviceValues) Get(ctx context.Context, spreadsheetID, rng string) (*sheetsapi.ValueRange, error) {
	return s.svc.Get(spreadsheetID, rng).Context(ctx).Do()
}

func (s serviceValues) Update(ctx context.Context, spreadsheetID, rng string, vr *sheetsapi.ValueRange) error {
	_, err := s.svc.Update(spreadsheetID, rng, vr).
		ValueInputOption(valueInputRaw).
		Context(ctx).
		Do()
	return err
}

// Opts holds configuration options for the spreadsheet writer.
type Opts struct {
	CredentialsFile string
	SpreadsheetID   string
	SheetName       string
}

// Option defines a configuration option for the spreadsheet writer.
type Option func(*Opts)

// WithCredentialsFile sets the service account JSON key path.
func WithCredentialsFile(path string) Option {
	return func(o *Opts) { o.CredentialsFile = path }
}

// WithSpreadsheetID sets the target spreadsheet.
func WithSpreadsheetID(id string) Option {
	return func(o *Opts) { o.SpreadsheetID = id }
}

// WithSheetName sets the tab rows are appended to.
func WithSheetName(name string) Option {
	return func(o *Opts) { o.SheetName = name }
}

// Writer appends complaint rows to a spreadsheet tab.
type Writer struct {
	values        valuesAPI
	spreadsheetID string
	sheetName     string
}

// NewWriter creates a Writer. The credentials path falls back to
// GOOGLE_APPLICATION_CREDENTIALS; without either, application default
// credentials are used.
func NewWriter(ctx context.Context, opts ...Option) (*Writer, error) {
	cfg := Opts{SheetName: DefaultSheetName}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.CredentialsFile == "" {
		cfg.CredentialsFile = os.Getenv("GOOGLE_APPLICATION_CREDENTIALS")
	}
	slog.Debug("Sheets NewWriter options set", "credentials_set", cfg.CredentialsFile != "", "spreadsheet_set", cfg.SpreadsheetID != "", "sheet", cfg.SheetName)
	if cfg.SpreadsheetID == "" {
		return nil, ErrSpreadsheetIDRequired
	}

	clientOpts := []option.ClientOption{option.WithScopes(sheetsapi.SpreadsheetsScope)}
	if cfg.CredentialsFile != "" {
		clientOpts = append(clientOpts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	srv, err := sheetsapi.NewService(ctx, clientOpts...)
	if err != nil {
		slog.Error("Sheets NewWriter: failed to create service", "error", err)
		return nil, fmt.Errorf("failed to create sheets service: %w", err)
	}
	return newWriterWithValues(serviceValues{svc: srv.Spreadsheets.Values}, cfg), nil
}

func newWriterWithValues(values valuesAPI, cfg Opts) *Writer {
	if cfg.SheetName == "" {
		cfg.SheetName = DefaultSheetName
	}
	return &Writer{values: values, spreadsheetID: cfg.SpreadsheetID, sheetName: cfg.SheetName}
}

// Name identifies the sink in logs and metrics.
func (w *Writer) Name() string {
	return "sheets"
}

// AppendRow appends one complaint row below the existing data.
func (w *Writer) AppendRow(ctx context.Context, row models.ComplaintRow) error {
	if row.ID == "" {
		return ErrEmptyRowID
	}
	vr := &sheetsapi.ValueRange{Values: [][]interface{}{escapeCells(row.Values())}}
	if err := w.values.Append(ctx, w.spreadsheetID, w.rangeFor("A1"), vr); err != nil {
		slog.Error("Sheets.AppendRow: append failed", "error", err, "id", row.ID)
		return fmt.Errorf("failed to append row %s: %w", row.ID, err)
	}
	slog.Debug("Sheets.AppendRow: row appended", "id", row.ID, "source", row.Source)
	return nil
}

// escapeCells prefixes with ' every cell that USER_ENTERED input would parse as
// a formula or a number.
func escapeCells(cells []interface{}) []interface{} {
	out := make([]interface{}, len(cells))
	for i, c := range cells {
		if s, ok := c.(string); ok && needsTextPrefix(s) {
			c = "'" + s
		}
		out[i] = c
	}
	return out
}

func needsTextPrefix(s string) bool {
	if s == "" {
		return false
	}
	if strings.ContainsRune("=+-@'\t\r", rune(s[0])) {
		return true
	}
	return strings.Trim(s, "0123456789") == ""
}

// EnsureHeader writes SheetHeader into the first row when it is empty.
// An existing header, matching or not, is left alone.
func (w *Writer) EnsureHeader(ctx context.Context) error {
	rng := w.headerRange()
	existing, err := w.values.Get(ctx, w.spreadsheetID, rng)
	if err != nil {
		return fmt.Errorf("failed to read header: %w", err)
	}
	if existing != nil && len(existing.Values) > 0 && len(existing.Values[0]) > 0 {
		if !headerMatches(existing.Values[0]) {
			slog.Warn("Sheets.EnsureHeader: existing header differs from expected columns", "sheet", w.sheetName)
		}
		return nil
	}
	header := make([]interface{}, len(models.SheetHeader))
	for i, h := range models.SheetHeader {
		header[i] = h
	}
	if err := w.values.Update(ctx, w.spreadsheetID, rng, &sheetsapi.ValueRange{Values: [][]interface{}{header}}); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}
	slog.Info("Sheets.EnsureHeader: header written", "sheet", w.sheetName)
	return nil
}

func (w *Writer) rangeFor(cells string) string {
	return fmt.Sprintf("'%s'!%s", strings.ReplaceAll(w.sheetName, "'", "''"), cells)
}

func (w *Writer) headerRange() string {
	return w.rangeFor("A1:" + columnLetter(len(models.SheetHeader)) + "1")
}

func headerMatches(row []interface{}) bool {
	if len(row) != len(models.SheetHeader) {
		return false
	}
	for i, h := range models.SheetHeader {
		if fmt.Sprint(row[i]) != h {
			return false
		}
	}
	return true
}

// columnLetter converts a 1-based column index to A1 notation (1 → A, 27 → AA).
func columnLetter(n int) string {
	var out []byte
	for n > 0 {
		n--
		out = append([]byte{byte('A' + n%26)}, out...)
		n /= 26
	}
	return string(out)
}
