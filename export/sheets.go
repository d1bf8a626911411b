package export

import (
	"context"
	"fmt"
	"os"

	"go.uber.org/zap"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/option"
	"google.golang.org/api/sheets/v4"

	"referral-bot/metrics"
)

// SheetsSync mirrors the export tables into a Google spreadsheet, one tab per
// table. Missing tabs are created; existing contents are replaced.
type SheetsSync struct {
	srv           *sheets.Service
	spreadsheetID string
	src           Source
	log           *zap.Logger
	metrics       *metrics.Metrics
}

// NewSheetsService authenticates with a service-account JSON key file.
func NewSheetsService(ctx context.Context, credentialsFile string) (*sheets.Service, error) {
	b, err := os.ReadFile(credentialsFile)
	if err != nil {
		return nil, fmt.Errorf("export: read credentials: %w", err)
	}
	cfg, err := google.JWTConfigFromJSON(b, sheets.SpreadsheetsScope)
	if err != nil {
		return nil, fmt.Errorf("export: parse credentials: %w", err)
	}
	srv, err := sheets.NewService(ctx, option.WithHTTPClient(cfg.Client(ctx)))
	if err != nil {
		return nil, fmt.Errorf("export: sheets client: %w", err)
	}
	return srv, nil
}

func NewSheetsSync(srv *sheets.Service, spreadsheetID string, src Source, log *zap.Logger, m *metrics.Metrics) *SheetsSync {
	if log == nil {
		log = zap.NewNop()
	}
	return &SheetsSync{srv: srv, spreadsheetID: spreadsheetID, src: src, log: log.Named("sheets"), metrics: m}
}

// Run performs one full sync.
func (s *SheetsSync) Run(ctx context.Context) error {
	err := s.run(ctx)
	s.metrics.Export("sheets", err == nil)
	if err != nil {
		s.log.Error("❌ sheets sync failed", zap.Error(err))
		return err
	}
	s.log.Info("✅ sheets synced", zap.String("spreadsheet_id", s.spreadsheetID))
	return nil
}

func (s *SheetsSync) run(ctx context.Context) error {
	tables, err := Collect(ctx, s.src)
	if err != nil {
		return err
	}
	if err := s.ensureTabs(ctx, tables); err != nil {
		return err
	}

	for _, t := range tables {
		rng := t.Name + "!A1"
		if _, err := s.srv.Spreadsheets.Values.Clear(s.spreadsheetID, t.Name, &sheets.ClearValuesRequest{}).Context(ctx).Do(); err != nil {
			return fmt.Errorf("export: clear %s: %w", t.Name, err)
		}
		_, err := s.srv.Spreadsheets.Values.Update(s.spreadsheetID, rng, &sheets.ValueRange{
			Values: stringify(t.Rows),
		}).ValueInputOption("RAW").Context(ctx).Do()
		if err != nil {
			return fmt.Errorf("export: update %s: %w", t.Name, err)
		}
	}
	return nil
}

func (s *SheetsSync) ensureTabs(ctx context.Context, tables []Table) error {
	doc, err := s.srv.Spreadsheets.Get(s.spreadsheetID).Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("export: get spreadsheet: %w", err)
	}
	existing := make(map[string]bool, len(doc.Sheets))
	for _, sh := range doc.Sheets {
		if sh.Properties != nil {
			existing[sh.Properties.Title] = true
		}
	}

	var reqs []*sheets.Request
	for _, t := range tables {
		if existing[t.Name] {
			continue
		}
		reqs = append(reqs, &sheets.Request{
			AddSheet: &sheets.AddSheetRequest{Properties: &sheets.SheetProperties{Title: t.Name}},
		})
	}
	if len(reqs) == 0 {
		return nil
	}
	_, err = s.srv.Spreadsheets.BatchUpdate(s.spreadsheetID, &sheets.BatchUpdateSpreadsheetRequest{Requests: reqs}).Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("export: add tabs: %w", err)
	}
	return nil
}

// stringify renders every cell as text.
func stringify(rows [][]interface{}) [][]interface{} {
	out := make([][]interface{}, len(rows))
	for i, row := range rows {
		cells := make([]interface{}, len(row))
		for j, v := range row {
			cells[j] = fmt.Sprint(v)
		}
		out[i] = cells
	}
	return out
}
