package export

import (
	"bytes"
	"context"
	"fmt"

	"github.com/xuri/excelize/v2"
)

// Workbook renders the users and referrals sheets into an xlsx document.
func Workbook(ctx context.Context, src Source) (*bytes.Buffer, error) {
	tables, err := Collect(ctx, src)
	if err != nil {
		return nil, err
	}
	return Render(tables)
}

// Render writes each table to its own sheet, in order. The header row is bold.
func Render(tables []Table) (*bytes.Buffer, error) {
	f := excelize.NewFile()
	defer f.Close()

	header, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		return nil, fmt.Errorf("export: header style: %w", err)
	}

	for i, t := range tables {
		if i == 0 {
			if err := f.SetSheetName(f.GetSheetName(0), t.Name); err != nil {
				return nil, fmt.Errorf("export: rename sheet: %w", err)
			}
		} else if _, err := f.NewSheet(t.Name); err != nil {
			return nil, fmt.Errorf("export: new sheet %s: %w", t.Name, err)
		}

		for r, row := range t.Rows {
			cell, err := excelize.CoordinatesToCellName(1, r+1)
			if err != nil {
				return nil, err
			}
			values := row
			if err := f.SetSheetRow(t.Name, cell, &values); err != nil {
				return nil, fmt.Errorf("export: write %s row %d: %w", t.Name, r+1, err)
			}
		}
		if len(t.Rows) > 0 {
			if err := f.SetRowStyle(t.Name, 1, 1, header); err != nil {
				return nil, fmt.Errorf("export: style %s: %w", t.Name, err)
			}
		}
	}
	f.SetActiveSheet(0)

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("export: write workbook: %w", err)
	}
	return buf, nil
}
