package referral

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/xuri/excelize/v2"

	"github.com/rcn/rcn/internal/platform/auth"
)

const (
	exportSheet   = "Referrals"
	exportPage    = 200
	exportMaxRows = 10000
)

var exportHeaders = []string{
	"Referral ID", "Patient", "Date of Birth", "Direction", "Draft",
	"Services", "Departments", "Statuses", "Created", "Sent",
}

// ExportInbox writes every inbox row matching f to an xlsx workbook.
func (s *Service) ExportInbox(ctx context.Context, actor auth.Identity, f InboxFilter) ([]byte, error) {
	var items []InboxItem
	for offset := 0; offset < exportMaxRows; offset += exportPage {
		page, total, err := s.ListInbox(ctx, actor, f, exportPage, offset)
		if err != nil {
			return nil, err
		}
		items = append(items, page...)
		if offset+exportPage >= total || len(page) == 0 {
			break
		}
	}

	x := excelize.NewFile()
	defer x.Close()
	if err := x.SetSheetName("Sheet1", exportSheet); err != nil {
		return nil, fmt.Errorf("rename sheet: %w", err)
	}

	header := make([]interface{}, len(exportHeaders))
	for i, h := range exportHeaders {
		header[i] = h
	}
	if err := x.SetSheetRow(exportSheet, "A1", &header); err != nil {
		return nil, fmt.Errorf("write header: %w", err)
	}
	last, err := excelize.CoordinatesToCellName(len(exportHeaders), 1)
	if err != nil {
		return nil, err
	}
	style, err := x.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		return nil, fmt.Errorf("header style: %w", err)
	}
	if err := x.SetCellStyle(exportSheet, "A1", last, style); err != nil {
		return nil, fmt.Errorf("header style: %w", err)
	}
	if err := x.SetColWidth(exportSheet, "A", "A", 38); err != nil {
		return nil, fmt.Errorf("column width: %w", err)
	}
	if err := x.SetPanes(exportSheet, &excelize.Panes{Freeze: true, YSplit: 1, TopLeftCell: "A2", ActivePane: "bottomLeft"}); err != nil {
		return nil, fmt.Errorf("freeze header: %w", err)
	}

	for i, it := range items {
		depts := make([]string, len(it.Departments))
		labels := make([]string, len(it.Departments))
		for j, d := range it.Departments {
			depts[j] = d.DepartmentID.String()
			labels[j] = string(d.Label)
		}
		sent := ""
		if it.SentAt != nil {
			sent = it.SentAt.Format("2006-01-02 15:04")
		}
		row := []interface{}{
			it.ID.String(),
			it.PatientName,
			it.PatientDateOfBirth,
			string(it.Direction),
			it.IsDraft,
			strings.Join(it.Services, ", "),
			strings.Join(depts, ", "),
			strings.Join(labels, ", "),
			it.CreatedAt.Format("2006-01-02 15:04"),
			sent,
		}
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return nil, err
		}
		if err := x.SetSheetRow(exportSheet, cell, &row); err != nil {
			return nil, fmt.Errorf("write row %d: %w", i+2, err)
		}
	}

	var buf bytes.Buffer
	if err := x.Write(&buf); err != nil {
		return nil, fmt.Errorf("write workbook: %w", err)
	}
	return buf.Bytes(), nil
}
