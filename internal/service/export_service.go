package service

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/noah-isme/esg-pipeline/internal/dto"
	"github.com/noah-isme/esg-pipeline/internal/models"
	"github.com/noah-isme/esg-pipeline/pkg/export"
)

type csvRenderer interface {
	Render(table export.Table) ([]byte, error)
}

type pdfRenderer interface {
	Render(table export.Table, title string) ([]byte, error)
}

var historyHeaders = []string{"Timestamp", "State", "Actor", "Admin Comment", "Member Comment"}

// ExportService renders data request history documents.
type ExportService struct {
	csv    csvRenderer
	pdf    pdfRenderer
	logger *zap.Logger
}

// NewExportService constructs an ExportService. Nil renderers fall back to the defaults.
func NewExportService(logger *zap.Logger, csv csvRenderer, pdf pdfRenderer) *ExportService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if csv == nil {
		csv = export.NewCSVExporter()
	}
	if pdf == nil {
		pdf = export.NewPDFExporter()
	}
	return &ExportService{csv: csv, pdf: pdf, logger: logger}
}

// RenderHistory renders history in the requested format, oldest entry first.
func (s *ExportService) RenderHistory(request *models.DataRequest, history []models.DataRequestHistory, format string) (*dto.HistoryExport, error) {
	table := export.Table{Headers: historyHeaders}
	for _, entry := range history {
		table.Rows = append(table.Rows, map[string]string{
			"Timestamp":      entry.LastModifiedTimestamp.UTC().Format(time.RFC3339Nano),
			"State":          string(entry.State),
			"Actor":          entry.Actor,
			"Admin Comment":  derefString(entry.AdminComment),
			"Member Comment": derefString(entry.MemberComment),
		})
	}

	base := fmt.Sprintf("request-%s-history", request.ID)
	switch format {
	case "csv":
		data, err := s.csv.Render(table)
		if err != nil {
			return nil, fmt.Errorf("render csv: %w", err)
		}
		return &dto.HistoryExport{Filename: base + ".csv", ContentType: "text/csv", Data: data}, nil
	case "pdf":
		title := fmt.Sprintf("Data request %s / %s / %s", request.CompanyID, request.DataType, request.ReportingPeriod)
		data, err := s.pdf.Render(table, title)
		if err != nil {
			return nil, fmt.Errorf("render pdf: %w", err)
		}
		return &dto.HistoryExport{Filename: base + ".pdf", ContentType: "application/pdf", Data: data}, nil
	}
	return nil, fmt.Errorf("unsupported export format %q", format)
}
