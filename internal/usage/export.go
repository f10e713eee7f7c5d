package usage

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ExportFormat of a usage export
type ExportFormat string

const (
	FormatCSV  ExportFormat = "csv"
	FormatJSON ExportFormat = "json"
)

// ExportOptions select the export window and filters
type ExportOptions struct {
	Format     ExportFormat
	Start      time.Time
	End        time.Time
	PlanFilter string
}

// GenerateUsageExport produces the admin usage export as CSV or JSON bytes
// with the matching content type.
func (s *Service) GenerateUsageExport(ctx context.Context, opts ExportOptions) ([]byte, string, error) {
	if opts.End.IsZero() {
		opts.End = s.now().UTC()
	}
	if opts.Start.IsZero() {
		opts.Start = opts.End.AddDate(0, -1, 0)
	}
	if opts.End.Before(opts.Start) {
		return nil, "", fmt.Errorf("end date must be after start date")
	}

	rows, err := s.repo.ListForPeriod(ctx, opts.Start, opts.End, opts.PlanFilter)
	if err != nil {
		return nil, "", err
	}

	switch opts.Format {
	case FormatJSON:
		payload, err := json.Marshal(map[string]any{
			"start": opts.Start.Format(time.RFC3339),
			"end":   opts.End.Format(time.RFC3339),
			"plan":  opts.PlanFilter,
			"rows":  rows,
		})
		if err != nil {
			return nil, "", fmt.Errorf("failed to encode export: %w", err)
		}
		return payload, "application/json", nil
	case FormatCSV, "":
		var builder strings.Builder
		writer := csv.NewWriter(&builder)
		writer.Write([]string{"organization_id", "user_id", "year", "month", "api_calls", "tokens_used", "workflow_runs", "storage_used", "estimated_cost_cents"})
		for _, row := range rows {
			writer.Write([]string{
				row.OrganizationID,
				row.UserID,
				strconv.Itoa(row.Year),
				strconv.Itoa(row.Month),
				strconv.FormatInt(row.APICalls, 10),
				strconv.FormatInt(row.TokensUsed, 10),
				strconv.FormatInt(row.WorkflowRuns, 10),
				strconv.FormatInt(row.StorageUsed, 10),
				strconv.FormatInt(row.EstimatedCostCents, 10),
			})
		}
		writer.Flush()
		if err := writer.Error(); err != nil {
			return nil, "", fmt.Errorf("failed to write export: %w", err)
		}
		return []byte(builder.String()), "text/csv", nil
	default:
		return nil, "", fmt.Errorf("unsupported export format %q", opts.Format)
	}
}
