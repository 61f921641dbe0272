package phasesync

import (
	"encoding/json"
	"fmt"
	"io"

	"bitbucket.org/mmdatafocus/renovation_backend/models"
	"bitbucket.org/mmdatafocus/renovation_backend/utils"
	"github.com/xuri/excelize/v2"
)

const xlsxContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

// WriteRunWorkbook renders a persisted run as a workbook with Summary, Views
// and Details sheets.
func WriteRunWorkbook(run *models.PhaseSyncRun, w io.Writer) error {
	var views []ViewResult
	if len(run.ViewsJSON) > 0 {
		if err := json.Unmarshal(run.ViewsJSON, &views); err != nil {
			return fmt.Errorf("decode views: %w", err)
		}
	}
	var details []string
	if len(run.DetailsJSON) > 0 {
		if err := json.Unmarshal(run.DetailsJSON, &details); err != nil {
			return fmt.Errorf("decode details: %w", err)
		}
	}

	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", "Summary"); err != nil {
		return err
	}
	summary := [][]any{
		{"Run ID", run.RunId},
		{"Scope", run.Scope},
		{"Property", run.ExternalId},
		{"Triggered By", run.TriggeredBy},
		{"Outcome", run.Outcome},
		{"Started At", utils.DereferencePtr(formatRunTime(run.StartedAt), "")},
		{"Finished At", utils.DereferencePtr(formatRunTime(run.FinishedAt), "")},
		{"Duration (ms)", run.DurationMs},
		{"Created", run.Created},
		{"Updated", run.Updated},
		{"Unchanged", run.Unchanged},
		{"Skipped", run.Skipped},
		{"Errored", run.Errored},
		{"Triggers Fired", run.TriggersFired},
		{"Trigger Failures", run.TriggerFailures},
		{"Details Dropped", run.DetailsDropped},
	}
	if err := writeRows(f, "Summary", summary); err != nil {
		return err
	}

	if _, err := f.NewSheet("Views"); err != nil {
		return err
	}
	rows := [][]any{{"View", "Outcome", "Fetched", "Created", "Updated", "Unchanged", "Skipped", "Errored", "Triggers Fired", "Trigger Failures", "Duration (ms)", "Error"}}
	for _, v := range views {
		rows = append(rows, []any{v.Name, v.Outcome, v.Fetched, v.Created, v.Updated, v.Unchanged, v.Skipped, v.Errored, v.TriggersFired, v.TriggerFailures, v.DurationMs, v.Error})
	}
	if err := writeRows(f, "Views", rows); err != nil {
		return err
	}

	if _, err := f.NewSheet("Details"); err != nil {
		return err
	}
	rows = [][]any{{"#", "Detail"}}
	for i, line := range details {
		rows = append(rows, []any{i + 1, line})
	}
	if err := writeRows(f, "Details", rows); err != nil {
		return err
	}

	return f.Write(w)
}

func writeRows(f *excelize.File, sheet string, rows [][]any) error {
	for r, row := range rows {
		for c, value := range row {
			cell, err := excelize.CoordinatesToCellName(c+1, r+1)
			if err != nil {
				return err
			}
			if err := f.SetCellValue(sheet, cell, value); err != nil {
				return err
			}
		}
	}
	return nil
}
