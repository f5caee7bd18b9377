package stages

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"lectern/internal/inference"
	"lectern/internal/pipeline"
	"lectern/internal/render"
	"lectern/internal/services"
	"lectern/internal/stage"
)

const xlsxContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

// StudyTable is the model's spreadsheet answer.
type StudyTable struct {
	Rows []map[string]string `json:"rows"`
}

type sheetRow struct {
	Cells         []string `json:"cells"`
	SectionHeader bool     `json:"section_header"`
}

type sheetDocument struct {
	Title   string     `json:"title"`
	Columns []string   `json:"columns"`
	Rows    []sheetRow `json:"rows"`
}

// GenerateSpreadsheet builds the Excel study table.
func GenerateSpreadsheet(d Deps) stage.Definition[BranchOutput] {
	return stage.Definition[BranchOutput]{
		Name:    NameSpreadsheet,
		Version: 1,
		Inputs:  branchInputs,
		Config: func(v pipeline.View) any {
			prompt, columns := spreadsheetSettings(v)
			return map[string]any{"job_id": v.JobID(), "model": d.Config.Inference.SmartModel, "prompt": prompt, "columns": columns}
		},
		Validate: validateBranch,
		Run: func(ctx context.Context, in stage.Input) (BranchOutput, error) {
			return generateSpreadsheet(ctx, d, in)
		},
	}
}

func spreadsheetSettings(v pipeline.View) (string, []string) {
	profile := v.Profile()
	prompt := strings.TrimSpace(profile.SpreadsheetPrompt)
	if prompt == "" {
		prompt = defaultSpreadsheetPrompt
	}
	return prompt, profile.SpreadsheetColumns
}

func generateSpreadsheet(ctx context.Context, d Deps, in stage.Input) (BranchOutput, error) {
	src, err := loadBranchSource(in.View, NameSpreadsheet)
	if err != nil {
		return BranchOutput{}, err
	}
	prompt, columns := spreadsheetSettings(in.View)
	system := prompt
	if len(columns) > 0 {
		system = fmt.Sprintf("%s\nColumns: %s", prompt, strings.Join(columns, ", "))
	}

	in.Report(0.1, "Generating study table")
	resp, err := d.Inference.Bind(in.JobID, in.UserID).Complete(ctx, inference.Request{
		Function: FuncSpreadsheet,
		Model:    d.Config.Inference.SmartModel,
		System:   system,
		Prompt:   src.text,
		JSON:     true,
	})
	if err != nil {
		return BranchOutput{}, interrupted(ctx, NameSpreadsheet, err)
	}
	var table StudyTable
	if err := inference.DecodeJSON(resp.Content, &table); err != nil {
		return BranchOutput{}, services.Wrap(services.ErrValidation, NameSpreadsheet, "decode table", "model returned an unreadable table", err)
	}
	sheet := buildSheet(src.doc.Title, columns, table)
	if len(sheet.Rows) == 0 {
		return BranchOutput{}, services.Wrap(services.ErrValidation, NameSpreadsheet, "decode table", "model returned no rows", nil)
	}

	return publish(ctx, d, in, NameSpreadsheet, render.Request{
		Kind:       render.KindSpreadsheet,
		Title:      src.doc.Title,
		OutputPath: branchOutputPath(d, in.JobID, src.doc.BaseName()+".xlsx"),
		Data:       sheet,
	}, xlsxContentType, len(sheet.Rows))
}

// buildSheet orders cells by columns, inferring columns from the first row
// when none are configured, and drops rows with no content.
func buildSheet(title string, columns []string, table StudyTable) sheetDocument {
	if len(columns) == 0 && len(table.Rows) > 0 {
		for key := range table.Rows[0] {
			columns = append(columns, key)
		}
		slices.Sort(columns)
	}
	sheet := sheetDocument{Title: title, Columns: columns}
	for _, row := range table.Rows {
		cells := make([]string, len(columns))
		empty := true
		for i, col := range columns {
			cells[i] = strings.TrimSpace(row[col])
			if cells[i] != "" {
				empty = false
			}
		}
		if empty {
			continue
		}
		sheet.Rows = append(sheet.Rows, sheetRow{Cells: cells, SectionHeader: isSectionHeader(cells)})
	}
	return sheet
}

// isSectionHeader reports rows whose non-empty cells all repeat the first
// cell.
func isSectionHeader(cells []string) bool {
	if len(cells) < 2 || cells[0] == "" {
		return false
	}
	for _, cell := range cells[1:] {
		if cell != "" && cell != cells[0] {
			return false
		}
	}
	return true
}
