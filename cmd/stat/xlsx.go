// Copyright (C) 2021-2025 Intel Corporation
// SPDX-License-Identifier: BSD-3-Clause

package stat

import (
	"log/slog"

	"github.com/xuri/excelize/v2"
)

// writeXlsxSummary renders the summary rows as a worksheet, mirroring the
// CSV column layout.
func writeXlsxSummary(summaries *CounterSummaries, path string, showThread, showCPU bool, durationInSec float64) (err error) {
	workbook := excelize.NewFile()
	defer func() {
		if closeErr := workbook.Close(); closeErr != nil {
			slog.Error("failed to close xlsx workbook", slog.String("error", closeErr.Error()))
		}
	}()
	const sheetName = "Sheet1"

	var headers []any
	if showThread {
		headers = append(headers, "thread_name", "pid", "tid")
	}
	if showCPU {
		headers = append(headers, "cpu")
	}
	headers = append(headers, "count", "event_name", "comment", "generated")
	if err = workbook.SetSheetRow(sheetName, "A1", &headers); err != nil {
		return
	}

	row := 2
	for _, s := range summaries.Summaries() {
		var cells []any
		if showThread {
			cells = append(cells, s.Thread.Name, s.Thread.PID, s.Thread.TID)
		}
		if showCPU {
			cells = append(cells, s.CPU)
		}
		cells = append(cells, s.Count, s.Name(), s.Comment, s.AutoGenerated)
		var cell string
		if cell, err = excelize.CoordinatesToCellName(1, row); err != nil {
			return
		}
		if err = workbook.SetSheetRow(sheetName, cell, &cells); err != nil {
			return
		}
		row++
	}
	var cell string
	if cell, err = excelize.CoordinatesToCellName(1, row+1); err != nil {
		return
	}
	footer := []any{"Total test time", durationInSec, "seconds"}
	if err = workbook.SetSheetRow(sheetName, cell, &footer); err != nil {
		return
	}
	err = workbook.SaveAs(path)
	return
}
