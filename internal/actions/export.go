// Copyright 2025 The Vigil Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package actions

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/go-pdf/fpdf"
	"github.com/xuri/excelize/v2"

	"github.com/vigil-sh/vigil/internal/store"
	"github.com/vigil-sh/vigil/pkg/errors"
)

// export serializes the run's extracted data to the configured
// destination path as JSON, CSV, Excel or PDF.
func (p *Pipeline) export(ctx context.Context, action *store.Action, cfg map[string]any, runCtx map[string]any) (map[string]any, error) {
	format := strings.ToLower(cfgString(cfg, runCtx, "format"))
	if format == "" {
		format = "json"
	}
	destination := cfgString(cfg, runCtx, "destination")
	if destination == "" {
		return nil, &errors.ValidationError{Field: "destination", Message: "export action requires a destination path"}
	}
	if p.ExportDir != "" && !filepath.IsAbs(destination) {
		destination = filepath.Join(p.ExportDir, destination)
	}

	data, _ := runCtx["extractedData"].(map[string]any)
	if data == nil {
		data = map[string]any{}
	}

	if err := os.MkdirAll(filepath.Dir(destination), 0o755); err != nil {
		return nil, errors.Wrap(err, "creating export directory")
	}

	var err error
	switch format {
	case "json":
		err = exportJSON(destination, data)
	case "csv":
		err = exportCSV(destination, data)
	case "excel", "xlsx":
		err = exportExcel(destination, data)
	case "pdf":
		err = exportPDF(destination, data)
	default:
		return nil, &errors.ValidationError{
			Field:      "format",
			Message:    fmt.Sprintf("unknown export format: %s", format),
			Suggestion: "use one of: json, csv, excel, pdf",
		}
	}
	if err != nil {
		return nil, err
	}

	info, err := os.Stat(destination)
	if err != nil {
		return nil, errors.Wrap(err, "reading exported file")
	}
	return map[string]any{
		"format": format,
		"path":   destination,
		"size":   info.Size(),
	}, nil
}

func exportJSON(path string, data map[string]any) error {
	encoded, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return errors.Wrap(err, "encoding JSON export")
	}
	return os.WriteFile(path, encoded, 0o644)
}

// sortedKeys gives exports a stable column order.
func sortedKeys(data map[string]any) []string {
	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func cellValue(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case nil:
		return ""
	default:
		encoded, err := json.Marshal(s)
		if err != nil {
			return fmt.Sprintf("%v", s)
		}
		return string(encoded)
	}
}

func exportCSV(path string, data map[string]any) error {
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrap(err, "creating CSV export")
	}
	defer f.Close()

	w := csv.NewWriter(f)
	keys := sortedKeys(data)
	if err := w.Write(keys); err != nil {
		return errors.Wrap(err, "writing CSV header")
	}
	row := make([]string, len(keys))
	for i, k := range keys {
		row[i] = cellValue(data[k])
	}
	if err := w.Write(row); err != nil {
		return errors.Wrap(err, "writing CSV row")
	}
	w.Flush()
	return w.Error()
}

func exportExcel(path string, data map[string]any) error {
	f := excelize.NewFile()
	defer f.Close()

	const sheet = "Sheet1"
	for i, k := range sortedKeys(data) {
		col, err := excelize.ColumnNumberToName(i + 1)
		if err != nil {
			return errors.Wrap(err, "computing column name")
		}
		if err := f.SetCellValue(sheet, col+"1", k); err != nil {
			return errors.Wrap(err, "writing header cell")
		}
		if err := f.SetCellValue(sheet, col+"2", cellValue(data[k])); err != nil {
			return errors.Wrap(err, "writing value cell")
		}
	}
	return f.SaveAs(path)
}

func exportPDF(path string, data map[string]any) error {
	pdf := fpdf.New("P", "mm", "A4", "")
	pdf.AddPage()
	pdf.SetFont("Helvetica", "B", 14)
	pdf.Cell(0, 10, "Extracted Data")
	pdf.Ln(12)

	pdf.SetFont("Helvetica", "", 11)
	for _, k := range sortedKeys(data) {
		pdf.SetFont("Helvetica", "B", 11)
		pdf.Cell(50, 8, k)
		pdf.SetFont("Helvetica", "", 11)
		pdf.MultiCell(0, 8, cellValue(data[k]), "", "L", false)
	}
	return pdf.OutputFileAndClose(path)
}
