package parser

import (
	"fmt"
	"io"
	"strings"

	"github.com/xuri/excelize/v2"
)

// XLSXParser renders each sheet's rows as " | "-joined lines, one blank
// line between sheets.
type XLSXParser struct{}

func (p *XLSXParser) Parse(r io.Reader) (string, error) {
	f, err := excelize.OpenReader(r)
	if err != nil {
		return "", fmt.Errorf("opening XLSX: %w", err)
	}
	defer f.Close()

	var sheets []string
	for _, sheet := range f.GetSheetList() {
		rows, err := f.GetRows(sheet)
		if err != nil || len(rows) == 0 {
			continue
		}
		lines := make([]string, 0, len(rows))
		for _, row := range rows {
			lines = append(lines, strings.Join(row, " | "))
		}
		sheets = append(sheets, strings.Join(lines, "\n"))
	}
	if len(sheets) == 0 {
		return "", fmt.Errorf("no data found in XLSX")
	}
	return strings.Join(sheets, "\n\n"), nil
}
