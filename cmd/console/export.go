package main

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/xuri/excelize/v2"
)

type deviceHistory struct {
	DeviceID string
	Docs     []map[string]any
}

var exportHeader = []any{"Date", "Time", "Latitude", "Longitude", "Accuracy (m)", "Timestamp"}

// historyDate is the day format of location history documents.
const historyDate = "02-01-2006"

type exportRow struct {
	date      time.Time
	timestamp int64
	cells     []any
}

// rowsOf flattens per-date documents into one row per point, oldest first.
func rowsOf(docs []map[string]any) []exportRow {
	var rows []exportRow
	for _, doc := range docs {
		date, _ := doc["date"].(string)
		day, _ := time.Parse(historyDate, date)
		for _, v := range doc {
			slot, ok := v.(map[string]any)
			if !ok {
				continue
			}
			ts := toInt64(slot["timestamp"])
			rows = append(rows, exportRow{
				date:      day,
				timestamp: ts,
				cells: []any{
					date,
					slot["time"],
					slot["latitude"],
					slot["longitude"],
					slot["accuracy"],
					ts,
				},
			})
		}
	}
	sort.SliceStable(rows, func(i, j int) bool {
		if !rows[i].date.Equal(rows[j].date) {
			return rows[i].date.Before(rows[j].date)
		}
		return rows[i].timestamp < rows[j].timestamp
	})
	return rows
}

func toInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case float64:
		return int64(n)
	case int:
		return int64(n)
	}
	return 0
}

// sheetName makes id a legal, unique worksheet name.
func sheetName(id string, used map[string]bool) string {
	name := strings.Map(func(r rune) rune {
		if strings.ContainsRune(`[]:*?/\`, r) {
			return '_'
		}
		return r
	}, id)
	if name == "" {
		name = "device"
	}
	if len(name) > 31 {
		name = name[:31]
	}
	base := name
	for i := 2; used[strings.ToLower(name)]; i++ {
		suffix := fmt.Sprintf("~%d", i)
		if len(base)+len(suffix) > 31 {
			name = base[:31-len(suffix)] + suffix
		} else {
			name = base + suffix
		}
	}
	used[strings.ToLower(name)] = true
	return name
}

// writeWorkbook writes one sheet per device and one row per point.
func writeWorkbook(w io.Writer, histories []deviceHistory) error {
	f := excelize.NewFile()
	defer f.Close()

	used := map[string]bool{}
	for i, h := range histories {
		name := sheetName(h.DeviceID, used)
		if i == 0 {
			if err := f.SetSheetName(f.GetSheetName(0), name); err != nil {
				return err
			}
		} else if _, err := f.NewSheet(name); err != nil {
			return err
		}
		if err := f.SetSheetRow(name, "A1", &exportHeader); err != nil {
			return err
		}
		for r, row := range rowsOf(h.Docs) {
			cell, err := excelize.CoordinatesToCellName(1, r+2)
			if err != nil {
				return err
			}
			if err := f.SetSheetRow(name, cell, &row.cells); err != nil {
				return err
			}
		}
	}
	f.SetActiveSheet(0)
	return f.Write(w)
}
