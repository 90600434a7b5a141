package main

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
)

func historyFixture(date string) map[string]any {
	return map[string]any{
		"date":         date,
		"deviceId":     "a",
		"lastUpdated":  float64(1740800000000),
		"totalEntries": float64(2),
		"11_05_AM": map[string]any{
			"latitude": 23.71, "longitude": 90.41, "accuracy": 8.0,
			"timestamp": float64(1740805500000), "time": "11:05 AM",
		},
		"9_05_AM": map[string]any{
			"latitude": 23.7, "longitude": 90.4, "accuracy": 10.0,
			"timestamp": float64(1740798300000), "time": "9:05 AM",
		},
	}
}

func TestWriteWorkbook_RowsInTimeOrder(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeWorkbook(&buf, []deviceHistory{
		{DeviceID: "dev/1", Docs: []map[string]any{historyFixture("02-03-2025"), historyFixture("01-03-2025")}},
	}))

	f, err := excelize.OpenReader(&buf)
	require.NoError(t, err)
	defer f.Close()
	require.Equal(t, []string{"dev_1"}, f.GetSheetList())

	rows, err := f.GetRows("dev_1", excelize.Options{RawCellValue: true})
	require.NoError(t, err)
	require.Len(t, rows, 5)
	require.Equal(t, "Date", rows[0][0])
	require.Equal(t, []string{"01-03-2025", "9:05 AM"}, rows[1][:2])
	require.Equal(t, []string{"01-03-2025", "11:05 AM"}, rows[2][:2])
	require.Equal(t, "02-03-2025", rows[3][0])
	require.Equal(t, "1740798300000", rows[1][5])
}

func TestSheetName(t *testing.T) {
	used := map[string]bool{}
	require.Equal(t, "a_b_c", sheetName("a:b?c", used))
	long := "0123456789abcdef0123456789abcdef-extra"
	first := sheetName(long, used)
	require.Len(t, first, 31)
	second := sheetName(long, used)
	require.Len(t, second, 31)
	require.NotEqual(t, first, second)
	require.Equal(t, "device", sheetName("", used))
}
