package gather

import (
	"encoding/csv"
	"fmt"
	"os"
	"strings"
)

// LoadTickerFile reads the first column ("symbol") of a CSV file with a
// header row. Tickers are upper-cased and duplicates dropped.
func LoadTickerFile(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening CSV %s: %w", path, err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	records, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("reading CSV %s: %w", path, err)
	}
	if len(records) < 2 {
		return nil, nil
	}

	col := make([]string, 0, len(records)-1)
	for _, row := range records[1:] {
		if len(row) > 0 {
			col = append(col, row[0])
		}
	}
	return normalizeTickers(col), nil
}

// ParseTickers splits a comma separated ticker list.
func ParseTickers(s string) []string {
	return normalizeTickers(strings.Split(s, ","))
}

func normalizeTickers(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, t := range in {
		t = strings.ToUpper(strings.TrimSpace(t))
		if t == "" {
			continue
		}
		if _, dup := seen[t]; dup {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}
