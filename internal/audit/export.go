package audit

import (
	"bytes"
	"encoding/csv"
	"sort"
	"strings"
	"time"
)

var csvHeader = []string{"at", "actor", "action", "entity", "entity_id", "detail"}

// WriteCSV encodes entries as CSV with a header row. Detail pairs are
// flattened to "k=v" joined by ';' in key order.
func WriteCSV(entries []Entry) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(csvHeader); err != nil {
		return nil, err
	}
	for _, e := range entries {
		record := []string{
			e.At.UTC().Format(time.RFC3339),
			e.Actor,
			e.Action,
			e.Entity,
			e.EntityID,
			flattenDetail(e.Detail),
		}
		if err := w.Write(record); err != nil {
			return nil, err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func flattenDetail(detail map[string]string) string {
	if len(detail) == 0 {
		return ""
	}
	keys := make([]string, 0, len(detail))
	for k := range detail {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+detail[k])
	}
	return strings.Join(parts, ";")
}
