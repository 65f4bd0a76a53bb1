package ipc

import (
	"fmt"

	"github.com/ryanuber/columnize"
)

// FormatMembers renders a members snapshot as aligned columns, the
// same pipe-delimited-lines-through-columnize.SimpleFormat idiom the
// teacher's command/key.go used for its own tabular CLI output.
func FormatMembers(members []Member) string {
	lines := make([]string, 0, len(members)+1)
	lines = append(lines, "Name | Address | Status")
	for _, m := range members {
		lines = append(lines, fmt.Sprintf("%s | %s:%d | %s", m.Name, m.Addr, m.Port, m.Status))
	}
	out, _ := columnize.SimpleFormat(lines)
	return out
}

// FormatStats renders the stats command's nested map as aligned
// "category.key: value" columns.
func FormatStats(stats map[string]map[string]string) string {
	lines := make([]string, 0)
	for category, kv := range stats {
		for k, v := range kv {
			lines = append(lines, fmt.Sprintf("%s.%s | %s", category, k, v))
		}
	}
	out, _ := columnize.SimpleFormat(lines)
	return out
}
