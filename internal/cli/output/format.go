package output

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// FormatHeader renders a title, underlined for the top level.
func FormatHeader(level int, title string) string {
	if level <= 1 {
		return title + "\n" + strings.Repeat("=", len([]rune(title)))
	}
	return title + "\n" + strings.Repeat("-", len([]rune(title)))
}

// FormatKeyValue renders "key:  value" with the key padded to width.
func FormatKeyValue(key, value string, width int) string {
	return fmt.Sprintf("%-*s  %s", width+1, key+":", value)
}

// FormatValue renders a cell or field value for a table.
func FormatValue(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case time.Time:
		if x.IsZero() {
			return ""
		}
		return x.UTC().Format(time.RFC3339)
	case []string:
		return strings.Join(x, ", ")
	case fmt.Stringer:
		return x.String()
	case float64, float32, int, int64, bool:
		return fmt.Sprint(x)
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(b)
}

// Truncate shortens s to n runes, marking the cut with an ellipsis.
func Truncate(s string, n int) string {
	r := []rune(s)
	if n <= 0 || len(r) <= n {
		return s
	}
	if n == 1 {
		return "…"
	}
	return string(r[:n-1]) + "…"
}
