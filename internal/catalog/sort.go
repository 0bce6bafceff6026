package catalog

// sortableColumns is the allow-list every List() ORDER BY field is checked
// against before it is assembled into SQL text (spec.md §4.1/§7/§8 — never
// interpolate user input into SQL, whitelist before assembly).
var sortableColumns = map[string]bool{
	"id":          true,
	"stream_name": true,
	"start_time":  true,
	"end_time":    true,
	"size_bytes":  true,
}

const (
	defaultSortColumn = "start_time"
	defaultSortOrder  = "DESC"
)

// resolveSort validates column/order against the whitelist, falling back to
// the documented default (start_time desc) for anything not on it —
// including SQL-injection payloads like "'; DROP TABLE recordings; --".
func resolveSort(column, order string) (string, string) {
	if !sortableColumns[column] {
		column = defaultSortColumn
		order = defaultSortOrder
	}
	switch order {
	case "asc", "ASC":
		order = "ASC"
	case "desc", "DESC":
		order = "DESC"
	default:
		order = defaultSortOrder
	}
	return column, order
}
