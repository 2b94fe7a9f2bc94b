package engine

import (
	"fmt"
	"strings"

	"fieldops-backend/internal/metadata"
)

// selectFrom builds "SELECT <t>.*[, joined cols] FROM <t> [LEFT JOIN ...]"
// from the entity's default includes. Joined columns come back as
// "<alias>_<field>" so they cannot collide with the entity's own columns.
func selectFrom(entity *metadata.Entity) string {
	table := entity.TableName
	cols := []string{table + ".*"}
	var joins []string

	for _, inc := range entity.DefaultIncludes {
		alias := inc.Alias()
		for _, f := range inc.Fields {
			cols = append(cols, fmt.Sprintf(`%q.%s AS %q`, alias, f, alias+"_"+f))
		}
		joins = append(joins, fmt.Sprintf(`LEFT JOIN %s AS %q ON %q.%s = %s`,
			inc.Table, alias, alias, inc.TargetKey(), column(table, inc.LocalKey)))
	}

	sql := fmt.Sprintf("SELECT %s FROM %s", strings.Join(cols, ", "), table)
	if len(joins) > 0 {
		sql += " " + strings.Join(joins, " ")
	}
	return sql
}
