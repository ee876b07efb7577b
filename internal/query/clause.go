package query

// equalityClause builds ["=", ["field", id, null], v1, v2, ...].
func equalityClause(fieldID any, values []any) []any {
	c := make([]any, 0, len(values)+2)
	c = append(c, "=", []any{"field", fieldID, nil})
	return append(c, values...)
}

// MergeClauses folds added into an existing filter tree.
//
// The result is ["and", added..., kept...] where kept are the existing
// top-level clauses that reference none of the replaced field ids. existing
// may be nil, an "and" list or a single clause.
func MergeClauses(existing any, added []any, replaced []any) []any {
	drop := make(map[string]struct{}, len(replaced))
	for _, id := range replaced {
		drop[keyString(id)] = struct{}{}
	}

	out := make([]any, 0, len(added)+4)
	out = append(out, "and")
	out = append(out, added...)
	for _, c := range splitClauses(existing) {
		if id, ok := clauseFieldID(c); ok {
			if _, skip := drop[id]; skip {
				continue
			}
		}
		out = append(out, c)
	}
	return out
}

func splitClauses(existing any) []any {
	list, ok := existing.([]any)
	if !ok || len(list) == 0 {
		return nil
	}
	if op, _ := list[0].(string); op == "and" {
		return list[1:]
	}
	return []any{list}
}

// clauseFieldID returns the id of a [op, ["field", id, ...], ...] clause.
func clauseFieldID(clause any) (string, bool) {
	c, ok := clause.([]any)
	if !ok || len(c) < 2 {
		return "", false
	}
	ref, ok := c[1].([]any)
	if !ok || len(ref) < 2 {
		return "", false
	}
	if tag, _ := ref[0].(string); tag != "field" {
		return "", false
	}
	return keyString(ref[1]), true
}
