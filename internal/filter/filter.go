// Package filter compiles a structured predicate tree into a
// parameterized SQL condition over a json_extract-ed value column.
//
// The tree is the parsed JSON form of a `where` document: logical nodes
// ("and", "or", "not"), field nodes keyed by dot/bracket JSON paths, and
// per-field operator maps. A bare primitive as the field value is
// shorthand for {"eq": value}. Every user-supplied value is emitted as a
// bound parameter; nothing is interpolated into the SQL text.
package filter

import (
	"encoding/json"
	"fmt"
	"math/big"
	"sort"
	"strings"
	"time"
)

// Filter is the decoded predicate tree.
type Filter map[string]any

// NowMarker is the reserved comparison value resolved to the current
// wall clock (epoch seconds) at compile time. Resolving at compile keeps
// filters portable through JSON serialization.
const NowMarker = "$now"

// Compiled is the result of compiling a filter: a SQL boolean expression
// with one placeholder per bound argument.
type Compiled struct {
	SQL  string
	Args []any
}

// compiler carries the value-column expression and the clock so tests can
// pin time.
type compiler struct {
	column string
	now    func() time.Time
}

// Compile translates the filter against the given value column (e.g.
// "value"). An empty or nil filter compiles to the always-true condition.
func Compile(f Filter, column string) (*Compiled, error) {
	return compileAt(f, column, time.Now)
}

func compileAt(f Filter, column string, now func() time.Time) (*Compiled, error) {
	if len(f) == 0 {
		return &Compiled{SQL: "1=1"}, nil
	}
	c := &compiler{column: column, now: now}
	sql, args, err := c.compileNode(map[string]any(f))
	if err != nil {
		return nil, err
	}
	return &Compiled{SQL: sql, Args: args}, nil
}

// compileNode handles one object level: logical keys and field keys at
// the same level AND together.
func (c *compiler) compileNode(node map[string]any) (string, []any, error) {
	var conds []string
	var args []any

	// Deterministic output order for stable SQL and tests.
	for _, key := range sortedKeys(node) {
		val := node[key]
		var sql string
		var sub []any
		var err error
		switch key {
		case "and", "or":
			sql, sub, err = c.compileLogicalList(key, val)
		case "not":
			sql, sub, err = c.compileNot(val)
		default:
			sql, sub, err = c.compileField(key, val)
		}
		if err != nil {
			return "", nil, err
		}
		conds = append(conds, sql)
		args = append(args, sub...)
	}
	if len(conds) == 1 {
		return conds[0], args, nil
	}
	return "(" + strings.Join(conds, " AND ") + ")", args, nil
}

func (c *compiler) compileLogicalList(op string, val any) (string, []any, error) {
	list, ok := val.([]any)
	if !ok {
		return "", nil, fmt.Errorf("filter: %q expects an array of sub-filters", op)
	}
	if len(list) == 0 {
		return "1=1", nil, nil
	}
	joiner := " AND "
	if op == "or" {
		joiner = " OR "
	}
	var conds []string
	var args []any
	for i, elem := range list {
		sub, ok := toObject(elem)
		if !ok {
			return "", nil, fmt.Errorf("filter: %q element %d is not an object", op, i)
		}
		sql, sa, err := c.compileNode(sub)
		if err != nil {
			return "", nil, err
		}
		conds = append(conds, sql)
		args = append(args, sa...)
	}
	return "(" + strings.Join(conds, joiner) + ")", args, nil
}

func (c *compiler) compileNot(val any) (string, []any, error) {
	sub, ok := toObject(val)
	if !ok {
		return "", nil, fmt.Errorf("filter: \"not\" expects an object")
	}
	sql, args, err := c.compileNode(sub)
	if err != nil {
		return "", nil, err
	}
	return "NOT (" + sql + ")", args, nil
}

// compileField compiles one field reference and its operator map.
func (c *compiler) compileField(path string, val any) (string, []any, error) {
	expr, err := c.fieldExpr(path)
	if err != nil {
		return "", nil, err
	}

	ops, isMap := toObject(val)
	if !isMap {
		// Shorthand: bare primitive means eq.
		ops = map[string]any{"eq": val}
	}
	if len(ops) == 0 {
		return "1=1", nil, nil
	}

	var conds []string
	var args []any
	for _, op := range sortedKeys(ops) {
		sql, sa, err := c.compileOperator(expr, op, ops[op])
		if err != nil {
			return "", nil, fmt.Errorf("filter: field %q: %w", path, err)
		}
		conds = append(conds, sql)
		args = append(args, sa...)
	}
	if len(conds) == 1 {
		return conds[0], args, nil
	}
	return "(" + strings.Join(conds, " AND ") + ")", args, nil
}

// fieldExpr builds the json_extract expression for a dot/bracket path.
// The path is validated so it cannot escape the quoted SQL literal.
func (c *compiler) fieldExpr(path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("filter: empty field path")
	}
	for _, r := range path {
		if r == '\'' || r == '"' || r == '\\' || r < 0x20 {
			return "", fmt.Errorf("filter: field path %q contains invalid character", path)
		}
	}
	return fmt.Sprintf("json_extract(%s, '$.%s')", c.column, path), nil
}

func (c *compiler) compileOperator(expr, op string, raw any) (string, []any, error) {
	switch op {
	case "eq":
		arg, err := c.bind(raw)
		if err != nil {
			return "", nil, err
		}
		return expr + " = ?", []any{arg}, nil
	case "ne":
		arg, err := c.bind(raw)
		if err != nil {
			return "", nil, err
		}
		return "(" + expr + " IS NULL OR " + expr + " != ?)", []any{arg}, nil
	case "gt", "gte", "lt", "lte":
		arg, err := c.bind(raw)
		if err != nil {
			return "", nil, err
		}
		cmp := map[string]string{"gt": ">", "gte": ">=", "lt": "<", "lte": "<="}[op]
		return expr + " " + cmp + " ?", []any{arg}, nil
	case "between":
		pair, ok := raw.([]any)
		if !ok || len(pair) != 2 {
			return "", nil, fmt.Errorf("\"between\" expects a two-element array")
		}
		lo, err := c.bind(pair[0])
		if err != nil {
			return "", nil, err
		}
		hi, err := c.bind(pair[1])
		if err != nil {
			return "", nil, err
		}
		return expr + " BETWEEN ? AND ?", []any{lo, hi}, nil
	case "in", "nin":
		list, ok := raw.([]any)
		if !ok {
			return "", nil, fmt.Errorf("%q expects an array", op)
		}
		if len(list) == 0 {
			if op == "in" {
				return "1=0", nil, nil
			}
			return "1=1", nil, nil
		}
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(list)), ",")
		args := make([]any, 0, len(list))
		for _, elem := range list {
			arg, err := c.bind(elem)
			if err != nil {
				return "", nil, err
			}
			args = append(args, arg)
		}
		if op == "in" {
			return expr + " IN (" + placeholders + ")", args, nil
		}
		return "(" + expr + " IS NULL OR " + expr + " NOT IN (" + placeholders + "))", args, nil
	case "contains":
		s, err := bindString(raw)
		if err != nil {
			return "", nil, err
		}
		// instr bypasses LIKE's case-insensitive default for ASCII.
		return "instr(" + expr + ", ?) > 0", []any{s}, nil
	case "notContains":
		s, err := bindString(raw)
		if err != nil {
			return "", nil, err
		}
		return "(" + expr + " IS NULL OR instr(" + expr + ", ?) = 0)", []any{s}, nil
	case "startsWith":
		s, err := bindString(raw)
		if err != nil {
			return "", nil, err
		}
		return "substr(" + expr + ", 1, length(?)) = ?", []any{s, s}, nil
	case "endsWith":
		s, err := bindString(raw)
		if err != nil {
			return "", nil, err
		}
		return "substr(" + expr + ", -length(?)) = ?", []any{s, s}, nil
	case "containsi":
		s, err := bindString(raw)
		if err != nil {
			return "", nil, err
		}
		return "LOWER(" + expr + ") LIKE ? ESCAPE '\\'", []any{"%" + escapeLike(strings.ToLower(s)) + "%"}, nil
	case "notContainsi":
		s, err := bindString(raw)
		if err != nil {
			return "", nil, err
		}
		return "(" + expr + " IS NULL OR LOWER(" + expr + ") NOT LIKE ? ESCAPE '\\')",
			[]any{"%" + escapeLike(strings.ToLower(s)) + "%"}, nil
	case "startsWithi":
		s, err := bindString(raw)
		if err != nil {
			return "", nil, err
		}
		return "LOWER(" + expr + ") LIKE ? ESCAPE '\\'", []any{escapeLike(strings.ToLower(s)) + "%"}, nil
	case "endsWithi":
		s, err := bindString(raw)
		if err != nil {
			return "", nil, err
		}
		return "LOWER(" + expr + ") LIKE ? ESCAPE '\\'", []any{"%" + escapeLike(strings.ToLower(s))}, nil
	case "null":
		want, ok := raw.(bool)
		if !ok {
			return "", nil, fmt.Errorf("\"null\" expects a boolean")
		}
		if want {
			return expr + " IS NULL", nil, nil
		}
		return expr + " IS NOT NULL", nil, nil
	case "empty":
		return emptyCondition(expr), nil, nil
	case "notEmpty":
		return "NOT " + emptyCondition(expr), nil, nil
	default:
		return "", nil, fmt.Errorf("unknown operator %q", op)
	}
}

// emptyCondition matches null, the empty string, and the empty JSON
// array. json_array_length is guarded behind json_valid and a json_type
// check so non-JSON scalars do not raise.
func emptyCondition(expr string) string {
	return "(" + expr + " IS NULL OR " + expr + " = '' OR (json_valid(" + expr +
		") AND json_type(" + expr + ") = 'array' AND json_array_length(" + expr + ") = 0))"
}

// bind converts a filter value into a driver-compatible argument,
// resolving the $now marker.
func (c *compiler) bind(raw any) (any, error) {
	switch v := raw.(type) {
	case string:
		if v == NowMarker {
			return c.now().Unix(), nil
		}
		return v, nil
	case json.Number:
		if i, err := v.Int64(); err == nil {
			return i, nil
		}
		f, err := v.Float64()
		if err != nil {
			return nil, fmt.Errorf("unparseable number %q", v)
		}
		return f, nil
	case float64, int, int64, bool, nil:
		return v, nil
	case *big.Int:
		return v.String(), nil
	default:
		return nil, fmt.Errorf("unsupported value type %T", raw)
	}
}

func bindString(raw any) (string, error) {
	s, ok := raw.(string)
	if !ok {
		return "", fmt.Errorf("string operator expects a string, got %T", raw)
	}
	return s, nil
}

// escapeLike escapes LIKE metacharacters with backslash, matching the
// ESCAPE '\' clause emitted alongside.
func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

func toObject(v any) (map[string]any, bool) {
	switch t := v.(type) {
	case map[string]any:
		return t, true
	case Filter:
		return map[string]any(t), true
	default:
		return nil, false
	}
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
