package filter

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustParse(t *testing.T, doc string) Filter {
	t.Helper()
	dec := json.NewDecoder(strings.NewReader(doc))
	dec.UseNumber()
	var f Filter
	require.NoError(t, dec.Decode(&f))
	return f
}

func TestCompileEmptyFilter(t *testing.T) {
	c, err := Compile(nil, "value")
	require.NoError(t, err)
	assert.Equal(t, "1=1", c.SQL)
	assert.Empty(t, c.Args)
}

func TestCompileOperators(t *testing.T) {
	tests := []struct {
		name     string
		doc      string
		wantSQL  string
		wantArgs []any
	}{
		{
			"bare primitive is eq",
			`{"active": true}`,
			`json_extract(value, '$.active') = ?`,
			[]any{true},
		},
		{
			"eq number",
			`{"age": {"eq": 30}}`,
			`json_extract(value, '$.age') = ?`,
			[]any{int64(30)},
		},
		{
			"ne is null-safe",
			`{"name": {"ne": "bob"}}`,
			`(json_extract(value, '$.name') IS NULL OR json_extract(value, '$.name') != ?)`,
			[]any{"bob"},
		},
		{
			"gt",
			`{"score": {"gt": 1.5}}`,
			`json_extract(value, '$.score') > ?`,
			[]any{1.5},
		},
		{
			"between",
			`{"n": {"between": [1, 10]}}`,
			`json_extract(value, '$.n') BETWEEN ? AND ?`,
			[]any{int64(1), int64(10)},
		},
		{
			"in",
			`{"status": {"in": ["a", "b"]}}`,
			`json_extract(value, '$.status') IN (?,?)`,
			[]any{"a", "b"},
		},
		{
			"nin is null-safe",
			`{"status": {"nin": ["a"]}}`,
			`(json_extract(value, '$.status') IS NULL OR json_extract(value, '$.status') NOT IN (?))`,
			[]any{"a"},
		},
		{
			"empty in never matches",
			`{"status": {"in": []}}`,
			`1=0`,
			nil,
		},
		{
			"contains uses instr",
			`{"bio": {"contains": "Go"}}`,
			`instr(json_extract(value, '$.bio'), ?) > 0`,
			[]any{"Go"},
		},
		{
			"startsWith uses substr",
			`{"bio": {"startsWith": "Go"}}`,
			`substr(json_extract(value, '$.bio'), 1, length(?)) = ?`,
			[]any{"Go", "Go"},
		},
		{
			"endsWith uses substr",
			`{"bio": {"endsWith": "Go"}}`,
			`substr(json_extract(value, '$.bio'), -length(?)) = ?`,
			[]any{"Go", "Go"},
		},
		{
			"containsi lowers and escapes",
			`{"bio": {"containsi": "50%_Off"}}`,
			`LOWER(json_extract(value, '$.bio')) LIKE ? ESCAPE '\'`,
			[]any{`%50\%\_off%`},
		},
		{
			"null true",
			`{"x": {"null": true}}`,
			`json_extract(value, '$.x') IS NULL`,
			nil,
		},
		{
			"null false",
			`{"x": {"null": false}}`,
			`json_extract(value, '$.x') IS NOT NULL`,
			nil,
		},
		{
			"bracket path",
			`{"items[0].price": {"lt": 5}}`,
			`json_extract(value, '$.items[0].price') < ?`,
			[]any{int64(5)},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := Compile(mustParse(t, tt.doc), "value")
			require.NoError(t, err)
			assert.Equal(t, tt.wantSQL, c.SQL)
			assert.Equal(t, tt.wantArgs, c.Args)
		})
	}
}

func TestCompileEmptyOperator(t *testing.T) {
	c, err := Compile(mustParse(t, `{"tags": {"empty": true}}`), "value")
	require.NoError(t, err)
	assert.Contains(t, c.SQL, "IS NULL")
	assert.Contains(t, c.SQL, "json_valid")
	assert.Contains(t, c.SQL, "json_type")
	assert.Contains(t, c.SQL, "json_array_length")

	n, err := Compile(mustParse(t, `{"tags": {"notEmpty": true}}`), "value")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(n.SQL, "NOT ("))
}

func TestCompileLogicalNodes(t *testing.T) {
	c, err := Compile(mustParse(t, `{"and": [{"a": 1}, {"b": 2}]}`), "value")
	require.NoError(t, err)
	assert.Equal(t,
		`(json_extract(value, '$.a') = ? AND json_extract(value, '$.b') = ?)`, c.SQL)
	assert.Equal(t, []any{int64(1), int64(2)}, c.Args)

	c, err = Compile(mustParse(t, `{"or": [{"a": 1}, {"b": 2}]}`), "value")
	require.NoError(t, err)
	assert.Contains(t, c.SQL, " OR ")

	c, err = Compile(mustParse(t, `{"not": {"a": 1}}`), "value")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(c.SQL, "NOT ("))
}

// Multiple operators on one field and multiple fields at one level AND
// together.
func TestCompileImplicitAnd(t *testing.T) {
	c, err := Compile(mustParse(t, `{"n": {"gte": 1, "lte": 9}, "s": "x"}`), "value")
	require.NoError(t, err)
	assert.Equal(t, 2, strings.Count(c.SQL, " AND "))
	assert.Len(t, c.Args, 3)
}

func TestCompileNowMarker(t *testing.T) {
	fixed := time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC)
	c, err := compileAt(mustParse(t, `{"deadline": {"lt": "$now"}}`), "value",
		func() time.Time { return fixed })
	require.NoError(t, err)
	assert.Equal(t, []any{fixed.Unix()}, c.Args)
	assert.NotContains(t, c.SQL, "$now")
}

func TestCompileRejectsBadInput(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"unknown operator", `{"a": {"regex": "x"}}`},
		{"bad between arity", `{"a": {"between": [1]}}`},
		{"non-array and", `{"and": {"a": 1}}`},
		{"non-string contains", `{"a": {"contains": 5}}`},
		{"path with quote", `{"a'b": 1}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Compile(mustParse(t, tt.doc), "value")
			assert.Error(t, err)
		})
	}
}

// Every user value must surface as a bound parameter, never in the SQL
// text.
func TestCompileParameterizesValues(t *testing.T) {
	c, err := Compile(mustParse(t, `{"name": {"eq": "x'); DROP TABLE kv_entries;--"}}`), "value")
	require.NoError(t, err)
	assert.NotContains(t, c.SQL, "DROP TABLE")
	assert.Len(t, c.Args, 1)
}
