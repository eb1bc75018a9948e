package database

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// ColumnType is the SQL type a column is inferred to.
type ColumnType string

const (
	ColumnTypeInt  ColumnType = "int"
	ColumnTypeReal ColumnType = "real"
	ColumnTypeText ColumnType = "text"
	ColumnTypeBool ColumnType = "bool"
)

// SQLType maps an inferred column type to its SQLite declaration.
func (t ColumnType) SQLType() string {
	switch t {
	case ColumnTypeInt:
		return "INTEGER"
	case ColumnTypeReal:
		return "REAL"
	case ColumnTypeBool:
		return "BOOLEAN"
	default:
		return "TEXT"
	}
}

// Column is one inferred column of a table schema.
type Column struct {
	Name     string     `json:"name"`
	Type     ColumnType `json:"type"`
	Nullable bool       `json:"nullable"`
}

// TableSchema is an ordered list of inferred columns. Column order is the
// stable order of first appearance of each key across the input rows.
type TableSchema []Column

// valueKind classifies a decoded JSON value for schema inference.
type valueKind int

const (
	kindNull valueKind = iota
	kindBool
	kindInt
	kindReal
	kindText
)

// kindOf classifies a decoded JSON value. Numbers decode as json.Number;
// a number is an int iff it parses as an exact int64.
func kindOf(v interface{}) valueKind {
	switch v := v.(type) {
	case nil:
		return kindNull
	case bool:
		return kindBool
	case json.Number:
		if _, err := v.Int64(); err == nil {
			return kindInt
		}
		return kindReal
	default:
		return kindText
	}
}

// promote reduces two observed value kinds to a single column type per the
// promotion lattice: int⊔int=int, int⊔real=real, bool⊔bool=bool,
// bool⊔int=int, and anything involving text collapses to text.
func promote(a, b valueKind) valueKind {
	if a == b {
		return a
	}
	if a > b {
		a, b = b, a
	}
	switch {
	case a == kindBool && b == kindInt:
		return kindInt
	case a == kindBool && b == kindReal:
		return kindReal
	case a == kindInt && b == kindReal:
		return kindReal
	default:
		return kindText
	}
}

// SchemaFromRows infers a table schema from a sequence of JSON row contents.
// The output depends only on the observed values and on the first-appearance
// order of each key across the sequence; object keys are scanned in their
// document order, never in Go map order.
func SchemaFromRows(contents []json.RawMessage) (TableSchema, error) {
	type column struct {
		kind     valueKind
		seen     bool // a non-null value was observed
		nullable bool
		count    int // rows in which the key appears
	}
	var (
		order   []string
		columns = make(map[string]*column)
	)

	for i, content := range contents {
		if err := scanObject(content, func(key string, value interface{}) {
			col, ok := columns[key]
			if !ok {
				col = &column{}
				columns[key] = col
				order = append(order, key)
			}
			col.count++
			var kind = kindOf(value)
			if kind == kindNull {
				col.nullable = true
				return
			}
			if !col.seen {
				col.kind, col.seen = kind, true
			} else {
				col.kind = promote(col.kind, kind)
			}
		}); err != nil {
			return nil, fmt.Errorf("row %d: %w", i, err)
		}
	}

	var schema = make(TableSchema, 0, len(order))
	for _, key := range order {
		var col = columns[key]
		// A key absent from some rows binds NULL on insert, so its column
		// must admit nulls.
		if col.count < len(contents) {
			col.nullable = true
		}
		var typ = ColumnTypeText // only nulls observed
		if col.seen {
			switch col.kind {
			case kindBool:
				typ = ColumnTypeBool
			case kindInt:
				typ = ColumnTypeInt
			case kindReal:
				typ = ColumnTypeReal
			}
		}
		schema = append(schema, Column{Name: key, Type: typ, Nullable: col.nullable})
	}
	return schema, nil
}

// scanObject walks the top-level keys of a JSON object in document order,
// invoking fn with each key and its decoded value. Numbers decode as
// json.Number so int/real discrimination is exact.
func scanObject(content json.RawMessage, fn func(key string, value interface{})) error {
	var dec = json.NewDecoder(bytes.NewReader(content))
	dec.UseNumber()

	tok, err := dec.Token()
	if err != nil {
		return fmt.Errorf("decoding content: %w", err)
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return fmt.Errorf("row content is not a JSON object")
	}
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return fmt.Errorf("decoding key: %w", err)
		}
		var key = tok.(string)

		var value interface{}
		if err := dec.Decode(&value); err != nil {
			return fmt.Errorf("decoding value of %q: %w", key, err)
		}
		fn(key, value)
	}
	if _, err := dec.Token(); err != nil {
		return fmt.Errorf("decoding content: %w", err)
	}
	return nil
}

// quoteIdentifier double-quotes a SQL identifier, escaping embedded quotes.
func quoteIdentifier(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// CreateTableSQL renders the CREATE TABLE statement for the schema.
func (s TableSchema) CreateTableSQL(tableID string) string {
	var defs = make([]string, 0, len(s))
	for _, col := range s {
		var def = fmt.Sprintf("%s %s", quoteIdentifier(col.Name), col.Type.SQLType())
		if !col.Nullable {
			def += " NOT NULL"
		}
		defs = append(defs, def)
	}
	return fmt.Sprintf("CREATE TABLE %s (%s);", quoteIdentifier(tableID), strings.Join(defs, ", "))
}

// InsertSQL renders the parameterized INSERT statement for the schema.
func (s TableSchema) InsertSQL(tableID string) string {
	var names = make([]string, 0, len(s))
	var placeholders = make([]string, 0, len(s))
	for _, col := range s {
		names = append(names, quoteIdentifier(col.Name))
		placeholders = append(placeholders, "?")
	}
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s);",
		quoteIdentifier(tableID),
		strings.Join(names, ", "),
		strings.Join(placeholders, ", "),
	)
}

// CoerceValue converts a decoded JSON value to the SQL parameter for the
// column, per its inferred type. The second return is false when the value
// cannot be coerced (the caller inserts NULL instead).
func CoerceValue(col Column, value interface{}) (interface{}, bool) {
	if value == nil {
		return nil, true
	}
	switch col.Type {
	case ColumnTypeInt:
		switch v := value.(type) {
		case json.Number:
			if i, err := v.Int64(); err == nil {
				return i, true
			}
			return nil, false
		case bool:
			if v {
				return int64(1), true
			}
			return int64(0), true
		}
		return nil, false
	case ColumnTypeReal:
		switch v := value.(type) {
		case json.Number:
			if f, err := v.Float64(); err == nil {
				return f, true
			}
			return nil, false
		case bool:
			if v {
				return float64(1), true
			}
			return float64(0), true
		}
		return nil, false
	case ColumnTypeBool:
		if v, ok := value.(bool); ok {
			return v, true
		}
		return nil, false
	default: // text: strings pass through, anything else is JSON-encoded
		if v, ok := value.(string); ok {
			return v, true
		}
		if v, ok := value.(json.Number); ok {
			return v.String(), true
		}
		encoded, err := json.Marshal(value)
		if err != nil {
			return nil, false
		}
		return string(encoded), true
	}
}
