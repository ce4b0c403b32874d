package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"

	"github.com/tuksik/mailsync/internal/models"
)

// Source is anything reads can run against: the Store itself (committed
// state) or an open Tx (sees its own writes).
type Source interface {
	Reader() sqlx.Ext
}

// Query is a small conjunctive filter builder over projected columns.
type Query struct {
	clauses []string
	args    []any
	orderBy string
	limit   int
}

// Q starts an empty query matching everything.
func Q() Query { return Query{} }

// Eq constrains column = value.
func (q Query) Eq(column string, value any) Query {
	q.clauses = append(q.clauses, column+" = ?")
	q.args = append(q.args, value)
	return q
}

// In constrains column to any of the values. An empty list matches
// nothing.
func (q Query) In(column string, values []any) Query {
	if len(values) == 0 {
		q.clauses = append(q.clauses, "1 = 0")
		return q
	}
	q.clauses = append(q.clauses, column+" IN (?"+strings.Repeat(", ?", len(values)-1)+")")
	q.args = append(q.args, values...)
	return q
}

// InStrings is In for string lists.
func (q Query) InStrings(column string, values []string) Query {
	anys := make([]any, len(values))
	for i, v := range values {
		anys[i] = v
	}
	return q.In(column, anys)
}

// OrderBy appends an ORDER BY expression.
func (q Query) OrderBy(expr string) Query {
	q.orderBy = expr
	return q
}

// Limit caps the result count.
func (q Query) Limit(n int) Query {
	q.limit = n
	return q
}

// sql renders the query against a table, selecting the data blob.
func (q Query) sql(table string) (string, []any) {
	out := "SELECT data FROM " + table
	if len(q.clauses) > 0 {
		out += " WHERE " + strings.Join(q.clauses, " AND ")
	}
	if q.orderBy != "" {
		out += " ORDER BY " + q.orderBy
	}
	if q.limit > 0 {
		out += fmt.Sprintf(" LIMIT %d", q.limit)
	}
	return out, q.args
}

// tableFor resolves the table name for a model type.
func tableFor[M any]() string {
	var m M
	model, ok := any(&m).(models.Model)
	if !ok {
		panic(fmt.Sprintf("store: %T does not implement models.Model", &m))
	}
	return model.TableName()
}

// Find returns the first model matching the query, or ErrNotFound.
func Find[M any](src Source, q Query) (*M, error) {
	query, args := q.Limit(1).sql(tableFor[M]())

	var data string
	err := sqlx.Get(src.Reader(), &data, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", tableFor[M](), err)
	}

	m := new(M)
	if err := json.Unmarshal([]byte(data), m); err != nil {
		return nil, fmt.Errorf("failed to load %s row: %w", tableFor[M](), err)
	}
	return m, nil
}

// FindAll returns every model matching the query.
func FindAll[M any](src Source, q Query) ([]*M, error) {
	query, args := q.sql(tableFor[M]())

	rows, err := src.Reader().Queryx(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", tableFor[M](), err)
	}
	defer rows.Close()

	var out []*M
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("failed to scan %s row: %w", tableFor[M](), err)
		}
		m := new(M)
		if err := json.Unmarshal([]byte(data), m); err != nil {
			return nil, fmt.Errorf("failed to load %s row: %w", tableFor[M](), err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// FindAllMap returns matching models keyed by the given function.
func FindAllMap[M any](src Source, q Query, key func(*M) string) (map[string]*M, error) {
	all, err := FindAll[M](src, q)
	if err != nil {
		return nil, err
	}
	out := make(map[string]*M, len(all))
	for _, m := range all {
		out[key(m)] = m
	}
	return out, nil
}
