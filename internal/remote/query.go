package remote

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
)

// Rest talks to the table service on behalf of whoever tokens authenticates.
type Rest struct {
	client *Client
	tokens TokenSource
}

// Rest returns a table client. A nil tokens sends every request with the public key.
func (c *Client) Rest(tokens TokenSource) *Rest {
	return &Rest{client: c, tokens: tokens}
}

// From starts a query against table.
func (r *Rest) From(table string) *Query {
	return &Query{
		rest:      r,
		table:     table,
		method:    http.MethodGet,
		operation: "select",
		params:    url.Values{},
	}
}

// Query is a single table request built with chained calls and sent by Execute.
type Query struct {
	rest      *Rest
	table     string
	method    string
	operation string
	params    url.Values
	prefer    []string
	body      any
}

// Select sets the returned columns, e.g. "id, content, created_at".
func (q *Query) Select(columns string) *Query {
	q.params.Set("select", strings.ReplaceAll(columns, " ", ""))
	return q
}

// Eq filters rows where column equals value.
func (q *Query) Eq(column string, value any) *Query {
	q.params.Add(column, "eq."+fmt.Sprint(value))
	return q
}

// In filters rows where column is one of values.
func (q *Query) In(column string, values []string) *Query {
	quoted := make([]string, len(values))
	for i, v := range values {
		quoted[i] = `"` + strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace(v) + `"`
	}
	q.params.Add(column, "in.("+strings.Join(quoted, ",")+")")
	return q
}

// Match adds one equality filter per entry.
func (q *Query) Match(filters map[string]string) *Query {
	keys := make([]string, 0, len(filters))
	for k := range filters {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		q.Eq(k, filters[k])
	}
	return q
}

// Order sorts the result by column.
func (q *Query) Order(column string, ascending bool) *Query {
	dir := "desc"
	if ascending {
		dir = "asc"
	}
	q.params.Set("order", column+"."+dir)
	return q
}

// Limit caps the number of returned rows.
func (q *Query) Limit(n int) *Query {
	q.params.Set("limit", strconv.Itoa(n))
	return q
}

// Insert sends rows (a struct or a slice) and returns the stored rows.
func (q *Query) Insert(rows any) *Query {
	q.method = http.MethodPost
	q.operation = "insert"
	q.body = rows
	q.prefer = append(q.prefer, "return=representation")
	return q
}

// Upsert inserts rows, merging into existing rows that collide on onConflict.
func (q *Query) Upsert(rows any, onConflict string) *Query {
	q.method = http.MethodPost
	q.operation = "upsert"
	q.body = rows
	if onConflict != "" {
		q.params.Set("on_conflict", onConflict)
	}
	q.prefer = append(q.prefer, "resolution=merge-duplicates", "return=representation")
	return q
}

// Delete removes the rows matched by the query's filters and returns them.
func (q *Query) Delete() *Query {
	q.method = http.MethodDelete
	q.operation = "delete"
	q.prefer = append(q.prefer, "return=representation")
	return q
}

// Execute sends the query and decodes the returned rows into out, which may be nil.
func (q *Query) Execute(ctx context.Context, out any) error {
	if q.method == http.MethodDelete && !q.hasFilter() {
		return fmt.Errorf("refusing unfiltered delete on %s", q.table)
	}
	req := request{
		service:   "rest",
		operation: q.table + "." + q.operation,
		method:    q.method,
		path:      restPath + "/" + q.table,
		query:     q.params,
		body:      q.body,
	}
	if len(q.prefer) > 0 {
		req.header = http.Header{"Prefer": {strings.Join(q.prefer, ",")}}
	}
	if q.rest.tokens != nil {
		req.token = q.rest.tokens.AccessToken(ctx)
	}
	_, err := q.rest.client.do(ctx, req, out)
	return err
}

func (q *Query) hasFilter() bool {
	for k := range q.params {
		switch k {
		case "select", "order", "limit", "on_conflict":
		default:
			return true
		}
	}
	return false
}

// String renders the request line, for logs and tests.
func (q *Query) String() string {
	return q.method + " " + restPath + "/" + q.table + "?" + q.params.Encode()
}
