package devstack

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"smallsite/internal/models"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Error codes the table service reports.
const (
	codeRLSViolation   = "42501"
	codeUniqueConflict = "23505"
	codeBadFilter      = "PGRST100"
	codeUnknownColumn  = "42703"
	codeMissingWhere   = "21000"
)

// reserved query parameters that are not row filters.
var reserved = map[string]bool{"select": true, "order": true, "limit": true, "offset": true, "on_conflict": true, "columns": true}

type tableError struct {
	status int
	code   string
	msg    string
}

func (e *tableError) Error() string { return e.code + ": " + e.msg }

func newRestError(status int, code, format string, args ...any) *tableError {
	return &tableError{status: status, code: code, msg: fmt.Sprintf(format, args...)}
}

func rlsViolation(table string) *tableError {
	return newRestError(fiber.StatusForbidden, codeRLSViolation,
		"new row violates row-level security policy for table %q", table)
}

// restTable serves one table with its ownership rules.
type restTable interface {
	selectRows(c *fiber.Ctx, q *rowQuery) error
	insertRows(c *fiber.Ctx, q *rowQuery, body []byte) error
	deleteRows(c *fiber.Ctx, q *rowQuery) error
}

// table describes a table's columns and row ownership.
type table[T any] struct {
	name    string
	columns map[string]bool
	key     string
	// privateRead hides rows not owned by the caller.
	privateRead bool
	// merge lists the columns an upsert overwrites on conflict.
	merge []string
	// prepare fills server defaults.
	prepare func(row *T, now time.Time)
	ownerOf func(row *T) string
	keyOf   func(row *T) any
}

func columnSet(cols ...string) map[string]bool {
	m := make(map[string]bool, len(cols))
	for _, c := range cols {
		m[c] = true
	}
	return m
}

func (s *Server) tables() map[models.EntityKind]restTable {
	return map[models.EntityKind]restTable{
		models.KindPosts: &table[models.Post]{
			name:    string(models.KindPosts),
			columns: columnSet("id", "content", "user_id", "created_at"),
			key:     "id",
			prepare: func(p *models.Post, now time.Time) {
				p.ID = 0
				if p.CreatedAt.IsZero() {
					p.CreatedAt = now
				}
			},
			ownerOf: func(p *models.Post) string { return p.AuthorID },
			keyOf:   func(p *models.Post) any { return p.ID },
		},
		models.KindProfiles: &table[models.Profile]{
			name:    string(models.KindProfiles),
			columns: columnSet("user_id", "display_name", "updated_at"),
			key:     "user_id",
			merge:   []string{"display_name", "updated_at"},
			prepare: func(p *models.Profile, now time.Time) {
				if p.UpdatedAt == nil {
					p.UpdatedAt = &now
				}
			},
			ownerOf: func(p *models.Profile) string { return p.UserID },
			keyOf:   func(p *models.Profile) any { return p.UserID },
		},
		models.KindFavorites: &table[models.Favorite]{
			name:        string(models.KindFavorites),
			columns:     columnSet("id", "user_id", "title", "url", "created_at"),
			key:         "id",
			privateRead: true,
			merge:       []string{"title", "url"},
			prepare: func(f *models.Favorite, now time.Time) {
				if f.ID == "" {
					f.ID = uuid.NewString()
				}
				if f.CreatedAt == nil {
					f.CreatedAt = &now
				}
			},
			ownerOf: func(f *models.Favorite) string { return f.UserID },
			keyOf:   func(f *models.Favorite) any { return f.ID },
		},
	}
}

func (s *Server) restTable(c *fiber.Ctx) (restTable, *rowQuery, error) {
	kind, ok := tableFor(c.Params("table"))
	if !ok {
		return nil, nil, newRestError(fiber.StatusNotFound, "42P01", "relation %q does not exist", c.Params("table"))
	}
	q, err := parseRowQuery(c)
	if err != nil {
		return nil, nil, err
	}
	q.server = s
	return s.tableSet[kind], q, nil
}

func (s *Server) selectRows(c *fiber.Ctx) error {
	t, q, err := s.restTable(c)
	if err != nil {
		return writeRestError(c, err)
	}
	return writeRestError(c, t.selectRows(c, q))
}

func (s *Server) insertRows(c *fiber.Ctx) error {
	t, q, err := s.restTable(c)
	if err != nil {
		return writeRestError(c, err)
	}
	return writeRestError(c, t.insertRows(c, q, c.Body()))
}

func (s *Server) deleteRows(c *fiber.Ctx) error {
	t, q, err := s.restTable(c)
	if err != nil {
		return writeRestError(c, err)
	}
	return writeRestError(c, t.deleteRows(c, q))
}

func writeRestError(c *fiber.Ctx, err error) error {
	if err == nil {
		return nil
	}
	var re *tableError
	if errors.As(err, &re) {
		return restError(c, re.status, re.code, re.msg)
	}
	return err
}

// filter is one column condition from the query string.
type filter struct {
	column string
	op     string
	values []string
}

type rowQuery struct {
	server  *Server
	caller  caller
	columns []string
	filters []filter
	order   string
	desc    bool
	limit   int
	prefer  map[string]string
	onConf  string
}

func parseRowQuery(c *fiber.Ctx) (*rowQuery, error) {
	q := &rowQuery{caller: callerFrom(c), prefer: parsePrefer(c.Get("Prefer"))}
	if sel := c.Query("select"); sel != "" && sel != "*" {
		q.columns = strings.Split(sel, ",")
	}
	if ord := c.Query("order"); ord != "" {
		parts := strings.Split(ord, ".")
		q.order = parts[0]
		for _, p := range parts[1:] {
			switch p {
			case "desc":
				q.desc = true
			case "asc", "nullsfirst", "nullslast":
			default:
				return nil, newRestError(fiber.StatusBadRequest, codeBadFilter, "unexpected order modifier %q", p)
			}
		}
	}
	if lim := c.Query("limit"); lim != "" {
		n, err := strconv.Atoi(lim)
		if err != nil || n < 0 {
			return nil, newRestError(fiber.StatusBadRequest, codeBadFilter, "invalid limit %q", lim)
		}
		q.limit = n
	}
	q.onConf = c.Query("on_conflict")

	var ferr error
	c.Context().QueryArgs().VisitAll(func(k, v []byte) {
		key := string(k)
		if reserved[key] || ferr != nil {
			return
		}
		f, err := parseFilter(key, string(v))
		if err != nil {
			ferr = err
			return
		}
		q.filters = append(q.filters, f)
	})
	return q, ferr
}

func parsePrefer(h string) map[string]string {
	m := map[string]string{}
	for _, part := range strings.Split(h, ",") {
		k, v, _ := strings.Cut(strings.TrimSpace(part), "=")
		if k != "" {
			m[k] = v
		}
	}
	return m
}

func parseFilter(column, raw string) (filter, error) {
	op, val, ok := strings.Cut(raw, ".")
	if !ok {
		return filter{}, newRestError(fiber.StatusBadRequest, codeBadFilter, "malformed filter %s=%s", column, raw)
	}
	switch op {
	case "eq":
		return filter{column: column, op: op, values: []string{val}}, nil
	case "in":
		vals, err := parseInList(val)
		if err != nil {
			return filter{}, newRestError(fiber.StatusBadRequest, codeBadFilter, "%s: %v", column, err)
		}
		return filter{column: column, op: op, values: vals}, nil
	}
	return filter{}, newRestError(fiber.StatusBadRequest, codeBadFilter, "unsupported operator %q", op)
}

// parseInList reads (a,"b c","d\"e") into its values.
func parseInList(raw string) ([]string, error) {
	if len(raw) < 2 || raw[0] != '(' || raw[len(raw)-1] != ')' {
		return nil, errors.New("in list must be parenthesized")
	}
	body := raw[1 : len(raw)-1]
	var (
		vals    []string
		cur     bytes.Buffer
		quoted  bool
		inQuote bool
	)
	flush := func() {
		v := cur.String()
		if !quoted {
			v = strings.TrimSpace(v)
		}
		vals = append(vals, v)
		cur.Reset()
		quoted = false
	}
	for i := 0; i < len(body); i++ {
		ch := body[i]
		switch {
		case inQuote && ch == '\\' && i+1 < len(body):
			i++
			cur.WriteByte(body[i])
		case ch == '"':
			inQuote = !inQuote
			quoted = true
		case ch == ',' && !inQuote:
			flush()
		default:
			cur.WriteByte(ch)
		}
	}
	if inQuote {
		return nil, errors.New("unterminated quote in list")
	}
	if body != "" {
		flush()
	}
	return vals, nil
}

func (t *table[T]) checkColumn(col string) error {
	if !t.columns[col] {
		return newRestError(fiber.StatusBadRequest, codeUnknownColumn, "column %s.%s does not exist", t.name, col)
	}
	return nil
}

// scope applies filters and the read policy.
func (t *table[T]) scope(tx *gorm.DB, q *rowQuery) (*gorm.DB, error) {
	for _, f := range q.filters {
		if err := t.checkColumn(f.column); err != nil {
			return nil, err
		}
		col := clause.Column{Table: t.name, Name: f.column}
		if f.op == "eq" {
			tx = tx.Where(clause.Eq{Column: col, Value: f.values[0]})
			continue
		}
		vals := make([]any, len(f.values))
		for i, v := range f.values {
			vals[i] = v
		}
		tx = tx.Where(clause.IN{Column: col, Values: vals})
	}
	if t.privateRead {
		tx = tx.Where(clause.Eq{Column: clause.Column{Table: t.name, Name: "user_id"}, Value: q.caller.UserID})
	}
	return tx, nil
}

func (t *table[T]) selectRows(c *fiber.Ctx, q *rowQuery) error {
	if err := t.checkColumns(q.columns); err != nil {
		return err
	}
	if t.privateRead && q.caller.anonymous() {
		return c.JSON([]any{})
	}
	tx, err := t.scope(q.server.db.WithContext(c.UserContext()).Model(new(T)), q)
	if err != nil {
		return err
	}
	if q.order != "" {
		if err := t.checkColumn(q.order); err != nil {
			return err
		}
		tx = tx.Order(clause.OrderByColumn{Column: clause.Column{Table: t.name, Name: q.order}, Desc: q.desc})
	}
	if q.limit > 0 {
		tx = tx.Limit(q.limit)
	}
	var rows []T
	if err := tx.Find(&rows).Error; err != nil {
		return err
	}
	return writeRows(c, fiber.StatusOK, rows, q.columns)
}

func (t *table[T]) checkColumns(cols []string) error {
	for _, col := range cols {
		if err := t.checkColumn(col); err != nil {
			return err
		}
	}
	return nil
}

// decodeBody accepts a single object or an array of objects.
func decodeBody[T any](body []byte) ([]T, error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return nil, errors.New("empty body")
	}
	if body[0] == '[' {
		var rows []T
		err := json.Unmarshal(body, &rows)
		return rows, err
	}
	var row T
	if err := json.Unmarshal(body, &row); err != nil {
		return nil, err
	}
	return []T{row}, nil
}

func (t *table[T]) insertRows(c *fiber.Ctx, q *rowQuery, body []byte) error {
	rows, err := decodeBody[T](body)
	if err != nil {
		return newRestError(fiber.StatusBadRequest, "PGRST102", "invalid body: %v", err)
	}
	if len(rows) == 0 {
		return writeRows(c, fiber.StatusCreated, rows, q.columns)
	}
	if q.caller.anonymous() {
		return rlsViolation(t.name)
	}
	now := q.server.opts.Now().UTC()
	for i := range rows {
		t.prepare(&rows[i], now)
		if t.ownerOf(&rows[i]) != q.caller.UserID {
			return rlsViolation(t.name)
		}
	}

	merge := q.prefer["resolution"] == "merge-duplicates"
	target := t.key
	if q.onConf != "" {
		if err := t.checkColumn(q.onConf); err != nil {
			return err
		}
		target = q.onConf
	}

	db := q.server.db.WithContext(c.UserContext())
	err = db.Transaction(func(tx *gorm.DB) error {
		for i := range rows {
			if isZero(t.keyOf(&rows[i])) {
				continue
			}
			var existing T
			res := tx.Where(clause.Eq{Column: clause.Column{Name: t.key}, Value: t.keyOf(&rows[i])}).Limit(1).Find(&existing)
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				continue
			}
			if !merge {
				return newRestError(fiber.StatusConflict, codeUniqueConflict,
					"duplicate key value violates unique constraint \"%s_pkey\"", t.name)
			}
			if t.ownerOf(&existing) != q.caller.UserID {
				return rlsViolation(t.name)
			}
		}
		if merge && len(t.merge) > 0 {
			tx = tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: target}},
				DoUpdates: clause.AssignmentColumns(t.merge),
			})
		}
		return writeError(t.name, tx.Create(&rows).Error)
	})
	if err != nil {
		return err
	}

	if !strings.HasPrefix(q.prefer["return"], "representation") {
		return c.SendStatus(fiber.StatusCreated)
	}
	keys := make([]any, len(rows))
	for i := range rows {
		keys[i] = t.keyOf(&rows[i])
	}
	var stored []T
	if err := db.Where(clause.IN{Column: clause.Column{Name: t.key}, Values: keys}).Find(&stored).Error; err != nil {
		return err
	}
	return writeRows(c, fiber.StatusCreated, stored, q.columns)
}

func (t *table[T]) deleteRows(c *fiber.Ctx, q *rowQuery) error {
	if len(q.filters) == 0 {
		return newRestError(fiber.StatusBadRequest, codeMissingWhere, "DELETE requires a WHERE clause")
	}
	var rows []T
	if !q.caller.anonymous() {
		err := q.server.db.WithContext(c.UserContext()).Transaction(func(tx *gorm.DB) error {
			scoped, err := t.scope(tx.Model(new(T)), q)
			if err != nil {
				return err
			}
			// Writes are limited to the caller's rows whatever the read policy.
			scoped = scoped.Where(clause.Eq{Column: clause.Column{Table: t.name, Name: "user_id"}, Value: q.caller.UserID})
			if err := scoped.Find(&rows).Error; err != nil {
				return err
			}
			if len(rows) == 0 {
				return nil
			}
			return tx.Delete(&rows).Error
		})
		if err != nil {
			return err
		}
	}
	if !strings.HasPrefix(q.prefer["return"], "representation") {
		return c.SendStatus(fiber.StatusNoContent)
	}
	if rows == nil {
		rows = []T{}
	}
	return writeRows(c, fiber.StatusOK, rows, q.columns)
}

// writeError reports constraint failures raised by the database itself, which
// happen when two writers race past the existence check.
func writeError(table string, err error) error {
	var pgErr *pgconn.PgError
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gorm.ErrDuplicatedKey):
		return newRestError(fiber.StatusConflict, codeUniqueConflict, "duplicate key value violates unique constraint")
	case errors.As(err, &pgErr) && pgErr.Code == codeUniqueConflict:
		return newRestError(fiber.StatusConflict, codeUniqueConflict, "%s", pgErr.Message)
	case errors.As(err, &pgErr) && pgErr.Code == codeRLSViolation:
		return rlsViolation(table)
	}
	return err
}

func isZero(v any) bool {
	switch k := v.(type) {
	case int64:
		return k == 0
	case string:
		return k == ""
	}
	return v == nil
}

// writeRows renders rows, keeping only the selected columns when a projection was requested.
func writeRows[T any](c *fiber.Ctx, status int, rows []T, columns []string) error {
	if rows == nil {
		rows = []T{}
	}
	if len(columns) == 0 {
		return c.Status(status).JSON(rows)
	}
	raw, err := json.Marshal(rows)
	if err != nil {
		return err
	}
	var full []map[string]json.RawMessage
	if err := json.Unmarshal(raw, &full); err != nil {
		return err
	}
	out := make([]map[string]json.RawMessage, len(full))
	for i, row := range full {
		out[i] = make(map[string]json.RawMessage, len(columns))
		for _, col := range columns {
			v, ok := row[col]
			if !ok {
				v = json.RawMessage("null")
			}
			out[i][col] = v
		}
	}
	return c.Status(status).JSON(out)
}
