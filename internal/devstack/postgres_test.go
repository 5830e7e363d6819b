package devstack

import (
	"errors"
	"net/http"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func setupMockServer(t *testing.T) (*Server, sqlmock.Sqlmock) {
	t.Helper()
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })

	db, err := gorm.Open(postgres.New(postgres.Config{Conn: sqlDB}), &gorm.Config{
		Logger: newQueryLogger(logger.Silent),
	})
	require.NoError(t, err)

	return New(db, Options{APIKey: testAPIKey, JWTSecret: "test-secret-0123456789"}), mock
}

func TestWriteError(t *testing.T) {
	t.Parallel()

	other := errors.New("connection reset")
	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{name: "unique violation", err: &pgconn.PgError{Code: "23505", Message: "duplicate key"}, status: http.StatusConflict, code: codeUniqueConflict},
		{name: "policy violation", err: &pgconn.PgError{Code: "42501"}, status: http.StatusForbidden, code: codeRLSViolation},
		{name: "translated duplicate", err: gorm.ErrDuplicatedKey, status: http.StatusConflict, code: codeUniqueConflict},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			var te *tableError
			require.ErrorAs(t, writeError("posts", tt.err), &te)
			assert.Equal(t, tt.status, te.status)
			assert.Equal(t, tt.code, te.code)
		})
	}

	assert.NoError(t, writeError("posts", nil))
	assert.Same(t, other, writeError("posts", other))
}

func TestPostgresUniqueViolationIsConflict(t *testing.T) {
	t.Parallel()
	s, mock := setupMockServer(t)

	token, _, err := s.signAccessToken(&User{ID: "u1", Email: "ann@example.com"}, time.Now())
	require.NoError(t, err)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`INSERT INTO "posts"`)).
		WillReturnError(&pgconn.PgError{Code: "23505", Message: `duplicate key value violates unique constraint "posts_pkey"`})
	mock.ExpectRollback()

	resp, body := doRequest(t, s, http.MethodPost, "/rest/v1/posts", token,
		`{"content":"hello","user_id":"u1"}`, map[string]string{"Prefer": "return=representation"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode, body)
	assert.Contains(t, body, `"code":"23505"`)
	assert.NoError(t, mock.ExpectationsWereMet())
}
