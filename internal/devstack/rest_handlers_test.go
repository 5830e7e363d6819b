package devstack

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testAPIKey = "anon-test-key"

func newTestServer(t *testing.T, autoConfirm bool) *Server {
	t.Helper()
	db, err := OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return New(db, Options{
		APIKey:      testAPIKey,
		JWTSecret:   "test-secret-0123456789",
		SiteURL:     "http://site.test",
		AutoConfirm: autoConfirm,
	})
}

func doRequest(t *testing.T, s *Server, method, target, token, body string, header map[string]string) (*http.Response, string) {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, r)
	req.Header.Set("apikey", testAPIKey)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for k, v := range header {
		req.Header.Set(k, v)
	}
	resp, err := s.App().Test(req, int((5 * time.Second).Milliseconds()))
	require.NoError(t, err)
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	_ = resp.Body.Close()
	return resp, string(raw)
}

func signUpUser(t *testing.T, s *Server, email string) sessionBody {
	t.Helper()
	resp, body := doRequest(t, s, http.MethodPost, "/auth/v1/signup", "",
		`{"email":"`+email+`","password":"hunter22"}`, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, body)
	var sess sessionBody
	require.NoError(t, json.Unmarshal([]byte(body), &sess))
	require.NotEmpty(t, sess.AccessToken)
	return sess
}

func TestParseInList(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		raw     string
		want    []string
		wantErr bool
	}{
		{name: "bare", raw: "(a,b)", want: []string{"a", "b"}},
		{name: "quoted", raw: `("a b","c,d")`, want: []string{"a b", "c,d"}},
		{name: "escaped quote", raw: `("x\"y")`, want: []string{`x"y`}},
		{name: "empty", raw: "()", want: nil},
		{name: "no parens", raw: "a,b", wantErr: true},
		{name: "unterminated", raw: `("a)`, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := parseInList(tt.raw)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRequestsNeedAPIKey(t *testing.T) {
	t.Parallel()
	s := newTestServer(t, true)

	req := httptest.NewRequest(http.MethodGet, "/rest/v1/posts", nil)
	resp, err := s.App().Test(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestRestErrors(t *testing.T) {
	t.Parallel()
	s := newTestServer(t, true)
	sess := signUpUser(t, s, "ann@example.test")

	tests := []struct {
		name     string
		method   string
		target   string
		body     string
		wantCode int
		wantErr  string
	}{
		{name: "unknown table", method: http.MethodGet, target: "/rest/v1/secrets", wantCode: http.StatusNotFound, wantErr: "42P01"},
		{name: "unknown column", method: http.MethodGet, target: "/rest/v1/posts?select=id,password", wantCode: http.StatusBadRequest, wantErr: codeUnknownColumn},
		{name: "bad operator", method: http.MethodGet, target: "/rest/v1/posts?id=gt.3", wantCode: http.StatusBadRequest, wantErr: codeBadFilter},
		{name: "unfiltered delete", method: http.MethodDelete, target: "/rest/v1/favorites", wantCode: http.StatusBadRequest, wantErr: codeMissingWhere},
		{
			name:     "post for another user",
			method:   http.MethodPost,
			target:   "/rest/v1/posts",
			body:     `{"content":"hi","user_id":"someone-else"}`,
			wantCode: http.StatusForbidden,
			wantErr:  codeRLSViolation,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := doRequest(t, s, tt.method, tt.target, sess.AccessToken, tt.body, nil)
			assert.Equal(t, tt.wantCode, resp.StatusCode, body)
			assert.Contains(t, body, tt.wantErr)
		})
	}
}

func TestAnonymousCannotInsert(t *testing.T) {
	t.Parallel()
	s := newTestServer(t, true)

	resp, body := doRequest(t, s, http.MethodPost, "/rest/v1/posts", testAPIKey, `{"content":"hi","user_id":"x"}`, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Contains(t, body, codeRLSViolation)
}

func TestProfileInsertConflictsWithoutMerge(t *testing.T) {
	t.Parallel()
	s := newTestServer(t, true)
	sess := signUpUser(t, s, "ann@example.test")
	row := `{"user_id":"` + sess.User.ID + `","display_name":"Ann"}`

	resp, body := doRequest(t, s, http.MethodPost, "/rest/v1/profiles", sess.AccessToken, row, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode, body)

	resp, body = doRequest(t, s, http.MethodPost, "/rest/v1/profiles", sess.AccessToken, row, nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Contains(t, body, codeUniqueConflict)
}

func TestSelectProjectsColumns(t *testing.T) {
	t.Parallel()
	s := newTestServer(t, true)
	sess := signUpUser(t, s, "ann@example.test")

	resp, body := doRequest(t, s, http.MethodPost, "/rest/v1/posts", sess.AccessToken,
		`{"content":"hello","user_id":"`+sess.User.ID+`"}`, map[string]string{"Prefer": "return=representation"})
	require.Equal(t, http.StatusCreated, resp.StatusCode, body)

	resp, body = doRequest(t, s, http.MethodGet, "/rest/v1/posts?select=id,content", "", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, body)

	var rows []map[string]any
	require.NoError(t, json.Unmarshal([]byte(body), &rows))
	require.Len(t, rows, 1)
	assert.Equal(t, "hello", rows[0]["content"])
	assert.NotContains(t, rows[0], "user_id")
}

func TestExpiredAccessTokenIsRejected(t *testing.T) {
	t.Parallel()
	s := newTestServer(t, true)
	sess := signUpUser(t, s, "ann@example.test")
	s.opts.Now = func() time.Time { return time.Now().Add(2 * time.Hour) }

	resp, body := doRequest(t, s, http.MethodGet, "/rest/v1/posts", sess.AccessToken, "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Contains(t, body, "PGRST301")
}
