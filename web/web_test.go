/*
 * Copyright 2025 tomoncle.
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package web

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tomoncle/datajpa/config"
	"github.com/tomoncle/datajpa/members"
	"github.com/tomoncle/datajpa/model"
	"github.com/tomoncle/datajpa/session"
	"github.com/tomoncle/datajpa/testutil"
	"github.com/tomoncle/datajpa/utils"
)

func newServer(t *testing.T, count int) *Server {
	t.Helper()
	db, metrics := testutil.OpenDB(t, model.Models()...)
	registry, err := members.NewRegistry(db, nil)
	require.NoError(t, err)
	repos, err := members.New(db, registry)
	require.NoError(t, err)
	factory := session.NewFactory(db)

	require.NoError(t, factory.Run(context.Background(), func(ctx context.Context, s *session.Session) error {
		for i := 1; i <= count; i++ {
			if _, err := repos.Members.Save(ctx, s, model.NewMember(fmt.Sprintf("member%d", i), 10, nil)); err != nil {
				return err
			}
		}
		return nil
	}))

	cfg := config.Default().Server
	cfg.MaxPageSize = 10
	return NewServer(cfg, Deps{Factory: factory, Repos: repos, Metrics: metrics})
}

func get(t *testing.T, s *Server, target string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	s.Echo().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func TestFindMember(t *testing.T) {
	s := newServer(t, 2)

	rec := get(t, s, "/members/1")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "member1", rec.Body.String())

	rec = get(t, s, "/members2/2")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "member2", rec.Body.String())

	for _, target := range []string{"/members/999", "/members2/999"} {
		rec = get(t, s, target)
		assert.Equal(t, http.StatusNotFound, rec.Code, target)
		assert.Equal(t, "NOT_FOUND", decode[ErrorResponse](t, rec).Error.Code)
	}

	rec = get(t, s, "/members/abc")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListMembers_DefaultPage(t *testing.T) {
	s := newServer(t, 5)

	rec := get(t, s, "/members")
	require.Equal(t, http.StatusOK, rec.Code)
	page := decode[PageResponse[model.MemberDTO]](t, rec)
	assert.Len(t, page.Content, 3)
	assert.Equal(t, 3, page.Size)
	assert.Equal(t, 5, page.TotalElements)
	assert.Equal(t, 2, page.TotalPages)
	assert.True(t, page.First)
	assert.False(t, page.Last)
	assert.Empty(t, page.Content[0].TeamName)
}

func TestListMembers_SortedPage(t *testing.T) {
	s := newServer(t, 5)

	rec := get(t, s, "/members?page=1&size=2&sort=username,desc")
	require.Equal(t, http.StatusOK, rec.Code)
	page := decode[PageResponse[model.MemberDTO]](t, rec)
	require.Len(t, page.Content, 2)
	assert.Equal(t, "member3", page.Content[0].Username)
	assert.Equal(t, "member2", page.Content[1].Username)
	assert.Equal(t, "username DESC", page.Sort)

	rec = get(t, s, "/members?page=9")
	require.Equal(t, http.StatusOK, rec.Code)
	page = decode[PageResponse[model.MemberDTO]](t, rec)
	assert.Empty(t, page.Content)
	assert.Equal(t, 5, page.TotalElements)

	rec = get(t, s, "/members?size=500")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 10, decode[PageResponse[model.MemberDTO]](t, rec).Size)
}

func TestListMembers_RejectsBadRequests(t *testing.T) {
	s := newServer(t, 1)

	rec := get(t, s, "/members?size=0")
	require.Equal(t, http.StatusBadRequest, rec.Code)
	body := decode[ErrorResponse](t, rec)
	require.Len(t, body.Error.Details, 1)
	assert.Equal(t, "size", body.Error.Details[0].Field)

	for _, target := range []string{
		"/members?page=-1",
		"/members?page=4611686018427387904&size=3",
		"/members?size=x",
		"/members?sort=username,sideways",
		"/members?sort=height",
	} {
		rec = get(t, s, target)
		assert.Equal(t, http.StatusBadRequest, rec.Code, target)
	}
}

func TestHealthAndMetrics(t *testing.T) {
	s := newServer(t, 1)

	rec := get(t, s, "/health")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "up", decode[healthResponse](t, rec).Status)

	get(t, s, "/members/1")
	rec = get(t, s, "/metrics")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `datajpa_statements_total{op="select"}`)
	assert.Contains(t, rec.Body.String(), `datajpa_http_requests_total{path="/members/:id",code="200"}`)
}

func TestAccessLog(t *testing.T) {
	var buf bytes.Buffer
	utils.ConfigureConsoleOutput(&buf)
	utils.ConfigureConsoleLogFormat("json")
	t.Cleanup(func() {
		utils.ConfigureConsoleOutput(os.Stdout)
		utils.ConfigureConsoleLogFormat("text")
	})

	s := newServer(t, 1)
	get(t, s, "/members/1")

	var rec struct {
		Method     string `json:"method"`
		Path       string `json:"path"`
		StatusCode int    `json:"status_code"`
		Latency    string `json:"latency_time"`
	}
	var line []byte
	for _, l := range bytes.Split(buf.Bytes(), []byte("\n")) {
		if bytes.Contains(l, []byte(`"status_code"`)) {
			line = l
		}
	}
	require.NotNil(t, line, buf.String())
	require.NoError(t, json.Unmarshal(line, &rec))
	assert.Equal(t, http.MethodGet, rec.Method)
	assert.Equal(t, "/members/1", rec.Path)
	assert.Equal(t, http.StatusOK, rec.StatusCode)
	assert.NotEmpty(t, rec.Latency)
}
