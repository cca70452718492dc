// Copyright ©️ Ant Group. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

package httpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/antgroup/omega/pkg/executor"
	"github.com/antgroup/omega/pkg/project"
	"github.com/antgroup/omega/pkg/replication"
	"github.com/antgroup/omega/pkg/storage"
)

func newTestServer(t *testing.T, auth Authenticator) (*Server, *httptest.Server) {
	t.Helper()
	store, err := storage.NewStore(nil)
	require.NoError(t, err)
	manager, err := project.Load(t.TempDir(), store)
	require.NoError(t, err)
	exec := executor.New(&executor.Options{
		Manager: manager,
		Backend: replication.NewStandalone(),
	})
	require.NoError(t, exec.Start(context.Background()))
	require.Eventually(t, exec.Writable, 3*time.Second, 5*time.Millisecond)
	t.Cleanup(exec.Stop)

	s := NewServer(&Options{
		Listen:     "127.0.0.1:0",
		ServerName: "Omega-test",
		Manager:    manager,
		Executor:   exec,
		Reader:     executor.NewReader(manager),
		Auth:       auth,
	})
	ts := httptest.NewServer(s)
	t.Cleanup(ts.Close)
	return s, ts
}

func doJSON(t *testing.T, method, url string, body any) *http.Response {
	t.Helper()
	var buf io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		buf = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, url, buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", JSON_MIME)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, out any) {
	t.Helper()
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
}

func createRepo(t *testing.T, base, project, repo string) {
	t.Helper()
	resp := doJSON(t, "POST", base+"/api/v1/projects", map[string]string{"name": project})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	resp.Body.Close()
	resp = doJSON(t, "POST", base+"/api/v1/projects/"+project+"/repos", map[string]string{"name": repo})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	resp.Body.Close()
}

func TestHealthCheck(t *testing.T) {
	_, ts := newTestServer(t, nil)
	resp, err := http.Get(ts.URL + "/monitor/l7check")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, "OK", string(body))
	assert.Equal(t, "Omega-test", resp.Header.Get("Server"))
}

func TestProjectLifecycle(t *testing.T) {
	_, ts := newTestServer(t, nil)
	resp := doJSON(t, "POST", ts.URL+"/api/v1/projects", map[string]string{"name": "foo"})
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	resp.Body.Close()

	var projects []string
	resp = doJSON(t, "GET", ts.URL+"/api/v1/projects", nil)
	decodeBody(t, resp, &projects)
	assert.Contains(t, projects, "foo")

	// duplicate create conflicts
	resp = doJSON(t, "POST", ts.URL+"/api/v1/projects", map[string]string{"name": "foo"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	var failure errorBody
	decodeBody(t, resp, &failure)
	assert.Equal(t, "PROJECT_EXISTS", failure.Exception)

	resp = doJSON(t, "DELETE", ts.URL+"/api/v1/projects/foo", nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp.Body.Close()

	var removed []string
	resp = doJSON(t, "GET", ts.URL+"/api/v1/projects?status=removed", nil)
	decodeBody(t, resp, &removed)
	assert.Contains(t, removed, "foo")

	resp = doJSON(t, "POST", ts.URL+"/api/v1/projects/foo/unremove", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()
}

func TestPushAndGetFile(t *testing.T) {
	_, ts := newTestServer(t, nil)
	createRepo(t, ts.URL, "foo", "bar")

	push := map[string]any{
		"commitMessage": map[string]string{"summary": "add a.json"},
		"changes": []map[string]any{
			{"type": "UPSERT_JSON", "path": "/a.json", "content": map[string]int{"a": 1}},
		},
	}
	resp := doJSON(t, "POST", ts.URL+"/api/v1/projects/foo/repos/bar/contents", push)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var pushed struct {
		Revision int `json:"revision"`
	}
	decodeBody(t, resp, &pushed)
	assert.Equal(t, 2, pushed.Revision)

	resp = doJSON(t, "GET", ts.URL+"/api/v1/projects/foo/repos/bar/contents/a.json", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var entry struct {
		Revision int             `json:"revision"`
		Path     string          `json:"path"`
		Content  json.RawMessage `json:"content"`
	}
	decodeBody(t, resp, &entry)
	assert.Equal(t, 2, entry.Revision)
	assert.Equal(t, "/a.json", entry.Path)
	assert.JSONEq(t, `{"a":1}`, string(entry.Content))

	// JSON path projection
	resp = doJSON(t, "GET", ts.URL+"/api/v1/projects/foo/repos/bar/contents/a.json?jsonpath=$.a", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	decodeBody(t, resp, &entry)
	assert.JSONEq(t, `1`, string(entry.Content))

	// normalize a relative revision
	resp = doJSON(t, "GET", ts.URL+"/api/v1/projects/foo/repos/bar/revision/-1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var rev struct {
		Revision int `json:"revision"`
	}
	decodeBody(t, resp, &rev)
	assert.Equal(t, 2, rev.Revision)
}

func TestPushValidation(t *testing.T) {
	_, ts := newTestServer(t, nil)
	createRepo(t, ts.URL, "foo", "bar")

	// summary required
	resp := doJSON(t, "POST", ts.URL+"/api/v1/projects/foo/repos/bar/contents", map[string]any{
		"changes": []map[string]any{{"type": "UPSERT_TEXT", "path": "/a.txt", "content": "hi"}},
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()

	// text content must be a JSON string
	resp = doJSON(t, "POST", ts.URL+"/api/v1/projects/foo/repos/bar/contents", map[string]any{
		"commitMessage": map[string]string{"summary": "bad"},
		"changes":       []map[string]any{{"type": "UPSERT_TEXT", "path": "/a.txt", "content": 42}},
	})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	var failure errorBody
	decodeBody(t, resp, &failure)
	assert.Equal(t, "CHANGE_CONFLICT", failure.Exception)
}

func TestErrorMapping(t *testing.T) {
	_, ts := newTestServer(t, nil)
	resp := doJSON(t, "GET", ts.URL+"/api/v1/projects/nope/repos/bar/contents/a.json", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	var failure errorBody
	decodeBody(t, resp, &failure)
	assert.Equal(t, "PROJECT_NOT_FOUND", failure.Exception)

	resp = doJSON(t, "GET", ts.URL+"/api/v1/projects/nope/repos/bar/contents/a.json?revision=bogus", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()
}

func TestWatchTimesOutWith304(t *testing.T) {
	_, ts := newTestServer(t, nil)
	createRepo(t, ts.URL, "foo", "bar")

	req, err := http.NewRequest("GET", ts.URL+"/api/v1/projects/foo/repos/bar/watch/a.json", nil)
	require.NoError(t, err)
	req.Header.Set("Prefer", "wait=1")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotModified, resp.StatusCode)
}

func TestWatchWakesOnPush(t *testing.T) {
	_, ts := newTestServer(t, nil)
	createRepo(t, ts.URL, "foo", "bar")

	done := make(chan *http.Response, 1)
	go func() {
		req, _ := http.NewRequest("GET", ts.URL+"/api/v1/projects/foo/repos/bar/watch/a.json", nil)
		req.Header.Set("Prefer", "wait=30")
		req.Header.Set("If-None-Match", `"1"`)
		resp, err := http.DefaultClient.Do(req)
		if err == nil {
			done <- resp
		}
	}()
	time.Sleep(50 * time.Millisecond)

	push := map[string]any{
		"commitMessage": map[string]string{"summary": "wake"},
		"changes": []map[string]any{
			{"type": "UPSERT_JSON", "path": "/a.json", "content": map[string]int{"a": 1}},
		},
	}
	resp := doJSON(t, "POST", ts.URL+"/api/v1/projects/foo/repos/bar/contents", push)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	select {
	case resp := <-done:
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "2", resp.Header.Get("ETag"))
		var rev struct {
			Revision int `json:"revision"`
		}
		decodeBody(t, resp, &rev)
		assert.Equal(t, 2, rev.Revision)
	case <-time.After(5 * time.Second):
		t.Fatal("watch did not wake on push")
	}
}

type fakeAuth struct {
	token   string
	session string
}

func (a *fakeAuth) Enabled() bool { return true }

func (a *fakeAuth) Validate(token string) (string, error) {
	if token == a.token || (a.session != "" && token == a.session) {
		return "alice", nil
	}
	return "", errors.New("invalid credential")
}

func (a *fakeAuth) Login(ctx context.Context, user, credential string) (string, error) {
	if credential != a.token {
		return "", errors.New("invalid credential")
	}
	a.session = "session-" + user
	return a.session, nil
}

func (a *fakeAuth) Logout(ctx context.Context, token string) error {
	if token != a.session {
		return errors.New("invalid session token")
	}
	a.session = ""
	return nil
}

func TestAuthGuard(t *testing.T) {
	auth := &fakeAuth{token: "app-token"}
	_, ts := newTestServer(t, auth)

	resp := doJSON(t, "GET", ts.URL+"/api/v1/projects", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("WWW-Authenticate"))
	resp.Body.Close()

	// a bogus token carries the validation failure in the error body
	req, err := http.NewRequest("GET", ts.URL+"/api/v1/projects", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer bogus")
	bad, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, bad.StatusCode)
	var failure errorBody
	decodeBody(t, bad, &failure)
	assert.Equal(t, "UNAUTHORIZED", failure.Exception)
	assert.Contains(t, failure.Message, "invalid credential")

	req, err = http.NewRequest("GET", ts.URL+"/api/v1/projects", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer app-token")
	got, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, got.StatusCode)
	got.Body.Close()

	// health check stays open
	plain, err := http.Get(ts.URL + "/monitor/l7check")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, plain.StatusCode)
	plain.Body.Close()
}

func TestLoginLogout(t *testing.T) {
	auth := &fakeAuth{token: "app-token"}
	_, ts := newTestServer(t, auth)

	req, err := http.NewRequest("POST", ts.URL+"/api/v1/login", bytes.NewReader([]byte(`{"user":"alice"}`)))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer app-token")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var login struct {
		Token string `json:"token"`
	}
	decodeBody(t, resp, &login)
	require.NotEmpty(t, login.Token)

	req, err = http.NewRequest("GET", ts.URL+"/api/v1/projects", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+login.Token)
	got, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, got.StatusCode)
	got.Body.Close()

	req, err = http.NewRequest("POST", ts.URL+"/api/v1/logout", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+login.Token)
	out, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, out.StatusCode)
	out.Body.Close()

	// the revoked token no longer validates
	req, err = http.NewRequest("GET", ts.URL+"/api/v1/projects", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+login.Token)
	denied, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, denied.StatusCode)
	denied.Body.Close()

	// wrong application token cannot log in
	req, err = http.NewRequest("POST", ts.URL+"/api/v1/login", bytes.NewReader([]byte(`{"user":"mallory"}`)))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer wrong")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp.Body.Close()
}

func TestHistoryAndDiff(t *testing.T) {
	_, ts := newTestServer(t, nil)
	createRepo(t, ts.URL, "foo", "bar")

	for i, content := range []string{`{"a":1}`, `{"a":2}`} {
		push := map[string]any{
			"commitMessage": map[string]string{"summary": "push"},
			"changes": []map[string]any{
				{"type": "UPSERT_JSON", "path": "/a.json", "content": json.RawMessage(content)},
			},
		}
		resp := doJSON(t, "POST", ts.URL+"/api/v1/projects/foo/repos/bar/contents", push)
		require.Equal(t, http.StatusOK, resp.StatusCode, "push %d", i)
		resp.Body.Close()
	}

	resp := doJSON(t, "GET", ts.URL+"/api/v1/projects/foo/repos/bar/commits/-1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var commits []struct {
		Revision int    `json:"revision"`
		Summary  string `json:"summary"`
	}
	decodeBody(t, resp, &commits)
	require.NotEmpty(t, commits)
	assert.Equal(t, 3, commits[0].Revision)

	resp = doJSON(t, "GET", ts.URL+"/api/v1/projects/foo/repos/bar/compare?from=2&to=3&diffMode=upsert", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var changes []struct {
		Type    string          `json:"type"`
		Path    string          `json:"path"`
		Content json.RawMessage `json:"content"`
	}
	decodeBody(t, resp, &changes)
	require.Len(t, changes, 1)
	assert.Equal(t, "UPSERT_JSON", changes[0].Type)
	assert.Equal(t, "/a.json", changes[0].Path)
	assert.JSONEq(t, `{"a":2}`, string(changes[0].Content))
}

func TestListFilesOmitsContent(t *testing.T) {
	_, ts := newTestServer(t, nil)
	createRepo(t, ts.URL, "foo", "bar")
	push := map[string]any{
		"commitMessage": map[string]string{"summary": "seed"},
		"changes": []map[string]any{
			{"type": "UPSERT_JSON", "path": "/a.json", "content": map[string]int{"a": 1}},
			{"type": "UPSERT_TEXT", "path": "/b.txt", "content": "hello"},
		},
	}
	resp := doJSON(t, "POST", ts.URL+"/api/v1/projects/foo/repos/bar/contents", push)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp = doJSON(t, "GET", ts.URL+"/api/v1/projects/foo/repos/bar/list/**", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var listed []struct {
		Path    string          `json:"path"`
		Content json.RawMessage `json:"content"`
	}
	decodeBody(t, resp, &listed)
	paths := make([]string, 0, len(listed))
	for _, e := range listed {
		assert.Empty(t, e.Content)
		paths = append(paths, e.Path)
	}
	assert.Contains(t, paths, "/a.json")
	assert.Contains(t, paths, "/b.txt")

	resp = doJSON(t, "GET", ts.URL+"/api/v1/projects/foo/repos/bar/files/**", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var full []struct {
		Path    string          `json:"path"`
		Content json.RawMessage `json:"content"`
	}
	decodeBody(t, resp, &full)
	for _, e := range full {
		if e.Path == "/a.json" {
			assert.JSONEq(t, `{"a":1}`, string(e.Content))
		}
	}
}
