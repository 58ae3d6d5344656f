package app

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"linkstash/api/internal/feed"
	"linkstash/api/internal/store"
)

func newTestServer(t *testing.T) (*HTTPServer, *Service, *testDeps) {
	t.Helper()
	svc, deps := newTestService(t)
	// Empty SiteURL keeps redirect targets relative in assertions.
	return NewHTTPServer(svc, testConfig()), svc, deps
}

func doRequest(server *HTTPServer, req *http.Request) *httptest.ResponseRecorder {
	recorder := httptest.NewRecorder()
	server.Handler().ServeHTTP(recorder, req)
	return recorder
}

func withSession(req *http.Request, sess Session) *http.Request {
	req.AddCookie(&http.Cookie{Name: sessionCookie, Value: sess.Token})
	return req
}

// ----- route guard -----

func TestGuardAnonymousProtectedRedirectsToLanding(t *testing.T) {
	server, _, _ := newTestServer(t)

	resp := doRequest(server, httptest.NewRequest(http.MethodGet, "/home", nil))

	if resp.Code != http.StatusFound || resp.Header().Get("Location") != "/" {
		t.Fatalf("got %d -> %q, want 302 -> /", resp.Code, resp.Header().Get("Location"))
	}
}

func TestGuardAuthenticatedLandingRedirectsHome(t *testing.T) {
	server, svc, _ := newTestServer(t)
	sess := loginSession(t, svc)

	resp := doRequest(server, withSession(httptest.NewRequest(http.MethodGet, "/", nil), sess))

	if resp.Code != http.StatusFound || resp.Header().Get("Location") != "/home" {
		t.Fatalf("got %d -> %q, want 302 -> /home", resp.Code, resp.Header().Get("Location"))
	}
}

func TestGuardPassThrough(t *testing.T) {
	server, svc, _ := newTestServer(t)
	sess := loginSession(t, svc)

	if resp := doRequest(server, httptest.NewRequest(http.MethodGet, "/", nil)); resp.Code != http.StatusOK {
		t.Fatalf("anonymous landing: got %d, want 200", resp.Code)
	}
	resp := doRequest(server, withSession(httptest.NewRequest(http.MethodGet, "/home", nil), sess))
	if resp.Code != http.StatusOK {
		t.Fatalf("authenticated home: got %d, want 200", resp.Code)
	}
}

func TestGuardIgnoresRevokedSessionCookie(t *testing.T) {
	server, svc, _ := newTestServer(t)
	sess := loginSession(t, svc)

	// Revocation must take effect immediately: the cookie is still
	// syntactically valid but the server-side session is gone.
	if err := svc.Logout(context.Background(), sess.Token); err != nil {
		t.Fatalf("Logout failed: %v", err)
	}

	resp := doRequest(server, withSession(httptest.NewRequest(http.MethodGet, "/home", nil), sess))
	if resp.Code != http.StatusFound || resp.Header().Get("Location") != "/" {
		t.Fatalf("revoked session passed the guard: %d -> %q", resp.Code, resp.Header().Get("Location"))
	}
}

// ----- OAuth endpoints -----

func TestCallbackMissingCodeRedirects(t *testing.T) {
	server, _, _ := newTestServer(t)

	resp := doRequest(server, httptest.NewRequest(http.MethodGet, "/auth/callback", nil))

	if resp.Code != http.StatusFound || resp.Header().Get("Location") != "/?error=missing_oauth_code" {
		t.Fatalf("got %d -> %q, want 302 -> /?error=missing_oauth_code", resp.Code, resp.Header().Get("Location"))
	}
}

func TestCallbackProviderErrorPassthrough(t *testing.T) {
	server, _, _ := newTestServer(t)

	resp := doRequest(server, httptest.NewRequest(http.MethodGet, "/auth/callback?error=access_denied", nil))

	if resp.Header().Get("Location") != "/?error=access_denied" {
		t.Fatalf("provider error not surfaced: %q", resp.Header().Get("Location"))
	}
}

func TestCallbackWithoutStateCookieRedirects(t *testing.T) {
	server, _, _ := newTestServer(t)

	resp := doRequest(server, httptest.NewRequest(http.MethodGet, "/auth/callback?code=abc&state=xyz", nil))

	if resp.Header().Get("Location") != "/?error=invalid_oauth_state" {
		t.Fatalf("got %q, want invalid_oauth_state redirect", resp.Header().Get("Location"))
	}
}

func TestLoginCallbackRoundTrip(t *testing.T) {
	server, _, _ := newTestServer(t)

	login := doRequest(server, httptest.NewRequest(http.MethodGet, "/auth/login?next=/home", nil))
	if login.Code != http.StatusFound {
		t.Fatalf("login: got %d, want 302", login.Code)
	}
	consent, err := url.Parse(login.Header().Get("Location"))
	if err != nil {
		t.Fatalf("no consent redirect: %v", err)
	}
	state := consent.Query().Get("state")
	if state == "" {
		t.Fatal("consent URL missing state")
	}

	var stateCk *http.Cookie
	for _, cookie := range login.Result().Cookies() {
		if cookie.Name == stateCookie {
			stateCk = cookie
		}
	}
	if stateCk == nil {
		t.Fatal("login did not set the state cookie")
	}

	callback := httptest.NewRequest(http.MethodGet, "/auth/callback?code=abc&state="+state, nil)
	callback.AddCookie(stateCk)
	resp := doRequest(server, callback)

	if resp.Code != http.StatusFound || resp.Header().Get("Location") != "/home" {
		t.Fatalf("callback: got %d -> %q, want 302 -> /home", resp.Code, resp.Header().Get("Location"))
	}
	var sessionCk *http.Cookie
	for _, cookie := range resp.Result().Cookies() {
		if cookie.Name == sessionCookie && cookie.Value != "" {
			sessionCk = cookie
		}
	}
	if sessionCk == nil {
		t.Fatal("callback did not set a session cookie")
	}

	// The minted cookie passes the guard.
	home := httptest.NewRequest(http.MethodGet, "/home", nil)
	home.AddCookie(sessionCk)
	if got := doRequest(server, home); got.Code != http.StatusOK {
		t.Fatalf("fresh session rejected by guard: %d", got.Code)
	}
}

func TestLogoutClearsCookieAndRedirects(t *testing.T) {
	server, svc, _ := newTestServer(t)
	sess := loginSession(t, svc)

	resp := doRequest(server, withSession(httptest.NewRequest(http.MethodPost, "/auth/logout", nil), sess))

	if resp.Code != http.StatusFound || resp.Header().Get("Location") != "/" {
		t.Fatalf("got %d -> %q, want 302 -> /", resp.Code, resp.Header().Get("Location"))
	}
	api := withSession(httptest.NewRequest(http.MethodGet, "/api/bookmarks", nil), sess)
	if got := doRequest(server, api); got.Code != http.StatusUnauthorized {
		t.Fatalf("session still valid after logout: %d", got.Code)
	}
}

// ----- API surface -----

func TestAPIFailsClosedWithoutSession(t *testing.T) {
	server, _, _ := newTestServer(t)

	paths := []string{"/api/bookmarks", "/api/bookmarks/grouped", "/api/categories", "/api/profile"}
	for _, path := range paths {
		resp := doRequest(server, httptest.NewRequest(http.MethodGet, path, nil))
		if resp.Code != http.StatusUnauthorized {
			t.Fatalf("%s: got %d, want 401", path, resp.Code)
		}
		var body map[string]any
		if err := json.Unmarshal(resp.Body.Bytes(), &body); err != nil || body["code"] != "UNAUTHORIZED" {
			t.Fatalf("%s: unexpected body %s", path, resp.Body.String())
		}
	}
}

func TestSessionEndpointReportsState(t *testing.T) {
	server, svc, _ := newTestServer(t)

	resp := doRequest(server, httptest.NewRequest(http.MethodGet, "/api/session", nil))
	var anon map[string]any
	_ = json.Unmarshal(resp.Body.Bytes(), &anon)
	if anon["authenticated"] != false {
		t.Fatalf("anonymous session body: %s", resp.Body.String())
	}

	sess := loginSession(t, svc)
	resp = doRequest(server, withSession(httptest.NewRequest(http.MethodGet, "/api/session", nil), sess))
	var authed map[string]any
	_ = json.Unmarshal(resp.Body.Bytes(), &authed)
	if authed["authenticated"] != true || authed["userId"] != sess.UserID {
		t.Fatalf("authenticated session body: %s", resp.Body.String())
	}
}

func TestCreateBookmarkOverHTTP(t *testing.T) {
	server, svc, deps := newTestServer(t)
	sess := loginSession(t, svc)

	body := strings.NewReader(`{"title":"Go blog","url":"https://go.dev/blog","tags":"go, news"}`)
	req := withSession(httptest.NewRequest(http.MethodPost, "/api/bookmarks", body), sess)
	resp := doRequest(server, req)

	if resp.Code != http.StatusCreated {
		t.Fatalf("got %d: %s", resp.Code, resp.Body.String())
	}
	var created feed.Bookmark
	if err := json.Unmarshal(resp.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if created.Title != "Go blog" || created.UserID != sess.UserID {
		t.Fatalf("unexpected bookmark: %+v", created)
	}
	if len(deps.feed.events()) != 1 {
		t.Fatalf("expected one feed event, got %d", len(deps.feed.events()))
	}
}

func TestCreateBookmarkValidationOverHTTP(t *testing.T) {
	server, svc, _ := newTestServer(t)
	sess := loginSession(t, svc)

	req := withSession(httptest.NewRequest(http.MethodPost, "/api/bookmarks", strings.NewReader(`{"title":"no url"}`)), sess)
	resp := doRequest(server, req)

	if resp.Code != http.StatusUnprocessableEntity {
		t.Fatalf("got %d, want 422", resp.Code)
	}
}

func TestUpdateForeignBookmarkIs404(t *testing.T) {
	server, svc, deps := newTestServer(t)
	sess := loginSession(t, svc)
	deps.store.updateBookmarkFn = func(ctx context.Context, item store.Bookmark) (store.Bookmark, bool, error) {
		return store.Bookmark{}, false, nil
	}

	body := strings.NewReader(`{"title":"t","url":"https://example.com"}`)
	req := withSession(httptest.NewRequest(http.MethodPut, "/api/bookmarks/bm_other", body), sess)
	resp := doRequest(server, req)

	if resp.Code != http.StatusNotFound {
		t.Fatalf("got %d, want 404", resp.Code)
	}
}

func TestGroupedEndpoint(t *testing.T) {
	server, svc, deps := newTestServer(t)
	sess := loginSession(t, svc)
	deps.store.listBookmarksFn = func(ctx context.Context, userID string) ([]store.Bookmark, error) {
		design := "Design"
		return []store.Bookmark{
			{ID: "1", UserID: userID, Title: "a", URL: "https://a", Category: &design},
			{ID: "2", UserID: userID, Title: "b", URL: "https://b"},
		}, nil
	}

	resp := doRequest(server, withSession(httptest.NewRequest(http.MethodGet, "/api/bookmarks/grouped", nil), sess))

	if resp.Code != http.StatusOK {
		t.Fatalf("got %d: %s", resp.Code, resp.Body.String())
	}
	var grouped Grouped
	if err := json.Unmarshal(resp.Body.Bytes(), &grouped); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(grouped.Groups) != 1 || grouped.Groups[0].Label != "Design" || len(grouped.Uncategorized) != 1 {
		t.Fatalf("unexpected grouping: %+v", grouped)
	}
}

func TestHealthAndReady(t *testing.T) {
	server, _, _ := newTestServer(t)

	if resp := doRequest(server, httptest.NewRequest(http.MethodGet, "/api/health", nil)); resp.Code != http.StatusOK {
		t.Fatalf("health: got %d", resp.Code)
	}
	if resp := doRequest(server, httptest.NewRequest(http.MethodGet, "/api/ready", nil)); resp.Code != http.StatusOK {
		t.Fatalf("ready: got %d", resp.Code)
	}
}

// ----- SSE feed -----

func TestFeedStreamsSnapshotThenChanges(t *testing.T) {
	server, svc, deps := newTestServer(t)
	sess := loginSession(t, svc)
	deps.store.listBookmarksFn = func(ctx context.Context, userID string) ([]store.Bookmark, error) {
		return []store.Bookmark{{ID: "bm_1", UserID: userID, Title: "seed", URL: "https://seed", CreatedAt: time.Now()}}, nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	req := withSession(httptest.NewRequest(http.MethodGet, "/api/bookmarks/feed", nil).WithContext(ctx), sess)
	recorder := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		defer close(done)
		server.Handler().ServeHTTP(recorder, req)
	}()

	// Wait for the subscription, push one event, then hang up.
	deadline := time.Now().Add(2 * time.Second)
	for {
		deps.feed.mu.Lock()
		sub := deps.feed.sub
		deps.feed.mu.Unlock()
		if sub != nil {
			item := feed.Bookmark{ID: "bm_2", UserID: sess.UserID, Title: "pushed", URL: "https://pushed"}
			sub.events <- feed.Event{Type: feed.EventInsert, New: &item}
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("feed subscription never opened")
		}
		time.Sleep(5 * time.Millisecond)
	}
	time.Sleep(50 * time.Millisecond)
	cancel()
	<-done

	body := recorder.Body.String()
	if !strings.Contains(body, "event: snapshot") || !strings.Contains(body, "bm_1") {
		t.Fatalf("missing snapshot event:\n%s", body)
	}
	if !strings.Contains(body, "event: change") || !strings.Contains(body, "bm_2") {
		t.Fatalf("missing change event:\n%s", body)
	}
	if got := recorder.Header().Get("Content-Type"); got != "text/event-stream" {
		t.Fatalf("content type = %q", got)
	}
}
