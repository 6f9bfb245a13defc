package app

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"agora/api/internal/auth"
	"agora/api/internal/cache"
	"agora/api/internal/config"
	"agora/api/internal/gateway"
	"agora/api/internal/session"
	"agora/api/internal/store"
	"agora/api/internal/util"
	"github.com/alicebob/miniredis/v2"
	"go.uber.org/zap"
)

const (
	testJWTSecret  = "test-secret"
	testAudience   = "authenticated"
	testGateSecret = "gate-secret"
)

type harness struct {
	t      *testing.T
	mem    *store.MemoryStore
	server http.Handler
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	return newHarnessWith(t, time.Second, nil)
}

// newHarnessWith lets a test bound requests differently and wrap the store
// the service reads through.
func newHarnessWith(t *testing.T, timeout time.Duration, wrap func(*store.MemoryStore) dataStore) *harness {
	t.Helper()
	mem := store.NewMemoryStore()
	var data dataStore = mem
	if wrap != nil {
		data = wrap(mem)
	}

	redis := miniredis.RunT(t)
	sessions, err := session.NewRedisStore("redis://" + redis.Addr())
	if err != nil {
		t.Fatalf("redis store: %v", err)
	}
	t.Cleanup(func() { _ = sessions.Close() })

	freshness := cache.NewFreshness(256, time.Hour, timeout)
	gw := gateway.New(gateway.StandardFunc(func(actor store.Actor) gateway.Executor {
		return mem.Scoped(actor)
	}), mem, freshness, zap.NewNop())
	t.Cleanup(gw.Close)

	cfg := config.Config{
		GateSecret:     testGateSecret,
		SessionTTL:     time.Hour,
		GateTTL:        time.Hour,
		RequestTimeout: timeout,
	}
	svc := New(cfg, Deps{
		Store:    data,
		Sessions: sessions,
		Tokens:   auth.NewValidator(testJWTSecret, testAudience),
		Gateway:  gw,
		Cache:    freshness,
		Log:      zap.NewNop(),
	})
	return &harness{t: t, mem: mem, server: NewHTTPServer(svc, "*", zap.NewNop()).Handler()}
}

func (h *harness) seed(id, role, name string) string {
	h.t.Helper()
	if _, err := h.mem.UpsertProfile(context.Background(), store.ProfilePatch{ID: id, Role: &role, Username: &name}); err != nil {
		h.t.Fatalf("seed profile: %v", err)
	}
	return h.credential(id, "")
}

func (h *harness) credential(subject, email string) string {
	h.t.Helper()
	token, err := auth.IssueToken([]byte(testJWTSecret), testAudience, auth.Claims{
		Subject:    subject,
		Email:      email,
		ValidUntil: time.Now().Add(time.Hour),
	})
	if err != nil {
		h.t.Fatalf("issue token: %v", err)
	}
	return token
}

func (h *harness) do(method, path string, body any, headers map[string]string) (*httptest.ResponseRecorder, map[string]any) {
	h.t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			h.t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rr := httptest.NewRecorder()
	h.server.ServeHTTP(rr, req)

	var payload map[string]any
	if rr.Body.Len() > 0 {
		if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
			h.t.Fatalf("parse response: %v body=%s", err, rr.Body.String())
		}
	}
	return rr, payload
}

func bearer(token string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + token}
}

func expectStatus(t *testing.T, rr *httptest.ResponseRecorder, want int) {
	t.Helper()
	if rr.Code != want {
		t.Fatalf("expected status %d, got %d body=%s", want, rr.Code, rr.Body.String())
	}
}

func TestHealthAndReady(t *testing.T) {
	h := newHarness(t)

	rr, payload := h.do(http.MethodGet, "/api/health", nil, nil)
	expectStatus(t, rr, http.StatusOK)
	if payload["ok"] != true {
		t.Fatalf("expected ok=true, got %v", payload["ok"])
	}

	rr, payload = h.do(http.MethodGet, "/api/ready", nil, nil)
	expectStatus(t, rr, http.StatusOK)
	checks, _ := payload["checks"].(map[string]any)
	elevated, _ := checks["elevated"].(map[string]any)
	if elevated["status"] != "ok" {
		t.Fatalf("expected elevated ok, got %v", checks["elevated"])
	}
	if rr.Header().Get("X-Request-ID") == "" {
		t.Fatal("expected X-Request-ID header")
	}
}

func TestSessionLifecycle(t *testing.T) {
	h := newHarness(t)
	credential := h.credential("user-1", "avery@example.org")

	rr, payload := h.do(http.MethodPost, "/api/session", map[string]string{"credential": credential}, nil)
	expectStatus(t, rr, http.StatusCreated)
	token, _ := payload["sessionToken"].(string)
	if token == "" {
		t.Fatal("expected sessionToken")
	}
	if payload["userName"] != "avery" || payload["role"] != "user" {
		t.Fatalf("unexpected grant: %v", payload)
	}

	restore := map[string]string{headerSessionToken: token}
	rr, payload = h.do(http.MethodGet, "/api/session", nil, restore)
	expectStatus(t, rr, http.StatusOK)
	if payload["authenticated"] != true || payload["userId"] != "user-1" {
		t.Fatalf("expected restored session, got %v", payload)
	}

	rr, _ = h.do(http.MethodDelete, "/api/session", nil, restore)
	expectStatus(t, rr, http.StatusOK)

	_, payload = h.do(http.MethodGet, "/api/session", nil, restore)
	if payload["authenticated"] != false {
		t.Fatalf("expected revoked session to resolve as guest, got %v", payload)
	}
}

func TestSessionRejectsBadCredential(t *testing.T) {
	h := newHarness(t)
	rr, payload := h.do(http.MethodPost, "/api/session", map[string]string{"credential": "nope"}, nil)
	expectStatus(t, rr, http.StatusUnauthorized)
	if payload["precondition"] != "login" {
		t.Fatalf("expected login precondition, got %v", payload)
	}

	rr, _ = h.do(http.MethodPost, "/api/session", nil, nil)
	expectStatus(t, rr, http.StatusUnauthorized)
}

func TestGuestVotesAfterGatePass(t *testing.T) {
	h := newHarness(t)
	mod := h.seed("mod-1", "moderator", "Lee")

	rr, item := h.do(http.MethodPost, "/api/items", map[string]string{"category": "suggestion", "content": "More shade"}, bearer(mod))
	expectStatus(t, rr, http.StatusCreated)
	itemID, _ := item["id"].(string)

	guestSession := util.NewID("")
	guest := map[string]string{headerGuestSession: guestSession}
	vote := map[string]string{"state": "resolved"}

	rr, payload := h.do(http.MethodPut, "/api/items/"+itemID+"/vote", vote, guest)
	expectStatus(t, rr, http.StatusUnauthorized)
	if payload["precondition"] != "gate" {
		t.Fatalf("expected gate precondition, got %v", payload)
	}

	rr, _ = h.do(http.MethodPost, "/api/gate/pass", map[string]string{"guestSessionId": guestSession}, map[string]string{headerGateSecret: "wrong"})
	expectStatus(t, rr, http.StatusUnauthorized)

	rr, _ = h.do(http.MethodPost, "/api/gate/pass", map[string]string{"guestSessionId": "not-a-uuid"}, map[string]string{headerGateSecret: testGateSecret})
	expectStatus(t, rr, http.StatusUnprocessableEntity)

	rr, _ = h.do(http.MethodPost, "/api/gate/pass", map[string]string{"guestSessionId": guestSession}, map[string]string{headerGateSecret: testGateSecret})
	expectStatus(t, rr, http.StatusOK)

	rr, payload = h.do(http.MethodPut, "/api/items/"+itemID+"/vote", vote, guest)
	expectStatus(t, rr, http.StatusOK)
	if payload["current"] != "resolved" || payload["changed"] != true {
		t.Fatalf("unexpected delta: %v", payload)
	}

	// A second pass keeps the anonymous key, so the vote is replaced, not added.
	rr, _ = h.do(http.MethodPost, "/api/gate/pass", map[string]string{"guestSessionId": guestSession}, map[string]string{headerGateSecret: testGateSecret})
	expectStatus(t, rr, http.StatusOK)
	rr, _ = h.do(http.MethodPut, "/api/items/"+itemID+"/vote", map[string]string{"state": "partial"}, guest)
	expectStatus(t, rr, http.StatusOK)

	_, payload = h.do(http.MethodGet, "/api/items/"+itemID+"/tally", nil, nil)
	if payload["total"] != float64(1) {
		t.Fatalf("expected one live vote, got %v", payload)
	}
}

func TestModeratorDeleteScenario(t *testing.T) {
	h := newHarness(t)
	mod := h.seed("mod-1", "moderator", "Lee")
	user := h.seed("user-1", "user", "Avery")

	_, item := h.do(http.MethodPost, "/api/items", map[string]string{"category": "insight", "content": "S1"}, bearer(mod))
	itemID, _ := item["id"].(string)

	rr, _ := h.do(http.MethodPut, "/api/items/"+itemID+"/vote", map[string]string{"state": "resolved"}, bearer(user))
	expectStatus(t, rr, http.StatusOK)

	rr, payload := h.do(http.MethodDelete, "/api/items/"+itemID, nil, bearer(user))
	expectStatus(t, rr, http.StatusForbidden)
	if payload["code"] != "FORBIDDEN" {
		t.Fatalf("unexpected error body: %v", payload)
	}
	rr, _ = h.do(http.MethodGet, "/api/items/"+itemID+"/tally", nil, nil)
	expectStatus(t, rr, http.StatusOK)

	rr, _ = h.do(http.MethodDelete, "/api/items/"+itemID, nil, bearer(mod))
	expectStatus(t, rr, http.StatusOK)
	rr, _ = h.do(http.MethodGet, "/api/items/"+itemID+"/tally", nil, nil)
	expectStatus(t, rr, http.StatusNotFound)
	rr, _ = h.do(http.MethodGet, "/api/items/"+itemID, nil, nil)
	expectStatus(t, rr, http.StatusNotFound)

	_, payload = h.do(http.MethodGet, "/api/items", nil, nil)
	if items, _ := payload["items"].([]any); len(items) != 0 {
		t.Fatalf("expected empty board after delete, got %v", items)
	}
}

func TestItemBatchReportsRows(t *testing.T) {
	h := newHarness(t)
	mod := h.seed("mod-1", "moderator", "Lee")

	rr, payload := h.do(http.MethodPost, "/api/items/batch", map[string]any{
		"items": []map[string]string{
			{"category": "suggestion", "content": "a"},
			{"category": "bogus", "content": "b"},
		},
	}, bearer(mod))
	expectStatus(t, rr, http.StatusOK)
	if payload["created"] != float64(1) || payload["failed"] != float64(1) {
		t.Fatalf("unexpected batch summary: %v", payload)
	}

	rr, _ = h.do(http.MethodPost, "/api/items/batch", map[string]any{"items": []any{}}, bearer(mod))
	expectStatus(t, rr, http.StatusUnprocessableEntity)
}

func TestPostsAndReactions(t *testing.T) {
	h := newHarness(t)
	user := h.seed("user-1", "user", "Avery")
	admin := h.seed("admin-1", "system_admin", "Kai")

	rr, _ := h.do(http.MethodPost, "/api/posts", map[string]string{"topic": "labor", "kind": "feedback", "content": "x"}, nil)
	expectStatus(t, rr, http.StatusUnauthorized)

	rr, post := h.do(http.MethodPost, "/api/posts", map[string]string{"topic": "labor", "kind": "feedback", "content": "More rest breaks"}, bearer(user))
	expectStatus(t, rr, http.StatusCreated)
	postID, _ := post["id"].(string)

	rr, fetched := h.do(http.MethodGet, "/api/posts/"+postID, nil, nil)
	expectStatus(t, rr, http.StatusOK)
	if fetched["authorId"] != "user-1" {
		t.Fatalf("unexpected post: %v", fetched)
	}

	rr, _ = h.do(http.MethodPut, "/api/posts/"+postID+"/reaction", map[string]string{"type": "support"}, bearer(admin))
	expectStatus(t, rr, http.StatusOK)
	rr, _ = h.do(http.MethodPut, "/api/posts/"+postID+"/reaction", map[string]string{"type": "meh"}, bearer(admin))
	expectStatus(t, rr, http.StatusUnprocessableEntity)

	_, payload := h.do(http.MethodGet, "/api/posts/"+postID+"/reactions", nil, nil)
	if payload["supportRatio"] != float64(1) {
		t.Fatalf("unexpected reactions: %v", payload)
	}

	_, payload = h.do(http.MethodGet, "/api/posts?topic=labor", nil, nil)
	posts, _ := payload["posts"].([]any)
	if len(posts) != 1 {
		t.Fatalf("expected one post, got %v", payload)
	}
	first, _ := posts[0].(map[string]any)
	if first["authorLabel"] != "Avery" {
		t.Fatalf("expected author label Avery, got %v", first["authorLabel"])
	}

	rr, _ = h.do(http.MethodGet, "/api/posts?topic=weather", nil, nil)
	expectStatus(t, rr, http.StatusUnprocessableEntity)
}

func TestProfileManagement(t *testing.T) {
	h := newHarness(t)
	admin := h.seed("admin-1", "system_admin", "Kai")
	user := h.seed("user-1", "user", "Avery")

	rr, _ := h.do(http.MethodGet, "/api/profiles", nil, bearer(user))
	expectStatus(t, rr, http.StatusForbidden)

	rr, payload := h.do(http.MethodGet, "/api/profiles", nil, bearer(admin))
	expectStatus(t, rr, http.StatusOK)
	if profiles, _ := payload["profiles"].([]any); len(profiles) != 2 {
		t.Fatalf("expected two profiles, got %v", payload)
	}

	rr, payload = h.do(http.MethodPut, "/api/profiles/me", map[string]string{"username": "Avery R"}, bearer(user))
	expectStatus(t, rr, http.StatusOK)
	if payload["username"] != "Avery R" || payload["role"] != "user" {
		t.Fatalf("unexpected profile: %v", payload)
	}

	rr, _ = h.do(http.MethodPut, "/api/profiles/user-1/role", map[string]string{"role": "moderator"}, bearer(user))
	expectStatus(t, rr, http.StatusForbidden)

	rr, payload = h.do(http.MethodPut, "/api/profiles/user-1/role", map[string]string{"role": "moderator"}, bearer(admin))
	expectStatus(t, rr, http.StatusOK)
	if payload["label"] != "Moderator - Avery R" {
		t.Fatalf("unexpected label: %v", payload["label"])
	}

	rr, payload = h.do(http.MethodPost, "/api/profiles/roles", map[string]any{"targetIds": []string{"user-1", "ghost"}, "role": "user"}, bearer(admin))
	expectStatus(t, rr, http.StatusOK)
	if payload["partial"] != true || payload["failed"] != float64(1) {
		t.Fatalf("unexpected batch result: %v", payload)
	}

	rr, _ = h.do(http.MethodPost, "/api/profiles/provision", map[string]string{"email": "river@example.org", "role": "user"}, bearer(admin))
	expectStatus(t, rr, http.StatusServiceUnavailable)
}

func TestSearchWithoutBackends(t *testing.T) {
	h := newHarness(t)
	rr, payload := h.do(http.MethodGet, "/api/search?q=shade", nil, nil)
	expectStatus(t, rr, http.StatusOK)
	if results, ok := payload["results"].([]any); !ok || len(results) != 0 {
		t.Fatalf("expected empty results, got %v", payload)
	}
}

func TestUnknownRoutes(t *testing.T) {
	h := newHarness(t)
	rr, _ := h.do(http.MethodGet, "/nope", nil, nil)
	expectStatus(t, rr, http.StatusNotFound)
	rr, _ = h.do(http.MethodPatch, "/api/items", nil, nil)
	expectStatus(t, rr, http.StatusMethodNotAllowed)
}

// stalledStore never answers tally reads until its caller gives up.
type stalledStore struct {
	*store.MemoryStore
}

func (s stalledStore) VoteCounts(ctx context.Context, itemID string) ([]store.StateCount, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestStalledStoreTimesOutRetryably(t *testing.T) {
	h := newHarnessWith(t, 100*time.Millisecond, func(mem *store.MemoryStore) dataStore {
		return stalledStore{MemoryStore: mem}
	})

	done := make(chan struct{})
	var (
		rr      *httptest.ResponseRecorder
		payload map[string]any
	)
	go func() {
		defer close(done)
		rr, payload = h.do(http.MethodGet, "/api/items/S1/tally", nil, nil)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("tally did not return within the request timeout")
	}
	expectStatus(t, rr, http.StatusServiceUnavailable)
	if payload["code"] != "UNAVAILABLE" {
		t.Fatalf("unexpected error body: %v", payload)
	}
}
