package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/lvdashuaibi/livepoll/config"
	"github.com/lvdashuaibi/livepoll/internal/api/graph"
	"github.com/lvdashuaibi/livepoll/internal/auth"
	"github.com/lvdashuaibi/livepoll/internal/lock"
	"github.com/lvdashuaibi/livepoll/internal/model"
	"github.com/lvdashuaibi/livepoll/internal/notify"
	"github.com/lvdashuaibi/livepoll/internal/pubsub"
	"github.com/lvdashuaibi/livepoll/internal/repository"
	"github.com/lvdashuaibi/livepoll/internal/service"
	"github.com/lvdashuaibi/livepoll/internal/testutil"
)

type harness struct {
	router *gin.Engine
	auth   *auth.Authenticator
	ledger *repository.MySQLRepository
	tally  *repository.RedisRepository
}

func newHarness(t *testing.T, allowAnonymous bool) *harness {
	t.Helper()
	gin.SetMode(gin.TestMode)

	ledger := testutil.NewLedger(t)
	_, tally := testutil.NewTallyStore(t)
	bus := pubsub.NewMemoryBus(16, nil)
	t.Cleanup(func() { bus.Close() })

	dispatcher := notify.NewDispatcher(notify.NewLogNotifier(nil), time.Second, nil)
	t.Cleanup(dispatcher.Wait)
	lockCfg := config.LockConfig{Backend: "local", TTL: 5 * time.Second, Wait: 5 * time.Second, RetryInterval: 2 * time.Millisecond}

	votes := service.NewVoteService(ledger, tally, bus, lock.NewLocalLock(), lockCfg, dispatcher, nil)
	polls := service.NewPollService(ledger, tally, votes, dispatcher, nil)

	authenticator := auth.NewAuthenticator(config.AuthConfig{
		JWTSecret:     "test-secret",
		CookieHashKey: "0123456789abcdef0123456789abcdef",
		CookieMaxAge:  time.Hour,
		AdminToken:    "ops",
	}, config.VotingConfig{AllowAnonymous: allowAnonymous}, ledger, nil)

	srv := NewServer(votes, polls, authenticator, nil)
	router := srv.Router(config.ServerConfig{AllowedOrigins: []string{"http://localhost:3000"}}, Options{
		GraphQLHandler: graph.NewGraphQLServer(votes, polls).Handler(),
		GraphQLPath:    "/graphql",
	})

	return &harness{router: router, auth: authenticator, ledger: ledger, tally: tally}
}

func (h *harness) token(t *testing.T, id, name string) string {
	t.Helper()
	tok, err := h.auth.IssueToken(model.User{ID: id, Name: name}, time.Hour)
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}
	return tok
}

func (h *harness) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	h.router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(w.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
	return v
}

// createPoll 通过接口创建投票，返回投票ID和按标题索引的选项ID
func (h *harness) createPoll(t *testing.T, token string, options ...string) (string, map[string]string) {
	t.Helper()
	w := h.do(t, http.MethodPost, "/polls", token, map[string]any{"title": "Colors", "options": options})
	if w.Code != http.StatusCreated {
		t.Fatalf("create poll: %d %s", w.Code, w.Body.String())
	}
	pollID := decode[map[string]string](t, w)["pollId"]

	poll := h.getPoll(t, pollID)
	ids := make(map[string]string, len(poll.Options))
	for _, o := range poll.Options {
		ids[o.Title] = o.ID
	}
	return pollID, ids
}

func (h *harness) getPoll(t *testing.T, pollID string) model.PollView {
	t.Helper()
	w := h.do(t, http.MethodGet, "/polls/"+pollID, "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("get poll: %d %s", w.Code, w.Body.String())
	}
	return decode[model.PollSnapshotMessage](t, w).Poll
}

func scores(view model.PollView) map[string]int64 {
	out := make(map[string]int64, len(view.Options))
	for _, o := range view.Options {
		out[o.Title] = o.Score
	}
	return out
}

func TestVoteLifecycle(t *testing.T) {
	h := newHarness(t, false)
	owner := h.token(t, "owner-1", "Olivia")
	alice := h.token(t, "u1", "Alice")

	pollID, opts := h.createPoll(t, owner, "Red", "Blue")

	w := h.do(t, http.MethodPost, "/polls/"+pollID+"/votes", alice, map[string]string{"pollOptionId": opts["Red"]})
	if w.Code != http.StatusCreated || w.Body.Len() != 0 {
		t.Fatalf("vote: %d %q", w.Code, w.Body.String())
	}

	w = h.do(t, http.MethodPost, "/polls/"+pollID+"/votes", alice, map[string]string{"pollOptionId": opts["Red"]})
	if w.Code != http.StatusConflict || decode[map[string]string](t, w)["error"] != "DuplicateVote" {
		t.Fatalf("duplicate vote: %d %s", w.Code, w.Body.String())
	}

	w = h.do(t, http.MethodPost, "/polls/"+pollID+"/votes", alice, map[string]string{"pollOptionId": opts["Blue"]})
	if w.Code != http.StatusCreated {
		t.Fatalf("revote: %d %s", w.Code, w.Body.String())
	}

	view := h.getPoll(t, pollID)
	if got := scores(view); got["Red"] != 0 || got["Blue"] != 1 {
		t.Fatalf("unexpected scores %v", got)
	}
	if view.CreatedBy == nil || view.CreatedBy.Name != "Olivia" {
		t.Fatalf("unexpected createdBy %+v", view.CreatedBy)
	}
	for _, o := range view.Options {
		if o.Title == "Blue" && (len(o.Voters) != 1 || o.Voters[0].Name != "Alice") {
			t.Fatalf("unexpected Blue voters %+v", o.Voters)
		}
	}
}

func TestVoteRequestErrors(t *testing.T) {
	h := newHarness(t, false)
	owner := h.token(t, "owner-1", "Olivia")
	alice := h.token(t, "u1", "Alice")
	pollID, opts := h.createPoll(t, owner, "Red", "Blue")
	_, otherOpts := h.createPoll(t, owner, "Green", "Yellow")

	tests := []struct {
		name     string
		path     string
		token    string
		body     any
		wantCode int
		wantErr  string
	}{
		{"no identity", "/polls/" + pollID + "/votes", "", map[string]string{"pollOptionId": opts["Red"]}, http.StatusUnauthorized, "Unauthenticated"},
		{"bad poll id", "/polls/not-a-uuid/votes", alice, map[string]string{"pollOptionId": opts["Red"]}, http.StatusBadRequest, "InvalidPollId"},
		{"missing option", "/polls/" + pollID + "/votes", alice, map[string]string{}, http.StatusBadRequest, "ValidationError"},
		{"option not uuid", "/polls/" + pollID + "/votes", alice, map[string]string{"pollOptionId": "red"}, http.StatusBadRequest, "ValidationError"},
		{"foreign option", "/polls/" + pollID + "/votes", alice, map[string]string{"pollOptionId": otherOpts["Green"]}, http.StatusBadRequest, "InvalidOption"},
		{"unknown poll", "/polls/" + uuid.NewString() + "/votes", alice, map[string]string{"pollOptionId": opts["Red"]}, http.StatusNotFound, "NotFound"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := h.do(t, http.MethodPost, tt.path, tt.token, tt.body)
			if w.Code != tt.wantCode {
				t.Fatalf("expected %d, got %d %s", tt.wantCode, w.Code, w.Body.String())
			}
			if got := decode[map[string]string](t, w)["error"]; got != tt.wantErr {
				t.Fatalf("expected error %q, got %q", tt.wantErr, got)
			}
		})
	}

	if got := scores(h.getPoll(t, pollID)); got["Red"] != 0 || got["Blue"] != 0 {
		t.Fatalf("failed requests changed the tally: %v", got)
	}
}

func TestAnonymousVotingUsesSessionCookie(t *testing.T) {
	h := newHarness(t, true)
	owner := h.token(t, "owner-1", "Olivia")
	pollID, opts := h.createPoll(t, owner, "Red", "Blue")

	body := fmt.Sprintf(`{"pollOptionId":%q}`, opts["Red"])
	req := httptest.NewRequest(http.MethodPost, "/polls/"+pollID+"/votes", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	h.router.ServeHTTP(w, req)
	if w.Code != http.StatusCreated {
		t.Fatalf("anonymous vote: %d %s", w.Code, w.Body.String())
	}

	var cookie *http.Cookie
	for _, c := range w.Result().Cookies() {
		if c.Name == auth.SessionCookieName {
			cookie = c
		}
	}
	if cookie == nil {
		t.Fatalf("session cookie not issued")
	}

	// 同一会话重复投票
	req = httptest.NewRequest(http.MethodPost, "/polls/"+pollID+"/votes", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.AddCookie(cookie)
	w = httptest.NewRecorder()
	h.router.ServeHTTP(w, req)
	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409 for same session, got %d", w.Code)
	}

	view := h.getPoll(t, pollID)
	if got := scores(view); got["Red"] != 1 {
		t.Fatalf("unexpected scores %v", got)
	}
	for _, o := range view.Options {
		if o.Title == "Red" && (len(o.Voters) != 1 || o.Voters[0].Name != model.AnonymousName) {
			t.Fatalf("unexpected Red voters %+v", o.Voters)
		}
	}
}

func TestPollManagement(t *testing.T) {
	h := newHarness(t, false)
	owner := h.token(t, "owner-1", "Olivia")
	alice := h.token(t, "u1", "Alice")

	if w := h.do(t, http.MethodPost, "/polls", "", map[string]any{"title": "x", "options": []string{"a", "b"}}); w.Code != http.StatusUnauthorized {
		t.Fatalf("anonymous create: expected 401, got %d", w.Code)
	}
	if w := h.do(t, http.MethodPost, "/polls", owner, map[string]any{"title": "x", "options": []string{"a"}}); w.Code != http.StatusBadRequest {
		t.Fatalf("one option: expected 400, got %d", w.Code)
	}

	pollID, _ := h.createPoll(t, owner, "Red", "Blue")
	h.createPoll(t, alice, "Cats", "Dogs")

	w := h.do(t, http.MethodGet, "/polls", "", nil)
	if w.Code != http.StatusOK || len(decode[[]model.Poll](t, w)) != 2 {
		t.Fatalf("list polls: %d %s", w.Code, w.Body.String())
	}
	w = h.do(t, http.MethodGet, "/polls/my", owner, nil)
	mine := decode[[]model.Poll](t, w)
	if w.Code != http.StatusOK || len(mine) != 1 || mine[0].ID != pollID {
		t.Fatalf("my polls: %d %s", w.Code, w.Body.String())
	}
	if w := h.do(t, http.MethodGet, "/polls/my", "", nil); w.Code != http.StatusUnauthorized {
		t.Fatalf("my polls without token: expected 401, got %d", w.Code)
	}

	title := "Colours"
	if w := h.do(t, http.MethodPut, "/polls/"+pollID, alice, map[string]any{"title": title}); w.Code != http.StatusForbidden {
		t.Fatalf("non-owner update: expected 403, got %d", w.Code)
	}
	if w := h.do(t, http.MethodPut, "/polls/"+pollID, owner, map[string]any{"title": title}); w.Code != http.StatusOK {
		t.Fatalf("owner update: %d %s", w.Code, w.Body.String())
	}
	if got := h.getPoll(t, pollID).Title; got != title {
		t.Fatalf("title not updated: %q", got)
	}

	if w := h.do(t, http.MethodDelete, "/polls/"+pollID, alice, nil); w.Code != http.StatusForbidden {
		t.Fatalf("non-owner delete: expected 403, got %d", w.Code)
	}
	if w := h.do(t, http.MethodDelete, "/polls/"+pollID, owner, nil); w.Code != http.StatusOK {
		t.Fatalf("owner delete: %d %s", w.Code, w.Body.String())
	}
	if w := h.do(t, http.MethodGet, "/polls/"+pollID, "", nil); w.Code != http.StatusNotFound {
		t.Fatalf("deleted poll: expected 404, got %d", w.Code)
	}
}

func TestAdminRecount(t *testing.T) {
	h := newHarness(t, false)
	owner := h.token(t, "owner-1", "Olivia")
	alice := h.token(t, "u1", "Alice")
	pollID, opts := h.createPoll(t, owner, "Red", "Blue")

	if w := h.do(t, http.MethodPost, "/polls/"+pollID+"/votes", alice, map[string]string{"pollOptionId": opts["Red"]}); w.Code != http.StatusCreated {
		t.Fatalf("vote: %d", w.Code)
	}
	// 人为破坏票数
	if err := h.tally.Reset(context.Background(), pollID, model.TallySnapshot{opts["Red"]: 7, opts["Blue"]: 3}); err != nil {
		t.Fatalf("Reset: %v", err)
	}

	path := "/admin/polls/" + pollID + "/recount"
	if w := h.do(t, http.MethodPost, path, "", nil); w.Code != http.StatusForbidden {
		t.Fatalf("recount without token: expected 403, got %d", w.Code)
	}

	req := httptest.NewRequest(http.MethodPost, path, nil)
	req.Header.Set(auth.AdminTokenHeader, "ops")
	w := httptest.NewRecorder()
	h.router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("recount: %d %s", w.Code, w.Body.String())
	}
	resp := decode[struct {
		Tally map[string]int64 `json:"tally"`
		Total int64            `json:"total"`
	}](t, w)
	if resp.Total != 1 || resp.Tally[opts["Red"]] != 1 {
		t.Fatalf("unexpected recount %+v", resp)
	}
	if got := scores(h.getPoll(t, pollID)); got["Red"] != 1 || got["Blue"] != 0 {
		t.Fatalf("tally not replaced: %v", got)
	}
}

func TestGraphQLCastVote(t *testing.T) {
	h := newHarness(t, false)
	owner := h.token(t, "owner-1", "Olivia")
	alice := h.token(t, "u1", "Alice")
	pollID, opts := h.createPoll(t, owner, "Red", "Blue")

	query := fmt.Sprintf(`mutation { castVote(pollId: %q, pollOptionId: %q) { replaced events { pollOptionId votes userName } } }`, pollID, opts["Blue"])
	w := h.do(t, http.MethodPost, "/graphql", alice, map[string]string{"query": query})
	if w.Code != http.StatusOK {
		t.Fatalf("graphql: %d %s", w.Code, w.Body.String())
	}
	resp := decode[struct {
		Data struct {
			CastVote struct {
				Replaced bool `json:"replaced"`
				Events   []struct {
					PollOptionID string  `json:"pollOptionId"`
					Votes        int     `json:"votes"`
					UserName     *string `json:"userName"`
				} `json:"events"`
			} `json:"castVote"`
		} `json:"data"`
		Errors []any `json:"errors"`
	}](t, w)
	if len(resp.Errors) != 0 {
		t.Fatalf("graphql errors: %v", resp.Errors)
	}
	events := resp.Data.CastVote.Events
	if resp.Data.CastVote.Replaced || len(events) != 1 || events[0].PollOptionID != opts["Blue"] || events[0].Votes != 1 {
		t.Fatalf("unexpected castVote result %+v", resp.Data.CastVote)
	}
	if events[0].UserName == nil || *events[0].UserName != "Alice" {
		t.Fatalf("expected userName Alice, got %v", events[0].UserName)
	}

	query = fmt.Sprintf(`{ tally(pollId: %q) { pollOptionId votes } }`, pollID)
	w = h.do(t, http.MethodPost, "/graphql", "", map[string]string{"query": query})
	if !strings.Contains(w.Body.String(), fmt.Sprintf(`{"pollOptionId":%q,"votes":1}`, opts["Blue"])) {
		t.Fatalf("unexpected tally response %s", w.Body.String())
	}
}

func TestCORSPreflight(t *testing.T) {
	h := newHarness(t, false)

	req := httptest.NewRequest(http.MethodOptions, "/polls", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	w := httptest.NewRecorder()
	h.router.ServeHTTP(w, req)
	if w.Code != http.StatusNoContent || w.Header().Get("Access-Control-Allow-Origin") != "http://localhost:3000" {
		t.Fatalf("unexpected preflight %d %v", w.Code, w.Header())
	}

	req = httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("Origin", "http://evil.example")
	w = httptest.NewRecorder()
	h.router.ServeHTTP(w, req)
	if w.Header().Get("Access-Control-Allow-Origin") != "" {
		t.Fatalf("foreign origin allowed")
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		err  error
		code int
		name string
	}{
		{fmt.Errorf("x: %w", model.ErrNotFound), http.StatusNotFound, "NotFound"},
		{model.ErrInvalidOption, http.StatusBadRequest, "InvalidOption"},
		{model.ErrInvalidInput, http.StatusBadRequest, "InvalidInput"},
		{model.ErrDuplicateVote, http.StatusConflict, "DuplicateVote"},
		{model.ErrForbidden, http.StatusForbidden, "Forbidden"},
		{model.ErrUnauthenticated, http.StatusUnauthorized, "Unauthenticated"},
		{fmt.Errorf("%w: %w", model.ErrVoteProcessingFailed, errors.New("redis down")), http.StatusInternalServerError, "VoteProcessingFailed"},
		{errors.New("boom"), http.StatusInternalServerError, "VoteProcessingFailed"},
	}
	for _, tt := range tests {
		status, body := classify(tt.err)
		if status != tt.code || body.Error != tt.name {
			t.Fatalf("classify(%v) = %d %s, want %d %s", tt.err, status, body.Error, tt.code, tt.name)
		}
	}
}
