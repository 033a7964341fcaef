package ws

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/lvdashuaibi/livepoll/internal/model"
	"github.com/lvdashuaibi/livepoll/internal/pubsub"
	"github.com/lvdashuaibi/livepoll/internal/session"
)

type stubViewer struct {
	polls map[string]*model.PollView
}

func (v *stubViewer) GetPoll(_ context.Context, pollID string) (*model.PollView, error) {
	p, ok := v.polls[pollID]
	if !ok {
		return nil, model.ErrNotFound
	}
	return p, nil
}

type inFrame struct {
	Event string         `json:"event"`
	Data  map[string]any `json:"data"`
}

type testServer struct {
	bus      *pubsub.MemoryBus
	registry *session.Registry
	url      string
	pollID   string
	optionID string
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	pollID, optionID := uuid.NewString(), uuid.NewString()
	viewer := &stubViewer{polls: map[string]*model.PollView{
		pollID: {
			ID:    pollID,
			Title: "Colors",
			Options: []model.OptionView{
				{ID: optionID, Title: "Red", Score: 2, Voters: []model.VoterRef{}},
			},
		},
	}}

	bus := pubsub.NewMemoryBus(16, nil)
	registry := session.NewRegistry(bus, viewer, nil)
	t.Cleanup(func() {
		registry.Close()
		bus.Close()
	})

	r := gin.New()
	r.GET("/ws", NewHandler(registry, []string{"*"}, nil).Serve)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)

	return &testServer{
		bus:      bus,
		registry: registry,
		url:      "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws",
		pollID:   pollID,
		optionID: optionID,
	}
}

func (s *testServer) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	c, _, err := websocket.DefaultDialer.Dial(s.url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func readFrame(t *testing.T, c *websocket.Conn) inFrame {
	t.Helper()
	c.SetReadDeadline(time.Now().Add(2 * time.Second))
	var f inFrame
	if err := c.ReadJSON(&f); err != nil {
		t.Fatalf("read frame: %v", err)
	}
	return f
}

func waitViewers(t *testing.T, r *session.Registry, pollID string, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for r.Viewers(pollID) != want {
		if time.Now().After(deadline) {
			t.Fatalf("expected %d viewers, got %d", want, r.Viewers(pollID))
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestJoinPollReceivesSnapshotThenUpdates(t *testing.T) {
	s := newTestServer(t)
	c := s.dial(t)

	if err := c.WriteJSON(map[string]any{"event": "joinPoll", "data": map[string]string{"pollId": s.pollID}}); err != nil {
		t.Fatalf("write: %v", err)
	}

	f := readFrame(t, c)
	if f.Event != session.EventPollUpdate {
		t.Fatalf("expected pollUpdate first, got %q", f.Event)
	}
	poll, _ := f.Data["poll"].(map[string]any)
	if poll["id"] != s.pollID || poll["title"] != "Colors" {
		t.Fatalf("unexpected snapshot %v", f.Data)
	}

	name := "Alice"
	userID := "u1"
	evt := model.DeltaEvent{PollOptionID: s.optionID, Votes: 3, UserID: &userID, UserName: &name}
	if err := s.bus.Publish(context.Background(), s.pollID, evt); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	f = readFrame(t, c)
	if f.Event != session.EventVoteUpdate {
		t.Fatalf("expected voteUpdate, got %q", f.Event)
	}
	if f.Data["pollOptionId"] != s.optionID || f.Data["votes"] != float64(3) || f.Data["userName"] != "Alice" {
		t.Fatalf("unexpected event %v", f.Data)
	}
}

func TestBarePollIDJoin(t *testing.T) {
	s := newTestServer(t)
	c := s.dial(t)

	if err := c.WriteJSON(map[string]string{"pollId": s.pollID}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if f := readFrame(t, c); f.Event != session.EventPollUpdate {
		t.Fatalf("expected pollUpdate, got %q", f.Event)
	}
	waitViewers(t, s.registry, s.pollID, 1)
}

func TestJoinErrorsAreReportedOnSocket(t *testing.T) {
	s := newTestServer(t)
	c := s.dial(t)

	tests := []struct {
		name string
		msg  any
		want string
	}{
		{name: "invalid id", msg: map[string]any{"event": "joinPoll", "data": map[string]string{"pollId": "nope"}}, want: "Invalid poll ID"},
		{name: "unknown poll", msg: map[string]string{"pollId": uuid.NewString()}, want: "Poll not found"},
		{name: "unknown event", msg: map[string]string{"event": "dance"}, want: "Unknown event dance"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := c.WriteJSON(tt.msg); err != nil {
				t.Fatalf("write: %v", err)
			}
			f := readFrame(t, c)
			if f.Event != session.EventError || f.Data["message"] != tt.want {
				t.Fatalf("got %q %v, want error %q", f.Event, f.Data, tt.want)
			}
		})
	}

	// 失败后同一连接仍可加入
	if err := c.WriteJSON(map[string]string{"pollId": s.pollID}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if f := readFrame(t, c); f.Event != session.EventPollUpdate {
		t.Fatalf("expected pollUpdate after failed joins, got %q", f.Event)
	}
}

func TestSecondJoinOnSameConnectionRejected(t *testing.T) {
	s := newTestServer(t)
	c := s.dial(t)

	if err := c.WriteJSON(map[string]string{"pollId": s.pollID}); err != nil {
		t.Fatalf("write: %v", err)
	}
	readFrame(t, c)

	if err := c.WriteJSON(map[string]string{"pollId": s.pollID}); err != nil {
		t.Fatalf("write: %v", err)
	}
	f := readFrame(t, c)
	if f.Event != session.EventError || f.Data["message"] != "Already joined a poll on this connection" {
		t.Fatalf("unexpected frame %q %v", f.Event, f.Data)
	}
	if n := s.registry.Viewers(s.pollID); n != 1 {
		t.Fatalf("expected 1 viewer, got %d", n)
	}
}

func TestDisconnectLeavesPoll(t *testing.T) {
	s := newTestServer(t)
	c := s.dial(t)

	if err := c.WriteJSON(map[string]string{"pollId": s.pollID}); err != nil {
		t.Fatalf("write: %v", err)
	}
	readFrame(t, c)
	waitViewers(t, s.registry, s.pollID, 1)

	c.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	c.Close()

	waitViewers(t, s.registry, s.pollID, 0)
	deadline := time.Now().Add(2 * time.Second)
	for s.bus.Subscribers(s.pollID) != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("subscription still active after disconnect")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
