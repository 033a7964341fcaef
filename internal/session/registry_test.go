package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/lvdashuaibi/livepoll/internal/model"
	"github.com/lvdashuaibi/livepoll/internal/pubsub"
)

type frame struct {
	event string
	data  any
}

type fakeConn struct {
	id      string
	mu      sync.Mutex
	frames  []frame
	done    chan struct{}
	once    sync.Once
	sendErr error
}

func newFakeConn() *fakeConn {
	return &fakeConn{id: uuid.NewString(), done: make(chan struct{})}
}

func (c *fakeConn) ID() string { return c.id }

func (c *fakeConn) Send(event string, data any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendErr != nil {
		return c.sendErr
	}
	c.frames = append(c.frames, frame{event, data})
	return nil
}

func (c *fakeConn) Done() <-chan struct{} { return c.done }

func (c *fakeConn) close() { c.once.Do(func() { close(c.done) }) }

func (c *fakeConn) snapshot() []frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]frame(nil), c.frames...)
}

func (c *fakeConn) waitFrames(t *testing.T, n int) []frame {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		got := c.snapshot()
		if len(got) >= n {
			return got
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %d frames, got %d", n, len(got))
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// stubViewer 返回固定快照，可在返回前发布事件
type stubViewer struct {
	view   model.PollView
	before func()
	err    error
}

func (s *stubViewer) GetPoll(_ context.Context, pollID string) (*model.PollView, error) {
	if s.err != nil {
		return nil, s.err
	}
	if s.before != nil {
		s.before()
	}
	v := s.view
	v.ID = pollID
	return &v, nil
}

func newTestRegistry(t *testing.T, viewer PollViewer) (*Registry, *pubsub.MemoryBus) {
	t.Helper()
	bus := pubsub.NewMemoryBus(64, nil)
	t.Cleanup(func() { bus.Close() })
	return NewRegistry(bus, viewer, nil), bus
}

func TestJoinSendsSnapshotThenUpdates(t *testing.T) {
	pollID := uuid.NewString()
	viewer := &stubViewer{view: model.PollView{Title: "Colors"}}
	reg, bus := newTestRegistry(t, viewer)

	// 快照读取期间发生的投票不能丢
	viewer.before = func() {
		bus.Publish(context.Background(), pollID, model.DeltaEvent{PollOptionID: "red", Votes: 1})
	}

	conn := newFakeConn()
	if err := reg.Join(context.Background(), conn, pollID); err != nil {
		t.Fatalf("Join: %v", err)
	}
	bus.Publish(context.Background(), pollID, model.DeltaEvent{PollOptionID: "red", Votes: 2})

	frames := conn.waitFrames(t, 3)
	if frames[0].event != EventPollUpdate {
		t.Fatalf("first frame must be the snapshot, got %s", frames[0].event)
	}
	msg, ok := frames[0].data.(model.PollSnapshotMessage)
	if !ok || msg.Poll.ID != pollID || msg.Poll.Title != "Colors" {
		t.Fatalf("unexpected snapshot: %+v", frames[0].data)
	}
	for i, want := range []int64{1, 2} {
		f := frames[i+1]
		evt, ok := f.data.(model.DeltaEvent)
		if f.event != EventVoteUpdate || !ok || evt.Votes != want {
			t.Fatalf("frame %d: unexpected %+v", i+1, f)
		}
	}
}

func TestJoinValidatesInput(t *testing.T) {
	reg, _ := newTestRegistry(t, &stubViewer{})
	ctx := context.Background()

	if err := reg.Join(ctx, newFakeConn(), "not-a-uuid"); !errors.Is(err, model.ErrInvalidPollID) {
		t.Fatalf("expected ErrInvalidPollID, got %v", err)
	}

	closed := newFakeConn()
	closed.close()
	if err := reg.Join(ctx, closed, uuid.NewString()); !errors.Is(err, model.ErrInvalidConnectionState) {
		t.Fatalf("expected ErrInvalidConnectionState for a closed conn, got %v", err)
	}

	conn := newFakeConn()
	if err := reg.Join(ctx, conn, uuid.NewString()); err != nil {
		t.Fatalf("Join: %v", err)
	}
	if err := reg.Join(ctx, conn, uuid.NewString()); !errors.Is(err, model.ErrInvalidConnectionState) {
		t.Fatalf("expected ErrInvalidConnectionState for a second join, got %v", err)
	}
}

func TestJoinFailureAllowsRetry(t *testing.T) {
	viewer := &stubViewer{err: model.ErrNotFound}
	reg, bus := newTestRegistry(t, viewer)
	pollID := uuid.NewString()
	conn := newFakeConn()

	if err := reg.Join(context.Background(), conn, pollID); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if bus.Subscribers(pollID) != 0 || reg.Viewers(pollID) != 0 {
		t.Fatalf("failed join left a subscription behind")
	}

	viewer.err = nil
	if err := reg.Join(context.Background(), conn, pollID); err != nil {
		t.Fatalf("retry Join: %v", err)
	}
}

func TestDisconnectStopsDelivery(t *testing.T) {
	reg, bus := newTestRegistry(t, &stubViewer{})
	pollID := uuid.NewString()
	conn := newFakeConn()
	ctx := context.Background()

	if err := reg.Join(ctx, conn, pollID); err != nil {
		t.Fatalf("Join: %v", err)
	}
	conn.waitFrames(t, 1)

	conn.close()
	deadline := time.Now().Add(2 * time.Second)
	for bus.Subscribers(pollID) != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("subscription not removed after disconnect")
		}
		time.Sleep(5 * time.Millisecond)
	}

	bus.Publish(ctx, pollID, model.DeltaEvent{PollOptionID: "red", Votes: 1})
	time.Sleep(20 * time.Millisecond)
	if n := len(conn.snapshot()); n != 1 {
		t.Fatalf("closed connection received %d frames", n)
	}
}

func TestLeaveIsIdempotentAndConcurrent(t *testing.T) {
	reg, bus := newTestRegistry(t, &stubViewer{})
	pollID := uuid.NewString()
	conn := newFakeConn()
	ctx := context.Background()

	if err := reg.Join(ctx, conn, pollID); err != nil {
		t.Fatalf("Join: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			reg.Leave(conn.ID())
		}()
		go func() {
			defer wg.Done()
			bus.Publish(ctx, pollID, model.DeltaEvent{PollOptionID: "red", Votes: 1})
		}()
	}
	wg.Wait()
	conn.close()

	if bus.Subscribers(pollID) != 0 || reg.Viewers(pollID) != 0 {
		t.Fatalf("expected no subscriptions after leave")
	}
}

func TestSendFailureClosesOnlyThatConnection(t *testing.T) {
	reg, bus := newTestRegistry(t, &stubViewer{})
	pollID := uuid.NewString()
	ctx := context.Background()

	broken, healthy := newFakeConn(), newFakeConn()
	for _, c := range []*fakeConn{broken, healthy} {
		if err := reg.Join(ctx, c, pollID); err != nil {
			t.Fatalf("Join: %v", err)
		}
	}
	broken.mu.Lock()
	broken.sendErr = errors.New("broken pipe")
	broken.mu.Unlock()

	bus.Publish(ctx, pollID, model.DeltaEvent{PollOptionID: "red", Votes: 1})
	healthy.waitFrames(t, 2)

	deadline := time.Now().Add(2 * time.Second)
	for reg.Viewers(pollID) != 1 {
		if time.Now().After(deadline) {
			t.Fatalf("broken connection not removed, viewers=%d", reg.Viewers(pollID))
		}
		time.Sleep(5 * time.Millisecond)
	}

	bus.Publish(ctx, pollID, model.DeltaEvent{PollOptionID: "red", Votes: 2})
	healthy.waitFrames(t, 3)
}
