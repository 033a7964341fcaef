package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/lvdashuaibi/livepoll/config"
	"github.com/lvdashuaibi/livepoll/internal/lock"
	"github.com/lvdashuaibi/livepoll/internal/model"
	"github.com/lvdashuaibi/livepoll/internal/notify"
	"github.com/lvdashuaibi/livepoll/internal/pubsub"
	"github.com/lvdashuaibi/livepoll/internal/repository"
	"github.com/lvdashuaibi/livepoll/internal/testutil"
)

type sentNotification struct {
	UserID, PollID, Message string
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []sentNotification
}

func (n *recordingNotifier) Notify(_ context.Context, userID, pollID, message string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, sentNotification{userID, pollID, message})
	return nil
}

func (n *recordingNotifier) Close() error { return nil }

func (n *recordingNotifier) all() []sentNotification {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]sentNotification(nil), n.sent...)
}

// flakyTally 按开关让票数操作失败
type flakyTally struct {
	*repository.RedisRepository
	mu             sync.Mutex
	failIncrement  bool
	afterIncrement func()
}

func (f *flakyTally) Increment(ctx context.Context, pollID, optionID string) (int64, error) {
	f.mu.Lock()
	fail, after := f.failIncrement, f.afterIncrement
	f.mu.Unlock()
	if fail {
		return 0, errors.New("redis unavailable")
	}
	n, err := f.RedisRepository.Increment(ctx, pollID, optionID)
	if err == nil && after != nil {
		after()
	}
	return n, err
}

func (f *flakyTally) onIncrement(fn func()) {
	f.mu.Lock()
	f.afterIncrement = fn
	f.mu.Unlock()
}

func (f *flakyTally) setFailIncrement(v bool) {
	f.mu.Lock()
	f.failIncrement = v
	f.mu.Unlock()
}

type fixture struct {
	ledger   *repository.MySQLRepository
	tally    *flakyTally
	bus      *pubsub.MemoryBus
	notifier *recordingNotifier
	dispatch *notify.Dispatcher
	votes    *VoteService
	polls    *PollService
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	ledger := testutil.NewLedger(t)
	_, store := testutil.NewTallyStore(t)
	tally := &flakyTally{RedisRepository: store}
	bus := pubsub.NewMemoryBus(64, nil)
	t.Cleanup(func() { bus.Close() })

	notifier := &recordingNotifier{}
	dispatch := notify.NewDispatcher(notifier, time.Second, nil)
	lockCfg := config.LockConfig{Backend: "local", TTL: 5 * time.Second, Wait: 5 * time.Second, RetryInterval: 2 * time.Millisecond}

	votes := NewVoteService(ledger, tally, bus, lock.NewLocalLock(), lockCfg, dispatch, nil)
	polls := NewPollService(ledger, tally, votes, dispatch, nil)

	return &fixture{
		ledger:   ledger,
		tally:    tally,
		bus:      bus,
		notifier: notifier,
		dispatch: dispatch,
		votes:    votes,
		polls:    polls,
	}
}

func (f *fixture) seedPoll(t *testing.T, ownerID string, options ...string) *model.Poll {
	t.Helper()
	poll, err := f.polls.CreatePoll(context.Background(), ownerID, "Colors", options)
	if err != nil {
		t.Fatalf("CreatePoll: %v", err)
	}
	return poll
}

func (f *fixture) snapshot(t *testing.T, pollID string) model.TallySnapshot {
	t.Helper()
	snap, err := f.tally.Snapshot(context.Background(), pollID)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	return snap
}

type eventLog struct {
	mu     sync.Mutex
	events []model.DeltaEvent
}

func (l *eventLog) handle(evt model.DeltaEvent) {
	l.mu.Lock()
	l.events = append(l.events, evt)
	l.mu.Unlock()
}

func (l *eventLog) waitFor(t *testing.T, n int) []model.DeltaEvent {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		l.mu.Lock()
		got := append([]model.DeltaEvent(nil), l.events...)
		l.mu.Unlock()
		if len(got) >= n {
			return got
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %d events, got %d", n, len(got))
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func (l *eventLog) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.events)
}

func (f *fixture) watch(t *testing.T, pollID string) *eventLog {
	t.Helper()
	log := &eventLog{}
	sub, err := f.bus.Subscribe(context.Background(), pollID, log.handle)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	t.Cleanup(sub.Unsubscribe)
	return log
}
