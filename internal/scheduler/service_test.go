package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"xivtimers/internal/event"
	"xivtimers/internal/storage"
	"xivtimers/pkg/logx"
)

// memStore is a minimal in-memory reminder store.
type memStore struct {
	mu     sync.Mutex
	nextID int64
	items  map[int64]storage.Reminder

	created chan storage.Reminder
}

func newMemStore() *memStore {
	return &memStore{
		items:   make(map[int64]storage.Reminder),
		created: make(chan storage.Reminder, 16),
	}
}

func (m *memStore) CreateReminder(_ context.Context, expires time.Time, kind string, extra map[string]any) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	r := storage.Reminder{ID: m.nextID, Expires: expires, Created: time.Now(), Event: kind, Extra: extra}
	m.items[r.ID] = r
	select {
	case m.created <- r:
	default:
	}
	return r.ID, nil
}

func (m *memStore) ClaimDue(_ context.Context, now time.Time) ([]storage.Reminder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var due []storage.Reminder
	for id, r := range m.items {
		if !r.Expires.After(now) {
			due = append(due, r)
			delete(m.items, id)
		}
	}
	return due, nil
}

func (m *memStore) PeekEarliest(_ context.Context) (time.Time, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var earliest time.Time
	found := false
	for _, r := range m.items {
		if !found || r.Expires.Before(earliest) {
			earliest = r.Expires
			found = true
		}
	}
	return earliest, found, nil
}

func (m *memStore) pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items)
}

type fakeDispatcher struct {
	mu    sync.Mutex
	got   []storage.Reminder
	errs  map[string]error
	fired chan storage.Reminder
}

func newFakeDispatcher() *fakeDispatcher {
	return &fakeDispatcher{errs: make(map[string]error), fired: make(chan storage.Reminder, 16)}
}

func (d *fakeDispatcher) Dispatch(_ context.Context, r storage.Reminder) error {
	d.mu.Lock()
	d.got = append(d.got, r)
	err := d.errs[r.Event]
	d.mu.Unlock()
	d.fired <- r
	return err
}

func (d *fakeDispatcher) dispatched() []storage.Reminder {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]storage.Reminder, len(d.got))
	copy(out, d.got)
	return out
}

func waitFired(t *testing.T, d *fakeDispatcher) storage.Reminder {
	t.Helper()
	select {
	case r := <-d.fired:
		return r
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for dispatch")
		return storage.Reminder{}
	}
}

func startLoop(t *testing.T, st *memStore, d *fakeDispatcher) *Service {
	t.Helper()
	svc := New(st, d, logx.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = svc.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(3 * time.Second):
			t.Error("scheduler did not stop")
		}
	})
	return svc
}

func TestRunFiresDueReminder(t *testing.T) {
	st := newMemStore()
	d := newFakeDispatcher()

	if _, err := st.CreateReminder(context.Background(), time.Now().Add(30*time.Millisecond), "user_reminder", map[string]any{"message": "hi"}); err != nil {
		t.Fatal(err)
	}
	startLoop(t, st, d)

	r := waitFired(t, d)
	if r.Event != "user_reminder" {
		t.Fatalf("Event = %q, want user_reminder", r.Event)
	}
	if st.pending() != 0 {
		t.Fatalf("pending = %d, want 0 (user reminders do not recur)", st.pending())
	}
}

func TestWakeShortensIdleWait(t *testing.T) {
	st := newMemStore()
	d := newFakeDispatcher()
	svc := startLoop(t, st, d)

	// Loop starts idle. Insert an already-due reminder and wake it.
	if _, err := st.CreateReminder(context.Background(), time.Now().Add(-time.Second), "user_reminder", nil); err != nil {
		t.Fatal(err)
	}
	svc.Wake()

	waitFired(t, d)
}

func TestWakePreemptsArmedTimer(t *testing.T) {
	st := newMemStore()
	d := newFakeDispatcher()

	// Armed far in the future.
	if _, err := st.CreateReminder(context.Background(), time.Now().Add(time.Hour), "user_reminder", map[string]any{"message": "late"}); err != nil {
		t.Fatal(err)
	}
	svc := startLoop(t, st, d)
	time.Sleep(20 * time.Millisecond)

	// An earlier reminder arrives; the loop must re-arm and fire it, not
	// sleep out the hour.
	if _, err := st.CreateReminder(context.Background(), time.Now().Add(10*time.Millisecond), "user_reminder", map[string]any{"message": "early"}); err != nil {
		t.Fatal(err)
	}
	svc.Wake()

	r := waitFired(t, d)
	if msg, _ := r.Extra["message"].(string); msg != "early" {
		t.Fatalf("fired %q, want the early reminder", msg)
	}
	if st.pending() != 1 {
		t.Fatalf("pending = %d, want the late reminder still queued", st.pending())
	}
}

func TestRecurringKindReinsertedBeforeDispatch(t *testing.T) {
	st := newMemStore()
	d := newFakeDispatcher()

	due := time.Now().Add(-time.Second)
	if _, err := st.CreateReminder(context.Background(), due, string(event.DailyReset), nil); err != nil {
		t.Fatal(err)
	}
	startLoop(t, st, d)

	fired := waitFired(t, d)

	// The successor must already exist by the time dispatch is observed.
	select {
	case first := <-st.created:
		if first.Event != string(event.DailyReset) {
			t.Fatalf("first created = %q", first.Event)
		}
	default:
		t.Fatal("no creation recorded")
	}
	var next storage.Reminder
	select {
	case next = <-st.created:
	case <-time.After(time.Second):
		t.Fatal("successor was not inserted")
	}
	want, ok := event.Next(event.DailyReset, fired.Expires)
	if !ok {
		t.Fatal("daily_reset should recur")
	}
	if !next.Expires.Equal(want) {
		t.Fatalf("successor expires %v, want %v", next.Expires, want)
	}
	if st.pending() != 1 {
		t.Fatalf("pending = %d, want 1", st.pending())
	}
}

func TestDispatchErrorDoesNotStopOtherReminders(t *testing.T) {
	st := newMemStore()
	d := newFakeDispatcher()
	d.errs["user_reminder"] = context.DeadlineExceeded

	due := time.Now().Add(-time.Second)
	if _, err := st.CreateReminder(context.Background(), due, "user_reminder", nil); err != nil {
		t.Fatal(err)
	}
	if _, err := st.CreateReminder(context.Background(), due.Add(time.Millisecond), string(event.OceanFishing), nil); err != nil {
		t.Fatal(err)
	}
	startLoop(t, st, d)

	waitFired(t, d)
	waitFired(t, d)

	events := map[string]bool{}
	for _, r := range d.dispatched() {
		events[r.Event] = true
	}
	if !events["user_reminder"] || !events[string(event.OceanFishing)] {
		t.Fatalf("dispatched = %v, want both reminders", events)
	}
}
