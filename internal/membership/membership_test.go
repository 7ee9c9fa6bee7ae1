package membership

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/vovakirdan/hushroom/internal/store"
	"github.com/vovakirdan/hushroom/internal/store/sqlite"
)

// countingStore records participant removals and can be told to fail them.
type countingStore struct {
	store.Store

	removals   atomic.Int32
	failRemove atomic.Bool
	// afterRemove, when set before use, runs once a removal has committed.
	afterRemove func(roomID, participantID string)
}

var errStoreDown = errors.New("store down")

func (s *countingStore) RemoveParticipant(ctx context.Context, roomID, participantID string) (int, error) {
	s.removals.Add(1)
	if s.failRemove.Load() {
		return 0, errStoreDown
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	remaining, err := s.Store.RemoveParticipant(ctx, roomID, participantID)
	if err == nil && s.afterRemove != nil {
		s.afterRemove(roomID, participantID)
	}
	return remaining, err
}

type fixture struct {
	store   *countingStore
	clock   *clock.Mock
	manager *Manager
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	db, err := sqlite.New(":memory:")
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	cs := &countingStore{Store: db}
	mock := clock.NewMock()
	return &fixture{
		store: cs,
		clock: mock,
		manager: NewManager(cs, Options{
			GraceWindow: 3 * time.Second,
			Clock:       mock,
		}),
	}
}

func (f *fixture) participants(t *testing.T, roomID string) []string {
	t.Helper()
	room, err := f.store.GetRoom(context.Background(), roomID)
	if errors.Is(err, store.ErrRoomNotFound) {
		return nil
	}
	if err != nil {
		t.Fatalf("get room: %v", err)
	}
	return room.Participants
}

func (f *fixture) roomExists(t *testing.T, roomID string) bool {
	t.Helper()
	_, err := f.store.GetRoom(context.Background(), roomID)
	if err != nil && !errors.Is(err, store.ErrRoomNotFound) {
		t.Fatalf("get room: %v", err)
	}
	return err == nil
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func waitDone(t *testing.T, s *Session) {
	t.Helper()
	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("session for %s still %s", s.RoomID, s.State())
	}
}

func nextState(t *testing.T, ch <-chan RoomState) RoomState {
	t.Helper()
	select {
	case st, ok := <-ch:
		if !ok {
			t.Fatal("observation closed")
		}
		return st
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for room state")
	}
	return RoomState{}
}

func TestJoinIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	room, _, err := f.manager.Create(ctx, "lobby", "alice")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	first, err := f.manager.Join(ctx, room.ID, "bob")
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	second, err := f.manager.Join(ctx, room.ID, "bob")
	if err != nil {
		t.Fatalf("second join: %v", err)
	}
	if first != second {
		t.Fatal("expected repeated join to return the same session")
	}

	got := f.participants(t, room.ID)
	if len(got) != 2 {
		t.Fatalf("expected 2 participants, got %v", got)
	}
	if first.State() != StateJoined {
		t.Fatalf("expected joined, got %s", first.State())
	}
}

func TestCreateJoinsCreator(t *testing.T) {
	f := newFixture(t)

	room, s, err := f.manager.Create(context.Background(), "lobby", "alice")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if s.RoomID != room.ID || s.State() != StateJoined {
		t.Fatalf("unexpected creator session: room=%s state=%s", s.RoomID, s.State())
	}
	if got := f.participants(t, room.ID); len(got) != 1 || got[0] != "alice" {
		t.Fatalf("expected only the creator, got %v", got)
	}
}

func TestManualLeaveIsImmediateAndIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	room, _, _ := f.manager.Create(ctx, "lobby", "alice")
	s, _ := f.manager.Join(ctx, room.ID, "bob")

	f.manager.Leave(ctx, room.ID, "bob", true)
	if s.State() != StateLeft || !s.Manual() {
		t.Fatalf("expected manual left, got %s (%s)", s.State(), s.Trigger())
	}
	if got := f.participants(t, room.ID); len(got) != 1 || got[0] != "alice" {
		t.Fatalf("expected bob removed, got %v", got)
	}

	f.manager.Leave(ctx, room.ID, "bob", true)
	if n := f.store.removals.Load(); n != 1 {
		t.Fatalf("expected a single removal, got %d", n)
	}
}

func TestLastLeaveDeletesRoom(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	room, _, _ := f.manager.Create(ctx, "lobby", "alice")
	f.manager.Leave(ctx, room.ID, "alice", true)

	if f.roomExists(t, room.ID) {
		t.Fatal("expected empty room to be deleted")
	}
}

func TestRejoinWithinGraceCancelsLeave(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	room, s, _ := f.manager.Create(ctx, "lobby", "alice")

	f.manager.Leave(ctx, room.ID, "alice", false)
	if s.State() != StateLeavePending {
		t.Fatalf("expected leave pending, got %s", s.State())
	}

	f.clock.Add(time.Second)
	again, err := f.manager.Join(ctx, room.ID, "alice")
	if err != nil {
		t.Fatalf("rejoin: %v", err)
	}
	if again != s || s.State() != StateJoined {
		t.Fatalf("expected original session resumed, got %s", s.State())
	}

	f.clock.Add(10 * time.Second)
	time.Sleep(20 * time.Millisecond)

	if n := f.store.removals.Load(); n != 0 {
		t.Fatalf("expected no removals, got %d", n)
	}
	if got := f.participants(t, room.ID); len(got) != 1 {
		t.Fatalf("expected alice still present, got %v", got)
	}
}

func TestGraceExpiryCommitsOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	room, s, _ := f.manager.Create(ctx, "lobby", "alice")
	if _, err := f.manager.Join(ctx, room.ID, "bob"); err != nil {
		t.Fatalf("join: %v", err)
	}

	f.manager.Leave(ctx, room.ID, "alice", false)
	f.manager.Leave(ctx, room.ID, "alice", false)

	f.clock.Add(2 * time.Second)
	time.Sleep(20 * time.Millisecond)
	if s.State() != StateLeavePending {
		t.Fatalf("expected pending before the window elapses, got %s", s.State())
	}

	f.clock.Add(2 * time.Second)
	waitDone(t, s)

	if s.Trigger() != triggerGrace || s.Manual() {
		t.Fatalf("unexpected trigger %q", s.Trigger())
	}
	if n := f.store.removals.Load(); n != 1 {
		t.Fatalf("expected exactly one removal, got %d", n)
	}
	if got := f.participants(t, room.ID); len(got) != 1 || got[0] != "bob" {
		t.Fatalf("expected only bob, got %v", got)
	}
}

func TestUnloadSkipsGrace(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	room, s, _ := f.manager.Create(ctx, "lobby", "alice")
	f.manager.Leave(ctx, room.ID, "alice", false)
	f.manager.Unload(room.ID, "alice")

	if s.State() != StateLeft || s.Trigger() != triggerUnload {
		t.Fatalf("expected unload to end the session, got %s (%s)", s.State(), s.Trigger())
	}
	if f.roomExists(t, room.ID) {
		t.Fatal("expected room deleted")
	}

	f.clock.Add(10 * time.Second)
	time.Sleep(20 * time.Millisecond)
	if n := f.store.removals.Load(); n != 1 {
		t.Fatalf("expected one removal, got %d", n)
	}
}

func TestJoinMissingRoomFails(t *testing.T) {
	f := newFixture(t)

	_, err := f.manager.Join(context.Background(), "nope", "alice")
	if !errors.Is(err, ErrJoinFailed) || !errors.Is(err, store.ErrRoomNotFound) {
		t.Fatalf("expected join failure for missing room, got %v", err)
	}
	if f.manager.Coordinator("alice").Session() != nil {
		t.Fatal("failed join must not leave a session behind")
	}
	if ce := ToCoreError(err); ce.Code != ErrCodeRoomNotFound {
		t.Fatalf("unexpected code %q", ce.Code)
	}
}

func TestJoinRequiresParticipant(t *testing.T) {
	f := newFixture(t)

	_, err := f.manager.Join(context.Background(), "room", "")
	if !errors.Is(err, store.ErrInvalidParticipant) {
		t.Fatalf("expected invalid participant, got %v", err)
	}
	if ce := ToCoreError(err); ce.Code != ErrCodeBadRequest {
		t.Fatalf("unexpected code %q", ce.Code)
	}
}

func TestLeaveStoreFailureIsSwallowed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	room, s, _ := f.manager.Create(ctx, "lobby", "alice")
	f.store.failRemove.Store(true)

	f.manager.Leave(ctx, room.ID, "alice", true)

	if s.State() != StateLeft {
		t.Fatalf("expected local state left despite store failure, got %s", s.State())
	}
	if got := f.participants(t, room.ID); len(got) != 1 {
		t.Fatalf("expected stale membership to remain for the reaper, got %v", got)
	}
}

func TestSwitchRoomLeavesPrevious(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a, _, _ := f.manager.Create(ctx, "a", "alice")
	b, _, _ := f.manager.Create(ctx, "b", "bob")

	prev := f.manager.Coordinator("alice").Session()
	next, err := f.manager.Join(ctx, b.ID, "alice")
	if err != nil {
		t.Fatalf("join: %v", err)
	}

	if prev.State() != StateLeft || prev.Trigger() != triggerSwitch {
		t.Fatalf("expected previous session switched out, got %s (%s)", prev.State(), prev.Trigger())
	}
	if f.roomExists(t, a.ID) {
		t.Fatal("expected room a deleted once alice left")
	}
	if next.RoomID != b.ID || len(f.participants(t, b.ID)) != 2 {
		t.Fatalf("expected alice in room b, got %v", f.participants(t, b.ID))
	}
}

func TestSwitchDuringGraceCommitsPrevious(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a, prev, _ := f.manager.Create(ctx, "a", "alice")
	b, _, _ := f.manager.Create(ctx, "b", "bob")

	f.manager.Leave(ctx, a.ID, "alice", false)
	if _, err := f.manager.Join(ctx, b.ID, "alice"); err != nil {
		t.Fatalf("join: %v", err)
	}

	if prev.State() != StateLeft {
		t.Fatalf("expected pending session committed, got %s", prev.State())
	}
	f.clock.Add(10 * time.Second)
	time.Sleep(20 * time.Millisecond)
	if n := f.store.removals.Load(); n != 1 {
		t.Fatalf("expected one removal, got %d", n)
	}
}

func TestSwitchLeaveOutlivesCancelledRequest(t *testing.T) {
	f := newFixture(t)

	a, _, _ := f.manager.Create(context.Background(), "a", "alice")
	if _, err := f.manager.Join(context.Background(), a.ID, "bob"); err != nil {
		t.Fatalf("join: %v", err)
	}
	b, _, _ := f.manager.Create(context.Background(), "b", "carol")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := f.manager.Join(ctx, b.ID, "alice"); !errors.Is(err, ErrJoinFailed) {
		t.Fatalf("expected join with a cancelled request to fail, got %v", err)
	}

	// Room a is still occupied by bob, so nothing else would remove alice.
	got := f.participants(t, a.ID)
	if len(got) != 1 || got[0] != "bob" {
		t.Fatalf("expected alice removed from room a, got %v", got)
	}
}

func TestJoinRacingLastLeaveKeepsRoom(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	room, _, _ := f.manager.Create(ctx, "lobby", "alice")

	var bob *Session
	var joinErr error
	f.store.afterRemove = func(roomID, participantID string) {
		if participantID != "alice" {
			return
		}
		// Bob lands after alice's removal reported an empty room and
		// before the empty-room delete.
		bob, joinErr = f.manager.Join(ctx, roomID, "bob")
	}

	f.manager.Leave(ctx, room.ID, "alice", true)

	if joinErr != nil {
		t.Fatalf("join: %v", joinErr)
	}
	if bob.State() != StateJoined {
		t.Fatalf("expected bob joined, got %s", bob.State())
	}
	got := f.participants(t, room.ID)
	if len(got) != 1 || got[0] != "bob" {
		t.Fatalf("expected the room to survive with bob, got %v", got)
	}
}

func TestObserveRoomStreamsSnapshots(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	room, s, _ := f.manager.Create(ctx, "lobby", "alice")
	states, err := s.Observe(ctx)
	if err != nil {
		t.Fatalf("observe: %v", err)
	}

	first := nextState(t, states)
	if first.Gone || first.Name != "lobby" || len(first.Participants) != 1 {
		t.Fatalf("unexpected initial state %+v", first)
	}

	if _, err := f.manager.Join(ctx, room.ID, "bob"); err != nil {
		t.Fatalf("join: %v", err)
	}
	eventually(t, "bob in snapshot", func() bool {
		st := nextState(t, states)
		return len(st.Participants) == 2
	})

	cancel()
	eventually(t, "observation closed", func() bool {
		select {
		case _, ok := <-states:
			return !ok
		default:
			return false
		}
	})
}

func TestObserveVanishedRoomEndsSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	room, s, _ := f.manager.Create(ctx, "lobby", "alice")
	states, err := s.Observe(ctx)
	if err != nil {
		t.Fatalf("observe: %v", err)
	}
	nextState(t, states)

	// Deleted out from under the session, e.g. by an operator.
	if err := f.store.DeleteRoom(ctx, room.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}

	var last RoomState
	eventually(t, "gone snapshot", func() bool {
		last = nextState(t, states)
		return last.Gone
	})
	if s.State() != StateLeft || s.Trigger() != triggerVanished {
		t.Fatalf("expected vanished session, got %s (%s)", s.State(), s.Trigger())
	}
	if _, ok := <-states; ok {
		t.Fatal("expected observation to close after gone")
	}
}

func TestObserveMissingRoomReportsGone(t *testing.T) {
	f := newFixture(t)

	states, err := f.manager.ObserveRoom(context.Background(), "missing", "alice")
	if err != nil {
		t.Fatalf("observe: %v", err)
	}
	if st := nextState(t, states); !st.Gone {
		t.Fatalf("expected gone, got %+v", st)
	}
}

func TestBothParticipantsLeavingEmptiesRoom(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	room, a, _ := f.manager.Create(ctx, "lobby", "alice")
	b, _ := f.manager.Join(ctx, room.ID, "bob")

	f.manager.Leave(ctx, room.ID, "alice", false)
	f.manager.Leave(ctx, room.ID, "bob", true)
	f.clock.Add(3 * time.Second)

	waitDone(t, a)
	waitDone(t, b)
	eventually(t, "room deleted", func() bool { return !f.roomExists(t, room.ID) })
}

func TestShutdownCommitsSessions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	room, a, _ := f.manager.Create(ctx, "lobby", "alice")
	b, _ := f.manager.Join(ctx, room.ID, "bob")
	f.manager.Leave(ctx, room.ID, "bob", false)

	f.manager.Shutdown(ctx)

	if a.Trigger() != triggerShutdown || b.Trigger() != triggerShutdown {
		t.Fatalf("unexpected triggers %q %q", a.Trigger(), b.Trigger())
	}
	if f.roomExists(t, room.ID) {
		t.Fatal("expected room deleted on shutdown")
	}
}

func TestPruneDropsIdleCoordinators(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	room, _, _ := f.manager.Create(ctx, "lobby", "alice")
	if _, err := f.manager.Join(ctx, room.ID, "bob"); err != nil {
		t.Fatalf("join: %v", err)
	}
	f.manager.Leave(ctx, room.ID, "bob", true)

	if n := f.manager.Prune(); n != 1 {
		t.Fatalf("expected 1 pruned, got %d", n)
	}
	if f.manager.Len() != 1 {
		t.Fatalf("expected alice's coordinator kept, got %d", f.manager.Len())
	}

	// A retired coordinator is replaced transparently.
	if _, err := f.manager.Join(ctx, room.ID, "bob"); err != nil {
		t.Fatalf("rejoin after prune: %v", err)
	}
}

func TestAttachWaitsForLastView(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	room, _, _ := f.manager.Create(ctx, "lobby", "alice")

	s, detachA, err := f.manager.Attach(ctx, room.ID, "alice")
	if err != nil {
		t.Fatalf("attach: %v", err)
	}
	_, detachB, err := f.manager.Attach(ctx, room.ID, "alice")
	if err != nil {
		t.Fatalf("second attach: %v", err)
	}

	detachA()
	detachA()
	if s.State() != StateJoined {
		t.Fatalf("expected joined while a view remains, got %s", s.State())
	}

	detachB()
	if s.State() != StateLeavePending {
		t.Fatalf("expected leave pending after last detach, got %s", s.State())
	}

	f.clock.Add(3 * time.Second)
	waitDone(t, s)
	if f.roomExists(t, room.ID) {
		t.Fatal("expected room deleted after grace")
	}
}

func TestReattachWithinGraceKeepsMembership(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	room, _, _ := f.manager.Create(ctx, "lobby", "alice")
	s, detach, _ := f.manager.Attach(ctx, room.ID, "alice")
	detach()

	again, detachAgain, err := f.manager.Attach(ctx, room.ID, "alice")
	if err != nil {
		t.Fatalf("reattach: %v", err)
	}
	defer detachAgain()

	if again != s || s.State() != StateJoined {
		t.Fatalf("expected the same joined session, got %s", s.State())
	}
	f.clock.Add(10 * time.Second)
	time.Sleep(20 * time.Millisecond)
	if n := f.store.removals.Load(); n != 0 {
		t.Fatalf("expected zero removals, got %d", n)
	}
	if got := f.participants(t, room.ID); len(got) != 1 || got[0] != "alice" {
		t.Fatalf("expected exactly alice, got %v", got)
	}
}
