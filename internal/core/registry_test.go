package core

import (
	"errors"
	"testing"
	"time"

	"kai/server/internal/protocol"
)

const testRoom = "ABCD1234ABCD1234"

func TestJoinCreatesRoomAndBroadcastsRoster(t *testing.T) {
	r := NewRegistry()
	s1 := r.Register(8)

	if err := r.JoinRoom(s1.ConnID, testRoom, "alice"); err != nil {
		t.Fatalf("join: %v", err)
	}
	msg := assertRecvEvent(t, s1.Send, protocol.EventUsersUpdate)
	if len(msg.Users) != 1 || msg.Users[0].ID != s1.ConnID || msg.Users[0].Name != "alice" {
		t.Fatalf("unexpected roster: %#v", msg.Users)
	}
	// The joiner must not see its own user-joined.
	assertNoRecv(t, s1.Send)

	s2 := r.Register(8)
	if err := r.JoinRoom(s2.ConnID, testRoom, "bob"); err != nil {
		t.Fatalf("join bob: %v", err)
	}
	msg = assertRecvEvent(t, s1.Send, protocol.EventUsersUpdate)
	if len(msg.Users) != 2 {
		t.Fatalf("expected 2 members, got %d", len(msg.Users))
	}
	joined := assertRecvEvent(t, s1.Send, protocol.EventUserJoined)
	if joined.User == nil || joined.User.ID != s2.ConnID || joined.User.Name != "bob" {
		t.Fatalf("unexpected user-joined: %#v", joined.User)
	}
}

func TestRejoinReplacesEntryWithoutDuplicating(t *testing.T) {
	r := NewRegistry()
	s := r.Register(8)

	if err := r.JoinRoom(s.ConnID, testRoom, "alice"); err != nil {
		t.Fatalf("join: %v", err)
	}
	drain(s.Send)
	if err := r.JoinRoom(s.ConnID, testRoom, "alice2"); err != nil {
		t.Fatalf("rejoin: %v", err)
	}
	msg := assertRecvEvent(t, s.Send, protocol.EventUsersUpdate)
	if len(msg.Users) != 1 || msg.Users[0].Name != "alice2" {
		t.Fatalf("rejoin should replace, got %#v", msg.Users)
	}
}

func TestJoinRejectsBeyondRoomCap(t *testing.T) {
	r := NewRegistry()
	r.maxRoomMembers = 1

	s1 := r.Register(8)
	if err := r.JoinRoom(s1.ConnID, testRoom, "alice"); err != nil {
		t.Fatalf("join: %v", err)
	}
	s2 := r.Register(8)
	if err := r.JoinRoom(s2.ConnID, testRoom, "bob"); !errors.Is(err, ErrRoomFull) {
		t.Fatalf("expected ErrRoomFull, got %v", err)
	}
	// An existing member re-joining is not a capacity violation.
	if err := r.JoinRoom(s1.ConnID, testRoom, "alice"); err != nil {
		t.Fatalf("member rejoin rejected: %v", err)
	}
}

func TestJoinRejectsBeyondServerCap(t *testing.T) {
	r := NewRegistry()
	r.maxRooms = 1

	s1 := r.Register(8)
	if err := r.JoinRoom(s1.ConnID, testRoom, "alice"); err != nil {
		t.Fatalf("join: %v", err)
	}
	s2 := r.Register(8)
	if err := r.JoinRoom(s2.ConnID, "ZZZZ9999ZZZZ9999", "bob"); !errors.Is(err, ErrServerAtCapacity) {
		t.Fatalf("expected ErrServerAtCapacity, got %v", err)
	}
	// Existing rooms still accept joins at the room cap.
	if err := r.JoinRoom(s2.ConnID, testRoom, "bob"); err != nil {
		t.Fatalf("join existing room rejected: %v", err)
	}
}

func TestLeaveEmptyingRoomDestroysIt(t *testing.T) {
	r := NewRegistry()
	s := r.Register(8)

	if err := r.JoinRoom(s.ConnID, testRoom, "alice"); err != nil {
		t.Fatalf("join: %v", err)
	}
	r.AppendMessage(s.ConnID, testRoom, "alice", "cipher", 0, 0)
	r.LeaveRoom(s.ConnID, testRoom)

	if rooms, _ := r.Stats(); rooms != 0 {
		t.Fatalf("expected 0 rooms, got %d", rooms)
	}

	// A fresh join gets a brand-new room: no history survives destruction.
	drain(s.Send)
	if err := r.JoinRoom(s.ConnID, testRoom, "alice"); err != nil {
		t.Fatalf("rejoin: %v", err)
	}
	msg := recvOne(t, s.Send)
	if msg.Event == protocol.EventMessageHistory {
		t.Fatalf("history leaked across room destruction: %#v", msg.History)
	}
}

func TestLeaveBroadcastsRosterAndUserLeft(t *testing.T) {
	r := NewRegistry()
	s1 := r.Register(8)
	s2 := r.Register(8)

	mustJoin(t, r, s1, "alice")
	mustJoin(t, r, s2, "bob")
	drain(s1.Send)

	r.LeaveRoom(s2.ConnID, testRoom)
	msg := assertRecvEvent(t, s1.Send, protocol.EventUsersUpdate)
	if len(msg.Users) != 1 {
		t.Fatalf("expected 1 member after leave, got %d", len(msg.Users))
	}
	left := assertRecvEvent(t, s1.Send, protocol.EventUserLeft)
	if left.UserID != s2.ConnID {
		t.Fatalf("unexpected user-left id %q", left.UserID)
	}
}

func TestHistorySnapshotOnJoinAndFIFOTrim(t *testing.T) {
	r := NewRegistry()
	s1 := r.Register(8)
	mustJoin(t, r, s1, "alice")

	r.AppendMessage(s1.ConnID, testRoom, "alice", "m0", 0, 0)

	s2 := r.Register(8)
	mustJoin(t, r, s2, "bob")
	// The history snapshot is enqueued before the roster update.
	hist := recvOne(t, s2.Send)
	if hist.Event != protocol.EventMessageHistory {
		t.Fatalf("expected message-history first, got %q", hist.Event)
	}
	if len(hist.History) != 1 || hist.History[0].EncryptedMessage != "m0" {
		t.Fatalf("unexpected history: %#v", hist.History)
	}

	for i := 0; i < MaxHistory+1; i++ {
		r.AppendMessage(s1.ConnID, testRoom, "alice", "bulk", 0, 0)
	}
	s3 := r.Register(128)
	mustJoin(t, r, s3, "carol")
	hist = recvOne(t, s3.Send)
	if hist.Event != protocol.EventMessageHistory {
		t.Fatalf("expected message-history first, got %q", hist.Event)
	}
	if len(hist.History) != MaxHistory {
		t.Fatalf("expected %d entries, got %d", MaxHistory, len(hist.History))
	}
	// m0 and the first bulk message were evicted FIFO.
	if hist.History[0].EncryptedMessage != "bulk" {
		t.Fatalf("oldest entry should have been evicted, head is %q", hist.History[0].EncryptedMessage)
	}
}

func TestAppendMessageExcludesSender(t *testing.T) {
	r := NewRegistry()
	s1 := r.Register(8)
	s2 := r.Register(8)
	mustJoin(t, r, s1, "alice")
	mustJoin(t, r, s2, "bob")
	drain(s1.Send)
	drain(s2.Send)

	r.AppendMessage(s1.ConnID, testRoom, "alice", "cipher", 30, 1234)

	msg := assertRecvEvent(t, s2.Send, protocol.EventReceiveMessage)
	if msg.EncryptedMessage != "cipher" || msg.SenderID != s1.ConnID || msg.SenderName != "alice" {
		t.Fatalf("unexpected relay: %#v", msg)
	}
	if msg.SelfDestruct != 30 || msg.TimerStartedAt != 1234 {
		t.Fatalf("self-destruct metadata dropped: %#v", msg)
	}
	if msg.MessageID == "" {
		t.Fatal("expected a server-assigned message id")
	}
	assertNoRecv(t, s1.Send)
}

func TestEditMessageMutatesStoredEntryInPlace(t *testing.T) {
	r := NewRegistry()
	s1 := r.Register(8)
	s2 := r.Register(8)
	mustJoin(t, r, s1, "alice")
	mustJoin(t, r, s2, "bob")
	drain(s1.Send)
	drain(s2.Send)

	r.AppendMessage(s1.ConnID, testRoom, "alice", "v1", 0, 0)
	relayed := assertRecvEvent(t, s2.Send, protocol.EventReceiveMessage)

	r.EditMessage(s1.ConnID, testRoom, relayed.MessageID, "v2", "v1")

	// Edits go to the whole room, sender included.
	edited := assertRecvEvent(t, s1.Send, protocol.EventMessageEdited)
	if edited.EncryptedMessage != "v2" || edited.OriginalEncrypted != "v1" {
		t.Fatalf("unexpected edit payload: %#v", edited)
	}
	if edited.EditedAt == 0 {
		t.Fatal("expected editedAt timestamp")
	}
	assertRecvEvent(t, s2.Send, protocol.EventMessageEdited)

	// A later joiner sees the edited ciphertext in the snapshot.
	s3 := r.Register(8)
	mustJoin(t, r, s3, "carol")
	hist := recvOne(t, s3.Send)
	if hist.Event != protocol.EventMessageHistory || hist.History[0].EncryptedMessage != "v2" {
		t.Fatalf("stored entry not mutated: %#v", hist)
	}
}

func TestDeleteMessageTombstonesEntry(t *testing.T) {
	r := NewRegistry()
	s1 := r.Register(8)
	s2 := r.Register(8)
	mustJoin(t, r, s1, "alice")
	mustJoin(t, r, s2, "bob")
	drain(s1.Send)
	drain(s2.Send)

	r.AppendMessage(s1.ConnID, testRoom, "alice", "secret", 0, 0)
	relayed := assertRecvEvent(t, s2.Send, protocol.EventReceiveMessage)

	r.DeleteMessage(s1.ConnID, testRoom, relayed.MessageID)
	deleted := assertRecvEvent(t, s2.Send, protocol.EventMessageDeleted)
	if deleted.MessageID != relayed.MessageID {
		t.Fatalf("unexpected delete id %q", deleted.MessageID)
	}

	s3 := r.Register(8)
	mustJoin(t, r, s3, "carol")
	hist := recvOne(t, s3.Send)
	if hist.Event != protocol.EventMessageHistory {
		t.Fatalf("expected history, got %q", hist.Event)
	}
	if !hist.History[0].Deleted || hist.History[0].EncryptedMessage != "" {
		t.Fatalf("entry not tombstoned: %#v", hist.History[0])
	}
}

func TestHeartbeatUpdatesLastSeenWithoutBroadcast(t *testing.T) {
	r := NewRegistry()
	base := time.Now()
	r.now = func() time.Time { return base }

	s1 := r.Register(8)
	s2 := r.Register(8)
	mustJoin(t, r, s1, "alice")
	mustJoin(t, r, s2, "bob")
	drain(s1.Send)
	drain(s2.Send)

	base = base.Add(30 * time.Second)
	r.Heartbeat(s1.ConnID, testRoom)
	assertNoRecv(t, s2.Send)

	// The refreshed lastSeen shows up in the next roster broadcast.
	s3 := r.Register(8)
	mustJoin(t, r, s3, "carol")
	roster := assertRecvEvent(t, s2.Send, protocol.EventUsersUpdate)
	for _, u := range roster.Users {
		if u.ID == s1.ConnID && u.LastSeen != base.UnixMilli() {
			t.Fatalf("lastSeen not refreshed: got %d want %d", u.LastSeen, base.UnixMilli())
		}
	}
}

func TestDisconnectCleansUpEverythingIdempotently(t *testing.T) {
	r := NewRegistry()
	s1 := r.Register(8)
	s2 := r.Register(8)
	mustJoin(t, r, s1, "alice")
	mustJoin(t, r, s2, "bob")
	if err := r.VoiceJoin(s2.ConnID, testRoom); err != nil {
		t.Fatalf("voice join: %v", err)
	}
	drain(s1.Send)

	r.Disconnect(s2.ConnID)

	assertRecvEvent(t, s1.Send, protocol.EventUsersUpdate)
	left := assertRecvEvent(t, s1.Send, protocol.EventUserLeft)
	if left.UserID != s2.ConnID {
		t.Fatalf("unexpected user-left id %q", left.UserID)
	}
	voice := assertRecvEvent(t, s1.Send, protocol.EventVoiceStateUpdate)
	if len(voice.Participants) != 0 {
		t.Fatalf("voice roster should be empty, got %#v", voice.Participants)
	}

	// Second call is a no-op, not a panic or a duplicate broadcast.
	r.Disconnect(s2.ConnID)
	assertNoRecv(t, s1.Send)

	if _, conns := r.Stats(); conns != 1 {
		t.Fatalf("expected 1 connection, got %d", conns)
	}
}

func TestDisconnectClosesSendChannel(t *testing.T) {
	r := NewRegistry()
	s := r.Register(8)
	drain(s.Send)
	r.Disconnect(s.ConnID)
	if _, ok := <-s.Send; ok {
		t.Fatal("expected send channel to be closed")
	}
}

func TestSweepExpiredRoomsEvictsOccupiedRooms(t *testing.T) {
	r := NewRegistry()
	base := time.Now()
	r.now = func() time.Time { return base }

	s := r.Register(8)
	mustJoin(t, r, s, "alice")

	// Not yet expired.
	base = base.Add(23 * time.Hour)
	if swept := r.SweepExpiredRooms(); swept != 0 {
		t.Fatalf("swept too early: %d", swept)
	}

	// Age cap applies even while the room is occupied.
	base = base.Add(2 * time.Hour)
	if swept := r.SweepExpiredRooms(); swept != 1 {
		t.Fatalf("expected 1 swept room, got %d", swept)
	}
	if rooms, _ := r.Stats(); rooms != 0 {
		t.Fatalf("expected 0 rooms, got %d", rooms)
	}

	// The stale membership reference is gone: disconnect is still clean.
	r.Disconnect(s.ConnID)
}

func TestSendToPeerScopedToSharedRoom(t *testing.T) {
	r := NewRegistry()
	s1 := r.Register(8)
	s2 := r.Register(8)
	outsider := r.Register(8)
	mustJoin(t, r, s1, "alice")
	mustJoin(t, r, s2, "bob")
	drain(s2.Send)

	if !r.SendToPeer(s1.ConnID, testRoom, s2.ConnID, protocol.Message{Event: protocol.EventP2PRequest, From: s1.ConnID}) {
		t.Fatal("relay between members should succeed")
	}
	got := assertRecvEvent(t, s2.Send, protocol.EventP2PRequest)
	if got.From != s1.ConnID {
		t.Fatalf("unexpected from %q", got.From)
	}

	if r.SendToPeer(outsider.ConnID, testRoom, s2.ConnID, protocol.Message{Event: protocol.EventP2PRequest}) {
		t.Fatal("relay from a non-member should be refused")
	}
	if r.SendToPeer(s1.ConnID, testRoom, outsider.ConnID, protocol.Message{Event: protocol.EventP2PRequest}) {
		t.Fatal("relay to a non-member should be refused")
	}
}

func TestRelayToConnRequiresSharedRoom(t *testing.T) {
	r := NewRegistry()
	s1 := r.Register(8)
	s2 := r.Register(8)
	mustJoin(t, r, s1, "alice")
	mustJoin(t, r, s2, "bob")
	drain(s2.Send)

	if !r.RelayToConn(s1.ConnID, s2.ConnID, protocol.Message{Event: protocol.EventVoiceCallAccepted, From: s1.ConnID}) {
		t.Fatal("relay between room peers should succeed")
	}
	assertRecvEvent(t, s2.Send, protocol.EventVoiceCallAccepted)

	loner := r.Register(8)
	if err := r.JoinRoom(loner.ConnID, "OTHR5678OTHR5678", "eve"); err != nil {
		t.Fatalf("join other room: %v", err)
	}
	if r.RelayToConn(loner.ConnID, s2.ConnID, protocol.Message{Event: protocol.EventVoiceCallAccepted}) {
		t.Fatal("relay across rooms should be refused")
	}
}

func mustJoin(t *testing.T, r *Registry, s *Session, name string) {
	t.Helper()
	if err := r.JoinRoom(s.ConnID, testRoom, name); err != nil {
		t.Fatalf("join %s: %v", name, err)
	}
}

func recvOne(t *testing.T, ch <-chan protocol.Message) protocol.Message {
	t.Helper()
	select {
	case msg := <-ch:
		return msg
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for message")
		return protocol.Message{}
	}
}

func assertRecvEvent(t *testing.T, ch <-chan protocol.Message, event string) protocol.Message {
	t.Helper()
	deadline := time.After(time.Second)
	for {
		select {
		case msg := <-ch:
			if msg.Event == event {
				return msg
			}
			t.Fatalf("expected event %q, got %q", event, msg.Event)
		case <-deadline:
			t.Fatalf("timed out waiting for event %q", event)
		}
	}
}

func assertNoRecv(t *testing.T, ch <-chan protocol.Message) {
	t.Helper()
	select {
	case msg := <-ch:
		t.Fatalf("expected no message, got %#v", msg)
	case <-time.After(100 * time.Millisecond):
	}
}

func drain(ch <-chan protocol.Message) {
	for {
		select {
		case <-ch:
		default:
			return
		}
	}
}
