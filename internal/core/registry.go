package core

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"kai/server/internal/protocol"
)

// Sentinel errors surfaced to the offending client as error events.
// They carry the exact user-facing wording.
var (
	ErrServerAtCapacity = errors.New("server is at capacity")
	ErrRoomFull         = errors.New("room is full")
	ErrNotAMember       = errors.New("not a member of this room")

	errUnknownConn = errors.New("connection not registered")
)

// Session is the handle a transport connection holds on the registry: its
// server-assigned id and the channel outbound events are enqueued on.
type Session struct {
	ConnID string
	Send   chan protocol.Message
}

type connState struct {
	id        string
	send      chan protocol.Message
	rooms     map[string]struct{}
	voiceRoom string // room id of the single voice mesh this connection is in, or ""
}

// Registry is the in-memory owner of all rooms and connections. Every
// mutation of room state happens under its lock, and the resulting fan-out
// is enqueued to per-connection buffered channels before the lock is
// released — so per-room broadcasts are observed in the order the mutations
// were applied. Enqueueing never blocks; a slow consumer drops events
// instead of stalling the room.
type Registry struct {
	mu    sync.RWMutex
	conns map[string]*connState
	rooms map[string]*room

	typingSeq uint64

	// Overridable in tests; defaults come from limits.go.
	maxRooms       int
	maxRoomMembers int
	typingTTL      time.Duration
	voiceIdle      time.Duration
	roomTTL        time.Duration
	now            func() time.Time
}

// NewRegistry returns an empty registry with the default limits.
func NewRegistry() *Registry {
	return &Registry{
		conns:          make(map[string]*connState),
		rooms:          make(map[string]*room),
		maxRooms:       MaxRooms,
		maxRoomMembers: MaxRoomMembers,
		typingTTL:      TypingTTL,
		voiceIdle:      VoiceIdleTimeout,
		roomTTL:        RoomTTL,
		now:            time.Now,
	}
}

// Register creates a connection session with a fresh server-assigned id.
func (r *Registry) Register(sendBuf int) *Session {
	if sendBuf <= 0 {
		sendBuf = 64
	}
	c := &connState{
		id:    uuid.NewString(),
		send:  make(chan protocol.Message, sendBuf),
		rooms: make(map[string]struct{}),
	}

	r.mu.Lock()
	r.conns[c.id] = c
	total := len(r.conns)
	r.mu.Unlock()

	slog.Info("connection registered", "conn_id", c.id, "total_conns", total)
	return &Session{ConnID: c.id, Send: c.send}
}

// Disconnect removes a connection and leaves every room and voice mesh it
// was part of, exactly as explicit leave-room/voice-leave would. Idempotent:
// a second call for the same id is a no-op.
func (r *Registry) Disconnect(connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.conns[connID]
	if !ok {
		return
	}
	roomIDs := make([]string, 0, len(c.rooms))
	for id := range c.rooms {
		roomIDs = append(roomIDs, id)
	}
	for _, id := range roomIDs {
		r.leaveRoomLocked(connID, id)
	}
	delete(r.conns, connID)
	close(c.send)

	slog.Info("connection removed", "conn_id", connID, "rooms_left", len(roomIDs), "total_conns", len(r.conns))
}

// JoinRoom inserts (or re-inserts) the connection as a member of roomID,
// creating the room if needed. Rejects with ErrServerAtCapacity when a
// brand-new room would exceed the room cap, and with ErrRoomFull when an
// existing room is at its member cap. On success the joiner receives the
// history snapshot (if the room pre-existed with history), everyone gets the
// full roster, and everyone else a targeted user-joined.
func (r *Registry) JoinRoom(connID, roomID, username string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.conns[connID]
	if !ok {
		return errUnknownConn
	}

	rm, existed := r.rooms[roomID]
	if !existed {
		if len(r.rooms) >= r.maxRooms {
			return ErrServerAtCapacity
		}
		rm = newRoom(roomID, r.now())
		r.rooms[roomID] = rm
		slog.Info("room created", "room_id", roomID, "total_rooms", len(r.rooms))
	} else if _, member := rm.members[connID]; !member && len(rm.members) >= r.maxRoomMembers {
		return ErrRoomFull
	}

	now := r.now()
	// Re-join replaces any stale entry for this connection, never duplicates.
	rm.members[connID] = &member{id: connID, name: username, lastSeen: now}
	c.rooms[roomID] = struct{}{}

	if existed && len(rm.history) > 0 {
		trySend(c.send, protocol.Message{
			Event:   protocol.EventMessageHistory,
			RoomID:  roomID,
			History: rm.historySnapshot(),
		})
	}

	r.broadcastRoomLocked(rm, protocol.Message{
		Event:  protocol.EventUsersUpdate,
		RoomID: roomID,
		Users:  rm.memberSnapshot(),
	}, "")
	r.broadcastRoomLocked(rm, protocol.Message{
		Event:  protocol.EventUserJoined,
		RoomID: roomID,
		User:   &protocol.RoomUser{ID: connID, Name: username, LastSeen: now.UnixMilli()},
	}, connID)

	slog.Info("room joined", "room_id", roomID, "conn_id", connID, "username", username, "members", len(rm.members))
	return nil
}

// LeaveRoom removes the connection from roomID. Destroys the room if that
// empties it; otherwise broadcasts the updated roster and a user-left.
func (r *Registry) LeaveRoom(connID, roomID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.leaveRoomLocked(connID, roomID)
}

func (r *Registry) leaveRoomLocked(connID, roomID string) {
	rm, ok := r.rooms[roomID]
	if !ok {
		return
	}
	if c, ok := r.conns[connID]; ok {
		delete(c.rooms, roomID)
		if c.voiceRoom == roomID {
			c.voiceRoom = ""
		}
	}
	if _, member := rm.members[connID]; !member {
		return
	}

	rm.stopTyping(connID)
	_, wasVoice := rm.voice[connID]
	delete(rm.voice, connID)
	delete(rm.members, connID)

	if len(rm.members) == 0 {
		r.destroyRoomLocked(rm)
		return
	}

	r.broadcastRoomLocked(rm, protocol.Message{
		Event:  protocol.EventUsersUpdate,
		RoomID: roomID,
		Users:  rm.memberSnapshot(),
	}, "")
	r.broadcastRoomLocked(rm, protocol.Message{
		Event:  protocol.EventUserLeft,
		RoomID: roomID,
		UserID: connID,
	}, "")
	if wasVoice {
		r.broadcastVoiceLocked(rm)
	}

	slog.Info("room left", "room_id", roomID, "conn_id", connID, "members", len(rm.members))
}

// destroyRoomLocked tears a room down: pending typing expiries are
// cancelled and the history is discarded with the room.
func (r *Registry) destroyRoomLocked(rm *room) {
	for id := range rm.typing {
		rm.stopTyping(id)
	}
	delete(r.rooms, rm.id)
	slog.Info("room destroyed", "room_id", rm.id, "age", r.now().Sub(rm.createdAt).Round(time.Second), "total_rooms", len(r.rooms))
}

// Heartbeat refreshes the member's lastSeen. No broadcast: staleness is a
// client-computed projection of the roster it already holds.
func (r *Registry) Heartbeat(connID, roomID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rm, ok := r.rooms[roomID]
	if !ok {
		return
	}
	if m, ok := rm.members[connID]; ok {
		m.lastSeen = r.now()
	}
}

// TypingStart broadcasts isTyping=true to the rest of the room and arms the
// expiry for this connection, replacing any pending one. Natural expiry
// behaves exactly like an implicit TypingStop and fires at most once per
// start.
func (r *Registry) TypingStart(connID, roomID, username string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rm, ok := r.rooms[roomID]
	if !ok {
		return
	}
	if _, member := rm.members[connID]; !member {
		return
	}

	rm.stopTyping(connID)
	r.typingSeq++
	seq := r.typingSeq
	entry := &typingEntry{seq: seq}
	entry.timer = time.AfterFunc(r.typingTTL, func() { r.typingExpired(roomID, connID, seq) })
	rm.typing[connID] = entry

	typing := true
	r.broadcastRoomLocked(rm, protocol.Message{
		Event:    protocol.EventUserTyping,
		RoomID:   roomID,
		UserID:   connID,
		Username: username,
		IsTyping: &typing,
	}, connID)
}

// TypingStop cancels any pending expiry and broadcasts isTyping=false
// immediately.
func (r *Registry) TypingStop(connID, roomID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rm, ok := r.rooms[roomID]
	if !ok {
		return
	}
	if _, member := rm.members[connID]; !member {
		return
	}
	rm.stopTyping(connID)

	typing := false
	r.broadcastRoomLocked(rm, protocol.Message{
		Event:    protocol.EventUserTyping,
		RoomID:   roomID,
		UserID:   connID,
		IsTyping: &typing,
	}, connID)
}

// typingExpired is the AfterFunc body. The sequence token guards the race
// where a fresh typing-start replaced the entry between the timer firing and
// this acquiring the lock.
func (r *Registry) typingExpired(roomID, connID string, seq uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rm, ok := r.rooms[roomID]
	if !ok {
		return
	}
	entry, ok := rm.typing[connID]
	if !ok || entry.seq != seq {
		return
	}
	delete(rm.typing, connID)

	typing := false
	r.broadcastRoomLocked(rm, protocol.Message{
		Event:    protocol.EventUserTyping,
		RoomID:   roomID,
		UserID:   connID,
		IsTyping: &typing,
	}, connID)
}

// AppendMessage stores one ciphertext entry (trimmed FIFO to MaxHistory) and
// relays it to everyone else in the room. The ciphertext is opaque; the
// server only attaches sender metadata, a message id and its clock.
func (r *Registry) AppendMessage(connID, roomID, username, ciphertext string, selfDestruct int, timerStartedAt int64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rm, ok := r.rooms[roomID]
	if !ok {
		return
	}
	if _, member := rm.members[connID]; !member {
		return
	}

	e := protocol.HistoryEntry{
		MessageID:        uuid.NewString(),
		EncryptedMessage: ciphertext,
		SenderID:         connID,
		SenderName:       username,
		Timestamp:        r.now().UnixMilli(),
		SelfDestruct:     selfDestruct,
		TimerStartedAt:   timerStartedAt,
	}
	rm.appendHistory(e)

	r.broadcastRoomLocked(rm, protocol.Message{
		Event:            protocol.EventReceiveMessage,
		RoomID:           roomID,
		MessageID:        e.MessageID,
		EncryptedMessage: e.EncryptedMessage,
		SenderID:         e.SenderID,
		SenderName:       e.SenderName,
		Timestamp:        e.Timestamp,
		SelfDestruct:     e.SelfDestruct,
		TimerStartedAt:   e.TimerStartedAt,
	}, connID)
}

// EditMessage replaces the stored ciphertext in place and broadcasts the
// edit to the whole room, sender included, carrying the original ciphertext
// as a side payload for optional disclosure. An entry already evicted from
// the bounded history still broadcasts — peers may hold the message locally
// — but nothing is mutated.
func (r *Registry) EditMessage(connID, roomID, messageID, ciphertext, original string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rm, ok := r.rooms[roomID]
	if !ok {
		return
	}
	if _, member := rm.members[connID]; !member {
		return
	}

	if e := rm.findHistory(messageID); e != nil {
		e.EncryptedMessage = ciphertext
	}

	r.broadcastRoomLocked(rm, protocol.Message{
		Event:             protocol.EventMessageEdited,
		RoomID:            roomID,
		MessageID:         messageID,
		EncryptedMessage:  ciphertext,
		OriginalEncrypted: original,
		EditedAt:          r.now().UnixMilli(),
	}, "")
}

// DeleteMessage tombstones the stored entry (ciphertext cleared) and
// broadcasts the deletion to the whole room.
func (r *Registry) DeleteMessage(connID, roomID, messageID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rm, ok := r.rooms[roomID]
	if !ok {
		return
	}
	if _, member := rm.members[connID]; !member {
		return
	}

	if e := rm.findHistory(messageID); e != nil {
		e.EncryptedMessage = ""
		e.Deleted = true
	}

	r.broadcastRoomLocked(rm, protocol.Message{
		Event:     protocol.EventMessageDeleted,
		RoomID:    roomID,
		MessageID: messageID,
	}, "")
}

// RelayFile fans an encrypted file blob out to everyone else in the room.
// Files are never stored server-side.
func (r *Registry) RelayFile(connID, roomID, username, encryptedFile string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rm, ok := r.rooms[roomID]
	if !ok {
		return
	}
	if _, member := rm.members[connID]; !member {
		return
	}

	r.broadcastRoomLocked(rm, protocol.Message{
		Event:         protocol.EventReceiveFile,
		RoomID:        roomID,
		EncryptedFile: encryptedFile,
		SenderID:      connID,
		SenderName:    username,
		Timestamp:     r.now().UnixMilli(),
	}, connID)
}

// VoiceJoin adds the connection to the room's voice mesh. Requires room
// membership; joining while already in this room's mesh is an idempotent
// no-op. A connection is in at most one voice mesh at a time — joining a
// second room's mesh leaves the first. Everyone in the room (joiner
// included) receives the full voice roster.
func (r *Registry) VoiceJoin(connID, roomID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rm, ok := r.rooms[roomID]
	if !ok {
		return ErrNotAMember
	}
	m, ok := rm.members[connID]
	if !ok {
		return ErrNotAMember
	}
	if _, in := rm.voice[connID]; in {
		return nil
	}

	c := r.conns[connID]
	if c != nil && c.voiceRoom != "" && c.voiceRoom != roomID {
		if prev, ok := r.rooms[c.voiceRoom]; ok {
			if _, in := prev.voice[connID]; in {
				delete(prev.voice, connID)
				r.broadcastVoiceLocked(prev)
			}
		}
	}

	now := r.now()
	rm.voice[connID] = &voiceParticipant{id: connID, name: m.name, joinedAt: now, lastActivity: now}
	if c != nil {
		c.voiceRoom = roomID
	}
	r.broadcastVoiceLocked(rm)

	slog.Info("voice joined", "room_id", roomID, "conn_id", connID, "participants", len(rm.voice))
	return nil
}

// VoiceLeave removes the connection from the room's voice mesh and
// rebroadcasts the roster. Remaining peers tear down their pairwise links
// when they observe the roster no longer contains the id; the server never
// commands link teardown.
func (r *Registry) VoiceLeave(connID, roomID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rm, ok := r.rooms[roomID]
	if !ok {
		return
	}
	if _, in := rm.voice[connID]; !in {
		return
	}
	delete(rm.voice, connID)
	if c, ok := r.conns[connID]; ok && c.voiceRoom == roomID {
		c.voiceRoom = ""
	}
	r.broadcastVoiceLocked(rm)

	slog.Info("voice left", "room_id", roomID, "conn_id", connID, "participants", len(rm.voice))
}

// VoiceToggleMute flips the participant's mute flag and rebroadcasts.
func (r *Registry) VoiceToggleMute(connID, roomID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rm, ok := r.rooms[roomID]
	if !ok {
		return
	}
	p, ok := rm.voice[connID]
	if !ok {
		return
	}
	p.muted = !p.muted
	p.lastActivity = r.now()
	r.broadcastVoiceLocked(rm)
}

// VoiceToggleDeafen flips the deafen flag. Deafening forces mute as a side
// effect; un-deafening leaves the mute flag untouched.
func (r *Registry) VoiceToggleDeafen(connID, roomID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rm, ok := r.rooms[roomID]
	if !ok {
		return
	}
	p, ok := rm.voice[connID]
	if !ok {
		return
	}
	p.deafened = !p.deafened
	if p.deafened {
		p.muted = true
	}
	p.lastActivity = r.now()
	r.broadcastVoiceLocked(rm)
}

// TouchVoice refreshes the participant's lastActivity. Called for any
// inbound voice event so signaling traffic counts as activity.
func (r *Registry) TouchVoice(connID, roomID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rm, ok := r.rooms[roomID]
	if !ok {
		return
	}
	if p, ok := rm.voice[connID]; ok {
		p.lastActivity = r.now()
	}
}

// SendToPeer relays a message to one target connection, but only when both
// sender and target are members of roomID. The payload is not inspected.
// Returns false (a silent no-op for the caller) when the scope check fails.
func (r *Registry) SendToPeer(fromID, roomID, targetID string, msg protocol.Message) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rm, ok := r.rooms[roomID]
	if !ok {
		return false
	}
	if _, member := rm.members[fromID]; !member {
		return false
	}
	if _, member := rm.members[targetID]; !member {
		return false
	}
	c, ok := r.conns[targetID]
	if !ok {
		return false
	}
	return trySend(c.send, msg)
}

// SendTo enqueues one message for one connection.
func (r *Registry) SendTo(connID string, msg protocol.Message) bool {
	r.mu.RLock()
	c, ok := r.conns[connID]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	return trySend(c.send, msg)
}

// RelayToConn relays msg to targetID when the two connections share at
// least one room. The 1:1 call surface addresses peers by connection id
// alone, so the room scope is recovered from membership instead of the
// payload.
func (r *Registry) RelayToConn(fromID, targetID string, msg protocol.Message) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	from, ok := r.conns[fromID]
	if !ok {
		return false
	}
	target, ok := r.conns[targetID]
	if !ok {
		return false
	}
	shared := false
	for id := range from.rooms {
		if _, ok := target.rooms[id]; ok {
			shared = true
			break
		}
	}
	if !shared {
		return false
	}
	return trySend(target.send, msg)
}

// MemberName returns the display name the connection joined roomID with.
func (r *Registry) MemberName(connID, roomID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rm, ok := r.rooms[roomID]
	if !ok {
		return "", false
	}
	m, ok := rm.members[connID]
	if !ok {
		return "", false
	}
	return m.name, true
}

// SweepExpiredRooms deletes every room older than the TTL, occupied or not.
// Members of a swept room simply stop resolving it; the hard age cap is the
// ephemerality guarantee.
func (r *Registry) SweepExpiredRooms() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := r.now().Add(-r.roomTTL)
	swept := 0
	for id, rm := range r.rooms {
		if !rm.createdAt.Before(cutoff) {
			continue
		}
		for mid := range rm.members {
			if c, ok := r.conns[mid]; ok {
				delete(c.rooms, id)
				if c.voiceRoom == id {
					c.voiceRoom = ""
				}
			}
		}
		for tid := range rm.typing {
			rm.stopTyping(tid)
		}
		delete(r.rooms, id)
		swept++
	}
	if swept > 0 {
		slog.Info("expired rooms swept", "count", swept, "total_rooms", len(r.rooms))
	}
	return swept
}

// SweepIdleVoice evicts lone voice participants idle past the threshold.
// It only ever acts on rosters of exactly one: a second participant is
// treated as proof of an active call, so quiet listeners are never kicked.
// The evicted connection alone receives voice-kicked-afk.
func (r *Registry) SweepIdleVoice() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := r.now().Add(-r.voiceIdle)
	evicted := 0
	for _, rm := range r.rooms {
		if len(rm.voice) != 1 {
			continue
		}
		for id, p := range rm.voice {
			if p.lastActivity.After(cutoff) {
				continue
			}
			delete(rm.voice, id)
			if c, ok := r.conns[id]; ok {
				if c.voiceRoom == rm.id {
					c.voiceRoom = ""
				}
				trySend(c.send, protocol.Message{Event: protocol.EventVoiceKickedAFK, RoomID: rm.id})
			}
			r.broadcastVoiceLocked(rm)
			evicted++
			slog.Info("voice participant evicted idle", "room_id", rm.id, "conn_id", id)
		}
	}
	return evicted
}

// Stats returns current room and connection counts.
func (r *Registry) Stats() (rooms, conns int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms), len(r.conns)
}

func (r *Registry) broadcastVoiceLocked(rm *room) {
	r.broadcastRoomLocked(rm, protocol.Message{
		Event:        protocol.EventVoiceStateUpdate,
		RoomID:       rm.id,
		Participants: rm.voiceSnapshot(),
	}, "")
}

// broadcastRoomLocked enqueues msg to every member of rm except exceptID.
// Must be called with the registry lock held so broadcast order matches
// mutation order.
func (r *Registry) broadcastRoomLocked(rm *room, msg protocol.Message, exceptID string) {
	sent := 0
	for id := range rm.members {
		if id == exceptID {
			continue
		}
		c, ok := r.conns[id]
		if !ok {
			continue
		}
		if trySend(c.send, msg) {
			sent++
		}
	}
	slog.Debug("room broadcast", "event", msg.Event, "room_id", rm.id, "recipients", sent)
}

// trySend enqueues without blocking. A full consumer buffer drops the event;
// delivery to one slow client must never stall the room.
func trySend(ch chan protocol.Message, msg protocol.Message) bool {
	select {
	case ch <- msg:
		return true
	default:
		return false
	}
}
