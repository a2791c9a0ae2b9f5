package core

import (
	"sort"
	"time"

	"kai/server/internal/protocol"
)

// member is one chat member of a room, keyed by connection id. It exists for
// the lifetime of one transport connection's membership.
type member struct {
	id       string
	name     string
	lastSeen time.Time
}

// voiceParticipant is one entry in a room's voice mesh roster.
type voiceParticipant struct {
	id           string
	name         string
	muted        bool
	deafened     bool
	joinedAt     time.Time
	lastActivity time.Time
}

// typingEntry tracks one member's pending typing expiry. seq guards against
// a stale AfterFunc firing after the entry was replaced by a fresh start.
type typingEntry struct {
	timer *time.Timer
	seq   uint64
}

// room owns all mutable state for one room code: membership, bounded
// ciphertext history, typing expiries and the voice roster. It is created
// lazily on first join and destroyed the moment its member set empties or
// its TTL lapses. All access is serialized by the Registry lock.
type room struct {
	id        string
	createdAt time.Time
	members   map[string]*member
	history   []protocol.HistoryEntry
	typing    map[string]*typingEntry
	voice     map[string]*voiceParticipant
}

func newRoom(id string, now time.Time) *room {
	return &room{
		id:        id,
		createdAt: now,
		members:   make(map[string]*member),
		typing:    make(map[string]*typingEntry),
		voice:     make(map[string]*voiceParticipant),
	}
}

// memberSnapshot returns the roster as wire payloads, ordered by id so every
// broadcast of the same state is byte-identical.
func (rm *room) memberSnapshot() []protocol.RoomUser {
	out := make([]protocol.RoomUser, 0, len(rm.members))
	for _, m := range rm.members {
		out = append(out, protocol.RoomUser{
			ID:       m.id,
			Name:     m.name,
			LastSeen: m.lastSeen.UnixMilli(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// voiceSnapshot returns the voice roster as wire payloads, ordered by id.
func (rm *room) voiceSnapshot() []protocol.VoiceParticipant {
	out := make([]protocol.VoiceParticipant, 0, len(rm.voice))
	for _, p := range rm.voice {
		out = append(out, protocol.VoiceParticipant{
			UserID:       p.id,
			Username:     p.name,
			IsMuted:      p.muted,
			IsDeafened:   p.deafened,
			JoinedAt:     p.joinedAt.UnixMilli(),
			LastActivity: p.lastActivity.UnixMilli(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

// appendHistory appends one entry and trims to the newest MaxHistory.
func (rm *room) appendHistory(e protocol.HistoryEntry) {
	rm.history = append(rm.history, e)
	if len(rm.history) > MaxHistory {
		rm.history = rm.history[len(rm.history)-MaxHistory:]
	}
}

// historySnapshot copies the stored history so callers never hold a
// reference into room-owned state.
func (rm *room) historySnapshot() []protocol.HistoryEntry {
	out := make([]protocol.HistoryEntry, len(rm.history))
	copy(out, rm.history)
	return out
}

// findHistory returns the stored entry with the given message id, or nil.
func (rm *room) findHistory(messageID string) *protocol.HistoryEntry {
	for i := range rm.history {
		if rm.history[i].MessageID == messageID {
			return &rm.history[i]
		}
	}
	return nil
}

// stopTyping cancels a pending typing expiry if one exists. Unconditional
// and idempotent; safe to call from leave, disconnect and explicit stop.
func (rm *room) stopTyping(connID string) bool {
	t, ok := rm.typing[connID]
	if !ok {
		return false
	}
	t.timer.Stop()
	delete(rm.typing, connID)
	return true
}
