package core

import "time"

// Operational limits — named constants for values that would otherwise be
// scattered across multiple source files.
const (
	// MaxRooms is the cap on concurrent rooms. A join that would create a
	// brand-new room beyond this cap is rejected; joins to existing rooms
	// are unaffected.
	MaxRooms = 1000

	// MaxRoomMembers is the cap on members per room.
	MaxRoomMembers = 50

	// MaxHistory is the per-room ciphertext history depth. Older entries
	// are dropped FIFO, not archived.
	MaxHistory = 50

	// RoomTTL is the hard age cap on a room. Rooms older than this are
	// swept even while occupied.
	RoomTTL = 24 * time.Hour

	// TypingTTL is how long a typing indicator lives without a refresh
	// before the server emits the implicit stop.
	TypingTTL = 3500 * time.Millisecond

	// VoiceIdleTimeout is how long a lone voice participant may sit
	// without activity before the idle sweep evicts them. Rosters with
	// two or more participants are never swept.
	VoiceIdleTimeout = 3 * time.Minute

	// RateLimitWindow and RateLimitMaxEvents bound chat-mutating events
	// per connection: 100 events per fixed 60 s window.
	RateLimitWindow    = time.Minute
	RateLimitMaxEvents = 100

	// RateLimitHighWater is the tracked-connection count past which the
	// limiter reclaims expired windows wholesale instead of per entry.
	RateLimitHighWater = 10000
)
