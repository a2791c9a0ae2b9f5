package ws

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"kai/server/internal/core"
	"kai/server/internal/protocol"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
)

const writeTimeout = 5 * time.Second

// maxFrameSize bounds one inbound frame. Encrypted file relays are capped at
// 10 MB by client convention; base64 plus envelope overhead fits in 16 MB.
const maxFrameSize = 16 << 20

// Handler owns websocket transport for the signaling service.
type Handler struct {
	registry *core.Registry
	limiter  *core.RateLimiter
	upgrader websocket.Upgrader
}

// NewHandler creates a websocket handler bound to the registry. A nil
// limiter gets the default one.
func NewHandler(registry *core.Registry, limiter *core.RateLimiter) *Handler {
	if limiter == nil {
		limiter = core.NewRateLimiter()
	}
	return &Handler{
		registry: registry,
		limiter:  limiter,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(_ *http.Request) bool { return true },
		},
	}
}

// Register binds websocket routes on an Echo router.
func (h *Handler) Register(e *echo.Echo) {
	e.GET("/ws", h.HandleWebSocket)
}

// HandleWebSocket upgrades one request and serves it until disconnect.
func (h *Handler) HandleWebSocket(c echo.Context) error {
	conn, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return fmt.Errorf("upgrade websocket: %w", err)
	}
	h.serveConn(conn)
	return nil
}

func (h *Handler) serveConn(conn *websocket.Conn) {
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Time{})
	conn.SetReadLimit(maxFrameSize)

	session := h.registry.Register(64)
	// Unified cleanup: abrupt transport loss ends in the same state as an
	// explicit leave of every room and voice mesh.
	defer h.registry.Disconnect(session.ConnID)

	go func() {
		for out := range session.Send {
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteJSON(out); err != nil {
				return
			}
		}
	}()

	session.Send <- protocol.Message{Event: protocol.EventConnected, SelfID: session.ConnID}

	for {
		var in protocol.Message
		if err := conn.ReadJSON(&in); err != nil {
			return
		}
		h.handleInbound(session.ConnID, in)
	}
}

func (h *Handler) handleInbound(connID string, in protocol.Message) {
	switch in.Event {
	case protocol.EventJoinRoom:
		if !h.limiter.Admit(connID) {
			h.sendError(connID, "rate limit exceeded")
			return
		}
		if !validRoomCode(in.RoomID) {
			h.sendError(connID, "invalid room code")
			return
		}
		if strings.TrimSpace(in.Username) == "" {
			h.sendError(connID, "username is required")
			return
		}
		if err := h.registry.JoinRoom(connID, in.RoomID, in.Username); err != nil {
			h.sendError(connID, err.Error())
		}

	case protocol.EventLeaveRoom:
		h.registry.LeaveRoom(connID, in.RoomID)

	case protocol.EventHeartbeat:
		h.registry.Heartbeat(connID, in.RoomID)

	case protocol.EventTypingStart:
		h.registry.TypingStart(connID, in.RoomID, in.Username)

	case protocol.EventTypingStop:
		h.registry.TypingStop(connID, in.RoomID)

	case protocol.EventSendMessage:
		if !h.limiter.Admit(connID) {
			h.sendError(connID, "rate limit exceeded")
			return
		}
		h.registry.AppendMessage(connID, in.RoomID, in.Username, in.EncryptedMessage, in.SelfDestruct, in.TimerStartedAt)

	case protocol.EventEditMessage:
		if !h.limiter.Admit(connID) {
			h.sendError(connID, "rate limit exceeded")
			return
		}
		h.registry.EditMessage(connID, in.RoomID, in.MessageID, in.EncryptedMessage, in.OriginalEncrypted)

	case protocol.EventDeleteMessage:
		if !h.limiter.Admit(connID) {
			h.sendError(connID, "rate limit exceeded")
			return
		}
		h.registry.DeleteMessage(connID, in.RoomID, in.MessageID)

	case protocol.EventSendFile:
		if !h.limiter.Admit(connID) {
			h.sendError(connID, "rate limit exceeded")
			return
		}
		h.registry.RelayFile(connID, in.RoomID, in.Username, in.EncryptedFile)

	case protocol.EventP2PRequest:
		h.registry.SendToPeer(connID, in.RoomID, in.To, protocol.Message{
			Event: protocol.EventP2PRequest,
			From:  connID,
		})

	case protocol.EventP2PSignal:
		h.registry.SendToPeer(connID, in.RoomID, in.To, protocol.Message{
			Event:  protocol.EventP2PSignal,
			From:   connID,
			Signal: in.Signal,
		})

	case protocol.EventVoiceJoin:
		if err := h.registry.VoiceJoin(connID, in.RoomID); err != nil {
			h.sendError(connID, err.Error())
		}

	case protocol.EventVoiceLeave:
		h.registry.VoiceLeave(connID, in.RoomID)

	case protocol.EventVoiceToggleMute:
		h.registry.VoiceToggleMute(connID, in.RoomID)

	case protocol.EventVoiceToggleDeafen:
		h.registry.VoiceToggleDeafen(connID, in.RoomID)

	case protocol.EventVoiceSignal:
		// Signaling traffic counts as activity for the idle sweep.
		h.registry.TouchVoice(connID, in.RoomID)
		h.registry.SendToPeer(connID, in.RoomID, in.TargetID, protocol.Message{
			Event:  protocol.EventVoiceSignal,
			From:   connID,
			Signal: in.Signal,
		})

	case protocol.EventVoiceCallRequest:
		name, ok := h.registry.MemberName(connID, in.RoomID)
		if !ok {
			return
		}
		h.registry.SendToPeer(connID, in.RoomID, in.To, protocol.Message{
			Event:    protocol.EventVoiceCallIncoming,
			From:     connID,
			FromName: name,
		})

	case protocol.EventVoiceCallAccept:
		h.registry.RelayToConn(connID, in.To, protocol.Message{
			Event: protocol.EventVoiceCallAccepted,
			From:  connID,
		})

	case protocol.EventVoiceCallReject:
		h.registry.RelayToConn(connID, in.To, protocol.Message{
			Event: protocol.EventVoiceCallRejected,
			From:  connID,
		})

	case protocol.EventVoiceCallEnd:
		h.registry.RelayToConn(connID, in.To, protocol.Message{
			Event: protocol.EventVoiceCallEnded,
			From:  connID,
		})

	case protocol.EventVoiceCallSignal:
		h.registry.RelayToConn(connID, in.To, protocol.Message{
			Event:  protocol.EventVoiceCallSignal,
			From:   connID,
			Signal: in.Signal,
		})

	default:
		h.sendError(connID, "unsupported event")
	}
}

func (h *Handler) sendError(connID, errMsg string) {
	h.registry.SendTo(connID, protocol.Message{Event: protocol.EventError, ErrorMessage: errMsg})
}

// validRoomCode accepts client-generated opaque room codes: at least 16
// alphanumeric characters.
func validRoomCode(code string) bool {
	if len(code) < 16 {
		return false
	}
	for _, r := range code {
		switch {
		case r >= 'A' && r <= 'Z':
		case r >= 'a' && r <= 'z':
		case r >= '0' && r <= '9':
		default:
			return false
		}
	}
	return true
}
