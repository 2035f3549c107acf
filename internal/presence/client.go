package presence

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"coedit/api/internal/rbac"
	"coedit/api/internal/session"
)

const sendBuffer = 256

type Client struct {
	ID     uint64
	FileID string
	UserID string
	Email  string
	Role   rbac.Role
	Conn   *websocket.Conn

	hub        *Hub
	controller *session.Controller

	mu     sync.Mutex
	send   chan []byte
	closed bool
}

func newClient(hub *Hub, conn *websocket.Conn, fileID string, clientID uint64, userID, email string, role rbac.Role) *Client {
	c := &Client{
		ID:     clientID,
		FileID: fileID,
		UserID: userID,
		Email:  email,
		Role:   role,
		Conn:   conn,
		hub:    hub,
		send:   make(chan []byte, sendBuffer),
	}
	var recorder session.Recorder
	if hub.cfg.Service != nil {
		recorder = hub.cfg.Service.Recorder()
	}
	c.controller = session.NewController(session.ControllerConfig{
		FileID:    fileID,
		UserID:    userID,
		UserEmail: email,
		Role:      role,
		Replica:   hub.cfg.Replica,
		Files:     hub.cfg.Service,
		Submitter: hub.cfg.Service,
		Recorder:  recorder,
		SyncWait:  hub.cfg.SyncWait,
		Logger:    hub.logger,
	})
	return c
}

// userKeys are the identities proposal notices may be addressed to.
func (c *Client) userKeys() []string {
	keys := []string{c.UserID}
	if c.Email != "" && !strings.EqualFold(c.Email, c.UserID) {
		keys = append(keys, c.Email)
	}
	return keys
}

func (c *Client) enqueue(data []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

func (c *Client) closeSend() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

func (c *Client) ReadPump() {
	defer func() {
		c.abandonSession()
		c.hub.leave(c)
		c.Conn.Close()
	}()

	pongWait := c.hub.cfg.PongWait
	c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Warn("websocket read failed", zap.Uint64("client_id", c.ID), zap.Error(err))
			}
			return
		}
		c.handle(raw)
	}
}

func (c *Client) WritePump() {
	ticker := time.NewTicker(c.hub.pingPeriod)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	writeWait := c.hub.cfg.WriteWait
	for {
		select {
		case message, ok := <-c.send:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) handle(raw []byte) {
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		c.sendError("INVALID_MESSAGE", "message is not valid JSON")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.hub.cfg.MessageTimeout)
	defer cancel()

	switch msg.Type {
	case TypePing:
		c.reply(TypePong, nil)

	case TypeSessionStart:
		base, err := c.controller.Start(ctx)
		if err != nil {
			c.sendSessionError(err)
			return
		}
		c.reply(TypeSessionStarted, SessionStartedPayload{Base: base})

	case TypeSessionEnd:
		var payload SessionEndPayload
		if err := msg.UnmarshalPayload(&payload); err != nil {
			c.sendError("INVALID_PAYLOAD", "session_end payload is invalid")
			return
		}
		result, err := c.controller.End(ctx, payload.Content)
		if err != nil {
			c.sendSessionError(err)
			return
		}
		ended := SessionEndedPayload{
			HasChanges: result.HasChanges,
			Duplicate:  result.Duplicate,
			ProposalID: result.ProposalID,
		}
		if result.Err != nil {
			ended.Error = "proposal could not be submitted"
		}
		c.reply(TypeSessionEnded, ended)

	case TypeDocUpdate:
		var payload DocUpdatePayload
		if err := msg.UnmarshalPayload(&payload); err != nil {
			c.sendError("INVALID_PAYLOAD", "doc_update payload is invalid")
			return
		}
		if !c.mayPersist() {
			c.sendError("FORBIDDEN", "only the file leader may persist live edits")
			return
		}
		if c.hub.cfg.Autosave != nil {
			c.hub.cfg.Autosave.Schedule(c.FileID, payload.Content)
		}

	default:
		c.sendError("UNKNOWN_TYPE", "unknown message type: "+string(msg.Type))
	}
}

func (c *Client) mayPersist() bool {
	return c.hub.roster.IsLeader(c.FileID, c.ID) &&
		rbac.Can(c.Role, rbac.ActionEditLive) &&
		c.controller.CanEdit()
}

// abandonSession closes a session the socket dropped without ending. The
// base is passed as the final text so nothing is submitted.
func (c *Client) abandonSession() {
	base, active := c.controller.Base()
	if !active {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.hub.cfg.MessageTimeout)
	defer cancel()
	if _, err := c.controller.End(ctx, base); err != nil {
		c.hub.logger.Warn("close abandoned session failed", zap.String("file_id", c.FileID), zap.Error(err))
	}
}

func (c *Client) reply(msgType MessageType, payload interface{}) {
	data, err := encode(msgType, payload)
	if err != nil {
		c.hub.logger.Error("encode reply failed", zap.String("type", string(msgType)), zap.Error(err))
		return
	}
	if !c.enqueue(data) {
		c.hub.logger.Warn("client send buffer full", zap.Uint64("client_id", c.ID))
	}
}

func (c *Client) sendError(code, message string) {
	c.reply(TypeError, ErrorPayload{Code: code, Message: message})
}

func (c *Client) sendSessionError(err error) {
	switch {
	case errors.Is(err, session.ErrNotPermitted):
		c.sendError("FORBIDDEN", "your role cannot start a proposal session")
	case errors.Is(err, session.ErrAlreadyActive):
		c.sendError("SESSION_ACTIVE", "a proposal session is already running")
	case errors.Is(err, session.ErrNotInSession):
		c.sendError("NO_SESSION", "no proposal session is running")
	default:
		c.hub.logger.Error("session operation failed", zap.String("file_id", c.FileID), zap.Error(err))
		c.sendError("SESSION_ERROR", "session operation failed")
	}
}
