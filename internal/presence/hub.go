// Package presence runs the awareness socket: who is on a file, who leads
// it, and the per-connection proposal session.
package presence

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"coedit/api/internal/leader"
	"coedit/api/internal/metrics"
	"coedit/api/internal/rbac"
	"coedit/api/internal/session"
)

var (
	ErrDuplicateClient = errors.New("presence: client id already connected to this file")
	ErrHubStopped      = errors.New("presence: hub stopped")
)

// Collaboration is the slice of the application service the hub needs.
type Collaboration interface {
	session.FileReader
	session.ProposalSubmitter
	RoleFor(ctx context.Context, fileID, userID string) (rbac.Role, error)
	Recorder() session.Recorder
}

type Autosaver interface {
	Schedule(fileID, content string)
}

type HubConfig struct {
	Service   Collaboration
	Replica   session.Replica
	Autosave  Autosaver
	SyncWait  time.Duration
	PongWait  time.Duration
	WriteWait time.Duration
	// MessageTimeout bounds the handling of a single client message.
	MessageTimeout time.Duration
	Logger         *zap.Logger
}

type joinRequest struct {
	client *Client
	result chan error
}

type Hub struct {
	cfg        HubConfig
	pingPeriod time.Duration
	logger     *zap.Logger
	roster     *leader.Roster

	mu    sync.RWMutex
	rooms map[string]map[*Client]struct{}
	users map[string]map[*Client]struct{}

	register   chan joinRequest
	unregister chan *Client
	done       chan struct{}
	stopOnce   sync.Once
}

func NewHub(cfg HubConfig) *Hub {
	if cfg.PongWait <= 0 {
		cfg.PongWait = 60 * time.Second
	}
	if cfg.WriteWait <= 0 {
		cfg.WriteWait = 10 * time.Second
	}
	if cfg.MessageTimeout <= 0 {
		cfg.MessageTimeout = cfg.SyncWait + 15*time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Hub{
		cfg:        cfg,
		pingPeriod: cfg.PongWait * 9 / 10,
		logger:     cfg.Logger,
		roster:     leader.NewRoster(),
		rooms:      make(map[string]map[*Client]struct{}),
		users:      make(map[string]map[*Client]struct{}),
		register:   make(chan joinRequest),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
	}
}

// Run serialises joins and leaves until ctx is cancelled, then closes every
// remaining connection.
func (h *Hub) Run(ctx context.Context) {
	defer h.stop()
	for {
		select {
		case req := <-h.register:
			req.result <- h.registerClient(req.client)
		case client := <-h.unregister:
			h.unregisterClient(client)
		case <-ctx.Done():
			return
		}
	}
}

func (h *Hub) stop() {
	h.stopOnce.Do(func() {
		close(h.done)
		h.mu.Lock()
		defer h.mu.Unlock()
		for _, room := range h.rooms {
			for client := range room {
				client.closeSend()
			}
		}
		h.rooms = make(map[string]map[*Client]struct{})
		h.users = make(map[string]map[*Client]struct{})
	})
}

func (h *Hub) join(client *Client) error {
	req := joinRequest{client: client, result: make(chan error, 1)}
	select {
	case h.register <- req:
	case <-h.done:
		return ErrHubStopped
	}
	return <-req.result
}

func (h *Hub) leave(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.done:
	}
}

func (h *Hub) registerClient(client *Client) error {
	h.mu.Lock()
	room := h.rooms[client.FileID]
	for other := range room {
		if other.ID == client.ID {
			h.mu.Unlock()
			return ErrDuplicateClient
		}
	}
	if room == nil {
		room = make(map[*Client]struct{})
		h.rooms[client.FileID] = room
	}
	room[client] = struct{}{}
	for _, key := range client.userKeys() {
		if h.users[key] == nil {
			h.users[key] = make(map[*Client]struct{})
		}
		h.users[key][client] = struct{}{}
	}
	h.mu.Unlock()

	change := h.roster.Join(client.FileID, leader.Participant{
		ClientID: client.ID,
		UserID:   client.UserID,
		Role:     string(client.Role),
		IsAdmin:  client.Role == rbac.RoleAdmin,
	})
	h.observe(change)
	h.logger.Info("awareness client joined",
		zap.String("file_id", client.FileID),
		zap.Uint64("client_id", client.ID),
		zap.String("user_id", client.UserID),
		zap.String("role", string(client.Role)),
	)
	h.broadcastPresence(client.FileID)
	return nil
}

func (h *Hub) unregisterClient(client *Client) {
	h.mu.Lock()
	room, ok := h.rooms[client.FileID]
	if !ok {
		h.mu.Unlock()
		return
	}
	if _, ok := room[client]; !ok {
		h.mu.Unlock()
		return
	}
	delete(room, client)
	if len(room) == 0 {
		delete(h.rooms, client.FileID)
	}
	for _, key := range client.userKeys() {
		delete(h.users[key], client)
		if len(h.users[key]) == 0 {
			delete(h.users, key)
		}
	}
	client.closeSend()
	h.mu.Unlock()

	change := h.roster.Leave(client.FileID, client.ID)
	h.observe(change)
	h.logger.Info("awareness client left", zap.String("file_id", client.FileID), zap.Uint64("client_id", client.ID))
	h.broadcastPresence(client.FileID)
}

func (h *Hub) observe(change leader.Change) {
	if !change.Changed {
		return
	}
	metrics.LeaderElections.Inc()
	if change.HasLeader {
		h.logger.Info("leader elected",
			zap.String("file_id", change.FileID),
			zap.Uint64("client_id", change.Leader.ClientID),
			zap.String("user_id", change.Leader.UserID),
		)
		return
	}
	h.logger.Info("leader cleared", zap.String("file_id", change.FileID))
}

// Presence reports the current roster of a file.
func (h *Hub) Presence(fileID string) PresencePayload {
	participants := h.roster.Participants(fileID)
	elected, hasLeader := leader.Elect(participants)

	payload := PresencePayload{FileID: fileID, Participants: make([]ParticipantInfo, 0, len(participants))}
	if hasLeader {
		id := elected.ClientID
		payload.LeaderClientID = &id
	}
	for _, p := range participants {
		payload.Participants = append(payload.Participants, ParticipantInfo{
			ClientID: p.ClientID,
			UserID:   p.UserID,
			Role:     p.Role,
			IsLeader: hasLeader && p.ClientID == elected.ClientID,
		})
	}
	return payload
}

func (h *Hub) broadcastPresence(fileID string) {
	h.broadcast(fileID, TypePresence, h.Presence(fileID))
}

func (h *Hub) broadcast(fileID string, msgType MessageType, payload interface{}) {
	data, err := encode(msgType, payload)
	if err != nil {
		h.logger.Error("encode message failed", zap.String("type", string(msgType)), zap.Error(err))
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.rooms[fileID] {
		if !client.enqueue(data) {
			h.logger.Warn("client send buffer full", zap.String("file_id", fileID), zap.Uint64("client_id", client.ID))
		}
	}
}

// PublishProposalStatus pushes a review outcome to every socket the user
// holds, on any file.
func (h *Hub) PublishProposalStatus(userID, proposalID, status, message string) {
	data, err := encode(TypeProposalStatus, ProposalStatusPayload{
		ProposalID: proposalID,
		Status:     status,
		Message:    message,
	})
	if err != nil {
		h.logger.Error("encode proposal status failed", zap.Error(err))
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.users[userID] {
		client.enqueue(data)
	}
}

// PublishFileReplaced tells a file's room that the durable content was
// overwritten by a review.
func (h *Hub) PublishFileReplaced(fileID, content string) {
	h.broadcast(fileID, TypeFileReplaced, FileReplacedPayload{FileID: fileID, Content: content})
}

// Connections returns how many sockets are open on the file.
func (h *Hub) Connections(fileID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[fileID])
}
