package presence

import (
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"coedit/api/internal/auth"
)

type Handler struct {
	hub      *Hub
	secret   []byte
	upgrader websocket.Upgrader
}

func NewHandler(hub *Hub, jwtSecret string) *Handler {
	return &Handler{
		hub:    hub,
		secret: []byte(jwtSecret),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// CORS is enforced by the HTTP layer; sockets carry a bearer token.
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

// ServeHTTP upgrades GET /ws/files/{id}?token=&clientId= into an awareness
// connection.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	logger := h.hub.logger
	fileID := strings.TrimSpace(mux.Vars(r)["id"])
	if fileID == "" {
		writeHandshakeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "file id is required")
		return
	}

	token := r.URL.Query().Get("token")
	if token == "" {
		token = strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	}
	if strings.TrimSpace(token) == "" {
		writeHandshakeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "missing authorization token")
		return
	}
	claims, err := auth.ParseToken(h.secret, token)
	if err != nil {
		logger.Info("awareness token rejected", zap.String("file_id", fileID), zap.Error(err))
		writeHandshakeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "invalid token")
		return
	}

	clientID, err := strconv.ParseUint(r.URL.Query().Get("clientId"), 10, 64)
	if err != nil {
		writeHandshakeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "clientId must be an unsigned integer")
		return
	}

	userID := claims.Sub
	if strings.TrimSpace(userID) == "" {
		userID = claims.Email
	}
	role, err := h.hub.cfg.Service.RoleFor(r.Context(), fileID, userID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			writeHandshakeError(w, http.StatusNotFound, "NOT_FOUND", "file not found")
			return
		}
		logger.Error("resolve awareness role failed", zap.String("file_id", fileID), zap.Error(err))
		writeHandshakeError(w, http.StatusInternalServerError, "INTERNAL", "could not resolve role")
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn("websocket upgrade failed", zap.String("file_id", fileID), zap.Error(err))
		return
	}

	client := newClient(h.hub, conn, fileID, clientID, userID, claims.Email, role)
	if err := h.hub.join(client); err != nil {
		closeMsg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, err.Error())
		conn.WriteMessage(websocket.CloseMessage, closeMsg)
		conn.Close()
		return
	}

	go client.WritePump()
	go client.ReadPump()
}

func writeHandshakeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"code": code, "error": message})
}
