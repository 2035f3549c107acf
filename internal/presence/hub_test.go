package presence

import (
	"context"
	"database/sql"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"coedit/api/internal/auth"
	"coedit/api/internal/rbac"
	"coedit/api/internal/session"
)

const testSecret = "presence-test-secret"

type fakeCollab struct {
	mu          sync.Mutex
	roles       map[string]rbac.Role
	content     string
	submissions []session.Submission
	ended       chan string
}

func newFakeCollab() *fakeCollab {
	return &fakeCollab{
		roles: map[string]rbac.Role{
			"admin-1":  rbac.RoleAdmin,
			"editor-1": rbac.RoleEditor,
			"editor-2": rbac.RoleEditor,
		},
		content: "print(1)",
		ended:   make(chan string, 8),
	}
}

func (f *fakeCollab) RoleFor(_ context.Context, fileID, userID string) (rbac.Role, error) {
	if fileID != "file-1" {
		return "", sql.ErrNoRows
	}
	if role, ok := f.roles[userID]; ok {
		return role, nil
	}
	return rbac.RoleViewer, nil
}

func (f *fakeCollab) FileContent(context.Context, string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.content, nil
}

func (f *fakeCollab) SubmitSessionProposal(_ context.Context, submission session.Submission) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submissions = append(f.submissions, submission)
	return "prop-" + strconv.Itoa(len(f.submissions)), nil
}

func (f *fakeCollab) Recorder() session.Recorder { return f }

func (f *fakeCollab) StartSession(context.Context, string, string, string, time.Time) error {
	return nil
}

func (f *fakeCollab) EndSession(_ context.Context, _ string, userID string, _ time.Time) error {
	f.ended <- userID
	return nil
}

func (f *fakeCollab) Submissions() []session.Submission {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]session.Submission(nil), f.submissions...)
}

type scheduled struct {
	fileID  string
	content string
}

type fakeAutosave struct {
	calls chan scheduled
}

func (f *fakeAutosave) Schedule(fileID, content string) {
	f.calls <- scheduled{fileID: fileID, content: content}
}

type harness struct {
	hub      *Hub
	collab   *fakeCollab
	autosave *fakeAutosave
	server   *httptest.Server
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	collab := newFakeCollab()
	saver := &fakeAutosave{calls: make(chan scheduled, 8)}
	hub := NewHub(HubConfig{
		Service:  collab,
		Autosave: saver,
		SyncWait: 50 * time.Millisecond,
	})
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	router := mux.NewRouter()
	router.Handle("/ws/files/{id}", NewHandler(hub, testSecret)).Methods(http.MethodGet)
	server := httptest.NewServer(router)
	t.Cleanup(func() {
		server.Close()
		cancel()
	})
	return &harness{hub: hub, collab: collab, autosave: saver, server: server}
}

func (h *harness) url(t *testing.T, fileID, userID string, clientID uint64) string {
	t.Helper()
	token, err := auth.IssueToken([]byte(testSecret), auth.Claims{
		Sub:   userID,
		Email: userID + "@example.com",
		Exp:   time.Now().Add(time.Hour).Unix(),
	})
	require.NoError(t, err)
	base := "ws" + strings.TrimPrefix(h.server.URL, "http")
	return base + "/ws/files/" + fileID + "?token=" + token + "&clientId=" + strconv.FormatUint(clientID, 10)
}

func (h *harness) dial(t *testing.T, userID string, clientID uint64) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(h.url(t, "file-1", userID, clientID), nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, msgType MessageType, payload interface{}) {
	t.Helper()
	msg, err := NewMessage(msgType, payload)
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(msg))
}

// readUntil skips messages of other types, such as presence broadcasts.
func readUntil(t *testing.T, conn *websocket.Conn, want MessageType) Message {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		require.NoError(t, conn.SetReadDeadline(deadline))
		var msg Message
		require.NoError(t, conn.ReadJSON(&msg), "waiting for %s", want)
		if msg.Type == want {
			return msg
		}
	}
}

func readPresence(t *testing.T, conn *websocket.Conn, participants int) PresencePayload {
	t.Helper()
	for {
		msg := readUntil(t, conn, TypePresence)
		var payload PresencePayload
		require.NoError(t, msg.UnmarshalPayload(&payload))
		if len(payload.Participants) == participants {
			return payload
		}
	}
}

func TestHandlerRejectsMissingToken(t *testing.T) {
	h := newHarness(t)
	resp, err := http.Get(h.server.URL + "/ws/files/file-1?clientId=1")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestHandlerRejectsInvalidToken(t *testing.T) {
	h := newHarness(t)
	resp, err := http.Get(h.server.URL + "/ws/files/file-1?clientId=1&token=garbage")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestHandlerRejectsBadClientID(t *testing.T) {
	h := newHarness(t)
	url := strings.Replace(h.url(t, "file-1", "editor-1", 1), "ws://", "http://", 1)
	url = strings.Replace(url, "clientId=1", "clientId=abc", 1)
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHandlerUnknownFile(t *testing.T) {
	h := newHarness(t)
	url := strings.Replace(h.url(t, "file-9", "editor-1", 1), "ws://", "http://", 1)
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestPresenceElectsAdminLeader(t *testing.T) {
	h := newHarness(t)
	editor := h.dial(t, "editor-1", 1)
	first := readPresence(t, editor, 1)
	require.NotNil(t, first.LeaderClientID)
	assert.Equal(t, uint64(1), *first.LeaderClientID)

	admin := h.dial(t, "admin-1", 5)
	both := readPresence(t, editor, 2)
	require.NotNil(t, both.LeaderClientID)
	assert.Equal(t, uint64(5), *both.LeaderClientID)
	assert.Equal(t, uint64(1), both.Participants[0].ClientID)
	assert.True(t, both.Participants[1].IsLeader)

	require.NoError(t, admin.Close())
	after := readPresence(t, editor, 1)
	require.NotNil(t, after.LeaderClientID)
	assert.Equal(t, uint64(1), *after.LeaderClientID)
}

func TestPingPong(t *testing.T) {
	h := newHarness(t)
	conn := h.dial(t, "editor-1", 1)
	send(t, conn, TypePing, nil)
	readUntil(t, conn, TypePong)
}

func TestSessionRoundTripSubmitsProposal(t *testing.T) {
	h := newHarness(t)
	conn := h.dial(t, "editor-1", 1)

	send(t, conn, TypeSessionStart, nil)
	started := readUntil(t, conn, TypeSessionStarted)
	var startedPayload SessionStartedPayload
	require.NoError(t, started.UnmarshalPayload(&startedPayload))
	assert.Equal(t, "print(1)", startedPayload.Base)

	send(t, conn, TypeSessionEnd, SessionEndPayload{Content: "print(2)"})
	ended := readUntil(t, conn, TypeSessionEnded)
	var endedPayload SessionEndedPayload
	require.NoError(t, ended.UnmarshalPayload(&endedPayload))
	assert.True(t, endedPayload.HasChanges)
	assert.False(t, endedPayload.Duplicate)
	assert.Equal(t, "prop-1", endedPayload.ProposalID)

	submissions := h.collab.Submissions()
	require.Len(t, submissions, 1)
	assert.Equal(t, "print(1)", submissions[0].OriginalContent)
	assert.Equal(t, "print(2)", submissions[0].Content)
	assert.Equal(t, "editor-1", submissions[0].ProposerID)
	assert.Equal(t, "editor-1@example.com", submissions[0].ProposerEmail)
}

func TestSessionStartForbiddenForViewer(t *testing.T) {
	h := newHarness(t)
	conn := h.dial(t, "stranger", 1)
	send(t, conn, TypeSessionStart, nil)
	msg := readUntil(t, conn, TypeError)
	var payload ErrorPayload
	require.NoError(t, msg.UnmarshalPayload(&payload))
	assert.Equal(t, "FORBIDDEN", payload.Code)
}

func TestSessionEndWithoutStart(t *testing.T) {
	h := newHarness(t)
	conn := h.dial(t, "editor-1", 1)
	send(t, conn, TypeSessionEnd, SessionEndPayload{Content: "x"})
	msg := readUntil(t, conn, TypeError)
	var payload ErrorPayload
	require.NoError(t, msg.UnmarshalPayload(&payload))
	assert.Equal(t, "NO_SESSION", payload.Code)
}

func TestDocUpdateOnlyFromLeadingAdmin(t *testing.T) {
	h := newHarness(t)
	editor := h.dial(t, "editor-1", 1)
	send(t, editor, TypeDocUpdate, DocUpdatePayload{Content: "from editor"})
	msg := readUntil(t, editor, TypeError)
	var payload ErrorPayload
	require.NoError(t, msg.UnmarshalPayload(&payload))
	assert.Equal(t, "FORBIDDEN", payload.Code)

	admin := h.dial(t, "admin-1", 7)
	readPresence(t, admin, 2)
	send(t, admin, TypeDocUpdate, DocUpdatePayload{Content: "from admin"})
	select {
	case call := <-h.autosave.calls:
		assert.Equal(t, scheduled{fileID: "file-1", content: "from admin"}, call)
	case <-time.After(3 * time.Second):
		t.Fatal("autosave was not scheduled")
	}
	assert.Empty(t, h.autosave.calls)
}

func TestUnknownMessageType(t *testing.T) {
	h := newHarness(t)
	conn := h.dial(t, "editor-1", 1)
	send(t, conn, MessageType("bogus"), nil)
	msg := readUntil(t, conn, TypeError)
	var payload ErrorPayload
	require.NoError(t, msg.UnmarshalPayload(&payload))
	assert.Equal(t, "UNKNOWN_TYPE", payload.Code)
}

func TestDisconnectClosesOpenSession(t *testing.T) {
	h := newHarness(t)
	conn := h.dial(t, "editor-1", 1)
	send(t, conn, TypeSessionStart, nil)
	readUntil(t, conn, TypeSessionStarted)
	require.NoError(t, conn.Close())

	select {
	case userID := <-h.collab.ended:
		assert.Equal(t, "editor-1", userID)
	case <-time.After(3 * time.Second):
		t.Fatal("session end was not recorded")
	}
	assert.Empty(t, h.collab.Submissions())
}

func TestDuplicateClientIDRejected(t *testing.T) {
	h := newHarness(t)
	first := h.dial(t, "editor-1", 3)
	readPresence(t, first, 1)

	second := h.dial(t, "editor-2", 3)
	require.NoError(t, second.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, _, err := second.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.ClosePolicyViolation))
	assert.Equal(t, 1, h.hub.Connections("file-1"))
}

func TestPublishProposalStatusReachesProposer(t *testing.T) {
	h := newHarness(t)
	conn := h.dial(t, "editor-1", 1)
	readPresence(t, conn, 1)

	h.hub.PublishProposalStatus("editor-1@example.com", "prop-9", "rejected", "Your change to main.py was rejected")
	msg := readUntil(t, conn, TypeProposalStatus)
	var payload ProposalStatusPayload
	require.NoError(t, msg.UnmarshalPayload(&payload))
	assert.Equal(t, ProposalStatusPayload{
		ProposalID: "prop-9",
		Status:     "rejected",
		Message:    "Your change to main.py was rejected",
	}, payload)
}

func TestPublishFileReplacedReachesRoom(t *testing.T) {
	h := newHarness(t)
	conn := h.dial(t, "admin-1", 2)
	readPresence(t, conn, 1)

	h.hub.PublishFileReplaced("file-1", "print(3)")
	msg := readUntil(t, conn, TypeFileReplaced)
	var payload FileReplacedPayload
	require.NoError(t, msg.UnmarshalPayload(&payload))
	assert.Equal(t, "print(3)", payload.Content)
}
