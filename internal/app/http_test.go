package app

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func newTestHTTPServer(fs *fakeStore) (*Service, http.Handler) {
	svc, _, _ := newTestService(fs)
	return svc, NewHTTPServer(svc, "*", nil).Handler()
}

func doJSON(t *testing.T, handler http.Handler, method, path string, body any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	var response map[string]any
	if rr.Body.Len() > 0 && rr.Header().Get("Content-Type") == "application/json" {
		if err := json.Unmarshal(rr.Body.Bytes(), &response); err != nil {
			t.Fatalf("failed to parse response %q: %v", rr.Body.String(), err)
		}
	}
	return rr, response
}

func TestHealthEndpoint(t *testing.T) {
	_, handler := newTestHTTPServer(newFakeStore())
	rr, response := doJSON(t, handler, http.MethodGet, "/api/health", nil)

	if rr.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", rr.Code)
	}
	if ok, exists := response["ok"]; !exists || ok != true {
		t.Errorf("expected ok=true, got %v", ok)
	}
	if origin := rr.Header().Get("Access-Control-Allow-Origin"); origin != "*" {
		t.Errorf("expected CORS origin=*, got %v", origin)
	}
	if cache := rr.Header().Get("Cache-Control"); cache != "no-store" {
		t.Errorf("expected Cache-Control=no-store, got %v", cache)
	}
	if rr.Header().Get("X-Request-ID") == "" {
		t.Error("expected generated X-Request-ID")
	}
}

func TestReadyEndpointDatabaseFailure(t *testing.T) {
	fs := newFakeStore()
	fs.pingFn = func(context.Context) error { return errors.New("connection refused") }
	_, handler := newTestHTTPServer(fs)

	rr, response := doJSON(t, handler, http.MethodGet, "/api/ready", nil)
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected status 503, got %d", rr.Code)
	}
	if response["status"] != "not_ready" || response["ok"] != false {
		t.Fatalf("unexpected ready response: %v", response)
	}
	checks, _ := response["checks"].(map[string]any)
	dbCheck, _ := checks["database"].(map[string]any)
	if dbCheck["status"] != "error" || dbCheck["error"] != "connection refused" {
		t.Fatalf("unexpected database check: %v", dbCheck)
	}
}

func TestReadyEndpointSuccess(t *testing.T) {
	_, handler := newTestHTTPServer(newFakeStore())
	rr, response := doJSON(t, handler, http.MethodGet, "/api/ready", nil)
	if rr.Code != http.StatusOK || response["status"] != "ready" {
		t.Fatalf("expected ready, got %d %v", rr.Code, response)
	}
}

func TestOptionsRequest(t *testing.T) {
	_, handler := newTestHTTPServer(newFakeStore())
	rr, _ := doJSON(t, handler, http.MethodOptions, "/changes/propose", nil)
	if rr.Code != http.StatusNoContent {
		t.Errorf("expected status 204 for OPTIONS, got %d", rr.Code)
	}
}

func TestProposeValidation(t *testing.T) {
	_, handler := newTestHTTPServer(newFakeStore())

	rr, response := doJSON(t, handler, http.MethodPost, "/changes/propose", map[string]any{"content": "x"})
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
	if response["code"] != "VALIDATION_ERROR" || response["error"] != "fileId is required" {
		t.Fatalf("unexpected validation response: %v", response)
	}

	req := httptest.NewRequest(http.MethodPost, "/changes/propose", bytes.NewBufferString("{"))
	raw := httptest.NewRecorder()
	handler.ServeHTTP(raw, req)
	if raw.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for malformed JSON, got %d", raw.Code)
	}
	var body map[string]any
	_ = json.Unmarshal(raw.Body.Bytes(), &body)
	if body["code"] != "INVALID_BODY" || body["error"] != "invalid JSON body" {
		t.Fatalf("unexpected malformed body response: %v", body)
	}
}

func TestProposeWithoutContentStoresNothing(t *testing.T) {
	fs := newFakeStore()
	_, handler := newTestHTTPServer(fs)

	rr, response := doJSON(t, handler, http.MethodPost, "/changes/propose", map[string]any{
		"fileId":     "file-1",
		"proposerId": "editor-1",
	})
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
	if response["code"] != "VALIDATION_ERROR" || response["error"] != "content is required" {
		t.Fatalf("unexpected validation response: %v", response)
	}
	if len(fs.proposals) != 0 {
		t.Fatalf("expected no stored proposal, got %d", len(fs.proposals))
	}
	if fs.files["file-1"].Content != "print(1)" {
		t.Fatalf("file content changed: %q", fs.files["file-1"].Content)
	}
}

func TestProposeListApproveFlow(t *testing.T) {
	fs := newFakeStore()
	_, handler := newTestHTTPServer(fs)

	rr, response := doJSON(t, handler, http.MethodPost, "/changes/propose", map[string]any{
		"fileId": "file-1", "proposerId": "editor-1", "content": "print(2)", "originalContent": "print(1)",
	})
	if rr.Code != http.StatusOK || response["ok"] != true {
		t.Fatalf("propose failed: %d %v", rr.Code, response)
	}
	id, _ := response["id"].(string)
	if id == "" {
		t.Fatalf("expected proposal id, got %v", response)
	}

	rr, response = doJSON(t, handler, http.MethodGet, "/changes/list?fileId=file-1", nil)
	proposals, _ := response["proposals"].([]any)
	if rr.Code != http.StatusOK || len(proposals) != 1 {
		t.Fatalf("unexpected list response: %d %v", rr.Code, response)
	}

	rr, response = doJSON(t, handler, http.MethodPost, "/changes/approve", map[string]any{"proposalId": id, "reviewerId": "admin-1"})
	if rr.Code != http.StatusOK || response["ok"] != true {
		t.Fatalf("approve failed: %d %v", rr.Code, response)
	}

	rr, response = doJSON(t, handler, http.MethodGet, "/changes/status?proposalId="+id, nil)
	if rr.Code != http.StatusOK || response["status"] != "approved" || response["reviewedBy"] != "admin-1" {
		t.Fatalf("unexpected status response: %d %v", rr.Code, response)
	}

	rr, response = doJSON(t, handler, http.MethodPost, "/changes/reject", map[string]any{"proposalId": id, "reviewerId": "admin-1", "message": "late"})
	if rr.Code != http.StatusConflict || response["code"] != "CONFLICT" {
		t.Fatalf("expected 409 CONFLICT, got %d %v", rr.Code, response)
	}
}

func TestRejectEndpointReturnsRestoredContent(t *testing.T) {
	fs := newFakeStore()
	svc, handler := newTestHTTPServer(fs)
	submitted, err := svc.SubmitProposal(context.Background(), SubmitProposalInput{
		FileID: "file-1", ProposerID: "editor-1", Content: proposed("print(2)"), OriginalContent: "print(1)",
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	_ = svc.SaveFile(context.Background(), "file-1", "print(2)")

	rr, response := doJSON(t, handler, http.MethodPost, "/changes/reject", map[string]any{
		"proposalId": submitted.ID, "reviewerId": "admin-1", "message": "wrong",
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d %v", rr.Code, response)
	}
	if response["ok"] != true || response["restoredContent"] != "print(1)" {
		t.Fatalf("unexpected reject response: %v", response)
	}
	if _, ok := response["misses"].([]any); !ok {
		t.Fatalf("expected misses array, got %v", response["misses"])
	}
}

func TestStatusUnknownProposalIsNotFound(t *testing.T) {
	_, handler := newTestHTTPServer(newFakeStore())
	rr, response := doJSON(t, handler, http.MethodGet, "/changes/status?proposalId=missing", nil)
	if rr.Code != http.StatusNotFound || response["code"] != "NOT_FOUND" {
		t.Fatalf("expected 404, got %d %v", rr.Code, response)
	}
}

func TestFileEndpoints(t *testing.T) {
	fs := newFakeStore()
	_, handler := newTestHTTPServer(fs)

	rr, response := doJSON(t, handler, http.MethodGet, "/files/file-1", nil)
	if rr.Code != http.StatusOK || response["content"] != "print(1)" {
		t.Fatalf("unexpected file response: %d %v", rr.Code, response)
	}

	rr, response = doJSON(t, handler, http.MethodPut, "/files/file-1", map[string]any{"content": ""})
	if rr.Code != http.StatusOK || response["success"] != true {
		t.Fatalf("unexpected put response: %d %v", rr.Code, response)
	}
	if got := fs.fileContent("file-1"); got != "" {
		t.Fatalf("expected empty content to be saved, got %q", got)
	}

	rr, response = doJSON(t, handler, http.MethodPut, "/files/file-1", map[string]any{})
	if rr.Code != http.StatusBadRequest || response["error"] != "content is required" {
		t.Fatalf("expected content validation error, got %d %v", rr.Code, response)
	}

	rr, response = doJSON(t, handler, http.MethodGet, "/files/file-1/name", nil)
	if rr.Code != http.StatusOK || response["file_name"] != "main" || response["file_extension"] != "py" {
		t.Fatalf("unexpected name response: %d %v", rr.Code, response)
	}

	rr, _ = doJSON(t, handler, http.MethodGet, "/files/missing", nil)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown file, got %d", rr.Code)
	}
}

func TestCheckRoleEndpoint(t *testing.T) {
	_, handler := newTestHTTPServer(newFakeStore())
	rr, response := doJSON(t, handler, http.MethodGet, "/collaborations/check-role?fileId=file-1&userId=admin-1", nil)
	if rr.Code != http.StatusOK || response["isAdmin"] != true || response["role"] != "admin" {
		t.Fatalf("unexpected role response: %d %v", rr.Code, response)
	}
}

func TestVersionControlEndpoints(t *testing.T) {
	fs := newFakeStore()
	_, handler := newTestHTTPServer(fs)

	rr, response := doJSON(t, handler, http.MethodPost, "/version-control/create", map[string]any{
		"projectId": "project-1", "fileId": "file-1", "collaboratorId": "u1",
		"originalContent": "a", "finalContent": "b",
		"changes": map[string]any{
			"addedLines":   []any{map[string]any{"line": "b", "index": 0}},
			"removedLines": []any{map[string]any{"line": "a", "index": 0}},
		},
	})
	if rr.Code != http.StatusOK || response["success"] != true || response["versionId"] == "" {
		t.Fatalf("unexpected create response: %d %v", rr.Code, response)
	}

	rr, response = doJSON(t, handler, http.MethodGet, "/version-control/list?projectId=project-1", nil)
	versions, _ := response["versions"].([]any)
	if rr.Code != http.StatusOK || len(versions) != 1 {
		t.Fatalf("unexpected list response: %d %v", rr.Code, response)
	}
	version, _ := versions[0].(map[string]any)
	if version["fileName"] != "main" || version["status"] != "approved" {
		t.Fatalf("unexpected version: %v", version)
	}

	rr, response = doJSON(t, handler, http.MethodPost, "/version-control/create", map[string]any{"projectId": "project-1"})
	if rr.Code != http.StatusBadRequest || response["error"] != "fileId is required" {
		t.Fatalf("expected validation error, got %d %v", rr.Code, response)
	}
}

func TestSessionEndpoints(t *testing.T) {
	_, handler := newTestHTTPServer(newFakeStore())

	rr, response := doJSON(t, handler, http.MethodPost, "/session/start", map[string]any{"fileId": "file-1", "userId": "editor-1", "userEmail": "e@example.com"})
	if rr.Code != http.StatusOK {
		t.Fatalf("start failed: %d %v", rr.Code, response)
	}
	record, _ := response["session"].(map[string]any)
	if record["active"] != true || record["startedBy"] != "editor-1" {
		t.Fatalf("unexpected start record: %v", record)
	}

	rr, response = doJSON(t, handler, http.MethodPost, "/session/end", map[string]any{"fileId": "file-1", "userId": "editor-1"})
	record, _ = response["session"].(map[string]any)
	if rr.Code != http.StatusOK || record["active"] != false || record["endedBy"] != "editor-1" {
		t.Fatalf("unexpected end response: %d %v", rr.Code, response)
	}
}

func TestNotificationEndpoints(t *testing.T) {
	fs := newFakeStore()
	svc, handler := newTestHTTPServer(fs)
	if _, err := svc.SubmitProposal(context.Background(), SubmitProposalInput{FileID: "file-1", ProposerID: "editor-1", Content: proposed("x")}); err != nil {
		t.Fatalf("submit: %v", err)
	}

	rr, response := doJSON(t, handler, http.MethodGet, "/notifications?userId=admin-1", nil)
	items, _ := response["notifications"].([]any)
	if rr.Code != http.StatusOK || len(items) != 1 {
		t.Fatalf("unexpected notifications: %d %v", rr.Code, response)
	}

	var gotIDs []string
	fs.markNotificationsReadF = func(_ context.Context, userID string, ids []string) (int64, error) {
		gotIDs = ids
		return int64(len(ids)), nil
	}
	rr, response = doJSON(t, handler, http.MethodPost, "/notifications/read", map[string]any{"userId": "admin-1", "ids": []string{"n1", "n2"}})
	if rr.Code != http.StatusOK || response["updated"] != float64(2) || len(gotIDs) != 2 {
		t.Fatalf("unexpected mark read response: %d %v", rr.Code, response)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	_, handler := newTestHTTPServer(newFakeStore())
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 from /metrics, got %d", rr.Code)
	}
	if !bytes.Contains(rr.Body.Bytes(), []byte("coedit_leader_elections_total")) {
		t.Fatal("expected coedit collectors in metrics output")
	}
}

func TestMethodNotAllowed(t *testing.T) {
	_, handler := newTestHTTPServer(newFakeStore())
	rr, response := doJSON(t, handler, http.MethodGet, "/changes/approve", nil)
	if rr.Code != http.StatusMethodNotAllowed || response["code"] != "METHOD_NOT_ALLOWED" {
		t.Fatalf("expected 405, got %d %v", rr.Code, response)
	}
}
