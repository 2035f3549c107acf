package app

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"go.uber.org/zap"

	"coedit/api/internal/archive"
	"coedit/api/internal/rbac"
	"coedit/api/internal/session"
	"coedit/api/internal/store"
)

func (s *Service) GetFile(ctx context.Context, fileID string) (store.File, error) {
	fileID = strings.TrimSpace(fileID)
	if fileID == "" {
		return store.File{}, validationError("fileId is required")
	}
	return s.store.GetFile(ctx, fileID)
}

// FileContent satisfies session.FileReader.
func (s *Service) FileContent(ctx context.Context, fileID string) (string, error) {
	file, err := s.GetFile(ctx, fileID)
	if err != nil {
		return "", err
	}
	return file.Content, nil
}

// SaveFile overwrites a file's content. It backs both the raw PUT endpoint
// and the leader's debounced autosave.
func (s *Service) SaveFile(ctx context.Context, fileID, content string) error {
	fileID = strings.TrimSpace(fileID)
	if fileID == "" {
		return validationError("fileId is required")
	}
	return s.store.UpdateFileContent(ctx, fileID, content)
}

type FileNameInfo struct {
	FileName      string `json:"file_name"`
	FileExtension string `json:"file_extension"`
}

func (s *Service) FileName(ctx context.Context, fileID string) (FileNameInfo, error) {
	file, err := s.GetFile(ctx, fileID)
	if err != nil {
		return FileNameInfo{}, err
	}
	return FileNameInfo{FileName: file.FileName, FileExtension: file.FileExtension}, nil
}

func (s *Service) FileHistory(ctx context.Context, fileID string, limit int) ([]store.CommitInfo, error) {
	if _, err := s.GetFile(ctx, fileID); err != nil {
		return nil, err
	}
	if s.git == nil {
		return []store.CommitInfo{}, nil
	}
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return s.git.History(strings.TrimSpace(fileID), limit)
}

// Snapshots lists the archived pre-write copies of a file.
func (s *Service) Snapshots(ctx context.Context, fileID string) ([]archive.Snapshot, error) {
	if _, err := s.GetFile(ctx, fileID); err != nil {
		return nil, err
	}
	if s.archive == nil {
		return []archive.Snapshot{}, nil
	}
	return s.archive.List(ctx, strings.TrimSpace(fileID))
}

// RoleFor resolves a participant's role on the project owning the file.
// Unknown participants are viewers.
func (s *Service) RoleFor(ctx context.Context, fileID, userID string) (rbac.Role, error) {
	file, err := s.GetFile(ctx, fileID)
	if err != nil {
		return "", err
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return rbac.RoleViewer, nil
	}
	role, err := s.store.GetRole(ctx, file.ProjectID, userID)
	if err != nil {
		return "", err
	}
	return rbac.Normalize(role), nil
}

type RoleCheck struct {
	IsAdmin        bool      `json:"isAdmin"`
	IsCollaborator bool      `json:"isCollaborator"`
	Role           rbac.Role `json:"role"`
}

func (s *Service) CheckRole(ctx context.Context, fileID, userID string) (RoleCheck, error) {
	if strings.TrimSpace(userID) == "" {
		return RoleCheck{}, validationError("userId is required")
	}
	role, err := s.RoleFor(ctx, fileID, userID)
	if err != nil {
		return RoleCheck{}, err
	}
	return RoleCheck{
		IsAdmin:        role == rbac.RoleAdmin,
		IsCollaborator: role == rbac.RoleEditor,
		Role:           role,
	}, nil
}

func (s *Service) ListNotifications(ctx context.Context, userID string, limit int) ([]store.Notification, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, validationError("userId is required")
	}
	return s.store.ListNotifications(ctx, userID, limit)
}

func (s *Service) MarkNotificationsRead(ctx context.Context, userID string, ids []string) (int64, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return 0, validationError("userId is required")
	}
	return s.store.MarkNotificationsRead(ctx, userID, ids)
}

// StartSession records that userID opened a proposal session on the file.
func (s *Service) StartSession(ctx context.Context, fileID, userID, email string) (store.SessionRecord, error) {
	if _, err := s.GetFile(ctx, fileID); err != nil {
		return store.SessionRecord{}, err
	}
	fileID = strings.TrimSpace(fileID)
	userID = firstNonBlank(userID, email, "unknown")
	if err := s.sessions.StartSession(ctx, fileID, userID, strings.TrimSpace(email), s.now().UTC()); err != nil {
		return store.SessionRecord{}, err
	}
	s.logger.Info("session started", zap.String("file_id", fileID), zap.String("user_id", userID))
	return s.SessionStatus(ctx, fileID)
}

func (s *Service) EndSession(ctx context.Context, fileID, userID string) (store.SessionRecord, error) {
	if _, err := s.GetFile(ctx, fileID); err != nil {
		return store.SessionRecord{}, err
	}
	fileID = strings.TrimSpace(fileID)
	userID = firstNonBlank(userID, "unknown")
	if err := s.sessions.EndSession(ctx, fileID, userID, s.now().UTC()); err != nil {
		return store.SessionRecord{}, err
	}
	s.logger.Info("session ended", zap.String("file_id", fileID), zap.String("user_id", userID))
	return s.SessionStatus(ctx, fileID)
}

// SessionStatus returns the file's session record. A file that never had a
// session reports an inactive record.
func (s *Service) SessionStatus(ctx context.Context, fileID string) (store.SessionRecord, error) {
	fileID = strings.TrimSpace(fileID)
	if fileID == "" {
		return store.SessionRecord{}, validationError("fileId is required")
	}
	record, err := s.sessions.GetSession(ctx, fileID)
	if errors.Is(err, session.ErrNotFound) || errors.Is(err, sql.ErrNoRows) {
		return store.SessionRecord{FileID: fileID}, nil
	}
	if err != nil {
		return store.SessionRecord{}, err
	}
	return record, nil
}

// Recorder exposes the session store to per-connection controllers.
func (s *Service) Recorder() session.Recorder {
	return s.sessions
}
