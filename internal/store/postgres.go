package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"coedit/api/internal/diff"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) GetFile(ctx context.Context, fileID string) (File, error) {
	var file File
	err := s.db.QueryRowContext(ctx, `
		SELECT id, project_id, file_name, file_extension, content, updated_at
		FROM files
		WHERE id=$1
	`, fileID).Scan(&file.ID, &file.ProjectID, &file.FileName, &file.FileExtension, &file.Content, &file.UpdatedAt)
	if err != nil {
		return File{}, err
	}
	return file, nil
}

// UpdateFileContent overwrites the durable content. It returns
// sql.ErrNoRows when the file does not exist.
func (s *PostgresStore) UpdateFileContent(ctx context.Context, fileID, content string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE files SET content=$2, updated_at=NOW() WHERE id=$1
	`, fileID, content)
	if err != nil {
		return fmt.Errorf("update file content: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update file content rows: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (s *PostgresStore) GetRole(ctx context.Context, projectID, participantID string) (string, error) {
	var role string
	err := s.db.QueryRowContext(ctx, `
		SELECT role FROM role_assignments WHERE project_id=$1 AND participant_id=$2
	`, projectID, participantID).Scan(&role)
	if errors.Is(err, sql.ErrNoRows) {
		return "viewer", nil
	}
	if err != nil {
		return "", fmt.Errorf("lookup role: %w", err)
	}
	return role, nil
}

func (s *PostgresStore) ListAdmins(ctx context.Context, projectID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT participant_id FROM role_assignments
		WHERE project_id=$1 AND role='admin'
		ORDER BY participant_id ASC
	`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list admins: %w", err)
	}
	defer rows.Close()

	items := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan admin: %w", err)
		}
		items = append(items, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate admins: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) StartSession(ctx context.Context, fileID, userID, email string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO file_sessions (file_id, active, started_by, started_by_email, started_at)
		VALUES ($1, TRUE, $2, $3, $4)
		ON CONFLICT (file_id) DO UPDATE
		SET active=TRUE, started_by=EXCLUDED.started_by, started_by_email=EXCLUDED.started_by_email, started_at=EXCLUDED.started_at
	`, fileID, userID, email, at)
	if err != nil {
		return fmt.Errorf("start session: %w", err)
	}
	return nil
}

func (s *PostgresStore) EndSession(ctx context.Context, fileID, userID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO file_sessions (file_id, active, ended_by, ended_at)
		VALUES ($1, FALSE, $2, $3)
		ON CONFLICT (file_id) DO UPDATE
		SET active=FALSE, ended_by=EXCLUDED.ended_by, ended_at=EXCLUDED.ended_at
	`, fileID, userID, at)
	if err != nil {
		return fmt.Errorf("end session: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetSession(ctx context.Context, fileID string) (SessionRecord, error) {
	var (
		record    SessionRecord
		startedAt sql.NullTime
		endedAt   sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT file_id, active, started_by, started_by_email, started_at, ended_by, ended_at
		FROM file_sessions
		WHERE file_id=$1
	`, fileID).Scan(&record.FileID, &record.Active, &record.StartedBy, &record.StartedByEmail, &startedAt, &record.EndedBy, &endedAt)
	if err != nil {
		return SessionRecord{}, err
	}
	record.StartedAt = nullTimePtr(startedAt)
	record.EndedAt = nullTimePtr(endedAt)
	return record, nil
}

// UpsertPendingProposal inserts a pending proposal or overwrites the
// proposer's existing pending one for the same file. The partial unique
// index on (file_id, proposer_id) WHERE status='pending' is the conflict
// target.
func (s *PostgresStore) UpsertPendingProposal(ctx context.Context, proposal Proposal) (string, bool, error) {
	encodedChanges, err := json.Marshal(proposal.Changes.Normalize())
	if err != nil {
		return "", false, fmt.Errorf("marshal proposal changes: %w", err)
	}
	var (
		id       string
		inserted bool
	)
	err = s.db.QueryRowContext(ctx, `
		INSERT INTO proposals (id, file_id, proposer_id, proposer_email, content, original_content, status, changes)
		VALUES ($1, $2, $3, $4, $5, $6, 'pending', $7::jsonb)
		ON CONFLICT (file_id, proposer_id) WHERE status = 'pending'
		DO UPDATE SET
			content=EXCLUDED.content,
			original_content=EXCLUDED.original_content,
			changes=EXCLUDED.changes,
			proposer_email=COALESCE(NULLIF(EXCLUDED.proposer_email, ''), proposals.proposer_email),
			updated_at=NOW()
		RETURNING id, (xmax = 0)
	`, proposal.ID, proposal.FileID, proposal.ProposerID, proposal.ProposerEmail, proposal.Content, proposal.OriginalContent, string(encodedChanges)).Scan(&id, &inserted)
	if err != nil {
		return "", false, fmt.Errorf("upsert proposal: %w", err)
	}
	return id, inserted, nil
}

const proposalColumns = `id, file_id, proposer_id, proposer_email, content, original_content, status, changes, reviewed_by, reviewed_at, response_message, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProposal(row rowScanner) (Proposal, error) {
	var (
		item       Proposal
		changesRaw []byte
		reviewedAt sql.NullTime
	)
	if err := row.Scan(
		&item.ID,
		&item.FileID,
		&item.ProposerID,
		&item.ProposerEmail,
		&item.Content,
		&item.OriginalContent,
		&item.Status,
		&changesRaw,
		&item.ReviewedBy,
		&reviewedAt,
		&item.ResponseMessage,
		&item.CreatedAt,
		&item.UpdatedAt,
	); err != nil {
		return Proposal{}, err
	}
	if len(changesRaw) > 0 {
		_ = json.Unmarshal(changesRaw, &item.Changes)
	}
	item.Changes = item.Changes.Normalize()
	item.ReviewedAt = nullTimePtr(reviewedAt)
	return item, nil
}

func (s *PostgresStore) GetProposal(ctx context.Context, proposalID string) (Proposal, error) {
	return scanProposal(s.db.QueryRowContext(ctx, `SELECT `+proposalColumns+` FROM proposals WHERE id=$1`, proposalID))
}

func (s *PostgresStore) ListPendingProposals(ctx context.Context, fileID string) ([]Proposal, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+proposalColumns+`
		FROM proposals
		WHERE file_id=$1 AND status='pending'
		ORDER BY created_at ASC, id ASC
	`, fileID)
	if err != nil {
		return nil, fmt.Errorf("list pending proposals: %w", err)
	}
	defer rows.Close()

	items := make([]Proposal, 0)
	for rows.Next() {
		item, err := scanProposal(rows)
		if err != nil {
			return nil, fmt.Errorf("scan proposal: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate proposals: %w", err)
	}
	return items, nil
}

// ApproveProposal moves a pending proposal to approved and writes its
// content to the file in one transaction. A proposal that is no longer
// pending is returned unchanged with Applied=false.
func (s *PostgresStore) ApproveProposal(ctx context.Context, proposalID, reviewedBy string) (ReviewResult, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ReviewResult{}, fmt.Errorf("begin approve tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	proposal, err := scanProposal(tx.QueryRowContext(ctx, `SELECT `+proposalColumns+` FROM proposals WHERE id=$1 FOR UPDATE`, proposalID))
	if err != nil {
		return ReviewResult{}, err
	}
	if proposal.Status != ProposalPending {
		return ReviewResult{Proposal: proposal}, nil
	}

	var previous string
	if err := tx.QueryRowContext(ctx, `SELECT content FROM files WHERE id=$1 FOR UPDATE`, proposal.FileID).Scan(&previous); err != nil {
		return ReviewResult{}, err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE files SET content=$2, updated_at=NOW() WHERE id=$1`, proposal.FileID, proposal.Content); err != nil {
		return ReviewResult{}, fmt.Errorf("write approved content: %w", err)
	}

	var reviewedAt time.Time
	if err := tx.QueryRowContext(ctx, `
		UPDATE proposals
		SET status='approved', reviewed_by=$2, reviewed_at=NOW(), updated_at=NOW()
		WHERE id=$1
		RETURNING reviewed_at
	`, proposalID, reviewedBy).Scan(&reviewedAt); err != nil {
		return ReviewResult{}, fmt.Errorf("mark proposal approved: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return ReviewResult{}, fmt.Errorf("commit approve tx: %w", err)
	}

	proposal.Status = ProposalApproved
	proposal.ReviewedBy = reviewedBy
	proposal.ReviewedAt = &reviewedAt
	return ReviewResult{Proposal: proposal, PreviousContent: previous, Applied: true}, nil
}

// RejectProposal moves a pending proposal to rejected. The file is not
// touched; restoring content is the caller's job.
func (s *PostgresStore) RejectProposal(ctx context.Context, proposalID, reviewedBy, message string) (ReviewResult, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ReviewResult{}, fmt.Errorf("begin reject tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	proposal, err := scanProposal(tx.QueryRowContext(ctx, `SELECT `+proposalColumns+` FROM proposals WHERE id=$1 FOR UPDATE`, proposalID))
	if err != nil {
		return ReviewResult{}, err
	}
	if proposal.Status != ProposalPending {
		return ReviewResult{Proposal: proposal}, nil
	}

	var reviewedAt time.Time
	if err := tx.QueryRowContext(ctx, `
		UPDATE proposals
		SET status='rejected', reviewed_by=$2, response_message=$3, reviewed_at=NOW(), updated_at=NOW()
		WHERE id=$1
		RETURNING reviewed_at
	`, proposalID, reviewedBy, message).Scan(&reviewedAt); err != nil {
		return ReviewResult{}, fmt.Errorf("mark proposal rejected: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return ReviewResult{}, fmt.Errorf("commit reject tx: %w", err)
	}

	proposal.Status = ProposalRejected
	proposal.ReviewedBy = reviewedBy
	proposal.ResponseMessage = message
	proposal.ReviewedAt = &reviewedAt
	return ReviewResult{Proposal: proposal, Applied: true}, nil
}

func (s *PostgresStore) InsertVersion(ctx context.Context, version Version) error {
	summary := version.DiffSummary.Normalize()
	encodedSummary, err := json.Marshal(summary)
	if err != nil {
		return fmt.Errorf("marshal diff summary: %w", err)
	}
	encodedStats, err := json.Marshal(version.Stats)
	if err != nil {
		return fmt.Errorf("marshal version stats: %w", err)
	}
	createdAt := version.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO file_versions (id, project_id, file_id, collaborator_id, proposal_id, stats, diff_summary, original_hash, final_hash, status, commit_hash, search_text, created_at)
		VALUES ($1, $2, $3, $4, $5, $6::jsonb, $7::jsonb, $8, $9, $10, $11, $12, $13)
	`, version.ID, version.ProjectID, version.FileID, version.CollaboratorID, version.ProposalID,
		string(encodedStats), string(encodedSummary), version.OriginalHash, version.FinalHash,
		version.Status, version.CommitHash, SearchText(summary), createdAt)
	if err != nil {
		return fmt.Errorf("insert version: %w", err)
	}
	return nil
}

const versionColumns = `id, project_id, file_id, collaborator_id, proposal_id, stats, diff_summary, original_hash, final_hash, status, commit_hash, created_at`

func scanVersion(row rowScanner) (Version, error) {
	var (
		item       Version
		statsRaw   []byte
		summaryRaw []byte
	)
	if err := row.Scan(
		&item.ID,
		&item.ProjectID,
		&item.FileID,
		&item.CollaboratorID,
		&item.ProposalID,
		&statsRaw,
		&summaryRaw,
		&item.OriginalHash,
		&item.FinalHash,
		&item.Status,
		&item.CommitHash,
		&item.CreatedAt,
	); err != nil {
		return Version{}, err
	}
	_ = json.Unmarshal(statsRaw, &item.Stats)
	_ = json.Unmarshal(summaryRaw, &item.DiffSummary)
	item.DiffSummary = item.DiffSummary.Normalize()
	return item, nil
}

func (s *PostgresStore) ListVersions(ctx context.Context, projectID string) ([]Version, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+versionColumns+`
		FROM file_versions
		WHERE project_id=$1
		ORDER BY created_at DESC, id DESC
	`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list versions: %w", err)
	}
	defer rows.Close()

	items := make([]Version, 0)
	for rows.Next() {
		item, err := scanVersion(rows)
		if err != nil {
			return nil, fmt.Errorf("scan version: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate versions: %w", err)
	}
	return items, nil
}

// SearchVersions is the full-text fallback used when Meilisearch is
// unavailable.
func (s *PostgresStore) SearchVersions(ctx context.Context, projectID, query string, limit int) ([]Version, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+versionColumns+`
		FROM file_versions
		WHERE project_id=$1 AND search_fts @@ websearch_to_tsquery('simple', $2)
		ORDER BY ts_rank(search_fts, websearch_to_tsquery('simple', $2)) DESC, created_at DESC
		LIMIT $3
	`, projectID, query, limit)
	if err != nil {
		return nil, fmt.Errorf("search versions: %w", err)
	}
	defer rows.Close()

	items := make([]Version, 0)
	for rows.Next() {
		item, err := scanVersion(rows)
		if err != nil {
			return nil, fmt.Errorf("scan searched version: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate searched versions: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) InsertNotification(ctx context.Context, notification Notification) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO notifications (id, user_id, type, proposal_id, file_id, message)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, notification.ID, notification.UserID, notification.Type, notification.ProposalID, notification.FileID, notification.Message)
	if err != nil {
		return fmt.Errorf("insert notification: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListNotifications(ctx context.Context, userID string, limit int) ([]Notification, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, type, proposal_id, file_id, message, read, created_at
		FROM notifications
		WHERE user_id=$1
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}
	defer rows.Close()

	items := make([]Notification, 0)
	for rows.Next() {
		var item Notification
		if err := rows.Scan(&item.ID, &item.UserID, &item.Type, &item.ProposalID, &item.FileID, &item.Message, &item.Read, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate notifications: %w", err)
	}
	return items, nil
}

// MarkNotificationsRead marks the given ids read, or every unread
// notification of the user when ids is empty.
func (s *PostgresStore) MarkNotificationsRead(ctx context.Context, userID string, ids []string) (int64, error) {
	var (
		result sql.Result
		err    error
	)
	if len(ids) == 0 {
		result, err = s.db.ExecContext(ctx, `UPDATE notifications SET read=TRUE WHERE user_id=$1 AND read=FALSE`, userID)
	} else {
		result, err = s.db.ExecContext(ctx, `UPDATE notifications SET read=TRUE WHERE user_id=$1 AND id = ANY($2)`, userID, ids)
	}
	if err != nil {
		return 0, fmt.Errorf("mark notifications read: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("mark notifications read rows: %w", err)
	}
	return affected, nil
}

// Ping verifies the database connection is alive
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// SearchText flattens a diff summary into the text indexed for version
// search.
func SearchText(changes diff.Changes) string {
	var b strings.Builder
	for _, line := range changes.AddedLines {
		b.WriteString(line.Line)
		b.WriteByte('\n')
	}
	for _, line := range changes.RemovedLines {
		b.WriteString(line.Line)
		b.WriteByte('\n')
	}
	return strings.TrimSpace(b.String())
}

func nullTimePtr(value sql.NullTime) *time.Time {
	if !value.Valid {
		return nil
	}
	t := value.Time
	return &t
}
