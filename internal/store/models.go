package store

import (
	"time"

	"coedit/api/internal/diff"
)

type File struct {
	ID            string    `json:"id"`
	ProjectID     string    `json:"projectId"`
	FileName      string    `json:"fileName"`
	FileExtension string    `json:"fileExtension"`
	Content       string    `json:"content"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// SessionRecord is the single per-file proposal-session record. It is
// overwritten on every start and end.
type SessionRecord struct {
	FileID         string     `json:"fileId"`
	Active         bool       `json:"active"`
	StartedBy      string     `json:"startedBy,omitempty"`
	StartedByEmail string     `json:"startedByEmail,omitempty"`
	StartedAt      *time.Time `json:"startedAt,omitempty"`
	EndedBy        string     `json:"endedBy,omitempty"`
	EndedAt        *time.Time `json:"endedAt,omitempty"`
}

const (
	ProposalPending  = "pending"
	ProposalApproved = "approved"
	ProposalRejected = "rejected"
)

type Proposal struct {
	ID              string       `json:"id"`
	FileID          string       `json:"fileId"`
	ProposerID      string       `json:"proposerId"`
	ProposerEmail   string       `json:"proposerEmail,omitempty"`
	Content         string       `json:"content"`
	OriginalContent string       `json:"originalContent"`
	Status          string       `json:"status"`
	Changes         diff.Changes `json:"changes"`
	ReviewedBy      string       `json:"reviewedBy,omitempty"`
	ReviewedAt      *time.Time   `json:"reviewedAt,omitempty"`
	ResponseMessage string       `json:"responseMessage,omitempty"`
	CreatedAt       time.Time    `json:"createdAt"`
	UpdatedAt       time.Time    `json:"updatedAt"`
}

// ReviewResult is the outcome of a guarded status transition. Applied is
// false when the proposal had already left the pending state; Proposal
// then carries the status it was found in.
type ReviewResult struct {
	Proposal        Proposal
	PreviousContent string
	Applied         bool
}

type Version struct {
	ID             string       `json:"id"`
	ProjectID      string       `json:"projectId"`
	FileID         string       `json:"fileId"`
	CollaboratorID string       `json:"collaboratorId"`
	ProposalID     string       `json:"proposalId,omitempty"`
	Stats          diff.Stats   `json:"stats"`
	DiffSummary    diff.Changes `json:"diffSummary"`
	OriginalHash   string       `json:"originalHash"`
	FinalHash      string       `json:"finalHash"`
	Status         string       `json:"status"`
	CommitHash     string       `json:"commitHash,omitempty"`
	CreatedAt      time.Time    `json:"createdAt"`
	FileName       string       `json:"fileName,omitempty"`
	FileExtension  string       `json:"fileExtension,omitempty"`
}

const (
	NotificationProposalSubmitted = "proposal_submitted"
	NotificationProposalApproved  = "proposal_approved"
	NotificationProposalRejected  = "proposal_rejected"
)

type Notification struct {
	ID         string    `json:"id"`
	UserID     string    `json:"userId"`
	Type       string    `json:"type"`
	ProposalID string    `json:"proposalId,omitempty"`
	FileID     string    `json:"fileId,omitempty"`
	Message    string    `json:"message"`
	Read       bool      `json:"read"`
	CreatedAt  time.Time `json:"createdAt"`
}

type CommitInfo struct {
	Hash      string    `json:"hash"`
	Message   string    `json:"message"`
	Author    string    `json:"author"`
	CreatedAt time.Time `json:"createdAt"`
	Added     int       `json:"added"`
	Removed   int       `json:"removed"`
}
