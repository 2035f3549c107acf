package app

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"coedit/api/internal/archive"
	"coedit/api/internal/diff"
	"coedit/api/internal/email"
	"coedit/api/internal/metrics"
	"coedit/api/internal/revert"
	"coedit/api/internal/session"
	"coedit/api/internal/store"
	"coedit/api/internal/util"
)

type SubmitProposalInput struct {
	FileID          string  `json:"fileId" validate:"required"`
	ProposerID      string  `json:"proposerId"`
	ProposerEmail   string  `json:"proposerEmail"`
	Content         *string `json:"content" validate:"required"`
	OriginalContent string  `json:"originalContent"`
}

type SubmitProposalResult struct {
	ID      string       `json:"id"`
	Created bool         `json:"created"`
	Changes diff.Changes `json:"changes"`
}

type RejectResult struct {
	Proposal        store.Proposal `json:"proposal"`
	RestoredContent string         `json:"restoredContent"`
	Misses          []revert.Miss  `json:"misses"`
}

// SubmitProposal creates the proposer's pending proposal for the file or
// overwrites the one already pending.
func (s *Service) SubmitProposal(ctx context.Context, input SubmitProposalInput) (SubmitProposalResult, error) {
	fileID := strings.TrimSpace(input.FileID)
	if fileID == "" {
		return SubmitProposalResult{}, validationError("fileId is required")
	}
	if input.Content == nil {
		return SubmitProposalResult{}, validationError("content is required")
	}
	content := *input.Content
	file, err := s.store.GetFile(ctx, fileID)
	if err != nil {
		return SubmitProposalResult{}, err
	}

	proposerID := firstNonBlank(input.ProposerID, input.ProposerEmail, "unknown")
	changes := diff.ComputeLineChanges(input.OriginalContent, content).Normalize()

	id, created, err := s.store.UpsertPendingProposal(ctx, store.Proposal{
		ID:              util.NewID(util.PrefixProposal),
		FileID:          fileID,
		ProposerID:      proposerID,
		ProposerEmail:   strings.TrimSpace(input.ProposerEmail),
		Content:         content,
		OriginalContent: input.OriginalContent,
		Status:          store.ProposalPending,
		Changes:         changes,
	})
	if err != nil {
		return SubmitProposalResult{}, err
	}

	outcome := "updated"
	if created {
		outcome = "created"
	}
	metrics.ProposalsSubmitted.WithLabelValues(outcome).Inc()
	s.logger.Info("proposal submitted",
		zap.String("proposal_id", id),
		zap.String("file_id", fileID),
		zap.String("proposer_id", proposerID),
		zap.String("outcome", outcome),
	)

	if created {
		s.notifySubmitted(ctx, file, id, proposerID, changes.Stats())
	}
	return SubmitProposalResult{ID: id, Created: created, Changes: changes}, nil
}

// SubmitSessionProposal lets a session controller hand its final text to
// the proposal manager.
func (s *Service) SubmitSessionProposal(ctx context.Context, submission session.Submission) (string, error) {
	result, err := s.SubmitProposal(ctx, SubmitProposalInput{
		FileID:          submission.FileID,
		ProposerID:      submission.ProposerID,
		ProposerEmail:   submission.ProposerEmail,
		Content:         &submission.Content,
		OriginalContent: submission.OriginalContent,
	})
	if err != nil {
		return "", err
	}
	return result.ID, nil
}

// ListProposals returns the pending proposals for a file, oldest first,
// with repeated ids and repeated (original, content) pairs dropped.
func (s *Service) ListProposals(ctx context.Context, fileID string) ([]store.Proposal, error) {
	fileID = strings.TrimSpace(fileID)
	if fileID == "" {
		return nil, validationError("fileId is required")
	}
	items, err := s.store.ListPendingProposals(ctx, fileID)
	if err != nil {
		return nil, err
	}
	return dedupeProposals(items), nil
}

func dedupeProposals(items []store.Proposal) []store.Proposal {
	type pair struct{ original, content string }
	seenIDs := make(map[string]struct{}, len(items))
	seenPairs := make(map[pair]struct{}, len(items))
	out := make([]store.Proposal, 0, len(items))
	for _, item := range items {
		if _, ok := seenIDs[item.ID]; ok {
			continue
		}
		key := pair{original: item.OriginalContent, content: item.Content}
		if _, ok := seenPairs[key]; ok {
			continue
		}
		seenIDs[item.ID] = struct{}{}
		seenPairs[key] = struct{}{}
		out = append(out, item)
	}
	return out
}

func (s *Service) ProposalStatus(ctx context.Context, proposalID string) (store.Proposal, error) {
	proposalID = strings.TrimSpace(proposalID)
	if proposalID == "" {
		return store.Proposal{}, validationError("proposalId is required")
	}
	return s.store.GetProposal(ctx, proposalID)
}

// ApproveProposal writes the proposal's content to its file and records a
// version. Approving an approved proposal is a no-op; approving a rejected
// one is a conflict.
func (s *Service) ApproveProposal(ctx context.Context, proposalID, reviewer string) (store.Proposal, error) {
	proposalID = strings.TrimSpace(proposalID)
	if proposalID == "" {
		return store.Proposal{}, validationError("proposalId is required")
	}
	reviewer = firstNonBlank(reviewer, "admin")

	proposal, err := s.store.GetProposal(ctx, proposalID)
	if err != nil {
		return store.Proposal{}, err
	}
	unlock := s.lockFile(proposal.FileID)
	defer unlock()

	result, err := s.store.ApproveProposal(ctx, proposalID, reviewer)
	if err != nil {
		return store.Proposal{}, fmt.Errorf("approve proposal: %w", err)
	}
	if !result.Applied {
		if result.Proposal.Status == store.ProposalApproved {
			return result.Proposal, nil
		}
		return store.Proposal{}, transitionConflict(result.Proposal, store.ProposalApproved)
	}
	proposal = result.Proposal
	metrics.ProposalsReviewed.WithLabelValues(store.ProposalApproved).Inc()
	s.logger.Info("proposal approved",
		zap.String("proposal_id", proposal.ID),
		zap.String("file_id", proposal.FileID),
		zap.String("reviewer", reviewer),
	)

	s.archiveSnapshot(proposal.FileID, archive.ReasonApprove, result.PreviousContent)

	file, err := s.store.GetFile(ctx, proposal.FileID)
	if err != nil {
		s.logger.Error("load file after approve failed", zap.String("file_id", proposal.FileID), zap.Error(err))
	} else {
		if _, err := s.RecordVersion(ctx, RecordVersionInput{
			ProjectID:       file.ProjectID,
			FileID:          proposal.FileID,
			CollaboratorID:  proposal.ProposerID,
			ProposalID:      proposal.ID,
			OriginalContent: proposal.OriginalContent,
			FinalContent:    proposal.Content,
			Changes:         &proposal.Changes,
			Author:          reviewer,
		}); err != nil {
			s.logger.Error("record version after approve failed", zap.String("proposal_id", proposal.ID), zap.Error(err))
		}
	}

	s.notifyProposer(ctx, file, proposal)
	s.pushReplica(ctx, proposal.FileID, proposal.Content)
	s.publishFileReplaced(proposal.FileID, proposal.Content)
	return proposal, nil
}

// RejectProposal marks the proposal rejected and then removes the
// proposer's edits from the current file content. Blocks the revert cannot
// place are reported back, never failed on. Rejecting an already rejected
// proposal repeats the revert, so a retry after a failed write completes it.
func (s *Service) RejectProposal(ctx context.Context, proposalID, reviewer, message string) (RejectResult, error) {
	proposalID = strings.TrimSpace(proposalID)
	if proposalID == "" {
		return RejectResult{}, validationError("proposalId is required")
	}
	reviewer = firstNonBlank(reviewer, "admin")

	proposal, err := s.store.GetProposal(ctx, proposalID)
	if err != nil {
		return RejectResult{}, err
	}
	unlock := s.lockFile(proposal.FileID)
	defer unlock()

	result, err := s.store.RejectProposal(ctx, proposalID, reviewer, message)
	if err != nil {
		return RejectResult{}, fmt.Errorf("reject proposal: %w", err)
	}
	proposal = result.Proposal
	if !result.Applied {
		if proposal.Status != store.ProposalRejected {
			return RejectResult{}, transitionConflict(proposal, store.ProposalRejected)
		}
		file, err := s.store.GetFile(ctx, proposal.FileID)
		if err != nil {
			return RejectResult{}, err
		}
		report, err := s.restoreAfterReject(ctx, file, proposal, reviewer)
		if err != nil {
			return RejectResult{}, err
		}
		return RejectResult{Proposal: proposal, RestoredContent: report.Content, Misses: report.Misses}, nil
	}
	metrics.ProposalsReviewed.WithLabelValues(store.ProposalRejected).Inc()

	file, err := s.store.GetFile(ctx, proposal.FileID)
	if err != nil {
		return RejectResult{}, err
	}
	s.notifyProposer(ctx, file, proposal)

	report, err := s.restoreAfterReject(ctx, file, proposal, reviewer)
	if err != nil {
		return RejectResult{}, err
	}
	for _, miss := range report.Misses {
		metrics.RevertMisses.WithLabelValues(miss.Kind).Inc()
		s.logger.Warn("revert could not place block",
			zap.String("proposal_id", proposal.ID),
			zap.String("file_id", proposal.FileID),
			zap.String("kind", miss.Kind),
			zap.Strings("lines", miss.Lines),
			zap.String("reason", miss.Reason),
		)
	}

	s.logger.Info("proposal rejected",
		zap.String("proposal_id", proposal.ID),
		zap.String("file_id", proposal.FileID),
		zap.String("reviewer", reviewer),
		zap.Bool("fast_path", report.FastPath),
		zap.Int("misses", len(report.Misses)),
	)
	return RejectResult{Proposal: proposal, RestoredContent: report.Content, Misses: report.Misses}, nil
}

// restoreAfterReject reverts a rejected proposal's edits against the current
// file and writes the result when it differs. The caller holds the file lock.
func (s *Service) restoreAfterReject(ctx context.Context, file store.File, proposal store.Proposal, reviewer string) (revert.Report, error) {
	report := revert.Apply(file.Content, proposal.OriginalContent, proposal.Content)
	if report.Content == file.Content {
		return report, nil
	}

	s.archiveSnapshot(proposal.FileID, archive.ReasonRevert, file.Content)
	if err := s.store.UpdateFileContent(ctx, proposal.FileID, report.Content); err != nil {
		return revert.Report{}, persistenceError("Failed to persist restored content", err, map[string]any{
			"proposalId": proposal.ID,
		})
	}
	s.commitToGit(proposal.FileID, report.Content, reviewer, "Revert proposal "+proposal.ID)
	s.pushReplica(ctx, proposal.FileID, report.Content)
	s.publishFileReplaced(proposal.FileID, report.Content)
	return report, nil
}

// notifySubmitted writes the proposer's own feed entry, then one per project
// admin, and emails the admins that are addresses.
func (s *Service) notifySubmitted(ctx context.Context, file store.File, proposalID, proposerID string, stats diff.Stats) {
	if err := s.store.InsertNotification(ctx, store.Notification{
		ID:         util.NewID(util.PrefixNotification),
		UserID:     proposerID,
		Type:       store.NotificationProposalSubmitted,
		ProposalID: proposalID,
		FileID:     file.ID,
		Message:    fmt.Sprintf("Your change to %s was submitted for review", displayName(file)),
	}); err != nil {
		s.logger.Warn("insert notification failed", zap.String("user_id", proposerID), zap.Error(err))
	}

	admins, err := s.store.ListAdmins(ctx, file.ProjectID)
	if err != nil {
		s.logger.Warn("list admins failed", zap.String("project_id", file.ProjectID), zap.Error(err))
		return
	}
	message := fmt.Sprintf("%s proposed a change to %s", proposerID, displayName(file))
	recipients := make([]string, 0, len(admins))
	for _, admin := range admins {
		if err := s.store.InsertNotification(ctx, store.Notification{
			ID:         util.NewID(util.PrefixNotification),
			UserID:     admin,
			Type:       store.NotificationProposalSubmitted,
			ProposalID: proposalID,
			FileID:     file.ID,
			Message:    message,
		}); err != nil {
			s.logger.Warn("insert notification failed", zap.String("user_id", admin), zap.Error(err))
		}
		if strings.Contains(admin, "@") {
			recipients = append(recipients, admin)
		}
	}

	if s.mail == nil || len(recipients) == 0 {
		return
	}
	data := email.SubmittedData{
		FileName:   displayName(file),
		ProposalID: proposalID,
		Proposer:   proposerID,
		Added:      stats.Added,
		Removed:    stats.Removed,
	}
	s.background("send submitted notice", func(context.Context) error {
		return s.mail.SendSubmittedNotice(recipients, data)
	})
}

// notifyProposer records a feed entry, pushes a status message to any live
// socket and emails the proposer when an address is known.
func (s *Service) notifyProposer(ctx context.Context, file store.File, proposal store.Proposal) {
	kind := store.NotificationProposalApproved
	message := fmt.Sprintf("Your change to %s was approved", displayName(file))
	if proposal.Status == store.ProposalRejected {
		kind = store.NotificationProposalRejected
		message = fmt.Sprintf("Your change to %s was rejected", displayName(file))
		if proposal.ResponseMessage != "" {
			message += ": " + proposal.ResponseMessage
		}
	}

	if err := s.store.InsertNotification(ctx, store.Notification{
		ID:         util.NewID(util.PrefixNotification),
		UserID:     proposal.ProposerID,
		Type:       kind,
		ProposalID: proposal.ID,
		FileID:     proposal.FileID,
		Message:    message,
	}); err != nil {
		s.logger.Warn("insert notification failed", zap.String("user_id", proposal.ProposerID), zap.Error(err))
	}

	if s.publisher != nil {
		s.publisher.PublishProposalStatus(proposal.ProposerID, proposal.ID, proposal.Status, proposal.ResponseMessage)
	}

	to := firstNonBlank(proposal.ProposerEmail)
	if to == "" && strings.Contains(proposal.ProposerID, "@") {
		to = proposal.ProposerID
	}
	if s.mail == nil || to == "" {
		return
	}
	data := email.ReviewData{
		FileName:   displayName(file),
		ProposalID: proposal.ID,
		Status:     proposal.Status,
		Reviewer:   proposal.ReviewedBy,
		Message:    proposal.ResponseMessage,
	}
	s.background("send review notice", func(context.Context) error {
		return s.mail.SendReviewNotice(to, data)
	})
}

func displayName(file store.File) string {
	if file.FileName == "" {
		return firstNonBlank(file.ID, "file")
	}
	if file.FileExtension == "" {
		return file.FileName
	}
	return file.FileName + "." + file.FileExtension
}
