package app

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"coedit/api/internal/diff"
	"coedit/api/internal/search"
	"coedit/api/internal/store"
	"coedit/api/internal/util"
)

type RecordVersionInput struct {
	ProjectID       string        `json:"projectId" validate:"required"`
	FileID          string        `json:"fileId" validate:"required"`
	CollaboratorID  string        `json:"collaboratorId" validate:"required"`
	ProposalID      string        `json:"proposalId"`
	OriginalContent string        `json:"originalContent"`
	FinalContent    string        `json:"finalContent"`
	Changes         *diff.Changes `json:"changes"`
	// Author signs the git mirror commit; defaults to the collaborator.
	Author string `json:"-"`
}

const versionLookupConcurrency = 8

func hashContent(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

// RecordVersion appends an approved change to the version ledger. When no
// changes are supplied they are computed from the two snapshots.
func (s *Service) RecordVersion(ctx context.Context, input RecordVersionInput) (store.Version, error) {
	projectID := strings.TrimSpace(input.ProjectID)
	fileID := strings.TrimSpace(input.FileID)
	collaboratorID := strings.TrimSpace(input.CollaboratorID)
	switch {
	case projectID == "":
		return store.Version{}, validationError("projectId is required")
	case fileID == "":
		return store.Version{}, validationError("fileId is required")
	case collaboratorID == "":
		return store.Version{}, validationError("collaboratorId is required")
	}

	var changes diff.Changes
	if input.Changes != nil {
		changes = input.Changes.Normalize()
	} else {
		changes = diff.ComputeLineChanges(input.OriginalContent, input.FinalContent).Normalize()
	}

	message := "Record version"
	if input.ProposalID != "" {
		message = "Approve proposal " + input.ProposalID
	}
	version := store.Version{
		ID:             util.NewID(util.PrefixVersion),
		ProjectID:      projectID,
		FileID:         fileID,
		CollaboratorID: collaboratorID,
		ProposalID:     input.ProposalID,
		Stats:          changes.Stats(),
		DiffSummary:    changes,
		OriginalHash:   hashContent(input.OriginalContent),
		FinalHash:      hashContent(input.FinalContent),
		Status:         store.ProposalApproved,
		CommitHash:     s.commitToGit(fileID, input.FinalContent, firstNonBlank(input.Author, collaboratorID), message),
		CreatedAt:      s.now().UTC(),
	}
	if err := s.store.InsertVersion(ctx, version); err != nil {
		return store.Version{}, err
	}

	if s.search != nil {
		s.search.IndexVersion(search.VersionRecord{
			ID:             version.ID,
			ProjectID:      version.ProjectID,
			FileID:         version.FileID,
			CollaboratorID: version.CollaboratorID,
			ProposalID:     version.ProposalID,
			Text:           store.SearchText(changes),
			Added:          version.Stats.Added,
			Removed:        version.Stats.Removed,
			CreatedAt:      version.CreatedAt.Unix(),
		})
	}
	return version, nil
}

// ListVersions returns the project's versions newest first, each labelled
// with its file's name and extension.
func (s *Service) ListVersions(ctx context.Context, projectID string) ([]store.Version, error) {
	projectID = strings.TrimSpace(projectID)
	if projectID == "" {
		return nil, validationError("projectId is required")
	}
	versions, err := s.store.ListVersions(ctx, projectID)
	if err != nil {
		return nil, err
	}

	fileIDs := make([]string, 0)
	seen := make(map[string]struct{})
	for _, version := range versions {
		if _, ok := seen[version.FileID]; ok {
			continue
		}
		seen[version.FileID] = struct{}{}
		fileIDs = append(fileIDs, version.FileID)
	}

	files := make([]store.File, len(fileIDs))
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(versionLookupConcurrency)
	for i, fileID := range fileIDs {
		i, fileID := i, fileID
		group.Go(func() error {
			file, err := s.store.GetFile(groupCtx, fileID)
			if err != nil {
				// A deleted file leaves its versions unlabelled.
				s.logger.Debug("version file lookup failed", zap.String("file_id", fileID), zap.Error(err))
				return nil
			}
			files[i] = file
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}

	byID := make(map[string]store.File, len(files))
	for _, file := range files {
		if file.ID != "" {
			byID[file.ID] = file
		}
	}
	for i := range versions {
		if file, ok := byID[versions[i].FileID]; ok {
			versions[i].FileName = file.FileName
			versions[i].FileExtension = file.FileExtension
		}
	}
	return versions, nil
}

// SearchVersions looks up versions by the text of their added and removed
// lines.
func (s *Service) SearchVersions(ctx context.Context, projectID, query string, limit int) (search.Response, error) {
	projectID = strings.TrimSpace(projectID)
	query = strings.TrimSpace(query)
	if projectID == "" {
		return search.Response{}, validationError("projectId is required")
	}
	if query == "" {
		return search.Response{}, validationError("q is required")
	}
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	if s.search != nil {
		return s.search.Search(ctx, search.Query{ProjectID: projectID, Text: query, Limit: limit}), nil
	}

	versions, err := s.store.SearchVersions(ctx, projectID, query, limit)
	if err != nil {
		return search.Response{}, err
	}
	results := make([]search.Result, 0, len(versions))
	for _, version := range versions {
		results = append(results, search.Result{
			VersionID:      version.ID,
			ProjectID:      version.ProjectID,
			FileID:         version.FileID,
			CollaboratorID: version.CollaboratorID,
			ProposalID:     version.ProposalID,
			Snippet:        store.SearchText(version.DiffSummary),
			CreatedAt:      version.CreatedAt.Unix(),
		})
	}
	return search.Response{Results: results, Total: len(results), Query: query, Engine: search.EnginePgFTS}, nil
}
