// Package gitrepo mirrors every reviewed write of a file into a per-file
// git repository so its content history can be browsed.
package gitrepo

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"

	"coedit/api/internal/diff"
	"coedit/api/internal/store"
)

const (
	contentFile = "content.txt"
	mainBranch  = "main"
)

var ErrNoHistory = errors.New("gitrepo: file has no history")

type Service struct {
	baseDir string
	lockMu  sync.Mutex
	locks   map[string]*sync.Mutex
}

func New(baseDir string) *Service {
	return &Service{
		baseDir: baseDir,
		locks:   make(map[string]*sync.Mutex),
	}
}

// CommitContent records content as the new head of the file's history. The
// repository is created on first use. Committing content identical to the
// head is a no-op that returns the head commit.
func (s *Service) CommitContent(fileID, content, author, message string) (store.CommitInfo, error) {
	lock := s.fileLock(fileID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.openOrInit(fileID)
	if err != nil {
		return store.CommitInfo{}, err
	}

	if head, err := headCommit(repo); err == nil {
		current, err := readContentFromCommit(head)
		if err != nil {
			return store.CommitInfo{}, err
		}
		if current == content {
			return toCommitInfo(head), nil
		}
	} else if !errors.Is(err, ErrNoHistory) {
		return store.CommitInfo{}, err
	}

	hash, err := commit(repo, content, author, message)
	if err != nil {
		return store.CommitInfo{}, err
	}
	commitObj, err := repo.CommitObject(hash)
	if err != nil {
		return store.CommitInfo{}, fmt.Errorf("read commit object: %w", err)
	}
	return toCommitInfo(commitObj), nil
}

func (s *Service) Head(fileID string) (string, store.CommitInfo, error) {
	lock := s.fileLock(fileID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.open(fileID)
	if err != nil {
		return "", store.CommitInfo{}, err
	}
	commitObj, err := headCommit(repo)
	if err != nil {
		return "", store.CommitInfo{}, err
	}
	content, err := readContentFromCommit(commitObj)
	if err != nil {
		return "", store.CommitInfo{}, err
	}
	return content, toCommitInfo(commitObj), nil
}

func (s *Service) GetContentByHash(fileID, hash string) (string, error) {
	lock := s.fileLock(fileID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.open(fileID)
	if err != nil {
		return "", err
	}
	resolvedHash, err := resolveHash(repo, hash)
	if err != nil {
		return "", err
	}
	commitObj, err := repo.CommitObject(resolvedHash)
	if err != nil {
		return "", fmt.Errorf("read commit %s: %w", hash, err)
	}
	return readContentFromCommit(commitObj)
}

// History lists commits newest first with per-commit line counts. A file
// that was never committed has an empty history.
func (s *Service) History(fileID string, limit int) ([]store.CommitInfo, error) {
	lock := s.fileLock(fileID)
	lock.Lock()
	defer lock.Unlock()

	items := make([]store.CommitInfo, 0)
	repo, err := s.open(fileID)
	if errors.Is(err, ErrNoHistory) {
		return items, nil
	}
	if err != nil {
		return nil, err
	}

	head, err := headCommit(repo)
	if errors.Is(err, ErrNoHistory) {
		return items, nil
	}
	if err != nil {
		return nil, err
	}

	iter, err := repo.Log(&git.LogOptions{From: head.Hash})
	if err != nil {
		return nil, fmt.Errorf("read log: %w", err)
	}
	defer iter.Close()

	err = iter.ForEach(func(commitObj *object.Commit) error {
		info := toCommitInfo(commitObj)
		stats, err := commitStats(commitObj)
		if err != nil {
			return err
		}
		info.Added = stats.Added
		info.Removed = stats.Removed
		items = append(items, info)
		if limit > 0 && len(items) >= limit {
			return io.EOF
		}
		return nil
	})
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("iterate log: %w", err)
	}
	return items, nil
}

func (s *Service) repoPath(fileID string) string {
	return filepath.Join(s.baseDir, fileID)
}

func (s *Service) fileLock(fileID string) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	lock, ok := s.locks[fileID]
	if ok {
		return lock
	}
	lock = &sync.Mutex{}
	s.locks[fileID] = lock
	return lock
}

func (s *Service) open(fileID string) (*git.Repository, error) {
	repo, err := git.PlainOpen(s.repoPath(fileID))
	if errors.Is(err, git.ErrRepositoryNotExists) {
		return nil, ErrNoHistory
	}
	if err != nil {
		return nil, fmt.Errorf("open repo: %w", err)
	}
	return repo, nil
}

func (s *Service) openOrInit(fileID string) (*git.Repository, error) {
	repo, err := s.open(fileID)
	if err == nil {
		return repo, nil
	}
	if !errors.Is(err, ErrNoHistory) {
		return nil, err
	}

	path := s.repoPath(fileID)
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("create repo dir: %w", err)
	}
	repo, err = git.PlainInit(path, false)
	if err != nil {
		return nil, fmt.Errorf("init repo: %w", err)
	}
	if err := repo.Storer.SetReference(plumbing.NewSymbolicReference(plumbing.HEAD, plumbing.NewBranchReferenceName(mainBranch))); err != nil {
		return nil, fmt.Errorf("set HEAD to main: %w", err)
	}
	return repo, nil
}

func headCommit(repo *git.Repository) (*object.Commit, error) {
	ref, err := repo.Reference(plumbing.NewBranchReferenceName(mainBranch), true)
	if errors.Is(err, plumbing.ErrReferenceNotFound) {
		return nil, ErrNoHistory
	}
	if err != nil {
		return nil, fmt.Errorf("resolve branch %s: %w", mainBranch, err)
	}
	commitObj, err := repo.CommitObject(ref.Hash())
	if err != nil {
		return nil, fmt.Errorf("load commit object: %w", err)
	}
	return commitObj, nil
}

func commit(repo *git.Repository, content, author, message string) (plumbing.Hash, error) {
	worktree, err := repo.Worktree()
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("open worktree: %w", err)
	}

	repoRoot := worktree.Filesystem.Root()
	if err := os.WriteFile(filepath.Join(repoRoot, contentFile), []byte(content), 0o644); err != nil {
		return plumbing.ZeroHash, fmt.Errorf("write %s: %w", contentFile, err)
	}
	if _, err := worktree.Add(contentFile); err != nil {
		return plumbing.ZeroHash, fmt.Errorf("git add content: %w", err)
	}

	hash, err := worktree.Commit(message, &git.CommitOptions{
		AllowEmptyCommits: true,
		Author: &object.Signature{
			Name:  author,
			Email: fmt.Sprintf("%s@coedit.local", sanitizeEmail(author)),
			When:  time.Now(),
		},
	})
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("commit content: %w", err)
	}
	return hash, nil
}

func readContentFromCommit(commitObj *object.Commit) (string, error) {
	file, err := commitObj.File(contentFile)
	if err != nil {
		return "", fmt.Errorf("load %s from commit: %w", contentFile, err)
	}
	content, err := file.Contents()
	if err != nil {
		return "", fmt.Errorf("read content bytes: %w", err)
	}
	return content, nil
}

func commitStats(commitObj *object.Commit) (diff.Stats, error) {
	after, err := readContentFromCommit(commitObj)
	if err != nil {
		return diff.Stats{}, err
	}
	before := ""
	if commitObj.NumParents() > 0 {
		parent, err := commitObj.Parent(0)
		if err != nil {
			return diff.Stats{}, fmt.Errorf("load parent commit: %w", err)
		}
		before, err = readContentFromCommit(parent)
		if err != nil {
			return diff.Stats{}, err
		}
	}
	return diff.ComputeLineChanges(before, after).Stats(), nil
}

func toCommitInfo(commitObj *object.Commit) store.CommitInfo {
	return store.CommitInfo{
		Hash:      commitObj.Hash.String()[:7],
		Message:   commitObj.Message,
		Author:    commitObj.Author.Name,
		CreatedAt: commitObj.Author.When,
	}
}

func sanitizeEmail(input string) string {
	runes := make([]rune, 0, len(input))
	for _, r := range input {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			runes = append(runes, r)
			continue
		}
		if r == ' ' || r == '-' || r == '_' || r == '.' {
			runes = append(runes, '.')
		}
	}
	if len(runes) == 0 {
		return "user"
	}
	return string(runes)
}

func resolveHash(repo *git.Repository, hash string) (plumbing.Hash, error) {
	if len(hash) == 40 {
		return plumbing.NewHash(hash), nil
	}
	resolved, err := repo.ResolveRevision(plumbing.Revision(hash))
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("resolve hash %s: %w", hash, err)
	}
	return *resolved, nil
}
