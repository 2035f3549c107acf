package app

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"coedit/api/internal/archive"
	"coedit/api/internal/config"
	"coedit/api/internal/email"
	"coedit/api/internal/search"
	"coedit/api/internal/session"
	"coedit/api/internal/store"
)

type dataStore interface {
	GetFile(context.Context, string) (store.File, error)
	UpdateFileContent(context.Context, string, string) error
	GetRole(context.Context, string, string) (string, error)
	ListAdmins(context.Context, string) ([]string, error)
	UpsertPendingProposal(context.Context, store.Proposal) (string, bool, error)
	GetProposal(context.Context, string) (store.Proposal, error)
	ListPendingProposals(context.Context, string) ([]store.Proposal, error)
	ApproveProposal(context.Context, string, string) (store.ReviewResult, error)
	RejectProposal(context.Context, string, string, string) (store.ReviewResult, error)
	InsertVersion(context.Context, store.Version) error
	ListVersions(context.Context, string) ([]store.Version, error)
	SearchVersions(context.Context, string, string, int) ([]store.Version, error)
	InsertNotification(context.Context, store.Notification) error
	ListNotifications(context.Context, string, int) ([]store.Notification, error)
	MarkNotificationsRead(context.Context, string, []string) (int64, error)
	Ping(ctx context.Context) error
}

type sessionStore interface {
	StartSession(context.Context, string, string, string, time.Time) error
	EndSession(context.Context, string, string, time.Time) error
	GetSession(context.Context, string) (store.SessionRecord, error)
}

type gitService interface {
	CommitContent(string, string, string, string) (store.CommitInfo, error)
	History(string, int) ([]store.CommitInfo, error)
}

type snapshotArchive interface {
	Put(context.Context, string, string, string) (string, error)
	List(context.Context, string) ([]archive.Snapshot, error)
}

type versionSearch interface {
	Search(context.Context, search.Query) search.Response
	IndexVersion(search.VersionRecord)
}

type mailer interface {
	IsConfigured() bool
	SendReviewNotice(string, email.ReviewData) error
	SendSubmittedNotice([]string, email.SubmittedData) error
}

// Publisher pushes server events to connected awareness sockets.
type Publisher interface {
	PublishProposalStatus(userID, proposalID, status, message string)
	PublishFileReplaced(fileID, content string)
}

// Deps carries the collaborators the service is built from. Any of the
// optional integrations may be nil.
type Deps struct {
	Store    *store.PostgresStore
	Sessions sessionStore
	Git      gitService
	Archive  *archive.Store
	Search   *search.Service
	Email    *email.Service
	Replica  session.Replica
	Logger   *zap.Logger
}

type Service struct {
	cfg       config.Config
	store     dataStore
	sessions  sessionStore
	git       gitService
	archive   snapshotArchive
	search    versionSearch
	mail      mailer
	replica   session.Replica
	publisher Publisher
	logger    *zap.Logger
	now       func() time.Time

	asyncTimeout time.Duration

	locksMu   sync.Mutex
	fileLocks map[string]*sync.Mutex
}

func New(cfg config.Config, deps Deps) *Service {
	s := &Service{
		cfg:          cfg,
		store:        deps.Store,
		git:          deps.Git,
		replica:      deps.Replica,
		logger:       deps.Logger,
		now:          time.Now,
		asyncTimeout: 10 * time.Second,
		fileLocks:    make(map[string]*sync.Mutex),
	}
	if deps.Sessions != nil {
		s.sessions = deps.Sessions
	} else if deps.Store != nil {
		s.sessions = deps.Store
	}
	if deps.Archive != nil {
		s.archive = deps.Archive
	}
	if deps.Search != nil {
		s.search = deps.Search
	}
	if deps.Email != nil && deps.Email.IsConfigured() {
		s.mail = deps.Email
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	return s
}

// SetPublisher attaches the awareness hub once it exists. The hub itself
// depends on the service, so it cannot be passed to New.
func (s *Service) SetPublisher(p Publisher) {
	s.publisher = p
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// lockFile serialises review transitions on one file.
func (s *Service) lockFile(fileID string) func() {
	s.locksMu.Lock()
	mu, ok := s.fileLocks[fileID]
	if !ok {
		mu = &sync.Mutex{}
		s.fileLocks[fileID] = mu
	}
	s.locksMu.Unlock()
	mu.Lock()
	return mu.Unlock
}

// background runs fn detached from the request with its own deadline.
func (s *Service) background(name string, fn func(context.Context) error) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.asyncTimeout)
		defer cancel()
		if err := fn(ctx); err != nil {
			s.logger.Warn(name+" failed", zap.Error(err))
		}
	}()
}

func (s *Service) archiveSnapshot(fileID, reason, content string) {
	if s.archive == nil {
		return
	}
	s.background("archive snapshot", func(ctx context.Context) error {
		_, err := s.archive.Put(ctx, fileID, reason, content)
		return err
	})
}

func (s *Service) commitToGit(fileID, content, author, message string) string {
	if s.git == nil {
		return ""
	}
	info, err := s.git.CommitContent(fileID, content, author, message)
	if err != nil {
		s.logger.Warn("git mirror commit failed", zap.String("file_id", fileID), zap.Error(err))
		return ""
	}
	return info.Hash
}

func (s *Service) pushReplica(ctx context.Context, fileID, content string) {
	if s.replica == nil {
		return
	}
	if err := s.replica.Replace(ctx, fileID, content); err != nil {
		s.logger.Warn("push content to replica failed", zap.String("file_id", fileID), zap.Error(err))
	}
}

func (s *Service) publishFileReplaced(fileID, content string) {
	if s.publisher != nil {
		s.publisher.PublishFileReplaced(fileID, content)
	}
}

func firstNonBlank(values ...string) string {
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}
	return ""
}
