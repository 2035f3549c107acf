package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"coedit/api/internal/rbac"
)

type State int

const (
	Inactive State = iota
	RealtimeActive
	ProposalSession
)

func (s State) String() string {
	switch s {
	case RealtimeActive:
		return "realtime_active"
	case ProposalSession:
		return "proposal_session"
	default:
		return "inactive"
	}
}

var (
	ErrNotPermitted  = errors.New("session: role may not start a proposal session")
	ErrAlreadyActive = errors.New("session: proposal session already active")
	ErrNotInSession  = errors.New("session: no proposal session in progress")
)

// Replica is the live replicated document. Synced reports whether the
// replica has caught up with its peers.
type Replica interface {
	Text(ctx context.Context, fileID string) (text string, synced bool, err error)
	Replace(ctx context.Context, fileID, text string) error
}

type FileReader interface {
	FileContent(ctx context.Context, fileID string) (string, error)
}

type Submission struct {
	FileID          string
	ProposerID      string
	ProposerEmail   string
	Content         string
	OriginalContent string
}

type ProposalSubmitter interface {
	SubmitSessionProposal(ctx context.Context, submission Submission) (string, error)
}

type Recorder interface {
	StartSession(ctx context.Context, fileID, userID, email string, at time.Time) error
	EndSession(ctx context.Context, fileID, userID string, at time.Time) error
}

type ControllerConfig struct {
	FileID       string
	UserID       string
	UserEmail    string
	Role         rbac.Role
	Replica      Replica
	Files        FileReader
	Submitter    ProposalSubmitter
	Recorder     Recorder
	SyncWait     time.Duration
	PollInterval time.Duration
	Logger       *zap.Logger
	Now          func() time.Time
}

type EndResult struct {
	HasChanges bool
	Duplicate  bool
	ProposalID string
	Err        error
}

// Controller drives one participant's edit capability on one file. It is
// owned by a single connection; the mutex only guards against overlapping
// start/end calls from that connection.
type Controller struct {
	cfg ControllerConfig

	mu           sync.Mutex
	state        State
	base         string
	lastProposed string
	hasProposed  bool
}

func NewController(cfg ControllerConfig) *Controller {
	if cfg.SyncWait <= 0 {
		cfg.SyncWait = 2500 * time.Millisecond
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 100 * time.Millisecond
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	cfg.Role = rbac.Normalize(string(cfg.Role))

	c := &Controller{cfg: cfg, state: Inactive}
	if cfg.Role == rbac.RoleAdmin || cfg.Role == rbac.RoleViewer {
		c.state = RealtimeActive
	}
	return c
}

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// CanEdit reports whether local edits may currently be applied.
func (c *Controller) CanEdit() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case RealtimeActive:
		return rbac.Can(c.cfg.Role, rbac.ActionEditLive)
	case ProposalSession:
		return true
	default:
		return false
	}
}

// Base returns the snapshot captured by the running session.
func (c *Controller) Base() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.base, c.state == ProposalSession
}

// Start captures the authoritative base and opens a proposal session.
func (c *Controller) Start(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !rbac.Can(c.cfg.Role, rbac.ActionPropose) {
		return "", ErrNotPermitted
	}
	if c.state == ProposalSession {
		return "", ErrAlreadyActive
	}

	base, err := c.authoritativeBase(ctx)
	if err != nil {
		return "", err
	}

	if c.cfg.Recorder != nil {
		if err := c.cfg.Recorder.StartSession(ctx, c.cfg.FileID, c.cfg.UserID, c.cfg.UserEmail, c.cfg.Now()); err != nil {
			c.cfg.Logger.Warn("record session start failed", zap.String("file_id", c.cfg.FileID), zap.Error(err))
		}
	}

	c.base = base
	c.state = ProposalSession
	return base, nil
}

// End closes the proposal session and submits the final text when it
// differs from both the base and the last submission.
func (c *Controller) End(ctx context.Context, final string) (EndResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != ProposalSession {
		return EndResult{}, ErrNotInSession
	}

	result := EndResult{
		HasChanges: final != c.base,
		Duplicate:  c.hasProposed && final == c.lastProposed,
	}

	if result.HasChanges && !result.Duplicate && c.cfg.Submitter != nil {
		id, err := c.cfg.Submitter.SubmitSessionProposal(ctx, Submission{
			FileID:          c.cfg.FileID,
			ProposerID:      c.cfg.UserID,
			ProposerEmail:   c.cfg.UserEmail,
			Content:         final,
			OriginalContent: c.base,
		})
		if err != nil {
			c.cfg.Logger.Error("submit proposal failed", zap.String("file_id", c.cfg.FileID), zap.String("user_id", c.cfg.UserID), zap.Error(err))
			result.Err = err
		} else {
			result.ProposalID = id
			c.lastProposed = final
			c.hasProposed = true
		}
	}

	if c.cfg.Recorder != nil {
		if err := c.cfg.Recorder.EndSession(ctx, c.cfg.FileID, c.cfg.UserID, c.cfg.Now()); err != nil {
			c.cfg.Logger.Warn("record session end failed", zap.String("file_id", c.cfg.FileID), zap.Error(err))
		}
	}

	c.base = ""
	c.state = Inactive
	return result, nil
}

// authoritativeBase prefers the synced replica text, waiting at most
// SyncWait, and falls back to the durable file content. A drifted replica
// is overwritten with the base.
func (c *Controller) authoritativeBase(ctx context.Context) (string, error) {
	var (
		replicaText string
		seen        bool
	)
	if c.cfg.Replica != nil {
		waitCtx, cancel := context.WithTimeout(ctx, c.cfg.SyncWait)
		text, synced, ok := c.awaitSynced(waitCtx)
		cancel()
		if synced {
			return text, nil
		}
		replicaText, seen = text, ok
		c.cfg.Logger.Warn("replica not synced, falling back to file store",
			zap.String("file_id", c.cfg.FileID),
			zap.Duration("waited", c.cfg.SyncWait),
		)
	}

	if c.cfg.Files == nil {
		return "", fmt.Errorf("read base for %s: no file reader", c.cfg.FileID)
	}
	base, err := c.cfg.Files.FileContent(ctx, c.cfg.FileID)
	if err != nil {
		return "", fmt.Errorf("read base for %s: %w", c.cfg.FileID, err)
	}

	if c.cfg.Replica != nil && (!seen || replicaText != base) {
		if err := c.cfg.Replica.Replace(ctx, c.cfg.FileID, base); err != nil {
			c.cfg.Logger.Warn("sync replica to base failed", zap.String("file_id", c.cfg.FileID), zap.Error(err))
		}
	}
	return base, nil
}

func (c *Controller) awaitSynced(ctx context.Context) (text string, synced bool, seen bool) {
	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()
	for {
		current, ok, err := c.cfg.Replica.Text(ctx, c.cfg.FileID)
		if err == nil {
			text, seen = current, true
			if ok {
				return text, true, true
			}
		}
		select {
		case <-ctx.Done():
			return text, false, seen
		case <-ticker.C:
		}
	}
}
