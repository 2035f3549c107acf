// Package autosave coalesces bursts of live edits into single durable
// writes per file.
package autosave

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"coedit/api/internal/metrics"
)

type WriteFunc func(ctx context.Context, fileID, content string) error

type entry struct {
	content string
	due     time.Time
	attempt int
}

// Debouncer holds the latest content per file and writes it once the file
// has been quiet for the configured period. Failed writes stay pending and
// are retried after another quiet period.
type Debouncer struct {
	write  WriteFunc
	quiet  time.Duration
	logger *zap.Logger
	now    func() time.Time

	mu      sync.Mutex
	pending map[string]*entry
	writeMu sync.Mutex

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

func New(write WriteFunc, quiet time.Duration, logger *zap.Logger) *Debouncer {
	if quiet <= 0 {
		quiet = 1200 * time.Millisecond
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	d := &Debouncer{
		write:   write,
		quiet:   quiet,
		logger:  logger,
		now:     time.Now,
		pending: make(map[string]*entry),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go d.loop()
	return d
}

// Schedule replaces the pending content for a file and restarts its quiet
// period.
func (d *Debouncer) Schedule(fileID, content string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pending[fileID] = &entry{content: content, due: d.now().Add(d.quiet)}
}

func (d *Debouncer) Pending(fileID string) (string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	item, ok := d.pending[fileID]
	if !ok {
		return "", false
	}
	return item.content, true
}

// Flush writes every pending file immediately. Files whose write fails
// remain pending.
func (d *Debouncer) Flush(ctx context.Context) error {
	var firstErr error
	for fileID, item := range d.take(time.Time{}) {
		if err := d.writeOne(ctx, fileID, item); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Stop ends the background loop and flushes what is left.
func (d *Debouncer) Stop(ctx context.Context) error {
	d.stopOnce.Do(func() { close(d.stop) })
	select {
	case <-d.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return d.Flush(ctx)
}

func (d *Debouncer) loop() {
	defer close(d.done)
	interval := d.quiet / 4
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-d.stop:
			return
		case <-ticker.C:
			due := d.take(d.now())
			for fileID, item := range due {
				ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				_ = d.writeOne(ctx, fileID, item)
				cancel()
			}
		}
	}
}

// take removes and returns entries due at or before cutoff. A zero cutoff
// takes everything.
func (d *Debouncer) take(cutoff time.Time) map[string]*entry {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make(map[string]*entry)
	for fileID, item := range d.pending {
		if cutoff.IsZero() || !item.due.After(cutoff) {
			out[fileID] = item
			delete(d.pending, fileID)
		}
	}
	return out
}

func (d *Debouncer) writeOne(ctx context.Context, fileID string, item *entry) error {
	d.writeMu.Lock()
	err := d.write(ctx, fileID, item.content)
	d.writeMu.Unlock()

	if err == nil {
		metrics.AutosaveWrites.WithLabelValues("ok").Inc()
		return nil
	}

	metrics.AutosaveWrites.WithLabelValues("error").Inc()
	d.logger.Warn("autosave write failed",
		zap.String("file_id", fileID),
		zap.Int("attempt", item.attempt+1),
		zap.Error(err),
	)

	d.mu.Lock()
	defer d.mu.Unlock()
	if _, newer := d.pending[fileID]; !newer {
		d.pending[fileID] = &entry{
			content: item.content,
			due:     d.now().Add(d.quiet),
			attempt: item.attempt + 1,
		}
	}
	return err
}
