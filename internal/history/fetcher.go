// Package history loads persisted conversation threads and makes sure a
// response for a chapter the learner has left is never applied.
package history

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/ashureev/shsh-classroom/internal/domain"
	"github.com/ashureev/shsh-classroom/internal/timeline"
)

// Query scopes a chapter history fetch.
type Query struct {
	Identity string
	Subject  string
	Chapter  string
}

// Key identifies the query's chapter for the learner.
func (q Query) Key() string {
	return q.Identity + "|" + q.Subject + "|" + q.Chapter
}

// Valid reports whether subject and chapter are both set.
func (q Query) Valid() bool {
	return strings.TrimSpace(q.Subject) != "" && strings.TrimSpace(q.Chapter) != ""
}

// Source serves persisted conversation history.
type Source interface {
	ChapterHistory(ctx context.Context, q Query) ([]timeline.PersistedMessage, error)
	Thread(ctx context.Context, threadID string) ([]timeline.PersistedMessage, error)
}

// Invalidator is implemented by caching sources.
type Invalidator interface {
	Invalidate(ctx context.Context, q Query, threadID string) error
}

type request struct {
	query    Query
	threadID string
}

func (r request) key() string {
	if r.threadID != "" {
		return "thread:" + r.threadID
	}
	return "chapter:" + r.query.Key()
}

// Fetcher holds the history for the chapter or thread currently in view.
//
// Every fetch takes a new generation. A result is applied only when its
// generation and key are still current; otherwise the caller gets
// domain.ErrCancelled and the visible history is untouched.
type Fetcher struct {
	source Source
	logger *slog.Logger

	mu      sync.Mutex
	gen     uint64
	current request
	cancel  context.CancelFunc
	loading bool
	msgs    []domain.Message
}

// NewFetcher creates a fetcher over source.
func NewFetcher(source Source, logger *slog.Logger) *Fetcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Fetcher{source: source, logger: logger}
}

// Fetch loads the chapter history for q, superseding any fetch in flight.
func (f *Fetcher) Fetch(ctx context.Context, q Query) ([]domain.Message, error) {
	if !q.Valid() {
		return nil, fmt.Errorf("%w: subject and chapter are required", domain.ErrValidation)
	}
	return f.run(ctx, request{query: q})
}

// FetchThread loads one persisted thread without putting it in view. Fetches
// in flight and the visible history are untouched, so a failed load leaves
// the current chapter showing. ShowThread installs a loaded thread.
func (f *Fetcher) FetchThread(ctx context.Context, threadID string) ([]domain.Message, error) {
	if strings.TrimSpace(threadID) == "" {
		return nil, fmt.Errorf("%w: thread id is required", domain.ErrValidation)
	}
	records, err := f.source.Thread(ctx, threadID)
	if err != nil {
		return nil, classify(err)
	}
	return timeline.FromPersisted(records), nil
}

// ShowThread puts a loaded thread in view, abandoning any fetch in flight.
func (f *Fetcher) ShowThread(threadID string, msgs []domain.Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.supersedeLocked()
	f.current = request{threadID: threadID}
	f.msgs = append([]domain.Message(nil), msgs...)
}

// Refresh reloads the current chapter or thread, bypassing any cache.
// It returns no messages and no error when nothing has been fetched yet.
func (f *Fetcher) Refresh(ctx context.Context) ([]domain.Message, error) {
	f.mu.Lock()
	req := f.current
	f.mu.Unlock()
	if req == (request{}) {
		return nil, nil
	}
	f.invalidate(ctx, req)
	return f.run(ctx, req)
}

func (f *Fetcher) invalidate(ctx context.Context, req request) {
	inv, ok := f.source.(Invalidator)
	if !ok {
		return
	}
	if err := inv.Invalidate(ctx, req.query, req.threadID); err != nil {
		f.logger.Warn("Failed to invalidate history cache", "key", req.key(), "error", err)
	}
}

// Reload fetches the chapter history for q, bypassing any cache.
func (f *Fetcher) Reload(ctx context.Context, q Query) ([]domain.Message, error) {
	if !q.Valid() {
		return nil, fmt.Errorf("%w: subject and chapter are required", domain.ErrValidation)
	}
	f.invalidate(ctx, request{query: q})
	return f.run(ctx, request{query: q})
}

// Showing reports whether the chapter history for q is the one in view.
func (f *Fetcher) Showing(q Query) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.current == request{query: q}
}

// Current returns the history currently in view.
func (f *Fetcher) Current() []domain.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.Message(nil), f.msgs...)
}

// Key returns the key of the chapter or thread in view, or "" if none.
func (f *Fetcher) Key() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.current == (request{}) {
		return ""
	}
	return f.current.key()
}

// Loading reports whether a fetch is in flight.
func (f *Fetcher) Loading() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.loading
}

// Cancel abandons any fetch in flight. The visible history is kept.
func (f *Fetcher) Cancel() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.supersedeLocked()
}

// Reset abandons any fetch in flight and clears the visible history.
func (f *Fetcher) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.supersedeLocked()
	f.current = request{}
	f.msgs = nil
}

func (f *Fetcher) supersedeLocked() {
	f.gen++
	if f.cancel != nil {
		f.cancel()
		f.cancel = nil
	}
	f.loading = false
}

func (f *Fetcher) run(ctx context.Context, req request) ([]domain.Message, error) {
	f.mu.Lock()
	f.supersedeLocked()
	gen := f.gen
	if req.key() != f.current.key() {
		f.msgs = nil
	}
	f.current = req
	fetchCtx, cancel := context.WithCancel(ctx)
	f.cancel = cancel
	f.loading = true
	f.mu.Unlock()
	defer cancel()

	var (
		records []timeline.PersistedMessage
		err     error
	)
	if req.threadID != "" {
		records, err = f.source.Thread(fetchCtx, req.threadID)
	} else {
		records, err = f.source.ChapterHistory(fetchCtx, req.query)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if gen != f.gen || req.key() != f.current.key() {
		f.logger.Debug("Discarding stale history response", "key", req.key())
		return nil, domain.ErrCancelled
	}
	f.loading = false
	f.cancel = nil
	if err != nil {
		return nil, classify(err)
	}
	f.msgs = timeline.FromPersisted(records)
	return append([]domain.Message(nil), f.msgs...), nil
}

// classify maps a source error to ErrCancelled or ErrNetwork.
func classify(err error) error {
	if errors.Is(err, context.Canceled) {
		return domain.ErrCancelled
	}
	if !errors.Is(err, domain.ErrNetwork) {
		return fmt.Errorf("%w: %v", domain.ErrNetwork, err)
	}
	return err
}
