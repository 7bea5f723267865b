// Package sender batches events per team and delivers them to each team's
// ingest endpoint. Within a team, events leave the process in the order
// they were added; across teams nothing is ordered.
//
// Delivery is resilient rather than guaranteed: a full queue drops the
// newest events, a batch that keeps failing is dropped after maxRetries
// attempts, and a 401 suspends the team until the user re-authenticates.
// The server deduplicates, so resending after a crash is safe.
package sender

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/overlap-sh/cli/cmd/overlap/cli/api"
	"github.com/overlap-sh/cli/cmd/overlap/cli/event"
	"github.com/overlap-sh/cli/cmd/overlap/cli/logging"
)

const (
	// maxQueueSize bounds each per-team queue. Adds beyond it are dropped.
	maxQueueSize = 500

	// maxRetries is how many times one batch is re-sent before being dropped.
	maxRetries = 5

	// maxRetryDelay caps the exponential retry backoff.
	maxRetryDelay = 60 * time.Second

	// drainPollInterval is how often FlushAll re-checks a queue that has a
	// delivery already in flight.
	drainPollInterval = 10 * time.Millisecond
)

// Callbacks notify the supervisor about delivery outcomes. Both are invoked
// without internal locks held, so they may call back into the Sender.
type Callbacks struct {
	// OnSent fires after a successful ingest with the server's processed count.
	OnSent func(teamURL string, processed int)

	// OnAuthFailure fires when a team's token is rejected. The team is
	// already suspended when this runs.
	OnAuthFailure func(teamURL string)
}

// teamQueue is the per-team delivery state.
type teamQueue struct {
	token       string
	client      *api.Client
	events      []event.Event
	flushTimer  *time.Timer
	retryTimer  *time.Timer
	retryCount  int
	inflight    bool
	inflightLen int
	suspended   bool
}

// retryPending reports whether a failed batch is waiting out its backoff.
func (q *teamQueue) retryPending() bool {
	return q.retryTimer != nil
}

// Sender owns the per-team queues and their timers.
type Sender struct {
	mu            sync.Mutex
	batchInterval time.Duration
	maxBatchSize  int
	callbacks     Callbacks
	queues        map[string]*teamQueue
	deliveries    sync.WaitGroup
	closed        bool
}

// New returns a Sender. batchInterval drives both the idle-flush timer and
// the retry backoff base; maxBatchSize must already be clamped to the
// server maximum by the config layer.
func New(batchInterval time.Duration, maxBatchSize int, callbacks Callbacks) *Sender {
	return &Sender{
		batchInterval: batchInterval,
		maxBatchSize:  maxBatchSize,
		callbacks:     callbacks,
		queues:        make(map[string]*teamQueue),
	}
}

// Add enqueues one event for a team. Suspended teams drop silently; a full
// queue drops the incoming event. A queue reaching the batch size flushes
// immediately unless a delivery is in flight or a retry is waiting out its
// backoff; otherwise a flush is scheduled batchInterval from now.
func (s *Sender) Add(teamURL, token string, ev event.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	q := s.queueLocked(teamURL, token)
	if q.suspended {
		return
	}
	if len(q.events) >= maxQueueSize {
		logging.Debug(s.logContext(teamURL), "queue full, dropping event",
			slog.String("event_type", string(ev.Type)),
			slog.String("session_id", ev.SessionID),
		)
		return
	}

	q.events = append(q.events, ev)

	switch {
	case len(q.events) >= s.maxBatchSize && !q.inflight && !q.retryPending():
		s.startFlushLocked(teamURL, q)
	case q.flushTimer == nil && !q.inflight && !q.retryPending():
		q.flushTimer = time.AfterFunc(s.batchInterval, func() {
			s.timerFlush(teamURL)
		})
	}
}

// Flush forces a delivery attempt for one team, honoring the reentrancy
// guard but ignoring any pending backoff.
func (s *Sender) Flush(teamURL string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if q := s.queues[teamURL]; q != nil {
		s.startFlushLocked(teamURL, q)
	}
}

// FlushAll drains every team's queue in parallel, returning when all
// queues are empty or the timeout elapses. One failed attempt per team
// ends its drain; whatever is left stays queued.
func (s *Sender) FlushAll(ctx context.Context, timeout time.Duration) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	s.mu.Lock()
	teams := make([]string, 0, len(s.queues))
	for teamURL, q := range s.queues {
		if !q.suspended && (len(q.events) > 0 || q.inflight) {
			teams = append(teams, teamURL)
		}
	}
	s.mu.Unlock()

	g, ctx := errgroup.WithContext(ctx)
	for _, teamURL := range teams {
		g.Go(func() error {
			s.drainTeam(ctx, teamURL)
			return nil
		})
	}
	_ = g.Wait()
}

// Suspend halts delivery for a team and discards its pending state.
func (s *Sender) Suspend(teamURL string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	q := s.queues[teamURL]
	if q == nil {
		q = &teamQueue{}
		s.queues[teamURL] = q
	}
	q.suspended = true
	q.events = nil
	q.retryCount = 0
	stopTimer(&q.flushTimer)
	stopTimer(&q.retryTimer)
}

// Unsuspend re-enables delivery for a team after re-authentication.
func (s *Sender) Unsuspend(teamURL string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if q := s.queues[teamURL]; q != nil {
		q.suspended = false
		q.retryCount = 0
	}
}

// Suspended reports whether a team's delivery is suspended.
func (s *Sender) Suspended(teamURL string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	q := s.queues[teamURL]
	return q != nil && q.suspended
}

// Pending counts events that have not been acknowledged by a server yet,
// queued and in flight, across all teams. The supervisor only commits
// durable byte offsets when this reaches zero.
func (s *Sender) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := 0
	for _, q := range s.queues {
		total += len(q.events) + q.inflightLen
	}
	return total
}

// Close stops all timers. In-flight deliveries finish on their own but no
// new flushes start. Close does not drain; call FlushAll first.
func (s *Sender) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	for _, q := range s.queues {
		stopTimer(&q.flushTimer)
		stopTimer(&q.retryTimer)
	}
}

// queueLocked finds or creates the team's queue, refreshing the client when
// the token rotates. Caller holds s.mu.
func (s *Sender) queueLocked(teamURL, token string) *teamQueue {
	q := s.queues[teamURL]
	if q == nil {
		q = &teamQueue{}
		s.queues[teamURL] = q
	}
	if q.client == nil || q.token != token {
		q.token = token
		q.client = api.NewClient(teamURL, token)
	}
	return q
}

// startFlushLocked pops a batch and delivers it asynchronously. No-op when
// a delivery is already in flight, the team is suspended, or the queue is
// empty. Caller holds s.mu.
func (s *Sender) startFlushLocked(teamURL string, q *teamQueue) {
	if q.inflight || q.suspended || len(q.events) == 0 || q.client == nil {
		return
	}
	batch := s.popBatchLocked(q)
	client := q.client

	s.deliveries.Add(1)
	go func() {
		defer s.deliveries.Done()
		s.send(context.Background(), teamURL, client, batch)
	}()
}

// popBatchLocked removes up to maxBatchSize events from the queue head,
// marks the queue in flight, and cancels its timers. Caller holds s.mu.
func (s *Sender) popBatchLocked(q *teamQueue) []event.Event {
	n := min(len(q.events), s.maxBatchSize)
	batch := make([]event.Event, n)
	copy(batch, q.events)
	q.events = q.events[n:]
	q.inflight = true
	q.inflightLen = n
	stopTimer(&q.flushTimer)
	stopTimer(&q.retryTimer)
	return batch
}

// send sanitizes and delivers one batch, then applies the outcome to the
// queue. Returns the delivery error for callers that drain synchronously.
func (s *Sender) send(ctx context.Context, teamURL string, client *api.Client, batch []event.Event) error {
	for i := range batch {
		batch[i].Sanitize()
	}

	logCtx := s.logContext(teamURL)
	result, err := client.Ingest(ctx, batch)

	s.mu.Lock()
	q := s.queues[teamURL]
	if q == nil {
		s.mu.Unlock()
		return err
	}
	q.inflight = false
	q.inflightLen = 0

	var (
		onSent    func(string, int)
		onAuth    func(string)
		processed int
		rejected  []string
	)

	switch {
	case err == nil:
		q.retryCount = 0
		processed = result.Processed
		rejected = result.Errors
		onSent = s.callbacks.OnSent
		s.scheduleFollowupLocked(teamURL, q)

	case api.IsAuthError(err):
		q.suspended = true
		q.events = nil
		q.retryCount = 0
		stopTimer(&q.flushTimer)
		stopTimer(&q.retryTimer)
		onAuth = s.callbacks.OnAuthFailure

	default:
		q.retryCount++
		if q.retryCount > maxRetries {
			q.retryCount = 0
			s.scheduleFollowupLocked(teamURL, q)
			s.mu.Unlock()
			logging.Error(logCtx, "dropping batch after repeated failures",
				slog.Int("events", len(batch)),
				slog.Int("attempts", maxRetries+1),
				slog.String("error", err.Error()),
			)
			return err
		}
		q.events = append(batch, q.events...)
		delay := retryDelay(s.batchInterval, q.retryCount)
		if !s.closed {
			q.retryTimer = time.AfterFunc(delay, func() {
				s.retryFlush(teamURL)
			})
		}
		attempt := q.retryCount
		s.mu.Unlock()
		logging.Warn(logCtx, "ingest failed, will retry",
			slog.Int("events", len(batch)),
			slog.Int("attempt", attempt),
			slog.Duration("retry_in", delay),
			slog.String("error", err.Error()),
		)
		return err
	}
	s.mu.Unlock()

	if onAuth != nil {
		logging.Warn(logCtx, "token rejected, suspending team")
		onAuth(teamURL)
		return err
	}

	for _, msg := range rejected {
		logging.Warn(logCtx, "server rejected event", slog.String("error", msg))
	}
	logging.Debug(logCtx, "batch delivered",
		slog.Int("events", len(batch)),
		slog.Int("processed", processed),
	)
	if onSent != nil {
		onSent(teamURL, processed)
	}
	return nil
}

// scheduleFollowupLocked arms the flush timer when events remain queued
// after a delivery settles. A full queue flushes immediately instead.
// Caller holds s.mu.
func (s *Sender) scheduleFollowupLocked(teamURL string, q *teamQueue) {
	if s.closed || len(q.events) == 0 {
		return
	}
	if len(q.events) >= s.maxBatchSize {
		s.startFlushLocked(teamURL, q)
		return
	}
	if q.flushTimer == nil {
		q.flushTimer = time.AfterFunc(s.batchInterval, func() {
			s.timerFlush(teamURL)
		})
	}
}

// drainTeam synchronously flushes one team until its queue is empty, an
// attempt fails, or ctx expires. An already-inflight delivery is waited
// out rather than raced.
func (s *Sender) drainTeam(ctx context.Context, teamURL string) {
	for {
		if ctx.Err() != nil {
			return
		}

		s.mu.Lock()
		q := s.queues[teamURL]
		if q == nil || q.suspended {
			s.mu.Unlock()
			return
		}
		if q.inflight {
			s.mu.Unlock()
			select {
			case <-ctx.Done():
				return
			case <-time.After(drainPollInterval):
			}
			continue
		}
		if len(q.events) == 0 {
			s.mu.Unlock()
			return
		}
		batch := s.popBatchLocked(q)
		client := q.client
		s.mu.Unlock()

		if err := s.send(ctx, teamURL, client, batch); err != nil {
			return
		}
	}
}

func (s *Sender) timerFlush(teamURL string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	q := s.queues[teamURL]
	if q == nil {
		return
	}
	q.flushTimer = nil
	s.startFlushLocked(teamURL, q)
}

func (s *Sender) retryFlush(teamURL string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	q := s.queues[teamURL]
	if q == nil {
		return
	}
	q.retryTimer = nil
	s.startFlushLocked(teamURL, q)
}

func (s *Sender) logContext(teamURL string) context.Context {
	ctx := logging.WithComponent(context.Background(), "sender")
	return logging.WithTeam(ctx, teamURL)
}

// retryDelay computes min(base × 2^retryCount, maxRetryDelay).
func retryDelay(base time.Duration, retryCount int) time.Duration {
	d := base << retryCount
	if d <= 0 || d > maxRetryDelay {
		return maxRetryDelay
	}
	return d
}

func stopTimer(t **time.Timer) {
	if *t != nil {
		(*t).Stop()
		*t = nil
	}
}
