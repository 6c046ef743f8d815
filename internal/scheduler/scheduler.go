// Package scheduler owns the polling loop: it decides when each monitored
// query fires and spreads the load across the configured interval.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/edouardg/marktmonitor/internal/database"
	"github.com/edouardg/marktmonitor/internal/fetch"
	"github.com/edouardg/marktmonitor/internal/logger"
	"github.com/edouardg/marktmonitor/internal/metrics"
	"github.com/edouardg/marktmonitor/internal/models"
	"github.com/edouardg/marktmonitor/internal/notifier"
	"github.com/edouardg/marktmonitor/internal/publish"
)

const upcomingLogCount = 5

// Scheduler maps each active request URL to its next due time and processes
// the ones that are due on every tick. The map is owned by the scheduler and
// never shared.
type Scheduler struct {
	queries  *database.QueryRepository
	client   *fetch.Client
	notifier *notifier.Notifier
	pub      *publish.Publisher
	log      logger.Logger

	interval time.Duration
	tick     time.Duration

	schedule map[string]time.Time
	now      func() time.Time
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithClock swaps the time source; for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// NewScheduler wires the polling loop over its collaborators. interval is the
// target spacing between two polls of the same query; tick is how often the
// loop wakes up.
func NewScheduler(
	queries *database.QueryRepository,
	client *fetch.Client,
	n *notifier.Notifier,
	pub *publish.Publisher,
	log logger.Logger,
	interval, tick time.Duration,
	opts ...Option,
) *Scheduler {
	s := &Scheduler{
		queries:  queries,
		client:   client,
		notifier: n,
		pub:      pub,
		log:      log,
		interval: interval,
		tick:     tick,
		schedule: make(map[string]time.Time),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run initializes the schedule and loops until the context is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	if err := s.Initialize(ctx); err != nil {
		return err
	}

	s.log.Info("scheduler started",
		logger.Duration("interval", s.interval),
		logger.Duration("tick", s.tick),
		logger.Int("queries", len(s.schedule)))

	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.log.Info("scheduler stopped")
			return nil
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Initialize seeds the schedule map from the active queries, spreading their
// first due times evenly over the interval.
func (s *Scheduler) Initialize(ctx context.Context) error {
	urls, err := s.queries.ActiveRequestURLs(ctx)
	if err != nil {
		return fmt.Errorf("list active queries: %w", err)
	}

	now := s.now()
	spread := s.spread(len(urls))
	for i, url := range urls {
		due := now.Add(time.Duration(i) * spread)
		s.schedule[url] = due
		s.persistNextCheck(ctx, url, due)
	}

	metrics.ActiveQueries.Set(float64(len(s.schedule)))
	return nil
}

// Tick runs one scheduler pass: reconcile the map against the registry,
// process everything that is due, and log what comes next.
func (s *Scheduler) Tick(ctx context.Context) {
	active, err := s.queries.ActiveRequestURLs(ctx)
	if err != nil {
		s.log.Error("list active queries", logger.Error(err))
		return
	}
	if len(active) == 0 {
		s.log.Debug("no active queries")
		return
	}

	s.reconcile(ctx, active)
	s.processReady(ctx)
	s.logUpcoming()

	metrics.ActiveQueries.Set(float64(len(s.schedule)))
}

// reconcile drops deleted or deactivated queries from the map and schedules
// newly seen ones to fire immediately.
func (s *Scheduler) reconcile(ctx context.Context, active []string) {
	activeSet := make(map[string]struct{}, len(active))
	for _, url := range active {
		activeSet[url] = struct{}{}
	}

	for url := range s.schedule {
		if _, ok := activeSet[url]; !ok {
			delete(s.schedule, url)
			s.log.Info("query left the schedule", logger.String("request_url", url))
		}
	}

	now := s.now()
	for _, url := range active {
		if _, ok := s.schedule[url]; !ok {
			// fresh registrations fire right away
			s.schedule[url] = now
			s.persistNextCheck(ctx, url, now)
			s.log.Info("query joined the schedule", logger.String("request_url", url))
		}
	}
}

// processReady handles every due entry. Reschedules stagger from the current
// horizon, not from now, so bursts never collapse onto the same instant.
func (s *Scheduler) processReady(ctx context.Context) {
	now := s.now()

	var ready []string
	last := now
	for url, due := range s.schedule {
		if !due.After(now) {
			ready = append(ready, url)
		}
		if due.After(last) {
			last = due
		}
	}
	if len(ready) == 0 {
		return
	}
	sort.Slice(ready, func(i, j int) bool {
		return s.schedule[ready[i]].Before(s.schedule[ready[j]])
	})

	if len(ready) > 1 {
		s.warnBurst(ctx, len(ready))
	}

	spread := s.spread(len(s.schedule))
	for i, url := range ready {
		if err := s.processOne(ctx, url); err != nil {
			s.fail(ctx, url, err)
			continue
		}
		next := last.Add(time.Duration(i+1) * spread)
		s.schedule[url] = next
		s.persistNextCheck(ctx, url, next)
	}
}

func (s *Scheduler) processOne(ctx context.Context, url string) error {
	body, err := s.client.Fetch(ctx, url, nil)
	if err != nil {
		return err
	}
	listings, err := notifier.DecodeSearchResponse(body)
	if err != nil {
		return fmt.Errorf("response from %s: %w", url, err)
	}
	return s.notifier.Process(ctx, map[string][]models.Listing{url: listings})
}

// fail marks the query FAILED and reports it on the error channel. The entry
// stays in the map until the next reconcile drops it.
func (s *Scheduler) fail(ctx context.Context, url string, cause error) {
	s.log.Error("query processing failed",
		logger.String("request_url", url),
		logger.Error(cause))
	metrics.QueryFailuresTotal.Inc()

	if err := s.pub.PublishError(ctx, publish.ErrorEvent{
		RequestURL: url,
		Error:      errorKind(cause),
		Reason:     cause.Error(),
		Traceback:  errorChain(cause),
	}); err != nil {
		s.log.Error("publish error event", logger.Error(err))
	}

	if err := s.queries.SetStatusByRequestURL(ctx, url, models.StatusFailed); err != nil {
		s.log.Error("mark query failed",
			logger.String("request_url", url),
			logger.Error(err))
	}
}

func (s *Scheduler) warnBurst(ctx context.Context, ready int) {
	msg := fmt.Sprintf("%d of %d monitored queries are due in the same tick", ready, len(s.schedule))
	s.log.Warn(msg)
	if err := s.pub.PublishWarning(ctx, publish.WarningEvent{
		Message: msg,
		Reason:  "schedule burst",
	}); err != nil {
		s.log.Error("publish warning event", logger.Error(err))
	}
}

func (s *Scheduler) persistNextCheck(ctx context.Context, url string, due time.Time) {
	if err := s.queries.UpdateNextCheck(ctx, url, due); err != nil {
		s.log.Error("persist next check time",
			logger.String("request_url", url),
			logger.Error(err))
	}
}

func (s *Scheduler) logUpcoming() {
	type entry struct {
		url string
		due time.Time
	}
	entries := make([]entry, 0, len(s.schedule))
	for url, due := range s.schedule {
		entries = append(entries, entry{url, due})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].due.Before(entries[j].due) })

	if len(entries) > upcomingLogCount {
		entries = entries[:upcomingLogCount]
	}
	for _, e := range entries {
		s.log.Debug("upcoming",
			logger.String("request_url", e.url),
			logger.Time("due", e.due))
	}
}

// Snapshot returns a copy of the schedule map.
func (s *Scheduler) Snapshot() map[string]time.Time {
	snap := make(map[string]time.Time, len(s.schedule))
	for url, due := range s.schedule {
		snap[url] = due
	}
	return snap
}

func (s *Scheduler) spread(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	return s.interval / time.Duration(n)
}

// errorKind names the innermost error type, mirroring how subscribers expect
// failures to be categorized.
func errorKind(err error) string {
	var statusErr *fetch.StatusError
	if errors.As(err, &statusErr) {
		return "StatusError"
	}

	inner := err
	for {
		next := errors.Unwrap(inner)
		if next == nil {
			break
		}
		inner = next
	}
	name := fmt.Sprintf("%T", inner)
	if i := strings.LastIndex(name, "."); i >= 0 {
		name = name[i+1:]
	}
	return strings.TrimPrefix(name, "*")
}

// errorChain renders the wrap chain one level per line, the closest thing Go
// has to a traceback.
func errorChain(err error) string {
	var b strings.Builder
	for e := err; e != nil; e = errors.Unwrap(e) {
		if b.Len() > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(e.Error())
	}
	return b.String()
}
