// Package scheduler is the centre of the engine: it runs the discovery
// loop, arms a one-shot timer per event, and drives each job through its
// retry ladder to a terminal outcome.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ispyisail/clubprint-engine/internal/apiclient"
	"github.com/ispyisail/clubprint-engine/internal/clock"
	"github.com/ispyisail/clubprint-engine/internal/config"
	"github.com/ispyisail/clubprint-engine/internal/errkind"
	"github.com/ispyisail/clubprint-engine/internal/pdfbuilder"
	"github.com/ispyisail/clubprint-engine/internal/printsink"
	"github.com/ispyisail/clubprint-engine/internal/store"
)

// APIClient is the subset of apiclient.Client the scheduler depends on.
type APIClient interface {
	ListUpcomingEvents(ctx context.Context, windowHours int) ([]apiclient.Event, error)
	GetAttendees(ctx context.Context, eventID string, acceptStale bool) ([]apiclient.Attendee, error)
}

// Notifier is the subset of webhook.Notifier the scheduler depends on.
// Notify is best-effort: the scheduler never inspects or reacts to its
// outcome.
type Notifier interface {
	Notify(ctx context.Context, eventType string, payload map[string]any)
}

// noopNotifier is used when no Notifier is wired (webhooks disabled).
type noopNotifier struct{}

func (noopNotifier) Notify(context.Context, string, map[string]any) {}

// Scheduler owns discovery and the in-memory armedTimers map.
type Scheduler struct {
	store    store.Store
	api      APIClient
	sink     printsink.Sink
	notifier Notifier
	clk      clock.Clock
	cfg      config.Config
	log      *logrus.Logger

	mu          sync.Mutex
	armedTimers map[string]clock.Timer
	wg          sync.WaitGroup

	discoveryStop chan struct{}
	discoveryDone chan struct{}
}

// New builds a Scheduler. sink is the PrintSink selected per cfg.PrintMode;
// notifier may be nil, in which case webhook notifications are dropped.
func New(st store.Store, api APIClient, sink printsink.Sink, notifier Notifier, clk clock.Clock, cfg config.Config, log *logrus.Logger) *Scheduler {
	if notifier == nil {
		notifier = noopNotifier{}
	}
	return &Scheduler{
		store:       st,
		api:         api,
		sink:        sink,
		notifier:    notifier,
		clk:         clk,
		cfg:         cfg,
		log:         log,
		armedTimers: make(map[string]clock.Timer),
	}
}

// ArmedCount reports the number of events with a live in-memory timer,
// for health reporting / tests.
func (s *Scheduler) ArmedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.armedTimers)
}

// Start recovers any jobs left active from a previous run, runs discovery
// once synchronously, then launches the periodic discovery loop on a
// background goroutine. ctx governs recovery, discovery and the discovery
// loop; it does not reach process(event) calls fired by armed timers. Stop
// cancels armed timers and the discovery loop independent of ctx.
func (s *Scheduler) Start(ctx context.Context) error {
	if err := s.recover(ctx); err != nil {
		return fmt.Errorf("scheduler: recovery: %w", err)
	}
	if err := s.runDiscovery(ctx); err != nil {
		s.log.WithError(err).Warn("scheduler: initial discovery failed")
	}

	s.discoveryStop = make(chan struct{})
	s.discoveryDone = make(chan struct{})
	ticker := s.clk.NewTicker(s.cfg.DiscoveryInterval())

	go func() {
		defer close(s.discoveryDone)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.discoveryStop:
				return
			case <-ticker.C():
				if err := s.runDiscovery(ctx); err != nil {
					s.log.WithError(err).Warn("scheduler: discovery failed")
				}
			}
		}
	}()
	s.notifier.Notify(ctx, "service.started", map[string]any{"time": s.clk.Now().UTC()})
	return nil
}

// Stop cancels every armed timer and the discovery loop, and waits for the
// discovery goroutine to exit. In-flight process(event) calls are not
// cancelled: timer callbacks run process under context.Background(), so
// neither Stop nor Start's ctx reaches them; WaitForInFlight waits for them.
func (s *Scheduler) Stop() {
	if s.discoveryStop != nil {
		close(s.discoveryStop)
		<-s.discoveryDone
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for id, timer := range s.armedTimers {
		if timer.Stop() {
			s.wg.Done()
		}
		delete(s.armedTimers, id)
	}
}

// WaitForInFlight blocks until every process(event) call already underway
// when Stop was called finishes, or ctx is done, whichever comes first.
// Timers stopped by Stop never fire, so this only waits on deliveries that
// had already started.
func (s *Scheduler) WaitForInFlight(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
}

// runDiscovery is the periodic discovery loop: fetch, filter by category,
// upsert, and arm every non-terminal, not-yet-armed event.
func (s *Scheduler) runDiscovery(ctx context.Context) error {
	events, err := s.api.ListUpcomingEvents(ctx, s.cfg.FetchWindowHours)
	if err != nil {
		return fmt.Errorf("scheduler: list upcoming events: %w", err)
	}

	retained := make([]store.Event, 0, len(events))
	for _, e := range events {
		if !categoryAllowed(e.Categories, s.cfg.Categories) {
			continue
		}
		retained = append(retained, store.Event{
			ID:         e.ID,
			Name:       e.Name,
			StartTime:  e.StartDate,
			Categories: e.Categories,
			Status:     store.EventPending,
		})
	}

	if _, err := s.store.UpsertEvents(ctx, retained); err != nil {
		return fmt.Errorf("scheduler: upsert events: %w", err)
	}

	for _, e := range retained {
		row, err := s.store.GetEvent(ctx, e.ID)
		if err != nil {
			s.log.WithField("eventId", e.ID).WithError(err).Warn("scheduler: event vanished after upsert")
			continue
		}
		if row.Status != store.EventPending {
			continue
		}
		if job, err := s.store.GetJob(ctx, e.ID); err == nil && job.Status.Terminal() {
			// The job already reached a terminal outcome but the event row
			// is stale (pending) — bring the event in line instead of
			// re-arming an event that was already delivered or failed.
			if reconcileErr := s.reconcileEventToJob(ctx, row, job); reconcileErr != nil {
				s.log.WithField("eventId", e.ID).WithError(reconcileErr).Warn("scheduler: stale pending-event reconciliation failed")
			}
			continue
		}
		if s.isArmed(e.ID) {
			continue
		}
		if err := s.arm(ctx, row, false); err != nil && err != store.ErrAlreadyScheduled {
			s.log.WithField("eventId", e.ID).WithError(err).Warn("scheduler: arm failed")
		}
	}
	return nil
}

// categoryAllowed reports whether event is retained: an empty allow-list
// accepts all events, otherwise the event's category set must intersect it.
func categoryAllowed(eventCategories, allowList []string) bool {
	if len(allowList) == 0 {
		return true
	}
	allowed := make(map[string]struct{}, len(allowList))
	for _, c := range allowList {
		allowed[c] = struct{}{}
	}
	for _, c := range eventCategories {
		if _, ok := allowed[c]; ok {
			return true
		}
	}
	return false
}

func (s *Scheduler) isArmed(eventID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.armedTimers[eventID]
	return ok
}

// arm schedules a one-shot timer for event. bypassGuard is set only by
// recover, which re-arms jobs the store already knows about.
func (s *Scheduler) arm(ctx context.Context, event store.Event, bypassGuard bool) error {
	scheduledTime := event.StartTime.Add(-s.cfg.PreEventLead())
	now := s.clk.Now().UTC()

	if scheduledTime.Before(now.Add(-s.cfg.GraceWindow())) {
		// FailJob requires an existing job row; a freshly-discovered event
		// that's already past its grace window has none yet, so create one
		// first purely to carry the failed status and error message.
		if _, err := s.store.GetJob(ctx, event.ID); err == store.ErrNotFound {
			if err := s.store.ArmJob(ctx, event.ID, event.Name, scheduledTime); err != nil && err != store.ErrAlreadyScheduled {
				return fmt.Errorf("scheduler: arm missed-window job for %s: %w", event.ID, err)
			}
		} else if err != nil {
			return fmt.Errorf("scheduler: get job for missed-window event %s: %w", event.ID, err)
		}
		if err := s.store.FailJob(ctx, event.ID, "missed scheduled time"); err != nil {
			return fmt.Errorf("scheduler: fail missed-window job for %s: %w", event.ID, err)
		}
		s.notifier.Notify(ctx, "job.permanent_failure", map[string]any{"eventId": event.ID, "reason": "missed scheduled time"})
		return nil
	}

	if !bypassGuard {
		if s.isArmed(event.ID) {
			return store.ErrAlreadyScheduled
		}
		if _, err := s.store.GetJob(ctx, event.ID); err == nil {
			return store.ErrAlreadyScheduled
		}
	}

	if !bypassGuard {
		if err := s.store.ArmJob(ctx, event.ID, event.Name, scheduledTime); err != nil {
			if err == store.ErrAlreadyScheduled {
				return err
			}
			s.log.WithField("eventId", event.ID).WithError(err).Warn("scheduler: ArmJob storage failure, arming timer anyway")
		}
	}

	delay := scheduledTime.Sub(now)
	if delay < 0 {
		delay = 0
	}

	s.wg.Add(1)
	s.mu.Lock()
	s.armedTimers[event.ID] = s.clk.AfterFunc(delay, func() {
		defer s.wg.Done()
		s.mu.Lock()
		delete(s.armedTimers, event.ID)
		s.mu.Unlock()
		s.process(context.Background(), event)
	})
	s.mu.Unlock()
	return nil
}

// process fetches the roster, renders the sheet, delivers it, and drives
// the job to a terminal or retrying state.
func (s *Scheduler) process(ctx context.Context, event store.Event) {
	if err := s.store.UpdateJobStatus(ctx, event.ID, store.JobProcessing, ""); err != nil {
		s.log.WithField("eventId", event.ID).WithError(err).Warn("scheduler: mark processing failed")
	}

	if err := s.deliver(ctx, event); err != nil {
		s.handleFailure(ctx, event, err)
		return
	}

	if err := s.store.CompleteJob(ctx, event.ID); err != nil {
		s.log.WithField("eventId", event.ID).WithError(err).Error("scheduler: CompleteJob failed after successful delivery")
		return
	}
	s.notifier.Notify(ctx, "event.processed", map[string]any{"eventId": event.ID, "eventName": event.Name})
}

func (s *Scheduler) deliver(ctx context.Context, event store.Event) error {
	attendees, err := s.api.GetAttendees(ctx, event.ID, true)
	if err != nil {
		return err
	}

	pdfBytes, err := pdfbuilder.Build(
		apiclient.Event{ID: event.ID, Name: event.Name, StartDate: event.StartTime, Categories: event.Categories},
		attendees,
		s.cfg.PDFLayout,
	)
	if err != nil {
		return errkind.New(errkind.FatalInternal, err)
	}

	return s.sink.Deliver(ctx, printsink.EventMeta{EventID: event.ID, EventName: event.Name}, pdfBytes)
}

// handleFailure runs the retry ladder: an auth error short-circuits
// straight to terminal failure; otherwise retry with exponential backoff
// until maxAttempts is exhausted.
func (s *Scheduler) handleFailure(ctx context.Context, event store.Event, deliveryErr error) {
	if errkind.Is(deliveryErr, errkind.Auth) {
		s.failPermanently(ctx, event, deliveryErr)
		return
	}

	job, err := s.store.GetJob(ctx, event.ID)
	if err != nil {
		s.log.WithField("eventId", event.ID).WithError(err).Error("scheduler: GetJob failed during failure handling")
		return
	}

	if job.RetryCount >= s.cfg.Retry.MaxAttempts {
		s.failPermanently(ctx, event, deliveryErr)
		return
	}

	if err := s.store.IncrementJobRetry(ctx, event.ID); err != nil {
		s.log.WithField("eventId", event.ID).WithError(err).Warn("scheduler: IncrementJobRetry failed")
	}
	if err := s.store.UpdateJobStatus(ctx, event.ID, store.JobRetrying, deliveryErr.Error()); err != nil {
		s.log.WithField("eventId", event.ID).WithError(err).Warn("scheduler: mark retrying failed")
	}

	backoff := time.Duration(s.cfg.Retry.BaseDelayMinutes) * time.Minute * time.Duration(1<<uint(job.RetryCount))
	s.log.WithFields(logrus.Fields{"eventId": event.ID, "auditId": job.AuditID, "retryCount": job.RetryCount + 1}).
		WithError(deliveryErr).Warn("scheduler: delivery failed, retrying")
	s.notifier.Notify(ctx, "job.retry", map[string]any{"eventId": event.ID, "auditId": job.AuditID, "retryCount": job.RetryCount + 1, "delay": backoff.String()})

	s.wg.Add(1)
	s.mu.Lock()
	s.armedTimers[event.ID] = s.clk.AfterFunc(backoff, func() {
		defer s.wg.Done()
		s.mu.Lock()
		delete(s.armedTimers, event.ID)
		s.mu.Unlock()
		s.process(context.Background(), event)
	})
	s.mu.Unlock()
}

func (s *Scheduler) failPermanently(ctx context.Context, event store.Event, cause error) {
	if err := s.store.FailJob(ctx, event.ID, cause.Error()); err != nil {
		s.log.WithField("eventId", event.ID).WithError(err).Error("scheduler: FailJob failed")
	}
	s.notifier.Notify(ctx, "job.permanent_failure", map[string]any{"eventId": event.ID, "reason": cause.Error()})
}

// recover runs at startup: every active job from the prior run either
// re-arms (bypassing the already-scheduled guard) or, if its window has
// passed beyond grace, fails immediately.
func (s *Scheduler) recover(ctx context.Context) error {
	jobs, err := s.store.ListActiveJobs(ctx)
	if err != nil {
		return fmt.Errorf("list active jobs: %w", err)
	}

	for _, job := range jobs {
		event, err := s.store.GetEvent(ctx, job.EventID)
		if err != nil {
			s.log.WithField("eventId", job.EventID).WithError(err).Warn("scheduler: recovery found job with no event row")
			continue
		}
		if event.Status == store.EventProcessed || event.Status == store.EventFailed {
			// Event already reached a terminal outcome (e.g. this job was
			// superseded) while the job row is still listed active; don't
			// re-arm a delivery that already happened.
			s.log.WithField("eventId", job.EventID).Warn("scheduler: recovery skipping active job whose event is already terminal")
			continue
		}
		if err := s.arm(ctx, event, true); err != nil {
			s.log.WithField("eventId", job.EventID).WithError(err).Warn("scheduler: recovery arm failed")
		}
	}
	return nil
}

// reconcileEventToJob corrects an event left pending when its job already
// reached a terminal status (Open Question decision #3 in DESIGN.md).
func (s *Scheduler) reconcileEventToJob(ctx context.Context, event store.Event, job store.ScheduledJob) error {
	if job.Status == store.JobCompleted && event.Status != store.EventProcessed {
		return s.store.UpdateEventStatus(ctx, event.ID, store.EventProcessed)
	}
	if job.Status == store.JobFailed && event.Status != store.EventFailed {
		return s.store.UpdateEventStatus(ctx, event.ID, store.EventFailed)
	}
	return nil
}
