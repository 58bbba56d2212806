package tasks

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"yad2-ingest/models"
	apperrors "yad2-ingest/pkg/errors"
	"yad2-ingest/scraper/yad2"
	"yad2-ingest/services"
	"yad2-ingest/storage"
	"yad2-ingest/utils"
)

var (
	ErrNotFound       = errors.New("task not found")
	ErrTaskFinished   = errors.New("task already finished")
	ErrTaskSaving     = errors.New("task finished crawling and is saving")
	ErrCoolingDown    = errors.New("source is cooling down after a block")
	ErrNoManualSolver = errors.New("task has no manual challenge escalation")
)

// Failure reasons recorded on tasks that did not run to completion.
const (
	ReasonTimeout   = "timeout"
	ReasonCancelled = "cancelled"
)

// Session is one provisioned browser tab.
type Session interface {
	yad2.Page
	Close() error
}

// SessionFactory provisions a browser session for a task.
type SessionFactory interface {
	Open(ctx context.Context) (Session, error)
}

// SessionFactoryFunc adapts a function to SessionFactory.
type SessionFactoryFunc func(ctx context.Context) (Session, error)

func (f SessionFactoryFunc) Open(ctx context.Context) (Session, error) { return f(ctx) }

// CrawlerFactory builds the crawler of one task. onState receives every
// navigation state change; escalator is nil unless manual challenge
// escalation is enabled.
type CrawlerFactory func(onState func(models.NavState), escalator yad2.Escalator) *yad2.Crawler

// Config tunes the coordinator.
type Config struct {
	Source            string
	Timeout           time.Duration
	SaveTimeout       time.Duration
	Retention         time.Duration
	BlockCooldown     time.Duration
	ManualCaptcha     bool
	ManualCaptchaWait time.Duration
	Logger            *utils.Logger
}

func (c Config) withDefaults() Config {
	if c.Source == "" {
		c.Source = models.SourceYad2
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Minute
	}
	if c.SaveTimeout <= 0 {
		c.SaveTimeout = 5 * time.Minute
	}
	if c.Retention <= 0 {
		c.Retention = 5 * time.Minute
	}
	if c.ManualCaptchaWait <= 0 {
		c.ManualCaptchaWait = 5 * time.Minute
	}
	if c.Logger == nil {
		c.Logger = utils.NewNopLogger()
	}
	return c
}

type task struct {
	snap      models.CrawlTask
	created   time.Time
	cancel    context.CancelFunc
	cancelled bool
	escalator *yad2.ManualEscalator
}

// Coordinator runs crawl tasks one at a time per source and keeps their
// status for a retention window after they finish.
type Coordinator struct {
	cfg        Config
	sessions   SessionFactory
	newCrawler CrawlerFactory
	ingestor   *services.Ingestor
	cooldown   services.Cooldown
	raw        storage.RawListingWriter
	logger     *utils.Logger
	now        func() time.Time

	root     context.Context
	stopRoot context.CancelFunc
	wg       sync.WaitGroup

	mu     sync.Mutex
	tasks  map[string]*task
	active map[string]string
}

// NewCoordinator wires a Coordinator. cooldown and raw may be nil.
func NewCoordinator(cfg Config, sessions SessionFactory, newCrawler CrawlerFactory, ingestor *services.Ingestor, cooldown services.Cooldown, raw storage.RawListingWriter) *Coordinator {
	cfg = cfg.withDefaults()
	if cooldown == nil {
		cooldown = services.NopCooldown{}
	}
	root, stop := context.WithCancel(context.Background())
	return &Coordinator{
		cfg:        cfg,
		sessions:   sessions,
		newCrawler: newCrawler,
		ingestor:   ingestor,
		cooldown:   cooldown,
		raw:        raw,
		logger:     cfg.Logger.For("tasks"),
		now:        time.Now,
		root:       root,
		stopRoot:   stop,
		tasks:      make(map[string]*task),
		active:     make(map[string]string),
	}
}

// Start triggers a crawl. While a task of the same source is Pending, Running
// or Saving, the existing task is returned with started=false and no new
// session is provisioned.
func (c *Coordinator) Start(params models.SearchParams) (models.CrawlTask, bool, error) {
	c.Sweep()

	if snap, ok := c.activeTask(); ok {
		return snap, false, nil
	}

	until, err := c.cooldown.Until(c.cfg.Source)
	if err != nil {
		c.logger.WithError(err).Warn("[tasks] Cooldown lookup failed, continuing")
	} else if !until.IsZero() {
		return models.CrawlTask{}, false, ErrCoolingDown
	}

	c.mu.Lock()
	if id, ok := c.active[c.cfg.Source]; ok {
		snap := c.snapshot(c.tasks[id])
		c.mu.Unlock()
		return snap, false, nil
	}
	ctx, cancel := context.WithTimeout(c.root, c.cfg.Timeout)
	t := &task{
		snap: models.CrawlTask{
			ID:       uuid.NewString(),
			Source:   c.cfg.Source,
			Status:   models.TaskPending,
			NavState: models.NavIdle,
			Params:   params,
		},
		created: c.now(),
		cancel:  cancel,
	}
	if c.cfg.ManualCaptcha {
		t.escalator = yad2.NewManualEscalator(c.cfg.ManualCaptchaWait, c.logger)
	}
	c.tasks[t.snap.ID] = t
	c.active[c.cfg.Source] = t.snap.ID
	snap := c.snapshot(t)
	c.mu.Unlock()

	c.logger.WithField("task_id", snap.ID).Info("[tasks] Task created for %s", c.cfg.Source)
	c.wg.Add(1)
	go c.run(ctx, t)
	return snap, true, nil
}

func (c *Coordinator) activeTask() (models.CrawlTask, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id, ok := c.active[c.cfg.Source]
	if !ok {
		return models.CrawlTask{}, false
	}
	return c.snapshot(c.tasks[id]), true
}

// Status returns a snapshot of task id.
func (c *Coordinator) Status(id string) (models.CrawlTask, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.tasks[id]
	if !ok {
		return models.CrawlTask{}, false
	}
	return c.snapshot(t), true
}

// List returns all retained tasks, newest first.
func (c *Coordinator) List() []models.CrawlTask {
	c.Sweep()
	c.mu.Lock()
	defer c.mu.Unlock()
	ts := make([]*task, 0, len(c.tasks))
	for _, t := range c.tasks {
		ts = append(ts, t)
	}
	sort.Slice(ts, func(i, j int) bool { return ts[i].created.After(ts[j].created) })
	out := make([]models.CrawlTask, len(ts))
	for i, t := range ts {
		out[i] = c.snapshot(t)
	}
	return out
}

// Cancel stops a running task. Listings collected so far are still saved and
// the task ends Failed with reason "cancelled". Once a task is Saving it can
// no longer be cancelled.
func (c *Coordinator) Cancel(id string) (models.CrawlTask, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.tasks[id]
	if !ok {
		return models.CrawlTask{}, ErrNotFound
	}
	if t.snap.Status.Terminal() {
		return c.snapshot(t), ErrTaskFinished
	}
	if t.snap.Status == models.TaskSaving {
		return c.snapshot(t), ErrTaskSaving
	}
	t.cancelled = true
	t.cancel()
	c.logger.WithField("task_id", id).Info("[tasks] Cancellation requested")
	return c.snapshot(t), nil
}

// Resume tells a task waiting on a manual challenge that an operator has
// dealt with it.
func (c *Coordinator) Resume(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.tasks[id]
	if !ok {
		return ErrNotFound
	}
	if t.snap.Status.Terminal() {
		return ErrTaskFinished
	}
	if t.escalator == nil {
		return ErrNoManualSolver
	}
	t.escalator.Resume()
	return nil
}

// Sweep retires terminal tasks older than the retention window.
func (c *Coordinator) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	cutoff := c.now().Add(-c.cfg.Retention)
	removed := 0
	for id, t := range c.tasks {
		if t.snap.Status.Terminal() && t.snap.EndedAt != nil && t.snap.EndedAt.Before(cutoff) {
			delete(c.tasks, id)
			removed++
		}
	}
	if removed > 0 {
		c.logger.Debug("[tasks] Retired %d finished tasks", removed)
	}
	return removed
}

// Janitor sweeps every interval until ctx is done.
func (c *Coordinator) Janitor(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Sweep()
		}
	}
}

// Wait blocks until every started task has finished.
func (c *Coordinator) Wait() {
	c.wg.Wait()
}

// Shutdown cancels all running tasks and waits for them to save and finish,
// or for ctx to expire.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	for _, t := range c.tasks {
		if t.snap.Status == models.TaskPending || t.snap.Status == models.TaskRunning {
			t.cancelled = true
		}
	}
	c.mu.Unlock()
	c.stopRoot()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Coordinator) run(ctx context.Context, t *task) {
	defer c.wg.Done()
	defer t.cancel()

	id := t.snap.ID
	log := c.logger.WithField("task_id", id)

	c.update(t, func(s *models.CrawlTask) {
		now := c.now()
		s.Status = models.TaskRunning
		s.StartedAt = &now
	})
	log.Info("[tasks] Task running")

	result, crawlErr := c.crawl(ctx, t, log)

	// stop reason and the move to Saving are one step; Cancel is refused
	// from here on
	var reason string
	c.update(t, func(s *models.CrawlTask) {
		reason = c.stopReason(ctx, t)
		s.Status = models.TaskSaving
	})

	stopErr := crawlErr
	switch reason {
	case ReasonTimeout:
		stopErr = apperrors.NewTimeout("tasks", c.cfg.Timeout)
	case ReasonCancelled:
		stopErr = context.Canceled
	}

	switch {
	case apperrors.Is(crawlErr, apperrors.ErrorTypeBlocked) || apperrors.Is(crawlErr, apperrors.ErrorTypeBotChallenge):
		if err := c.cooldown.Start(c.cfg.Source, c.cfg.BlockCooldown); err != nil {
			log.WithError(err).Warn("[tasks] Could not start cooldown")
		} else if c.cfg.BlockCooldown > 0 {
			log.Warn("[tasks] %s blocked us; cooling down for %v", c.cfg.Source, c.cfg.BlockCooldown)
		}
	case stopErr == nil:
		if err := c.cooldown.Clear(c.cfg.Source); err != nil {
			log.WithError(err).Warn("[tasks] Could not clear cooldown")
		}
	}

	saveErr := c.save(t, result, log)

	c.finish(t, stopErr, saveErr)
}

// crawl provisions the session and walks the results. The session is closed
// before returning so saving does not hold a browser.
func (c *Coordinator) crawl(ctx context.Context, t *task, log *utils.Logger) (*yad2.CrawlResult, error) {
	session, err := c.sessions.Open(ctx)
	if err != nil {
		if apperrors.TypeOf(err) == "" && ctx.Err() == nil {
			err = apperrors.NewSession("tasks", "open session", err)
		}
		log.WithError(err).Error("[tasks] Could not provision a browser session")
		return &yad2.CrawlResult{}, err
	}
	defer func() {
		if err := session.Close(); err != nil {
			log.WithError(err).Warn("[tasks] Session close failed")
		}
	}()

	onState := func(s models.NavState) {
		c.update(t, func(snap *models.CrawlTask) { snap.NavState = s })
	}
	var escalator yad2.Escalator
	if t.escalator != nil {
		escalator = t.escalator
	}
	crawler := c.newCrawler(onState, escalator)

	result, err := crawler.Crawl(ctx, session, t.snap.Params, func(pr yad2.PageResult) {
		c.update(t, func(s *models.CrawlTask) {
			if pr.Err != nil {
				s.Counts.PagesFailed++
				return
			}
			s.Counts.PagesVisited++
			s.Counts.TotalSeen += len(pr.Listings)
			s.Counts.Skipped += pr.Skipped
		})
	})
	if result == nil {
		result = &yad2.CrawlResult{}
	}
	return result, err
}

// stopReason tells why ctx ended early, if it did; callers hold c.mu.
func (c *Coordinator) stopReason(ctx context.Context, t *task) string {
	switch {
	case t.cancelled:
		return ReasonCancelled
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return ReasonTimeout
	}
	return ""
}

// save writes the raw dump and ingests whatever was collected. It runs on its
// own deadline so a timed out or cancelled crawl still persists its listings.
func (c *Coordinator) save(t *task, result *yad2.CrawlResult, log *utils.Logger) error {
	if len(result.Listings) == 0 {
		return nil
	}
	if c.raw != nil {
		if err := c.raw.WriteRaw(result.Listings); err != nil {
			log.WithError(err).Warn("[tasks] Raw dump failed")
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.SaveTimeout)
	defer cancel()
	report, err := c.ingestor.Ingest(ctx, t.snap.ID, result.Listings)
	if report != nil {
		c.update(t, func(s *models.CrawlTask) { report.Apply(&s.Counts) })
	}
	return err
}

func (c *Coordinator) finish(t *task, stopErr, saveErr error) {
	now := c.now()
	c.mu.Lock()
	s := &t.snap
	s.EndedAt = &now
	s.NavState = models.NavIdle
	switch {
	case errors.Is(stopErr, context.Canceled):
		s.Status = models.TaskFailed
		s.Error = ReasonCancelled
		s.ErrorType = ReasonCancelled
	case apperrors.Is(stopErr, apperrors.ErrorTypeTimeout):
		s.Status = models.TaskFailed
		s.Error = ReasonTimeout
		s.ErrorType = string(apperrors.ErrorTypeTimeout)
	case stopErr != nil:
		s.Status = models.TaskFailed
		s.Error = stopErr.Error()
		s.ErrorType = string(apperrors.TypeOf(stopErr))
	case saveErr != nil:
		s.Status = models.TaskFailed
		s.Error = saveErr.Error()
		s.ErrorType = string(apperrors.TypeOf(saveErr))
	default:
		s.Status = models.TaskCompleted
	}
	if c.active[t.snap.Source] == t.snap.ID {
		delete(c.active, t.snap.Source)
	}
	snap := c.snapshot(t)
	c.mu.Unlock()

	log := c.logger.WithField("task_id", snap.ID)
	if snap.Status == models.TaskFailed {
		log.Error("[tasks] Task failed (%s) — pages: %d, created: %d, updated: %d, rejected: %d, errors: %d",
			snap.Error, snap.Counts.PagesVisited, snap.Counts.Created, snap.Counts.Updated, snap.Counts.Rejected, snap.Counts.Errors)
		return
	}
	log.Info("[tasks] Task completed — pages: %d, created: %d, updated: %d, unchanged: %d, rejected: %d, errors: %d",
		snap.Counts.PagesVisited, snap.Counts.Created, snap.Counts.Updated, snap.Counts.Unchanged, snap.Counts.Rejected, snap.Counts.Errors)
}

func (c *Coordinator) update(t *task, fn func(*models.CrawlTask)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fn(&t.snap)
}

// snapshot copies t.snap; callers hold c.mu.
func (c *Coordinator) snapshot(t *task) models.CrawlTask {
	s := t.snap
	if t.snap.Counts.RejectedBy != nil {
		s.Counts.RejectedBy = make(map[string]int, len(t.snap.Counts.RejectedBy))
		for k, v := range t.snap.Counts.RejectedBy {
			s.Counts.RejectedBy[k] = v
		}
	}
	return s
}
