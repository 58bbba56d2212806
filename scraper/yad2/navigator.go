package yad2

import (
	"context"
	"fmt"
	"sync"
	"time"

	"yad2-ingest/models"
	apperrors "yad2-ingest/pkg/errors"
	"yad2-ingest/utils"
)

// Page is the part of a browser session the navigator drives.
type Page interface {
	Navigate(ctx context.Context, url string) error
	Reload(ctx context.Context) error
	Location(ctx context.Context) (string, error)
	Title(ctx context.Context) (string, error)
	HTML(ctx context.Context) (string, error)
	WaitText(ctx context.Context, selector string, timeout time.Duration) (bool, error)
}

// Pacer delays a navigation the way a human would.
type Pacer interface {
	Wait(ctx context.Context) error
}

type noPacer struct{}

func (noPacer) Wait(context.Context) error { return nil }

// NavigatorConfig tunes retries, waits and escalation.
type NavigatorConfig struct {
	// ExpectedHost is the site host; redirects elsewhere are block pages.
	ExpectedHost string

	MaxRetries     int
	RetryBaseDelay time.Duration
	RetryFactor    float64
	RetryMaxDelay  time.Duration

	SelectorTimeout time.Duration
	ReadyTimeout    time.Duration
	CaptchaWait     time.Duration
	CaptchaPoll     time.Duration

	Pacer     Pacer
	Escalator Escalator
	Logger    *utils.Logger

	// OnStateChange observes every transition. Called without locks held.
	OnStateChange func(models.NavState)
}

func (c NavigatorConfig) withDefaults() NavigatorConfig {
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = 2 * time.Second
	}
	if c.RetryFactor <= 1 {
		c.RetryFactor = 1.5
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 30 * time.Second
	}
	if c.SelectorTimeout <= 0 {
		c.SelectorTimeout = 2 * time.Second
	}
	if c.ReadyTimeout <= 0 {
		c.ReadyTimeout = 20 * time.Second
	}
	if c.CaptchaWait < 0 {
		c.CaptchaWait = 0
	}
	if c.CaptchaPoll <= 0 {
		c.CaptchaPoll = time.Second
	}
	if c.Pacer == nil {
		c.Pacer = noPacer{}
	}
	if c.Escalator == nil {
		c.Escalator = TimeoutEscalator{}
	}
	if c.Logger == nil {
		c.Logger = utils.NewNopLogger()
	}
	return c
}

// Navigator loads pages under retry, detects challenges and block pages, and
// waits for content. It holds the tagged navigation state of its session and
// is the only writer of it.
type Navigator struct {
	cfg     NavigatorConfig
	logger  *utils.Logger
	backoff *utils.Backoff

	mu            sync.RWMutex
	state         models.NavState
	readySelector string
}

func NewNavigator(cfg NavigatorConfig) *Navigator {
	cfg = cfg.withDefaults()
	log := cfg.Logger.For("navigator")
	return &Navigator{
		cfg:    cfg,
		logger: log,
		state:  models.NavIdle,
		backoff: &utils.Backoff{
			MaxAttempts: cfg.MaxRetries + 1,
			BaseDelay:   cfg.RetryBaseDelay,
			Factor:      cfg.RetryFactor,
			Jitter:      0.3,
			MaxDelay:    cfg.RetryMaxDelay,
			Logger:      log,
			Retryable:   apperrors.IsRetryable,
		},
	}
}

// State returns the current navigation state.
func (n *Navigator) State() models.NavState {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.state
}

// ReadySelector returns the readiness selector that matched last.
func (n *Navigator) ReadySelector() string {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.readySelector
}

func (n *Navigator) setState(s models.NavState) {
	n.mu.Lock()
	changed := n.state != s
	n.state = s
	n.mu.Unlock()
	if changed && n.cfg.OnStateChange != nil {
		n.cfg.OnStateChange(s)
	}
}

// Navigate drives page to url. On success the page holds rendered content and
// the state is back to Idle. Failures leave the state naming the cause
// (TimedOut, CaptchaDetected, BlockedRedirect or Error) and return a typed
// error; context cancellation is returned as is.
func (n *Navigator) Navigate(ctx context.Context, page Page, url string) error {
	n.setState(models.NavNavigating)

	if err := n.cfg.Pacer.Wait(ctx); err != nil {
		n.setState(models.NavIdle)
		return err
	}

	err := n.backoff.Do(ctx, "navigate "+url, func(attempt int) error {
		if attempt > 0 {
			n.logger.Info("[navigator] Retry %d/%d for %s", attempt, n.cfg.MaxRetries, url)
		}
		return page.Navigate(ctx, url)
	})
	if err != nil {
		return n.fail(ctx, err, models.NavTimedOut)
	}

	if err := n.checkChallenge(ctx, page, url); err != nil {
		return n.fail(ctx, err, models.NavCaptchaDetected)
	}

	if err := n.checkBlocked(ctx, page, url); err != nil {
		return n.fail(ctx, err, models.NavBlockedRedirect)
	}

	if err := n.waitReady(ctx, page, url); err != nil {
		return n.fail(ctx, err, models.NavError)
	}

	n.setState(models.NavContentReady)
	n.setState(models.NavIdle)
	return nil
}

// fail settles the state for err. Context errors return to Idle, session
// errors and everything unexpected end in Error.
func (n *Navigator) fail(ctx context.Context, err error, state models.NavState) error {
	switch {
	case ctx.Err() != nil:
		n.setState(models.NavIdle)
		return ctx.Err()
	case apperrors.Is(err, apperrors.ErrorTypeSession):
		n.setState(models.NavError)
	default:
		n.setState(state)
	}
	return err
}

// checkChallenge runs the challenge state: a bounded wait for the
// interstitial to clear by itself, then one escalation, then a final check.
func (n *Navigator) checkChallenge(ctx context.Context, page Page, url string) error {
	challenged, marker, err := n.challenged(ctx, page)
	if err != nil || !challenged {
		return err
	}

	n.setState(models.NavCaptchaDetected)
	n.logger.Warn("[navigator] Bot challenge on %s (%s), waiting up to %v", url, marker, n.cfg.CaptchaWait)

	deadline := time.Now().Add(n.cfg.CaptchaWait)
	for time.Now().Before(deadline) {
		wait := n.cfg.CaptchaPoll
		if left := time.Until(deadline); left < wait {
			wait = left
		}
		if err := utils.Sleep(ctx, wait); err != nil {
			return err
		}
		if challenged, marker, err = n.challenged(ctx, page); err != nil {
			return err
		}
		if !challenged {
			n.logger.Info("[navigator] Challenge cleared on %s", url)
			n.setState(models.NavNavigating)
			return nil
		}
	}

	escErr := n.cfg.Escalator.Escalate(ctx, EscalationRequest{URL: url, Marker: marker, Page: page})
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if apperrors.Is(escErr, apperrors.ErrorTypeSession) {
		return escErr
	}
	if escErr == nil {
		if challenged, marker, err = n.challenged(ctx, page); err != nil {
			return err
		}
		if !challenged {
			n.logger.Info("[navigator] Challenge resolved after escalation on %s", url)
			n.setState(models.NavNavigating)
			return nil
		}
	}
	return apperrors.NewBotChallenge(defaultPageSource, fmt.Sprintf("challenge unresolved on %s (%s)", url, marker))
}

func (n *Navigator) challenged(ctx context.Context, page Page) (bool, string, error) {
	html, err := page.HTML(ctx)
	if err != nil {
		return false, "", err
	}
	title, err := page.Title(ctx)
	if err != nil {
		return false, "", err
	}
	ok, marker := DetectChallenge(html, title)
	return ok, marker, nil
}

func (n *Navigator) checkBlocked(ctx context.Context, page Page, url string) error {
	location, err := page.Location(ctx)
	if err != nil {
		return err
	}
	title, err := page.Title(ctx)
	if err != nil {
		return err
	}
	if IsBlockedLocation(location, n.cfg.ExpectedHost) || IsBlockedTitle(title) {
		n.logger.Warn("[navigator] %s redirected to block page %s (%q)", url, location, title)
		return apperrors.NewBlocked(defaultPageSource, fmt.Sprintf("redirected from %s to %s", url, location))
	}
	return nil
}

// waitReady walks the readiness chain. Each selector gets at most
// SelectorTimeout, clipped to what is left of ReadyTimeout.
func (n *Navigator) waitReady(ctx context.Context, page Page, url string) error {
	deadline := time.Now().Add(n.cfg.ReadyTimeout)
	for _, sel := range readinessSelectors {
		left := time.Until(deadline)
		if left <= 0 {
			break
		}
		wait := n.cfg.SelectorTimeout
		if left < wait {
			wait = left
		}

		ok, err := page.WaitText(ctx, sel, wait)
		if err != nil {
			if ctx.Err() != nil || apperrors.Is(err, apperrors.ErrorTypeSession) {
				return err
			}
			n.logger.Debug("[navigator] Readiness probe %q failed: %v", sel, err)
			continue
		}
		if ok {
			n.mu.Lock()
			n.readySelector = sel
			n.mu.Unlock()
			n.logger.Debug("[navigator] %s ready via %q", url, sel)
			return nil
		}
	}
	return apperrors.NewContentMissing(defaultPageSource, fmt.Sprintf("no content selector resolved on %s within %v", url, n.cfg.ReadyTimeout))
}
