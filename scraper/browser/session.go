package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"github.com/go-rod/stealth"

	apperrors "yad2-ingest/pkg/errors"
	"yad2-ingest/utils"
)

const source = "browser"

// Config controls how a Session is provisioned.
type Config struct {
	Headless          bool
	ExecPath          string
	NavigationTimeout time.Duration
	OpenAttempts      int
	OpenBaseDelay     time.Duration
	BlockImages       bool
	Logger            *utils.Logger
}

func (c Config) withDefaults() Config {
	if c.NavigationTimeout <= 0 {
		c.NavigationTimeout = 30 * time.Second
	}
	if c.OpenAttempts <= 0 {
		c.OpenAttempts = 3
	}
	if c.OpenBaseDelay <= 0 {
		c.OpenBaseDelay = 500 * time.Millisecond
	}
	if c.Logger == nil {
		c.Logger = utils.NewNopLogger()
	}
	if c.ExecPath == "" {
		c.ExecPath = findChromeBinary()
	}
	return c
}

// Session owns one browser process and one isolated tab with a randomized
// fingerprint. Close must be called on every exit path; it is idempotent.
type Session struct {
	cfg     Config
	profile Profile
	logger  *utils.Logger

	mu          sync.RWMutex
	tabCtx      context.Context
	cancelTab   context.CancelFunc
	cancelAlloc context.CancelFunc

	closeOnce sync.Once
	closed    chan struct{}
}

// Open launches a browser and prepares its tab. Provisioning is retried with
// a short exponential backoff; if every attempt fails a session error is
// returned and the crawl cannot proceed.
func Open(ctx context.Context, cfg Config) (*Session, error) {
	cfg = cfg.withDefaults()
	log := cfg.Logger.For("browser")

	backoff := &utils.Backoff{
		MaxAttempts: cfg.OpenAttempts,
		BaseDelay:   cfg.OpenBaseDelay,
		Factor:      2,
		Logger:      log,
	}

	var s *Session
	err := backoff.Do(ctx, "open browser session", func(int) error {
		var err error
		s, err = launchSession(ctx, cfg, RandomProfile(nil))
		return err
	})
	if err != nil {
		return nil, apperrors.NewSession(source, "could not provision browser", err)
	}

	log.Info("[browser] Session ready (headless=%t, viewport=%dx%d, locale=%s)",
		cfg.Headless, s.profile.Width, s.profile.Height, s.profile.Locale)
	return s, nil
}

// launchSession starts one browser; replaced in tests.
var launchSession = launch

func launch(ctx context.Context, cfg Config, profile Profile) (*Session, error) {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", cfg.Headless),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("disable-setuid-sandbox", true),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.Flag("lang", profile.Locale),
		chromedp.UserAgent(profile.UserAgent),
		chromedp.WindowSize(profile.Width, profile.Height),
	)
	if cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(cfg.ExecPath))
	}

	// The browser lives until Close, independent of the caller's context.
	allocCtx, cancelAlloc := chromedp.NewExecAllocator(context.Background(), opts...)
	tabCtx, cancelTab := chromedp.NewContext(allocCtx, chromedp.WithLogf(func(string, ...interface{}) {}))

	s := &Session{
		cfg:         cfg,
		profile:     profile,
		logger:      cfg.Logger.For("browser"),
		tabCtx:      tabCtx,
		cancelTab:   cancelTab,
		cancelAlloc: cancelAlloc,
		closed:      make(chan struct{}),
	}

	// First Run allocates the process; it must not carry a timeout.
	if err := chromedp.Run(tabCtx); err != nil {
		s.Close()
		return nil, fmt.Errorf("start browser: %w", err)
	}

	if err := s.run(ctx, cfg.NavigationTimeout, s.setupActions()...); err != nil {
		s.Close()
		return nil, fmt.Errorf("prepare tab: %w", err)
	}
	return s, nil
}

func (s *Session) setupActions() []chromedp.Action {
	p := s.profile
	return []chromedp.Action{
		enableResourceBlocking(s.tabCtx, s.cfg.BlockImages),
		emulation.SetDeviceMetricsOverride(int64(p.Width), int64(p.Height), 1, false),
		emulation.SetUserAgentOverride(p.UserAgent).
			WithAcceptLanguage(p.AcceptLanguage).
			WithPlatform(p.Platform),
		emulation.SetLocaleOverride().WithLocale(p.Locale),
		emulation.SetTimezoneOverride(p.Timezone),
		emulation.SetGeolocationOverride().
			WithLatitude(p.Latitude).
			WithLongitude(p.Longitude).
			WithAccuracy(100),
		addInitScript(stealth.JS),
		addInitScript(p.OverrideScript()),
	}
}

func addInitScript(src string) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		_, err := page.AddScriptToEvaluateOnNewDocument(src).Do(ctx)
		return err
	})
}

// run executes actions on the tab bounded by both the caller's ctx and timeout.
func (s *Session) run(ctx context.Context, timeout time.Duration, actions ...chromedp.Action) error {
	select {
	case <-s.closed:
		return apperrors.NewSession(source, "session already closed", nil)
	default:
	}

	s.mu.RLock()
	tabCtx := s.tabCtx
	s.mu.RUnlock()

	runCtx, cancel := context.WithTimeout(tabCtx, timeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	err := chromedp.Run(runCtx, actions...)
	if err != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

// Navigate loads url and waits for the load event. Transport failures and
// timeouts are reported as retryable network errors.
func (s *Session) Navigate(ctx context.Context, url string) error {
	err := s.run(ctx, s.cfg.NavigationTimeout, chromedp.Navigate(url))
	if err == nil || ctx.Err() != nil || apperrors.Is(err, apperrors.ErrorTypeSession) {
		return err
	}
	return apperrors.NewNetwork(source, "navigate "+url, err)
}

// Reload reloads the current document.
func (s *Session) Reload(ctx context.Context) error {
	err := s.run(ctx, s.cfg.NavigationTimeout, chromedp.Reload())
	if err == nil || ctx.Err() != nil || apperrors.Is(err, apperrors.ErrorTypeSession) {
		return err
	}
	return apperrors.NewNetwork(source, "reload", err)
}

// Location returns the current document URL after redirects.
func (s *Session) Location(ctx context.Context) (string, error) {
	var u string
	err := s.run(ctx, s.cfg.NavigationTimeout, chromedp.Location(&u))
	return u, err
}

// Title returns the current document title.
func (s *Session) Title(ctx context.Context) (string, error) {
	var t string
	err := s.run(ctx, s.cfg.NavigationTimeout, chromedp.Title(&t))
	return t, err
}

// HTML returns the serialized live DOM.
func (s *Session) HTML(ctx context.Context) (string, error) {
	var html string
	err := s.run(ctx, s.cfg.NavigationTimeout,
		chromedp.Evaluate(`document.documentElement ? document.documentElement.outerHTML : ''`, &html))
	return html, err
}

// WaitText polls until selector matches an element with non-empty visible
// text or timeout elapses. A timeout is not an error: it reports false.
func (s *Session) WaitText(ctx context.Context, selector string, timeout time.Duration) (bool, error) {
	sel, _ := json.Marshal(selector)
	script := fmt.Sprintf(`(() => {
		let el;
		try { el = document.querySelector(%s); } catch (e) { return false; }
		if (!el) return false;
		const style = window.getComputedStyle(el);
		if (style && (style.display === 'none' || style.visibility === 'hidden')) return false;
		return (el.innerText || el.textContent || '').trim().length > 0;
	})()`, sel)

	deadline := time.Now().Add(timeout)
	for {
		var ok bool
		if err := s.run(ctx, s.cfg.NavigationTimeout, chromedp.Evaluate(script, &ok)); err != nil {
			if ctx.Err() != nil || apperrors.Is(err, apperrors.ErrorTypeSession) {
				return false, err
			}
		} else if ok {
			return true, nil
		}
		if time.Now().After(deadline) {
			return false, nil
		}
		if err := utils.Sleep(ctx, 200*time.Millisecond); err != nil {
			return false, err
		}
	}
}

// Profile returns the fingerprint the session was launched with.
func (s *Session) Profile() Profile {
	return s.profile
}

// Headless reports whether the browser runs without a window.
func (s *Session) Headless() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg.Headless
}

// Relaunch replaces the browser process with a new one in the requested
// mode, keeping the same fingerprint. The old process is terminated.
func (s *Session) Relaunch(ctx context.Context, headless bool) error {
	select {
	case <-s.closed:
		return apperrors.NewSession(source, "session already closed", nil)
	default:
	}

	cfg := s.cfg
	cfg.Headless = headless
	fresh, err := launch(ctx, cfg, s.profile)
	if err != nil {
		return apperrors.NewSession(source, "relaunch browser", err)
	}

	s.mu.Lock()
	oldTab, oldAlloc := s.cancelTab, s.cancelAlloc
	s.cfg = cfg
	s.tabCtx, s.cancelTab, s.cancelAlloc = fresh.tabCtx, fresh.cancelTab, fresh.cancelAlloc
	s.mu.Unlock()

	oldTab()
	oldAlloc()
	s.logger.Info("[browser] Session relaunched (headless=%t)", headless)
	return nil
}

// Close terminates the tab and the browser process. Safe to call many times.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		close(s.closed)
		s.mu.RLock()
		cancelTab, cancelAlloc := s.cancelTab, s.cancelAlloc
		s.mu.RUnlock()
		cancelTab()
		cancelAlloc()
		s.logger.Debug("[browser] Session closed")
	})
	return nil
}

// findChromeBinary locates Chrome/Chromium binary.
func findChromeBinary() string {
	if bin := os.Getenv("CHROME_BIN"); bin != "" {
		return bin
	}

	names := []string{"google-chrome-stable", "google-chrome", "chromium", "chromium-browser"}
	for _, name := range names {
		if path, err := exec.LookPath(name); err == nil {
			return path
		}
	}

	paths := []string{
		"/usr/bin/google-chrome-stable",
		"/usr/bin/google-chrome",
		"/usr/bin/chromium-browser",
		"/usr/bin/chromium",
		"/snap/bin/chromium",
		"/opt/google/chrome/google-chrome",
	}
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}

	return ""
}
