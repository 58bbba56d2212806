package yad2

import (
	"context"
	"errors"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"yad2-ingest/utils"
)

// challengeSelectors are DOM markers of a CAPTCHA or interstitial page.
var challengeSelectors = []string{
	`iframe[src*="captcha"]`,
	`iframe[src*="recaptcha"]`,
	`iframe[src*="challenges.cloudflare.com"]`,
	`iframe[src*="hcaptcha"]`,
	`div.recaptcha`,
	`div#captcha`,
	`div.captcha-container`,
	`div[class*="captcha"]`,
	`#challenge-form`,
	`#cf-challenge-running`,
}

// challengeTexts are interstitial messages matched against the raw page
// content, case-insensitively.
var challengeTexts = []string{
	"please complete the security check to continue",
	"please verify you are a human",
	"verify you are human",
	"checking your browser before accessing",
	"bot detected",
	"rate limit exceeded",
	"recaptcha/api2/bframe",
	"perfdrive.com",
	"shieldsquare",
	"אנא אשרו שאינכם רובוט",
}

var challengeTitles = []string{"just a moment", "attention required", "security check", "captcha"}

var blockedTitles = []string{"access denied", "forbidden", "blocked"}

// statusTitle matches a bare HTTP 403 status page title such as "403" or
// "Error 403". A number inside a results title is not a status.
var statusTitle = regexp.MustCompile(`(?i)^\s*403\s*$|\b(error|http|status)\s*:?\s*403\b`)

var blockedPathMarkers = []string{"login", "auth", "block", "error", "denied", "captcha"}

// DetectChallenge reports whether a page is a bot challenge and which marker
// gave it away. It looks at both the parsed DOM and the raw content.
func DetectChallenge(html, title string) (bool, string) {
	lowerTitle := strings.ToLower(title)
	for _, t := range challengeTitles {
		if strings.Contains(lowerTitle, t) {
			return true, "title:" + t
		}
	}

	lower := strings.ToLower(html)
	for _, t := range challengeTexts {
		if strings.Contains(lower, t) {
			return true, "text:" + t
		}
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return false, ""
	}
	for _, sel := range challengeSelectors {
		if doc.Find(sel).Length() > 0 {
			return true, "selector:" + sel
		}
	}
	return false, ""
}

// IsBlockedLocation reports whether the page was redirected to a block or
// login page: a marker in the path, or a host outside the expected site.
func IsBlockedLocation(location, expectedHost string) bool {
	u, err := url.Parse(location)
	if err != nil || u.Host == "" {
		return false
	}
	if expectedHost != "" && !sameSite(u.Hostname(), expectedHost) {
		return true
	}
	for _, seg := range strings.Split(strings.ToLower(u.Path), "/") {
		for _, m := range blockedPathMarkers {
			if strings.Contains(seg, m) {
				return true
			}
		}
	}
	return false
}

// IsBlockedTitle reports whether the document title announces a block page.
func IsBlockedTitle(title string) bool {
	lower := strings.ToLower(title)
	for _, t := range blockedTitles {
		if strings.Contains(lower, t) {
			return true
		}
	}
	return statusTitle.MatchString(title)
}

func sameSite(host, expected string) bool {
	host = strings.TrimPrefix(strings.ToLower(host), "www.")
	expected = strings.TrimPrefix(strings.ToLower(expected), "www.")
	return host == expected || strings.HasSuffix(host, "."+expected)
}

// EscalationRequest describes a challenge that did not clear on its own.
type EscalationRequest struct {
	URL    string
	Marker string
	Page   Page
}

// Escalator is called when a challenge survives the automatic wait. A nil
// error means the challenge was handled and the page should be re-checked.
type Escalator interface {
	Escalate(ctx context.Context, req EscalationRequest) error
}

// EscalatorFunc adapts a function to Escalator.
type EscalatorFunc func(ctx context.Context, req EscalationRequest) error

func (f EscalatorFunc) Escalate(ctx context.Context, req EscalationRequest) error {
	return f(ctx, req)
}

var (
	// ErrChallengeUnresolved is returned by escalators that gave up.
	ErrChallengeUnresolved = errors.New("challenge unresolved")
)

// TimeoutEscalator is the default: it holds the page for Wait and then
// fails it.
type TimeoutEscalator struct {
	Wait time.Duration
}

func (e TimeoutEscalator) Escalate(ctx context.Context, req EscalationRequest) error {
	if err := utils.Sleep(ctx, e.Wait); err != nil {
		return err
	}
	return ErrChallengeUnresolved
}

// Relauncher is implemented by pages that can swap their browser for a
// visible one.
type Relauncher interface {
	Headless() bool
	Relaunch(ctx context.Context, headless bool) error
}

// ManualEscalator hands the challenge to a human: the session is relaunched
// with a visible window, and the page is polled until the challenge clears,
// Resume is called, or Wait elapses.
type ManualEscalator struct {
	Wait   time.Duration
	Poll   time.Duration
	Logger *utils.Logger

	resume chan struct{}
}

func NewManualEscalator(wait time.Duration, logger *utils.Logger) *ManualEscalator {
	if logger == nil {
		logger = utils.NewNopLogger()
	}
	return &ManualEscalator{
		Wait:   wait,
		Poll:   2 * time.Second,
		Logger: logger,
		resume: make(chan struct{}, 1),
	}
}

// Resume signals that an operator has dealt with the challenge.
func (m *ManualEscalator) Resume() {
	select {
	case m.resume <- struct{}{}:
	default:
	}
}

func (m *ManualEscalator) Escalate(ctx context.Context, req EscalationRequest) error {
	if r, ok := req.Page.(Relauncher); ok && r.Headless() {
		if err := r.Relaunch(ctx, false); err != nil {
			return err
		}
		if err := req.Page.Navigate(ctx, req.URL); err != nil {
			return err
		}
	}

	m.Logger.Warn("[captcha] Manual intervention required for %s (%s); waiting up to %v",
		req.URL, req.Marker, m.Wait)

	deadline := time.NewTimer(m.Wait)
	defer deadline.Stop()
	ticker := time.NewTicker(m.Poll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return ErrChallengeUnresolved
		case <-m.resume:
			m.Logger.Info("[captcha] Operator resumed %s", req.URL)
			return nil
		case <-ticker.C:
			html, err := req.Page.HTML(ctx)
			if err != nil {
				continue
			}
			title, _ := req.Page.Title(ctx)
			if challenged, _ := DetectChallenge(html, title); !challenged {
				m.Logger.Info("[captcha] Challenge cleared on %s", req.URL)
				return nil
			}
		}
	}
}
