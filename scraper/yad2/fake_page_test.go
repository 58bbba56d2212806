package yad2

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"
)

const (
	testBase      = "https://www.yad2.co.il"
	testSearchURL = testBase + "/vehicles/cars"
	testHost      = "www.yad2.co.il"
)

const challengeHTML = `<html><head><title>Just a moment...</title></head>
<body><div id="challenge-form">Checking your browser before accessing yad2.co.il</div></body></html>`

const emptyResultsHTML = `<html><head><title>יד2 - רכבים</title></head><body><main>אין תוצאות</main></body></html>`

type fixture struct {
	html     string
	title    string
	location string
}

// fakePage serves fixtures keyed by canonical URL. Unknown URLs get an empty
// results page.
type fakePage struct {
	mu sync.Mutex

	fixtures map[string]fixture
	navErrs  map[string][]error

	current   string
	visits    []string
	htmlCalls int

	// challengeReads serves the first N content reads as a challenge page.
	challengeReads int
}

var _ Page = (*fakePage)(nil)

func newFakePage() *fakePage {
	return &fakePage{fixtures: map[string]fixture{}, navErrs: map[string][]error{}}
}

func (p *fakePage) serve(url, html string) *fakePage {
	p.fixtures[canonicalURL(url)] = fixture{html: html, title: "יד2 - רכבים"}
	return p
}

func (p *fakePage) redirect(url, location, title string) *fakePage {
	p.fixtures[canonicalURL(url)] = fixture{html: emptyResultsHTML, title: title, location: location}
	return p
}

func (p *fakePage) failNavigation(url string, errs ...error) *fakePage {
	p.navErrs[canonicalURL(url)] = append(p.navErrs[canonicalURL(url)], errs...)
	return p
}

func (p *fakePage) Navigate(ctx context.Context, url string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.visits = append(p.visits, url)
	key := canonicalURL(url)
	if errs := p.navErrs[key]; len(errs) > 0 {
		p.navErrs[key] = errs[1:]
		return errs[0]
	}
	p.current = url
	return ctx.Err()
}

func (p *fakePage) Reload(ctx context.Context) error { return ctx.Err() }

func (p *fakePage) fixture() fixture {
	f, ok := p.fixtures[canonicalURL(p.current)]
	if !ok {
		f = fixture{html: emptyResultsHTML, title: "יד2 - רכבים"}
	}
	if f.location == "" {
		f.location = p.current
	}
	return f
}

func (p *fakePage) challenged() bool {
	return p.challengeReads > 0 && p.htmlCalls <= p.challengeReads
}

func (p *fakePage) Location(context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.fixture().location, nil
}

func (p *fakePage) Title(context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.challenged() {
		return "Just a moment...", nil
	}
	return p.fixture().title, nil
}

func (p *fakePage) HTML(context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.htmlCalls++
	if p.challenged() {
		return challengeHTML, nil
	}
	return p.fixture().html, nil
}

func (p *fakePage) WaitText(ctx context.Context, selector string, _ time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	p.mu.Lock()
	html := p.fixture().html
	p.mu.Unlock()
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(doc.Find(selector).First().Text()) != "", nil
}

func (p *fakePage) visited() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.visits...)
}

func card(id, title, price string) string {
	return fmt.Sprintf(`<div data-test-id="feed-item">
  <a href="/item/%s"><img src="https://img.yad2.co.il/Pic/%s.jpg"></a>
  <span data-test-id="title">%s</span>
  <span data-test-id="price">%s</span>
</div>`, id, id, title, price)
}

// resultsPage renders a results page with the given cards and an optional
// rel=next link.
func resultsPage(next string, cards ...string) string {
	var b strings.Builder
	b.WriteString(`<html><head><title>יד2 - רכבים</title></head><body><div id="__next"><div data-test-id="feed">`)
	for _, c := range cards {
		b.WriteString(c)
	}
	b.WriteString(`</div>`)
	if next != "" {
		fmt.Fprintf(&b, `<nav><a rel="next" href="%s">הבא</a></nav>`, next)
	}
	b.WriteString(`</div></body></html>`)
	return b.String()
}
