package yad2

import (
	"net/url"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"yad2-ingest/utils"
)

// Paginator discovers the next results page and bounds the walk. It is owned
// by a single crawl run and is not safe for concurrent use across runs.
type Paginator struct {
	listingsPath string
	maxPages     int
	visited      *utils.URLSet
}

// NewPaginator limits a run to maxPages pages under listingsPath.
func NewPaginator(listingsPath string, maxPages int) *Paginator {
	if maxPages < 1 {
		maxPages = 1
	}
	return &Paginator{
		listingsPath: strings.TrimRight(listingsPath, "/"),
		maxPages:     maxPages,
		visited:      utils.NewURLSet(),
	}
}

// Visit records rawURL as visited. It returns false when the URL was already
// visited in this run or the page budget is spent; the caller must then stop.
func (p *Paginator) Visit(rawURL string) bool {
	if p.visited.Size() >= p.maxPages {
		return false
	}
	return p.visited.Add(canonicalURL(rawURL))
}

// Visited reports whether rawURL was already visited in this run.
func (p *Paginator) Visited(rawURL string) bool {
	return p.visited.Contains(canonicalURL(rawURL))
}

// Pages returns how many pages were visited.
func (p *Paginator) Pages() int {
	return p.visited.Size()
}

// Exhausted reports whether the page budget is spent.
func (p *Paginator) Exhausted() bool {
	return p.visited.Size() >= p.maxPages
}

// NextPageURL returns the URL of the page after currentIndex (0-based), or ""
// when pagination is terminal. Candidates, in order: an explicit next control,
// the pagination link whose text is the next page number, and a constructed
// URL with the page parameter incremented. Already visited URLs are never
// returned.
func (p *Paginator) NextPageURL(doc *goquery.Document, currentURL string, currentIndex int) string {
	base, err := url.Parse(currentURL)
	if err != nil {
		return ""
	}

	if doc != nil {
		if next := p.explicitNext(doc, base); next != "" {
			return next
		}
		if next := p.numberedNext(doc, base, currentIndex+2); next != "" {
			return next
		}
	}
	return p.ConstructedNext(currentURL)
}

func (p *Paginator) explicitNext(doc *goquery.Document, base *url.URL) string {
	for _, sel := range nextControlSelectors {
		var found string
		doc.Find(sel).EachWithBreak(func(_ int, a *goquery.Selection) bool {
			found = p.candidate(base, a)
			return found == ""
		})
		if found != "" {
			return found
		}
	}

	var found string
	doc.Find("a[href]").EachWithBreak(func(_ int, a *goquery.Selection) bool {
		text := strings.ToLower(collapse(a.Text()))
		for _, t := range nextControlTexts {
			if text == t {
				found = p.candidate(base, a)
				break
			}
		}
		return found == ""
	})
	return found
}

func (p *Paginator) numberedNext(doc *goquery.Document, base *url.URL, nextNumber int) string {
	want := strconv.Itoa(nextNumber)
	var found string
	doc.Find(paginationLinkSelector).EachWithBreak(func(_ int, a *goquery.Selection) bool {
		if collapse(a.Text()) == want {
			found = p.candidate(base, a)
		}
		return found == ""
	})
	return found
}

// candidate resolves a link's href and drops it when it is disabled or
// already visited.
func (p *Paginator) candidate(base *url.URL, a *goquery.Selection) string {
	if _, disabled := a.Attr("disabled"); disabled || a.AttrOr("aria-disabled", "") == "true" {
		return ""
	}
	href := strings.TrimSpace(a.AttrOr("href", ""))
	if href == "" || href == "#" || strings.HasPrefix(strings.ToLower(href), "javascript:") {
		return ""
	}
	ref, err := url.Parse(href)
	if err != nil {
		return ""
	}
	next := base.ResolveReference(ref).String()
	if p.Visited(next) {
		return ""
	}
	return next
}

// ConstructedNext increments the page query parameter of currentURL. It
// returns "" when the path has drifted outside the listings section or the
// result was already visited.
func (p *Paginator) ConstructedNext(currentURL string) string {
	u, err := url.Parse(currentURL)
	if err != nil {
		return ""
	}
	path := strings.TrimRight(u.Path, "/")
	if p.listingsPath != "" && path != p.listingsPath && !strings.HasPrefix(path, p.listingsPath+"/") {
		return ""
	}
	q := u.Query()
	page, err := strconv.Atoi(q.Get("page"))
	if err != nil || page < 1 {
		page = 1
	}
	q.Set("page", strconv.Itoa(page+1))
	u.RawQuery = q.Encode()
	u.Fragment = ""
	next := u.String()
	if p.Visited(next) {
		return ""
	}
	return next
}

// canonicalURL normalizes a URL for visited-set membership: host case, a
// trailing slash, the fragment, query order and an explicit page=1 do not
// make two URLs different.
func canonicalURL(rawURL string) string {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return rawURL
	}
	u.Host = strings.ToLower(u.Host)
	u.Fragment = ""
	u.Path = strings.TrimRight(u.Path, "/")
	q := u.Query()
	if q.Get("page") == "1" {
		q.Del("page")
	}
	u.RawQuery = q.Encode()
	return u.String()
}
