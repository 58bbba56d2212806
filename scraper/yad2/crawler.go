package yad2

import (
	"context"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"yad2-ingest/models"
	apperrors "yad2-ingest/pkg/errors"
	"yad2-ingest/utils"
)

// CrawlerConfig describes the results section to walk.
type CrawlerConfig struct {
	SearchURL    string
	ListingsPath string
	MaxPages     int
	Logger       *utils.Logger
}

// PageResult reports one visited results page.
type PageResult struct {
	Index    int
	URL      string
	Listings []*models.RawListing
	Skipped  int
	Selector string
	FromFeed bool
	Err      error
}

// CrawlResult is everything a crawl collected, including partial results of
// a crawl that ended early.
type CrawlResult struct {
	Listings    []*models.RawListing
	Pages       int
	PagesFailed int
	Skipped     int
}

// Crawler walks the search results of one source page by page.
type Crawler struct {
	cfg       CrawlerConfig
	nav       *Navigator
	extractor *Extractor
	logger    *utils.Logger
}

func NewCrawler(cfg CrawlerConfig, nav *Navigator, extractor *Extractor) *Crawler {
	if cfg.MaxPages < 1 {
		cfg.MaxPages = 1
	}
	if cfg.Logger == nil {
		cfg.Logger = utils.NewNopLogger()
	}
	return &Crawler{cfg: cfg, nav: nav, extractor: extractor, logger: cfg.Logger.For("crawler")}
}

// Crawl visits the search page for params and follows pagination until it
// is terminal, the page budget is spent or a page yields nothing. A failure
// of the search page, a task-fatal error or ctx cancellation ends the crawl
// with an error; the listings collected so far are returned either way.
// onPage, if set, is called after every page. params.MaxPages may lower the
// configured page budget but never raise it.
func (c *Crawler) Crawl(ctx context.Context, page Page, params models.SearchParams, onPage func(PageResult)) (*CrawlResult, error) {
	maxPages := c.cfg.MaxPages
	if params.MaxPages > 0 {
		maxPages = min(params.MaxPages, c.cfg.MaxPages)
	}
	pag := NewPaginator(c.cfg.ListingsPath, maxPages)
	res := &CrawlResult{}
	seen := make(map[string]struct{})

	report := func(pr PageResult) {
		if onPage != nil {
			onPage(pr)
		}
	}

	current := BuildSearchURL(c.cfg.SearchURL, params, 1)
	c.logger.Info("[crawler] Starting crawl — target: %d pages, URL: %s", maxPages, current)

	for index := 0; current != ""; index++ {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if !pag.Visit(current) {
			c.logger.Info("[crawler] Page budget spent or %s already visited — stopping", current)
			break
		}

		c.logger.Info("[crawler] Scraping page %d — URL: %s", index+1, current)
		doc, location, err := c.loadPage(ctx, page, current)
		if err != nil {
			if ctx.Err() != nil {
				return res, ctx.Err()
			}
			res.PagesFailed++
			report(PageResult{Index: index, URL: current, Err: err})
			if index == 0 || apperrors.IsTaskFatal(err) {
				c.logger.Error("[crawler] Page %d failed, aborting: %v", index+1, err)
				return res, err
			}
			c.logger.Error("[crawler] Page %d failed: %v", index+1, err)
			if apperrors.Is(err, apperrors.ErrorTypeBlocked) || apperrors.Is(err, apperrors.ErrorTypeBotChallenge) {
				break
			}
			current = pag.ConstructedNext(current)
			continue
		}

		ext := c.extractor.ExtractPage(doc)
		fresh := ext.Listings[:0:0]
		for _, l := range ext.Listings {
			if _, dup := seen[l.ExternalID]; dup {
				c.logger.Debug("[crawler] Skipping duplicate: %s", l.ExternalID)
				continue
			}
			seen[l.ExternalID] = struct{}{}
			fresh = append(fresh, l)
		}
		res.Pages++
		res.Skipped += ext.Skipped
		res.Listings = append(res.Listings, fresh...)
		report(PageResult{
			Index:    index,
			URL:      current,
			Listings: fresh,
			Skipped:  ext.Skipped,
			Selector: ext.Selector,
			FromFeed: ext.FromFeed,
		})

		if len(fresh) == 0 {
			c.logger.Warn("[crawler] Page %d returned 0 new listings — stopping", index+1)
			break
		}
		c.logger.Info("[crawler] Page %d done — collected %d listings so far", index+1, len(res.Listings))

		current = pag.NextPageURL(doc, location, index)
	}

	c.logger.Info("[crawler] Crawl complete — pages: %d, failed: %d, raw listings: %d",
		res.Pages, res.PagesFailed, len(res.Listings))
	return res, nil
}

// loadPage navigates and parses the rendered DOM. location is the URL after
// redirects, falling back to url.
func (c *Crawler) loadPage(ctx context.Context, page Page, url string) (*goquery.Document, string, error) {
	if err := c.nav.Navigate(ctx, page, url); err != nil {
		return nil, "", err
	}
	html, err := page.HTML(ctx)
	if err != nil {
		if apperrors.TypeOf(err) == "" {
			err = apperrors.NewNetwork(defaultPageSource, "read page content", err)
		}
		return nil, "", err
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, "", apperrors.NewExtraction(defaultPageSource, "parse page", err)
	}
	location, err := page.Location(ctx)
	if err != nil || location == "" {
		location = url
	}
	return doc, location, nil
}
