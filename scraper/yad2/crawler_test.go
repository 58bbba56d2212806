package yad2

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"yad2-ingest/models"
	apperrors "yad2-ingest/pkg/errors"
)

var firstPageURL = BuildSearchURL(testSearchURL, models.SearchParams{}, 1)

func newTestCrawler(maxPages int) *Crawler {
	nav, _ := newTestNavigator(func(c *NavigatorConfig) { c.MaxRetries = 0 })
	return NewCrawler(CrawlerConfig{
		SearchURL:    testSearchURL,
		ListingsPath: "/vehicles/cars",
		MaxPages:     maxPages,
	}, nav, NewExtractor(testBase))
}

func ids(listings []*models.RawListing) []string {
	out := make([]string, 0, len(listings))
	for _, l := range listings {
		out = append(out, l.ExternalID)
	}
	return out
}

func TestCrawlFollowsPaginationAndDedupes(t *testing.T) {
	page := newFakePage().
		serve(firstPageURL, resultsPage("?page=2",
			card("a1", "Kia Rio 2019", "50,000"),
			card("a2", "Kia Ceed 2020", "70,000"))).
		serve(testSearchURL+"?page=2", resultsPage("",
			card("a2", "Kia Ceed 2020", "70,000"),
			card("a3", "Kia Niro 2022", "120,000")))

	var pages []PageResult
	res, err := newTestCrawler(5).Crawl(context.Background(), page, models.SearchParams{}, func(pr PageResult) {
		pages = append(pages, pr)
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"a1", "a2", "a3"}, ids(res.Listings))
	require.GreaterOrEqual(t, len(pages), 2)
	assert.Equal(t, []string{"a3"}, ids(pages[1].Listings), "duplicates across pages are dropped")
	assert.Zero(t, res.PagesFailed)
	// page 3 is constructed and comes back empty, which ends the crawl
	assert.Equal(t, []string{firstPageURL, testSearchURL + "?page=2", testSearchURL + "?page=3"}, page.visited())
	assert.Equal(t, 3, res.Pages)
}

func TestCrawlStopsAtMaxPages(t *testing.T) {
	page := newFakePage().
		serve(firstPageURL, resultsPage("?page=2", card("a1", "Kia Rio 2019", "50,000"))).
		serve(testSearchURL+"?page=2", resultsPage("?page=3", card("a2", "Kia Ceed 2020", "70,000"))).
		serve(testSearchURL+"?page=3", resultsPage("?page=4", card("a3", "Kia Niro 2022", "120,000")))

	res, err := newTestCrawler(5).Crawl(context.Background(), page, models.SearchParams{MaxPages: 2}, nil)
	require.NoError(t, err)

	assert.Equal(t, []string{"a1", "a2"}, ids(res.Listings))
	assert.Len(t, page.visited(), 2)
}

func TestCrawlRequestCannotRaisePageBudget(t *testing.T) {
	page := newFakePage().
		serve(firstPageURL, resultsPage("?page=2", card("a1", "Kia Rio 2019", "50,000"))).
		serve(testSearchURL+"?page=2", resultsPage("?page=3", card("a2", "Kia Ceed 2020", "70,000"))).
		serve(testSearchURL+"?page=3", resultsPage("?page=4", card("a3", "Kia Niro 2022", "120,000")))

	res, err := newTestCrawler(2).Crawl(context.Background(), page, models.SearchParams{MaxPages: 50}, nil)
	require.NoError(t, err)

	assert.Equal(t, []string{"a1", "a2"}, ids(res.Listings))
	assert.Len(t, page.visited(), 2)
}

func TestCrawlTerminatesOnCyclicSite(t *testing.T) {
	// Every page carries new listings but links "next" back to the first page.
	page := newFakePage().
		serve(firstPageURL, resultsPage(firstPageURL, card("c1", "Mazda 2 2015", "40,000"))).
		serve(firstPageURL+"&page=2", resultsPage(firstPageURL, card("c2", "Mazda 3 2016", "50,000"))).
		serve(firstPageURL+"&page=3", resultsPage(firstPageURL, card("c3", "Mazda 6 2017", "60,000"))).
		serve(firstPageURL+"&page=4", resultsPage(firstPageURL, card("c4", "Mazda CX-5 2018", "90,000")))

	const maxPages = 3
	res, err := newTestCrawler(maxPages).Crawl(context.Background(), page, models.SearchParams{}, nil)
	require.NoError(t, err)

	visits := page.visited()
	assert.LessOrEqual(t, len(visits), maxPages)
	seen := map[string]bool{}
	for _, u := range visits {
		assert.False(t, seen[canonicalURL(u)], "revisited %s", u)
		seen[canonicalURL(u)] = true
	}
	assert.Equal(t, []string{"c1", "c2", "c3"}, ids(res.Listings))
}

func TestCrawlAbortsWhenSearchPageFails(t *testing.T) {
	page := newFakePage().redirect(firstPageURL, testBase+"/auth/login", "התחברות")

	var reported []PageResult
	res, err := newTestCrawler(5).Crawl(context.Background(), page, models.SearchParams{}, func(pr PageResult) {
		reported = append(reported, pr)
	})

	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrorTypeBlocked))
	assert.Empty(t, res.Listings)
	assert.Equal(t, 1, res.PagesFailed)
	require.Len(t, reported, 1)
	assert.Error(t, reported[0].Err)
}

func TestCrawlSkipsFailedLaterPage(t *testing.T) {
	page := newFakePage().
		serve(firstPageURL, resultsPage("?page=2", card("a1", "Kia Rio 2019", "50,000"))).
		failNavigation(testSearchURL+"?page=2", transportErr()).
		serve(testSearchURL+"?page=3", resultsPage("", card("a3", "Kia Niro 2022", "120,000")))

	res, err := newTestCrawler(5).Crawl(context.Background(), page, models.SearchParams{}, nil)
	require.NoError(t, err)

	assert.Equal(t, []string{"a1", "a3"}, ids(res.Listings))
	assert.Equal(t, 1, res.PagesFailed)
}

func TestCrawlStopsPaginationWhenLaterPageIsBlocked(t *testing.T) {
	page := newFakePage().
		serve(firstPageURL, resultsPage("?page=2", card("a1", "Kia Rio 2019", "50,000"))).
		redirect(testSearchURL+"?page=2", testBase+"/block", "Access Denied")

	res, err := newTestCrawler(5).Crawl(context.Background(), page, models.SearchParams{}, nil)
	require.NoError(t, err)

	assert.Equal(t, []string{"a1"}, ids(res.Listings))
	assert.Equal(t, 1, res.PagesFailed)
	assert.Len(t, page.visited(), 2)
}

func TestCrawlSessionLossIsFatalButKeepsPartialResults(t *testing.T) {
	page := newFakePage().
		serve(firstPageURL, resultsPage("?page=2", card("a1", "Kia Rio 2019", "50,000"))).
		failNavigation(testSearchURL+"?page=2", apperrors.NewSession("browser", "session already closed", nil))

	res, err := newTestCrawler(5).Crawl(context.Background(), page, models.SearchParams{}, nil)

	assert.True(t, apperrors.IsTaskFatal(err))
	assert.Equal(t, []string{"a1"}, ids(res.Listings))
}

func TestCrawlHonoursCancellationAtPageBoundary(t *testing.T) {
	page := newFakePage().
		serve(firstPageURL, resultsPage("?page=2", card("a1", "Kia Rio 2019", "50,000"))).
		serve(testSearchURL+"?page=2", resultsPage("", card("a2", "Kia Ceed 2020", "70,000")))

	ctx, cancel := context.WithCancel(context.Background())
	res, err := newTestCrawler(5).Crawl(ctx, page, models.SearchParams{}, func(PageResult) { cancel() })

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, []string{"a1"}, ids(res.Listings))
	assert.Len(t, page.visited(), 1)
}
