package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"yad2-ingest/models"
	"yad2-ingest/services"
	"yad2-ingest/services/tasks"
	"yad2-ingest/storage"
	"yad2-ingest/utils"
)

type fakeRunner struct {
	tasks    map[string]models.CrawlTask
	running  string
	startErr error
	params   []models.SearchParams
}

var _ TaskRunner = (*fakeRunner)(nil)

func newFakeRunner() *fakeRunner {
	return &fakeRunner{tasks: map[string]models.CrawlTask{}}
}

func (f *fakeRunner) Start(p models.SearchParams) (models.CrawlTask, bool, error) {
	if f.startErr != nil {
		return models.CrawlTask{}, false, f.startErr
	}
	if f.running != "" {
		return f.tasks[f.running], false, nil
	}
	f.params = append(f.params, p)
	t := models.CrawlTask{ID: "task-1", Source: models.SourceYad2, Status: models.TaskPending, Params: p}
	f.tasks[t.ID] = t
	f.running = t.ID
	return t, true, nil
}

func (f *fakeRunner) Status(id string) (models.CrawlTask, bool) {
	t, ok := f.tasks[id]
	return t, ok
}

func (f *fakeRunner) List() []models.CrawlTask {
	out := make([]models.CrawlTask, 0, len(f.tasks))
	for _, t := range f.tasks {
		out = append(out, t)
	}
	return out
}

func (f *fakeRunner) Cancel(id string) (models.CrawlTask, error) {
	t, ok := f.tasks[id]
	if !ok {
		return models.CrawlTask{}, tasks.ErrNotFound
	}
	if t.Status.Terminal() {
		return t, tasks.ErrTaskFinished
	}
	if t.Status == models.TaskSaving {
		return t, tasks.ErrTaskSaving
	}
	return t, nil
}

func (f *fakeRunner) Resume(id string) error {
	if _, ok := f.tasks[id]; !ok {
		return tasks.ErrNotFound
	}
	return tasks.ErrNoManualSolver
}

func newTestServer(runner TaskRunner, repo storage.ListingRepository) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	h := NewHandler(runner, repo, services.NewInsightService(utils.NewNopLogger()), 30*24*time.Hour, utils.NewNopLogger())
	SetupRoutes(r, h)
	return r
}

func do(r http.Handler, method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func TestStartScrape(t *testing.T) {
	runner := newFakeRunner()
	r := newTestServer(runner, storage.NewMemoryRepository())

	w := do(r, http.MethodPost, "/api/scrape/yad2", `{"manufacturer":"19","year_from":2018,"year_to":2022,"max_pages":3}`)
	require.Equal(t, http.StatusAccepted, w.Code)
	body := decode(t, w)
	assert.Equal(t, "task-1", body["task_id"])
	assert.Equal(t, "pending", body["status"])
	require.Len(t, runner.params, 1)
	assert.Equal(t, models.SearchParams{Manufacturer: "19", YearFrom: 2018, YearTo: 2022, MaxPages: 3}, runner.params[0])

	w = do(r, http.MethodPost, "/api/scrape/yad2", "")
	require.Equal(t, http.StatusOK, w.Code)
	body = decode(t, w)
	assert.Equal(t, "task-1", body["task_id"])
	assert.Equal(t, true, body["already_running"])
}

func TestStartScrapeRejectsBadInput(t *testing.T) {
	r := newTestServer(newFakeRunner(), storage.NewMemoryRepository())

	for _, body := range []string{
		`{"year_from":2022,"year_to":2018}`,
		`{"price_from":-1}`,
		`{"max_pages":-2}`,
		`{"manufacturer":`,
	} {
		w := do(r, http.MethodPost, "/api/scrape/yad2", body)
		assert.Equal(t, http.StatusBadRequest, w.Code, body)
	}
}

func TestStartScrapeCoolingDown(t *testing.T) {
	runner := newFakeRunner()
	runner.startErr = tasks.ErrCoolingDown
	r := newTestServer(runner, storage.NewMemoryRepository())

	w := do(r, http.MethodPost, "/api/scrape/yad2", "")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
}

func TestTaskStatusAndList(t *testing.T) {
	runner := newFakeRunner()
	runner.tasks["done"] = models.CrawlTask{ID: "done", Status: models.TaskCompleted, Counts: models.TaskCounts{Created: 4}}
	r := newTestServer(runner, storage.NewMemoryRepository())

	w := do(r, http.MethodGet, "/api/scrape/status/done", "")
	require.Equal(t, http.StatusOK, w.Code)
	var task models.CrawlTask
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &task))
	assert.Equal(t, models.TaskCompleted, task.Status)
	assert.Equal(t, 4, task.Counts.Created)

	w = do(r, http.MethodGet, "/api/scrape/status/unknown", "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = do(r, http.MethodGet, "/api/scrape/tasks", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode(t, w)["tasks"], 1)
}

func TestCancelAndResume(t *testing.T) {
	runner := newFakeRunner()
	runner.tasks["run"] = models.CrawlTask{ID: "run", Status: models.TaskRunning}
	runner.tasks["done"] = models.CrawlTask{ID: "done", Status: models.TaskFailed}
	runner.tasks["saving"] = models.CrawlTask{ID: "saving", Status: models.TaskSaving}
	r := newTestServer(runner, storage.NewMemoryRepository())

	assert.Equal(t, http.StatusOK, do(r, http.MethodDelete, "/api/scrape/tasks/run", "").Code)
	assert.Equal(t, http.StatusConflict, do(r, http.MethodDelete, "/api/scrape/tasks/done", "").Code)
	assert.Equal(t, http.StatusConflict, do(r, http.MethodDelete, "/api/scrape/tasks/saving", "").Code)
	assert.Equal(t, http.StatusNotFound, do(r, http.MethodDelete, "/api/scrape/tasks/nope", "").Code)

	assert.Equal(t, http.StatusConflict, do(r, http.MethodPost, "/api/scrape/tasks/run/resume", "").Code)
	assert.Equal(t, http.StatusNotFound, do(r, http.MethodPost, "/api/scrape/tasks/nope/resume", "").Code)
}

func TestArchiveAndSummary(t *testing.T) {
	ctx := context.Background()
	repo := storage.NewMemoryRepository()
	brand, err := repo.GetOrCreateBrand(ctx, "Toyota")
	require.NoError(t, err)

	old := time.Now().Add(-60 * 24 * time.Hour)
	_, err = repo.UpsertBatch(ctx, []*models.Listing{
		{Source: models.SourceYad2, ExternalID: "old", Price: 50000, BrandID: brand.ID, City: "חיפה"},
	}, old)
	require.NoError(t, err)
	_, err = repo.UpsertBatch(ctx, []*models.Listing{
		{Source: models.SourceYad2, ExternalID: "new", Price: 90000, BrandID: brand.ID, City: "חיפה"},
	}, time.Now())
	require.NoError(t, err)

	r := newTestServer(newFakeRunner(), repo)

	w := do(r, http.MethodPost, "/api/maintenance/archive", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(1), decode(t, w)["archived"])

	w = do(r, http.MethodGet, "/api/listings/summary", "")
	require.Equal(t, http.StatusOK, w.Code)
	var summary models.MarketSummary
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &summary))
	assert.Equal(t, 1, summary.TotalListings)
	assert.Equal(t, 90000.0, summary.AveragePrice)
	assert.Equal(t, 1, summary.ListingsByBrand["Toyota"])
}

func TestHealthz(t *testing.T) {
	r := newTestServer(newFakeRunner(), storage.NewMemoryRepository())
	w := do(r, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, w.Code)
}

// seedListings stores a Corolla whose price later drops and an active Mazda.
func seedListings(t *testing.T) (*storage.MemoryRepository, *models.Listing) {
	t.Helper()
	ctx := context.Background()
	repo := storage.NewMemoryRepository()
	toyota, err := repo.GetOrCreateBrand(ctx, "Toyota")
	require.NoError(t, err)
	corolla, err := repo.GetOrCreateModel(ctx, toyota.ID, "Corolla")
	require.NoError(t, err)
	mazda, err := repo.GetOrCreateBrand(ctx, "Mazda")
	require.NoError(t, err)

	seen := time.Now().Add(-time.Hour)
	car := &models.Listing{Source: models.SourceYad2, ExternalID: "c1", Price: 95000, Year: 2019, BrandID: toyota.ID, ModelID: &corolla.ID}
	_, err = repo.UpsertBatch(ctx, []*models.Listing{car}, seen)
	require.NoError(t, err)
	cheaper := *car
	cheaper.Price = 90000
	res, err := repo.UpsertBatch(ctx, []*models.Listing{&cheaper}, seen.Add(time.Minute))
	require.NoError(t, err)

	_, err = repo.UpsertBatch(ctx, []*models.Listing{
		{Source: models.SourceYad2, ExternalID: "m1", Price: 120000, Year: 2021, BrandID: mazda.ID},
	}, seen)
	require.NoError(t, err)
	return repo, res[0].Listing
}

func TestListListings(t *testing.T) {
	repo, _ := seedListings(t)
	r := newTestServer(newFakeRunner(), repo)

	w := do(r, http.MethodGet, "/api/listings", "")
	require.Equal(t, http.StatusOK, w.Code)
	var page models.ListingPage
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &page))
	assert.Equal(t, 2, page.Total)
	assert.Equal(t, storage.DefaultListLimit, page.Limit)

	w = do(r, http.MethodGet, "/api/listings?brand=toyota&model=COROLLA&year_from=2018&price_to=92000", "")
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &page))
	require.Len(t, page.Listings, 1)
	assert.Equal(t, "c1", page.Listings[0].ExternalID)
	assert.Equal(t, "Toyota", page.Listings[0].BrandName)
	assert.Equal(t, 90000.0, page.Listings[0].Price)

	w = do(r, http.MethodGet, "/api/listings?skip=1&limit=1", "")
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &page))
	assert.Equal(t, 2, page.Total)
	assert.Len(t, page.Listings, 1)

	for _, q := range []string{"year_from=2022&year_to=2018", "price_from=-5", "limit=-1", "year_from=abc"} {
		assert.Equal(t, http.StatusBadRequest, do(r, http.MethodGet, "/api/listings?"+q, "").Code, q)
	}
}

func TestGetListingWithHistory(t *testing.T) {
	repo, car := seedListings(t)
	r := newTestServer(newFakeRunner(), repo)

	w := do(r, http.MethodGet, fmt.Sprintf("/api/listings/%d", car.ID), "")
	require.Equal(t, http.StatusOK, w.Code)
	var body struct {
		Listing models.Listing           `json:"listing"`
		History []models.ListingHistory `json:"history"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "c1", body.Listing.ExternalID)
	assert.Equal(t, "Corolla", body.Listing.ModelName)
	require.Len(t, body.History, 1)
	assert.Equal(t, 90000.0, body.History[0].Price)
	require.NotNil(t, body.History[0].PriceChange)
	assert.Equal(t, -5000.0, *body.History[0].PriceChange)

	assert.Equal(t, http.StatusNotFound, do(r, http.MethodGet, "/api/listings/9999", "").Code)
	assert.Equal(t, http.StatusBadRequest, do(r, http.MethodGet, "/api/listings/abc", "").Code)
}

func TestFindListingBySource(t *testing.T) {
	repo, _ := seedListings(t)
	r := newTestServer(newFakeRunner(), repo)

	w := do(r, http.MethodGet, "/api/listings/source/yad2/m1", "")
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	listing := body["listing"].(map[string]any)
	assert.Equal(t, "m1", listing["external_id"])
	assert.Equal(t, "Mazda", listing["brand"])
	assert.Empty(t, body["history"])

	assert.Equal(t, http.StatusNotFound, do(r, http.MethodGet, "/api/listings/source/yad2/nope", "").Code)
}

func TestListingFilters(t *testing.T) {
	repo, _ := seedListings(t)
	r := newTestServer(newFakeRunner(), repo)

	w := do(r, http.MethodGet, "/api/listings/filters", "")
	require.Equal(t, http.StatusOK, w.Code)
	var opts models.FilterOptions
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &opts))
	assert.Equal(t, []string{"Mazda", "Toyota"}, opts.Brands)
	assert.Equal(t, []string{"Corolla"}, opts.ModelsByBrand["Toyota"])
	assert.Equal(t, 2019, opts.YearMin)
	assert.Equal(t, 2021, opts.YearMax)
	assert.Equal(t, 90000.0, opts.PriceMin)
	assert.Equal(t, 120000.0, opts.PriceMax)
}
