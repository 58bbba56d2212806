package api

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"yad2-ingest/models"
	"yad2-ingest/services"
	"yad2-ingest/services/tasks"
	"yad2-ingest/storage"
	"yad2-ingest/utils"
)

// TaskRunner is the part of the task coordinator the API drives.
type TaskRunner interface {
	Start(params models.SearchParams) (models.CrawlTask, bool, error)
	Status(id string) (models.CrawlTask, bool)
	List() []models.CrawlTask
	Cancel(id string) (models.CrawlTask, error)
	Resume(id string) error
}

var _ TaskRunner = (*tasks.Coordinator)(nil)

type Handler struct {
	runner       TaskRunner
	repo         storage.ListingRepository
	insights     *services.InsightService
	archiveAfter time.Duration
	logger       *utils.Logger
	now          func() time.Time
}

func NewHandler(runner TaskRunner, repo storage.ListingRepository, insights *services.InsightService, archiveAfter time.Duration, logger *utils.Logger) *Handler {
	if logger == nil {
		logger = utils.NewNopLogger()
	}
	return &Handler{
		runner:       runner,
		repo:         repo,
		insights:     insights,
		archiveAfter: archiveAfter,
		logger:       logger.For("api"),
		now:          time.Now,
	}
}

// SetupRoutes registers every endpoint on r.
func SetupRoutes(r *gin.Engine, h *Handler) {
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := r.Group("/api")
	{
		scrape := api.Group("/scrape")
		scrape.POST("/yad2", h.StartScrape)
		scrape.GET("/status/:id", h.TaskStatus)
		scrape.GET("/tasks", h.ListTasks)
		scrape.DELETE("/tasks/:id", h.CancelTask)
		scrape.POST("/tasks/:id/resume", h.ResumeTask)

		api.POST("/maintenance/archive", h.ArchiveStale)
		listings := api.Group("/listings")
		listings.GET("", h.ListListings)
		listings.GET("/summary", h.Summary)
		listings.GET("/filters", h.Filters)
		listings.GET("/source/:source/:external_id", h.FindListing)
		listings.GET("/:id", h.GetListing)
	}
}

func (h *Handler) StartScrape(c *gin.Context) {
	var params models.SearchParams
	if err := c.ShouldBindJSON(&params); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body: " + err.Error()})
		return
	}
	if msg := validateParams(params); msg != "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": msg})
		return
	}

	task, started, err := h.runner.Start(params)
	switch {
	case errors.Is(err, tasks.ErrCoolingDown):
		c.JSON(http.StatusTooManyRequests, gin.H{"error": err.Error()})
		return
	case err != nil:
		h.logger.WithError(err).Error("[api] Start scrape failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	if !started {
		c.JSON(http.StatusOK, gin.H{"task_id": task.ID, "status": task.Status, "already_running": true})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"task_id": task.ID, "status": task.Status})
}

func validateParams(p models.SearchParams) string {
	ranges := []struct {
		name     string
		from, to int
	}{
		{"year", p.YearFrom, p.YearTo},
		{"price", p.PriceFrom, p.PriceTo},
		{"km", p.KmFrom, p.KmTo},
	}
	for _, r := range ranges {
		if r.from < 0 || r.to < 0 {
			return r.name + " range must not be negative"
		}
		if r.from > 0 && r.to > 0 && r.from > r.to {
			return r.name + "_from > " + r.name + "_to"
		}
	}
	if p.MaxPages < 0 {
		return "max_pages must not be negative"
	}
	return ""
}

func (h *Handler) TaskStatus(c *gin.Context) {
	task, ok := h.runner.Status(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "task not found"})
		return
	}
	c.JSON(http.StatusOK, task)
}

func (h *Handler) ListTasks(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"tasks": h.runner.List()})
}

func (h *Handler) CancelTask(c *gin.Context) {
	task, err := h.runner.Cancel(c.Param("id"))
	switch {
	case errors.Is(err, tasks.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, tasks.ErrTaskFinished), errors.Is(err, tasks.ErrTaskSaving):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error(), "task": task})
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusOK, gin.H{"msg": "cancelling", "task": task})
	}
}

func (h *Handler) ResumeTask(c *gin.Context) {
	err := h.runner.Resume(c.Param("id"))
	switch {
	case errors.Is(err, tasks.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, tasks.ErrTaskFinished), errors.Is(err, tasks.ErrNoManualSolver):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusOK, gin.H{"msg": "resumed"})
	}
}

func (h *Handler) ArchiveStale(c *gin.Context) {
	now := h.now()
	n, err := h.repo.ArchiveStale(c.Request.Context(), now.Add(-h.archiveAfter), now)
	if err != nil {
		h.logger.WithError(err).Error("[api] Archive failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	h.logger.Info("[api] Archived %d stale listings", n)
	c.JSON(http.StatusOK, gin.H{"archived": n})
}

func (h *Handler) Summary(c *gin.Context) {
	listings, err := h.repo.FetchActive(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, h.insights.Generate(listings))
}

func (h *Handler) ListListings(c *gin.Context) {
	var f models.ListingFilter
	if err := c.ShouldBindQuery(&f); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid query: " + err.Error()})
		return
	}
	if msg := validateFilter(f); msg != "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": msg})
		return
	}

	page, err := h.repo.ListListings(c.Request.Context(), f)
	if err != nil {
		h.logger.WithError(err).Error("[api] List listings failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, page)
}

func validateFilter(f models.ListingFilter) string {
	switch {
	case f.YearFrom < 0 || f.YearTo < 0 || f.PriceFrom < 0 || f.PriceTo < 0:
		return "ranges must not be negative"
	case f.YearFrom > 0 && f.YearTo > 0 && f.YearFrom > f.YearTo:
		return "year_from > year_to"
	case f.PriceFrom > 0 && f.PriceTo > 0 && f.PriceFrom > f.PriceTo:
		return "price_from > price_to"
	case f.Skip < 0 || f.Limit < 0:
		return "skip and limit must not be negative"
	}
	return ""
}

// GetListing returns one listing by id together with its history.
func (h *Handler) GetListing(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid listing id"})
		return
	}
	l, err := h.repo.Get(c.Request.Context(), id)
	h.respondListing(c, l, err)
}

// FindListing looks a listing up by its source and the id the source gave it.
func (h *Handler) FindListing(c *gin.Context) {
	l, err := h.repo.Find(c.Request.Context(), c.Param("source"), c.Param("external_id"))
	h.respondListing(c, l, err)
}

func (h *Handler) respondListing(c *gin.Context, l *models.Listing, err error) {
	if err != nil {
		h.logger.WithError(err).Error("[api] Listing lookup failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if l == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "listing not found"})
		return
	}
	history, err := h.repo.History(c.Request.Context(), l.ID)
	if err != nil {
		h.logger.WithError(err).Error("[api] History lookup failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if history == nil {
		history = []*models.ListingHistory{}
	}
	c.JSON(http.StatusOK, gin.H{"listing": l, "history": history})
}

func (h *Handler) Filters(c *gin.Context) {
	opts, err := h.repo.Filters(c.Request.Context())
	if err != nil {
		h.logger.WithError(err).Error("[api] Filters failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, opts)
}
