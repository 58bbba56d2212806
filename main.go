package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"yad2-ingest/api"
	"yad2-ingest/config"
	"yad2-ingest/models"
	"yad2-ingest/scraper/browser"
	"yad2-ingest/scraper/yad2"
	"yad2-ingest/services"
	"yad2-ingest/services/tasks"
	"yad2-ingest/storage"
	"yad2-ingest/utils"
)

func main() {
	once := flag.Bool("once", false, "run a single crawl, print the market summary and exit")
	archive := flag.Bool("archive", false, "archive stale listings and exit")
	pages := flag.Int("pages", 0, "page budget for -once (defaults to MAX_PAGES)")
	manufacturer := flag.String("manufacturer", "", "manufacturer filter for -once")
	flag.Parse()

	logger := utils.NewLogger()
	cfg := config.Load()

	logger.Info("=== yad2 ingest starting ===")
	logger.Info("Config — pages: %d | batch: %d | retries: %d | headless: %t",
		cfg.MaxPages, cfg.BatchSize, cfg.MaxRetries, cfg.Headless)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	repo := openRepository(ctx, cfg, logger)
	defer repo.Close()

	if *archive {
		now := time.Now()
		n, err := repo.ArchiveStale(ctx, now.AddDate(0, 0, -cfg.ArchiveAfterDays), now)
		if err != nil {
			logger.WithError(err).Error("Archive run failed")
			os.Exit(1)
		}
		logger.Info("Archived %d listings not seen for %d days", n, cfg.ArchiveAfterDays)
		return
	}

	normalizer := services.NewNormalizer(repo, logger)
	if err := normalizer.Preload(ctx); err != nil {
		logger.WithError(err).Warn("Reference preload failed, brands resolve lazily")
	}

	publisher := openPublisher(ctx, cfg, logger)
	defer publisher.Close()

	ingestor := services.NewIngestor(normalizer, repo, publisher, cfg.BatchSize, logger)

	var raw storage.RawListingWriter
	if cfg.RawCSVPath != "" {
		w, err := storage.NewCSVWriter(cfg.RawCSVPath)
		if err != nil {
			logger.WithError(err).Error("Failed to create CSV writer")
			os.Exit(1)
		}
		defer w.Close()
		raw = w
	}

	coord := tasks.NewCoordinator(tasks.Config{
		Source:            models.SourceYad2,
		Timeout:           cfg.TaskTimeout,
		Retention:         cfg.TaskRetention,
		BlockCooldown:     cfg.BlockCooldown,
		ManualCaptcha:     cfg.ManualCaptcha,
		ManualCaptchaWait: cfg.ManualCaptchaWait,
		Logger:            logger,
	}, sessionFactory(cfg, logger), crawlerFactory(cfg, logger), ingestor, openCooldown(cfg, logger), raw)

	insights := services.NewInsightService(logger)

	if *once {
		runOnce(ctx, coord, repo, insights, models.SearchParams{Manufacturer: *manufacturer, MaxPages: *pages}, logger)
		return
	}

	serve(ctx, cfg, coord, repo, insights, logger)
}

func openRepository(ctx context.Context, cfg *config.Config, logger *utils.Logger) storage.Repository {
	pg, err := storage.NewPostgresRepository(ctx, cfg.DSN())
	if err != nil {
		logger.WithError(err).Warn("PostgreSQL unavailable, using in-memory repository")
		logger.Warn("Make sure Docker is running: docker compose up -d")
		return storage.NewMemoryRepository()
	}
	logger.Info("Connected to PostgreSQL at %s:%s", cfg.PostgresHost, cfg.PostgresPort)
	return pg
}

func openPublisher(ctx context.Context, cfg *config.Config, logger *utils.Logger) services.Publisher {
	if cfg.RedisAddr == "" {
		return services.NopPublisher{}
	}
	p := services.NewRedisPublisher(cfg.RedisAddr, cfg.RedisDB, cfg.RedisStream, cfg.RedisStreamMaxLen)
	if err := p.Ping(ctx); err != nil {
		logger.WithError(err).Warn("Redis unavailable at %s, events disabled", cfg.RedisAddr)
		p.Close()
		return services.NopPublisher{}
	}
	logger.Info("Publishing listing events to stream %s", cfg.RedisStream)
	return p
}

func openCooldown(cfg *config.Config, logger *utils.Logger) services.Cooldown {
	if cfg.MemcacheAddr == "" {
		return services.NopCooldown{}
	}
	cd := services.NewMemcacheCooldown(cfg.MemcacheAddr)
	if err := cd.Ping(); err != nil {
		logger.WithError(err).Warn("Memcached unavailable at %s, block cooldown disabled", cfg.MemcacheAddr)
		return services.NopCooldown{}
	}
	return cd
}

func sessionFactory(cfg *config.Config, logger *utils.Logger) tasks.SessionFactory {
	return tasks.SessionFactoryFunc(func(ctx context.Context) (tasks.Session, error) {
		s, err := browser.Open(ctx, browser.Config{
			Headless:          cfg.Headless,
			ExecPath:          cfg.ChromeBin,
			NavigationTimeout: cfg.BrowserTimeout,
			OpenAttempts:      cfg.SessionOpenAttempts,
			OpenBaseDelay:     cfg.RetryBaseDelay,
			BlockImages:       cfg.BlockImages,
			Logger:            logger,
		})
		if err != nil {
			return nil, err
		}
		return s, nil
	})
}

func crawlerFactory(cfg *config.Config, logger *utils.Logger) tasks.CrawlerFactory {
	host := ""
	if u, err := url.Parse(cfg.BaseURL); err == nil {
		host = u.Hostname()
	}
	pacer := utils.NewPacer(cfg.RateLimitCount, cfg.RateLimitPeriod, cfg.MinDelay, cfg.MaxDelay)
	extractor := yad2.NewExtractor(cfg.BaseURL).WithBrandMatcher(services.KnownBrand)

	return func(onState func(models.NavState), escalator yad2.Escalator) *yad2.Crawler {
		if escalator == nil {
			escalator = yad2.TimeoutEscalator{Wait: cfg.CaptchaWait}
		}
		nav := yad2.NewNavigator(yad2.NavigatorConfig{
			ExpectedHost:    host,
			MaxRetries:      cfg.MaxRetries,
			RetryBaseDelay:  cfg.RetryBaseDelay,
			SelectorTimeout: cfg.SelectorTimeout,
			ReadyTimeout:    cfg.ReadyTimeout,
			CaptchaWait:     cfg.CaptchaWait,
			Pacer:           pacer,
			Escalator:       escalator,
			Logger:          logger,
			OnStateChange:   onState,
		})
		return yad2.NewCrawler(yad2.CrawlerConfig{
			SearchURL:    cfg.SearchURL(),
			ListingsPath: cfg.SearchPath,
			MaxPages:     cfg.MaxPages,
			Logger:       logger,
		}, nav, extractor)
	}
}

func runOnce(ctx context.Context, coord *tasks.Coordinator, repo storage.Repository, insights *services.InsightService, params models.SearchParams, logger *utils.Logger) {
	task, _, err := coord.Start(params)
	if err != nil {
		logger.WithError(err).Error("Could not start crawl")
		os.Exit(1)
	}

	done := make(chan struct{})
	go func() {
		coord.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		logger.Warn("Interrupted, cancelling crawl %s", task.ID)
		coord.Cancel(task.ID)
		<-done
	}

	final, _ := coord.Status(task.ID)
	c := final.Counts
	logger.Info("Crawl %s %s — pages: %d | seen: %d | created: %d | updated: %d | unchanged: %d | rejected: %d | errors: %d",
		final.ID, final.Status, c.PagesVisited, c.TotalSeen, c.Created, c.Updated, c.Unchanged, c.Rejected, c.Errors)
	if final.Error != "" {
		logger.Error("Crawl ended with %s: %s", final.ErrorType, final.Error)
	}

	listings, err := repo.FetchActive(context.Background())
	if err != nil {
		logger.WithError(err).Error("Failed to fetch listings for insights")
		os.Exit(1)
	}
	insights.Print(os.Stdout, insights.Generate(listings))

	if final.Status == models.TaskFailed {
		os.Exit(1)
	}
}

func serve(ctx context.Context, cfg *config.Config, coord *tasks.Coordinator, repo storage.Repository, insights *services.InsightService, logger *utils.Logger) {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	h := api.NewHandler(coord, repo, insights, time.Duration(cfg.ArchiveAfterDays)*24*time.Hour, logger)
	api.SetupRoutes(r, h)

	go coord.Janitor(ctx, time.Minute)

	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: r}
	go func() {
		logger.Info("HTTP API listening on %s", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Error("HTTP server failed")
			stopSelf()
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("HTTP shutdown incomplete")
	}
	if err := coord.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("Tasks did not stop in time")
	}
	logger.Info("Bye")
}

// stopSelf delivers SIGTERM to this process so the signal context unwinds.
func stopSelf() {
	if p, err := os.FindProcess(os.Getpid()); err == nil {
		p.Signal(syscall.SIGTERM)
	}
}
