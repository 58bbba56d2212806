package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"yad2-ingest/models"
	apperrors "yad2-ingest/pkg/errors"
)

const pgSource = "postgres"

// PostgresRepository persists listings, reference rows and history to
// PostgreSQL.
type PostgresRepository struct {
	db *sql.DB
}

var _ Repository = (*PostgresRepository)(nil)

// NewPostgresRepository opens a connection to PostgreSQL, runs schema
// migrations, and returns a ready-to-use repository.
func NewPostgresRepository(ctx context.Context, dsn string) (*PostgresRepository, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: open: %w", err)
	}

	for i := 0; i < 10; i++ {
		if err = db.PingContext(ctx); err == nil {
			break
		}
		select {
		case <-ctx.Done():
			_ = db.Close()
			return nil, fmt.Errorf("postgres: ping: %w", ctx.Err())
		case <-time.After(2 * time.Second):
		}
	}
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("postgres: ping failed after retries: %w", err)
	}

	r := &PostgresRepository{db: db}
	if err := r.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("postgres: migrate: %w", err)
	}
	return r, nil
}

// Migrate creates the schema if it does not exist.
func (r *PostgresRepository) Migrate(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS car_brands (
			id              BIGSERIAL PRIMARY KEY,
			name            TEXT        NOT NULL,
			normalized_name TEXT        NOT NULL UNIQUE,
			created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE TABLE IF NOT EXISTS car_models (
			id              BIGSERIAL PRIMARY KEY,
			brand_id        BIGINT      NOT NULL REFERENCES car_brands(id),
			name            TEXT        NOT NULL,
			normalized_name TEXT        NOT NULL,
			created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			UNIQUE (brand_id, normalized_name)
		);

		CREATE TABLE IF NOT EXISTS car_listings (
			id            BIGSERIAL PRIMARY KEY,
			source        VARCHAR(32)   NOT NULL,
			external_id   TEXT          NOT NULL,
			title         TEXT          NOT NULL DEFAULT '',
			description   TEXT          NOT NULL DEFAULT '',
			price         NUMERIC(12,2) NOT NULL CHECK (price >= 0),
			year          INT           NOT NULL DEFAULT 0,
			mileage_km    INT           NOT NULL DEFAULT 0,
			fuel_type     TEXT          NOT NULL DEFAULT '',
			transmission  TEXT          NOT NULL DEFAULT '',
			body_type     TEXT          NOT NULL DEFAULT '',
			color         TEXT          NOT NULL DEFAULT '',
			city          TEXT          NOT NULL DEFAULT '',
			url           TEXT          NOT NULL DEFAULT '',
			image_urls    TEXT[]        NOT NULL DEFAULT '{}',
			status        VARCHAR(16)   NOT NULL DEFAULT 'active',
			brand_id      BIGINT        NOT NULL REFERENCES car_brands(id),
			model_id      BIGINT        REFERENCES car_models(id),
			first_seen_at TIMESTAMPTZ   NOT NULL,
			last_seen_at  TIMESTAMPTZ   NOT NULL,
			updated_at    TIMESTAMPTZ   NOT NULL,
			UNIQUE (source, external_id)
		);

		CREATE INDEX IF NOT EXISTS idx_car_listings_status    ON car_listings(status, last_seen_at);
		CREATE INDEX IF NOT EXISTS idx_car_listings_brand     ON car_listings(brand_id, model_id);
		CREATE INDEX IF NOT EXISTS idx_car_listings_price     ON car_listings(price);

		CREATE TABLE IF NOT EXISTS car_listing_history (
			id                   BIGSERIAL PRIMARY KEY,
			listing_id           BIGINT        NOT NULL REFERENCES car_listings(id) ON DELETE CASCADE,
			price                NUMERIC(12,2) NOT NULL,
			mileage_km           INT           NOT NULL DEFAULT 0,
			status               VARCHAR(16)   NOT NULL,
			price_change         NUMERIC(12,2),
			price_change_percent NUMERIC(7,2),
			days_on_market       INT           NOT NULL DEFAULT 0,
			source               VARCHAR(16)   NOT NULL,
			observed_at          TIMESTAMPTZ   NOT NULL DEFAULT NOW()
		);

		CREATE INDEX IF NOT EXISTS idx_history_listing_observed ON car_listing_history(listing_id, observed_at);
	`)
	return err
}

func (r *PostgresRepository) GetOrCreateBrand(ctx context.Context, name string) (*models.Brand, error) {
	norm := NormalizeName(name)
	if norm == "" {
		return nil, apperrors.NewRepository(pgSource, "empty brand name", nil)
	}
	b := &models.Brand{}
	err := r.db.QueryRowContext(ctx, `
		INSERT INTO car_brands (name, normalized_name)
		VALUES ($1, $2)
		ON CONFLICT (normalized_name) DO UPDATE SET normalized_name = EXCLUDED.normalized_name
		RETURNING id, name, normalized_name
	`, name, norm).Scan(&b.ID, &b.Name, &b.NormalizedName)
	if err != nil {
		return nil, apperrors.NewRepository(pgSource, "get or create brand "+name, err)
	}
	return b, nil
}

func (r *PostgresRepository) GetOrCreateModel(ctx context.Context, brandID int64, name string) (*models.CarModel, error) {
	norm := NormalizeName(name)
	if norm == "" {
		return nil, apperrors.NewRepository(pgSource, "empty model name", nil)
	}
	md := &models.CarModel{}
	err := r.db.QueryRowContext(ctx, `
		INSERT INTO car_models (brand_id, name, normalized_name)
		VALUES ($1, $2, $3)
		ON CONFLICT (brand_id, normalized_name) DO UPDATE SET normalized_name = EXCLUDED.normalized_name
		RETURNING id, brand_id, name, normalized_name
	`, brandID, name, norm).Scan(&md.ID, &md.BrandID, &md.Name, &md.NormalizedName)
	if err != nil {
		return nil, apperrors.NewRepository(pgSource, "get or create model "+name, err)
	}
	return md, nil
}

// UpsertBatch runs the batch in one transaction with a savepoint per item, so
// a failing item is rolled back alone and the rest still commit.
func (r *PostgresRepository) UpsertBatch(ctx context.Context, listings []*models.Listing, now time.Time) ([]models.UpsertResult, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, apperrors.NewRepository(pgSource, "begin batch", err)
	}
	defer tx.Rollback() //nolint:errcheck

	results := make([]models.UpsertResult, len(listings))
	for i, l := range listings {
		if _, err := tx.ExecContext(ctx, "SAVEPOINT upsert_item"); err != nil {
			return nil, apperrors.NewRepository(pgSource, "savepoint", err)
		}
		res, err := upsertOne(ctx, tx, l, now)
		if err != nil {
			if _, rbErr := tx.ExecContext(ctx, "ROLLBACK TO SAVEPOINT upsert_item"); rbErr != nil {
				return nil, apperrors.NewRepository(pgSource, "rollback to savepoint", rbErr)
			}
			results[i] = models.UpsertResult{
				Listing: l,
				Err:     apperrors.NewRepository(pgSource, "upsert "+l.ExternalID, err),
			}
			continue
		}
		if _, err := tx.ExecContext(ctx, "RELEASE SAVEPOINT upsert_item"); err != nil {
			return nil, apperrors.NewRepository(pgSource, "release savepoint", err)
		}
		results[i] = res
	}

	if err := tx.Commit(); err != nil {
		return nil, apperrors.NewRepository(pgSource, "commit batch", err)
	}
	return results, nil
}

const listingColumns = `
	l.id, l.source, l.external_id, l.title, l.description, l.price, l.year, l.mileage_km,
	l.fuel_type, l.transmission, l.body_type, l.color, l.city, l.url, l.image_urls, l.status,
	l.brand_id, l.model_id, l.first_seen_at, l.last_seen_at, l.updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanListing(row rowScanner, extra ...any) (*models.Listing, error) {
	l := &models.Listing{}
	var modelID sql.NullInt64
	dest := []any{
		&l.ID, &l.Source, &l.ExternalID, &l.Title, &l.Description, &l.Price, &l.Year, &l.MileageKm,
		&l.FuelType, &l.Transmission, &l.BodyType, &l.Color, &l.City, &l.URL, pq.Array(&l.ImageURLs), &l.Status,
		&l.BrandID, &modelID, &l.FirstSeenAt, &l.LastSeenAt, &l.UpdatedAt,
	}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return nil, err
	}
	if modelID.Valid {
		id := modelID.Int64
		l.ModelID = &id
	}
	return l, nil
}

func upsertOne(ctx context.Context, tx *sql.Tx, l *models.Listing, now time.Time) (models.UpsertResult, error) {
	stored, err := scanListing(tx.QueryRowContext(ctx,
		`SELECT `+listingColumns+` FROM car_listings l WHERE l.source = $1 AND l.external_id = $2 FOR UPDATE`,
		l.Source, l.ExternalID))
	if errors.Is(err, sql.ErrNoRows) {
		stored, err = nil, nil
	}
	if err != nil {
		return models.UpsertResult{}, fmt.Errorf("select: %w", err)
	}

	next, h, outcome := Merge(stored, l, now)
	switch outcome {
	case models.OutcomeCreated:
		err = tx.QueryRowContext(ctx, `
			INSERT INTO car_listings (
				source, external_id, title, description, price, year, mileage_km,
				fuel_type, transmission, body_type, color, city, url, image_urls, status,
				brand_id, model_id, first_seen_at, last_seen_at, updated_at
			) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20)
			ON CONFLICT (source, external_id) DO NOTHING
			RETURNING id
		`,
			next.Source, next.ExternalID, next.Title, next.Description, next.Price, next.Year, next.MileageKm,
			next.FuelType, next.Transmission, next.BodyType, next.Color, next.City, next.URL,
			pq.Array(nonNil(next.ImageURLs)), next.Status, next.BrandID, nullID(next.ModelID),
			next.FirstSeenAt, next.LastSeenAt, next.UpdatedAt,
		).Scan(&next.ID)
		if errors.Is(err, sql.ErrNoRows) {
			return models.UpsertResult{}, fmt.Errorf("insert: concurrent insert of %s/%s", next.Source, next.ExternalID)
		}
		if err != nil {
			return models.UpsertResult{}, fmt.Errorf("insert: %w", err)
		}
	default:
		_, err = tx.ExecContext(ctx, `
			UPDATE car_listings SET
				title = $2, description = $3, price = $4, year = $5, mileage_km = $6,
				fuel_type = $7, transmission = $8, body_type = $9, color = $10, city = $11,
				url = $12, image_urls = $13, status = $14, brand_id = $15, model_id = $16,
				last_seen_at = $17, updated_at = $18
			WHERE id = $1
		`,
			next.ID, next.Title, next.Description, next.Price, next.Year, next.MileageKm,
			next.FuelType, next.Transmission, next.BodyType, next.Color, next.City,
			next.URL, pq.Array(nonNil(next.ImageURLs)), next.Status, next.BrandID, nullID(next.ModelID),
			next.LastSeenAt, next.UpdatedAt,
		)
		if err != nil {
			return models.UpsertResult{}, fmt.Errorf("update: %w", err)
		}
	}

	if h != nil {
		if err := insertHistory(ctx, tx, h); err != nil {
			return models.UpsertResult{}, err
		}
	}
	return models.UpsertResult{Listing: next, Outcome: outcome, History: h}, nil
}

func insertHistory(ctx context.Context, tx *sql.Tx, h *models.ListingHistory) error {
	err := tx.QueryRowContext(ctx, `
		INSERT INTO car_listing_history (
			listing_id, price, mileage_km, status, price_change, price_change_percent,
			days_on_market, source, observed_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		RETURNING id
	`,
		h.ListingID, h.Price, h.MileageKm, h.Status, nullFloat(h.PriceChange), nullFloat(h.PriceChangePercent),
		h.DaysOnMarket, h.Source, h.ObservedAt,
	).Scan(&h.ID)
	if err != nil {
		return fmt.Errorf("insert history: %w", err)
	}
	return nil
}

func (r *PostgresRepository) Find(ctx context.Context, source, externalID string) (*models.Listing, error) {
	var brand string
	var model sql.NullString
	l, err := scanListing(r.db.QueryRowContext(ctx, `
		SELECT `+listingColumns+`, b.name, m.name
		FROM car_listings l
		JOIN car_brands b ON b.id = l.brand_id
		LEFT JOIN car_models m ON m.id = l.model_id
		WHERE l.source = $1 AND l.external_id = $2
	`, source, externalID), &brand, &model)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, apperrors.NewRepository(pgSource, "find listing", err)
	}
	l.BrandName, l.ModelName = brand, model.String
	return l, nil
}

func (r *PostgresRepository) Get(ctx context.Context, id int64) (*models.Listing, error) {
	var brand string
	var model sql.NullString
	l, err := scanListing(r.db.QueryRowContext(ctx, `
		SELECT `+listingColumns+`, b.name, m.name
		FROM car_listings l
		JOIN car_brands b ON b.id = l.brand_id
		LEFT JOIN car_models m ON m.id = l.model_id
		WHERE l.id = $1
	`, id), &brand, &model)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, apperrors.NewRepository(pgSource, "get listing", err)
	}
	l.BrandName, l.ModelName = brand, model.String
	return l, nil
}

// listingWhere renders f as a WHERE clause over car_listings l joined with
// car_brands b and car_models m, with its positional args.
func listingWhere(f models.ListingFilter) (string, []any) {
	conds := []string{"l.status = 'active'"}
	var args []any
	add := func(cond string, v any) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if f.Brand != "" {
		add("b.normalized_name = $%d", NormalizeName(f.Brand))
	}
	if f.Model != "" {
		add("m.normalized_name = $%d", NormalizeName(f.Model))
	}
	if f.YearFrom > 0 {
		add("l.year >= $%d", f.YearFrom)
	}
	if f.YearTo > 0 {
		add("l.year <= $%d", f.YearTo)
	}
	if f.PriceFrom > 0 {
		add("l.price >= $%d", f.PriceFrom)
	}
	if f.PriceTo > 0 {
		add("l.price <= $%d", f.PriceTo)
	}
	return "WHERE " + strings.Join(conds, " AND "), args
}

func (r *PostgresRepository) ListListings(ctx context.Context, f models.ListingFilter) (*models.ListingPage, error) {
	skip, limit := pageBounds(f)
	where, args := listingWhere(f)
	from := `
		FROM car_listings l
		JOIN car_brands b ON b.id = l.brand_id
		LEFT JOIN car_models m ON m.id = l.model_id
		` + where

	page := &models.ListingPage{Skip: skip, Limit: limit, Listings: []*models.Listing{}}
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) `+from, args...).Scan(&page.Total); err != nil {
		return nil, apperrors.NewRepository(pgSource, "count listings", err)
	}

	n := len(args)
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+listingColumns+`, b.name, m.name `+from+
			fmt.Sprintf(` ORDER BY l.id DESC LIMIT $%d OFFSET $%d`, n+1, n+2),
		append(args, limit, skip)...)
	if err != nil {
		return nil, apperrors.NewRepository(pgSource, "list listings", err)
	}
	defer rows.Close()

	for rows.Next() {
		var brand string
		var model sql.NullString
		l, err := scanListing(rows, &brand, &model)
		if err != nil {
			return nil, apperrors.NewRepository(pgSource, "scan listing", err)
		}
		l.BrandName, l.ModelName = brand, model.String
		page.Listings = append(page.Listings, l)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.NewRepository(pgSource, "list listings", err)
	}
	return page, nil
}

func (r *PostgresRepository) Filters(ctx context.Context) (*models.FilterOptions, error) {
	opts := &models.FilterOptions{Brands: []string{}, ModelsByBrand: map[string][]string{}}

	var yearMin, yearMax sql.NullInt64
	var priceMin, priceMax sql.NullFloat64
	err := r.db.QueryRowContext(ctx, `
		SELECT MIN(NULLIF(year, 0)), MAX(NULLIF(year, 0)), MIN(price), MAX(price)
		FROM car_listings
		WHERE status = 'active'
	`).Scan(&yearMin, &yearMax, &priceMin, &priceMax)
	if err != nil {
		return nil, apperrors.NewRepository(pgSource, "filter bounds", err)
	}
	opts.YearMin, opts.YearMax = int(yearMin.Int64), int(yearMax.Int64)
	opts.PriceMin, opts.PriceMax = priceMin.Float64, priceMax.Float64

	rows, err := r.db.QueryContext(ctx, `
		SELECT DISTINCT b.name, m.name
		FROM car_listings l
		JOIN car_brands b ON b.id = l.brand_id
		LEFT JOIN car_models m ON m.id = l.model_id
		WHERE l.status = 'active'
		ORDER BY b.name, m.name
	`)
	if err != nil {
		return nil, apperrors.NewRepository(pgSource, "filter names", err)
	}
	defer rows.Close()

	for rows.Next() {
		var brand string
		var model sql.NullString
		if err := rows.Scan(&brand, &model); err != nil {
			return nil, apperrors.NewRepository(pgSource, "scan filter names", err)
		}
		if n := len(opts.Brands); n == 0 || opts.Brands[n-1] != brand {
			opts.Brands = append(opts.Brands, brand)
		}
		if model.Valid {
			opts.ModelsByBrand[brand] = append(opts.ModelsByBrand[brand], model.String)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.NewRepository(pgSource, "filter names", err)
	}
	return opts, nil
}

// FetchActive retrieves all active listings with brand and model names; used
// by the market summary.
func (r *PostgresRepository) FetchActive(ctx context.Context) ([]*models.Listing, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+listingColumns+`, b.name, m.name
		FROM car_listings l
		JOIN car_brands b ON b.id = l.brand_id
		LEFT JOIN car_models m ON m.id = l.model_id
		WHERE l.status = 'active'
		ORDER BY l.id
	`)
	if err != nil {
		return nil, apperrors.NewRepository(pgSource, "fetch active", err)
	}
	defer rows.Close()

	var listings []*models.Listing
	for rows.Next() {
		var brand string
		var model sql.NullString
		l, err := scanListing(rows, &brand, &model)
		if err != nil {
			return nil, apperrors.NewRepository(pgSource, "scan listing", err)
		}
		l.BrandName, l.ModelName = brand, model.String
		listings = append(listings, l)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.NewRepository(pgSource, "fetch active", err)
	}
	return listings, nil
}

func (r *PostgresRepository) History(ctx context.Context, listingID int64) ([]*models.ListingHistory, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, listing_id, price, mileage_km, status, price_change, price_change_percent,
		       days_on_market, source, observed_at
		FROM car_listing_history
		WHERE listing_id = $1
		ORDER BY observed_at, id
	`, listingID)
	if err != nil {
		return nil, apperrors.NewRepository(pgSource, "fetch history", err)
	}
	defer rows.Close()

	var out []*models.ListingHistory
	for rows.Next() {
		h := &models.ListingHistory{}
		var change, pct sql.NullFloat64
		if err := rows.Scan(&h.ID, &h.ListingID, &h.Price, &h.MileageKm, &h.Status, &change, &pct,
			&h.DaysOnMarket, &h.Source, &h.ObservedAt); err != nil {
			return nil, apperrors.NewRepository(pgSource, "scan history", err)
		}
		if change.Valid {
			h.PriceChange = &change.Float64
		}
		if pct.Valid {
			h.PriceChangePercent = &pct.Float64
		}
		out = append(out, h)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.NewRepository(pgSource, "fetch history", err)
	}
	return out, nil
}

func (r *PostgresRepository) ArchiveStale(ctx context.Context, cutoff, now time.Time) (int, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, apperrors.NewRepository(pgSource, "begin archive", err)
	}
	defer tx.Rollback() //nolint:errcheck

	rows, err := tx.QueryContext(ctx, `
		SELECT `+listingColumns+`
		FROM car_listings l
		WHERE l.status = 'active' AND l.last_seen_at < $1
		FOR UPDATE
	`, cutoff)
	if err != nil {
		return 0, apperrors.NewRepository(pgSource, "select stale", err)
	}
	var stale []*models.Listing
	for rows.Next() {
		l, err := scanListing(rows)
		if err != nil {
			rows.Close()
			return 0, apperrors.NewRepository(pgSource, "scan stale", err)
		}
		stale = append(stale, l)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, apperrors.NewRepository(pgSource, "select stale", err)
	}

	for _, l := range stale {
		if _, err := tx.ExecContext(ctx,
			`UPDATE car_listings SET status = $2, updated_at = $3 WHERE id = $1`,
			l.ID, models.StatusArchived, now); err != nil {
			return 0, apperrors.NewRepository(pgSource, "archive listing", err)
		}
		if err := insertHistory(ctx, tx, ArchiveEntry(l, now)); err != nil {
			return 0, apperrors.NewRepository(pgSource, "archive history", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, apperrors.NewRepository(pgSource, "commit archive", err)
	}
	return len(stale), nil
}

func (r *PostgresRepository) Close() error {
	return r.db.Close()
}

func nullID(id *int64) sql.NullInt64 {
	if id == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *id, Valid: true}
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func nullFloat(f *float64) sql.NullFloat64 {
	if f == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *f, Valid: true}
}
