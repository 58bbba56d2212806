package storage

import (
	"context"
	"time"

	"yad2-ingest/models"
)

// ReferenceStore resolves brand and model reference rows, creating them on
// first observation. Names are matched case-insensitively on NormalizeName.
type ReferenceStore interface {
	GetOrCreateBrand(ctx context.Context, name string) (*models.Brand, error)
	GetOrCreateModel(ctx context.Context, brandID int64, name string) (*models.CarModel, error)
}

// ListingRepository persists canonical listings keyed by (source, externalID)
// together with their append-only history.
type ListingRepository interface {
	// UpsertBatch applies every listing in one commit. A failing item is
	// rolled back on its own and reported in its result; the returned error
	// is set only when the batch as a whole could not be committed.
	UpsertBatch(ctx context.Context, listings []*models.Listing, now time.Time) ([]models.UpsertResult, error)
	Find(ctx context.Context, source, externalID string) (*models.Listing, error)
	FetchActive(ctx context.Context) ([]*models.Listing, error)
	// Get returns the listing with the given id, or nil when there is none.
	Get(ctx context.Context, id int64) (*models.Listing, error)
	// ListListings returns one page of active listings matching f, newest
	// first.
	ListListings(ctx context.Context, f models.ListingFilter) (*models.ListingPage, error)
	// Filters reports the brands, models and year and price bounds of the
	// active listings.
	Filters(ctx context.Context) (*models.FilterOptions, error)
	History(ctx context.Context, listingID int64) ([]*models.ListingHistory, error)
	// ArchiveStale archives active listings last seen before cutoff and
	// returns how many were archived.
	ArchiveStale(ctx context.Context, cutoff, now time.Time) (int, error)
}

// Repository is the full persistent store.
type Repository interface {
	ReferenceStore
	ListingRepository
	Close() error
}

// RawListingWriter is the interface for persisting unprocessed scraped data.
type RawListingWriter interface {
	WriteRaw(listings []*models.RawListing) error
	Close() error
}
