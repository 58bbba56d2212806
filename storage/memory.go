package storage

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"yad2-ingest/models"
	apperrors "yad2-ingest/pkg/errors"
)

// MemoryRepository is an in-process Repository with the same semantics as
// the Postgres one. It backs -once runs without a database and the tests.
type MemoryRepository struct {
	mu sync.Mutex

	nextID    int64
	brands    map[string]*models.Brand
	carModels map[string]*models.CarModel
	listings  map[string]*models.Listing
	history   map[int64][]*models.ListingHistory
}

var _ Repository = (*MemoryRepository)(nil)

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		brands:    make(map[string]*models.Brand),
		carModels: make(map[string]*models.CarModel),
		listings:  make(map[string]*models.Listing),
		history:   make(map[int64][]*models.ListingHistory),
	}
}

func listingKey(source, externalID string) string {
	return source + "\x00" + externalID
}

func (m *MemoryRepository) id() int64 {
	m.nextID++
	return m.nextID
}

func (m *MemoryRepository) GetOrCreateBrand(ctx context.Context, name string) (*models.Brand, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	norm := NormalizeName(name)
	if norm == "" {
		return nil, apperrors.NewRepository("memory", "empty brand name", nil)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok := m.brands[norm]; ok {
		cp := *b
		return &cp, nil
	}
	b := &models.Brand{ID: m.id(), Name: name, NormalizedName: norm}
	m.brands[norm] = b
	cp := *b
	return &cp, nil
}

func (m *MemoryRepository) GetOrCreateModel(ctx context.Context, brandID int64, name string) (*models.CarModel, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	norm := NormalizeName(name)
	if norm == "" {
		return nil, apperrors.NewRepository("memory", "empty model name", nil)
	}
	key := fmt.Sprintf("%d\x00%s", brandID, norm)

	m.mu.Lock()
	defer m.mu.Unlock()
	if md, ok := m.carModels[key]; ok {
		cp := *md
		return &cp, nil
	}
	md := &models.CarModel{ID: m.id(), BrandID: brandID, Name: name, NormalizedName: norm}
	m.carModels[key] = md
	cp := *md
	return &cp, nil
}

func (m *MemoryRepository) UpsertBatch(ctx context.Context, listings []*models.Listing, now time.Time) ([]models.UpsertResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, apperrors.NewRepository("memory", "upsert batch", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	results := make([]models.UpsertResult, len(listings))
	for i, l := range listings {
		if l.Price < 0 {
			results[i] = models.UpsertResult{
				Listing: l,
				Err:     apperrors.NewRepository("memory", "negative price for "+l.ExternalID, nil),
			}
			continue
		}

		key := listingKey(l.Source, l.ExternalID)
		stored := m.listings[key]
		next, h, outcome := Merge(stored, l, now)
		if outcome == models.OutcomeCreated {
			next.ID = m.id()
		}
		m.listings[key] = next
		if h != nil {
			h.ID = m.id()
			m.history[next.ID] = append(m.history[next.ID], h)
		}

		out := *next
		results[i] = models.UpsertResult{Listing: &out, Outcome: outcome, History: h}
	}
	return results, nil
}

func (m *MemoryRepository) Find(_ context.Context, source, externalID string) (*models.Listing, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.listings[listingKey(source, externalID)]
	if !ok {
		return nil, nil
	}
	return m.withNames(l), nil
}

func (m *MemoryRepository) FetchActive(context.Context) ([]*models.Listing, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Listing
	for _, l := range m.listings {
		if l.Status == models.StatusActive {
			out = append(out, m.withNames(l))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryRepository) Get(_ context.Context, id int64) (*models.Listing, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, l := range m.listings {
		if l.ID == id {
			return m.withNames(l), nil
		}
	}
	return nil, nil
}

func (m *MemoryRepository) ListListings(ctx context.Context, f models.ListingFilter) (*models.ListingPage, error) {
	if err := ctx.Err(); err != nil {
		return nil, apperrors.NewRepository("memory", "list listings", err)
	}
	skip, limit := pageBounds(f)

	m.mu.Lock()
	defer m.mu.Unlock()
	var all []*models.Listing
	for _, l := range m.listings {
		if named := m.withNames(l); matches(named, f) {
			all = append(all, named)
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].ID > all[j].ID })

	page := &models.ListingPage{Total: len(all), Skip: skip, Limit: limit, Listings: []*models.Listing{}}
	if skip < len(all) {
		page.Listings = all[skip:min(skip+limit, len(all))]
	}
	return page, nil
}

func (m *MemoryRepository) Filters(ctx context.Context) (*models.FilterOptions, error) {
	if err := ctx.Err(); err != nil {
		return nil, apperrors.NewRepository("memory", "filters", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	opts := &models.FilterOptions{Brands: []string{}, ModelsByBrand: map[string][]string{}}
	seen := map[string]bool{}
	first := true
	for _, l := range m.listings {
		if l.Status != models.StatusActive {
			continue
		}
		named := m.withNames(l)
		if !seen[named.BrandName] {
			seen[named.BrandName] = true
			opts.Brands = append(opts.Brands, named.BrandName)
		}
		if named.ModelName != "" && !slices.Contains(opts.ModelsByBrand[named.BrandName], named.ModelName) {
			opts.ModelsByBrand[named.BrandName] = append(opts.ModelsByBrand[named.BrandName], named.ModelName)
		}

		if first {
			opts.PriceMin, opts.PriceMax = l.Price, l.Price
			first = false
		}
		opts.PriceMin, opts.PriceMax = min(opts.PriceMin, l.Price), max(opts.PriceMax, l.Price)
		if l.Year > 0 {
			if opts.YearMin == 0 || l.Year < opts.YearMin {
				opts.YearMin = l.Year
			}
			opts.YearMax = max(opts.YearMax, l.Year)
		}
	}

	sort.Strings(opts.Brands)
	for _, names := range opts.ModelsByBrand {
		sort.Strings(names)
	}
	return opts, nil
}

func (m *MemoryRepository) History(_ context.Context, listingID int64) ([]*models.ListingHistory, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.history[listingID]), nil
}

func (m *MemoryRepository) ArchiveStale(ctx context.Context, cutoff, now time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	archived := 0
	for _, l := range m.listings {
		if l.Status != models.StatusActive || !l.LastSeenAt.Before(cutoff) {
			continue
		}
		l.Status = models.StatusArchived
		l.UpdatedAt = now
		h := ArchiveEntry(l, now)
		h.ID = m.id()
		m.history[l.ID] = append(m.history[l.ID], h)
		archived++
	}
	return archived, nil
}

func (m *MemoryRepository) Close() error { return nil }

// withNames copies l and fills the brand and model display names.
func (m *MemoryRepository) withNames(l *models.Listing) *models.Listing {
	out := *l
	out.ImageURLs = slices.Clone(l.ImageURLs)
	for _, b := range m.brands {
		if b.ID == l.BrandID {
			out.BrandName = b.Name
			break
		}
	}
	if l.ModelID != nil {
		for _, md := range m.carModels {
			if md.ID == *l.ModelID {
				out.ModelName = md.Name
				break
			}
		}
	}
	return &out
}
