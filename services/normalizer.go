package services

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode"

	"yad2-ingest/models"
	apperrors "yad2-ingest/pkg/errors"
	"yad2-ingest/storage"
	"yad2-ingest/utils"
)

// RejectReason enumerates why a raw listing never reaches the repository.
type RejectReason string

const (
	RejectMissingID    RejectReason = "missing_id"
	RejectInvalidPrice RejectReason = "invalid_price"
	RejectMissingBrand RejectReason = "missing_brand"
)

// Rejection is a validation failure for one raw listing.
type Rejection struct {
	Reason     RejectReason
	ExternalID string
	Detail     string
}

func (r *Rejection) Error() string {
	return fmt.Sprintf("rejected %s (%s): %s", r.ExternalID, r.Reason, r.Detail)
}

// Err converts the rejection into the shared error taxonomy.
func (r *Rejection) Err() error {
	return apperrors.NewValidation("normalizer", r.Error())
}

const minModelYear = 1950

// Normalizer transforms RawListings into canonical Listings and resolves
// their brand and model reference rows. It is the only component that creates
// reference rows.
type Normalizer struct {
	refs   storage.ReferenceStore
	logger *utils.Logger
	now    func() time.Time

	mu       sync.Mutex
	brandIDs map[string]int64
	modelIDs map[string]int64
}

// NewNormalizer creates a Normalizer backed by refs.
func NewNormalizer(refs storage.ReferenceStore, logger *utils.Logger) *Normalizer {
	if logger == nil {
		logger = utils.NewNopLogger()
	}
	return &Normalizer{
		refs:     refs,
		logger:   logger.For("normalizer"),
		now:      time.Now,
		brandIDs: make(map[string]int64),
		modelIDs: make(map[string]int64),
	}
}

// Preload seeds the reference tables with the brand catalog.
func (n *Normalizer) Preload(ctx context.Context) error {
	brands, carModels := 0, 0
	for brand, names := range catalog {
		brandID, err := n.brandID(ctx, brand)
		if err != nil {
			return fmt.Errorf("preload brand %q: %w", brand, err)
		}
		brands++
		for _, name := range names {
			if _, err := n.modelID(ctx, brandID, name); err != nil {
				return fmt.Errorf("preload model %q %q: %w", brand, name, err)
			}
			carModels++
		}
	}
	n.logger.Info("[normalizer] Preloaded %d brands, %d models", brands, carModels)
	return nil
}

// Normalize validates raw and maps it to a canonical Listing. A non-nil
// Rejection means the listing failed validation; a non-nil error means the
// reference rows could not be resolved.
func (n *Normalizer) Normalize(ctx context.Context, raw *models.RawListing) (*models.Listing, *Rejection, error) {
	id := strings.TrimSpace(raw.ExternalID)
	if id == "" {
		return nil, &Rejection{Reason: RejectMissingID, Detail: "no external id in " + raw.URL}, nil
	}
	if raw.PriceInvalid || raw.Price <= 0 {
		return nil, &Rejection{Reason: RejectInvalidPrice, ExternalID: id, Detail: fmt.Sprintf("price %q", raw.RawPrice)}, nil
	}
	brand, _ := CanonicalBrand(raw.Brand)
	if brand == "" {
		return nil, &Rejection{Reason: RejectMissingBrand, ExternalID: id, Detail: fmt.Sprintf("title %q", raw.Title)}, nil
	}

	brandID, err := n.brandID(ctx, brand)
	if err != nil {
		return nil, nil, err
	}

	listing := &models.Listing{
		Source:       normaliseSource(raw.Source),
		ExternalID:   id,
		Title:        normaliseText(raw.Title),
		Description:  normaliseText(raw.Description),
		Price:        raw.Price,
		Year:         n.parseYear(raw.Year),
		MileageKm:    parseMileage(raw.Mileage),
		FuelType:     normaliseText(raw.FuelType),
		Transmission: normaliseText(raw.Transmission),
		BodyType:     normaliseText(raw.BodyType),
		Color:        normaliseText(raw.Color),
		City:         normaliseCity(raw.Location),
		URL:          strings.TrimSpace(raw.URL),
		ImageURLs:    dedupe(raw.ImageURLs),
		Status:       models.StatusActive,
		BrandID:      brandID,
		BrandName:    brand,
	}

	if model := CanonicalModel(brand, raw.Model); model != "" {
		modelID, err := n.modelID(ctx, brandID, model)
		if err != nil {
			return nil, nil, err
		}
		listing.ModelID = &modelID
		listing.ModelName = model
	}
	return listing, nil, nil
}

func (n *Normalizer) brandID(ctx context.Context, name string) (int64, error) {
	key := storage.NormalizeName(name)
	n.mu.Lock()
	id, ok := n.brandIDs[key]
	n.mu.Unlock()
	if ok {
		return id, nil
	}

	b, err := n.refs.GetOrCreateBrand(ctx, name)
	if err != nil {
		return 0, err
	}
	n.mu.Lock()
	n.brandIDs[key] = b.ID
	n.mu.Unlock()
	return b.ID, nil
}

func (n *Normalizer) modelID(ctx context.Context, brandID int64, name string) (int64, error) {
	key := strconv.FormatInt(brandID, 10) + "/" + storage.NormalizeName(name)
	n.mu.Lock()
	id, ok := n.modelIDs[key]
	n.mu.Unlock()
	if ok {
		return id, nil
	}

	m, err := n.refs.GetOrCreateModel(ctx, brandID, name)
	if err != nil {
		return 0, err
	}
	n.mu.Lock()
	n.modelIDs[key] = m.ID
	n.mu.Unlock()
	return m.ID, nil
}

// parseYear accepts model years between 1950 and next year; anything else
// is treated as unknown.
func (n *Normalizer) parseYear(raw string) int {
	year, err := strconv.Atoi(digits(raw))
	if err != nil {
		return 0
	}
	if year < minModelYear || year > n.now().Year()+1 {
		return 0
	}
	return year
}

func parseMileage(raw string) int {
	km, err := strconv.Atoi(digits(raw))
	if err != nil {
		return 0
	}
	return km
}

// normaliseCity keeps the city part of "city, area" locations.
func normaliseCity(raw string) string {
	city, _, _ := strings.Cut(raw, ",")
	return normaliseText(city)
}

func digits(s string) string {
	return strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, s)
}

func dedupe(urls []string) []string {
	seen := make(map[string]struct{}, len(urls))
	out := make([]string, 0, len(urls))
	for _, u := range urls {
		u = strings.TrimSpace(u)
		if u == "" {
			continue
		}
		if _, dup := seen[u]; dup {
			continue
		}
		seen[u] = struct{}{}
		out = append(out, u)
	}
	return out
}

// normaliseText strips leading/trailing whitespace and collapses internal whitespace.
func normaliseText(s string) string {
	s = strings.TrimSpace(s)
	fields := strings.FieldsFunc(s, func(r rune) bool {
		return unicode.IsSpace(r)
	})
	return strings.Join(fields, " ")
}

func normaliseSource(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return models.SourceYad2
	}
	return s
}
