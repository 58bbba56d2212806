package storage

import (
	"math"
	"slices"
	"strings"
	"time"

	"yad2-ingest/models"
)

// NormalizeName is the lookup key of brand and model names.
func NormalizeName(name string) string {
	return strings.ToLower(strings.Join(strings.Fields(name), " "))
}

// Merge applies an observed listing to the stored row. stored is nil for a
// never-seen listing. It returns the row to persist, the history entry to
// append (nil when price, mileage and status are unchanged) and the outcome.
//
// A sold listing stays sold; an archived one is active again once observed.
func Merge(stored, observed *models.Listing, now time.Time) (*models.Listing, *models.ListingHistory, models.UpsertOutcome) {
	next := *observed
	next.ImageURLs = slices.Clone(observed.ImageURLs)
	if next.Status == "" {
		next.Status = models.StatusActive
	}

	if stored == nil {
		next.ID = 0
		next.FirstSeenAt = now
		next.LastSeenAt = now
		next.UpdatedAt = now
		return &next, nil, models.OutcomeCreated
	}

	next.ID = stored.ID
	next.FirstSeenAt = stored.FirstSeenAt
	next.LastSeenAt = now
	if stored.Status == models.StatusSold {
		next.Status = models.StatusSold
	}

	tracked := next.Price != stored.Price || next.MileageKm != stored.MileageKm || next.Status != stored.Status
	if !tracked && sameContent(stored, &next) {
		next.UpdatedAt = stored.UpdatedAt
		return &next, nil, models.OutcomeUnchanged
	}

	next.UpdatedAt = now
	if !tracked {
		return &next, nil, models.OutcomeUpdated
	}

	change := next.Price - stored.Price
	h := &models.ListingHistory{
		ListingID:    stored.ID,
		Price:        next.Price,
		MileageKm:    next.MileageKm,
		Status:       next.Status,
		PriceChange:  &change,
		DaysOnMarket: DaysOnMarket(stored.FirstSeenAt, now),
		Source:       models.HistorySourceCrawl,
		ObservedAt:   now,
	}
	if stored.Price > 0 {
		pct := math.Round(change/stored.Price*10000) / 100
		h.PriceChangePercent = &pct
	}
	return &next, h, models.OutcomeUpdated
}

// ArchiveEntry is the history row written when maintenance archives l.
func ArchiveEntry(l *models.Listing, now time.Time) *models.ListingHistory {
	return &models.ListingHistory{
		ListingID:    l.ID,
		Price:        l.Price,
		MileageKm:    l.MileageKm,
		Status:       models.StatusArchived,
		DaysOnMarket: DaysOnMarket(l.FirstSeenAt, now),
		Source:       models.HistorySourceMaintenance,
		ObservedAt:   now,
	}
}

// DaysOnMarket counts whole days since firstSeen.
func DaysOnMarket(firstSeen, now time.Time) int {
	if firstSeen.IsZero() || now.Before(firstSeen) {
		return 0
	}
	return int(now.Sub(firstSeen).Hours() / 24)
}

func sameContent(a, b *models.Listing) bool {
	return a.Title == b.Title &&
		a.Description == b.Description &&
		a.Year == b.Year &&
		a.FuelType == b.FuelType &&
		a.Transmission == b.Transmission &&
		a.BodyType == b.BodyType &&
		a.Color == b.Color &&
		a.City == b.City &&
		a.URL == b.URL &&
		a.BrandID == b.BrandID &&
		sameID(a.ModelID, b.ModelID) &&
		slices.Equal(a.ImageURLs, b.ImageURLs)
}

func sameID(a, b *int64) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
