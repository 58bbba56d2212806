package storage

import "yad2-ingest/models"

const (
	DefaultListLimit = 20
	MaxListLimit     = 100
)

// pageBounds clamps skip to zero and limit into [1, MaxListLimit].
func pageBounds(f models.ListingFilter) (skip, limit int) {
	skip, limit = max(f.Skip, 0), f.Limit
	switch {
	case limit <= 0:
		limit = DefaultListLimit
	case limit > MaxListLimit:
		limit = MaxListLimit
	}
	return skip, limit
}

// matches reports whether the active listing l satisfies f. Brand and model
// names are compared after NormalizeName.
func matches(l *models.Listing, f models.ListingFilter) bool {
	switch {
	case l.Status != models.StatusActive:
		return false
	case f.Brand != "" && NormalizeName(l.BrandName) != NormalizeName(f.Brand):
		return false
	case f.Model != "" && NormalizeName(l.ModelName) != NormalizeName(f.Model):
		return false
	case f.YearFrom > 0 && l.Year < f.YearFrom:
		return false
	case f.YearTo > 0 && l.Year > f.YearTo:
		return false
	case f.PriceFrom > 0 && l.Price < f.PriceFrom:
		return false
	case f.PriceTo > 0 && l.Price > f.PriceTo:
		return false
	}
	return true
}
