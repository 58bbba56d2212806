package models

import "time"

// SourceYad2 is the only source the crawler targets.
const SourceYad2 = "yad2"

// ListingStatus is the lifecycle state of a stored listing.
type ListingStatus string

const (
	StatusActive   ListingStatus = "active"
	StatusSold     ListingStatus = "sold"
	StatusArchived ListingStatus = "archived"
)

// RawListing holds unprocessed scraped data directly from the page, either
// from a DOM card or from an embedded JSON feed item.
type RawListing struct {
	ExternalID   string
	Source       string
	Title        string
	Description  string
	RawPrice     string
	Price        float64
	PriceInvalid bool
	Year         string
	Mileage      string
	FuelType     string
	Transmission string
	BodyType     string
	Color        string
	Location     string
	Brand        string
	Model        string
	URL          string
	ImageURLs    []string
	FromFeed     bool
	ScrapedAt    time.Time
}

// Listing is the canonical, validated record the repository stores.
type Listing struct {
	ID           int64         `json:"id"`
	Source       string        `json:"source"`
	ExternalID   string        `json:"external_id"`
	Title        string        `json:"title"`
	Description  string        `json:"description,omitempty"`
	Price        float64       `json:"price"`
	Year         int           `json:"year,omitempty"`
	MileageKm    int           `json:"mileage_km,omitempty"`
	FuelType     string        `json:"fuel_type,omitempty"`
	Transmission string        `json:"transmission,omitempty"`
	BodyType     string        `json:"body_type,omitempty"`
	Color        string        `json:"color,omitempty"`
	City         string        `json:"city,omitempty"`
	URL          string        `json:"url"`
	ImageURLs    []string      `json:"image_urls,omitempty"`
	Status       ListingStatus `json:"status"`
	BrandID      int64         `json:"brand_id"`
	ModelID      *int64        `json:"model_id,omitempty"`
	BrandName    string        `json:"brand"`
	ModelName    string        `json:"model,omitempty"`
	FirstSeenAt  time.Time     `json:"first_seen_at"`
	LastSeenAt   time.Time     `json:"last_seen_at"`
	UpdatedAt    time.Time     `json:"updated_at"`
}

// Brand is a car manufacturer reference row.
type Brand struct {
	ID             int64
	Name           string
	NormalizedName string
}

// CarModel is a model reference row belonging to a Brand.
type CarModel struct {
	ID             int64
	BrandID        int64
	Name           string
	NormalizedName string
}

// History sources.
const (
	HistorySourceCrawl       = "crawl"
	HistorySourceMaintenance = "maintenance"
)

// ListingHistory is an immutable snapshot recorded whenever price, mileage or
// status of a listing changes.
type ListingHistory struct {
	ID                 int64         `json:"id"`
	ListingID          int64         `json:"listing_id"`
	Price              float64       `json:"price"`
	MileageKm          int           `json:"mileage_km"`
	Status             ListingStatus `json:"status"`
	PriceChange        *float64      `json:"price_change,omitempty"`
	PriceChangePercent *float64      `json:"price_change_percent,omitempty"`
	DaysOnMarket       int           `json:"days_on_market"`
	Source             string        `json:"source"`
	ObservedAt         time.Time     `json:"observed_at"`
}

// ListingFilter narrows a listing query over active listings. Zero fields do
// not filter. Brand and Model match on the normalized reference name.
type ListingFilter struct {
	Brand     string  `form:"brand"`
	Model     string  `form:"model"`
	YearFrom  int     `form:"year_from"`
	YearTo    int     `form:"year_to"`
	PriceFrom float64 `form:"price_from"`
	PriceTo   float64 `form:"price_to"`
	Skip      int     `form:"skip"`
	Limit     int     `form:"limit"`
}

// ListingPage is one window of a filtered listing query; Total counts every
// match regardless of Skip and Limit.
type ListingPage struct {
	Total    int        `json:"total"`
	Skip     int        `json:"skip"`
	Limit    int        `json:"limit"`
	Listings []*Listing `json:"listings"`
}

// FilterOptions are the values the listing filters can take over active
// listings.
type FilterOptions struct {
	Brands        []string            `json:"brands"`
	ModelsByBrand map[string][]string `json:"models_by_brand"`
	YearMin       int                 `json:"year_min"`
	YearMax       int                 `json:"year_max"`
	PriceMin      float64             `json:"price_min"`
	PriceMax      float64             `json:"price_max"`
}

// UpsertOutcome tells what an upsert did to the store.
type UpsertOutcome string

const (
	OutcomeCreated   UpsertOutcome = "created"
	OutcomeUpdated   UpsertOutcome = "updated"
	OutcomeUnchanged UpsertOutcome = "unchanged"
)

// UpsertResult is the outcome for one listing of a batch.
type UpsertResult struct {
	Listing *Listing
	Outcome UpsertOutcome
	History *ListingHistory
	Err     error
}

// MarketSummary holds the computed analytics over stored active listings.
type MarketSummary struct {
	TotalListings   int                `json:"total_listings"`
	AveragePrice    float64            `json:"average_price"`
	MinPrice        float64            `json:"min_price"`
	MaxPrice        float64            `json:"max_price"`
	MostExpensive   *Listing           `json:"most_expensive,omitempty"`
	ListingsByBrand map[string]int     `json:"listings_by_brand"`
	ListingsByCity  map[string]int     `json:"listings_by_city"`
	AverageByBrand  map[string]float64 `json:"average_by_brand"`
}
