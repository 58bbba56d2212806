package services

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"yad2-ingest/models"
	"yad2-ingest/utils"
)

type InsightService struct {
	logger *utils.Logger
}

func NewInsightService(logger *utils.Logger) *InsightService {
	if logger == nil {
		logger = utils.NewNopLogger()
	}
	return &InsightService{logger: logger.For("insights")}
}

// Generate summarizes active listings. Listings without a price only count
// towards the totals.
func (s *InsightService) Generate(listings []*models.Listing) *models.MarketSummary {
	summary := &models.MarketSummary{
		ListingsByBrand: make(map[string]int),
		ListingsByCity:  make(map[string]int),
		AverageByBrand:  make(map[string]float64),
	}
	if len(listings) == 0 {
		return summary
	}
	summary.TotalListings = len(listings)

	var total float64
	priced := 0
	brandTotals := make(map[string]float64)
	brandPriced := make(map[string]int)

	for _, l := range listings {
		brand := l.BrandName
		if brand == "" {
			brand = "unknown"
		}
		summary.ListingsByBrand[brand]++
		if l.City != "" {
			summary.ListingsByCity[l.City]++
		}
		if l.Price <= 0 {
			continue
		}

		brandTotals[brand] += l.Price
		brandPriced[brand]++
		total += l.Price
		if priced == 0 || l.Price < summary.MinPrice {
			summary.MinPrice = l.Price
		}
		if priced == 0 || l.Price > summary.MaxPrice {
			summary.MaxPrice = l.Price
			summary.MostExpensive = l
		}
		priced++
	}

	if priced > 0 {
		summary.AveragePrice = round2(total / float64(priced))
	}
	for brand, sum := range brandTotals {
		summary.AverageByBrand[brand] = round2(sum / float64(brandPriced[brand]))
	}

	s.logger.Debug("[insights] Summarized %d listings (%d priced)", summary.TotalListings, priced)
	return summary
}

func (s *InsightService) Print(w io.Writer, r *models.MarketSummary) {
	sep := strings.Repeat("═", 54)
	thin := strings.Repeat("─", 54)

	fmt.Fprintf(w, "\n\033[1;35m%s\033[0m\n", sep)
	fmt.Fprintf(w, "\033[1;35m  📊 YAD2 CAR MARKET SUMMARY\033[0m\n")
	fmt.Fprintf(w, "\033[1;35m%s\033[0m\n\n", sep)

	fmt.Fprintf(w, "\033[1;33m  Overview\033[0m\n")
	fmt.Fprintf(w, "  %s\n", thin)
	fmt.Fprintf(w, "  Active listings : \033[1m%d\033[0m\n", r.TotalListings)
	fmt.Fprintln(w)

	fmt.Fprintf(w, "\033[1;33m  Price Statistics (₪)\033[0m\n")
	fmt.Fprintf(w, "  %s\n", thin)
	if r.AveragePrice > 0 {
		fmt.Fprintf(w, "  Average price : \033[1;32m%.0f\033[0m\n", r.AveragePrice)
		fmt.Fprintf(w, "  Minimum price : \033[1;32m%.0f\033[0m\n", r.MinPrice)
		fmt.Fprintf(w, "  Maximum price : \033[1;32m%.0f\033[0m\n", r.MaxPrice)
	} else {
		fmt.Fprintf(w, "  No price data available\n")
	}
	fmt.Fprintln(w)

	if r.MostExpensive != nil {
		fmt.Fprintf(w, "\033[1;33m  Most Expensive Listing\033[0m\n")
		fmt.Fprintf(w, "  %s\n", thin)
		fmt.Fprintf(w, "  %s\n", truncate(r.MostExpensive.Title, 50))
		fmt.Fprintf(w, "  City  : %s\n", r.MostExpensive.City)
		fmt.Fprintf(w, "  Price : \033[1;31m%.0f\033[0m\n", r.MostExpensive.Price)
		fmt.Fprintln(w)
	}

	fmt.Fprintf(w, "\033[1;33m  Listings by Brand\033[0m\n")
	fmt.Fprintf(w, "  %s\n", thin)
	if len(r.ListingsByBrand) == 0 {
		fmt.Fprintf(w, "  No brand data\n")
	}
	for _, bc := range byCount(r.ListingsByBrand) {
		fmt.Fprintf(w, "  %-20s %5d  avg %.0f\n", truncate(bc.key, 20), bc.count, r.AverageByBrand[bc.key])
	}
	fmt.Fprintln(w)

	fmt.Fprintf(w, "\033[1;33m  Listings by City\033[0m\n")
	fmt.Fprintf(w, "  %s\n", thin)
	if len(r.ListingsByCity) == 0 {
		fmt.Fprintf(w, "  No city data\n")
	}
	for _, cc := range byCount(r.ListingsByCity) {
		bar := strings.Repeat("█", min(cc.count, 30))
		fmt.Fprintf(w, "  %-30s %s (%d)\n", truncate(cc.key, 28), bar, cc.count)
	}

	fmt.Fprintf(w, "\n\033[1;35m%s\033[0m\n\n", sep)
}

type keyCount struct {
	key   string
	count int
}

// byCount sorts by count descending, then key.
func byCount(m map[string]int) []keyCount {
	out := make([]keyCount, 0, len(m))
	for k, c := range m {
		out = append(out, keyCount{k, c})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].count != out[j].count {
			return out[i].count > out[j].count
		}
		return out[i].key < out[j].key
	})
	return out
}

func round2(f float64) float64 {
	return float64(int(f*100+0.5)) / 100
}

func truncate(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max-3]) + "..."
}
