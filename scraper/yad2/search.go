package yad2

import (
	"net/url"
	"strconv"
	"strings"

	"yad2-ingest/models"
)

// BuildSearchURL encodes search constraints as the site's query parameters.
// page is 1-based; page 1 omits the parameter.
func BuildSearchURL(searchURL string, p models.SearchParams, page int) string {
	u, err := url.Parse(searchURL)
	if err != nil {
		return searchURL
	}
	q := u.Query()
	setIf(q, "manufacturer", p.Manufacturer)
	setIf(q, "model", p.Model)
	setIf(q, "year", rangeParam(p.YearFrom, p.YearTo))
	setIf(q, "price", rangeParam(p.PriceFrom, p.PriceTo))
	setIf(q, "km", rangeParam(p.KmFrom, p.KmTo))
	setIf(q, "area", p.Location)
	if page > 1 {
		q.Set("page", strconv.Itoa(page))
	}
	q.Set("forceLdLoad", "true")
	u.RawQuery = q.Encode()
	return u.String()
}

// rangeParam renders "from-to" with open ends left empty; "" when both are unset.
func rangeParam(from, to int) string {
	if from <= 0 && to <= 0 {
		return ""
	}
	var b strings.Builder
	if from > 0 {
		b.WriteString(strconv.Itoa(from))
	}
	b.WriteByte('-')
	if to > 0 {
		b.WriteString(strconv.Itoa(to))
	}
	return b.String()
}

func setIf(q url.Values, key, value string) {
	if v := strings.TrimSpace(value); v != "" {
		q.Set(key, v)
	}
}
