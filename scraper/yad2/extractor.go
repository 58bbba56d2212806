package yad2

import (
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/PuerkitoBio/goquery"

	"yad2-ingest/models"
	apperrors "yad2-ingest/pkg/errors"
)

var (
	// itemIDRegexp captures the listing identifier that follows /item/ in a detail URL
	itemIDRegexp = regexp.MustCompile(`/item/([^/?#]+)`)
	// yearRegexp matches a plausible model year token
	yearRegexp = regexp.MustCompile(`^(19|20)\d{2}$`)
	nonDigits  = regexp.MustCompile(`\D+`)
	// priceRegexp is a cleaned price: digits with at most one decimal part
	priceRegexp = regexp.MustCompile(`^\d+(\.\d+)?$`)

	priceNoise = strings.NewReplacer(
		"₪", "", "ש\"ח", "", "ש״ח", "", "NIS", "",
		",", "", "\u200f", "", "\u200e", "",
	)
)

const (
	validatorSample   = 3
	defaultPageSource = models.SourceYad2
)

// Extractor turns one listing card or one JSON feed record into a
// RawListing. It performs no I/O.
type Extractor struct {
	baseURL    *url.URL
	now        func() time.Time
	knownBrand BrandMatcher
}

// BrandMatcher reports whether name is a known brand spelling. It lets
// title splitting recognise brands written as several words.
type BrandMatcher func(name string) bool

// maxBrandTokens bounds the title prefix tried against the BrandMatcher.
const maxBrandTokens = 3

// NewExtractor resolves relative links against baseURL.
func NewExtractor(baseURL string) *Extractor {
	u, err := url.Parse(baseURL)
	if err != nil {
		u = &url.URL{}
	}
	return &Extractor{baseURL: u, now: time.Now}
}

// WithBrandMatcher sets the matcher used when splitting titles.
func (e *Extractor) WithBrandMatcher(m BrandMatcher) *Extractor {
	e.knownBrand = m
	return e
}

// PageExtraction is what one results page yielded.
type PageExtraction struct {
	Listings []*models.RawListing
	Skipped  int
	Selector string
	FromFeed bool
}

// ExtractPage extracts every listing of a results page. DOM cards are tried
// first through the container/item selector tables; the first pair that
// passes validation and yields listings is used for the rest of the page.
// When the DOM yields nothing the embedded JSON feed is used instead.
func (e *Extractor) ExtractPage(doc *goquery.Document) PageExtraction {
	for _, container := range containerSelectors {
		scope := doc.Find(container)
		if scope.Length() == 0 {
			continue
		}
		for _, item := range itemSelectors {
			cards := scope.Find(item)
			if !validSelection(cards) {
				continue
			}

			res := PageExtraction{Selector: container + " " + item}
			seen := make(map[string]struct{})
			cards.Each(func(_ int, card *goquery.Selection) {
				raw, err := e.ExtractListing(card)
				if err != nil {
					res.Skipped++
					return
				}
				if _, dup := seen[raw.ExternalID]; dup {
					return
				}
				seen[raw.ExternalID] = struct{}{}
				res.Listings = append(res.Listings, raw)
			})
			if len(res.Listings) > 0 {
				return res
			}
		}
	}

	if script := doc.Find(nextDataSelector).First(); script.Length() > 0 {
		listings, skipped, err := e.ExtractFeed([]byte(script.Text()))
		if err == nil && len(listings) > 0 {
			return PageExtraction{Listings: listings, Skipped: skipped, Selector: nextDataSelector, FromFeed: true}
		}
	}
	return PageExtraction{}
}

// validSelection samples up to three cards and requires at least half of
// them to carry a price, a title or a link.
func validSelection(cards *goquery.Selection) bool {
	n := cards.Length()
	if n == 0 {
		return false
	}
	if n > validatorSample {
		n = validatorSample
	}
	valid := 0
	for i := 0; i < n; i++ {
		card := cards.Eq(i)
		if firstText(card, priceSelectors) != "" ||
			firstText(card, titleSelectors) != "" ||
			firstAttr(card, linkSelectors, "href") != "" {
			valid++
		}
	}
	return valid*2 >= n
}

// ExtractListing converts one DOM card. A card without a detail link carrying
// an item identifier is skipped with an extraction error.
func (e *Extractor) ExtractListing(card *goquery.Selection) (raw *models.RawListing, err error) {
	defer func() {
		if r := recover(); r != nil {
			raw, err = nil, apperrors.NewExtraction(defaultPageSource, "card panicked", fmt.Errorf("%v", r))
		}
	}()

	link := e.resolve(firstAttr(card, linkSelectors, "href"))
	id := ExternalIDFromURL(link)
	if id == "" {
		return nil, apperrors.NewExtraction(defaultPageSource, "card has no item link", nil)
	}

	priceText := firstText(card, priceSelectors)
	price, ok := ParsePrice(priceText)

	raw = &models.RawListing{
		ExternalID:   id,
		Source:       models.SourceYad2,
		Title:        collapse(firstText(card, titleSelectors)),
		Description:  collapse(firstText(card, descriptionSelectors)),
		RawPrice:     priceText,
		Price:        price,
		PriceInvalid: !ok,
		Location:     collapse(firstText(card, locationSelectors)),
		URL:          link,
		ImageURLs:    e.images(card),
		ScrapedAt:    e.now(),
	}

	for field, value := range detailPairs(card) {
		assignDetail(raw, field, value)
	}
	e.applyTitleHeuristics(raw)
	return raw, nil
}

// detailPairs walks the label/value pairs of the details sub-container.
func detailPairs(card *goquery.Selection) map[detailField]string {
	out := make(map[detailField]string)
	var details *goquery.Selection
	for _, sel := range detailContainerSelectors {
		if d := card.Find(sel); d.Length() > 0 {
			details = d.First()
			break
		}
	}
	if details == nil {
		return out
	}

	details.Find(detailItemSelector).Each(func(_ int, item *goquery.Selection) {
		label := collapse(item.Find(detailLabelSelector).First().Text())
		value := collapse(item.Find(detailValueSelector).First().Text())
		if label == "" || value == "" {
			return
		}
		if field, ok := matchLabel(label); ok {
			if _, exists := out[field]; !exists {
				out[field] = value
			}
		}
	})
	return out
}

// matchLabel maps a detail label in Hebrew or English to its field.
func matchLabel(label string) (detailField, bool) {
	lower := strings.ToLower(strings.TrimSpace(label))
	for _, entry := range labelKeywords {
		for _, kw := range entry.keywords {
			if strings.Contains(lower, kw) {
				return entry.field, true
			}
		}
	}
	return "", false
}

func assignDetail(raw *models.RawListing, field detailField, value string) {
	switch field {
	case fieldYear:
		raw.Year = digitsOnly(value)
	case fieldMileage:
		raw.Mileage = digitsOnly(value)
	case fieldLocation:
		raw.Location = value
	case fieldFuel:
		raw.FuelType = value
	case fieldTransmission:
		raw.Transmission = value
	case fieldBody:
		raw.BodyType = value
	case fieldColor:
		raw.Color = value
	}
}

// applyTitleHeuristics fills brand, model and year from the title when no
// structured value is present.
func (e *Extractor) applyTitleHeuristics(raw *models.RawListing) {
	brand, model, year := SplitTitle(raw.Title, e.knownBrand)
	if raw.Brand == "" {
		raw.Brand = brand
	}
	if raw.Model == "" {
		raw.Model = model
	}
	if raw.Year == "" {
		raw.Year = year
	}
}

// SplitTitle splits a free-text title: the brand is the longest prefix of up
// to three tokens that known accepts, or the first token; the following
// tokens up to a model year or an all-caps trim token are the model.
func SplitTitle(title string, known BrandMatcher) (brand, model, year string) {
	tokens := strings.Fields(title)
	if len(tokens) == 0 {
		return "", "", ""
	}
	n := brandPrefix(tokens, known)
	brand = strings.Join(tokens[:n], " ")
	rest := tokens[n:]

	var modelTokens []string
	for _, tok := range rest {
		if yearRegexp.MatchString(tok) {
			year = tok
			break
		}
		if len(modelTokens) > 0 && isTrimToken(tok) {
			break
		}
		modelTokens = append(modelTokens, tok)
	}
	if year == "" {
		for _, tok := range rest {
			if yearRegexp.MatchString(tok) {
				year = tok
				break
			}
		}
	}
	return brand, strings.Join(modelTokens, " "), year
}

func brandPrefix(tokens []string, known BrandMatcher) int {
	if known == nil {
		return 1
	}
	for n := min(maxBrandTokens, len(tokens)); n > 1; n-- {
		if known(strings.Join(tokens[:n], " ")) {
			return n
		}
	}
	return 1
}

// isTrimToken reports whether tok is an all-caps trim designation like "GLS".
func isTrimToken(tok string) bool {
	letters := 0
	for _, r := range tok {
		if unicode.IsLetter(r) {
			if !unicode.IsUpper(r) {
				return false
			}
			letters++
		}
	}
	return letters >= 2
}

// ParsePrice strips currency symbols, whitespace and thousands separators and
// parses what is left. Any other text makes the price invalid (0, false).
func ParsePrice(text string) (float64, bool) {
	cleaned := strings.Join(strings.Fields(priceNoise.Replace(text)), "")
	if !priceRegexp.MatchString(cleaned) {
		return 0, false
	}
	v, err := strconv.ParseFloat(cleaned, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// ExternalIDFromURL returns the path segment following /item/.
func ExternalIDFromURL(link string) string {
	m := itemIDRegexp.FindStringSubmatch(link)
	if len(m) < 2 {
		return ""
	}
	return m[1]
}

func (e *Extractor) resolve(href string) string {
	href = strings.TrimSpace(href)
	if href == "" {
		return ""
	}
	ref, err := url.Parse(href)
	if err != nil {
		return ""
	}
	return e.baseURL.ResolveReference(ref).String()
}

func (e *Extractor) images(card *goquery.Selection) []string {
	var out []string
	seen := make(map[string]struct{})
	card.Find(imageSelector).Each(func(_ int, img *goquery.Selection) {
		src := img.AttrOr("src", "")
		if src == "" || strings.HasPrefix(src, "data:") {
			src = img.AttrOr("data-src", "")
		}
		src = e.resolve(src)
		if src == "" {
			return
		}
		if _, dup := seen[src]; dup {
			return
		}
		seen[src] = struct{}{}
		out = append(out, src)
	})
	return out
}

// firstText returns the first non-empty trimmed text among selectors.
func firstText(scope *goquery.Selection, selectors []string) string {
	for _, sel := range selectors {
		var found string
		scope.Find(sel).EachWithBreak(func(_ int, s *goquery.Selection) bool {
			found = strings.TrimSpace(s.Text())
			return found == ""
		})
		if found != "" {
			return found
		}
	}
	return ""
}

// firstAttr returns the first non-empty attribute among selectors. The scope
// itself is checked too, since a card may be the anchor.
func firstAttr(scope *goquery.Selection, selectors []string, attr string) string {
	for _, sel := range selectors {
		if scope.Is(sel) {
			if v := strings.TrimSpace(scope.AttrOr(attr, "")); v != "" {
				return v
			}
		}
		var found string
		scope.Find(sel).EachWithBreak(func(_ int, s *goquery.Selection) bool {
			found = strings.TrimSpace(s.AttrOr(attr, ""))
			return found == ""
		})
		if found != "" {
			return found
		}
	}
	return ""
}

func digitsOnly(s string) string {
	return nonDigits.ReplaceAllString(s, "")
}

// collapse strips leading/trailing whitespace and collapses internal whitespace.
func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
