package yad2

// Selector tables shared by the navigator, extractor and paginator. Each
// table is ordered: site-specific rules first, generic structure last.

// readinessSelectors decide when a results page has rendered.
var readinessSelectors = []string{
	`div[data-test-id="feed"]`,
	`div[class*="feed"]`,
	`div[class*="results"]`,
	`div[class*="listing"]`,
	`main`,
	`[role="main"]`,
	`#__next`,
	`body`,
}

// containerSelectors scope the search for listing cards.
var containerSelectors = []string{
	`div[data-test-id="feed"]`,
	`div[class*="feed"]`,
	`div[class*="results"]`,
	`div[class*="list"]`,
	`main`,
	`#__next`,
	`body`,
}

// itemSelectors match one listing card inside a container.
var itemSelectors = []string{
	`div[data-test-id*="feed-item"]`,
	`div[class*="feed-item"]`,
	`div[class*="feeditem"]`,
	`div[class*="list-item"]`,
	`div[class*="result-item"]`,
	`div[class*="item"][data-test]`,
	`div[class*="card"]`,
	`article`,
	`li[class*="item"]`,
	`div[role="article"]`,
	`div[class*="product"]`,
	`div[class*="listing"]`,
}

var titleSelectors = []string{
	`[data-test-id="title"]`,
	`.title`,
	`.feed-item-title`,
	`[class*="title"]`,
	`h2`,
	`h3`,
}

var priceSelectors = []string{
	`[data-test-id="price"]`,
	`.price`,
	`.feed-item-price`,
	`[class*="price"]`,
}

var linkSelectors = []string{
	`a[href*="/item/"]`,
	`a[href]`,
}

var descriptionSelectors = []string{
	`[data-test-id="description"]`,
	`.description`,
	`.feed-item-description`,
	`[class*="subtitle"]`,
}

var locationSelectors = []string{
	`[data-test-id="location"]`,
	`.location`,
	`[class*="location"]`,
	`[class*="area"]`,
}

var detailContainerSelectors = []string{
	`.feed_item_info`,
	`.details`,
	`.feed-item-details`,
	`[class*="details"]`,
}

const (
	detailItemSelector  = `.field, .detail, li`
	detailLabelSelector = `.field_title, .detail-label, [class*="label"]`
	detailValueSelector = `.value, .detail-value, [class*="value"]`
	imageSelector       = `img`
	nextDataSelector    = `script#__NEXT_DATA__`
)

// nextControlSelectors match an explicit "next page" control by role or label.
var nextControlSelectors = []string{
	`a[data-role="next_page"]`,
	`a[rel="next"]`,
	`a[aria-label*="Next"]`,
	`a[aria-label*="next"]`,
	`a[aria-label*="הבא"]`,
	`a[title*="Next"]`,
	`a[title*="הבא"]`,
	`a.pagination-next`,
	`a.next-page`,
	`[data-test-id*="next"] a`,
	`a[data-test-id*="next"]`,
}

// nextControlTexts match a next control by its visible text.
var nextControlTexts = []string{"הבא", "לעמוד הבא", "next", "next page", "›", "»"}

const paginationLinkSelector = `.pagination a, a.pagination-link, [data-test-id*="pagination"] a, nav[aria-label*="pagination"] a`

// detailField is a canonical field name for a label/value pair.
type detailField string

const (
	fieldYear         detailField = "year"
	fieldMileage      detailField = "mileage"
	fieldLocation     detailField = "location"
	fieldFuel         detailField = "fuel"
	fieldTransmission detailField = "transmission"
	fieldBody         detailField = "body"
	fieldColor        detailField = "color"
)

// labelKeywords maps detail labels to fields. Hebrew labels as shown on the
// site come first, then English and transliterated forms. Fuel is checked
// before body so "engine type" does not match "type".
var labelKeywords = []struct {
	field    detailField
	keywords []string
}{
	{fieldYear, []string{"שנת ייצור", "שנה", "year", "shana"}},
	{fieldMileage, []string{`ק"מ`, "ק״מ", "קילומטר", "km", "mileage", "kilometers", "kilometrage"}},
	{fieldFuel, []string{"סוג מנוע", "דלק", "fuel", "engine type", "delek"}},
	{fieldTransmission, []string{"תיבת הילוכים", "גיר", "transmission", "gear", "gir"}},
	{fieldBody, []string{"סוג רכב", "מרכב", "body", "type"}},
	{fieldColor, []string{"צבע", "color", "colour", "tseva"}},
	{fieldLocation, []string{"מיקום", "אזור", "עיר", "location", "city", "area"}},
}
