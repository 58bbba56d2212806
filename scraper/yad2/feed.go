package yad2

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"yad2-ingest/models"
	apperrors "yad2-ingest/pkg/errors"
)

// flexString accepts a JSON string, number or null.
type flexString string

func (f *flexString) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*f = ""
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		// objects and arrays carry no scalar value
		*f = ""
		return nil
	}
	*f = flexString(n.String())
	return nil
}

func (f flexString) String() string { return strings.TrimSpace(string(f)) }

type feedImage struct {
	Src string
}

func (i *feedImage) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		i.Src = s
		return nil
	}
	var obj struct {
		Src string `json:"src"`
		URL string `json:"url"`
	}
	if err := json.Unmarshal(b, &obj); err != nil {
		return nil
	}
	i.Src = obj.Src
	if i.Src == "" {
		i.Src = obj.URL
	}
	return nil
}

type feedItem struct {
	ID           flexString  `json:"id"`
	Token        flexString  `json:"token"`
	Title        flexString  `json:"title"`
	SubTitle     flexString  `json:"sub_title"`
	Manufacturer flexString  `json:"manufacturer"`
	Model        flexString  `json:"model"`
	Price        flexString  `json:"price"`
	Link         flexString  `json:"link"`
	Year         flexString  `json:"year"`
	Mileage      flexString  `json:"mileage"`
	Kilometers   flexString  `json:"kilometers"`
	Location     flexString  `json:"location"`
	Area         flexString  `json:"area"`
	City         flexString  `json:"city"`
	Description  flexString  `json:"description"`
	FuelType     flexString  `json:"fuel_type"`
	Gear         flexString  `json:"gear"`
	Color        flexString  `json:"color"`
	Images       []feedImage `json:"images"`
	Details      struct {
		FuelType     flexString `json:"fuel_type"`
		Transmission flexString `json:"transmission"`
		BodyType     flexString `json:"body_type"`
		Color        flexString `json:"color"`
	} `json:"details"`
}

type nextData struct {
	Props struct {
		PageProps struct {
			InitialState struct {
				Feed struct {
					Feed json.RawMessage `json:"feed"`
				} `json:"feed"`
			} `json:"initialState"`
		} `json:"pageProps"`
	} `json:"props"`
}

// ExtractFeed reads the listings embedded in the page's __NEXT_DATA__ blob.
// The feed is either an array of items or an object holding feed_items.
// Records without an identifier (ads, banners) are counted as skipped.
func (e *Extractor) ExtractFeed(blob []byte) ([]*models.RawListing, int, error) {
	var data nextData
	if err := json.Unmarshal(blob, &data); err != nil {
		return nil, 0, apperrors.NewExtraction(defaultPageSource, "decode __NEXT_DATA__", err)
	}
	raw := data.Props.PageProps.InitialState.Feed.Feed
	if len(raw) == 0 {
		return nil, 0, apperrors.NewExtraction(defaultPageSource, "no feed in __NEXT_DATA__", nil)
	}

	var items []feedItem
	if err := json.Unmarshal(raw, &items); err != nil {
		var wrapped struct {
			FeedItems []feedItem `json:"feed_items"`
		}
		if err := json.Unmarshal(raw, &wrapped); err != nil {
			return nil, 0, apperrors.NewExtraction(defaultPageSource, "decode feed items", err)
		}
		items = wrapped.FeedItems
	}

	var out []*models.RawListing
	skipped := 0
	seen := make(map[string]struct{})
	for i := range items {
		listing, err := e.ExtractFeedItem(&items[i])
		if err != nil {
			skipped++
			continue
		}
		if _, dup := seen[listing.ExternalID]; dup {
			continue
		}
		seen[listing.ExternalID] = struct{}{}
		out = append(out, listing)
	}
	return out, skipped, nil
}

// ExtractFeedItem converts one JSON feed record. Structured manufacturer and
// model fields win over what the title suggests.
func (e *Extractor) ExtractFeedItem(item *feedItem) (*models.RawListing, error) {
	link := e.resolve(item.Link.String())
	id := item.ID.String()
	if id == "" {
		id = ExternalIDFromURL(link)
	}
	if id == "" {
		id = item.Token.String()
	}
	if id == "" {
		return nil, apperrors.NewExtraction(defaultPageSource, "feed item has no id", nil)
	}
	if link == "" {
		link = e.resolve(fmt.Sprintf("/item/%s", id))
	}

	title := item.Title.String()
	if title == "" {
		title = collapse(strings.Join([]string{
			item.Manufacturer.String(), item.Model.String(), item.SubTitle.String(),
		}, " "))
	}

	price, ok := ParsePrice(item.Price.String())
	raw := &models.RawListing{
		ExternalID:   id,
		Source:       models.SourceYad2,
		Title:        collapse(title),
		Description:  collapse(item.Description.String()),
		RawPrice:     item.Price.String(),
		Price:        price,
		PriceInvalid: !ok,
		Year:         digitsOnly(item.Year.String()),
		Mileage:      digitsOnly(firstNonEmpty(item.Mileage.String(), item.Kilometers.String())),
		FuelType:     firstNonEmpty(item.Details.FuelType.String(), item.FuelType.String()),
		Transmission: firstNonEmpty(item.Details.Transmission.String(), item.Gear.String()),
		BodyType:     item.Details.BodyType.String(),
		Color:        firstNonEmpty(item.Details.Color.String(), item.Color.String()),
		Location:     firstNonEmpty(item.Location.String(), item.City.String(), item.Area.String()),
		Brand:        item.Manufacturer.String(),
		Model:        item.Model.String(),
		URL:          link,
		FromFeed:     true,
		ScrapedAt:    e.now(),
	}
	for _, img := range item.Images {
		if src := e.resolve(img.Src); src != "" {
			raw.ImageURLs = append(raw.ImageURLs, src)
		}
	}
	e.applyTitleHeuristics(raw)
	return raw, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
