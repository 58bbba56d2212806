package browser

import (
	"encoding/json"
	"fmt"
	"math/rand"
)

// Profile is one internally consistent browser identity: the user agent,
// navigator.platform, locale and timezone always agree with each other.
type Profile struct {
	UserAgent      string
	Platform       string
	Locale         string
	AcceptLanguage string
	Languages      []string
	Timezone       string
	Latitude       float64
	Longitude      float64
	Width          int
	Height         int
}

const (
	minWidth  = 1200
	maxWidth  = 1920
	minHeight = 800
	maxHeight = 1080
)

var baseProfiles = []Profile{
	{
		UserAgent:      "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
		Platform:       "Win32",
		Locale:         "he-IL",
		AcceptLanguage: "he-IL,he;q=0.9,en-US;q=0.8,en;q=0.7",
		Languages:      []string{"he-IL", "he", "en-US", "en"},
		Timezone:       "Asia/Jerusalem",
		Latitude:       32.0853,
		Longitude:      34.7818,
	},
	{
		UserAgent:      "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/121.0.0.0 Safari/537.36",
		Platform:       "MacIntel",
		Locale:         "he-IL",
		AcceptLanguage: "he-IL,he;q=0.9,en;q=0.8",
		Languages:      []string{"he-IL", "he", "en"},
		Timezone:       "Asia/Jerusalem",
		Latitude:       31.7683,
		Longitude:      35.2137,
	},
	{
		UserAgent:      "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
		Platform:       "Linux x86_64",
		Locale:         "en-IL",
		AcceptLanguage: "en-IL,en;q=0.9,he;q=0.8",
		Languages:      []string{"en-IL", "en", "he"},
		Timezone:       "Asia/Jerusalem",
		Latitude:       32.7940,
		Longitude:      34.9896,
	},
}

// RandomProfile picks a base identity and a viewport within the usual
// desktop range. intn defaults to math/rand.Intn.
func RandomProfile(intn func(int) int) Profile {
	if intn == nil {
		intn = rand.Intn
	}
	p := baseProfiles[intn(len(baseProfiles))]
	p.Languages = append([]string(nil), p.Languages...)
	p.Width = minWidth + intn(maxWidth-minWidth+1)
	p.Height = minHeight + intn(maxHeight-minHeight+1)
	return p
}

// OverrideScript returns the init script that aligns navigator properties
// with the profile and hides the automation flag. It runs before any page
// script on every new document.
func (p Profile) OverrideScript() string {
	langs, _ := json.Marshal(p.Languages)
	platform, _ := json.Marshal(p.Platform)
	return fmt.Sprintf(`(() => {
	const define = (obj, prop, value) => {
		try { Object.defineProperty(obj, prop, { get: () => value, configurable: true }); } catch (e) {}
	};
	define(Navigator.prototype, 'webdriver', undefined);
	define(Navigator.prototype, 'languages', %s);
	define(Navigator.prototype, 'platform', %s);
	define(Navigator.prototype, 'plugins', [1, 2, 3, 4, 5].map(i => ({ name: 'Plugin ' + i })));
	define(Navigator.prototype, 'hardwareConcurrency', 8);
	if (!window.chrome) { window.chrome = { runtime: {} }; }
	const query = window.navigator.permissions && window.navigator.permissions.query;
	if (query) {
		window.navigator.permissions.query = (params) => params && params.name === 'notifications'
			? Promise.resolve({ state: Notification.permission })
			: query.call(window.navigator.permissions, params);
	}
})();`, langs, platform)
}
