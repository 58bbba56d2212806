package browser

import (
	"context"
	"strings"
	"testing"

	"github.com/chromedp/cdproto/network"
	"github.com/stretchr/testify/assert"

	apperrors "yad2-ingest/pkg/errors"
	"yad2-ingest/utils"
)

func TestRandomProfileViewportRange(t *testing.T) {
	for i := 0; i < 200; i++ {
		p := RandomProfile(nil)
		assert.GreaterOrEqual(t, p.Width, minWidth)
		assert.LessOrEqual(t, p.Width, maxWidth)
		assert.GreaterOrEqual(t, p.Height, minHeight)
		assert.LessOrEqual(t, p.Height, maxHeight)
	}
}

func TestRandomProfileIsConsistent(t *testing.T) {
	for i := range baseProfiles {
		idx := i
		p := RandomProfile(func(n int) int {
			if n == len(baseProfiles) {
				return idx
			}
			return 0
		})

		assert.Equal(t, minWidth, p.Width)
		assert.Equal(t, minHeight, p.Height)
		assert.Equal(t, "Asia/Jerusalem", p.Timezone)
		assert.True(t, strings.HasPrefix(p.AcceptLanguage, p.Locale), "accept-language leads with locale")
		assert.Equal(t, p.Locale, p.Languages[0])

		switch {
		case strings.Contains(p.UserAgent, "Windows"):
			assert.Equal(t, "Win32", p.Platform)
		case strings.Contains(p.UserAgent, "Macintosh"):
			assert.Equal(t, "MacIntel", p.Platform)
		case strings.Contains(p.UserAgent, "Linux"):
			assert.Equal(t, "Linux x86_64", p.Platform)
		}
	}
}

func TestRandomProfileDoesNotShareLanguages(t *testing.T) {
	p := RandomProfile(func(int) int { return 0 })
	p.Languages[0] = "xx"
	assert.NotEqual(t, "xx", baseProfiles[0].Languages[0])
}

func TestOverrideScript(t *testing.T) {
	p := baseProfiles[0]
	script := p.OverrideScript()

	assert.Contains(t, script, `'webdriver', undefined`)
	assert.Contains(t, script, `["he-IL","he","en-US","en"]`)
	assert.Contains(t, script, `"Win32"`)
	assert.Contains(t, script, `'plugins'`)
}

func TestShouldBlock(t *testing.T) {
	assert.True(t, shouldBlock(network.ResourceTypeFont, false))
	assert.True(t, shouldBlock(network.ResourceTypeMedia, false))
	assert.True(t, shouldBlock(network.ResourceTypeStylesheet, false))
	assert.False(t, shouldBlock(network.ResourceTypeImage, false), "images stay visible by default")
	assert.True(t, shouldBlock(network.ResourceTypeImage, true))
	assert.False(t, shouldBlock(network.ResourceTypeDocument, true))
	assert.False(t, shouldBlock(network.ResourceTypeScript, true))
}

func TestCloseIsIdempotent(t *testing.T) {
	cancels := 0
	s := &Session{
		cancelTab:   func() { cancels++ },
		cancelAlloc: func() { cancels++ },
		closed:      make(chan struct{}),
		logger:      utils.NewNopLogger(),
	}

	assert.NoError(t, s.Close())
	assert.NoError(t, s.Close())
	assert.Equal(t, 2, cancels)
}

func TestClosedSessionRefusesWork(t *testing.T) {
	s := &Session{
		cfg:         (Config{ExecPath: "unused"}).withDefaults(),
		cancelTab:   func() {},
		cancelAlloc: func() {},
		closed:      make(chan struct{}),
		logger:      utils.NewNopLogger(),
	}
	s.Close()

	err := s.Navigate(context.Background(), "https://www.yad2.co.il/vehicles/cars")
	assert.True(t, apperrors.Is(err, apperrors.ErrorTypeSession))
	assert.False(t, apperrors.IsRetryable(err))
}
