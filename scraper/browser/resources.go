package browser

import (
	"context"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/fetch"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
)

// blockedTypes returns the resource types that are failed before they hit
// the network. Images stay loaded unless blockImages is set.
func blockedTypes(blockImages bool) []network.ResourceType {
	types := []network.ResourceType{
		network.ResourceTypeFont,
		network.ResourceTypeMedia,
		network.ResourceTypeStylesheet,
		network.ResourceTypeManifest,
	}
	if blockImages {
		types = append(types, network.ResourceTypeImage)
	}
	return types
}

func shouldBlock(rt network.ResourceType, blockImages bool) bool {
	for _, t := range blockedTypes(blockImages) {
		if t == rt {
			return true
		}
	}
	return false
}

// enableResourceBlocking pauses requests of the blocked types through the
// Fetch domain and fails them with BlockedByClient.
func enableResourceBlocking(tabCtx context.Context, blockImages bool) chromedp.Action {
	chromedp.ListenTarget(tabCtx, func(ev interface{}) {
		e, ok := ev.(*fetch.EventRequestPaused)
		if !ok {
			return
		}
		go func() {
			c := chromedp.FromContext(tabCtx)
			if c == nil || c.Target == nil {
				return
			}
			ectx := cdp.WithExecutor(tabCtx, c.Target)
			if shouldBlock(e.ResourceType, blockImages) {
				_ = fetch.FailRequest(e.RequestID, network.ErrorReasonBlockedByClient).Do(ectx)
				return
			}
			_ = fetch.ContinueRequest(e.RequestID).Do(ectx)
		}()
	})

	types := blockedTypes(blockImages)
	patterns := make([]*fetch.RequestPattern, 0, len(types))
	for _, t := range types {
		patterns = append(patterns, &fetch.RequestPattern{
			URLPattern:   "*",
			ResourceType: t,
			RequestStage: fetch.RequestStageRequest,
		})
	}
	return fetch.Enable().WithPatterns(patterns)
}
