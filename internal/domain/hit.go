package domain

import "strings"

// Platform identifies the site a search hit was classified to.
type Platform string

const (
	PlatformDanbooru     Platform = "danbooru"
	PlatformGelbooru     Platform = "gelbooru"
	PlatformYandere      Platform = "yandere"
	PlatformKonachan     Platform = "konachan"
	PlatformSankaku      Platform = "sankaku"
	PlatformPixiv        Platform = "pixiv"
	PlatformZerochan     Platform = "zerochan"
	Platform3DBooru      Platform = "3dbooru"
	PlatformEshuushuu    Platform = "eshuushuu"
	PlatformMangadex     Platform = "mangadex"
	PlatformMangaupdates Platform = "mangaupdates"
	PlatformMyAnimeList  Platform = "myanimelist"
	PlatformDeviantArt   Platform = "deviantart"
	PlatformArtStation   Platform = "artstation"
	PlatformPatreon      Platform = "patreon"
	PlatformAniDB        Platform = "anidb"
	PlatformAniList      Platform = "anilist"
	PlatformTwitter      Platform = "twitter"
	PlatformIMDB         Platform = "imdb"
	PlatformE621         Platform = "e621"

	// PlatformUnknown marks hits whose payload could not be classified.
	// They still carry a stable id so dedup works across engines.
	PlatformUnknown Platform = "unknown"
)

func (p Platform) Known() bool {
	return p != "" && p != PlatformUnknown
}

// SearchHit is one unresolved candidate match produced by a search engine.
type SearchHit struct {
	SearchEngine string
	Platform     Platform
	PlatformID   string
	// Similarity is the backend-reported match confidence in [0,100],
	// or -1 when the backend does not report one.
	Similarity float64
	// RawPayload is the backend-specific record forwarded to the resolver
	// for fallback enrichment.
	RawPayload map[string]any
	// SearchLink is the backend query URL that produced this hit.
	SearchLink string
}

// ProviderID is the canonical identifier used for dedup and caching.
// The same source item always maps to the same id regardless of which
// engine reported it.
func (h SearchHit) ProviderID() string {
	id := strings.TrimSpace(h.PlatformID)
	if h.Platform.Known() {
		return string(h.Platform) + ":" + id
	}
	return h.SearchEngine + ":" + id
}
