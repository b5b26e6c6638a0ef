package saucenao

import (
	"net/url"
	"regexp"
	"strings"

	"imagesource/risservice/internal/domain"
)

// Several indexes report no usable id key and identify the source only
// through ext_urls. These rules classify such links by host and extract
// the platform id from the path (or query, where the site keys by it).
var (
	rePostShow     = regexp.MustCompile(`/posts?(?:/show)?/(\d+)`)
	reSankakuPost  = regexp.MustCompile(`/posts?(?:/show)?/([A-Za-z0-9-]+)`)
	reEshuushuu    = regexp.MustCompile(`/image/(\d+)`)
	rePixivArtwork = regexp.MustCompile(`/artworks/(\d+)`)
	rePximgFile    = regexp.MustCompile(`/(\d+)_p\d`)
	reTweetStatus  = regexp.MustCompile(`/status/(\d+)`)
	reAnimeID      = regexp.MustCompile(`/anime/(\d+)`)
	reMangadex     = regexp.MustCompile(`/title/([A-Za-z0-9-]+)`)
	reSeries       = regexp.MustCompile(`/series/([A-Za-z0-9-]+)`)
	reZerochanID   = regexp.MustCompile(`^/(\d+)`)
)

// classifyExtURL maps one ext_urls entry to a platform and id. Links it
// cannot place return ok=false, never a guess: a wrong platform would
// poison the provider id shared with the other engines.
func classifyExtURL(raw string) (domain.Platform, string, bool) {
	parsed, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return domain.PlatformUnknown, "", false
	}
	host := strings.ToLower(parsed.Hostname())
	if host == "" {
		return domain.PlatformUnknown, "", false
	}
	path := parsed.Path

	pick := func(platform domain.Platform, re *regexp.Regexp) (domain.Platform, string, bool) {
		match := re.FindStringSubmatch(path)
		if match == nil {
			return domain.PlatformUnknown, "", false
		}
		return platform, match[1], true
	}

	switch {
	case hostIs(host, "danbooru.donmai.us"):
		return pick(domain.PlatformDanbooru, rePostShow)
	case hostIs(host, "gelbooru.com"):
		if id := strings.TrimSpace(parsed.Query().Get("id")); id != "" {
			return domain.PlatformGelbooru, id, true
		}
		return domain.PlatformUnknown, "", false
	case hostIs(host, "yande.re"):
		return pick(domain.PlatformYandere, rePostShow)
	case hostIs(host, "konachan.com"):
		return pick(domain.PlatformKonachan, rePostShow)
	case hostIs(host, "behoimi.org"):
		return pick(domain.Platform3DBooru, rePostShow)
	case hostIs(host, "zerochan.net"):
		return pick(domain.PlatformZerochan, reZerochanID)
	case hostIs(host, "sankakucomplex.com"):
		return pick(domain.PlatformSankaku, reSankakuPost)
	case hostIs(host, "e-shuushuu.net"):
		return pick(domain.PlatformEshuushuu, reEshuushuu)
	case hostIs(host, "e621.net"):
		return pick(domain.PlatformE621, rePostShow)
	case hostIs(host, "pixiv.net"):
		return pick(domain.PlatformPixiv, rePixivArtwork)
	case hostIs(host, "pximg.net"):
		return pick(domain.PlatformPixiv, rePximgFile)
	case hostIs(host, "twitter.com"), hostIs(host, "x.com"):
		return pick(domain.PlatformTwitter, reTweetStatus)
	case hostIs(host, "mangadex.org"):
		return pick(domain.PlatformMangadex, reMangadex)
	case hostIs(host, "mangaupdates.com"):
		if id := strings.TrimSpace(parsed.Query().Get("id")); id != "" {
			return domain.PlatformMangaupdates, id, true
		}
		return pick(domain.PlatformMangaupdates, reSeries)
	case hostIs(host, "myanimelist.net"):
		return pick(domain.PlatformMyAnimeList, reAnimeID)
	case hostIs(host, "anidb.net"):
		return pick(domain.PlatformAniDB, reAnimeID)
	case hostIs(host, "anilist.co"):
		return pick(domain.PlatformAniList, reAnimeID)
	}
	return domain.PlatformUnknown, "", false
}

func hostIs(host, site string) bool {
	return host == site || strings.HasSuffix(host, "."+site)
}

// extURLStrings pulls the ext_urls list out of a decoded result payload.
func extURLStrings(value any) []string {
	items, ok := value.([]any)
	if !ok {
		return nil
	}
	urls := make([]string, 0, len(items))
	for _, item := range items {
		if link, ok := item.(string); ok && strings.TrimSpace(link) != "" {
			urls = append(urls, link)
		}
	}
	return urls
}
