package resolve

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"imagesource/risservice/internal/domain"
)

// genericPriorityKey follows the ordering convention: classified hits
// sort under their platform name, unclassified ones under their raw id
// so each stays distinct.
func genericPriorityKey(hit domain.SearchHit) string {
	if hit.Platform.Known() {
		return string(hit.Platform)
	}
	return hit.PlatformID
}

// saucenaoGeneric builds provider data straight from the saucenao
// payload when no platform resolver could. URL-valued fields move into
// the extra links, the remainder become display fields.
func (r *Resolver) saucenaoGeneric(ctx context.Context, hit domain.SearchHit) (domain.ProviderData, error) {
	header, _ := hit.RawPayload["header"].(map[string]any)
	payloadData, _ := hit.RawPayload["data"].(map[string]any)
	thumbnail, _ := header["thumbnail"].(string)
	searchLink, _ := hit.RawPayload["search_link"].(string)
	if thumbnail == "" {
		return domain.ProviderData{}, fmt.Errorf("saucenao payload for %s has no thumbnail", hit.ProviderID())
	}

	var extraLinks []string
	fields := make(map[string]domain.FieldValue)
	for key, value := range payloadData {
		if key == "ext_urls" {
			extraLinks = append(extraLinks, stringList(value)...)
			continue
		}
		if isEmptyPayloadValue(value) {
			continue
		}
		if text, ok := value.(string); ok && looksLikeURL(text) {
			extraLinks = append(extraLinks, text)
			continue
		}
		if field, ok := payloadField(value); ok {
			fields[key] = field
		}
	}

	data := domain.ProviderData{
		PriorityKey:  genericPriorityKey(hit),
		ProviderID:   hit.ProviderID(),
		ProviderLink: searchLink,
		MainFiles:    []string{thumbnail},
		Fields:       fields,
	}
	data.AddExtraLinks(rewriteDanbooruLinks(extraLinks)...)
	return data, nil
}

// iqdbGeneric covers iqdb hits whose host has no dedicated resolver.
// The payload already carries everything the match page showed.
func (r *Resolver) iqdbGeneric(ctx context.Context, hit domain.SearchHit) (domain.ProviderData, error) {
	thumbnail, _ := hit.RawPayload["thumbnail_src"].(string)
	postLink, _ := hit.RawPayload["post_link"].(string)
	if thumbnail == "" || postLink == "" {
		return domain.ProviderData{}, fmt.Errorf("iqdb payload for %s is incomplete", hit.ProviderID())
	}

	fields := make(map[string]domain.FieldValue)
	if size, ok := hit.RawPayload["size"].(string); ok && size != "" {
		fields["size"] = domain.StringField(size)
	}
	if nsfw, ok := hit.RawPayload["nsfw"].(bool); ok {
		fields["nsfw"] = domain.BoolField(nsfw)
	}

	return domain.ProviderData{
		PriorityKey:  genericPriorityKey(hit),
		ProviderID:   hit.ProviderID(),
		ProviderLink: postLink,
		MainFiles:    []string{thumbnail},
		Fields:       fields,
	}, nil
}

// generic is the last stage: it salvages whatever link material the
// payload has so the hit is not lost entirely.
func (r *Resolver) generic(ctx context.Context, hit domain.SearchHit) (domain.ProviderData, error) {
	searchLink, _ := hit.RawPayload["search_link"].(string)
	if searchLink == "" {
		searchLink = hit.SearchLink
	}
	if searchLink == "" {
		return domain.ProviderData{}, fmt.Errorf("hit %s carries no links", hit.ProviderID())
	}

	data := domain.ProviderData{
		PriorityKey:  genericPriorityKey(hit),
		ProviderID:   hit.ProviderID(),
		ProviderLink: searchLink,
	}
	data.AddExtraLinks(payloadExtraLinks(hit.RawPayload)...)
	return data, nil
}

// payloadExtraLinks collects every URL present in a hit payload: the
// search link, the ext_urls list and any URL-valued data field.
func payloadExtraLinks(payload map[string]any) []string {
	if payload == nil {
		return nil
	}
	var links []string
	if searchLink, ok := payload["search_link"].(string); ok && searchLink != "" {
		links = append(links, searchLink)
	}
	payloadData, _ := payload["data"].(map[string]any)
	for key, value := range payloadData {
		if key == "ext_urls" {
			links = append(links, stringList(value)...)
			continue
		}
		if text, ok := value.(string); ok && looksLikeURL(text) {
			links = append(links, text)
		}
	}
	return rewriteDanbooruLinks(links)
}

// rewriteDanbooruLinks migrates legacy danbooru post/show URLs to the
// current posts path.
func rewriteDanbooruLinks(links []string) []string {
	for i, link := range links {
		if strings.Contains(link, "danbooru.donmai.us") && strings.Contains(link, "post/show/") {
			links[i] = strings.Replace(link, "post/show", "posts", 1)
		}
	}
	return links
}

func stringList(value any) []string {
	items, ok := value.([]any)
	if !ok {
		return nil
	}
	var list []string
	for _, item := range items {
		if text, ok := item.(string); ok && text != "" {
			list = append(list, text)
		}
	}
	return list
}

func looksLikeURL(text string) bool {
	if !strings.HasPrefix(text, "http://") && !strings.HasPrefix(text, "https://") {
		return false
	}
	parsed, err := url.Parse(text)
	return err == nil && parsed.Host != ""
}

// isEmptyPayloadValue drops the placeholder values saucenao uses for
// absent metadata.
func isEmptyPayloadValue(value any) bool {
	switch typed := value.(type) {
	case nil:
		return true
	case string:
		return typed == "" || typed == "None" || typed == "null"
	case []any:
		return len(typed) == 1 && typed[0] == "unknown"
	}
	return false
}

func payloadField(value any) (domain.FieldValue, bool) {
	switch typed := value.(type) {
	case string:
		return domain.StringField(typed), true
	case bool:
		return domain.BoolField(typed), true
	case float64:
		return domain.StringField(strconv.FormatFloat(typed, 'f', -1, 64)), true
	case []any:
		tags := stringList(typed)
		if len(tags) == 0 {
			return domain.FieldValue{}, false
		}
		return domain.TagsField(tags), true
	}
	return domain.FieldValue{}, false
}
