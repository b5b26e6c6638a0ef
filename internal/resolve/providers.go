package resolve

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"imagesource/risservice/internal/domain"
)

func splitTags(raw string) []string {
	parts := strings.Fields(raw)
	if len(parts) == 0 {
		return nil
	}
	return parts
}

// nsfwRating interprets the booru rating letter: explicit and
// questionable count as nsfw.
func nsfwRating(rating string) bool {
	if rating == "" {
		return false
	}
	switch rating[0] {
	case 'e', 'q':
		return true
	}
	return false
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return value
		}
	}
	return ""
}

func (r *Resolver) danbooru(ctx context.Context, hit domain.SearchHit) (domain.ProviderData, error) {
	id := hit.PlatformID
	var post struct {
		TagStringArtist    string `json:"tag_string_artist"`
		TagStringCharacter string `json:"tag_string_character"`
		TagStringCopyright string `json:"tag_string_copyright"`
		TagStringGeneral   string `json:"tag_string_general"`
		Rating             string `json:"rating"`
		FileURL            string `json:"file_url"`
		PreviewFileURL     string `json:"preview_file_url"`
		Source             string `json:"source"`
	}
	if err := r.fetchJSON(ctx, r.danbooruBase+"/posts/"+id+".json", r.userAgent, &post); err != nil {
		return domain.ProviderData{}, err
	}
	mainFile := firstNonEmpty(post.FileURL, post.PreviewFileURL)
	if mainFile == "" {
		return domain.ProviderData{}, fmt.Errorf("danbooru post %s has no file", id)
	}

	data := domain.ProviderData{
		PriorityKey:  "danbooru",
		ProviderID:   hit.ProviderID(),
		ProviderLink: r.danbooruBase + "/posts/" + id,
		MainFiles:    []string{mainFile},
		Fields: map[string]domain.FieldValue{
			"authors":    domain.TagsField(splitTags(post.TagStringArtist)),
			"characters": domain.TagsField(splitTags(post.TagStringCharacter)),
			"copyrights": domain.TagsField(splitTags(post.TagStringCopyright)),
			"tags":       domain.TagsField(splitTags(post.TagStringGeneral)),
			"nsfw":       domain.BoolField(nsfwRating(post.Rating)),
		},
	}
	data.AddExtraLinks(post.Source)
	data.AddExtraLinks(payloadExtraLinks(hit.RawPayload)...)
	return data, nil
}

func (r *Resolver) gelbooru(ctx context.Context, hit domain.SearchHit) (domain.ProviderData, error) {
	id := hit.PlatformID
	var payload struct {
		Post []struct {
			Tags       string `json:"tags"`
			Rating     string `json:"rating"`
			FileURL    string `json:"file_url"`
			SampleURL  string `json:"sample_url"`
			PreviewURL string `json:"preview_url"`
			Source     string `json:"source"`
		} `json:"post"`
	}
	url := r.gelbooruBase + "/index.php?page=dapi&s=post&q=index&json=1&id=" + id
	if err := r.fetchJSON(ctx, url, r.userAgent, &payload); err != nil {
		return domain.ProviderData{}, err
	}
	if len(payload.Post) == 0 {
		return domain.ProviderData{}, fmt.Errorf("gelbooru post %s not found", id)
	}
	post := payload.Post[0]
	mainFile := firstNonEmpty(post.FileURL, post.SampleURL, post.PreviewURL)
	if mainFile == "" {
		return domain.ProviderData{}, fmt.Errorf("gelbooru post %s has no file", id)
	}

	data := domain.ProviderData{
		PriorityKey:  "gelbooru",
		ProviderID:   hit.ProviderID(),
		ProviderLink: r.gelbooruBase + "/index.php?page=post&s=view&id=" + id,
		MainFiles:    []string{mainFile},
		Fields: map[string]domain.FieldValue{
			"tags": domain.TagsField(splitTags(post.Tags)),
			"nsfw": domain.BoolField(nsfwRating(post.Rating)),
		},
	}
	data.AddExtraLinks(post.Source)
	data.AddExtraLinks(payloadExtraLinks(hit.RawPayload)...)
	return data, nil
}

func (r *Resolver) yandere(ctx context.Context, hit domain.SearchHit) (domain.ProviderData, error) {
	id := hit.PlatformID
	var posts []struct {
		Tags       string `json:"tags"`
		Rating     string `json:"rating"`
		FileURL    string `json:"file_url"`
		JpegURL    string `json:"jpeg_url"`
		SampleURL  string `json:"sample_url"`
		PreviewURL string `json:"preview_url"`
		Source     string `json:"source"`
	}
	if err := r.fetchJSON(ctx, r.yandereBase+"/post.json?tags=id:"+id, r.userAgent, &posts); err != nil {
		return domain.ProviderData{}, err
	}
	if len(posts) == 0 {
		return domain.ProviderData{}, fmt.Errorf("yandere post %s not found", id)
	}
	post := posts[0]
	mainFile := firstNonEmpty(post.FileURL, post.JpegURL, post.SampleURL, post.PreviewURL)
	if mainFile == "" {
		return domain.ProviderData{}, fmt.Errorf("yandere post %s has no file", id)
	}

	data := domain.ProviderData{
		PriorityKey:  "yandere",
		ProviderID:   hit.ProviderID(),
		ProviderLink: r.yandereBase + "/post/show/" + id,
		MainFiles:    []string{mainFile},
		Fields: map[string]domain.FieldValue{
			"tags": domain.TagsField(splitTags(post.Tags)),
			"nsfw": domain.BoolField(nsfwRating(post.Rating)),
		},
	}
	data.AddExtraLinks(post.Source)
	data.AddExtraLinks(payloadExtraLinks(hit.RawPayload)...)
	return data, nil
}

func (r *Resolver) zerochan(ctx context.Context, hit domain.SearchHit) (domain.ProviderData, error) {
	id := hit.PlatformID
	var post struct {
		Tags   []string `json:"tags"`
		Full   string   `json:"full"`
		Large  string   `json:"large"`
		Medium string   `json:"medium"`
		Small  string   `json:"small"`
		Source string   `json:"source"`
	}
	if err := r.fetchJSON(ctx, r.zerochanBase+"/"+id+"?json", browserUserAgent, &post); err != nil {
		return domain.ProviderData{}, err
	}
	mainFile := firstNonEmpty(post.Full, post.Large, post.Medium, post.Small)
	if mainFile == "" {
		return domain.ProviderData{}, fmt.Errorf("zerochan post %s has no file", id)
	}

	data := domain.ProviderData{
		PriorityKey:  "zerochan",
		ProviderID:   hit.ProviderID(),
		ProviderLink: r.zerochanBase + "/" + id,
		MainFiles:    []string{mainFile},
		Fields: map[string]domain.FieldValue{
			"tags": domain.TagsField(post.Tags),
			// Zerochan hosts safe content only.
			"nsfw": domain.BoolField(false),
		},
	}
	data.AddExtraLinks(post.Source)
	data.AddExtraLinks(payloadExtraLinks(hit.RawPayload)...)
	return data, nil
}

func (r *Resolver) threeDBooru(ctx context.Context, hit domain.SearchHit) (domain.ProviderData, error) {
	id := hit.PlatformID
	var posts []struct {
		Tags       string `json:"tags"`
		Rating     string `json:"rating"`
		PreviewURL string `json:"preview_url"`
		Source     string `json:"source"`
	}
	if err := r.fetchJSON(ctx, r.threeDBooruBase+"/post/index.json?tags=id:"+id, browserUserAgent, &posts); err != nil {
		return domain.ProviderData{}, err
	}
	if len(posts) == 0 {
		return domain.ProviderData{}, fmt.Errorf("3dbooru post %s not found", id)
	}
	post := posts[0]
	// file_url and sample_url serve anti-crawler placeholders, only the
	// preview is reliable.
	if strings.TrimSpace(post.PreviewURL) == "" {
		return domain.ProviderData{}, fmt.Errorf("3dbooru post %s has no preview", id)
	}

	data := domain.ProviderData{
		PriorityKey:  "3dbooru",
		ProviderID:   hit.ProviderID(),
		ProviderLink: r.threeDBooruBase + "/post/show/" + id,
		MainFiles:    []string{post.PreviewURL},
		Fields: map[string]domain.FieldValue{
			"tags": domain.TagsField(splitTags(post.Tags)),
			"nsfw": domain.BoolField(nsfwRating(post.Rating)),
		},
	}
	data.AddExtraLinks(post.Source)
	data.AddExtraLinks(payloadExtraLinks(hit.RawPayload)...)
	return data, nil
}

var (
	eshuushuuImagePattern = regexp.MustCompile(`<a class="thumb_image" href="([^"]+)"`)
	eshuushuuTagPattern   = regexp.MustCompile(`<span class='tag'>"<a href="/tags/\d+">([^<]+)</a>"</span>`)
	eshuushuuSourcePat    = regexp.MustCompile(`Source:\s*</dt>\s*<dd[^>]*>\s*<span class='tag'>"<a href="/tags/\d+">([^<]+)</a>"</span>`)
	eshuushuuCharacterPat = regexp.MustCompile(`Characters:\s*</dt>\s*<dd[^>]*>\s*<span class='tag'>"<a href="/tags/\d+">([^<]+)</a>"</span>`)
	eshuushuuArtistPat    = regexp.MustCompile(`Artist:\s*</dt>\s*<dd[^>]*>\s*<span class='tag'>"<a href="/tags/\d+">([^<]+)</a>"</span>`)
)

func (r *Resolver) eshuushuu(ctx context.Context, hit domain.SearchHit) (domain.ProviderData, error) {
	id := hit.PlatformID
	pageURL := r.eshuushuuBase + "/image/" + id + "/"
	page, err := r.fetchHTML(ctx, pageURL, browserUserAgent)
	if err != nil {
		return domain.ProviderData{}, err
	}

	imageMatch := eshuushuuImagePattern.FindStringSubmatch(page)
	if imageMatch == nil {
		return domain.ProviderData{}, fmt.Errorf("eshuushuu image %s has no full resolution link", id)
	}
	fullImage := r.eshuushuuBase + imageMatch[1]

	source := firstSubmatch(eshuushuuSourcePat, page)
	character := firstSubmatch(eshuushuuCharacterPat, page)
	artist := firstSubmatch(eshuushuuArtistPat, page)

	tagSet := make(map[string]struct{})
	for _, match := range eshuushuuTagPattern.FindAllStringSubmatch(page, -1) {
		tagSet[match[1]] = struct{}{}
	}
	// The source, character and artist names render as tags too.
	delete(tagSet, source)
	delete(tagSet, character)
	delete(tagSet, artist)
	tags := make([]string, 0, len(tagSet))
	for tag := range tagSet {
		tags = append(tags, tag)
	}
	sort.Strings(tags)

	fields := map[string]domain.FieldValue{
		"tags": domain.TagsField(tags),
	}
	if source != "" {
		fields["copyrights"] = domain.TagsField([]string{source})
	}
	if character != "" {
		fields["character"] = domain.StringField(character)
	}
	if artist != "" {
		fields["artist"] = domain.StringField(artist)
	}

	data := domain.ProviderData{
		PriorityKey:  "eshuushuu",
		ProviderID:   hit.ProviderID(),
		ProviderLink: pageURL,
		MainFiles:    []string{fullImage},
		Fields:       fields,
	}
	data.AddExtraLinks(payloadExtraLinks(hit.RawPayload)...)
	return data, nil
}

func firstSubmatch(pattern *regexp.Regexp, text string) string {
	match := pattern.FindStringSubmatch(text)
	if match == nil {
		return ""
	}
	return match[1]
}
