package domain

import (
	"encoding/json"
	"reflect"
	"testing"
)

func TestProviderIDFallsBackToEngine(t *testing.T) {
	hit := SearchHit{SearchEngine: "saucenao", Platform: PlatformDanbooru, PlatformID: "555"}
	if got := hit.ProviderID(); got != "danbooru:555" {
		t.Fatalf("unexpected provider id: %s", got)
	}

	hit.Platform = PlatformUnknown
	if got := hit.ProviderID(); got != "saucenao:555" {
		t.Fatalf("unexpected fallback id: %s", got)
	}
}

func TestFieldValueJSONRoundTrip(t *testing.T) {
	original := map[string]FieldValue{
		"artist": StringField("some_artist"),
		"tags":   TagsField([]string{"long_hair", "smile"}),
		"nsfw":   BoolField(true),
	}

	raw, err := json.Marshal(original)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var decoded map[string]FieldValue
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !reflect.DeepEqual(original, decoded) {
		t.Fatalf("round trip mismatch:\n got %#v\nwant %#v", decoded, original)
	}
}

func TestFieldValueRejectsMixedTagList(t *testing.T) {
	var value FieldValue
	if err := json.Unmarshal([]byte(`["ok", 5]`), &value); err == nil {
		t.Fatal("expected error for non-string tag element")
	}
}

func TestAddExtraLinksDeduplicatesAndSorts(t *testing.T) {
	data := ProviderData{ProviderID: "danbooru:1", ExtraLinks: []string{"https://b.example"}}
	data.AddExtraLinks("https://a.example", "", "https://b.example", " https://c.example ")

	want := []string{"https://a.example", "https://b.example", "https://c.example"}
	if !reflect.DeepEqual(data.ExtraLinks, want) {
		t.Fatalf("unexpected extra links: %v", data.ExtraLinks)
	}
}

func TestProviderDataJSONRoundTrip(t *testing.T) {
	original := ProviderData{
		PriorityKey:  "danbooru",
		ProviderID:   "danbooru:1234",
		ProviderLink: "https://danbooru.donmai.us/posts/1234",
		MainFiles:    []string{"https://cdn.donmai.us/original/a.png"},
		Fields: map[string]FieldValue{
			"tags": TagsField([]string{"smile"}),
			"nsfw": BoolField(false),
		},
		ExtraLinks: []string{"https://www.pixiv.net/artworks/9"},
	}

	raw, err := original.ToJSON()
	if err != nil {
		t.Fatalf("to json: %v", err)
	}
	decoded, err := ProviderDataFromJSON(raw)
	if err != nil {
		t.Fatalf("from json: %v", err)
	}
	if !reflect.DeepEqual(original, decoded) {
		t.Fatalf("round trip mismatch:\n got %#v\nwant %#v", decoded, original)
	}
}
