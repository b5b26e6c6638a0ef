package domain

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// FieldKind discriminates the shapes a display field can take.
type FieldKind int

const (
	FieldString FieldKind = iota
	FieldTags
	FieldBool
)

// FieldValue is one display field of a resolved result: a single string,
// a list of tags, or a yes/no flag. The JSON form is the bare value so the
// wire format stays compatible with cached rows written by older versions.
type FieldValue struct {
	Kind FieldKind
	Str  string
	Tags []string
	Bool bool
}

func StringField(value string) FieldValue { return FieldValue{Kind: FieldString, Str: value} }
func TagsField(tags []string) FieldValue  { return FieldValue{Kind: FieldTags, Tags: tags} }
func BoolField(value bool) FieldValue     { return FieldValue{Kind: FieldBool, Bool: value} }

func (f FieldValue) MarshalJSON() ([]byte, error) {
	switch f.Kind {
	case FieldString:
		return json.Marshal(f.Str)
	case FieldTags:
		tags := f.Tags
		if tags == nil {
			tags = []string{}
		}
		return json.Marshal(tags)
	case FieldBool:
		return json.Marshal(f.Bool)
	}
	return nil, fmt.Errorf("unknown field kind %d", f.Kind)
}

func (f *FieldValue) UnmarshalJSON(data []byte) error {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	switch value := raw.(type) {
	case string:
		*f = StringField(value)
	case bool:
		*f = BoolField(value)
	case []any:
		tags := make([]string, 0, len(value))
		for _, item := range value {
			tag, ok := item.(string)
			if !ok {
				return fmt.Errorf("field tag list contains non-string element %T", item)
			}
			tags = append(tags, tag)
		}
		*f = TagsField(tags)
	default:
		return fmt.Errorf("unsupported field value %T", raw)
	}
	return nil
}

// ProviderData is one enriched, resolved result.
type ProviderData struct {
	// PriorityKey orders results: the platform name, or the raw hit id
	// when the platform is unknown.
	PriorityKey string `json:"priority_key"`
	// ProviderID shares the identifier space with SearchHit.ProviderID.
	ProviderID   string `json:"provider_id"`
	ProviderLink string `json:"provider_link"`
	// MainFiles lists URLs to the most relevant media, most relevant first.
	MainFiles []string              `json:"main_files"`
	Fields    map[string]FieldValue `json:"fields,omitempty"`
	// ExtraLinks is a set of supplementary URLs, serialized sorted so the
	// same result always produces the same row.
	ExtraLinks []string `json:"extra_links,omitempty"`
}

func (d ProviderData) Valid() bool {
	return d.ProviderID != ""
}

// AddExtraLinks folds links into the set, dropping empties and duplicates
// and keeping the slice sorted.
func (d *ProviderData) AddExtraLinks(links ...string) {
	seen := make(map[string]struct{}, len(d.ExtraLinks)+len(links))
	for _, link := range d.ExtraLinks {
		seen[link] = struct{}{}
	}
	changed := false
	for _, link := range links {
		link = strings.TrimSpace(link)
		if link == "" {
			continue
		}
		if _, ok := seen[link]; ok {
			continue
		}
		seen[link] = struct{}{}
		d.ExtraLinks = append(d.ExtraLinks, link)
		changed = true
	}
	if changed {
		sort.Strings(d.ExtraLinks)
	}
}

func (d ProviderData) ToJSON() (string, error) {
	data, err := json.Marshal(d)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func ProviderDataFromJSON(raw string) (ProviderData, error) {
	var data ProviderData
	if err := json.Unmarshal([]byte(raw), &data); err != nil {
		return ProviderData{}, err
	}
	return data, nil
}
