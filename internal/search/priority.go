package search

import (
	"sort"

	"imagesource/risservice/internal/domain"
)

// providerPriorities ranks result sources for best-results-only mode.
// Lower numbers win. Sources missing from the table (including raw
// engine-keyed results) rank below everything listed.
var providerPriorities = map[string]int{
	"danbooru":  0,
	"zerochan":  0,
	"pixiv":     20,
	"3dbooru":   20,
	"twitter":   20,
	"yandere":   30,
	"gelbooru":  30,
	"konachan":  30,
	"eshuushuu": 30,
}

var defaultProviderPriority = func() int {
	max := 0
	for _, p := range providerPriorities {
		if p > max {
			max = p
		}
	}
	return max + 10
}()

func providerPriority(priorityKey string) int {
	if p, ok := providerPriorities[priorityKey]; ok {
		return p
	}
	return defaultProviderPriority
}

// FilterByPriority reduces a result set to the best-ranked group: only
// results from the lowest priority number survive, and within the group
// each priority key keeps a single result, preferring the one carrying
// the most extra links.
func FilterByPriority(results []domain.ProviderData) []domain.ProviderData {
	if len(results) <= 1 {
		return results
	}

	best := defaultProviderPriority + 1
	for _, item := range results {
		if p := providerPriority(item.PriorityKey); p < best {
			best = p
		}
	}

	group := make([]domain.ProviderData, 0, len(results))
	for _, item := range results {
		if providerPriority(item.PriorityKey) == best {
			group = append(group, item)
		}
	}

	sort.SliceStable(group, func(i, j int) bool {
		if len(group[i].ExtraLinks) != len(group[j].ExtraLinks) {
			return len(group[i].ExtraLinks) > len(group[j].ExtraLinks)
		}
		return group[i].PriorityKey < group[j].PriorityKey
	})

	filtered := make([]domain.ProviderData, 0, len(group))
	seen := make(map[string]struct{}, len(group))
	for _, item := range group {
		if _, ok := seen[item.PriorityKey]; ok {
			continue
		}
		seen[item.PriorityKey] = struct{}{}
		filtered = append(filtered, item)
	}
	return filtered
}
