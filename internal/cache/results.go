package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"imagesource/risservice/internal/domain"
)

const (
	providerResultPrefix = "ris:provider_result:"
	imageLinkPrefix      = "ris:image_to_provider_result_link:"
	noFoundPrefix        = "ris:no_found:"

	defaultNoFoundTTL = 24 * time.Hour
)

// ResultStore persists resolved results and the per-image negative cache.
// Positive rows have no TTL: provider ids are content-addressable, so a
// row never goes stale. Negative markers expire so a later upload of the
// same image gets another chance.
type ResultStore struct {
	client     *redis.Client
	noFoundTTL time.Duration
}

func NewResultStore(client *redis.Client, noFoundTTL time.Duration) *ResultStore {
	if noFoundTTL <= 0 {
		noFoundTTL = defaultNoFoundTTL
	}
	return &ResultStore{client: client, noFoundTTL: noFoundTTL}
}

// CacheProviderData stores one resolved result keyed by its provider id
// and links it under the image it was resolved for.
func (s *ResultStore) CacheProviderData(ctx context.Context, imageID string, data domain.ProviderData) error {
	raw, err := data.ToJSON()
	if err != nil {
		return fmt.Errorf("marshal provider data %s: %w", data.ProviderID, err)
	}

	pipe := s.client.Pipeline()
	pipe.Set(ctx, providerResultPrefix+data.ProviderID, raw, 0)
	pipe.SAdd(ctx, imageLinkPrefix+imageID, data.ProviderID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("cache provider data %s: %w", data.ProviderID, err)
	}
	return nil
}

// CachedProviderData returns the cached row for one provider id.
func (s *ResultStore) CachedProviderData(ctx context.Context, providerID string) (domain.ProviderData, bool, error) {
	raw, err := s.client.Get(ctx, providerResultPrefix+providerID).Result()
	if err == redis.Nil {
		return domain.ProviderData{}, false, nil
	}
	if err != nil {
		return domain.ProviderData{}, false, fmt.Errorf("get provider data %s: %w", providerID, err)
	}
	data, err := domain.ProviderDataFromJSON(raw)
	if err != nil {
		return domain.ProviderData{}, false, fmt.Errorf("decode provider data %s: %w", providerID, err)
	}
	return data, true, nil
}

// CachedProviderIDsByImage returns the provider ids linked to an image.
func (s *ResultStore) CachedProviderIDsByImage(ctx context.Context, imageID string) ([]string, error) {
	ids, err := s.client.SMembers(ctx, imageLinkPrefix+imageID).Result()
	if err != nil {
		return nil, fmt.Errorf("image link members %s: %w", imageID, err)
	}
	return ids, nil
}

// CachedProviderDataByImage replays every cached result for an image in
// one MGET. Rows that decode badly are skipped rather than failing the
// whole replay.
func (s *ResultStore) CachedProviderDataByImage(ctx context.Context, imageID string) ([]domain.ProviderData, error) {
	ids, err := s.CachedProviderIDsByImage(ctx, imageID)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = providerResultPrefix + id
	}
	raws, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("mget provider data: %w", err)
	}

	results := make([]domain.ProviderData, 0, len(raws))
	for _, raw := range raws {
		text, ok := raw.(string)
		if !ok {
			continue
		}
		data, err := domain.ProviderDataFromJSON(text)
		if err != nil {
			continue
		}
		results = append(results, data)
	}
	return results, nil
}

// MarkImageNotFound records that a search for this image yielded nothing,
// with a bounded TTL so futile lookups are suppressed only for a cooldown
// window.
func (s *ResultStore) MarkImageNotFound(ctx context.Context, imageID string) error {
	if err := s.client.Set(ctx, noFoundPrefix+imageID, "1", s.noFoundTTL).Err(); err != nil {
		return fmt.Errorf("mark not found %s: %w", imageID, err)
	}
	return nil
}

func (s *ResultStore) IsImageNotFound(ctx context.Context, imageID string) (bool, error) {
	exists, err := s.client.Exists(ctx, noFoundPrefix+imageID).Result()
	if err != nil {
		return false, fmt.Errorf("check not found %s: %w", imageID, err)
	}
	return exists > 0, nil
}

// ResetNotFound clears every negative-cache marker.
func (s *ResultStore) ResetNotFound(ctx context.Context) (int64, error) {
	keys, err := s.client.Keys(ctx, noFoundPrefix+"*").Result()
	if err != nil {
		return 0, fmt.Errorf("list not found markers: %w", err)
	}
	if len(keys) == 0 {
		return 0, nil
	}
	removed, err := s.client.Del(ctx, keys...).Result()
	if err != nil {
		return 0, fmt.Errorf("reset not found markers: %w", err)
	}
	return removed, nil
}

func (s *ResultStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
