package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"imagesource/risservice/internal/domain"
)

func newTestResultStore(t *testing.T) (*ResultStore, *miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewResultStore(client, time.Hour), mr, client
}

func sampleProviderData(providerID string) domain.ProviderData {
	return domain.ProviderData{
		PriorityKey:  "danbooru",
		ProviderID:   providerID,
		ProviderLink: "https://danbooru.donmai.us/posts/555",
		MainFiles:    []string{"https://cdn.donmai.us/original/ab/cd/abcd.jpg"},
		Fields: map[string]domain.FieldValue{
			"Artist":     domain.StringField("suzushiro"),
			"Characters": domain.TagsField([]string{"remilia_scarlet"}),
			"NSFW":       domain.BoolField(false),
		},
		ExtraLinks: []string{"https://www.pixiv.net/artworks/101"},
	}
}

func TestResultStoreCacheAndReplay(t *testing.T) {
	store, _, _ := newTestResultStore(t)
	ctx := context.Background()

	data := sampleProviderData("danbooru:555")
	require.NoError(t, store.CacheProviderData(ctx, "img-1", data))

	row, found, err := store.CachedProviderData(ctx, "danbooru:555")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, data, row)

	ids, err := store.CachedProviderIDsByImage(ctx, "img-1")
	require.NoError(t, err)
	require.Equal(t, []string{"danbooru:555"}, ids)

	rows, err := store.CachedProviderDataByImage(ctx, "img-1")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, data, rows[0])
}

func TestResultStoreSharedRowAcrossImages(t *testing.T) {
	store, _, _ := newTestResultStore(t)
	ctx := context.Background()

	data := sampleProviderData("danbooru:555")
	require.NoError(t, store.CacheProviderData(ctx, "img-1", data))
	require.NoError(t, store.CacheProviderData(ctx, "img-2", data))

	for _, imageID := range []string{"img-1", "img-2"} {
		rows, err := store.CachedProviderDataByImage(ctx, imageID)
		require.NoError(t, err)
		require.Len(t, rows, 1, imageID)
		require.Equal(t, "danbooru:555", rows[0].ProviderID)
	}
}

func TestResultStoreMissingRow(t *testing.T) {
	store, _, _ := newTestResultStore(t)
	ctx := context.Background()

	_, found, err := store.CachedProviderData(ctx, "danbooru:absent")
	require.NoError(t, err)
	require.False(t, found)

	rows, err := store.CachedProviderDataByImage(ctx, "img-absent")
	require.NoError(t, err)
	require.Empty(t, rows)
}

func TestResultStoreSkipsCorruptRows(t *testing.T) {
	store, _, client := newTestResultStore(t)
	ctx := context.Background()

	require.NoError(t, store.CacheProviderData(ctx, "img-1", sampleProviderData("danbooru:555")))
	require.NoError(t, client.Set(ctx, providerResultPrefix+"gelbooru:9", "{broken", 0).Err())
	require.NoError(t, client.SAdd(ctx, imageLinkPrefix+"img-1", "gelbooru:9").Err())

	rows, err := store.CachedProviderDataByImage(ctx, "img-1")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, "danbooru:555", rows[0].ProviderID)
}

func TestResultStoreNegativeCacheExpires(t *testing.T) {
	store, mr, _ := newTestResultStore(t)
	ctx := context.Background()

	require.NoError(t, store.MarkImageNotFound(ctx, "img-1"))

	notFound, err := store.IsImageNotFound(ctx, "img-1")
	require.NoError(t, err)
	require.True(t, notFound)

	mr.FastForward(time.Hour + time.Minute)

	notFound, err = store.IsImageNotFound(ctx, "img-1")
	require.NoError(t, err)
	require.False(t, notFound)
}

func TestResultStoreResetNotFound(t *testing.T) {
	store, _, _ := newTestResultStore(t)
	ctx := context.Background()

	require.NoError(t, store.MarkImageNotFound(ctx, "img-1"))
	require.NoError(t, store.MarkImageNotFound(ctx, "img-2"))

	removed, err := store.ResetNotFound(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(2), removed)

	notFound, err := store.IsImageNotFound(ctx, "img-1")
	require.NoError(t, err)
	require.False(t, notFound)
}
