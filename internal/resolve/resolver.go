package resolve

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"imagesource/risservice/internal/domain"
)

// ErrNoData means no resolution stage produced a usable result for the
// hit. Such hits are dropped and never cached.
var ErrNoData = errors.New("no provider data for hit")

const (
	defaultUserAgent = "reverse-image-search/1.0"
	// Some boorus serve placeholder images to non-browser agents.
	browserUserAgent = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0 Safari/537.36"

	maxBodyBytes = 4 * 1024 * 1024
)

type resolveFunc func(ctx context.Context, hit domain.SearchHit) (domain.ProviderData, error)

type Config struct {
	Client    *http.Client
	UserAgent string
	Logger    *slog.Logger

	// Endpoint overrides, empty means the live site.
	DanbooruBase    string
	GelbooruBase    string
	YandereBase     string
	ZerochanBase    string
	ThreeDBooruBase string
	EshuushuuBase   string
}

// Resolver turns raw search hits into enriched provider data. Each hit
// walks a fallback chain: the platform-specific resolver first, then the
// engine's generic resolver, then the fully generic one. The first stage
// that yields data wins.
type Resolver struct {
	client    *http.Client
	userAgent string
	logger    *slog.Logger

	danbooruBase    string
	gelbooruBase    string
	yandereBase     string
	zerochanBase    string
	threeDBooruBase string
	eshuushuuBase   string

	platforms map[domain.Platform]resolveFunc
	engines   map[string]resolveFunc
}

func NewResolver(cfg Config) *Resolver {
	client := cfg.Client
	if client == nil {
		client = &http.Client{}
	}
	userAgent := strings.TrimSpace(cfg.UserAgent)
	if userAgent == "" {
		userAgent = defaultUserAgent
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	r := &Resolver{
		client:          client,
		userAgent:       userAgent,
		logger:          logger,
		danbooruBase:    baseOr(cfg.DanbooruBase, "https://danbooru.donmai.us"),
		gelbooruBase:    baseOr(cfg.GelbooruBase, "https://gelbooru.com"),
		yandereBase:     baseOr(cfg.YandereBase, "https://yande.re"),
		zerochanBase:    baseOr(cfg.ZerochanBase, "https://www.zerochan.net"),
		threeDBooruBase: baseOr(cfg.ThreeDBooruBase, "http://behoimi.org"),
		eshuushuuBase:   baseOr(cfg.EshuushuuBase, "https://e-shuushuu.net"),
	}
	r.platforms = map[domain.Platform]resolveFunc{
		domain.PlatformDanbooru:  r.danbooru,
		domain.PlatformGelbooru:  r.gelbooru,
		domain.PlatformYandere:   r.yandere,
		domain.PlatformZerochan:  r.zerochan,
		domain.Platform3DBooru:   r.threeDBooru,
		domain.PlatformEshuushuu: r.eshuushuu,
	}
	r.engines = map[string]resolveFunc{
		"saucenao": r.saucenaoGeneric,
		"iqdb":     r.iqdbGeneric,
	}
	return r
}

func baseOr(value, fallback string) string {
	value = strings.TrimRight(strings.TrimSpace(value), "/")
	if value == "" {
		return fallback
	}
	return value
}

// Resolve runs the fallback chain for one hit.
func (r *Resolver) Resolve(ctx context.Context, hit domain.SearchHit) (domain.ProviderData, error) {
	providerID := hit.ProviderID()

	if platformResolve, ok := r.platforms[hit.Platform]; ok {
		data, err := platformResolve(ctx, hit)
		if err == nil && data.Valid() {
			return data, nil
		}
		if err != nil {
			r.logger.Debug("platform resolver failed, trying generic",
				"provider_id", providerID,
				"platform", string(hit.Platform),
				"error", err)
		}
	}

	if engineResolve, ok := r.engines[hit.SearchEngine]; ok {
		data, err := engineResolve(ctx, hit)
		if err == nil && data.Valid() {
			return data, nil
		}
		if err != nil {
			r.logger.Debug("engine resolver failed, trying generic",
				"provider_id", providerID,
				"engine", hit.SearchEngine,
				"error", err)
		}
	}

	data, err := r.generic(ctx, hit)
	if err == nil && data.Valid() {
		return data, nil
	}
	return domain.ProviderData{}, fmt.Errorf("%w: %s", ErrNoData, providerID)
}

// Platforms lists the platforms with a dedicated resolver.
func (r *Resolver) Platforms() []domain.Platform {
	platforms := make([]domain.Platform, 0, len(r.platforms))
	for platform := range r.platforms {
		platforms = append(platforms, platform)
	}
	return platforms
}

func (r *Resolver) fetchJSON(ctx context.Context, rawURL, userAgent string, target any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return err
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("HTTP %d from %s", resp.StatusCode, rawURL)
	}
	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return err
	}
	if err := json.Unmarshal(payload, target); err != nil {
		return fmt.Errorf("decode %s: %w", rawURL, err)
	}
	return nil
}

func (r *Resolver) fetchHTML(ctx context.Context, rawURL, userAgent string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml")

	resp, err := r.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("HTTP %d from %s", resp.StatusCode, rawURL)
	}
	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return "", err
	}
	return string(payload), nil
}
