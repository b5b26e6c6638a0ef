package cache

import (
	"context"
	"fmt"
	"strconv"

	"imagesource/risservice/internal/domain"
)

// Settings field names. Each maps to one typed row so a record can be
// loaded in a single batch and saved field-by-field.
const (
	SettingEnabledEngines     = "enabled_engines"
	SettingCacheEnabled       = "cache_enabled"
	SettingBestResultsOnly    = "best_results_only"
	SettingSearchCount        = "search_count"
	SettingBroadcastChatID    = "broadcast:chat_id"
	SettingBroadcastMessageID = "broadcast:message_id"
)

var settingKinds = map[string]Kind{
	SettingEnabledEngines:     KindStringSet,
	SettingCacheEnabled:       KindBool,
	SettingBestResultsOnly:    KindBool,
	SettingSearchCount:        KindInt,
	SettingBroadcastChatID:    KindInt,
	SettingBroadcastMessageID: KindInt,
}

// SettingsStore persists per-user settings through the typed store.
// Records are lazily created: a user with no rows gets the defaults, and
// rows appear only once a field is saved.
type SettingsStore struct {
	typed *TypedStore
	// engines is the full engine set used as the enabled default.
	engines []string
}

func NewSettingsStore(typed *TypedStore, engines []string) *SettingsStore {
	return &SettingsStore{typed: typed, engines: engines}
}

func settingKey(userID int64, field string) string {
	return QualifyKey(settingKinds[field], "settings:"+strconv.FormatInt(userID, 10)+":"+field)
}

var settingsLoadOrder = []string{
	SettingEnabledEngines,
	SettingCacheEnabled,
	SettingBestResultsOnly,
	SettingSearchCount,
	SettingBroadcastChatID,
	SettingBroadcastMessageID,
}

// Load fetches a user's record in one batch, filling absent fields with
// defaults.
func (s *SettingsStore) Load(ctx context.Context, userID int64) (domain.UserSettings, error) {
	keys := make([]string, len(settingsLoadOrder))
	for i, field := range settingsLoadOrder {
		keys[i] = settingKey(userID, field)
	}
	values, err := s.typed.MGet(ctx, keys)
	if err != nil {
		return domain.UserSettings{}, fmt.Errorf("load settings for user %d: %w", userID, err)
	}

	settings := domain.DefaultUserSettings(userID, s.engines)
	for i, field := range settingsLoadOrder {
		value := values[i]
		if !value.IsValid() {
			continue
		}
		switch field {
		case SettingEnabledEngines:
			members, err := value.StringSet()
			if err != nil {
				return domain.UserSettings{}, err
			}
			settings.EnabledEngines = members
		case SettingCacheEnabled:
			enabled, err := value.Bool()
			if err != nil {
				return domain.UserSettings{}, err
			}
			settings.CacheEnabled = enabled
		case SettingBestResultsOnly:
			best, err := value.Bool()
			if err != nil {
				return domain.UserSettings{}, err
			}
			settings.BestResultsOnly = best
		case SettingSearchCount:
			count, err := value.Int()
			if err != nil {
				return domain.UserSettings{}, err
			}
			settings.SearchCount = count
		case SettingBroadcastChatID:
			chatID, err := value.Int()
			if err != nil {
				return domain.UserSettings{}, err
			}
			settings.BroadcastChatID = chatID
		case SettingBroadcastMessageID:
			messageID, err := value.Int()
			if err != nil {
				return domain.UserSettings{}, err
			}
			settings.BroadcastMessageID = messageID
		}
	}
	return settings, nil
}

// Save persists the named fields, or every field when none are named.
// The engine set goes through the typed store's incremental set update.
func (s *SettingsStore) Save(ctx context.Context, settings domain.UserSettings, fields ...string) error {
	if len(fields) == 0 {
		fields = settingsLoadOrder
	}
	for _, field := range fields {
		var value Value
		switch field {
		case SettingEnabledEngines:
			value = StringSet(settings.EnabledEngines)
		case SettingCacheEnabled:
			value = Bool(settings.CacheEnabled)
		case SettingBestResultsOnly:
			value = Bool(settings.BestResultsOnly)
		case SettingSearchCount:
			value = Int(settings.SearchCount)
		case SettingBroadcastChatID:
			value = Int(settings.BroadcastChatID)
		case SettingBroadcastMessageID:
			value = Int(settings.BroadcastMessageID)
		default:
			return fmt.Errorf("unknown settings field %q", field)
		}
		if err := s.typed.Set(ctx, settingKey(settings.UserID, field), value); err != nil {
			return fmt.Errorf("save settings field %s for user %d: %w", field, settings.UserID, err)
		}
	}
	return nil
}

// IncrementSearchCount bumps the cumulative counter and returns the new
// value. The bump goes through a single INCRBY so concurrent searches by
// the same user cannot lose counts.
func (s *SettingsStore) IncrementSearchCount(ctx context.Context, userID int64) (int64, error) {
	count, err := s.typed.Incr(ctx, settingKey(userID, SettingSearchCount), 1)
	if err != nil {
		return 0, fmt.Errorf("increment search count for user %d: %w", userID, err)
	}
	return count, nil
}
