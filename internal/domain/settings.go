package domain

import "sort"

// UserSettings is the per-user record consulted on every search call.
// It is lazily created on first access and persisted field-by-field in
// the typed cache store.
type UserSettings struct {
	UserID          int64
	EnabledEngines  map[string]struct{}
	CacheEnabled    bool
	BestResultsOnly bool
	// Outstanding broadcast message reference, zero when none.
	BroadcastChatID    int64
	BroadcastMessageID int64
	SearchCount        int64
}

// DefaultUserSettings enables every known engine with caching on.
func DefaultUserSettings(userID int64, engines []string) UserSettings {
	enabled := make(map[string]struct{}, len(engines))
	for _, name := range engines {
		enabled[name] = struct{}{}
	}
	return UserSettings{
		UserID:         userID,
		EnabledEngines: enabled,
		CacheEnabled:   true,
	}
}

func (s UserSettings) EngineEnabled(name string) bool {
	_, ok := s.EnabledEngines[name]
	return ok
}

func (s UserSettings) EnabledEngineNames() []string {
	names := make([]string, 0, len(s.EnabledEngines))
	for name := range s.EnabledEngines {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
