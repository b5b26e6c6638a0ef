package cache

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/redis/go-redis/v9"
)

const keyNamespace = "ris:"

var keyPattern = regexp.MustCompile(`^ris:(x[sifb]|[sifbj]):(.+)$`)

// TypedStore is a key-value layer over redis where every key embeds its
// value's type tag, so any client can read a row back without an external
// schema. The wire format is 'ris:<tag>:<name>' with tag one of
// s/i/f/b/j for scalars and x+s/i/f/b for sets of scalars.
type TypedStore struct {
	client *redis.Client
}

func NewTypedStore(client *redis.Client) *TypedStore {
	return &TypedStore{client: client}
}

// parseKey splits a fully qualified key into its kind and logical name.
// Bare keys (no "ris:" prefix) return ok=false; a "ris:"-prefixed key
// with an unknown tag is a programming error.
func parseKey(key string) (kind Kind, name string, ok bool, err error) {
	if !strings.HasPrefix(key, keyNamespace) {
		return KindInvalid, "", false, nil
	}
	match := keyPattern.FindStringSubmatch(key)
	if match == nil {
		return KindInvalid, "", false, fmt.Errorf("%w: %q", ErrInvalidKeyFormat, key)
	}
	return tagKinds[match[1]], match[2], true, nil
}

// QualifyKey rewrites a bare key as fully qualified for the given kind.
func QualifyKey(kind Kind, name string) string {
	return keyNamespace + kind.Tag() + ":" + name
}

// Set writes value under key. A bare key is rewritten as fully qualified
// from the value's kind; a fully qualified key must agree with it.
//
// Set-valued writes are incremental: the current members are diffed
// against the new ones and only the add/remove delta is issued, never a
// destructive overwrite.
func (s *TypedStore) Set(ctx context.Context, key string, value Value) error {
	if !value.IsValid() {
		return fmt.Errorf("%w: zero value", ErrUnsupportedType)
	}

	kind, _, qualified, err := parseKey(key)
	if err != nil {
		return err
	}
	if qualified {
		if kind != value.Kind() {
			return fmt.Errorf("%w: key %q declares %s but value is %s", ErrTypeMismatch, key, kind, value.Kind())
		}
	} else {
		key = QualifyKey(value.Kind(), key)
	}

	if value.Kind().IsSet() {
		return s.setMembers(ctx, key, value)
	}

	payload, err := value.encode()
	if err != nil {
		return err
	}
	if err := s.client.Set(ctx, key, payload, 0).Err(); err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}

func (s *TypedStore) setMembers(ctx context.Context, key string, value Value) error {
	wanted, err := value.members()
	if err != nil {
		return err
	}
	wantedSet := make(map[string]struct{}, len(wanted))
	for _, member := range wanted {
		wantedSet[member] = struct{}{}
	}

	current, err := s.client.SMembers(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("smembers %s: %w", key, err)
	}

	var toRemove []string
	for _, member := range current {
		if _, keep := wantedSet[member]; !keep {
			toRemove = append(toRemove, member)
		}
	}
	currentSet := make(map[string]struct{}, len(current))
	for _, member := range current {
		currentSet[member] = struct{}{}
	}
	var toAdd []any
	for _, member := range wanted {
		if _, have := currentSet[member]; !have {
			toAdd = append(toAdd, member)
		}
	}

	if len(toRemove) > 0 {
		args := make([]any, len(toRemove))
		for i, member := range toRemove {
			args[i] = member
		}
		if err := s.client.SRem(ctx, key, args...).Err(); err != nil {
			return fmt.Errorf("srem %s: %w", key, err)
		}
	}
	if len(toAdd) > 0 {
		if err := s.client.SAdd(ctx, key, toAdd...).Err(); err != nil {
			return fmt.Errorf("sadd %s: %w", key, err)
		}
	}
	return nil
}

// Incr atomically adds delta to an int-tagged key, creating it at zero
// first. The int encoding is the plain decimal string INCRBY operates
// on, so concurrent writers never lose increments to a read-modify-write
// race.
func (s *TypedStore) Incr(ctx context.Context, key string, delta int64) (int64, error) {
	kind, _, qualified, err := parseKey(key)
	if err != nil {
		return 0, err
	}
	if qualified {
		if kind != KindInt {
			return 0, fmt.Errorf("%w: key %q declares %s, incr needs %s", ErrTypeMismatch, key, kind, KindInt)
		}
	} else {
		key = QualifyKey(KindInt, key)
	}

	n, err := s.client.IncrBy(ctx, key, delta).Result()
	if err != nil {
		return 0, fmt.Errorf("incrby %s: %w", key, err)
	}
	return n, nil
}

// Get reads the value under key. A bare key is resolved by pattern scan
// across all type tags and must match at least one fully qualified key;
// when several match, the lexicographically first wins.
func (s *TypedStore) Get(ctx context.Context, key string) (Value, error) {
	kind, _, qualified, err := parseKey(key)
	if err != nil {
		return Value{}, err
	}
	if !qualified {
		matches, err := s.Keys(ctx, key)
		if err != nil {
			return Value{}, err
		}
		if len(matches) == 0 {
			return Value{}, fmt.Errorf("%w: %q", ErrNotFound, key)
		}
		key = matches[0]
		kind, _, _, err = parseKey(key)
		if err != nil {
			return Value{}, err
		}
	}

	if kind.IsSet() {
		exists, err := s.client.Exists(ctx, key).Result()
		if err != nil {
			return Value{}, fmt.Errorf("exists %s: %w", key, err)
		}
		if exists == 0 {
			return Value{}, fmt.Errorf("%w: %q", ErrNotFound, key)
		}
		members, err := s.client.SMembers(ctx, key).Result()
		if err != nil {
			return Value{}, fmt.Errorf("smembers %s: %w", key, err)
		}
		return decodeValue(kind, "", members)
	}

	raw, err := s.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return Value{}, fmt.Errorf("%w: %q", ErrNotFound, key)
	}
	if err != nil {
		return Value{}, fmt.Errorf("get %s: %w", key, err)
	}
	return decodeValue(kind, raw, nil)
}

// GetDefault is Get with a fallback for missing keys. Structural errors
// (bad key format, type mismatch) still propagate.
func (s *TypedStore) GetDefault(ctx context.Context, key string, def Value) (Value, error) {
	value, err := s.Get(ctx, key)
	if err != nil {
		if isNotFound(err) {
			return def, nil
		}
		return Value{}, err
	}
	return value, nil
}

// MGet reads several keys preserving input order. Keys must be fully
// qualified: resolving bare keys would cost one scan per key, which the
// caller can avoid by knowing its keys. Set-tagged keys are batched into
// one pipelined round trip separate from the scalar MGET; missing rows
// come back as zero Values.
func (s *TypedStore) MGet(ctx context.Context, keys []string) ([]Value, error) {
	kinds := make([]Kind, len(keys))
	var setIndexes, scalarIndexes []int
	for i, key := range keys {
		kind, _, qualified, err := parseKey(key)
		if err != nil {
			return nil, err
		}
		if !qualified {
			return nil, fmt.Errorf("%w: %q (mget requires fully qualified keys)", ErrInvalidKeyFormat, key)
		}
		kinds[i] = kind
		if kind.IsSet() {
			setIndexes = append(setIndexes, i)
		} else {
			scalarIndexes = append(scalarIndexes, i)
		}
	}

	values := make([]Value, len(keys))

	if len(setIndexes) > 0 {
		pipe := s.client.Pipeline()
		existsCmds := make([]*redis.IntCmd, len(setIndexes))
		memberCmds := make([]*redis.StringSliceCmd, len(setIndexes))
		for i, index := range setIndexes {
			existsCmds[i] = pipe.Exists(ctx, keys[index])
			memberCmds[i] = pipe.SMembers(ctx, keys[index])
		}
		if _, err := pipe.Exec(ctx); err != nil {
			return nil, fmt.Errorf("mget sets: %w", err)
		}
		for i, index := range setIndexes {
			if existsCmds[i].Val() == 0 {
				continue // zero Value marks the missing set
			}
			decoded, err := decodeValue(kinds[index], "", memberCmds[i].Val())
			if err != nil {
				return nil, err
			}
			values[index] = decoded
		}
	}

	if len(scalarIndexes) > 0 {
		scalarKeys := make([]string, len(scalarIndexes))
		for i, index := range scalarIndexes {
			scalarKeys[i] = keys[index]
		}
		raws, err := s.client.MGet(ctx, scalarKeys...).Result()
		if err != nil {
			return nil, fmt.Errorf("mget scalars: %w", err)
		}
		for i, index := range scalarIndexes {
			raw, ok := raws[i].(string)
			if !ok {
				continue // nil, key absent
			}
			decoded, err := decodeValue(kinds[index], raw, nil)
			if err != nil {
				return nil, err
			}
			values[index] = decoded
		}
	}

	return values, nil
}

// MGetMap is MGet keyed by the fully qualified input keys.
func (s *TypedStore) MGetMap(ctx context.Context, keys []string) (map[string]Value, error) {
	values, err := s.MGet(ctx, keys)
	if err != nil {
		return nil, err
	}
	result := make(map[string]Value, len(keys))
	for i, key := range keys {
		result[key] = values[i]
	}
	return result, nil
}

// MGetMapShort is MGetMap with the 'ris:<tag>:' prefix stripped from
// the result keys.
func (s *TypedStore) MGetMapShort(ctx context.Context, keys []string) (map[string]Value, error) {
	values, err := s.MGet(ctx, keys)
	if err != nil {
		return nil, err
	}
	result := make(map[string]Value, len(keys))
	for i, key := range keys {
		_, name, _, err := parseKey(key)
		if err != nil {
			return nil, err
		}
		result[name] = values[i]
	}
	return result, nil
}

// Keys finds fully qualified keys matching pattern. A bare pattern is
// expanded across all type tags; one scan per tag family because the
// scalar and set tags differ in length.
func (s *TypedStore) Keys(ctx context.Context, pattern string) ([]string, error) {
	_, _, qualified, err := parseKey(pattern)
	if err != nil {
		// A malformed qualified pattern is still usable as a literal
		// glob only when it does not carry the namespace; with it, the
		// tag grammar is mandatory.
		return nil, err
	}

	patterns := []string{pattern}
	if !qualified {
		patterns = []string{
			keyNamespace + "[sifbj]:" + pattern,
			keyNamespace + "x[sifb]:" + pattern,
		}
	}

	var matches []string
	for _, glob := range patterns {
		keys, err := s.client.Keys(ctx, glob).Result()
		if err != nil {
			return nil, fmt.Errorf("keys %s: %w", glob, err)
		}
		matches = append(matches, keys...)
	}
	sort.Strings(matches)
	return matches, nil
}

func isNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
