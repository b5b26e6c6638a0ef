package cache

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
)

var (
	// ErrInvalidKeyFormat reports a key carrying the "ris:" prefix whose
	// type tag does not match the documented grammar.
	ErrInvalidKeyFormat = errors.New("invalid key format, expected 'ris:<tag>:<name>'")
	// ErrUnsupportedType reports an attempt to store a value outside the
	// closed set of supported kinds.
	ErrUnsupportedType = errors.New("unsupported value type")
	// ErrTypeMismatch reports a stored raw value whose shape disagrees
	// with its key's type tag, or a Set with a conflicting tag.
	ErrTypeMismatch = errors.New("value does not match key type tag")
	// ErrNotFound reports a missing key when the caller supplied no default.
	ErrNotFound = errors.New("key not found")
)

// Kind enumerates the closed set of value shapes the store supports.
// Every kind has exactly one key type tag and one encode/decode pair.
type Kind int

const (
	KindInvalid Kind = iota
	KindString
	KindInt
	KindFloat
	KindBool
	KindJSON
	KindStringSet
	KindIntSet
	KindFloatSet
	KindBoolSet
)

var kindTags = map[Kind]string{
	KindString:    "s",
	KindInt:       "i",
	KindFloat:     "f",
	KindBool:      "b",
	KindJSON:      "j",
	KindStringSet: "xs",
	KindIntSet:    "xi",
	KindFloatSet:  "xf",
	KindBoolSet:   "xb",
}

var tagKinds = func() map[string]Kind {
	reverse := make(map[string]Kind, len(kindTags))
	for kind, tag := range kindTags {
		reverse[tag] = kind
	}
	return reverse
}()

func (k Kind) Tag() string {
	return kindTags[k]
}

func (k Kind) IsSet() bool {
	switch k {
	case KindStringSet, KindIntSet, KindFloatSet, KindBoolSet:
		return true
	}
	return false
}

func (k Kind) String() string {
	switch k {
	case KindString:
		return "string"
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	case KindBool:
		return "bool"
	case KindJSON:
		return "json"
	case KindStringSet:
		return "set<string>"
	case KindIntSet:
		return "set<int>"
	case KindFloatSet:
		return "set<float>"
	case KindBoolSet:
		return "set<bool>"
	}
	return "invalid"
}

// Value is the tagged union stored under a typed key. The zero Value is
// invalid and marks "absent" in multi-get results.
type Value struct {
	kind Kind
	str  string
	num  int64
	flt  float64
	bol  bool
	js   json.RawMessage
	set  map[string]struct{} // members in encoded form
}

func String(value string) Value { return Value{kind: KindString, str: value} }
func Int(value int64) Value     { return Value{kind: KindInt, num: value} }
func Float(value float64) Value { return Value{kind: KindFloat, flt: value} }
func Bool(value bool) Value     { return Value{kind: KindBool, bol: value} }

// JSON wraps any json-marshalable value (maps and ordered lists included).
func JSON(value any) (Value, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return Value{}, fmt.Errorf("%w: %v", ErrUnsupportedType, err)
	}
	return Value{kind: KindJSON, js: raw}, nil
}

// RawJSON wraps an already-encoded JSON document.
func RawJSON(raw []byte) (Value, error) {
	if !json.Valid(raw) {
		return Value{}, fmt.Errorf("%w: invalid json document", ErrUnsupportedType)
	}
	return Value{kind: KindJSON, js: append(json.RawMessage(nil), raw...)}, nil
}

func StringSet(members map[string]struct{}) Value {
	set := make(map[string]struct{}, len(members))
	for member := range members {
		set[member] = struct{}{}
	}
	return Value{kind: KindStringSet, set: set}
}

func StringSetOf(members ...string) Value {
	set := make(map[string]struct{}, len(members))
	for _, member := range members {
		set[member] = struct{}{}
	}
	return Value{kind: KindStringSet, set: set}
}

func IntSet(members map[int64]struct{}) Value {
	set := make(map[string]struct{}, len(members))
	for member := range members {
		set[strconv.FormatInt(member, 10)] = struct{}{}
	}
	return Value{kind: KindIntSet, set: set}
}

func FloatSet(members map[float64]struct{}) Value {
	set := make(map[string]struct{}, len(members))
	for member := range members {
		set[encodeFloat(member)] = struct{}{}
	}
	return Value{kind: KindFloatSet, set: set}
}

func BoolSet(members map[bool]struct{}) Value {
	set := make(map[string]struct{}, len(members))
	for member := range members {
		set[encodeBool(member)] = struct{}{}
	}
	return Value{kind: KindBoolSet, set: set}
}

func (v Value) Kind() Kind    { return v.kind }
func (v Value) IsValid() bool { return v.kind != KindInvalid }

func (v Value) String() (string, error) {
	if v.kind != KindString {
		return "", fmt.Errorf("%w: have %s, want string", ErrTypeMismatch, v.kind)
	}
	return v.str, nil
}

func (v Value) Int() (int64, error) {
	if v.kind != KindInt {
		return 0, fmt.Errorf("%w: have %s, want int", ErrTypeMismatch, v.kind)
	}
	return v.num, nil
}

func (v Value) Float() (float64, error) {
	if v.kind != KindFloat {
		return 0, fmt.Errorf("%w: have %s, want float", ErrTypeMismatch, v.kind)
	}
	return v.flt, nil
}

func (v Value) Bool() (bool, error) {
	if v.kind != KindBool {
		return false, fmt.Errorf("%w: have %s, want bool", ErrTypeMismatch, v.kind)
	}
	return v.bol, nil
}

// JSONInto decodes the stored JSON blob into target.
func (v Value) JSONInto(target any) error {
	if v.kind != KindJSON {
		return fmt.Errorf("%w: have %s, want json", ErrTypeMismatch, v.kind)
	}
	return json.Unmarshal(v.js, target)
}

func (v Value) StringSet() (map[string]struct{}, error) {
	if v.kind != KindStringSet {
		return nil, fmt.Errorf("%w: have %s, want set<string>", ErrTypeMismatch, v.kind)
	}
	members := make(map[string]struct{}, len(v.set))
	for member := range v.set {
		members[member] = struct{}{}
	}
	return members, nil
}

func (v Value) IntSet() (map[int64]struct{}, error) {
	if v.kind != KindIntSet {
		return nil, fmt.Errorf("%w: have %s, want set<int>", ErrTypeMismatch, v.kind)
	}
	members := make(map[int64]struct{}, len(v.set))
	for member := range v.set {
		decoded, err := decodeInt(member)
		if err != nil {
			return nil, err
		}
		members[decoded] = struct{}{}
	}
	return members, nil
}

func (v Value) FloatSet() (map[float64]struct{}, error) {
	if v.kind != KindFloatSet {
		return nil, fmt.Errorf("%w: have %s, want set<float>", ErrTypeMismatch, v.kind)
	}
	members := make(map[float64]struct{}, len(v.set))
	for member := range v.set {
		decoded, err := decodeFloat(member)
		if err != nil {
			return nil, err
		}
		members[decoded] = struct{}{}
	}
	return members, nil
}

func (v Value) BoolSet() (map[bool]struct{}, error) {
	if v.kind != KindBoolSet {
		return nil, fmt.Errorf("%w: have %s, want set<bool>", ErrTypeMismatch, v.kind)
	}
	members := make(map[bool]struct{}, len(v.set))
	for member := range v.set {
		decoded, err := decodeBool(member)
		if err != nil {
			return nil, err
		}
		members[decoded] = struct{}{}
	}
	return members, nil
}

// encode returns the raw scalar payload written to redis.
func (v Value) encode() (string, error) {
	switch v.kind {
	case KindString:
		return v.str, nil
	case KindInt:
		return strconv.FormatInt(v.num, 10), nil
	case KindFloat:
		return encodeFloat(v.flt), nil
	case KindBool:
		return encodeBool(v.bol), nil
	case KindJSON:
		return string(v.js), nil
	}
	return "", fmt.Errorf("%w: %s is not a scalar", ErrUnsupportedType, v.kind)
}

// members returns the encoded set members, sorted for deterministic
// command arguments.
func (v Value) members() ([]string, error) {
	if !v.kind.IsSet() {
		return nil, fmt.Errorf("%w: %s is not a set", ErrUnsupportedType, v.kind)
	}
	members := make([]string, 0, len(v.set))
	for member := range v.set {
		members = append(members, member)
	}
	sort.Strings(members)
	return members, nil
}

// decodeValue rebuilds a Value from raw redis payloads according to the
// key's type tag. Shape disagreements surface as ErrTypeMismatch.
func decodeValue(kind Kind, raw string, members []string) (Value, error) {
	switch kind {
	case KindString:
		return String(raw), nil
	case KindInt:
		decoded, err := decodeInt(raw)
		if err != nil {
			return Value{}, err
		}
		return Int(decoded), nil
	case KindFloat:
		decoded, err := decodeFloat(raw)
		if err != nil {
			return Value{}, err
		}
		return Float(decoded), nil
	case KindBool:
		decoded, err := decodeBool(raw)
		if err != nil {
			return Value{}, err
		}
		return Bool(decoded), nil
	case KindJSON:
		if !json.Valid([]byte(raw)) {
			return Value{}, fmt.Errorf("%w: stored value under 'j' tag is not json", ErrTypeMismatch)
		}
		return Value{kind: KindJSON, js: json.RawMessage(raw)}, nil
	case KindStringSet, KindIntSet, KindFloatSet, KindBoolSet:
		set := make(map[string]struct{}, len(members))
		for _, member := range members {
			if err := checkSetMember(kind, member); err != nil {
				return Value{}, err
			}
			set[member] = struct{}{}
		}
		return Value{kind: kind, set: set}, nil
	}
	return Value{}, fmt.Errorf("%w: unknown kind %d", ErrInvalidKeyFormat, kind)
}

func checkSetMember(kind Kind, member string) error {
	switch kind {
	case KindIntSet:
		_, err := decodeInt(member)
		return err
	case KindFloatSet:
		_, err := decodeFloat(member)
		return err
	case KindBoolSet:
		_, err := decodeBool(member)
		return err
	}
	return nil
}

func encodeFloat(value float64) string {
	return strconv.FormatFloat(value, 'g', -1, 64)
}

func encodeBool(value bool) string {
	if value {
		return "1"
	}
	return "0"
}

func decodeInt(raw string) (int64, error) {
	decoded, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q is not an int", ErrTypeMismatch, raw)
	}
	return decoded, nil
}

func decodeFloat(raw string) (float64, error) {
	decoded, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q is not a float", ErrTypeMismatch, raw)
	}
	return decoded, nil
}

func decodeBool(raw string) (bool, error) {
	switch raw {
	case "1":
		return true, nil
	case "0":
		return false, nil
	}
	return false, fmt.Errorf("%w: %q is not a bool", ErrTypeMismatch, raw)
}
