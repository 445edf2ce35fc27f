package respd

import (
	"errors"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/flonle/respd/internal/respd/streams"
)

// keyPrefixInternal marks keys the server itself creates for bookkeeping;
// KEYS * excludes them.
const keyPrefixInternal = "redis-"

// ErrWrongType is returned by any Storage operation run against a key
// whose Value is not of the kind the operation expects.
var ErrWrongType = errors.New(wrongTypeErr)

// ErrKeyNotExist backs INCR's documented (non-canonical) behavior on a
// missing key; see SPEC_FULL.md's resolved open question 1.
var ErrKeyNotExist = errors.New("ERR key does not exist")

// ErrNotInteger backs INCR on a stored value that fails to parse as an
// integer.
var ErrNotInteger = errors.New("ERR value is not an integer or out of range")

// Storage is the single shared key/value map, guarded by one coarse mutex
// as required by the concurrency model: reads may upgrade to a write to
// perform lazy TTL expiration, and every stream/list mutation also happens
// under this same lock.
type Storage struct {
	mu   sync.Mutex
	data map[string]*Value
}

func NewStorage() *Storage {
	return &Storage{data: make(map[string]*Value)}
}

func nowMs() int64 { return time.Now().UnixMilli() }

// getLocked looks up key, deleting and reporting it as absent if its TTL
// has passed. Caller must hold s.mu.
func (s *Storage) getLocked(key string) (*Value, bool) {
	v, ok := s.data[key]
	if !ok {
		return nil, false
	}
	if v.expired(nowMs()) {
		delete(s.data, key)
		return nil, false
	}
	return v, true
}

// Set stores a string value, replacing anything previously at key. A
// ttl <= 0 means no expiration.
func (s *Storage) Set(key, val string, ttl time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v := newStringValue(val)
	if ttl > 0 {
		v.hasExpiry = true
		v.expiresAt = nowMs() + ttl.Milliseconds()
	}
	s.data[key] = v
}

// Get returns the string at key. ok is false if the key is absent,
// expired, or holds a non-string value.
func (s *Storage) Get(key string) (val string, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, found := s.getLocked(key)
	if !found || v.kind != kindString {
		return "", false
	}
	return v.str, true
}

// Type reports "string", "stream", "list" or "none".
func (s *Storage) Type(key string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.getLocked(key)
	if !ok {
		return "none"
	}
	return v.typeName()
}

// Keys returns every non-internal key currently live; only the "*" pattern
// is supported, per the resolved open question.
func (s *Storage) Keys(pattern string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if pattern != "*" {
		return nil
	}
	now := nowMs()
	keys := make([]string, 0, len(s.data))
	for k, v := range s.data {
		if strings.HasPrefix(k, keyPrefixInternal) {
			continue
		}
		if v.expired(now) {
			continue
		}
		keys = append(keys, k)
	}
	return keys
}

// Incr increments the integer stored at key by one and returns the new
// value. Per the resolved open question, a missing key is an error rather
// than initialized to 1.
func (s *Storage) Incr(key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.getLocked(key)
	if !ok {
		return 0, ErrKeyNotExist
	}
	if v.kind != kindString {
		return 0, ErrWrongType
	}
	n, err := strconv.ParseInt(v.str, 10, 64)
	if err != nil {
		return 0, ErrNotInteger
	}
	n++
	v.str = strconv.FormatInt(n, 10)
	return n, nil
}

// Del removes every given key that exists (and is not already expired),
// returning how many were removed.
func (s *Storage) Del(keys []string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	now := nowMs()
	for _, k := range keys {
		v, ok := s.data[k]
		if !ok {
			continue
		}
		if v.expired(now) {
			delete(s.data, k)
			continue
		}
		delete(s.data, k)
		n++
	}
	return n
}

// Exists counts how many of the given keys are present and unexpired,
// counting duplicates in the input multiple times (matching canonical
// Redis EXISTS semantics).
func (s *Storage) Exists(keys []string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, k := range keys {
		if _, ok := s.getLocked(k); ok {
			n++
		}
	}
	return n
}

// Flush removes every key.
func (s *Storage) Flush() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data = make(map[string]*Value)
}

// LoadSnapshotEntry installs a key loaded from the on-disk snapshot. ttl
// is the remaining time-to-live in seconds; 0 means the key is already
// expired (the caller may still install it, since a subsequent read will
// lazily evict it, matching the snapshot reader's documented behavior).
func (s *Storage) LoadSnapshotEntry(key, val string, ttlSeconds int64, hasTTL bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v := newStringValue(val)
	if hasTTL {
		v.hasExpiry = true
		v.expiresAt = nowMs() + ttlSeconds*1000
	}
	s.data[key] = v
}

// SnapshotStrings returns every live string key/value, used to build the
// RDB payload served on PSYNC full resync.
func (s *Storage) SnapshotStrings() []snapshotEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := nowMs()
	out := make([]snapshotEntry, 0, len(s.data))
	for k, v := range s.data {
		if v.kind != kindString || v.expired(now) {
			continue
		}
		e := snapshotEntry{key: k, val: v.str}
		if v.hasExpiry {
			e.hasExpiry = true
			e.expiresAt = v.expiresAt
		}
		out = append(out, e)
	}
	return out
}

// streamFor fetches (creating if absent) the stream at key, or reports
// ErrWrongType if key holds something else.
func (s *Storage) streamFor(key string) (*streams.Stream, error) {
	v, ok := s.getLocked(key)
	if !ok {
		v = newStreamValue()
		s.data[key] = v
		return v.stream, nil
	}
	if v.kind != kindStream {
		return nil, ErrWrongType
	}
	return v.stream, nil
}

// XAdd appends an entry and returns its canonical ID string.
func (s *Storage) XAdd(key, rawID string, fields []streams.Field) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, err := s.streamFor(key)
	if err != nil {
		return "", err
	}
	id, err := st.Add(rawID, fields)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// XRange returns the inclusive range [from, to] of a stream's entries. A
// missing key yields an empty (nil) slice rather than an error.
func (s *Storage) XRange(key string, from, to streams.ID) ([]streams.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.getLocked(key)
	if !ok {
		return nil, nil
	}
	if v.kind != kindStream {
		return nil, ErrWrongType
	}
	return v.stream.Range(from, to), nil
}

// XLastID returns the current last ID of the stream at key, used to
// resolve "$" in XREAD. ok is false if the key is absent or empty.
func (s *Storage) XLastID(key string) (streams.ID, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.getLocked(key)
	if !ok {
		return streams.ID{}, false, nil
	}
	if v.kind != kindStream {
		return streams.ID{}, false, ErrWrongType
	}
	id, has := v.stream.LastID()
	return id, has, nil
}

// XAfter returns entries with ID strictly greater than after.
func (s *Storage) XAfter(key string, after streams.ID) ([]streams.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.getLocked(key)
	if !ok {
		return nil, nil
	}
	if v.kind != kindStream {
		return nil, ErrWrongType
	}
	return v.stream.After(after), nil
}

// listFor fetches (creating if absent) the list at key.
func (s *Storage) listFor(key string) (*Value, error) {
	v, ok := s.getLocked(key)
	if !ok {
		v = newListValue()
		s.data[key] = v
		return v, nil
	}
	if v.kind != kindList {
		return nil, ErrWrongType
	}
	return v, nil
}

// LPush prepends values (in argument order, so the last argument ends up
// at the head) and returns the new length.
func (s *Storage) LPush(key string, values []string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, err := s.listFor(key)
	if err != nil {
		return 0, err
	}
	for _, val := range values {
		v.list = append([]string{val}, v.list...)
	}
	return len(v.list), nil
}

// RPush appends values in order and returns the new length.
func (s *Storage) RPush(key string, values []string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, err := s.listFor(key)
	if err != nil {
		return 0, err
	}
	v.list = append(v.list, values...)
	return len(v.list), nil
}

// LPop removes and returns up to count values from the head. ok is false
// if the key is absent or the list is empty.
func (s *Storage) LPop(key string, count int) ([]string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.getLocked(key)
	if !ok {
		return nil, false, nil
	}
	if v.kind != kindList {
		return nil, false, ErrWrongType
	}
	if len(v.list) == 0 {
		return nil, false, nil
	}
	if count > len(v.list) {
		count = len(v.list)
	}
	out := append([]string(nil), v.list[:count]...)
	v.list = v.list[count:]
	if len(v.list) == 0 {
		delete(s.data, key)
	}
	return out, true, nil
}

// RPop removes and returns up to count values from the tail, most-recent
// first.
func (s *Storage) RPop(key string, count int) ([]string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.getLocked(key)
	if !ok {
		return nil, false, nil
	}
	if v.kind != kindList {
		return nil, false, ErrWrongType
	}
	n := len(v.list)
	if n == 0 {
		return nil, false, nil
	}
	if count > n {
		count = n
	}
	out := make([]string, count)
	for i := 0; i < count; i++ {
		out[i] = v.list[n-1-i]
	}
	v.list = v.list[:n-count]
	if len(v.list) == 0 {
		delete(s.data, key)
	}
	return out, true, nil
}

// LLen returns the length of the list at key (0 if absent).
func (s *Storage) LLen(key string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.getLocked(key)
	if !ok {
		return 0, nil
	}
	if v.kind != kindList {
		return 0, ErrWrongType
	}
	return len(v.list), nil
}

// LRange returns the inclusive [start, stop] slice of the list, supporting
// negative indices counted from the tail, clamped to the list bounds.
func (s *Storage) LRange(key string, start, stop int) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.getLocked(key)
	if !ok {
		return nil, nil
	}
	if v.kind != kindList {
		return nil, ErrWrongType
	}
	n := len(v.list)
	start = clampIndex(start, n)
	stop = clampIndex(stop, n)
	if start > stop || start >= n {
		return nil, nil
	}
	if stop >= n {
		stop = n - 1
	}
	out := make([]string, stop-start+1)
	copy(out, v.list[start:stop+1])
	return out, nil
}

// LIndex returns the element at index (negative counts from the tail).
// ok is false if the index is out of range.
func (s *Storage) LIndex(key string, index int) (val string, ok bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, exists := s.getLocked(key)
	if !exists {
		return "", false, nil
	}
	if v.kind != kindList {
		return "", false, ErrWrongType
	}
	n := len(v.list)
	if index < 0 {
		index += n
	}
	if index < 0 || index >= n {
		return "", false, nil
	}
	return v.list[index], true, nil
}

func clampIndex(i, n int) int {
	if i < 0 {
		i += n
	}
	if i < 0 {
		i = 0
	}
	return i
}
