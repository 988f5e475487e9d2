package replica

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	// ErrMalformedDelta indicates a delta payload that cannot be decoded.
	ErrMalformedDelta = errors.New("replica: malformed delta")
	// ErrMalformedStateVector indicates a state vector payload that cannot be decoded.
	ErrMalformedStateVector = errors.New("replica: malformed state vector")
	// ErrMalformedPresence indicates a presence payload that cannot be decoded.
	ErrMalformedPresence = errors.New("replica: malformed presence payload")
)

// MetadataKeyPrefix marks replica keys that belong to the document metadata sub-map.
const MetadataKeyPrefix = "meta/"

// Entry is one replicated register: a key with the write that currently wins for it.
type Entry struct {
	Key     string
	Value   []byte
	Clock   uint64
	Actor   uint64
	Deleted bool
}

// Vector maps actor ids to the highest clock observed for that actor.
type Vector map[uint64]uint64

// Replica is a last-writer-wins map. Merging the same set of deltas in any
// order converges to the same state, and the canonical encoding of two
// converged replicas is bytewise identical.
type Replica struct {
	entries  map[string]Entry
	presence map[uint64][]byte
	maxClock uint64
}

// New returns an empty replica.
func New() *Replica {
	return &Replica{
		entries:  make(map[string]Entry),
		presence: make(map[uint64][]byte),
	}
}

// MergeResult describes the effect of applying a remote delta.
type MergeResult struct {
	// Applied is the minimal re-encoded delta holding only the entries that
	// won against local state. Nil when the delta carried no new information.
	Applied []byte
	// ChangedKeys lists the keys whose winning entry changed.
	ChangedKeys []string
	// Actors lists every actor id that contributed entries to the delta,
	// whether or not those entries won.
	Actors []uint64
}

func wins(candidate, existing Entry) bool {
	if candidate.Clock != existing.Clock {
		return candidate.Clock > existing.Clock
	}
	return candidate.Actor > existing.Actor
}

// Merge applies a remote delta and reports what changed.
func (r *Replica) Merge(delta []byte) (MergeResult, error) {
	incoming, err := DecodeDelta(delta)
	if err != nil {
		return MergeResult{}, err
	}

	result := MergeResult{}
	seenActors := make(map[uint64]struct{})
	accepted := make([]Entry, 0, len(incoming))
	for _, entry := range incoming {
		if _, ok := seenActors[entry.Actor]; !ok {
			seenActors[entry.Actor] = struct{}{}
			result.Actors = append(result.Actors, entry.Actor)
		}
		if entry.Clock > r.maxClock {
			r.maxClock = entry.Clock
		}
		existing, ok := r.entries[entry.Key]
		if ok && !wins(entry, existing) {
			continue
		}
		r.entries[entry.Key] = entry
		accepted = append(accepted, entry)
		result.ChangedKeys = append(result.ChangedKeys, entry.Key)
	}

	if len(accepted) > 0 {
		result.Applied = encodeEntries(accepted)
	}
	return result, nil
}

// Set records a local write under the given actor and returns the delta encoding it.
func (r *Replica) Set(actor uint64, key string, value []byte) []byte {
	return r.write(Entry{Key: key, Value: value, Actor: actor})
}

// SetBatch records several local writes under one actor and returns a single
// delta encoding all of them, keys in sorted order.
func (r *Replica) SetBatch(actor uint64, values map[string][]byte) []byte {
	if len(values) == 0 {
		return nil
	}
	keys := make([]string, 0, len(values))
	for key := range values {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	entries := make([]Entry, 0, len(keys))
	for _, key := range keys {
		r.maxClock++
		entry := Entry{Key: key, Value: values[key], Clock: r.maxClock, Actor: actor}
		r.entries[key] = entry
		entries = append(entries, entry)
	}
	return encodeEntries(entries)
}

// Remove records a local tombstone under the given actor and returns the delta encoding it.
func (r *Replica) Remove(actor uint64, key string) []byte {
	return r.write(Entry{Key: key, Actor: actor, Deleted: true})
}

func (r *Replica) write(entry Entry) []byte {
	r.maxClock++
	entry.Clock = r.maxClock
	r.entries[entry.Key] = entry
	return encodeEntries([]Entry{entry})
}

// Get returns the live value stored under key.
func (r *Replica) Get(key string) ([]byte, bool) {
	entry, ok := r.entries[key]
	if !ok || entry.Deleted {
		return nil, false
	}
	return entry.Value, true
}

// Len reports the number of live (non-tombstoned) keys.
func (r *Replica) Len() int {
	count := 0
	for _, entry := range r.entries {
		if !entry.Deleted {
			count++
		}
	}
	return count
}

// StateVector summarizes the clocks this replica has observed per actor.
func (r *Replica) StateVector() Vector {
	vector := make(Vector)
	for _, entry := range r.entries {
		if entry.Clock > vector[entry.Actor] {
			vector[entry.Actor] = entry.Clock
		}
	}
	return vector
}

// DiffSince returns the minimal delta containing every entry the given
// vector has not yet observed. The result is deterministic (key order).
func (r *Replica) DiffSince(vector Vector) []byte {
	missing := make([]Entry, 0)
	for _, entry := range r.entries {
		if entry.Clock > vector[entry.Actor] {
			missing = append(missing, entry)
		}
	}
	sort.Slice(missing, func(i, j int) bool { return missing[i].Key < missing[j].Key })
	return encodeEntries(missing)
}

// Encode produces the canonical encoding of the full replica state,
// tombstones included, sorted by key. Two converged replicas encode equally.
func (r *Replica) Encode() []byte {
	all := make([]Entry, 0, len(r.entries))
	for _, entry := range r.entries {
		all = append(all, entry)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].Key < all[j].Key })
	return encodeEntries(all)
}

// MetadataSnapshot extracts the live metadata sub-map (keys under MetadataKeyPrefix).
func (r *Replica) MetadataSnapshot() map[string]string {
	snapshot := make(map[string]string)
	for key, entry := range r.entries {
		if entry.Deleted || !strings.HasPrefix(key, MetadataKeyPrefix) {
			continue
		}
		snapshot[strings.TrimPrefix(key, MetadataKeyPrefix)] = string(entry.Value)
	}
	return snapshot
}

// ApplyPresence merges a presence payload into the ephemeral presence map and
// returns the actor ids it touched. An empty per-actor payload clears that actor.
func (r *Replica) ApplyPresence(payload []byte) ([]uint64, error) {
	states, err := decodePresence(payload)
	if err != nil {
		return nil, err
	}
	actors := make([]uint64, 0, len(states))
	for actor, state := range states {
		actors = append(actors, actor)
		if len(state) == 0 {
			delete(r.presence, actor)
			continue
		}
		r.presence[actor] = state
	}
	return actors, nil
}

// ClearPresence removes presence state for the given actors and returns a
// presence payload announcing the removals, or nil when nothing was cleared.
func (r *Replica) ClearPresence(actors []uint64) []byte {
	cleared := make(map[uint64][]byte)
	for _, actor := range actors {
		if _, ok := r.presence[actor]; !ok {
			continue
		}
		delete(r.presence, actor)
		cleared[actor] = nil
	}
	if len(cleared) == 0 {
		return nil
	}
	return encodePresence(cleared)
}

// EncodePresence returns the full ephemeral presence map as a presence payload.
func (r *Replica) EncodePresence() []byte {
	return encodePresence(r.presence)
}

func encodeEntries(entries []Entry) []byte {
	buf := binary.AppendUvarint(nil, uint64(len(entries)))
	for _, entry := range entries {
		buf = binary.AppendUvarint(buf, uint64(len(entry.Key)))
		buf = append(buf, entry.Key...)
		buf = binary.AppendUvarint(buf, uint64(len(entry.Value)))
		buf = append(buf, entry.Value...)
		buf = binary.AppendUvarint(buf, entry.Clock)
		buf = binary.AppendUvarint(buf, entry.Actor)
		if entry.Deleted {
			buf = append(buf, 1)
		} else {
			buf = append(buf, 0)
		}
	}
	return buf
}

// DecodeDelta parses a binary delta into its entries.
func DecodeDelta(delta []byte) ([]Entry, error) {
	reader := payloadReader{buf: delta}
	count, err := reader.uvarint()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedDelta, err)
	}
	entries := make([]Entry, 0, count)
	for i := uint64(0); i < count; i++ {
		entry := Entry{}
		keyBytes, err := reader.bytes()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedDelta, err)
		}
		entry.Key = string(keyBytes)
		value, err := reader.bytes()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedDelta, err)
		}
		if len(value) > 0 {
			entry.Value = append([]byte(nil), value...)
		}
		if entry.Clock, err = reader.uvarint(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedDelta, err)
		}
		if entry.Actor, err = reader.uvarint(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedDelta, err)
		}
		deleted, err := reader.byte()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedDelta, err)
		}
		entry.Deleted = deleted == 1
		entries = append(entries, entry)
	}
	if !reader.drained() {
		return nil, fmt.Errorf("%w: trailing bytes", ErrMalformedDelta)
	}
	return entries, nil
}

// Encode serializes the vector with actors in ascending order.
func (v Vector) Encode() []byte {
	actors := make([]uint64, 0, len(v))
	for actor := range v {
		actors = append(actors, actor)
	}
	sort.Slice(actors, func(i, j int) bool { return actors[i] < actors[j] })
	buf := binary.AppendUvarint(nil, uint64(len(actors)))
	for _, actor := range actors {
		buf = binary.AppendUvarint(buf, actor)
		buf = binary.AppendUvarint(buf, v[actor])
	}
	return buf
}

// DecodeVector parses a state vector payload. An empty payload is the empty vector.
func DecodeVector(payload []byte) (Vector, error) {
	vector := make(Vector)
	if len(payload) == 0 {
		return vector, nil
	}
	reader := payloadReader{buf: payload}
	count, err := reader.uvarint()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedStateVector, err)
	}
	for i := uint64(0); i < count; i++ {
		actor, err := reader.uvarint()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedStateVector, err)
		}
		clock, err := reader.uvarint()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedStateVector, err)
		}
		vector[actor] = clock
	}
	if !reader.drained() {
		return nil, fmt.Errorf("%w: trailing bytes", ErrMalformedStateVector)
	}
	return vector, nil
}

func encodePresence(states map[uint64][]byte) []byte {
	actors := make([]uint64, 0, len(states))
	for actor := range states {
		actors = append(actors, actor)
	}
	sort.Slice(actors, func(i, j int) bool { return actors[i] < actors[j] })
	buf := binary.AppendUvarint(nil, uint64(len(actors)))
	for _, actor := range actors {
		buf = binary.AppendUvarint(buf, actor)
		buf = binary.AppendUvarint(buf, uint64(len(states[actor])))
		buf = append(buf, states[actor]...)
	}
	return buf
}

func decodePresence(payload []byte) (map[uint64][]byte, error) {
	reader := payloadReader{buf: payload}
	count, err := reader.uvarint()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPresence, err)
	}
	states := make(map[uint64][]byte, count)
	for i := uint64(0); i < count; i++ {
		actor, err := reader.uvarint()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedPresence, err)
		}
		state, err := reader.bytes()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedPresence, err)
		}
		if len(state) > 0 {
			states[actor] = append([]byte(nil), state...)
		} else {
			states[actor] = nil
		}
	}
	if !reader.drained() {
		return nil, fmt.Errorf("%w: trailing bytes", ErrMalformedPresence)
	}
	return states, nil
}

type payloadReader struct {
	buf    []byte
	offset int
}

func (r *payloadReader) uvarint() (uint64, error) {
	value, read := binary.Uvarint(r.buf[r.offset:])
	if read <= 0 {
		return 0, errors.New("truncated uvarint")
	}
	r.offset += read
	return value, nil
}

func (r *payloadReader) bytes() ([]byte, error) {
	length, err := r.uvarint()
	if err != nil {
		return nil, err
	}
	if uint64(len(r.buf)-r.offset) < length {
		return nil, errors.New("truncated byte field")
	}
	out := r.buf[r.offset : r.offset+int(length)]
	r.offset += int(length)
	return out, nil
}

func (r *payloadReader) byte() (byte, error) {
	if r.offset >= len(r.buf) {
		return 0, errors.New("truncated byte")
	}
	b := r.buf[r.offset]
	r.offset++
	return b, nil
}

func (r *payloadReader) drained() bool {
	return r.offset == len(r.buf)
}
