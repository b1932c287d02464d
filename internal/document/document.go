package document

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

type entityKind byte

const (
	entityTournament entityKind = 1
	entityPlayer     entityKind = 2
	entityMatch      entityKind = 3
	entityTable      entityKind = 4
)

type opKind byte

const (
	opMapSet      opKind = 1
	opEventAppend opKind = 2
)

// op is one replicated unit of change. Map writes carry the origin's
// JSON-encoded record bytes plus the tag the origin assigned; event appends
// carry the full event.
type op struct {
	kind    opKind
	entity  entityKind
	key     string
	payload []byte
	tag     Tag
	event   Event
}

// lwwEntry stores the winning payload for a map key together with the tag
// that won it. Payload bytes are kept exactly as the origin encoded them so
// replicas converge byte-for-byte.
type lwwEntry struct {
	tag     Tag
	payload []byte
}

// IDProvider issues identifiers for new events.
type IDProvider interface {
	NewID() (string, error)
}

// Config describes the dependencies required to construct a Document.
type Config struct {
	ClientID   string
	Clock      func() time.Time
	IDProvider IDProvider
}

// Document is the convergent replicated state for one tournament. All
// methods are safe for concurrent use; change callbacks run outside the
// document lock.
type Document struct {
	mu         sync.Mutex
	clientID   string
	clock      func() time.Time
	ids        IDProvider
	counter    uint64
	tournament map[string]lwwEntry
	players    map[string]lwwEntry
	matches    map[string]lwwEntry
	tables     map[string]lwwEntry
	events     map[string]map[uint64]Event
	localSeq   uint64
	pending    []op
	onChange   []func()
}

// New constructs an empty Document owned by the given client replica.
func New(cfg Config) (*Document, error) {
	if cfg.ClientID == "" {
		return nil, fmt.Errorf("%w: client id required", ErrInvalidDocumentID)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	ids := cfg.IDProvider
	if ids == nil {
		ids = NewUUIDProvider()
	}
	return &Document{
		clientID:   cfg.ClientID,
		clock:      clock,
		ids:        ids,
		tournament: make(map[string]lwwEntry),
		players:    make(map[string]lwwEntry),
		matches:    make(map[string]lwwEntry),
		tables:     make(map[string]lwwEntry),
		events:     make(map[string]map[uint64]Event),
	}, nil
}

// OnChange registers a callback invoked after every successful state
// change, local or remote.
func (d *Document) OnChange(callback func()) {
	if callback == nil {
		return
	}
	d.mu.Lock()
	d.onChange = append(d.onChange, callback)
	d.mu.Unlock()
}

func (d *Document) notify() {
	d.mu.Lock()
	callbacks := make([]func(), len(d.onChange))
	copy(callbacks, d.onChange)
	d.mu.Unlock()
	for _, callback := range callbacks {
		callback()
	}
}

// nextTag advances the logical clock past everything this replica has seen
// and returns a tag unique to this write. Callers must hold d.mu.
func (d *Document) nextTag() Tag {
	d.counter++
	return Tag{Counter: d.counter, ClientID: d.clientID}
}

func (d *Document) entityMap(entity entityKind) map[string]lwwEntry {
	switch entity {
	case entityTournament:
		return d.tournament
	case entityPlayer:
		return d.players
	case entityMatch:
		return d.matches
	case entityTable:
		return d.tables
	default:
		return nil
	}
}

// applyMapSet merges one map write and reports whether state changed.
// Callers must hold d.mu.
func (d *Document) applyMapSet(o op) (bool, error) {
	target := d.entityMap(o.entity)
	if target == nil {
		return false, fmt.Errorf("%w: unknown entity kind %d", ErrInvalidUpdate, o.entity)
	}
	if o.tag.Counter > d.counter {
		d.counter = o.tag.Counter
	}

	existing, found := target[o.key]
	if found && existing.tag == o.tag {
		return false, nil
	}

	if o.entity == entityMatch {
		return d.applyMatchSet(target, o, existing, found)
	}

	if found && !existing.tag.Less(o.tag) {
		return false, nil
	}
	target[o.key] = lwwEntry{tag: o.tag, payload: o.payload}
	return true, nil
}

// applyMatchSet merges a match write. The winning record is chosen by tag
// like any other map entry, but the stored rev is the maximum over every
// applied write so it never moves backward on any replica regardless of
// arrival order. Match payloads are re-encoded canonically so the rev
// rewrite stays byte-stable across replicas.
func (d *Document) applyMatchSet(target map[string]lwwEntry, o op, existing lwwEntry, found bool) (bool, error) {
	var incoming MatchRecord
	if err := json.Unmarshal(o.payload, &incoming); err != nil {
		return false, fmt.Errorf("%w: match payload: %v", ErrInvalidUpdate, err)
	}
	if !found {
		encoded, err := json.Marshal(incoming)
		if err != nil {
			return false, err
		}
		target[o.key] = lwwEntry{tag: o.tag, payload: encoded}
		return true, nil
	}

	var stored MatchRecord
	if err := json.Unmarshal(existing.payload, &stored); err != nil {
		return false, fmt.Errorf("%w: stored match payload: %v", ErrInvalidUpdate, err)
	}

	winner := stored
	winnerTag := existing.tag
	if existing.tag.Less(o.tag) {
		winner = incoming
		winnerTag = o.tag
	}
	if stored.Rev > winner.Rev {
		winner.Rev = stored.Rev
	}
	if incoming.Rev > winner.Rev {
		winner.Rev = incoming.Rev
	}

	encoded, err := json.Marshal(winner)
	if err != nil {
		return false, err
	}
	changed := winnerTag != existing.tag || winner.Rev != stored.Rev
	target[o.key] = lwwEntry{tag: winnerTag, payload: encoded}
	return changed, nil
}

// applyEventAppend merges one event append. Replayed events (same origin
// and sequence) are ignored; everything else is stored untouched. Callers
// must hold d.mu.
func (d *Document) applyEventAppend(event Event) bool {
	if event.OriginClient == "" || event.Seq == 0 {
		return false
	}
	if event.Counter > d.counter {
		d.counter = event.Counter
	}
	bySeq, found := d.events[event.OriginClient]
	if !found {
		bySeq = make(map[uint64]Event)
		d.events[event.OriginClient] = bySeq
	}
	if _, dup := bySeq[event.Seq]; dup {
		return false
	}
	bySeq[event.Seq] = event
	if event.OriginClient == d.clientID && event.Seq > d.localSeq {
		d.localSeq = event.Seq
	}
	return true
}

// ApplyUpdate merges an encoded update from another replica. Applying the
// same update twice is a no-op; applying a set of updates in any order
// yields the same state.
func (d *Document) ApplyUpdate(encoded []byte) error {
	ops, err := decodeOps(encoded, ErrInvalidUpdate)
	if err != nil {
		return err
	}

	d.mu.Lock()
	changed := false
	for _, o := range ops {
		switch o.kind {
		case opMapSet:
			applied, applyErr := d.applyMapSet(o)
			if applyErr != nil {
				d.mu.Unlock()
				return applyErr
			}
			changed = changed || applied
		case opEventAppend:
			changed = d.applyEventAppend(o.event) || changed
		default:
			d.mu.Unlock()
			return fmt.Errorf("%w: unknown op kind %d", ErrInvalidUpdate, o.kind)
		}
	}
	d.mu.Unlock()

	if changed {
		d.notify()
	}
	return nil
}

// EncodeUpdate drains and encodes the ops produced by local writes since
// the previous call. It returns nil when there is nothing to send.
func (d *Document) EncodeUpdate() []byte {
	d.mu.Lock()
	if len(d.pending) == 0 {
		d.mu.Unlock()
		return nil
	}
	ops := d.pending
	d.pending = nil
	d.mu.Unlock()
	return encodeOps(ops)
}

// EncodeSnapshot encodes the full document state in canonical order. Two
// replicas holding the same merged state produce byte-identical snapshots.
func (d *Document) EncodeSnapshot() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return encodeOps(d.canonicalOps())
}

// canonicalOps lists every stored value in a deterministic order: maps by
// entity kind then key, events by (counter, origin, seq). Callers must
// hold d.mu.
func (d *Document) canonicalOps() []op {
	var ops []op
	for _, entity := range []entityKind{entityTournament, entityPlayer, entityMatch, entityTable} {
		target := d.entityMap(entity)
		keys := make([]string, 0, len(target))
		for key := range target {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		for _, key := range keys {
			entry := target[key]
			ops = append(ops, op{kind: opMapSet, entity: entity, key: key, payload: entry.payload, tag: entry.tag})
		}
	}
	for _, event := range d.sortedEvents() {
		ops = append(ops, op{kind: opEventAppend, event: event})
	}
	return ops
}

// LoadSnapshot replaces the document state with a previously encoded
// snapshot.
func (d *Document) LoadSnapshot(encoded []byte) error {
	ops, err := decodeOps(encoded, ErrInvalidSnapshot)
	if err != nil {
		return err
	}

	d.mu.Lock()
	d.tournament = make(map[string]lwwEntry)
	d.players = make(map[string]lwwEntry)
	d.matches = make(map[string]lwwEntry)
	d.tables = make(map[string]lwwEntry)
	d.events = make(map[string]map[uint64]Event)
	d.localSeq = 0
	d.pending = nil
	for _, o := range ops {
		switch o.kind {
		case opMapSet:
			if _, applyErr := d.applyMapSet(o); applyErr != nil {
				d.mu.Unlock()
				return fmt.Errorf("%w: %v", ErrInvalidSnapshot, applyErr)
			}
		case opEventAppend:
			d.applyEventAppend(o.event)
		}
	}
	d.mu.Unlock()

	d.notify()
	return nil
}

// localWrite applies a map write originated by this replica and stages the
// op plus its event for the next EncodeUpdate. Callers must hold d.mu.
func (d *Document) localWrite(entity entityKind, key string, payloadValue any, kind EventKind, actor string, payload map[string]string) error {
	encoded, err := json.Marshal(payloadValue)
	if err != nil {
		return err
	}
	writeOp := op{kind: opMapSet, entity: entity, key: key, payload: encoded, tag: d.nextTag()}
	if _, err := d.applyMapSet(writeOp); err != nil {
		return err
	}
	d.pending = append(d.pending, writeOp)
	return d.recordEvent(kind, actor, payload)
}

// recordEvent appends a locally originated event. Callers must hold d.mu.
func (d *Document) recordEvent(kind EventKind, actor string, payload map[string]string) error {
	eventID, err := d.ids.NewID()
	if err != nil {
		return err
	}
	d.counter++
	event := Event{
		ID:           eventID,
		Kind:         kind,
		Actor:        actor,
		Payload:      payload,
		Timestamp:    d.clock().UTC().Unix(),
		OriginClient: d.clientID,
		Seq:          d.localSeq + 1,
		Counter:      d.counter,
	}
	d.applyEventAppend(event)
	d.pending = append(d.pending, op{kind: opEventAppend, event: event})
	return nil
}

// SetTournament writes tournament attributes, one last-writer-wins register
// per key, and records a single tournament-updated event.
func (d *Document) SetTournament(actor string, attrs map[string]string) error {
	if len(attrs) == 0 {
		return nil
	}
	keys := make([]string, 0, len(attrs))
	for key := range attrs {
		if _, err := validateEntityID(key); err != nil {
			return err
		}
		keys = append(keys, key)
	}
	sort.Strings(keys)

	d.mu.Lock()
	for _, key := range keys {
		encoded, err := json.Marshal(attrs[key])
		if err != nil {
			d.mu.Unlock()
			return err
		}
		writeOp := op{kind: opMapSet, entity: entityTournament, key: key, payload: encoded, tag: d.nextTag()}
		if _, err := d.applyMapSet(writeOp); err != nil {
			d.mu.Unlock()
			return err
		}
		d.pending = append(d.pending, writeOp)
	}
	err := d.recordEvent(EventTournamentUpdated, actor, map[string]string{"keys": strings.Join(keys, ",")})
	d.mu.Unlock()
	if err != nil {
		return err
	}
	d.notify()
	return nil
}

// AddPlayer registers a new player record.
func (d *Document) AddPlayer(actor, playerID string, record PlayerRecord) error {
	return d.writePlayer(actor, playerID, record, EventPlayerAdded)
}

// UpdatePlayer replaces a player record wholesale.
func (d *Document) UpdatePlayer(actor, playerID string, record PlayerRecord) error {
	return d.writePlayer(actor, playerID, record, EventPlayerUpdated)
}

// CheckInPlayer marks an existing player checked in.
func (d *Document) CheckInPlayer(actor, playerID string) error {
	id, err := validateEntityID(playerID)
	if err != nil {
		return err
	}
	d.mu.Lock()
	record, found, decodeErr := d.decodePlayer(id)
	if decodeErr != nil {
		d.mu.Unlock()
		return decodeErr
	}
	if !found {
		d.mu.Unlock()
		return fmt.Errorf("%w: player %s", ErrUnknownEntity, id)
	}
	record.CheckedIn = true
	err = d.localWrite(entityPlayer, id, record, EventPlayerCheckedIn, actor, map[string]string{"playerId": id})
	d.mu.Unlock()
	if err != nil {
		return err
	}
	d.notify()
	return nil
}

func (d *Document) writePlayer(actor, playerID string, record PlayerRecord, kind EventKind) error {
	id, err := validateEntityID(playerID)
	if err != nil {
		return err
	}
	d.mu.Lock()
	err = d.localWrite(entityPlayer, id, record, kind, actor, map[string]string{"playerId": id})
	d.mu.Unlock()
	if err != nil {
		return err
	}
	d.notify()
	return nil
}

// AddMatch registers a new match record with rev 1.
func (d *Document) AddMatch(actor, matchID string, record MatchRecord) error {
	id, err := validateEntityID(matchID)
	if err != nil {
		return err
	}
	record.Rev = 1
	d.mu.Lock()
	err = d.localWrite(entityMatch, id, record, EventMatchAdded, actor, map[string]string{"matchId": id})
	d.mu.Unlock()
	if err != nil {
		return err
	}
	d.notify()
	return nil
}

// UpdateMatch replaces a match record, incrementing rev from the last value
// this replica has seen.
func (d *Document) UpdateMatch(actor, matchID string, record MatchRecord) error {
	return d.writeMatch(actor, matchID, EventMatchUpdated, nil, func(stored MatchRecord) MatchRecord {
		record.Rev = stored.Rev
		return record
	})
}

// UpdateMatchScore records scores and, when a winner is named, the
// match-scored event downstream components use to detect completion.
func (d *Document) UpdateMatchScore(actor, matchID string, scores []int, winnerID string) error {
	payload := map[string]string{"matchId": matchID}
	if winnerID != "" {
		payload["winnerId"] = winnerID
	}
	return d.writeMatch(actor, matchID, EventMatchScored, payload, func(stored MatchRecord) MatchRecord {
		stored.Scores = scores
		if winnerID != "" {
			stored.WinnerID = winnerID
			stored.Status = "completed"
		}
		return stored
	})
}

// AssignMatchToTable binds a match to a table and mirrors the binding on
// the table record in the same logical operation.
func (d *Document) AssignMatchToTable(actor, matchID, tableID string) error {
	mid, err := validateEntityID(matchID)
	if err != nil {
		return err
	}
	tid, err := validateEntityID(tableID)
	if err != nil {
		return err
	}

	d.mu.Lock()
	match, found, decodeErr := d.decodeMatch(mid)
	if decodeErr != nil {
		d.mu.Unlock()
		return decodeErr
	}
	if !found {
		d.mu.Unlock()
		return fmt.Errorf("%w: match %s", ErrUnknownEntity, mid)
	}
	table, found, decodeErr := d.decodeTable(tid)
	if decodeErr != nil {
		d.mu.Unlock()
		return decodeErr
	}
	if !found {
		d.mu.Unlock()
		return fmt.Errorf("%w: table %s", ErrUnknownEntity, tid)
	}

	match.TableID = tid
	match.Rev++
	encoded, err := json.Marshal(match)
	if err != nil {
		d.mu.Unlock()
		return err
	}
	matchOp := op{kind: opMapSet, entity: entityMatch, key: mid, payload: encoded, tag: d.nextTag()}
	if _, err := d.applyMapSet(matchOp); err != nil {
		d.mu.Unlock()
		return err
	}
	d.pending = append(d.pending, matchOp)

	table.MatchID = mid
	table.Status = "in-use"
	err = d.localWrite(entityTable, tid, table, EventMatchAssigned, actor, map[string]string{"matchId": mid, "tableId": tid})
	d.mu.Unlock()
	if err != nil {
		return err
	}
	d.notify()
	return nil
}

func (d *Document) writeMatch(actor, matchID string, kind EventKind, payload map[string]string, mutate func(MatchRecord) MatchRecord) error {
	id, err := validateEntityID(matchID)
	if err != nil {
		return err
	}
	if payload == nil {
		payload = map[string]string{"matchId": id}
	}

	d.mu.Lock()
	stored, found, decodeErr := d.decodeMatch(id)
	if decodeErr != nil {
		d.mu.Unlock()
		return decodeErr
	}
	if !found {
		d.mu.Unlock()
		return fmt.Errorf("%w: match %s", ErrUnknownEntity, id)
	}
	next := mutate(stored)
	next.Rev = stored.Rev + 1
	err = d.localWrite(entityMatch, id, next, kind, actor, payload)
	d.mu.Unlock()
	if err != nil {
		return err
	}
	d.notify()
	return nil
}

// AddTable registers a new table record.
func (d *Document) AddTable(actor, tableID string, record TableRecord) error {
	return d.writeTable(actor, tableID, record, EventTableAdded)
}

// UpdateTable replaces a table record wholesale.
func (d *Document) UpdateTable(actor, tableID string, record TableRecord) error {
	return d.writeTable(actor, tableID, record, EventTableUpdated)
}

func (d *Document) writeTable(actor, tableID string, record TableRecord, kind EventKind) error {
	id, err := validateEntityID(tableID)
	if err != nil {
		return err
	}
	d.mu.Lock()
	err = d.localWrite(entityTable, id, record, kind, actor, map[string]string{"tableId": id})
	d.mu.Unlock()
	if err != nil {
		return err
	}
	d.notify()
	return nil
}

func (d *Document) decodePlayer(id string) (PlayerRecord, bool, error) {
	entry, found := d.players[id]
	if !found {
		return PlayerRecord{}, false, nil
	}
	var record PlayerRecord
	if err := json.Unmarshal(entry.payload, &record); err != nil {
		return PlayerRecord{}, false, err
	}
	return record, true, nil
}

func (d *Document) decodeMatch(id string) (MatchRecord, bool, error) {
	entry, found := d.matches[id]
	if !found {
		return MatchRecord{}, false, nil
	}
	var record MatchRecord
	if err := json.Unmarshal(entry.payload, &record); err != nil {
		return MatchRecord{}, false, err
	}
	return record, true, nil
}

func (d *Document) decodeTable(id string) (TableRecord, bool, error) {
	entry, found := d.tables[id]
	if !found {
		return TableRecord{}, false, nil
	}
	var record TableRecord
	if err := json.Unmarshal(entry.payload, &record); err != nil {
		return TableRecord{}, false, err
	}
	return record, true, nil
}

// Player returns the current record for a player id.
func (d *Document) Player(playerID string) (PlayerRecord, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	record, found, err := d.decodePlayer(playerID)
	if err != nil {
		return PlayerRecord{}, false
	}
	return record, found
}

// Match returns the current record for a match id.
func (d *Document) Match(matchID string) (MatchRecord, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	record, found, err := d.decodeMatch(matchID)
	if err != nil {
		return MatchRecord{}, false
	}
	return record, found
}

// Table returns the current record for a table id.
func (d *Document) Table(tableID string) (TableRecord, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	record, found, err := d.decodeTable(tableID)
	if err != nil {
		return TableRecord{}, false
	}
	return record, found
}

// TournamentAttr returns one tournament attribute value.
func (d *Document) TournamentAttr(key string) (string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	entry, found := d.tournament[key]
	if !found {
		return "", false
	}
	var value string
	if err := json.Unmarshal(entry.payload, &value); err != nil {
		return "", false
	}
	return value, true
}

// Players returns a copy of every player record keyed by id.
func (d *Document) Players() map[string]PlayerRecord {
	d.mu.Lock()
	defer d.mu.Unlock()
	result := make(map[string]PlayerRecord, len(d.players))
	for id := range d.players {
		record, found, err := d.decodePlayer(id)
		if err != nil || !found {
			continue
		}
		result[id] = record
	}
	return result
}

// Events returns the merged event log. Per-origin order is always
// preserved; the cross-origin interleaving is the deterministic logical
// clock order every replica agrees on.
func (d *Document) Events() []Event {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sortedEvents()
}

func (d *Document) sortedEvents() []Event {
	var all []Event
	for _, bySeq := range d.events {
		for _, event := range bySeq {
			all = append(all, event)
		}
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].Counter != all[j].Counter {
			return all[i].Counter < all[j].Counter
		}
		if all[i].OriginClient != all[j].OriginClient {
			return all[i].OriginClient < all[j].OriginClient
		}
		return all[i].Seq < all[j].Seq
	})
	return all
}

// Stats summarizes entity counts for operational visibility.
func (d *Document) Stats() map[string]string {
	d.mu.Lock()
	defer d.mu.Unlock()
	eventCount := 0
	for _, bySeq := range d.events {
		eventCount += len(bySeq)
	}
	return map[string]string{
		"players": strconv.Itoa(len(d.players)),
		"matches": strconv.Itoa(len(d.matches)),
		"tables":  strconv.Itoa(len(d.tables)),
		"events":  strconv.Itoa(eventCount),
	}
}
