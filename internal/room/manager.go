package room

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/bracketlab/livesync/internal/document"
	"github.com/bracketlab/livesync/internal/orgs"
	"go.uber.org/zap"
)

const (
	opCreateRoom   = "room.get_or_create"
	opAttach       = "room.attach_connection"
	opTeardown     = "room.teardown"
	opDestroy      = "room.destroy"
	fieldRoomID    = "room_id"
	fieldOrgID     = "org_id"
	fieldUserID    = "user_id"
	fieldMemberID  = "member_id"
	reasonQuota    = "quota_exceeded"
	reasonBanned   = "user_banned"
	reasonClosed   = "room_closed"
	reasonSlowPeer = "slow_consumer"

	defaultGracePeriod = 10 * time.Second
)

// ErrRoomClosed indicates an operation raced with room teardown.
var ErrRoomClosed = errors.New("room: room closed")

// Persistence is the storage seam rooms save through.
type Persistence interface {
	LoadSnapshot(ctx context.Context, docID string) ([]byte, bool, error)
	MarkDirty(docID string, encode func() []byte)
	FlushSnapshot(ctx context.Context, docID string, snapshot []byte) error
}

// PolicySource resolves per-org access policy. Optional; a nil source
// means no bans and no quota overrides.
type PolicySource interface {
	Policy(ctx context.Context, orgID string) (orgs.Policy, error)
}

// Config describes quotas and dependencies for the room registry.
type Config struct {
	MaxRooms              int
	MaxRoomsPerOrg        int
	MaxConnectionsPerRoom int
	GracePeriod           time.Duration
	Persistence           Persistence
	Policies              PolicySource
	Logger                *zap.Logger
	Clock                 func() time.Time
}

// Stats aggregates registry-wide counts for the public health surface.
type Stats struct {
	RoomCount       int
	ConnectionCount int
}

// OrgStats aggregates counts scoped to one organization. It never includes
// other tenants' rooms.
type OrgStats struct {
	OrgID           string
	RoomCount       int
	ConnectionCount int
}

// Manager owns the lifecycle of every active room. The registry map has
// its own lock; per-room state is guarded by each room's lock so
// operations on different rooms never contend.
type Manager struct {
	config Config
	logger *zap.Logger
	clock  func() time.Time

	mu        sync.Mutex
	rooms     map[string]*Room
	destroyed bool
}

// NewManager constructs an empty room registry.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Persistence == nil {
		return nil, errors.New("room: persistence required")
	}
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = defaultGracePeriod
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Manager{
		config: cfg,
		logger: logger,
		clock:  clock,
		rooms:  make(map[string]*Room),
	}, nil
}

// GetOrCreateRoom returns the live room for a tournament, creating it on
// first use. It returns nil (not an error) when a configured quota is
// exceeded; callers surface that as a polite try-later rejection.
func (m *Manager) GetOrCreateRoom(ctx context.Context, roomID, tournamentID, orgID string) (*Room, error) {
	m.mu.Lock()
	if m.destroyed {
		m.mu.Unlock()
		return nil, ErrRoomClosed
	}
	if existing, found := m.rooms[roomID]; found {
		m.mu.Unlock()
		return existing, nil
	}
	m.mu.Unlock()

	// Policy lookups can hit the database; keep them off the registry
	// lock so one org's slow policy never stalls other tenants.
	maxRoomsPerOrg := m.config.MaxRoomsPerOrg
	policy, policyErr := m.orgPolicy(ctx, orgID)
	if policyErr != nil {
		return nil, policyErr
	}
	if policy.MaxRoomsOverride > 0 {
		maxRoomsPerOrg = policy.MaxRoomsOverride
	}

	doc, err := document.New(document.Config{
		ClientID: "server:" + roomID,
		Clock:    m.clock,
	})
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	if m.destroyed {
		m.mu.Unlock()
		return nil, ErrRoomClosed
	}
	if existing, found := m.rooms[roomID]; found {
		m.mu.Unlock()
		return existing, nil
	}
	if m.config.MaxRooms > 0 && len(m.rooms) >= m.config.MaxRooms {
		m.mu.Unlock()
		m.logger.Info("room creation rejected",
			zap.String("op", opCreateRoom),
			zap.String("reason", reasonQuota),
			zap.String(fieldRoomID, roomID))
		return nil, nil
	}
	if maxRoomsPerOrg > 0 && m.orgRoomCountLocked(orgID) >= maxRoomsPerOrg {
		m.mu.Unlock()
		m.logger.Info("room creation rejected for org",
			zap.String("op", opCreateRoom),
			zap.String("reason", reasonQuota),
			zap.String(fieldRoomID, roomID),
			zap.String(fieldOrgID, orgID))
		return nil, nil
	}

	created := &Room{
		ID:           roomID,
		TournamentID: tournamentID,
		OrgID:        orgID,
		doc:          doc,
		members:      make(map[string]Member),
	}
	m.rooms[roomID] = created
	// Holding the room lock through the restore keeps early attachers
	// from observing a pre-restore document.
	created.mu.Lock()
	m.mu.Unlock()
	defer created.mu.Unlock()

	if snapshot, found, loadErr := m.config.Persistence.LoadSnapshot(ctx, roomID); loadErr != nil {
		m.logger.Warn("snapshot resume failed, starting empty",
			zap.String("op", opCreateRoom),
			zap.String(fieldRoomID, roomID),
			zap.Error(loadErr))
	} else if found {
		if restoreErr := doc.LoadSnapshot(snapshot); restoreErr != nil {
			m.logger.Warn("stored snapshot unreadable, starting empty",
				zap.String("op", opCreateRoom),
				zap.String(fieldRoomID, roomID),
				zap.Error(restoreErr))
		}
	}
	doc.OnChange(func() {
		m.config.Persistence.MarkDirty(roomID, doc.EncodeSnapshot)
	})

	m.logger.Info("room created",
		zap.String("op", opCreateRoom),
		zap.String(fieldRoomID, roomID),
		zap.String(fieldOrgID, orgID))
	return created, nil
}

// AttachConnection adds a member to a room. It returns false for every
// expected denial: per-room connection quota, banned user, or a room that
// closed between lookup and attach.
func (m *Manager) AttachConnection(ctx context.Context, r *Room, member Member, authCtx AuthContext) bool {
	policy, err := m.orgPolicy(ctx, r.OrgID)
	if err == nil && policy.IsBanned(authCtx.UserID) {
		m.logger.Info("attach rejected",
			zap.String("op", opAttach),
			zap.String("reason", reasonBanned),
			zap.String(fieldRoomID, r.ID),
			zap.String(fieldUserID, authCtx.UserID))
		return false
	}

	maxConnections := m.config.MaxConnectionsPerRoom
	if err == nil && policy.MaxConnsPerRoomOverride > 0 {
		maxConnections = policy.MaxConnsPerRoomOverride
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		m.logger.Info("attach rejected",
			zap.String("op", opAttach),
			zap.String("reason", reasonClosed),
			zap.String(fieldRoomID, r.ID))
		return false
	}
	if maxConnections > 0 && len(r.members) >= maxConnections {
		m.logger.Info("attach rejected",
			zap.String("op", opAttach),
			zap.String("reason", reasonQuota),
			zap.String(fieldRoomID, r.ID))
		return false
	}
	r.cancelGraceLocked()
	r.members[member.ID()] = member
	return true
}

// DetachConnection removes a member from its room. Safe to call for
// members that never fully attached, and safe to call twice. The last
// detach arms the grace timer instead of tearing down immediately so a
// quick reconnect keeps the room warm.
func (m *Manager) DetachConnection(r *Room, memberID string) {
	if r == nil || memberID == "" {
		return
	}
	r.mu.Lock()
	if _, found := r.members[memberID]; found {
		delete(r.members, memberID)
	}
	empty := len(r.members) == 0 && !r.closed
	if empty && r.graceTimer == nil {
		r.graceTimer = time.AfterFunc(m.config.GracePeriod, func() {
			m.teardownIfEmpty(r)
		})
	}
	r.mu.Unlock()
}

// HandleUpdate merges a member's update into the room document and relays
// it to the other members in merge order. Persistence is debounced off
// this path; a slow disk never delays peers.
func (m *Manager) HandleUpdate(r *Room, originID string, update []byte) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrRoomClosed
	}
	if err := r.doc.ApplyUpdate(update); err != nil {
		r.mu.Unlock()
		return err
	}
	dropped := r.broadcastLocked(originID, update)
	r.mu.Unlock()

	for _, member := range dropped {
		m.logger.Warn("dropping slow room member",
			zap.String("reason", reasonSlowPeer),
			zap.String(fieldRoomID, r.ID),
			zap.String(fieldMemberID, member.ID()))
		member.Kick(reasonSlowPeer)
	}
	return nil
}

// ApplyServerWrite performs a server-initiated document write and relays
// the resulting update to every member.
func (m *Manager) ApplyServerWrite(r *Room, write func(doc *document.Document) error) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrRoomClosed
	}
	if err := write(r.doc); err != nil {
		r.mu.Unlock()
		return err
	}
	update := r.doc.EncodeUpdate()
	var dropped []Member
	if update != nil {
		dropped = r.broadcastLocked("", update)
	}
	r.mu.Unlock()

	for _, member := range dropped {
		member.Kick(reasonSlowPeer)
	}
	return nil
}

// teardownIfEmpty finalizes a room whose grace period expired with no
// members: flush the final snapshot, mark the room closed, drop it from
// the registry.
func (m *Manager) teardownIfEmpty(r *Room) {
	r.mu.Lock()
	if r.closed || len(r.members) > 0 {
		r.graceTimer = nil
		r.mu.Unlock()
		return
	}
	r.closed = true
	r.graceTimer = nil
	snapshot := r.doc.EncodeSnapshot()
	r.mu.Unlock()

	if err := m.config.Persistence.FlushSnapshot(context.Background(), r.ID, snapshot); err != nil {
		m.logger.Error("final snapshot flush failed",
			zap.String("op", opTeardown),
			zap.String(fieldRoomID, r.ID),
			zap.Error(err))
	}

	m.mu.Lock()
	if current, found := m.rooms[r.ID]; found && current == r {
		delete(m.rooms, r.ID)
	}
	m.mu.Unlock()

	m.logger.Info("room torn down",
		zap.String("op", opTeardown),
		zap.String(fieldRoomID, r.ID))
}

// PublicStats returns registry-wide counts.
func (m *Manager) PublicStats() Stats {
	m.mu.Lock()
	rooms := make([]*Room, 0, len(m.rooms))
	for _, r := range m.rooms {
		rooms = append(rooms, r)
	}
	m.mu.Unlock()

	stats := Stats{RoomCount: len(rooms)}
	for _, r := range rooms {
		stats.ConnectionCount += r.MemberCount()
	}
	return stats
}

// AdminStats returns counts scoped to one organization.
func (m *Manager) AdminStats(orgID string) OrgStats {
	m.mu.Lock()
	var rooms []*Room
	for _, r := range m.rooms {
		if r.OrgID == orgID {
			rooms = append(rooms, r)
		}
	}
	m.mu.Unlock()

	stats := OrgStats{OrgID: orgID, RoomCount: len(rooms)}
	for _, r := range rooms {
		stats.ConnectionCount += r.MemberCount()
	}
	return stats
}

// Destroy drains every room: members are kicked, final snapshots flushed,
// and the registry emptied. Used on process shutdown.
func (m *Manager) Destroy(ctx context.Context) {
	m.mu.Lock()
	m.destroyed = true
	rooms := make([]*Room, 0, len(m.rooms))
	for _, r := range m.rooms {
		rooms = append(rooms, r)
	}
	m.rooms = make(map[string]*Room)
	m.mu.Unlock()

	for _, r := range rooms {
		r.mu.Lock()
		r.closed = true
		r.cancelGraceLocked()
		members := make([]Member, 0, len(r.members))
		for _, member := range r.members {
			members = append(members, member)
		}
		r.members = make(map[string]Member)
		snapshot := r.doc.EncodeSnapshot()
		r.mu.Unlock()

		for _, member := range members {
			member.Kick("shutting down")
		}
		if err := m.config.Persistence.FlushSnapshot(ctx, r.ID, snapshot); err != nil {
			m.logger.Error("shutdown snapshot flush failed",
				zap.String("op", opDestroy),
				zap.String(fieldRoomID, r.ID),
				zap.Error(err))
		}
	}
}

func (m *Manager) orgRoomCountLocked(orgID string) int {
	count := 0
	for _, r := range m.rooms {
		if r.OrgID == orgID {
			count++
		}
	}
	return count
}

func (m *Manager) orgPolicy(ctx context.Context, orgID string) (orgs.Policy, error) {
	if m.config.Policies == nil {
		return orgs.Policy{}, nil
	}
	return m.config.Policies.Policy(ctx, orgID)
}
