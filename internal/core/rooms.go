package core

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/vovakirdan/voicechat/internal/proto"
	"github.com/vovakirdan/voicechat/internal/utils"
)

// RoomDirectory answers whether a room id is known to exist.
type RoomDirectory interface {
	RoomExists(id string) bool
}

// RoomInfo is a catalog entry.
type RoomInfo struct {
	ID   string
	Name string
}

// MembershipKind distinguishes remote room transitions.
type MembershipKind int

const (
	// MemberJoined reports a remote session entering the current room.
	MemberJoined MembershipKind = iota
	// MemberLeft reports a remote session leaving the current room.
	MemberLeft
)

func (k MembershipKind) String() string {
	if k == MemberJoined {
		return "joined"
	}
	return "left"
}

// Membership describes a remote session's room transition.
type Membership struct {
	Kind      MembershipKind
	RoomID    string
	UserID    string
	SessionID string
	Nickname  string
	At        time.Time
}

// RoomCoordinator drives the NoRoom/InRoom state machine of a session and
// keeps the catalog of rooms seen on the channel.
type RoomCoordinator struct {
	session    *Session
	dispatcher *Dispatcher
	log        *zerolog.Logger

	mu      sync.RWMutex
	catalog map[string]string
	dir     RoomDirectory

	watchMu  sync.Mutex
	watchers map[int]func(Membership)
	nextID   int
}

// NewRoomCoordinator creates a coordinator and registers its internal hooks on d.
func NewRoomCoordinator(session *Session, d *Dispatcher, logger *zerolog.Logger) *RoomCoordinator {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	rc := &RoomCoordinator{
		session:    session,
		dispatcher: d,
		log:        logger,
		catalog:    make(map[string]string),
		watchers:   make(map[int]func(Membership)),
	}
	d.addHook(proto.TypeRoomCreated, rc.onRoomCreated)
	d.addHook(proto.TypeRoomJoined, func(env proto.Envelope) { rc.onMembership(MemberJoined, env) })
	d.addHook(proto.TypeRoomLeft, func(env proto.Envelope) { rc.onMembership(MemberLeft, env) })
	return rc
}

// SetDirectory replaces the room existence check. nil restores the catalog.
func (rc *RoomCoordinator) SetDirectory(dir RoomDirectory) {
	rc.mu.Lock()
	rc.dir = dir
	rc.mu.Unlock()
}

// Remember adds a room to the catalog.
func (rc *RoomCoordinator) Remember(id, name string) {
	if id == "" {
		return
	}
	rc.mu.Lock()
	if name == "" {
		name = rc.catalog[id]
	}
	rc.catalog[id] = name
	rc.mu.Unlock()
}

// RoomExists reports whether id is in the catalog.
func (rc *RoomCoordinator) RoomExists(id string) bool {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	_, ok := rc.catalog[id]
	return ok
}

// Rooms returns the catalog sorted by id.
func (rc *RoomCoordinator) Rooms() []RoomInfo {
	rc.mu.RLock()
	out := make([]RoomInfo, 0, len(rc.catalog))
	for id, name := range rc.catalog {
		out = append(out, RoomInfo{ID: id, Name: name})
	}
	rc.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (rc *RoomCoordinator) exists(id string) bool {
	rc.mu.RLock()
	dir := rc.dir
	rc.mu.RUnlock()
	if dir != nil {
		return dir.RoomExists(id)
	}
	return rc.RoomExists(id)
}

// Join enters roomID, leaving the previous room first. Joining the current
// room again re-announces ROOM_JOINED.
func (rc *RoomCoordinator) Join(ctx context.Context, roomID string) error {
	if !rc.session.Authenticated() {
		return coreError(ErrCodeNotAuthenticated, ErrNotAuthenticated, "join %s: session is not authenticated", roomID)
	}
	if roomID == "" || !rc.exists(roomID) {
		return coreError(ErrCodeRoomNotFound, ErrRoomNotFound, "room %q not found", roomID)
	}

	prev := rc.session.CurrentRoomID()
	if prev != "" && prev != roomID {
		// The leave is applied from NoRoom, before the new room is set.
		rc.session.clearRoomIf(prev)
		if err := rc.dispatcher.Publish(ctx, proto.TypeRoomLeft, rc.roomEvent(prev), prev, true); err != nil {
			return err
		}
	}
	rc.session.swapRoom(roomID)
	rc.log.Debug().Str("room_id", roomID).Str("previous", prev).Msg("room joined")
	return rc.dispatcher.Publish(ctx, proto.TypeRoomJoined, rc.roomEvent(roomID), roomID, true)
}

// Leave exits the current room.
func (rc *RoomCoordinator) Leave(ctx context.Context) error {
	current := rc.session.CurrentRoomID()
	if current == "" {
		return coreError(ErrCodeNoActiveRoom, ErrNoActiveRoom, "no active room")
	}
	return rc.LeaveRoom(ctx, current)
}

// LeaveRoom announces leaving roomID and clears the current room when it matches.
func (rc *RoomCoordinator) LeaveRoom(ctx context.Context, roomID string) error {
	if roomID == "" {
		return coreError(ErrCodeNoActiveRoom, ErrNoActiveRoom, "no room to leave")
	}
	rc.session.clearRoomIf(roomID)
	rc.log.Debug().Str("room_id", roomID).Msg("room left")
	return rc.dispatcher.Publish(ctx, proto.TypeRoomLeft, rc.roomEvent(roomID), roomID, true)
}

// Create makes a room with a generated id and announces it.
func (rc *RoomCoordinator) Create(ctx context.Context, name string) (string, error) {
	return rc.CreateRoom(ctx, utils.NewID("room"), name)
}

// CreateRoom records id in the catalog and announces ROOM_CREATED to peers
// and local handlers.
func (rc *RoomCoordinator) CreateRoom(ctx context.Context, id, name string) (string, error) {
	if id == "" {
		id = utils.NewID("room")
	}
	rc.Remember(id, name)

	ident := rc.session.Identity()
	data := proto.RoomCreatedData{
		UserID:    ident.UserID,
		SessionID: ident.SessionID,
		RoomID:    id,
		RoomName:  name,
		Nickname:  ident.Nickname,
	}
	if err := rc.dispatcher.Publish(ctx, proto.TypeRoomCreated, data, id, true); err != nil {
		return "", err
	}
	return id, nil
}

// OnMembership registers fn for remote transitions in the current room. The
// returned function unregisters it.
func (rc *RoomCoordinator) OnMembership(fn func(Membership)) func() {
	rc.watchMu.Lock()
	id := rc.nextID
	rc.nextID++
	rc.watchers[id] = fn
	rc.watchMu.Unlock()

	return func() {
		rc.watchMu.Lock()
		delete(rc.watchers, id)
		rc.watchMu.Unlock()
	}
}

func (rc *RoomCoordinator) roomEvent(roomID string) proto.RoomEventData {
	ident := rc.session.Identity()
	return proto.RoomEventData{
		UserID:    ident.UserID,
		SessionID: ident.SessionID,
		RoomID:    roomID,
		Nickname:  ident.Nickname,
	}
}

func (rc *RoomCoordinator) onRoomCreated(env proto.Envelope) {
	var data proto.RoomCreatedData
	if err := json.Unmarshal(env.Data, &data); err != nil {
		rc.log.Debug().Err(err).Msg("malformed room created")
		return
	}
	id := data.RoomID
	if id == "" {
		id = env.RoomID
	}
	rc.Remember(id, data.RoomName)
}

func (rc *RoomCoordinator) onMembership(kind MembershipKind, env proto.Envelope) {
	if env.SessionID == rc.session.ID() {
		return
	}
	var data proto.RoomEventData
	if err := json.Unmarshal(env.Data, &data); err != nil {
		rc.log.Debug().Err(err).Msg("malformed room event")
		return
	}
	roomID := data.RoomID
	if roomID == "" {
		roomID = env.RoomID
	}
	if roomID == "" || roomID != rc.session.CurrentRoomID() {
		return
	}
	userID := data.UserID
	if userID == "" {
		userID = env.SenderID
	}

	m := Membership{
		Kind:      kind,
		RoomID:    roomID,
		UserID:    userID,
		SessionID: env.SessionID,
		Nickname:  data.Nickname,
		At:        env.Time(),
	}

	rc.watchMu.Lock()
	watchers := make([]func(Membership), 0, len(rc.watchers))
	for _, fn := range rc.watchers {
		watchers = append(watchers, fn)
	}
	rc.watchMu.Unlock()

	for _, fn := range watchers {
		fn(m)
	}
}
