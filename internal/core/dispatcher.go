package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/vovakirdan/voicechat/internal/audio"
	"github.com/vovakirdan/voicechat/internal/metrics"
	"github.com/vovakirdan/voicechat/internal/proto"
	"github.com/vovakirdan/voicechat/internal/transport"
)

// hook is an internal observer that runs before application handlers and
// cannot be removed through OffMessage.
type hook func(env proto.Envelope)

// Dispatcher routes incoming envelopes and publishes outgoing ones.
type Dispatcher struct {
	session   *Session
	presence  *Presence
	handlers  *Handlers
	transport *transport.Transport
	log       *zerolog.Logger
	metrics   *metrics.Metrics
	now       func() time.Time

	hookMu sync.RWMutex
	hooks  map[proto.EventType][]hook

	lastMu sync.RWMutex
	last   *proto.Envelope
}

// NewDispatcher wires a dispatcher over the given registries.
func NewDispatcher(session *Session, presence *Presence, handlers *Handlers, tr *transport.Transport, logger *zerolog.Logger, m *metrics.Metrics) *Dispatcher {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &Dispatcher{
		session:   session,
		presence:  presence,
		handlers:  handlers,
		transport: tr,
		log:       logger,
		metrics:   m,
		now:       time.Now,
		hooks:     make(map[proto.EventType][]hook),
	}
}

func (d *Dispatcher) addHook(t proto.EventType, h hook) {
	d.hookMu.Lock()
	d.hooks[t] = append(d.hooks[t], h)
	d.hookMu.Unlock()
}

// LastMessage returns the most recent envelope received from another session.
func (d *Dispatcher) LastMessage() (proto.Envelope, bool) {
	d.lastMu.RLock()
	defer d.lastMu.RUnlock()
	if d.last == nil {
		return proto.Envelope{}, false
	}
	return *d.last, true
}

// Handle processes one envelope from the transport. Handler failures are
// logged and returned joined; they never stop other handlers.
func (d *Dispatcher) Handle(env proto.Envelope) error {
	if env.SessionID == d.session.ID() {
		d.metrics.Dropped(metrics.DropSelfEcho)
		return nil
	}

	d.lastMu.Lock()
	cp := env
	d.last = &cp
	d.lastMu.Unlock()

	switch env.Type {
	case proto.TypePresenceRequest:
		d.announce(context.Background(), proto.StatusOnline)
		return nil
	case proto.TypeOnlineStatus:
		d.applyStatus(env)
	case proto.TypeNewMessage:
		env.Data = d.restoreAudio(env)
	}

	return d.fanOut(env)
}

// Publish sends an envelope to peers and, with echoSelf, also delivers it to
// local handlers on the caller's goroutine. An empty roomID means the current room.
func (d *Dispatcher) Publish(ctx context.Context, t proto.EventType, data any, roomID string, echoSelf bool) error {
	if t == "" {
		return coreError(ErrCodeBadRequest, ErrBadRequest, "event type is required")
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return coreError(ErrCodeBadRequest, fmt.Errorf("%w: %w", ErrBadRequest, err), "marshal %s payload: %v", t, err)
	}
	if roomID == "" {
		roomID = d.session.CurrentRoomID()
	}

	env := proto.Envelope{
		Type:      t,
		Data:      raw,
		Timestamp: d.now().UnixMilli(),
		SenderID:  d.session.UserID(),
		SessionID: d.session.ID(),
		RoomID:    roomID,
	}

	d.transport.Send(ctx, env)
	if echoSelf {
		if err := d.fanOut(env); err != nil {
			d.log.Debug().Err(err).Str("type", string(t)).Msg("local delivery had handler failures")
		}
	}
	return nil
}

func (d *Dispatcher) announce(ctx context.Context, status proto.Status) {
	id := d.session.Identity()
	data := proto.OnlineStatusData{
		Status:    status,
		UserID:    id.UserID,
		SessionID: id.SessionID,
		RoomID:    d.session.CurrentRoomID(),
		Nickname:  id.Nickname,
	}
	if err := d.Publish(ctx, proto.TypeOnlineStatus, data, "", false); err != nil {
		d.log.Warn().Err(err).Msg("announce presence")
	}
}

func (d *Dispatcher) requestPresence(ctx context.Context) {
	data := proto.PresenceRequestData{
		RequesterID:        d.session.UserID(),
		RequesterSessionID: d.session.ID(),
	}
	if err := d.Publish(ctx, proto.TypePresenceRequest, data, "", false); err != nil {
		d.log.Warn().Err(err).Msg("request presence")
	}
}

func (d *Dispatcher) applyStatus(env proto.Envelope) {
	var data proto.OnlineStatusData
	if err := json.Unmarshal(env.Data, &data); err != nil {
		d.metrics.Dropped(metrics.DropDecode)
		d.log.Debug().Err(err).Msg("drop malformed online status")
		return
	}
	userID := data.UserID
	if userID == "" {
		userID = env.SenderID
	}
	sessionID := data.SessionID
	if sessionID == "" {
		sessionID = env.SessionID
	}

	switch data.Status {
	case proto.StatusOnline:
		d.presence.MarkOnline(userID, sessionID)
	case proto.StatusOffline:
		d.presence.MarkOffline(userID, sessionID)
	}
}

// restoreAudio rebuilds the message audio from its wire form and fills in a
// missing room id. Undecodable payloads pass through untouched.
func (d *Dispatcher) restoreAudio(env proto.Envelope) json.RawMessage {
	var payload proto.NewMessageData
	if err := json.Unmarshal(env.Data, &payload); err != nil {
		d.log.Debug().Err(err).Msg("new message payload not decodable")
		return env.Data
	}

	msg := payload.Message
	if msg.Audio == nil && payload.Wire != nil {
		blob, err := audio.Decode(*payload.Wire)
		if err != nil {
			d.metrics.Dropped(metrics.DropAudio)
			d.log.Warn().Err(err).Str("message_id", msg.ID).Msg("audio reconstruction failed")
			blob = audio.EmptyBlob()
		}
		msg.Audio = blob
	}
	if msg.RoomID == "" {
		msg.RoomID = env.RoomID
	}

	raw, err := json.Marshal(proto.NewMessageData{Message: msg})
	if err != nil {
		d.log.Warn().Err(err).Str("message_id", msg.ID).Msg("re-encode new message")
		return env.Data
	}
	return raw
}

func (d *Dispatcher) fanOut(env proto.Envelope) error {
	d.hookMu.RLock()
	hooks := append([]hook(nil), d.hooks[env.Type]...)
	d.hookMu.RUnlock()
	for _, h := range hooks {
		h(env)
	}

	var errs []error
	for _, entry := range d.handlers.snapshot(env.Type) {
		if err := invoke(entry.fn, env.Data); err != nil {
			herr := &HandlerError{Type: env.Type, ID: entry.id, Err: err}
			d.metrics.HandlerFailed(env.Type)
			d.log.Warn().Err(err).Str("type", string(env.Type)).Uint64("handler", uint64(entry.id)).Msg("handler failed")
			errs = append(errs, herr)
		}
	}
	return errors.Join(errs...)
}
