// Package hub implements the room-keyed realtime fanout. Each counseling
// session maps to one room; every event delivered to a room reaches all
// current members. Delivery is at-least-once per member: a member whose
// outbound buffer is full is dropped from the room rather than stalling
// the broadcast for everyone else.
package hub

import (
	"context"
	"encoding/json"
	"sync"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/campuswell/counselchat/internal/constants"
	"github.com/campuswell/counselchat/internal/message"
	"github.com/campuswell/counselchat/internal/metrics"
	"github.com/campuswell/counselchat/internal/util"
)

// Subscriber is a room member capable of receiving raw event frames.
// Deliver must never block; it returns false when the frame was dropped.
type Subscriber interface {
	ID() string
	Deliver(data []byte) bool
}

// envelope wraps events published across instances via Redis. Origin lets an
// instance skip frames it already fanned out locally.
type envelope struct {
	Origin  string          `json:"origin"`
	ChatID  string          `json:"chat_id"`
	Payload json.RawMessage `json:"payload"`
}

// Hub routes events to rooms. Safe for concurrent use.
type Hub struct {
	rooms      map[string]map[string]Subscriber
	mu         sync.RWMutex
	logger     zerolog.Logger
	rdb        *redis.Client
	instanceID string
	cancel     context.CancelFunc
}

// New creates a hub. rdb may be nil; with a Redis client, events published on
// one instance are re-broadcast to room members on every other instance.
func New(logger zerolog.Logger, rdb *redis.Client) *Hub {
	instanceID, err := gonanoid.New()
	if err != nil {
		instanceID = "local"
	}
	return &Hub{
		rooms:      make(map[string]map[string]Subscriber),
		logger:     logger.With().Str("component", "hub").Logger(),
		rdb:        rdb,
		instanceID: instanceID,
	}
}

// Start launches the cross-instance subscription loop when Redis is
// configured. No-op otherwise.
func (h *Hub) Start(ctx context.Context) {
	if h.rdb == nil {
		return
	}

	runCtx, cancel := context.WithCancel(ctx)
	h.cancel = cancel

	pubsub := h.rdb.PSubscribe(runCtx, constants.RedisChannelPrefix+"*")
	util.SafeGo(h.logger, "hub.redisLoop", func() {
		defer pubsub.Close()
		ch := pubsub.Channel()
		for {
			select {
			case <-runCtx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				h.handleRemote([]byte(msg.Payload))
			}
		}
	})

	h.logger.Info().Str("instance_id", h.instanceID).Msg("Cross-instance fanout enabled")
}

// Stop terminates the Redis subscription loop.
func (h *Hub) Stop() {
	if h.cancel != nil {
		h.cancel()
	}
}

// Join adds a subscriber to a room, creating the room on first member.
// Joining twice with the same subscriber ID is a no-op.
func (h *Hub) Join(chatID string, sub Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()

	room, ok := h.rooms[chatID]
	if !ok {
		room = make(map[string]Subscriber)
		h.rooms[chatID] = room
	}
	if _, exists := room[sub.ID()]; exists {
		return
	}
	room[sub.ID()] = sub
	metrics.RoomMembers.Inc()

	h.logger.Debug().
		Str("chat_id", chatID).
		Str("subscriber_id", sub.ID()).
		Int("members", len(room)).
		Msg("Subscriber joined room")
}

// Leave removes a subscriber from a room. Empty rooms are deleted.
func (h *Hub) Leave(chatID string, sub Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(chatID, sub.ID())
}

// LeaveAll removes a subscriber from every room it is a member of.
// Used when a connection drops without sending explicit leave frames.
func (h *Hub) LeaveAll(sub Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for chatID := range h.rooms {
		h.removeLocked(chatID, sub.ID())
	}
}

func (h *Hub) removeLocked(chatID, subID string) {
	room, ok := h.rooms[chatID]
	if !ok {
		return
	}
	if _, exists := room[subID]; !exists {
		return
	}
	delete(room, subID)
	metrics.RoomMembers.Dec()
	if len(room) == 0 {
		delete(h.rooms, chatID)
	}
}

// Members returns the current member count of a room.
func (h *Hub) Members(chatID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[chatID])
}

// Publish delivers an event to every member of the event's room, then relays
// it to other instances when Redis is configured. Events without a room key
// are dropped.
func (h *Hub) Publish(ctx context.Context, evt *message.Event) {
	if evt == nil || evt.ChatID == "" {
		return
	}

	data, err := json.Marshal(evt)
	if err != nil {
		h.logger.Error().Err(err).Str("type", string(evt.Type)).Msg("Failed to marshal event")
		metrics.MessageErrors.Inc()
		return
	}

	h.deliverLocal(evt.ChatID, data)
	metrics.EventsPublished.With(prometheus.Labels{"type": string(evt.Type)}).Inc()

	if h.rdb == nil {
		return
	}

	env := envelope{Origin: h.instanceID, ChatID: evt.ChatID, Payload: data}
	raw, err := json.Marshal(&env)
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to marshal relay envelope")
		return
	}
	if err := h.rdb.Publish(ctx, constants.RedisChannelPrefix+evt.ChatID, raw).Err(); err != nil {
		// Local members already got the event; only remote delivery is lost.
		h.logger.Warn().Err(err).Str("chat_id", evt.ChatID).Msg("Failed to relay event to Redis")
	}
}

// deliverLocal fans a frame out to the room's current members. Members that
// cannot accept the frame are evicted from the room; their connection teardown
// handles the rest.
func (h *Hub) deliverLocal(chatID string, data []byte) {
	h.mu.RLock()
	room := h.rooms[chatID]
	members := make([]Subscriber, 0, len(room))
	for _, sub := range room {
		members = append(members, sub)
	}
	h.mu.RUnlock()

	var stale []string
	for _, sub := range members {
		if !sub.Deliver(data) {
			stale = append(stale, sub.ID())
			h.logger.Warn().
				Str("chat_id", chatID).
				Str("subscriber_id", sub.ID()).
				Msg("Dropped slow or closed subscriber")
		}
	}

	if len(stale) > 0 {
		h.mu.Lock()
		for _, id := range stale {
			h.removeLocked(chatID, id)
		}
		h.mu.Unlock()
	}
}

// handleRemote fans out a frame relayed from another instance.
func (h *Hub) handleRemote(raw []byte) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		h.logger.Warn().Err(err).Msg("Discarding malformed relay envelope")
		return
	}
	if env.Origin == h.instanceID {
		return
	}
	h.deliverLocal(env.ChatID, env.Payload)
}
