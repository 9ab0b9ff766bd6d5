package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/campuswell/counselchat/internal/message"
)

// seenWindow bounds the dedup set; ids older than this many events are
// forgotten. Duplicates arrive close together (reconnect replays, dual
// fanout paths), so a small window is sufficient.
const seenWindow = 1024

// Subscription is a live event stream for one or more session rooms.
type Subscription struct {
	// Events delivers deduplicated server frames. Closed when the
	// subscription ends.
	Events <-chan *message.Event

	conn   *websocket.Conn
	cancel context.CancelFunc
}

// Close tears down the subscription.
func (s *Subscription) Close() error {
	s.cancel()
	return s.conn.Close()
}

// dedupSet remembers recently seen message identities with bounded memory.
type dedupSet struct {
	seen  map[string]struct{}
	order []string
}

func newDedupSet() *dedupSet {
	return &dedupSet{seen: make(map[string]struct{})}
}

// observe records a key, reporting whether it was already present.
func (d *dedupSet) observe(key string) bool {
	if _, dup := d.seen[key]; dup {
		return true
	}
	d.seen[key] = struct{}{}
	d.order = append(d.order, key)
	if len(d.order) > seenWindow {
		oldest := d.order[0]
		d.order = d.order[1:]
		delete(d.seen, oldest)
	}
	return false
}

// dedupKey identifies a message. The server-assigned id is authoritative;
// the (sender, timestamp, content) fallback only covers frames from servers
// that predate id assignment. Wall-clock ordering is never used.
func dedupKey(msg *message.Message) string {
	if msg.ID != "" {
		return msg.ID
	}
	return fmt.Sprintf("%s|%d|%s", msg.Sender, msg.Timestamp.UnixNano(), msg.Content)
}

// Subscribe opens the realtime channel and joins the given session rooms.
// Delivered new_message events are deduplicated by server-assigned id, so
// at-least-once fanout upstream becomes exactly-once for the consumer.
// Dialing retries transient failures under the client's backoff policy.
func (c *Client) Subscribe(ctx context.Context, chatIDs ...string) (*Subscription, error) {
	wsURL := c.websocketURL()

	header := http.Header{}
	if c.auth != nil {
		header.Set("Authorization", "Bearer "+c.auth.Token())
	}

	var conn *websocket.Conn
	var lastErr error
	maxAttempts := c.backoff.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		var err error
		conn, _, err = websocket.DefaultDialer.DialContext(ctx, wsURL, header)
		if err == nil {
			break
		}
		lastErr = fmt.Errorf("failed to dial websocket: %w", err)
		if attempt == maxAttempts {
			return nil, lastErr
		}
		if serr := sleep(ctx, c.backoff.Delay(attempt)); serr != nil {
			return nil, serr
		}
	}

	for _, chatID := range chatIDs {
		join := &message.Event{Type: message.TypeJoin, ChatID: chatID, Timestamp: time.Now()}
		if err := conn.WriteJSON(join); err != nil {
			conn.Close()
			return nil, fmt.Errorf("failed to join room %s: %w", chatID, err)
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	events := make(chan *message.Event, 64)
	sub := &Subscription{Events: events, conn: conn, cancel: cancel}

	go func() {
		defer close(events)
		dedup := newDedupSet()

		for {
			_, raw, err := conn.ReadMessage()
			if err != nil {
				return
			}

			var evt message.Event
			if err := json.Unmarshal(raw, &evt); err != nil {
				c.logger.Warn().Err(err).Msg("Discarding malformed server frame")
				continue
			}

			if evt.Type == message.TypeNewMessage && evt.Message != nil {
				if dedup.observe(dedupKey(evt.Message)) {
					continue
				}
			}

			select {
			case events <- &evt:
			case <-runCtx.Done():
				return
			}
		}
	}()

	return sub, nil
}

// websocketURL derives the ws endpoint from the configured base URL.
func (c *Client) websocketURL() string {
	url := c.baseURL + "/ws"
	if strings.HasPrefix(url, "https://") {
		return "wss://" + strings.TrimPrefix(url, "https://")
	}
	if strings.HasPrefix(url, "http://") {
		return "ws://" + strings.TrimPrefix(url, "http://")
	}
	return url
}
