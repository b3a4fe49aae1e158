package feed

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Notifier is the optional push-notify side channel spec.md's DOMAIN STACK adds on
// top of bookmark-based polling: a nudge over a websocket connection so a
// long-polling /feeds/:hash client doesn't have to busy-wait between polls. The
// bookmark poll in Poll remains the source of truth; a dropped or never-sent nudge
// never loses data, it only costs one extra poll round-trip. Connection lifecycle
// (upgrade, read-loop-until-error, drop-on-backpressure send) is grounded on
// services/crypto-stream/main.go's runWS, adapted from an outbound client dial to
// an inbound server-side upgrade.
type Notifier struct {
	upgrader websocket.Upgrader

	mu   sync.Mutex
	subs map[string]map[*subscriber]struct{}
}

type subscriber struct {
	conn *websocket.Conn
	send chan struct{}
}

func NewNotifier() *Notifier {
	return &Notifier{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		subs: make(map[string]map[*subscriber]struct{}),
	}
}

// Subscribe upgrades the HTTP connection and registers it against feedHash. It
// blocks until the connection closes or the read loop errors, so callers should
// run it from its own goroutine or as a terminal handler.
func (n *Notifier) Subscribe(w http.ResponseWriter, r *http.Request, feedHash string) error {
	conn, err := n.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	sub := &subscriber{conn: conn, send: make(chan struct{}, 1)}
	n.add(feedHash, sub)
	defer n.remove(feedHash, sub)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-done:
			return nil
		case <-sub.send:
			conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := conn.WriteMessage(websocket.TextMessage, []byte("poll")); err != nil {
				return err
			}
		}
	}
}

// NotifyAll nudges every subscriber across every feed. Used when the caller
// doesn't track which feedHashes a save might affect and would rather over-notify
// than miss a nudge -- harmless, since a nudge only costs an extra poll.
func (n *Notifier) NotifyAll() {
	n.mu.Lock()
	hashes := make([]string, 0, len(n.subs))
	for h := range n.subs {
		hashes = append(hashes, h)
	}
	n.mu.Unlock()
	for _, h := range hashes {
		n.Notify(h)
	}
}

func (n *Notifier) add(feedHash string, sub *subscriber) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.subs[feedHash] == nil {
		n.subs[feedHash] = make(map[*subscriber]struct{})
	}
	n.subs[feedHash][sub] = struct{}{}
}

func (n *Notifier) remove(feedHash string, sub *subscriber) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.subs[feedHash], sub)
	if len(n.subs[feedHash]) == 0 {
		delete(n.subs, feedHash)
	}
}

// Notify nudges every subscriber currently attached to feedHash. Nudges are
// best-effort: a subscriber already mid-send drops this one rather than blocking
// the notifier, since the subscriber's next poll will pick up the same data anyway.
func (n *Notifier) Notify(feedHash string) {
	n.mu.Lock()
	subs := make([]*subscriber, 0, len(n.subs[feedHash]))
	for sub := range n.subs[feedHash] {
		subs = append(subs, sub)
	}
	n.mu.Unlock()

	for _, sub := range subs {
		select {
		case sub.send <- struct{}{}:
		default:
		}
	}
}
