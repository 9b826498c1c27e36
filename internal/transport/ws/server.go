// Package ws pushes live gate lobby state to spectators. The feed is
// one-way: clients subscribe to a gate and receive bucketed lobby frames
// while it runs, then the resolution frame, then the connection closes.
package ws

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"theatreos/internal/gate"
	"theatreos/internal/protocol"
)

type subscriber struct {
	out chan []byte
}

type Feed struct {
	gates    *gate.Manager
	log      *log.Logger
	interval time.Duration

	upgrader websocket.Upgrader

	mu   sync.Mutex
	subs map[string]map[*subscriber]struct{}
}

func NewFeed(gates *gate.Manager, logger *log.Logger, interval time.Duration) *Feed {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return &Feed{
		gates:    gates,
		log:      logger,
		interval: interval,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  16 * 1024,
			WriteBufferSize: 16 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // dev default
		},
		subs: map[string]map[*subscriber]struct{}{},
	}
}

// Handler serves GET /v1/ws/gates/{gate_id}.
func (f *Feed) Handler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		gateID := r.PathValue("gate_id")
		if _, err := f.gates.ByID(r.Context(), gateID); err != nil {
			http.Error(rw, "gate not found", http.StatusNotFound)
			return
		}

		conn, err := f.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		sub := &subscriber{out: make(chan []byte, 8)}
		f.attach(gateID, sub)
		defer f.detach(gateID, sub)

		// First frame immediately so the client is never staring at nothing.
		if frame, err := f.lobbyFrame(r.Context(), gateID); err == nil {
			select {
			case sub.out <- frame:
			default:
			}
		}

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()

		go func() {
			for {
				select {
				case <-ctx.Done():
					return
				case b, ok := <-sub.out:
					if !ok {
						return
					}
					_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
					if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
						cancel()
						return
					}
				}
			}
		}()

		// Reader loop exists only to notice the close.
		for {
			_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
			if _, _, err := conn.ReadMessage(); err != nil {
				cancel()
				return
			}
		}
	}
}

func (f *Feed) attach(gateID string, sub *subscriber) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.subs[gateID] == nil {
		f.subs[gateID] = map[*subscriber]struct{}{}
	}
	f.subs[gateID][sub] = struct{}{}
}

func (f *Feed) detach(gateID string, sub *subscriber) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.subs[gateID], sub)
	if len(f.subs[gateID]) == 0 {
		delete(f.subs, gateID)
	}
}

func (f *Feed) lobbyFrame(ctx context.Context, gateID string) ([]byte, error) {
	v, err := f.gates.Lobby(ctx, gateID)
	if err != nil {
		return nil, err
	}
	payload, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return json.Marshal(protocol.FeedMessage{Type: protocol.FeedTypeLobby, GateID: gateID, Payload: payload})
}

// broadcast fans a frame out without blocking on slow readers; a full
// subscriber queue drops the frame, the next one catches them up.
func (f *Feed) broadcast(gateID string, frame []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for sub := range f.subs[gateID] {
		select {
		case sub.out <- frame:
		default:
		}
	}
}

// BroadcastResolved is wired to the settlement engine's commit hook.
func (f *Feed) BroadcastResolved(gateID string, summary json.RawMessage) {
	frame, err := json.Marshal(protocol.FeedMessage{Type: protocol.FeedTypeResolved, GateID: gateID, Payload: summary})
	if err != nil {
		return
	}
	f.broadcast(gateID, frame)
}

// Run pushes periodic lobby frames to every gate with an audience. Blocks
// until ctx ends.
func (f *Feed) Run(ctx context.Context) {
	t := time.NewTicker(f.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			f.mu.Lock()
			ids := make([]string, 0, len(f.subs))
			for id := range f.subs {
				ids = append(ids, id)
			}
			f.mu.Unlock()
			for _, id := range ids {
				frame, err := f.lobbyFrame(ctx, id)
				if err != nil {
					continue
				}
				f.broadcast(id, frame)
			}
		}
	}
}
