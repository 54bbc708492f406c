package main

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"caption-pipeline-go/internal/logger"
	"caption-pipeline-go/internal/sink"
)

// feed fans published pipeline events out to websocket subscribers. A slow
// subscriber misses events instead of stalling the hub; the live view wants
// the latest captions, not a backlog.
type feed struct {
	src *sink.ChannelSink
	log *logger.Logger

	upgrader websocket.Upgrader

	mu   sync.Mutex
	subs map[chan sink.Event]struct{}
}

func newFeed(src *sink.ChannelSink, log *logger.Logger) *feed {
	return &feed{
		src: src,
		log: log.WithComponent("feed"),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		subs: make(map[chan sink.Event]struct{}),
	}
}

// run pumps sink events to subscribers until the sink closes, then delivers
// whatever is still buffered and hangs up on everyone.
func (f *feed) run() {
	for {
		select {
		case ev := <-f.src.Events():
			f.broadcast(ev)
		case <-f.src.Done():
			for _, ev := range f.src.Drain() {
				f.broadcast(ev)
			}
			f.mu.Lock()
			for ch := range f.subs {
				close(ch)
				delete(f.subs, ch)
			}
			f.mu.Unlock()
			return
		}
	}
}

func (f *feed) broadcast(ev sink.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for ch := range f.subs {
		select {
		case ch <- ev:
		default:
			// Subscriber buffer full; it misses this event.
		}
	}
}

func (f *feed) subscribe() chan sink.Event {
	ch := make(chan sink.Event, 64)
	f.mu.Lock()
	f.subs[ch] = struct{}{}
	f.mu.Unlock()
	return ch
}

func (f *feed) unsubscribe(ch chan sink.Event) {
	f.mu.Lock()
	if _, ok := f.subs[ch]; ok {
		delete(f.subs, ch)
		close(ch)
	}
	f.mu.Unlock()
}

// handleWS upgrades the request and streams events as JSON frames until the
// client disconnects or the pipeline shuts down.
func (f *feed) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := f.upgrader.Upgrade(w, r, nil)
	if err != nil {
		f.log.WithError(err).Warn("websocket upgrade failed")
		return
	}

	sub := f.subscribe()
	remote := conn.RemoteAddr().String()
	f.log.WithField("remote", remote).Info("feed subscriber connected")

	// Client frames are discarded; reading just detects the disconnect.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	defer func() {
		f.unsubscribe(sub)
		conn.Close()
		f.log.WithField("remote", remote).Info("feed subscriber disconnected")
	}()

	for {
		select {
		case ev, ok := <-sub:
			if !ok {
				deadline := time.Now().Add(time.Second)
				msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "pipeline shutting down")
				_ = conn.WriteControl(websocket.CloseMessage, msg, deadline)
				return
			}
			if err := conn.WriteJSON(ev); err != nil {
				f.log.WithError(err).WithField("remote", remote).Debug("feed write failed")
				return
			}
		case <-gone:
			return
		}
	}
}
