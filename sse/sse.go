// Package sse tells browsers to reload once the watched program has been
// rebuilt and restarted.
package sse

// Thanks to this blog:
// https://dev.to/mirzaakhena/server-sent-events-sse-server-implementation-with-go-4ck2

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/subfusc/vakt/config"
)

const (
	WATCHER = iota
	DEV_SERVER
)

// listenerBuffer is how many events a slow listener may lag behind before
// Publish starts dropping events for it.
const listenerBuffer = 4

// DefaultHeartbeat is how often an idle stream gets a comment line, so proxies
// do not close it.
const DefaultHeartbeat = 30 * time.Second

type Event struct {
	Type   string
	Source uint
	When   time.Time
	Data   any
}

func (e Event) ToMessage() string {
	var data map[string]any

	switch ie := e.Data.(type) {
	case map[string]any:
		data = make(map[string]any, len(ie)+1)
		for k, v := range ie {
			data[k] = v
		}
		data["When"] = e.When
	default:
		data = map[string]any{
			"When":    e.When,
			"Message": ie,
		}
	}

	buf := bytes.NewBuffer(nil)
	enc := json.NewEncoder(buf)
	enc.Encode(data)
	return fmt.Sprintf("event: %s\ndata: %s\n\n", e.Type, bytes.TrimRight(buf.Bytes(), "\n"))
}

type Server struct {
	srv            *http.Server
	mux            *http.ServeMux
	logger         *slog.Logger
	port           int
	RestartTimeout time.Duration
	Heartbeat      time.Duration

	mu        sync.Mutex
	listeners map[chan Event]struct{}
	closed    chan struct{}
	closeOnce sync.Once
	now       func() time.Time
}

func sseHeaders(h http.Header) {
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("Access-Control-Allow-Origin", "*")
	h.Set("X-Accel-Buffering", "no")
}

func NewServer(c *config.Config, logger *slog.Logger) *Server {
	mux := http.NewServeMux()
	s := &Server{
		srv: &http.Server{
			Addr:    fmt.Sprintf(":%d", c.SSE.Port),
			Handler: mux,
		},
		mux:            mux,
		logger:         logger,
		port:           c.SSE.Port,
		RestartTimeout: time.Duration(c.SSE.RestartTimeout) * time.Millisecond,
		Heartbeat:      DefaultHeartbeat,
		listeners:      make(map[chan Event]struct{}),
		closed:         make(chan struct{}),
		now:            time.Now,
	}

	mux.HandleFunc("GET /listen", s.SSETrapper())
	mux.HandleFunc("POST /started", s.started)
	mux.HandleFunc("GET /listener.js", s.listenerScript)
	return s
}

func (s *Server) Handler() http.Handler {
	return s.mux
}

// Publish hands e to every connected listener. A listener whose buffer is
// full misses the event.
func (s *Server) Publish(e Event) {
	if e.When.IsZero() {
		e.When = s.now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for ch := range s.listeners {
		select {
		case ch <- e:
		default:
			s.logger.Warn("SSE listener is lagging, dropping event", "type", e.Type)
		}
	}
}

func (s *Server) Listeners() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.listeners)
}

func (s *Server) subscribe() chan Event {
	ch := make(chan Event, listenerBuffer)
	s.mu.Lock()
	s.listeners[ch] = struct{}{}
	s.mu.Unlock()
	return ch
}

func (s *Server) unsubscribe(ch chan Event) {
	s.mu.Lock()
	delete(s.listeners, ch)
	s.mu.Unlock()
}

// SSETrapper streams events to one browser. A WATCHER event is held back for
// RestartTimeout, or until the restarted program reports in through
// /started, so the page does not reload before the program is listening.
// Events less than a second after the previous one are dropped.
func (s *Server) SSETrapper() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming unsupported", http.StatusInternalServerError)
			return
		}

		clientLogger := s.logger.With("client_id", uuid.NewString())
		clientLogger.Info("SSE opening socket", "remote", r.RemoteAddr)
		defer clientLogger.Info("Closing SSE socket")

		sseHeaders(w.Header())
		w.WriteHeader(http.StatusOK)
		flusher.Flush()

		ch := s.subscribe()
		defer s.unsubscribe(ch)

		lastSent := s.now()
		send := func(message Event) {
			if !lastSent.Add(1 * time.Second).Before(message.When) {
				clientLogger.Debug("SSE dropping event", "type", message.Type)
				return
			}
			fmt.Fprint(w, message.ToMessage())
			flusher.Flush()
			lastSent = s.now()
		}

		var (
			delayed *Event
			timer   = time.NewTimer(0)
		)
		if !timer.Stop() {
			<-timer.C
		}
		defer timer.Stop()

		heartbeat := time.NewTicker(s.Heartbeat)
		defer heartbeat.Stop()

		for {
			select {
			case message := <-ch:
				switch message.Source {
				case WATCHER:
					if delayed == nil {
						delayed = &message
						timer.Reset(s.RestartTimeout)
					}
				case DEV_SERVER:
					if delayed != nil {
						timer.Stop()
						delayed = nil
					}
					send(message)
				}
			case <-timer.C:
				if delayed != nil {
					send(*delayed)
					delayed = nil
				}
			case <-heartbeat.C:
				fmt.Fprint(w, ": heartbeat\n\n")
				flusher.Flush()
			case <-r.Context().Done():
				return
			case <-s.closed:
				return
			}
		}
	}
}

func (s *Server) started(w http.ResponseWriter, r *http.Request) {
	s.Publish(Event{Type: "server_message", Source: DEV_SERVER, When: s.now(), Data: map[string]any{"restarted": true}})
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) listenerScript(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/javascript")
	fmt.Fprintf(w, `
        const eventSrc = new EventSource("http://localhost:%d/listen")
        eventSrc.addEventListener("server_message", (event) => {
          console.log(event.data)
          eventSrc.close()
          window.location.reload()
        })
      `, s.port)
}

// Start serves until Close is called.
func (s *Server) Start() error {
	s.logger.Info("Starting SSE server", "Addr", s.srv.Addr)
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("SSE server stopped: [%w]", err)
	}
	return nil
}

func (s *Server) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	return s.srv.Close()
}
