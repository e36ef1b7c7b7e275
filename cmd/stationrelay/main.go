// Command stationrelay is the websocket hub for peers that cannot reach a
// shared NATS server. Every message a peer sends is fanned out verbatim to
// all other connected peers; the relay never inspects delta payloads.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/cors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	writeTimeout    = 10 * time.Second
	shutdownTimeout = 5 * time.Second
	sendBufferSize  = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Peers are trusted station daemons, not browsers.
	CheckOrigin: func(r *http.Request) bool { return true },
}

type peer struct {
	id   string
	conn *websocket.Conn
	send chan []byte
}

type hub struct {
	mu    sync.Mutex
	peers map[string]*peer
}

func newHub() *hub {
	return &hub{peers: make(map[string]*peer)}
}

func (h *hub) add(p *peer) {
	h.mu.Lock()
	h.peers[p.id] = p
	n := len(h.peers)
	h.mu.Unlock()
	log.Info().Str("peer", p.id).Int("connected", n).Msg("peer joined")
}

func (h *hub) remove(p *peer) {
	h.mu.Lock()
	delete(h.peers, p.id)
	n := len(h.peers)
	h.mu.Unlock()
	close(p.send)
	log.Info().Str("peer", p.id).Int("connected", n).Msg("peer left")
}

// fanOut queues the message to every peer except the sender. A peer whose
// queue is full is skipped; replication re-converges on later writes.
func (h *hub) fanOut(from string, msg []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, p := range h.peers {
		if id == from {
			continue
		}
		select {
		case p.send <- msg:
		default:
			log.Warn().Str("peer", id).Msg("peer send queue full, dropping message")
		}
	}
}

func (h *hub) handleSync(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Msg("websocket upgrade failed")
		return
	}
	p := &peer{id: uuid.New().String(), conn: conn, send: make(chan []byte, sendBufferSize)}
	h.add(p)

	go func() {
		for msg := range p.send {
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				log.Warn().Err(err).Str("peer", p.id).Msg("peer write failed")
				conn.Close()
				return
			}
		}
	}()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			break
		}
		h.fanOut(p.id, msg)
	}
	h.remove(p)
	conn.Close()
}

func main() {
	addr := flag.String("addr", ":8089", "listen address")
	flag.Parse()

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	h := newHub()
	mux := http.NewServeMux()
	mux.HandleFunc("/sync", h.handleSync)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	handler := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet},
	}).Handler(mux)

	srv := &http.Server{Addr: *addr, Handler: handler}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		log.Info().Str("addr", *addr).Msg("relay listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("relay server failed")
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("relay shutdown failed")
	}
	log.Info().Msg("relay stopped")
}
