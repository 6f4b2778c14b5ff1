// Package server hosts the alarm coordination process: the websocket
// fan-out core plus the admin REST surface, sharing one store.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/alarmdeck/alarmdeck/internal/platform/timeouts"
	"github.com/alarmdeck/alarmdeck/internal/services/alarm/storage"
	"github.com/alarmdeck/alarmdeck/internal/services/alarm/storage/sqlite"
	"github.com/alarmdeck/alarmdeck/internal/services/alarm/token"
	"golang.org/x/net/websocket"
)

const (
	maxFramePayloadBytes   = 16 * 1024
	maxFramesPerSecond     = 40
	maxDecodeErrorsPerConn = 3
)

// Config defines the inputs for the alarm server process.
type Config struct {
	HTTPAddr          string
	StorePath         string
	TokenSecret       string
	TokenExpiry       time.Duration
	SendQueueDepth    int
	ReadHeaderTimeout time.Duration
	ShutdownTimeout   time.Duration
}

// Server hosts the alarm HTTP/WebSocket process.
type Server struct {
	httpAddr        string
	shutdownTimeout time.Duration
	httpServer      *http.Server
	store           *sqlite.Store
}

type wsIdentityContextKey struct{}

// handlerDeps carries the shared collaborators of the websocket and admin
// surfaces.
type handlerDeps struct {
	store      storage.Store
	verifier   token.Verifier
	minter     *token.Minter
	queueDepth int
}

func newHandler(deps handlerDeps) http.Handler {
	registry := newRegistry()
	broadcaster := newBroadcaster(deps.store, registry)
	dispatcher := newDispatcher(deps.store, broadcaster)

	mux := http.NewServeMux()
	registerAdminRoutes(mux, deps, broadcaster)

	wsHandler := websocket.Handler(func(conn *websocket.Conn) {
		handleWSConn(conn, deps, registry, broadcaster, dispatcher)
	})

	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		accessToken := strings.TrimSpace(r.URL.Query().Get("token"))
		if accessToken == "" {
			log.Printf("alarm: websocket unauthorized: missing token for remote=%s", r.RemoteAddr)
			http.Error(w, "authentication required", http.StatusUnauthorized)
			return
		}

		identity, err := deps.verifier.Verify(accessToken)
		if err != nil {
			log.Printf("alarm: websocket unauthorized: token verification failed for remote=%s err=%v", r.RemoteAddr, err)
			http.Error(w, "authentication required", http.StatusUnauthorized)
			return
		}

		ctx := context.WithValue(r.Context(), wsIdentityContextKey{}, identity)
		wsHandler.ServeHTTP(w, r.WithContext(ctx))
	})

	return mux
}

func handleWSConn(conn *websocket.Conn, deps handlerDeps, registry *registry, broadcaster *broadcaster, dispatcher *dispatcher) {
	request := conn.Request()
	identity, ok := request.Context().Value(wsIdentityContextKey{}).(token.Identity)
	if !ok || strings.TrimSpace(identity.UserID) == "" {
		_ = conn.Close()
		return
	}

	sess := newSession(identity.UserID, identity.Username, conn, deps.queueDepth)
	defer func() {
		registry.detach(sess)
		sess.close()
	}()

	ctx := request.Context()

	// Snapshot goes on the queue before the writer starts and before the
	// session joins the registry, so initial_state is always the first
	// frame a client sees and precedes any broadcast.
	snapshot, err := buildInitialState(ctx, deps.store, identity)
	if err != nil {
		log.Printf("alarm: build initial state for user=%q: %v", identity.UserID, err)
		return
	}
	sess.enqueue(snapshot)

	go sess.writeLoop(conn)
	registry.attach(sess)

	decoder := json.NewDecoder(conn)
	windowStart := time.Now()
	framesInWindow := 0
	decodeErrors := 0

	for {
		var frame wsFrame
		if err := decoder.Decode(&frame); err != nil {
			if errors.Is(err, io.EOF) || sess.closed() {
				return
			}
			decodeErrors++
			broadcaster.deliver(sess, errorFrame("PAYLOAD_INVALID", "invalid frame payload"))
			if decodeErrors >= maxDecodeErrorsPerConn {
				return
			}
			continue
		}
		decodeErrors = 0

		if len(frame.Payload) > maxFramePayloadBytes {
			broadcaster.deliver(sess, errorFrame("PAYLOAD_INVALID", "payload too large"))
			continue
		}

		now := time.Now()
		if now.Sub(windowStart) >= time.Second {
			windowStart = now
			framesInWindow = 0
		}
		framesInWindow++
		if framesInWindow > maxFramesPerSecond {
			broadcaster.deliver(sess, errorFrame("RATE_LIMITED", "rate limit exceeded"))
			return
		}

		dispatcher.dispatch(ctx, sess, frame)
	}
}

// buildInitialState materializes the authoritative snapshot for a newly
// authenticated session: visible pages plus every alarm on them.
func buildInitialState(ctx context.Context, store storage.Store, identity token.Identity) (wsFrame, error) {
	visible, err := store.ListPagesVisibleTo(ctx, identity.UserID)
	if err != nil {
		return wsFrame{}, fmt.Errorf("list visible pages: %w", err)
	}

	pages := make([]pageJSON, 0, len(visible))
	pageIDs := make([]string, 0, len(visible))
	for _, page := range visible {
		pages = append(pages, toPageJSON(page.Page, identity.UserID, page.CanEdit))
		pageIDs = append(pageIDs, page.Page.ID)
	}

	alarms, err := store.ListAlarmsInPages(ctx, pageIDs)
	if err != nil {
		return wsFrame{}, fmt.Errorf("list alarms: %w", err)
	}
	alarmsJSON := make([]alarmJSON, 0, len(alarms))
	for _, alarm := range alarms {
		alarmsJSON = append(alarmsJSON, toAlarmJSON(alarm))
	}

	return wsFrame{
		Type: "initial_state",
		Payload: mustJSON(initialStatePayload{
			User:   userJSON{ID: identity.UserID, Username: identity.Username},
			Pages:  pages,
			Alarms: alarmsJSON,
		}),
	}, nil
}

// NewServer builds a configured alarm server over a sqlite store.
func NewServer(config Config) (*Server, error) {
	httpAddr := strings.TrimSpace(config.HTTPAddr)
	if httpAddr == "" {
		return nil, errors.New("http address is required")
	}
	if config.ReadHeaderTimeout <= 0 {
		config.ReadHeaderTimeout = timeouts.ReadHeader
	}
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = timeouts.Shutdown
	}

	store, err := sqlite.Open(config.StorePath)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	minter, err := token.NewMinter(config.TokenSecret, config.TokenExpiry, nil)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("init token minter: %w", err)
	}

	httpServer := &http.Server{
		Addr: httpAddr,
		Handler: newHandler(handlerDeps{
			store:      store,
			verifier:   minter,
			minter:     minter,
			queueDepth: config.SendQueueDepth,
		}),
		ReadHeaderTimeout: config.ReadHeaderTimeout,
	}

	return &Server{
		httpAddr:        httpAddr,
		shutdownTimeout: config.ShutdownTimeout,
		httpServer:      httpServer,
		store:           store,
	}, nil
}

// Run creates and serves an alarm server until the context ends.
func Run(ctx context.Context, config Config) error {
	server, err := NewServer(config)
	if err != nil {
		return fmt.Errorf("init alarm server: %w", err)
	}
	defer server.Close()

	if err := server.ListenAndServe(ctx); err != nil {
		return fmt.Errorf("serve alarm: %w", err)
	}
	return nil
}

// ListenAndServe runs the HTTP server until the context ends.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if s == nil {
		return errors.New("alarm server is nil")
	}
	if ctx == nil {
		return errors.New("context is required")
	}

	serveErr := make(chan error, 1)
	log.Printf("alarm server listening on %s", s.httpAddr)
	go func() {
		serveErr <- s.httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		err := s.httpServer.Shutdown(shutdownCtx)
		cancel()
		if err != nil {
			return fmt.Errorf("shutdown http server: %w", err)
		}
		return nil
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve http: %w", err)
	}
}

// Close releases server resources.
func (s *Server) Close() {
	if s == nil {
		return
	}
	if err := s.store.Close(); err != nil {
		log.Printf("close store: %v", err)
	}
}
