package server

import (
	"context"
	"encoding/base64"
	"encoding/json"
	stderrors "errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"securechat/internal/cryptographic/asymmetric"
	"securechat/internal/metrics"
	"securechat/internal/model"
	"securechat/internal/protocol/keyexchange"
	"securechat/internal/repository/sessionkey"
	userRepo "securechat/internal/repository/user"
	"securechat/internal/utils/log"
	"securechat/pkg/errors"
)

const (
	msgInvalidMessage = "invalid message"
	msgSendFailed     = "failed to send message"

	shutdownTimeout = 5 * time.Second
)

// Messages that may be shown to a peer verbatim. Anything else is replaced
// by the fallback of the failing operation.
var publicMessages = map[string]bool{
	"invalid public key":      true,
	"failed to exchange keys": true,
	"session expired":         true,
	"join required":           true,
	msgSendFailed:             true,
	msgInvalidMessage:         true,
}

type (
	client struct {
		id     string
		userID string
		conn   *websocket.Conn

		writeMu sync.Mutex
	}

	HttpServer struct {
		provider     *asymmetric.Provider
		orchestrator *keyexchange.Orchestrator
		store        sessionkey.Store
		userRepo     *userRepo.UserRepo

		mu      sync.RWMutex
		clients map[string]*client
	}
)

// NewHttpServer wires the transport. userRepo may be nil when no user
// directory is configured.
func NewHttpServer(
	provider *asymmetric.Provider,
	orchestrator *keyexchange.Orchestrator,
	store sessionkey.Store,
	userRepo *userRepo.UserRepo,
) *HttpServer {
	return &HttpServer{
		provider:     provider,
		orchestrator: orchestrator,
		store:        store,
		userRepo:     userRepo,
		clients:      make(map[string]*client),
	}
}

func (s *HttpServer) Router(metricsEnabled bool) http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/init", s.HandleInitWS()).Methods(http.MethodGet)
	r.HandleFunc("/keys/server", s.GetServerKey()).Methods(http.MethodGet)
	r.HandleFunc("/sessions/{userID}", s.GetSessionsOfUser()).Methods(http.MethodGet)
	if metricsEnabled {
		r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)
	}
	return r
}

// Run serves on addr until ctx is cancelled, then shuts down and closes
// every open websocket.
func (s *HttpServer) Run(ctx context.Context, addr string, metricsEnabled bool) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Router(metricsEnabled),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("http server listening", zap.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	err := srv.Shutdown(shutdownCtx)
	s.closeAll()
	if err != nil && !stderrors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *HttpServer) HandleInitWS() http.HandlerFunc {
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			return true // LAN only
		},
	}

	return func(w http.ResponseWriter, r *http.Request) {
		userID := r.URL.Query().Get("userID")
		if userID == "" {
			http.Error(w, "userID cannot be empty", http.StatusBadRequest)
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Error("websocket upgrade failed", zap.Error(err))
			return
		}

		c := &client{
			id:     uuid.NewString(),
			userID: userID,
			conn:   conn,
		}
		s.register(c)

		if s.userRepo != nil {
			if _, err := s.userRepo.Touch(r.Context(), userID, time.Now()); err != nil {
				log.Warn("record user failed", zap.String("user_id", userID), zap.Error(err))
			}
		}

		go s.processWSMessage(c)
	}
}

func (s *HttpServer) register(c *client) {
	s.mu.Lock()
	s.clients[c.id] = c
	s.mu.Unlock()

	metrics.ConnectionsActive.Inc()
	log.Info("client connected", zap.String("user_id", c.userID), zap.String("connection_id", c.id))
}

func (s *HttpServer) unregister(c *client) {
	s.mu.Lock()
	_, ok := s.clients[c.id]
	delete(s.clients, c.id)
	s.mu.Unlock()

	if !ok {
		return
	}

	metrics.ConnectionsActive.Dec()
	if err := s.orchestrator.Close(context.Background(), c.userID, c.id); err != nil {
		log.Error("deactivate session key failed", zap.String("connection_id", c.id), zap.Error(err))
	}
	log.Info("client disconnected", zap.String("user_id", c.userID), zap.String("connection_id", c.id))
}

func (s *HttpServer) closeAll() {
	s.mu.RLock()
	clients := make([]*client, 0, len(s.clients))
	for _, c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.RUnlock()

	for _, c := range clients {
		c.conn.Close()
	}
}

func (s *HttpServer) processWSMessage(c *client) {
	defer func() {
		s.unregister(c)
		c.conn.Close()
	}()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			log.Debug("worker web socket closed", zap.Error(err))
			return
		}

		var frame model.Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			log.Warn("unmarshal frame failed", zap.String("connection_id", c.id), zap.Error(err))
			s.sendError(c, msgInvalidMessage)
			continue
		}

		s.handleFrame(context.Background(), c, &frame)
	}
}

func (s *HttpServer) handleFrame(ctx context.Context, c *client, frame *model.Frame) {
	switch frame.Type {
	case model.FrameJoin:
		s.orchestrator.Join(c.id)
		s.send(c, model.FrameJoined, &model.Joined{ConnectionID: c.id})

	case model.FrameExchangeKeys:
		s.handleExchangeKeys(ctx, c, frame)

	case model.FrameSendMessage:
		s.handleSendMessage(ctx, c, frame)

	default:
		log.Warn("unknown frame type", zap.String("type", frame.Type), zap.String("connection_id", c.id))
		s.sendError(c, msgInvalidMessage)
	}
}

func (s *HttpServer) handleExchangeKeys(ctx context.Context, c *client, frame *model.Frame) {
	var req model.ExchangeKeysRequest
	if err := frame.Decode(&req); err != nil {
		s.sendError(c, keyexchange.ErrInvalidPublicKey.Error())
		return
	}
	if err := req.Validate(); err != nil {
		s.sendError(c, keyexchange.ErrInvalidPublicKey.Error())
		return
	}

	// Validate has already checked the encoding
	der, _ := base64.StdEncoding.DecodeString(req.PublicKey)

	res, err := s.orchestrator.ExchangeKeys(ctx, c.userID, c.id, der)
	if err != nil {
		s.sendError(c, publicMessage(err, "failed to exchange keys"))
		return
	}

	s.send(c, model.FrameKeysExchanged, res)
}

func (s *HttpServer) send(c *client, frameType string, payload any) {
	frame, err := model.NewFrame(frameType, payload)
	if err != nil {
		log.Error("build frame failed", zap.String("type", frameType), zap.Error(err))
		return
	}
	if err := c.writeJSON(frame); err != nil {
		log.Debug("write frame failed", zap.String("connection_id", c.id), zap.Error(err))
	}
}

func (s *HttpServer) sendError(c *client, message string) {
	s.send(c, model.FrameError, &model.ErrorMessage{Message: message})
}

func (c *client) writeJSON(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteJSON(v)
}

func publicMessage(err error, fallback string) string {
	var ae *errors.AppError
	if stderrors.As(err, &ae) && publicMessages[ae.Message] {
		return ae.Message
	}
	return fallback
}

func (s *HttpServer) GetServerKey() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		pair := s.provider.KeyPair()

		der, err := pair.ExportPublicKey(asymmetric.FormatSPKI)
		if err != nil {
			log.Error("export server key failed", zap.Error(err))
			http.Error(w, "export server key failed", http.StatusInternalServerError)
			return
		}

		writeJSON(w, http.StatusOK, &model.ServerKeyInfo{
			PublicKey: base64.StdEncoding.EncodeToString(der),
			Format:    string(asymmetric.FormatSPKI),
			CreatedAt: pair.CreatedAt,
			ExpiresAt: pair.ExpiresAt,
		})
	}
}

func (s *HttpServer) GetSessionsOfUser() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := mux.Vars(r)["userID"]

		records, err := s.store.ListActive(r.Context(), userID)
		if err != nil {
			log.Error("list sessions failed", zap.String("user_id", userID), zap.Error(err))
			http.Error(w, "list sessions failed", http.StatusInternalServerError)
			return
		}

		writeJSON(w, http.StatusOK, records)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		log.Error("marshal response failed", zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}
