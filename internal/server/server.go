package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/websocket"

	"threadhub/internal/apperr"
	"threadhub/internal/auth"
	"threadhub/internal/chat"
	"threadhub/internal/discussion"
	"threadhub/internal/keys"
	"threadhub/internal/transport"
	"threadhub/internal/util"
)

// Config wires required dependencies for the HTTP surface.
type Config struct {
	Discussion *discussion.Service
	Chat       *chat.Service
	TempKeys   *keys.TempKeyService
	SessionKey *keys.SessionKeys
	Broker     *transport.Broker
	Signed     *auth.Verifier
	Bearer     *auth.BearerVerifier

	TrustForwardedHeaders bool
}

// Server exposes the signed and bearer-gated endpoints plus the websocket
// upgrade. Handlers stay thin: admission, decode, delegate, envelope.
type Server struct {
	discussion *discussion.Service
	chat       *chat.Service
	tempKeys   *keys.TempKeyService
	sessionKey *keys.SessionKeys
	broker     *transport.Broker
	signed     *auth.Verifier
	bearer     *auth.BearerVerifier

	trustForwarded bool
	mux            *http.ServeMux
	upgrader       websocket.Upgrader
}

// New constructs the server with routes configured.
func New(cfg Config) *Server {
	s := &Server{
		discussion:     cfg.Discussion,
		chat:           cfg.Chat,
		tempKeys:       cfg.TempKeys,
		sessionKey:     cfg.SessionKey,
		broker:         cfg.Broker,
		signed:         cfg.Signed,
		bearer:         cfg.Bearer,
		trustForwarded: cfg.TrustForwardedHeaders,
		mux:            http.NewServeMux(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
	s.routes()
	return s
}

// Router returns the configured handler with shared middleware applied.
func (s *Server) Router() http.Handler {
	return util.WithTraceID(util.WithRequestLog(s.mux))
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /healthz", s.handleHealth)

	// discussion (HMAC-signed mutations, open reads)
	s.mux.Handle("POST /api/comments", s.signedOnly(s.handleCreateComment))
	s.mux.HandleFunc("GET /api/posts/{id}/comments", s.handleListComments)
	s.mux.HandleFunc("GET /api/posts/{id}/status", s.handlePostStatus)
	s.mux.Handle("DELETE /api/posts/{id}", s.signedOnly(s.handleDeletePost))
	s.mux.Handle("POST /api/posts/{id}/lock", s.signedOnly(s.handleLockPost))
	s.mux.Handle("POST /api/posts/{id}/unlock", s.signedOnly(s.handleUnlockPost))
	s.mux.Handle("DELETE /api/comments/{id}", s.signedOnly(s.handleDeleteComment))
	s.mux.Handle("POST /api/reactions", s.signedOnly(s.handleCreateReaction))

	// keys (bearer-gated)
	s.mux.Handle("POST /api/keys/temp", s.bearerOnly(s.handleIssueTempKey))
	s.mux.Handle("POST /api/keys/temp/consume", s.bearerOnly(s.handleConsumeTempKey))

	// chat (bearer-gated)
	s.mux.Handle("POST /api/conversations/private", s.bearerOnly(s.handleCreatePrivate))
	s.mux.Handle("POST /api/conversations/group", s.bearerOnly(s.handleCreateGroup))
	s.mux.Handle("POST /api/conversations/{id}/invite", s.bearerOnly(s.handleInvite))
	s.mux.Handle("POST /api/conversations/{id}/leave", s.bearerOnly(s.handleLeave))
	s.mux.Handle("DELETE /api/conversations/{id}", s.bearerOnly(s.handleDeleteConversation))
	s.mux.Handle("GET /api/conversations", s.bearerOnly(s.handleListConversations))
	s.mux.Handle("GET /api/conversations/{id}/messages", s.bearerOnly(s.handleHistory))
	s.mux.Handle("POST /api/conversations/{id}/messages", s.bearerOnly(s.handleSendMessage))
	s.mux.Handle("POST /api/conversations/{id}/session-key", s.bearerOnly(s.handleSessionKey))

	s.mux.HandleFunc("GET /ws", s.handleWebsocket)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeEnvelope(w, apperr.OK(map[string]any{
		"status":   "ok",
		"sessions": s.broker.SessionCount(),
	}))
}

// bearerHandler receives the authenticated user resolved from the token.
type bearerHandler func(http.ResponseWriter, *http.Request, int64)

// signedOnly admits requests through the HMAC path. The two admission paths
// are mutually exclusive per endpoint; signed endpoints ignore bearer tokens.
func (s *Server) signedOnly(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		query := r.URL.Query()
		ts, err := strconv.ParseInt(query.Get("ts"), 10, 64)
		if err != nil {
			writeError(w, apperr.BadRequest("ts is required"))
			return
		}
		params := make(map[string]string, len(query))
		for key := range query {
			switch key {
			case "ts", "nonce", "uid_hash", "sig":
				continue
			}
			params[key] = query.Get(key)
		}
		req := auth.SignedRequest{
			Params:  params,
			TS:      ts,
			Nonce:   query.Get("nonce"),
			UIDHash: query.Get("uid_hash"),
			Sig:     query.Get("sig"),
		}
		if err := s.signed.Verify(r.Context(), req); err != nil {
			writeError(w, err)
			return
		}
		next(w, r)
	})
}

// bearerOnly admits requests through the JWT path and resolves the subject.
func (s *Server) bearerOnly(next bearerHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
		subject, err := s.bearer.VerifySubject(token)
		if err != nil {
			writeError(w, err)
			return
		}
		userID, err := strconv.ParseInt(subject, 10, 64)
		if err != nil {
			writeError(w, apperr.AuthFailed("token subject is not a user id"))
			return
		}
		next(w, r, userID)
	})
}

func (s *Server) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	s.broker.HandleConn(r.Context(), conn)
}

func pathID(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, apperr.BadRequest("invalid id")
	}
	return id, nil
}

func decodeBody(r *http.Request, dst any) error {
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return apperr.BadRequest("malformed request body")
	}
	return nil
}

func writeEnvelope(w http.ResponseWriter, env apperr.Envelope) {
	status := http.StatusOK
	if env.Code != 0 {
		status = env.Code
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(env)
}

func writeError(w http.ResponseWriter, err error) {
	writeEnvelope(w, apperr.FromError(err))
}
