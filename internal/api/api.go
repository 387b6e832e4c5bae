// Package api exposes the HTTP side of the chat relay: conversation history,
// attachment uploads, and ICE configuration for calls. Every route requires a
// bearer token.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/chat-relay/internal/attachments"
	"github.com/wilsonzlin/aero/proxy/chat-relay/internal/auth"
	"github.com/wilsonzlin/aero/proxy/chat-relay/internal/config"
	"github.com/wilsonzlin/aero/proxy/chat-relay/internal/httpserver"
	"github.com/wilsonzlin/aero/proxy/chat-relay/internal/protocol"
	"github.com/wilsonzlin/aero/proxy/chat-relay/internal/relay"
	"github.com/wilsonzlin/aero/proxy/chat-relay/internal/store"
	"github.com/wilsonzlin/aero/proxy/chat-relay/internal/turnrest"
)

// multipartMemory is how much of a multipart body is kept in memory before
// spilling to temp files.
const multipartMemory = 1 << 20

// Messages is the relay surface used by the HTTP routes.
type Messages interface {
	SendMessage(ctx context.Context, from string, req protocol.SendMessage) (store.Message, error)
	Conversation(ctx context.Context, requester, peer string, limit, offset int) ([]store.Message, error)
	RecentConversations(ctx context.Context, identity string, limit int) ([]store.RecentConversation, error)
}

type Config struct {
	Verifier    auth.Verifier
	Messages    Messages
	Attachments *attachments.Store

	ICEServers []webrtc.ICEServer
	// ICEConfigError, when set, makes the ICE route return 503.
	ICEConfigError error
	// TURN mints per-identity credentials for TURN entries. Nil leaves the
	// configured credentials untouched.
	TURN *turnrest.Generator

	Logger *slog.Logger
}

type API struct {
	cfg Config
	log *slog.Logger
}

func New(cfg Config) (*API, error) {
	switch {
	case cfg.Verifier == nil:
		return nil, errors.New("api: verifier is required")
	case cfg.Messages == nil:
		return nil, errors.New("api: messages are required")
	case cfg.Attachments == nil:
		return nil, errors.New("api: attachment store is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &API{cfg: cfg, log: logger}, nil
}

// Register mounts the routes on mux.
func (a *API) Register(mux *http.ServeMux) {
	mux.Handle("GET /api/messages/conversation/{peerId}", a.authenticated(a.conversation))
	mux.Handle("GET /api/messages/recent", a.authenticated(a.recent))
	mux.Handle("POST /api/messages/upload", a.authenticated(a.uploadAndSend))
	mux.Handle("POST /api/attachments", a.authenticated(a.upload))
	mux.Handle("GET /api/calls/ice", a.authenticated(a.ice))
	mux.Handle("GET "+attachments.PathPrefix, a.cfg.Attachments.Handler())
}

type identityKey struct{}

func identityFrom(ctx context.Context) string {
	id, _ := ctx.Value(identityKey{}).(string)
	return id
}

func (a *API) authenticated(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, err := auth.CredentialFromRequest(r)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "Not authenticated")
			return
		}
		claims, err := a.cfg.Verifier.Verify(token)
		if err != nil || claims.Identity() == "" {
			writeError(w, http.StatusUnauthorized, "invalid credentials")
			return
		}
		next(w, r.WithContext(context.WithValue(r.Context(), identityKey{}, claims.Identity())))
	})
}

func (a *API) conversation(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", store.DefaultConversationLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	offset, err := queryInt(r, "offset", 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	msgs, err := a.cfg.Messages.Conversation(r.Context(), identityFrom(r.Context()), r.PathValue("peerId"), limit, offset)
	if err != nil {
		a.writeRelayError(w, err)
		return
	}
	httpserver.WriteJSON(w, http.StatusOK, msgs)
}

func (a *API) recent(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", store.DefaultRecentLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	convs, err := a.cfg.Messages.RecentConversations(r.Context(), identityFrom(r.Context()), limit)
	if err != nil {
		a.writeRelayError(w, err)
		return
	}
	httpserver.WriteJSON(w, http.StatusOK, convs)
}

func (a *API) upload(w http.ResponseWriter, r *http.Request) {
	stored, ok := a.saveUpload(w, r)
	if !ok {
		return
	}
	httpserver.WriteJSON(w, http.StatusCreated, stored)
}

// uploadAndSend stores the file and sends it as a message in one request. The
// message goes through the relay, so an online recipient gets it pushed.
func (a *API) uploadAndSend(w http.ResponseWriter, r *http.Request) {
	stored, ok := a.saveUpload(w, r)
	if !ok {
		return
	}
	msg, err := a.cfg.Messages.SendMessage(r.Context(), identityFrom(r.Context()), protocol.SendMessage{
		RecipientID:    r.FormValue("recipientId"),
		Content:        r.FormValue("content"),
		AttachmentURL:  stored.URL,
		AttachmentType: stored.MediaType,
	})
	if err != nil {
		if rmErr := a.cfg.Attachments.Remove(stored.Name); rmErr != nil {
			a.log.Warn("remove orphaned attachment failed", "name", stored.Name, "err", rmErr)
		}
		a.writeRelayError(w, err)
		return
	}
	httpserver.WriteJSON(w, http.StatusCreated, protocol.SendMessageAck{Success: true, Message: &msg})
}

func (a *API) saveUpload(w http.ResponseWriter, r *http.Request) (attachments.Stored, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, a.cfg.Attachments.MaxBytes()+multipartMemory)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "file too large")
			return attachments.Stored{}, false
		}
		writeError(w, http.StatusBadRequest, "invalid multipart body")
		return attachments.Stored{}, false
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "No file uploaded")
		return attachments.Stored{}, false
	}
	defer file.Close()

	stored, err := a.cfg.Attachments.Save(file, header.Filename, header.Header.Get("Content-Type"))
	switch {
	case errors.Is(err, attachments.ErrTooLarge):
		writeError(w, http.StatusRequestEntityTooLarge, "file too large")
		return attachments.Stored{}, false
	case errors.Is(err, attachments.ErrEmpty):
		writeError(w, http.StatusBadRequest, "file is empty")
		return attachments.Stored{}, false
	case err != nil:
		a.log.Error("store attachment failed", "err", err)
		writeError(w, http.StatusInternalServerError, "failed to store attachment")
		return attachments.Stored{}, false
	}
	return stored, true
}

type iceResponse struct {
	ICEServers []webrtc.ICEServer `json:"iceServers"`
	ExpiresAt  *time.Time         `json:"expiresAt,omitempty"`
}

func (a *API) ice(w http.ResponseWriter, r *http.Request) {
	if err := a.cfg.ICEConfigError; err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	resp := iceResponse{ICEServers: a.cfg.ICEServers}
	if resp.ICEServers == nil {
		resp.ICEServers = []webrtc.ICEServer{}
	}
	if a.cfg.TURN != nil && hasTURN(resp.ICEServers) {
		creds, err := a.cfg.TURN.ForIdentity(identityFrom(r.Context()))
		if err != nil {
			a.log.Error("mint turn credentials failed", "err", err)
			writeError(w, http.StatusInternalServerError, "failed to mint TURN credentials")
			return
		}
		resp.ICEServers = config.WithTURNCredentials(resp.ICEServers, creds.Username, creds.Credential)
		resp.ExpiresAt = &creds.Expires
	}
	w.Header().Set("Cache-Control", "no-store")
	httpserver.WriteJSON(w, http.StatusOK, resp)
}

func hasTURN(servers []webrtc.ICEServer) bool {
	for _, s := range servers {
		if config.HasTURNURL(s) {
			return true
		}
	}
	return false
}

func (a *API) writeRelayError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, relay.ErrUnauthorized):
		status = http.StatusForbidden
	case errors.Is(err, relay.ErrInvalidRequest):
		status = http.StatusBadRequest
	default:
		a.log.Error("relay request failed", "err", err)
	}
	httpserver.WriteJSON(w, status, protocol.Ack{Success: false, Error: relay.ClientMessage(err)})
}

func writeError(w http.ResponseWriter, status int, msg string) {
	httpserver.WriteJSON(w, status, protocol.Ack{Success: false, Error: msg})
}

func queryInt(r *http.Request, key string, fallback int) (int, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, errors.New("invalid " + key)
	}
	return n, nil
}
