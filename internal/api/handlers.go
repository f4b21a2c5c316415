package api

import (
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"github.com/teris-io/shortid"

	"github.com/campushub/chat-relay/internal/gateway"
	"github.com/campushub/chat-relay/internal/store"
	"github.com/campushub/chat-relay/internal/types"
)

const (
	defaultMessagePageSize = 50
	maxMessagePageSize     = 200

	// bearerSubprotocol lets browser clients smuggle the credential
	// through Sec-WebSocket-Protocol where custom headers are not
	// available: "bearer, <token>".
	bearerSubprotocol = "bearer"
)

func newUpgrader(allowedOrigins []string) websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		Subprotocols:    []string{bearerSubprotocol},
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}
			for _, allowed := range allowedOrigins {
				if allowed == "*" || allowed == origin {
					return true
				}
			}
			return false
		},
	}
}

// serveWs upgrades the connection, validates the credential and hands
// the socket to the gateway. A bad credential still upgrades, so the
// client gets a policy-violation close frame instead of a bare HTTP
// error it cannot inspect.
func (s *RelayApp) serveWs(w http.ResponseWriter, r *http.Request) {
	credential := wsCredential(r)

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Printf("failed to upgrade connection: %s", err)
		return
	}

	identity, err := s.validator.Validate(credential)
	if err != nil {
		s.log.Printf("rejected websocket credential: %s", err)
		deadline := time.Now().Add(time.Second)
		msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "authentication failed")
		if err := conn.WriteControl(websocket.CloseMessage, msg, deadline); err != nil {
			s.log.Printf("failed to write close message: %s", err)
		}
		conn.Close()
		return
	}

	client := gateway.NewClient(identity, conn, s.gateway, s.log, s.stats)
	s.gateway.RegisterClient(client)

	go client.Write()
	go client.Read()

	if room := r.PathValue("room"); room != "" {
		client.RequestJoin(room)
	}
}

// wsCredential pulls the bearer token from the query string or, for
// browser clients, from the subprotocol list.
func wsCredential(r *http.Request) string {
	if tok := r.URL.Query().Get("token"); tok != "" {
		return tok
	}

	protocols := websocket.Subprotocols(r)
	for i, p := range protocols {
		if p == bearerSubprotocol && i+1 < len(protocols) {
			return protocols[i+1]
		}
	}

	return ""
}

func (s *RelayApp) healthz(w http.ResponseWriter, r *http.Request) {
	if err := s.db.Ping(); err != nil {
		s.writeError(w, NewServiceUnavailableError(err))
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *RelayApp) listConversations(w http.ResponseWriter, r *http.Request) {
	identity := r.Context().Value(identityKey).(types.Identity)

	memberships, err := s.db.ListConversations(identity.UserId)
	if err != nil {
		s.writeError(w, NewInternalServerError(err))
		return
	}

	conversations := make([]types.Conversation, 0, len(memberships))
	for _, m := range memberships {
		if m.Conversation.TenantId != identity.TenantId {
			continue
		}
		conversations = append(conversations, conversationSummary(m))
	}

	s.writeJSON(w, http.StatusOK, conversations)
}

func conversationSummary(m store.Participant) types.Conversation {
	c := m.Conversation
	return types.Conversation{
		Id:                 c.Id,
		ExternalId:         c.ExternalId,
		TenantId:           c.TenantId,
		Kind:               c.Kind,
		Title:              c.Title,
		LastMessageId:      c.LastMessageId,
		LastMessagePreview: c.LastMessagePreview,
		LastMessageAt:      c.LastMessageAt,
		UnreadCount:        m.UnreadCount,
		CreatedAt:          c.CreatedAt,
		UpdatedAt:          c.UpdatedAt,
	}
}

type createConversationRequest struct {
	Kind         string   `json:"kind"`
	Title        string   `json:"title"`
	Participants []string `json:"participants"`
}

func (s *RelayApp) createConversation(w http.ResponseWriter, r *http.Request) {
	identity := r.Context().Value(identityKey).(types.Identity)

	var req createConversationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, NewBadRequestError())
		return
	}

	if req.Kind == "" {
		req.Kind = store.ConversationKindGroup
	}
	switch req.Kind {
	case store.ConversationKindDirect, store.ConversationKindGroup,
		store.ConversationKindClass, store.ConversationKindCourse,
		store.ConversationKindSupport:
	default:
		s.writeError(w, NewBadRequestError())
		return
	}

	externalId, err := shortid.Generate()
	if err != nil {
		s.writeError(w, NewInternalServerError(err))
		return
	}

	conv, err := s.db.CreateConversation(store.CreateConversationParams{
		ExternalId: externalId,
		TenantId:   identity.TenantId,
		Kind:       req.Kind,
		Title:      req.Title,
	})
	if err != nil {
		s.writeError(w, NewInternalServerError(err))
		return
	}

	if _, err := s.db.AddParticipant(conv.Id, identity.UserId); err != nil {
		s.writeError(w, NewInternalServerError(err))
		return
	}

	for _, userId := range req.Participants {
		if userId == identity.UserId {
			continue
		}
		if _, err := s.db.AddParticipant(conv.Id, userId); err != nil {
			s.log.Printf("failed to add participant %q to conversation %q: %s",
				userId, conv.ExternalId, err)
		}
	}

	s.writeJSON(w, http.StatusCreated, types.Conversation{
		Id:         conv.Id,
		ExternalId: conv.ExternalId,
		TenantId:   conv.TenantId,
		Kind:       conv.Kind,
		Title:      conv.Title,
		CreatedAt:  conv.CreatedAt,
		UpdatedAt:  conv.UpdatedAt,
	})
}

// listMessages pages through a conversation's history using message id
// cursors. Ids are time ordered, so "after" resumes a live sync and
// "before" walks backwards from the newest message.
func (s *RelayApp) listMessages(w http.ResponseWriter, r *http.Request) {
	identity := r.Context().Value(identityKey).(types.Identity)

	roomId, err := gateway.ParseRoomId(r.URL.Query().Get("room_id"))
	if err != nil || roomId.Kind != gateway.RoomKindConversation {
		s.writeError(w, NewBadRequestError())
		return
	}

	conv, err := s.db.GetConversationByExternalId(roomId.Target)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			s.writeError(w, NewNotFoundError())
			return
		}
		s.writeError(w, NewInternalServerError(err))
		return
	}

	if conv.TenantId != identity.TenantId {
		s.writeError(w, NewForbiddenError())
		return
	}

	if !s.db.ParticipantExists(conv.Id, identity.UserId) {
		s.writeError(w, NewForbiddenError())
		return
	}

	limit := defaultMessagePageSize
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			s.writeError(w, NewBadRequestError())
			return
		}
		limit = min(n, maxMessagePageSize)
	}

	messages, err := s.db.ListMessages(conv.Id,
		r.URL.Query().Get("after"), r.URL.Query().Get("before"), limit)
	if err != nil {
		s.writeError(w, NewInternalServerError(err))
		return
	}

	out := make([]types.Message, 0, len(messages))
	for _, m := range messages {
		out = append(out, s.wireMessage(roomId.String(), m))
	}

	s.writeJSON(w, http.StatusOK, out)
}

func (s *RelayApp) wireMessage(roomId string, m store.Message) types.Message {
	wire := types.Message{
		Id:        m.Id,
		RoomId:    roomId,
		SenderId:  m.SenderId,
		Kind:      types.MessageKind(m.Kind),
		Timestamp: m.CreatedAt,
		Edited:    m.Edited,
		Deleted:   m.Deleted,
	}

	if m.Deleted {
		return wire
	}

	wire.Content = m.Content
	wire.ReplyToId = m.ReplyToId
	wire.AttachmentRef = m.AttachmentRef
	if m.AttachmentRef != "" {
		url, err := s.files.ResolveURL(m.AttachmentRef)
		if err != nil {
			s.log.Printf("failed to resolve attachment %q: %s", m.AttachmentRef, err)
		} else {
			wire.AttachmentURL = url
		}
	}

	return wire
}
