package gateway

import (
	"crypto/rand"
	"database/sql"
	"errors"
	"log"
	"slices"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/campushub/chat-relay/internal/store"
	"github.com/campushub/chat-relay/internal/types"
)

const idleRoomTimeout = 30 * time.Second

type exitReq struct {
	done chan string
}

type unloadRoomRequest struct {
	roomId string
}

// Room is a live conversation channel. All persistence and fan-out for
// the conversation runs in the room's goroutine, which serializes
// message id assignment and guarantees every connected member observes
// the same delivery order.
type Room struct {
	id         string
	convId     int
	externalId string
	tenantId   string
	gw         *Gateway
	log        *log.Logger

	joinChan  chan *ClientFrame
	leaveChan chan *ClientFrame
	frameChan chan *ClientFrame

	// participants is the persisted membership, cached at load and
	// refreshed when membership-relevant events arrive.
	participants []store.Participant
	prefs        map[string]store.NotificationPreference

	clients    map[*Client]struct{}
	userMap    map[string]map[*Client]struct{}
	clientLock sync.RWMutex

	// entropy and lastStamp are only touched from the room goroutine;
	// monotonic reads plus the timestamp clamp make ids strictly
	// increasing within the room.
	entropy   *ulid.MonotonicEntropy
	lastStamp time.Time

	// killTimer unloads the room once it has been empty for a while
	killTimer *time.Timer
	exit      chan exitReq
	done      chan struct{}
}

func newRoom(gw *Gateway, conv *store.Conversation) *Room {
	return &Room{
		id:           ConversationRoom(conv.ExternalId).String(),
		convId:       conv.Id,
		externalId:   conv.ExternalId,
		tenantId:     conv.TenantId,
		gw:           gw,
		log:          gw.log,
		joinChan:     make(chan *ClientFrame, 256),
		leaveChan:    make(chan *ClientFrame, 256),
		frameChan:    make(chan *ClientFrame, 256),
		participants: conv.Participants,
		prefs:        make(map[string]store.NotificationPreference),
		clients:      make(map[*Client]struct{}),
		userMap:      make(map[string]map[*Client]struct{}),
		entropy:      ulid.Monotonic(rand.Reader, 0),
		exit:         make(chan exitReq),
		done:         make(chan struct{}),
	}
}

func (r *Room) start() {
	r.log.Printf("starting room %q", r.id)
	r.killTimer = time.NewTimer(idleRoomTimeout)

	defer close(r.done)

	for {
		select {
		case join := <-r.joinChan:
			r.handleJoin(join)
		case leave := <-r.leaveChan:
			r.handleLeave(leave)
		case frame := <-r.frameChan:
			switch frame.Action {
			case ActionSendMessage:
				r.handleSend(frame)
			case ActionEditMessage:
				r.handleEdit(frame)
			case ActionDeleteMessage:
				r.handleDelete(frame)
			case ActionMarkRead:
				r.handleMarkRead(frame)
			}
		case <-r.killTimer.C:
			r.handleRoomTimeout()
		case e := <-r.exit:
			r.handleRoomExit(e)
			return
		}
	}
}

// newMessageId assigns the next id in the room's total order. The
// timestamp is clamped to the previous id's, so a clock that steps
// backwards between calls cannot mint an id that sorts before one
// already handed out.
func (r *Room) newMessageId(t time.Time) string {
	if t.Before(r.lastStamp) {
		t = r.lastStamp
	}
	r.lastStamp = t
	return ulid.MustNew(ulid.Timestamp(t), r.entropy).String()
}

func (r *Room) isMember(userId string) bool {
	return slices.ContainsFunc(r.participants, func(p store.Participant) bool {
		return p.UserId == userId
	})
}

func (r *Room) handleJoin(join *ClientFrame) {
	// stop the kill timer since we have a new client
	r.killTimer.Stop()

	c := join.client
	if c.identity.TenantId != r.tenantId {
		r.resetTimerIfEmpty()
		c.queueEvent(ErrForbidden(join.Id))
		return
	}

	if !r.isMember(c.identity.UserId) {
		// the cache may lag behind roster changes made over HTTP
		if !r.gw.store.ParticipantExists(r.convId, c.identity.UserId) {
			r.resetTimerIfEmpty()
			c.queueEvent(ErrForbidden(join.Id))
			return
		}
		if err := r.reloadParticipants(); err != nil {
			r.log.Println("reload participants:", err)
			r.resetTimerIfEmpty()
			c.queueEvent(ErrStorageUnavailable(join.Id))
			return
		}
	}

	conv, err := r.gw.store.GetConversationWithParticipants(r.convId)
	if err != nil {
		r.log.Println("GetConversationWithParticipants:", err)
		r.resetTimerIfEmpty()
		c.queueEvent(ErrStorageUnavailable(join.Id))
		return
	}
	r.participants = conv.Participants

	r.addClient(c)

	info := types.Conversation{
		Id:                 conv.Id,
		ExternalId:         conv.ExternalId,
		TenantId:           conv.TenantId,
		Kind:               conv.Kind,
		Title:              conv.Title,
		LastMessageId:      conv.LastMessageId,
		LastMessagePreview: conv.LastMessagePreview,
		LastMessageAt:      conv.LastMessageAt,
		CreatedAt:          conv.CreatedAt,
		UpdatedAt:          conv.UpdatedAt,
		Participants: func() []types.Participant {
			participants := make([]types.Participant, len(conv.Participants))
			for i, p := range conv.Participants {
				participants[i] = types.Participant{
					UserId:            p.UserId,
					UnreadCount:       p.UnreadCount,
					Muted:             p.Muted,
					Pinned:            p.Pinned,
					LastReadMessageId: p.LastReadMessageId,
					LastReadAt:        p.LastReadAt,
					IsPresent:         r.userPresent(p.UserId),
					JoinedAt:          p.JoinedAt,
				}
			}
			return participants
		}(),
	}

	c.queueEvent(NoErrOK(join.Id, info))

	// notify the room the user came online
	r.broadcast(&ServerEvent{
		Event:  EventPresence,
		RoomId: r.id,
		Presence: &Presence{
			Present: true,
			UserId:  c.identity.UserId,
			RoomId:  r.id,
		},
		SkipClient: c,
	})
}

func (r *Room) handleLeave(leave *ClientFrame) {
	c := leave.client
	r.removeClient(c)

	if leave.Id > 0 {
		c.queueEvent(NoErrOK(leave.Id, nil))
	}

	// announce offline only when the user's last connection left
	if !r.userPresent(c.identity.UserId) {
		r.broadcast(&ServerEvent{
			Event:  EventPresence,
			RoomId: r.id,
			Presence: &Presence{
				Present: false,
				UserId:  c.identity.UserId,
				RoomId:  r.id,
			},
			SkipClient: c,
		})
	}
}

func (r *Room) handleSend(frame *ClientFrame) {
	c := frame.client
	if !r.isMember(c.identity.UserId) {
		c.queueEvent(ErrForbidden(frame.Id))
		return
	}

	kind := frame.Payload.Kind
	if kind == "" {
		kind = types.MessageKindText
		if frame.Payload.ReplyToId != "" {
			kind = types.MessageKindReply
		}
	}

	// the timestamp is taken here, inside the room goroutine, so ids
	// and created-at order agree with broadcast order
	createdAt := Now()
	msg := store.Message{
		Id:             r.newMessageId(createdAt),
		ConversationId: r.convId,
		SenderId:       c.identity.UserId,
		Content:        frame.Payload.Content,
		Kind:           string(kind),
		ReplyToId:      frame.Payload.ReplyToId,
		AttachmentRef:  frame.Payload.AttachmentRef,
		CreatedAt:      createdAt,
	}

	if err := r.gw.store.CreateMessage(msg); err != nil {
		r.log.Println("error saving message:", err)
		c.queueEvent(ErrStorageUnavailable(frame.Id))
		return
	}

	// the message is durable from here on; bookkeeping failures are
	// logged but never unwind the send
	if err := r.gw.store.IncrementUnread(r.convId, msg.SenderId); err != nil {
		r.log.Println("IncrementUnread:", err)
	}
	if err := r.gw.store.UpdateConversationOnMessage(msg); err != nil {
		r.log.Println("UpdateConversationOnMessage:", err)
	}
	r.bumpUnreadCache(msg.SenderId)

	if r.gw.stats != nil {
		r.gw.stats.Incr(metricMessagesPublished)
	}

	c.queueEvent(NoErrAccepted(frame.Id, map[string]any{"message_id": msg.Id}))

	r.broadcast(&ServerEvent{
		Event:     EventMessageCreated,
		RoomId:    r.id,
		Timestamp: msg.CreatedAt,
		Message:   r.wireMessage(msg),
	})

	r.notifyAway(msg)
}

func (r *Room) handleEdit(frame *ClientFrame) {
	c := frame.client

	msg, ok := r.loadOwnMessage(frame)
	if !ok {
		return
	}

	editedAt := Now()
	if err := r.gw.store.UpdateMessageContent(msg.Id, frame.Payload.Content, editedAt); err != nil {
		r.log.Println("UpdateMessageContent:", err)
		c.queueEvent(ErrStorageUnavailable(frame.Id))
		return
	}

	msg.Content = frame.Payload.Content
	msg.Edited = true

	c.queueEvent(NoErrOK(frame.Id, nil))

	r.broadcast(&ServerEvent{
		Event:     EventMessageEdited,
		RoomId:    r.id,
		Timestamp: editedAt,
		Message:   r.wireMessage(msg),
	})
}

func (r *Room) handleDelete(frame *ClientFrame) {
	c := frame.client

	msg, ok := r.loadOwnMessage(frame)
	if !ok {
		return
	}

	if err := r.gw.store.SoftDeleteMessage(msg.Id); err != nil {
		r.log.Println("SoftDeleteMessage:", err)
		c.queueEvent(ErrStorageUnavailable(frame.Id))
		return
	}

	msg.Content = ""
	msg.Deleted = true

	c.queueEvent(NoErrOK(frame.Id, nil))

	r.broadcast(&ServerEvent{
		Event:     EventMessageDeleted,
		RoomId:    r.id,
		Timestamp: Now(),
		Message:   r.wireMessage(msg),
	})
}

// loadOwnMessage fetches the edit/delete target and checks that it
// lives in this room, that the actor authored it and that it has not
// already been deleted. Failures are reported to the client.
func (r *Room) loadOwnMessage(frame *ClientFrame) (store.Message, bool) {
	c := frame.client

	msg, err := r.gw.store.GetMessage(frame.Payload.MessageId)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			c.queueEvent(ErrMessageNotFound(frame.Id))
		} else {
			r.log.Println("GetMessage:", err)
			c.queueEvent(ErrStorageUnavailable(frame.Id))
		}
		return store.Message{}, false
	}

	if msg.ConversationId != r.convId {
		c.queueEvent(ErrMessageNotFound(frame.Id))
		return store.Message{}, false
	}

	if msg.SenderId == "" || msg.SenderId != c.identity.UserId {
		c.queueEvent(ErrForbidden(frame.Id))
		return store.Message{}, false
	}

	if msg.Deleted {
		c.queueEvent(ErrInvalidFrame(frame.Id, "message is deleted"))
		return store.Message{}, false
	}

	return msg, true
}

func (r *Room) handleMarkRead(frame *ClientFrame) {
	c := frame.client
	if !r.isMember(c.identity.UserId) {
		c.queueEvent(ErrForbidden(frame.Id))
		return
	}

	// the cursor only ever moves forward, so a bogus high id would
	// stick; refuse anything that is not a real message in this room
	msg, err := r.gw.store.GetMessage(frame.Payload.MessageId)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			c.queueEvent(ErrMessageNotFound(frame.Id))
		} else {
			r.log.Println("GetMessage:", err)
			c.queueEvent(ErrStorageUnavailable(frame.Id))
		}
		return
	}
	if msg.ConversationId != r.convId {
		c.queueEvent(ErrMessageNotFound(frame.Id))
		return
	}

	readAt := Now()
	if err := r.gw.store.MarkRead(r.convId, c.identity.UserId, frame.Payload.MessageId, readAt); err != nil {
		r.log.Println("MarkRead:", err)
		c.queueEvent(ErrStorageUnavailable(frame.Id))
		return
	}
	r.resetUnreadCache(c.identity.UserId)

	c.queueEvent(NoErrOK(frame.Id, nil))

	r.broadcast(&ServerEvent{
		Event:     EventReadReceipt,
		RoomId:    r.id,
		Timestamp: readAt,
		Receipt: &ReadReceipt{
			UserId:        c.identity.UserId,
			UpToMessageId: frame.Payload.MessageId,
		},
		SkipClient: c,
	})
}

// notifyAway pushes a notification-channel event to every participant
// with no connection in the room, unless they muted the conversation
// or are inside their quiet hours. Suppression applies to delivery
// only; the message and unread counters are already persisted.
func (r *Room) notifyAway(msg store.Message) {
	for _, p := range r.participants {
		if p.UserId == msg.SenderId || r.userPresent(p.UserId) {
			continue
		}
		if p.Muted {
			continue
		}

		pref, ok := r.prefs[p.UserId]
		if !ok {
			var err error
			pref, err = r.gw.store.GetNotificationPreference(p.UserId)
			if err != nil {
				r.log.Println("GetNotificationPreference:", err)
				pref = store.NotificationPreference{UserId: p.UserId}
			}
			r.prefs[p.UserId] = pref
		}
		if pref.InQuietHours(msg.CreatedAt) {
			continue
		}

		r.gw.notify(&ServerEvent{
			Event:     EventNotification,
			RoomId:    NotificationRoom(p.UserId).String(),
			Timestamp: msg.CreatedAt,
			Notification: &MessageNotification{
				RoomId:    r.id,
				MessageId: msg.Id,
				Preview:   msg.Content,
			},
			UserId: p.UserId,
		})
	}
}

func (r *Room) wireMessage(msg store.Message) *types.Message {
	m := &types.Message{
		Id:            msg.Id,
		RoomId:        r.id,
		SenderId:      msg.SenderId,
		Content:       msg.Content,
		Kind:          types.MessageKind(msg.Kind),
		ReplyToId:     msg.ReplyToId,
		AttachmentRef: msg.AttachmentRef,
		Edited:        msg.Edited,
		Deleted:       msg.Deleted,
		Timestamp:     msg.CreatedAt,
	}

	if msg.AttachmentRef != "" && r.gw.files != nil {
		url, err := r.gw.files.ResolveURL(msg.AttachmentRef)
		if err != nil {
			r.log.Println("ResolveURL:", err)
		} else {
			m.AttachmentURL = url
		}
	}

	return m
}

func (r *Room) reloadParticipants() error {
	conv, err := r.gw.store.GetConversationWithParticipants(r.convId)
	if err != nil {
		return err
	}

	r.participants = conv.Participants
	return nil
}

func (r *Room) bumpUnreadCache(exceptUserId string) {
	for i := range r.participants {
		if r.participants[i].UserId != exceptUserId {
			r.participants[i].UnreadCount++
		}
	}
}

func (r *Room) resetUnreadCache(userId string) {
	for i := range r.participants {
		if r.participants[i].UserId == userId {
			r.participants[i].UnreadCount = 0
		}
	}
}

func (r *Room) handleRoomTimeout() {
	r.log.Printf("room %q idle, unloading", r.id)
	select {
	case r.gw.unloadRoomChan <- unloadRoomRequest{roomId: r.id}:
	default:
		// try again later
		r.killTimer.Reset(idleRoomTimeout)
	}
}

func (r *Room) handleRoomExit(e exitReq) {
	r.log.Printf("room %q is exiting", r.id)

	r.clientLock.Lock()
	for c := range r.clients {
		c.delRoom(r.id)
	}
	r.clientLock.Unlock()

	// a join may still be queued behind the exit; tell those clients
	// to retry against a freshly loaded room
	for {
		select {
		case join := <-r.joinChan:
			join.client.queueEvent(ErrServiceUnavailable(join.Id))
			continue
		default:
		}
		break
	}

	if e.done != nil {
		e.done <- r.id
	}
}

func (r *Room) userPresent(userId string) bool {
	r.clientLock.RLock()
	defer r.clientLock.RUnlock()

	return len(r.userMap[userId]) > 0
}

func (r *Room) addClient(c *Client) {
	r.clientLock.Lock()
	defer r.clientLock.Unlock()

	r.clients[c] = struct{}{}
	userId := c.identity.UserId
	if r.userMap[userId] == nil {
		r.userMap[userId] = make(map[*Client]struct{})
	}
	r.userMap[userId][c] = struct{}{}

	c.addRoom(r)
}

func (r *Room) removeClient(c *Client) {
	r.clientLock.Lock()
	defer r.clientLock.Unlock()

	if _, ok := r.clients[c]; !ok {
		return
	}

	delete(r.clients, c)
	c.delRoom(r.id)

	userId := c.identity.UserId
	if userClients, ok := r.userMap[userId]; ok {
		delete(userClients, c)
		if len(userClients) == 0 {
			delete(r.userMap, userId)
		}
	}

	if len(r.clients) == 0 {
		r.log.Printf("no clients in %q, starting kill timer", r.id)
		r.killTimer.Reset(idleRoomTimeout)
	}
}

func (r *Room) resetTimerIfEmpty() {
	r.clientLock.RLock()
	defer r.clientLock.RUnlock()

	if len(r.clients) == 0 {
		r.killTimer.Reset(idleRoomTimeout)
	}
}

// broadcast queues the event on every connection currently in the
// room. Slow or closed peers drop the delivery; they catch up from
// durable history.
func (r *Room) broadcast(ev *ServerEvent) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = Now()
	}

	r.clientLock.RLock()
	defer r.clientLock.RUnlock()

	for client := range r.clients {
		if client == ev.SkipClient {
			continue
		}

		client.queueEvent(ev)
	}
}
