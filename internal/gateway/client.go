package gateway

import (
	"encoding/json"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/campushub/chat-relay/internal/stats"
	"github.com/campushub/chat-relay/internal/types"
)

const (
	writeWait    = 10 * time.Second
	maxFrameSize = 8192
)

// Client is one websocket connection with an authenticated identity.
// A connection is implicitly subscribed to its own notification
// channel for its whole lifetime and to the conversation rooms it has
// explicitly joined.
type Client struct {
	id        string
	conn      *websocket.Conn
	gw        *Gateway
	log       *log.Logger
	stats     stats.StatsProvider
	identity  types.Identity
	send      chan *ServerEvent
	rooms     map[string]*Room
	roomsLock sync.RWMutex
	stop      chan struct{}
	stopOnce  sync.Once
	createdAt time.Time

	// dead is set by cleanup before the deregister is queued; the run
	// loop drops a register still in flight for a dead connection.
	dead atomic.Bool

	// malformedFrames counts unparseable frames; crossing the
	// configured threshold closes the connection with a protocol
	// error.
	malformedFrames int
}

func NewClient(identity types.Identity, conn *websocket.Conn, gw *Gateway, l *log.Logger, su stats.StatsProvider) *Client {
	return &Client{
		conn:      conn,
		gw:        gw,
		log:       l,
		stats:     su,
		identity:  identity,
		send:      make(chan *ServerEvent, gw.outboundQueueSize),
		rooms:     make(map[string]*Room),
		stop:      make(chan struct{}),
		createdAt: time.Now(),
	}
}

// RequestJoin subscribes the connection to a room outside the frame
// protocol. The handshake path uses it for /ws/{room} auto-joins.
func (c *Client) RequestJoin(roomId string) {
	c.joinRoom(&ClientFrame{Action: ActionJoinRoom, RoomId: roomId, client: c})
}

func (c *Client) Write() {
	ticker := time.NewTicker(c.gw.idleTimeout * 9 / 10)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case ev, ok := <-c.send:
			if !ok {
				return
			}

			bytes, err := serializeEvent(ev)
			if err != nil {
				c.log.Println("failed to serialize event:", err)
				continue
			}

			if !c.writeFrame(websocket.TextMessage, bytes) {
				return
			}
		case <-c.stop:
			return
		case <-ticker.C:
			if !c.writeFrame(websocket.PingMessage, nil) {
				return
			}
		}
	}
}

func (c *Client) Read() {
	defer func() {
		c.conn.Close()
		c.cleanup()
	}()

	c.conn.SetReadLimit(maxFrameSize)
	c.conn.SetReadDeadline(time.Now().Add(c.gw.idleTimeout))
	c.conn.SetPongHandler(func(appData string) error {
		c.conn.SetReadDeadline(time.Now().Add(c.gw.idleTimeout))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
				websocket.CloseNormalClosure) {
				c.log.Printf("ws: read: %v", err)
			}
			break
		}

		// any inbound frame counts as activity
		c.conn.SetReadDeadline(time.Now().Add(c.gw.idleTimeout))

		var frame ClientFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			c.malformedFrames++
			if c.gw.malformedFrameThreshold > 0 && c.malformedFrames >= c.gw.malformedFrameThreshold {
				c.log.Printf("closing connection for user %q: malformed frame limit reached", c.identity.UserId)
				c.closeWith(websocket.CloseProtocolError, "malformed frame limit reached")
				break
			}
			c.queueEvent(ErrInvalidFrame(-1, ""))
			continue
		}

		c.handleFrame(&frame)
	}
}

func (c *Client) handleFrame(frame *ClientFrame) {
	frame.client = c

	if err := frame.validate(); err != nil {
		c.queueEvent(ErrInvalidFrame(frame.Id, err.Error()))
		return
	}

	switch frame.Action {
	case ActionPing:
		c.queueEvent(NoErrOK(frame.Id, nil))
	case ActionJoinRoom:
		c.joinRoom(frame)
	case ActionLeaveRoom:
		c.leaveRoom(frame)
	default:
		// send_message, edit_message, delete_message, mark_read all
		// run inside the room's goroutine
		r := c.getRoom(frame.RoomId)
		if r == nil {
			c.queueEvent(ErrRoomNotFound(frame.Id))
			return
		}

		select {
		case r.frameChan <- frame:
		default:
			c.queueEvent(ErrServiceUnavailable(frame.Id))
			c.log.Printf("frameChan full for room %q", r.id)
		}
	}
}

func (c *Client) joinRoom(frame *ClientFrame) {
	roomId, err := ParseRoomId(frame.RoomId)
	if err != nil {
		c.queueEvent(ErrInvalidFrame(frame.Id, err.Error()))
		return
	}

	if roomId.Kind == RoomKindNotification {
		// a connection only ever holds its own notification channel,
		// and it is subscribed from registration
		if roomId.Target != c.identity.UserId {
			c.queueEvent(ErrForbidden(frame.Id))
			return
		}
		c.queueEvent(NoErrOK(frame.Id, nil))
		return
	}

	select {
	case c.gw.joinChan <- frame:
	default:
		c.log.Printf("joinChan full")
		c.queueEvent(ErrServiceUnavailable(frame.Id))
	}
}

func (c *Client) leaveRoom(frame *ClientFrame) {
	roomId, err := ParseRoomId(frame.RoomId)
	if err != nil {
		c.queueEvent(ErrInvalidFrame(frame.Id, err.Error()))
		return
	}

	if roomId.Kind == RoomKindNotification {
		c.queueEvent(ErrInvalidFrame(frame.Id, "cannot leave notification channel"))
		return
	}

	r := c.getRoom(frame.RoomId)
	if r == nil {
		// leaving a room you never joined is a no-op
		if frame.Id > 0 {
			c.queueEvent(NoErrOK(frame.Id, nil))
		}
		return
	}

	select {
	case r.leaveChan <- frame:
	default:
		c.log.Printf("leaveChan full for room %q", r.id)
		c.queueEvent(ErrServiceUnavailable(frame.Id))
	}
}

// queueEvent enqueues an event on the client's bounded outbound queue.
// A full queue drops the delivery rather than blocking the publisher;
// the client recovers missed messages from history on its next sync.
func (c *Client) queueEvent(ev *ServerEvent) bool {
	select {
	case c.send <- ev:
	default:
		if c.stats != nil {
			c.stats.Incr(metricDroppedDeliveries)
		}
		c.log.Printf("dropping delivery to user %q, outbound queue full", c.identity.UserId)
		return false
	}

	return true
}

func serializeEvent(ev *ServerEvent) ([]byte, error) {
	return json.Marshal(ev)
}

func (c *Client) writeFrame(msgType int, msg []byte) bool {
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))

	if err := c.conn.WriteMessage(msgType, msg); err != nil {
		if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
			websocket.CloseNormalClosure) {
			c.log.Printf("write frame: %s", err)
		}
		return false
	}

	return true
}

// closeWith sends a close frame with the given code. WriteControl is
// safe to call concurrently with the write pump.
func (c *Client) closeWith(code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	if err := c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait)); err != nil {
		c.log.Printf("write close frame: %v", err)
	}
}

func (c *Client) stopClient() {
	c.stopOnce.Do(func() {
		close(c.stop)
	})
}

func (c *Client) cleanup() {
	c.dead.Store(true)

	select {
	case c.gw.deregisterChan <- c:
	case <-c.gw.stopped:
		// the run loop is gone; shutdown already emptied the registry
	}

	c.leaveAllRooms()
	c.stopClient()
}

func (c *Client) leaveAllRooms() {
	// snapshot first: a room draining its leaveChan may be blocked in
	// removeClient waiting on this same lock
	c.roomsLock.RLock()
	rooms := make([]*Room, 0, len(c.rooms))
	for _, room := range c.rooms {
		rooms = append(rooms, room)
	}
	c.roomsLock.RUnlock()

	for _, room := range rooms {
		select {
		case room.leaveChan <- &ClientFrame{
			Action: ActionLeaveRoom,
			RoomId: room.id,
			client: c,
		}:
		case <-room.done:
		}
	}
}

func (c *Client) delRoom(id string) {
	c.roomsLock.Lock()
	defer c.roomsLock.Unlock()

	delete(c.rooms, id)
}

func (c *Client) addRoom(r *Room) {
	c.roomsLock.Lock()
	defer c.roomsLock.Unlock()

	c.rooms[r.id] = r
}

func (c *Client) getRoom(id string) *Room {
	c.roomsLock.RLock()
	defer c.roomsLock.RUnlock()

	if room, ok := c.rooms[id]; ok {
		return room
	}

	return nil
}

// roomIds returns every room the connection currently holds,
// including its implicit notification channel.
func (c *Client) roomIds() []string {
	c.roomsLock.RLock()
	defer c.roomsLock.RUnlock()

	ids := make([]string, 0, len(c.rooms)+1)
	ids = append(ids, NotificationRoom(c.identity.UserId).String())
	for id := range c.rooms {
		ids = append(ids, id)
	}
	return ids
}
