package gateway

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"time"

	"github.com/gorilla/websocket"

	"github.com/campushub/chat-relay/internal/config"
	"github.com/campushub/chat-relay/internal/files"
	"github.com/campushub/chat-relay/internal/stats"
	"github.com/campushub/chat-relay/internal/store"
)

const (
	metricActiveConnections = "ActiveConnections"
	metricActiveRooms       = "ActiveRooms"
	metricMessagesPublished = "MessagesPublished"
	metricDroppedDeliveries = "DroppedDeliveries"
)

type stopReq struct {
	done chan struct{}
}

// Gateway owns the connection registry and the set of live rooms. Its
// run loop is the single writer for the rooms map; rooms themselves
// run their own goroutine.
type Gateway struct {
	log   *log.Logger
	store store.RelayRepository
	files files.Resolver
	stats stats.StatsProvider

	registry *Registry
	rooms    map[string]*Room

	joinChan       chan *ClientFrame
	notifyChan     chan *ServerEvent
	unloadRoomChan chan unloadRoomRequest
	registerChan   chan *Client
	deregisterChan chan *Client

	idleTimeout             time.Duration
	malformedFrameThreshold int
	outboundQueueSize       int

	stop chan stopReq

	// stopped is closed when the run loop exits; connection teardown
	// still in flight selects on it instead of blocking on a channel
	// nobody drains anymore.
	stopped chan struct{}
}

func NewGateway(logger *log.Logger, db store.RelayRepository, fr files.Resolver, su stats.StatsProvider, cfg *config.Config) (*Gateway, error) {
	gw := &Gateway{
		log:                     logger,
		store:                   db,
		files:                   fr,
		stats:                   su,
		registry:                NewRegistry(),
		rooms:                   make(map[string]*Room),
		joinChan:                make(chan *ClientFrame, 256),
		notifyChan:              make(chan *ServerEvent, 256),
		unloadRoomChan:          make(chan unloadRoomRequest, 256),
		registerChan:            make(chan *Client, 256),
		deregisterChan:          make(chan *Client, 256),
		idleTimeout:             cfg.IdleTimeout,
		malformedFrameThreshold: cfg.MalformedFrameThreshold,
		outboundQueueSize:       cfg.OutboundQueueSize,
		stop:                    make(chan stopReq),
		stopped:                 make(chan struct{}),
	}

	su.RegisterMetric(metricActiveConnections)
	su.RegisterMetric(metricActiveRooms)
	su.RegisterMetric(metricMessagesPublished)
	su.RegisterMetric(metricDroppedDeliveries)

	return gw, nil
}

func (gw *Gateway) Run() {
	for {
		select {
		case join := <-gw.joinChan:
			gw.handleJoin(join)
		case c := <-gw.registerChan:
			if c.dead.Load() {
				// the socket died before its register was processed;
				// adding it now would leave a zombie in the registry
				continue
			}
			gw.log.Printf("adding connection %q for user %q", c.id, c.identity.UserId)
			gw.registry.Register(c)
			gw.stats.Incr(metricActiveConnections)
		case c := <-gw.deregisterChan:
			if _, ok := gw.registry.Get(c.id); !ok {
				// already unregistered
				continue
			}
			gw.log.Printf("removing connection %q for user %q", c.id, c.identity.UserId)
			gw.registry.Unregister(c.id)
			gw.stats.Decr(metricActiveConnections)
		case ev := <-gw.notifyChan:
			// fan a user-targeted event out to every device/tab the
			// user has open
			for _, c := range gw.registry.ConnectionsForUser(ev.UserId) {
				if c == ev.SkipClient {
					continue
				}
				c.queueEvent(ev)
			}
		case req := <-gw.unloadRoomChan:
			gw.unloadRoom(req.roomId)
		case req := <-gw.stop:
			gw.log.Println("shutting down rooms")
			for _, r := range gw.rooms {
				done := make(chan string)
				r.exit <- exitReq{done: done}
				<-done
				<-r.done
			}
			gw.rooms = make(map[string]*Room)

			// close every remaining connection with a going-away code
			for _, c := range gw.registry.All() {
				c.closeWith(websocket.CloseGoingAway, "server shutting down")
				c.stopClient()
			}

			close(gw.stopped)
			close(req.done)
			return
		}
	}
}

// handleJoin routes a join to the live room, loading it from storage
// on first use.
func (gw *Gateway) handleJoin(join *ClientFrame) {
	if room, ok := gw.rooms[join.RoomId]; ok {
		select {
		case room.joinChan <- join:
		default:
			gw.log.Printf("join channel full on room %q", room.id)
			join.client.queueEvent(ErrServiceUnavailable(join.Id))
		}
		return
	}

	roomId, err := ParseRoomId(join.RoomId)
	if err != nil || roomId.Kind != RoomKindConversation {
		join.client.queueEvent(ErrRoomNotFound(join.Id))
		return
	}

	conv, err := gw.store.GetConversationByExternalId(roomId.Target)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			join.client.queueEvent(ErrRoomNotFound(join.Id))
		} else {
			gw.log.Println("GetConversationByExternalId:", err)
			join.client.queueEvent(ErrStorageUnavailable(join.Id))
		}
		return
	}

	// tenant isolation happens before the room is even loaded
	if conv.TenantId != join.client.identity.TenantId {
		join.client.queueEvent(ErrForbidden(join.Id))
		return
	}

	full, err := gw.store.GetConversationWithParticipants(conv.Id)
	if err != nil {
		gw.log.Println("GetConversationWithParticipants:", err)
		join.client.queueEvent(ErrStorageUnavailable(join.Id))
		return
	}

	room := newRoom(gw, full)
	gw.rooms[room.id] = room
	gw.stats.Incr(metricActiveRooms)
	room.joinChan <- join

	go room.start()
}

func (gw *Gateway) unloadRoom(roomId string) {
	r, ok := gw.rooms[roomId]
	if !ok {
		return
	}

	// a join may have raced the idle timeout; keep occupied rooms
	r.clientLock.RLock()
	occupied := len(r.clients) > 0
	r.clientLock.RUnlock()
	if occupied {
		return
	}

	gw.log.Printf("unloading room %q", roomId)
	delete(gw.rooms, roomId)
	gw.stats.Decr(metricActiveRooms)

	done := make(chan string)
	r.exit <- exitReq{done: done}
	<-done
	<-r.done
}

// RegisterClient hands a freshly authenticated connection to the run
// loop. The connection's notification channel is live from this point.
func (gw *Gateway) RegisterClient(c *Client) {
	select {
	case gw.registerChan <- c:
	case <-gw.stopped:
	}
}

func (gw *Gateway) notify(ev *ServerEvent) {
	select {
	case gw.notifyChan <- ev:
	default:
		gw.log.Printf("notify channel full, dropping notification for user %q", ev.UserId)
		if gw.stats != nil {
			gw.stats.Incr(metricDroppedDeliveries)
		}
	}
}

func (gw *Gateway) Shutdown(ctx context.Context) error {
	req := stopReq{done: make(chan struct{})}

	select {
	case gw.stop <- req:
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-req.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
