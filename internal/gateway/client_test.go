package gateway

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/campushub/chat-relay/internal/stats"
	"github.com/campushub/chat-relay/internal/store"
)

func Test_queueEvent(t *testing.T) {
	t.Run("queues while capacity remains", func(t *testing.T) {
		gw := newTestGateway(t, &store.MockRelayRepository{}, &stats.MockStatsUpdater{})
		c := newTestClient(gw, "u1", "t1")

		assert.True(t, c.queueEvent(NoErrOK(1, nil)))
		assert.Len(t, c.send, 1)
	})

	t.Run("drops when the queue is full", func(t *testing.T) {
		su := &stats.MockStatsUpdater{}
		su.On("Incr", metricDroppedDeliveries).Return(nil).Once()

		gw := newTestGateway(t, &store.MockRelayRepository{}, su)
		c := newTestClient(gw, "u1", "t1")
		c.send = make(chan *ServerEvent, 1)
		c.send <- NoErrOK(1, nil)

		assert.False(t, c.queueEvent(NoErrOK(2, nil)))
		su.AssertExpectations(t)
	})
}

func Test_clientRoomBookkeeping(t *testing.T) {
	gw := newTestGateway(t, &store.MockRelayRepository{}, &stats.MockStatsUpdater{})
	c := newTestClient(gw, "u1", "t1")

	r := newRoom(gw, testConversation())
	c.addRoom(r)
	assert.Equal(t, r, c.getRoom(r.id))

	ids := c.roomIds()
	assert.Contains(t, ids, "notif:u1", "expected the implicit notification channel")
	assert.Contains(t, ids, r.id)

	c.delRoom(r.id)
	assert.Nil(t, c.getRoom(r.id))
}

func Test_joinRoom_notificationChannel(t *testing.T) {
	t.Run("own channel acks immediately", func(t *testing.T) {
		gw := newTestGateway(t, &store.MockRelayRepository{}, &stats.MockStatsUpdater{})
		c := newTestClient(gw, "u1", "t1")

		c.joinRoom(&ClientFrame{Id: 1, Action: ActionJoinRoom, RoomId: "notif:u1", client: c})

		ev := recvEvent(t, c)
		assert.Equal(t, 200, ev.Response.ResponseCode)
		assert.Empty(t, gw.joinChan, "expected no room load for a notification channel")
	})

	t.Run("someone else's channel is forbidden", func(t *testing.T) {
		gw := newTestGateway(t, &store.MockRelayRepository{}, &stats.MockStatsUpdater{})
		c := newTestClient(gw, "u1", "t1")

		c.joinRoom(&ClientFrame{Id: 1, Action: ActionJoinRoom, RoomId: "notif:u2", client: c})

		ev := recvEvent(t, c)
		assert.Equal(t, 403, ev.Response.ResponseCode)
	})

	t.Run("cannot be left", func(t *testing.T) {
		gw := newTestGateway(t, &store.MockRelayRepository{}, &stats.MockStatsUpdater{})
		c := newTestClient(gw, "u1", "t1")

		c.leaveRoom(&ClientFrame{Id: 1, Action: ActionLeaveRoom, RoomId: "notif:u1", client: c})

		ev := recvEvent(t, c)
		assert.Equal(t, 400, ev.Response.ResponseCode)
		assert.Contains(t, ev.Response.Error, "cannot leave notification channel")
	})
}

func Test_leaveRoom_notJoined(t *testing.T) {
	gw := newTestGateway(t, &store.MockRelayRepository{}, &stats.MockStatsUpdater{})
	c := newTestClient(gw, "u1", "t1")

	c.leaveRoom(&ClientFrame{Id: 1, Action: ActionLeaveRoom, RoomId: "conv:abc", client: c})

	ev := recvEvent(t, c)
	assert.Equal(t, 200, ev.Response.ResponseCode, "expected leaving an unjoined room to be a no-op")
}

func Test_joinRoom_conversation(t *testing.T) {
	gw := newTestGateway(t, &store.MockRelayRepository{}, &stats.MockStatsUpdater{})
	c := newTestClient(gw, "u1", "t1")

	frame := &ClientFrame{Id: 1, Action: ActionJoinRoom, RoomId: "conv:abc", client: c}
	c.joinRoom(frame)

	select {
	case queued := <-gw.joinChan:
		assert.Equal(t, frame, queued)
	default:
		t.Error("expected the join to be forwarded to the gateway")
	}
}

func Test_handleFrame(t *testing.T) {
	t.Run("ping", func(t *testing.T) {
		gw := newTestGateway(t, &store.MockRelayRepository{}, &stats.MockStatsUpdater{})
		c := newTestClient(gw, "u1", "t1")

		c.handleFrame(&ClientFrame{Id: 1, Action: ActionPing})

		ev := recvEvent(t, c)
		assert.Equal(t, 200, ev.Response.ResponseCode)
	})

	t.Run("invalid frame shape", func(t *testing.T) {
		gw := newTestGateway(t, &store.MockRelayRepository{}, &stats.MockStatsUpdater{})
		c := newTestClient(gw, "u1", "t1")

		c.handleFrame(&ClientFrame{Id: 1, Action: ActionSendMessage, RoomId: "conv:abc"})

		ev := recvEvent(t, c)
		assert.Equal(t, 400, ev.Response.ResponseCode)
	})

	t.Run("room operation without joining first", func(t *testing.T) {
		gw := newTestGateway(t, &store.MockRelayRepository{}, &stats.MockStatsUpdater{})
		c := newTestClient(gw, "u1", "t1")

		c.handleFrame(&ClientFrame{
			Id:      1,
			Action:  ActionSendMessage,
			RoomId:  "conv:abc",
			Payload: &FramePayload{Content: "hello"},
		})

		ev := recvEvent(t, c)
		assert.Equal(t, 404, ev.Response.ResponseCode)
	})

	t.Run("room frame channel is full", func(t *testing.T) {
		gw := newTestGateway(t, &store.MockRelayRepository{}, &stats.MockStatsUpdater{})
		c := newTestClient(gw, "u1", "t1")

		r := newRoom(gw, testConversation())
		r.frameChan = make(chan *ClientFrame, 1)
		r.frameChan <- &ClientFrame{}
		c.addRoom(r)

		c.handleFrame(&ClientFrame{
			Id:      1,
			Action:  ActionSendMessage,
			RoomId:  r.id,
			Payload: &FramePayload{Content: "hello"},
		})

		ev := recvEvent(t, c)
		assert.Equal(t, 503, ev.Response.ResponseCode)
	})
}

func Test_stopClient(t *testing.T) {
	gw := newTestGateway(t, &store.MockRelayRepository{}, &stats.MockStatsUpdater{})
	c := newTestClient(gw, "u1", "t1")

	c.stopClient()
	select {
	case <-c.stop:
	default:
		t.Error("expected stop channel to be closed")
	}

	// stopping twice must not panic
	c.stopClient()
}

func Test_leaveAllRooms(t *testing.T) {
	gw := newTestGateway(t, &store.MockRelayRepository{}, &stats.MockStatsUpdater{})
	c := newTestClient(gw, "u1", "t1")

	r := newRoom(gw, testConversation())
	c.addRoom(r)

	c.leaveAllRooms()

	select {
	case leave := <-r.leaveChan:
		assert.Equal(t, ActionLeaveRoom, leave.Action)
		assert.Equal(t, c, leave.client)
	default:
		t.Error("expected a leave frame for the joined room")
	}
}

// A room draining its leave channel takes the client's rooms lock in
// removeClient; leaveAllRooms must not hold that lock while its own
// send is blocked on a full channel.
func Test_leaveAllRooms_blockedChannel(t *testing.T) {
	gw := newTestGateway(t, &store.MockRelayRepository{}, &stats.MockStatsUpdater{})
	c := newTestClient(gw, "u1", "t1")

	r := newRoom(gw, testConversation())
	r.leaveChan = make(chan *ClientFrame, 1)
	r.leaveChan <- &ClientFrame{Action: ActionLeaveRoom, RoomId: r.id}
	c.addRoom(r)

	done := make(chan struct{})
	go func() {
		c.leaveAllRooms()
		close(done)
	}()

	// the rooms lock must stay acquirable while the send is blocked
	locked := make(chan struct{})
	go func() {
		c.roomsLock.Lock()
		c.roomsLock.Unlock()
		close(locked)
	}()
	select {
	case <-locked:
	case <-time.After(time.Second):
		t.Fatal("rooms lock held across a blocked leave send")
	}

	<-r.leaveChan
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("leaveAllRooms never finished")
	}
}

// Leaving a room that has already exited must not block either.
func Test_leaveAllRooms_exitedRoom(t *testing.T) {
	gw := newTestGateway(t, &store.MockRelayRepository{}, &stats.MockStatsUpdater{})
	c := newTestClient(gw, "u1", "t1")

	r := newRoom(gw, testConversation())
	r.leaveChan = make(chan *ClientFrame)
	close(r.done)
	c.addRoom(r)

	done := make(chan struct{})
	go func() {
		c.leaveAllRooms()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("leaveAllRooms blocked on an exited room")
	}
}
