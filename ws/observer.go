package ws

import (
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"
)

type closeCause int

const (
	causeReadError closeCause = iota + 1
	causeWriteError
	causePingError
	causePeerClose
	causeSlowObserver
	causeServerStop
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 3 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = 20 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 25 * time.Second

	// Inbound frames are ignored but still size-capped.
	readLimit = 512

	// Broadcasts queued per observer before it counts as stalled.
	observerQueueLen = 32
)

// Observer is one live push connection. It holds nothing beyond the
// connection handle; a reconnecting peer gets a brand-new Observer.
type Observer struct {
	sync.Mutex

	sid  string
	hub  *Hub
	conn *websocket.Conn

	dataChan chan []byte
	closing  bool
}

func (o *Observer) close(cause closeCause) {
	o.Lock()
	defer o.Unlock()
	if o.closing {
		return
	}
	o.closing = true

	// The send loop owns data writes on the conn and may be blocked in
	// one right now; only a control-frame write is safe alongside it.
	_ = o.conn.WriteControl(websocket.CloseMessage, []byte{}, time.Now().Add(writeWait))
	o.conn.Close()

	close(o.dataChan)

	glog.V(5).Infof("observer %s closed, cause: %d", o.sid, cause)
	o.hub.unregister(o.sid)
}

// enqueue hands a serialized envelope to the send loop without ever
// blocking the broadcaster. False means closed or stalled.
func (o *Observer) enqueue(payload []byte) bool {
	o.Lock()
	defer o.Unlock()
	if o.closing {
		return false
	}
	select {
	case o.dataChan <- payload:
		return true
	default:
		return false
	}
}

// recvLoop drains the connection. Observers are not expected to send
// anything; reading is only how we notice pongs and disconnects.
func (o *Observer) recvLoop() {
	defer glog.V(5).Infof("recvLoop(): exited, observer: %s", o.sid)

	o.conn.SetReadLimit(readLimit)
	o.conn.SetReadDeadline(time.Now().Add(pongWait))
	o.conn.SetPongHandler(func(string) error {
		o.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, msg, err := o.conn.ReadMessage(); err != nil {
			glog.V(5).Infof("recvLoop(): read error, observer %s: %v", o.sid, err)
			o.close(causeReadError)
			return
		} else if len(msg) > 0 {
			glog.V(5).Infof("recvLoop(): ignoring %d bytes from observer %s", len(msg), o.sid)
		}
	}
}

func (o *Observer) sendLoop() {
	pingTicker := time.NewTicker(pingPeriod)
	defer func() {
		pingTicker.Stop()
		glog.V(5).Infof("sendLoop(): exited, observer: %s", o.sid)
	}()

	for {
		select {
		case payload, ok := <-o.dataChan:
			if !ok { // closed by close()
				o.conn.Close()
				return
			}
			o.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := o.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				glog.Errorf("sendLoop(): write error, observer %s: %v", o.sid, err)
				deliveryFailures.Inc()
				o.close(causeWriteError)
				return
			}
		case <-pingTicker.C:
			o.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := o.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				glog.Errorf("sendLoop(): ping error, observer %s: %v", o.sid, err)
				o.close(causePingError)
				return
			}
		}
	}
}
