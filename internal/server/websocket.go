package server

import (
	"encoding/json"
	"net/http"
	"time"

	"PositionLedger/internal/monitor"
	"PositionLedger/internal/query"

	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// Client message types.
const (
	wsSubscribe   = "subscribe"
	wsUnsubscribe = "unsubscribe"
	wsPing        = "ping"
)

type wsClientMessage struct {
	Type    string   `json:"type"`
	Symbols []string `json:"symbols,omitempty"`
}

// WSMessage is one frame sent to a feed client.
type WSMessage struct {
	Type     string                  `json:"type"`
	Symbol   string                  `json:"symbol,omitempty"`
	Symbols  []string                `json:"symbols,omitempty"`
	Price    *query.PriceResponse    `json:"price,omitempty"`
	Position *query.PositionResponse `json:"position,omitempty"`
	Alert    *query.AlertResponse    `json:"alert,omitempty"`
	Error    string                  `json:"error,omitempty"`
}

func newFeedMessage(msg monitor.Message) WSMessage {
	out := WSMessage{Type: msg.Type, Symbol: msg.Symbol}
	switch {
	case msg.Price != nil:
		p := query.NewPriceResponse(*msg.Price)
		out.Price = &p
	case msg.Position != nil:
		out.Position = query.NewViewResponse(*msg.Position)
	case msg.Alert != nil:
		out.Alert = query.NewAlertResponse(*msg.Alert)
	}
	return out
}

// serveWS upgrades the connection and attaches it to the monitor hub. An
// empty subscription receives every symbol.
func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	hub := s.monitor.Hub()
	sub := hub.Subscribe(s.subscriberQueue)
	replies := make(chan WSMessage, 16)
	done := make(chan struct{})

	go func() {
		defer close(done)
		s.writePump(conn, sub, replies)
	}()

	// Read pump: runs until the client goes away. Unsubscribing closes the
	// feed queue, which stops the write pump.
	defer hub.Unsubscribe(sub)

	reply := func(msg WSMessage) bool {
		select {
		case replies <- msg:
			return true
		case <-done:
			return false
		}
	}

	conn.SetReadLimit(64 * 1024)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Debug().Err(err).Msg("websocket read failed")
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(pongWait))

		var msg wsClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			if !reply(WSMessage{Type: "error", Error: "malformed message"}) {
				return
			}
			continue
		}

		var out WSMessage
		switch msg.Type {
		case wsSubscribe:
			sub.Subscribe(msg.Symbols...)
			out = WSMessage{Type: "subscribed", Symbols: sub.Symbols()}
		case wsUnsubscribe:
			sub.Unsubscribe(msg.Symbols...)
			out = WSMessage{Type: "unsubscribed", Symbols: sub.Symbols()}
		case wsPing:
			out = WSMessage{Type: "pong"}
		default:
			out = WSMessage{Type: "error", Error: "unknown message type " + msg.Type}
		}
		if !reply(out) {
			return
		}
	}
}

// writePump owns all writes to conn.
func (s *Server) writePump(conn *websocket.Conn, sub *monitor.Subscriber, replies <-chan WSMessage) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	write := func(msg WSMessage) bool {
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		return conn.WriteJSON(msg) == nil
	}

	if !write(WSMessage{Type: "connected"}) {
		return
	}

	for {
		select {
		case msg, ok := <-sub.C():
			if !ok {
				conn.SetWriteDeadline(time.Now().Add(writeWait))
				conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if !write(newFeedMessage(msg)) {
				return
			}

		case reply := <-replies:
			if !write(reply) {
				return
			}

		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
