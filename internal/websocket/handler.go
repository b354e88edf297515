package websocket

import (
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/wulonghui/dea-ng/internal/interfaces"
	"github.com/wulonghui/dea-ng/internal/logger"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

func HandleWebSocket(hub *Hub, w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Logger.Warn().Err(err).Msg("WebSocket upgrade error")
		return
	}

	client := &Client{
		hub:  hub,
		conn: conn,
		send: make(chan []byte, sendBuffer),
	}

	select {
	case hub.register <- client:
	case <-hub.done:
		conn.Close()
		return
	}

	go client.WritePump()
	go client.ReadPump()
}

func BroadcastTaskUpdate(hub *Hub, rec *interfaces.TaskRecord) {
	message, err := marshalUpdate("staging_task_update", rec)
	if err != nil {
		logger.Logger.Error().Err(err).Msg("Failed to marshal staging task update")
		return
	}

	hub.Broadcast(message)
}
