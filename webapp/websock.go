package webapp

import (
	"context"
	"io"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mlctrez/fauxmo/natsserver"
	"github.com/mlctrez/web"
	"github.com/nats-io/go-nats"
)

// OnConnected streams state change events to ws until either side goes away.
func (w *WebContext) OnConnected(ws *websocket.Conn) {

	webSocketcontext, cancel := context.WithCancel(w.App.ctx)
	defer cancel()

	app := w.App
	logger := app.logger
	address := ws.RemoteAddr().String()
	logger.Println("new client", address, "connected")

	defer func() {
		closeMessage := websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "shutting down or restarting")
		err := ws.WriteControl(websocket.CloseMessage, closeMessage, time.Now().Add(time.Millisecond*500))
		if err != nil && err != websocket.ErrCloseSent {
			logger.Println("client", address, "error sending close message", err)
		}
		if err = ws.Close(); err != nil {
			logger.Println("client", address, "error closing socket", err)
		}
	}()

	subscription, err := app.Nats.Subscribe(natsserver.SubjectStateChange, func(msg *nats.Msg) {
		if err := ws.WriteMessage(websocket.TextMessage, msg.Data); err != nil {
			logger.Println("Messages error writing to client", address, err)
			cancel()
		}
	})
	if err != nil {
		logger.Println("Nats.Subscribe", err)
		return
	}
	defer subscription.Unsubscribe()

	go func() {
		for {
			if _, _, err := ws.NextReader(); err != nil {
				if err != io.EOF && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					logger.Println("receive error", address, err)
				}
				cancel()
				return
			}
		}
	}()
	<-webSocketcontext.Done()
	logger.Println("OnConnected exit", address)
}

func (w *WebContext) Messages(rw web.ResponseWriter, req *web.Request) {
	ws, err := w.App.upgrader.Upgrade(rw, req.Request, nil)
	if err != nil {
		// the upgrader has already replied with an error status
		w.App.logger.Println("Messages Upgrade", err)
		return
	}
	w.OnConnected(ws)
}
