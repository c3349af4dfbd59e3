package webapp

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mlctrez/fauxmo"
	"github.com/mlctrez/fauxmo/apiserver"
	"github.com/mlctrez/fauxmo/device"
	"github.com/mlctrez/fauxmo/hlog"
	"github.com/mlctrez/fauxmo/natsserver"
	"github.com/mlctrez/web"
	"github.com/nats-io/go-nats"
)

// Source provides the live generation.
type Source interface {
	Current() *fauxmo.Generation
}

// Bus is the part of the nats server the web app needs.
type Bus interface {
	natsserver.NatsPublisher
	Subscribe(subject string, cb nats.Handler) (*nats.Subscription, error)
}

type WebApp struct {
	logger     *hlog.HLog
	ctx        context.Context
	Source     Source
	Nats       Bus
	dispatcher *apiserver.Dispatcher
	upgrader   websocket.Upgrader
	// TLSConfig switches Run to https when set.
	TLSConfig *tls.Config
}

type WebContext struct {
	App *WebApp
}

func New(source Source, bus Bus, logger *log.Logger) *WebApp {
	return &WebApp{
		Source:     source,
		Nats:       bus,
		logger:     hlog.New(logger, "WebApp"),
		dispatcher: apiserver.NewDispatcher(bus, logger),
		upgrader:   websocket.Upgrader{ReadBufferSize: 1024, WriteBufferSize: 1024},
		ctx:        context.Background(),
	}
}

type Device struct {
	ID       string       `json:"id"`
	Name     string       `json:"name"`
	Port     int          `json:"port"`
	State    device.State `json:"state"`
	SetupURL string       `json:"setup_url"`
}

type DevicesResponse struct {
	Generation int      `json:"generation"`
	BootID     int64    `json:"boot_id"`
	Devices    []Device `json:"devices"`
}

func (w *WebContext) Devices(rw web.ResponseWriter, req *web.Request) {
	dr := &DevicesResponse{Devices: []Device{}}
	if g := w.App.Source.Current(); g != nil {
		dr.Generation = g.Number
		dr.BootID = g.Snapshot.BootID()
		for _, d := range g.Snapshot.Devices() {
			state, ok := g.Cache.Get(d.ID)
			if !ok {
				state = device.StateOff
			}
			dr.Devices = append(dr.Devices, Device{
				ID:       d.ID,
				Name:     d.Name,
				Port:     d.Port,
				State:    state,
				SetupURL: fmt.Sprintf("http://%s:%d/%s/setup.xml", g.Snapshot.IP(), d.Port, d.ID),
			})
		}
	}
	rw.Header().Set("Content-Type", "application/json")
	json.NewEncoder(rw).Encode(dr)
}

// ChangeState switches a device from the web ui the same way a hub would.
func (w *WebContext) ChangeState(rw web.ResponseWriter, req *web.Request) {
	g := w.App.Source.Current()
	if g == nil {
		rw.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	record, err := g.Snapshot.Lookup(req.PathParams["deviceID"])
	if err != nil {
		http.Error(rw, err.Error(), http.StatusNotFound)
		return
	}
	state := device.ParseState(req.PathParams["state"])
	if state == device.StateUnknown {
		http.Error(rw, "state must be on or off", http.StatusBadRequest)
		return
	}

	result := w.App.dispatcher.Apply(req.Context(), record, state, g.Cache)

	rw.Header().Set("Content-Type", "application/json")
	json.NewEncoder(rw).Encode(&Device{ID: record.ID, Name: record.Name, Port: record.Port, State: result.State})
}

func (w *WebContext) Index(rw web.ResponseWriter, req *web.Request) {
	rw.Header().Set("Content-Type", "text/html; charset=utf-8")
	rw.Write([]byte(indexPage))
}

// Router is exposed for tests.
func (w *WebApp) Router() *web.Router {
	router := web.New(WebContext{})
	router.Middleware(func(a *WebContext, rw web.ResponseWriter, req *web.Request, next web.NextMiddlewareFunc) {
		a.App = w
		next(rw, req)
	})
	router.Middleware(w.logger.LoggerMiddleware)

	router.Get("/", (*WebContext).Index)
	router.Get("/api/messages", (*WebContext).Messages)
	router.Get("/api/devices", (*WebContext).Devices)
	router.Post("/api/devices/:deviceID/:state", (*WebContext).ChangeState)
	return router
}

func (w *WebApp) Run(addr string, ctx context.Context) {

	w.logger.Println("Run() entry")
	webAppContext, cancel := context.WithCancel(ctx)
	defer cancel()

	w.ctx = webAppContext

	server := &http.Server{Addr: addr, Handler: w.Router(), TLSConfig: w.TLSConfig}

	go func() {
		var err error
		if w.TLSConfig != nil {
			w.logger.Printf("web ui at https://%s", addr)
			err = server.ListenAndServeTLS("", "")
		} else {
			w.logger.Printf("web ui at http://%s", addr)
			err = server.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			w.logger.Println("ListenAndServe", err)
		}
		w.logger.Println("ListenAndServe exit")
		cancel()
	}()

	<-webAppContext.Done()
	shutdownContext, done := context.WithTimeout(context.Background(), time.Second)
	defer done()
	server.Shutdown(shutdownContext)
	w.logger.Println("Run() exit")
}

var indexPage = `<!DOCTYPE html>
<html lang="en">
  <head>
    <meta charset="utf-8">
    <title>fauxmo</title>
  </head>
  <body>
    <table id="devices"></table>
    <pre id="messages"></pre>
    <script>
      function load() {
        fetch("/api/devices").then(r => r.json()).then(d => {
          const rows = d.devices.map(x => "<tr><td>" + x.name + "</td><td>" + x.port + "</td><td>" + x.state + "</td>" +
            "<td><button onclick=\"set('" + x.id + "','on')\">on</button><button onclick=\"set('" + x.id + "','off')\">off</button></td></tr>");
          document.getElementById("devices").innerHTML = rows.join("");
        });
      }
      function set(id, state) { fetch("/api/devices/" + id + "/" + state, {method: "POST"}).then(load); }
      const ws = new WebSocket((location.protocol === "https:" ? "wss://" : "ws://") + location.host + "/api/messages");
      ws.onmessage = m => { document.getElementById("messages").textContent = m.data + "\n" + document.getElementById("messages").textContent; load(); };
      load();
    </script>
  </body>
</html>
`
