package apiserver

import (
	"context"
	"io"
	"io/ioutil"
	"log"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/mlctrez/fauxmo/device"
	"github.com/mlctrez/fauxmo/devicedb"
	"github.com/mlctrez/fauxmo/hlog"
	"github.com/mlctrez/fauxmo/natsserver"
	"github.com/mlctrez/fauxmo/tmpl"
	"github.com/mlctrez/web"
	"github.com/pkg/errors"
)

const (
	DefaultStopTimeout = 500 * time.Millisecond

	ControlPath = "/upnp/control/basicevent1"

	maxBody = 64 << 10
)

type Options struct {
	// Host is the address the device listeners bind to, empty for all.
	Host        string
	StopTimeout time.Duration
}

// ApiServer runs one http listener per device port.
type ApiServer struct {
	opts       Options
	dispatcher *Dispatcher
	logger     *hlog.HLog

	mu      sync.Mutex
	servers []*http.Server
	addrs   []net.Addr
	wg      sync.WaitGroup
}

func New(opts Options, ns natsserver.NatsPublisher, logger *log.Logger) *ApiServer {
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = DefaultStopTimeout
	}
	return &ApiServer{
		opts:       opts,
		dispatcher: NewDispatcher(ns, logger),
		logger:     hlog.New(logger, "ApiServer"),
	}
}

type ApiContext struct {
	snapshot   *device.Snapshot
	cache      devicedb.StateCache
	dispatcher *Dispatcher
	logger     *hlog.HLog
}

func (c *ApiContext) Setup(rw web.ResponseWriter, req *web.Request) {
	deviceID := req.PathParams["deviceId"]
	if deviceID == "" {
		http.Error(rw, "device id required", http.StatusBadRequest)
		return
	}

	setup, err := tmpl.RenderSetup(c.snapshot, deviceID)
	if err != nil {
		if errors.Is(err, device.ErrNotFound) {
			c.logger.Println("setup requested for unknown device", deviceID)
			http.Error(rw, err.Error(), http.StatusNotFound)
			return
		}
		c.logger.Println("RenderSetup", err)
		rw.WriteHeader(http.StatusInternalServerError)
		return
	}
	rw.Header().Set("Content-Type", "text/xml")
	rw.Write(setup)
}

func (c *ApiContext) MissingID(rw web.ResponseWriter, req *web.Request) {
	http.Error(rw, "device id required", http.StatusBadRequest)
}

func (c *ApiContext) Control(rw web.ResponseWriter, req *web.Request) {
	port := requestPort(req.Request)
	record, err := c.snapshot.ByPort(port)
	if err != nil {
		http.Error(rw, err.Error(), http.StatusNotFound)
		return
	}

	body, err := ioutil.ReadAll(io.LimitReader(req.Body, maxBody))
	if err != nil {
		c.logger.Println("ReadAll", err)
		rw.WriteHeader(http.StatusBadRequest)
		return
	}
	if len(body) == 0 {
		http.Error(rw, errors.Wrap(device.ErrMalformedRequest, "empty body").Error(), http.StatusBadRequest)
		return
	}

	result := c.dispatcher.Dispatch(req.Context(), record, string(body), c.cache)
	if result.Kind == "" {
		rw.WriteHeader(http.StatusOK)
		return
	}

	response, err := tmpl.BinaryStateResponse(result.Kind, result.State)
	if err != nil {
		c.logger.Println("BinaryStateResponse", err)
		rw.WriteHeader(http.StatusInternalServerError)
		return
	}
	rw.Header().Set("Content-Type", `text/xml; charset="utf-8"`)
	rw.Write(response)
}

// requestPort is the port the request physically arrived on, falling back to
// the port in the Host header when the listener address is not available.
func requestPort(req *http.Request) int {
	if addr, ok := req.Context().Value(http.LocalAddrContextKey).(net.Addr); ok {
		if tcp, ok := addr.(*net.TCPAddr); ok {
			return tcp.Port
		}
	}
	if _, port, err := net.SplitHostPort(req.Host); err == nil {
		if p, err := strconv.Atoi(port); err == nil {
			return p
		}
	}
	return 0
}

// Handler builds the router serving one generation.
func (a *ApiServer) Handler(snapshot *device.Snapshot, cache devicedb.StateCache) http.Handler {
	router := web.New(ApiContext{})

	router.Middleware(a.logger.LoggerMiddleware)

	router.Middleware(func(ctx *ApiContext, rw web.ResponseWriter, req *web.Request, next web.NextMiddlewareFunc) {
		ctx.snapshot = snapshot
		ctx.cache = cache
		ctx.dispatcher = a.dispatcher
		ctx.logger = a.logger
		next(rw, req)
	})

	router.Get("/setup.xml", (*ApiContext).MissingID)
	router.Get("/:deviceId/setup.xml", (*ApiContext).Setup)
	router.Post(ControlPath, (*ApiContext).Control)

	return router
}

// Start binds a listener for every port in snapshot after stopping the
// previous set. Either every port is bound or none is.
func (a *ApiServer) Start(snapshot *device.Snapshot, cache devicedb.StateCache) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.stopLocked(context.Background())

	listeners := make([]net.Listener, 0, snapshot.Len())
	for _, port := range snapshot.Ports() {
		addr := net.JoinHostPort(a.opts.Host, strconv.Itoa(port))
		l, err := net.Listen("tcp", addr)
		if err != nil {
			for _, bound := range listeners {
				bound.Close()
			}
			return errors.Wrapf(device.ErrBindFailure, "listen %s: %v", addr, err)
		}
		listeners = append(listeners, l)
	}

	handler := a.Handler(snapshot, cache)
	for _, l := range listeners {
		server := &http.Server{
			Handler:  handler,
			ErrorLog: a.logger.Logger(),
		}
		a.servers = append(a.servers, server)
		a.addrs = append(a.addrs, l.Addr())

		a.wg.Add(1)
		go func(l net.Listener) {
			defer a.wg.Done()
			if err := server.Serve(l); err != nil && err != http.ErrServerClosed {
				a.logger.Println("Serve", l.Addr(), err)
			}
		}(l)
	}
	a.logger.Printf("serving %d devices on %v", snapshot.Len(), a.addrs)
	return nil
}

// Stop shuts the listeners down, forcing them closed once ctx or the stop
// timeout expires. Stopping a stopped server does nothing.
func (a *ApiServer) Stop(ctx context.Context) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.stopLocked(ctx)
}

func (a *ApiServer) stopLocked(ctx context.Context) {
	if len(a.servers) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(ctx, a.opts.StopTimeout)
	defer cancel()

	var wg sync.WaitGroup
	for _, s := range a.servers {
		wg.Add(1)
		go func(s *http.Server) {
			defer wg.Done()
			if err := s.Shutdown(ctx); err != nil {
				a.logger.Println("Shutdown", err, "forcing close")
				s.Close()
			}
		}(s)
	}
	wg.Wait()
	a.wg.Wait()

	a.servers = nil
	a.addrs = nil
	a.logger.Println("stopped")
}

// Addrs returns the bound listener addresses.
func (a *ApiServer) Addrs() []net.Addr {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]net.Addr, len(a.addrs))
	copy(out, a.addrs)
	return out
}
