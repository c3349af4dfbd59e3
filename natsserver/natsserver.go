package natsserver

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/mlctrez/fauxmo/hlog"
	"github.com/nats-io/gnatsd/server"
	"github.com/nats-io/go-nats"
)

const (
	SubjectDiscovery   = "upnp.discovery"
	SubjectResponse    = "upnp.response"
	SubjectStateChange = "device.stateChange"
	SubjectReload      = "fauxmo.reload"
)

type NatsServer struct {
	opts      *server.Options
	server    *server.Server
	conn      *nats.Conn
	logger    *hlog.HLog
	loggerSub *nats.Subscription
	encConn   *nats.EncodedConn
	once      sync.Once
}

type NatsPublisher interface {
	Publish(subject string, v interface{}) error
}

// NopPublisher drops every message, for components running without a bus.
type NopPublisher struct{}

func (NopPublisher) Publish(string, interface{}) error { return nil }

func New(opts *server.Options, logger *log.Logger) *NatsServer {
	return &NatsServer{opts: opts, logger: hlog.New(logger, "NatsServer")}
}

func (n *NatsServer) Shutdown() {
	if n == nil {
		return
	}
	n.once.Do(n.shutdown)
}

func (n *NatsServer) shutdown() {
	n.logger.Println("Shutdown() entry")

	var err error
	if n.loggerSub != nil {
		if err = n.loggerSub.Unsubscribe(); err != nil {
			n.logger.Println("loggerSub.Unsubscribe()", err)
		}
	}
	if n.encConn != nil {
		n.encConn.Close()
	}
	if n.conn != nil {
		n.conn.Close()
	}
	if n.server != nil {
		n.server.Shutdown()
	}
	n.logger.Println("Shutdown() complete")
}

func (n *NatsServer) Start(ctx context.Context) error {

	n.server = server.New(n.opts)

	go n.server.Start()

	if serverReady := n.server.ReadyForConnections(5 * time.Second); !serverReady {
		n.Shutdown()
		return errors.New("failed to start server")
	}

	var err error

	opts := nats.GetDefaultOptions()
	opts.Servers = []string{n.ClientURL()}

	if n.conn, err = opts.Connect(); err != nil {
		n.Shutdown()
		return err
	}
	if n.encConn, err = nats.NewEncodedConn(n.conn, nats.JSON_ENCODER); err != nil {
		n.Shutdown()
		return err
	}
	if n.loggerSub, err = n.conn.Subscribe(">", n.MessageLogger); err != nil {
		n.Shutdown()
		return err
	}

	go func() {
		<-ctx.Done()
		n.logger.Println("Context.Done()")
		n.Shutdown()
	}()

	return nil
}

// ClientURL is the address external handlers connect to.
func (n *NatsServer) ClientURL() string {
	return "nats://" + n.server.Addr().String()
}

func (n *NatsServer) Publish(subject string, v interface{}) error {
	return n.encConn.Publish(subject, v)
}

func (n *NatsServer) Subscribe(subject string, cb nats.Handler) (*nats.Subscription, error) {
	return n.encConn.Subscribe(subject, cb)
}

func (n *NatsServer) MessageLogger(msg *nats.Msg) {
	n.logger.Println(msg.Subject, string(msg.Data))
}
