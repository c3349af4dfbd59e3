package discovery

import (
	"io"
	"log"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mlctrez/fauxmo/device"
	"github.com/mlctrez/fauxmo/hlog"
	"github.com/mlctrez/fauxmo/natsserver"
	"github.com/mlctrez/fauxmo/tmpl"
	"github.com/pkg/errors"
	"golang.org/x/net/ipv4"
)

const (
	DefaultAddr  = ":1900"
	DefaultGroup = "239.255.255.250"

	searchToken = "ssdp:discover"
)

type Options struct {
	// Addr is the listen address, normally DefaultAddr.
	Addr string
	// Group is the multicast group to join. Empty listens unicast only.
	Group string
}

func DefaultOptions() Options {
	return Options{Addr: DefaultAddr, Group: DefaultGroup}
}

type DiscoveryRequest struct {
	Remote string
	Packet string
}

type DiscoveryResponse struct {
	Remote string
	Packet string
}

// Responder answers SSDP searches on behalf of every device in the snapshot.
type Responder struct {
	opts   Options
	ns     natsserver.NatsPublisher
	logger *hlog.HLog

	mu   sync.Mutex
	conn *net.UDPConn
	done chan struct{}

	sendErrors  int64
	dial        func(remote *net.UDPAddr) (io.WriteCloser, error)
	readBackoff time.Duration
}

// readErrorBackoff is the pause after a failed read so a broken socket
// does not spin the loop.
const readErrorBackoff = 100 * time.Millisecond

type packetReader interface {
	ReadFromUDP(b []byte) (int, *net.UDPAddr, error)
}

func New(opts Options, ns natsserver.NatsPublisher, logger *log.Logger) *Responder {
	if opts.Addr == "" {
		opts.Addr = DefaultAddr
	}
	if ns == nil {
		ns = natsserver.NopPublisher{}
	}
	return &Responder{
		opts:   opts,
		ns:     ns,
		logger: hlog.New(logger, "Discovery"),
		dial: func(remote *net.UDPAddr) (io.WriteCloser, error) {
			return net.DialUDP("udp4", nil, remote)
		},
		readBackoff: readErrorBackoff,
	}
}

// Start binds the discovery socket for snapshot, stopping any previous binding first.
func (r *Responder) Start(snapshot *device.Snapshot) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.stopLocked()

	conn, err := r.listen()
	if err != nil {
		return errors.Wrapf(device.ErrBindFailure, "discovery %s: %v", r.opts.Addr, err)
	}

	r.conn = conn
	r.done = make(chan struct{})
	r.logger.Println("listening on", conn.LocalAddr(), "for", snapshot.Len(), "devices")

	go r.serve(conn, snapshot, r.done)
	return nil
}

func (r *Responder) listen() (*net.UDPConn, error) {
	addr, err := net.ResolveUDPAddr("udp4", r.opts.Addr)
	if err != nil {
		return nil, err
	}
	if r.opts.Group == "" {
		return net.ListenUDP("udp4", addr)
	}

	group := net.ParseIP(r.opts.Group)
	if group == nil {
		return nil, errors.Errorf("invalid multicast group %q", r.opts.Group)
	}
	conn, err := net.ListenMulticastUDP("udp4", nil, &net.UDPAddr{IP: group, Port: addr.Port})
	if err != nil {
		return nil, err
	}
	r.joinInterfaces(conn, group)
	return conn, nil
}

// joinInterfaces adds group membership on every multicast interface, the
// default one is already joined by ListenMulticastUDP.
func (r *Responder) joinInterfaces(conn *net.UDPConn, group net.IP) {
	ifaces, err := net.Interfaces()
	if err != nil {
		r.logger.Println("Interfaces", err)
		return
	}
	p := ipv4.NewPacketConn(conn)
	for i := range ifaces {
		ifi := ifaces[i]
		if ifi.Flags&net.FlagUp == 0 || ifi.Flags&net.FlagMulticast == 0 {
			continue
		}
		if err := p.JoinGroup(&ifi, &net.UDPAddr{IP: group}); err == nil {
			r.logger.Println("joined", group, "on", ifi.Name)
		}
	}
}

// Stop closes the socket. It is safe to call when not started.
func (r *Responder) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopLocked()
}

func (r *Responder) stopLocked() {
	if r.conn == nil {
		return
	}
	if err := r.conn.Close(); err != nil {
		r.logger.Println("Close", err)
	}
	<-r.done
	r.conn = nil
	r.done = nil
	r.logger.Println("stopped")
}

// LocalAddr returns the bound address or nil when stopped.
func (r *Responder) LocalAddr() *net.UDPAddr {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conn == nil {
		return nil
	}
	return r.conn.LocalAddr().(*net.UDPAddr)
}

// SendErrors is the number of responses that could not be sent.
func (r *Responder) SendErrors() int64 {
	return atomic.LoadInt64(&r.sendErrors)
}

func (r *Responder) serve(conn packetReader, snapshot *device.Snapshot, done chan struct{}) {
	defer close(done)

	var buf [2048]byte
	for {
		packetLength, remote, err := conn.ReadFromUDP(buf[:])
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			r.logger.Println("ReadFromUDP", err)
			time.Sleep(r.readBackoff)
			continue
		}
		packet := string(buf[:packetLength])
		if !strings.Contains(packet, searchToken) {
			continue
		}
		r.ns.Publish(natsserver.SubjectDiscovery, &DiscoveryRequest{Remote: remote.String(), Packet: packet})
		r.respond(snapshot, remote)
	}
}

// respond sends one response per device in registry order. A failed send is
// counted and logged and the remaining devices are still answered.
func (r *Responder) respond(snapshot *device.Snapshot, remote *net.UDPAddr) {
	con, err := r.dial(remote)
	if err != nil {
		r.logger.Println("DialUDP", remote, err)
		atomic.AddInt64(&r.sendErrors, int64(snapshot.Len()))
		return
	}
	defer con.Close()

	sent := 0
	for _, d := range snapshot.Devices() {
		b, err := tmpl.DiscoveryResponse(snapshot, d)
		if err != nil {
			r.logger.Println("DiscoveryResponse", d, err)
			atomic.AddInt64(&r.sendErrors, 1)
			continue
		}
		if _, err = con.Write(b); err != nil {
			r.logger.Println("Write", remote, d, err)
			atomic.AddInt64(&r.sendErrors, 1)
			continue
		}
		sent++
		r.ns.Publish(natsserver.SubjectResponse, &DiscoveryResponse{Remote: remote.String(), Packet: string(b)})
	}
	r.logger.Println("sent", strconv.Itoa(sent)+"/"+strconv.Itoa(snapshot.Len()), "responses to", remote)
}
