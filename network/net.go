// Package network moves TLV framed records between session peers over
// TCP or TLS streams.
//
// Net owns listeners and outbound connections. Every established stream
// becomes a Peer driven by two goroutines: one feeding records from the
// protocol handler to the socket, one splitting inbound bytes into records
// and draining them into the handler. The handler comes from the install
// callback passed to NewNet and is torn down through the destroy callback
// when the stream ends. Outbound connections are re-dialed with exponential
// backoff until the Net is closed.
//
//	n := NewNet(log, install, destroy, &NetWriteTimeoutOpt{Timeout: time.Second})
//	err := n.Listen("tcp://:7777")
//	err = n.Connect("tcp://host:7777")
//	defer n.Close()
package network

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/drpcorg/netsync/protocol"
	"github.com/drpcorg/netsync/utils"
	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"
)

type ConnType = uint

var (
	ErrAddressInvalid    = errors.New("the address invalid")
	ErrAddressDuplicated = errors.New("the address already used")
)

const (
	TCP ConnType = iota + 1
	TLS
)

const (
	TYPICAL_MTU = 1500

	MAX_RETRY_PERIOD = time.Minute
	MIN_RETRY_PERIOD = time.Second / 2

	// game frames are small and latency bound: hand them over as soon as
	// a single byte is buffered, but never hold more than this
	DEFAULT_BUFFER_MAX = 1 << 22
)

type InstallCallback func(name string) protocol.FeedDrainCloserTraced
type DestroyCallback func(name string, p protocol.Traced)

type Net struct {
	wg        sync.WaitGroup
	log       utils.Logger
	onInstall InstallCallback
	onDestroy DestroyCallback

	conns     *xsync.MapOf[string, *Peer]
	listens   *xsync.MapOf[string, net.Listener]
	ctx       context.Context
	cancelCtx context.CancelFunc

	tlsConfig          *tls.Config
	readBufferTcpSize  int
	writeBufferTcpSize int
	readAccumTimeLimit time.Duration
	writeTimeout       time.Duration
	bufferMaxSize      int
	bufferMinToProcess int
}

type NetOpt interface {
	Apply(*Net)
}

type NetWriteTimeoutOpt struct {
	Timeout time.Duration
}

func (opt *NetWriteTimeoutOpt) Apply(n *Net) {
	n.writeTimeout = opt.Timeout
}

type NetTlsConfigOpt struct {
	Config *tls.Config
}

func (opt *NetTlsConfigOpt) Apply(n *Net) {
	n.tlsConfig = opt.Config
}

type NetReadBatchOpt struct {
	ReadAccumTimeLimit time.Duration
	BufferMaxSize      int
	BufferMinToProcess int
}

func (opt *NetReadBatchOpt) Apply(n *Net) {
	n.readAccumTimeLimit = opt.ReadAccumTimeLimit
	n.bufferMaxSize = opt.BufferMaxSize
	n.bufferMinToProcess = opt.BufferMinToProcess
}

type TcpBufferSizeOpt struct {
	Read  int
	Write int
}

func (opt *TcpBufferSizeOpt) Apply(n *Net) {
	n.readBufferTcpSize = opt.Read
	n.writeBufferTcpSize = opt.Write
}

func NewNet(log utils.Logger, install InstallCallback, destroy DestroyCallback, opts ...NetOpt) *Net {
	ctx, cancel := context.WithCancel(context.Background())
	n := &Net{
		log:                log,
		cancelCtx:          cancel,
		ctx:                ctx,
		conns:              xsync.NewMapOf[string, *Peer](),
		listens:            xsync.NewMapOf[string, net.Listener](),
		onInstall:          install,
		onDestroy:          destroy,
		bufferMaxSize:      DEFAULT_BUFFER_MAX,
		bufferMinToProcess: 1,
	}
	for _, o := range opts {
		o.Apply(n)
	}
	return n
}

// LinkStats is what one live stream has in flight.
type LinkStats struct {
	Buffered   int32
	WriteBatch float64
}

// Stats reports every established stream by name.
func (n *Net) Stats() map[string]LinkStats {
	stats := make(map[string]LinkStats)
	n.conns.Range(func(name string, peer *Peer) bool {
		if peer != nil {
			stats[name] = LinkStats{
				Buffered:   peer.buffered(),
				WriteBatch: peer.writeBatchSize.Val(),
			}
		}
		return true
	})
	return stats
}

func (n *Net) Close() error {
	n.cancelCtx()

	n.listens.Range(func(_ string, v net.Listener) bool {
		if v != nil {
			v.Close()
		}
		return true
	})
	n.listens.Clear()

	n.conns.Range(func(_ string, p *Peer) bool {
		// nil while still dialing
		if p != nil {
			p.Close()
		}
		return true
	})
	n.conns.Clear()

	n.wg.Wait()
	return nil
}

// Connect keeps one connection to addr alive, backing off while the other
// side is unreachable.
func (n *Net) Connect(addr string) error {
	// the nil placeholder blocks a second Connect while dialing
	if _, ok := n.conns.LoadOrStore(addr, nil); ok {
		return ErrAddressDuplicated
	}

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		n.keepConnecting(addr)
	}()

	return nil
}

// Listen accepts streams on addr ("tcp://:port" or "tls://:port").
func (n *Net) Listen(addr string) error {
	if _, ok := n.listens.LoadOrStore(addr, nil); ok {
		return ErrAddressDuplicated
	}

	listener, err := n.createListener(addr)
	if err != nil {
		n.listens.Delete(addr)
		return err
	}
	n.listens.Store(addr, listener)

	n.log.Info("net: listening", "addr", addr, "bound", listener.Addr().String())

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		n.keepListening(addr)
	}()

	return nil
}

// ListenAddr is the bound address of a listener, useful with port 0.
func (n *Net) ListenAddr(addr string) (net.Addr, bool) {
	listener, ok := n.listens.Load(addr)
	if !ok || listener == nil {
		return nil, false
	}
	return listener.Addr(), true
}

func (n *Net) keepConnecting(name string) {
	connBackoff := MIN_RETRY_PERIOD
	for n.ctx.Err() == nil {
		if _, ok := n.conns.Load(name); !ok {
			// Disconnect removed the placeholder
			return
		}
		conn, err := n.createConn(name)
		if err != nil {
			n.log.Warn("net: couldn't connect", "name", name, "err", err, "retry", connBackoff)

			select {
			case <-time.After(connBackoff):
			case <-n.ctx.Done():
			}
			connBackoff = min(MAX_RETRY_PERIOD, connBackoff*2)
			continue
		}
		n.setTCPBuffersSize(n.log.WithDefaultArgs(context.Background(), "name", name), conn)
		n.log.Info("net: connected", "name", name)

		connBackoff = MIN_RETRY_PERIOD
		n.keepPeer(name, conn, true)
	}
}

func (n *Net) setTCPBuffersSize(ctx context.Context, conn net.Conn) {
	var tconn *net.TCPConn
	switch res := conn.(type) {
	case *tls.Conn:
		nconn, ok := res.NetConn().(*net.TCPConn)
		if !ok {
			n.log.WarnCtx(ctx, "net: unable to set buffers, because tls conn is strange")
			return
		}
		tconn = nconn
	case *net.TCPConn:
		tconn = res
	default:
		n.log.WarnCtx(ctx, "net: unable to set buffers, because unknown connection type")
		return
	}
	// frames are tiny, don't let Nagle batch them
	tconn.SetNoDelay(true)
	if n.readBufferTcpSize > 0 {
		tconn.SetReadBuffer(n.readBufferTcpSize)
	}
	if n.writeBufferTcpSize > 0 {
		tconn.SetWriteBuffer(n.writeBufferTcpSize)
	}
}

func (n *Net) keepListening(addr string) {
	for n.ctx.Err() == nil {
		listener, ok := n.listens.Load(addr)
		if !ok {
			break
		}

		conn, err := listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				break
			}
			n.log.Error("net: couldn't accept request", "addr", addr, "err", err)
			continue
		}

		remoteAddr := conn.RemoteAddr().String()
		n.log.Info("net: accept connection", "addr", addr, "remoteAddr", remoteAddr)
		n.setTCPBuffersSize(n.log.WithDefaultArgs(context.Background(), "addr", addr, "remoteAddr", remoteAddr), conn)
		n.wg.Add(1)
		go func() {
			defer n.wg.Done()
			n.keepPeer(fmt.Sprintf("listen:%s:%s", uuid.Must(uuid.NewV7()).String(), remoteAddr), conn, false)
		}()
	}

	if l, ok := n.listens.LoadAndDelete(addr); ok && l != nil {
		if err := l.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			n.log.Error("net: couldn't correct close listener", "addr", addr, "err", err)
		}
	}

	n.log.Info("net: listener closed", "addr", addr)
}

// keepPeer runs one stream to completion and reports it destroyed. A
// redialed name keeps its placeholder unless Disconnect removed it.
func (n *Net) keepPeer(name string, conn net.Conn, redial bool) {
	peer := &Peer{
		inout:               n.onInstall(name),
		conn:                conn,
		writeTimeout:        n.writeTimeout,
		readAccumTimeLimit:  n.readAccumTimeLimit,
		bufferMaxSize:       n.bufferMaxSize,
		bufferMinToProcess:  n.bufferMinToProcess,
		writeBatchSize:      &utils.AvgVal{},
	}
	n.conns.Store(name, peer)

	readErr, writeErr, closeErr := peer.Keep(n.ctx)
	if readErr != nil {
		n.log.Error("net: couldn't read from peer", "name", name, "err", readErr, "trace_id", peer.GetTraceId())
	}
	if writeErr != nil && !errors.Is(writeErr, utils.ErrClosed) {
		n.log.Error("net: couldn't write to peer", "name", name, "err", writeErr, "trace_id", peer.GetTraceId())
	}
	if closeErr != nil {
		n.log.Error("net: couldn't correct close peer", "name", name, "err", closeErr, "trace_id", peer.GetTraceId())
	}

	n.conns.Compute(name, func(old *Peer, loaded bool) (*Peer, bool) {
		if !loaded {
			return nil, true
		}
		if old != peer {
			return old, false
		}
		return nil, !redial
	})
	peer.Close()
	n.onDestroy(name, peer)
}

func (n *Net) createListener(addr string) (net.Listener, error) {
	connType, address, err := parseAddr(addr)
	if err != nil {
		return nil, err
	}

	config := net.ListenConfig{}
	listener, err := config.Listen(n.ctx, "tcp", address)
	if err != nil {
		return nil, err
	}
	if connType == TLS {
		listener = tls.NewListener(listener, n.tlsConfig)
	}
	return listener, nil
}

func (n *Net) createConn(addr string) (net.Conn, error) {
	connType, address, err := parseAddr(addr)
	if err != nil {
		return nil, err
	}

	switch connType {
	case TLS:
		d := tls.Dialer{Config: n.tlsConfig}
		return d.DialContext(n.ctx, "tcp", address)
	default:
		d := net.Dialer{Timeout: time.Minute}
		return d.DialContext(n.ctx, "tcp", address)
	}
}

// parseAddr splits "tcp://host:port" or "tls://host:port"; a bare
// "host:port" means TCP.
func parseAddr(addr string) (ConnType, string, error) {
	if !strings.Contains(addr, "://") {
		return TCP, addr, nil
	}
	u, err := url.Parse(addr)
	if err != nil {
		return TCP, "", err
	}

	var conn ConnType
	switch u.Scheme {
	case "tcp", "tcp4", "tcp6":
		conn = TCP
	case "tls":
		conn = TLS
	default:
		return conn, addr, ErrAddressInvalid
	}

	return conn, u.Host, nil
}
