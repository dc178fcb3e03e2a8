package network

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/drpcorg/netsync/protocol"
	"github.com/drpcorg/netsync/transport"
	"github.com/drpcorg/netsync/utils"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const WSPath = "/netsync"

// WSTransport carries the same records as Transport inside binary
// websocket messages, for deployments behind HTTP relays. Each websocket
// message holds whole records only.
type WSTransport struct {
	*links
	addr         string
	writeTimeout time.Duration
	upgrader     websocket.Upgrader

	lock     sync.Mutex
	wg       sync.WaitGroup
	cancel   context.CancelFunc
	server   *http.Server
	listener net.Listener
}

// NewWSHost serves websocket peers on addr ("127.0.0.1:7778") at WSPath.
func NewWSHost(log utils.Logger, addr string) *WSTransport {
	return &WSTransport{links: newLinks(log, true), addr: addr, writeTimeout: 10 * time.Second}
}

// NewWSClient dials url ("ws://host:7778/netsync").
func NewWSClient(log utils.Logger, url string) *WSTransport {
	return &WSTransport{links: newLinks(log, false), addr: url, writeTimeout: 10 * time.Second}
}

func (t *WSTransport) Connect(ctx context.Context) error {
	t.lock.Lock()
	defer t.lock.Unlock()
	if t.cancel != nil {
		return nil
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	if t.host {
		listener, err := net.Listen("tcp", t.addr)
		if err != nil {
			cancel()
			return err
		}
		mux := http.NewServeMux()
		mux.HandleFunc(WSPath, t.serve)
		t.listener = listener
		t.server = &http.Server{Handler: mux, BaseContext: func(net.Listener) context.Context { return runCtx }}
		t.wg.Add(1)
		go func() {
			defer t.wg.Done()
			if err := t.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
				t.log.Error("ws: serve failed", "addr", t.addr, "err", err)
			}
		}()
		t.log.Info("ws: listening", "addr", listener.Addr().String())
	} else {
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, t.addr, nil)
		if err != nil {
			cancel()
			return err
		}
		t.wg.Add(1)
		go func() {
			defer t.wg.Done()
			t.keepConn(runCtx, "connect:"+t.addr, conn)
		}()
	}

	t.cancel = cancel
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		t.keepPinging(runCtx)
	}()
	return nil
}

func (t *WSTransport) serve(w http.ResponseWriter, r *http.Request) {
	conn, err := t.upgrader.Upgrade(w, r, nil)
	if err != nil {
		t.log.Warn("ws: upgrade failed", "remoteAddr", r.RemoteAddr, "err", err)
		return
	}
	t.wg.Add(1)
	defer t.wg.Done()
	t.keepConn(r.Context(), fmt.Sprintf("listen:%s:%s", uuid.Must(uuid.NewV7()).String(), r.RemoteAddr), conn)
}

// keepConn pumps one websocket until either side gives up.
func (t *WSTransport) keepConn(ctx context.Context, name string, conn *websocket.Conn) {
	l := t.install(name)
	writeDone := make(chan error, 1)
	go func() {
		writeDone <- t.keepWrite(ctx, l, conn)
		conn.Close()
	}()

	readErr := t.keepRead(ctx, l, conn)
	l.Close()
	conn.Close()
	writeErr := <-writeDone

	if readErr != nil && !websocket.IsCloseError(readErr, websocket.CloseNormalClosure, websocket.CloseGoingAway) &&
		!errors.Is(readErr, net.ErrClosed) {
		t.log.Warn("ws: read failed", "name", name, "err", readErr)
	}
	if writeErr != nil && !errors.Is(writeErr, utils.ErrClosed) && !errors.Is(writeErr, context.Canceled) {
		t.log.Warn("ws: write failed", "name", name, "err", writeErr)
	}
	t.destroy(name)
}

func (t *WSTransport) keepWrite(ctx context.Context, l *link, conn *websocket.Conn) error {
	for {
		recs, err := l.Feed(ctx)
		if err != nil {
			return err
		}
		conn.SetWriteDeadline(time.Now().Add(t.writeTimeout))
		if err := conn.WriteMessage(websocket.BinaryMessage, protocol.Concat(recs...)); err != nil {
			return err
		}
	}
}

func (t *WSTransport) keepRead(ctx context.Context, l *link, conn *websocket.Conn) error {
	for {
		typ, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		if typ != websocket.BinaryMessage {
			continue
		}
		recs, err := protocol.Split(bytes.NewBuffer(data))
		if err != nil {
			return err
		}
		if err := l.Drain(ctx, recs); err != nil {
			return err
		}
	}
}

func (t *WSTransport) Disconnect() error {
	t.lock.Lock()
	cancel := t.cancel
	t.cancel = nil
	t.lock.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	var err error
	if t.server != nil {
		err = t.server.Close()
	}
	// hijacked connections outlive the server; closing the outbox ends them
	t.byName.Range(func(_ string, l *link) bool {
		l.Close()
		return true
	})
	t.wg.Wait()
	return err
}

// Addr is the bound listen address of a host.
func (t *WSTransport) Addr() (net.Addr, bool) {
	t.lock.Lock()
	defer t.lock.Unlock()
	if t.listener == nil {
		return nil, false
	}
	return t.listener.Addr(), true
}

var _ transport.Transport = (*WSTransport)(nil)
