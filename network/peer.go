package network

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/drpcorg/netsync/protocol"
	"github.com/drpcorg/netsync/utils"
)

// Peer pumps one stream. Reads accumulate until a whole record is buffered
// (or the batch limits trip) and are drained into the handler on a separate
// goroutine so a slow handler does not stall the socket. Writes take
// whatever the handler has queued and send it as one vectored write.
type Peer struct {
	closed         atomic.Bool
	wg             sync.WaitGroup
	writeBatchSize *utils.AvgVal

	conn                net.Conn
	inout               protocol.FeedDrainCloserTraced
	incomingBuffer      atomic.Int32
	readAccumTimeLimit  time.Duration
	bufferMaxSize       int
	bufferMinToProcess  int
	writeTimeout        time.Duration
}

func (p *Peer) getReadTimeLimit() time.Duration {
	if p.readAccumTimeLimit != 0 {
		return p.readAccumTimeLimit
	}
	return 5 * time.Second
}

func (p *Peer) keepRead(ctx context.Context) error {
	var buf bytes.Buffer
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	readChannel := make(chan protocol.Records)
	errChannel := make(chan error, 1)
	signal := make(chan struct{})
	defer close(readChannel)
	defer close(signal)
	go func() {
		for ctx.Err() == nil {
			if _, ok := <-signal; !ok {
				return
			}
			recs, ok := <-readChannel
			if !ok {
				return
			}
			if len(recs) == 0 {
				continue
			}
			if err := p.inout.Drain(ctx, recs); err != nil {
				errChannel <- err
				return
			}
		}
	}()
	var timelimit *time.Time
	for !p.closed.Load() {
		select {
		case err := <-errChannel:
			return err
		default:
		}
		if buf.Len() <= p.bufferMaxSize {
			if buf.Available() < TYPICAL_MTU {
				buf.Grow(TYPICAL_MTU)
			}

			idle := buf.AvailableBuffer()[:buf.Available()]
			if timelimit == nil {
				t := time.Now().Add(p.getReadTimeLimit())
				timelimit = &t
			}
			p.conn.SetReadDeadline(*timelimit)
			if n, err := p.conn.Read(idle); err != nil {
				if errors.Is(err, io.EOF) {
					return nil
				}
				if !errors.Is(err, os.ErrDeadlineExceeded) {
					return err
				}
			} else {
				buf.Write(idle[:n])
			}
		}
		p.incomingBuffer.Store(int32(buf.Len()))

		if buf.Len() == 0 {
			timelimit = nil
			continue
		}
		if time.Now().After(*timelimit) || buf.Len() >= p.bufferMinToProcess || buf.Len() >= p.bufferMaxSize {
			select {
			case signal <- struct{}{}:
				recs, err := protocol.Split(&buf)
				if err != nil && !errors.Is(err, protocol.ErrIncomplete) {
					return err
				}
				if errors.Is(err, protocol.ErrIncomplete) && buf.Len() >= p.bufferMaxSize {
					return errors.Join(err, fmt.Errorf("buffer is not enough to read packet"))
				}
				// the handler works on this batch while we read the next one
				readChannel <- recs
				timelimit = nil
			case <-ctx.Done():
				return nil
			default:
			}
		}
	}

	return nil
}

func (p *Peer) GetTraceId() string {
	return p.inout.GetTraceId()
}

// buffered is how many inbound bytes wait for a complete record.
func (p *Peer) buffered() int32 {
	return p.incomingBuffer.Load()
}

func (p *Peer) keepWrite(ctx context.Context) error {
	for !p.closed.Load() {
		if ctx.Err() != nil {
			return nil
		}

		recs, err := p.inout.Feed(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}
		p.writeBatchSize.Add(float64(recs.TotalLen()))

		b := net.Buffers(recs)
		if p.writeTimeout != 0 {
			p.conn.SetWriteDeadline(time.Now().Add(p.writeTimeout))
		}
		for len(b) > 0 {
			if _, err = b.WriteTo(p.conn); err != nil {
				return err
			}
		}
	}

	return nil
}

// Keep runs both pumps until either stops. The socket is closed once the
// writer is done, which in turn unblocks the reader; a reader that ends
// first closes the handler so the writer's Feed returns.
func (p *Peer) Keep(ctx context.Context) (rerr, werr, cerr error) {
	p.wg.Add(1)
	defer p.wg.Done()

	if p.closed.Load() {
		return nil, nil, nil
	}

	readErrCh, writeErrCh := make(chan error, 1), make(chan error, 1)
	go func() { readErrCh <- p.keepRead(ctx) }()
	go func() { writeErrCh <- p.keepWrite(ctx) }()

	for i := 0; i < 2; i++ {
		select {
		case rerr = <-readErrCh:
			if errors.Is(rerr, net.ErrClosed) {
				// we closed it ourselves
				rerr = nil
			}
			p.inout.Close()
		case werr = <-writeErrCh:
			cerr = p.conn.Close()
			if errors.Is(cerr, net.ErrClosed) {
				cerr = nil
			}
		}

		p.closed.Store(true)
	}
	return
}

func (p *Peer) Close() {
	if p.closed.Swap(true) {
		p.wg.Wait()
		return
	}
	p.conn.Close()
	p.inout.Close()
	p.wg.Wait()
}
