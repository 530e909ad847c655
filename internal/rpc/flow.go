package rpc

import (
	"encoding/binary"
	"net"
	"sync"
	"sync/atomic"

	"github.com/hashicorp/go-hclog"
)

// DefaultCreditWindow is the default number of in-flight requests a flow
// may have outstanding before its sender blocks ("Credit
// window is configurable (default 128)").
const DefaultCreditWindow = 128

type request struct {
	tag     uint32
	typ     Type
	payload []byte
}

type pendingCall struct {
	done     chan struct{}
	rc       ReturnCode
	payload  []byte
	err      error
	callback func(ReturnCode, []byte, error)
}

// Flow encapsulates one TCP connection used by a Client, running a
// dedicated Sender goroutine (pulls from a FIFO, waits for credits, writes
// length-prefixed frames) and Receiver goroutine (reads length-prefixed
// replies, restores credits, completes the matching pending call).
type Flow struct {
	log  hclog.Logger
	conn net.Conn

	creditMu  sync.Mutex
	creditCV  *sync.Cond
	credits   int
	maxCredit int

	sendCh chan request

	pendingMu sync.Mutex
	pending   map[uint32]*pendingCall

	nextTag atomic.Uint32

	closeOnce sync.Once
	closed    chan struct{}
}

// NewFlow wraps an already-established TCP connection (dialed or
// accepted) in a credit-based flow and starts its worker goroutines. Both
// ends must agree on creditWindow out of band: Dial sends its window once
// in a TypeReserveConns frame, but the server discards that frame without
// replying, so in practice both peers use the window from the same Config.
func NewFlow(conn net.Conn, creditWindow int, log hclog.Logger) *Flow {
	if creditWindow <= 0 {
		creditWindow = DefaultCreditWindow
	}
	if log == nil {
		log = hclog.NewNullLogger()
	}
	f := &Flow{
		log:       log.Named("flow").With("peer", conn.RemoteAddr().String()),
		conn:      conn,
		credits:   creditWindow,
		maxCredit: creditWindow,
		sendCh:    make(chan request, creditWindow),
		pending:   make(map[uint32]*pendingCall),
		closed:    make(chan struct{}),
	}
	f.creditCV = sync.NewCond(&f.creditMu)
	go f.sendWorker()
	go f.recvWorker()
	return f
}

// Call blocks until a reply arrives or the flow closes (// "Call(args, out_buf): blocking").
func (f *Flow) Call(typ Type, payload []byte) (ReturnCode, []byte, error) {
	pc := &pendingCall{done: make(chan struct{})}
	tag := f.enqueue(typ, payload, pc)
	<-pc.done
	f.forget(tag)
	return pc.rc, pc.payload, pc.err
}

// CallAsync is the non-blocking variant: cb runs on the receiver
// goroutine once the reply arrives ("Call(args, callback):
// non-blocking; callback runs on the receiver context").
func (f *Flow) CallAsync(typ Type, payload []byte, cb func(ReturnCode, []byte, error)) {
	pc := &pendingCall{callback: cb}
	f.enqueue(typ, payload, pc)
}

func (f *Flow) enqueue(typ Type, payload []byte, pc *pendingCall) uint32 {
	tag := f.nextTag.Add(1)
	f.pendingMu.Lock()
	f.pending[tag] = pc
	f.pendingMu.Unlock()

	select {
	case f.sendCh <- request{tag: tag, typ: typ, payload: payload}:
	case <-f.closed:
		f.completeError(tag, ErrClosed)
	}
	return tag
}

func (f *Flow) forget(tag uint32) {
	f.pendingMu.Lock()
	delete(f.pending, tag)
	f.pendingMu.Unlock()
}

func (f *Flow) completeError(tag uint32, err error) {
	f.pendingMu.Lock()
	pc, ok := f.pending[tag]
	if ok {
		delete(f.pending, tag)
	}
	f.pendingMu.Unlock()
	if !ok {
		return
	}
	pc.err = err
	pc.rc = Timeout
	if pc.callback != nil {
		pc.callback(pc.rc, nil, pc.err)
		return
	}
	close(pc.done)
}

// sendWorker pulls requests off the FIFO, waits for a send credit, then
// writes the framed payload.
func (f *Flow) sendWorker() {
	for {
		select {
		case req := <-f.sendCh:
			f.acquireCredit()
			if err := writeFrame(f.conn, req.tag, req.typ, req.payload); err != nil {
				f.log.Warn("write failed, closing flow", "error", err)
				f.Close()
				f.completeError(req.tag, err)
				return
			}
		case <-f.closed:
			return
		}
	}
}

// recvWorker reads replies, restores one credit per completed request and
// wakes the matching pending call.
func (f *Flow) recvWorker() {
	for {
		tag, _, body, err := readFrame(f.conn)
		if err != nil {
			f.log.Debug("receive loop ending", "error", err)
			f.Close()
			f.drainPendingAsClosed()
			return
		}
		f.releaseCredit()

		rc, payload, perr := splitReply(body)
		f.pendingMu.Lock()
		pc, ok := f.pending[tag]
		if ok {
			delete(f.pending, tag)
		}
		f.pendingMu.Unlock()
		if !ok {
			continue
		}
		pc.rc, pc.payload, pc.err = rc, payload, perr
		if pc.callback != nil {
			pc.callback(pc.rc, pc.payload, pc.err)
			continue
		}
		close(pc.done)
	}
}

func (f *Flow) acquireCredit() {
	f.creditMu.Lock()
	for f.credits == 0 {
		f.creditCV.Wait()
	}
	f.credits--
	f.creditMu.Unlock()
}

func (f *Flow) releaseCredit() {
	f.creditMu.Lock()
	if f.credits < f.maxCredit {
		f.credits++
	}
	f.creditCV.Signal()
	f.creditMu.Unlock()
}

func (f *Flow) drainPendingAsClosed() {
	f.pendingMu.Lock()
	pending := f.pending
	f.pending = make(map[uint32]*pendingCall)
	f.pendingMu.Unlock()

	for _, pc := range pending {
		pc.err = ErrClosed
		pc.rc = Timeout
		if pc.callback != nil {
			pc.callback(pc.rc, nil, pc.err)
			continue
		}
		close(pc.done)
	}
}

// Close tears down the underlying connection and wakes any blocked
// workers; safe to call more than once.
func (f *Flow) Close() error {
	var err error
	f.closeOnce.Do(func() {
		close(f.closed)
		err = f.conn.Close()
		f.creditMu.Lock()
		f.creditCV.Broadcast()
		f.creditMu.Unlock()
	})
	return err
}

// encodeCreditHandshake/decodeCreditHandshake carry the initial credit
// window on TypeReserveConns. Only the dialing side sends it, once per
// connection; the server skips the frame and sends nothing back, and
// decodeCreditHandshake has no caller.
func encodeCreditHandshake(window int) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, uint32(window))
	return b
}

func decodeCreditHandshake(b []byte) int {
	if len(b) < 4 {
		return DefaultCreditWindow
	}
	return int(binary.BigEndian.Uint32(b))
}
