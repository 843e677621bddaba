package remote

import (
	"context"
	"encoding/binary"
	"net"
	"runtime"
	"sync"

	"github.com/pkg/errors"

	"github.com/ufokit/ufocore/buffer"
	"github.com/ufokit/ufocore/clmanager"
	"github.com/ufokit/ufocore/graph"
	"github.com/ufokit/ufocore/jsonloader"
	"github.com/ufokit/ufocore/registry"
	"github.com/ufokit/ufocore/scheduler"
	"github.com/ufokit/ufocore/task"
)

// Daemon is the peer-side engine of §4.6: "peers are recursively the same
// engine" — it accepts connections, reconstructs the sub-path a RemoteTask
// shipped it, and drives that sub-path with its own Scheduler while the
// wire protocol bridges one input tuple in and one result tuple out at a
// time.
type Daemon struct {
	Registry  *registry.Registry
	Manager   clmanager.Manager
	Scheduler scheduler.Config

	// AuthSecret, if non-nil, requires every connection to present a
	// TagAuth frame signed with this HS256 secret before the handshake.
	AuthSecret []byte
}

// Serve listens on addr (a bare host:port, as used by net.Listen) and
// handles connections until ctx is canceled or Accept fails.
func (d *Daemon) Serve(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Wrap(err, "remote: daemon: listen")
	}
	return d.ServeListener(ctx, ln)
}

// ServeListener is Serve against an already-bound net.Listener, so a
// caller that needs the concrete ephemeral address (tests, or a parent
// process coordinating several daemons) can net.Listen itself first.
func (d *Daemon) ServeListener(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return errors.Wrap(err, "remote: daemon: accept")
			}
		}
		go d.handleConn(ctx, conn)
	}
}

func (d *Daemon) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	if len(d.AuthSecret) > 0 {
		frame, err := ReadFrame(conn, false)
		if err != nil || frame.Tag != TagAuth {
			return
		}
		if err := verifyAuthToken(string(frame.Payload), d.AuthSecret); err != nil {
			return
		}
		if err := WriteFrame(conn, TagAck, nil, false); err != nil {
			return
		}
	}

	frame, err := ReadFrame(conn, false)
	if err != nil {
		return
	}
	switch frame.Tag {
	case TagStreamJSON, TagReplicateJSON:
	default:
		return
	}

	sessCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	sess, err := newSession(sessCtx, frame.Payload, d.Registry, d.Manager, d.Scheduler)
	if err != nil {
		return
	}
	defer sess.close()

	if err := WriteFrame(conn, TagAck, nil, false); err != nil {
		return
	}

	for {
		frame, err := ReadFrame(conn, false)
		if err != nil {
			return
		}
		switch frame.Tag {
		case TagGetNumDevices:
			var payload [2]byte
			binary.BigEndian.PutUint16(payload[:], uint16(d.Manager.NumDevices()))
			if WriteFrame(conn, TagAck, payload[:], false) != nil {
				return
			}
		case TagGetNumCPUs:
			var payload [2]byte
			binary.BigEndian.PutUint16(payload[:], uint16(runtime.NumCPU()))
			if WriteFrame(conn, TagAck, payload[:], false) != nil {
				return
			}
		case TagGetStructure:
			if WriteFrame(conn, TagStructure, sess.structure(), false) != nil {
				return
			}
		case TagSendInputs:
			headers, datas, err := DecodeSendInputs(frame.Payload)
			if err != nil {
				return
			}
			if len(headers) == 0 {
				sess.pushInput(buffer.Requisition{}, nil)
			} else {
				sess.pushInput(requisitionFromShapeHeader(headers[0]), datas[0])
			}
			if WriteFrame(conn, TagAck, nil, false) != nil {
				return
			}
		case TagGetRequisition:
			r, err := sess.awaitResult()
			if err != nil {
				return
			}
			if WriteFrame(conn, TagRequisition, AppendShapeHeader(nil, shapeHeaderFromRequisition(r.req)), false) != nil {
				return
			}
		case TagGetResult:
			r := sess.takeResult()
			if WriteFrame(conn, TagResult, AppendBufferPayload(nil, shapeHeaderFromRequisition(r.req), r.data), false) != nil {
				return
			}
		case TagCleanup:
			if WriteFrame(conn, TagAck, nil, false) != nil {
				return
			}
		case TagTerminate:
			WriteFrame(conn, TagAck, nil, false)
			return
		default:
			return
		}
	}
}

// resultItem is one computed tuple: the shape it was produced at, plus a
// private copy of its host data.
type resultItem struct {
	req  buffer.Requisition
	data []float32
}

// session owns one peer connection's private sub-path: the graph
// reconstructed from the client's JSON, a feederTask splicing external
// SEND_INPUTS tuples onto the sub-path's head, a resultSink capturing the
// tail's output shape and data, and the Scheduler driving it all in the
// background.
type session struct {
	headTask task.Task

	mu          sync.Mutex
	cond        *sync.Cond
	pendingReq  buffer.Requisition
	pendingData []float32
	have        bool
	closed      bool

	results       chan resultItem
	runErr        chan error
	pendingResult *resultItem

	cancel context.CancelFunc
}

func newSession(ctx context.Context, subgraphJSON []byte, reg *registry.Registry, mgr clmanager.Manager, cfg scheduler.Config) (*session, error) {
	g, err := jsonloader.Load(subgraphJSON, reg)
	if err != nil {
		return nil, errors.Wrap(err, "remote: daemon: load sub-graph")
	}
	path, err := g.Flatten()
	if err != nil {
		return nil, errors.Wrap(err, "remote: daemon: sub-graph must be single-chain")
	}
	if len(path) == 0 {
		return nil, errors.New("remote: daemon: empty sub-graph")
	}

	headNode, ok := g.Node(path[0])
	if !ok {
		return nil, errors.New("remote: daemon: missing head node")
	}
	headTask, ok := headNode.Payload.(task.Task)
	if !ok {
		return nil, errors.New("remote: daemon: head node payload is not a task.Task")
	}

	sessCtx, cancel := context.WithCancel(ctx)
	s := &session{
		headTask: headTask,
		results:  make(chan resultItem, 1),
		runErr:   make(chan error, 1),
		cancel:   cancel,
	}
	s.cond = sync.NewCond(&s.mu)

	if headTask.NumInputs() > 0 {
		feeder := &feederTask{s: s}
		feederNode, err := g.AddNode("remote-feeder", feeder)
		if err != nil {
			cancel()
			return nil, err
		}
		if err := g.Connect(feederNode.ID, path[0], 0); err != nil {
			cancel()
			return nil, err
		}
	}

	tail := path[len(path)-1]
	sink := &resultSink{out: s.results}
	sinkNode, err := g.AddNode("remote-sink", sink)
	if err != nil {
		cancel()
		return nil, err
	}
	if err := g.Connect(tail, sinkNode.ID, 0); err != nil {
		cancel()
		return nil, err
	}

	sch := scheduler.New(g, mgr, cfg)
	go func() {
		err := sch.Run(sessCtx)
		close(s.results)
		s.runErr <- err
		close(s.runErr)
	}()

	return s, nil
}

// structure encodes the §6.2 STRUCTURE payload: the head task's arity and
// per-port rank.
func (s *session) structure() []byte {
	n := s.headTask.NumInputs()
	dst := make([]byte, 0, 2+2*n)
	dst = appendUint16(dst, uint16(n))
	for i := 0; i < n; i++ {
		dst = appendUint16(dst, uint16(s.headTask.NumDimensions(i)))
	}
	return dst
}

func appendUint16(dst []byte, v uint16) []byte {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], v)
	return append(dst, b[:]...)
}

func (s *session) pushInput(req buffer.Requisition, data []float32) {
	s.mu.Lock()
	s.pendingReq, s.pendingData, s.have = req, data, true
	s.mu.Unlock()
	s.cond.Broadcast()
}

func (s *session) nextRequisition() buffer.Requisition {
	s.mu.Lock()
	defer s.mu.Unlock()
	for !s.have && !s.closed {
		s.cond.Wait()
	}
	return s.pendingReq
}

func (s *session) nextInput() ([]float32, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for !s.have && !s.closed {
		s.cond.Wait()
	}
	if !s.have {
		return nil, false
	}
	data := s.pendingData
	s.have = false
	return data, true
}

// awaitResult blocks for the next computed tuple and caches it (without
// consuming it) so a repeated GET_REQUISITION before GET_RESULT sees the
// same item.
func (s *session) awaitResult() (resultItem, error) {
	s.mu.Lock()
	if s.pendingResult != nil {
		r := *s.pendingResult
		s.mu.Unlock()
		return r, nil
	}
	s.mu.Unlock()

	select {
	case r, ok := <-s.results:
		if !ok {
			return resultItem{}, errors.New("remote: daemon: sub-graph ended")
		}
		s.mu.Lock()
		s.pendingResult = &r
		s.mu.Unlock()
		return r, nil
	case err := <-s.runErr:
		if err != nil {
			return resultItem{}, err
		}
		return resultItem{}, errors.New("remote: daemon: sub-graph ended")
	}
}

func (s *session) takeResult() resultItem {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pendingResult == nil {
		return resultItem{}
	}
	r := *s.pendingResult
	s.pendingResult = nil
	return r
}

func (s *session) close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.cond.Broadcast()
	s.cancel()
}

// feederTask is a generator that blocks on session.nextInput/nextRequisition
// until a SEND_INPUTS frame arrives, bridging the wire protocol's
// one-tuple-at-a-time exchange into the sub-path's own pull/push loop —
// the daemon-side analogue of shim.InputTask, specialized to read from a
// session rather than an arbitrary Go callback.
type feederTask struct {
	task.Base
	s *session
}

func (f *feederTask) NumInputs() int  { return 0 }
func (f *feederTask) Mode() task.Mode { return task.ModeGenerator }
func (f *feederTask) GetRequisition([]*buffer.Buffer) (buffer.Requisition, error) {
	return f.s.nextRequisition(), nil
}
func (f *feederTask) Process([]*buffer.Buffer, *buffer.Buffer, buffer.Requisition) (bool, error) {
	return true, nil
}
func (f *feederTask) Generate(output *buffer.Buffer, _ buffer.Requisition) (bool, error) {
	data, ok := f.s.nextInput()
	if !ok {
		return false, nil
	}
	host, err := output.GetHostArray()
	if err != nil {
		return false, err
	}
	if len(data) != len(host) {
		return false, errors.Errorf("remote: daemon: fed %d elements, requisition wants %d", len(data), len(host))
	}
	copy(host, data)
	return true, nil
}
func (f *feederTask) Copy() graph.Copyable { return &feederTask{s: f.s} }

// resultSink is a Sink task capturing both the shape and the data of
// every tuple it observes — shim.OutputTask's Emit callback only carries
// raw data, not shape, so the daemon uses this thin variant to answer
// GET_REQUISITION/GET_RESULT with the shape the sub-path actually
// produced.
type resultSink struct {
	task.Base
	out chan resultItem
}

func (r *resultSink) NumInputs() int  { return 1 }
func (r *resultSink) Mode() task.Mode { return task.ModeSink }
func (r *resultSink) GetRequisition(inputs []*buffer.Buffer) (buffer.Requisition, error) {
	return inputs[0].Requisition(), nil
}
func (r *resultSink) Process(inputs []*buffer.Buffer, _ *buffer.Buffer, _ buffer.Requisition) (bool, error) {
	host, err := inputs[0].GetHostArray()
	if err != nil {
		return false, err
	}
	cp := make([]float32, len(host))
	copy(cp, host)
	r.out <- resultItem{req: inputs[0].Requisition(), data: cp}
	return true, nil
}
func (r *resultSink) Generate(*buffer.Buffer, buffer.Requisition) (bool, error) { return false, nil }
func (r *resultSink) Copy() graph.Copyable                                     { return &resultSink{out: r.out} }
