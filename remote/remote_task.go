package remote

import (
	"github.com/pkg/errors"

	"github.com/ufokit/ufocore/buffer"
	"github.com/ufokit/ufocore/graph"
	"github.com/ufokit/ufocore/task"
)

// RemoteTask is the client-side proxy of §4.6: the scheduler treats it as
// any other task.Task occupying the node the "expand remote" phase cut out
// of the graph, but its GetRequisition/Process pair forwards the pull/push
// contract over a Messenger to a peer daemon instead of computing locally.
//
//   - Setup dials Addr and ships SubgraphJSON as a STREAM_JSON or
//     REPLICATE_JSON frame, waiting for the peer's ACK.
//   - GetRequisition sends the tuple of local inputs as SEND_INPUTS, then
//     asks GET_REQUISITION and decodes the peer's reply — the peer can't
//     answer GET_REQUISITION until it has seen this call's inputs, so both
//     steps live here rather than splitting SEND_INPUTS into Process.
//   - Process asks GET_RESULT and copies the decoded payload into output.
//
// A RemoteTask with NumInputsVal == 0 instead proxies a peer-side
// generator: Generate repeats the same GET_RESULT exchange, with
// GetRequisition's SEND_INPUTS carrying zero inputs as the "produce your
// next output" trigger.
type RemoteTask struct {
	task.Base

	Addr         string
	SubgraphJSON []byte
	Replicate    bool // selects REPLICATE_JSON over STREAM_JSON at handshake
	Compress     bool
	AuthSecret   []byte // non-nil enables the JWT handshake before STREAM_JSON
	NumInputsVal int

	conn Messenger
}

func (t *RemoteTask) NumInputs() int { return t.NumInputsVal }

func (t *RemoteTask) Mode() task.Mode {
	if t.NumInputsVal == 0 {
		return task.ModeGenerator
	}
	return task.ModeProcessor
}

func (t *RemoteTask) Setup(task.Resources) error {
	m := NewTCPMessenger(t.Compress)
	if err := m.Connect(t.Addr, RoleClient); err != nil {
		return task.IOError("remote: dial peer", err)
	}
	if len(t.AuthSecret) > 0 {
		if err := authenticateClient(m, t.AuthSecret); err != nil {
			m.Disconnect()
			return task.IOError("remote: authenticate", err)
		}
	}

	tag := TagStreamJSON
	if t.Replicate {
		tag = TagReplicateJSON
	}
	reply, err := m.SendBlocking(tag, t.SubgraphJSON)
	if err != nil {
		m.Disconnect()
		return task.IOError("remote: handshake", err)
	}
	if reply.Tag != TagAck {
		m.Disconnect()
		return task.ProtocolError("remote: handshake", errors.Errorf("expected ACK, got tag %d", reply.Tag))
	}

	t.conn = m
	return nil
}

func (t *RemoteTask) GetRequisition(inputs []*buffer.Buffer) (buffer.Requisition, error) {
	payload, err := EncodeSendInputs(inputs)
	if err != nil {
		return buffer.Requisition{}, task.IOError("remote: encode inputs", err)
	}
	reply, err := t.conn.SendBlocking(TagSendInputs, payload)
	if err != nil {
		return buffer.Requisition{}, task.IOError("remote: send inputs", err)
	}
	if reply.Tag != TagAck {
		return buffer.Requisition{}, task.ProtocolError("remote: send inputs", errors.Errorf("expected ACK, got tag %d", reply.Tag))
	}

	reply, err = t.conn.SendBlocking(TagGetRequisition, nil)
	if err != nil {
		return buffer.Requisition{}, task.IOError("remote: get requisition", err)
	}
	if reply.Tag != TagRequisition {
		return buffer.Requisition{}, task.ProtocolError("remote: get requisition", errors.Errorf("expected REQUISITION, got tag %d", reply.Tag))
	}
	h, _, err := ReadShapeHeader(reply.Payload)
	if err != nil {
		return buffer.Requisition{}, task.ProtocolError("remote: decode requisition", err)
	}
	return requisitionFromShapeHeader(h), nil
}

func (t *RemoteTask) Process(_ []*buffer.Buffer, output *buffer.Buffer, _ buffer.Requisition) (bool, error) {
	return t.fetchResult(output)
}

func (t *RemoteTask) Generate(output *buffer.Buffer, _ buffer.Requisition) (bool, error) {
	return t.fetchResult(output)
}

func (t *RemoteTask) fetchResult(output *buffer.Buffer) (bool, error) {
	reply, err := t.conn.SendBlocking(TagGetResult, nil)
	if err != nil {
		return false, task.IOError("remote: get result", err)
	}
	if reply.Tag != TagResult {
		return false, task.ProtocolError("remote: get result", errors.Errorf("expected RESULT, got tag %d", reply.Tag))
	}
	h, data, err := ReadBufferPayload(reply.Payload)
	if err != nil {
		return false, task.ProtocolError("remote: decode result", err)
	}
	output.Resize(requisitionFromShapeHeader(h))
	host, err := output.GetHostArray()
	if err != nil {
		return false, err
	}
	if len(data) != len(host) {
		return false, task.ProtocolError("remote: result size mismatch", errors.Errorf("have %d want %d", len(data), len(host)))
	}
	copy(host, data)
	return true, nil
}

// Close tears down the connection, asking the peer to terminate the
// session first. Callers that own a RemoteTask directly (rather than
// through a Scheduler, which has no generic task teardown hook) should
// call this once the task's stream has ended.
func (t *RemoteTask) Close() error {
	if t.conn == nil {
		return nil
	}
	_, _ = t.conn.SendBlocking(TagTerminate, nil)
	return t.conn.Disconnect()
}

func (t *RemoteTask) Copy() graph.Copyable {
	return &RemoteTask{
		Addr:         t.Addr,
		SubgraphJSON: t.SubgraphJSON,
		Replicate:    t.Replicate,
		Compress:     t.Compress,
		AuthSecret:   t.AuthSecret,
		NumInputsVal: t.NumInputsVal,
	}
}
