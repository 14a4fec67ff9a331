package transport

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"

	"github.com/quic-go/quic-go"
)

// ControlMessageType identifies the payload carried by one control frame.
type ControlMessageType uint8

const (
	MessageTypeCancel ControlMessageType = iota + 1
	MessageTypeSquash
	MessageTypeJobStatus
	MessageTypeBoot
)

// CancelMessage asks a worker to abandon one job (query squashed, LIMIT
// satisfied, or client cancellation).
type CancelMessage struct {
	QueryId int64
	JobId   int64
	Reason  string
}

// SquashMessage asks a worker to abandon every job belonging to a query.
type SquashMessage struct {
	QueryId int64
	Reason  string
}

// JobStatusMessage is a worker's asynchronous push of a job's lifecycle
// transition back to the czar's qmeta.MessageStore.
type JobStatusMessage struct {
	QueryId int64
	JobId   int64
	State   int32
	Message string
}

// BootMessage tells a worker a query has exceeded resource thresholds: its
// queued tasks (in-flight ones finish where they are) move onto the Snail
// scheduler, and every later task for the same query routes there too.
type BootMessage struct {
	QueryId int64
	Reason  string
}

// ControlStream carries cancel/squash/status control traffic between czar
// and worker, framed as type-prefixed, length-prefixed JSON messages.
type ControlStream struct {
	stream *quic.Stream
}

func NewControlStream(stream *quic.Stream) *ControlStream {
	return &ControlStream{stream: stream}
}

func (cs *ControlStream) SendCancel(msg *CancelMessage) error {
	return cs.send(MessageTypeCancel, msg)
}

func (cs *ControlStream) SendSquash(msg *SquashMessage) error {
	return cs.send(MessageTypeSquash, msg)
}

func (cs *ControlStream) SendJobStatus(msg *JobStatusMessage) error {
	return cs.send(MessageTypeJobStatus, msg)
}

func (cs *ControlStream) SendBoot(msg *BootMessage) error {
	return cs.send(MessageTypeBoot, msg)
}

// ReceiveAny blocks for the next control frame and returns its type and
// raw JSON payload; callers switch on the type to unmarshal.
func (cs *ControlStream) ReceiveAny() (ControlMessageType, []byte, error) {
	var msgType ControlMessageType
	if err := binary.Read(cs.stream, binary.BigEndian, &msgType); err != nil {
		return 0, nil, err
	}
	var length uint32
	if err := binary.Read(cs.stream, binary.BigEndian, &length); err != nil {
		return 0, nil, err
	}
	data := make([]byte, length)
	if _, err := io.ReadFull(cs.stream, data); err != nil {
		return 0, nil, err
	}
	return msgType, data, nil
}

func (cs *ControlStream) send(msgType ControlMessageType, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if err := binary.Write(cs.stream, binary.BigEndian, msgType); err != nil {
		return err
	}
	if err := binary.Write(cs.stream, binary.BigEndian, uint32(len(data))); err != nil {
		return err
	}
	_, err = cs.stream.Write(data)
	return err
}

func (cs *ControlStream) Close() error { return cs.stream.Close() }

// DecodeCancel decodes a raw ReceiveAny payload known to be a Cancel message.
func DecodeCancel(data []byte) (*CancelMessage, error) {
	var m CancelMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// DecodeSquash decodes a raw ReceiveAny payload known to be a Squash message.
func DecodeSquash(data []byte) (*SquashMessage, error) {
	var m SquashMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// DecodeJobStatus decodes a raw ReceiveAny payload known to be a JobStatus message.
func DecodeJobStatus(data []byte) (*JobStatusMessage, error) {
	var m JobStatusMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// DecodeBoot decodes a raw ReceiveAny payload known to be a Boot message.
func DecodeBoot(data []byte) (*BootMessage, error) {
	var m BootMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// ErrUnexpectedMessageType is returned when ReceiveAny's type does not
// match the decode function the caller expected.
func ErrUnexpectedMessageType(got ControlMessageType) error {
	return fmt.Errorf("transport: unexpected control message type %d", got)
}
