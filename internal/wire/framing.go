package wire

import (
	"crypto/md5"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// ProtobufHardLimit bounds the body size of any one frame; a body that
// would exceed it must be split across additional frames by the caller.
const ProtobufHardLimit = 64 << 20

// ErrBodyTooLarge is returned by WriteFrame when body exceeds ProtobufHardLimit.
var ErrBodyTooLarge = errors.New("wire: frame body exceeds PROTOBUFFER_HARD_LIMIT")

// WriteFrame writes one length-prefixed (header, body) frame: a 4-byte
// little-endian header length, the JSON-encoded ProtoHeader, then the raw
// body bytes. The header's Size and Md5 fields are computed here from
// body, overriding whatever the caller set.
func WriteFrame(w io.Writer, hdr ProtoHeader, body []byte) error {
	if len(body) > ProtobufHardLimit {
		return ErrBodyTooLarge
	}
	hdr.Size = uint32(len(body))
	sum := md5.Sum(body)
	hdr.Md5 = fmt.Sprintf("%x", sum)

	hdrBytes, err := json.Marshal(hdr)
	if err != nil {
		return fmt.Errorf("wire: marshal header: %w", err)
	}

	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(hdrBytes)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return fmt.Errorf("wire: write header length: %w", err)
	}
	if _, err := w.Write(hdrBytes); err != nil {
		return fmt.Errorf("wire: write header: %w", err)
	}
	if len(body) > 0 {
		if _, err := w.Write(body); err != nil {
			return fmt.Errorf("wire: write body: %w", err)
		}
	}
	return nil
}

// WriteEndOfStream writes the terminal frame: endnodata=true, size=0.
func WriteEndOfStream(w io.Writer, wname string) error {
	return WriteFrame(w, ProtoHeader{Wname: wname, EndNoData: true}, nil)
}

// ReadFrame reads one (header, body) frame from r. io.EOF is returned only
// if r is exhausted before any bytes of a new frame are read.
func ReadFrame(r io.Reader) (ProtoHeader, []byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return ProtoHeader{}, nil, io.EOF
		}
		return ProtoHeader{}, nil, fmt.Errorf("wire: read header length: %w", err)
	}
	hdrLen := binary.LittleEndian.Uint32(lenBuf[:])

	hdrBytes := make([]byte, hdrLen)
	if _, err := io.ReadFull(r, hdrBytes); err != nil {
		return ProtoHeader{}, nil, fmt.Errorf("wire: read header: %w", err)
	}
	var hdr ProtoHeader
	if err := json.Unmarshal(hdrBytes, &hdr); err != nil {
		return ProtoHeader{}, nil, fmt.Errorf("wire: unmarshal header: %w", err)
	}

	if hdr.EndNoData && hdr.Size == 0 {
		return hdr, nil, nil
	}

	body := make([]byte, hdr.Size)
	if _, err := io.ReadFull(r, body); err != nil {
		return ProtoHeader{}, nil, fmt.Errorf("wire: read body: %w", err)
	}
	sum := fmt.Sprintf("%x", md5.Sum(body))
	if sum != hdr.Md5 {
		return ProtoHeader{}, nil, fmt.Errorf("wire: body md5 %s does not match header md5 %s", sum, hdr.Md5)
	}
	return hdr, body, nil
}

// WriteTaskMsg writes a length-prefixed JSON-encoded TaskMsg, the
// dispatch message that opens a job stream before any ProtoHeader/Result
// frames flow back on it.
func WriteTaskMsg(w io.Writer, msg TaskMsg) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("wire: marshal task msg: %w", err)
	}
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(data)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return fmt.Errorf("wire: write task msg length: %w", err)
	}
	_, err = w.Write(data)
	return err
}

// ReadTaskMsg reads a length-prefixed JSON-encoded TaskMsg.
func ReadTaskMsg(r io.Reader) (TaskMsg, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return TaskMsg{}, fmt.Errorf("wire: read task msg length: %w", err)
	}
	n := binary.LittleEndian.Uint32(lenBuf[:])
	data := make([]byte, n)
	if _, err := io.ReadFull(r, data); err != nil {
		return TaskMsg{}, fmt.Errorf("wire: read task msg: %w", err)
	}
	var msg TaskMsg
	if err := json.Unmarshal(data, &msg); err != nil {
		return TaskMsg{}, fmt.Errorf("wire: unmarshal task msg: %w", err)
	}
	return msg, nil
}

// EncodeResult JSON-encodes a Result body for use with WriteFrame.
func EncodeResult(res Result) ([]byte, error) {
	return json.Marshal(res)
}

// DecodeResult parses a Result body read by ReadFrame.
func DecodeResult(body []byte) (Result, error) {
	var res Result
	if err := json.Unmarshal(body, &res); err != nil {
		return Result{}, fmt.Errorf("wire: unmarshal result: %w", err)
	}
	return res, nil
}
