package protocol

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/efecan0/binaryrpc-framework/rpc"
)

// MsgpackProtocol encodes requests as a MessagePack map with "method"
// and "payload" keys, and errors as {"code", "msg", "data"}.
type MsgpackProtocol struct{}

// NewMsgpackProtocol creates the MessagePack codec.
func NewMsgpackProtocol() *MsgpackProtocol {
	return &MsgpackProtocol{}
}

type msgpackRequest struct {
	Method  string `msgpack:"method"`
	Payload []byte `msgpack:"payload"`
}

type msgpackError struct {
	Code int    `msgpack:"code"`
	Msg  string `msgpack:"msg"`
	Data []byte `msgpack:"data,omitempty"`
}

func (p *MsgpackProtocol) Parse(data []byte) (Request, error) {
	var req msgpackRequest
	if err := msgpack.Unmarshal(data, &req); err != nil {
		return Request{}, fmt.Errorf("parse msgpack request: %w", ErrMalformed)
	}
	if req.Method == "" {
		return Request{}, fmt.Errorf("parse msgpack request: missing method: %w", ErrMalformed)
	}
	return Request{Method: req.Method, Payload: req.Payload}, nil
}

func (p *MsgpackProtocol) Serialize(method string, payload []byte) []byte {
	out, err := msgpack.Marshal(msgpackRequest{Method: method, Payload: payload})
	if err != nil {
		return nil
	}
	return out
}

func (p *MsgpackProtocol) SerializeError(e *rpc.Error) []byte {
	out, err := msgpack.Marshal(msgpackError{Code: int(e.Code), Msg: e.Msg, Data: e.Data})
	if err != nil {
		return nil
	}
	return out
}
