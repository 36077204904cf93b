package protocol

import (
	"bytes"
	"fmt"
	"strconv"

	"github.com/efecan0/binaryrpc-framework/rpc"
)

// TextProtocol is the "method:payload" codec. The method name is
// everything before the first colon; the rest is the payload verbatim.
type TextProtocol struct{}

// NewTextProtocol creates the text codec.
func NewTextProtocol() *TextProtocol {
	return &TextProtocol{}
}

func (p *TextProtocol) Parse(data []byte) (Request, error) {
	i := bytes.IndexByte(data, ':')
	if i < 0 {
		return Request{}, fmt.Errorf("parse text request: %w", ErrMalformed)
	}
	return Request{
		Method:  string(data[:i]),
		Payload: data[i+1:],
	}, nil
}

func (p *TextProtocol) Serialize(method string, payload []byte) []byte {
	out := make([]byte, 0, len(method)+1+len(payload))
	out = append(out, method...)
	out = append(out, ':')
	return append(out, payload...)
}

func (p *TextProtocol) SerializeError(e *rpc.Error) []byte {
	s := "error:" + strconv.Itoa(int(e.Code)) + ":" + e.Msg
	return []byte(s)
}
