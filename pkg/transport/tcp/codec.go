package tcp

import (
	"bufio"
	"encoding/json"
	"io"

	"github.com/sourcegraph/jsonrpc2"
)

// LengthPrefixCodec frames JSON-RPC objects the way the TCP transport does,
// for use with jsonrpc2.NewBufferedStream.
type LengthPrefixCodec struct{}

var _ jsonrpc2.ObjectCodec = LengthPrefixCodec{}

// WriteObject implements jsonrpc2.ObjectCodec.
func (LengthPrefixCodec) WriteObject(stream io.Writer, obj interface{}) error {
	data, err := json.Marshal(obj)
	if err != nil {
		return err
	}
	return WriteFrame(stream, data)
}

// ReadObject implements jsonrpc2.ObjectCodec.
func (LengthPrefixCodec) ReadObject(stream *bufio.Reader, v interface{}) error {
	data, err := ReadFrame(stream)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}
