package rpcpeer

import (
	gogoproto "github.com/gogo/protobuf/proto"
	"google.golang.org/grpc/encoding"
)

// gogoCodec marshals messages via gogo/protobuf's reflection-based proto.Marshal
// rather than the newer google.golang.org/protobuf API grpc-go registers by
// default under the "proto" name — registering under the same name here
// overrides it process-wide, which is how pre-APIv2 gogo/protobuf codebases
// interop with grpc-go. Grounded on the teacher's own use of gogo/protobuf as
// its wire format throughout go/protocols.
type gogoCodec struct{}

func (gogoCodec) Marshal(v interface{}) ([]byte, error) {
	msg, ok := v.(gogoproto.Message)
	if !ok {
		return nil, errNotGogoMessage{v}
	}
	return gogoproto.Marshal(msg)
}

func (gogoCodec) Unmarshal(data []byte, v interface{}) error {
	msg, ok := v.(gogoproto.Message)
	if !ok {
		return errNotGogoMessage{v}
	}
	return gogoproto.Unmarshal(data, msg)
}

func (gogoCodec) Name() string { return "proto" }

type errNotGogoMessage struct{ v interface{} }

func (e errNotGogoMessage) Error() string { return "rpcpeer: value does not implement proto.Message" }

func init() {
	encoding.RegisterCodec(gogoCodec{})
}
