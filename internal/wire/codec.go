package wire

import (
	"encoding/json"

	"google.golang.org/grpc/encoding"
)

// CodecName 调用时通过 grpc.CallContentSubtype 选择
const CodecName = "json"

// jsonCodec wire 消息是普通 Go 结构体，不走 protobuf
type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string                       { return CodecName }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}
