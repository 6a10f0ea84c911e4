package daemon

import (
	"fmt"

	"google.golang.org/grpc/encoding"
)

// codec encodes the daemon messages in protobuf wire format. It reports
// the "proto" name so the content-subtype matches what the daemon expects.
type codec struct{}

var _ encoding.Codec = codec{}

func (codec) Marshal(v any) ([]byte, error) {
	msg, ok := v.(message)
	if !ok {
		return nil, fmt.Errorf("daemon codec: cannot marshal %T", v)
	}
	return msg.marshal(), nil
}

func (codec) Unmarshal(data []byte, v any) error {
	msg, ok := v.(message)
	if !ok {
		return fmt.Errorf("daemon codec: cannot unmarshal into %T", v)
	}
	return msg.unmarshal(data)
}

func (codec) Name() string {
	return "proto"
}
