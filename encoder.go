package notejobs

import (
	"encoding/json"

	"github.com/bytedance/sonic"
)

// Encoder serializes job records, payloads and schedule entries.
type Encoder interface {
	Encode(any) ([]byte, error)
	Decode([]byte, any) error
}

// JSONEncoder writes with encoding/json and reads with sonic.
type JSONEncoder struct{}

func (*JSONEncoder) Encode(v any) ([]byte, error) { return json.Marshal(v) }

func (*JSONEncoder) Decode(data []byte, v any) error { return sonic.Unmarshal(data, v) }

// encodePayload returns nil for a nil payload and passes raw JSON through
// untouched, so Job.Bind sees exactly what the producer sent.
func encodePayload(enc Encoder, v any) ([]byte, error) {
	switch p := v.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return p, nil
	case []byte:
		if !json.Valid(p) {
			return enc.Encode(p)
		}
		return p, nil
	default:
		return enc.Encode(v)
	}
}
