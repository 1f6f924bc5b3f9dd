package redisstream

import (
	"fmt"
	"strconv"
	"time"

	"github.com/trickstertwo/xcenter"
)

// Record is the payload posted into the center for every ingested stream entry.
type Record struct {
	ID         string
	Stream     string
	Channel    string // channel name on the producing side
	Center     string // producing center name
	Payload    []byte
	ProducedAt time.Time
	Replace    bool
	Codec      string
}

// DecodeRecord decodes r's payload with the codec it was written with.
func DecodeRecord[T any](r *Record) (T, error) {
	var zero T
	if r == nil {
		return zero, fmt.Errorf("redisstream: nil record")
	}
	name := r.Codec
	if name == "" {
		name = "json"
	}
	codec, err := xcenter.NewCodec(name)
	if err != nil {
		return zero, err
	}
	return xcenter.DecodeCodec[T](codec, r.Payload)
}

// encodeEnvelope builds the XADD field map for env.
// A *Record payload is passed through unchanged so entries can be re-forwarded.
func encodeEnvelope(center string, env *xcenter.Envelope, codec xcenter.Codec) (map[string]any, error) {
	var (
		data      []byte
		codecName = codec.Name()
	)
	if rec, ok := xcenter.PayloadAs[*Record](env); ok && rec != nil {
		data = rec.Payload
		if rec.Codec != "" {
			codecName = rec.Codec
		}
	} else {
		b, err := codec.Marshal(env.Payload())
		if err != nil {
			return nil, fmt.Errorf("redisstream: encode payload: %w", err)
		}
		data = b
	}

	replace := "0"
	if env.Replace() {
		replace = "1"
	}

	return map[string]any{
		fieldChannel:    fmt.Sprint(env.Channel()),
		fieldPayload:    data,
		fieldProducedAt: env.Timestamp().UnixNano(),
		fieldReplace:    replace,
		fieldCodec:      codecName,
		fieldCenter:     center,
	}, nil
}

func decodeRecord(stream, id string, vals map[string]any) *Record {
	rec := &Record{ID: id, Stream: stream}
	if v, ok := vals[fieldChannel]; ok {
		rec.Channel = asString(v)
	}
	if v, ok := vals[fieldCenter]; ok {
		rec.Center = asString(v)
	}
	if v, ok := vals[fieldCodec]; ok {
		rec.Codec = asString(v)
	}
	if v, ok := vals[fieldReplace]; ok {
		rec.Replace = asString(v) == "1"
	}
	if v, ok := vals[fieldPayload]; ok {
		switch p := v.(type) {
		case []byte:
			rec.Payload = p
		case string:
			rec.Payload = []byte(p)
		}
	}
	if pa := vals[fieldProducedAt]; pa != nil {
		if ns, ok := toInt64(pa); ok && ns > 0 {
			rec.ProducedAt = time.Unix(0, ns)
		}
	}
	return rec
}

func asString(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case []byte:
		return string(s)
	default:
		return fmt.Sprintf("%v", s)
	}
}

func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int32:
		return int64(n), true
	case int:
		return int64(n), true
	case float64:
		return int64(n), true
	case string:
		if n == "" {
			return 0, false
		}
		if i, err := strconv.ParseInt(n, 10, 64); err == nil {
			return i, true
		}
		if f, err := strconv.ParseFloat(n, 64); err == nil {
			return int64(f), true
		}
	case []byte:
		return toInt64(string(n))
	}
	return 0, false
}
