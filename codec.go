package xcenter

import (
	"bytes"
	"encoding/gob"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"
)

// Codec turns payloads into bytes when they leave the process through a
// bridge (see adapter/redisstream). In-process delivery never encodes.
type Codec interface {
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
	Name() string
}

// JSONCodec is the default codec.
type JSONCodec struct{}

func (JSONCodec) Marshal(v any) ([]byte, error)   { return json.Marshal(v) }
func (JSONCodec) Unmarshal(b []byte, v any) error { return json.Unmarshal(b, v) }
func (JSONCodec) Name() string                    { return "json" }

// GobCodec keeps Go types exact between two Go processes.
type GobCodec struct{}

func (GobCodec) Marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (GobCodec) Unmarshal(b []byte, v any) error {
	return gob.NewDecoder(bytes.NewReader(b)).Decode(v)
}

func (GobCodec) Name() string { return "gob" }

// CodecFactory builds a codec for a registered name.
type CodecFactory func() Codec

var codecs = struct {
	sync.RWMutex
	byName map[string]CodecFactory
}{
	byName: map[string]CodecFactory{
		"json": func() Codec { return JSONCodec{} },
		"gob":  func() Codec { return GobCodec{} },
	},
}

// RegisterCodec adds or replaces the factory for name.
func RegisterCodec(name string, factory CodecFactory) error {
	switch {
	case name == "":
		return errors.New("xcenter: codec name must not be empty")
	case factory == nil:
		return errors.New("xcenter: codec factory must not be nil")
	}
	codecs.Lock()
	codecs.byName[name] = factory
	codecs.Unlock()
	return nil
}

// NewCodec builds the codec registered as name.
func NewCodec(name string) (Codec, error) {
	codecs.RLock()
	f, ok := codecs.byName[name]
	codecs.RUnlock()
	if !ok {
		return nil, fmt.Errorf("xcenter: codec %q not registered", name)
	}
	return f(), nil
}

// Codecs lists registered codec names, sorted.
func Codecs() []string {
	codecs.RLock()
	names := make([]string, 0, len(codecs.byName))
	for n := range codecs.byName {
		names = append(names, n)
	}
	codecs.RUnlock()
	slices.Sort(names)
	return names
}

// DecodeCodec unmarshals data into a T.
func DecodeCodec[T any](c Codec, data []byte) (T, error) {
	var v T
	err := c.Unmarshal(data, &v)
	return v, err
}
