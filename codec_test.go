package xcenter

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type upperCodec struct{ JSONCodec }

func (upperCodec) Name() string { return "upper-json" }

func TestCodecRegistry(t *testing.T) {
	c, err := NewCodec("json")
	require.NoError(t, err)
	assert.Equal(t, "json", c.Name())

	_, err = NewCodec("missing")
	assert.Error(t, err)

	assert.Error(t, RegisterCodec("", func() Codec { return JSONCodec{} }))
	assert.Error(t, RegisterCodec("x", nil))

	require.NoError(t, RegisterCodec("upper-json", func() Codec { return upperCodec{} }))
	c, err = NewCodec("upper-json")
	require.NoError(t, err)
	assert.Equal(t, "upper-json", c.Name())
	assert.Contains(t, Codecs(), "upper-json")
	assert.Subset(t, Codecs(), []string{"gob", "json"})
}

func TestGobCodec_RoundTripsTypes(t *testing.T) {
	type sample struct {
		ID    uint64
		Tags  []string
		Ratio float64
	}
	in := sample{ID: 7, Tags: []string{"a", "b"}, Ratio: 0.5}

	data, err := GobCodec{}.Marshal(in)
	require.NoError(t, err)
	out, err := DecodeCodec[sample](GobCodec{}, data)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestDecodeCodec(t *testing.T) {
	type peak struct {
		Name   string `json:"name"`
		Height int    `json:"height"`
	}
	data, err := json.Marshal(peak{"Everest", 8849})
	require.NoError(t, err)

	got, err := DecodeCodec[peak](JSONCodec{}, data)
	require.NoError(t, err)
	assert.Equal(t, peak{"Everest", 8849}, got)

	_, err = DecodeCodec[peak](JSONCodec{}, []byte("{"))
	assert.Error(t, err)
}
