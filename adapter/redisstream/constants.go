package redisstream

// Field constants (avoid typos/allocs)
const (
	fieldChannel    = "channel"
	fieldPayload    = "payload"    // raw []byte to reduce allocs (no base64)
	fieldProducedAt = "producedAt" // int64 ns
	fieldReplace    = "replace"    // "1" or "0"
	fieldCodec      = "codec"
	fieldCenter     = "center"
)
