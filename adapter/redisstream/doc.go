// Package redisstream bridges an xcenter.Center to Redis Streams.
//
// Forward registers a receiver that appends every envelope delivered on a
// channel to a stream (XADD). Ingest runs a consumer-group poller
// (XREADGROUP) that posts every stream entry into the center as a *Record
// and acknowledges it once the center accepted it.
//
// The center's guarantees stop at the process boundary: an ingested entry is
// acked on acceptance, so a crash before the next dispatch cycle loses it.
//
// Example:
//
//	br, err := redisstream.NewBridge(center, redisstream.Config{
//	    Addr:     "localhost:6379",
//	    Consumer: "viewer-1",
//	    Block:    2 * time.Second,
//	})
//	if err != nil { ... }
//	defer br.Close(ctx)
//
//	fwd, _ := br.Forward("peaks", "xcenter:peaks")
//	sub, _ := br.Ingest(ctx, "xcenter:peaks", "viewers", "remote-peaks", true)
package redisstream
