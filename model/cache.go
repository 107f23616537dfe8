package model

import (
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/bepfleet/bepd/protocol"
)

// introducerCacheSize bounds how many (introducer, discovered-device)
// pairs are remembered, so a chatty introducer can't grow this without
// bound.
const introducerCacheSize = 4096

// introducerDedupe tracks which devices have already been enqueued for a
// connection attempt on an introducer's say-so, so a repeated ClusterConfig
// from the same introducer doesn't requeue them every time.
type introducerDedupe struct {
	seen *lru.Cache[introducerDedupeKey, struct{}]
}

type introducerDedupeKey struct {
	introducer protocol.DeviceID
	discovered protocol.DeviceID
}

func newIntroducerDedupe() *introducerDedupe {
	c, err := lru.New[introducerDedupeKey, struct{}](introducerCacheSize)
	if err != nil {
		// Only non-nil for a non-positive size, which introducerCacheSize
		// never is.
		panic(err)
	}
	return &introducerDedupe{seen: c}
}

// ShouldEnqueue reports whether (introducer, discovered) has not already
// been seen, recording it as seen either way.
func (d *introducerDedupe) ShouldEnqueue(introducer, discovered protocol.DeviceID) bool {
	key := introducerDedupeKey{introducer: introducer, discovered: discovered}
	if d.seen.Contains(key) {
		return false
	}
	d.seen.Add(key, struct{}{})
	return true
}
