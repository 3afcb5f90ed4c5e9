package stoq

import (
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"sync"
	"time"

	"github.com/hypermesh-online/stoq/wire"
)

// computeToken is the Packet Token (spec.md §3): a 32-byte SHA-256 over
// (content bytes, local nonce). This implementation's concrete resolution of
// "local nonce" is the shard-set id itself: it is already carried on the
// wire in every ShardFrame, so a receiver can recompute the same token from
// data it actually has, while the token stays content-addressed and
// deterministic for a given (payload, set) pair. See DESIGN.md.
func computeToken(payload []byte, setID [16]byte) [32]byte {
	h := sha256.New()
	h.Write(payload)
	h.Write(setID[:])
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// encodeShardedFrames splits payload into shards no larger than
// maxShardSize and returns the Token frame followed by `count` Shard
// frames, contiguously indexed 0..count-1 (spec.md §3, §6).
func encodeShardedFrames(payload []byte, maxShardSize int) ([]wire.Frame, error) {
	if maxShardSize <= 0 {
		return nil, fmt.Errorf("stoq: max shard size must be positive")
	}
	var setID [16]byte
	if _, err := rand.Read(setID[:]); err != nil {
		return nil, fmt.Errorf("stoq: generating shard set id: %w", err)
	}
	count := (len(payload) + maxShardSize - 1) / maxShardSize
	if count == 0 {
		count = 1
	}
	token := computeToken(payload, setID)

	frames := make([]wire.Frame, 0, count+1)
	frames = append(frames, &wire.TokenFrame{Token: token})
	for i := 0; i < count; i++ {
		start := i * maxShardSize
		end := start + maxShardSize
		if end > len(payload) {
			end = len(payload)
		}
		frames = append(frames, &wire.ShardFrame{
			SetID: setID,
			Index: uint32(i),
			Count: uint32(count),
			Data:  payload[start:end],
		})
	}
	return frames, nil
}

// shardAssembler reassembles one shard set (a Token frame followed by its
// Shard frames read off one stream). It never delivers partial content
// (spec.md §8 property 5): reassembly either yields exactly the original
// bytes, or the caller observes a timeout and nothing else.
type shardAssembler struct {
	mu        sync.Mutex
	token     [32]byte
	haveToken bool
	setID     [16]byte
	count     uint32
	haveSetID bool
	shards    map[uint32][]byte
	deadline  time.Time
}

func newShardAssembler() *shardAssembler {
	return &shardAssembler{shards: make(map[uint32][]byte)}
}

func (a *shardAssembler) addToken(f *wire.TokenFrame, now time.Time, timeout time.Duration) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.token = f.Token
	a.haveToken = true
	a.deadline = now.Add(timeout)
}

// addShard returns the reassembled payload and true once every index
// 0..count-1 has arrived and the recomputed token matches.
func (a *shardAssembler) addShard(f *wire.ShardFrame) ([]byte, bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.haveSetID {
		a.setID = f.SetID
		a.count = f.Count
		a.haveSetID = true
	}
	if f.SetID != a.setID || f.Count != a.count {
		return nil, false, fmt.Errorf("stoq: shard frame does not match current set")
	}
	a.shards[f.Index] = f.Data

	if uint32(len(a.shards)) < a.count {
		return nil, false, nil
	}
	total := 0
	for i := uint32(0); i < a.count; i++ {
		s, ok := a.shards[i]
		if !ok {
			return nil, false, nil
		}
		total += len(s)
	}
	payload := make([]byte, 0, total)
	for i := uint32(0); i < a.count; i++ {
		payload = append(payload, a.shards[i]...)
	}
	if !a.haveToken {
		return nil, false, fmt.Errorf("stoq: shard set completed with no preceding token frame")
	}
	if computeToken(payload, a.setID) != a.token {
		return nil, false, fmt.Errorf("stoq: reassembled payload does not match token")
	}
	return payload, true, nil
}

// Expired reports whether the assembler's deadline has passed with the set
// still incomplete.
func (a *shardAssembler) Expired(now time.Time) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.haveToken && now.After(a.deadline)
}
