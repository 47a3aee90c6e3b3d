package pool

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"time"

	sdkmath "cosmossdk.io/math"
)

// RequestKey identifies a queued withdrawal request. It is a
// deterministic hash of the pool identity, the owner and a per-owner
// nonce, so replays of the same logical request collide.
type RequestKey [32]byte

// ZeroKey is the sentinel returned when a withdrawal settles fully
// synchronously and no request is queued.
var ZeroKey RequestKey

func (k RequestKey) IsZero() bool { return k == ZeroKey }

func (k RequestKey) String() string { return hex.EncodeToString(k[:]) }

// ParseRequestKey decodes the hex form produced by String.
func ParseRequestKey(s string) (RequestKey, error) {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return ZeroKey, fmt.Errorf("decode request key: %w", err)
	}
	if len(raw) != len(RequestKey{}) {
		return ZeroKey, fmt.Errorf("request key must be %d bytes, got %d", len(RequestKey{}), len(raw))
	}
	var k RequestKey
	copy(k[:], raw)
	return k, nil
}

func newRequestKey(poolID, owner string, nonce uint64) RequestKey {
	h := sha256.New()
	h.Write([]byte(poolID))
	h.Write([]byte{0})
	h.Write([]byte(owner))
	h.Write([]byte{0})

	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], nonce)
	h.Write(buf[:])

	var k RequestKey
	copy(k[:], h.Sum(nil))
	return k
}

// WithdrawRequest is the durable record of a queued withdrawal. All
// fields except Claimed/ClaimedAt are immutable after creation, and
// records are never deleted.
type WithdrawRequest struct {
	Key             RequestKey
	Track           Track
	RequestedAssets sdkmath.Int
	// AccSnapshot is the track's AccRequested as of this request's
	// creation. The request is settled once Processed reaches it.
	AccSnapshot sdkmath.Int
	Owner       string
	Receiver    string
	CreatedAt   time.Time
	// Last marks the request that burned the pool's final outstanding
	// shares. It settles once the position is fully unwound and absorbs
	// the track's execution shortfall or surplus.
	Last      bool
	Claimed   bool
	ClaimedAt time.Time
}
