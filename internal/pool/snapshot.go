package pool

import (
	"fmt"
	"time"

	sdkmath "cosmossdk.io/math"
)

// AccumulatorState is one track's serialized counters.
type AccumulatorState struct {
	AccRequested string `json:"acc_requested"`
	Processed    string `json:"processed"`
}

// RequestState is the serialized form of one withdrawal request record.
type RequestState struct {
	Key             string    `json:"key"`
	Track           int       `json:"track"`
	RequestedAssets string    `json:"requested_assets"`
	AccSnapshot     string    `json:"acc_snapshot"`
	Owner           string    `json:"owner"`
	Receiver        string    `json:"receiver"`
	CreatedAt       time.Time `json:"created_at"`
	Last            bool      `json:"last"`
	Claimed         bool      `json:"claimed"`
	ClaimedAt       time.Time `json:"claimed_at,omitempty"`
}

// State is the pool's complete serializable ledger state. All amounts
// travel as decimal strings. Requests are stored in creation order.
type State struct {
	AssetBalance  string              `json:"asset_balance"`
	AssetsToClaim string              `json:"assets_to_claim"`
	TotalShares   string              `json:"total_shares"`
	Shares        map[string]string   `json:"shares"`
	Tracks        [2]AccumulatorState `json:"tracks"`
	Requests      []RequestState      `json:"requests"`
	Nonces        map[string]uint64   `json:"nonces"`
}

func (p *Pool) Snapshot() State {
	s := State{
		AssetBalance:  p.assetBalance.String(),
		AssetsToClaim: p.assetsToClaim.String(),
		TotalShares:   p.totalShares.String(),
		Shares:        make(map[string]string, len(p.shares)),
		Nonces:        make(map[string]uint64, len(p.nonces)),
	}
	for owner, amt := range p.shares {
		s.Shares[owner] = amt.String()
	}
	for owner, n := range p.nonces {
		s.Nonces[owner] = n
	}
	for i, t := range []Track{TrackNormal, TrackPrioritized} {
		s.Tracks[i] = AccumulatorState{
			AccRequested: p.tracks[t].AccRequested.String(),
			Processed:    p.tracks[t].Processed.String(),
		}
	}
	s.Requests = make([]RequestState, 0, len(p.order))
	for _, key := range p.order {
		req := p.requests[key]
		s.Requests = append(s.Requests, RequestState{
			Key:             req.Key.String(),
			Track:           int(req.Track),
			RequestedAssets: req.RequestedAssets.String(),
			AccSnapshot:     req.AccSnapshot.String(),
			Owner:           req.Owner,
			Receiver:        req.Receiver,
			CreatedAt:       req.CreatedAt,
			Last:            req.Last,
			Claimed:         req.Claimed,
			ClaimedAt:       req.ClaimedAt,
		})
	}
	return s
}

// Restore replaces the pool's ledger state with the snapshot. Any state
// accumulated since construction is discarded.
func (p *Pool) Restore(s State) error {
	balance, err := parseInt(s.AssetBalance, "asset_balance")
	if err != nil {
		return err
	}
	toClaim, err := parseInt(s.AssetsToClaim, "assets_to_claim")
	if err != nil {
		return err
	}
	totalShares, err := parseInt(s.TotalShares, "total_shares")
	if err != nil {
		return err
	}

	shares := make(map[string]sdkmath.Int, len(s.Shares))
	for owner, raw := range s.Shares {
		amt, err := parseInt(raw, "shares of "+owner)
		if err != nil {
			return err
		}
		shares[owner] = amt
	}

	tracks := [2]*Accumulator{NewAccumulator(), NewAccumulator()}
	for i := range s.Tracks {
		acc, err := parseInt(s.Tracks[i].AccRequested, "acc_requested")
		if err != nil {
			return err
		}
		proc, err := parseInt(s.Tracks[i].Processed, "processed")
		if err != nil {
			return err
		}
		tracks[i] = &Accumulator{AccRequested: acc, Processed: proc}
	}

	requests := make(map[RequestKey]*WithdrawRequest, len(s.Requests))
	order := make([]RequestKey, 0, len(s.Requests))
	for _, rs := range s.Requests {
		key, err := ParseRequestKey(rs.Key)
		if err != nil {
			return err
		}
		requested, err := parseInt(rs.RequestedAssets, "requested_assets")
		if err != nil {
			return err
		}
		acc, err := parseInt(rs.AccSnapshot, "acc_snapshot")
		if err != nil {
			return err
		}
		requests[key] = &WithdrawRequest{
			Key:             key,
			Track:           Track(rs.Track),
			RequestedAssets: requested,
			AccSnapshot:     acc,
			Owner:           rs.Owner,
			Receiver:        rs.Receiver,
			CreatedAt:       rs.CreatedAt,
			Last:            rs.Last,
			Claimed:         rs.Claimed,
			ClaimedAt:       rs.ClaimedAt,
		}
		order = append(order, key)
	}

	nonces := make(map[string]uint64, len(s.Nonces))
	for owner, n := range s.Nonces {
		nonces[owner] = n
	}

	p.assetBalance = balance
	p.assetsToClaim = toClaim
	p.totalShares = totalShares
	p.shares = shares
	p.tracks = tracks
	p.requests = requests
	p.order = order
	p.nonces = nonces
	return nil
}

func parseInt(raw, field string) (sdkmath.Int, error) {
	v, ok := sdkmath.NewIntFromString(raw)
	if !ok {
		return sdkmath.Int{}, fmt.Errorf("restore pool: bad %s %q", field, raw)
	}
	return v, nil
}
