package core

import (
	sdkmath "cosmossdk.io/math"

	"BasisVault/internal/pool"
	"BasisVault/internal/registry"
)

// stateDigest builds the canonical byte encoding of all vault state the
// hash chain commits to. Instances arrive sorted by pool id, amounts are
// length-prefixed decimal strings, so equal state always yields equal
// bytes.
func stateDigest(instances []*registry.Instance) []byte {
	digest := make([]byte, 0, len(instances)*192)

	for _, inst := range instances {
		digest = appendField(digest, inst.Pool.ID())
		digest = appendAmount(digest, inst.Pool.AssetBalance())
		digest = appendAmount(digest, inst.Pool.AssetsToClaim())
		digest = appendAmount(digest, inst.Pool.TotalShares())

		for _, tr := range []pool.Track{pool.TrackNormal, pool.TrackPrioritized} {
			acc := inst.Pool.TrackState(tr)
			digest = appendAmount(digest, acc.AccRequested)
			digest = appendAmount(digest, acc.Processed)
		}

		digest = append(digest, byte(inst.Controller.Status()))
		digest = appendAmount(digest, inst.Controller.ProductBalance())
		digest = appendAmount(digest, inst.Controller.AssetsToWithdraw())
		digest = appendAmount(digest, inst.Controller.PendingDecreaseCollateral())
		digest = appendAmount(digest, inst.Controller.FeesAccrued())

		digest = appendAmount(digest, inst.Adapter.PositionSizeInTokens())
		digest = appendAmount(digest, inst.Adapter.Collateral())
	}

	return digest
}

func appendField(buf []byte, s string) []byte {
	buf = append(buf, byte(len(s)))
	return append(buf, s...)
}

func appendAmount(buf []byte, v sdkmath.Int) []byte {
	return appendField(buf, v.String())
}
