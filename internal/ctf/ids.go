// Package ctf derives the deterministic identifiers of the conditional token
// ledger: condition ids, collection ids and position ids.
//
// Collection ids are compressed points on the alt_bn128 curve so that the id
// of a nested collection does not depend on the order in which its conditions
// were applied.
package ctf

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	bn256 "github.com/ethereum/go-ethereum/crypto/bn256/cloudflare"

	"github.com/alanyoungcy/ctfledger/internal/domain"
)

var (
	// fieldP is the alt_bn128 base field modulus.
	fieldP, _ = new(big.Int).SetString("30644e72e131a029b85045b68181585d97816a916871ca8d3c208c16d87cfd47", 16)
	// curveB is the constant of y^2 = x^3 + 3.
	curveB = big.NewInt(3)
	// sqrtExp is (P+1)/4; P = 3 mod 4 so v^sqrtExp is a square root of v
	// whenever one exists.
	sqrtExp = new(big.Int).Rsh(new(big.Int).Add(fieldP, big.NewInt(1)), 2)

	bigOne   = big.NewInt(1)
	bit254   = new(big.Int).Lsh(big.NewInt(1), 254)
	low254   = new(big.Int).Sub(bit254, big.NewInt(1))
	uint256N = 32
)

// ConditionID returns keccak256(oracle ‖ questionId ‖ uint256(outcomeSlotCount)).
func ConditionID(oracle common.Address, questionID common.Hash, outcomeSlotCount int) domain.ConditionID {
	slots := common.LeftPadBytes(big.NewInt(int64(outcomeSlotCount)).Bytes(), uint256N)
	return crypto.Keccak256Hash(oracle.Bytes(), questionID.Bytes(), slots)
}

// PositionID returns keccak256(collateral ‖ collectionId) read as a uint256.
func PositionID(collateral common.Address, collectionID domain.CollectionID) domain.PositionID {
	h := crypto.Keccak256(collateral.Bytes(), collectionID.Bytes())
	return domain.PositionIDFromBytes(h)
}

// CollectionID combines the outcome selection indexSet of conditionID with
// the parent collection. The root parent (zero) yields the standalone
// collection; any other parent must itself be a valid collection id or
// ErrInvalidParentCollection is returned.
func CollectionID(parent domain.CollectionID, conditionID domain.ConditionID, indexSet domain.IndexSet) (domain.CollectionID, error) {
	set := indexSet.Bytes32()
	seed := new(big.Int).SetBytes(crypto.Keccak256(conditionID.Bytes(), set[:]))
	x1, y1 := hashToPoint(seed)

	x2 := new(big.Int).SetBytes(parent.Bytes())
	if x2.Sign() != 0 {
		odd := x2.Bit(254) == 1 || x2.Bit(255) == 1
		x2.And(x2, low254)
		if x2.Cmp(fieldP) >= 0 {
			return domain.CollectionID{}, fmt.Errorf("%w: %s", domain.ErrInvalidParentCollection, parent.Hex())
		}
		y2, ok := curveY(x2, odd)
		if !ok {
			return domain.CollectionID{}, fmt.Errorf("%w: %s", domain.ErrInvalidParentCollection, parent.Hex())
		}
		var err error
		x1, y1, err = addPoints(x1, y1, x2, y2)
		if err != nil {
			return domain.CollectionID{}, fmt.Errorf("%w: %s: %v", domain.ErrInvalidParentCollection, parent.Hex(), err)
		}
	}
	return compress(x1, y1), nil
}

// PositionIDFor is the convenience composition used by the ledger: the
// position of collateral in the collection (parent, conditionID, indexSet).
func PositionIDFor(collateral common.Address, parent domain.CollectionID, conditionID domain.ConditionID, indexSet domain.IndexSet) (domain.PositionID, error) {
	coll, err := CollectionID(parent, conditionID, indexSet)
	if err != nil {
		return domain.PositionID{}, err
	}
	return PositionID(collateral, coll), nil
}

// hashToPoint walks x forward from seed until x^3+3 is a square and picks
// the root whose parity matches the seed's top bit.
func hashToPoint(seed *big.Int) (*big.Int, *big.Int) {
	odd := seed.Bit(255) == 1
	x := new(big.Int).Set(seed)
	for {
		x.Add(x, bigOne)
		x.Mod(x, fieldP)
		if y, ok := curveY(x, odd); ok {
			return x, y
		}
	}
}

// curveY returns the y with the requested parity such that (x, y) is on the
// curve, or false if x^3+3 has no square root.
func curveY(x *big.Int, odd bool) (*big.Int, bool) {
	yy := new(big.Int).Exp(x, big.NewInt(3), fieldP)
	yy.Add(yy, curveB)
	yy.Mod(yy, fieldP)

	y := new(big.Int).Exp(yy, sqrtExp, fieldP)
	check := new(big.Int).Mul(y, y)
	check.Mod(check, fieldP)
	if check.Cmp(yy) != 0 {
		return nil, false
	}
	if (y.Bit(0) == 1) != odd {
		y.Sub(fieldP, y)
	}
	return y, true
}

// addPoints adds two affine points through the bn256 G1 group.
func addPoints(x1, y1, x2, y2 *big.Int) (*big.Int, *big.Int, error) {
	a, err := unmarshalG1(x1, y1)
	if err != nil {
		return nil, nil, err
	}
	b, err := unmarshalG1(x2, y2)
	if err != nil {
		return nil, nil, err
	}
	sum := new(bn256.G1).Add(a, b)
	out := sum.Marshal()
	return new(big.Int).SetBytes(out[:32]), new(big.Int).SetBytes(out[32:64]), nil
}

func unmarshalG1(x, y *big.Int) (*bn256.G1, error) {
	buf := make([]byte, 2*uint256N)
	x.FillBytes(buf[:32])
	y.FillBytes(buf[32:])
	p := new(bn256.G1)
	if _, err := p.Unmarshal(buf); err != nil {
		return nil, err
	}
	return p, nil
}

// compress folds the parity of y into bit 254 of x.
func compress(x, y *big.Int) domain.CollectionID {
	out := new(big.Int).Set(x)
	if y.Bit(0) == 1 {
		out.Xor(out, bit254)
	}
	var id domain.CollectionID
	out.FillBytes(id[:])
	return id
}
