package ledger

import (
	"crypto/ecdsa"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
)

// AuthorizationDigest hashes the exact transfer tuple the payer signs.
// Layout: from (20) || to (20) || amount (32) || validAfter (32) ||
// validBefore (32) || nonce (32), keccak256, then wrapped with the EIP-191
// personal message prefix so wallets can produce the signature.
func AuthorizationDigest(from, to common.Address, amount *big.Int, validAfter, validBefore int64, nonce common.Hash) common.Hash {
	packed := make([]byte, 0, 20+20+32*4)
	packed = append(packed, from.Bytes()...)
	packed = append(packed, to.Bytes()...)
	packed = append(packed, math.U256Bytes(new(big.Int).Set(amount))...)
	packed = append(packed, math.U256Bytes(big.NewInt(validAfter))...)
	packed = append(packed, math.U256Bytes(big.NewInt(validBefore))...)
	packed = append(packed, nonce.Bytes()...)

	inner := crypto.Keccak256Hash(packed)
	return crypto.Keccak256Hash([]byte("\x19Ethereum Signed Message:\n32"), inner.Bytes())
}

// SignAuthorization produces the payer signature for the tuple. Used by
// tests and by callers that hold a local key.
func SignAuthorization(key *ecdsa.PrivateKey, to common.Address, amount *big.Int, validAfter, validBefore int64, nonce common.Hash) ([]byte, error) {
	from := crypto.PubkeyToAddress(key.PublicKey)
	digest := AuthorizationDigest(from, to, amount, validAfter, validBefore, nonce)
	return crypto.Sign(digest.Bytes(), key)
}

// RecoverAuthorizer returns the address that signed the tuple.
func RecoverAuthorizer(auth Authorization) (common.Address, error) {
	digest := AuthorizationDigest(auth.From, auth.To, auth.Amount, auth.ValidAfter, auth.ValidBefore, auth.Nonce)
	pub, err := crypto.SigToPub(digest.Bytes(), auth.Signature)
	if err != nil {
		return common.Address{}, err
	}
	return crypto.PubkeyToAddress(*pub), nil
}
