package ledger

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

func fixedClock(unix int64) func() time.Time {
	return func() time.Time { return time.Unix(unix, 0) }
}

func TestTransferMovesBalanceAtomically(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	from := common.HexToAddress("0x01")
	to := common.HexToAddress("0x02")
	m.Mint(from, big.NewInt(100))

	if err := m.Transfer(ctx, from, to, big.NewInt(60)); err != nil {
		t.Fatalf("transfer: %v", err)
	}
	if err := m.Transfer(ctx, from, to, big.NewInt(60)); !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("overdraft err = %v, want insufficient funds", err)
	}

	balFrom, _ := m.BalanceOf(ctx, from)
	balTo, _ := m.BalanceOf(ctx, to)
	if balFrom.Cmp(big.NewInt(40)) != 0 || balTo.Cmp(big.NewInt(60)) != 0 {
		t.Fatalf("balances = %s/%s, want 40/60", balFrom, balTo)
	}
}

func TestAuthorizationSignatureRoundTrip(t *testing.T) {
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	from := crypto.PubkeyToAddress(key.PublicKey)
	to := common.HexToAddress("0x02")
	nonce := common.HexToHash("0xaa")

	sig, err := SignAuthorization(key, to, big.NewInt(500), 100, 200, nonce)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	signer, err := RecoverAuthorizer(Authorization{
		From: from, To: to, Amount: big.NewInt(500),
		ValidAfter: 100, ValidBefore: 200,
		Nonce: nonce, Signature: sig,
	})
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if signer != from {
		t.Fatalf("signer = %s, want %s", signer.Hex(), from.Hex())
	}

	// A different tuple must not verify against the same signature.
	signer, err = RecoverAuthorizer(Authorization{
		From: from, To: to, Amount: big.NewInt(501),
		ValidAfter: 100, ValidBefore: 200,
		Nonce: nonce, Signature: sig,
	})
	if err == nil && signer == from {
		t.Fatalf("tampered tuple still recovers the payer")
	}
}

func TestTransferWithAuthorization(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(WithClock(fixedClock(150)))

	key, _ := crypto.GenerateKey()
	from := crypto.PubkeyToAddress(key.PublicKey)
	to := common.HexToAddress("0x02")
	m.Mint(from, big.NewInt(1000))

	sign := func(amount int64, validAfter, validBefore int64, nonce common.Hash) Authorization {
		sig, err := SignAuthorization(key, to, big.NewInt(amount), validAfter, validBefore, nonce)
		if err != nil {
			t.Fatalf("sign: %v", err)
		}
		return Authorization{
			From: from, To: to, Amount: big.NewInt(amount),
			ValidAfter: validAfter, ValidBefore: validBefore,
			Nonce: nonce, Signature: sig,
		}
	}

	auth := sign(400, 100, 200, common.HexToHash("0x01"))
	if err := m.TransferWithAuthorization(ctx, auth); err != nil {
		t.Fatalf("authorized transfer: %v", err)
	}
	if err := m.TransferWithAuthorization(ctx, auth); !errors.Is(err, ErrNonceUsed) {
		t.Fatalf("replay err = %v, want nonce used", err)
	}

	if err := m.TransferWithAuthorization(ctx, sign(10, 160, 200, common.HexToHash("0x02"))); !errors.Is(err, ErrOutsideWindow) {
		t.Fatalf("early err = %v, want outside window", err)
	}
	if err := m.TransferWithAuthorization(ctx, sign(10, 100, 150, common.HexToHash("0x03"))); !errors.Is(err, ErrOutsideWindow) {
		t.Fatalf("expired err = %v, want outside window", err)
	}

	forged := sign(10, 100, 200, common.HexToHash("0x04"))
	forged.Amount = big.NewInt(999)
	if err := m.TransferWithAuthorization(ctx, forged); !errors.Is(err, ErrBadSignature) {
		t.Fatalf("forged err = %v, want bad signature", err)
	}

	// A failed transfer must not consume the nonce.
	broke := sign(10_000, 100, 200, common.HexToHash("0x05"))
	if err := m.TransferWithAuthorization(ctx, broke); !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("overdraft err = %v, want insufficient funds", err)
	}
	m.Mint(from, big.NewInt(20_000))
	if err := m.TransferWithAuthorization(ctx, broke); err != nil {
		t.Fatalf("retry after funding: %v", err)
	}
}
