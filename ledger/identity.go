package ledger

import (
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Identity is the funding credential every deployment and transition is
// signed with. It is passed explicitly so several clients can run with
// distinct signers.
type Identity struct {
	key     *ecdsa.PrivateKey
	address common.Address
	ChainID *big.Int
}

// NewIdentity parses a hex private key (with or without 0x). chainID may be
// nil and filled in later from the provider.
func NewIdentity(hexKey string, chainID *big.Int) (Identity, error) {
	hexKey = strings.TrimPrefix(strings.TrimSpace(hexKey), "0x")
	if hexKey == "" {
		return Identity{}, fmt.Errorf("ledger: empty private key")
	}
	key, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		return Identity{}, fmt.Errorf("ledger: parse private key: %w", err)
	}
	return IdentityFromKey(key, chainID), nil
}

// IdentityFromKey wraps an existing key.
func IdentityFromKey(key *ecdsa.PrivateKey, chainID *big.Int) Identity {
	return Identity{
		key:     key,
		address: crypto.PubkeyToAddress(key.PublicKey),
		ChainID: chainID,
	}
}

// Address is the payer attributed to every deployment.
func (id Identity) Address() common.Address {
	return id.address
}

// String never prints key material.
func (id Identity) String() string {
	return "ledger.Identity{" + id.address.Hex() + "}"
}
