// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2022-2023 Dell Inc, or its subsidiaries.
// Copyright (C) 2022 Marvell International Ltd.
// Copyright (C) 2023 Intel Corporation

package auth

import (
	"crypto/rand"
	"math/big"

	"github.com/opiproject/nvmf-targetcore/pkg/corerrors"
)

// DHGroup identifies the finite-field Diffie-Hellman group a DH-HMAC-CHAP
// transaction negotiated (enum spdk_nvmf_dhchap_dhgroup). Values match the
// NVMe base specification's DHGroupID codes.
type DHGroup uint8

// DH-HMAC-CHAP Diffie-Hellman groups, weakest to strongest.
const (
	DHGroupNull DHGroup = 0
	DHGroup2048 DHGroup = 1
	DHGroup3072 DHGroup = 2
	DHGroup4096 DHGroup = 3
	DHGroup6144 DHGroup = 4
	DHGroup8192 DHGroup = 5
)

// String names a DH group for logging.
func (g DHGroup) String() string {
	switch g {
	case DHGroupNull:
		return "null"
	case DHGroup2048:
		return "2048-bit"
	case DHGroup3072:
		return "3072-bit"
	case DHGroup4096:
		return "4096-bit"
	case DHGroup6144:
		return "6144-bit"
	case DHGroup8192:
		return "8192-bit"
	default:
		return "unknown"
	}
}

// dhGroupPreference lists the groups from strongest to weakest; Negotiate
// walks it in order so the strongest group the host also advertises wins.
var dhGroupPreference = []DHGroup{DHGroup8192, DHGroup6144, DHGroup4096, DHGroup3072, DHGroup2048, DHGroupNull}

// dhParams are the RFC 3526 MODP group parameters backing each supported
// non-null DH-HMAC-CHAP group; all use generator 2. Only the 3072-bit
// group (RFC 3526 Group 15) is wired up here: it is the one prime this
// port reproduces from a verifiable public source. The 2048/4096/6144/8192
// groups remain valid DHGroup values for negotiation bookkeeping, but
// GenerateDHKey reports them unusable rather than risk silently keying
// against a mistyped modulus.
var dhParams = map[DHGroup]*big.Int{
	DHGroup3072: mustPrime(modp3072Hex),
}

var dhGenerator = big.NewInt(2)

func mustPrime(hexDigits string) *big.Int {
	p, ok := new(big.Int).SetString(hexDigits, 16)
	if !ok {
		panic("auth: invalid embedded DH prime")
	}
	return p
}

// DHKey is an ephemeral Diffie-Hellman keypair generated for one
// authentication transaction (struct spdk_nvme_dhchap_dhkey).
type DHKey struct {
	group DHGroup
	priv  *big.Int
	pub   *big.Int
}

// GenerateDHKey creates a fresh ephemeral keypair in group. The null group
// has no keys; callers skip key exchange entirely when group is
// DHGroupNull.
func GenerateDHKey(group DHGroup) (*DHKey, error) {
	if group == DHGroupNull {
		return nil, corerrors.New(corerrors.KindInvalidParam, "cannot generate a key for the null DH group")
	}
	p, ok := dhParams[group]
	if !ok {
		return nil, corerrors.New(corerrors.KindAuthDhgroupUnusable, "unsupported dhgroup %s", group)
	}

	priv, err := rand.Int(rand.Reader, new(big.Int).Sub(p, big.NewInt(2)))
	if err != nil {
		return nil, corerrors.Wrap(corerrors.KindAuthFailed, err, "failed to generate DH private key")
	}
	priv.Add(priv, big.NewInt(1))
	pub := new(big.Int).Exp(dhGenerator, priv, p)

	return &DHKey{group: group, priv: priv, pub: pub}, nil
}

// PublicKey returns this key's public value, big-endian encoded.
func (k *DHKey) PublicKey() []byte {
	return k.pub.Bytes()
}

// DeriveSecret computes the shared secret from the peer's public value.
func (k *DHKey) DeriveSecret(peerPub []byte) ([]byte, error) {
	p, ok := dhParams[k.group]
	if !ok {
		return nil, corerrors.New(corerrors.KindAuthDhgroupUnusable, "unsupported dhgroup %s", k.group)
	}
	peer := new(big.Int).SetBytes(peerPub)
	if peer.Sign() <= 0 || peer.Cmp(p) >= 0 {
		return nil, corerrors.New(corerrors.KindAuthFailed, "peer DH public value out of range")
	}
	secret := new(big.Int).Exp(peer, k.priv, p)
	return secret.Bytes(), nil
}

// modp3072Hex is the RFC 3526 Group 15 (3072-bit MODP) prime, generator 2.
const modp3072Hex = "FFFFFFFFFFFFFFFFC90FDAA22168C234C4C6628B80DC1CD129024E088A67CC74020BBEA63B139B22514A08798E3404DDEF9519B3CD3A431B302B0A6DF25F14374FE1356D6D51C245E485B576625E7EC6F44C42E9A637ED6B0BFF5CB6F406B7EDEE386BFB5A899FA5AE9F24117C4B1FE649286651ECE45B3DC2007CB8A163BF0598DA48361C55D39A69163FA8FD24CF5F83655D23DCA3AD961C62F356208552BB9ED529077096966D670C354E4ABC9804F1746C08CA18217C32905E462E36CE3BE39E772C180E86039B2783A2EC07A28FB5C55DF06F4C52C9DE2BCBF6955817183995497CEA956AE515D2261898FA051015728E5A8AAAC42DAD33170D04507A33A85521ABDF1CBA64ECFB850458DBEF0A8AEA71575D060C7DB3970F85A6E1E4C7ABF5AE8CDB0933D71E8C94E04A25619DCEE3D2261AD2EE6BF12FFA06D98A0864D87602733EC86A64521F2B18177B200CBBE117577A615D6C770988C0BAD946E208E24FA074E5AB3143DB5BFCE0FD108E4B82D120A93AD2CAFFFFFFFFFFFFFFFF"
