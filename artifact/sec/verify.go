/**
 * Licensed to the Apache Software Foundation (ASF) under one
 * or more contributor license agreements.  See the NOTICE file
 * distributed with this work for additional information
 * regarding copyright ownership.  The ASF licenses this file
 * to you under the Apache License, Version 2.0 (the
 * "License"); you may not use this file except in compliance
 * with the License.  You may obtain a copy of the License at
 *
 *  http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing,
 * software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY
 * KIND, either express or implied.  See the License for the
 * specific language governing permissions and limitations
 * under the License.
 */

package sec

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rsa"
	"math/big"

	"github.com/cloudflare/circl/sign/dilithium/mode3"
	"github.com/cloudflare/circl/sign/ed448"

	"github.com/wolfboot-go/wolfboot/werr"
)

// Verifier checks a signature over an image digest against a keystore
// entry's public key, dispatching on KeyEntry.KeyType.
type Verifier struct{}

// Verify reports whether sig is a valid signature over digest under the
// public key carried by slot. Failure is always a plain boolean; the
// error return is reserved for malformed inputs (wrong-size
// key/signature),
// which the caller should also treat as rejection.
func (Verifier) Verify(slot KeyEntry, digest, sig []byte) (bool, error) {
	switch slot.KeyType {
	case KeyEd25519:
		if len(slot.PubKey) != ed25519.PublicKeySize {
			return false, werr.New("bad ed25519 public key size")
		}
		return ed25519.Verify(ed25519.PublicKey(slot.PubKey), digest, sig), nil

	case KeyEd448:
		if len(slot.PubKey) != ed448.PublicKeySize {
			return false, werr.New("bad ed448 public key size")
		}
		return ed448.Verify(ed448.PublicKey(slot.PubKey), digest, sig, ""), nil

	case KeyECDSAP256:
		return verifyECDSA(elliptic.P256(), slot.PubKey, digest, sig)
	case KeyECDSAP384:
		return verifyECDSA(elliptic.P384(), slot.PubKey, digest, sig)
	case KeyECDSAP521:
		return verifyECDSA(elliptic.P521(), slot.PubKey, digest, sig)

	case KeyRSA2048, KeyRSA3072, KeyRSA4096:
		return verifyRSA(slot.PubKey, digest, sig, false)
	case KeyRSA2048ASN1, KeyRSA3072ASN1, KeyRSA4096ASN1:
		return verifyRSA(slot.PubKey, digest, sig, true)

	case KeyLMS:
		return VerifyLMS(slot.PubKey, digest, sig)
	case KeyXMSS:
		return VerifyXMSS(slot.PubKey, digest, sig)

	case KeyMLDSA:
		scheme := mode3.Scheme()
		pub, err := scheme.UnmarshalBinaryPublicKey(slot.PubKey)
		if err != nil {
			return false, werr.Wrap(err)
		}
		return scheme.Verify(pub, digest, sig, nil), nil

	default:
		return false, werr.Newf("unknown key type %d", slot.KeyType)
	}
}

// verifyECDSA decodes a raw r||s signature, each zero-padded to the
// curve's coordinate size.
func verifyECDSA(curve elliptic.Curve, pubKeyDER, digest, sig []byte) (bool, error) {
	pub, err := parseECDSAPublicKey(curve, pubKeyDER)
	if err != nil {
		return false, err
	}

	byteLen := (curve.Params().BitSize + 7) / 8
	if len(sig) != 2*byteLen {
		return false, werr.Newf("bad ECDSA signature length %d, expected %d", len(sig), 2*byteLen)
	}

	r := new(big.Int).SetBytes(sig[:byteLen])
	s := new(big.Int).SetBytes(sig[byteLen:])

	return ecdsa.Verify(pub, digest, r, s), nil
}

func parseECDSAPublicKey(curve elliptic.Curve, der []byte) (*ecdsa.PublicKey, error) {
	// Accept either a raw uncompressed point (0x04 || X || Y) or a full
	// x509-marshaled SubjectPublicKeyInfo, matching what the keystore
	// build tooling and the PEM-based signing tool each tend to emit.
	if len(der) > 0 && der[0] == 0x04 {
		x, y := elliptic.Unmarshal(curve, der)
		if x == nil {
			return nil, werr.New("invalid uncompressed EC point")
		}
		return &ecdsa.PublicKey{Curve: curve, X: x, Y: y}, nil
	}

	pub, err := parsePKIXECDSA(der)
	if err != nil {
		return nil, err
	}
	return pub, nil
}

// verifyRSA verifies a PKCS#1 v1.5 signature. asn1Wrapped selects whether
// the verifier expects an ASN.1 DigestInfo-wrapped digest (the normal
// crypto/rsa behavior) or a bare digest (crypto.Hash(0), which tells
// VerifyPKCS1v15 to compare the padded message directly against
// `hashed` with no DigestInfo prefix).
func verifyRSA(pubKeyDER, digest, sig []byte, asn1Wrapped bool) (bool, error) {
	pub, err := parsePKIXRSA(pubKeyDER)
	if err != nil {
		return false, err
	}

	hashAlg := crypto.Hash(0)
	if asn1Wrapped {
		hashAlg = hashForLen(len(digest))
	}

	err = rsa.VerifyPKCS1v15(pub, hashAlg, digest, sig)
	return err == nil, nil
}

func hashForLen(n int) crypto.Hash {
	switch n {
	case 48:
		return crypto.SHA384
	case 32:
		return crypto.SHA256
	default:
		return crypto.SHA256
	}
}
