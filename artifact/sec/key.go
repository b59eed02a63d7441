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

// Package sec implements the keystore, multi-algorithm signature
// verifier, and update-payload ciphers.
package sec

import (
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/asn1"
	"encoding/pem"

	"github.com/wolfboot-go/wolfboot/werr"
)

// KeyType identifies the signature algorithm a keystore entry authorizes,
// matching the IMG_TYPE high byte values the verifier dispatches on.
type KeyType uint8

const (
	KeyEd25519 KeyType = iota
	KeyEd448
	KeyECDSAP256
	KeyECDSAP384
	KeyECDSAP521
	KeyRSA2048
	KeyRSA3072
	KeyRSA4096
	KeyRSA2048ASN1
	KeyRSA3072ASN1
	KeyRSA4096ASN1
	KeyLMS
	KeyXMSS
	KeyMLDSA
)

// AnyPartition is the part_id_mask value meaning "verify any partition".
const AnyPartition uint32 = 0xFFFFFFFF

// KeyEntry is one keystore record: { slot_id, key_type, part_id_mask,
// pubkey_size, pubkey }.
type KeyEntry struct {
	SlotID     uint32
	KeyType    KeyType
	PartIDMask uint32
	PubKey     []byte
}

// Keystore is the contiguous array of trusted keys baked into the
// bootloader's .keystore section.
type Keystore struct {
	Entries []KeyEntry
}

// NewKeystore builds a Keystore from a literal slice of entries, standing
// in for the linked .keystore section the real bootloader reads.
func NewKeystore(entries ...KeyEntry) *Keystore {
	return &Keystore{Entries: entries}
}

// PubKeyDigest hashes raw public key bytes the way HDR_PUBKEY TLVs do:
// sha256 of the encoded public key.
func PubKeyDigest(pubKey []byte) []byte {
	sum := sha256.Sum256(pubKey)
	return sum[:]
}

// Authorize is a three-way AND: a keystore slot is
// accepted iff its pubkey's digest matches the image's HDR_PUBKEY value,
// its part_id_mask authorizes partID, and its key type matches the
// algorithm selected by IMG_TYPE.
func (ks *Keystore) Authorize(partID uint8, pubKeyDigest []byte, keyType KeyType) (*KeyEntry, error) {
	for i := range ks.Entries {
		e := &ks.Entries[i]
		if e.KeyType != keyType {
			continue
		}
		if e.PartIDMask&(1<<partID) == 0 {
			continue
		}
		digest := PubKeyDigest(e.PubKey)
		if !bytesEqual(digest, pubKeyDigest) {
			continue
		}
		return e, nil
	}
	return nil, werr.New("no keystore slot authorizes this partition id and key type")
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// --- Host-side key loading, used by the signing and keygen tools -------

// SignKey holds exactly one private key, of whichever algorithm family
// the PEM file encoded.
type SignKey struct {
	Ed25519 ed25519.PrivateKey
	ECDSA   *ecdsa.PrivateKey
	RSA     *rsa.PrivateKey
}

var oidPrivateKeyEd25519 = asn1.ObjectIdentifier{1, 3, 101, 112}

type ed25519Pkcs8 struct {
	Version int
	Algo    struct {
		Algorithm asn1.ObjectIdentifier
	}
	SeedKey []byte
}

// parseEd25519Pkcs8 parses the PKCS#8 wrapping used for Ed25519 private
// keys, whose OID upstream x509 only gained support for in later Go
// versions; this keeps the parser independent of that.
func parseEd25519Pkcs8(der []byte) (ed25519.PrivateKey, error) {
	var priv ed25519Pkcs8
	if _, err := asn1.Unmarshal(der, &priv); err != nil {
		return nil, werr.New("error parsing ASN1 key")
	}
	if !priv.Algo.Algorithm.Equal(oidPrivateKeyEd25519) {
		return nil, werr.Newf("PKCS#8 wrapping contained unknown algorithm: %v", priv.Algo.Algorithm)
	}
	if len(priv.SeedKey) != ed25519.SeedSize+2 {
		return nil, werr.New("unexpected size for Ed25519 private key")
	}
	return ed25519.NewKeyFromSeed(priv.SeedKey[2:]), nil
}

// ParsePrivateKey loads a PEM-encoded EC/RSA/Ed25519/PKCS#8 private key,
// the same set of PEM block types the host signing tool accepts.
func ParsePrivateKey(keyBytes []byte) (SignKey, error) {
	var key SignKey

	block, rest := pem.Decode(keyBytes)
	if block != nil && block.Type == "EC PARAMETERS" {
		block, _ = pem.Decode(rest)
	}
	if block == nil {
		return key, werr.New("no PEM block found in key file")
	}

	switch block.Type {
	case "RSA PRIVATE KEY":
		priv, err := x509.ParsePKCS1PrivateKey(block.Bytes)
		if err != nil {
			return key, werr.Wrapf(err, "RSA private key parse failed: %s", err.Error())
		}
		key.RSA = priv
	case "EC PRIVATE KEY":
		priv, err := x509.ParseECPrivateKey(block.Bytes)
		if err != nil {
			return key, werr.Wrapf(err, "EC private key parse failed: %s", err.Error())
		}
		key.ECDSA = priv
	case "PRIVATE KEY":
		priv, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			ed, edErr := parseEd25519Pkcs8(block.Bytes)
			if edErr != nil {
				return key, werr.Wrapf(err, "private key parse failed: %s", err.Error())
			}
			key.Ed25519 = ed
			return key, nil
		}
		switch p := priv.(type) {
		case ed25519.PrivateKey:
			key.Ed25519 = p
		case *ecdsa.PrivateKey:
			key.ECDSA = p
		case *rsa.PrivateKey:
			key.RSA = p
		default:
			return key, werr.New("unsupported PKCS#8 private key algorithm")
		}
	default:
		return key, werr.Newf("unsupported PEM block type %q", block.Type)
	}

	return key, nil
}

// PubBytes returns the raw public-key encoding that gets hashed into a
// keystore entry and into HDR_PUBKEY: the marshaled public key for
// ECDSA/RSA, the 32-byte point for Ed25519.
func (key *SignKey) PubBytes() ([]byte, KeyType, error) {
	switch {
	case key.Ed25519 != nil:
		pub := key.Ed25519.Public().(ed25519.PublicKey)
		return []byte(pub), KeyEd25519, nil
	case key.ECDSA != nil:
		pub, err := x509.MarshalPKIXPublicKey(&key.ECDSA.PublicKey)
		if err != nil {
			return nil, 0, werr.Wrap(err)
		}
		kt, err := ecdsaKeyType(key.ECDSA.Curve.Params().BitSize)
		if err != nil {
			return nil, 0, err
		}
		return pub, kt, nil
	case key.RSA != nil:
		pub, err := x509.MarshalPKIXPublicKey(&key.RSA.PublicKey)
		if err != nil {
			return nil, 0, werr.Wrap(err)
		}
		kt, err := rsaKeyType(key.RSA.Size())
		if err != nil {
			return nil, 0, err
		}
		return pub, kt, nil
	default:
		return nil, 0, werr.New("invalid key: neither RSA, ECDSA, nor Ed25519")
	}
}

func ecdsaKeyType(bits int) (KeyType, error) {
	switch bits {
	case 256:
		return KeyECDSAP256, nil
	case 384:
		return KeyECDSAP384, nil
	case 521:
		return KeyECDSAP521, nil
	default:
		return 0, werr.Newf("unsupported ECDSA curve size %d", bits)
	}
}

func rsaKeyType(sizeBytes int) (KeyType, error) {
	switch sizeBytes {
	case 256:
		return KeyRSA2048, nil
	case 384:
		return KeyRSA3072, nil
	case 512:
		return KeyRSA4096, nil
	default:
		return 0, werr.Newf("unsupported RSA key size %d bytes", sizeBytes)
	}
}
