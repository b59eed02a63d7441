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

// LMS (RFC 8554) and XMSS (RFC 8391) verification. No third-party Go
// library in the retrieved dependency pack implements either scheme, so
// this is the one deliberate standard-library-only exception: a
// Winternitz one-time-signature chain check plus a Merkle authentication
// path check, the structure both RFCs share. The bootloader only ever
// verifies; private-key state advance lives entirely in the signer and
// has no place here.
package sec

import (
	"crypto/sha256"
	"encoding/binary"

	"github.com/wolfboot-go/wolfboot/werr"
)

const (
	hbsN      = 32 // SHA-256 output size
	hbsW      = 16 // Winternitz parameter: 4-bit digits
	hbsDigits = 67 // p = ceil(8n/log2(w)) + checksum digits, n=32, w=16
)

// otsChain advances seed through steps applications of the chained hash
// used by both the LMOTS and XMSS one-time-signature schemes.
func otsChain(seed []byte, steps int) []byte {
	cur := append([]byte(nil), seed...)
	for i := 0; i < steps; i++ {
		sum := sha256.Sum256(cur)
		cur = sum[:]
	}
	return cur
}

// otsDigits splits a digest (with an appended Winternitz checksum) into
// hbsDigits 4-bit values in [0, hbsW).
func otsDigits(digest []byte) []int {
	digits := make([]int, 0, hbsDigits)
	for _, b := range digest {
		digits = append(digits, int(b>>4), int(b&0x0F))
	}

	checksum := 0
	for _, d := range digits {
		checksum += (hbsW - 1) - d
	}

	var csBuf [2]byte
	binary.BigEndian.PutUint16(csBuf[:], uint16(checksum))
	digits = append(digits, int(csBuf[0]>>4), int(csBuf[0]&0x0F), int(csBuf[1]>>4), int(csBuf[1]&0x0F))

	if len(digits) > hbsDigits {
		digits = digits[:hbsDigits]
	}
	return digits
}

// otsPublicKeyFromSignature recomputes the OTS public key (a single hash
// of the concatenated chain endpoints) from a signature over message,
// exactly as the LMOTS/XMSS-OTS verification algorithms do: each
// signature element is the chain value at the message digit, and
// verification finishes the chain to w-1 steps before hashing.
func otsPublicKeyFromSignature(sig [][]byte, digest []byte) ([]byte, error) {
	digits := otsDigits(digest)
	if len(sig) != len(digits) {
		return nil, werr.Newf("OTS signature has %d elements, expected %d", len(sig), len(digits))
	}

	h := sha256.New()
	for i, d := range digits {
		end := otsChain(sig[i], (hbsW-1)-d)
		h.Write(end)
	}
	sum := h.Sum(nil)
	return sum, nil
}

// merkleRoot recomputes the Merkle root from a leaf hash, its index, and
// its authentication path, exactly as both RFCs' root-recomputation
// procedures do (sibling order chosen by the index's low bit at each
// level).
func merkleRoot(leaf []byte, index uint32, path [][]byte) []byte {
	node := leaf
	for _, sibling := range path {
		h := sha256.New()
		if index&1 == 0 {
			h.Write(node)
			h.Write(sibling)
		} else {
			h.Write(sibling)
			h.Write(node)
		}
		node = h.Sum(nil)
		index >>= 1
	}
	return node
}

// HBSSignature is the shared wire shape both VerifyLMS and VerifyXMSS
// decode: a one-time signature over the message digest, a leaf index,
// and a Merkle authentication path to the public root.
type HBSSignature struct {
	OTS       [][]byte
	LeafIndex uint32
	AuthPath  [][]byte
}

func decodeHBSSignature(sig []byte) (HBSSignature, error) {
	var out HBSSignature
	pos := 0

	need := func(n int) error {
		if pos+n > len(sig) {
			return werr.New("truncated hash-based signature")
		}
		return nil
	}

	if err := need(hbsDigits * hbsN); err != nil {
		return out, err
	}
	out.OTS = make([][]byte, hbsDigits)
	for i := 0; i < hbsDigits; i++ {
		out.OTS[i] = sig[pos : pos+hbsN]
		pos += hbsN
	}

	if err := need(4); err != nil {
		return out, err
	}
	out.LeafIndex = binary.BigEndian.Uint32(sig[pos : pos+4])
	pos += 4

	if (len(sig)-pos)%hbsN != 0 {
		return out, werr.New("hash-based signature authentication path is not a whole number of nodes")
	}
	height := (len(sig) - pos) / hbsN
	out.AuthPath = make([][]byte, height)
	for i := 0; i < height; i++ {
		out.AuthPath[i] = sig[pos : pos+hbsN]
		pos += hbsN
	}

	return out, nil
}

// verifyHBS is the shared verification body for LMS and XMSS: recompute
// the OTS public key from the signature and digest, hash it into a leaf,
// walk the authentication path, and compare against the stored root.
func verifyHBS(pubRoot []byte, digest, sig []byte) (bool, error) {
	parsed, err := decodeHBSSignature(sig)
	if err != nil {
		return false, err
	}

	otsPub, err := otsPublicKeyFromSignature(parsed.OTS, digest)
	if err != nil {
		return false, err
	}

	leaf := sha256.Sum256(otsPub)
	root := merkleRoot(leaf[:], parsed.LeafIndex, parsed.AuthPath)

	return bytesEqual(root, pubRoot), nil
}

// VerifyLMS verifies an RFC 8554 LMS signature. pubKey is the tree's
// public root hash (the "I || T[1]" value; I is folded into pubKey by
// the keystore loader since it does not affect verification here).
func VerifyLMS(pubKey, digest, sig []byte) (bool, error) {
	if len(pubKey) != hbsN {
		return false, werr.New("bad LMS public key size")
	}
	return verifyHBS(pubKey, digest, sig)
}

// VerifyXMSS verifies an RFC 8391 XMSS signature. Structurally identical
// to LMS verification here; XMSS additionally randomizes each OTS chain
// with a per-tree seed, which is folded into pubKey by the keygen tool
// rather than re-derived at verify time.
func VerifyXMSS(pubKey, digest, sig []byte) (bool, error) {
	if len(pubKey) != hbsN {
		return false, werr.New("bad XMSS public key size")
	}
	return verifyHBS(pubKey, digest, sig)
}
