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

package image

import (
	"crypto/sha256"
	"crypto/sha512"
	"hash"

	"golang.org/x/crypto/sha3"

	"github.com/wolfboot-go/wolfboot/config"
	"github.com/wolfboot-go/wolfboot/werr"
)

// StreamBlock is the fixed block size used when feeding payload bytes to
// the hash engine, matching the source's incremental-hashing constant.
const StreamBlock = 256

// NewHasher returns a stdlib hash.Hash for the algorithm selected by a
// build-time constant (here, config.HashAlg).
func NewHasher(alg config.HashAlg) (hash.Hash, error) {
	switch alg {
	case config.HashSHA256:
		return sha256.New(), nil
	case config.HashSHA384:
		return sha512.New384(), nil
	case config.HashSHA3_384:
		return sha3.New384(), nil
	default:
		return nil, werr.Newf("unknown hash algorithm %d", alg)
	}
}

// Digest computes H(header_bytes_excluding_signature_tlv || payload_bytes)
// for img, streaming the payload in StreamBlock-sized chunks.
func Digest(img *Image, alg config.HashAlg) ([]byte, error) {
	h, err := NewHasher(alg)
	if err != nil {
		return nil, err
	}

	for _, r := range img.DigestRanges() {
		if _, err := h.Write(img.HeaderBytes[r[0]:r[1]]); err != nil {
			return nil, werr.Wrap(err)
		}
	}

	for off := 0; off < len(img.Payload); off += StreamBlock {
		end := off + StreamBlock
		if end > len(img.Payload) {
			end = len(img.Payload)
		}
		if _, err := h.Write(img.Payload[off:end]); err != nil {
			return nil, werr.Wrap(err)
		}
	}

	return h.Sum(nil), nil
}

// StoredDigest returns the digest TLV value carried in the image itself,
// selecting whichever of SHA256/SHA384/SHA3_384 is present.
func (img *Image) StoredDigest() ([]byte, config.HashAlg, error) {
	if t, ok := img.FindTlv(TagSHA256); ok {
		return t.Data, config.HashSHA256, nil
	}
	if t, ok := img.FindTlv(TagSHA384); ok {
		return t.Data, config.HashSHA384, nil
	}
	if t, ok := img.FindTlv(TagSHA3_384); ok {
		return t.Data, config.HashSHA3_384, nil
	}
	return nil, 0, werr.New("image does not contain a digest tlv")
}
