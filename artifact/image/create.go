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
	"bytes"
	"encoding/binary"

	"github.com/wolfboot-go/wolfboot/config"
	"github.com/wolfboot-go/wolfboot/werr"
)

// Builder assembles a signed manifest header compatible with the
// signing-tool output format: header || payload, little-endian fields,
// VERSION 4-byte aligned, TIMESTAMP 8-byte aligned, each signature TLV
// body 8-byte aligned, the rest of the header zero-padded with 0xFF. It
// stands in for the host-side signing tool; production signing happens
// outside the bootloader core, but tests need a compatible producer.
type Builder struct {
	HeaderSize uint32
	Version    uint32
	Timestamp  uint64
	PartID     uint8
	SigAlgID   uint8 // IMG_TYPE high byte
	Hybrid     bool
	Delta      bool
	Hash       config.HashAlg

	extraTlvs []Tlv
}

// AddTlv stages an additional non-signature TLV (PUBKEY digest,
// DELTA_* fields, CERT_CHAIN, ...) to be written into the header.
func (b *Builder) AddTlv(tag uint16, data []byte) {
	b.extraTlvs = append(b.extraTlvs, Tlv{Tag: tag, Data: data})
}

// SignFunc signs a precomputed image digest and returns the signature
// bytes to embed in a SIGNATURE (or SECONDARY_SIGNATURE) TLV.
type SignFunc func(digest []byte) ([]byte, error)

type alignedWriter struct {
	buf *bytes.Buffer
}

// padToValue pads with 0xFF until the next TLV's value (which starts 4
// bytes past the tag) lands on an align-byte boundary from header
// start.
func (w *alignedWriter) padToValue(align int) {
	for (w.buf.Len()+tlvHdrSize)%align != 0 {
		w.buf.WriteByte(0xFF)
	}
}

func (w *alignedWriter) writeTlv(tag uint16, data []byte) {
	var hdr [4]byte
	binary.LittleEndian.PutUint16(hdr[0:2], tag)
	binary.LittleEndian.PutUint16(hdr[2:4], uint16(len(data)))
	w.buf.Write(hdr[:])
	w.buf.Write(data)
}

// imgType packs the IMG_TYPE field from the builder's algorithm/hybrid/
// delta/partition selections.
func (b *Builder) imgType() uint16 {
	v := uint16(b.SigAlgID) << 8
	v |= uint16(b.PartID) & ImgTypePartMask
	if b.Hybrid {
		v |= ImgTypeHybridBit
	}
	if b.Delta {
		v |= ImgTypeDeltaMask
	}
	return v
}

// buildHeader lays out preamble + VERSION + TIMESTAMP + IMG_TYPE + every
// staged extra TLV (in staging order), then the digest TLV, then the
// signature-bearing TLVs, padded to HeaderSize with 0xFF. The digest and
// signature TLVs come last so the hash domain (everything before the
// first of them) covers every content field; an extra TLV whose tag is
// itself digest-excluded (POLICY_SIGNATURE) is routed into that tail
// block. The payload size half of the preamble is left zero; Build
// patches it in once the payload is known.
func (b *Builder) buildHeader(digest []byte, digestTag uint16, sigTlvs []Tlv) ([]byte, error) {
	w := &alignedWriter{buf: &bytes.Buffer{}}

	var preamble [8]byte
	binary.LittleEndian.PutUint32(preamble[0:4], Magic)
	w.buf.Write(preamble[:])

	w.padToValue(4)
	var verBuf [4]byte
	binary.LittleEndian.PutUint32(verBuf[:], b.Version)
	w.writeTlv(TagVersion, verBuf[:])

	w.padToValue(8)
	var tsBuf [8]byte
	binary.LittleEndian.PutUint64(tsBuf[:], b.Timestamp)
	w.writeTlv(TagTimestamp, tsBuf[:])

	var itBuf [2]byte
	binary.LittleEndian.PutUint16(itBuf[:], b.imgType())
	w.writeTlv(TagImgType, itBuf[:])

	var tail []Tlv
	for _, t := range b.extraTlvs {
		if digestExcludedTags[t.Tag] {
			tail = append(tail, t)
			continue
		}
		w.writeTlv(t.Tag, t.Data)
	}

	w.writeTlv(digestTag, digest)

	for _, t := range append(tail, sigTlvs...) {
		w.padToValue(8)
		w.writeTlv(t.Tag, t.Data)
	}

	if uint32(w.buf.Len()) > b.HeaderSize {
		return nil, werr.Newf("assembled header (%d bytes) exceeds header size %d", w.buf.Len(), b.HeaderSize)
	}

	out := make([]byte, b.HeaderSize)
	copy(out, w.buf.Bytes())
	for i := w.buf.Len(); i < int(b.HeaderSize); i++ {
		out[i] = 0xFF
	}

	return out, nil
}

func digestTagFor(alg config.HashAlg) uint16 {
	switch alg {
	case config.HashSHA384:
		return TagSHA384
	case config.HashSHA3_384:
		return TagSHA3_384
	default:
		return TagSHA256
	}
}

func hashLen(alg config.HashAlg) int {
	switch alg {
	case config.HashSHA256:
		return 32
	case config.HashSHA384, config.HashSHA3_384:
		return 48
	default:
		return 32
	}
}

// Build lays out the header without any signature TLV, computes the
// image digest over header+payload, invokes sign (and secondarySign, for
// hybrid images) over that digest, appends the resulting SIGNATURE /
// SECONDARY_SIGNATURE TLVs, and returns the final header||payload bytes
// with the payload size patched into the preamble.
func (b *Builder) Build(payload []byte, sign SignFunc, secondarySign SignFunc) ([]byte, error) {
	digestTag := digestTagFor(b.Hash)

	placeholder := make([]byte, hashLen(b.Hash))
	unsigned, err := b.buildHeader(placeholder, digestTag, nil)
	if err != nil {
		return nil, err
	}
	// The payload size sits inside the hashed preamble, so it has to be
	// in place before the digest pass, not just in the final header.
	binary.LittleEndian.PutUint32(unsigned[4:8], uint32(len(payload)))

	img := &Image{HeaderBytes: unsigned, Payload: payload, Tlvs: scanTlvs(unsigned)}
	digest, err := Digest(img, b.Hash)
	if err != nil {
		return nil, err
	}

	sig, err := sign(digest)
	if err != nil {
		return nil, werr.Wrapf(err, "primary signature failed: %s", err.Error())
	}
	sigTlvs := []Tlv{{Tag: TagSignature, Data: sig}}

	if secondarySign != nil {
		sig2, err := secondarySign(digest)
		if err != nil {
			return nil, werr.Wrapf(err, "secondary signature failed: %s", err.Error())
		}
		sigTlvs = append(sigTlvs, Tlv{Tag: TagSecondarySignature, Data: sig2})
	}

	final, err := b.buildHeader(digest, digestTag, sigTlvs)
	if err != nil {
		return nil, err
	}
	binary.LittleEndian.PutUint32(final[4:8], uint32(len(payload)))

	out := make([]byte, 0, len(final)+len(payload))
	out = append(out, final...)
	out = append(out, payload...)
	return out, nil
}
