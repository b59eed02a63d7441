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

// Package image parses the fixed-magic, TLV-based manifest header that
// precedes every wolfBoot firmware payload, and computes the image
// digest domain the signature verifier consumes.
package image

import (
	"encoding/binary"

	"github.com/wolfboot-go/wolfboot/werr"
)

const (
	Magic        uint32 = 0x464C4F57 // 'W','O','L','F', little-endian
	preambleSize        = 8          // magic:u32 || payload_size:u32
	tlvHdrSize          = 4          // tag:u16 || length:u16
)

// Manifest TLV tags.
const (
	TagVersion            uint16 = 0x0001
	TagTimestamp          uint16 = 0x0002
	TagSHA256             uint16 = 0x0003
	TagImgType            uint16 = 0x0004
	TagDeltaBase          uint16 = 0x0005
	TagDeltaSize          uint16 = 0x0006
	TagDeltaBaseHash      uint16 = 0x0007
	TagPubkey             uint16 = 0x0010
	TagSecondaryCipher    uint16 = 0x0011
	TagSecondaryPubkey    uint16 = 0x0012
	TagSHA3_384           uint16 = 0x0013
	TagSHA384             uint16 = 0x0014
	TagDeltaInverse       uint16 = 0x0015
	TagDeltaInverseSize   uint16 = 0x0016
	TagSignature          uint16 = 0x0020
	TagPolicySignature    uint16 = 0x0021
	TagSecondarySignature uint16 = 0x0022
	TagCertChain          uint16 = 0x0023
	tagEndOfOptions       uint16 = 0x0000
)

// IMG_TYPE bit layout: high byte = signature algorithm id, low nibble of
// the low byte = partition id, 0x0080 = hybrid, 0x00D0 = delta.
const (
	ImgTypeHybridBit = 0x0080
	ImgTypeDeltaMask = 0x00D0
	ImgTypePartMask  = 0x000F
)

// digestExcludedTags identifies the TLVs that must never be fed to the
// image hash: the digest TLV itself (it stores the hash being computed)
// and every signature TLV (they carry signatures computed over that
// hash). The signing tool lays these out as the final TLV block, so the
// hash domain is simply everything before the first of them.
var digestExcludedTags = map[uint16]bool{
	TagSHA256:             true,
	TagSHA384:             true,
	TagSHA3_384:           true,
	TagSignature:          true,
	TagSecondarySignature: true,
	TagPolicySignature:    true,
}

// Tlv is one parsed header entry. Offset and RawLen describe its position
// in the original header byte slice (tag+length+value), so the hash
// engine can skip exactly the right byte ranges.
type Tlv struct {
	Tag    uint16
	Data   []byte
	Offset int
	RawLen int
}

// Image is a parsed manifest: the full header region (still containing
// its 0xFF padding) plus the TLVs found in it, and the payload bytes
// that follow it in flash.
type Image struct {
	HeaderBytes []byte
	PayloadSize uint32
	Tlvs        []Tlv
	Payload     []byte
}

// Open parses a header region read from flash (or the external-flash
// cache) together with the payload bytes that immediately follow it.
// The header region length is taken from len(headerBytes), which
// callers set to the build-time-constant header size.
func Open(headerBytes []byte, payload []byte, partitionSize uint32) (*Image, error) {
	if len(headerBytes) < preambleSize {
		return nil, werr.New("header region shorter than the magic+size preamble")
	}

	magic := binary.LittleEndian.Uint32(headerBytes[0:4])
	if magic != Magic {
		return nil, werr.Newf("bad image magic: expected 0x%08x, got 0x%08x", Magic, magic)
	}

	payloadSize := binary.LittleEndian.Uint32(headerBytes[4:8])
	headerSize := uint32(len(headerBytes))
	if payloadSize > partitionSize-headerSize {
		return nil, werr.Newf("payload size %d exceeds partition capacity %d", payloadSize, partitionSize-headerSize)
	}
	if uint32(len(payload)) < payloadSize {
		return nil, werr.Newf("payload incomplete: expected %d bytes, got %d", payloadSize, len(payload))
	}

	tlvs := scanTlvs(headerBytes)

	return &Image{
		HeaderBytes: headerBytes,
		PayloadSize: payloadSize,
		Tlvs:        tlvs,
		Payload:     payload[:payloadSize],
	}, nil
}

// scanTlvs implements the header's alignment rules: 0xFF padding
// bytes are skipped one at a time, a 0x0000 tag ends the scan, and a TLV
// whose length would extend past the header region simply ends the scan
// rather than erroring (the caller asking for a specific tag then sees
// NotFound).
func scanTlvs(header []byte) []Tlv {
	var tlvs []Tlv

	pos := preambleSize
	headerSize := len(header)

	for pos < headerSize {
		if header[pos] == 0xFF {
			pos++
			continue
		}

		if pos+tlvHdrSize > headerSize {
			break
		}

		tag := binary.LittleEndian.Uint16(header[pos : pos+2])
		if tag == tagEndOfOptions {
			break
		}

		length := int(binary.LittleEndian.Uint16(header[pos+2 : pos+4]))
		valStart := pos + tlvHdrSize
		valEnd := valStart + length
		if valEnd > headerSize {
			break
		}

		tlvs = append(tlvs, Tlv{
			Tag:    tag,
			Data:   header[valStart:valEnd],
			Offset: pos,
			RawLen: tlvHdrSize + length,
		})

		pos = valEnd
	}

	return tlvs
}

// FindTlv returns the first TLV with the given tag: duplicate tags are
// not expected, and the first match wins when they occur anyway.
func (img *Image) FindTlv(tag uint16) (Tlv, bool) {
	for _, t := range img.Tlvs {
		if t.Tag == tag {
			return t, true
		}
	}
	return Tlv{}, false
}

// FindAllTlvs returns every TLV with the given tag, used by the delta
// engine and hybrid verifier where more than one occurrence is valid.
func (img *Image) FindAllTlvs(tag uint16) []Tlv {
	var out []Tlv
	for _, t := range img.Tlvs {
		if t.Tag == tag {
			out = append(out, t)
		}
	}
	return out
}

// Version returns the u32 firmware version carried in TagVersion.
func (img *Image) Version() (uint32, error) {
	t, ok := img.FindTlv(TagVersion)
	if !ok || len(t.Data) != 4 {
		return 0, werr.New("image has no valid VERSION tlv")
	}
	return binary.LittleEndian.Uint32(t.Data), nil
}

// ImgType returns the raw IMG_TYPE field.
func (img *Image) ImgType() (uint16, error) {
	t, ok := img.FindTlv(TagImgType)
	if !ok || len(t.Data) != 2 {
		return 0, werr.New("image has no valid IMG_TYPE tlv")
	}
	return binary.LittleEndian.Uint16(t.Data), nil
}

// PartitionID extracts the 4-bit partition id from IMG_TYPE.
func (img *Image) PartitionID() (uint8, error) {
	it, err := img.ImgType()
	if err != nil {
		return 0, err
	}
	return uint8(it & ImgTypePartMask), nil
}

// IsHybrid reports whether IMG_TYPE carries the hybrid-signature bit.
func (img *Image) IsHybrid() (bool, error) {
	it, err := img.ImgType()
	if err != nil {
		return false, err
	}
	return it&ImgTypeHybridBit != 0, nil
}

// IsDelta reports whether IMG_TYPE marks this image as a delta patch.
func (img *Image) IsDelta() (bool, error) {
	it, err := img.ImgType()
	if err != nil {
		return false, err
	}
	return it&ImgTypeDeltaMask == ImgTypeDeltaMask, nil
}

// DiffBaseVersion returns the version a delta patch applies to, if any.
func (img *Image) DiffBaseVersion() (uint32, bool) {
	t, ok := img.FindTlv(TagDeltaBase)
	if !ok || len(t.Data) != 4 {
		return 0, false
	}
	return binary.LittleEndian.Uint32(t.Data), true
}

// Size returns the declared payload size.
func (img *Image) Size() uint32 {
	return img.PayloadSize
}

// DigestRanges returns the byte ranges of HeaderBytes that must be fed to
// the hash engine: everything up to the first digest- or
// signature-bearing TLV. The digest and signature TLVs
// form the tail of the header (the signing tool cannot know their values
// until after the hash is computed), so truncating at the first of them
// hashes exactly the bytes the signer hashed.
func (img *Image) DigestRanges() [][2]int {
	end := len(img.HeaderBytes)
	for _, t := range img.Tlvs {
		if digestExcludedTags[t.Tag] && t.Offset < end {
			end = t.Offset
		}
	}
	return [][2]int{{0, end}}
}
