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

package boot

import (
	"bytes"
	"encoding/binary"

	"github.com/wolfboot-go/wolfboot/artifact/image"
	"github.com/wolfboot-go/wolfboot/werr"
)

// Patch opcode stream: a run-length command sequence that
// reconstructs a target image from a known base. Each record is
// 1-byte opcode followed by opcode-specific fields; the stream ends at
// opDone or at the end of the patch buffer.
const (
	opCopy byte = 0x01 // base_offset:u32 | length:u32
	opData byte = 0x02 // length:u32 | bytes[length]
	opDone byte = 0x00
)

// ApplyPatch reconstructs the target image from base and a COPY/DATA
// opcode stream, producing output deterministically: the same
// (base, patch) pair always yields the same bytes. The base is checked
// against DELTA_BASE_HASH before patching; the reconstructed image is
// not checked here, and is verified only after the swap, when the
// selector verifies BOOT.
func ApplyPatch(base []byte, patch []byte) ([]byte, error) {
	var out bytes.Buffer
	pos := 0

	for pos < len(patch) {
		op := patch[pos]
		pos++

		switch op {
		case opDone:
			return out.Bytes(), nil

		case opCopy:
			if pos+8 > len(patch) {
				return nil, werr.New("truncated COPY opcode")
			}
			baseOffset := binary.LittleEndian.Uint32(patch[pos : pos+4])
			length := binary.LittleEndian.Uint32(patch[pos+4 : pos+8])
			pos += 8

			end := uint64(baseOffset) + uint64(length)
			if end > uint64(len(base)) {
				return nil, werr.New("COPY opcode reads past end of base image")
			}
			out.Write(base[baseOffset:end])

		case opData:
			if pos+4 > len(patch) {
				return nil, werr.New("truncated DATA opcode")
			}
			length := binary.LittleEndian.Uint32(patch[pos : pos+4])
			pos += 4

			end := uint64(pos) + uint64(length)
			if end > uint64(len(patch)) {
				return nil, werr.New("DATA opcode reads past end of patch stream")
			}
			out.Write(patch[pos:end])
			pos += int(length)

		default:
			return nil, werr.Newf("unknown patch opcode 0x%02x", op)
		}
	}

	return out.Bytes(), nil
}

// BuildCopyOp and BuildDataOp let a host-side diff tool or a test emit a
// stream ApplyPatch can consume; they are the exact inverse of the
// decode above.
func BuildCopyOp(baseOffset, length uint32) []byte {
	b := make([]byte, 9)
	b[0] = opCopy
	binary.LittleEndian.PutUint32(b[1:5], baseOffset)
	binary.LittleEndian.PutUint32(b[5:9], length)
	return b
}

func BuildDataOp(data []byte) []byte {
	b := make([]byte, 5+len(data))
	b[0] = opData
	binary.LittleEndian.PutUint32(b[1:5], uint32(len(data)))
	copy(b[5:], data)
	return b
}

// BuildDoneOp terminates a patch stream explicitly.
func BuildDoneOp() []byte {
	return []byte{opDone}
}

// ApplyDeltaSectors reconstructs a full target payload from base and
// patch, padding the result up to the next sector boundary with 0xFF so
// the swap engine can copy it sector-by-sector without a short final
// write.
func ApplyDeltaSectors(base []byte, patch []byte, sectorSize uint32) ([]byte, error) {
	target, err := ApplyPatch(base, patch)
	if err != nil {
		return nil, err
	}

	if sectorSize == 0 {
		return target, nil
	}

	rem := uint32(len(target)) % sectorSize
	if rem == 0 {
		return target, nil
	}

	pad := make([]byte, sectorSize-rem)
	for i := range pad {
		pad[i] = 0xFF
	}
	return append(target, pad...), nil
}

// reconstructDeltaIfNeeded inspects the image staged in UPDATE and, when
// IMG_TYPE marks it as a delta patch, verifies its
// DELTA_BASE_HASH against the image currently running in BOOT,
// reconstructs the full target image with ApplyDeltaSectors, and
// overwrites UPDATE with the result. A staged image that is not a delta
// patch, or an engine with no Cfg wired in, leaves UPDATE untouched.
// On an encrypted build the staged patch is decrypted before parsing and
// the reconstructed image re-encrypted on the way back out: ciphertext
// is always the outermost layer.
func (e *Engine) reconstructDeltaIfNeeded() error {
	if e.Cfg == nil {
		return nil
	}

	content, err := e.ReadUpdateContent()
	if err != nil {
		return err
	}
	if uint32(len(content)) < e.Cfg.HeaderSize {
		return nil
	}
	header, payload := content[:e.Cfg.HeaderSize], content[e.Cfg.HeaderSize:]
	img, err := image.Open(header, payload, e.UpdatePart.Size)
	if err != nil {
		// Not yet a parseable image (an erased UPDATE, or a full image
		// about to be staged the ordinary way): nothing to reconstruct,
		// let the rest of the pipeline deal with it.
		return nil
	}
	isDelta, err := img.IsDelta()
	if err != nil || !isDelta {
		return nil
	}
	if !e.Cfg.AllowDelta {
		return werr.Wrap(ErrUpdateRejected)
	}

	baseHashTlv, ok := img.FindTlv(image.TagDeltaBaseHash)
	if !ok {
		return werr.Wrap(ErrMalformedImage)
	}

	baseHeader, basePayload, err := readHeaderAndPayload(e.BootDev, e.BootPart.Offset, e.Cfg.HeaderSize, e.BootPart.Size)
	if err != nil {
		return err
	}
	baseImg, err := image.Open(baseHeader, basePayload, e.BootPart.Size)
	if err != nil {
		return werr.Wrap(ErrMalformedImage)
	}
	baseDigest, err := image.Digest(baseImg, e.Cfg.Hash)
	if err != nil {
		return werr.Wrap(ErrMalformedImage)
	}
	if !bytesEqualSelect(baseDigest, baseHashTlv.Data) {
		return werr.Wrap(ErrDigestMismatch)
	}

	base := append(append([]byte(nil), baseHeader...), basePayload...)
	reconstructed, err := ApplyDeltaSectors(base, img.Payload, e.Cfg.SectorSize)
	if err != nil {
		return err
	}

	return e.writeUpdateContent(reconstructed)
}
