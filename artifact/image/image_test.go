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

package image_test

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/wolfboot-go/wolfboot/artifact/image"
	"github.com/wolfboot-go/wolfboot/config"
)

const testPartitionSize = 4096

func fixedSig(n int) image.SignFunc {
	return func(digest []byte) ([]byte, error) {
		sig := make([]byte, n)
		for i := range sig {
			sig[i] = byte(i)
		}
		return sig, nil
	}
}

// TestRoundTrip: building a signed image then opening it must
// recover every field exactly as staged.
func TestRoundTrip(t *testing.T) {
	b := &image.Builder{
		HeaderSize: 256,
		Version:    7,
		Timestamp:  1700000000,
		PartID:     1,
		SigAlgID:   0x01,
		Hash:       config.HashSHA256,
	}
	b.AddTlv(image.TagPubkey, bytes.Repeat([]byte{0xAB}, 32))

	payload := bytes.Repeat([]byte{0x42}, 512)
	out, err := b.Build(payload, fixedSig(64), nil)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	header := out[:256]
	img, err := image.Open(header, out[256:], testPartitionSize)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	version, err := img.Version()
	if err != nil {
		t.Fatalf("Version: %v", err)
	}
	if version != 7 {
		t.Errorf("Version = %d, want 7", version)
	}

	imgType, err := img.ImgType()
	if err != nil {
		t.Fatalf("ImgType: %v", err)
	}
	if got := imgType >> 8; got != 0x01 {
		t.Errorf("sig alg id = 0x%02x, want 0x01", got)
	}
	partID, err := img.PartitionID()
	if err != nil {
		t.Fatalf("PartitionID: %v", err)
	}
	if partID != 1 {
		t.Errorf("PartitionID = %d, want 1", partID)
	}

	pub, ok := img.FindTlv(image.TagPubkey)
	if !ok {
		t.Fatal("PUBKEY tlv not found")
	}
	if !bytes.Equal(pub.Data, bytes.Repeat([]byte{0xAB}, 32)) {
		t.Errorf("PUBKEY data mismatch")
	}

	sig, ok := img.FindTlv(image.TagSignature)
	if !ok {
		t.Fatal("SIGNATURE tlv not found")
	}
	if len(sig.Data) != 64 {
		t.Errorf("signature length = %d, want 64", len(sig.Data))
	}

	if !bytes.Equal(img.Payload, payload) {
		t.Errorf("payload mismatch")
	}
	if img.Size() != uint32(len(payload)) {
		t.Errorf("Size() = %d, want %d", img.Size(), len(payload))
	}
}

// TestPaddingInsensitive: 0xFF filler bytes between TLVs (the
// erased-flash value) must never change what a scan finds, regardless of
// how much filler separates two adjacent entries.
func TestPaddingInsensitive(t *testing.T) {
	build := func(fillerBetween int) []byte {
		buf := &bytes.Buffer{}
		var preamble [8]byte
		binary.LittleEndian.PutUint32(preamble[0:4], image.Magic)
		binary.LittleEndian.PutUint32(preamble[4:8], 16)
		buf.Write(preamble[:])

		buf.Write(bytes.Repeat([]byte{0xFF}, fillerBetween))

		var verTlv [8]byte
		binary.LittleEndian.PutUint16(verTlv[0:2], image.TagVersion)
		binary.LittleEndian.PutUint16(verTlv[2:4], 4)
		binary.LittleEndian.PutUint32(verTlv[4:8], 99)
		buf.Write(verTlv[:])

		buf.Write(bytes.Repeat([]byte{0xFF}, fillerBetween))

		var tsTlv [12]byte
		binary.LittleEndian.PutUint16(tsTlv[0:2], image.TagTimestamp)
		binary.LittleEndian.PutUint16(tsTlv[2:4], 8)
		binary.LittleEndian.PutUint64(tsTlv[4:12], 123456789)
		buf.Write(tsTlv[:])

		for buf.Len() < 128 {
			buf.WriteByte(0xFF)
		}
		return buf.Bytes()[:128]
	}

	payload := bytes.Repeat([]byte{0x01}, 16)

	for _, filler := range []int{0, 1, 3, 7} {
		header := build(filler)
		img, err := image.Open(header, payload, testPartitionSize)
		if err != nil {
			t.Fatalf("filler=%d: Open: %v", filler, err)
		}
		version, err := img.Version()
		if err != nil {
			t.Fatalf("filler=%d: Version: %v", filler, err)
		}
		if version != 99 {
			t.Errorf("filler=%d: Version = %d, want 99", filler, version)
		}
		ts, ok := img.FindTlv(image.TagTimestamp)
		if !ok {
			t.Fatalf("filler=%d: TIMESTAMP tlv not found", filler)
		}
		if binary.LittleEndian.Uint64(ts.Data) != 123456789 {
			t.Errorf("filler=%d: timestamp mismatch", filler)
		}
	}
}

// TestDigestDomain: the digest fed to the signer at build time
// must equal the digest recomputed from the opened image (header with
// every signature-bearing TLV excised, plus payload), so a verifier that
// recomputes Digest() over an Open()'d image is checking the exact bytes
// that were signed.
func TestDigestDomain(t *testing.T) {
	var signedDigest []byte
	capture := func(digest []byte) ([]byte, error) {
		signedDigest = append([]byte(nil), digest...)
		return fixedSig(64)(digest)
	}

	b := &image.Builder{
		HeaderSize: 256,
		Version:    3,
		PartID:     0,
		SigAlgID:   0x01,
		Hash:       config.HashSHA256,
	}
	payload := bytes.Repeat([]byte{0x55}, 300)

	out, err := b.Build(payload, capture, nil)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if signedDigest == nil {
		t.Fatal("sign function never invoked")
	}

	img, err := image.Open(out[:256], out[256:], testPartitionSize)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	recomputed, err := image.Digest(img, config.HashSHA256)
	if err != nil {
		t.Fatalf("Digest: %v", err)
	}
	if !bytes.Equal(recomputed, signedDigest) {
		t.Errorf("recomputed digest != digest signed at build time")
	}

	stored, alg, err := img.StoredDigest()
	if err != nil {
		t.Fatalf("StoredDigest: %v", err)
	}
	if alg != config.HashSHA256 {
		t.Errorf("StoredDigest alg = %d, want HashSHA256", alg)
	}
	if !bytes.Equal(stored, recomputed) {
		t.Errorf("stored digest tlv != recomputed digest")
	}

	// Mutating a payload byte must change the digest: the payload is part
	// of the signed domain.
	img.Payload[0] ^= 0xFF
	mutated, err := image.Digest(img, config.HashSHA256)
	if err != nil {
		t.Fatalf("Digest after mutation: %v", err)
	}
	if bytes.Equal(mutated, recomputed) {
		t.Errorf("digest unchanged after payload mutation")
	}
}
