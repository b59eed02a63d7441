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

package boot_test

import (
	"crypto/ed25519"
	"crypto/rand"
	"path/filepath"
	"testing"

	"github.com/wolfboot-go/wolfboot/artifact/flash"
	"github.com/wolfboot-go/wolfboot/artifact/image"
	"github.com/wolfboot-go/wolfboot/artifact/sec"
	"github.com/wolfboot-go/wolfboot/boot"
	"github.com/wolfboot-go/wolfboot/config"
)

// Sector/header/partition geometry small enough to keep test fixtures
// fast while still leaving the trailer its own dedicated last sector:
// 9 sectors per partition, the final one reserved for MAGIC_TRAIL /
// IMG_STATE / the flag array, the other 8 available for header+payload.
// testHeaderSize must be large enough to hold VERSION/TIMESTAMP/IMG_TYPE,
// one PUBKEY digest tlv, the SHA-256 image digest tlv and one 64-byte
// ed25519 SIGNATURE tlv (184 bytes assembled, alignment padding
// included, rounded up here for headroom).
const (
	testSectorSize    = 64
	testHeaderSize    = 192
	testPartitionSize = 576
)

// fixture wires one simulated flash image with BOOT/UPDATE/SWAP
// partitions and a single-key keystore, mirroring cmd/wolfboot-sim's
// own Harness but scoped to what the boot package's tests need directly
// (no CLI, no cobra).
type fixture struct {
	dev *flash.SimDevice

	bootPart, updatePart, swapPart flash.Partition
	cfg                            *config.Config
	ks                             *sec.Keystore
	pub                            ed25519.PublicKey
	priv                           ed25519.PrivateKey
	cipher                         *sec.Cipher
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}

	path := filepath.Join(t.TempDir(), "flash.bin")
	dev, err := flash.NewSimDevice(path, int64(testPartitionSize)*2+testSectorSize, 0xFF)
	if err != nil {
		t.Fatalf("NewSimDevice: %v", err)
	}
	t.Cleanup(func() { dev.Close() })

	cfg, err := config.New(testSectorSize, testHeaderSize, testPartitionSize, config.HashSHA256)
	if err != nil {
		t.Fatalf("config.New: %v", err)
	}

	ks := sec.NewKeystore(sec.KeyEntry{
		SlotID:     1,
		KeyType:    sec.KeyEd25519,
		PartIDMask: sec.AnyPartition,
		PubKey:     []byte(pub),
	})

	return &fixture{
		dev:        dev,
		bootPart:   flash.Partition{Name: flash.NameBoot, ID: 0, Offset: 0, Size: testPartitionSize, SectorSize: testSectorSize},
		updatePart: flash.Partition{Name: flash.NameUpdate, ID: 0, Offset: testPartitionSize, Size: testPartitionSize, SectorSize: testSectorSize},
		swapPart:   flash.Partition{Name: flash.NameSwap, ID: 0, Offset: 2 * testPartitionSize, Size: testSectorSize, SectorSize: testSectorSize},
		cfg:        cfg,
		ks:         ks,
		pub:        pub,
		priv:       priv,
	}
}

func (f *fixture) engine() *boot.Engine {
	return &boot.Engine{
		BootPart:   &f.bootPart,
		UpdatePart: &f.updatePart,
		SwapPart:   &f.swapPart,
		BootDev:    f.dev,
		UpdateDev:  f.dev,
		SwapDev:    f.dev,
		Cfg:        f.cfg,
		Cipher:     f.cipher,
	}
}

func (f *fixture) selector() *boot.Selector {
	return &boot.Selector{Engine: f.engine(), Cfg: f.cfg, KS: f.ks}
}

func (f *fixture) bootTrailer() *boot.Trailer {
	return boot.NewTrailer(&f.bootPart, f.dev, false)
}

func (f *fixture) updateTrailer() *boot.Trailer {
	return boot.NewTrailer(&f.updatePart, f.dev, false)
}

// buildImage produces a signed image under the fixture's keystore key,
// with a payload filled with a single repeated byte so tests can tell
// which image ended up where just by inspecting flash contents. The
// payload is sized to stay well inside the partition's content sectors
// (testHeaderSize + 256 = 448 bytes, against 8*64 = 512 content bytes),
// never reaching into the trailer's reserved last sector.
func (f *fixture) buildImage(t *testing.T, version uint32, fill byte) []byte {
	t.Helper()

	b := &image.Builder{
		HeaderSize: testHeaderSize,
		Version:    version,
		PartID:     0,
		SigAlgID:   uint8(sec.KeyEd25519),
		Hash:       config.HashSHA256,
	}
	b.AddTlv(image.TagPubkey, sec.PubKeyDigest([]byte(f.pub)))

	payload := make([]byte, 256)
	for i := range payload {
		payload[i] = fill
	}

	out, err := b.Build(payload, func(digest []byte) ([]byte, error) {
		return ed25519.Sign(f.priv, digest), nil
	}, nil)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	return out
}

// writeImage writes exactly imgBytes at part's base, leaving the rest of
// the partition (including its trailer sector) untouched.
func (f *fixture) writeImage(t *testing.T, part *flash.Partition, imgBytes []byte) {
	t.Helper()
	if err := f.dev.Unlock(); err != nil {
		t.Fatalf("Unlock: %v", err)
	}
	if err := f.dev.Erase(part.Offset, uint32(len(imgBytes))); err != nil {
		t.Fatalf("Erase: %v", err)
	}
	if err := f.dev.Write(part.Offset, imgBytes); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := f.dev.Lock(); err != nil {
		t.Fatalf("Lock: %v", err)
	}
}

// setupStagedSwap writes a boot and an update image and stages UPDATE
// for a forward swap, the common starting point for most swap/selector
// tests.
func setupStagedSwap(t *testing.T, f *fixture, bootVersion, updateVersion uint32) {
	t.Helper()
	f.writeImage(t, &f.bootPart, f.buildImage(t, bootVersion, 0xAA))
	f.writeImage(t, &f.updatePart, f.buildImage(t, updateVersion, 0xBB))
	if err := f.engine().Stage(); err != nil {
		t.Fatalf("Stage: %v", err)
	}
}
