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
	"context"

	"github.com/wolfboot-go/wolfboot/artifact/flash"
	"github.com/wolfboot-go/wolfboot/artifact/image"
	"github.com/wolfboot-go/wolfboot/artifact/sec"
	"github.com/wolfboot-go/wolfboot/config"
	"github.com/wolfboot-go/wolfboot/tpm"
	"github.com/wolfboot-go/wolfboot/werr"
)

// Outcome records which partition the selector chose and whether a
// rollback ran along the way, for the caller (cmd/wolfboot-sim, and
// tests) to assert against.
type Outcome struct {
	BootedVersion  uint32
	RolledBack     bool
	SwapRan        bool
	UpdateRejected bool
	EntryPoint     uint32
	MeasuredBootOK bool
}

// Selector holds everything the boot pipeline needs: the three
// partitions plus their devices, the keystore, and an optional TPM
// context (nil when the build has no TPM configured).
type Selector struct {
	Engine *Engine
	Cfg    *config.Config
	KS     *sec.Keystore

	TPM         *tpm.Context
	WolfbootSum []byte // H(wolfboot) for the first ExtendBoot call, if TPM configured
}

// headerVersion reads just the VERSION tlv out of a partition's header,
// without verifying the image's signature or digest: the rollback-policy
// decision is made on the staged UPDATE's declared version
// before the image is ever cryptographically accepted, exactly as the
// source's pre-swap version check does. The payload buffer is a dummy of
// the maximum legal size so image.Open's payload-length check passes
// without needing the real payload bytes.
func headerVersion(dev flash.Device, offset, headerSize, partitionSize uint32) (uint32, error) {
	header := make([]byte, headerSize)
	if err := dev.Read(offset, header); err != nil {
		return 0, werr.Wrap(err)
	}
	payload := make([]byte, partitionSize-headerSize)
	img, err := image.Open(header, payload, partitionSize)
	if err != nil {
		return 0, werr.Wrap(err)
	}
	return img.Version()
}

func readHeaderAndPayload(dev interface{ Read(uint32, []byte) error }, offset, headerSize, partitionSize uint32) ([]byte, []byte, error) {
	header := make([]byte, headerSize)
	if err := dev.Read(offset, header); err != nil {
		return nil, nil, werr.Wrap(err)
	}
	payload := make([]byte, partitionSize-headerSize)
	if err := dev.Read(offset+headerSize, payload); err != nil {
		return nil, nil, werr.Wrap(err)
	}
	return header, payload, nil
}

// verifyPartition parses and authenticates the image at the start of
// part, implementing sections 4.1-4.4 back to back: malformed header,
// digest mismatch, and missing/invalid signature are all rejections,
// never panics.
func (s *Selector) verifyPartition(part interface {
	SectorOffset(int) uint32
}, dev interface{ Read(uint32, []byte) error }, offset, partitionSize uint32) (*image.Image, error) {
	header, payload, err := readHeaderAndPayload(dev, offset, s.Cfg.HeaderSize, partitionSize)
	if err != nil {
		return nil, ErrFlashIO
	}

	img, err := image.Open(header, payload, partitionSize)
	if err != nil {
		return nil, werr.Wrapf(ErrMalformedImage, "%s", err.Error())
	}

	digest, err := image.Digest(img, s.Cfg.Hash)
	if err != nil {
		return nil, werr.Wrapf(ErrMalformedImage, "%s", err.Error())
	}
	stored, _, err := img.StoredDigest()
	if err != nil {
		return nil, werr.Wrapf(ErrMalformedImage, "%s", err.Error())
	}
	if !bytesEqualSelect(digest, stored) {
		return nil, ErrDigestMismatch
	}

	if ok, err := s.verifySignature(img, digest); err != nil || !ok {
		if err != nil {
			return nil, err
		}
		return nil, ErrSignatureInvalid
	}

	return img, nil
}

func bytesEqualSelect(a, b []byte) bool {
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

// verifySignature looks up the keystore slot HDR_PUBKEY/IMG_TYPE/
// partition id authorize, verifies SIGNATURE against it, and for hybrid
// images also verifies SECONDARY_SIGNATURE, ANDing both results.
func (s *Selector) verifySignature(img *image.Image, digest []byte) (bool, error) {
	partID, err := img.PartitionID()
	if err != nil {
		return false, werr.Wrap(ErrMalformedImage)
	}
	imgType, err := img.ImgType()
	if err != nil {
		return false, werr.Wrap(ErrMalformedImage)
	}
	keyType := sec.KeyType(imgType >> 8)

	pubTlv, ok := img.FindTlv(image.TagPubkey)
	if !ok {
		return false, ErrNoAuthorizedKey
	}
	slot, err := s.KS.Authorize(partID, pubTlv.Data, keyType)
	if err != nil {
		return false, werr.Wrap(ErrNoAuthorizedKey)
	}

	sigTlv, ok := img.FindTlv(image.TagSignature)
	if !ok {
		return false, ErrSignatureInvalid
	}

	v := sec.Verifier{}
	ok, err = v.Verify(*slot, digest, sigTlv.Data)
	if err != nil || !ok {
		return false, err
	}

	hybrid, err := img.IsHybrid()
	if err != nil {
		return false, werr.Wrap(ErrMalformedImage)
	}
	if !hybrid {
		return true, nil
	}
	if !s.Cfg.AllowHybrid {
		return false, werr.Wrap(ErrSignatureInvalid)
	}

	secKeyTlv, ok := img.FindTlv(image.TagSecondaryPubkey)
	if !ok {
		return false, ErrNoAuthorizedKey
	}
	secSigTlv, ok := img.FindTlv(image.TagSecondarySignature)
	if !ok {
		return false, ErrSignatureInvalid
	}
	secCipherTlv, ok := img.FindTlv(image.TagSecondaryCipher)
	if !ok {
		return false, ErrNoAuthorizedKey
	}
	secKeyType := sec.KeyType(secCipherTlv.Data[0])

	secSlot, err := s.KS.Authorize(partID, secKeyTlv.Data, secKeyType)
	if err != nil {
		return false, werr.Wrap(ErrNoAuthorizedKey)
	}
	secOK, err := v.Verify(*secSlot, digest, secSigTlv.Data)
	if err != nil {
		return false, err
	}
	return secOK, nil
}

// rollbackRejected: when rollback is disallowed (the default), a staged
// UPDATE whose declared VERSION is lower than BOOT's current declared
// VERSION is rejected before the swap ever runs. Neither header has
// been cryptographically
// verified yet at this point in the pipeline; that is deliberate, since
// the decision to even attempt the swap must be made before BOOT's
// current image is disturbed.
func (s *Selector) rollbackRejected() (bool, error) {
	if s.Cfg.AllowRollback {
		return false, nil
	}

	// Once the swap has moved a sector, BOOT and UPDATE each hold parts
	// of both images and their headers no longer state either image's
	// version; a swap already under way is resumed, not judged again.
	if f, err := NewTrailer(s.Engine.UpdatePart, s.Engine.UpdateDev, s.Engine.FlagsInvert).Flag(0); err == nil && f != FlagNew {
		return false, nil
	}

	bootVer, err := headerVersion(s.Engine.BootDev, s.Engine.BootPart.Offset, s.Cfg.HeaderSize, s.Engine.BootPart.Size)
	if err != nil {
		return false, werr.Wrap(ErrMalformedImage)
	}

	// The staged header is ciphertext on an encrypted build, so it goes
	// through the engine's decrypting reader rather than a raw flash read.
	content, err := s.Engine.ReadUpdateContent()
	if err != nil || uint32(len(content)) < s.Cfg.HeaderSize {
		return false, werr.Wrap(ErrMalformedImage)
	}
	updImg, err := image.Open(content[:s.Cfg.HeaderSize], content[s.Cfg.HeaderSize:], s.Engine.UpdatePart.Size)
	if err != nil {
		return false, werr.Wrap(ErrMalformedImage)
	}
	updateVer, err := updImg.Version()
	if err != nil {
		return false, werr.Wrap(ErrMalformedImage)
	}

	return updateVer < bootVer, nil
}

// Select resolves partition states, runs any pending swap or rollback,
// verifies BOOT, and reports the boot outcome.
func (s *Selector) Select(ctx context.Context) (Outcome, error) {
	var out Outcome

	bootTrailer := NewTrailer(s.Engine.BootPart, s.Engine.BootDev, s.Engine.FlagsInvert)
	updateTrailer := NewTrailer(s.Engine.UpdatePart, s.Engine.UpdateDev, s.Engine.FlagsInvert)

	bootState, err := bootTrailer.State()
	if err != nil {
		return out, ErrFlashIO
	}
	if err := bootTrailer.CheckConsistent(bootState); err != nil {
		return out, err
	}
	updateState, err := updateTrailer.State()
	if err != nil {
		return out, ErrFlashIO
	}
	if err := updateTrailer.CheckConsistent(updateState); err != nil {
		return out, err
	}

	// Simultaneous BOOT=TESTING and UPDATE=UPDATING is treated as a
	// rollback already in progress, so the reverse swap runs before any
	// forward step is considered.
	if bootState == StateTesting && updateState == StateUpdating {
		if err := s.Engine.Reverse(ctx); err != nil {
			return out, err
		}
		out.RolledBack = true
		bootState, err = bootTrailer.State()
		if err != nil {
			return out, ErrFlashIO
		}
	} else if updateState == StateUpdating {
		rejected, err := s.rollbackRejected()
		if err != nil {
			return out, err
		}
		if rejected {
			// Discard the staged update without running the swap,
			// leaving BOOT as-is.
			if err := updateTrailer.SetState(StateNew); err != nil {
				return out, err
			}
			out.UpdateRejected = true
		} else {
			if err := s.Engine.Run(ctx); err != nil {
				return out, err
			}
			out.SwapRan = true
			bootState, err = bootTrailer.State()
			if err != nil {
				return out, ErrFlashIO
			}
		}
	}

	if bootState == StateTesting && !out.SwapRan {
		// Second boot after an un-confirmed TESTING: roll back.
		if err := s.Engine.Reverse(ctx); err != nil {
			return out, err
		}
		out.RolledBack = true
	}

	img, verifyErr := s.verifyPartition(s.Engine.BootPart, s.Engine.BootDev, s.Engine.BootPart.Offset, s.Engine.BootPart.Size)
	if verifyErr != nil {
		if out.RolledBack {
			return out, werr.Wrap(ErrUpdateRejected)
		}
		if err := s.Engine.Reverse(ctx); err != nil {
			return out, err
		}
		out.RolledBack = true

		img, verifyErr = s.verifyPartition(s.Engine.BootPart, s.Engine.BootDev, s.Engine.BootPart.Offset, s.Engine.BootPart.Size)
		if verifyErr != nil {
			return out, werr.Wrap(ErrUpdateRejected)
		}
	}

	version, err := img.Version()
	if err != nil {
		return out, werr.Wrap(ErrMalformedImage)
	}
	out.BootedVersion = version
	out.EntryPoint = s.Engine.BootPart.Offset + s.Cfg.HeaderSize

	if s.TPM != nil {
		if err := s.TPM.ExtendBoot(s.WolfbootSum); err != nil {
			return out, err
		}
		digest, err := image.Digest(img, s.Cfg.Hash)
		if err != nil {
			return out, werr.Wrap(ErrMalformedImage)
		}
		if err := s.TPM.ExtendImage(digest); err != nil {
			return out, err
		}
		out.MeasuredBootOK = true
	}

	// Only a BOOT that has never been through an update (still at its
	// erased NEW state) is promoted to SUCCESS automatically. A BOOT left
	// at TESTING stays there until the application calls
	// wolfBoot_success() on a later boot; committing it here would
	// remove that confirmation window.
	if bootState == StateNew && !out.SwapRan && !out.RolledBack {
		if err := bootTrailer.SetState(StateSuccess); err != nil {
			return out, err
		}
	}

	return out, nil
}
