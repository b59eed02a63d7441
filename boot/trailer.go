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

// Package boot implements the partition state machine, the three-way
// swap/update engine, delta-patch application, and the boot selector.
package boot

import (
	"encoding/binary"

	"github.com/wolfboot-go/wolfboot/artifact/flash"
	"github.com/wolfboot-go/wolfboot/werr"
)

// ImgState is the IMG_STATE byte stored in a partition trailer.
type ImgState byte

const (
	StateNew      ImgState = 0xFF
	StateUpdating ImgState = 0x70
	StateTesting  ImgState = 0x10
	StateSuccess  ImgState = 0x00
)

// MagicTrail is the 4-byte 'B','O','O','T' marker written only by the
// bootloader; its presence marks a committed trailer.
const MagicTrail uint32 = 0x544F4F42

// SectorFlag is one sector's progress nibble in the flag array.
type SectorFlag byte

const (
	FlagNew      SectorFlag = 0x0
	FlagSwapping SectorFlag = 0x1
	FlagUpdated  SectorFlag = 0x2
	FlagBackup   SectorFlag = 0x3
)

// Trailer is computed from (partitionBase, partitionSize, sectorSize) at
// construction time rather than via pointer arithmetic off the
// partition's end. It lives in the partition's last sector:
//
//	offset -4: MAGIC_TRAIL
//	offset -5: IMG_STATE
//	offset -8 and down: sector flag nibble array, 2 sectors packed/byte
type Trailer struct {
	part        *flash.Partition
	dev         flash.Device
	invert      bool
	sectorCount int
}

// NewTrailer builds a Trailer view over the last sector of part. The flag
// array tracks only the partition's content sectors (ContentSectorCount):
// the last sector, where the trailer itself lives, is never a swap target
// and so never needs a progress nibble of its own.
func NewTrailer(part *flash.Partition, dev flash.Device, flagsInvert bool) *Trailer {
	return &Trailer{part: part, dev: dev, invert: flagsInvert, sectorCount: part.ContentSectorCount()}
}

func (t *Trailer) lastSectorBase() uint32 {
	return t.part.Offset + t.part.Size - t.part.SectorSize
}

func (t *Trailer) magicOffset() uint32 {
	return t.part.Offset + t.part.Size - 4
}

func (t *Trailer) stateOffset() uint32 {
	return t.part.Offset + t.part.Size - 5
}

// flagByteOffset returns the flash offset of the byte holding sector s's
// nibble, growing downward from offset -8.
func (t *Trailer) flagByteOffset(sector int) uint32 {
	return t.part.Offset + t.part.Size - 8 - uint32(sector/2)
}

func (t *Trailer) erasedByte() byte {
	if t.invert {
		return 0x00
	}
	return 0xFF
}

// logical un-inverts a raw stored byte: with WOLFBOOT_FLAGS_INVERT the
// erased value flips from 0xFF to 0x00, so every stored byte is the
// bitwise complement of its logical value.
func (t *Trailer) logical(raw byte) byte {
	if t.invert {
		return ^raw
	}
	return raw
}

func (t *Trailer) physical(logical byte) byte {
	if t.invert {
		return ^logical
	}
	return logical
}

// HasMagic reports whether MAGIC_TRAIL is present, marking a committed
// trailer state.
func (t *Trailer) HasMagic() (bool, error) {
	var buf [4]byte
	if err := t.dev.Read(t.magicOffset(), buf[:]); err != nil {
		return false, werr.Wrap(err)
	}
	return binary.LittleEndian.Uint32(buf[:]) == MagicTrail, nil
}

// State reads IMG_STATE. An erased trailer (no writes yet) reads as
// StateNew.
func (t *Trailer) State() (ImgState, error) {
	var buf [1]byte
	if err := t.dev.Read(t.stateOffset(), buf[:]); err != nil {
		return 0, werr.Wrap(err)
	}
	return ImgState(t.logical(buf[0])), nil
}

// CheckConsistent reports ErrStateInconsistent when state claims a
// committed trailer (anything other than StateNew) but MAGIC_TRAIL is
// absent: torn flash writes or a hand-crafted image can produce exactly
// that combination, and the selector must treat it as corruption rather
// than trust the state byte alone.
func (t *Trailer) CheckConsistent(state ImgState) error {
	if state == StateNew {
		return nil
	}
	ok, err := t.HasMagic()
	if err != nil {
		return err
	}
	if !ok {
		return ErrStateInconsistent
	}
	return nil
}

// SetState writes IMG_STATE and, for any state other than StateNew, the
// MAGIC_TRAIL marker; the flag-write is the commit point.
// StateNew is what an erased trailer already reads as, so writing it
// leaves MAGIC_TRAIL absent rather than stamping a committed marker onto
// an otherwise-blank trailer.
func (t *Trailer) SetState(s ImgState) error {
	if err := t.dev.Unlock(); err != nil {
		return werr.Wrap(err)
	}
	defer t.dev.Lock()

	if err := t.dev.Write(t.stateOffset(), []byte{t.physical(byte(s))}); err != nil {
		return werr.Wrap(err)
	}

	if s == StateNew {
		return nil
	}

	var magicBuf [4]byte
	binary.LittleEndian.PutUint32(magicBuf[:], MagicTrail)
	if err := t.dev.Write(t.magicOffset(), magicBuf[:]); err != nil {
		return werr.Wrap(err)
	}

	return nil
}

// Flag reads sector s's progress nibble.
func (t *Trailer) Flag(sector int) (SectorFlag, error) {
	if sector < 0 || sector >= t.sectorCount {
		return 0, werr.Newf("sector index %d out of range [0,%d)", sector, t.sectorCount)
	}

	var buf [1]byte
	if err := t.dev.Read(t.flagByteOffset(sector), buf[:]); err != nil {
		return 0, werr.Wrap(err)
	}
	raw := t.logical(buf[0])

	if sector%2 == 0 {
		return SectorFlag(raw & 0x0F), nil
	}
	return SectorFlag((raw >> 4) & 0x0F), nil
}

// SetFlag writes sector s's progress nibble; the write is the commit
// point each swap step relies on for power-fail resume.
func (t *Trailer) SetFlag(sector int, f SectorFlag) error {
	if sector < 0 || sector >= t.sectorCount {
		return werr.Newf("sector index %d out of range [0,%d)", sector, t.sectorCount)
	}

	off := t.flagByteOffset(sector)
	var buf [1]byte
	if err := t.dev.Read(off, buf[:]); err != nil {
		return werr.Wrap(err)
	}
	raw := t.logical(buf[0])

	if sector%2 == 0 {
		raw = (raw &^ 0x0F) | byte(f)&0x0F
	} else {
		raw = (raw &^ 0xF0) | (byte(f)&0x0F)<<4
	}

	if err := t.dev.Unlock(); err != nil {
		return werr.Wrap(err)
	}
	defer t.dev.Lock()

	return werr.Wrap(t.dev.Write(off, []byte{t.physical(raw)}))
}

// ResetFlags writes FlagNew to every content sector's nibble. A freshly
// erased trailer reads each nibble as 0xF, which matches no case in the
// swap engine's dispatch, so whichever step stages a new update must
// explicitly clear the flag array down to FlagNew first, the same way
// SetState writes an explicit non-erased value rather than relying on
// the erased byte to mean something useful.
func (t *Trailer) ResetFlags() error {
	for s := 0; s < t.sectorCount; s++ {
		if err := t.SetFlag(s, FlagNew); err != nil {
			return err
		}
	}
	return nil
}

// AllUpdated reports whether every sector's flag is FlagUpdated, the
// swap engine's completion condition.
func (t *Trailer) AllUpdated() (bool, error) {
	for s := 0; s < t.sectorCount; s++ {
		f, err := t.Flag(s)
		if err != nil {
			return false, err
		}
		if f != FlagUpdated {
			return false, nil
		}
	}
	return true, nil
}

// FirstPendingSector returns the lowest sector index not yet UPDATED, so
// the swap engine can resume after a power loss at the right point.
func (t *Trailer) FirstPendingSector() (int, error) {
	for s := 0; s < t.sectorCount; s++ {
		f, err := t.Flag(s)
		if err != nil {
			return 0, err
		}
		if f != FlagUpdated {
			return s, nil
		}
	}
	return t.sectorCount, nil
}
