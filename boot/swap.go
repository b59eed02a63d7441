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
	"github.com/wolfboot-go/wolfboot/artifact/sec"
	"github.com/wolfboot-go/wolfboot/config"
	"github.com/wolfboot-go/wolfboot/werr"
)

// Engine is the three-way swap/update engine: it exchanges
// BOOT and UPDATE one sector at a time using SWAP as single-sector
// scratch, such that an interruption at any instruction resumes
// correctly on the next boot. Per-sector progress lives in the UPDATE
// partition's trailer flag array.
type Engine struct {
	BootPart   *flash.Partition
	UpdatePart *flash.Partition
	SwapPart   *flash.Partition

	BootDev   flash.Device
	UpdateDev flash.Device
	SwapDev   flash.Device

	FlagsInvert bool

	// Cfg carries the header/partition geometry and feature flags Stage
	// needs to recognize and reconstruct a delta-encoded UPDATE image.
	// nil disables delta detection: Stage behaves exactly
	// as if every staged UPDATE were already a full image, the engine's
	// original behavior.
	Cfg *config.Config

	// Cipher decrypts U[i] in-line when the UPDATE partition holds an
	// encrypted payload; nil when encryption is not configured.
	Cipher *sec.Cipher
}

func (e *Engine) trailer() *Trailer {
	return NewTrailer(e.UpdatePart, e.UpdateDev, e.FlagsInvert)
}

// Stage prepares UPDATE for a forward swap: reconstruct it in place if
// it is a delta patch against the running BOOT image, clear the flag
// array to FlagNew (every sector must start there, and an erased
// trailer does not read that way on its own), and only then mark
// IMG_STATE as UPDATING, so a crash between the two writes still leaves
// UPDATE looking unstaged rather than staged-but-uninitialized.
func (e *Engine) Stage() error {
	if err := e.reconstructDeltaIfNeeded(); err != nil {
		return err
	}

	tr := e.trailer()
	if err := tr.ResetFlags(); err != nil {
		return err
	}
	return tr.SetState(StateUpdating)
}

// readSector reads one sector of a partition into a freshly allocated
// buffer.
func readSector(dev flash.Device, part *flash.Partition, sector int) ([]byte, error) {
	buf := make([]byte, part.SectorSize)
	if err := dev.Read(part.SectorOffset(sector), buf); err != nil {
		return nil, werr.Wrap(err)
	}
	return buf, nil
}

// internalFlashRetries and extFlashRetries bound the post-write
// WaitReady poll: external SPI flash is slower to report ready than an
// internal controller, so a device modeled with Cfg.ExtFlash gets a
// larger retry budget before the engine gives up.
const (
	internalFlashRetries = 10
	extFlashRetries      = 1000
)

func (e *Engine) writeSector(dev flash.Device, part *flash.Partition, sector int, data []byte) error {
	if err := dev.Unlock(); err != nil {
		return werr.Wrap(err)
	}
	defer dev.Lock()

	if err := dev.Erase(part.SectorOffset(sector), part.SectorSize); err != nil {
		return werr.Wrap(err)
	}
	if err := dev.Write(part.SectorOffset(sector), data); err != nil {
		return werr.Wrap(err)
	}

	retries := internalFlashRetries
	if e.Cfg != nil && e.Cfg.ExtFlash {
		retries = extFlashRetries
	}
	return werr.Wrap(dev.WaitReady(retries))
}

// ReadUpdateContent returns the UPDATE partition's content region (every
// sector except the trailer's), decrypted sector-by-sector when a Cipher
// is configured. The rollback version check and the delta
// reconstruction both need to parse the staged image's
// header, which sits in flash as ciphertext on an encrypted build.
func (e *Engine) ReadUpdateContent() ([]byte, error) {
	n := e.UpdatePart.ContentSectorCount()
	out := make([]byte, 0, n*int(e.UpdatePart.SectorSize))

	for sector := 0; sector < n; sector++ {
		data, err := readSector(e.UpdateDev, e.UpdatePart, sector)
		if err != nil {
			return nil, err
		}
		if e.Cipher != nil {
			data, err = e.Cipher.DecryptSector(sector, data)
			if err != nil {
				return nil, err
			}
		}
		out = append(out, data...)
	}

	return out, nil
}

// writeUpdateContent overwrites the UPDATE content region with data,
// re-encrypting sector-by-sector when a Cipher is configured so the swap
// engine's in-line decryption of U[i] still yields plaintext.
func (e *Engine) writeUpdateContent(data []byte) error {
	sectorSize := int(e.UpdatePart.SectorSize)
	maxLen := e.UpdatePart.ContentSectorCount() * sectorSize
	if len(data) > maxLen {
		return werr.Newf("update content (%d bytes) exceeds UPDATE's content capacity (%d bytes)", len(data), maxLen)
	}

	for off := 0; off < len(data); off += sectorSize {
		end := off + sectorSize
		if end > len(data) {
			end = len(data)
		}
		chunk := data[off:end]
		if e.Cipher != nil {
			if len(chunk) < sectorSize {
				padded := make([]byte, sectorSize)
				copy(padded, chunk)
				for i := len(chunk); i < sectorSize; i++ {
					padded[i] = 0xFF
				}
				chunk = padded
			}
			enc, err := e.Cipher.DecryptSector(off/sectorSize, chunk)
			if err != nil {
				return err
			}
			chunk = enc
		}
		if err := e.writeSector(e.UpdateDev, e.UpdatePart, off/sectorSize, chunk); err != nil {
			return err
		}
	}

	return nil
}

// Step advances one sector of the swap as a pure function of
// (flag[sector], flash contents): erase+copy+flag-write,
// where the flag write is the commit point, making each step idempotent
// at that boundary and resumable after power loss.
func (e *Engine) Step(sector int) error {
	tr := e.trailer()

	f, err := tr.Flag(sector)
	if err != nil {
		return err
	}

	switch f {
	case FlagNew:
		data, err := readSector(e.BootDev, e.BootPart, sector)
		if err != nil {
			return err
		}
		if err := e.writeSector(e.SwapDev, e.SwapPart, 0, data); err != nil {
			return err
		}
		return tr.SetFlag(sector, FlagSwapping)

	case FlagSwapping:
		data, err := readSector(e.UpdateDev, e.UpdatePart, sector)
		if err != nil {
			return err
		}
		if e.Cipher != nil {
			data, err = e.Cipher.DecryptSector(sector, data)
			if err != nil {
				return err
			}
		}
		if err := e.writeSector(e.BootDev, e.BootPart, sector, data); err != nil {
			return err
		}
		return tr.SetFlag(sector, FlagBackup)

	case FlagBackup:
		data, err := readSector(e.SwapDev, e.SwapPart, 0)
		if err != nil {
			return err
		}
		if err := e.writeSector(e.UpdateDev, e.UpdatePart, sector, data); err != nil {
			return err
		}
		return tr.SetFlag(sector, FlagUpdated)

	case FlagUpdated:
		return nil

	default:
		return werr.Newf("sector %d has invalid flag %d", sector, f)
	}
}

// Run drives every sector to FlagUpdated, resuming from the first
// pending sector so a prior partial run (interrupted by power loss) is
// picked up correctly, then commits BOOT.TESTING / UPDATE.NEW once
// every sector reads UPDATED.
func (e *Engine) Run(ctx context.Context) error {
	tr := e.trailer()
	n := e.BootPart.ContentSectorCount()

	for sector := 0; sector < n; sector++ {
		for {
			select {
			case <-ctx.Done():
				return werr.Wrap(ctx.Err())
			default:
			}

			f, err := tr.Flag(sector)
			if err != nil {
				return err
			}
			if f == FlagUpdated {
				break
			}
			if err := e.Step(sector); err != nil {
				return err
			}
		}
	}

	bootTrailer := NewTrailer(e.BootPart, e.BootDev, e.FlagsInvert)
	if err := bootTrailer.SetState(StateTesting); err != nil {
		return err
	}
	return tr.SetState(StateNew)
}

// Reverse runs the swap in reverse to restore BOOT from UPDATE's backup,
// used both for un-confirmed TESTING rollback and for explicit
// rollback decisions in the boot selector. It is the same per-sector
// state machine read backwards: an UPDATED sector's content is already
// the rollback target's complement, so reversing walks sectors from
// UPDATED back down to NEW using the mirror-image copy directions.
func (e *Engine) Reverse(ctx context.Context) error {
	tr := e.trailer()
	n := e.BootPart.ContentSectorCount()

	for sector := 0; sector < n; sector++ {
		select {
		case <-ctx.Done():
			return werr.Wrap(ctx.Err())
		default:
		}

		f, err := tr.Flag(sector)
		if err != nil {
			return err
		}
		if f != FlagUpdated {
			continue
		}

		data, err := readSector(e.UpdateDev, e.UpdatePart, sector)
		if err != nil {
			return err
		}
		if err := e.writeSector(e.SwapDev, e.SwapPart, 0, data); err != nil {
			return err
		}
		if err := tr.SetFlag(sector, FlagBackup); err != nil {
			return err
		}

		boot, err := readSector(e.BootDev, e.BootPart, sector)
		if err != nil {
			return err
		}
		if err := e.writeSector(e.UpdateDev, e.UpdatePart, sector, boot); err != nil {
			return err
		}
		if err := tr.SetFlag(sector, FlagSwapping); err != nil {
			return err
		}

		swapData, err := readSector(e.SwapDev, e.SwapPart, 0)
		if err != nil {
			return err
		}
		if err := e.writeSector(e.BootDev, e.BootPart, sector, swapData); err != nil {
			return err
		}
		if err := tr.SetFlag(sector, FlagNew); err != nil {
			return err
		}
	}

	// Clear UPDATE back to unstaged, mirroring Run's own cleanup: without
	// this, a rollback driven by the simultaneous TESTING+UPDATING case
	// would leave UPDATE looking perpetually staged, and the next boot
	// would see updateState == StateUpdating and try to reverse-swap
	// content that Reverse has already restored.
	if err := tr.SetState(StateNew); err != nil {
		return err
	}

	bootTrailer := NewTrailer(e.BootPart, e.BootDev, e.FlagsInvert)
	return bootTrailer.SetState(StateNew)
}
