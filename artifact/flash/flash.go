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

// Package flash models the partition layout (BOOT/UPDATE/SWAP) and the
// HAL contract the bootloader core consumes, plus a simulator backend
// for development and test.
package flash

import (
	"fmt"
	"sort"

	"github.com/wolfboot-go/wolfboot/werr"
)

// Logical partition names.
const (
	NameBoot   = "WOLFBOOT_PARTITION_BOOT"
	NameUpdate = "WOLFBOOT_PARTITION_UPDATE"
	NameSwap   = "WOLFBOOT_PARTITION_SWAP"
)

// Partition is a contiguous flash region: BOOT (id 0 for the bootloader,
// id 1+ for application slots), UPDATE (same layout), or SWAP
// (one or more sector-sized scratch).
type Partition struct {
	Name       string
	ID         int
	Device     int // which physical Device this partition lives on
	Offset     uint32
	Size       uint32
	SectorSize uint32
}

// SectorCount returns the number of sectors in the partition.
func (p *Partition) SectorCount() int {
	if p.SectorSize == 0 {
		return 0
	}
	return int(p.Size / p.SectorSize)
}

// SectorOffset returns the flash offset of the partition's ith sector.
func (p *Partition) SectorOffset(i int) uint32 {
	return p.Offset + uint32(i)*p.SectorSize
}

// ContentSectorCount is SectorCount minus one: the partition's last
// sector is reserved exclusively for the trailer. The trailer's flag-nibble
// array tracks the progress of every other sector, so that last sector
// must never itself be a target of the generic swap loop: swapping it
// like ordinary content would overwrite the very flags the resume logic
// depends on mid-operation.
func (p *Partition) ContentSectorCount() int {
	n := p.SectorCount()
	if n == 0 {
		return 0
	}
	return n - 1
}

type partOffsetSorter struct {
	parts []Partition
}

func (s partOffsetSorter) Len() int      { return len(s.parts) }
func (s partOffsetSorter) Swap(i, j int) { s.parts[i], s.parts[j] = s.parts[j], s.parts[i] }
func (s partOffsetSorter) Less(i, j int) bool {
	a, b := s.parts[i], s.parts[j]
	if a.Device != b.Device {
		return a.Device < b.Device
	}
	return a.Offset < b.Offset
}

// SortByDeviceOffset returns partitions ordered by (device, offset).
func SortByDeviceOffset(parts []Partition) []Partition {
	sorter := partOffsetSorter{parts: append([]Partition(nil), parts...)}
	sort.Sort(sorter)
	return sorter.parts
}

func distinct(a, b Partition) bool {
	lo, hi := a, b
	if b.Offset < a.Offset {
		lo, hi = b, a
	}
	return lo.Device != hi.Device || lo.Offset+lo.Size <= hi.Offset
}

// DetectOverlaps reports every pair of partitions whose ranges overlap
// on the same physical device, and every pair sharing a logical ID,
// both layout errors the bootloader's build tooling must reject.
func DetectOverlaps(parts []Partition) (overlaps [][2]Partition, idConflicts [][2]Partition) {
	for i := 0; i < len(parts)-1; i++ {
		for j := i + 1; j < len(parts); j++ {
			if !distinct(parts[i], parts[j]) {
				overlaps = append(overlaps, [2]Partition{parts[i], parts[j]})
			}
			if parts[i].ID == parts[j].ID {
				idConflicts = append(idConflicts, [2]Partition{parts[i], parts[j]})
			}
		}
	}
	return overlaps, idConflicts
}

// ErrorText renders DetectOverlaps' results for the build-time layout
// validator, matching the host tool's error reporting shape.
func ErrorText(overlaps [][2]Partition, idConflicts [][2]Partition) string {
	str := ""
	if len(idConflicts) > 0 {
		str += "conflicting partition IDs:\n"
		for _, pair := range idConflicts {
			str += fmt.Sprintf("    %s =/= %s (both id %d)\n", pair[0].Name, pair[1].Name, pair[0].ID)
		}
	}
	if len(overlaps) > 0 {
		str += "overlapping partitions:\n"
		for _, pair := range overlaps {
			str += fmt.Sprintf("    %s =/= %s\n", pair[0].Name, pair[1].Name)
		}
	}
	return str
}

// Layout is the full set of partitions for one simulated device,
// generalizing the board-specific flash map of the teacher tool to
// wolfBoot's fixed BOOT/UPDATE/SWAP triple (possibly repeated per
// application slot when multiple application partitions are configured).
type Layout struct {
	Boot   Partition
	Update Partition
	Swap   Partition
}

// Validate ensures the three partitions are distinct, identically sized
// (except SWAP, which may be a single sector), and sector-aligned.
func (l *Layout) Validate() error {
	parts := []Partition{l.Boot, l.Update, l.Swap}
	overlaps, conflicts := DetectOverlaps(parts)
	if len(overlaps) > 0 || len(conflicts) > 0 {
		return werr.Newf("%s", ErrorText(overlaps, conflicts))
	}

	if l.Boot.Size != l.Update.Size {
		return werr.Newf("BOOT size %d != UPDATE size %d", l.Boot.Size, l.Update.Size)
	}
	if l.Boot.SectorSize != l.Update.SectorSize || l.Boot.SectorSize != l.Swap.SectorSize {
		return werr.New("BOOT/UPDATE/SWAP sector sizes must match")
	}
	for _, p := range parts {
		if p.SectorSize == 0 || p.Offset%p.SectorSize != 0 || p.Size%p.SectorSize != 0 {
			return werr.Newf("%s partition is not aligned to its %d-byte sectors", p.Name, p.SectorSize)
		}
	}

	return nil
}
