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

// Package config models the set of build-time constants and feature
// selections that the source bootloader expresses as preprocessor
// #ifdefs. Here they are fields on a single Config value constructed once
// per simulated device, so algorithm/feature selection is an ordinary Go
// value rather than conditional compilation.
package config

import "github.com/wolfboot-go/wolfboot/werr"

// HashAlg identifies the digest algorithm used for the image hash domain.
type HashAlg int

const (
	HashSHA256 HashAlg = iota
	HashSHA384
	HashSHA3_384
)

// Config carries the build-time-constant parameters of one wolfBoot
// configuration: sector geometry, hash selection, and which optional
// subsystems (delta updates, encrypted updates, TPM, external flash,
// hybrid signatures) are compiled in.
type Config struct {
	SectorSize   uint32
	HeaderSize   uint32
	PartitionSz  uint32
	Hash         HashAlg
	FlagsInvert  bool // WOLFBOOT_FLAGS_INVERT
	AllowDelta   bool
	AllowEncrypt bool
	AllowTPM     bool
	AllowHybrid  bool
	ExtFlash     bool
	BigEndian    bool // not checked by New; see RejectBigEndian

	// AllowRollback disables the monotone-version rule. Default false: an
	// UPDATE whose VERSION is lower than BOOT's current version is
	// rejected before the swap runs.
	AllowRollback bool
}

// New validates and returns a Config. BIG_ENDIAN_ORDER is a source-level
// compile flag that only ever affects certain magic constants; accepting
// it as a runtime switch here would let a caller silently flip the wire
// format underneath the parser, so New takes no byte-order argument and
// RejectBigEndian reports an error for a big-endian request.
func New(sectorSize, headerSize, partitionSize uint32, hash HashAlg) (*Config, error) {
	if sectorSize == 0 || partitionSize%sectorSize != 0 {
		return nil, werr.Newf("partition size %d is not a multiple of sector size %d", partitionSize, sectorSize)
	}
	if headerSize == 0 || headerSize > partitionSize {
		return nil, werr.Newf("invalid header size %d for partition size %d", headerSize, partitionSize)
	}

	return &Config{
		SectorSize:  sectorSize,
		HeaderSize:  headerSize,
		PartitionSz: partitionSize,
		Hash:        hash,
	}, nil
}

// SectorCount returns the number of sectors in a partition built with
// this configuration.
func (c *Config) SectorCount() int {
	return int(c.PartitionSz / c.SectorSize)
}

// RejectBigEndian returns an error if asked to run in big-endian mode;
// on-flash integers are little-endian unconditionally at runtime.
func RejectBigEndian(bigEndian bool) error {
	if bigEndian {
		return werr.New("BIG_ENDIAN_ORDER is a build-time flag only; runtime big-endian operation is not supported")
	}
	return nil
}
