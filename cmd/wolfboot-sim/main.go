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

// Command wolfboot-sim is the simulator/test-harness binary: it
// exposes the tiny debug CLI the test suite drives
// (powerfail, emergency, get_version, success, update_trigger, reset,
// get_tlv[=N]), built on an in-process flash.SimDevice. This is not part
// of the production surface; the bootloader itself exposes no CLI.
package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/wolfboot-go/wolfboot/artifact/flash"
	"github.com/wolfboot-go/wolfboot/artifact/image"
	"github.com/wolfboot-go/wolfboot/artifact/sec"
	"github.com/wolfboot-go/wolfboot/boot"
	"github.com/wolfboot-go/wolfboot/config"
	"github.com/wolfboot-go/wolfboot/tpm"
	"github.com/wolfboot-go/wolfboot/werr"
	"github.com/wolfboot-go/wolfboot/wlog"
)

// Harness wires up one simulated device's partitions and keystore, and
// implements the debug verbs the test suite drives against it.
type Harness struct {
	Cfg      *config.Config
	KS       *sec.Keystore
	BootPart flash.Partition
	UpdPart  flash.Partition
	SwapPart flash.Partition
	Dev      *flash.SimDevice

	// Cipher, when non-nil, is only ever consulted by the swap engine
	// when h.Cfg.AllowEncrypt is set; see engine().
	Cipher *sec.Cipher
	// TPM, when non-nil, is only ever wired into the selector when
	// h.Cfg.AllowTPM is set; see selector().
	TPM         *tpm.Context
	WolfbootSum []byte
}

func (h *Harness) engine() *boot.Engine {
	eng := &boot.Engine{
		BootPart:   &h.BootPart,
		UpdatePart: &h.UpdPart,
		SwapPart:   &h.SwapPart,
		BootDev:    h.Dev,
		UpdateDev:  h.Dev,
		SwapDev:    h.Dev,
		Cfg:        h.Cfg,
	}
	if h.Cfg.AllowEncrypt {
		eng.Cipher = h.Cipher
	}
	return eng
}

func (h *Harness) selector() *boot.Selector {
	s := &boot.Selector{Engine: h.engine(), Cfg: h.Cfg, KS: h.KS}
	if h.Cfg.AllowTPM {
		s.TPM = h.TPM
		s.WolfbootSum = h.WolfbootSum
	}
	return s
}

// PowerFail simulates interrupting the swap engine after exactly
// stopAfterSteps single-sector steps, leaving the trailer mid-progress
// for the next Reset to resume from.
// Steps run in the engine's own order (always the first sector not yet
// UPDATED) so the interrupted state is one a real power cut during Run
// could produce.
func (h *Harness) PowerFail(stopAfterSteps int) error {
	eng := h.engine()
	tr := boot.NewTrailer(&h.UpdPart, h.Dev, h.Cfg.FlagsInvert)
	n := h.BootPart.ContentSectorCount()

	for steps := 0; steps < stopAfterSteps; steps++ {
		sector, err := tr.FirstPendingSector()
		if err != nil {
			return err
		}
		if sector == n {
			return nil
		}
		if err := eng.Step(sector); err != nil {
			return err
		}
	}
	return nil
}

// Emergency forces BOOT.IMG_STATE back to NEW, modeling a factory-reset
// / recovery path for a device that cannot otherwise verify.
func (h *Harness) Emergency() error {
	tr := boot.NewTrailer(&h.BootPart, h.Dev, h.Cfg.FlagsInvert)
	return tr.SetState(boot.StateNew)
}

// Success marks BOOT as confirmed, the "application calls wolfBoot_success"
// handshake that ends a TESTING window without rollback.
func (h *Harness) Success() error {
	tr := boot.NewTrailer(&h.BootPart, h.Dev, h.Cfg.FlagsInvert)
	return tr.SetState(boot.StateSuccess)
}

// UpdateTrigger marks UPDATE as staged, the host-side equivalent of
// writing a new image to the UPDATE partition and requesting a swap.
func (h *Harness) UpdateTrigger() error {
	return h.engine().Stage()
}

// Reset re-runs the boot selector pipeline, the simulator's stand-in for
// a power-on reset.
func (h *Harness) Reset() (boot.Outcome, error) {
	return h.selector().Select(context.Background())
}

// GetVersion reports BOOT's current VERSION TLV.
func (h *Harness) GetVersion() (uint32, error) {
	header := make([]byte, h.Cfg.HeaderSize)
	if err := h.Dev.Read(h.BootPart.Offset, header); err != nil {
		return 0, err
	}
	payload := make([]byte, h.BootPart.Size-h.Cfg.HeaderSize)
	if err := h.Dev.Read(h.BootPart.Offset+h.Cfg.HeaderSize, payload); err != nil {
		return 0, err
	}
	img, err := image.Open(header, payload, h.BootPart.Size)
	if err != nil {
		return 0, err
	}
	return img.Version()
}

// GetTlv dumps a single tag's raw bytes from BOOT's header, for test
// assertions against specific manifest fields.
func (h *Harness) GetTlv(tag uint16) ([]byte, error) {
	header := make([]byte, h.Cfg.HeaderSize)
	if err := h.Dev.Read(h.BootPart.Offset, header); err != nil {
		return nil, err
	}
	img, err := image.Open(header, make([]byte, h.BootPart.Size-h.Cfg.HeaderSize), h.BootPart.Size)
	if err != nil {
		return nil, err
	}
	t, ok := img.FindTlv(tag)
	if !ok {
		return nil, werr.Newf("tag 0x%04x not present", tag)
	}
	return t.Data, nil
}

func main() {
	var (
		flashPath    string
		sectorSize   uint32
		headerSize   uint32
		partSize     uint32
		logLvl       string
		allowDelta   bool
		allowEncrypt bool
		allowTPM     bool
		allowHybrid  bool
		extFlash     bool
		encryptKeyHx string
	)

	var harness *Harness

	rootCmd := &cobra.Command{
		Use:   "wolfboot-sim",
		Short: "in-process wolfBoot simulator / test harness",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			level, err := log.ParseLevel(logLvl)
			if err != nil {
				return err
			}
			wlog.Init(level, nil)

			cfg, err := config.New(sectorSize, headerSize, partSize, config.HashSHA256)
			if err != nil {
				return err
			}
			cfg.AllowDelta = allowDelta
			cfg.AllowEncrypt = allowEncrypt
			cfg.AllowTPM = allowTPM
			cfg.AllowHybrid = allowHybrid
			cfg.ExtFlash = extFlash

			dev, err := flash.NewSimDevice(flashPath, int64(partSize)*3, 0xFF)
			if err != nil {
				return err
			}

			harness = &Harness{
				Cfg:      cfg,
				KS:       sec.NewKeystore(),
				Dev:      dev,
				BootPart: flash.Partition{Name: flash.NameBoot, ID: 0, Offset: 0, Size: partSize, SectorSize: sectorSize},
				UpdPart:  flash.Partition{Name: flash.NameUpdate, ID: 0, Offset: partSize, Size: partSize, SectorSize: sectorSize},
				SwapPart: flash.Partition{Name: flash.NameSwap, ID: 0, Offset: 2 * partSize, Size: sectorSize, SectorSize: sectorSize},
			}

			if cfg.AllowEncrypt {
				key, err := hex.DecodeString(encryptKeyHx)
				if err != nil {
					return err
				}
				harness.Cipher = &sec.Cipher{
					Alg:        sec.CipherAES256CTR,
					Key:        key,
					SectorSize: sectorSize,
					BlockSize:  16,
				}
			}
			if cfg.AllowTPM {
				harness.TPM = tpm.New(tpm.NewFake(), tpm.DefaultPCR)
				// No actual wolfboot binary exists in the simulator to
				// measure, so the first PCR extend covers a fixed
				// placeholder identifying this harness build instead.
				sum := sha256.Sum256([]byte("wolfboot-sim"))
				harness.WolfbootSum = sum[:]
			}

			log.Infof("simulated flash image %s (%s)", flashPath, humanize.Bytes(uint64(partSize)*3))
			return nil
		},
	}

	rootCmd.PersistentFlags().StringVar(&flashPath, "flash", "wolfboot_flash.bin", "backing file for the simulated flash image")
	rootCmd.PersistentFlags().Uint32Var(&sectorSize, "sector-size", 4096, "flash sector size")
	rootCmd.PersistentFlags().Uint32Var(&headerSize, "header-size", 256, "manifest header size")
	rootCmd.PersistentFlags().Uint32Var(&partSize, "partition-size", 1<<20, "BOOT/UPDATE partition size")
	rootCmd.PersistentFlags().StringVarP(&logLvl, "loglevel", "l", "warn", "log level")
	rootCmd.PersistentFlags().BoolVar(&allowDelta, "allow-delta", false, "accept delta-encoded UPDATE images")
	rootCmd.PersistentFlags().BoolVar(&allowEncrypt, "allow-encrypt", false, "decrypt UPDATE sectors during the swap")
	rootCmd.PersistentFlags().BoolVar(&allowTPM, "allow-tpm", false, "extend the measured-boot PCR with the wolfBoot and BOOT image digests")
	rootCmd.PersistentFlags().BoolVar(&allowHybrid, "allow-hybrid", false, "accept images carrying a second, hybrid signature")
	rootCmd.PersistentFlags().BoolVar(&extFlash, "ext-flash", false, "model UPDATE/SWAP on slower external SPI flash")
	rootCmd.PersistentFlags().StringVar(&encryptKeyHx, "encrypt-key", "", "hex-encoded AES-256 key for --allow-encrypt")

	rootCmd.AddCommand(&cobra.Command{
		Use: "powerfail [steps]",
		RunE: func(cmd *cobra.Command, args []string) error {
			n := 1
			if len(args) > 0 {
				v, err := strconv.Atoi(args[0])
				if err != nil {
					return err
				}
				n = v
			}
			return harness.PowerFail(n)
		},
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:  "emergency",
		RunE: func(cmd *cobra.Command, args []string) error { return harness.Emergency() },
	})

	rootCmd.AddCommand(&cobra.Command{
		Use: "get_version",
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := harness.GetVersion()
			if err != nil {
				return err
			}
			fmt.Println(v)
			return nil
		},
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:  "success",
		RunE: func(cmd *cobra.Command, args []string) error { return harness.Success() },
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:  "update_trigger",
		RunE: func(cmd *cobra.Command, args []string) error { return harness.UpdateTrigger() },
	})

	rootCmd.AddCommand(&cobra.Command{
		Use: "reset",
		RunE: func(cmd *cobra.Command, args []string) error {
			out, err := harness.Reset()
			if err != nil {
				return err
			}
			fmt.Printf("booted version=%d rolledBack=%v swapRan=%v\n", out.BootedVersion, out.RolledBack, out.SwapRan)
			return nil
		},
	})

	rootCmd.AddCommand(&cobra.Command{
		Use: "get_tlv",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				return werr.New("usage: get_tlv=N")
			}
			tagStr := strings.TrimPrefix(args[0], "=")
			tagVal, err := strconv.ParseUint(tagStr, 0, 16)
			if err != nil {
				return err
			}
			data, err := harness.GetTlv(uint16(tagVal))
			if err != nil {
				return err
			}
			fmt.Printf("%x\n", data)
			return nil
		},
	})

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
