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

// Command wolfboot-keygen generates a signing keypair and a keystore
// entry the bootloader's simulated .keystore section can load, the host
// half of key provisioning (outside the bootloader core, but its
// output format is part of the contract the verifier consumes).
package main

import (
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/wolfboot-go/wolfboot/artifact/sec"
	"github.com/wolfboot-go/wolfboot/werr"
	"github.com/wolfboot-go/wolfboot/wlog"
)

func main() {
	var (
		algo    string
		slotID  uint32
		partIDs uint32
		outBase string
		logLvl  string
	)

	rootCmd := &cobra.Command{
		Use:   "wolfboot-keygen",
		Short: "generate a wolfBoot signing key and keystore entry",
		RunE: func(cmd *cobra.Command, args []string) error {
			level, err := log.ParseLevel(logLvl)
			if err != nil {
				return err
			}
			wlog.Init(level, nil)

			return generate(algo, slotID, partIDs, outBase)
		},
	}

	rootCmd.Flags().StringVarP(&algo, "algorithm", "a", "ed25519", "signing algorithm: ed25519, ecdsa256, ecdsa384")
	rootCmd.Flags().Uint32VarP(&slotID, "slot", "s", 0, "keystore slot id")
	rootCmd.Flags().Uint32VarP(&partIDs, "partitions", "p", sec.AnyPartition, "partition id mask this key authorizes")
	rootCmd.Flags().StringVarP(&outBase, "out", "o", "wolfboot_signing_key", "output file basename")
	rootCmd.Flags().StringVarP(&logLvl, "loglevel", "l", "warn", "log level")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func generate(algo string, slotID, partIDs uint32, outBase string) error {
	var (
		privPEM *pem.Block
		pub     []byte
		keyType sec.KeyType
		err     error
	)

	switch algo {
	case "ed25519":
		pub2, priv, genErr := ed25519.GenerateKey(rand.Reader)
		if genErr != nil {
			return genErr
		}
		der, marshalErr := x509.MarshalPKCS8PrivateKey(priv)
		if marshalErr != nil {
			return marshalErr
		}
		privPEM = &pem.Block{Type: "PRIVATE KEY", Bytes: der}
		pub = []byte(pub2)
		keyType = sec.KeyEd25519

	case "ecdsa256", "ecdsa384":
		curve := elliptic.P256()
		if algo == "ecdsa384" {
			curve = elliptic.P384()
		}
		priv, genErr := ecdsa.GenerateKey(curve, rand.Reader)
		if genErr != nil {
			return genErr
		}
		der, marshalErr := x509.MarshalECPrivateKey(priv)
		if marshalErr != nil {
			return marshalErr
		}
		privPEM = &pem.Block{Type: "EC PRIVATE KEY", Bytes: der}
		pub, err = x509.MarshalPKIXPublicKey(&priv.PublicKey)
		if err != nil {
			return err
		}
		if algo == "ecdsa256" {
			keyType = sec.KeyECDSAP256
		} else {
			keyType = sec.KeyECDSAP384
		}

	default:
		return werr.Newf("unsupported algorithm %q", algo)
	}

	keyFile := outBase + ".der"
	if err := os.WriteFile(keyFile, pem.EncodeToMemory(privPEM), 0600); err != nil {
		return err
	}

	digest := sec.PubKeyDigest(pub)
	log.Infof("generated %s key, slot %d, pubkey digest %x", algo, slotID, digest)
	log.Infof("keystore entry: KeyEntry{SlotID: %d, KeyType: %d, PartIDMask: 0x%08x, PubKey: %d bytes}",
		slotID, keyType, partIDs, len(pub))

	return os.WriteFile(outBase+".pub", pub, 0644)
}
