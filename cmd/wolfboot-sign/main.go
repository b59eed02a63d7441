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

// Command wolfboot-sign is the host-side signing tool: it
// wraps a raw firmware payload in the TLV manifest header and signs it,
// producing the `header || payload` image the bootloader's verifier
// consumes.
package main

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"fmt"
	"os"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/wolfboot-go/wolfboot/artifact/image"
	"github.com/wolfboot-go/wolfboot/artifact/sec"
	"github.com/wolfboot-go/wolfboot/config"
	"github.com/wolfboot-go/wolfboot/werr"
	"github.com/wolfboot-go/wolfboot/wlog"
)

// hashFlag is a pflag.Value selecting the image digest algorithm by
// name, so an unknown --hash value fails at flag-parse time rather than
// deep inside the build.
type hashFlag struct {
	alg config.HashAlg
}

var _ pflag.Value = (*hashFlag)(nil)

func (h *hashFlag) String() string {
	switch h.alg {
	case config.HashSHA384:
		return "sha384"
	case config.HashSHA3_384:
		return "sha3-384"
	default:
		return "sha256"
	}
}

func (h *hashFlag) Set(name string) error {
	alg, err := hashAlgFor(name)
	if err != nil {
		return err
	}
	h.alg = alg
	return nil
}

func (h *hashFlag) Type() string {
	return "hash"
}

func main() {
	var (
		payloadPath string
		keyPath     string
		outPath     string
		headerSize  uint32
		version     uint32
		partID      uint32
		hash        hashFlag
		logLvl      string
	)

	rootCmd := &cobra.Command{
		Use:   "wolfboot-sign",
		Short: "sign a firmware payload into a wolfBoot image",
		RunE: func(cmd *cobra.Command, args []string) error {
			level, err := log.ParseLevel(logLvl)
			if err != nil {
				return err
			}
			wlog.Init(level, nil)

			return sign(payloadPath, keyPath, outPath, headerSize, version, uint8(partID), hash.alg)
		},
	}

	rootCmd.Flags().StringVarP(&payloadPath, "payload", "p", "", "raw firmware payload path")
	rootCmd.Flags().StringVarP(&keyPath, "key", "k", "", "PEM-encoded signing key")
	rootCmd.Flags().StringVarP(&outPath, "out", "o", "image.bin", "output image path")
	rootCmd.Flags().Uint32Var(&headerSize, "header-size", 256, "manifest header region size")
	rootCmd.Flags().Uint32VarP(&version, "version", "v", 1, "firmware version")
	rootCmd.Flags().Uint32Var(&partID, "partition-id", 0, "IMG_TYPE partition id")
	rootCmd.Flags().Var(&hash, "hash", "sha256, sha384, or sha3-384")
	rootCmd.Flags().StringVarP(&logLvl, "loglevel", "l", "warn", "log level")
	rootCmd.MarkFlagRequired("payload")
	rootCmd.MarkFlagRequired("key")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func hashAlgFor(name string) (config.HashAlg, error) {
	switch name {
	case "sha256":
		return config.HashSHA256, nil
	case "sha384":
		return config.HashSHA384, nil
	case "sha3-384":
		return config.HashSHA3_384, nil
	default:
		return 0, werr.Newf("unsupported hash %q", name)
	}
}

func sign(payloadPath, keyPath, outPath string, headerSize, version uint32, partID uint8, hashAlg config.HashAlg) error {
	payload, err := os.ReadFile(payloadPath)
	if err != nil {
		return err
	}
	keyBytes, err := os.ReadFile(keyPath)
	if err != nil {
		return err
	}
	signKey, err := sec.ParsePrivateKey(keyBytes)
	if err != nil {
		return err
	}
	pubBytes, sigAlg, err := signKey.PubBytes()
	if err != nil {
		return err
	}

	b := &image.Builder{
		HeaderSize: headerSize,
		Version:    version,
		Timestamp:  0,
		PartID:     partID,
		SigAlgID:   uint8(sigAlg),
		Hash:       hashAlg,
	}
	b.AddTlv(image.TagPubkey, sec.PubKeyDigest(pubBytes))

	out, err := b.Build(payload, func(digest []byte) ([]byte, error) {
		return signDigest(signKey, digest)
	}, nil)
	if err != nil {
		return err
	}

	log.Infof("signed image: version=%d partition=%d size=%d bytes", version, partID, len(out))
	return os.WriteFile(outPath, out, 0644)
}

func signDigest(key sec.SignKey, digest []byte) ([]byte, error) {
	switch {
	case key.Ed25519 != nil:
		return ed25519.Sign(key.Ed25519, digest), nil

	case key.ECDSA != nil:
		r, s, err := ecdsa.Sign(rand.Reader, key.ECDSA, digest)
		if err != nil {
			return nil, err
		}
		byteLen := (key.ECDSA.Curve.Params().BitSize + 7) / 8
		sig := make([]byte, 2*byteLen)
		r.FillBytes(sig[:byteLen])
		s.FillBytes(sig[byteLen:])
		return sig, nil

	case key.RSA != nil:
		// sec.rsaKeyType always reports the bare (non-ASN1) RSA key types
		// for a PKCS#8/PKCS#1 RSA key, so the digest is signed without the
		// DigestInfo wrapper (crypto.Hash(0)) to match verifyRSA's bare
		// PKCS1v15 mode on the other end.
		return rsa.SignPKCS1v15(rand.Reader, key.RSA, crypto.Hash(0), digest)

	default:
		return nil, werr.New("key has no recognized algorithm")
	}
}
