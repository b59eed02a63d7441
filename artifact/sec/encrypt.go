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

package sec

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/binary"

	"golang.org/x/crypto/chacha20"

	"github.com/wolfboot-go/wolfboot/werr"
)

// CipherAlg selects the UPDATE-partition decryption cipher.
type CipherAlg int

const (
	CipherAES128CTR CipherAlg = iota
	CipherAES256CTR
	CipherChaCha20
)

// Cipher decrypts UPDATE sectors in-line during the swap engine's read of
// U[i]. Each sector's IV/counter is derived from sector index so sectors
// decrypt independently of swap order:
// IV = IV_base + sector_index * (sector_size / block_size).
type Cipher struct {
	Alg        CipherAlg
	Key        []byte
	IVBase     uint64
	SectorSize uint32
	BlockSize  uint32
}

// blocksPerSector is sector_size / block_size from the IV-derivation
// formula.
func (c *Cipher) blocksPerSector() uint64 {
	if c.BlockSize == 0 {
		return 0
	}
	return uint64(c.SectorSize / c.BlockSize)
}

// DecryptSector decrypts one UPDATE sector given its index and returns
// the plaintext in a newly allocated slice; data is left unchanged.
func (c *Cipher) DecryptSector(sectorIndex int, data []byte) ([]byte, error) {
	counter := c.IVBase + uint64(sectorIndex)*c.blocksPerSector()

	switch c.Alg {
	case CipherAES128CTR, CipherAES256CTR:
		return c.decryptAESCTR(counter, data)
	case CipherChaCha20:
		return c.decryptChaCha20(counter, data)
	default:
		return nil, werr.Newf("unknown cipher algorithm %d", c.Alg)
	}
}

func (c *Cipher) decryptAESCTR(counter uint64, data []byte) ([]byte, error) {
	block, err := aes.NewCipher(c.Key)
	if err != nil {
		return nil, werr.Wrapf(err, "failed to create AES block cipher: %s", err.Error())
	}

	var iv [aes.BlockSize]byte
	binary.BigEndian.PutUint64(iv[aes.BlockSize-8:], counter)

	out := make([]byte, len(data))
	cipher.NewCTR(block, iv[:]).XORKeyStream(out, data)
	return out, nil
}

func (c *Cipher) decryptChaCha20(counter uint64, data []byte) ([]byte, error) {
	var nonce [chacha20.NonceSize]byte
	binary.LittleEndian.PutUint64(nonce[:8], counter)

	stream, err := chacha20.NewUnauthenticatedCipher(c.Key, nonce[:])
	if err != nil {
		return nil, werr.Wrapf(err, "failed to create ChaCha20 stream: %s", err.Error())
	}

	out := make([]byte, len(data))
	stream.XORKeyStream(out, data)
	return out, nil
}

// EncryptAES mirrors DecryptSector for the host-side update packaging
// tool: AES-CTR is symmetric, so encrypting a staged update uses the
// identical keystream derivation.
func EncryptAES(key []byte, ivBase uint64, sectorSize, blockSize uint32, sectorIndex int, plain []byte) ([]byte, error) {
	c := &Cipher{Alg: CipherAES256CTR, Key: key, IVBase: ivBase, SectorSize: sectorSize, BlockSize: blockSize}
	if len(key) == 16 {
		c.Alg = CipherAES128CTR
	}
	return c.DecryptSector(sectorIndex, plain)
}
