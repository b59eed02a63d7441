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

	keywrap "github.com/NickBall/go-aes-key-wrap"

	"github.com/wolfboot-go/wolfboot/werr"
)

// NVKeySlot is the dedicated nonvolatile slot the update-decryption key
// is loaded from. The key itself is stored wrapped (RFC
// 3394 AES key wrap) under a device KEK, matching the host tooling's
// key-provisioning step.
type NVKeySlot struct {
	WrappedKey []byte
}

// Unwrap recovers the plaintext update-decryption key using the device's
// key-encryption key.
func (s *NVKeySlot) Unwrap(kek []byte) ([]byte, error) {
	block, err := aes.NewCipher(kek)
	if err != nil {
		return nil, werr.Wrapf(err, "failed to create keywrap cipher: %s", err.Error())
	}

	key, err := keywrap.Unwrap(block, s.WrappedKey)
	if err != nil {
		return nil, werr.Wrapf(err, "key unwrap failed: %s", err.Error())
	}

	return key, nil
}

// WrapKey wraps a plaintext update-decryption key for provisioning into
// an NVKeySlot, the inverse of Unwrap.
func WrapKey(kek, plainKey []byte) (*NVKeySlot, error) {
	block, err := aes.NewCipher(kek)
	if err != nil {
		return nil, werr.Wrapf(err, "failed to create keywrap cipher: %s", err.Error())
	}

	wrapped, err := keywrap.Wrap(block, plainKey)
	if err != nil {
		return nil, werr.Wrapf(err, "key wrap failed: %s", err.Error())
	}

	return &NVKeySlot{WrappedKey: wrapped}, nil
}
