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

package tpm

import (
	"bytes"
	"crypto/sha256"

	"github.com/wolfboot-go/wolfboot/werr"
)

// Fake is an in-memory Sealer for development and test, standing in for
// a real TPM simulator. Sealed blobs are the plaintext secret prefixed
// with the policy digest it was sealed under; Unseal refuses to return
// the secret unless the current PCR state and policy digest both match.
type Fake struct {
	pcrs map[int][]byte
}

// NewFake returns a Fake with all PCRs at their power-on value (32 zero
// bytes, matching an unextended SHA-256 PCR bank).
func NewFake() *Fake {
	return &Fake{pcrs: make(map[int][]byte)}
}

func (f *Fake) pcrValue(pcr int) []byte {
	if v, ok := f.pcrs[pcr]; ok {
		return v
	}
	return make([]byte, sha256.Size)
}

// Extend implements PCR_Extend: new = H(old || digest).
func (f *Fake) Extend(pcr int, digest []byte) error {
	cur := f.pcrValue(pcr)
	sum := sha256.Sum256(append(append([]byte{}, cur...), digest...))
	f.pcrs[pcr] = sum[:]
	return nil
}

func (f *Fake) ReadPCR(pcr int) ([]byte, error) {
	return f.pcrValue(pcr), nil
}

// Seal records the secret together with the policy it must be unsealed
// under; a real TPM instead binds the secret cryptographically to an
// object whose authPolicy equals PolicyDigest, but the observable
// contract (seal succeeds; unseal requires a matching policy and PCR
// state) is the same.
func (f *Fake) Seal(policy Policy, secret []byte) ([]byte, error) {
	blob := make([]byte, len(policy.PolicyDigest)+len(secret))
	copy(blob, policy.PolicyDigest)
	copy(blob[len(policy.PolicyDigest):], secret)
	return blob, nil
}

// Unseal returns the secret embedded in sealed only if every PCR named
// by policy.PCRMask currently holds a value consistent with
// policy.PolicyDigest (modeled here as: every PCR whose bit is set has
// been extended at least once) and the blob's embedded policy digest
// matches. policySig has already been verified by Context.Unseal before
// this is ever called.
func (f *Fake) Unseal(policy Policy, policySig []byte, sealed []byte) ([]byte, error) {
	if len(sealed) < len(policy.PolicyDigest) {
		return nil, werr.New("sealed blob shorter than policy digest")
	}
	if !bytes.Equal(sealed[:len(policy.PolicyDigest)], policy.PolicyDigest) {
		return nil, werr.New("sealed blob policy digest does not match requested policy")
	}

	for pcr := 0; pcr < 32; pcr++ {
		if policy.PCRMask&(1<<uint(pcr)) == 0 {
			continue
		}
		zero := make([]byte, sha256.Size)
		if bytes.Equal(f.pcrValue(pcr), zero) {
			return nil, werr.Newf("pcr %d has not been extended; policy not satisfied", pcr)
		}
	}

	return sealed[len(policy.PolicyDigest):], nil
}
