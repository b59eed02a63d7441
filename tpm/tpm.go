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

// Package tpm implements measured boot (PCR extension) and PCR-policy
// sealing/unsealing. The narrow Sealer interface is the
// only thing the boot pipeline depends on, so tests run against Fake
// without a TPM simulator while production code runs against a real
// device through Context.
package tpm

import (
	"crypto/sha256"

	"github.com/wolfboot-go/wolfboot/artifact/sec"
	"github.com/wolfboot-go/wolfboot/werr"
)

// DefaultPCR is the measured-boot PCR index used when the build
// configuration does not override it.
const DefaultPCR = 11

// Policy describes the PCR-policy a sealed secret is bound to: which
// PCRs participate (pcrMask, bit k = PCR k) and the policy digest they
// must produce, plus the public key authorized to sign that policy
// (PolicyAuthorize).
type Policy struct {
	PCRMask      uint32
	PolicyDigest []byte
	AuthPubKey   []byte
	AuthKeyType  sec.KeyType
}

// Sealer is the narrow operation set the boot pipeline needs from a TPM:
// PCR extend/read for measured boot, and seal/unseal under a PCR+pubkey
// policy. A real go-tpm-backed device and Fake both implement it.
type Sealer interface {
	Extend(pcr int, digest []byte) error
	ReadPCR(pcr int) ([]byte, error)
	Seal(policy Policy, secret []byte) ([]byte, error)
	Unseal(policy Policy, policySig []byte, sealed []byte) ([]byte, error)
}

// Context is the owned, explicitly-passed value the boot pipeline
// carries instead of the source's global wolftpm_dev/wolftpm_srk/
// wolftpm_session singletons.
type Context struct {
	dev Sealer
	pcr int
}

// PolicyMessage builds the digest a POLICY_SIGNATURE TLV signs: sha256
// of (pcr_mask:u32 little-endian || pcr_policy_digest).
func PolicyMessage(pcrMask uint32, policyDigest []byte) []byte {
	msg := make([]byte, 4+len(policyDigest))
	msg[0] = byte(pcrMask)
	msg[1] = byte(pcrMask >> 8)
	msg[2] = byte(pcrMask >> 16)
	msg[3] = byte(pcrMask >> 24)
	copy(msg[4:], policyDigest)
	sum := sha256.Sum256(msg)
	return sum[:]
}

// New wraps dev (a real TPM or Fake) with the measured-boot PCR index.
func New(dev Sealer, pcr int) *Context {
	if pcr == 0 {
		pcr = DefaultPCR
	}
	return &Context{dev: dev, pcr: pcr}
}

// ExtendBoot extends the measured-boot PCR with H(wolfboot), the first
// of the two extends in the measured boot sequence.
func (c *Context) ExtendBoot(wolfbootDigest []byte) error {
	return werr.Wrap(c.dev.Extend(c.pcr, wolfbootDigest))
}

// ExtendImage extends the measured-boot PCR with H(boot_image), the
// second extend in the sequence; must be called after
// ExtendBoot, never before.
func (c *Context) ExtendImage(imageDigest []byte) error {
	return werr.Wrap(c.dev.Extend(c.pcr, imageDigest))
}

// ReadPCR returns the current value of the measured-boot PCR.
func (c *Context) ReadPCR() ([]byte, error) {
	v, err := c.dev.ReadPCR(c.pcr)
	return v, werr.Wrap(err)
}

// Seal binds secret to policy, returning an opaque sealed blob.
func (c *Context) Seal(policy Policy, secret []byte) ([]byte, error) {
	blob, err := c.dev.Seal(policy, secret)
	return blob, werr.Wrap(err)
}

// Unseal returns the secret sealed under policy, but only if the
// current PCRs match policy.PCRMask/PolicyDigest and policySig is a
// valid signature over (pcr_mask || pcr_policy_digest) under
// policy.AuthPubKey, the image's POLICY_SIGNATURE TLV.
// The signature is checked here, before the device ever sees the
// request, so a real TPM's PolicyAuthorize is never reached with an
// unauthenticated policy.
func (c *Context) Unseal(policy Policy, policySig []byte, sealed []byte) ([]byte, error) {
	msg := PolicyMessage(policy.PCRMask, policy.PolicyDigest)

	ok, err := (sec.Verifier{}).Verify(sec.KeyEntry{
		KeyType: policy.AuthKeyType,
		PubKey:  policy.AuthPubKey,
	}, msg, policySig)
	if err != nil {
		return nil, werr.Wrap(err)
	}
	if !ok {
		return nil, werr.New("policy signature does not validate for this PCR policy")
	}

	secret, err := c.dev.Unseal(policy, policySig, sealed)
	return secret, werr.Wrap(err)
}
