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

package tpm_test

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"testing"

	"github.com/wolfboot-go/wolfboot/artifact/sec"
	"github.com/wolfboot-go/wolfboot/tpm"
)

// TestContextExtendBootAndImage covers the measured boot
// sequence: ExtendBoot then ExtendImage both extend the same PCR, in
// order, and the result is observable through ReadPCR.
func TestContextExtendBootAndImage(t *testing.T) {
	c := tpm.New(tpm.NewFake(), 0)

	wolfbootSum := sha256.Sum256([]byte("wolfboot binary"))
	if err := c.ExtendBoot(wolfbootSum[:]); err != nil {
		t.Fatalf("ExtendBoot: %v", err)
	}
	imgSum := sha256.Sum256([]byte("boot image"))
	if err := c.ExtendImage(imgSum[:]); err != nil {
		t.Fatalf("ExtendImage: %v", err)
	}

	got, err := c.ReadPCR()
	if err != nil {
		t.Fatalf("ReadPCR: %v", err)
	}

	zero := make([]byte, sha256.Size)
	afterBoot := sha256.Sum256(append(append([]byte{}, zero...), wolfbootSum[:]...))
	want := sha256.Sum256(append(append([]byte{}, afterBoot[:]...), imgSum[:]...))
	if !bytes.Equal(got, want[:]) {
		t.Errorf("ReadPCR = %x, want %x", got, want)
	}
}

// TestContextSealUnseal covers seal/unseal: a secret
// sealed under a PCR policy can only be unsealed once the named PCR has
// been extended and with a signature genuinely authorizing that policy.
func TestContextSealUnseal(t *testing.T) {
	c := tpm.New(tpm.NewFake(), tpm.DefaultPCR)

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}

	policyDigest := sha256.Sum256([]byte("golden pcr state"))
	policy := tpm.Policy{
		PCRMask:      1 << tpm.DefaultPCR,
		PolicyDigest: policyDigest[:],
		AuthPubKey:   []byte(pub),
		AuthKeyType:  sec.KeyEd25519,
	}
	policySig := ed25519.Sign(priv, tpm.PolicyMessage(policy.PCRMask, policy.PolicyDigest))

	secret := []byte("NV key wrap secret")
	sealed, err := c.Seal(policy, secret)
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}

	// The PCR named by the policy has never been extended: unsealing
	// must fail even with a valid signature.
	if _, err := c.Unseal(policy, policySig, sealed); err == nil {
		t.Error("Unseal succeeded before the policy PCR was ever extended")
	}

	measured := sha256.Sum256([]byte("measured state"))
	if err := c.ExtendBoot(measured[:]); err != nil {
		t.Fatalf("ExtendBoot: %v", err)
	}

	got, err := c.Unseal(policy, policySig, sealed)
	if err != nil {
		t.Fatalf("Unseal: %v", err)
	}
	if !bytes.Equal(got, secret) {
		t.Errorf("Unseal = %q, want %q", got, secret)
	}

	// A corrupted policy signature must be rejected before the fake
	// device's own PCR/policy-digest check is ever consulted.
	badSig := append([]byte(nil), policySig...)
	badSig[0] ^= 0xFF
	if _, err := c.Unseal(policy, badSig, sealed); err == nil {
		t.Error("Unseal succeeded with a corrupted policy signature")
	}
}

// TestContextUnsealWrongPolicyDigest covers a sealed blob being unsealed
// against a different (but PCR-satisfied) policy than it was sealed
// under.
func TestContextUnsealWrongPolicyDigest(t *testing.T) {
	c := tpm.New(tpm.NewFake(), tpm.DefaultPCR)

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}

	sealDigest := sha256.Sum256([]byte("policy A"))
	sealPolicy := tpm.Policy{
		PCRMask:      1 << tpm.DefaultPCR,
		PolicyDigest: sealDigest[:],
		AuthPubKey:   []byte(pub),
		AuthKeyType:  sec.KeyEd25519,
	}
	sealed, err := c.Seal(sealPolicy, []byte("secret"))
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	measured := sha256.Sum256([]byte("measured state"))
	if err := c.ExtendBoot(measured[:]); err != nil {
		t.Fatalf("ExtendBoot: %v", err)
	}

	otherDigest := sha256.Sum256([]byte("policy B"))
	otherPolicy := sealPolicy
	otherPolicy.PolicyDigest = otherDigest[:]
	otherSig := ed25519.Sign(priv, tpm.PolicyMessage(otherPolicy.PCRMask, otherPolicy.PolicyDigest))

	if _, err := c.Unseal(otherPolicy, otherSig, sealed); err == nil {
		t.Error("Unseal succeeded against a policy digest the blob was not sealed under")
	}
}
