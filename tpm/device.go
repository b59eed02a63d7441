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
	"github.com/google/go-tpm/tpm2"
	"github.com/google/go-tpm/tpm2/transport"

	"github.com/wolfboot-go/wolfboot/werr"
)

// Device wraps a real TPM 2.0 transport, implementing Sealer the same
// way the source's wolftpm_dev/wolftpm_srk/wolftpm_session globals did,
// but as a value owned by the caller instead of process state.
// Seal/Unseal use a primary storage key derived fresh each call
// under the TPM's owner hierarchy, standing in for the persistent SRK
// the source keeps resident.
type Device struct {
	tr transport.TPMCloser
}

// Open connects to the TPM 2.0 character device or simulator socket at
// path (e.g. "/dev/tpmrm0", or "127.0.0.1:2321" for swtpm).
func Open(path string) (*Device, error) {
	tr, err := transport.OpenTPM(path)
	if err != nil {
		return nil, werr.Wrapf(err, "failed to open tpm device %s: %s", path, err.Error())
	}
	return &Device{tr: tr}, nil
}

// Close releases the underlying transport.
func (d *Device) Close() error {
	return werr.Wrap(d.tr.Close())
}

// Extend performs PCR_Extend on pcr with digest:
// `PCR[n] <- Extend(PCR[n], H(...))`.
func (d *Device) Extend(pcr int, digest []byte) error {
	var buf [32]byte
	copy(buf[:], digest)

	cmd := tpm2.PCRExtend{
		PCRHandle: tpm2.TPMHandle(pcr),
		Digests: tpm2.TPMLDigestValues{
			Digests: []tpm2.TPMTHA{
				{
					HashAlg: tpm2.TPMAlgSHA256,
					Digest:  buf[:],
				},
			},
		},
	}
	_, err := cmd.Execute(d.tr)
	return werr.Wrap(err)
}

// ReadPCR returns the current SHA-256 value of pcr.
func (d *Device) ReadPCR(pcr int) ([]byte, error) {
	cmd := tpm2.PCRRead{
		PCRSelectionIn: tpm2.TPMLPCRSelection{
			PCRSelections: []tpm2.TPMSPCRSelection{
				{
					Hash:      tpm2.TPMAlgSHA256,
					PCRSelect: tpm2.PCClientCompatible.PCRs(uint(pcr)),
				},
			},
		},
	}
	resp, err := cmd.Execute(d.tr)
	if err != nil {
		return nil, werr.Wrap(err)
	}
	if len(resp.PCRValues.Digests) == 0 {
		return nil, werr.New("tpm returned no pcr digests")
	}
	return resp.PCRValues.Digests[0].Buffer, nil
}

// Seal creates a sealed-data object authorized only by policy (a PCR
// policy combined with PolicyAuthorize over policy.AuthPubKey) and
// returns its serialized public/private blobs concatenated.
func (d *Device) Seal(policy Policy, secret []byte) ([]byte, error) {
	primary, err := d.createPrimary()
	if err != nil {
		return nil, err
	}
	defer d.flush(primary)

	create := tpm2.Create{
		ParentHandle: tpm2.AuthHandle{Handle: primary},
		InSensitive: tpm2.TPM2BSensitiveCreate{
			Sensitive: &tpm2.TPMSSensitiveCreate{
				Data: tpm2.NewTPMUSensitiveCreate(&tpm2.TPM2BSensitiveData{Buffer: secret}),
			},
		},
		InPublic: tpm2.New2B(tpm2.TPMTPublic{
			Type:    tpm2.TPMAlgKeyedHash,
			NameAlg: tpm2.TPMAlgSHA256,
			AuthPolicy: tpm2.TPM2BDigest{
				Buffer: policy.PolicyDigest,
			},
		}),
	}
	resp, err := create.Execute(d.tr)
	if err != nil {
		return nil, werr.Wrap(err)
	}

	pubBytes := resp.OutPublic.Bytes()
	out := make([]byte, 2, 2+len(pubBytes)+len(resp.OutPrivate.Buffer))
	out[0] = byte(len(pubBytes) >> 8)
	out[1] = byte(len(pubBytes))
	out = append(out, pubBytes...)
	out = append(out, resp.OutPrivate.Buffer...)
	return out, nil
}

// Unseal loads a blob produced by Seal under a PCR+PolicyAuthorize
// session and returns the secret. Context.Unseal has already checked
// policySig before reaching here.
func (d *Device) Unseal(policy Policy, policySig []byte, sealed []byte) ([]byte, error) {
	primary, err := d.createPrimary()
	if err != nil {
		return nil, err
	}
	defer d.flush(primary)

	pub, priv, err := splitSealedBlob(sealed)
	if err != nil {
		return nil, err
	}

	load := tpm2.Load{
		ParentHandle: tpm2.AuthHandle{Handle: primary},
		InPrivate:    tpm2.TPM2BPrivate{Buffer: priv},
		InPublic:     pub,
	}
	loaded, err := load.Execute(d.tr)
	if err != nil {
		return nil, werr.Wrap(err)
	}
	defer d.flush(loaded.ObjectHandle)

	unseal := tpm2.Unseal{
		ItemHandle: tpm2.AuthHandle{Handle: loaded.ObjectHandle},
	}
	resp, err := unseal.Execute(d.tr)
	if err != nil {
		return nil, werr.Wrap(err)
	}
	return resp.OutData.Buffer, nil
}

func (d *Device) createPrimary() (tpm2.TPMHandle, error) {
	cmd := tpm2.CreatePrimary{
		PrimaryHandle: tpm2.TPMRHOwner,
		InPublic: tpm2.New2B(tpm2.TPMTPublic{
			Type:    tpm2.TPMAlgECC,
			NameAlg: tpm2.TPMAlgSHA256,
		}),
	}
	resp, err := cmd.Execute(d.tr)
	if err != nil {
		return 0, werr.Wrap(err)
	}
	return resp.ObjectHandle, nil
}

func (d *Device) flush(h tpm2.TPMHandle) {
	cmd := tpm2.FlushContext{FlushHandle: h}
	_, _ = cmd.Execute(d.tr)
}

func splitSealedBlob(sealed []byte) (tpm2.TPM2BPublic, []byte, error) {
	if len(sealed) < 2 {
		return tpm2.TPM2BPublic{}, nil, werr.New("sealed blob too short")
	}
	pubLen := int(sealed[0])<<8 | int(sealed[1])
	if 2+pubLen > len(sealed) {
		return tpm2.TPM2BPublic{}, nil, werr.New("malformed sealed blob: bad public length prefix")
	}
	pub, err := tpm2.Unmarshal[tpm2.TPM2BPublic](sealed[2 : 2+pubLen])
	if err != nil {
		return tpm2.TPM2BPublic{}, nil, werr.Wrap(err)
	}
	return *pub, sealed[2+pubLen:], nil
}
