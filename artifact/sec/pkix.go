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
	"crypto/ecdsa"
	"crypto/rsa"
	"crypto/x509"

	"github.com/wolfboot-go/wolfboot/werr"
)

func parsePKIXECDSA(der []byte) (*ecdsa.PublicKey, error) {
	pub, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, werr.Wrapf(err, "bad ECDSA public key: %s", err.Error())
	}
	ecPub, ok := pub.(*ecdsa.PublicKey)
	if !ok {
		return nil, werr.New("keystore entry marked ECDSA but key is not")
	}
	return ecPub, nil
}

func parsePKIXRSA(der []byte) (*rsa.PublicKey, error) {
	pub, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, werr.Wrapf(err, "bad RSA public key: %s", err.Error())
	}
	rsaPub, ok := pub.(*rsa.PublicKey)
	if !ok {
		return nil, werr.New("keystore entry marked RSA but key is not")
	}
	return rsaPub, nil
}
