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

package boot

import "github.com/wolfboot-go/wolfboot/werr"

// Sentinel error kinds. All but ErrFlashIO funnel into "do
// not boot this image; try the other partition." ErrFlashIO is fatal.
var (
	ErrMalformedImage    = werr.New("malformed image")
	ErrDigestMismatch    = werr.New("digest mismatch")
	ErrNoAuthorizedKey   = werr.New("no authorized key")
	ErrSignatureInvalid  = werr.New("signature invalid")
	ErrFlashIO           = werr.New("flash io error")
	ErrStateInconsistent = werr.New("state inconsistent")
	ErrUpdateRejected    = werr.New("update rejected")
)

// Halt is the deterministic, side-effect-free stand-in for the real
// bootloader's infinite loop on an unrecoverable error: it never
// returns. Tests exercise the condition that would lead here without
// calling it.
func Halt(cause error) {
	for {
		_ = cause
		select {}
	}
}
