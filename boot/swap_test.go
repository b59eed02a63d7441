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

package boot_test

import (
	"bytes"
	"context"
	"testing"
)

// TestStepIdempotentAtCommit: once a sector's flag reaches
// FlagUpdated, re-running Step against it must be a no-op: the commit
// boundary each flag write represents is stable under repetition.
func TestStepIdempotentAtCommit(t *testing.T) {
	f := newFixture(t)
	setupStagedSwap(t, f, 1, 2)
	eng := f.engine()

	n := f.bootPart.ContentSectorCount()
	for s := 0; s < n; s++ {
		for i := 0; i < 3; i++ { // New -> Swapping -> Backup -> Updated
			if err := eng.Step(s); err != nil {
				t.Fatalf("sector %d step %d: %v", s, i, err)
			}
		}
	}

	before := make([]byte, f.bootPart.Size)
	if err := f.dev.Read(f.bootPart.Offset, before); err != nil {
		t.Fatalf("Read: %v", err)
	}

	for s := 0; s < n; s++ {
		if err := eng.Step(s); err != nil {
			t.Fatalf("idempotent re-step sector %d: %v", s, err)
		}
	}

	after := make([]byte, f.bootPart.Size)
	if err := f.dev.Read(f.bootPart.Offset, after); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !bytes.Equal(before, after) {
		t.Error("re-running Step after FlagUpdated changed BOOT contents")
	}
}

// TestPowerFailResume: interrupting Run after an arbitrary
// number of single-sector steps and then resuming it must produce the
// same final BOOT contents and BOOT.IMG_STATE as an uninterrupted run.
func TestPowerFailResume(t *testing.T) {
	reference := newFixture(t)
	setupStagedSwap(t, reference, 1, 2)
	if err := reference.engine().Run(context.Background()); err != nil {
		t.Fatalf("reference Run: %v", err)
	}
	wantBoot := make([]byte, reference.bootPart.Size)
	if err := reference.dev.Read(reference.bootPart.Offset, wantBoot); err != nil {
		t.Fatalf("Read: %v", err)
	}
	wantState, err := reference.bootTrailer().State()
	if err != nil {
		t.Fatalf("State: %v", err)
	}

	n := reference.bootPart.ContentSectorCount()
	for stop := 1; stop < n*3; stop++ {
		f := newFixture(t)
		// Same signing key as the reference, so both stage byte-identical images.
		f.pub, f.priv, f.ks = reference.pub, reference.priv, reference.ks
		setupStagedSwap(t, f, 1, 2)
		eng := f.engine()

		// Interrupt in Run's own order: always advance the first sector
		// not yet UPDATED, exactly as the engine would before the power
		// was cut.
		for steps := 0; steps < stop; steps++ {
			sector, err := f.updateTrailer().FirstPendingSector()
			if err != nil {
				t.Fatalf("stop=%d: FirstPendingSector: %v", stop, err)
			}
			if sector == n {
				break
			}
			if err := eng.Step(sector); err != nil {
				t.Fatalf("stop=%d sector=%d: %v", stop, sector, err)
			}
		}

		if err := eng.Run(context.Background()); err != nil {
			t.Fatalf("resume Run (stop=%d): %v", stop, err)
		}

		gotBoot := make([]byte, f.bootPart.Size)
		if err := f.dev.Read(f.bootPart.Offset, gotBoot); err != nil {
			t.Fatalf("Read: %v", err)
		}
		if !bytes.Equal(gotBoot, wantBoot) {
			t.Errorf("stop=%d: resumed BOOT contents differ from an uninterrupted run", stop)
		}

		gotState, err := f.bootTrailer().State()
		if err != nil {
			t.Fatalf("State: %v", err)
		}
		if gotState != wantState {
			t.Errorf("stop=%d: resumed BOOT.IMG_STATE = %v, want %v", stop, gotState, wantState)
		}
	}
}
