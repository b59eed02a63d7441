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

package flash

import (
	"os"
	"sync"

	mmap "github.com/edsrzf/mmap-go"

	"github.com/wolfboot-go/wolfboot/werr"
)

// Device is the HAL contract the bootloader core consumes:
// uniform read/write/erase, explicit unlock/lock around writes, and a
// bounded-retry ready-wait standing in for polling a flash status
// register. The core never touches anything below this interface.
type Device interface {
	Read(addr uint32, buf []byte) error
	Write(addr uint32, data []byte) error
	Erase(addr uint32, length uint32) error
	Unlock() error
	Lock() error
	WaitReady(retries int) error
}

// SimDevice implements Device over a memory-mapped backing file, giving
// the swap engine the same []byte-backed view of flash a real
// memory-mapped QSPI window would present. Access is serialized by a
// single mutex, modeling "used only on the boot CPU with interrupts
// off".
type SimDevice struct {
	mu         sync.Mutex
	file       *os.File
	mapping    mmap.MMap
	locked     bool
	eraseValue byte
}

// NewSimDevice creates (or truncates) a backing file of size bytes and
// memory-maps it for the simulator.
func NewSimDevice(path string, size int64, eraseValue byte) (*SimDevice, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, werr.Wrapf(err, "failed to open flash image %s: %s", path, err.Error())
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, werr.Wrapf(err, "failed to stat flash image: %s", err.Error())
	}
	fresh := info.Size() == 0

	if err := f.Truncate(size); err != nil {
		f.Close()
		return nil, werr.Wrapf(err, "failed to size flash image: %s", err.Error())
	}

	m, err := mmap.Map(f, mmap.RDWR, 0)
	if err != nil {
		f.Close()
		return nil, werr.Wrapf(err, "failed to mmap flash image: %s", err.Error())
	}

	// A brand new backing file is zero-filled by the OS, not erase-value
	// filled; every trailer's "reads as erased" contract (State's doc
	// comment) depends on actually-erased content, so stamp it in once
	// here. Re-opening an existing image (the CLI's --flash persistence
	// across separate invocations) must never do this, or state staged
	// by a prior run would be wiped.
	if fresh {
		for i := range m {
			m[i] = eraseValue
		}
	}

	return &SimDevice{file: f, mapping: m, locked: true, eraseValue: eraseValue}, nil
}

// Close unmaps and closes the backing file.
func (d *SimDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.mapping.Unmap(); err != nil {
		return werr.Wrap(err)
	}
	return d.file.Close()
}

func (d *SimDevice) Read(addr uint32, buf []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if uint64(addr)+uint64(len(buf)) > uint64(len(d.mapping)) {
		return werr.New("read out of flash bounds")
	}
	copy(buf, d.mapping[addr:uint64(addr)+uint64(len(buf))])
	return nil
}

func (d *SimDevice) Write(addr uint32, data []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.locked {
		return werr.New("flash write attempted while locked")
	}
	if uint64(addr)+uint64(len(data)) > uint64(len(d.mapping)) {
		return werr.New("write out of flash bounds")
	}
	copy(d.mapping[addr:], data)
	return nil
}

func (d *SimDevice) Erase(addr uint32, length uint32) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.locked {
		return werr.New("flash erase attempted while locked")
	}
	if uint64(addr)+uint64(length) > uint64(len(d.mapping)) {
		return werr.New("erase out of flash bounds")
	}
	for i := uint32(0); i < length; i++ {
		d.mapping[addr+i] = d.eraseValue
	}
	return nil
}

func (d *SimDevice) Unlock() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.locked = false
	return nil
}

func (d *SimDevice) Lock() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.locked = true
	return nil
}

// WaitReady never waits in the simulator: it succeeds at once for any
// positive retries and returns an error when retries <= 0. Real HAL
// implementations poll a status register with a bounded retry count,
// treating exhaustion as fatal.
func (d *SimDevice) WaitReady(retries int) error {
	if retries <= 0 {
		return werr.New("flash not ready after exhausting retries")
	}
	return nil
}
