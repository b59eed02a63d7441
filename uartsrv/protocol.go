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

// Package uartsrv implements the optional UART recovery/flash-server
// protocol: a binary, target-initiated, byte-ack'd framing that lets a
// host PC (Server) emulate the external flash a target (Client) uses
// for updates. Grounded on the teacher's newtmgr/protocol NMP request framing
// (tag+length header, fixed field order) generalized from newtmgr's
// 8-byte op/flags/len/group/id header to this protocol's single-command,
// per-byte-ACK'd shape.
package uartsrv

import (
	"encoding/binary"

	"github.com/wolfboot-go/wolfboot/werr"
)

// Command bytes.
const (
	CmdWrite         byte = 0x57 // 'W'
	CmdVersionReport byte = 0x56 // 'V'
)

// Operations selected by the byte following 'W' + its ACK.
const (
	OpWrite byte = 0x01
	OpRead  byte = 0x02
	OpErase byte = 0x03
)

// Ack is sent after every byte of a multi-byte payload, and a second
// time when an ERASE completes.
const Ack byte = 0x06

// Frame is one decoded protocol message: either a version report or a
// flash operation with its address/length and, for WRITE, its payload.
type Frame struct {
	IsVersionReport bool
	Version         uint32

	Op      byte
	Address uint32
	Length  uint32
	Data    []byte // populated for OpWrite
}

// EncodeVersionReport builds the 'V' + 4 LE bytes frame a target emits
// to report its current firmware version.
func EncodeVersionReport(version uint32) []byte {
	buf := make([]byte, 5)
	buf[0] = CmdVersionReport
	binary.LittleEndian.PutUint32(buf[1:], version)
	return buf
}

// EncodeOpHeader builds the 'W' + op + address + length header that
// precedes an operation's body (if any).
func EncodeOpHeader(op byte, address, length uint32) []byte {
	buf := make([]byte, 1+1+4+4)
	buf[0] = CmdWrite
	buf[1] = op
	binary.LittleEndian.PutUint32(buf[2:6], address)
	binary.LittleEndian.PutUint32(buf[6:10], length)
	return buf
}

// DecodeOpHeader parses the bytes following the 'W' command byte: the
// operation selector, address, and length.
func DecodeOpHeader(buf []byte) (op byte, address, length uint32, err error) {
	if len(buf) < 9 {
		return 0, 0, 0, werr.New("truncated operation header")
	}
	op = buf[0]
	if op != OpWrite && op != OpRead && op != OpErase {
		return 0, 0, 0, werr.Newf("unknown uart operation 0x%02x", op)
	}
	address = binary.LittleEndian.Uint32(buf[1:5])
	length = binary.LittleEndian.Uint32(buf[5:9])
	return op, address, length, nil
}
