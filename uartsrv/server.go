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

package uartsrv

import (
	"io"

	"github.com/wolfboot-go/wolfboot/artifact/flash"
	"github.com/wolfboot-go/wolfboot/werr"
)

// Server answers WRITE/READ/ERASE requests against a flash.Device, the
// host-side role of the protocol: a PC runs it to emulate the external
// flash a target uses for updates, with the target initiating every
// command over the wire. One request is served to completion before the
// next is read, matching the byte-ack'd, strictly target-initiated
// framing.
type Server struct {
	Link   io.ReadWriter
	Target flash.Device
}

func (s *Server) readAckedByte() (byte, error) {
	var b [1]byte
	if _, err := io.ReadFull(s.Link, b[:]); err != nil {
		return 0, werr.Wrap(err)
	}
	if _, err := s.Link.Write([]byte{Ack}); err != nil {
		return 0, werr.Wrap(err)
	}
	return b[0], nil
}

func (s *Server) readAckedBytes(n int) ([]byte, error) {
	buf := make([]byte, n)
	for i := 0; i < n; i++ {
		b, err := s.readAckedByte()
		if err != nil {
			return nil, err
		}
		buf[i] = b
	}
	return buf, nil
}

func (s *Server) writeAckedBytes(data []byte) error {
	for _, b := range data {
		if _, err := s.Link.Write([]byte{b}); err != nil {
			return werr.Wrap(err)
		}
		var ack [1]byte
		if _, err := io.ReadFull(s.Link, ack[:]); err != nil {
			return werr.Wrap(err)
		}
		if ack[0] != Ack {
			return werr.Newf("expected ack 0x%02x, got 0x%02x", Ack, ack[0])
		}
	}
	return nil
}

// ServeOne reads and answers exactly one command: a version report (the
// target announcing its current firmware version) is consumed and
// acknowledged byte by byte, WRITE stores the following length bytes,
// READ replies with them, and ERASE acknowledges a second time on
// completion.
func (s *Server) ServeOne() error {
	cmd, err := s.readAckedByte()
	if err != nil {
		return err
	}

	switch cmd {
	case CmdVersionReport:
		if _, err := s.readAckedBytes(4); err != nil {
			return err
		}
		return nil

	case CmdWrite:
		hdr, err := s.readAckedBytes(9)
		if err != nil {
			return err
		}
		return s.dispatch(hdr)

	default:
		return werr.Newf("unexpected command byte 0x%02x", cmd)
	}
}

// dispatch handles the operation selector + address + length header
// already read (and individually ack'd) by ServeOne.
func (s *Server) dispatch(hdr []byte) error {
	op, address, length, err := DecodeOpHeader(hdr)
	if err != nil {
		return err
	}

	switch op {
	case OpWrite:
		data, err := s.readAckedBytes(int(length))
		if err != nil {
			return err
		}
		if err := s.Target.Unlock(); err != nil {
			return werr.Wrap(err)
		}
		defer s.Target.Lock()
		return werr.Wrap(s.Target.Write(address, data))

	case OpRead:
		buf := make([]byte, length)
		if err := s.Target.Read(address, buf); err != nil {
			return werr.Wrap(err)
		}
		return s.writeAckedBytes(buf)

	case OpErase:
		if err := s.Target.Unlock(); err != nil {
			return werr.Wrap(err)
		}
		defer s.Target.Lock()
		if err := s.Target.Erase(address, length); err != nil {
			return werr.Wrap(err)
		}
		_, err := s.Link.Write([]byte{Ack})
		return werr.Wrap(err)

	default:
		return werr.Newf("unknown uart operation 0x%02x", op)
	}
}
