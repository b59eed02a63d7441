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

	"github.com/jacobsa/go-serial/serial"

	"github.com/wolfboot-go/wolfboot/werr"
)

// DefaultBaud is the typical build-time baud rate.
const DefaultBaud = 460800

// Client drives the target side of the protocol: it initiates the
// WRITE/READ/ERASE commands a bootloader sends to the external flash a
// host PC emulates with Server.
type Client struct {
	link io.ReadWriteCloser
}

// NewClient wraps an already-open link, a TTY or an in-memory pipe.
func NewClient(link io.ReadWriteCloser) *Client {
	return &Client{link: link}
}

// Dial opens portName at baud (0 selects DefaultBaud) for the UART
// flash-server protocol.
func Dial(portName string, baud uint) (*Client, error) {
	if baud == 0 {
		baud = DefaultBaud
	}

	opts := serial.OpenOptions{
		PortName:        portName,
		BaudRate:        baud,
		DataBits:        8,
		StopBits:        1,
		MinimumReadSize: 1,
	}

	link, err := serial.Open(opts)
	if err != nil {
		return nil, werr.Wrapf(err, "failed to open %s: %s", portName, err.Error())
	}
	return NewClient(link), nil
}

// Close releases the underlying TTY.
func (c *Client) Close() error {
	return werr.Wrap(c.link.Close())
}

func (c *Client) writeAckedBytes(data []byte) error {
	for _, b := range data {
		if _, err := c.link.Write([]byte{b}); err != nil {
			return werr.Wrap(err)
		}
		var ack [1]byte
		if _, err := io.ReadFull(c.link, ack[:]); err != nil {
			return werr.Wrap(err)
		}
		if ack[0] != Ack {
			return werr.Newf("expected ack 0x%02x, got 0x%02x", Ack, ack[0])
		}
	}
	return nil
}

func (c *Client) readAckedBytes(n int) ([]byte, error) {
	buf := make([]byte, n)
	for i := 0; i < n; i++ {
		if _, err := io.ReadFull(c.link, buf[i:i+1]); err != nil {
			return nil, werr.Wrap(err)
		}
		if _, err := c.link.Write([]byte{Ack}); err != nil {
			return nil, werr.Wrap(err)
		}
	}
	return buf, nil
}

// sendHeader sends the 'W' command byte followed by the op/address/length
// fields, each individually ack'd.
func (c *Client) sendHeader(op byte, address, length uint32) error {
	hdr := EncodeOpHeader(op, address, length)
	return c.writeAckedBytes(hdr) // hdr[0] is CmdWrite; the rest is op+address+length
}

// ReportVersion announces the target's current firmware version to the
// host, the 'V' frame of the protocol.
func (c *Client) ReportVersion(version uint32) error {
	return c.writeAckedBytes(EncodeVersionReport(version))
}

// Write sends a WRITE command for data at address.
func (c *Client) Write(address uint32, data []byte) error {
	if err := c.sendHeader(OpWrite, address, uint32(len(data))); err != nil {
		return err
	}
	return c.writeAckedBytes(data)
}

// Read requests length bytes from address and returns them.
func (c *Client) Read(address, length uint32) ([]byte, error) {
	if err := c.sendHeader(OpRead, address, length); err != nil {
		return nil, err
	}
	return c.readAckedBytes(int(length))
}

// Erase requests an ERASE of length bytes at address and waits for the
// completion ACK.
func (c *Client) Erase(address, length uint32) error {
	if err := c.sendHeader(OpErase, address, length); err != nil {
		return err
	}
	var ack [1]byte
	if _, err := io.ReadFull(c.link, ack[:]); err != nil {
		return werr.Wrap(err)
	}
	if ack[0] != Ack {
		return werr.Newf("expected completion ack 0x%02x, got 0x%02x", Ack, ack[0])
	}
	return nil
}
