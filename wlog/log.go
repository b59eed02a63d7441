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

// Package wlog configures process-wide structured logging and mirrors it
// to an optional debug UART sink, matching the real bootloader's
// DEBUG_UART build option: on real hardware no log text ever reaches
// flash, only an (optional) serial console.
package wlog

import (
	"bytes"
	"io"
	"os"
	"strings"

	log "github.com/sirupsen/logrus"
)

type bootFormatter struct{}

func (f *bootFormatter) Format(entry *log.Entry) ([]byte, error) {
	b := &bytes.Buffer{}

	b.WriteString(entry.Time.Format("2006/01/02 15:04:05.000 "))
	b.WriteString("[" + strings.ToUpper(entry.Level.String()) + "] ")
	b.WriteString(entry.Message)
	b.WriteByte('\n')

	return b.Bytes(), nil
}

// Init configures logrus at the given level, writing to stderr and, when
// uart is non-nil, mirroring every line to it as well.
func Init(level log.Level, uart io.Writer) {
	log.SetLevel(level)
	log.SetFormatter(&bootFormatter{})

	if uart != nil {
		log.SetOutput(io.MultiWriter(os.Stderr, uart))
	} else {
		log.SetOutput(os.Stderr)
	}
}

// SetUART redirects the mirrored debug stream, matching a runtime toggle
// of DEBUG_UART without needing to reconfigure the level.
func SetUART(uart io.Writer) {
	if uart == nil {
		log.SetOutput(os.Stderr)
		return
	}
	log.SetOutput(io.MultiWriter(os.Stderr, uart))
}
