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

// Package werr provides the module's single error type: a lightweight
// wrapper that keeps a parent error around for unwrapping while letting
// callers attach a human-readable message at each layer.
package werr

import "fmt"

// Error wraps an optional parent error with a message specific to the
// layer that raised it.
type Error struct {
	Parent error
	Text   string
}

func (e *Error) Error() string {
	return e.Text
}

func (e *Error) Unwrap() error {
	return e.Parent
}

// New builds an Error with no parent.
func New(msg string) *Error {
	return &Error{Text: msg}
}

// Newf builds an Error with no parent from a format string.
func Newf(format string, args ...interface{}) *Error {
	return New(fmt.Sprintf(format, args...))
}

// Wrap builds an Error that carries err as its parent, preserving err's
// text as the message. Returns a nil error interface (not a typed-nil
// *Error) when err is nil, so callers can return it directly.
func Wrap(err error) error {
	if err == nil {
		return nil
	}
	if e, ok := err.(*Error); ok {
		return e
	}
	return &Error{Parent: err, Text: err.Error()}
}

// Wrapf builds an Error that carries err as its parent, with a new message.
func Wrapf(err error, format string, args ...interface{}) *Error {
	return &Error{Parent: err, Text: fmt.Sprintf(format, args...)}
}
