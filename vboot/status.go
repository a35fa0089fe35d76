// Copyright 2024 The Armored Witness OS authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package vboot

import (
	"errors"
	"fmt"

	"github.com/transparency-dev/armored-vboot/ec"
)

// StatusCode classifies Verifier results.
type StatusCode int

const (
	StatusSuccess StatusCode = iota
	// StatusRebootToRORequired is returned when the EC must go back to its
	// RO image before the boot can proceed.
	StatusRebootToRORequired
	// StatusShutdownRequested is returned when the device must power off.
	StatusShutdownRequested
	// StatusInteractiveShell is returned when the user asked for the
	// firmware command line.
	StatusInteractiveShell
	// StatusFailure covers every other error.
	StatusFailure
)

func (c StatusCode) String() string {
	switch c {
	case StatusSuccess:
		return "success"
	case StatusRebootToRORequired:
		return "reboot to RO required"
	case StatusShutdownRequested:
		return "shutdown requested"
	case StatusInteractiveShell:
		return "interactive shell requested"
	case StatusFailure:
		return "failure"
	}
	return fmt.Sprintf("StatusCode(%d)", int(c))
}

// Status is an error carrying a Verifier status code.
type Status struct {
	Code StatusCode
	Err  error
}

// NewStatus returns a Status error with the given code and cause.
func NewStatus(code StatusCode, err error) *Status {
	return &Status{Code: code, Err: err}
}

func (s *Status) Error() string {
	if s.Err == nil {
		return s.Code.String()
	}
	return fmt.Sprintf("%v: %v", s.Code, s.Err)
}

func (s *Status) Unwrap() error {
	return s.Err
}

// Code returns the status code of err, errors not carrying one are generic
// failures unless they report a required EC reboot.
func Code(err error) StatusCode {
	if err == nil {
		return StatusSuccess
	}

	var s *Status
	if errors.As(err, &s) {
		return s.Code
	}

	if errors.Is(err, ec.ErrRebootToRORequired) {
		return StatusRebootToRORequired
	}

	return StatusFailure
}
