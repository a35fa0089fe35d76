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

// Package testonly provides an emulated RPMB capable card for tests.
package testonly

import (
	"errors"

	"github.com/transparency-dev/armored-vboot/rpmb"
)

// Card emulates the RPMB partition of an eMMC.
type Card struct {
	Key     []byte
	Counter uint32
	Sectors map[uint16][]byte

	// StaleCounter, when set, makes writes leave the counter unchanged.
	StaleCounter bool
	// CorruptMAC, when set, makes every response MAC invalid.
	CorruptMAC bool

	pending *rpmb.Frame
	result  *rpmb.Frame
}

// NewCard returns a card whose authentication key is not yet programmed.
func NewCard() *Card {
	return &Card{Sectors: make(map[uint16][]byte)}
}

func (c *Card) respond(req *rpmb.Frame, res *rpmb.Frame, result uint16) {
	res.SetResponse(req.Request())
	res.SetResult(result)
	res.SetAddress(req.Address())
	res.SetCounter(c.Counter)

	if c.Key != nil {
		res.Sign(c.Key)
	}

	if c.CorruptMAC {
		res.MAC()[0] ^= 0xff
	}
}

// WriteRPMB implements rpmb.Card.
func (c *Card) WriteRPMB(buf []byte, reliable bool) error {
	if len(buf) != rpmb.FrameLength {
		return errors.New("invalid frame length")
	}

	req := &rpmb.Frame{}
	copy(req[:], buf)
	res := &rpmb.Frame{}

	switch req.Request() {
	case rpmb.AuthenticationKeyProgramming:
		result := uint16(rpmb.OperationOK)

		if c.Key != nil {
			result = rpmb.GeneralFailure
		} else {
			c.Key = append([]byte{}, req.MAC()...)
		}

		c.respond(req, res, result)
		c.result = res
	case rpmb.WriteCounterRead:
		copy(res.Nonce(), req.Nonce())

		result := uint16(rpmb.OperationOK)
		if c.Key == nil {
			result = rpmb.AuthenticationKeyNotYetProgrammed
		}

		c.respond(req, res, result)
		c.pending = res
	case rpmb.AuthenticatedDataWrite:
		result := uint16(rpmb.OperationOK)

		switch {
		case !reliable:
			result = rpmb.GeneralFailure
		case c.Key == nil:
			result = rpmb.AuthenticationKeyNotYetProgrammed
		case !req.Verify(c.Key):
			result = rpmb.AuthenticationFailure
		case req.Counter() != c.Counter:
			result = rpmb.CounterFailure
		default:
			c.Sectors[req.Address()] = append([]byte{}, req.Data()...)
			if !c.StaleCounter {
				c.Counter++
			}
		}

		c.respond(req, res, result)
		c.result = res
	case rpmb.AuthenticatedDataRead:
		copy(res.Nonce(), req.Nonce())
		copy(res.Data(), c.Sectors[req.Address()])

		result := uint16(rpmb.OperationOK)
		if c.Key == nil {
			result = rpmb.AuthenticationKeyNotYetProgrammed
		}

		c.respond(req, res, result)
		c.pending = res
	case rpmb.ResultRead:
		if c.result == nil {
			return errors.New("no result pending")
		}
		c.pending, c.result = c.result, nil
	default:
		return errors.New("unsupported request")
	}

	return nil
}

// ReadRPMB implements rpmb.Card.
func (c *Card) ReadRPMB(buf []byte) error {
	if c.pending == nil {
		return errors.New("no response pending")
	}

	copy(buf, c.pending[:])
	c.pending = nil

	return nil
}
