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

package rpmb

import (
	"bytes"
	"crypto/rand"
	"errors"
	"fmt"

	"k8s.io/klog/v2"
)

// request configuration
type config struct {
	// compute request MAC before sending
	requestMAC bool
	// validate response MAC after receiving
	responseMAC bool
	// set Nonce field with random value
	randomNonce bool
	// get response with a result read request
	resultRead bool
}

func (p *RPMB) op(req *Frame, cfg *config) (res *Frame, err error) {
	p.Lock()
	defer p.Unlock()

	if cfg.randomNonce {
		if _, err = rand.Read(req.Nonce()); err != nil {
			return nil, fmt.Errorf("could not generate nonce: %v", err)
		}
	}

	if cfg.requestMAC {
		req.Sign(p.key[:])
	}

	var reliable bool

	switch req.Request() {
	case AuthenticationKeyProgramming, AuthenticatedDataWrite, AuthenticatedDeviceConfigurationWrite:
		reliable = true
	}

	klog.V(2).Infof("rpmb: request %d address %d", req.Request(), req.Address())

	// send request
	if err = p.card.WriteRPMB(req[:], reliable); err != nil {
		return
	}

	// read result when required
	if cfg.resultRead {
		resReq := &Frame{}
		resReq.SetRequest(ResultRead)

		if err = p.card.WriteRPMB(resReq[:], false); err != nil {
			return
		}
	}

	res = &Frame{}

	// read response
	if err = p.card.ReadRPMB(res[:]); err != nil {
		return nil, err
	}

	// validate response

	if cfg.responseMAC && !res.Verify(p.key[:]) {
		return nil, errors.New("invalid response MAC")
	}

	if req.Request() != res.Response() {
		return nil, errors.New("request/response type mismatch")
	}

	if !bytes.Equal(req.Nonce(), res.Nonce()) {
		return nil, errors.New("nonce mismatch")
	}

	if result := res.Result(); result != OperationOK {
		return nil, &OperationError{result}
	}

	return
}

func (p *RPMB) transfer(kind byte, offset uint16, buf []byte) (err error) {
	if len(buf) > DataLength {
		return errors.New("transfer size must not exceed 256 bytes")
	}

	cfg := &config{
		requestMAC:  true,
		responseMAC: true,
	}

	req := &Frame{}
	req.SetRequest(kind)

	if kind == AuthenticatedDataWrite {
		counter, err := p.Counter(true)

		if err != nil {
			return err
		}

		req.SetCounter(counter)
		cfg.resultRead = true
	} else {
		cfg.randomNonce = true
	}

	req.SetBlockCount(1)
	req.SetAddress(offset)
	copy(req.Data(), buf)

	res, err := p.op(req, cfg)

	if err != nil {
		return
	}

	if kind == AuthenticatedDataRead {
		copy(buf, res.Data())
	} else if res.Counter() != req.Counter()+1 {
		return errors.New("write counter mismatch")
	}

	return
}
