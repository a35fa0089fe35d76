// Copyright 2022 The Armored Witness OS authors. All Rights Reserved.
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

//go:build tamago && arm && !fake_rpmb
// +build tamago,arm,!fake_rpmb

package main

import (
	"bytes"
	"crypto/aes"
	"crypto/sha256"
	"errors"
	"fmt"

	"golang.org/x/crypto/pbkdf2"
	"k8s.io/klog/v2"

	"github.com/usbarmory/tamago/soc/nxp/imx6ul"
	"github.com/usbarmory/tamago/soc/nxp/usdhc"

	"github.com/usbarmory/crucible/otp"

	"github.com/transparency-dev/armored-vboot/rpmb"
)

const (
	// RPMB OTP flag bank
	rpmbFuseBank = 4
	// RPMB OTP flag word
	rpmbFuseWord = 6

	diversifierMAC = "ArmoredVbootMAC"
	iter           = 4096
)

// securePartition is the verifier backing store, it is opened at boot and
// again by the read-write stage.
type securePartition struct {
	Storage   *usdhc.USDHC
	partition *rpmb.RPMB
}

func programmed() (bool, error) {
	res, err := otp.ReadOCOTP(rpmbFuseBank, rpmbFuseWord, 0, 1)
	if err != nil {
		return false, fmt.Errorf("could not read RPMB program key flag (%x, %v)", res, err)
	}

	return bytes.Equal(res, []byte{1}), nil
}

func (r *securePartition) init() (err error) {
	// derive key for RPMB MAC generation
	dk, err := imx6ul.DCP.DeriveKey([]byte(diversifierMAC), make([]byte, aes.BlockSize), -1)
	if err != nil {
		return fmt.Errorf("could not derive RPMB key (%v)", err)
	}

	uid := imx6ul.UniqueID()

	fused, err := programmed()
	if err != nil {
		return
	}

	// setup RPMB partition
	r.partition, err = rpmb.Init(
		r.Storage,
		pbkdf2.Key(dk, uid[:], iter, sha256.Size, sha256.New),
		rpmb.DummySector,
		fused,
	)
	if err != nil {
		return
	}

	var e *rpmb.OperationError
	_, err = r.partition.Counter(false)

	if !(errors.As(err, &e) && e.Result == rpmb.AuthenticationKeyNotYetProgrammed) {
		return
	}

	// Fuse a bit to indicate previous key programming to prevent malicious
	// eMMC replacement to intercept ProgramKey().
	//
	// If already fused refuse to do any programming and bail.
	if fused {
		return errors.New("RPMB key already programmed on this device")
	}

	if err = otp.BlowOCOTP(rpmbFuseBank, rpmbFuseWord, 0, 1, []byte{1}); err != nil {
		return fmt.Errorf("could not fuse RPMB program key flag (%v)", err)
	}

	klog.Info("RPMB authentication key not yet programmed, programming")

	if err = r.partition.ProgramKey(); err != nil {
		return fmt.Errorf("could not program RPMB key")
	}

	return
}

// Read implements rpmb.Partition.
func (r *securePartition) Read(sector uint16, buf []byte) error {
	if r.partition == nil {
		return errors.New("RPMB has not been initialized")
	}

	return r.partition.Read(sector, buf)
}

// Write implements rpmb.Partition.
func (r *securePartition) Write(sector uint16, buf []byte) error {
	if r.partition == nil {
		return errors.New("RPMB has not been initialized")
	}

	return r.partition.Write(sector, buf)
}
