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

package ec

import (
	"bytes"
	"crypto/sha256"
	"errors"
	"fmt"

	"k8s.io/klog/v2"

	"github.com/transparency-dev/armored-vboot/flash"
	"github.com/transparency-dev/armored-vboot/fmap"
)

// Sync implements EC software sync, which runs while selecting the kernel
// and leaves the EC running a protected RW image matching the host firmware.
type Sync struct {
	EC Transport
	// Flash holds the host firmware, and the EC images shipped within it.
	Flash flash.Reader
	// Slow reports that EC updates take long enough to warrant notice,
	// SlowUpdate is invoked before any such update.
	Slow       bool
	SlowUpdate func()
}

// RunningRW returns whether the EC is running its RW image.
func (s *Sync) RunningRW() (bool, error) {
	cur, err := s.EC.CurrentImage()
	if err != nil {
		return false, err
	}

	return cur == ImageRW, nil
}

// JumpToRW requests the EC to jump to its RW image.
func (s *Sync) JumpToRW() error {
	if err := s.EC.Reboot(RebootJumpRW, 0); err != nil {
		return fmt.Errorf("could not jump to EC RW: %v", err)
	}

	if rw, err := s.RunningRW(); err != nil || !rw {
		return fmt.Errorf("EC did not reach RW (err: %v)", err)
	}

	return nil
}

// DisableJump prevents the EC from jumping between images until its next
// reboot.
func (s *Sync) DisableJump() error {
	return s.EC.Reboot(RebootDisableJump, 0)
}

// HashImage returns the EC computed hash of its RW image.
func (s *Sync) HashImage() ([]byte, error) {
	return s.EC.HashRW()
}

// ExpectedImageHash returns the hash of the EC RW image shipped with the
// given host firmware slot, the precomputed value is preferred when present.
func (s *Sync) ExpectedImageHash(rw *fmap.ReadWrite) ([]byte, error) {
	if len(rw.ECHash) > 0 {
		return rw.ECHash, nil
	}

	if rw.ECRW.Empty() {
		return nil, errors.New("no EC RW image in firmware slot")
	}

	buf, err := flash.Load(s.Flash, uint64(rw.ECRW.Offset), uint64(rw.ECRW.Length))
	if err != nil {
		return nil, fmt.Errorf("could not read EC RW image: %w", err)
	}

	h := sha256.Sum256(buf)

	return h[:], nil
}

// UpdateImage writes the EC RW image shipped with the given host firmware
// slot.
func (s *Sync) UpdateImage(rw *fmap.ReadWrite) error {
	if s.Slow {
		klog.Warning("ec: slow EC update in progress, do not power off")

		if s.SlowUpdate != nil {
			s.SlowUpdate()
		}
	}

	u := &Updater{EC: s.EC}

	return u.UpdateImage(ImageRW, s.Flash, rw.ECRW, true, true)
}

// Protect write protects the whole EC flash until its next reboot.
func (s *Sync) Protect() error {
	info, err := s.EC.FlashProtect(ProtectAllNow, ProtectAllNow)
	if err != nil {
		return fmt.Errorf("could not protect EC flash: %v", err)
	}

	if info.Flags&ProtectAllNow == 0 {
		return fmt.Errorf("EC flash protection not applied (flags: %#x)", info.Flags)
	}

	return nil
}

// Run performs software sync against the given host firmware slot and
// returns the image left running on the EC.
//
// In recovery the EC must be left in RO, ErrRebootToRORequired is returned
// if it's running RW.
func (s *Sync) Run(rw *fmap.ReadWrite, recovery bool) (Image, error) {
	inRW, err := s.RunningRW()
	if err != nil {
		return ImageUnknown, fmt.Errorf("could not get current EC image: %v", err)
	}

	if recovery {
		if inRW {
			return ImageRW, s.requestRO()
		}
		return ImageRO, nil
	}

	want, err := s.ExpectedImageHash(rw)
	if err != nil {
		return ImageUnknown, err
	}

	got, err := s.HashImage()
	if err != nil {
		return ImageUnknown, fmt.Errorf("could not hash EC RW image: %v", err)
	}

	if !bytes.Equal(got, want) {
		klog.Infof("ec: RW hash mismatch (got %x, want %x)", got, want)

		if inRW {
			return ImageRW, s.requestRO()
		}

		if err = s.UpdateImage(rw); err != nil {
			return ImageRO, err
		}
	}

	if !inRW {
		if err = s.JumpToRW(); err != nil {
			return ImageRO, err
		}
	}

	if err = s.DisableJump(); err != nil {
		return ImageRW, fmt.Errorf("could not disable EC jump: %v", err)
	}

	if err = s.Protect(); err != nil {
		return ImageRW, err
	}

	return ImageRW, nil
}

func (s *Sync) requestRO() error {
	if err := s.EC.Reboot(RebootCold, RebootOnAPShutdown); err != nil {
		return fmt.Errorf("could not request EC reboot to RO: %v", err)
	}

	return ErrRebootToRORequired
}
