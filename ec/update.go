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
	"errors"
	"fmt"

	"k8s.io/klog/v2"

	"github.com/transparency-dev/armored-vboot/flash"
	"github.com/transparency-dev/armored-vboot/fmap"
)

// Updater rewrites EC images.
type Updater struct {
	EC Transport
}

// UpdateImage replaces the EC image img with the one held in the host flash
// area.
//
// Unless force is set the update is skipped when the EC already holds an
// identical image, when verify is set the written image is read back.
//
// Regardless of the outcome the EC is always asked to reboot to RO once the
// host shuts down, so that an interrupted update is never left running.
func (u *Updater) UpdateImage(img Image, src flash.Reader, area fmap.Area, force bool, verify bool) (err error) {
	defer func() {
		if rerr := u.EC.Reboot(RebootCold, RebootOnAPShutdown); rerr != nil {
			klog.Errorf("ec: could not request reboot to RO: %v", rerr)
			if err == nil {
				err = fmt.Errorf("could not request reboot to RO: %v", rerr)
			}
		}
	}()

	if err = u.leave(img); err != nil {
		return
	}

	off, size, err := u.EC.RegionInfo(img)
	if err != nil {
		return fmt.Errorf("could not locate EC %v region: %v", img, err)
	}

	if area.Length > size {
		return fmt.Errorf("EC %v image (%d bytes) exceeds region size %d", img, area.Length, size)
	}

	want, err := flash.Load(src, uint64(area.Offset), uint64(area.Length))
	if err != nil {
		return fmt.Errorf("could not read EC %v image: %w", img, err)
	}

	if img == ImageRO {
		if n := Unpollute(want); n > 0 {
			klog.V(1).Infof("ec: unpolluted %d flash map signatures", n)
		}
	}

	if !force {
		cur := make([]byte, len(want))

		if err = u.EC.FlashRead(off, cur); err != nil {
			return fmt.Errorf("could not read current EC %v image: %v", img, err)
		}

		if bytes.Equal(cur, want) {
			klog.Infof("ec: %v image same, skipping update", img)
			return nil
		}
	}

	klog.Infof("ec: updating %v image (%d bytes @ %#x)", img, len(want), off)

	if err = u.EC.FlashErase(off, size); err != nil {
		return fmt.Errorf("could not erase EC %v region: %v", img, err)
	}

	if err = u.EC.FlashWrite(off, want); err != nil {
		return fmt.Errorf("could not write EC %v image: %v", img, err)
	}

	if !verify {
		return nil
	}

	got := make([]byte, len(want))

	if err = u.EC.FlashRead(off, got); err != nil {
		return fmt.Errorf("could not read back EC %v image: %v", img, err)
	}

	if !bytes.Equal(got, want) {
		return fmt.Errorf("EC %v image verification failed", img)
	}

	return nil
}

// leave ensures the EC does not run img, RW can only be left through a
// reboot and is reported as ErrRebootToRORequired.
func (u *Updater) leave(img Image) error {
	cur, err := u.EC.CurrentImage()
	if err != nil {
		return fmt.Errorf("could not get current EC image: %v", err)
	}

	if cur != img {
		return nil
	}

	switch img {
	case ImageRW:
		return ErrRebootToRORequired
	case ImageRO:
		if err = u.EC.Reboot(RebootJumpRW, 0); err != nil {
			return fmt.Errorf("could not jump to EC RW: %v", err)
		}

		if cur, err = u.EC.CurrentImage(); err != nil {
			return fmt.Errorf("could not get current EC image: %v", err)
		}

		if cur != ImageRW {
			return errors.New("EC did not jump to RW")
		}
	}

	return nil
}
