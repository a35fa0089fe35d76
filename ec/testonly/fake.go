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

// Package testonly provides a fake embedded controller for tests.
package testonly

import (
	"crypto/sha256"
	"errors"
	"fmt"

	"github.com/transparency-dev/armored-vboot/ec"
)

// Reboot is a recorded reboot request.
type Reboot struct {
	Cmd   ec.RebootCmd
	Flags ec.RebootFlags
}

// FakeEC is an in-memory EC whose flash holds the RO image in
// [0, ROSize) followed by the RW image.
type FakeEC struct {
	Flash   []byte
	ROSize  uint32
	Running ec.Image

	JumpDisabled bool
	Protect      uint32

	// Reboots records every reboot request, in order.
	Reboots []Reboot
	// Erases and Writes count flash modifying commands.
	Erases int
	Writes int

	// OnWrite, when set, is invoked before every flash write.
	OnWrite func(off uint32, p []byte) error
}

// NewFakeEC returns a fake EC running RO, with both images filled with the
// given contents.
func NewFakeEC(ro []byte, rw []byte) *FakeEC {
	f := &FakeEC{
		Flash:   append(append([]byte{}, ro...), rw...),
		ROSize:  uint32(len(ro)),
		Running: ec.ImageRO,
	}
	return f
}

// RW returns the RW region of the EC flash.
func (f *FakeEC) RW() []byte {
	return f.Flash[f.ROSize:]
}

// RO returns the RO region of the EC flash.
func (f *FakeEC) RO() []byte {
	return f.Flash[:f.ROSize]
}

// CurrentImage implements ec.Transport.
func (f *FakeEC) CurrentImage() (ec.Image, error) {
	return f.Running, nil
}

// Reboot implements ec.Transport.
func (f *FakeEC) Reboot(cmd ec.RebootCmd, flags ec.RebootFlags) error {
	f.Reboots = append(f.Reboots, Reboot{cmd, flags})

	if flags&ec.RebootOnAPShutdown != 0 {
		return nil
	}

	switch cmd {
	case ec.RebootJumpRW:
		if f.JumpDisabled {
			return errors.New("jump disabled")
		}
		f.Running = ec.ImageRW
	case ec.RebootJumpRO:
		if f.JumpDisabled {
			return errors.New("jump disabled")
		}
		f.Running = ec.ImageRO
	case ec.RebootCold:
		f.Running = ec.ImageRO
		f.JumpDisabled = false
		f.Protect &^= ec.ProtectAllNow | ec.ProtectRONow
	case ec.RebootDisableJump:
		f.JumpDisabled = true
	case ec.RebootCancel:
	default:
		return fmt.Errorf("unsupported reboot command %d", cmd)
	}

	return nil
}

// PendingReboot returns whether a deferred reboot has been requested.
func (f *FakeEC) PendingReboot() bool {
	for _, r := range f.Reboots {
		if r.Flags&ec.RebootOnAPShutdown != 0 {
			return true
		}
	}
	return false
}

func (f *FakeEC) check(off uint32, n uint32) error {
	if uint64(off)+uint64(n) > uint64(len(f.Flash)) {
		return fmt.Errorf("[%#x, %#x) past end of EC flash", off, uint64(off)+uint64(n))
	}
	return nil
}

func (f *FakeEC) writable(off uint32, n uint32) error {
	if err := f.check(off, n); err != nil {
		return err
	}

	if f.Protect&ec.ProtectAllNow != 0 {
		return errors.New("EC flash protected")
	}

	inRO := off < f.ROSize
	inRW := off+n > f.ROSize

	if (inRO && f.Running == ec.ImageRO) || (inRW && f.Running == ec.ImageRW) {
		return errors.New("cannot modify running image")
	}

	return nil
}

// FlashRead implements ec.Transport.
func (f *FakeEC) FlashRead(off uint32, p []byte) error {
	if err := f.check(off, uint32(len(p))); err != nil {
		return err
	}
	copy(p, f.Flash[off:])
	return nil
}

// FlashWrite implements ec.Transport.
func (f *FakeEC) FlashWrite(off uint32, p []byte) error {
	f.Writes++
	if f.OnWrite != nil {
		if err := f.OnWrite(off, p); err != nil {
			return err
		}
	}
	if err := f.writable(off, uint32(len(p))); err != nil {
		return err
	}
	copy(f.Flash[off:], p)
	return nil
}

// FlashErase implements ec.Transport.
func (f *FakeEC) FlashErase(off uint32, n uint32) error {
	f.Erases++
	if err := f.writable(off, n); err != nil {
		return err
	}
	for i := off; i < off+n; i++ {
		f.Flash[i] = 0xff
	}
	return nil
}

// FlashProtect implements ec.Transport.
func (f *FakeEC) FlashProtect(mask uint32, flags uint32) (ec.ProtectInfo, error) {
	f.Protect = f.Protect&^mask | flags&mask

	return ec.ProtectInfo{
		Flags:    f.Protect,
		Valid:    ec.ProtectROAtBoot | ec.ProtectRONow | ec.ProtectAllNow | ec.ProtectAllAtBoot,
		Writable: ec.ProtectROAtBoot | ec.ProtectAllNow,
	}, nil
}

// HashRW implements ec.Transport.
func (f *FakeEC) HashRW() ([]byte, error) {
	h := sha256.Sum256(f.RW())
	return h[:], nil
}

// RegionInfo implements ec.Transport.
func (f *FakeEC) RegionInfo(img ec.Image) (uint32, uint32, error) {
	switch img {
	case ec.ImageRO:
		return 0, f.ROSize, nil
	case ec.ImageRW:
		return f.ROSize, uint32(len(f.Flash)) - f.ROSize, nil
	}
	return 0, 0, fmt.Errorf("invalid image %v", img)
}
