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

package ec_test

import (
	"bytes"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/transparency-dev/armored-vboot/ec"
	"github.com/transparency-dev/armored-vboot/ec/testonly"
	"github.com/transparency-dev/armored-vboot/flash"
	flashtest "github.com/transparency-dev/armored-vboot/flash/testonly"
	"github.com/transparency-dev/armored-vboot/fmap"
)

const (
	roSize = 0x100
	rwSize = 0x200
)

var (
	hostRO = fmap.Area{Offset: 0x1000, Length: roSize}
	hostRW = fmap.Area{Offset: 0x2000, Length: rwSize}
)

// hostFlash returns a host flash holding the given EC images.
func hostFlash(t *testing.T, ro, rw []byte) *flash.Flash {
	t.Helper()
	mf := flashtest.NewMemFlash(t, 4)
	mf.Load(uint64(hostRO.Offset), ro)
	mf.Load(uint64(hostRW.Offset), rw)
	f, err := flash.New(mf)
	if err != nil {
		t.Fatalf("flash.New: %v", err)
	}
	return f
}

func fill(b byte, n int) []byte {
	return bytes.Repeat([]byte{b}, n)
}

func lastReboot(t *testing.T, f *testonly.FakeEC) testonly.Reboot {
	t.Helper()
	if len(f.Reboots) == 0 {
		t.Fatal("no reboot requested")
	}
	return f.Reboots[len(f.Reboots)-1]
}

var rebootToRO = testonly.Reboot{Cmd: ec.RebootCold, Flags: ec.RebootOnAPShutdown}

func TestUpdateImageIdempotent(t *testing.T) {
	newRW := fill(0x22, rwSize)
	src := hostFlash(t, fill(0x11, roSize), newRW)
	fake := testonly.NewFakeEC(fill(0x11, roSize), fill(0x33, rwSize))
	u := &ec.Updater{EC: fake}

	if err := u.UpdateImage(ec.ImageRW, src, hostRW, false, true); err != nil {
		t.Fatalf("first UpdateImage: %v", err)
	}
	if got, want := fake.Erases, 1; got != want {
		t.Fatalf("first update: %d erases, want %d", got, want)
	}
	if diff := cmp.Diff(newRW, fake.RW()); diff != "" {
		t.Fatalf("EC RW diff: %s", diff)
	}

	if err := u.UpdateImage(ec.ImageRW, src, hostRW, false, true); err != nil {
		t.Fatalf("second UpdateImage: %v", err)
	}
	if got, want := fake.Erases, 1; got != want {
		t.Fatalf("second update erased flash (%d erases)", got)
	}
	if got, want := fake.Writes, 1; got != want {
		t.Fatalf("second update wrote flash (%d writes)", got)
	}

	if got, want := len(fake.Reboots), 2; got != want {
		t.Fatalf("%d reboot requests, want %d", got, want)
	}
	for _, r := range fake.Reboots {
		if r != rebootToRO {
			t.Fatalf("reboot request %+v, want %+v", r, rebootToRO)
		}
	}
}

func TestUpdateImageForce(t *testing.T) {
	rw := fill(0x22, rwSize)
	src := hostFlash(t, fill(0x11, roSize), rw)
	fake := testonly.NewFakeEC(fill(0x11, roSize), rw)
	u := &ec.Updater{EC: fake}

	if err := u.UpdateImage(ec.ImageRW, src, hostRW, true, false); err != nil {
		t.Fatalf("UpdateImage: %v", err)
	}
	if fake.Erases != 1 {
		t.Fatal("forced update skipped")
	}
}

func TestUpdateRWWhileRunningRW(t *testing.T) {
	src := hostFlash(t, fill(0x11, roSize), fill(0x22, rwSize))
	fake := testonly.NewFakeEC(fill(0x11, roSize), fill(0x33, rwSize))
	fake.Running = ec.ImageRW
	u := &ec.Updater{EC: fake}

	if err := u.UpdateImage(ec.ImageRW, src, hostRW, false, false); !errors.Is(err, ec.ErrRebootToRORequired) {
		t.Fatalf("UpdateImage: %v, want %v", err, ec.ErrRebootToRORequired)
	}
	if fake.Erases != 0 {
		t.Fatal("running image erased")
	}
	if got := lastReboot(t, fake); got != rebootToRO {
		t.Fatalf("last reboot %+v, want %+v", got, rebootToRO)
	}
}

func TestUpdateROUnpollutes(t *testing.T) {
	ro := fill(0x11, roSize)
	copy(ro[0x10:], fmap.Signature)
	copy(ro[0x80:], fmap.Signature)

	src := hostFlash(t, ro, fill(0x22, rwSize))
	fake := testonly.NewFakeEC(fill(0x44, roSize), fill(0x22, rwSize))
	u := &ec.Updater{EC: fake}

	if err := u.UpdateImage(ec.ImageRO, src, hostRO, false, true); err != nil {
		t.Fatalf("UpdateImage: %v", err)
	}
	if fake.Running != ec.ImageRW {
		t.Fatalf("EC running %v, want RW", fake.Running)
	}

	want := fill(0x11, roSize)
	copy(want[0x10:], "__fMAP__")
	copy(want[0x80:], "__fMAP__")
	if diff := cmp.Diff(want, fake.RO()); diff != "" {
		t.Fatalf("EC RO diff: %s", diff)
	}
}

func TestUpdateFailureStillReboots(t *testing.T) {
	src := hostFlash(t, fill(0x11, roSize), fill(0x22, rwSize))
	fake := testonly.NewFakeEC(fill(0x11, roSize), fill(0x33, rwSize))
	fake.OnWrite = func(uint32, []byte) error { return errors.New("bus timeout") }
	u := &ec.Updater{EC: fake}

	if err := u.UpdateImage(ec.ImageRW, src, hostRW, false, false); err == nil {
		t.Fatal("UpdateImage succeeded")
	}
	if got := lastReboot(t, fake); got != rebootToRO {
		t.Fatalf("last reboot %+v, want %+v", got, rebootToRO)
	}
}

func TestUpdateImageTooLarge(t *testing.T) {
	src := hostFlash(t, fill(0x11, roSize), fill(0x22, rwSize))
	fake := testonly.NewFakeEC(fill(0x11, roSize), fill(0x33, rwSize/2))
	u := &ec.Updater{EC: fake}

	if err := u.UpdateImage(ec.ImageRW, src, hostRW, false, false); err == nil {
		t.Fatal("UpdateImage succeeded with oversized image")
	}
	if fake.Erases != 0 {
		t.Fatal("EC flash erased")
	}
}

func TestUnpollute(t *testing.T) {
	for _, test := range []struct {
		name  string
		in    string
		want  string
		count int
	}{
		{name: "none", in: "xxxxFMAPxxxx", want: "xxxxFMAPxxxx"},
		{name: "one", in: "ab__FMAP__cd", want: "ab__fMAP__cd", count: 1},
		{name: "adjacent", in: "__FMAP____FMAP__", want: "__fMAP____fMAP__", count: 2},
	} {
		t.Run(test.name, func(t *testing.T) {
			b := []byte(test.in)
			if n := ec.Unpollute(b); n != test.count {
				t.Errorf("Unpollute = %d, want %d", n, test.count)
			}
			if got := string(b); got != test.want {
				t.Fatalf("got %q, want %q", got, test.want)
			}
		})
	}
}
