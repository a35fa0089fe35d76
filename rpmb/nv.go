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
	"errors"
	"fmt"
	"sync"

	"github.com/coreos/go-semver/semver"
	"k8s.io/klog/v2"
)

// Sector allocation of the verified boot state.
const (
	// RPMB sector for CVE-2020-13799 mitigation
	DummySector = 0
	// RPMB sector for firmware rollback protection
	FirmwareVersionSector = 1
	// RPMB sector for kernel rollback protection
	KernelVersionSector = 2
	// RPMB sector holding the verifier non-volatile context
	ContextSector = 3
)

// ErrRollback is returned when a version older than the stored one is
// presented.
var ErrRollback = errors.New("version rollback")

// Partition is sector granular authenticated storage, implemented by RPMB.
type Partition interface {
	Read(sector uint16, buf []byte) error
	Write(sector uint16, buf []byte) error
}

// MemPartition emulates a Partition in memory.
type MemPartition struct {
	sync.Mutex

	Sectors map[uint16]*[DataLength]byte
	// Counter is incremented on every write.
	Counter uint32
}

// Read implements Partition.
func (m *MemPartition) Read(sector uint16, buf []byte) error {
	if len(buf) > DataLength {
		return errors.New("transfer size must not exceed 256 bytes")
	}

	m.Lock()
	defer m.Unlock()

	clear(buf)

	if s, ok := m.Sectors[sector]; ok {
		copy(buf, s[:])
	}

	return nil
}

// Write implements Partition.
func (m *MemPartition) Write(sector uint16, buf []byte) error {
	if len(buf) > DataLength {
		return errors.New("transfer size must not exceed 256 bytes")
	}

	m.Lock()
	defer m.Unlock()

	if m.Sectors == nil {
		m.Sectors = make(map[uint16]*[DataLength]byte)
	}

	s := &[DataLength]byte{}
	copy(s[:], buf)
	m.Sectors[sector] = s
	m.Counter++

	return nil
}

// Version is a rollback protection version kept in a single sector.
type Version struct {
	Partition Partition
	Sector    uint16
}

// Get returns the stored version, a blank sector reads as 0.0.0.
func (v *Version) Get() (*semver.Version, error) {
	buf := make([]byte, DataLength)

	if err := v.Partition.Read(v.Sector, buf); err != nil {
		return nil, fmt.Errorf("could not read version sector %d: %v", v.Sector, err)
	}

	s := string(bytes.TrimRight(buf, "\x00"))

	if len(s) == 0 {
		return &semver.Version{}, nil
	}

	return semver.NewVersion(s)
}

// Check verifies version information against the stored version.
//
// If the passed version is older than the stored one ErrRollback is returned.
//
// If the passed version is more recent than the stored one then the sector is
// updated with it.
func (v *Version) Check(running *semver.Version) error {
	expected, err := v.Get()
	if err != nil {
		return err
	}

	switch {
	case running.LessThan(*expected):
		return fmt.Errorf("%w: %v < %v", ErrRollback, running, expected)
	case expected.Equal(*running):
		return nil
	}

	klog.Infof("rpmb: advancing sector %d version %v -> %v", v.Sector, expected, running)

	return v.Partition.Write(v.Sector, []byte(running.String()))
}

// Context is an opaque non-volatile context kept in a single sector.
type Context struct {
	Partition Partition
	Sector    uint16
}

// Load fills p with the stored context.
func (c *Context) Load(p []byte) error {
	return c.Partition.Read(c.Sector, p)
}

// Store replaces the stored context with p.
func (c *Context) Store(p []byte) error {
	return c.Partition.Write(c.Sector, p)
}
