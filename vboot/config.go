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
	"encoding/binary"
	"fmt"

	"github.com/transparency-dev/armored-vboot/fmap"
	"github.com/u-root/u-root/pkg/dt"
)

// ConfigNode is the device tree node holding the static configuration.
const ConfigNode = "config"

// DefaultKernelBufferSize is used when the configuration does not set one.
const DefaultKernelBufferSize = 32 << 20

// Config is the static board configuration.
type Config struct {
	// VirtualDevSwitch keeps the developer switch state in the verifier
	// non-volatile context rather than a physical input.
	VirtualDevSwitch bool
	// ECSoftwareSync enables EC software sync, ECSlowUpdate warns the user
	// before slow EC updates.
	ECSoftwareSync bool
	ECSlowUpdate   bool
	// DisableECSyncForRecovery skips EC software sync in recovery.
	DisableECSyncForRecovery bool

	// KernelBufferSize is the size of the kernel buffer reserved at boot.
	KernelBufferSize uint32
	// LoadAddress is where RW firmware is decompressed before the jump.
	LoadAddress uint64
}

func cells(b []byte) (uint64, error) {
	switch len(b) {
	case 4:
		return uint64(binary.BigEndian.Uint32(b)), nil
	case 8:
		return binary.BigEndian.Uint64(b), nil
	}
	return 0, fmt.Errorf("invalid cell size %d", len(b))
}

// ParseConfig reads the static configuration from the device tree, boolean
// options are set by the presence of an empty property.
func ParseConfig(root *dt.Node) (cfg Config, err error) {
	cfg.KernelBufferSize = DefaultKernelBufferSize

	n, ok := fmap.FindNode(root, ConfigNode)
	if !ok {
		return cfg, fmt.Errorf("missing %q node", ConfigNode)
	}

	for name, v := range map[string]*bool{
		"virtual-dev-switch":           &cfg.VirtualDevSwitch,
		"ec-software-sync":             &cfg.ECSoftwareSync,
		"ec-slow-update":               &cfg.ECSlowUpdate,
		"disable-ec-sync-for-recovery": &cfg.DisableECSyncForRecovery,
	} {
		_, *v = fmap.Property(n, name)
	}

	if b, ok := fmap.Property(n, "kernel-buffer-size"); ok {
		size, err := cells(b)
		if err != nil || size == 0 || size > 1<<32-1 {
			return cfg, fmt.Errorf("invalid kernel-buffer-size (%x)", b)
		}
		cfg.KernelBufferSize = uint32(size)
	}

	if b, ok := fmap.Property(n, "load-address"); ok {
		if cfg.LoadAddress, err = cells(b); err != nil {
			return cfg, fmt.Errorf("invalid load-address: %v", err)
		}
	}

	return
}
