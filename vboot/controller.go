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

// Package vboot implements the verified boot firmware selection state
// machine.
//
// Booting from RO firmware the controller goes through:
//
//	init -> select -> {jump A, jump B, continue in RO} -> main firmware
//
// where main firmware has the Verifier load a kernel and ends in a kernel
// boot, the command line, a power off or, on any error, a reset. RW firmware
// entered through a jump resumes at main firmware after re-validating the
// state handed over by RO.
package vboot

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/transparency-dev/armored-vboot/crossystem"
	"github.com/transparency-dev/armored-vboot/flash"
	"github.com/transparency-dev/armored-vboot/fmap"
	"github.com/transparency-dev/armored-vboot/gbb"
	"github.com/transparency-dev/armored-vboot/memwipe"
	"github.com/u-root/u-root/pkg/dt"
	"k8s.io/klog/v2"
)

// Controller drives a single boot.
type Controller struct {
	Board    Board
	Verifier Verifier
	Config   Config

	// FlashMap is the device tree root describing the flash layout.
	FlashMap *dt.Node
	// Memory is wiped when the Verifier requests it.
	Memory memwipe.Memory

	// LoadBuffer receives RW firmware before the jump, KernelBuffer is
	// handed to the Verifier to load the kernel into.
	LoadBuffer   []byte
	KernelBuffer []byte
}

// state is the boot context, created at init and dropped at hand-off.
type state struct {
	flash flash.Reader
	fmap  *fmap.Map
	gbb   *gbb.Block
	rec   *crossystem.Record
	cache *Cache

	init InitResult
}

// readID reads a NUL padded identifier string from flash.
func readID(f flash.Reader, a fmap.Area) (string, error) {
	buf, err := flash.Load(f, uint64(a.Offset), uint64(a.Length))
	if err != nil {
		return "", err
	}

	if i := bytes.IndexByte(buf, 0); i >= 0 {
		buf = buf[:i]
	}

	return string(buf), nil
}

func (c *Controller) init() (st *state, err error) {
	signals, err := c.Board.ReadSignals()
	if err != nil {
		return nil, fmt.Errorf("could not read signals: %v", err)
	}

	st = &state{}

	if st.fmap, err = fmap.Decode(c.FlashMap); err != nil {
		return nil, fmt.Errorf("could not decode flash map: %w", err)
	}

	if st.flash, err = c.Board.Flash(); err != nil {
		return nil, fmt.Errorf("could not open flash: %v", err)
	}

	roFWID, err := readID(st.flash, st.fmap.RO.FirmwareID)
	if err != nil {
		return nil, fmt.Errorf("could not read RO firmware id: %v", err)
	}

	if st.gbb, err = gbb.Read(st.flash, st.fmap.RO.GBB); err != nil {
		return nil, fmt.Errorf("could not read GBB: %w", err)
	}

	if st.rec, err = crossystem.Init(signals, st.fmap.RO.FMAP.Offset, crossystem.ECRO, st.gbb.HWID, roFWID); err != nil {
		return nil, fmt.Errorf("could not initialize trust-state record: %w", err)
	}

	st.rec.SetNVContext(c.Board.NVContext())
	st.cache = NewCache(st.flash, st.fmap)

	klog.Infof("vboot: RO firmware %q, hwid %q", roFWID, st.gbb.HWID)

	return
}

func (c *Controller) initFlags(rec *crossystem.Record) (f InitFlags, err error) {
	s := rec.Signals()

	f = InitFlags{
		Recovery:                 s.Recovery.Value,
		Developer:                s.Developer.Value,
		OptionROM:                s.OptionROM.Value,
		VirtualDevSwitch:         c.Config.VirtualDevSwitch,
		ECSoftwareSync:           c.Config.ECSoftwareSync,
		ECSlowUpdate:             c.Config.ECSlowUpdate,
		DisableECSyncForRecovery: c.Config.DisableECSyncForRecovery,
	}

	// the flash chip status, rather than the sampled switch, is
	// authoritative
	if f.WriteProtect, err = c.Board.WriteProtected(); err != nil {
		return f, fmt.Errorf("could not read flash write protect status: %v", err)
	}

	return
}

func (c *Controller) wipe(st *state) error {
	if c.Memory == nil {
		return errors.New("no memory to wipe")
	}

	w := Wipe(c.Board.MemoryLayout(), st.rec.Bytes(), st.gbb.Bytes(), c.LoadBuffer, c.KernelBuffer)

	// cached images survive into slot selection
	for _, r := range st.cache.Ranges() {
		w.Unmark(r.Start, r.End)
	}

	return w.Execute(c.Memory)
}

func (c *Controller) selectFirmware(ctx context.Context, st *state) (sel Selection, err error) {
	flags, err := c.initFlags(st.rec)
	if err != nil {
		return
	}

	st.init, err = c.Verifier.Init(ctx, InitParams{
		Flags: flags,
		GBB:   st.gbb,
		Data:  st.rec.VerifierData(),
	})

	if err != nil {
		return 0, fmt.Errorf("verifier init failed: %w", err)
	}

	if st.init.WipeMemory {
		klog.Info("vboot: wiping memory")

		if err = c.wipe(st); err != nil {
			return 0, fmt.Errorf("memory wipe failed: %v", err)
		}
	}

	if st.init.ShowUI {
		if err = st.gbb.LoadImages(); err != nil {
			return 0, fmt.Errorf("could not load GBB images: %w", err)
		}
	}

	vbA, err := st.cache.VBlock(fmap.SlotA)
	if err != nil {
		return
	}

	vbB, err := st.cache.VBlock(fmap.SlotB)
	if err != nil {
		return
	}

	if sel, err = c.Verifier.SelectFirmware(ctx, vbA, vbB, st.cache); err != nil {
		return 0, fmt.Errorf("firmware selection failed: %w", err)
	}

	fwType := crossystem.FirmwareNormal
	id := st.rec.ROFirmwareID()

	switch {
	case sel == SelectRecovery:
		fwType = crossystem.FirmwareRecovery
	case st.init.Developer:
		fwType = crossystem.FirmwareDeveloper
	}

	if slot, ok := sel.Slot(); ok {
		rw, _ := st.fmap.Slot(slot)

		if id, err = readID(st.flash, rw.FirmwareID); err != nil {
			return 0, fmt.Errorf("could not read slot %v firmware id: %v", slot, err)
		}
	}

	klog.Infof("vboot: selected %v (%v, %q)", sel, fwType, id)

	return sel, st.rec.SetActiveFirmware(fwType, id)
}

func (c *Controller) jump(st *state, slot fmap.Slot) error {
	payload, err := st.cache.Payload(slot)
	if err != nil {
		return err
	}

	rw, _ := st.fmap.Slot(slot)

	n, err := Decompress(rw.Compression, payload, c.LoadBuffer)
	if err != nil {
		return fmt.Errorf("could not load slot %v: %w", slot, err)
	}

	klog.Infof("vboot: jumping to slot %v (%d bytes)", slot, n)

	return transferred("jump", c.Board.Jump(c.LoadBuffer[:n], st.rec, st.gbb))
}

// transferred returns nil only when err reports a completed control transfer.
func transferred(what string, err error) error {
	switch {
	case errors.Is(err, ErrTransferred):
		return nil
	case err == nil:
		return fmt.Errorf("%s returned", what)
	}
	return fmt.Errorf("%s failed: %w", what, err)
}

func (c *Controller) mainFirmware(ctx context.Context, rec *crossystem.Record) Outcome {
	k, err := c.Verifier.SelectAndLoadKernel(ctx, c.KernelBuffer)

	switch code := Code(err); code {
	case StatusSuccess:
	case StatusShutdownRequested, StatusRebootToRORequired:
		klog.Infof("vboot: %v, powering off", code)
		return c.powerOff()
	case StatusInteractiveShell:
		klog.Info("vboot: entering command line")
		return OutcomeCommandLine
	default:
		return c.fail(fmt.Errorf("kernel selection failed: %w", err))
	}

	rec.SetActiveEC(k.ActiveEC)

	if err = rec.Embed(c.Board.HandoffTarget(k)); err != nil {
		return c.fail(fmt.Errorf("could not hand over trust-state record: %w", err))
	}

	klog.Infof("vboot: booting kernel (%d bytes)", len(k.Image))

	if err = transferred("kernel boot", c.Board.BootKernel(k)); err != nil {
		return c.fail(err)
	}

	return OutcomeKernel
}

func (c *Controller) fail(err error) Outcome {
	klog.Errorf("vboot: %v, resetting", err)
	c.Board.Reset()
	return OutcomeReset
}

func (c *Controller) powerOff() Outcome {
	c.Board.PowerOff()
	return OutcomePowerOff
}

// Run boots from RO firmware.
func (c *Controller) Run(ctx context.Context) Outcome {
	if err := ctx.Err(); err != nil {
		return c.fail(err)
	}

	st, err := c.init()
	if err != nil {
		return c.fail(err)
	}

	sel, err := c.selectFirmware(ctx, st)
	if err != nil {
		return c.fail(err)
	}

	switch sel {
	case SelectFirmwareA, SelectFirmwareB:
		slot, _ := sel.Slot()

		if err = c.jump(st, slot); err != nil {
			return c.fail(err)
		}

		return OutcomeJumped
	case SelectRecovery, SelectReadOnly:
		if err = c.Board.InitSecondaryInput(); err != nil {
			return c.fail(fmt.Errorf("could not initialize input: %v", err))
		}
	default:
		return c.fail(fmt.Errorf("invalid selection %v", sel))
	}

	return c.mainFirmware(ctx, st.rec)
}

// RunReadWrite resumes a boot in RW firmware, from the trust-state record and
// binary block handed over by RO.
func (c *Controller) RunReadWrite(ctx context.Context, recBuf []byte, gbbBuf []byte) Outcome {
	if err := ctx.Err(); err != nil {
		return c.fail(err)
	}

	rec, err := crossystem.FromBytes(recBuf)
	if err == nil {
		err = rec.CheckIntegrity()
	}
	if err != nil {
		return c.fail(fmt.Errorf("invalid trust-state record: %w", err))
	}

	g, err := gbb.Parse(gbbBuf)
	if err == nil {
		err = g.CheckIntegrity()
	}
	if err != nil {
		return c.fail(fmt.Errorf("invalid GBB: %w", err))
	}

	if nv := rec.NVContext(); nv.Storage == crossystem.NVUnset {
		nv.Storage = crossystem.NVLegacyDefault
		rec.SetNVContext(nv)
	}

	if err = c.Board.ReinitSecureTransport(); err != nil {
		return c.fail(fmt.Errorf("could not reinitialize secure transport: %v", err))
	}

	if r, ok := c.Verifier.(Resumer); ok {
		if err = r.Resume(rec.VerifierData()); err != nil {
			return c.fail(fmt.Errorf("could not resume verifier: %w", err))
		}
	}

	klog.Infof("vboot: RW firmware %q, hwid %q", rec.FirmwareID(), g.HWID)

	return c.mainFirmware(ctx, rec)
}
