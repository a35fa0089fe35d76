// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// The vbtool command inspects and patches verified boot firmware images
// offline.
//
// Usage:
//
//	vbtool [flags] <command> [subcommand]
//
// The commands are:
//
//	fmap           print the flash layout described by -layout
//	gbb            print the binary block of -image
//	gbb create     build a binary block into -out
//	record         decode and validate the trust-state record in -record
//	vblock         print the signature block in -in
//	vblock header  write the header to be signed for the image in -in
//	vblock create  assemble a signature block from -header and -sig
//	write          write -in into the -region area of -image
//	layout         store the signed -layout into the eMMC image -image
//	kernel         store the -vblock and kernel -in into the eMMC image -image
package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"

	"k8s.io/klog/v2"
)

type Config struct {
	image  string
	layout string
	record string
	in     string
	out    string
	header string
	sig    string
	vblock string

	region string
	offset int64
	length int64

	format string
	yes    bool

	hwid        string
	flags       uint
	size        uint
	rootKey     string
	recoveryKey string
	bmpfv       string
	version     string
}

var conf *Config

// output receives printed structures.
var output io.Writer = os.Stdout

func init() {
	conf = &Config{}

	flag.StringVar(&conf.image, "image", "", "firmware or eMMC image file")
	flag.StringVar(&conf.layout, "layout", "", "flash layout device tree blob")
	flag.StringVar(&conf.record, "record", "", "trust-state record file")
	flag.StringVar(&conf.in, "in", "", "input file")
	flag.StringVar(&conf.out, "out", "", "output file")
	flag.StringVar(&conf.header, "header", "", "signature block header file")
	flag.StringVar(&conf.sig, "sig", "", "detached signature file")
	flag.StringVar(&conf.vblock, "vblock", "", "kernel signature block file")
	flag.StringVar(&conf.region, "region", "", "flash layout area name (e.g. rw-a-boot)")
	flag.Int64Var(&conf.offset, "offset", 0, "eMMC image offset in bytes")
	flag.Int64Var(&conf.length, "length", 0, "eMMC kernel partition length in bytes")
	flag.StringVar(&conf.format, "format", "text", "output format (text, yaml)")
	flag.BoolVar(&conf.yes, "y", false, "do not ask for confirmation")
	flag.StringVar(&conf.hwid, "hwid", "", "hardware identifier")
	flag.UintVar(&conf.flags, "flags", 0, "binary block flags")
	flag.UintVar(&conf.size, "size", 0x1000, "binary block size")
	flag.StringVar(&conf.rootKey, "root-key", "", "root key file")
	flag.StringVar(&conf.recoveryKey, "recovery-key", "", "recovery key file")
	flag.StringVar(&conf.bmpfv, "bmpfv", "", "bitmap volume file")
	flag.StringVar(&conf.version, "version", "", "semantic version of the signed image")
}

func confirm(msg string) bool {
	if conf.yes {
		return true
	}

	var res string

	fmt.Printf("%s (y/n): ", msg)
	fmt.Scanln(&res)

	return res == "y"
}

func required(flags map[string]string) error {
	for name, v := range flags {
		if len(v) == 0 {
			return fmt.Errorf("missing -%s flag", name)
		}
	}
	return nil
}

var commands = map[string]func() error{
	"fmap":          fmapCmd,
	"gbb":           gbbCmd,
	"gbb create":    gbbCreateCmd,
	"record":        recordCmd,
	"vblock":        vblockCmd,
	"vblock header": vblockHeaderCmd,
	"vblock create": vblockCreateCmd,
	"write":         writeCmd,
	"layout":        layoutCmd,
	"kernel":        kernelCmd,
}

func main() {
	klog.InitFlags(nil)
	flag.Parse()

	var err error

	args := flag.Args()
	name := ""

	switch len(args) {
	case 1:
		name = args[0]
	case 2:
		name = args[0] + " " + args[1]
	}

	cmd, ok := commands[name]
	if !ok {
		err = errors.New("invalid command")
		flag.PrintDefaults()
	} else {
		err = cmd()
	}

	if err != nil {
		klog.Exitf("%s: %v", name, err)
	}
}
