package cmd

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/nkern42/rv32emu/internal/checkpoint"
	"github.com/nkern42/rv32emu/internal/cli"
	"github.com/nkern42/rv32emu/internal/console"
	"github.com/nkern42/rv32emu/internal/log"
	"github.com/nkern42/rv32emu/internal/machine"
	"github.com/nkern42/rv32emu/internal/vm"
)

const defaultRAMSize = 128 << 20 // 128 MiB.

// Boot is the command that loads a kernel image (and optional device tree) and runs it to
// completion or cancellation.
func Boot() cli.Command {
	b := &boot{ramSize: defaultRAMSize, entry: 0}
	return b
}

type boot struct {
	debug      bool
	quiet      bool
	ramSize    uint
	entry      uint
	dtbPath    string
	dtbAddr    uint
	initrdPath string
	initrdAddr uint
	blkPath    string
	dumpRAM    string
	checkpoint string
}

func (boot) Description() string { return "boot a kernel image" }

func (boot) Usage(out io.Writer) error {
	_, err := fmt.Fprintln(out, `boot [options] kernel.bin

Boot a raw RV32IMA supervisor-mode kernel image.`)

	return err
}

func (b *boot) FlagSet() *cli.FlagSet {
	fs := flag.NewFlagSet("boot", flag.ExitOnError)

	fs.BoolVar(&b.debug, "debug", false, "enable debug logging")
	fs.BoolVar(&b.quiet, "quiet", false, "suppress info logging")
	fs.UintVar(&b.ramSize, "ram", defaultRAMSize, "RAM size in bytes")
	fs.UintVar(&b.entry, "entry", 0, "kernel load address and entry point")
	fs.StringVar(&b.dtbPath, "dtb", "", "path to a device-tree blob")
	fs.UintVar(&b.dtbAddr, "dtb-addr", 0, "device-tree blob load address")
	fs.StringVar(&b.initrdPath, "initrd", "", "path to an initial RAM disk image")
	fs.UintVar(&b.initrdAddr, "initrd-addr", 0, "initial RAM disk load address")
	fs.StringVar(&b.blkPath, "blk", "", "path to a file backing virtio-blk")
	fs.StringVar(&b.dumpRAM, "dump-ram", "", "on exit, write RAM contents to `path`")
	fs.StringVar(&b.checkpoint, "checkpoint", "", "on exit, write a checkpoint to `path`")

	return fs
}

func (b *boot) Run(ctx context.Context, args []string, out io.Writer, logger *log.Logger) int {
	if b.quiet {
		log.LogLevel.Set(log.Error)
	}

	if b.debug {
		log.LogLevel.Set(log.Debug)
	}

	if len(args) == 0 {
		logger.Error("boot: missing kernel image argument")
		return 2
	}

	kernel, err := os.ReadFile(args[0])
	if err != nil {
		logger.Error("boot: reading kernel", "err", err)
		return 2
	}

	var dtb []byte
	if b.dtbPath != "" {
		dtb, err = os.ReadFile(b.dtbPath)
		if err != nil {
			logger.Error("boot: reading dtb", "err", err)
			return 2
		}
	}

	var initrd []byte
	if b.initrdPath != "" {
		initrd, err = os.ReadFile(b.initrdPath)
		if err != nil {
			logger.Error("boot: reading initrd", "err", err)
			return 2
		}
	}

	opts := []machine.Option{machine.WithLogger(logger)}

	var cons *console.Console
	if c, err := console.New(os.Stdin, os.Stdout, os.Stderr); err == nil {
		cons = c
		defer cons.Restore()

		go cons.Start(ctx)

		opts = append(opts, machine.WithUART(cons, cons.Writer()))
	} else if !errors.Is(err, console.ErrNoTTY) {
		logger.Error("boot: console", "err", err)
		return 2
	} else {
		opts = append(opts, machine.WithUART(nil, out))
	}

	var backing *os.File
	if b.blkPath != "" {
		backing, err = os.OpenFile(b.blkPath, os.O_RDWR, 0o644)
		if err != nil {
			logger.Error("boot: opening blk backing store", "err", err)
			return 2
		}

		defer backing.Close()

		opts = append(opts, machine.WithBlk(backing))
	}

	m := machine.New(vm.Word(b.ramSize), opts...)

	if err := m.Boot(kernel, vm.Word(b.entry), dtb, vm.Word(b.dtbAddr), initrd, vm.Word(b.initrdAddr)); err != nil {
		logger.Error("boot: loading image", "err", err)
		return 2
	}

	logger.Info("booting", "entry", b.entry, "ram", b.ramSize)
	logMachineState(logger, m)

	runErr := m.Run(ctx)
	logMachineState(logger, m)

	if b.dumpRAM != "" {
		if err := os.WriteFile(b.dumpRAM, m.Bus.RAM().Bytes(), 0o644); err != nil {
			logger.Error("boot: dumping ram", "err", err)
		}
	}

	if b.checkpoint != "" {
		if err := writeCheckpoint(b.checkpoint, m); err != nil {
			logger.Error("boot: writing checkpoint", "err", err)
		}
	}

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		logger.Error("boot: run", "err", runErr)
		return 1
	}

	cause := m.ShutdownCause()
	logger.Info("shutdown", "type", cause.Type, "reason", cause.Reason, "insns", m.InstructionCount())

	if cause.Type == 0 && cause.Reason != 0 {
		return 1
	}

	return 0
}

// logMachineState traces a snapshot of hart and device state at Debug level, in place of an
// unconditional stdout dump (PC, instruction count, UART ready/byte, PLIC bitmaps).
func logMachineState(logger *log.Logger, m *machine.Machine) {
	uartState := m.UART.Snapshot()
	plicState := m.PLIC.Snapshot()

	logger.Debug("machine state",
		"pc", m.Hart.PC,
		"insns", m.InstructionCount(),
		"uart_ready", uartState.Ready,
		"uart_rxbyte", uartState.RXByte,
		"plic_pending", plicState.Pending,
		"plic_enable", plicState.Enable,
		"plic_masked", plicState.Masked,
	)
}

func writeCheckpoint(path string, m *machine.Machine) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	return checkpoint.Save(f, m.Checkpoint())
}
