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

// Resume is the command that restores a machine from a checkpoint file and continues running it.
func Resume() cli.Command {
	return &resume{}
}

type resume struct {
	debug   bool
	ramSize uint
	blkPath string
	dumpRAM string
}

func (resume) Description() string { return "resume a machine from a checkpoint" }

func (resume) Usage(out io.Writer) error {
	_, err := fmt.Fprintln(out, `resume [options] checkpoint.img

Restore a previously saved checkpoint and continue running it.`)

	return err
}

func (r *resume) FlagSet() *cli.FlagSet {
	fs := flag.NewFlagSet("resume", flag.ExitOnError)

	fs.BoolVar(&r.debug, "debug", false, "enable debug logging")
	fs.UintVar(&r.ramSize, "ram", defaultRAMSize, "RAM size in bytes; must match the checkpoint")
	fs.StringVar(&r.blkPath, "blk", "", "path to a file backing virtio-blk")
	fs.StringVar(&r.dumpRAM, "dump-ram", "", "on exit, write RAM contents to `path`")

	return fs
}

func (r *resume) Run(ctx context.Context, args []string, out io.Writer, logger *log.Logger) int {
	if r.debug {
		log.LogLevel.Set(log.Debug)
	}

	if len(args) == 0 {
		logger.Error("resume: missing checkpoint argument")
		return 2
	}

	f, err := os.Open(args[0])
	if err != nil {
		logger.Error("resume: opening checkpoint", "err", err)
		return 2
	}
	defer f.Close()

	snap, err := checkpoint.Load(f)
	if err != nil {
		logger.Error("resume: loading checkpoint", "err", err)
		return 2
	}

	opts := []machine.Option{machine.WithLogger(logger)}

	var cons *console.Console
	if c, err := console.New(os.Stdin, os.Stdout, os.Stderr); err == nil {
		cons = c
		defer cons.Restore()

		go cons.Start(ctx)

		opts = append(opts, machine.WithUART(cons, cons.Writer()))
	} else if !errors.Is(err, console.ErrNoTTY) {
		logger.Error("resume: console", "err", err)
		return 2
	} else {
		opts = append(opts, machine.WithUART(nil, out))
	}

	var backing *os.File
	if r.blkPath != "" {
		backing, err = os.OpenFile(r.blkPath, os.O_RDWR, 0o644)
		if err != nil {
			logger.Error("resume: opening blk backing store", "err", err)
			return 2
		}

		defer backing.Close()

		opts = append(opts, machine.WithBlk(backing))
	}

	m := machine.New(vm.Word(r.ramSize), opts...)

	if err := m.Restore(snap); err != nil {
		logger.Error("resume: restoring state", "err", err)
		return 2
	}

	logger.Info("resuming")
	logMachineState(logger, m)

	runErr := m.Run(ctx)
	logMachineState(logger, m)

	if r.dumpRAM != "" {
		if err := os.WriteFile(r.dumpRAM, m.Bus.RAM().Bytes(), 0o644); err != nil {
			logger.Error("resume: dumping ram", "err", err)
		}
	}

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		logger.Error("resume: run", "err", runErr)
		return 1
	}

	cause := m.ShutdownCause()
	logger.Info("shutdown", "type", cause.Type, "reason", cause.Reason, "insns", m.InstructionCount())

	if cause.Type == 0 && cause.Reason != 0 {
		return 1
	}

	return 0
}
