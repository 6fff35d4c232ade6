// rv32emu is the command-line interface to a 32-bit RISC-V (RV32IMA) machine emulator.
package main

import (
	"context"
	"os"

	"github.com/nkern42/rv32emu/internal/cli"
	"github.com/nkern42/rv32emu/internal/cli/cmd"
)

var commands = []cli.Command{
	cmd.Boot(),
	cmd.Resume(),
}

// Entry point.
func main() {
	result :=
		cli.New(context.Background()).
			WithLogger(os.Stderr).
			WithCommands(commands).
			WithHelp(cmd.Help(commands)).
			Execute(os.Args[1:])

	os.Exit(result)
}
