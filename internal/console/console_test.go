// The test is skipped when stdin is not a terminal (ErrNoTTY). Notably, this includes when run
// with "go test" because it redirects tests' standard input/output streams. You can test it by
// building a test binary and running it directly:
//
//	$ go test -c && ./console.test
package console_test

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/nkern42/rv32emu/internal/console"
)

const timeout = 100 * time.Millisecond

func TestConsole(t *testing.T) {
	cons, err := console.New(os.Stdin, os.Stdout, os.Stderr)
	if errors.Is(err, console.ErrNoTTY) {
		t.Skipf("error: %s", err)
	}

	if err != nil {
		t.Fatalf("New: %s", err)
	}

	defer cons.Restore()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	go cons.Start(ctx)

	if _, ok := cons.TryRead(); ok {
		t.Errorf("TryRead: expected no buffered byte before any input")
	}

	<-ctx.Done()
}
