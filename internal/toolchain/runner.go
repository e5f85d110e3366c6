package toolchain

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os/exec"
	"path/filepath"
	"time"
)

// Runner invokes the firmware toolchain as a child process. The engine never
// links toolchain code; every compile is an isolated subprocess whose whole
// lifetime is bounded by the caller's context.
type Runner struct {
	command string
}

// NewRunner returns a runner for the given toolchain executable.
func NewRunner(command string) Runner {
	if command == "" {
		command = "pio"
	}
	return Runner{command: command}
}

// Run compiles the environment in dir, streaming each line of combined
// stdout and stderr to onLine as it arrives. When ctx is cancelled or its
// deadline passes, the child process is killed and Run returns the context
// error. A non-zero exit surfaces as *exec.ExitError.
func (r Runner) Run(ctx context.Context, dir, envName string, onLine func(string)) error {
	cmd := exec.CommandContext(ctx, r.command, "run", "-e", envName)
	cmd.Dir = dir

	pr, pw := io.Pipe()
	cmd.Stdout = pw
	cmd.Stderr = pw
	cmd.WaitDelay = 5 * time.Second

	if err := cmd.Start(); err != nil {
		pw.Close()
		pr.Close()
		return err
	}

	waitCh := make(chan error, 1)
	go func() {
		err := cmd.Wait()
		pw.Close()
		waitCh <- err
	}()

	scanner := bufio.NewScanner(pr)
	scanner.Buffer(make([]byte, 0, 64*1024), 256*1024)
	for scanner.Scan() {
		onLine(scanner.Text())
	}
	scanErr := scanner.Err()
	pr.Close()

	err := <-waitCh
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	// A scanner failure (a line over the buffer cap, usually) aborts the
	// read loop and closing the pipe makes Wait report an unrelated copy
	// error, so the scanner error is the one worth surfacing.
	if scanErr != nil {
		return fmt.Errorf("read toolchain output: %w", scanErr)
	}
	return err
}

// FirmwarePath returns where the toolchain leaves the compiled image for an
// environment.
func FirmwarePath(dir, envName string) string {
	return filepath.Join(dir, ".pio", "build", envName, "firmware.bin")
}
