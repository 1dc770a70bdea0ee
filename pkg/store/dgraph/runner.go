package dgraph

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"

	"github.com/OFFIS-RIT/graphport/pkg/logger"
)

// Runner starts the dgraph binary. Tests replace it.
type Runner interface {
	Run(ctx context.Context, bin string, args ...string) error
}

// ExecRunner runs the binary as a child process and streams its output into
// the debug log.
type ExecRunner struct{}

// tailLines is how much of stderr is kept for error messages.
const tailLines = 20

func (ExecRunner) Run(ctx context.Context, bin string, args ...string) error {
	cmd := exec.CommandContext(ctx, bin, args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return err
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start %s: %w", bin, err)
	}

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		tail []string
	)
	pump := func(r io.Reader, keep bool) {
		defer wg.Done()
		sc := bufio.NewScanner(r)
		for sc.Scan() {
			line := sc.Text()
			logger.Debug("[Store][Dgraph] "+args[0], "out", line)
			if keep {
				mu.Lock()
				tail = append(tail, line)
				if len(tail) > tailLines {
					tail = tail[1:]
				}
				mu.Unlock()
			}
		}
	}
	wg.Add(2)
	go pump(stdout, false)
	go pump(stderr, true)
	wg.Wait()

	if err := cmd.Wait(); err != nil {
		return fmt.Errorf("%s %s: %w: %s", bin, args[0], err, strings.Join(tail, "\n"))
	}
	return nil
}
