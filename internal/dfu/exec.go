package dfu

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/bledfu/internal/groutine"
)

// Placeholders substituted in ExecTransferService command arguments.
const (
	PlaceholderPackage = "{package}"
	PlaceholderAddress = "{address}"
	PlaceholderName    = "{name}"
)

const stderrTailLines = 8

// ExecTransferService runs an external DFU tool, for example
//
//	nrfutil dfu ble -pkg {package} -ic NRF52 -n {name}
//
// Progress lines on stdout become Progress reports, any other non-empty line
// becomes a state report. Exit status 0 completes the transfer.
type ExecTransferService struct {
	command []string
	logger  *logrus.Logger
}

func NewExecTransferService(command []string, logger *logrus.Logger) (*ExecTransferService, error) {
	if len(command) == 0 || strings.TrimSpace(command[0]) == "" {
		return nil, errors.New("transfer command is empty")
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &ExecTransferService{command: command, logger: logger}, nil
}

// Args returns the command line for req.
func (s *ExecTransferService) Args(req TransferRequest) []string {
	name := req.Peripheral.Name
	if name == "" {
		name = req.Peripheral.ID
	}
	r := strings.NewReplacer(
		PlaceholderPackage, req.FirmwarePath,
		PlaceholderAddress, req.Peripheral.ID,
		PlaceholderName, name,
	)
	args := make([]string, len(s.command))
	for i, a := range s.command {
		args[i] = r.Replace(a)
	}
	return args
}

// Start launches the tool. The process outlives ctx's cancellation; use the
// returned controller to stop it.
func (s *ExecTransferService) Start(ctx context.Context, req TransferRequest, listener TransferListener) (TransferController, error) {
	args := s.Args(req)
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	cmd := exec.CommandContext(runCtx, args[0], args[1:]...)
	cmd.WaitDelay = 2 * time.Second
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("start %s: %w", args[0], err)
	}

	s.logger.WithFields(logrus.Fields{
		"command": strings.Join(args, " "),
		"pid":     cmd.Process.Pid,
	}).Info("Transfer tool started")

	ctrl := &execController{cancel: cancel, done: make(chan struct{})}
	groutine.Go(ctx, "dfu-exec", func(ctx context.Context) {
		defer close(ctrl.done)
		defer cancel()

		tail := &lineTail{max: stderrTailLines}
		stderrDone := groutine.GoDone(ctx, "dfu-exec-stderr", func(context.Context) {
			tail.consume(stderr)
		})

		scanner := bufio.NewScanner(stdout)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" {
				continue
			}
			if p, ok := ParseProgress(line); ok {
				listener.OnProgress(p)
				continue
			}
			listener.OnStateChanged(line)
		}
		<-stderrDone
		err := cmd.Wait()

		switch {
		case ctrl.aborted.Load():
			listener.OnError(Aborted, "DFU aborted")
		case err != nil:
			msg := err.Error()
			if t := tail.String(); t != "" {
				msg = fmt.Sprintf("%s: %s", msg, t)
			}
			listener.OnError(DeviceError, msg)
		default:
			listener.OnCompleted()
		}
		s.logger.WithField("error", err).Debug("Transfer tool exited")
	})
	return ctrl, nil
}

type execController struct {
	cancel  context.CancelFunc
	aborted atomic.Bool
	done    chan struct{}
}

// Abort kills the tool. Aborting a finished transfer returns ErrNoActiveTransfer.
func (c *execController) Abort() error {
	select {
	case <-c.done:
		return ErrNoActiveTransfer
	default:
	}
	c.aborted.Store(true)
	c.cancel()
	return nil
}

// lineTail keeps the last max lines read from a stream.
type lineTail struct {
	mu    sync.Mutex
	max   int
	lines []string
}

func (t *lineTail) consume(r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		t.mu.Lock()
		t.lines = append(t.lines, line)
		if len(t.lines) > t.max {
			t.lines = t.lines[len(t.lines)-t.max:]
		}
		t.mu.Unlock()
	}
}

func (t *lineTail) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return strings.Join(t.lines, "; ")
}
