package testutils

import (
	"bytes"
	"sync"

	"github.com/sirupsen/logrus"
)

// QuietLogger returns a logger that discards everything below panic.
func QuietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

// LogCapture collects log output so tests can assert on messages.
type LogCapture struct {
	Logger *logrus.Logger

	mu  sync.Mutex
	buf bytes.Buffer
}

func NewLogCapture(level logrus.Level) *LogCapture {
	c := &LogCapture{Logger: logrus.New()}
	c.Logger.SetLevel(level)
	c.Logger.SetOutput(c)
	c.Logger.SetFormatter(&logrus.TextFormatter{DisableTimestamp: true, DisableColors: true})
	return c
}

func (c *LogCapture) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buf.Write(p)
}

func (c *LogCapture) String() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buf.String()
}

// SyncBuffer is a bytes.Buffer safe for use as command output while
// background goroutines are still writing.
type SyncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *SyncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *SyncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
