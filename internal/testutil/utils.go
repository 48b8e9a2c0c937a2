package testutil

import (
	"log"
	"os"
	"testing"
)

// TestLogger returns a prefixed logger so interleaved pipeline output in
// test runs is attributable.
func TestLogger(t *testing.T) *log.Logger {
	logger := log.New(os.Stdout, "[chatflow-test] ", log.LstdFlags|log.Lmsgprefix)
	t.Cleanup(func() {
		logger.SetOutput(os.Stderr)
	})
	return logger
}
