package worker

import (
	"io"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"

	"github.com/ormasoftchile/tankapi/pkg/protocol"
)

// ReadQueue decodes breakpoint messages from the worker's dedicated queue
// until EOF, then closes the returned channel. Lines that are not breakpoint
// messages are logged and dropped.
func ReadQueue(r io.Reader, logger log.FieldLogger) <-chan protocol.Breakpoint {
	ch := make(chan protocol.Breakpoint, 16)
	go func() {
		defer close(ch)
		lr := protocol.NewLineReader(r)
		for {
			line, err := lr.Next()
			if err != nil {
				if err != io.EOF {
					logger.WithError(err).Error("Reading command queue failed")
				}
				return
			}
			bp, err := protocol.DecodeBreakpoint(line)
			if err != nil {
				logger.WithError(err).Error("No break specified in the message from manager")
				continue
			}
			ch <- bp
		}
	}()
	return ch
}

// NotifyInterrupts routes SIGINT and SIGTERM to the returned channel instead
// of terminating the process. Call stop to restore default handling.
func NotifyInterrupts() (<-chan os.Signal, func()) {
	ch := make(chan os.Signal, 4)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	return ch, func() { signal.Stop(ch) }
}

// discardsBreakpoint reports whether sig asks the worker to drop its
// breakpoint and run the remaining cleanup without waiting.
func discardsBreakpoint(sig os.Signal) bool {
	return sig == syscall.SIGTERM
}
