package logging

import (
	"io"
	"log"
	"os"
	"time"
)

func New() *log.Logger {
	return log.New(os.Stdout, "perftest ", log.LstdFlags|log.LUTC)
}

// OrDiscard returns logger, or a logger that drops everything when nil.
func OrDiscard(logger *log.Logger) *log.Logger {
	if logger == nil {
		return log.New(io.Discard, "", 0)
	}
	return logger
}

// Timed logs how long a phase took when the returned func is called.
func Timed(logger *log.Logger, phase string) func() {
	start := time.Now()
	return func() {
		if logger != nil {
			logger.Printf("%s took %s", phase, time.Since(start).Round(100*time.Millisecond))
		}
	}
}
