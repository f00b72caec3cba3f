package pricereporter

import (
	"io"
	"os"

	"github.com/rs/zerolog"
)

func init() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
}

// zerologConsoleWriter returns the sink for the per-connection hot path
// loggers. Plain JSON to stdout: the per-frame logging here runs far more
// often than the gateway's request logging, so we skip logrus's reflection-
// heavy formatter and write zerolog's pre-allocated JSON encoder directly.
func zerologConsoleWriter() io.Writer {
	return os.Stdout
}
