package must

import (
	"io"

	"github.com/portmux/chmux/pkg/logging"
)

// Close closes c, logging (rather than returning) any error. It is used for
// cleanup paths where the caller already has a more specific error to
// report and a failed Close would otherwise be silently dropped.
func Close(c io.Closer, logger *logging.Logger) {
	if err := c.Close(); err != nil {
		logger.Warnf("Unable to close: %s", err.Error())
	}
}

// IOCopy copies from src to dst, logging any error, for best-effort relay
// loops where the caller has nowhere better to report a mid-stream failure.
func IOCopy(dst io.Writer, src io.Reader, logger *logging.Logger) {
	if _, err := io.Copy(dst, src); err != nil {
		logger.Warnf("Unable to copy from source to destination: %s", err.Error())
	}
}
