package server

import (
	"errors"

	"github.com/kstaniek/gsusb-obd/internal/metrics"
)

// Sentinel errors used for wrapping so callers can classify via errors.Is.
var (
	ErrListen    = errors.New("listen")
	ErrUpgrade   = errors.New("ws_upgrade")
	ErrConnWrite = errors.New("conn_write")
	ErrEncode    = errors.New("encode")
	ErrContext   = errors.New("context_cancelled")
)

// mapErrToMetric maps wrapped sentinel errors to metrics labels.
func mapErrToMetric(err error) string {
	switch {
	case errors.Is(err, ErrConnWrite), errors.Is(err, ErrEncode):
		return metrics.ErrFeedWrite
	case errors.Is(err, ErrUpgrade):
		return metrics.ErrFeedUpgrade
	case errors.Is(err, ErrListen):
		return metrics.ErrFeedListen
	case errors.Is(err, ErrContext):
		return "context"
	default:
		return "other"
	}
}
