// Package report periodically drains user traffic counters from the counter
// store into Prometheus counters and the log.
package report

import (
	"context"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"usersupport/internal/logging"
	"usersupport/internal/metrics"
	"usersupport/internal/user"
)

// Source lists the users whose counters are drained.
type Source interface {
	Users() []*user.User
}

type Reporter struct {
	source   Source
	metrics  *metrics.Metrics
	logger   logrus.FieldLogger
	interval time.Duration
}

func New(source Source, m *metrics.Metrics, logger logrus.FieldLogger, interval time.Duration) *Reporter {
	return &Reporter{
		source:   source,
		metrics:  m,
		logger:   logger.WithField(logging.KeyComponent, "report"),
		interval: interval,
	}
}

// Run flushes every interval until ctx is done, then flushes once more so
// traffic counted just before shutdown is not left behind.
func (r *Reporter) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.Flush(context.WithoutCancel(ctx))
			return
		case <-ticker.C:
			r.Flush(ctx)
		}
	}
}

// Flush pops both counters of every user once.
func (r *Reporter) Flush(ctx context.Context) {
	for _, u := range r.source.Users() {
		up, err := u.PopUploadStat(ctx)
		up = r.checked(u, "upload", up, err)
		down, err := u.PopDownloadStat(ctx)
		down = r.checked(u, "download", down, err)

		if up == 0 && down == 0 {
			continue
		}
		id := strconv.FormatInt(u.ID(), 10)
		if r.metrics != nil {
			r.metrics.UploadBytes.WithLabelValues(id).Add(float64(up))
			r.metrics.DownloadBytes.WithLabelValues(id).Add(float64(down))
		}
		r.logger.WithFields(logrus.Fields{
			logging.KeyUserID: u.ID(),
			"upload":          up,
			"download":        down,
		}).Info("user traffic")
	}
}

// checked returns value, or zero after recording err. A failed pop has
// still deleted the counter, so that traffic is lost.
func (r *Reporter) checked(u *user.User, direction string, value int64, err error) int64 {
	if err == nil {
		return value
	}
	if r.metrics != nil {
		r.metrics.ReportErrors.Inc()
	}
	r.logger.WithFields(logrus.Fields{
		logging.KeyUserID: u.ID(),
		"direction":       direction,
	}).WithError(err).Warn("failed to pop traffic counter")
	return 0
}
