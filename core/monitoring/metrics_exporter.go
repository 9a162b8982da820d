package monitoring

import (
	"context"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"

	"finetune-core/core/models"
	"finetune-core/core/repository"
)

const collectTimeout = 5 * time.Second

// MetricsExporter reports job counts by status and the number of unsettled
// jobs, read from the store at scrape time.
type MetricsExporter struct {
	store     repository.Store
	jobs      *prom.Desc
	unsettled *prom.Desc
	log       *log.Entry
}

// NewMetricsExporter creates a collector for the jobs in store
func NewMetricsExporter(store repository.Store) *MetricsExporter {
	return &MetricsExporter{
		store: store,
		jobs: prom.NewDesc("finetune_jobs", "fine-tuning jobs by status",
			[]string{"status"}, nil),
		unsettled: prom.NewDesc("finetune_jobs_unsettled", "terminal jobs whose settlement is pending or failed",
			nil, nil),
		log: log.WithField("component", "metrics-exporter"),
	}
}

// Describe implements prometheus.Collector.
func (me *MetricsExporter) Describe(ch chan<- *prom.Desc) {
	ch <- me.jobs
	ch <- me.unsettled
}

// Collect implements prometheus.Collector.
func (me *MetricsExporter) Collect(ch chan<- prom.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), collectTimeout)
	defer cancel()

	var stats *repository.JobStats
	err := me.store.WithTx(ctx, func(tx repository.Tx) error {
		var err error
		stats, err = tx.JobStats(ctx)
		return err
	})
	if err != nil {
		me.log.WithError(err).Warn("failed to collect job stats")
		return
	}

	for status := range models.JobTransitions {
		ch <- prom.MustNewConstMetric(me.jobs, prom.GaugeValue, float64(stats.ByStatus[status]), string(status))
	}
	ch <- prom.MustNewConstMetric(me.unsettled, prom.GaugeValue, float64(stats.Unsettled))
}
