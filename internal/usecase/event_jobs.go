package usecase

import (
	"context"

	applogger "MarketAgg/pkg/logger"
	"MarketAgg/pkg/queue"
)

// DisagreementEvent mirrors the payload the coordinator publishes when
// sources split beyond tolerance.
type DisagreementEvent struct {
	Symbol string             `json:"symbol"`
	Winner string             `json:"winner"`
	Prices map[string]float64 `json:"prices"`
}

// BatchDroppedEvent mirrors the payload the writer publishes when a
// live batch exhausts its retries.
type BatchDroppedEvent struct {
	Rows  int    `json:"rows"`
	Error string `json:"error"`
}

// EventJobs returns the consumer-side handlers for the observability
// queue: every event type the coordinator, writer, and log collector
// publish has a job here.
func EventJobs(log *applogger.Logger) []queue.Job {
	return []queue.Job{
		&disagreementJob{log: log},
		&batchDroppedJob{log: log},
		&logBatchJob{log: log},
	}
}

type disagreementJob struct {
	log *applogger.Logger
}

func (j *disagreementJob) Name() string { return "source-disagreement" }
func (j *disagreementJob) Type() string { return "source.disagreement" }

func (j *disagreementJob) Handle(_ context.Context, payload interface{}) error {
	ev, err := queue.ParsePayload[DisagreementEvent](payload)
	if err != nil {
		return err
	}
	j.log.Warn("source disagreement event",
		applogger.String("symbol", ev.Symbol),
		applogger.String("winner", ev.Winner),
		applogger.Int("sources", len(ev.Prices)),
	)
	return nil
}

type batchDroppedJob struct {
	log *applogger.Logger
}

func (j *batchDroppedJob) Name() string { return "writer-batch-dropped" }
func (j *batchDroppedJob) Type() string { return "writer.batch_dropped" }

func (j *batchDroppedJob) Handle(_ context.Context, payload interface{}) error {
	ev, err := queue.ParsePayload[BatchDroppedEvent](payload)
	if err != nil {
		return err
	}
	j.log.Warn("writer dropped a live batch",
		applogger.Int("rows", ev.Rows),
		applogger.String("cause", ev.Error),
	)
	return nil
}

type logBatchJob struct {
	log *applogger.Logger
}

func (j *logBatchJob) Name() string { return "error-log-batch" }
func (j *logBatchJob) Type() string { return "log.error_batch" }

func (j *logBatchJob) Handle(_ context.Context, payload interface{}) error {
	entries, err := queue.ParsePayload[[]applogger.AggregatedLogEntry](payload)
	if err != nil {
		return err
	}
	total := 0
	for _, e := range *entries {
		total += e.Count
	}
	j.log.Info("aggregated error batch received",
		applogger.Int("unique", len(*entries)),
		applogger.Int("occurrences", total),
	)
	return nil
}
