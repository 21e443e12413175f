package job

import (
	"context"
	"log"
	"time"

	"crystal-ball/internal/training"

	"go.opentelemetry.io/otel/trace"
)

type Trainer interface {
	TrainAll(ctx context.Context, now time.Time) ([]training.TrainResult, error)
}

// RetrainJob retrains every predictor once a day at a fixed UTC hour. Runs
// are serialized by the job loop itself; the per-predictor train mutex guards
// against manual triggers racing a scheduled run.
type RetrainJob struct {
	tracer    trace.Tracer
	service   Trainer
	trainHour int
}

func NewRetrainJob(tracer trace.Tracer, service Trainer, trainHourUTC int) *RetrainJob {
	if trainHourUTC < 0 || trainHourUTC > 23 {
		trainHourUTC = 0
	}
	return &RetrainJob{tracer: tracer, service: service, trainHour: trainHourUTC}
}

func (j *RetrainJob) Start(ctx context.Context) {
	if j.service == nil {
		log.Println("retrain job disabled: no service")
		<-ctx.Done()
		return
	}
	for {
		next := nextRunUTC(time.Now().UTC(), j.trainHour)
		wait := time.Until(next)
		if wait < time.Second {
			wait = time.Second
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			j.runOnce(ctx)
		}
	}
}

func (j *RetrainJob) runOnce(ctx context.Context) {
	ctx, span := j.tracer.Start(ctx, "retrain-job.run-once")
	defer span.End()

	results, err := j.service.TrainAll(ctx, time.Now().UTC())
	if err != nil {
		log.Printf("retrain error: %v", err)
		return
	}
	for _, r := range results {
		if r.Err != nil {
			log.Printf("retrain predictor=%s failed: %v", r.Predictor, r.Err)
			continue
		}
		log.Printf("retrain predictor=%s version=%d samples=%d val_error=%.6f promoted=%v",
			r.Predictor, r.Version, r.Samples, r.ValError, r.Promoted)
	}
}

func nextRunUTC(now time.Time, hour int) time.Time {
	run := time.Date(now.Year(), now.Month(), now.Day(), hour, 0, 0, 0, time.UTC)
	if !run.After(now) {
		run = run.Add(24 * time.Hour)
	}
	return run
}
