package job

import (
	"context"
	"log"
	"time"

	"go.opentelemetry.io/otel/trace"
)

type AnalogResolver interface {
	Resolve(ctx context.Context, limit int) (int, error)
}

// AnalogMaturationJob periodically fills realized forward returns for signal
// analogs whose horizon has elapsed.
type AnalogMaturationJob struct {
	tracer       trace.Tracer
	service      AnalogResolver
	pollInterval time.Duration
	batchSize    int
}

func NewAnalogMaturationJob(tracer trace.Tracer, service AnalogResolver, pollInterval time.Duration, batchSize int) *AnalogMaturationJob {
	if pollInterval <= 0 {
		pollInterval = 30 * time.Minute
	}
	if batchSize <= 0 {
		batchSize = 200
	}
	return &AnalogMaturationJob{tracer: tracer, service: service, pollInterval: pollInterval, batchSize: batchSize}
}

func (j *AnalogMaturationJob) Start(ctx context.Context) {
	if j.service == nil {
		log.Println("analog maturation job disabled: no service")
		<-ctx.Done()
		return
	}
	j.runOnce(ctx)
	ticker := time.NewTicker(j.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			j.runOnce(ctx)
		}
	}
}

func (j *AnalogMaturationJob) runOnce(ctx context.Context) {
	ctx, span := j.tracer.Start(ctx, "analog-maturation-job.run-once")
	defer span.End()

	resolved, err := j.service.Resolve(ctx, j.batchSize)
	if err != nil {
		log.Printf("analog maturation error: %v", err)
		return
	}
	if resolved > 0 {
		log.Printf("analog maturation filled %d forward returns", resolved)
	}
}
