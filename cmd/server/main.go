package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"crystal-ball/internal/analogs"
	"crystal-ball/internal/anomaly"
	"crystal-ball/internal/cache"
	"crystal-ball/internal/config"
	"crystal-ball/internal/db"
	"crystal-ball/internal/domain"
	"crystal-ball/internal/ensemble"
	"crystal-ball/internal/features"
	"crystal-ball/internal/forecast"
	"crystal-ball/internal/handler"
	"crystal-ball/internal/job"
	"crystal-ball/internal/macro"
	"crystal-ball/internal/predictor"
	"crystal-ball/internal/predictor/arima"
	"crystal-ball/internal/predictor/baseline"
	"crystal-ball/internal/predictor/boosted"
	"crystal-ball/internal/predictor/seqnet"
	"crystal-ball/internal/registry"
	"crystal-ball/internal/repository"
	"crystal-ball/internal/training"
	"crystal-ball/internal/validator"
	"crystal-ball/pkg/tracing"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	_ "crystal-ball/docs"
)

// @title           Crystal Ball API
// @version         1.0
// @description     Ensemble price forecasting with statistical validation.

// @host      localhost:8080
// @BasePath  /
func main() {
	godotenv.Load()

	cfg := config.Load()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := db.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("postgres: %v", err)
	}
	defer pool.Close()

	rdb, err := cache.Connect(ctx, cfg.RedisURL)
	if err != nil {
		log.Fatalf("redis: %v", err)
	}
	defer rdb.Close()

	tp, tracer, err := tracing.InitTracer(ctx)
	if err != nil {
		log.Fatalf("failed to initialize tracer: %v", err)
	}
	defer func() {
		if err := tp.Shutdown(ctx); err != nil {
			log.Printf("error shutting down tracer provider: %v", err)
		}
	}()

	candleRepo := repository.NewCandleRepository(pool, tracer)
	if err := candleRepo.RunMigrations(ctx); err != nil {
		log.Fatalf("failed to run migrations: %v", err)
	}
	analogRepo := analogs.NewRepository(pool, tracer)
	registryRepo := registry.NewRepository(pool, tracer)

	engine := features.NewEngine(time.Now)
	macroFetcher := macro.NewCachedFetcher(
		tracer,
		macro.NewHTTPFetcher(tracer, cfg.MacroAPIURL),
		rdb,
		time.Duration(cfg.MacroTTLSecs)*time.Second,
	)

	predictors := []predictor.Predictor{
		seqnet.New(seqnet.DefaultOptions()),
		boosted.New(boosted.DefaultOptions()),
		baseline.New(baseline.DefaultOptions()),
		arima.New(arima.DefaultOptions()),
	}
	gate := anomaly.New(anomaly.DefaultOptions())

	aggregator, err := ensemble.New(ensemble.Config{
		Weights: ensemble.Weights{
			domain.PredictorSequence:        cfg.WeightSequence,
			domain.PredictorGradientBoosted: cfg.WeightGradientBoosted,
			domain.PredictorBaseline:        cfg.WeightBaseline,
			domain.PredictorClassicalTS:     cfg.WeightClassicalTS,
		},
		ScaleFactor: cfg.ScaleFactor,
	})
	if err != nil {
		log.Fatalf("ensemble weights: %v", err)
	}

	trainingSvc := training.NewService(
		training.Config{
			Symbol:      cfg.TrainSymbol,
			Interval:    cfg.Interval,
			HistoryBars: cfg.HistoryBars,
		},
		tracer, candleRepo, macroFetcher, engine, registryRepo, predictors, gate,
	)
	if err := trainingSvc.RestoreAll(ctx); err != nil {
		log.Printf("model restore incomplete: %v", err)
	}

	forecastSvc := forecast.NewService(
		forecast.Config{
			HistoryBars:  cfg.HistoryBars,
			BaseInterval: cfg.Interval,
			MacroTimeout: time.Duration(cfg.MacroTimeoutSecs) * time.Second,
			HorizonHours: cfg.HorizonHours,
		},
		tracer, candleRepo, macroFetcher, engine, predictors, aggregator, gate, analogRepo,
	)

	validatorSvc := validator.NewService(
		validator.Config{
			BucketTolerance: cfg.AnalogTolerance,
			LookbackDays:    cfg.AnalogLookbackDays,
			HorizonHours:    cfg.HorizonHours,
			CacheTTL:        time.Duration(cfg.ValidationCacheSecs) * time.Second,
		},
		analogRepo, rdb, tracer,
	)

	maturation := analogs.NewMaturation(analogRepo, candleRepo, cfg.Interval, tracer)
	go job.NewRetrainJob(tracer, trainingSvc, cfg.TrainHourUTC).Start(ctx)
	go job.NewAnalogMaturationJob(
		tracer, maturation,
		time.Duration(cfg.MaturationPollSecs)*time.Second,
		cfg.MaturationBatch,
	).Start(ctx)

	h := handler.New(tracer, forecastSvc, validatorSvc, trainingSvc)

	r := gin.Default()
	r.Use(otelgin.Middleware("crystal-ball"))

	h.RegisterRoutes(r, handler.APIKeyAuth(cfg.APIKey))
	r.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: r,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %s\n", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("Shutting down server...")

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatal("Server forced to shutdown:", err)
	}

	log.Println("Server exiting")
}
