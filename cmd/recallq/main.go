package main

import (
	"context"

	"github.com/callwise/recallq/internal/logging"
	"github.com/callwise/recallq/internal/prometheus"
	"github.com/callwise/recallq/internal/recallq"
	"go.uber.org/zap"
)

func main() {
	go prometheus.Run()

	for {
		ctx, cancel := context.WithCancel(context.Background())

		app, err := recallq.NewApp(cancel)
		if err != nil {
			logging.Logger.Fatal("failed to create recallq app", zap.String("error", err.Error()))
		}

		err = app.Run(ctx)
		if err != nil {
			panic(err)
		}

		<-ctx.Done()

		app.HealthCheckerService.Check()

		cancel()
	}
}
