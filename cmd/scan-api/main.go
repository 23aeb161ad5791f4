package main

import (
	"context"
	"errors"
	"os"
	_ "time/tzdata"

	"github.com/BearBump/ScanBox/internal/logger"
)

func main() {
	app := mustBootstrapScanAPI()
	defer app.Close()

	if err := app.Run(); err != nil && !errors.Is(err, context.Canceled) {
		logger.L.WithError(err).Error("scan-api stopped")
		app.Close()
		os.Exit(1)
	}
}
