package main

import (
	"os"

	"github.com/UnitedCTF/zync/cmd"
	"github.com/UnitedCTF/zync/pkg/logger"
	"go.uber.org/zap"
)

func main() {
	dev := os.Getenv("DEVELOPMENT")
	if dev == "true" {
		logger.Init(true)
	} else {
		logger.Init(false)
	}
	defer zap.L().Sync()
	cmd.Execute()
}
