package main

import (
	"github.com/sift-kg/sift/internal/server"
	"github.com/sift-kg/sift/internal/util"
	"github.com/sift-kg/sift/pkg/logger"
	"github.com/sift-kg/sift/pkg/logger/console"
)

func main() {
	util.LoadEnv()

	debug := util.GetEnvBool("DEBUG", false)

	consoleLogger := console.NewConsoleLogger(console.ConsoleLoggerParams{
		Debug: debug,
	})
	logger.Init(consoleLogger)

	server.Init()
}
