package main

import (
	"context"
	"flag"
	"os"

	"go.uber.org/zap"

	"github.com/checkpoint-restore/go-lazy-pages/internal/cfg"
	"github.com/checkpoint-restore/go-lazy-pages/internal/lazypages"
)

var (
	daemon  bool
	verbose bool

	workDir        string
	imageDir       string
	nrTasks        int
	usePageServer  bool
	pageServerAddr string
	pidFile        string
)

func parseFlags(config *cfg.Config) {
	flag.BoolVar(&daemon, "daemon", false, "Detach and serve in the background")
	flag.BoolVar(&verbose, "v", false, "Debug logging")
	flag.StringVar(&workDir, "dir", "", "Directory of the handoff socket")
	flag.StringVar(&imageDir, "images", "", "Directory of the checkpoint images")
	flag.IntVar(&nrTasks, "tasks", 0, "Number of restored tasks to expect")
	flag.BoolVar(&usePageServer, "page-server", false, "Fetch page content from a remote page server")
	flag.StringVar(&pageServerAddr, "page-server-addr", "", "Page server address (host:port)")
	flag.StringVar(&pidFile, "pidfile", "", "Write the daemon pid to this file")

	flag.Parse()

	if workDir != "" {
		config.WorkDir = workDir
	}
	if imageDir != "" {
		config.ImageDir = imageDir
	}
	if nrTasks != 0 {
		config.NrTasks = nrTasks
	}
	if usePageServer {
		config.UsePageServer = true
	}
	if pageServerAddr != "" {
		config.PageServerAddr = pageServerAddr
	}
	if pidFile != "" {
		config.PidFile = pidFile
	}
}

func newLogger() *zap.Logger {
	if verbose {
		return zap.Must(zap.NewDevelopment())
	}
	return zap.Must(zap.NewProduction())
}

func main() {
	config, err := cfg.Parse()
	if err != nil {
		panic(err)
	}
	parseFlags(&config)

	logger := newLogger().Named("lazy-pages")
	defer logger.Sync()

	if daemon {
		parent, err := lazypages.Daemonize(config.PidFile)
		if err != nil {
			logger.Error("cannot run in the background", zap.Error(err))
			os.Exit(255)
		}
		if parent {
			os.Exit(0)
		}
	}

	server := lazypages.New(lazypages.Config{
		Dir:            config.WorkDir,
		ImageDir:       config.ImageDir,
		NrTasks:        config.NrTasks,
		UsePageServer:  config.UsePageServer,
		PageServerNet:  config.PageServerNet,
		PageServerAddr: config.PageServerAddr,
	}, logger)

	lossy, err := server.Run(context.Background())
	if err != nil {
		logger.Error("lazy-pages server failed", zap.Error(err))
		os.Exit(255)
	}

	os.Exit(lossy)
}
