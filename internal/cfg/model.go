package cfg

import "github.com/caarlos0/env/v11"

type Config struct {
	// WorkDir holds the lazy-pages handoff socket; both the server
	// and the restorers resolve it there.
	WorkDir string `env:"LAZY_PAGES_WORK_DIR"`

	// ImageDir holds the checkpoint images.
	ImageDir string `env:"LAZY_PAGES_IMAGE_DIR"`

	// NrTasks is the number of restored tasks the server expects,
	// zombies included.
	NrTasks int `env:"LAZY_PAGES_NR_TASKS"`

	// UsePageServer fetches page content from a remote page server
	// instead of local pages images.
	UsePageServer  bool   `env:"LAZY_PAGES_USE_PAGE_SERVER"`
	PageServerNet  string `env:"LAZY_PAGES_PAGE_SERVER_NET" envDefault:"tcp"`
	PageServerAddr string `env:"LAZY_PAGES_PAGE_SERVER_ADDR"`

	// PidFile receives the daemon pid in daemon mode.
	PidFile string `env:"LAZY_PAGES_PID_FILE"`
}

func Parse() (Config, error) {
	var config Config
	err := env.Parse(&config)

	if config.WorkDir == "" {
		config.WorkDir = "."
	}
	if config.ImageDir == "" {
		config.ImageDir = "."
	}

	return config, err
}
