package main

import (
	"os"

	"github.com/fiscalstamp/platform/pkg/common/config"
	"github.com/fiscalstamp/platform/pkg/common/database"
	"github.com/fiscalstamp/platform/pkg/common/kafka"
	"github.com/fiscalstamp/platform/pkg/common/logger"
	"github.com/fiscalstamp/platform/pkg/submission"
	"gorm.io/gorm"
)

func main() {
	logger.Init()
	cfg := config.Load()

	a := &app{
		cfg: cfg,
		openDB: func(cfg *config.Config) (*gorm.DB, func() error, error) {
			db, err := database.OpenPostgres(cfg)
			if err != nil {
				return nil, nil, err
			}
			return db, func() error { return database.ClosePostgres(db) }, nil
		},
		newPublisher: func(cfg *config.Config) (submission.JobPublisher, func() error) {
			p := kafka.NewProducer(cfg.KafkaBrokers, cfg.SubmissionTopic)
			return p, p.Close
		},
	}
	if err := a.rootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}
