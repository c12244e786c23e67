package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	echoapi "github.com/DICKSON39/elearning/apps/api/echo"
	"github.com/DICKSON39/elearning/core"
	"github.com/DICKSON39/elearning/core/course"
	"github.com/DICKSON39/elearning/core/enrollment"
	"github.com/DICKSON39/elearning/core/payment"
	emailsvc "github.com/DICKSON39/elearning/services/email"
	logsvc "github.com/DICKSON39/elearning/services/logger"
	mpesasvc "github.com/DICKSON39/elearning/services/payment/mpesa"
	stripesvc "github.com/DICKSON39/elearning/services/payment/stripe"
	"github.com/DICKSON39/elearning/storage/database"
	sqlxrepos "github.com/DICKSON39/elearning/storage/database/sqlx"
)

const shutdownTimeout = 20 * time.Second

func main() {
	std := log.New(os.Stdout, "API : ", log.LstdFlags|log.Lmicroseconds|log.Lshortfile)

	var logger core.Logger
	if core.Conf.Debug {
		logger = logsvc.NewConsoleLogger(std)
	} else {
		logger = logsvc.NewRollbarLogger(std, core.Conf)
	}

	if err := run(std, logger); err != nil {
		logger.Fatal("api: startup failed", err)
	}
}

func run(std *log.Logger, logger core.Logger) error {
	// set up DB
	db, err := database.Open(core.Conf)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()
	if err = db.Ping(); err != nil {
		return err
	}

	// set up services
	var mailSvc core.EmailService
	if core.Conf.Debug {
		mailSvc = emailsvc.NewConsoleService(std)
	} else {
		mailSvc = emailsvc.NewSendgridService(core.Conf, logger)
	}

	courseSvc := course.NewService(sqlxrepos.NewCourseRepository(db))
	enrollSvc := enrollment.NewService(sqlxrepos.NewEnrollmentRepository(db))
	paymentSvc := payment.NewService(
		db,
		sqlxrepos.NewPaymentRepository(db),
		courseSvc,
		enrollSvc,
		stripesvc.NewProvider(core.Conf),
		mpesasvc.NewClient(core.Conf),
		mailSvc,
	)

	// start API server
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	app := echoapi.NewServer(&echoapi.Options{
		Address:    core.Conf.Server.Address(),
		PaymentSvc: paymentSvc,
		Logger:     logger,
		Shutdown:   func() { shutdown <- syscall.SIGTERM },
	})
	go app.Start()

	sig := <-shutdown
	logger.Info("api: shutting down", sig)

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return app.Stop(ctx)
}
