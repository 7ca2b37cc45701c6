package main

import (
	"flag"
	"fmt"
	"log"
	"time"

	"github.com/zllovesuki/metering/auth"
	"github.com/zllovesuki/metering/config"

	"go.uber.org/zap"
)

// token prints a service role token for the internal callers of the metering api
func main() {
	subject := flag.String("subject", "", "name of the service the token is issued to")
	ttl := flag.Duration("ttl", 0, "token lifetime, zero never expires")
	flag.Parse()

	logger, err := zap.NewDevelopment()
	if err != nil {
		log.Fatalf("Cannot initialize logger: %v\n", err)
	}
	defer logger.Sync()

	if *subject == "" {
		logger.Fatal("-subject is required")
	}

	_, dotFile := config.DotFile()
	cfg, err := config.Load(dotFile)
	if err != nil {
		logger.Fatal("Cannot load configurations",
			zap.Error(err),
		)
	}

	a, err := auth.New(auth.Options{
		Logger:        logger,
		JWTSigningKey: cfg.ServiceRoleSecret,
	})
	if err != nil {
		logger.Fatal("Cannot initialize Auth", zap.Error(err))
	}

	token, err := a.CreateServiceToken(*subject, *ttl)
	if err != nil {
		logger.Fatal("Cannot sign token", zap.Error(err))
	}
	logger.Info("Issued service token",
		zap.String("Subject", *subject),
		zap.Duration("TTL", *ttl),
		zap.Time("IssuedAt", time.Now()),
	)
	fmt.Println(token)
}
