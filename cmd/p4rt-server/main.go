package main

import (
	"context"
	"flag"
	"net"

	log "github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"

	p4_v1 "github.com/p4lang/p4runtime/go/p4/v1"

	"github.com/donNewtonAlpha/p4rt-standalone/pkg/config"
	"github.com/donNewtonAlpha/p4rt-standalone/pkg/memswitch"
	"github.com/donNewtonAlpha/p4rt-standalone/pkg/p4rt"
	"github.com/donNewtonAlpha/p4rt-standalone/pkg/signals"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "", "Path to server config file (required)")
	var verbose bool
	flag.BoolVar(&verbose, "v", false, "Enable debug logging")
	flag.Parse()

	if verbose {
		log.SetLevel(log.DebugLevel)
	}
	if configPath == "" {
		log.Fatalf("Missing -config")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("Cannot load config: %v", err)
	}

	entities, err := cfg.Switch.Entities()
	if err != nil {
		log.Fatalf("Invalid switch bootstrap config: %v", err)
	}

	manager := p4rt.NewManager()
	sw := memswitch.New(cfg.Switch.DeviceID, entities)
	server := p4rt.NewServer(manager, sw)

	var creds credentials.TransportCredentials
	if cfg.UsesTLS() {
		creds, err = credentials.NewServerTLSFromFile(cfg.TLS.CertFile, cfg.TLS.KeyFile)
		if err != nil {
			log.Fatalf("Cannot load TLS credentials: %v", err)
		}
	} else {
		creds = insecure.NewCredentials()
		log.Warning("Serving without TLS")
	}

	grpcServer := grpc.NewServer(grpc.Creds(creds))
	p4_v1.RegisterP4RuntimeServer(grpcServer, server)

	lis, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		log.Fatalf("Cannot listen on %s: %v", cfg.ListenAddr, err)
	}

	ctx := signals.NotifyContext(context.Background())
	go func() {
		<-ctx.Done()
		log.Info("Stopping server")
		grpcServer.GracefulStop()
	}()

	log.Infof("P4Runtime server listening on %s", cfg.ListenAddr)
	if err := grpcServer.Serve(lis); err != nil {
		log.Fatalf("Server exited with error: %v", err)
	}
}
