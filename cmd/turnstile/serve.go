package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os/signal"
	"syscall"
	"time"

	"github.com/hashicorp/go-hclog"
	pb "github.com/pixperk/turnstile/api/v1"
	"github.com/pixperk/turnstile/pkg/client"
	"github.com/pixperk/turnstile/pkg/config"
	"github.com/pixperk/turnstile/pkg/gateway"
	"github.com/pixperk/turnstile/pkg/logging"
	"github.com/pixperk/turnstile/pkg/raft"
	"github.com/pixperk/turnstile/pkg/server"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
)

const shutdownTimeout = 10 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start a turnstile node",
	Long: `Start a turnstile node. Settings come from flags or TURNSTILE_<FLAG>
environment variables (e.g. TURNSTILE_GRPC_ADDR=:9000), .env files are read too.`,
	PreRunE: bindFlags,
	RunE:    runServe,
}

func init() {
	config.ServerFlags(serveCmd.Flags())
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.ServerFromViper(v)
	if err != nil {
		return err
	}
	logger := logging.New("turnstile", cfg.LogLevel)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("starting turnstile node",
		"node_id", cfg.NodeID,
		"raft", cfg.RaftAddr,
		"grpc", cfg.GRPCAddr,
		"http", cfg.HTTPAddr,
		"data", cfg.DataDir,
		"bootstrap", cfg.Bootstrap,
		"in_memory", cfg.InMemory)

	node, err := raft.NewNode(&raft.Config{
		NodeID:       cfg.NodeID,
		BindAddr:     cfg.RaftAddr,
		DataDir:      cfg.DataDir,
		Bootstrap:    cfg.Bootstrap || cfg.InMemory,
		InMemory:     cfg.InMemory,
		ReapInterval: cfg.ReapInterval,
		Logger:       logger,
	})
	if err != nil {
		return fmt.Errorf("failed to create raft node: %w", err)
	}
	defer node.Shutdown()

	svc := server.NewServer(node, logger)
	grpcServer := grpc.NewServer()
	pb.RegisterCoordinationServer(grpcServer, svc)

	listener, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", cfg.GRPCAddr, err)
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("gRPC server listening", "addr", listener.Addr().String())
		if err := grpcServer.Serve(listener); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			return fmt.Errorf("gRPC server failed: %w", err)
		}
		return nil
	})

	var gw *gateway.Server
	if cfg.HTTPAddr != "" {
		gw = gateway.NewServer(cfg.HTTPAddr, svc, logger)
		g.Go(gw.Start)
	}

	if cfg.Join != "" {
		g.Go(func() error {
			return joinCluster(ctx, cfg, node, logger)
		})
	}

	g.Go(func() error {
		<-ctx.Done()
		logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		grpcServer.GracefulStop()
		if gw != nil {
			if err := gw.Stop(shutdownCtx); err != nil {
				logger.Warn("gateway shutdown failed", "error", err)
			}
		}
		return nil
	})

	logger.Info("turnstile is ready")
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("shutdown complete")
	return nil
}

// asks an existing member to add this node as a voter, retrying until the
// member answers as leader
func joinCluster(ctx context.Context, cfg *config.ServerConfig, node *raft.Node, logger hclog.Logger) error {
	c, err := client.NewClient(cfg.Join, node.GetNodeID().String(), client.WithLogger(logger))
	if err != nil {
		return err
	}
	defer c.Stop()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		err := c.Join(ctx, node.GetNodeID().String(), cfg.RaftAddr)
		if err == nil {
			logger.Info("joined cluster", "via", cfg.Join)
			return nil
		}
		logger.Warn("join failed, retrying", "via", cfg.Join, "error", err)

		select {
		case <-ticker.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
