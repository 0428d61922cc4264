package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/pixperk/turnstile/pkg/client"
	"github.com/pixperk/turnstile/pkg/config"
	"github.com/pixperk/turnstile/pkg/coord"
	"github.com/pixperk/turnstile/pkg/coord/etcdcoord"
	"github.com/pixperk/turnstile/pkg/coord/zkcoord"
	"github.com/pixperk/turnstile/pkg/lock"
	"github.com/pixperk/turnstile/pkg/logging"
	"github.com/spf13/cobra"
)

const connectTimeout = 10 * time.Second

var (
	lockCmd = &cobra.Command{
		Use:   "lock",
		Short: "Acquire, inspect and revoke locks",
	}

	acquireCmd = &cobra.Command{
		Use:   "acquire [path]",
		Short: "Acquire a lock and hold it until interrupted or --hold elapses",
		Args:  cobra.ExactArgs(1),
		RunE:  runAcquire,
	}

	participantsCmd = &cobra.Command{
		Use:   "participants [path]",
		Short: "List the contender nodes of a lock in queue order",
		Args:  cobra.ExactArgs(1),
		RunE:  runParticipants,
	}

	revokeCmd = &cobra.Command{
		Use:   "revoke [node-path]",
		Short: "Ask the holder of a contender node to release it",
		Args:  cobra.ExactArgs(1),
		RunE:  runRevoke,
	}
)

func init() {
	config.ClientFlags(lockCmd.PersistentFlags())
	lockCmd.PersistentPreRunE = bindFlags

	acquireCmd.Flags().Duration("hold", 0, "release after this long, 0 holds until interrupted")
	acquireCmd.Flags().String("payload", "", "data stored in the contender node")

	lockCmd.AddCommand(acquireCmd)
	lockCmd.AddCommand(participantsCmd)
	lockCmd.AddCommand(revokeCmd)
}

// connects to the configured store, the returned func ends the session
func dial(ctx context.Context, cfg *config.ClientConfig, logger hclog.Logger) (coord.Client, func(), error) {
	ctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	switch cfg.Backend {
	case config.BackendZooKeeper:
		c, err := zkcoord.Connect(ctx, cfg.Endpoints, zkcoord.Options{SessionTimeout: cfg.SessionTTL, Logger: logger})
		if err != nil {
			return nil, nil, err
		}
		return c, c.Close, nil

	case config.BackendEtcd:
		c, err := etcdcoord.Connect(ctx, cfg.Endpoints, etcdcoord.Options{Prefix: cfg.Prefix, SessionTTL: cfg.SessionTTL, Logger: logger})
		if err != nil {
			return nil, nil, err
		}
		return c, func() { c.Close() }, nil

	default:
		c, err := client.NewClient(cfg.Endpoints[0], string(lock.NewOwner()), client.WithLogger(logger))
		if err != nil {
			return nil, nil, err
		}
		if err := c.Start(ctx, cfg.SessionTTL); err != nil {
			c.Stop()
			return nil, nil, err
		}
		return c, func() { c.Stop() }, nil
	}
}

func openMutex(ctx context.Context, path string, opts ...lock.Option) (*lock.Mutex, hclog.Logger, func(), error) {
	cfg, err := config.ClientFromViper(v)
	if err != nil {
		return nil, nil, nil, err
	}
	logger := logging.New("turnstile", cfg.LogLevel)

	c, closeFn, err := dial(ctx, cfg, logger)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("connect %s: %w", cfg.Backend, err)
	}

	opts = append([]lock.Option{
		lock.WithLockName(cfg.LockName),
		lock.WithMaxLeases(cfg.MaxLeases),
		lock.WithLogger(logger),
	}, opts...)
	m, err := lock.NewMutex(c, path, opts...)
	if err != nil {
		closeFn()
		return nil, nil, nil, err
	}
	return m, logger, closeFn, nil
}

func runAcquire(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	hold, _ := cmd.Flags().GetDuration("hold")
	payload, _ := cmd.Flags().GetString("payload")

	var opts []lock.Option
	if payload != "" {
		opts = append(opts, lock.WithPayload([]byte(payload)))
	}
	m, logger, closeFn, err := openMutex(ctx, args[0], opts...)
	if err != nil {
		return err
	}
	defer closeFn()

	revoked := make(chan struct{}, 1)
	m.MakeRevocable(func(*lock.Mutex, lock.Owner) {
		select {
		case revoked <- struct{}{}:
		default:
		}
	}, lock.DirectExecutor)

	owner := lock.NewOwner()
	acquired, err := m.TryAcquire(ctx, owner, v.GetDuration(config.KeyTimeout))
	if err != nil {
		return fmt.Errorf("failed to acquire lock: %w", err)
	}
	if !acquired {
		fmt.Println("acquired=false")
		return nil
	}
	fmt.Printf("acquired=true node=%s\n", m.LockPath(owner))

	var timeout <-chan time.Time
	if hold > 0 {
		timeout = time.After(hold)
	}
	select {
	case <-ctx.Done():
	case <-timeout:
	case <-revoked:
		logger.Info("revocation requested, releasing")
	}

	//release even after an interrupt
	releaseCtx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()
	if err := m.Release(releaseCtx, owner); err != nil {
		return fmt.Errorf("failed to release lock: %w", err)
	}
	fmt.Println("released=true")
	return nil
}

func runParticipants(cmd *cobra.Command, args []string) error {
	m, _, closeFn, err := openMutex(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	defer closeFn()

	participants, err := m.Participants(cmd.Context())
	if err != nil {
		return err
	}
	for i, p := range participants {
		fmt.Printf("%d %s\n", i, p)
	}
	return nil
}

func runRevoke(cmd *cobra.Command, args []string) error {
	cfg, err := config.ClientFromViper(v)
	if err != nil {
		return err
	}
	c, closeFn, err := dial(cmd.Context(), cfg, logging.New("turnstile", cfg.LogLevel))
	if err != nil {
		return err
	}
	defer closeFn()

	if err := lock.Revoke(cmd.Context(), c, args[0]); err != nil {
		return err
	}
	fmt.Println("revoke requested")
	return nil
}
