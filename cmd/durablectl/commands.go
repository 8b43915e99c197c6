package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/danmuck/durable/internal/cluster"
	"github.com/danmuck/durable/internal/config"
	"github.com/danmuck/durable/internal/host"
	"github.com/danmuck/durable/internal/observability"
	"github.com/urfave/cli/v3"
	"golang.org/x/sync/errgroup"
)

func configInitAction(_ context.Context, cmd *cli.Command) error {
	path := cmd.String("config")
	if err := config.WriteTemplate(path, cmd.Bool("force")); err != nil {
		return err
	}
	fmt.Fprintf(cmd.Root().Writer, "wrote %s\n", path)
	return nil
}

func configValidateAction(_ context.Context, cmd *cli.Command) error {
	path := cmd.String("config")
	if _, err := config.LoadNodeConfig(path); err != nil {
		return err
	}
	fmt.Fprintf(cmd.Root().Writer, "validated %s\n", path)
	return nil
}

func serveAction(ctx context.Context, cmd *cli.Command) error {
	cfg, err := config.LoadNodeConfig(cmd.String("config"))
	if err != nil {
		return err
	}
	logger := observability.InitLogger("durablectl").With().Str("node", cfg.Name).Logger()

	opts := cfg.ClusterOptions()
	opts.Converters = demoConverters()
	opts.Logger = &logger
	c, err := cluster.Serve(demoWorker(), opts)
	if err != nil {
		return err
	}

	hopts := cfg.HostOptions()
	hopts.Logger = &logger
	srv := host.New(c, hopts)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Run(gctx) })
	if cfg.Clustered() {
		ln, err := c.ListenRPC(cfg.RPCAddr)
		if err != nil {
			_ = c.Close(context.Background())
			return err
		}
		logger.Info().Str("addr", ln.Addr().String()).Int("host_index", cfg.HostIndex).Msg("rpc.listen")
		g.Go(func() error { return ln.Serve(gctx) })
	}

	runErr := g.Wait()
	if errors.Is(runErr, context.Canceled) {
		runErr = nil
	}
	closeErr := c.Close(context.Background())
	logger.Info().Err(errors.Join(runErr, closeErr)).Msg("durablectl.stopped")
	return errors.Join(runErr, closeErr)
}
