package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/jesinth-labs/gotftp/internal/eventlog"
	"github.com/jesinth-labs/gotftp/internal/fsstore"
	"github.com/jesinth-labs/gotftp/internal/server"
	"github.com/jesinth-labs/gotftp/internal/tftp"
	"github.com/jesinth-labs/gotftp/internal/transport"
)

func main() {
	var port int
	var noClobber bool

	root := &cobra.Command{
		Use:   "tftp-server ROOT_DIR",
		Short: "Serve files over TFTP from ROOT_DIR",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(args[0], port, noClobber)
		},
	}
	root.Flags().IntVarP(&port, "port", "p", 69, "UDP port to listen on")
	root.Flags().BoolVar(&noClobber, "no-clobber", false, "reject WRQ for files that already exist (ERROR 6) instead of truncating")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(rootDir string, port int, noClobber bool) error {
	store, err := fsstore.New(rootDir)
	if err != nil {
		return fmt.Errorf("resolve root directory: %w", err)
	}
	if err := os.Chdir(store.Root); err != nil {
		return fmt.Errorf("chdir %s: %w", store.Root, err)
	}

	ep, err := transport.Bind(port)
	if err != nil {
		return fmt.Errorf("bind port %d: %w", port, err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	disp := server.New(server.Config{
		Port:      port,
		Store:     store,
		Overwrite: !noClobber,
		Log:       eventlog.Default(),
		Caps:      tftp.DefaultServerCapabilities(),
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return disp.Run(gctx, ep)
	})
	g.Go(func() error {
		<-gctx.Done()
		return ep.Close()
	})

	if err := g.Wait(); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}
