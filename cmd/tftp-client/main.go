package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/jesinth-labs/gotftp/internal/eventlog"
	"github.com/jesinth-labs/gotftp/internal/fsstore"
	"github.com/jesinth-labs/gotftp/internal/session"
	"github.com/jesinth-labs/gotftp/internal/tftp"
	"github.com/jesinth-labs/gotftp/internal/transport"
)

func main() {
	var host string
	var port int
	var remote string
	var local string
	var rawOptions []string

	root := &cobra.Command{
		Use:   "tftp-client",
		Short: "Transfer a file to or from a TFTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(host, port, remote, local, rawOptions)
		},
	}
	root.Flags().StringVarP(&host, "host", "h", "", "server host (required)")
	root.Flags().IntVarP(&port, "port", "p", 69, "server port")
	root.Flags().StringVarP(&remote, "file", "f", "", "remote filename; omit to upload LOCAL instead of downloading")
	root.Flags().StringVarP(&local, "to", "t", "", "local filename (required)")
	root.Flags().StringArrayVar(&rawOptions, "option", nil, `negotiated option as "name value", e.g. --option "blksize 1428"; may repeat`)
	root.MarkFlagRequired("host")
	root.MarkFlagRequired("to")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(host string, port int, remote, local string, rawOptions []string) error {
	requested, err := parseOptions(rawOptions)
	if err != nil {
		return err
	}

	serverAddr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return fmt.Errorf("resolve %s: %w", host, err)
	}

	ep, err := transport.Bind(0)
	if err != nil {
		return fmt.Errorf("bind local endpoint: %w", err)
	}
	defer ep.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := eventlog.Default()
	mode := fsstore.ModeForFilename(local)

	if remote == "" {
		return upload(ctx, ep, serverAddr, local, mode, requested, logger)
	}
	return download(ctx, ep, serverAddr, remote, local, mode, requested, logger)
}

func upload(ctx context.Context, ep *transport.Endpoint, server *net.UDPAddr, local, mode string, requested tftp.RequestedOptions, logger *eventlog.Logger) error {
	src, err := os.Open(local)
	if err != nil {
		return fmt.Errorf("open %s: %w", local, err)
	}
	defer src.Close()

	if info, serr := src.Stat(); serr == nil {
		size := uint64(info.Size())
		requested.Tsize = &size
		requested.WantTsize = true
	}

	req := &tftp.Request{Op: tftp.OpWRQ, Filename: filepath.Base(local), Mode: mode, Options: requested.ToWire()}
	encoded := tftp.Encode(req)
	if err := ep.Send(encoded, server); err != nil {
		return fmt.Errorf("send WRQ: %w", err)
	}

	s := session.New(ctx, ep, nil, session.RoleSender, tftp.DefaultOptionSet(), logger.Handler())
	s.WithRequestedOptions(requested)

	total := int64(-1)
	if info, serr := src.Stat(); serr == nil {
		total = info.Size()
	}
	drv := session.NewDriver(s, total)
	bar := newProgressBar(total, "uploading "+local)
	done := make(chan struct{})
	go renderProgress(done, drv.Progress, bar)

	res := drv.RunSend(src, true, encoded)
	close(done)
	bar.Finish()
	return resultToErr(res)
}

func download(ctx context.Context, ep *transport.Endpoint, server *net.UDPAddr, remote, local, mode string, requested tftp.RequestedOptions, logger *eventlog.Logger) error {
	requested.WantTsize = true

	req := &tftp.Request{Op: tftp.OpRRQ, Filename: remote, Mode: mode, Options: requested.ToWire()}
	encoded := tftp.Encode(req)
	if err := ep.Send(encoded, server); err != nil {
		return fmt.Errorf("send RRQ: %w", err)
	}

	dst, err := os.Create(local)
	if err != nil {
		return fmt.Errorf("create %s: %w", local, err)
	}

	s := session.New(ctx, ep, nil, session.RoleReceiver, tftp.DefaultOptionSet(), logger.Handler())
	s.WithRequestedOptions(requested)

	drv := session.NewDriver(s, -1)
	bar := newProgressBar(-1, "downloading "+remote)
	done := make(chan struct{})
	go renderProgress(done, drv.Progress, bar)

	res := drv.RunReceive(dst, encoded)
	close(done)
	bar.Finish()
	dst.Close()

	if res.Outcome != session.OutcomeDone {
		os.Remove(local)
	}
	return resultToErr(res)
}

func resultToErr(res session.Result) error {
	if res.Outcome == session.OutcomeDone {
		return nil
	}
	if res.Err != nil {
		return res.Err
	}
	return fmt.Errorf("transfer failed")
}

func parseOptions(raw []string) (tftp.RequestedOptions, error) {
	var out tftp.RequestedOptions
	for _, entry := range raw {
		fields := strings.Fields(entry)
		if len(fields) != 2 {
			return out, fmt.Errorf("--option %q: expected \"name value\"", entry)
		}
		name, value := strings.ToLower(fields[0]), fields[1]
		v, err := strconv.Atoi(value)
		if err != nil {
			return out, fmt.Errorf("--option %s: %w", name, err)
		}
		switch name {
		case "blksize":
			out.Blksize = &v
		case "timeout":
			out.Timeout = &v
		case "tsize":
			u := uint64(v)
			out.Tsize = &u
			out.WantTsize = true
		default:
			return out, fmt.Errorf("--option %s: unrecognized option name", name)
		}
	}
	return out, nil
}

func newProgressBar(total int64, desc string) *progressbar.ProgressBar {
	if total < 0 {
		return progressbar.DefaultBytes(-1, desc)
	}
	return progressbar.DefaultBytes(total, desc)
}

// renderProgress polls tracker and feeds the delta into bar until done is
// closed, then makes one final pass so the bar reflects the last bytes
// moved before the caller calls bar.Finish().
func renderProgress(done <-chan struct{}, tracker *session.ProgressTracker, bar *progressbar.ProgressBar) {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	last := int64(0)
	tick := func() {
		snap := tracker.Snapshot()
		if delta := snap.Transferred - last; delta > 0 {
			bar.Add64(delta)
			last = snap.Transferred
		}
	}
	for {
		select {
		case <-done:
			tick()
			return
		case <-ticker.C:
			tick()
		}
	}
}
