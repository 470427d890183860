package interpreter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"

	"google.golang.org/grpc"
)

// ListenAndServe hosts a fresh Runtime on addr until ctx is done.
// It is the body of an interpreter process.
func ListenAndServe(ctx context.Context, addr string, isolated bool, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}

	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	srv := NewServer(NewRuntime(), isolated, logger)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(lis)
	}()

	select {
	case <-ctx.Done():
		logger.Info("interpreter shutting down")
		srv.Stop()
		<-errCh
		return nil
	case err := <-errCh:
		if errors.Is(err, grpc.ErrServerStopped) {
			return nil
		}
		return err
	}
}
