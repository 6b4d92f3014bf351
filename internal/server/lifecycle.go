package server

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"net/http"
	"os"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/rsclarke/flowgate/internal/config"
)

type ServerConfig struct {
	Addr              string
	Handler           http.Handler
	Logger            *zap.Logger
	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	// SocketMode is applied to a unix socket after it is created.
	SocketMode fs.FileMode
}

func DefaultServerConfig(addr string, handler http.Handler, logger *zap.Logger) ServerConfig {
	return ServerConfig{
		Addr:              addr,
		Handler:           handler,
		Logger:            logger,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		SocketMode:        0o666,
	}
}

// Listen opens the listener named by addr. A stale unix socket left by an
// earlier run is removed first.
func Listen(addr string, mode fs.FileMode) (net.Listener, error) {
	network, address, err := config.ParseListenAddr(addr)
	if err != nil {
		return nil, err
	}
	if network == "unix" {
		if fi, err := os.Stat(address); err == nil && fi.Mode()&fs.ModeSocket != 0 {
			if err := os.Remove(address); err != nil {
				return nil, fmt.Errorf("remove stale socket: %w", err)
			}
		}
	}
	ln, err := net.Listen(network, address)
	if err != nil {
		return nil, err
	}
	if network == "unix" && mode != 0 {
		if err := os.Chmod(address, mode); err != nil {
			_ = ln.Close()
			return nil, fmt.Errorf("chmod socket: %w", err)
		}
	}
	return ln, nil
}

type ManagedServer struct {
	server   *http.Server
	logger   *zap.Logger
	name     string
	addr     string
	mode     fs.FileMode
	errCh    chan error
	startErr error
}

func NewManagedServer(name string, cfg ServerConfig) *ManagedServer {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	errLog, _ := zap.NewStdLogAt(cfg.Logger, zapcore.ErrorLevel)

	srv := &http.Server{
		Handler:           cfg.Handler,
		ErrorLog:          errLog,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		ReadTimeout:       cfg.ReadTimeout,
		WriteTimeout:      cfg.WriteTimeout,
	}

	return &ManagedServer{
		server: srv,
		logger: cfg.Logger,
		name:   name,
		addr:   cfg.Addr,
		mode:   cfg.SocketMode,
		errCh:  make(chan error, 1),
	}
}

// Start opens the listener and serves in the background. Serve errors are
// reported through WaitForStartup and Err.
func (m *ManagedServer) Start() {
	ln, err := Listen(m.addr, m.mode)
	if err != nil {
		m.errCh <- err
		close(m.errCh)
		return
	}
	m.logger.Info("listening", zap.String("server", m.name), zap.String("addr", ln.Addr().String()))
	go func() {
		err := m.server.Serve(ln)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			m.errCh <- err
		}
		close(m.errCh)
	}()
}

func (m *ManagedServer) WaitForStartup(timeout time.Duration) error {
	select {
	case err := <-m.errCh:
		if err != nil {
			m.startErr = err
			return fmt.Errorf("%s failed to start: %w", m.name, err)
		}
		return nil
	case <-time.After(timeout):
		return nil
	}
}

// Err is closed when the server stops and carries a serve error, if any.
func (m *ManagedServer) Err() <-chan error {
	return m.errCh
}

func (m *ManagedServer) Shutdown(ctx context.Context) {
	if m.startErr != nil {
		return
	}
	if err := m.server.Shutdown(ctx); err != nil {
		m.logger.Warn("shutdown error", zap.String("server", m.name), zap.Error(err))
	}
}
