//go:build !windows

package server

import (
	"os"
	"os/signal"
	"syscall"
)

// handleSignals sets up a handler for SIGINT and SIGTERM to do a graceful
// shutdown.
func (s *Server) handleSignals() {
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	// Use a naked goroutine instead of startGoroutine because this stops the
	// server which would cause a deadlock.
	go func() {
		sig, ok := <-c
		if !ok {
			return
		}
		s.logger.Infof("Received %s, shutting down", sig)
		if err := s.Stop(); err != nil {
			s.logger.Errorf("Error occurred shutting down server while handling %s: %v", sig, err)
			os.Exit(1)
		}
		os.Exit(0)
	}()
}
