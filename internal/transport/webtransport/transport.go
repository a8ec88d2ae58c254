// Package webtransport binds bus endpoints to a WebTransport listener. The
// core leaves endpoint export to "surrounding OS glue": a kernel build would
// surface endpoints as character devices, this binding surfaces them as
// WebTransport sessions instead. Control operations travel as
// newline-delimited JSON over the session's first bidirectional stream;
// message frames travel bit-exact (wire package framing) over
// unidirectional streams, one frame per stream.
package webtransport

import (
	"context"
	"crypto/tls"
	"errors"
	"log/slog"
	"net/http"

	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/http3"
	"github.com/quic-go/webtransport-go"

	"kdbusd/internal/subsystem"
)

// Server accepts WebTransport sessions and attaches each one to a bus
// connection via the control surface.
type Server struct {
	addr      string
	tlsConfig *tls.Config
	sys       *subsystem.Subsystem
	log       *slog.Logger
	wt        *webtransport.Server
}

// NewServer creates a listener bound to sys's root domain.
func NewServer(addr string, tlsConfig *tls.Config, sys *subsystem.Subsystem, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{addr: addr, tlsConfig: tlsConfig, sys: sys, log: log}
}

// Run starts the listener and blocks until ctx is canceled or the listener
// fails to start.
func (s *Server) Run(ctx context.Context) error {
	mux := http.NewServeMux()
	wt := &webtransport.Server{
		H3: http3.Server{
			Addr:            s.addr,
			TLSConfig:       s.tlsConfig,
			Handler:         mux,
			EnableDatagrams: true,
			QUICConfig:      &quic.Config{EnableDatagrams: true},
		},
		CheckOrigin: func(*http.Request) bool { return true },
	}
	s.wt = wt

	mux.HandleFunc("/bus", func(w http.ResponseWriter, r *http.Request) {
		sess, err := wt.Upgrade(w, r)
		if err != nil {
			s.log.Warn("webtransport upgrade failed", "err", err)
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		go s.handleSession(ctx, sess)
	})

	go func() {
		<-ctx.Done()
		_ = wt.Close()
	}()

	s.log.Info("webtransport listener started", "addr", s.addr)
	err := wt.ListenAndServe()
	if ctx.Err() != nil || errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}
