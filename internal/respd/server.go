package respd

import (
	"context"
	"net"
	"os/signal"
	"strconv"
	"syscall"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Server owns the listener and the shared storage/replication state, and
// supervises the background goroutines (accept loop, replication
// flush/GETACK ticker, optional replica bootstrap) with an errgroup so a
// fatal error in any one of them brings the whole process down cleanly.
type Server struct {
	Cfg   *Config
	log   *zap.SugaredLogger
	Store *Storage
	Repl  *Replication

	listener net.Listener
}

// NewServer constructs a Server around an already-loaded Storage.
func NewServer(cfg *Config, log *zap.SugaredLogger, store *Storage) *Server {
	return &Server{
		Cfg:   cfg,
		log:   log,
		Store: store,
		Repl:  NewReplication(log.Named("replication")),
	}
}

// Run binds the listener, starts every background goroutine under an
// errgroup, and blocks until SIGINT/SIGTERM or a background goroutine
// fails. If Cfg says this process starts life as a replica, the bootstrap
// handshake runs in its own goroutine alongside the accept loop, so clients
// can connect before it completes; the leader's snapshot is discarded, not
// loaded into the store.
func (s *Server) Run() error {
	addr := net.JoinHostPort(s.Cfg.Addr, strconv.Itoa(s.Cfg.Port))
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.listener = listener
	defer listener.Close()
	s.log.Infow("listening", "addr", addr)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return s.Repl.Run(gctx)
	})

	if s.Cfg.IsReplica() {
		g.Go(func() error {
			return RunReplicaLink(gctx, s.Cfg.ReplicaOfHost, strconv.Itoa(s.Cfg.ReplicaOfPort), s.newExecContext, s.log.Named("replica-link"))
		})
	}

	g.Go(func() error {
		return s.acceptLoop(gctx)
	})

	g.Go(func() error {
		<-gctx.Done()
		listener.Close()
		return nil
	})

	if err := g.Wait(); err != nil && ctx.Err() == nil {
		return err
	}
	s.log.Info("shutdown complete")
	return nil
}

func (s *Server) acceptLoop(ctx context.Context) error {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.log.Warnw("accept failed", "error", err)
			return err
		}
		go s.handleConn(conn)
	}
}

func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()
	session := NewSession(conn, s.log.Named("session"), s.newExecContext(conn), false)
	session.Run()
}

// newExecContext builds a fresh, connection-scoped ExecContext sharing the
// server's Storage/Replication/Config, wired so REPLICAOF issued on any
// connection can promote this whole process to a replica.
func (s *Server) newExecContext(conn net.Conn) *ExecContext {
	return &ExecContext{
		Store: s.Store,
		Repl:  s.Repl,
		Cfg:   s.Cfg,
		Conn:  conn,
		BecomeReplica: func(host string, port string) {
			s.log.Infow("promoting to replica", "host", host, "port", port)
			go func() {
				if err := RunReplicaLink(context.Background(), host, port, s.newExecContext, s.log.Named("replica-link")); err != nil {
					s.log.Fatalw("replica bootstrap failed", "error", err)
				}
			}()
		},
	}
}
