// Package listener accepts client connections, hands each one to the
// engine as a Session, and keeps a live registry so shutdown can wait for
// every in-flight session to close.
package listener

import (
	"context"
	"errors"
	"net"
	"sync"

	"go.uber.org/zap"

	"github.com/webproxy/webproxy/pkg/engine"
)

// Listener owns the accept loop and the set of live sessions.
type Listener struct {
	ln      net.Listener
	backlog int
	eng     *engine.Engine
	log     *zap.Logger

	live sync.Map // map[uint64]*engine.Session

	wg       sync.WaitGroup
	stopChan chan struct{}
	stopOnce sync.Once
}

// New binds addr (host:port) and returns a Listener ready for Serve.
// backlog is recorded for operator-facing configuration parity; the
// standard library's net.Listen does not expose the kernel listen(2)
// backlog portably, so it does not reach the socket directly.
func New(addr string, backlog int, eng *engine.Engine, log *zap.Logger) (*Listener, error) {
	if log == nil {
		log = zap.NewNop()
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	return &Listener{
		ln:       ln,
		backlog:  backlog,
		eng:      eng,
		log:      log,
		stopChan: make(chan struct{}),
	}, nil
}

// Backlog returns the configured backlog, for diagnostics.
func (l *Listener) Backlog() int { return l.backlog }

// Addr returns the bound local address.
func (l *Listener) Addr() net.Addr { return l.ln.Addr() }

// Serve accepts connections until Shutdown is called or ctx is canceled,
// spawning one session goroutine per accepted connection. It returns nil on
// a clean shutdown.
func (l *Listener) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		l.Shutdown()
	}()

	for {
		conn, err := l.ln.Accept()
		if err != nil {
			select {
			case <-l.stopChan:
				return nil
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			l.log.Warn("accept failed", zap.Error(err))
			continue
		}
		l.wg.Add(1)
		go l.handle(ctx, conn)
	}
}

func (l *Listener) handle(ctx context.Context, conn net.Conn) {
	defer l.wg.Done()

	sess := l.eng.NewSession(conn)
	l.live.Store(sess.ID(), sess)
	defer l.live.Delete(sess.ID())

	if err := sess.Run(ctx); err != nil {
		l.log.Warn("session failed", zap.Uint64("session", sess.ID()), zap.Error(err))
	}
}

// Shutdown stops accepting new connections, closes every live session, and
// waits for their goroutines to finish.
func (l *Listener) Shutdown() {
	l.stopOnce.Do(func() {
		close(l.stopChan)
		l.ln.Close()

		l.live.Range(func(_, v any) bool {
			go v.(*engine.Session).Close()
			return true
		})

		l.wg.Wait()
		l.log.Info("all sessions closed")
	})
}

// LiveCount reports how many sessions are currently registered; used by
// tests and diagnostics.
func (l *Listener) LiveCount() int {
	n := 0
	l.live.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}
