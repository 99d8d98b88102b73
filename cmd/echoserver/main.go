// Command echoserver is a minimal external collaborator demonstrating
// scenarios S1/S2 of spec.md §8: it wires reactor, tcpserver, connpool,
// mempool, and logsink together into a byte-echoing server. It has no
// HTTP or application-protocol logic (Non-goals still exclude that);
// modeled after original_source's cpp_version/examples/chat_server.cpp
// callback wiring, without the chat framing.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	_ "go.uber.org/automaxprocs"

	"github.com/joeycumines/reactorkit/connpool"
	"github.com/joeycumines/reactorkit/logadapter"
	"github.com/joeycumines/reactorkit/logsink"
	"github.com/joeycumines/reactorkit/mempool"
	"github.com/joeycumines/reactorkit/reactor"
	"github.com/joeycumines/reactorkit/tcpserver"
)

// session is a per-echo scratch resource: a single mempool block staged
// for one in-flight receive-then-send round trip. Pooling these (rather
// than allocating a []byte per message) is what exercises connpool here —
// the pool bounds how many in-flight echoes the server juggles at once.
type session struct {
	pool  *mempool.Pool
	block []byte
}

func (s *session) Close() error {
	s.pool.Free(s.block)
	return nil
}

func main() {
	addr := flag.String("addr", "127.0.0.1:8080", "listen address")
	logPath := flag.String("log", "echoserver.log", "access log path")
	sessionCap := flag.Int("sessions", 64, "max in-flight echo sessions")
	flag.Parse()

	log := logadapter.New(logrus.StandardLogger())

	blocks := mempool.New(4096, 64)
	sessions := connpool.New(*sessionCap, func() (*session, error) {
		b, err := blocks.Allocate()
		if err != nil {
			return nil, err
		}
		return &session{pool: blocks, block: b}, nil
	}, connpool.WithLogger[*session](log))

	sink, err := logsink.New(*logPath, logsink.WithLogger(log))
	if err != nil {
		log.WithError(err).Error("echoserver: failed to open access log")
		os.Exit(1)
	}
	defer sink.Stop()

	r, err := reactor.New(reactor.WithLogger(log))
	if err != nil {
		log.WithError(err).Error("echoserver: failed to initialize reactor")
		os.Exit(1)
	}

	srv, err := tcpserver.New(r, *addr, tcpserver.WithLogger(log))
	if err != nil {
		log.WithError(err).Error("echoserver: failed to bind listener")
		os.Exit(1)
	}

	srv.OnConnect(func(fd int) {
		sink.Append(accessRecord("connect", fd, 0))
	})

	srv.OnReceive(func(fd int, b []byte) {
		sink.Append(accessRecord("receive", fd, len(b)))

		ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
		sess, err := sessions.Get(ctx)
		cancel()
		if err != nil {
			log.WithError(err).Warn("echoserver: no session available, dropping echo")
			return
		}
		n := copy(sess.block, b)
		if _, err := srv.Send(fd, sess.block[:n]); err != nil {
			log.WithError(err).Warn("echoserver: send failed")
		}
		sessions.Put(sess)
	})

	srv.OnClose(func(fd int) {
		sink.Append(accessRecord("close", fd, 0))
	})

	if err := srv.Start(); err != nil {
		log.WithError(err).Error("echoserver: failed to start listener")
		os.Exit(1)
	}

	runDone := make(chan error, 1)
	go func() { runDone <- r.Run() }()

	log.WithField("addr", *addr).Info("echoserver: listening")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	select {
	case <-sigCh:
	case err := <-runDone:
		if err != nil {
			log.WithError(err).Error("echoserver: reactor run loop exited")
		}
	}

	_ = srv.Stop()
	r.Stop()
	<-runDone
	_ = srv.Close()
	_ = r.Close()
	_ = sessions.Close()
}

func accessRecord(event string, fd, n int) []byte {
	return []byte(fmt.Sprintf("%s fd=%d bytes=%d\n", event, fd, n))
}
