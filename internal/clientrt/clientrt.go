// Package clientrt implements the Client Runtime of §4.8: embedded-config
// self-bootstrap, the local listener for forward/dynamic/visit modes, the
// register-client's distinct non-listening reverse flow with its
// reconnect-with-backoff loop. The listener modes do not retry: each local
// connection gets a single server dial.
//
// Grounded on XrayIran-StealthLink's internal/agent/agent.go for the overall
// shape of a long-lived client process (bootstrap -> dial loop -> per-
// connection handler -> reconnect-on-failure), adapted from its multi-carrier
// dial selection down to portguard's single outer Noise_IK dial.
package clientrt

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/xtaci/smux"

	"portguard/internal/backoff"
	"portguard/internal/clientconfig"
	"portguard/internal/patch"
	"portguard/internal/pgcrypto"
	"portguard/internal/pgerrors"
	"portguard/internal/registry"
	"portguard/internal/relay"
	"portguard/internal/socks5"
	"portguard/internal/tunnel"
	"portguard/internal/wire"
)

// Bootstrap reads the running executable's own image and extracts its
// embedded config (§4.1, §4.8 step 1). It is the client's only startup
// input — there is no external config file by design.
func Bootstrap() (clientconfig.Config, error) {
	path, err := os.Executable()
	if err != nil {
		return clientconfig.Config{}, fmt.Errorf("clientrt: locate own executable: %w", err)
	}
	image, err := os.ReadFile(path)
	if err != nil {
		return clientconfig.Config{}, fmt.Errorf("clientrt: read own executable: %w", err)
	}
	blob, err := patch.ReadSection(image)
	if err != nil {
		return clientconfig.Config{}, err
	}
	return clientconfig.Decode(blob)
}

// Runtime ties a decoded Config to its keypair-as-identity and a dial
// target, with optional CLI overrides applied (§6: `client [-p port]
// [-s host:port]`).
type Runtime struct {
	Config           clientconfig.Config
	HandshakeTimeout time.Duration
	MuxConfig        *smux.Config
	Backoff          *backoff.Strategy
	Log              *logrus.Logger
}

// New builds a Runtime from cfg, applying CLI overrides for listen port and
// server endpoint.
func New(cfg clientconfig.Config, listenPortOverride uint16, serverOverride string, log *logrus.Logger) (*Runtime, error) {
	if listenPortOverride != 0 {
		cfg.ListenPort = listenPortOverride
	}
	if serverOverride != "" {
		host, portStr, err := net.SplitHostPort(serverOverride)
		if err != nil {
			return nil, fmt.Errorf("clientrt: bad -s override %q: %w", serverOverride, err)
		}
		port, err := strconv.ParseUint(portStr, 10, 16)
		if err != nil {
			return nil, fmt.Errorf("clientrt: bad -s port %q: %w", portStr, err)
		}
		cfg.ServerHost = host
		cfg.ServerPort = uint16(port)
	}
	return &Runtime{
		Config:           cfg,
		HandshakeTimeout: tunnel.DefaultHandshakeTimeout,
		MuxConfig:        smux.DefaultConfig(),
		Backoff:          backoff.New(),
		Log:              log,
	}, nil
}

func (r *Runtime) identity() pgcrypto.Keypair {
	return pgcrypto.Keypair{Public: r.Config.ClientPublic, Private: r.Config.ClientPrivate}
}

func (r *Runtime) serverAddr() string {
	return net.JoinHostPort(r.Config.ServerHost, strconv.Itoa(int(r.Config.ServerPort)))
}

// dialServer performs §4.8 step 3a-b: dial and handshake as initiator.
func (r *Runtime) dialServer(ctx context.Context) (*tunnel.Conn, error) {
	var d net.Dialer
	raw, err := d.DialContext(ctx, "tcp", r.serverAddr())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", pgerrors.ErrDialFailed, err)
	}
	conn, err := tunnel.HandshakeInitiator(raw, r.identity(), r.Config.ServerStaticPublic, r.HandshakeTimeout)
	if err != nil {
		raw.Close()
		return nil, err
	}
	return conn, nil
}

// Run dispatches to the mode-appropriate runtime loop and blocks until ctx
// is done or the loop fails unrecoverably.
func (r *Runtime) Run(ctx context.Context) error {
	switch r.Config.Mode {
	case clientconfig.ModeForwardStatic:
		return r.runListener(ctx, wire.DialStatic())
	case clientconfig.ModeForwardDynamic:
		return r.runListener(ctx, wire.DialSocks5())
	case clientconfig.ModeReverseVisit:
		return r.runListener(ctx, wire.VisitReverse(r.Config.ServiceID))
	case clientconfig.ModeReverseRegister:
		return r.runRegister(ctx)
	default:
		return fmt.Errorf("clientrt: unknown mode %d", r.Config.Mode)
	}
}

// runListener implements §4.8 steps 2-3 for forward/dynamic/visit modes: a
// local listener where each accepted connection gets its own outer dial,
// handshake, control message, and splice.
func (r *Runtime) runListener(ctx context.Context, ctrl wire.Message) error {
	ln, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(int(r.Config.ListenPort))))
	if err != nil {
		return fmt.Errorf("%w: %v", pgerrors.ErrAccept, err)
	}
	defer ln.Close()
	r.Log.WithField("addr", ln.Addr()).Info("clientrt: local listener ready")

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		local, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
				return fmt.Errorf("%w: %v", pgerrors.ErrAccept, err)
			}
		}
		go r.handleLocalConn(ctx, local, ctrl)
	}
}

func (r *Runtime) handleLocalConn(ctx context.Context, local net.Conn, ctrl wire.Message) {
	defer local.Close()

	conn, err := r.dialServer(ctx)
	if err != nil {
		r.Log.WithError(err).Warn("clientrt: server dial/handshake failed")
		return
	}
	defer conn.Close()

	if err := wire.Write(conn, ctrl); err != nil {
		r.Log.WithError(err).Warn("clientrt: control write failed")
		return
	}

	stream := io.ReadWriter(conn)
	if ctrl.Tag == wire.TagVisitReverse {
		// The inner handshake's own Noise messages ride as opaque payload
		// inside the outer tunnel's AEAD frames, matching §4.7 step 5 and
		// §6's "substream... wrapped in another Noise_IK handshake".
		inner, err := tunnel.HandshakeInitiator(conn, r.identity(), r.Config.InnerPeerStatic, r.HandshakeTimeout)
		if err != nil {
			r.Log.WithError(err).Warn("clientrt: inner handshake failed")
			return
		}
		stream = inner
	}

	if err := relay.Pipe(local, stream); err != nil && err != io.EOF {
		r.Log.WithError(err).Debug("clientrt: relay ended")
	}
}

// runRegister implements §4.8's register-client flow: a single non-
// listening dial, the filehash challenge response, and inner-handshake-as-
// responder service of mux substreams, reconnecting with backoff on any
// failure.
func (r *Runtime) runRegister(ctx context.Context) error {
	return backoff.Retry(ctx, r.Backoff, func() error {
		err := r.registerOnce(ctx)
		if err != nil {
			r.Log.WithError(err).Warn("clientrt: register session ended, will reconnect")
		}
		return err
	})
}

func (r *Runtime) registerOnce(ctx context.Context) error {
	conn, err := r.dialServer(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	if err := wire.Write(conn, wire.RegisterReverse(r.Config.ServiceID)); err != nil {
		return fmt.Errorf("%w: %v", pgerrors.ErrWrite, err)
	}

	digest := pgcrypto.FileDigest(ownImageOrEmpty())
	if _, err := conn.Write(digest[:]); err != nil {
		return fmt.Errorf("%w: %v", pgerrors.ErrWrite, err)
	}
	ack := make([]byte, 1)
	if _, err := io.ReadFull(conn, ack); err != nil {
		return fmt.Errorf("%w: %v", pgerrors.ErrRead, err)
	}
	if ack[0] != 0x01 {
		return pgerrors.ErrHashMismatch
	}

	sess, err := smux.Server(conn, r.MuxConfig)
	if err != nil {
		return fmt.Errorf("clientrt: open mux as server: %w", err)
	}
	defer sess.Close()

	for {
		stream, err := sess.AcceptStream()
		if err != nil {
			return fmt.Errorf("clientrt: mux session closed: %w", err)
		}
		go r.serveSubstream(ctx, stream)
	}
}

// serveSubstream implements §4.8 step 2 of the register-client flow: inner
// Noise_IK handshake as responder, then splice to the local target named by
// the embedded config's Target field.
func (r *Runtime) serveSubstream(ctx context.Context, stream *smux.Stream) {
	defer stream.Close()

	inner, err := tunnel.HandshakeResponder(stream, r.identity(), r.HandshakeTimeout)
	if err != nil {
		r.Log.WithError(err).Warn("clientrt: inner handshake (responder) failed")
		return
	}

	target, err := registry.ParseRemote(r.Config.Target)
	if err != nil {
		r.Log.WithError(err).Warn("clientrt: malformed local target")
		return
	}

	if target.Kind == registry.RemoteSocks5 {
		h := &socks5.Handler{
			Log: r.Log,
			Dial: func(ctx context.Context, network, address string) (net.Conn, error) {
				var d net.Dialer
				return d.DialContext(ctx, network, address)
			},
		}
		if err := h.Serve(ctx, inner); err != nil && err != io.EOF {
			r.Log.WithError(err).Debug("clientrt: substream socks5 relay ended")
		}
		return
	}

	local, err := net.DialTimeout("tcp", target.Addr, 10*time.Second)
	if err != nil {
		r.Log.WithError(err).Warn(pgerrors.ErrDialFailed)
		return
	}
	defer local.Close()

	if err := relay.Pipe(inner, local); err != nil && err != io.EOF {
		r.Log.WithError(err).Debug("clientrt: substream relay ended")
	}
}

func ownImageOrEmpty() []byte {
	path, err := os.Executable()
	if err != nil {
		return nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	return b
}
