// Package socks5 implements the dynamic-mode egress of §4.6: a minimal
// SOCKS5 proxy (RFC 1928/1929), negotiating with the peer on an already-
// authenticated stream and then dialing on its behalf. Adapted from
// XrayIran-StealthLink's internal/socks5/socks5.go; the UDP ASSOCIATE path
// is dropped since §1's Non-goals explicitly exclude UDP transport.
package socks5

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	version5 = 0x05

	authNone     = 0x00
	authUserPass = 0x02
	authNoMatch  = 0xFF

	cmdConnect = 0x01

	atypIPv4   = 0x01
	atypDomain = 0x03
	atypIPv6   = 0x04

	repSuccess          = 0x00
	repGeneralFailure   = 0x01
	repCmdNotSupported  = 0x07
	repAddrNotSupported = 0x08
)

// DialFunc dials a target address on behalf of the negotiated CONNECT
// request.
type DialFunc func(ctx context.Context, network, address string) (net.Conn, error)

// Handler negotiates SOCKS5 on a single already-open stream and splices it
// to the dialed target. Unlike the teacher's Server, there is no
// ListenAndServe here — §4.6 hands it an already-authenticated stream per
// connection rather than binding its own listener.
type Handler struct {
	Username string
	Password string
	Dial     DialFunc
	Log      *logrus.Logger
}

// Serve runs the SOCKS5 negotiation and CONNECT dispatch on conn, then
// splices bidirectionally until either side closes. It does not close conn.
func (h *Handler) Serve(ctx context.Context, conn net.Conn) error {
	conn.SetDeadline(time.Now().Add(30 * time.Second))
	if err := h.negotiate(conn); err != nil {
		return fmt.Errorf("socks5: negotiate: %w", err)
	}

	conn.SetDeadline(time.Now().Add(30 * time.Second))
	cmd, addr, err := h.readRequest(conn)
	if err != nil {
		return fmt.Errorf("socks5: read request: %w", err)
	}
	conn.SetDeadline(time.Time{})

	if cmd != cmdConnect {
		h.sendReply(conn, repCmdNotSupported, "0.0.0.0:0")
		return fmt.Errorf("socks5: unsupported command %d", cmd)
	}
	return h.handleConnect(ctx, conn, addr)
}

func (h *Handler) negotiate(conn net.Conn) error {
	buf := make([]byte, 2)
	if _, err := io.ReadFull(conn, buf); err != nil {
		return err
	}
	if buf[0] != version5 {
		return fmt.Errorf("unsupported version %d", buf[0])
	}
	nmethods := int(buf[1])
	methods := make([]byte, nmethods)
	if _, err := io.ReadFull(conn, methods); err != nil {
		return err
	}

	requireAuth := h.Username != ""
	if requireAuth {
		found := false
		for _, m := range methods {
			if m == authUserPass {
				found = true
				break
			}
		}
		if !found {
			conn.Write([]byte{version5, authNoMatch})
			return fmt.Errorf("client does not support username/password auth")
		}
		conn.Write([]byte{version5, authUserPass})
		return h.authenticateUserPass(conn)
	}

	conn.Write([]byte{version5, authNone})
	return nil
}

func (h *Handler) authenticateUserPass(conn net.Conn) error {
	buf := make([]byte, 2)
	if _, err := io.ReadFull(conn, buf); err != nil {
		return err
	}
	ulen := int(buf[1])
	uname := make([]byte, ulen)
	if _, err := io.ReadFull(conn, uname); err != nil {
		return err
	}
	plenBuf := make([]byte, 1)
	if _, err := io.ReadFull(conn, plenBuf); err != nil {
		return err
	}
	passwd := make([]byte, int(plenBuf[0]))
	if _, err := io.ReadFull(conn, passwd); err != nil {
		return err
	}

	if string(uname) == h.Username && string(passwd) == h.Password {
		conn.Write([]byte{0x01, 0x00})
		return nil
	}
	conn.Write([]byte{0x01, 0x01})
	return fmt.Errorf("auth failed")
}

func (h *Handler) readRequest(conn net.Conn) (byte, string, error) {
	buf := make([]byte, 4)
	if _, err := io.ReadFull(conn, buf); err != nil {
		return 0, "", err
	}
	if buf[0] != version5 {
		return 0, "", fmt.Errorf("unsupported version %d", buf[0])
	}
	cmd := buf[1]
	atyp := buf[3]

	var host string
	switch atyp {
	case atypIPv4:
		addr := make([]byte, 4)
		if _, err := io.ReadFull(conn, addr); err != nil {
			return 0, "", err
		}
		host = net.IP(addr).String()
	case atypIPv6:
		addr := make([]byte, 16)
		if _, err := io.ReadFull(conn, addr); err != nil {
			return 0, "", err
		}
		host = net.IP(addr).String()
	case atypDomain:
		lenBuf := make([]byte, 1)
		if _, err := io.ReadFull(conn, lenBuf); err != nil {
			return 0, "", err
		}
		domain := make([]byte, int(lenBuf[0]))
		if _, err := io.ReadFull(conn, domain); err != nil {
			return 0, "", err
		}
		host = string(domain)
	default:
		h.sendReply(conn, repAddrNotSupported, "0.0.0.0:0")
		return 0, "", fmt.Errorf("unsupported address type %d", atyp)
	}

	portBuf := make([]byte, 2)
	if _, err := io.ReadFull(conn, portBuf); err != nil {
		return 0, "", err
	}
	port := binary.BigEndian.Uint16(portBuf)
	return cmd, net.JoinHostPort(host, strconv.Itoa(int(port))), nil
}

func (h *Handler) handleConnect(ctx context.Context, conn net.Conn, target string) error {
	remote, err := h.Dial(ctx, "tcp", target)
	if err != nil {
		h.sendReply(conn, repGeneralFailure, "0.0.0.0:0")
		return fmt.Errorf("dial %s: %w", target, err)
	}
	defer remote.Close()

	h.sendReply(conn, repSuccess, conn.LocalAddr().String())

	errCh := make(chan error, 2)
	go func() {
		_, err := io.Copy(remote, conn)
		errCh <- err
	}()
	go func() {
		_, err := io.Copy(conn, remote)
		errCh <- err
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *Handler) sendReply(conn net.Conn, rep byte, bindAddr string) {
	host, portStr, err := net.SplitHostPort(bindAddr)
	if err != nil {
		host = "0.0.0.0"
		portStr = "0"
	}
	port, _ := strconv.Atoi(portStr)

	reply := []byte{version5, rep, 0x00}
	ip := net.ParseIP(host)
	if ip4 := ip.To4(); ip4 != nil {
		reply = append(reply, atypIPv4)
		reply = append(reply, ip4...)
	} else if ip6 := ip.To16(); ip6 != nil {
		reply = append(reply, atypIPv6)
		reply = append(reply, ip6...)
	} else {
		reply = append(reply, atypIPv4)
		reply = append(reply, 0, 0, 0, 0)
	}
	reply = append(reply, byte(port>>8), byte(port&0xff))
	conn.Write(reply)
}
