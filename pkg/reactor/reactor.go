// Package reactor implements the UDP transport and packet classifier of
// spec §4.B: one non-blocking socket per bound port, demultiplexing
// inbound datagrams into STUN, RTP, and RTCP handlers by leading byte,
// per RFC 7983 §7's classification rule.
// Grounded on original_source/core/src/udp_socket.cpp (bind/send_to/
// recv_from/non-blocking semantics) translated into Go's natural
// one-goroutine-per-socket read loop, in the teacher's errgroup/Fuse
// shutdown idiom (cmd/server, pkg/sfu/sfu.go's net.ListenUDP usage).
package reactor

import (
	"context"
	"net"

	"github.com/frostbyte73/core"
	"golang.org/x/sync/errgroup"

	"github.com/mediaplane/sfu/pkg/logger"
)

// PacketClass identifies the protocol of an inbound datagram.
type PacketClass int

const (
	ClassUnknown PacketClass = iota
	ClassSTUN
	ClassRTP
	ClassRTCP
)

// Classify applies the RFC 7983 §7 multiplexing rule: STUN packets begin
// with 0x00 or 0x01; RTCP packet types fall in [192,223]; everything else
// in the demuxed range is RTP.
func Classify(data []byte) PacketClass {
	if len(data) == 0 {
		return ClassUnknown
	}
	first := data[0]
	switch {
	case first == 0x00 || first == 0x01:
		return ClassSTUN
	case len(data) > 1 && data[1] >= 192 && data[1] <= 223:
		return ClassRTCP
	case first&0xC0 == 0x80:
		return ClassRTP
	default:
		return ClassUnknown
	}
}

// Handler receives one classified datagram from a Reactor's read loop.
type Handler func(data []byte, remote *net.UDPAddr)

// Config are the tunables named in spec §4.B.
type Config struct {
	ListenIP      string
	Port          int
	ReadBufferLen int
	RecvBufferBytes int
	SendBufferBytes int
}

// Reactor owns one bound UDP socket and dispatches received datagrams to
// per-class handlers on a single reader goroutine.
type Reactor struct {
	logger logger.Logger
	cfg    Config
	conn   *net.UDPConn

	onSTUN Handler
	onRTP  Handler
	onRTCP Handler

	stop core.Fuse
}

// New binds a UDP socket per Config and returns a Reactor ready to Run.
func New(cfg Config, log logger.Logger) (*Reactor, error) {
	if log == nil {
		log = logger.GetLogger()
	}
	if cfg.ReadBufferLen <= 0 {
		cfg.ReadBufferLen = 1500
	}

	ip := net.ParseIP(cfg.ListenIP)
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: ip, Port: cfg.Port})
	if err != nil {
		return nil, err
	}

	if cfg.RecvBufferBytes > 0 {
		_ = conn.SetReadBuffer(cfg.RecvBufferBytes)
	}
	if cfg.SendBufferBytes > 0 {
		_ = conn.SetWriteBuffer(cfg.SendBufferBytes)
	}

	return &Reactor{logger: log, cfg: cfg, conn: conn, stop: core.NewFuse()}, nil
}

// OnSTUN registers the handler invoked for datagrams classified as STUN.
func (r *Reactor) OnSTUN(h Handler) { r.onSTUN = h }

// OnRTP registers the handler invoked for datagrams classified as RTP.
func (r *Reactor) OnRTP(h Handler) { r.onRTP = h }

// OnRTCP registers the handler invoked for datagrams classified as RTCP.
func (r *Reactor) OnRTCP(h Handler) { r.onRTCP = h }

// LocalAddr returns the bound local address, useful when Config.Port is 0.
func (r *Reactor) LocalAddr() *net.UDPAddr {
	return r.conn.LocalAddr().(*net.UDPAddr)
}

// SendTo writes data to remote, unfragmented, as a single datagram.
func (r *Reactor) SendTo(data []byte, remote *net.UDPAddr) (int, error) {
	return r.conn.WriteToUDP(data, remote)
}

// Run blocks, reading datagrams and dispatching them until ctx is
// cancelled or Stop is called. It never returns a non-nil error on
// ordinary shutdown.
func (r *Reactor) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		<-ctx.Done()
		r.Stop()
		return nil
	})

	g.Go(func() error {
		buf := make([]byte, r.cfg.ReadBufferLen)
		for {
			if r.stop.IsBroken() {
				return nil
			}
			n, remote, err := r.conn.ReadFromUDP(buf)
			if err != nil {
				if r.stop.IsBroken() {
					return nil
				}
				r.logger.Warnw("reactor read error", err)
				continue
			}

			data := make([]byte, n)
			copy(data, buf[:n])

			switch Classify(data) {
			case ClassSTUN:
				if r.onSTUN != nil {
					r.onSTUN(data, remote)
				}
			case ClassRTCP:
				if r.onRTCP != nil {
					r.onRTCP(data, remote)
				}
			case ClassRTP:
				if r.onRTP != nil {
					r.onRTP(data, remote)
				}
			default:
				r.logger.Debugw("reactor dropped unclassified datagram", "bytes", n, "remote", remote.String())
			}
		}
	})

	return g.Wait()
}

// Stop closes the underlying socket, unblocking any in-flight read.
func (r *Reactor) Stop() {
	r.stop.Once(func() {
		_ = r.conn.Close()
	})
}
