package cla

import (
	"net"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/caravan/pkg/log"
	"github.com/cuemby/caravan/pkg/routing"
	"github.com/cuemby/caravan/pkg/types"
)

// maxDatagram bounds one bundle per UDP datagram.
const maxDatagram = 65507

// UDP is a datagram convergence-layer adapter: one bundle per datagram,
// no session state. Suitable for bench setups and lossy links where the
// bundle layer's own retransmission does the repair.
type UDP struct {
	tbl    *routing.Table
	intf   types.Handle
	local  string
	remote string

	conn   *net.UDPConn
	peer   *net.UDPAddr
	stopCh chan struct{}
	logger zerolog.Logger
}

// NewUDP registers a UDP adapter bound to local, sending toward remote.
func NewUDP(tbl *routing.Table, local, remote string) (*UDP, error) {
	intf, err := Register(tbl)
	if err != nil {
		return nil, err
	}
	return &UDP{
		tbl:    tbl,
		intf:   intf,
		local:  local,
		remote: remote,
		stopCh: make(chan struct{}),
		logger: log.WithComponent("cla-udp"),
	}, nil
}

// Intf returns the routing handle for this adapter, for route setup.
func (u *UDP) Intf() types.Handle {
	return u.intf
}

// Start opens the socket, marks the interface up, and runs the receive
// and transmit pumps.
func (u *UDP) Start() error {
	laddr, err := net.ResolveUDPAddr("udp", u.local)
	if err != nil {
		return err
	}
	if u.peer, err = net.ResolveUDPAddr("udp", u.remote); err != nil {
		return err
	}
	if u.conn, err = net.ListenUDP("udp", laddr); err != nil {
		return err
	}
	if err := SetUp(u.tbl, u.intf); err != nil {
		u.conn.Close()
		return err
	}
	go u.recvLoop()
	go u.sendLoop()
	u.logger.Info().Str("local", u.local).Str("remote", u.remote).Msg("udp cla started")
	return nil
}

// Stop marks the interface down and closes the socket.
func (u *UDP) Stop() {
	close(u.stopCh)
	SetDown(u.tbl, u.intf)
	if u.conn != nil {
		u.conn.Close()
	}
}

func (u *UDP) recvLoop() {
	buf := make([]byte, maxDatagram)
	for {
		select {
		case <-u.stopCh:
			return
		default:
		}
		n, _, err := u.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-u.stopCh:
				return
			default:
				u.logger.Warn().Err(err).Msg("udp receive failed")
				continue
			}
		}
		deadline := types.DtnTimeNow().Add(1000)
		if err := Ingress(u.tbl, u.intf, buf[:n], deadline); err != nil {
			u.logger.Warn().Err(err).Msg("ingress rejected datagram")
		}
	}
}

func (u *UDP) sendLoop() {
	buf := make([]byte, maxDatagram)
	for {
		select {
		case <-u.stopCh:
			return
		default:
		}
		deadline := types.DtnTimeNow().Add(500)
		n, err := Egress(u.tbl, u.intf, buf, deadline)
		if err != nil {
			// timeout is the idle path
			time.Sleep(10 * time.Millisecond)
			continue
		}
		if _, err := u.conn.WriteToUDP(buf[:n], u.peer); err != nil {
			u.logger.Warn().Err(err).Msg("udp transmit failed")
		}
	}
}
