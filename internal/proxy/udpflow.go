package proxy

import (
	"context"
	"errors"
	"net"
	"strconv"
	"sync/atomic"
	"time"

	"sazanami/internal/core"
	"sazanami/internal/rules"
	"sazanami/internal/session"
)

// udpFlow is one client UDP flow multiplexed over the dispatcher's single
// listening socket, paired with its own dedicated upstream connection.
type udpFlow struct {
	clientAddr net.Addr
	clientPort uint16
	provConn   net.Conn
	lastActive atomic.Int64
}

func (d *Dispatcher) readUDP(ctx context.Context) {
	defer d.wg.Done()
	buf := make([]byte, 65535)
	for {
		n, addr, err := d.udpPC.ReadFrom(buf)
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				return
			}
		}

		clientPort, ok := peerPort(addr)
		if !ok {
			continue
		}
		payload := make([]byte, n)
		copy(payload, buf[:n])
		d.handleUDPDatagram(ctx, clientPort, addr, payload)
	}
}

func (d *Dispatcher) handleUDPDatagram(ctx context.Context, clientPort uint16, addr net.Addr, payload []byte) {
	d.udpMu.Lock()
	flow, ok := d.udpFlows[clientPort]
	d.udpMu.Unlock()

	if !ok {
		var err error
		flow, err = d.newUDPFlow(ctx, clientPort, addr)
		if err != nil {
			core.Log.Debugf("DISPATCHER", "udp flow (client port %d): %v", clientPort, err)
			return
		}
		d.udpMu.Lock()
		d.udpFlows[clientPort] = flow
		d.udpMu.Unlock()
		go d.pumpUDPReturn(flow)
	}

	flow.lastActive.Store(time.Now().Unix())
	d.sessions.Touch(session.UDP, clientPort)
	if _, err := flow.provConn.Write(payload); err != nil {
		core.Log.Debugf("DISPATCHER", "udp write upstream: %v", err)
	}
}

func (d *Dispatcher) newUDPFlow(ctx context.Context, clientPort uint16, addr net.Addr) (*udpFlow, error) {
	vip, vport, ok := d.sessions.OriginalDstOf(session.UDP, clientPort)
	if !ok {
		return nil, core.ErrSessionMissing
	}

	domain, target, err := d.resolveTarget(ctx, vip)
	if err != nil {
		return nil, err
	}

	action, err := d.engine.Classify(domain, target, vport)
	if err != nil {
		if !errors.Is(err, core.ErrRuleNoMatch) {
			return nil, err
		}
		action = rules.Action{Kind: rules.ActionDirect}
	}
	if action.Kind == rules.ActionReject {
		return nil, errors.New("rejected by rule")
	}

	prov, err := d.providerFor(action)
	if err != nil {
		return nil, err
	}

	targetAddr := net.JoinHostPort(target.String(), strconv.Itoa(int(vport)))
	conn, err := d.dialWithRetries(ctx, prov, targetAddr, true)
	if err != nil {
		return nil, err
	}

	f := &udpFlow{clientAddr: addr, clientPort: clientPort, provConn: conn}
	f.lastActive.Store(time.Now().Unix())
	return f, nil
}

// pumpUDPReturn relays datagrams from the upstream provider connection back
// to the client through the dispatcher's shared listening socket, until the
// upstream goes idle past the read timeout or errors.
func (d *Dispatcher) pumpUDPReturn(f *udpFlow) {
	buf := make([]byte, 65535)
	for {
		if d.readTimeout > 0 {
			f.provConn.SetReadDeadline(time.Now().Add(d.readTimeout))
		}
		n, err := f.provConn.Read(buf)
		if n > 0 {
			if _, werr := d.udpPC.WriteTo(buf[:n], f.clientAddr); werr != nil {
				core.Log.Debugf("DISPATCHER", "udp write to client: %v", werr)
			}
		}
		if err != nil {
			break
		}
	}

	f.provConn.Close()
	d.udpMu.Lock()
	delete(d.udpFlows, f.clientPort)
	d.udpMu.Unlock()
}
