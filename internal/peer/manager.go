package peer

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prxssh/rabbit/internal/config"
	"github.com/prxssh/rabbit/internal/protocol"
)

// hostRecord is the per-remote-host bookkeeping the manager keeps to decide
// dial candidacy: consecutive failure count, last-failure time, and whether
// the host is currently in use by an active dial/connection.
type hostRecord struct {
	mu                  sync.Mutex
	lastFailure         time.Time
	consecutiveFailures int
	inUse               bool
	torrents            map[[sha1.Size]byte]struct{}
}

// Manager is the cross-torrent peer admission and inbound-connection
// authority for a client. It tracks host failure/ban/cooldown state shared
// by every torrent's Swarm, enforces the process-wide connection cap, and
// owns the single inbound TCP listener that demultiplexes incoming
// connections to the right torrent by info_hash.
type Manager struct {
	log        *slog.Logger
	clientID   [sha1.Size]byte
	hostsMu    sync.Mutex
	hosts      map[netip.Addr]*hostRecord
	swarmsMu   sync.RWMutex
	swarms     map[[sha1.Size]byte]*Swarm
	liveConns  atomic.Int64
}

func NewManager(log *slog.Logger, clientID [sha1.Size]byte) *Manager {
	if log == nil {
		log = slog.Default()
	}

	return &Manager{
		log:      log.With("component", "peer_manager"),
		clientID: clientID,
		hosts:    make(map[netip.Addr]*hostRecord),
		swarms:   make(map[[sha1.Size]byte]*Swarm),
	}
}

// RegisterTorrent makes a torrent's swarm reachable from inbound connections
// carrying its info_hash. UnregisterTorrent reverses this when the torrent
// stops.
func (m *Manager) RegisterTorrent(infoHash [sha1.Size]byte, s *Swarm) {
	m.swarmsMu.Lock()
	defer m.swarmsMu.Unlock()

	m.swarms[infoHash] = s
}

func (m *Manager) UnregisterTorrent(infoHash [sha1.Size]byte) {
	m.swarmsMu.Lock()
	defer m.swarmsMu.Unlock()

	delete(m.swarms, infoHash)
}

func (m *Manager) hostRecordFor(addr netip.Addr) *hostRecord {
	m.hostsMu.Lock()
	defer m.hostsMu.Unlock()

	hr, ok := m.hosts[addr]
	if !ok {
		hr = &hostRecord{torrents: make(map[[sha1.Size]byte]struct{})}
		m.hosts[addr] = hr
	}
	return hr
}

// Admit reports whether addr is currently a usable outbound dial candidate:
// under the global connection cap, not banned (consecutive failures below
// max_fails), not on cooldown after a recent failure, and not already in use
// by another in-flight dial.
func (m *Manager) Admit(addr netip.AddrPort) bool {
	cfg := config.Load()

	if m.liveConns.Load() >= int64(cfg.MaxConnections) {
		return false
	}

	hr := m.hostRecordFor(addr.Addr())

	hr.mu.Lock()
	defer hr.mu.Unlock()

	if hr.inUse {
		return false
	}
	if hr.consecutiveFailures >= cfg.MaxFails {
		return false
	}
	if hr.consecutiveFailures > 0 && time.Since(hr.lastFailure) < cfg.HostCooldown {
		return false
	}

	return true
}

// MarkInUse flags addr as currently being dialed, so concurrent dial workers
// don't pick the same host twice.
func (m *Manager) MarkInUse(addr netip.AddrPort, torrent [sha1.Size]byte, inUse bool) {
	hr := m.hostRecordFor(addr.Addr())

	hr.mu.Lock()
	defer hr.mu.Unlock()

	hr.inUse = inUse
	if inUse {
		hr.torrents[torrent] = struct{}{}
	}
}

// MarkDialSuccess resets a host's failure count after a successful handshake
// and accounts the new connection against the global cap.
func (m *Manager) MarkDialSuccess(addr netip.AddrPort) {
	hr := m.hostRecordFor(addr.Addr())

	hr.mu.Lock()
	hr.consecutiveFailures = 0
	hr.inUse = false
	hr.mu.Unlock()

	m.liveConns.Add(1)
}

// MarkDialFailure increments a host's consecutive failure count, banning it
// once it reaches max_fails.
func (m *Manager) MarkDialFailure(addr netip.AddrPort) {
	hr := m.hostRecordFor(addr.Addr())

	hr.mu.Lock()
	hr.consecutiveFailures++
	hr.lastFailure = time.Now()
	hr.inUse = false
	hr.mu.Unlock()
}

// ConnectionClosed releases a connection's slot against the global cap. It
// is safe to call even for connections that were never successfully opened.
func (m *Manager) ConnectionClosed() {
	if v := m.liveConns.Add(-1); v < 0 {
		m.liveConns.Store(0)
	}
}

// ListenAndServe opens the inbound TCP listener on the configured port and
// accepts connections until ctx is cancelled. Each accepted connection
// performs the reverse handshake (read remote's handshake first, since we
// don't know info_hash until then) and is routed to the registered torrent
// by info_hash; unrecognized torrents are closed without a response.
func (m *Manager) ListenAndServe(ctx context.Context) error {
	cfg := config.Load()

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Port))
	if err != nil {
		return fmt.Errorf("peer manager: listen on port %d: %w", cfg.Port, err)
	}
	defer ln.Close()

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	m.log.Info("listening for inbound peer connections", "addr", ln.Addr())

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			m.log.Warn("accept failed", "error", err)
			continue
		}

		go m.acceptConn(ctx, conn)
	}
}

func (m *Manager) acceptConn(ctx context.Context, conn net.Conn) {
	cfg := config.Load()
	if m.liveConns.Load() >= int64(cfg.MaxConnections) {
		conn.Close()
		return
	}
	_ = conn.SetDeadline(time.Now().Add(cfg.HandshakeTimeout))

	remote, err := protocol.ReadHandshake(conn)
	if err != nil {
		m.log.Debug("inbound handshake read failed", "error", err, "remote", conn.RemoteAddr())
		conn.Close()
		return
	}

	m.swarmsMu.RLock()
	swarm, ok := m.swarms[remote.InfoHash]
	m.swarmsMu.RUnlock()
	if !ok {
		m.log.Debug("inbound connection for unknown torrent; closing",
			"info_hash", hex.EncodeToString(remote.InfoHash[:]))
		conn.Close()
		return
	}

	local := protocol.NewHandshake(remote.InfoHash, m.clientID)
	if err := protocol.WriteHandshake(conn, *local); err != nil {
		m.log.Debug("inbound handshake write failed", "error", err)
		conn.Close()
		return
	}
	_ = conn.SetDeadline(time.Time{})

	addrPort, err := remoteAddrPort(conn)
	if err != nil {
		m.log.Debug("could not parse remote address", "error", err)
		conn.Close()
		return
	}

	m.liveConns.Add(1)
	swarm.AcceptConn(ctx, conn, addrPort)
}

func remoteAddrPort(conn net.Conn) (netip.AddrPort, error) {
	addr, ok := conn.RemoteAddr().(*net.TCPAddr)
	if !ok {
		return netip.AddrPort{}, fmt.Errorf("unexpected remote addr type %T", conn.RemoteAddr())
	}

	ip, ok := netip.AddrFromSlice(addr.IP)
	if !ok {
		return netip.AddrPort{}, fmt.Errorf("invalid remote ip %v", addr.IP)
	}

	return netip.AddrPortFrom(ip.Unmap(), uint16(addr.Port)), nil
}
