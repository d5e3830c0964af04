package torrent

import (
	"context"
	"crypto/rand"
	"crypto/sha1"
	"encoding/hex"
	"log/slog"
	"sync"

	"github.com/prxssh/rabbit/internal/peer"
)

type Client struct {
	log      *slog.Logger
	mu       sync.RWMutex
	clientID [sha1.Size]byte
	manager  *peer.Manager
	torrents map[[sha1.Size]byte]*Torrent
}

func NewClient() (*Client, error) {
	clientID, err := generateClientID()
	if err != nil {
		return nil, err
	}

	log := slog.Default()

	return &Client{
		log:      log,
		clientID: clientID,
		manager:  peer.NewManager(log, clientID),
		torrents: make(map[[sha1.Size]byte]*Torrent),
	}, nil
}

// ListenAndServe starts the client's inbound peer connection listener,
// blocking until ctx is cancelled. Every torrent added via AddTorrent is
// reachable to inbound dialers through the same listener, demultiplexed by
// info_hash.
func (c *Client) ListenAndServe(ctx context.Context) error {
	return c.manager.ListenAndServe(ctx)
}

// AddTorrent parses data as a .torrent file, registers it, and starts
// downloading. ctx governs the torrent's entire lifetime; cancelling it (or
// calling RemoveTorrent) stops the torrent's goroutines.
func (c *Client) AddTorrent(ctx context.Context, data []byte, cfg *Config) (*Torrent, error) {
	if cfg == nil {
		cfg = WithDefaultConfig()
	}

	torrent, err := NewTorrent(c.clientID, data, cfg, c.manager)
	if err != nil {
		c.log.Error("failed to parse torrent", "error", err, "size", len(data))
		return nil, err
	}

	infoHashHex := hex.EncodeToString(torrent.Metainfo.InfoHash[:])

	c.log.Debug("adding torrent",
		"name", torrent.Metainfo.Info.Name,
		"info_hash", infoHashHex,
		"size", torrent.Metainfo.Size,
		"pieces", len(torrent.Metainfo.Info.Pieces),
	)

	c.mu.Lock()
	c.torrents[torrent.Metainfo.InfoHash] = torrent
	c.mu.Unlock()

	go func() { torrent.Run(ctx) }()
	return torrent, nil
}

// AddMagnet resolves a magnet URI (fetching its info dictionary over
// ut_metadata) and starts downloading it, exactly like AddTorrent but
// without requiring a .torrent file on disk.
func (c *Client) AddMagnet(ctx context.Context, magnetURI string, cfg *Config) (*Torrent, error) {
	if cfg == nil {
		cfg = WithDefaultConfig()
	}

	torrent, err := NewTorrentFromMagnet(ctx, c.clientID, magnetURI, cfg, c.manager)
	if err != nil {
		c.log.Error("failed to resolve magnet", "error", err)
		return nil, err
	}

	c.log.Debug("adding torrent from magnet",
		"name", torrent.Metainfo.Info.Name,
		"info_hash", hex.EncodeToString(torrent.Metainfo.InfoHash[:]),
	)

	c.mu.Lock()
	c.torrents[torrent.Metainfo.InfoHash] = torrent
	c.mu.Unlock()

	go func() { torrent.Run(ctx) }()
	return torrent, nil
}

func (c *Client) GetDefaultConfig() *Config {
	return WithDefaultConfig()
}

func (c *Client) RemoveTorrent(infoHashHex string) error {
	var infoHash [sha1.Size]byte

	bytes, err := hex.DecodeString(infoHashHex)
	if err != nil || len(bytes) != sha1.Size {
		c.log.Error("invalid info hash", "hash", infoHashHex, "error", err)
		return err
	}
	copy(infoHash[:], bytes)

	c.mu.Lock()
	defer c.mu.Unlock()

	torrent, ok := c.torrents[infoHash]
	if !ok {
		c.log.Warn("torrent not found", "info_hash", infoHashHex)
		return nil
	}

	c.log.Debug(
		"removing torrent",
		"name", torrent.Metainfo.Info.Name,
		"info_hash", infoHashHex,
	)

	torrent.Stop()
	delete(c.torrents, infoHash)
	return nil
}

func (c *Client) GetTorrentStats(infoHashHex string) *Stats {
	var infoHash [sha1.Size]byte

	bytes, err := hex.DecodeString(infoHashHex)
	if err != nil || len(bytes) != sha1.Size {
		return nil
	}
	copy(infoHash[:], bytes)

	c.mu.RLock()
	torrent, ok := c.torrents[infoHash]
	c.mu.RUnlock()
	if !ok {
		return nil
	}

	return torrent.GetStats()
}

func (c *Client) GetTorrentConfig(infoHashHex string) *Config {
	var infoHash [sha1.Size]byte

	bytes, err := hex.DecodeString(infoHashHex)
	if err != nil || len(bytes) != sha1.Size {
		return nil
	}
	copy(infoHash[:], bytes)

	c.mu.RLock()
	torrent, ok := c.torrents[infoHash]
	c.mu.RUnlock()
	if !ok {
		return nil
	}

	return torrent.GetConfig()
}

func (c *Client) UpdateTorrentConfig(infoHashHex string, cfg *Config) error {
	var infoHash [sha1.Size]byte

	bytes, err := hex.DecodeString(infoHashHex)
	if err != nil || len(bytes) != sha1.Size {
		return err
	}
	copy(infoHash[:], bytes)

	c.mu.RLock()
	torrent, ok := c.torrents[infoHash]
	c.mu.RUnlock()
	if !ok {
		c.log.Warn("torrent not found for config update", "info_hash", infoHashHex)
		return nil
	}

	torrent.UpdateConfig(cfg)
	return nil
}

func (c *Client) GetPeerMessageHistory(
	infoHashHex string,
	peerAddr string,
	limit int,
) ([]*peer.Event, error) {
	var infoHash [sha1.Size]byte

	bytes, err := hex.DecodeString(infoHashHex)
	if err != nil || len(bytes) != sha1.Size {
		return nil, err
	}
	copy(infoHash[:], bytes)

	c.mu.RLock()
	torrent, ok := c.torrents[infoHash]
	c.mu.RUnlock()
	if !ok {
		return nil, nil
	}

	return torrent.GetPeerMessageHistory(peerAddr, limit)
}

func generateClientID() ([sha1.Size]byte, error) {
	var peerID [sha1.Size]byte

	prefix := []byte("-RBBT-")
	copy(peerID[:], prefix)

	if _, err := rand.Read(peerID[len(prefix):]); err != nil {
		return [sha1.Size]byte{}, err
	}

	return peerID, nil
}
