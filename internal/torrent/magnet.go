package torrent

import (
	"bytes"
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"strconv"
	"time"

	"github.com/prxssh/rabbit/internal/meta"
	"github.com/prxssh/rabbit/internal/peer"
	"github.com/prxssh/rabbit/internal/tracker"
)

// metadataFetchTimeout bounds a single peer's ut_metadata exchange; a magnet
// add tries several peers in turn rather than waiting indefinitely on one.
const metadataFetchTimeout = 20 * time.Second

// NewTorrentFromMagnet resolves a magnet URI into a runnable Torrent. It
// announces to the trackers embedded in the URI to find peers, then fetches
// the info dictionary from one of them over the ut_metadata extension
// (BEP-9) before handing off to NewTorrent exactly as if a .torrent file had
// been read from disk.
//
// DHT-only magnets (no tr= tracker params) are not supported: there is no
// tracker to announce to before a torrent — and therefore a DHT instance
// bound to an info hash — exists.
func NewTorrentFromMagnet(
	ctx context.Context,
	clientID [sha1.Size]byte,
	magnetURI string,
	cfg *Config,
	mgr *peer.Manager,
) (*Torrent, error) {
	magnet, err := meta.ParseMagnet(magnetURI)
	if err != nil {
		return nil, fmt.Errorf("magnet: %w", err)
	}
	if len(magnet.Trackers) == 0 {
		return nil, errors.New("magnet: no tracker URLs in URI; DHT-only metadata fetch is not supported")
	}

	logger := slog.Default().With(
		"magnet", magnet.Name,
		"info_hash", hex.EncodeToString(magnet.InfoHash[:]),
	)

	data, err := fetchMagnetMetainfo(ctx, clientID, magnet, logger)
	if err != nil {
		return nil, fmt.Errorf("magnet: %w", err)
	}

	return NewTorrent(clientID, data, cfg, mgr)
}

// fetchMagnetMetainfo announces once to the magnet's trackers, then tries
// each returned peer in turn until one successfully serves the info
// dictionary, returning a full .torrent-shaped bencode document.
func fetchMagnetMetainfo(
	ctx context.Context,
	clientID [sha1.Size]byte,
	magnet *meta.Magnet,
	logger *slog.Logger,
) ([]byte, error) {
	t, err := tracker.NewTracker("", [][]string{magnet.Trackers}, &tracker.TrackerOpts{
		Log:               logger,
		OnAnnounceStart:   func() *tracker.AnnounceParams { return nil },
		OnAnnounceSuccess: func([]netip.AddrPort) {},
	})
	if err != nil {
		return nil, fmt.Errorf("build tracker: %w", err)
	}

	resp, err := t.Announce(ctx, &tracker.AnnounceParams{
		InfoHash: magnet.InfoHash,
		PeerID:   clientID,
		Event:    tracker.EventStarted,
		Left:     1,
	})
	if err != nil {
		return nil, fmt.Errorf("announce: %w", err)
	}
	if len(resp.Peers) == 0 {
		return nil, errors.New("tracker returned no peers")
	}

	fetcher := meta.NewMetadataFetcher(logger)

	var lastErr error
	for _, addr := range resp.Peers {
		fetchCtx, cancel := context.WithTimeout(ctx, metadataFetchTimeout)
		info, err := fetcher.Fetch(fetchCtx, addr, magnet.InfoHash, clientID)
		cancel()

		if err != nil {
			lastErr = err
			logger.Debug("metadata fetch failed", "peer", addr, "error", err)
			continue
		}

		return buildMetainfoDocument(magnet, info), nil
	}

	return nil, fmt.Errorf("metadata fetch failed against all %d peers: %w", len(resp.Peers), lastErr)
}

// buildMetainfoDocument wraps a verified raw "info" dictionary (as returned
// by MetadataFetcher, byte-identical to what a .torrent file would carry) in
// a minimal announce/announce-list envelope, producing bytes ParseMetainfo
// can read exactly as it would a downloaded .torrent file. The info bytes
// are spliced in verbatim rather than round-tripped through the bencode
// encoder. ParseMetainfo computes the info hash by re-encoding the decoded
// info dictionary, so that hash equals the one the fetcher verified only
// when infoRaw is canonical bencode (sorted keys, minimal integers).
func buildMetainfoDocument(magnet *meta.Magnet, infoRaw []byte) []byte {
	var buf bytes.Buffer
	buf.WriteByte('d')

	writeBencodeString(&buf, "announce")
	writeBencodeString(&buf, magnet.Trackers[0])

	if len(magnet.Trackers) > 1 {
		writeBencodeString(&buf, "announce-list")
		buf.WriteByte('l')
		for _, tr := range magnet.Trackers {
			buf.WriteByte('l')
			writeBencodeString(&buf, tr)
			buf.WriteByte('e')
		}
		buf.WriteByte('e')
	}

	writeBencodeString(&buf, "info")
	buf.Write(infoRaw)

	buf.WriteByte('e')
	return buf.Bytes()
}

func writeBencodeString(buf *bytes.Buffer, s string) {
	buf.WriteString(strconv.Itoa(len(s)))
	buf.WriteByte(':')
	buf.WriteString(s)
}
