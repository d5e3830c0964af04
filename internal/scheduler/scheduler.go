package scheduler

import (
	"context"
	"crypto/sha1"
	"log/slog"
	"net/netip"
	"os"
	"path/filepath"
	goruntime "runtime"
	"sync"
	"time"

	"github.com/prxssh/rabbit/internal/bitfield"
)

type Config struct {
	DownloadDir string

	// DownloadStrategy chooses how to rank eligible pieces.
	DownloadStrategy DownloadStrategy

	// MaxInflightRequestsPerPeer limits how many requests can be outstanding
	// to a single peer at once.
	MaxInflightRequestsPerPeer int

	// MinInflightRequestsPerPeer is a soft floor on per-peer pipelining
	// (1–4 is typical). The scheduler does not read it: the per-peer window
	// is not resized, and only MaxInflightRequestsPerPeer bounds it.
	MinInflightRequestsPerPeer int

	// RequestQueueTimeout is the target amount of data (in seconds) to keep
	// pipelined per peer (libtorrent: request_queue_time). The scheduler
	// does not read it; the per-peer window is not sized from peer rate or
	// RTT.
	RequestQueueTimeout time.Duration

	// RequestTimeout is a per-request timeout setting. The scheduler does
	// not read it: in-flight blocks are never timed out or re-assigned.
	RequestTimeout time.Duration

	// EndgameDuplicatePerBlock, when Endgame is enabled, caps the number of
	// duplicate owners (peers concurrently fetching the same block).
	EndgameDuplicatePerBlock int

	// EndgameThreshold decides when to enter endgame based on remaining blocks.
	EndgameThreshold int

	// maxRequestBacklog is the maximum requests that the per-peer work queue
	// can have.
	maxRequestBacklog int
}

func WithDefaultConfig() *Config {
	return &Config{
		DownloadDir:                getDefaultDownloadDir(),
		MaxInflightRequestsPerPeer: 32,
		MinInflightRequestsPerPeer: 4,
		RequestQueueTimeout:        3 * time.Second,
		RequestTimeout:             25 * time.Second,
		EndgameDuplicatePerBlock:   5,
		EndgameThreshold:           30,
		maxRequestBacklog:          64,
	}
}

func getDefaultDownloadDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		if cwd, err := os.Getwd(); err == nil {
			return filepath.Join(cwd, "downloads")
		}
		return "./downloads"
	}

	switch goruntime.GOOS {
	case "windows":
		return filepath.Join(home, "Downloads", "rabbit")
	case "darwin":
		return filepath.Join(home, "Downloads", "rabbit")
	default: // linux, bsd, etc.
		return filepath.Join(home, ".local", "share", "rabbit", "downloads")
	}
}

type peerState struct {
	inflight         int
	choked           bool
	workQueue        chan *WorkItem
	addr             netip.AddrPort
	bitfield         bitfield.Bitfield
	blockAssignments map[uint64]struct{}
}

func newPeerState(addr netip.AddrPort, pieceCount, workQueueSize int) *peerState {
	return &peerState{
		addr:             addr,
		bitfield:         bitfield.New(pieceCount),
		blockAssignments: make(map[uint64]struct{}),
		workQueue:        make(chan *WorkItem, workQueueSize),
	}
}

// PieceScheduler is the central coordinator for a torrent download. It manages
// the state of all pieces, tracks peer availability, and implements the
// piece-picking strategy (e.g., rarest-first, sequential).
//
// All its methods that modify state are expected to be called from a single
// "event loop" goroutine, making most fields safe to access without locks
// *within* that loop. The eventQueue is the entry point for all state changes.
type PieceScheduler struct {
	log *slog.Logger
	cfg *Config

	mut sync.RWMutex
	// lastPieceLen is the byte length of the final piece (which may be shorter).
	lastPieceLen int32

	// pieceCount is the total number of pieces in the torrent.
	pieceCount int

	// pieces holds the detailed state for every piece, indexed by piece number.
	pieces []*piece

	// availability tracks piece rarity for the rarest-first algorithm.
	availability *availabilityBucket

	// nextPiece is the index of the next piece to pick for sequential download
	// (e.g., for streaming or to prioritize the start of the file).
	nextPiece int

	// nextBlock is the index of the next block within nextPiece to pick.
	nextBlock int

	// endgame is true when the download is in endgame mode (requesting all
	// remaining blocks from all available peers).
	endgame bool

	// remainingBlocks is a count of all blocks that are still in blockWant
	// state. This is often used to trigger endgame mode.
	remainingBlocks int

	// bitfield is our local bitfield, tracking which pieces we have verified.
	bitfield bitfield.Bitfield

	// inflightRequests is the global count of all block requests currently in
	// flight across all peers.
	inflightRequests int

	// eventQueue is the central channel for receiving events form peers to be
	// processed by the scheduler's event loop.
	eventQueue chan Event

	// totalSize is the torrent's total content length in bytes, needed to
	// compute the last piece's trimmed length.
	totalSize int64

	// pieceQueue delivers completed blocks to the storage layer for
	// assembly, hashing, and disk write.
	pieceQueue chan<- *BlockData

	// pieceResultQueue delivers the storage layer's SHA-1 verification
	// outcome for a piece back to the scheduler's event loop.
	pieceResultQueue <-chan *PieceResult

	peerStateMut sync.RWMutex

	// peerState tracks the state of all currently connected peers, keyed by their
	// network address.
	peerState map[netip.AddrPort]*peerState
}

type Opts struct {
	Config      *Config
	Log         *slog.Logger
	PieceHashes [][sha1.Size]byte
	PieceLength int32
	TotalSize   int64
	// PieceQueue receives assembled blocks so the storage layer can verify
	// and persist them. Required.
	PieceQueue chan<- *BlockData
	// PieceResultQueue delivers verification results back from the
	// storage layer. Required.
	PieceResultQueue <-chan *PieceResult
}

func NewPieceScheduler(opts Opts) (*PieceScheduler, error) {
	if opts.Config == nil {
		opts.Config = WithDefaultConfig()
	}

	n := len(opts.PieceHashes)
	availability := newAvailabilityBucket(n)

	totalBlocks := 0
	lastPieceLen := LastPieceLength(opts.TotalSize, opts.PieceLength)
	pieces := make([]*piece, n)

	for i := 0; i < n; i++ {
		plen, _ := PieceLengthAt(i, opts.TotalSize, opts.PieceLength)
		blockCount := BlocksInPiece(plen)
		totalBlocks += blockCount
		blocks := make([]*block, blockCount)

		for j := 0; j < blockCount; j++ {
			blocks[j] = &block{status: blockWant}
		}

		pieces[i] = &piece{
			index:       i,
			doneBlocks:  0,
			length:      plen,
			verified:    false,
			blocks:      blocks,
			isLastPiece: i == n-1,
			blockCount:  blockCount,
			sha:         opts.PieceHashes[i],
			lastBlock:   LastBlockInPiece(plen),
		}
	}

	return &PieceScheduler{
		nextPiece:       0,
		nextBlock:       0,
		pieceCount:      n,
		endgame:         false,
		pieces:          pieces,
		remainingBlocks: totalBlocks,
		cfg:             opts.Config,
		availability:    availability,
		lastPieceLen:    lastPieceLen,
		bitfield:        bitfield.New(n),
		eventQueue:      make(chan Event, 1000),
		peerState:       make(map[netip.AddrPort]*peerState),
		log:             opts.Log.With("component", "scheduler"),
		totalSize:        opts.TotalSize,
		pieceQueue:       opts.PieceQueue,
		pieceResultQueue: opts.PieceResultQueue,
	}, nil
}

// Submit enqueues a peer-originated event for processing by the scheduler's
// event loop.
func (s *PieceScheduler) Submit(event Event) {
	s.eventQueue <- event
}

// UpdateConfig swaps in a new scheduler configuration, taking effect for
// subsequent piece-picking decisions.
func (s *PieceScheduler) UpdateConfig(cfg *Config) {
	if cfg == nil {
		return
	}

	s.mut.Lock()
	defer s.mut.Unlock()

	s.cfg = cfg
}

func (s *PieceScheduler) Run(ctx context.Context) error {
	s.log.Debug("piece scheduler event loop started")

	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.log.Info("piece scheduler shutting down", "reason", ctx.Err().Error())
			return nil

		case event, ok := <-s.eventQueue:
			if !ok {
				s.log.Debug("event queue closed, scheduler stopping")
				return nil
			}

			s.handleEvent(event)

		case result, ok := <-s.pieceResultQueue:
			if !ok {
				s.pieceResultQueue = nil
				continue
			}

			s.MarkPieceVerified(result.Piece, result.Success)
			s.broadcastHaveIfVerified(result.Piece, result.Success)

		case <-ticker.C:
			s.maybeEnterEndgame()
			s.findWorkForIdlePeers()
		}
	}
}

// broadcastHaveIfVerified notifies every connected peer that we now have
// this piece, so they can factor it into their own piece requests.
func (s *PieceScheduler) broadcastHaveIfVerified(pieceIdx int, success bool) {
	if !success {
		return
	}

	s.peerStateMut.RLock()
	defer s.peerStateMut.RUnlock()

	for _, ps := range s.peerState {
		select {
		case ps.workQueue <- &WorkItem{Type: WorkSendHave, Piece: pieceIdx}:
		default:
			s.log.Warn("peer work queue full, dropping have broadcast", "peer", ps.addr)
		}
	}
}

// PieceCount returns how many pieces this torrent is split into. Distinct
// from the package-level PieceCount, which computes this from raw sizes.
func (s *PieceScheduler) PieceCount() int {
	return s.pieceCount
}

func (s *PieceScheduler) Bitfield() bitfield.Bitfield {
	s.mut.RLock()
	defer s.mut.RUnlock()

	return s.bitfield
}

func (s *PieceScheduler) GetPeerWorkQueue(peer netip.AddrPort) <-chan *WorkItem {
	s.peerStateMut.RLock()
	if peerState, ok := s.peerState[peer]; ok {
		s.peerStateMut.RUnlock()
		return peerState.workQueue
	}
	s.peerStateMut.RUnlock()

	s.peerStateMut.Lock()
	defer s.peerStateMut.Unlock()

	if peerState, ok := s.peerState[peer]; ok {
		return peerState.workQueue
	}

	peerState := newPeerState(peer, s.pieceCount, s.cfg.maxRequestBacklog)
	s.peerState[peer] = peerState
	return peerState.workQueue
}

func (s *PieceScheduler) findAvailableBlock(piece *piece) (int, bool) {
	for i := 0; i < piece.blockCount; i++ {
		if piece.blocks[i].status == blockWant {
			return i, true
		}
	}

	return 0, false
}

// resetBlockToWant removes peer's ownership of a block. If no owners remain
// afterwards the block reverts to blockWant, freeing it for reassignment;
// during endgame other peers may still hold it in flight, so it stays
// blockInflight until the last owner is removed.
func (s *PieceScheduler) resetBlockToWant(peer netip.AddrPort, piece int, blockIdx int) {
	if !s.isPieceNeeded(piece) {
		return
	}

	p := s.pieces[piece]
	if blockIdx < 0 || blockIdx >= len(p.blocks) {
		return
	}

	block := p.blocks[blockIdx]
	if block.status != blockInflight {
		return
	}

	block.owners = removeBlockOwner(block.owners, peer)
	if len(block.owners) == 0 {
		block.status = blockWant
		s.inflightRequests--
		s.remainingBlocks++
	}
}

// maybeEnterEndgame flips the scheduler into endgame mode once the number of
// blocks left to complete drops to or below Config.EndgameThreshold. Endgame
// is sticky: once entered it stays on for the remainder of the download.
func (s *PieceScheduler) maybeEnterEndgame() {
	if s.endgame || s.cfg.EndgameThreshold <= 0 {
		return
	}

	s.mut.RLock()
	remaining := s.remainingBlocks
	s.mut.RUnlock()

	if remaining > 0 && remaining <= s.cfg.EndgameThreshold {
		s.endgame = true
		s.log.Info("entering endgame mode", "remaining_blocks", remaining)
	}
}

func (s *PieceScheduler) assignBlockToPeer(peer *peerState, pieceIdx, blockIdx int) {
	piece := s.pieces[pieceIdx]
	block := piece.blocks[blockIdx]

	begin, length, err := BlockBounds(piece.length, blockIdx)
	if err != nil {
		s.log.Error("invalid block bounds", "piece", pieceIdx, "block", blockIdx)
		return
	}

	firstOwner := block.status == blockWant
	block.status = blockInflight
	block.owners = append(block.owners, blockOwner{peer: peer.addr, requestedAt: time.Now()})

	peer.inflight++
	key := blockKey(pieceIdx, int(begin))
	peer.blockAssignments[key] = struct{}{}

	s.peerStateMut.Lock()
	defer s.peerStateMut.Unlock()

	s.inflightRequests++
	if firstOwner {
		s.remainingBlocks--
	}

	req := &WorkItem{Type: WorkSendRequest, Piece: pieceIdx, Begin: int(begin), Length: int(length)}

	select {
	case peer.workQueue <- req:

	default:
		s.log.Warn("work queue full, dropping request", "peer", peer.addr)

		block.owners = removeBlockOwner(block.owners, peer.addr)
		peer.inflight--
		delete(peer.blockAssignments, key)
		s.inflightRequests--
		if len(block.owners) == 0 {
			block.status = blockWant
			s.remainingBlocks++
		}
	}
}

func (s *PieceScheduler) unassignBlockFromPeer(peer netip.AddrPort, piece, begin int) {
	key := blockKey(piece, begin)

	s.peerStateMut.Lock()
	defer s.peerStateMut.Unlock()

	ps, ok := s.peerState[peer]
	if !ok {
		s.log.Warn("unassign block from peer failed; not found!",
			"peer", peer,
			"piece", piece,
			"begin", begin,
		)
		return
	}

	delete(ps.blockAssignments, key)
	ps.inflight--
}

func (s *PieceScheduler) isBlockAssignedtoPeer(peer netip.AddrPort, piece, begin int) bool {
	s.peerStateMut.RLock()
	defer s.peerStateMut.RUnlock()

	ps, ok := s.peerState[peer]
	if !ok {
		s.log.Warn("is block assigned to peer failed; not found!",
			"peer", peer,
			"piece", piece,
			"begin", begin,
		)
		return false
	}

	key := blockKey(piece, begin)
	_, assigned := ps.blockAssignments[key]
	return assigned
}

func (s *PieceScheduler) updatePieceAvailability(peerBF bitfield.Bitfield, delta int) {
	s.mut.RLock()
	weHave := s.bitfield.Clone()
	s.mut.RUnlock()

	for i := 0; i < s.pieceCount; i++ {
		if peerBF.Has(i) && !weHave.Has(i) {
			s.availability.Move(i, delta)
		}
	}
}

func (s *PieceScheduler) isPieceNeeded(piece int) bool {
	if piece < 0 || piece >= s.pieceCount {
		return false
	}

	return !s.bitfield.Has(piece) && !s.pieces[piece].verified
}

func (s *PieceScheduler) findWorkForIdlePeers() {
	candidates := make([]netip.AddrPort, 0, len(s.peerState))

	s.peerStateMut.RLock()
	for addr, ps := range s.peerState {
		if !ps.choked && ps.inflight < s.cfg.MaxInflightRequestsPerPeer {
			candidates = append(candidates, addr)
		}
	}
	s.peerStateMut.RUnlock()

	for _, addr := range candidates {
		s.nextForPeer(addr)
	}
}
