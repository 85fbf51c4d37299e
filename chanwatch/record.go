package chanwatch

import (
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/chainwatch/lnwire"
	"github.com/lightningnetwork/lnd/fn/v2"
)

// PeerID identifies the remote node of a channel. It is the compressed
// public key of the peer.
type PeerID [33]byte

// String returns the hex encoding of the peer id.
func (p PeerID) String() string {
	return hex.EncodeToString(p[:])
}

// SpentState is the tri-state spentness of a watched output.
type SpentState uint8

const (
	// SpentStateFail means the state is unknown or could not be
	// determined.
	SpentStateFail SpentState = iota

	// SpentStateUnspent means no spend of the output has been seen.
	SpentStateUnspent

	// SpentStateSpent means a transaction spending the output was seen.
	SpentStateSpent
)

// String returns a human readable version of the state.
func (s SpentState) String() string {
	switch s {
	case SpentStateFail:
		return "Fail"
	case SpentStateUnspent:
		return "Unspent"
	case SpentStateSpent:
		return "Spent"
	default:
		return fmt.Sprintf("SpentState(%d)", uint8(s))
	}
}

// CommitSide selects one of the two commitment transaction slots of a
// channel.
type CommitSide uint8

const (
	// CommitLocal is the slot of our own commitment transaction.
	CommitLocal CommitSide = iota

	// CommitRemote is the slot of the remote party's commitment
	// transaction.
	CommitRemote

	// numCommitSides is the number of commit slots.
	numCommitSides
)

// String returns a human readable version of the side.
func (c CommitSide) String() string {
	switch c {
	case CommitLocal:
		return "local"
	case CommitRemote:
		return "remote"
	default:
		return fmt.Sprintf("CommitSide(%d)", uint8(c))
	}
}

// Valid returns true if the side names an existing slot.
func (c CommitSide) Valid() bool {
	return c < numCommitSides
}

// Coordinate locates the funding output on chain: the height of the block,
// the index of the transaction within the block and the output index. A
// negative field is unset.
type Coordinate struct {
	Height      int32
	BlockIndex  int32
	OutputIndex int32
}

// UnsetCoordinate returns a coordinate with every field unset.
func UnsetCoordinate() Coordinate {
	return Coordinate{Height: -1, BlockIndex: -1, OutputIndex: -1}
}

// IsSet returns true if all fields are known.
func (c Coordinate) IsSet() bool {
	return c.Height >= 0 && c.BlockIndex >= 0 && c.OutputIndex >= 0
}

// ShortChannelID encodes the coordinate as a short channel id.
func (c Coordinate) ShortChannelID() (lnwire.ShortChannelID, error) {
	return lnwire.NewShortChanID(c.Height, c.BlockIndex, c.OutputIndex)
}

// String returns the coordinate in height:index:output form.
func (c Coordinate) String() string {
	return fmt.Sprintf("%d:%d:%d", c.Height, c.BlockIndex, c.OutputIndex)
}

// ScanCheckpoint marks where an interrupted unspent scan resumes. All blocks
// above Hash up to and including Top were already checked.
type ScanCheckpoint struct {
	// Hash is the block that could not be checked.
	Hash chainhash.Hash

	// Height is the height of Hash.
	Height int32

	// Top is the tip the interrupted scan started from.
	Top chainhash.Hash

	// TopHeight is the height of Top.
	TopHeight int32
}

// CommitSlot watches one side's commitment transaction.
type CommitSlot struct {
	CommitNumber uint64
	Txid         fn.Option[chainhash.Hash]
	State        SpentState
}

// ChannelRecord is the on-chain view of one channel.
type ChannelRecord struct {
	// PeerID is the registry key, it never changes.
	PeerID PeerID

	// FundingOutpoint is the channel's funding output.
	FundingOutpoint wire.OutPoint

	// WatchScript is the funding output script the backend watches.
	WatchScript []byte

	// Coordinate is the position of the funding output on chain.
	Coordinate Coordinate

	// Confirmation is the depth of the funding transaction: -1 unknown,
	// 0 not yet mined.
	Confirmation int32

	// MinedBlockHash is the block containing the funding transaction, the
	// zero hash until it is located.
	MinedBlockHash chainhash.Hash

	// FundingState is the spentness of the funding output.
	FundingState SpentState

	// SpentBlockHash is the block the funding spend was seen in, if
	// known.
	SpentBlockHash fn.Option[chainhash.Hash]

	// Checkpoint is set while an unspent scan is interrupted.
	Checkpoint fn.Option[ScanCheckpoint]

	// ScanTop is the tip the last completed unspent scan started from.
	ScanTop chainhash.Hash

	// ScanTopHeight is the height of ScanTop.
	ScanTopHeight int32

	// Commits are the commitment transaction slots, indexed by
	// CommitSide.
	Commits [numCommitSides]CommitSlot
}

// NewChannelRecord returns an empty record for the peer.
func NewChannelRecord(peer PeerID) *ChannelRecord {
	return &ChannelRecord{
		PeerID:       peer,
		Coordinate:   UnsetCoordinate(),
		Confirmation: -1,
	}
}

// Initialize (re)sets the funding output of the channel. Giving a different
// outpoint than the current one resets every value derived from the old
// one.
func (c *ChannelRecord) Initialize(op wire.OutPoint, watchScript []byte,
	scid lnwire.ShortChannelID) {

	if c.FundingOutpoint != op {
		*c = *NewChannelRecord(c.PeerID)
	}

	if !scid.IsDefault() {
		c.Coordinate.Height = int32(scid.BlockHeight)
		c.Coordinate.BlockIndex = int32(scid.TxIndex)
	}

	c.FundingOutpoint = op
	c.Coordinate.OutputIndex = int32(op.Index)
	c.WatchScript = append([]byte(nil), watchScript...)
}

// Available returns true once the coordinate is fully known and the funding
// transaction has at least one confirmation.
func (c *ChannelRecord) Available() bool {
	return c.Coordinate.IsSet() && c.Confirmation > 0
}

// Published returns true if the channel is available and its mined block is
// known.
func (c *ChannelRecord) Published() bool {
	return c.Available() && c.MinedBlockHash != (chainhash.Hash{})
}

// SetConfirmation raises the confirmation. The value never decreases and a
// zero never replaces a positive depth.
func (c *ChannelRecord) SetConfirmation(conf int32) {
	if conf > c.Confirmation {
		c.Confirmation = conf
	}
}

// ResetConfirmation replaces the confirmation with a freshly scanned value.
func (c *ChannelRecord) ResetConfirmation(conf int32) {
	c.Confirmation = conf
}

// SetMinedBlock records where the funding transaction was mined. Each value
// is only taken when meaningful: a non-zero hash, a positive height and a
// block index when none is known yet.
func (c *ChannelRecord) SetMinedBlock(hash chainhash.Hash, height,
	blockIndex int32) {

	if hash != (chainhash.Hash{}) {
		c.MinedBlockHash = hash
	}
	if height > 0 {
		c.Coordinate.Height = height
	}
	if c.Coordinate.BlockIndex < 0 && blockIndex >= 0 {
		c.Coordinate.BlockIndex = blockIndex
	}
}

// SetFundingSpent marks the funding output spent, optionally in a known
// block. The scan bookkeeping is dropped since no further scan is needed.
func (c *ChannelRecord) SetFundingSpent(block fn.Option[chainhash.Hash]) {
	c.FundingState = SpentStateSpent
	c.Checkpoint = fn.None[ScanCheckpoint]()

	block.WhenSome(func(hash chainhash.Hash) {
		c.SpentBlockHash = fn.Some(hash)
	})
}

// SetFundingUnspent records a completed scan from tip that found no spend.
func (c *ChannelRecord) SetFundingUnspent(tip chainhash.Hash, height int32) {
	c.FundingState = SpentStateUnspent
	c.Checkpoint = fn.None[ScanCheckpoint]()
	c.ScanTop, c.ScanTopHeight = tip, height
}

// DropScanTop forgets the previous scans once their tip left the chain.
// Nothing they checked can be skipped anymore.
func (c *ChannelRecord) DropScanTop() {
	c.Checkpoint = fn.None[ScanCheckpoint]()
	c.ScanTop, c.ScanTopHeight = chainhash.Hash{}, 0
}

// SetCommitTxid starts watching a commitment transaction. The slot state
// stays unknown until the transaction is seen.
func (c *ChannelRecord) SetCommitTxid(side CommitSide, commitNumber uint64,
	txid chainhash.Hash) error {

	if !side.Valid() {
		return fmt.Errorf("invalid commit side: %v", side)
	}

	c.Commits[side] = CommitSlot{
		CommitNumber: commitNumber,
		Txid:         fn.Some(txid),
		State:        SpentStateFail,
	}

	return nil
}

// CommitByTxid returns the side whose commitment txid matches.
func (c *ChannelRecord) CommitByTxid(txid chainhash.Hash) fn.Option[CommitSide] {
	for side := CommitLocal; side < numCommitSides; side++ {
		match := fn.MapOptionZ(
			c.Commits[side].Txid, func(h chainhash.Hash) bool {
				return h == txid
			},
		)
		if match {
			return fn.Some(side)
		}
	}

	return fn.None[CommitSide]()
}

// Copy returns a deep copy of the record.
func (c *ChannelRecord) Copy() *ChannelRecord {
	cp := *c
	cp.WatchScript = append([]byte(nil), c.WatchScript...)

	return &cp
}

// String returns a short description of the record for logging.
func (c *ChannelRecord) String() string {
	return fmt.Sprintf("peer=%x funding=%v coord=%v conf=%d state=%v",
		c.PeerID[:6], c.FundingOutpoint, c.Coordinate, c.Confirmation,
		c.FundingState)
}
