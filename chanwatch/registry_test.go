package chanwatch

import (
	"testing"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/chainwatch/lnwire"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/stretchr/testify/require"
)

var (
	testPeer  = PeerID{0x02, 0x01}
	testPeer2 = PeerID{0x03, 0x02}

	testOutpoint = wire.OutPoint{
		Hash:  chainhash.Hash{0x11, 0x22},
		Index: 1,
	}
	testScript = append([]byte{0x00, 0x20}, make([]byte, 32)...)

	testBlockHash = chainhash.Hash{0xbb}
)

// TestCoordinateAvailability asserts a channel is only available once every
// coordinate field is set and the confirmation is positive.
func TestCoordinateAvailability(t *testing.T) {
	t.Parallel()

	rec := NewChannelRecord(testPeer)
	require.False(t, rec.Available())
	require.False(t, rec.Published())

	rec.Initialize(testOutpoint, testScript, lnwire.ShortChannelID{})
	require.EqualValues(t, 1, rec.Coordinate.OutputIndex)
	require.False(t, rec.Available())

	rec.SetMinedBlock(testBlockHash, 100, 4)
	require.True(t, rec.Coordinate.IsSet())
	require.False(t, rec.Available(), "available without confirmation")

	rec.SetConfirmation(0)
	require.False(t, rec.Available(), "available at zero confirmation")

	rec.SetConfirmation(3)
	require.True(t, rec.Available())
	require.True(t, rec.Published())

	scid, err := rec.Coordinate.ShortChannelID()
	require.NoError(t, err)
	require.Equal(t, "100:4:1", scid.String())
}

// TestSetConfirmationMonotonic asserts a known depth is never lowered, in
// particular not by a zero, unless a fresh scan resets it.
func TestSetConfirmationMonotonic(t *testing.T) {
	t.Parallel()

	rec := NewChannelRecord(testPeer)
	require.EqualValues(t, -1, rec.Confirmation)

	rec.SetConfirmation(0)
	require.EqualValues(t, 0, rec.Confirmation)

	rec.SetConfirmation(5)
	rec.SetConfirmation(0)
	rec.SetConfirmation(2)
	require.EqualValues(t, 5, rec.Confirmation)

	rec.ResetConfirmation(0)
	require.EqualValues(t, 0, rec.Confirmation)
}

// TestSetMinedBlock asserts each mined block field is only taken when it
// carries information.
func TestSetMinedBlock(t *testing.T) {
	t.Parallel()

	rec := NewChannelRecord(testPeer)

	rec.SetMinedBlock(chainhash.Hash{}, 0, -1)
	require.Equal(t, chainhash.Hash{}, rec.MinedBlockHash)
	require.EqualValues(t, -1, rec.Coordinate.Height)
	require.EqualValues(t, -1, rec.Coordinate.BlockIndex)

	rec.SetMinedBlock(testBlockHash, 50, 7)
	require.Equal(t, testBlockHash, rec.MinedBlockHash)
	require.EqualValues(t, 50, rec.Coordinate.Height)
	require.EqualValues(t, 7, rec.Coordinate.BlockIndex)

	// A known block index is kept, the zero hash ignored.
	rec.SetMinedBlock(chainhash.Hash{}, 51, 9)
	require.Equal(t, testBlockHash, rec.MinedBlockHash)
	require.EqualValues(t, 51, rec.Coordinate.Height)
	require.EqualValues(t, 7, rec.Coordinate.BlockIndex)
}

// TestInitializeReset asserts a different funding outpoint resets derived
// state while the same outpoint keeps it.
func TestInitializeReset(t *testing.T) {
	t.Parallel()

	scid := lnwire.NewShortChanIDFromInt(0)

	rec := NewChannelRecord(testPeer)
	rec.Initialize(testOutpoint, testScript, scid)
	rec.SetMinedBlock(testBlockHash, 10, 1)
	rec.SetConfirmation(4)
	rec.SetFundingUnspent(testBlockHash, 10)
	require.NoError(t, rec.SetCommitTxid(CommitLocal, 3, chainhash.Hash{1}))

	rec.Initialize(testOutpoint, testScript, scid)
	require.EqualValues(t, 4, rec.Confirmation)
	require.Equal(t, SpentStateUnspent, rec.FundingState)
	require.True(t, rec.Commits[CommitLocal].Txid.IsSome())

	other := wire.OutPoint{Hash: chainhash.Hash{0x99}, Index: 0}
	rec.Initialize(other, testScript, scid)
	require.Equal(t, testPeer, rec.PeerID)
	require.Equal(t, other, rec.FundingOutpoint)
	require.EqualValues(t, -1, rec.Confirmation)
	require.Equal(t, chainhash.Hash{}, rec.MinedBlockHash)
	require.Equal(t, SpentStateFail, rec.FundingState)
	require.True(t, rec.Commits[CommitLocal].Txid.IsNone())
	require.Equal(t, UnsetCoordinate().Height, rec.Coordinate.Height)
	require.EqualValues(t, 0, rec.Coordinate.OutputIndex)
}

// TestInitializeShortChannelID asserts a short channel id fills in the
// height and block index.
func TestInitializeShortChannelID(t *testing.T) {
	t.Parallel()

	scid, err := lnwire.NewShortChanID(700, 12, 1)
	require.NoError(t, err)

	rec := NewChannelRecord(testPeer)
	rec.Initialize(testOutpoint, testScript, scid)

	require.Equal(t, Coordinate{
		Height: 700, BlockIndex: 12, OutputIndex: 1,
	}, rec.Coordinate)
}

// TestCommitSlots asserts commitment txids can be set per side and found by
// txid.
func TestCommitSlots(t *testing.T) {
	t.Parallel()

	local, remote := chainhash.Hash{0x01}, chainhash.Hash{0x02}

	rec := NewChannelRecord(testPeer)
	require.True(t, rec.CommitByTxid(local).IsNone())

	require.NoError(t, rec.SetCommitTxid(CommitLocal, 1, local))
	require.NoError(t, rec.SetCommitTxid(CommitRemote, 2, remote))
	require.Error(t, rec.SetCommitTxid(CommitSide(5), 1, local))

	require.Equal(t, fn.Some(CommitLocal), rec.CommitByTxid(local))
	require.Equal(t, fn.Some(CommitRemote), rec.CommitByTxid(remote))
	require.Equal(t, SpentStateFail, rec.Commits[CommitRemote].State)
	require.EqualValues(t, 2, rec.Commits[CommitRemote].CommitNumber)
}

// TestRegistryUpsertIdempotent asserts applying the same update twice yields
// one entry with identical fields.
func TestRegistryUpsertIdempotent(t *testing.T) {
	t.Parallel()

	reg := NewRegistry()

	apply := func(rec *ChannelRecord) {
		rec.Initialize(testOutpoint, testScript, lnwire.ShortChannelID{})
		rec.SetMinedBlock(testBlockHash, 10, -1)
		rec.SetConfirmation(3)
	}

	first := reg.Upsert(testPeer, apply)
	second := reg.Upsert(testPeer, apply)

	require.Equal(t, 1, reg.Len())
	require.Equal(t, first, second)
}

// TestRegistrySnapshots asserts callers only ever see copies.
func TestRegistrySnapshots(t *testing.T) {
	t.Parallel()

	reg := NewRegistry()
	reg.Upsert(testPeer, func(rec *ChannelRecord) {
		rec.Initialize(testOutpoint, testScript, lnwire.ShortChannelID{})
	})

	snap, err := reg.Fetch(testPeer)
	require.NoError(t, err)

	snap.SetConfirmation(10)
	snap.WatchScript[0] = 0xff

	stored, err := reg.Fetch(testPeer)
	require.NoError(t, err)
	require.EqualValues(t, -1, stored.Confirmation)
	require.Equal(t, testScript, stored.WatchScript)
}

// TestRegistryLifecycle covers lookups, updates and deletion.
func TestRegistryLifecycle(t *testing.T) {
	t.Parallel()

	reg := NewRegistry()

	_, err := reg.Fetch(testPeer)
	require.ErrorIs(t, err, ErrChannelNotFound)
	require.ErrorIs(
		t, reg.Update(testPeer, func(*ChannelRecord) {}),
		ErrChannelNotFound,
	)

	reg.Upsert(testPeer2, func(rec *ChannelRecord) {})
	reg.Upsert(testPeer, func(rec *ChannelRecord) {
		rec.Initialize(testOutpoint, testScript, lnwire.ShortChannelID{})
	})

	chans := reg.Channels()
	require.Len(t, chans, 2)
	require.Equal(t, testPeer, chans[0].PeerID)
	require.Equal(t, testPeer2, chans[1].PeerID)

	found := reg.FindByFunding(testOutpoint)
	require.True(t, found.IsSome())
	require.True(t, reg.FindByFunding(wire.OutPoint{Index: 9}).IsNone())

	require.NoError(t, reg.Update(testPeer, func(rec *ChannelRecord) {
		rec.SetFundingSpent(fn.Some(testBlockHash))
	}))
	rec, err := reg.Fetch(testPeer)
	require.NoError(t, err)
	require.Equal(t, SpentStateSpent, rec.FundingState)
	require.Equal(t, fn.Some(testBlockHash), rec.SpentBlockHash)

	changed := reg.UpdateAll(func(rec *ChannelRecord) bool {
		return rec.FundingOutpoint == testOutpoint
	})
	require.Equal(t, []PeerID{testPeer}, changed)

	require.True(t, reg.Delete(testPeer))
	require.False(t, reg.Delete(testPeer))
	require.Equal(t, 1, reg.Len())
}
