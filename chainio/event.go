package chainio

import (
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/fn/v2"
)

// EventType identifies a notification from the chain backend.
type EventType uint8

const (
	// EventNewBlock is sent when a block was connected to the chain.
	EventNewBlock EventType = iota

	// EventConfidenceChanged is sent when the depth of a watched
	// transaction changed.
	EventConfidenceChanged

	// EventTxReceived is sent for a relevant transaction paying to a
	// watched script.
	EventTxReceived

	// EventTxSent is sent for a relevant transaction spending a watched
	// outpoint.
	EventTxSent

	// EventReject is sent when a peer rejected a transaction.
	EventReject
)

// String returns the name of the event type.
func (e EventType) String() string {
	switch e {
	case EventNewBlock:
		return "NewBlock"

	case EventConfidenceChanged:
		return "ConfidenceChanged"

	case EventTxReceived:
		return "TxReceived"

	case EventTxSent:
		return "TxSent"

	case EventReject:
		return "Reject"

	default:
		return fmt.Sprintf("EventType(%d)", uint8(e))
	}
}

// Event is a single notification from the chain backend. Which fields are
// set depends on Type.
type Event struct {
	Type EventType

	// Height is the height of a new block.
	Height int32

	// BlockHash is the new block, or the block a relevant transaction
	// was mined in.
	BlockHash fn.Option[chainhash.Hash]

	// Tx is the relevant transaction.
	Tx *wire.MsgTx

	// Txid is the transaction whose depth changed, or the rejected one.
	Txid chainhash.Hash

	// Depth is the new confirmation depth.
	Depth int32

	// Reason is the reject reason given by the peer.
	Reason string
}

// NewBlockEvent returns the event for a connected block.
func NewBlockEvent(height int32, hash chainhash.Hash) Event {
	return Event{
		Type:      EventNewBlock,
		Height:    height,
		BlockHash: fn.Some(hash),
	}
}

// NewTxEvent returns a TxReceived or TxSent event. block is the block the
// transaction was mined in, if any.
func NewTxEvent(typ EventType, tx *wire.MsgTx,
	block fn.Option[chainhash.Hash]) Event {

	return Event{
		Type:      typ,
		Tx:        tx,
		Txid:      tx.TxHash(),
		BlockHash: block,
	}
}

// NewConfidenceEvent returns the event for a changed depth of txid.
func NewConfidenceEvent(txid chainhash.Hash, depth int32) Event {
	return Event{
		Type:  EventConfidenceChanged,
		Txid:  txid,
		Depth: depth,
	}
}

// NewRejectEvent returns the event for a rejected transaction.
func NewRejectEvent(txid chainhash.Hash, reason string) Event {
	return Event{
		Type:   EventReject,
		Txid:   txid,
		Reason: reason,
	}
}
