package lnwire

import (
	"fmt"
	"strconv"
	"strings"
)

const (
	// maxBlockHeight is the largest height that fits in the three byte
	// height field of a short channel id.
	maxBlockHeight = 1<<24 - 1

	// maxTxIndex is the largest in-block index that fits in the three
	// byte transaction index field.
	maxTxIndex = 1<<24 - 1
)

// ShortChannelID represents the set of data which is needed to locate a
// channel's funding output on chain.
type ShortChannelID struct {
	// BlockHeight is the height of the block where funding transaction
	// located.
	//
	// NOTE: This field is limited to 3 bytes.
	BlockHeight uint32

	// TxIndex is a position of funding transaction within a block.
	//
	// NOTE: This field is limited to 3 bytes.
	TxIndex uint32

	// TxPosition indicating transaction output which pays to the channel.
	TxPosition uint16
}

// NewShortChanIDFromInt returns a new ShortChannelID which is the decoded
// version of the compact channel ID encoded within the uint64. The format of
// the compact channel ID is as follows: 3 bytes for the block height, 3 bytes
// for the transaction index, and 2 bytes for the output index.
func NewShortChanIDFromInt(chanID uint64) ShortChannelID {
	return ShortChannelID{
		BlockHeight: uint32(chanID >> 40),
		TxIndex:     uint32(chanID>>16) & 0xFFFFFF,
		TxPosition:  uint16(chanID),
	}
}

// NewShortChanID builds a ShortChannelID from signed coordinates, returning
// an error if any of them is negative or overflows its field.
func NewShortChanID(height, txIndex, txPosition int32) (ShortChannelID,
	error) {

	switch {
	case height < 0 || height > maxBlockHeight:
		return ShortChannelID{}, fmt.Errorf("block height %d out of "+
			"range", height)

	case txIndex < 0 || txIndex > maxTxIndex:
		return ShortChannelID{}, fmt.Errorf("tx index %d out of "+
			"range", txIndex)

	case txPosition < 0 || txPosition > 0xFFFF:
		return ShortChannelID{}, fmt.Errorf("output index %d out of "+
			"range", txPosition)
	}

	return ShortChannelID{
		BlockHeight: uint32(height),
		TxIndex:     uint32(txIndex),
		TxPosition:  uint16(txPosition),
	}, nil
}

// ParseShortChannelID parses either the compact integer form, or the
// "height:index:position" and "heightxindexxposition" forms.
func ParseShortChannelID(s string) (ShortChannelID, error) {
	sep := ""
	switch {
	case strings.Contains(s, ":"):
		sep = ":"
	case strings.Contains(s, "x"):
		sep = "x"
	}

	if sep == "" {
		chanID, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			return ShortChannelID{}, fmt.Errorf("invalid short "+
				"channel id %q: %w", s, err)
		}

		return NewShortChanIDFromInt(chanID), nil
	}

	parts := strings.Split(s, sep)
	if len(parts) != 3 {
		return ShortChannelID{}, fmt.Errorf("invalid short channel "+
			"id %q", s)
	}

	var fields [3]int32
	for i, part := range parts {
		v, err := strconv.ParseInt(part, 10, 32)
		if err != nil {
			return ShortChannelID{}, fmt.Errorf("invalid short "+
				"channel id %q: %w", s, err)
		}
		fields[i] = int32(v)
	}

	return NewShortChanID(fields[0], fields[1], fields[2])
}

// ToUint64 converts the ShortChannelID into a compact format encoded within a
// uint64 (8 bytes).
func (c ShortChannelID) ToUint64() uint64 {
	return (uint64(c.BlockHeight) << 40) | (uint64(c.TxIndex) << 16) |
		uint64(c.TxPosition)
}

// String generates a human-readable representation of the channel ID.
func (c ShortChannelID) String() string {
	return fmt.Sprintf("%d:%d:%d", c.BlockHeight, c.TxIndex, c.TxPosition)
}

// AltString generates a human-readable representation of the channel ID
// with 'x' as a separator.
func (c ShortChannelID) AltString() string {
	return fmt.Sprintf("%dx%dx%d", c.BlockHeight, c.TxIndex, c.TxPosition)
}

// IsDefault returns true if the ShortChannelID represents the zero value for
// its type.
func (c ShortChannelID) IsDefault() bool {
	return c == ShortChannelID{}
}
