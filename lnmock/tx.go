package lnmock

import (
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

// P2WSHScript returns a 34 byte pay-to-witness-script-hash output script
// committing to a hash derived from seed.
func P2WSHScript(seed byte) []byte {
	witnessHash := chainhash.HashB([]byte{seed})

	script, err := txscript.NewScriptBuilder().
		AddOp(txscript.OP_0).
		AddData(witnessHash).
		Script()
	if err != nil {
		panic(err)
	}

	return script
}

// NewFundingTx returns a transaction paying amount to pkScript at output 0.
// The seed makes the spent (fake) input and therefore the txid unique.
func NewFundingTx(seed byte, pkScript []byte, amount int64) *wire.MsgTx {
	tx := wire.NewMsgTx(2)
	tx.AddTxIn(&wire.TxIn{
		PreviousOutPoint: wire.OutPoint{
			Hash:  chainhash.Hash{seed, 0xfe},
			Index: uint32(seed),
		},
	})
	tx.AddTxOut(&wire.TxOut{Value: amount, PkScript: pkScript})

	return tx
}

// NewSpendTx returns a transaction whose inputs spend the given outpoints in
// order.
func NewSpendTx(ops ...wire.OutPoint) *wire.MsgTx {
	tx := wire.NewMsgTx(2)
	for _, op := range ops {
		tx.AddTxIn(&wire.TxIn{PreviousOutPoint: op})
	}
	tx.AddTxOut(&wire.TxOut{Value: 1000, PkScript: P2WSHScript(0xaa)})

	return tx
}
