package main

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/lightningnetwork/chainwatch"
	"github.com/lightningnetwork/chainwatch/lnwire"
	"github.com/urfave/cli"
)

var errMissingArg = errors.New("missing argument")

func printJSON(resp interface{}) {
	b, err := json.MarshalIndent(resp, "", "    ")
	if err != nil {
		fatal(err)
	}

	fmt.Printf("%s\n", b)
}

// parseHash decodes a hash given as hex in display byte order.
func parseHash(s string) ([]byte, error) {
	hash, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid hash %q: %w", s, err)
	}

	return hash, nil
}

// parseOutpoint decodes an outpoint in txid:index form.
func parseOutpoint(s string) ([]byte, uint32, error) {
	txidStr, indexStr, ok := strings.Cut(s, ":")
	if !ok {
		return nil, 0, fmt.Errorf("outpoint %q must be txid:index", s)
	}

	txid, err := parseHash(txidStr)
	if err != nil {
		return nil, 0, err
	}

	index, err := strconv.ParseUint(indexStr, 10, 32)
	if err != nil {
		return nil, 0, fmt.Errorf("invalid output index %q: %w",
			indexStr, err)
	}

	return txid, uint32(index), nil
}

// optionalPeer decodes the peer flag, if set.
func optionalPeer(ctx *cli.Context) ([]byte, error) {
	if !ctx.IsSet("peer") {
		return nil, nil
	}

	peer, err := hex.DecodeString(ctx.String("peer"))
	if err != nil {
		return nil, fmt.Errorf("invalid peer id: %w", err)
	}

	return peer, nil
}

var peerFlag = cli.StringFlag{
	Name:  "peer",
	Usage: "the hex public key of the channel peer, if known",
}

var getBlockCountCommand = cli.Command{
	Name:   "getblockcount",
	Usage:  "Returns the height and hash of the chain tip.",
	Action: getBlockCount,
}

func getBlockCount(ctx *cli.Context) error {
	watcher, cleanUp := getWatcher(ctx)
	defer cleanUp()

	height, hash, err := watcher.GetBlockCount(getContext())
	if err != nil {
		return err
	}

	printJSON(struct {
		Height int32  `json:"height"`
		Hash   string `json:"hash"`
	}{
		Height: height,
		Hash:   hex.EncodeToString(hash),
	})

	return nil
}

var getGenesisHashCommand = cli.Command{
	Name:   "getgenesishash",
	Usage:  "Returns the hash of the genesis block.",
	Action: getGenesisHash,
}

func getGenesisHash(ctx *cli.Context) error {
	watcher, cleanUp := getWatcher(ctx)
	defer cleanUp()

	printJSON(struct {
		Hash string `json:"hash"`
	}{
		Hash: hex.EncodeToString(watcher.GetGenesisHash()),
	})

	return nil
}

var getConfirmationCommand = cli.Command{
	Name:      "getconfirmation",
	Usage:     "Returns the confirmation depth of a transaction.",
	ArgsUsage: "txid",
	Description: `
	Walks the chain back from the tip looking for the transaction. If an
	output index is given, the output must pay the amount to the script,
	otherwise 0 confirmations are returned.`,
	Flags: []cli.Flag{
		cli.Int64Flag{
			Name:  "outputindex",
			Value: -1,
			Usage: "the output to validate, -1 for none",
		},
		cli.StringFlag{
			Name:  "script",
			Usage: "the hex output script the output must pay to",
		},
		cli.Int64Flag{
			Name:  "amount",
			Usage: "the amount in satoshis the output must pay",
		},
	},
	Action: getConfirmation,
}

func getConfirmation(ctx *cli.Context) error {
	if ctx.NArg() != 1 {
		return fmt.Errorf("%w: txid", errMissingArg)
	}

	txid, err := parseHash(ctx.Args().First())
	if err != nil {
		return err
	}

	script, err := hex.DecodeString(ctx.String("script"))
	if err != nil {
		return fmt.Errorf("invalid script: %w", err)
	}

	watcher, cleanUp := getWatcher(ctx)
	defer cleanUp()

	conf, err := watcher.GetTxConfirmation(
		getContext(), txid, int32(ctx.Int64("outputindex")), script,
		ctx.Int64("amount"),
	)
	if err != nil {
		return err
	}

	printJSON(struct {
		Confirmations int32 `json:"confirmations"`
	}{
		Confirmations: conf,
	})

	return nil
}

var getScidTxidCommand = cli.Command{
	Name:      "getscidtxid",
	Usage:     "Returns the txid a short channel id points at.",
	ArgsUsage: "scid",
	Action:    getScidTxid,
}

func getScidTxid(ctx *cli.Context) error {
	if ctx.NArg() != 1 {
		return fmt.Errorf("%w: scid", errMissingArg)
	}

	scid, err := lnwire.ParseShortChannelID(ctx.Args().First())
	if err != nil {
		return err
	}

	watcher, cleanUp := getWatcher(ctx)
	defer cleanUp()

	txid, err := watcher.GetTxidFromShortChannelID(
		getContext(), scid.ToUint64(),
	)
	if err != nil {
		return err
	}

	printJSON(struct {
		Scid  string `json:"scid"`
		Found bool   `json:"found"`
		Txid  string `json:"txid,omitempty"`
	}{
		Scid:  scid.String(),
		Found: txid.IsSome(),
		Txid:  hex.EncodeToString(txid.UnwrapOr(nil)),
	})

	return nil
}

var searchOutpointCommand = cli.Command{
	Name:      "searchoutpoint",
	Usage:     "Searches recent blocks for a spend of an outpoint.",
	ArgsUsage: "txid:index",
	Flags: []cli.Flag{
		cli.IntFlag{
			Name:  "depth",
			Value: 6,
			Usage: "the number of blocks to search from the tip",
		},
	},
	Action: searchOutpoint,
}

func searchOutpoint(ctx *cli.Context) error {
	if ctx.NArg() != 1 {
		return fmt.Errorf("%w: outpoint", errMissingArg)
	}

	txid, index, err := parseOutpoint(ctx.Args().First())
	if err != nil {
		return err
	}

	watcher, cleanUp := getWatcher(ctx)
	defer cleanUp()

	spend, err := watcher.SearchOutpoint(
		getContext(), int32(ctx.Int("depth")), txid, index,
	)
	if err != nil {
		return err
	}

	type result struct {
		Found  bool   `json:"found"`
		Height int32  `json:"height,omitempty"`
		RawTx  string `json:"raw_tx,omitempty"`
	}
	resp := result{Found: spend.IsSome()}
	spend.WhenSome(func(s chainwatch.OutpointSpend) {
		resp.Height = s.Height
		resp.RawTx = hex.EncodeToString(s.RawTx)
	})
	printJSON(resp)

	return nil
}

var searchScriptsCommand = cli.Command{
	Name:  "searchscripts",
	Usage: "Searches recent blocks for transactions paying to scripts.",
	Description: `
	Returns every transaction of the searched blocks whose first output
	pays to one of the given scripts.`,
	ArgsUsage: "script [script...]",
	Flags: []cli.Flag{
		cli.IntFlag{
			Name:  "depth",
			Value: 6,
			Usage: "the number of blocks to search from the tip",
		},
	},
	Action: searchScripts,
}

func searchScripts(ctx *cli.Context) error {
	if ctx.NArg() == 0 {
		return fmt.Errorf("%w: script", errMissingArg)
	}

	scripts := make([][]byte, 0, ctx.NArg())
	for _, arg := range ctx.Args() {
		script, err := hex.DecodeString(arg)
		if err != nil {
			return fmt.Errorf("invalid script %q: %w", arg, err)
		}
		scripts = append(scripts, script)
	}

	watcher, cleanUp := getWatcher(ctx)
	defer cleanUp()

	rawTxs, err := watcher.SearchByOutputScripts(
		getContext(), int32(ctx.Int("depth")), scripts,
	)
	if err != nil {
		return err
	}

	txs := make([]string, 0, len(rawTxs))
	for _, rawTx := range rawTxs {
		txs = append(txs, hex.EncodeToString(rawTx))
	}

	printJSON(struct {
		Txs []string `json:"txs"`
	}{
		Txs: txs,
	})

	return nil
}

var checkUnspentCommand = cli.Command{
	Name:      "checkunspent",
	Usage:     "Determines whether an outpoint is spent.",
	ArgsUsage: "txid:index",
	Flags:     []cli.Flag{peerFlag},
	Action:    checkUnspent,
}

func checkUnspent(ctx *cli.Context) error {
	if ctx.NArg() != 1 {
		return fmt.Errorf("%w: outpoint", errMissingArg)
	}

	txid, index, err := parseOutpoint(ctx.Args().First())
	if err != nil {
		return err
	}

	peer, err := optionalPeer(ctx)
	if err != nil {
		return err
	}

	watcher, cleanUp := getWatcher(ctx)
	defer cleanUp()

	state, err := watcher.CheckUnspent(getContext(), peer, txid, index)
	if err != nil {
		return err
	}

	printJSON(struct {
		State string `json:"state"`
	}{
		State: state.String(),
	})

	return nil
}

var checkBroadcastCommand = cli.Command{
	Name:      "checkbroadcast",
	Usage:     "Determines whether a transaction reached the network.",
	ArgsUsage: "txid",
	Flags:     []cli.Flag{peerFlag},
	Action:    checkBroadcast,
}

func checkBroadcast(ctx *cli.Context) error {
	if ctx.NArg() != 1 {
		return fmt.Errorf("%w: txid", errMissingArg)
	}

	txid, err := parseHash(ctx.Args().First())
	if err != nil {
		return err
	}

	peer, err := optionalPeer(ctx)
	if err != nil {
		return err
	}

	watcher, cleanUp := getWatcher(ctx)
	defer cleanUp()

	known, err := watcher.CheckBroadcast(getContext(), peer, txid)
	if err != nil {
		return err
	}

	printJSON(struct {
		Broadcast bool `json:"broadcast"`
	}{
		Broadcast: known,
	})

	return nil
}

var broadcastCommand = cli.Command{
	Name:      "broadcast",
	Usage:     "Broadcasts a signed raw transaction.",
	ArgsUsage: "rawtx",
	Action:    broadcastTx,
}

func broadcastTx(ctx *cli.Context) error {
	if ctx.NArg() != 1 {
		return fmt.Errorf("%w: rawtx", errMissingArg)
	}

	rawTx, err := hex.DecodeString(ctx.Args().First())
	if err != nil {
		return fmt.Errorf("invalid raw transaction: %w", err)
	}

	watcher, cleanUp := getWatcher(ctx)
	defer cleanUp()

	txid, err := watcher.BroadcastRawTx(getContext(), rawTx)
	if err != nil {
		return err
	}

	printJSON(struct {
		Txid string `json:"txid"`
	}{
		Txid: hex.EncodeToString(txid),
	})

	return nil
}
