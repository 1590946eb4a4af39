/**
 * @description
 * This package builds and signs native segwit (P2WPKH) Bitcoin transactions for relay
 * hops. Every forward is a send-all: all UTXOs held by a hop address are spent to a
 * single destination output, minus the network fee.
 *
 * @dependencies
 * - github.com/btcsuite/btcd: chaincfg, txscript, wire, blockchain (weight)
 * - github.com/btcsuite/btcd/btcec/v2: secp256k1 keys
 * - github.com/btcsuite/btcd/btcutil: WIF and address encoding
 */
package btcbuilder

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"math"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

const (
	// P2WPKH size components in vbytes.
	txOverheadVBytes = 10.5
	inputVBytes      = 68
	outputVBytes     = 31
)

var (
	ErrUnknownNetwork  = errors.New("unknown bitcoin network")
	ErrNoInputs        = errors.New("no spendable inputs")
	ErrInvalidAddress  = errors.New("invalid destination address")
	ErrNetworkMismatch = errors.New("key does not belong to the requested network")
)

// InsufficientFundsError means the balance cannot cover the fee and still leave a
// non-dust output.
type InsufficientFundsError struct {
	BalanceSats int64
	FeeSats     int64
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient funds: balance %d sats cannot cover fee %d sats above dust", e.BalanceSats, e.FeeSats)
}

// UTXO is one spendable output held by the signing key.
type UTXO struct {
	TxID  string
	Vout  uint32
	Value int64
}

// BuildRequest describes a send-all transaction.
type BuildRequest struct {
	Network           string
	WIF               string
	UTXOs             []UTXO
	Destination       string
	FeeRate           float64
	DustThresholdSats int64
}

// SignedTx is a fully signed transaction ready for broadcast.
type SignedTx struct {
	TxID       string
	RawHex     string
	AmountSats int64
	FeeSats    int64
	VSize      int64
}

// Builder implements key generation, address validation and signing.
type Builder struct{}

func New() *Builder {
	return &Builder{}
}

// Params maps a network name to btcd chain parameters.
func Params(network string) (*chaincfg.Params, error) {
	switch network {
	case "mainnet":
		return &chaincfg.MainNetParams, nil
	case "testnet":
		return &chaincfg.TestNet3Params, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownNetwork, network)
}

// GenerateKeypair creates a fresh key and returns its P2WPKH address and compressed WIF.
func (b *Builder) GenerateKeypair(network string) (address string, wif string, err error) {
	params, err := Params(network)
	if err != nil {
		return "", "", err
	}
	priv, err := btcec.NewPrivateKey()
	if err != nil {
		return "", "", fmt.Errorf("failed to generate private key: %w", err)
	}
	w, err := btcutil.NewWIF(priv, params, true)
	if err != nil {
		return "", "", fmt.Errorf("failed to encode wif: %w", err)
	}
	addr, err := witnessAddress(priv.PubKey(), params)
	if err != nil {
		return "", "", err
	}
	return addr.EncodeAddress(), w.String(), nil
}

// AddressFromWIF derives the P2WPKH address controlled by a WIF key.
func (b *Builder) AddressFromWIF(wif string, network string) (string, error) {
	params, err := Params(network)
	if err != nil {
		return "", err
	}
	w, err := decodeWIF(wif, params)
	if err != nil {
		return "", err
	}
	addr, err := witnessAddress(w.PrivKey.PubKey(), params)
	if err != nil {
		return "", err
	}
	return addr.EncodeAddress(), nil
}

// ValidateAddress reports whether address is well-formed for the network. No I/O.
func (b *Builder) ValidateAddress(address string, network string) bool {
	params, err := Params(network)
	if err != nil {
		return false
	}
	addr, err := btcutil.DecodeAddress(address, params)
	if err != nil {
		return false
	}
	return addr.IsForNet(params)
}

// EstimateVSize approximates the virtual size of a P2WPKH transaction.
func EstimateVSize(inputs, outputs int) int64 {
	return int64(math.Ceil(txOverheadVBytes + float64(inputs*inputVBytes) + float64(outputs*outputVBytes)))
}

// BuildAndSign spends every UTXO to the destination, paying ceil(rate * vsize).
func (b *Builder) BuildAndSign(req BuildRequest) (*SignedTx, error) {
	params, err := Params(req.Network)
	if err != nil {
		return nil, err
	}
	if len(req.UTXOs) == 0 {
		return nil, ErrNoInputs
	}
	w, err := decodeWIF(req.WIF, params)
	if err != nil {
		return nil, err
	}
	dest, err := btcutil.DecodeAddress(req.Destination, params)
	if err != nil || !dest.IsForNet(params) {
		return nil, fmt.Errorf("%w: %s", ErrInvalidAddress, req.Destination)
	}
	destScript, err := txscript.PayToAddrScript(dest)
	if err != nil {
		return nil, fmt.Errorf("failed to build output script: %w", err)
	}

	source, err := witnessAddress(w.PrivKey.PubKey(), params)
	if err != nil {
		return nil, err
	}
	sourceScript, err := txscript.PayToAddrScript(source)
	if err != nil {
		return nil, fmt.Errorf("failed to build input script: %w", err)
	}

	var balance int64
	for _, u := range req.UTXOs {
		balance += u.Value
	}
	vsize := EstimateVSize(len(req.UTXOs), 1)
	fee := int64(math.Ceil(req.FeeRate * float64(vsize)))
	amount := balance - fee
	if amount < req.DustThresholdSats || amount <= 0 {
		return nil, &InsufficientFundsError{BalanceSats: balance, FeeSats: fee}
	}

	tx := wire.NewMsgTx(2)
	fetcher := txscript.NewMultiPrevOutFetcher(make(map[wire.OutPoint]*wire.TxOut, len(req.UTXOs)))
	for _, u := range req.UTXOs {
		hash, err := chainhash.NewHashFromStr(u.TxID)
		if err != nil {
			return nil, fmt.Errorf("invalid utxo txid %q: %w", u.TxID, err)
		}
		outpoint := wire.NewOutPoint(hash, u.Vout)
		tx.AddTxIn(wire.NewTxIn(outpoint, nil, nil))
		fetcher.AddPrevOut(*outpoint, wire.NewTxOut(u.Value, sourceScript))
	}
	tx.AddTxOut(wire.NewTxOut(amount, destScript))

	sigHashes := txscript.NewTxSigHashes(tx, fetcher)
	for i, u := range req.UTXOs {
		witness, err := txscript.WitnessSignature(tx, sigHashes, i, u.Value, sourceScript, txscript.SigHashAll, w.PrivKey, true)
		if err != nil {
			return nil, fmt.Errorf("failed to sign input %d: %w", i, err)
		}
		tx.TxIn[i].Witness = witness
	}

	var buf bytes.Buffer
	if err := tx.Serialize(&buf); err != nil {
		return nil, fmt.Errorf("failed to serialize transaction: %w", err)
	}
	weight := blockchain.GetTransactionWeight(btcutil.NewTx(tx))

	return &SignedTx{
		TxID:       tx.TxHash().String(),
		RawHex:     hex.EncodeToString(buf.Bytes()),
		AmountSats: amount,
		FeeSats:    fee,
		VSize:      (weight + blockchain.WitnessScaleFactor - 1) / blockchain.WitnessScaleFactor,
	}, nil
}

func decodeWIF(raw string, params *chaincfg.Params) (*btcutil.WIF, error) {
	w, err := btcutil.DecodeWIF(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to decode wif: %w", err)
	}
	if !w.IsForNet(params) {
		return nil, ErrNetworkMismatch
	}
	return w, nil
}

func witnessAddress(pub *btcec.PublicKey, params *chaincfg.Params) (*btcutil.AddressWitnessPubKeyHash, error) {
	addr, err := btcutil.NewAddressWitnessPubKeyHash(btcutil.Hash160(pub.SerializeCompressed()), params)
	if err != nil {
		return nil, fmt.Errorf("failed to derive address: %w", err)
	}
	return addr, nil
}
