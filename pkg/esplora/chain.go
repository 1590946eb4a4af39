package esplora

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/btcsuite/btcd/wire"
)

// Balance is an address balance split by confirmation state.
type Balance struct {
	ConfirmedSats   int64 `json:"confirmed_sats"`
	UnconfirmedSats int64 `json:"unconfirmed_sats"`
}

// Total is confirmed plus mempool funds.
func (b Balance) Total() int64 {
	return b.ConfirmedSats + b.UnconfirmedSats
}

// UTXO is an unspent output with its confirmation height (0 when unconfirmed).
type UTXO struct {
	TxID        string
	Vout        uint32
	Value       int64
	Confirmed   bool
	BlockHeight int64
}

// Confirmations counts blocks including the one that mined the output.
func (u UTXO) Confirmations(tip int64) int64 {
	if !u.Confirmed || u.BlockHeight <= 0 || tip < u.BlockHeight {
		return 0
	}
	return tip - u.BlockHeight + 1
}

// TxInput is a spent output as reported in address history.
type TxInput struct {
	TxID    string
	Vout    uint32
	Address string
	Value   int64
}

// TxOutput is a created output as reported in address history.
type TxOutput struct {
	Address string
	Value   int64
}

// Tx is one entry of an address history.
type Tx struct {
	TxID        string
	Confirmed   bool
	BlockHeight int64
	FeeSats     int64
	Inputs      []TxInput
	Outputs     []TxOutput
}

// SpendsFrom reports whether any input of the transaction was held by address.
func (t Tx) SpendsFrom(address string) bool {
	for _, in := range t.Inputs {
		if in.Address == address {
			return true
		}
	}
	return false
}

// PaidTo sums outputs paying address.
func (t Tx) PaidTo(address string) int64 {
	var total int64
	for _, out := range t.Outputs {
		if out.Address == address {
			total += out.Value
		}
	}
	return total
}

type txStatus struct {
	Confirmed   bool  `json:"confirmed"`
	BlockHeight int64 `json:"block_height"`
}

type addressStats struct {
	FundedTxoSum int64 `json:"funded_txo_sum"`
	SpentTxoSum  int64 `json:"spent_txo_sum"`
}

type addressResponse struct {
	ChainStats   addressStats `json:"chain_stats"`
	MempoolStats addressStats `json:"mempool_stats"`
}

type utxoResponse struct {
	TxID   string   `json:"txid"`
	Vout   uint32   `json:"vout"`
	Value  int64    `json:"value"`
	Status txStatus `json:"status"`
}

type txResponse struct {
	TxID string `json:"txid"`
	Vin  []struct {
		TxID    string `json:"txid"`
		Vout    uint32 `json:"vout"`
		Prevout *struct {
			Address string `json:"scriptpubkey_address"`
			Value   int64  `json:"value"`
		} `json:"prevout"`
	} `json:"vin"`
	Vout []struct {
		Address string `json:"scriptpubkey_address"`
		Value   int64  `json:"value"`
	} `json:"vout"`
	Fee    int64    `json:"fee"`
	Status txStatus `json:"status"`
}

// GetTipHeight returns the current best block height.
func (c *Client) GetTipHeight(ctx context.Context) (int64, error) {
	body, err := c.get(ctx, c.http, "tip_height", "/blocks/tip/height", nil)
	if err != nil {
		return 0, err
	}
	height, err := strconv.ParseInt(strings.TrimSpace(string(body)), 10, 64)
	if err != nil {
		return 0, &Error{Op: "tip_height", Kind: Transient, Err: err}
	}
	return height, nil
}

// GetBalance returns the confirmed and mempool balance of an address.
func (c *Client) GetBalance(ctx context.Context, address string) (Balance, error) {
	var resp addressResponse
	if _, err := c.get(ctx, c.http, "balance", "/address/"+address, &resp); err != nil {
		return Balance{}, err
	}
	return Balance{
		ConfirmedSats:   resp.ChainStats.FundedTxoSum - resp.ChainStats.SpentTxoSum,
		UnconfirmedSats: resp.MempoolStats.FundedTxoSum - resp.MempoolStats.SpentTxoSum,
	}, nil
}

// GetUTXOs lists unspent outputs held by an address.
func (c *Client) GetUTXOs(ctx context.Context, address string) ([]UTXO, error) {
	var resp []utxoResponse
	if _, err := c.get(ctx, c.http, "utxos", "/address/"+address+"/utxo", &resp); err != nil {
		return nil, err
	}
	utxos := make([]UTXO, 0, len(resp))
	for _, u := range resp {
		utxos = append(utxos, UTXO{
			TxID:        u.TxID,
			Vout:        u.Vout,
			Value:       u.Value,
			Confirmed:   u.Status.Confirmed,
			BlockHeight: u.Status.BlockHeight,
		})
	}
	return utxos, nil
}

// GetAddressTxs returns the recent history of an address, newest first.
func (c *Client) GetAddressTxs(ctx context.Context, address string) ([]Tx, error) {
	var resp []txResponse
	if _, err := c.get(ctx, c.http, "address_txs", "/address/"+address+"/txs", &resp); err != nil {
		return nil, err
	}
	txs := make([]Tx, 0, len(resp))
	for _, r := range resp {
		tx := Tx{
			TxID:        r.TxID,
			Confirmed:   r.Status.Confirmed,
			BlockHeight: r.Status.BlockHeight,
			FeeSats:     r.Fee,
		}
		for _, in := range r.Vin {
			input := TxInput{TxID: in.TxID, Vout: in.Vout}
			if in.Prevout != nil {
				input.Address = in.Prevout.Address
				input.Value = in.Prevout.Value
			}
			tx.Inputs = append(tx.Inputs, input)
		}
		for _, out := range r.Vout {
			tx.Outputs = append(tx.Outputs, TxOutput{Address: out.Address, Value: out.Value})
		}
		txs = append(txs, tx)
	}
	return txs, nil
}

// GetConfirmations returns 0 for a mempool transaction and ErrTxNotFound when the
// explorer does not know the transaction at all.
func (c *Client) GetConfirmations(ctx context.Context, txid string) (int64, error) {
	var status txStatus
	if _, err := c.get(ctx, c.http, "tx_status", "/tx/"+txid+"/status", &status); err != nil {
		var oe *Error
		if errors.As(err, &oe) && (oe.StatusCode == http.StatusNotFound || oe.StatusCode == http.StatusBadRequest) {
			return 0, ErrTxNotFound
		}
		return 0, err
	}
	if !status.Confirmed {
		return 0, nil
	}
	tip, err := c.GetTipHeight(ctx)
	if err != nil {
		return 0, err
	}
	if tip < status.BlockHeight {
		return 1, nil
	}
	return tip - status.BlockHeight + 1, nil
}

// Broadcast submits a raw transaction. A node reply saying the transaction is already
// known is treated as success.
func (c *Client) Broadcast(ctx context.Context, rawHex string) (string, error) {
	resp, err := c.do(ctx, c.http.R().SetContext(ctx).SetHeader("Content-Type", "text/plain").SetBody(rawHex), http.MethodPost, "/tx")
	if err != nil {
		return "", c.classify("broadcast", err)
	}
	if resp.IsError() {
		if alreadyKnown(resp.String()) {
			if txid, idErr := TxIDFromRaw(rawHex); idErr == nil {
				return txid, nil
			}
		}
		return "", statusError("broadcast", resp)
	}
	return strings.TrimSpace(resp.String()), nil
}

// TxIDFromRaw computes the txid of a serialized transaction.
func TxIDFromRaw(rawHex string) (string, error) {
	raw, err := hex.DecodeString(strings.TrimSpace(rawHex))
	if err != nil {
		return "", err
	}
	var tx wire.MsgTx
	if err := tx.Deserialize(bytes.NewReader(raw)); err != nil {
		return "", err
	}
	return tx.TxHash().String(), nil
}

func alreadyKnown(body string) bool {
	lower := strings.ToLower(body)
	for _, marker := range []string{"txn-already-known", "txn-already-in-mempool", "already in block chain", "transaction already in block chain"} {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}
