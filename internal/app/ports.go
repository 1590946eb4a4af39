package app

import (
	"context"

	"github.com/fibrelay/relay-service/pkg/btcbuilder"
	"github.com/fibrelay/relay-service/pkg/esplora"
)

// Oracle is the read/broadcast view of one Bitcoin network. *esplora.Client satisfies it.
type Oracle interface {
	GetTipHeight(ctx context.Context) (int64, error)
	GetBalance(ctx context.Context, address string) (esplora.Balance, error)
	GetUTXOs(ctx context.Context, address string) ([]esplora.UTXO, error)
	GetAddressTxs(ctx context.Context, address string) ([]esplora.Tx, error)
	GetConfirmations(ctx context.Context, txid string) (int64, error)
	Broadcast(ctx context.Context, rawHex string) (string, error)
	GetFeeRates(ctx context.Context) (esplora.FeeRates, error)
}

// TxBuilder creates keys and signs send-all transactions. *btcbuilder.Builder satisfies it.
type TxBuilder interface {
	GenerateKeypair(network string) (address string, wif string, err error)
	AddressFromWIF(wif string, network string) (string, error)
	ValidateAddress(address string, network string) bool
	BuildAndSign(req btcbuilder.BuildRequest) (*btcbuilder.SignedTx, error)
}

// KeyVault seals and opens private keys under the master key. *vault.Keyring satisfies it.
type KeyVault interface {
	Seal(plaintext string) (string, error)
	Open(ciphertext string) (string, error)
	Unlocked() bool
}
