package bundler

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"io"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"
	"github.com/ybbus/jsonrpc/v3"
)

const flashbotsSignatureHeader = "X-Flashbots-Signature"

// Bundle is the body of eth_sendBundle and eth_callBundle.
type Bundle struct {
	Txs              []hexutil.Bytes `json:"txs"`
	BlockNumber      hexutil.Uint64  `json:"blockNumber"`
	StateBlockNumber string          `json:"stateBlockNumber,omitempty"`
	Timestamp        *uint64         `json:"timestamp,omitempty"`

	TxHashes []common.Hash `json:"-"`
}

type sendBundleArgs struct {
	Txs         []hexutil.Bytes `json:"txs"`
	BlockNumber hexutil.Uint64  `json:"blockNumber"`
}

// SimulatedTx is the per-transaction report of eth_callBundle.
// Wei amounts are reported as decimal strings.
type SimulatedTx struct {
	TxHash            common.Hash     `json:"txHash"`
	GasUsed           uint64          `json:"gasUsed"`
	CoinbaseDiff      decimal.Decimal `json:"coinbaseDiff"`
	EthSentToCoinbase decimal.Decimal `json:"ethSentToCoinbase"`
	ToAddress         common.Address  `json:"toAddress"`
	Error             string          `json:"error,omitempty"`
	Revert            string          `json:"revert,omitempty"`
}

type CallBundleResponse struct {
	BundleHash       common.Hash     `json:"bundleHash"`
	CoinbaseDiff     decimal.Decimal `json:"coinbaseDiff"`
	TotalGasUsed     uint64          `json:"totalGasUsed"`
	StateBlockNumber uint64          `json:"stateBlockNumber"`
	Results          []SimulatedTx   `json:"results"`
}

type SendBundleResponse struct {
	BundleHash common.Hash `json:"bundleHash"`
}

// Relay simulates and submits bundles.
type Relay interface {
	CallBundle(ctx context.Context, bundle *Bundle) (*CallBundleResponse, error)
	SendBundle(ctx context.Context, bundle *Bundle) (*SendBundleResponse, error)
}

// FlashbotsRelay talks to a relay that authenticates requests with X-Flashbots-Signature.
type FlashbotsRelay struct {
	client jsonrpc.RPCClient
}

func NewFlashbotsRelay(url string, signingKey *ecdsa.PrivateKey) *FlashbotsRelay {
	httpClient := &http.Client{
		Timeout: 10 * time.Second,
		Transport: &signingTransport{
			base:    http.DefaultTransport,
			key:     signingKey,
			address: crypto.PubkeyToAddress(signingKey.PublicKey),
		},
	}
	return &FlashbotsRelay{
		client: jsonrpc.NewClientWithOpts(url, &jsonrpc.RPCClientOpts{
			HTTPClient: httpClient,
		}),
	}
}

func (r *FlashbotsRelay) CallBundle(ctx context.Context, bundle *Bundle) (*CallBundleResponse, error) {
	var result CallBundleResponse
	err := r.client.CallFor(ctx, &result, "eth_callBundle", []*Bundle{bundle})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

func (r *FlashbotsRelay) SendBundle(ctx context.Context, bundle *Bundle) (*SendBundleResponse, error) {
	var result SendBundleResponse
	args := sendBundleArgs{Txs: bundle.Txs, BlockNumber: bundle.BlockNumber}
	err := r.client.CallFor(ctx, &result, "eth_sendBundle", []sendBundleArgs{args})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

type signingTransport struct {
	base    http.RoundTripper
	key     *ecdsa.PrivateKey
	address common.Address
}

func (t *signingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	var body []byte
	if req.Body != nil {
		var err error
		body, err = io.ReadAll(req.Body)
		_ = req.Body.Close()
		if err != nil {
			return nil, err
		}
	}
	signature, err := SignPayload(body, t.key)
	if err != nil {
		return nil, err
	}

	signed := req.Clone(req.Context())
	signed.Body = io.NopCloser(bytes.NewReader(body))
	signed.ContentLength = int64(len(body))
	signed.Header.Set(flashbotsSignatureHeader, t.address.Hex()+":"+signature)
	return t.base.RoundTrip(signed)
}

// SignPayload signs the keccak hash of body the way relays expect in X-Flashbots-Signature.
func SignPayload(body []byte, key *ecdsa.PrivateKey) (string, error) {
	hashed := crypto.Keccak256Hash(body).Hex()
	sig, err := crypto.Sign(accounts.TextHash([]byte(hashed)), key)
	if err != nil {
		return "", err
	}
	return hexutil.Encode(sig), nil
}
