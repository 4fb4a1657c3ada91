// Package gateway is the blockchain gateway adapter: price quotes, tx posting,
// chunk seeding, status polls, block heights and the GQL presence query.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/permadata/bundler"
	"github.com/permadata/bundler/arweave"
)

// TxStatusKind is the gateway's view of a posted transaction.
type TxStatusKind int

const (
	TxNotFound TxStatusKind = iota
	TxPending
	TxFound
)

// TxStatus is the status poll result.
type TxStatus struct {
	Status        TxStatusKind
	Confirmations uint64
	BlockHeight   uint64
}

// GQLDataItem is one row of the presence query.
type GQLDataItem struct {
	ID bundler.ItemID
	// HasBlock reports whether the index already shows the item in a mined
	// block; an indexed-but-blockless row is not settled yet.
	HasBlock    bool
	BlockHeight uint64
	BundledIn   bundler.TxID
}

// gqlPageSize is the presence query page size; callers paginate ids beyond it.
const gqlPageSize = 100

// Client talks to one gateway endpoint. All calls carry the configured
// timeout and ride the shared backoff retry for transient failures.
type Client struct {
	baseURL    string
	httpClient *http.Client

	// Community tip routing, used when the pipeline adds tips to bundle txs.
	TipTarget   string
	TipFraction float64

	heightCell *ttlCell[uint64]
}

// NewClient returns a gateway client for baseURL with the given per-request timeout.
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 40 * time.Second
	}
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
	c.heightCell = newTTLCell[uint64](60*time.Second, c.fetchBlockHeight)
	return c
}

// PriceForBytes quotes the winston price of posting n bytes.
func (c *Client) PriceForBytes(ctx context.Context, n int64) (bundler.Winston, error) {
	var price bundler.Winston
	err := bundler.Retry(ctx, func(ctx context.Context) error {
		body, err := c.getBody(ctx, fmt.Sprintf("%s/price/%d", c.baseURL, n))
		if err != nil {
			return retryIfTransient(err)
		}
		price, err = bundler.ParseWinston(strings.TrimSpace(string(body)))
		return err
	}, nil)
	return price, err
}

// PostTx submits a signed transaction header. The gateway treats re-posts of
// the same tx as idempotent, so the whole call is retryable.
func (c *Client) PostTx(ctx context.Context, tx *arweave.Transaction) error {
	payload, err := json.Marshal(tx.MarshalGateway())
	if err != nil {
		return fmt.Errorf("encoding tx %s, details: %v", tx.ID, err)
	}
	return bundler.Retry(ctx, func(ctx context.Context) error {
		err := c.postJSON(ctx, c.baseURL+"/tx", payload)
		return retryIfTransient(err)
	}, nil)
}

// UploadChunk posts one payload chunk with its inclusion proof.
func (c *Client) UploadChunk(ctx context.Context, dataRoot []byte, dataSize int64, proof arweave.ChunkProof, chunk []byte) error {
	payload, err := json.Marshal(map[string]string{
		"data_root": arweave.B64.EncodeToString(dataRoot),
		"data_size": strconv.FormatInt(dataSize, 10),
		"data_path": arweave.B64.EncodeToString(proof.DataPath),
		"offset":    strconv.FormatInt(proof.Offset, 10),
		"chunk":     arweave.B64.EncodeToString(chunk),
	})
	if err != nil {
		return fmt.Errorf("encoding chunk at %d, details: %v", proof.Offset, err)
	}
	return bundler.Retry(ctx, func(ctx context.Context) error {
		err := c.postJSON(ctx, c.baseURL+"/chunk", payload)
		return retryIfTransient(err)
	}, nil)
}

// TxStatusOf polls the status of a posted tx.
func (c *Client) TxStatusOf(ctx context.Context, id bundler.TxID) (TxStatus, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("%s/tx/%s/status", c.baseURL, id), nil)
	if err != nil {
		return TxStatus{}, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return TxStatus{}, bundler.Error{Code: bundler.Transient, Err: err}
	}
	defer resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusNotFound:
		return TxStatus{Status: TxNotFound}, nil
	case http.StatusAccepted:
		return TxStatus{Status: TxPending}, nil
	case http.StatusOK:
		var body struct {
			BlockHeight   uint64 `json:"block_height"`
			Confirmations uint64 `json:"number_of_confirmations"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			return TxStatus{}, fmt.Errorf("decoding tx status of %s, details: %v", id, err)
		}
		return TxStatus{Status: TxFound, Confirmations: body.Confirmations, BlockHeight: body.BlockHeight}, nil
	default:
		return TxStatus{}, statusError(resp)
	}
}

// CurrentBlockHeight returns the network height, cached for 60 seconds.
func (c *Client) CurrentBlockHeight(ctx context.Context) (uint64, error) {
	return c.heightCell.get(ctx)
}

func (c *Client) fetchBlockHeight(ctx context.Context) (uint64, error) {
	var height uint64
	err := bundler.Retry(ctx, func(ctx context.Context) error {
		body, err := c.getBody(ctx, c.baseURL+"/info")
		if err != nil {
			return retryIfTransient(err)
		}
		var info struct {
			Height uint64 `json:"height"`
		}
		if err := json.Unmarshal(body, &info); err != nil {
			return fmt.Errorf("decoding network info, details: %v", err)
		}
		height = info.Height
		return nil
	}, nil)
	return height, err
}

// BlockHeightForTxAnchor resolves the block height the anchor points at.
func (c *Client) BlockHeightForTxAnchor(ctx context.Context, anchor string) (uint64, error) {
	var height uint64
	err := bundler.Retry(ctx, func(ctx context.Context) error {
		body, err := c.getBody(ctx, c.baseURL+"/block/hash/"+anchor)
		if err != nil {
			return retryIfTransient(err)
		}
		var block struct {
			Height uint64 `json:"height"`
		}
		if err := json.Unmarshal(body, &block); err != nil {
			return fmt.Errorf("decoding block for anchor %s, details: %v", anchor, err)
		}
		height = block.Height
		return nil
	}, nil)
	return height, err
}

// TxAnchor fetches a fresh last_tx anchor for outgoing transactions.
func (c *Client) TxAnchor(ctx context.Context) (string, error) {
	var anchor string
	err := bundler.Retry(ctx, func(ctx context.Context) error {
		body, err := c.getBody(ctx, c.baseURL+"/tx_anchor")
		if err != nil {
			return retryIfTransient(err)
		}
		anchor = strings.TrimSpace(string(body))
		return nil
	}, nil)
	return anchor, err
}

// Balance returns the wallet's winston balance.
func (c *Client) Balance(ctx context.Context, address string) (bundler.Winston, error) {
	var balance bundler.Winston
	err := bundler.Retry(ctx, func(ctx context.Context) error {
		body, err := c.getBody(ctx, c.baseURL+"/wallet/"+address+"/balance")
		if err != nil {
			return retryIfTransient(err)
		}
		balance, err = bundler.ParseWinston(strings.TrimSpace(string(body)))
		return err
	}, nil)
	return balance, err
}

// DataItemsOnGQL looks ids up on the gateway index. It pages by 100
// internally; absent ids simply don't appear in the result.
func (c *Client) DataItemsOnGQL(ctx context.Context, ids []bundler.ItemID) ([]GQLDataItem, error) {
	var out []GQLDataItem
	for start := 0; start < len(ids); start += gqlPageSize {
		end := start + gqlPageSize
		if end > len(ids) {
			end = len(ids)
		}
		page, err := c.gqlPage(ctx, ids[start:end])
		if err != nil {
			return nil, err
		}
		out = append(out, page...)
	}
	return out, nil
}

func (c *Client) gqlPage(ctx context.Context, ids []bundler.ItemID) ([]GQLDataItem, error) {
	quoted := make([]string, len(ids))
	for i, id := range ids {
		quoted[i] = strconv.Quote(string(id))
	}
	query := fmt.Sprintf(`{ transactions(ids: [%s], first: %d) { edges { node { id block { height } bundledIn { id } } } } }`,
		strings.Join(quoted, ","), gqlPageSize)
	payload, err := json.Marshal(map[string]string{"query": query})
	if err != nil {
		return nil, err
	}
	var items []GQLDataItem
	err = bundler.Retry(ctx, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/graphql", bytes.NewReader(payload))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := c.httpClient.Do(req)
		if err != nil {
			return bundler.RetryableError(bundler.Error{Code: bundler.Transient, Err: err})
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return retryIfTransient(statusError(resp))
		}
		var body struct {
			Data struct {
				Transactions struct {
					Edges []struct {
						Node struct {
							ID    string `json:"id"`
							Block *struct {
								Height uint64 `json:"height"`
							} `json:"block"`
							BundledIn *struct {
								ID string `json:"id"`
							} `json:"bundledIn"`
						} `json:"node"`
					} `json:"edges"`
				} `json:"transactions"`
			} `json:"data"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			return fmt.Errorf("decoding GQL response, details: %v", err)
		}
		items = items[:0]
		for _, e := range body.Data.Transactions.Edges {
			item := GQLDataItem{ID: bundler.ItemID(e.Node.ID)}
			if e.Node.Block != nil {
				item.HasBlock = true
				item.BlockHeight = e.Node.Block.Height
			}
			if e.Node.BundledIn != nil {
				item.BundledIn = bundler.TxID(e.Node.BundledIn.ID)
			}
			items = append(items, item)
		}
		return nil
	}, nil)
	return items, err
}

// USDToARRate quotes the fiat rate from the configured oracle. Callers treat
// failures as non-fatal.
func (c *Client) USDToARRate(ctx context.Context, oracleURL string) (float64, error) {
	if oracleURL == "" {
		return 0, fmt.Errorf("no price oracle configured")
	}
	body, err := c.getBody(ctx, oracleURL)
	if err != nil {
		return 0, err
	}
	var quote struct {
		Arweave struct {
			USD float64 `json:"usd"`
		} `json:"arweave"`
	}
	if err := json.Unmarshal(body, &quote); err != nil {
		return 0, fmt.Errorf("decoding fiat quote, details: %v", err)
	}
	return quote.Arweave.USD, nil
}

func (c *Client) getBody(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, bundler.Error{Code: bundler.Transient, Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, statusError(resp)
	}
	return io.ReadAll(resp.Body)
}

func (c *Client) postJSON(ctx context.Context, url string, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return bundler.Error{Code: bundler.Transient, Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	return statusError(resp)
}

// statusError classifies an HTTP failure: 5xx, 408 and 429 are transient,
// other 4xx are permanent rejections.
func statusError(resp *http.Response) error {
	ba, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	err := fmt.Errorf("gateway returned %d: %s", resp.StatusCode, strings.TrimSpace(string(ba)))
	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusRequestTimeout || resp.StatusCode == http.StatusTooManyRequests {
		return bundler.Error{Code: bundler.Transient, Err: err}
	}
	return bundler.Error{Code: bundler.BadInput, Err: err}
}

// retryIfTransient adapts the error classification to the retry helper.
func retryIfTransient(err error) error {
	if err == nil {
		return nil
	}
	if bundler.IsTransient(err) {
		return bundler.RetryableError(err)
	}
	return err
}
