// Package certificate reads and writes product certificates held by the
// certificate registry NFT, and their supply-chain history.
package certificate

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"tradechain/internal/contracts"
	"tradechain/internal/units"
)

var (
	ErrInvalidRequest = errors.New("invalid certificate request")
	ErrInvalidCursor  = errors.New("invalid history cursor")
)

// Client is the certificate registry surface used by the gateway.
type Client interface {
	MintCertificate(ctx context.Context, req MintRequest) (MintResult, error)
	GetCertificate(ctx context.Context, tokenID uint64) (Certificate, error)
	GetCertificateByProductID(ctx context.Context, productID uint64) (Certificate, error)
	GetSupplyChainHistory(ctx context.Context, tokenID uint64) ([]SupplyChainEvent, error)
	HistoryPage(ctx context.Context, tokenID uint64, cursor string, limit int) (HistoryPage, error)
	AddSupplyChainEvent(ctx context.Context, tokenID uint64, ev NewEvent) (common.Hash, error)
	IsProductCertified(ctx context.Context, productID uint64) (bool, error)
	IsVerifiedSupplier(ctx context.Context, supplier common.Address) (bool, error)
	TotalCertificates(ctx context.Context) (uint64, error)
}

type Certificate struct {
	TokenID               uint64          `json:"tokenId"`
	ProductID             uint64          `json:"productId"`
	Supplier              common.Address  `json:"supplier"`
	ProductName           string          `json:"productName"`
	Origin                string          `json:"origin"`
	Category              string          `json:"category"`
	ManufactureDate       time.Time       `json:"manufactureDate"`
	ExpiryDate            *time.Time      `json:"expiryDate"`
	BatchNumber           string          `json:"batchNumber"`
	QualityCertifications []string        `json:"qualityCertifications"`
	IPFSMetadata          string          `json:"ipfsMetadata"`
	IsVerified            bool            `json:"isVerified"`
	VerifiedBy            *common.Address `json:"verifiedBy"`
	VerifiedAt            *time.Time      `json:"verifiedAt"`
}

type SupplyChainEvent struct {
	Timestamp   time.Time      `json:"timestamp"`
	EventType   string         `json:"eventType"`
	Location    string         `json:"location"`
	Description string         `json:"description"`
	RecordedBy  common.Address `json:"recordedBy"`
	IPFSProof   string         `json:"ipfsProof"`
}

type MintRequest struct {
	ProductID             uint64     `json:"productId"`
	ProductName           string     `json:"productName"`
	Origin                string     `json:"origin"`
	Category              string     `json:"category"`
	ManufactureDate       time.Time  `json:"manufactureDate"`
	ExpiryDate            *time.Time `json:"expiryDate,omitempty"`
	BatchNumber           string     `json:"batchNumber"`
	QualityCertifications []string   `json:"qualityCertifications"`
	IPFSMetadata          string     `json:"ipfsMetadata"`
	TokenURI              string     `json:"tokenURI"`
}

type MintResult struct {
	TokenID     uint64      `json:"tokenId"`
	TxHash      common.Hash `json:"txHash"`
	BlockNumber uint64      `json:"blockNumber"`
}

// NewEvent is a supply-chain entry to append. Timestamp and recorder are
// set by the contract.
type NewEvent struct {
	EventType   string `json:"eventType"`
	Location    string `json:"location"`
	Description string `json:"description"`
	IPFSProof   string `json:"ipfsProof"`
}

// HistoryPage is a window of a certificate's history. NextCursor is empty on
// the last page.
type HistoryPage struct {
	Events     []SupplyChainEvent `json:"events"`
	NextCursor string             `json:"nextCursor,omitempty"`
	Total      int                `json:"total"`
}

// certificateTuple matches the registry's Certificate struct field for field.
type certificateTuple struct {
	TokenId               *big.Int
	ProductId             *big.Int
	Supplier              common.Address
	ProductName           string
	Origin                string
	Category              string
	ManufactureDate       *big.Int
	ExpiryDate            *big.Int
	BatchNumber           string
	QualityCertifications []string
	IpfsMetadata          string
	IsVerified            bool
	VerifiedBy            common.Address
	VerifiedAt            *big.Int
}

type eventTuple struct {
	Timestamp   *big.Int
	EventType   string
	Location    string
	Description string
	RecordedBy  common.Address
	IpfsProof   string
}

type mintedEvent struct {
	TokenId   *big.Int
	ProductId *big.Int
	Supplier  common.Address
}

type transferEvent struct {
	From    common.Address
	To      common.Address
	TokenId *big.Int
}

// EthClient talks to the certificate registry through the session bindings.
type EthClient struct {
	src contracts.Source
	log *slog.Logger
}

func NewEthClient(src contracts.Source, logger *slog.Logger) *EthClient {
	if logger == nil {
		logger = slog.Default()
	}
	return &EthClient{src: src, log: logger.With("component", "certificate")}
}

var _ Client = (*EthClient)(nil)

func (c *EthClient) handle(ctx context.Context) (*contracts.Handle, error) {
	b, err := contracts.Current(ctx, c.src)
	if err != nil {
		return nil, err
	}
	return b.Certificates, nil
}

// MintCertificate mints a certificate and returns the token id reported by
// the registry. A receipt without a mint event is an error; there is no
// placeholder id.
func (c *EthClient) MintCertificate(ctx context.Context, req MintRequest) (MintResult, error) {
	if strings.TrimSpace(req.ProductName) == "" {
		return MintResult{}, fmt.Errorf("%w: product name required", ErrInvalidRequest)
	}
	if req.ManufactureDate.IsZero() {
		return MintResult{}, fmt.Errorf("%w: manufacture date required", ErrInvalidRequest)
	}
	expiry := new(big.Int)
	if req.ExpiryDate != nil {
		if req.ExpiryDate.Before(req.ManufactureDate) {
			return MintResult{}, fmt.Errorf("%w: expiry precedes manufacture date", ErrInvalidRequest)
		}
		expiry = units.Unix(*req.ExpiryDate)
	}
	quals := req.QualityCertifications
	if quals == nil {
		quals = []string{}
	}

	h, err := c.handle(ctx)
	if err != nil {
		return MintResult{}, err
	}
	receipt, err := h.Transact(ctx, nil, "mintCertificate",
		new(big.Int).SetUint64(req.ProductID),
		req.ProductName,
		req.Origin,
		req.Category,
		units.Unix(req.ManufactureDate),
		expiry,
		req.BatchNumber,
		quals,
		req.IPFSMetadata,
		req.TokenURI,
	)
	if err != nil {
		return MintResult{}, err
	}

	tokenID, err := mintedTokenID(h, receipt)
	if err != nil {
		return MintResult{}, h.Mined("mintCertificate", receipt, err)
	}
	id, err := units.Uint64(tokenID)
	if err != nil {
		return MintResult{}, h.Mined("mintCertificate", receipt, fmt.Errorf("%w: token id: %w", contracts.ErrDataInconsistency, err))
	}
	res := MintResult{TokenID: id, TxHash: receipt.TxHash}
	if receipt.BlockNumber != nil {
		res.BlockNumber = receipt.BlockNumber.Uint64()
	}
	c.log.Info("certificate minted", "token_id", id, "product_id", req.ProductID, "tx", receipt.TxHash.Hex())
	return res, nil
}

// mintedTokenID prefers the registry's own event and falls back to the
// ERC-721 mint transfer.
func mintedTokenID(h *contracts.Handle, receipt *types.Receipt) (*big.Int, error) {
	var minted mintedEvent
	found, err := h.FindEvent(receipt, "CertificateMinted", &minted)
	if err != nil {
		return nil, err
	}
	if found {
		return minted.TokenId, nil
	}
	var transfer transferEvent
	found, err = h.FindEvent(receipt, "Transfer", &transfer)
	if err != nil {
		return nil, err
	}
	if found && transfer.From == (common.Address{}) {
		return transfer.TokenId, nil
	}
	return nil, fmt.Errorf("%w: CertificateMinted", contracts.ErrEventNotFound)
}

func (c *EthClient) GetCertificate(ctx context.Context, tokenID uint64) (Certificate, error) {
	return c.certificate(ctx, "getCertificate", tokenID)
}

func (c *EthClient) GetCertificateByProductID(ctx context.Context, productID uint64) (Certificate, error) {
	return c.certificate(ctx, "getCertificateByProductId", productID)
}

func (c *EthClient) certificate(ctx context.Context, method string, key uint64) (Certificate, error) {
	h, err := c.handle(ctx)
	if err != nil {
		return Certificate{}, err
	}
	out, err := h.Call(ctx, method, new(big.Int).SetUint64(key))
	if err != nil {
		return Certificate{}, err
	}
	raw, err := contracts.Output[certificateTuple](out, 0)
	if err != nil {
		return Certificate{}, err
	}
	return decodeCertificate(raw)
}

func decodeCertificate(raw certificateTuple) (Certificate, error) {
	tokenID, err := units.Uint64(raw.TokenId)
	if err != nil {
		return Certificate{}, inconsistent("tokenId", err)
	}
	productID, err := units.Uint64(raw.ProductId)
	if err != nil {
		return Certificate{}, inconsistent("productId", err)
	}
	manufactured, err := units.Time(raw.ManufactureDate)
	if err != nil {
		return Certificate{}, inconsistent("manufactureDate", err)
	}
	expiry, err := units.OptionalTime(raw.ExpiryDate)
	if err != nil {
		return Certificate{}, inconsistent("expiryDate", err)
	}
	verifiedAt, err := units.OptionalTime(raw.VerifiedAt)
	if err != nil {
		return Certificate{}, inconsistent("verifiedAt", err)
	}
	cert := Certificate{
		TokenID:               tokenID,
		ProductID:             productID,
		Supplier:              raw.Supplier,
		ProductName:           raw.ProductName,
		Origin:                raw.Origin,
		Category:              raw.Category,
		ManufactureDate:       manufactured,
		ExpiryDate:            expiry,
		BatchNumber:           raw.BatchNumber,
		QualityCertifications: raw.QualityCertifications,
		IPFSMetadata:          raw.IpfsMetadata,
		IsVerified:            raw.IsVerified,
		VerifiedAt:            verifiedAt,
	}
	if cert.QualityCertifications == nil {
		cert.QualityCertifications = []string{}
	}
	if raw.VerifiedBy != (common.Address{}) {
		by := raw.VerifiedBy
		cert.VerifiedBy = &by
	}
	return cert, nil
}

func (c *EthClient) GetSupplyChainHistory(ctx context.Context, tokenID uint64) ([]SupplyChainEvent, error) {
	h, err := c.handle(ctx)
	if err != nil {
		return nil, err
	}
	out, err := h.Call(ctx, "getSupplyChainHistory", new(big.Int).SetUint64(tokenID))
	if err != nil {
		return nil, err
	}
	raw, err := contracts.Output[[]eventTuple](out, 0)
	if err != nil {
		return nil, err
	}
	events := make([]SupplyChainEvent, 0, len(raw))
	for i, r := range raw {
		ts, err := units.Time(r.Timestamp)
		if err != nil {
			return nil, inconsistent(fmt.Sprintf("event %d timestamp", i), err)
		}
		events = append(events, SupplyChainEvent{
			Timestamp:   ts,
			EventType:   r.EventType,
			Location:    r.Location,
			Description: r.Description,
			RecordedBy:  r.RecordedBy,
			IPFSProof:   r.IpfsProof,
		})
	}
	return events, nil
}

// HistoryPage returns up to limit events starting at cursor. The registry
// has no paged accessor, so each page reads the full history; the cursor
// only fixes the position within it.
func (c *EthClient) HistoryPage(ctx context.Context, tokenID uint64, cursor string, limit int) (HistoryPage, error) {
	if limit <= 0 {
		return HistoryPage{}, fmt.Errorf("%w: page limit must be positive", ErrInvalidRequest)
	}
	offset, err := decodeCursor(tokenID, cursor)
	if err != nil {
		return HistoryPage{}, err
	}
	events, err := c.GetSupplyChainHistory(ctx, tokenID)
	if err != nil {
		return HistoryPage{}, err
	}
	return paginate(tokenID, events, offset, limit), nil
}

func paginate(tokenID uint64, events []SupplyChainEvent, offset, limit int) HistoryPage {
	page := HistoryPage{Total: len(events), Events: []SupplyChainEvent{}}
	if offset >= len(events) {
		return page
	}
	end := offset + min(limit, len(events)-offset)
	page.Events = events[offset:end]
	if end < len(events) {
		page.NextCursor = encodeCursor(tokenID, end)
	}
	return page
}

func encodeCursor(tokenID uint64, offset int) string {
	return base64.RawURLEncoding.EncodeToString([]byte(strconv.FormatUint(tokenID, 10) + ":" + strconv.Itoa(offset)))
}

func decodeCursor(tokenID uint64, cursor string) (int, error) {
	if cursor == "" {
		return 0, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return 0, ErrInvalidCursor
	}
	tok, off, ok := strings.Cut(string(raw), ":")
	if !ok || tok != strconv.FormatUint(tokenID, 10) {
		return 0, ErrInvalidCursor
	}
	offset, err := strconv.Atoi(off)
	if err != nil || offset < 0 {
		return 0, ErrInvalidCursor
	}
	return offset, nil
}

func (c *EthClient) AddSupplyChainEvent(ctx context.Context, tokenID uint64, ev NewEvent) (common.Hash, error) {
	if strings.TrimSpace(ev.EventType) == "" {
		return common.Hash{}, fmt.Errorf("%w: event type required", ErrInvalidRequest)
	}
	h, err := c.handle(ctx)
	if err != nil {
		return common.Hash{}, err
	}
	receipt, err := h.Transact(ctx, nil, "addSupplyChainEvent",
		new(big.Int).SetUint64(tokenID), ev.EventType, ev.Location, ev.Description, ev.IPFSProof)
	if err != nil {
		return common.Hash{}, err
	}
	c.log.Info("supply chain event recorded", "token_id", tokenID, "event_type", ev.EventType, "tx", receipt.TxHash.Hex())
	return receipt.TxHash, nil
}

func (c *EthClient) IsProductCertified(ctx context.Context, productID uint64) (bool, error) {
	return c.boolCall(ctx, "isProductCertified", new(big.Int).SetUint64(productID))
}

func (c *EthClient) IsVerifiedSupplier(ctx context.Context, supplier common.Address) (bool, error) {
	return c.boolCall(ctx, "verifiedSuppliers", supplier)
}

func (c *EthClient) boolCall(ctx context.Context, method string, arg any) (bool, error) {
	h, err := c.handle(ctx)
	if err != nil {
		return false, err
	}
	out, err := h.Call(ctx, method, arg)
	if err != nil {
		return false, err
	}
	return contracts.Output[bool](out, 0)
}

func (c *EthClient) TotalCertificates(ctx context.Context) (uint64, error) {
	h, err := c.handle(ctx)
	if err != nil {
		return 0, err
	}
	out, err := h.Call(ctx, "totalCertificates")
	if err != nil {
		return 0, err
	}
	v, err := contracts.Output[*big.Int](out, 0)
	if err != nil {
		return 0, err
	}
	n, err := units.Uint64(v)
	if err != nil {
		return 0, inconsistent("totalCertificates", err)
	}
	return n, nil
}

func inconsistent(field string, err error) error {
	return fmt.Errorf("%w: %s: %w", contracts.ErrDataInconsistency, field, err)
}
