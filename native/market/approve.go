package market

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/holiman/uint256"
)

// SiteMetadata names the site an item was minted on.
type SiteMetadata struct {
	Name    string `json:"name"`
	NFTLink string `json:"nft_link"`
}

// ApprovedItem is the description a custody service forwards when it approves
// the market to transfer an item.
type ApprovedItem struct {
	ContractID   string          `json:"contract_id"`
	TokenID      string          `json:"token_id"`
	OwnerID      string          `json:"owner_id"`
	Title        string          `json:"title"`
	Description  *string         `json:"description,omitempty"`
	Copies       json.RawMessage `json:"copies,omitempty"`
	MediaURL     string          `json:"media_url"`
	ReferenceURL string          `json:"reference_url"`
	MintSite     SiteMetadata    `json:"mint_site"`
	Price        json.RawMessage `json:"price"`
}

// MarketArgs is the approval message payload.
type MarketArgs struct {
	JSONNFT *ApprovedItem `json:"json_nft"`
}

// ParseMarketArgs decodes the approval message and its price.
func ParseMarketArgs(msg []byte) (*ApprovedItem, *uint256.Int, error) {
	var args MarketArgs
	if err := json.Unmarshal(msg, &args); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrInvalidMarketArgs, err)
	}
	if args.JSONNFT == nil {
		return nil, nil, fmt.Errorf("%w: missing json_nft", ErrInvalidMarketArgs)
	}
	price, err := ParseAmountJSON(args.JSONNFT.Price)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: price: %v", ErrInvalidMarketArgs, err)
	}
	return args.JSONNFT, price, nil
}

// Metadata flattens the descriptive fields for the listing event.
func (a *ApprovedItem) Metadata() map[string]string {
	if a == nil {
		return nil
	}
	meta := map[string]string{
		"title":        a.Title,
		"mediaUrl":     a.MediaURL,
		"referenceUrl": a.ReferenceURL,
		"mintSite":     a.MintSite.Name,
		"mintSiteLink": a.MintSite.NFTLink,
	}
	if a.Description != nil {
		meta["description"] = *a.Description
	}
	if copies := strings.Trim(strings.TrimSpace(string(a.Copies)), `"`); copies != "" && copies != "null" {
		if _, err := strconv.ParseUint(copies, 10, 64); err == nil {
			meta["copies"] = copies
		}
	}
	return meta
}

// ApprovalRequest is the hook invoked when a custody service approves the
// market for an item. Custody is the address of the calling service and
// Signer the account that signed the approval.
type ApprovalRequest struct {
	Custody    AccountID
	Owner      AccountID
	Signer     AccountID
	ItemID     string
	ApprovalID uint64
	Msg        []byte
}

// OnApprove lists an item on behalf of its owner once the custody service
// has granted transfer approval. The signer must be the owner and must not be
// the custody service itself.
func (e *Engine) OnApprove(req ApprovalRequest) (*Listing, error) {
	if req.Signer != req.Owner {
		return nil, fmt.Errorf("%w: signer %s is not the owner", ErrUnauthorized, req.Signer)
	}
	if req.Signer == req.Custody {
		return nil, fmt.Errorf("%w: approval signed by custody service", ErrUnauthorized)
	}
	item, price, err := ParseMarketArgs(req.Msg)
	if err != nil {
		return nil, err
	}
	return e.List(ListRequest{
		Owner:      req.Owner,
		Custody:    req.Custody,
		ItemID:     req.ItemID,
		Price:      price,
		ApprovalID: req.ApprovalID,
		Metadata:   item.Metadata(),
	})
}
