package state

import (
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/holiman/uint256"

	"nftmarket/native/market"
	"nftmarket/storage"
	"nftmarket/storage/trie"
)

var (
	marketListingPrefix   = []byte("market/listing/")
	marketOfferPrefix     = []byte("market/offer/")
	marketBalancePrefix   = []byte("market/balance/")
	marketWhitelistPrefix = []byte("market/whitelist/")
	marketSettlePrefix    = []byte("market/settlement/")
	marketCountersKey     = []byte("market/counters")
	marketVersionKey      = []byte("market/version")
)

// MarketSchemaVersion is written on first commit and checked on load.
const MarketSchemaVersion uint64 = 1

var errMarketStoreClosed = errors.New("state: market store unavailable")

// MarketStore persists the market ledger in a key-value database. Records are
// RLP encoded and stored under a readable prefix followed by the Keccak-256
// hash of the record identifier, so each kind can be scanned independently.
type MarketStore struct {
	mu sync.Mutex
	db storage.Database
}

// NewMarketStore binds a market store to db.
func NewMarketStore(db storage.Database) *MarketStore {
	return &MarketStore{db: db}
}

type storedListing struct {
	Owner      string
	Custody    string
	ItemID     string
	Price      *big.Int
	ApprovalID uint64
	Seq        uint64
}

type storedOffer struct {
	UID    string
	ID     string
	Price  *big.Int
	Bidder string
}

type storedBalance struct {
	Account string
	Amount  *big.Int
}

// storedSettlement is an open settlement. Times are unix nanoseconds, zero
// when unset.
type storedSettlement struct {
	ID          string
	State       uint8
	Outcome     uint8
	Source      uint8
	OfferID     string
	UID         string
	Custody     string
	ItemID      string
	ApprovalID  uint64
	Buyer       string
	Seller      string
	Price       *big.Int
	Fee         *big.Int
	Reason      string
	RequestedAt uint64
	ResolvedAt  uint64
}

type storedCounters struct {
	OfferCounter uint64
	ListingSeq   uint64
	InFlight     *big.Int
	Dust         *big.Int
}

func marketKey(prefix []byte, id string) []byte {
	hash := ethcrypto.Keccak256([]byte(id))
	key := make([]byte, len(prefix)+len(hash))
	copy(key, prefix)
	copy(key[len(prefix):], hash)
	return key
}

// Load implements market.Store.
func (s *MarketStore) Load() (*market.Snapshot, error) {
	if s == nil || s.db == nil {
		return nil, errMarketStoreClosed
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkVersion(); err != nil {
		return nil, err
	}
	snap := &market.Snapshot{Balances: make(map[market.AccountID]*uint256.Int)}
	err := s.db.Iterate(marketListingPrefix, func(_, value []byte) error {
		var stored storedListing
		if err := rlp.DecodeBytes(value, &stored); err != nil {
			return fmt.Errorf("decode listing: %w", err)
		}
		price, err := toAmount(stored.Price)
		if err != nil {
			return err
		}
		snap.Listings = append(snap.Listings, &market.Listing{
			Owner:      market.AccountID(stored.Owner),
			Custody:    market.AccountID(stored.Custody),
			ItemID:     stored.ItemID,
			Price:      price,
			ApprovalID: stored.ApprovalID,
			Seq:        stored.Seq,
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("state: load listings: %w", err)
	}
	err = s.db.Iterate(marketOfferPrefix, func(_, value []byte) error {
		var stored storedOffer
		if err := rlp.DecodeBytes(value, &stored); err != nil {
			return fmt.Errorf("decode offer: %w", err)
		}
		price, err := toAmount(stored.Price)
		if err != nil {
			return err
		}
		snap.Offers = append(snap.Offers, &market.Offer{
			UID:    market.UID(stored.UID),
			ID:     market.OfferID(stored.ID),
			Price:  price,
			Bidder: market.AccountID(stored.Bidder),
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("state: load offers: %w", err)
	}
	err = s.db.Iterate(marketBalancePrefix, func(_, value []byte) error {
		var stored storedBalance
		if err := rlp.DecodeBytes(value, &stored); err != nil {
			return fmt.Errorf("decode balance: %w", err)
		}
		amount, err := toAmount(stored.Amount)
		if err != nil {
			return err
		}
		snap.Balances[market.AccountID(stored.Account)] = amount
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("state: load balances: %w", err)
	}
	err = s.db.Iterate(marketWhitelistPrefix, func(_, value []byte) error {
		var account string
		if err := rlp.DecodeBytes(value, &account); err != nil {
			return fmt.Errorf("decode whitelist: %w", err)
		}
		snap.Whitelist = append(snap.Whitelist, market.AccountID(account))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("state: load whitelist: %w", err)
	}
	err = s.db.Iterate(marketSettlePrefix, func(_, value []byte) error {
		var stored storedSettlement
		if err := rlp.DecodeBytes(value, &stored); err != nil {
			return fmt.Errorf("decode settlement: %w", err)
		}
		settlement, err := stored.settlement()
		if err != nil {
			return err
		}
		snap.Settlements = append(snap.Settlements, settlement)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("state: load settlements: %w", err)
	}
	counters, err := s.loadCounters()
	if err != nil {
		return nil, err
	}
	snap.Counters = counters
	return snap, nil
}

func (s *MarketStore) checkVersion() error {
	data, err := s.db.Get(marketVersionKey)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("state: read market version: %w", err)
	}
	var version uint64
	if err := rlp.DecodeBytes(data, &version); err != nil {
		return fmt.Errorf("state: decode market version: %w", err)
	}
	if version != MarketSchemaVersion {
		return fmt.Errorf("state: market schema version %d unsupported (want %d)", version, MarketSchemaVersion)
	}
	return nil
}

func (s *MarketStore) loadCounters() (market.Counters, error) {
	counters := market.Counters{InFlight: new(uint256.Int), Dust: new(uint256.Int)}
	data, err := s.db.Get(marketCountersKey)
	if errors.Is(err, storage.ErrNotFound) {
		return counters, nil
	}
	if err != nil {
		return counters, fmt.Errorf("state: read market counters: %w", err)
	}
	var stored storedCounters
	if err := rlp.DecodeBytes(data, &stored); err != nil {
		return counters, fmt.Errorf("state: decode market counters: %w", err)
	}
	counters.OfferCounter = stored.OfferCounter
	counters.ListingSeq = stored.ListingSeq
	if counters.InFlight, err = toAmount(stored.InFlight); err != nil {
		return counters, err
	}
	if counters.Dust, err = toAmount(stored.Dust); err != nil {
		return counters, err
	}
	return counters, nil
}

// Commit implements market.Store. Every record of the change set is written
// in a single batch.
func (s *MarketStore) Commit(cs *market.ChangeSet) error {
	if s == nil || s.db == nil {
		return errMarketStoreClosed
	}
	if cs.Empty() {
		return nil
	}
	batch := storage.NewBatch()
	version, err := rlp.EncodeToBytes(MarketSchemaVersion)
	if err != nil {
		return err
	}
	batch.Put(marketVersionKey, version)
	for uid, listing := range cs.Listings {
		key := marketKey(marketListingPrefix, string(uid))
		if listing == nil {
			batch.Delete(key)
			continue
		}
		encoded, err := rlp.EncodeToBytes(&storedListing{
			Owner:      string(listing.Owner),
			Custody:    string(listing.Custody),
			ItemID:     listing.ItemID,
			Price:      toBig(listing.Price),
			ApprovalID: listing.ApprovalID,
			Seq:        listing.Seq,
		})
		if err != nil {
			return fmt.Errorf("state: encode listing %s: %w", uid, err)
		}
		batch.Put(key, encoded)
	}
	for id, offer := range cs.Offers {
		key := marketKey(marketOfferPrefix, string(id))
		if offer == nil {
			batch.Delete(key)
			continue
		}
		encoded, err := rlp.EncodeToBytes(&storedOffer{
			UID:    string(offer.UID),
			ID:     string(offer.ID),
			Price:  toBig(offer.Price),
			Bidder: string(offer.Bidder),
		})
		if err != nil {
			return fmt.Errorf("state: encode offer %s: %w", id, err)
		}
		batch.Put(key, encoded)
	}
	for account, amount := range cs.Balances {
		key := marketKey(marketBalancePrefix, string(account))
		if amount == nil || amount.IsZero() {
			batch.Delete(key)
			continue
		}
		encoded, err := rlp.EncodeToBytes(&storedBalance{Account: string(account), Amount: toBig(amount)})
		if err != nil {
			return fmt.Errorf("state: encode balance %s: %w", account, err)
		}
		batch.Put(key, encoded)
	}
	for account, allowed := range cs.Whitelist {
		key := marketKey(marketWhitelistPrefix, string(account))
		if !allowed {
			batch.Delete(key)
			continue
		}
		encoded, err := rlp.EncodeToBytes(string(account))
		if err != nil {
			return err
		}
		batch.Put(key, encoded)
	}
	for id, settlement := range cs.Settlements {
		key := marketKey(marketSettlePrefix, id)
		if settlement == nil {
			batch.Delete(key)
			continue
		}
		encoded, err := rlp.EncodeToBytes(newStoredSettlement(settlement))
		if err != nil {
			return fmt.Errorf("state: encode settlement %s: %w", id, err)
		}
		batch.Put(key, encoded)
	}
	if c := cs.Counters; c != nil {
		encoded, err := rlp.EncodeToBytes(&storedCounters{
			OfferCounter: c.OfferCounter,
			ListingSeq:   c.ListingSeq,
			InFlight:     toBig(c.InFlight),
			Dust:         toBig(c.Dust),
		})
		if err != nil {
			return fmt.Errorf("state: encode market counters: %w", err)
		}
		batch.Put(marketCountersKey, encoded)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Write(batch)
}

func newStoredSettlement(s *market.Settlement) *storedSettlement {
	return &storedSettlement{
		ID:          s.ID,
		State:       uint8(s.State),
		Outcome:     uint8(s.Outcome),
		Source:      uint8(s.Source),
		OfferID:     string(s.OfferID),
		UID:         string(s.UID),
		Custody:     string(s.Custody),
		ItemID:      s.ItemID,
		ApprovalID:  s.ApprovalID,
		Buyer:       string(s.Buyer),
		Seller:      string(s.Seller),
		Price:       toBig(s.Price),
		Fee:         toBig(s.Fee),
		Reason:      s.Reason,
		RequestedAt: toUnixNano(s.RequestedAt),
		ResolvedAt:  toUnixNano(s.ResolvedAt),
	}
}

func (s *storedSettlement) settlement() (*market.Settlement, error) {
	price, err := toAmount(s.Price)
	if err != nil {
		return nil, err
	}
	fee, err := toAmount(s.Fee)
	if err != nil {
		return nil, err
	}
	return &market.Settlement{
		ID:          s.ID,
		State:       market.SettlementState(s.State),
		Outcome:     market.SettlementOutcome(s.Outcome),
		Source:      market.Source(s.Source),
		OfferID:     market.OfferID(s.OfferID),
		UID:         market.UID(s.UID),
		Custody:     market.AccountID(s.Custody),
		ItemID:      s.ItemID,
		ApprovalID:  s.ApprovalID,
		Buyer:       market.AccountID(s.Buyer),
		Seller:      market.AccountID(s.Seller),
		Price:       price,
		Fee:         fee,
		Reason:      s.Reason,
		RequestedAt: fromUnixNano(s.RequestedAt),
		ResolvedAt:  fromUnixNano(s.ResolvedAt),
	}, nil
}

func toUnixNano(t time.Time) uint64 {
	if t.IsZero() || t.UnixNano() < 0 {
		return 0
	}
	return uint64(t.UnixNano())
}

func fromUnixNano(v uint64) time.Time {
	if v == 0 {
		return time.Time{}
	}
	return time.Unix(0, int64(v)).UTC()
}

func toBig(v *uint256.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return v.ToBig()
}

func toAmount(v *big.Int) (*uint256.Int, error) {
	if v == nil {
		return new(uint256.Int), nil
	}
	amount, overflow := uint256.FromBig(v)
	if overflow {
		return nil, fmt.Errorf("state: stored amount %s exceeds 256 bits", v.String())
	}
	return amount, nil
}

var _ market.Store = (*MarketStore)(nil)

// Root returns the Merkle root committing to every persisted market record.
func (s *MarketStore) Root() (common.Hash, error) {
	if s == nil || s.db == nil {
		return common.Hash{}, errMarketStoreClosed
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return trie.Root(s.db,
		marketListingPrefix,
		marketOfferPrefix,
		marketBalancePrefix,
		marketWhitelistPrefix,
		marketSettlePrefix,
		marketCountersKey,
	)
}
