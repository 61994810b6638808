package exports

import (
	"bytes"
	"crypto/sha256"
	"encoding/csv"
	"encoding/hex"
	"time"

	"nftmarket/integrations/history"
)

var salesHeader = []string{
	"settlement_id", "uid", "custody", "item_id", "buyer", "seller", "price", "fee",
	"source", "offer_id", "outcome", "credits", "dust", "reason", "resolved_at",
}

// SalesCSV builds a CSV export of archived sales and returns the serialised
// data alongside a SHA-256 checksum of the payload.
func SalesCSV(sales []history.Sale) ([]byte, string, error) {
	buffer := &bytes.Buffer{}
	writer := csv.NewWriter(buffer)
	if err := writer.Write(salesHeader); err != nil {
		return nil, "", err
	}
	for _, sale := range sales {
		record := []string{
			sale.SettlementID,
			sale.UID,
			sale.Custody,
			sale.ItemID,
			sale.Buyer,
			sale.Seller,
			orZero(sale.Price),
			orZero(sale.Fee),
			sale.Source,
			sale.OfferID,
			sale.Outcome,
			sale.Credits,
			orZero(sale.Dust),
			sale.Reason,
			formatTime(sale.ResolvedAt),
		}
		if err := writer.Write(record); err != nil {
			return nil, "", err
		}
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		return nil, "", err
	}
	data := buffer.Bytes()
	checksum := sha256.Sum256(data)
	return data, hex.EncodeToString(checksum[:]), nil
}

func orZero(amount string) string {
	if amount == "" {
		return "0"
	}
	return amount
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}
