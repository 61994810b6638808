package exports

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"nftmarket/integrations/history"
)

// SalesJSONL builds a JSON Lines export of archived sales and returns the
// serialised payload alongside a checksum.
func SalesJSONL(sales []history.Sale) ([]byte, string, error) {
	buffer := &bytes.Buffer{}
	encoder := json.NewEncoder(buffer)
	encoder.SetEscapeHTML(false)
	for _, sale := range sales {
		payload := map[string]interface{}{
			"settlementId": sale.SettlementID,
			"uid":          sale.UID,
			"custody":      sale.Custody,
			"itemId":       sale.ItemID,
			"buyer":        sale.Buyer,
			"seller":       sale.Seller,
			"price":        orZero(sale.Price),
			"fee":          orZero(sale.Fee),
			"source":       sale.Source,
			"outcome":      sale.Outcome,
			"resolvedAt":   formatTime(sale.ResolvedAt),
		}
		if sale.OfferID != "" {
			payload["offerId"] = sale.OfferID
		}
		if sale.Credits != "" {
			payload["credits"] = sale.Credits
		}
		if sale.Reason != "" {
			payload["reason"] = sale.Reason
		}
		if err := encoder.Encode(payload); err != nil {
			return nil, "", err
		}
	}
	data := buffer.Bytes()
	checksum := sha256.Sum256(data)
	return data, hex.EncodeToString(checksum[:]), nil
}
