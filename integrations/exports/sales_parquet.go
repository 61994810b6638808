package exports

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/xitongsys/parquet-go-source/writerfile"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"

	"nftmarket/integrations/history"
)

// SaleRow is the parquet schema of an exported sale.
type SaleRow struct {
	SettlementID string `parquet:"name=settlement_id, type=UTF8, encoding=PLAIN_DICTIONARY"`
	UID          string `parquet:"name=uid, type=UTF8, encoding=PLAIN_DICTIONARY"`
	Custody      string `parquet:"name=custody, type=UTF8, encoding=PLAIN_DICTIONARY"`
	ItemID       string `parquet:"name=item_id, type=UTF8, encoding=PLAIN_DICTIONARY"`
	Buyer        string `parquet:"name=buyer, type=UTF8, encoding=PLAIN_DICTIONARY"`
	Seller       string `parquet:"name=seller, type=UTF8, encoding=PLAIN_DICTIONARY"`
	Price        string `parquet:"name=price, type=UTF8, encoding=PLAIN_DICTIONARY"`
	Fee          string `parquet:"name=fee, type=UTF8, encoding=PLAIN_DICTIONARY"`
	Source       string `parquet:"name=source, type=UTF8, encoding=PLAIN_DICTIONARY"`
	OfferID      string `parquet:"name=offer_id, type=UTF8, encoding=PLAIN_DICTIONARY"`
	Outcome      string `parquet:"name=outcome, type=UTF8, encoding=PLAIN_DICTIONARY"`
	Credits      string `parquet:"name=credits, type=UTF8, encoding=PLAIN_DICTIONARY"`
	Dust         string `parquet:"name=dust, type=UTF8, encoding=PLAIN_DICTIONARY"`
	ResolvedAtMs int64  `parquet:"name=resolved_at_ms, type=TIMESTAMP_MILLIS"`
}

// SalesParquet builds a snappy-compressed parquet export of archived sales
// and returns it with a SHA-256 checksum.
func SalesParquet(sales []history.Sale) ([]byte, string, error) {
	buffer := &bytes.Buffer{}
	fw := writerfile.NewWriterFile(buffer)
	pw, err := writer.NewParquetWriter(fw, new(SaleRow), 1)
	if err != nil {
		return nil, "", fmt.Errorf("exports: parquet schema: %w", err)
	}
	pw.CompressionType = parquet.CompressionCodec_SNAPPY
	for _, sale := range sales {
		row := &SaleRow{
			SettlementID: sale.SettlementID,
			UID:          sale.UID,
			Custody:      sale.Custody,
			ItemID:       sale.ItemID,
			Buyer:        sale.Buyer,
			Seller:       sale.Seller,
			Price:        orZero(sale.Price),
			Fee:          orZero(sale.Fee),
			Source:       sale.Source,
			OfferID:      sale.OfferID,
			Outcome:      sale.Outcome,
			Credits:      sale.Credits,
			Dust:         orZero(sale.Dust),
		}
		if !sale.ResolvedAt.IsZero() {
			row.ResolvedAtMs = sale.ResolvedAt.UnixMilli()
		}
		if err := pw.Write(row); err != nil {
			_ = pw.WriteStop()
			return nil, "", fmt.Errorf("exports: parquet write: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		return nil, "", fmt.Errorf("exports: parquet flush: %w", err)
	}
	data := buffer.Bytes()
	checksum := sha256.Sum256(data)
	return data, hex.EncodeToString(checksum[:]), nil
}
