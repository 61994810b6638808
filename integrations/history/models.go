package history

import (
	"time"

	"gorm.io/gorm"
)

// Sale is the archived record of a resolved settlement. Amounts are decimal
// strings in the smallest unit.
type Sale struct {
	SettlementID string `gorm:"primaryKey;size:64"`
	UID          string `gorm:"index;size:512"`
	Custody      string `gorm:"size:256"`
	ItemID       string `gorm:"size:256"`
	Buyer        string `gorm:"index;size:256"`
	Seller       string `gorm:"index;size:256"`
	Price        string `gorm:"not null"`
	Fee          string
	Source       string `gorm:"size:16"`
	OfferID      string `gorm:"size:64"`
	Outcome      string `gorm:"index;size:16"`
	Credits      string
	Dust         string
	Reason       string
	ResolvedAt   time.Time `gorm:"index"`
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// AutoMigrate performs the archive schema migrations.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&Sale{})
}
