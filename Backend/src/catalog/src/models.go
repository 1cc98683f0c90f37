package main

// Estados del ledger de stock
const (
	LedgerDecremented = "decremented"
	LedgerRestored    = "restored"
	LedgerVoided      = "voided"
)

type Book struct {
	ID          int64
	Title       string
	Author      string
	Description string
	PriceCents  int64
	Stock       int32
	CoverURL    string
	CreatedUnix int64
}

// bookView is the JSON shape the cart service reads.
type bookView struct {
	ID          int64  `json:"id"`
	Name        string `json:"name"`
	Author      string `json:"author"`
	Description string `json:"description"`
	Price       int64  `json:"price"`
	Stock       int32  `json:"stock"`
	CoverURL    string `json:"cover_url,omitempty"`
}

func bookToView(b *Book) bookView {
	return bookView{
		ID:          b.ID,
		Name:        b.Title,
		Author:      b.Author,
		Description: b.Description,
		Price:       b.PriceCents,
		Stock:       b.Stock,
		CoverURL:    b.CoverURL,
	}
}

// StockChange is the outcome of a decrement or restock.
type StockChange struct {
	BookID         int64  `json:"book_id"`
	Quantity       int32  `json:"quantity"`
	Stock          int32  `json:"stock"`
	IdempotencyKey string `json:"idempotency_key"`
	// Replayed is true when the key was already handled and nothing changed.
	Replayed bool `json:"replayed"`
}
