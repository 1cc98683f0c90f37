package main

// Eventos publicados por Cart
const (
	RKOrderPlaced                 = "cart.order.placed"
	RKOrderReconciliationRequired = "cart.order.reconciliation_required"
)

type OrderPlacedPayload struct {
	OrderID       int64          `json:"order_id"`
	UserID        int64          `json:"user_id"`
	Items         []OrderItemEvt `json:"items"`
	TotalPrice    int64          `json:"total_price"`
	TotalQuantity int64          `json:"total_quantity"`
	OrderedUnix   int64          `json:"ordered_unix"`
}

type OrderItemEvt struct {
	BookID    int64 `json:"book_id"`
	Quantity  int32 `json:"quantity"`
	UnitPrice int64 `json:"unit_price"`
	Price     int64 `json:"price"`

	// clave del decremento en el catálogo; solo en eventos de reconciliación
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

// ReconciliationPayload lists the decrements whose compensation failed.
// The catalog consumes it and restores each key at most once.
type ReconciliationPayload struct {
	OrderID    int64          `json:"order_id"`
	UserID     int64          `json:"user_id"`
	Unresolved []OrderItemEvt `json:"unresolved"`
	Reason     string         `json:"reason"`
}

func orderItemsEvt(items []CartItem) []OrderItemEvt {
	out := make([]OrderItemEvt, 0, len(items))
	for _, it := range items {
		out = append(out, OrderItemEvt{
			BookID:    it.BookID,
			Quantity:  it.Quantity,
			UnitPrice: it.UnitPrice,
			Price:     it.Price,
		})
	}
	return out
}
