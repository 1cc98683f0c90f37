package main

import "time"

// Estado de un carrito una vez ordenado
const (
	OrderStatusNone                   = ""
	OrderStatusCompleted              = "completed"
	OrderStatusReconciliationRequired = "reconciliation_required"
)

// Estados del ledger de movimientos de stock (saga de place-order)
const (
	MovementPending     = "pending"
	MovementApplied     = "applied"
	MovementCompensated = "compensated"
	MovementFailed      = "failed"
)

type Cart struct {
	ID            int64      `json:"id"`
	UserID        int64      `json:"user_id"`
	TotalPrice    int64      `json:"total_price"`
	TotalQuantity int64      `json:"total_quantity"`
	IsOrdered     bool       `json:"is_ordered"`
	OrderStatus   string     `json:"order_status,omitempty"`
	CreatedUnix   int64      `json:"created_unix"`
	UpdatedUnix   int64      `json:"updated_unix"`
	OrderedUnix   int64      `json:"ordered_unix,omitempty"`
	Items         []CartItem `json:"items"`
}

// Empty reports whether the cart has no line items.
func (c *Cart) Empty() bool { return c == nil || len(c.Items) == 0 }

type CartItem struct {
	ID        int64 `json:"id"`
	CartID    int64 `json:"cart_id"`
	BookID    int64 `json:"book_id"`
	Quantity  int32 `json:"quantity"`
	UnitPrice int64 `json:"unit_price"`
	Price     int64 `json:"price"` // unit_price * quantity al momento de la última mutación
}

type StockMovement struct {
	CartID         int64
	BookID         int64
	Quantity       int32
	IdempotencyKey string
	State          string
}

// Identity is what the user service resolves a bearer token to.
type Identity struct {
	ID          int64  `json:"id"`
	Email       string `json:"email"`
	IsVerified  bool   `json:"is_verified"`
	IsSuperUser bool   `json:"is_super_user"`
}

// Book is the catalog's live view of a title.
type Book struct {
	ID          int64
	Price       int64
	Stock       int32
	Description string
}

type CartTotals struct {
	CartID        int64 `json:"cart_id"`
	TotalPrice    int64 `json:"total_price"`
	TotalQuantity int64 `json:"total_quantity"`
}

func totalsOf(c *Cart) CartTotals {
	return CartTotals{CartID: c.ID, TotalPrice: c.TotalPrice, TotalQuantity: c.TotalQuantity}
}

type OrderLine struct {
	BookID    int64  `json:"book_id"`
	BookTitle string `json:"book_title"`
	Quantity  int32  `json:"quantity"`
	Price     int64  `json:"price"`
	TotalCost int64  `json:"total_cost"`
}

type OrderDetails struct {
	OrderID       int64       `json:"order_id"`
	UserID        int64       `json:"user_id"`
	OrderedItems  []OrderLine `json:"ordered_items"`
	OrderStatus   string      `json:"order_status"`
	TotalAmount   int64       `json:"total_amount"`
	ChargedAmount int64       `json:"charged_amount"`
	OrderedAt     time.Time   `json:"ordered_at"`
}

type OrderSummary struct {
	OrderID       int64     `json:"order_id"`
	TotalPrice    int64     `json:"total_price"`
	TotalQuantity int64     `json:"total_quantity"`
	OrderStatus   string    `json:"order_status"`
	OrderedAt     time.Time `json:"ordered_at"`
}

func summaryOf(c *Cart) OrderSummary {
	return OrderSummary{
		OrderID:       c.ID,
		TotalPrice:    c.TotalPrice,
		TotalQuantity: c.TotalQuantity,
		OrderStatus:   displayStatus(c.OrderStatus),
		OrderedAt:     time.Unix(c.OrderedUnix, 0).UTC(),
	}
}

func displayStatus(st string) string {
	switch st {
	case OrderStatusCompleted:
		return "Completed"
	case OrderStatusReconciliationRequired:
		return "ReconciliationRequired"
	default:
		return "Open"
	}
}

func nowUnix() int64 { return time.Now().Unix() }
