package inventory

import (
	"context"
	"fmt"

	"github.com/hupe1980/opsmesh/core"
)

// Table names used by the inventory agents.
const (
	TableStock          = "stock"
	TablePurchaseOrders = "purchase_orders"
)

// Task types understood by the sub-agents.
const (
	TaskCheck = "check"
	TaskQuote = "quote"
	TaskOrder = "order"
)

// Purchase order states.
const (
	OrderPlaced   = "placed"
	OrderRejected = "rejected"
)

// Item is one stock row.
type Item struct {
	SKU          string  `json:"sku"`
	Store        string  `json:"store"`
	Name         string  `json:"name,omitempty"`
	OnHand       int     `json:"on_hand"`
	ReorderPoint int     `json:"reorder_point"`
	ReorderQty   int     `json:"reorder_qty"`
	UnitCost     float64 `json:"unit_cost"`
}

// StockID is the primary key of sku at store.
func StockID(store, sku string) string { return store + ":" + sku }

// Record converts the item into a store record.
func (i Item) Record() core.Record {
	return core.Record{
		"id":            StockID(i.Store, i.SKU),
		"sku":           i.SKU,
		"store":         i.Store,
		"name":          i.Name,
		"on_hand":       i.OnHand,
		"reorder_point": i.ReorderPoint,
		"reorder_qty":   i.ReorderQty,
		"unit_cost":     i.UnitCost,
	}
}

// CheckRequest is the data of a check task.
type CheckRequest struct {
	Store string `json:"store"`
	SKU   string `json:"sku"`
}

// StockLevel is the result of a check task.
type StockLevel struct {
	Item
	Low bool `json:"low"`
}

// QuoteRequest asks the supplier to price a replenishment.
type QuoteRequest struct {
	Store    string  `json:"store"`
	SKU      string  `json:"sku"`
	Quantity int     `json:"quantity"`
	UnitCost float64 `json:"unit_cost"`
}

// Quote is the supplier's offer.
type Quote struct {
	Store     string  `json:"store"`
	SKU       string  `json:"sku"`
	Supplier  string  `json:"supplier"`
	Quantity  int     `json:"quantity"`
	UnitPrice float64 `json:"unit_price"`
	Total     float64 `json:"total"`
}

// PurchaseOrder is the outcome of an order task. Rejected orders are kept
// for audit.
type PurchaseOrder struct {
	ID        string  `json:"id"`
	Store     string  `json:"store"`
	SKU       string  `json:"sku"`
	Supplier  string  `json:"supplier"`
	Quantity  int     `json:"quantity"`
	UnitPrice float64 `json:"unit_price"`
	Total     float64 `json:"total"`
	Status    string  `json:"status"`
	Approved  bool    `json:"approved"`
}

func (po PurchaseOrder) record() core.Record {
	return core.Record{
		"id":         po.ID,
		"store":      po.Store,
		"sku":        po.SKU,
		"supplier":   po.Supplier,
		"quantity":   po.Quantity,
		"unit_price": po.UnitPrice,
		"total":      po.Total,
		"status":     po.Status,
		"approved":   po.Approved,
	}
}

// SweepRequest is the coordinator input. An empty SKU list checks every SKU
// of the store; an empty store checks every store.
type SweepRequest struct {
	Store string   `json:"store"`
	SKUs  []string `json:"skus,omitempty"`
}

// SweepReport summarizes one coordinator run.
type SweepReport struct {
	Store    string          `json:"store,omitempty"`
	Checked  int             `json:"checked"`
	Low      []StockLevel    `json:"low,omitempty"`
	Orders   []PurchaseOrder `json:"orders,omitempty"`
	Rejected []PurchaseOrder `json:"rejected,omitempty"`
	Failed   []string        `json:"failed,omitempty"`
}

// Seed upserts items into the stock table.
func Seed(ctx context.Context, db core.Database, items []Item) error {
	table := db.Table(TableStock)
	for _, it := range items {
		if _, err := table.Upsert(ctx, it.Record()); err != nil {
			return fmt.Errorf("seed %s: %w", StockID(it.Store, it.SKU), err)
		}
	}
	return nil
}

// DemoStock is a small catalogue with two SKUs below their reorder point.
func DemoStock() []Item {
	return []Item{
		{SKU: "espresso-beans-1kg", Store: "berlin", Name: "Espresso beans 1kg", OnHand: 4, ReorderPoint: 10, ReorderQty: 40, UnitCost: 18.5},
		{SKU: "oat-milk-1l", Store: "berlin", Name: "Oat milk 1l", OnHand: 60, ReorderPoint: 24, ReorderQty: 96, UnitCost: 1.9},
		{SKU: "paper-cups-500", Store: "berlin", Name: "Paper cups (500)", OnHand: 2, ReorderPoint: 5, ReorderQty: 20, UnitCost: 31},
		{SKU: "grinder-pro", Store: "berlin", Name: "Grinder Pro", OnHand: 3, ReorderPoint: 1, ReorderQty: 2, UnitCost: 640},
		{SKU: "espresso-beans-1kg", Store: "hamburg", Name: "Espresso beans 1kg", OnHand: 25, ReorderPoint: 10, ReorderQty: 40, UnitCost: 18.5},
	}
}
