package inventory

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/hupe1980/opsmesh/agent"
	"github.com/hupe1980/opsmesh/core"
)

// checkStock is the stock-check handler: it loads one stock row and flags it
// when it is at or below its reorder point.
func checkStock(rc *core.RunContext) (*core.AgentResult, error) {
	start := time.Now()

	req, err := core.DataAs[CheckRequest](rc.Input)
	if err != nil {
		return nil, &core.ValidationError{Field: "input", Message: err.Error()}
	}
	if req.SKU == "" || req.Store == "" {
		return nil, &core.ValidationError{Field: "input", Message: "store and sku are required"}
	}

	table, err := rc.Table(TableStock)
	if err != nil {
		return nil, err
	}

	rec, err := table.FindByID(rc.Context, StockID(req.Store, req.SKU))
	if err != nil {
		return nil, core.NewAgentError(core.CodeInvalidArgument, err, false)
	}

	item, err := core.DataAs[Item](rec)
	if err != nil {
		return nil, err
	}

	level := StockLevel{Item: item, Low: item.OnHand <= item.ReorderPoint}
	rc.LogDebug("stock checked", "sku", item.SKU, "store", item.Store, "on_hand", item.OnHand, "low", level.Low)

	return core.NewSuccessResult(level, start), nil
}

// quoteSupplier prices a replenishment. Orders of 100 units or more get a
// volume discount.
func quoteSupplier(supplier string, volumeDiscount float64) core.HandlerFunc {
	return func(rc *core.RunContext) (*core.AgentResult, error) {
		start := time.Now()

		req, err := core.DataAs[QuoteRequest](rc.Input)
		if err != nil {
			return nil, &core.ValidationError{Field: "input", Message: err.Error()}
		}
		if req.Quantity <= 0 {
			return nil, &core.ValidationError{Field: "quantity", Message: "must be > 0"}
		}

		unit := req.UnitCost
		if req.Quantity >= 100 {
			unit *= 1 - volumeDiscount
		}
		unit = roundCents(unit)

		return core.NewSuccessResult(Quote{
			Store:     req.Store,
			SKU:       req.SKU,
			Supplier:  supplier,
			Quantity:  req.Quantity,
			UnitPrice: unit,
			Total:     roundCents(unit * float64(req.Quantity)),
		}, start), nil
	}
}

func roundCents(v float64) float64 { return math.Round(v*100) / 100 }

// replenisher runs the quote and order steps of a replenishment chain. It
// needs the sub-agent it runs in for delegation and parent approval.
type replenisher struct {
	sub             *agent.SubAgent
	supplierID      string
	largeOrderValue float64
}

func (r *replenisher) Initialize(context.Context) error { return nil }

func (r *replenisher) Cleanup(context.Context) error { return nil }

func (r *replenisher) Run(rc *core.RunContext) (*core.AgentResult, error) {
	task, ok := rc.Task()
	if !ok {
		return nil, &core.ValidationError{Field: "task", Message: "replenish runs through the task protocol only"}
	}

	switch task.Type {
	case TaskQuote:
		return r.quote(rc)
	case TaskOrder:
		return r.order(rc, task)
	default:
		return nil, &core.ValidationError{Field: "type", Message: fmt.Sprintf("unknown task type %q", task.Type)}
	}
}

func (r *replenisher) quote(rc *core.RunContext) (*core.AgentResult, error) {
	start := time.Now()

	level, err := core.DataAs[StockLevel](rc.Input)
	if err != nil {
		return nil, &core.ValidationError{Field: "input", Message: err.Error()}
	}

	qty := max(level.ReorderQty, level.ReorderPoint-level.OnHand+1)
	task := r.sub.CreateTask(TaskQuote, QuoteRequest{
		Store:    level.Store,
		SKU:      level.SKU,
		Quantity: qty,
		UnitCost: level.UnitCost,
	})

	res := r.sub.DelegateTask(rc.Context, r.supplierID, task)
	if !res.Succeeded() {
		return nil, &core.AgentError{Code: res.Error.Code, Message: "quote: " + res.Error.Message, Recoverable: res.Error.Recoverable}
	}

	quote, err := core.DataAs[Quote](res.Data)
	if err != nil {
		return nil, err
	}

	rc.ReportProgress(&core.ProgressReport{Percentage: 50, CurrentStep: "quoted", Data: quote})

	return core.NewSuccessResult(quote, start), nil
}

func (r *replenisher) order(rc *core.RunContext, task *core.TaskPayload) (*core.AgentResult, error) {
	start := time.Now()

	quote, err := core.DataAs[Quote](rc.Input)
	if err != nil {
		return nil, &core.ValidationError{Field: "input", Message: err.Error()}
	}

	po := PurchaseOrder{
		ID:        "po-" + task.TaskID,
		Store:     quote.Store,
		SKU:       quote.SKU,
		Supplier:  quote.Supplier,
		Quantity:  quote.Quantity,
		UnitPrice: quote.UnitPrice,
		Total:     quote.Total,
		Status:    OrderPlaced,
		Approved:  true,
	}

	if r.largeOrderValue > 0 && quote.Total >= r.largeOrderValue {
		title := fmt.Sprintf("Purchase order %s x%d", quote.SKU, quote.Quantity)
		desc := fmt.Sprintf("%s from %s for %.2f at store %s", quote.SKU, quote.Supplier, quote.Total, quote.Store)

		approved, err := r.sub.RequestApprovalFromParent(rc.Context, title, desc, quote)
		if err != nil {
			return nil, err
		}
		if !approved {
			po.Status = OrderRejected
			po.Approved = false
			rc.LogWarn("purchase order rejected", "po", po.ID, "total", po.Total)
		}
	}

	if err := rc.Checkpoint(); err != nil {
		return nil, err
	}

	table, err := rc.Table(TablePurchaseOrders)
	if err != nil {
		return nil, err
	}
	if _, err := table.Upsert(rc.Context, po.record()); err != nil {
		return nil, core.Transient(fmt.Errorf("store purchase order %s: %w", po.ID, err))
	}

	rc.LogInfo("purchase order recorded", "po", po.ID, "sku", po.SKU, "status", po.Status, "total", po.Total)

	return core.NewSuccessResult(po, start), nil
}
