package inventory

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/hupe1980/opsmesh/agent"
	"github.com/hupe1980/opsmesh/core"
	"github.com/hupe1980/opsmesh/internal/util"
	"github.com/hupe1980/opsmesh/logging"
	"github.com/hupe1980/opsmesh/registry"
)

// Default agent ids.
const (
	CoordinatorID = "inventory"
	StockCheckID  = "stock-check"
	ReplenishID   = "replenish"
	SupplierID    = "supplier-quote"
)

// Tag attached to every inventory agent in the registry.
const Tag = "inventory"

const lowStockBody = `{{len .Low}} of {{.Checked}} SKUs at or below reorder point: ` +
	`{{range $i, $l := .Low}}{{if $i}}, {{end}}{{$l.SKU}} ({{$l.OnHand}}/{{$l.ReorderPoint}}){{end}}`

// Config wires the inventory agents.
type Config struct {
	Coordinator core.AgentConfig
	StockCheck  core.AgentConfig
	Replenish   core.AgentConfig
	Supplier    core.AgentConfig

	// ProgressReportInterval is the heartbeat period of both sub-agents.
	ProgressReportInterval time.Duration
	// Concurrency is the stock check fan-out width.
	Concurrency int
	// LargeOrderValue is the order total from which approval is requested.
	// Zero disables the gate.
	LargeOrderValue float64
	// OrderApprovalLevel is the level of a large purchase order.
	OrderApprovalLevel core.ApprovalLevel
	// NotifyChannel receives low stock alerts.
	NotifyChannel string
	// SupplierName is stamped on quotes.
	SupplierName string
	// VolumeDiscount applies to orders of 100 units or more.
	VolumeDiscount float64
}

// DefaultConfig returns the demo wiring.
func DefaultConfig() Config {
	return Config{
		Coordinator:            core.AgentConfig{ID: CoordinatorID, Name: "Inventory coordinator", Enabled: true, ApprovalLevel: core.ApprovalHigh},
		StockCheck:             core.AgentConfig{ID: StockCheckID, Name: "Stock check", Enabled: true},
		Replenish:              core.AgentConfig{ID: ReplenishID, Name: "Replenishment", Enabled: true},
		Supplier:               core.AgentConfig{ID: SupplierID, Name: "Supplier quotes", Enabled: true, MaxRetries: 2, RetryDelay: 100 * time.Millisecond},
		ProgressReportInterval: 5 * time.Second,
		Concurrency:            3,
		LargeOrderValue:        5000,
		OrderApprovalLevel:     core.ApprovalHigh,
		NotifyChannel:          "inventory",
		SupplierName:           "acme-wholesale",
		VolumeDiscount:         0.05,
	}
}

// Coordinator is the inventory base agent. It fans stock checks out to the
// stock-check sub-agent and runs one quote and order chain per low SKU on the
// replenish sub-agent.
type Coordinator struct {
	*agent.BaseAgent

	cfg        Config
	stockCheck *agent.SubAgent
	replenish  *agent.SubAgent
	supplier   *agent.BaseAgent
	logger     logging.Logger

	mu       sync.Mutex
	progress map[string]core.ProgressReport
	counts   map[core.TaskStatus]int
}

// New builds the coordinator and its children and registers the children in
// reg. The caller registers the coordinator itself, typically through
// engine.Register. optFns apply to every inventory agent.
func New(cfg Config, reg *registry.Registry, optFns ...func(o *agent.Options)) (*Coordinator, error) {
	if reg == nil {
		return nil, &core.ValidationError{Field: "registry", Message: "must not be nil"}
	}

	c := &Coordinator{
		cfg:      cfg,
		progress: make(map[string]core.ProgressReport),
		counts:   make(map[core.TaskStatus]int),
	}

	opts := append(slices.Clone(optFns), agent.WithRegistry(reg))

	base, err := agent.NewBaseAgent(cfg.Coordinator, core.HandlerFunc(c.sweep), opts...)
	if err != nil {
		return nil, fmt.Errorf("coordinator: %w", err)
	}
	c.BaseAgent = base
	c.logger = base.Logger()

	parent := &parentRef{c: c}

	c.supplier, err = agent.NewBaseAgent(cfg.Supplier, quoteSupplier(cfg.SupplierName, cfg.VolumeDiscount), opts...)
	if err != nil {
		return nil, fmt.Errorf("supplier: %w", err)
	}

	checkOpts := append(slices.Clone(opts), agent.WithConcurrency(cfg.Concurrency))
	c.stockCheck, err = agent.NewSubAgent(agent.SubAgentConfig{
		AgentConfig:            cfg.StockCheck,
		Parent:                 parent,
		ProgressReportInterval: cfg.ProgressReportInterval,
	}, core.HandlerFunc(checkStock), checkOpts...)
	if err != nil {
		return nil, fmt.Errorf("stock check: %w", err)
	}

	rep := &replenisher{supplierID: cfg.Supplier.ID, largeOrderValue: cfg.LargeOrderValue}
	c.replenish, err = agent.NewSubAgent(agent.SubAgentConfig{
		AgentConfig:            cfg.Replenish,
		Parent:                 parent,
		ProgressReportInterval: cfg.ProgressReportInterval,
	}, rep, opts...)
	if err != nil {
		return nil, fmt.Errorf("replenish: %w", err)
	}
	rep.sub = c.replenish

	if err := reg.Register(c.supplier, registry.WithParent(c.ID()), registry.WithTags(Tag)); err != nil {
		return nil, err
	}
	for _, sub := range []*agent.SubAgent{c.stockCheck, c.replenish} {
		if err := reg.Register(sub, registry.WithTags(Tag)); err != nil {
			return nil, err
		}
	}

	return c, nil
}

// Children returns the agents owned by the coordinator.
func (c *Coordinator) Children() []core.Agent {
	return []core.Agent{c.stockCheck, c.replenish, c.supplier}
}

// ChildProgress returns the last progress report per child agent.
func (c *Coordinator) ChildProgress() map[string]core.ProgressReport {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make(map[string]core.ProgressReport, len(c.progress))
	for k, v := range c.progress {
		out[k] = v
	}
	return out
}

// TaskCounts returns how many child tasks finished per status.
func (c *Coordinator) TaskCounts() map[core.TaskStatus]int {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make(map[core.TaskStatus]int, len(c.counts))
	for k, v := range c.counts {
		out[k] = v
	}
	return out
}

// Shutdown stops the children and then the coordinator.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	var errs []error
	for _, child := range c.Children() {
		errs = append(errs, child.Shutdown(ctx))
	}
	errs = append(errs, c.BaseAgent.Shutdown(ctx))
	return errors.Join(errs...)
}

func (c *Coordinator) sweep(rc *core.RunContext) (*core.AgentResult, error) {
	start := time.Now()

	var req SweepRequest
	if rc.Input != nil {
		r, err := core.DataAs[SweepRequest](rc.Input)
		if err != nil {
			return nil, &core.ValidationError{Field: "input", Message: err.Error()}
		}
		req = r
	}

	targets, err := c.targets(rc, req)
	if err != nil {
		return nil, err
	}

	report := &SweepReport{Store: req.Store, Checked: len(targets)}

	tasks := make([]*core.TaskPayload, len(targets))
	for i, t := range targets {
		tasks[i] = agent.NewTask(TaskCheck, t, agent.WithPriority(3))
	}

	results, err := c.stockCheck.ExecuteTasksParallel(rc.Context, tasks, c.cfg.Concurrency)
	if err != nil {
		return nil, core.Transient(fmt.Errorf("stock check: %w", err))
	}

	for i, res := range results {
		if !res.Succeeded() {
			report.Failed = append(report.Failed, failure(targets[i], res))
			continue
		}
		level, err := core.DataAs[StockLevel](res.Data)
		if err != nil {
			return nil, err
		}
		if level.Low {
			report.Low = append(report.Low, level)
		}
	}

	rc.ReportProgress(&core.ProgressReport{
		Percentage:     50,
		CurrentStep:    "checked",
		ProcessedCount: len(targets),
		TotalCount:     len(targets),
	})

	if len(report.Low) > 0 {
		c.alertLowStock(rc.Context, report)
	}

	for i, level := range report.Low {
		if err := rc.Checkpoint(); err != nil {
			return nil, err
		}

		c.replenishOne(rc.Context, level, report)

		rc.ReportProgress(&core.ProgressReport{
			Percentage:     50 + 50*float64(i+1)/float64(len(report.Low)),
			CurrentStep:    "replenishing",
			ProcessedCount: i + 1,
			TotalCount:     len(report.Low),
		})
	}

	rc.LogInfo("sweep finished", "checked", report.Checked, "low", len(report.Low), "orders", len(report.Orders), "rejected", len(report.Rejected), "failed", len(report.Failed))

	return core.NewSuccessResult(report, start), nil
}

// targets resolves the SKUs to check.
func (c *Coordinator) targets(rc *core.RunContext, req SweepRequest) ([]CheckRequest, error) {
	if len(req.SKUs) > 0 {
		if req.Store == "" {
			return nil, &core.ValidationError{Field: "store", Message: "required when skus are listed"}
		}
		out := make([]CheckRequest, len(req.SKUs))
		for i, sku := range req.SKUs {
			out[i] = CheckRequest{Store: req.Store, SKU: sku}
		}
		return out, nil
	}

	table, err := rc.Table(TableStock)
	if err != nil {
		return nil, err
	}

	cond := core.Condition{}
	if req.Store != "" {
		cond["store"] = req.Store
	}
	recs, err := table.FindMany(rc.Context, cond)
	if err != nil {
		return nil, core.Transient(fmt.Errorf("list stock: %w", err))
	}

	out := make([]CheckRequest, 0, len(recs))
	for _, rec := range recs {
		item, err := core.DataAs[Item](rec)
		if err != nil {
			return nil, err
		}
		out = append(out, CheckRequest{Store: item.Store, SKU: item.SKU})
	}
	sort.Slice(out, func(i, j int) bool {
		return StockID(out[i].Store, out[i].SKU) < StockID(out[j].Store, out[j].SKU)
	})

	return out, nil
}

// replenishOne runs the quote then order chain for level and files the
// outcome into report.
func (c *Coordinator) replenishOne(ctx context.Context, level StockLevel, report *SweepReport) {
	chain := []agent.TaskFactory{
		func(any) *core.TaskPayload {
			return agent.NewTask(TaskQuote, level, agent.WithPriority(2))
		},
		func(prev any) *core.TaskPayload {
			return agent.NewTask(TaskOrder, prev, agent.WithPriority(2))
		},
	}

	target := CheckRequest{Store: level.Store, SKU: level.SKU}

	results, err := c.replenish.ExecuteTasksSequential(ctx, chain)
	if err != nil {
		report.Failed = append(report.Failed, fmt.Sprintf("%s: %v", StockID(target.Store, target.SKU), err))
		return
	}

	if len(results) == 0 {
		report.Failed = append(report.Failed, StockID(target.Store, target.SKU)+": chain cancelled")
		return
	}

	last := results[len(results)-1]
	if len(results) < len(chain) || !last.Succeeded() {
		report.Failed = append(report.Failed, failure(target, last))
		return
	}

	po, err := core.DataAs[PurchaseOrder](last.Data)
	if err != nil {
		report.Failed = append(report.Failed, fmt.Sprintf("%s: %v", StockID(target.Store, target.SKU), err))
		return
	}

	if po.Status == OrderRejected {
		report.Rejected = append(report.Rejected, po)
		return
	}
	report.Orders = append(report.Orders, po)
}

func (c *Coordinator) alertLowStock(ctx context.Context, report *SweepReport) {
	body, err := util.RenderTemplate(lowStockBody, report)
	if err != nil {
		c.logger.Warn("render low stock alert", "error", err)
		body = fmt.Sprintf("%d SKUs at or below reorder point", len(report.Low))
	}

	title := "Low stock"
	if report.Store != "" {
		title += " at " + report.Store
	}

	c.SendNotification(ctx, core.PriorityHigh, c.cfg.NotifyChannel, title, body, "")
}

// approve decides a child's approval request with the coordinator's own
// approval policy.
func (c *Coordinator) approve(ctx context.Context, title, description string, payload any) (bool, error) {
	if !c.NeedsApproval(c.cfg.OrderApprovalLevel) {
		c.logger.Debug("approval not required", "title", title)
		return true, nil
	}
	return c.RequestApproval(ctx, title, description, payload)
}

func failure(target CheckRequest, res *core.TaskResult) string {
	msg := "no result"
	if res != nil && res.Error != nil {
		msg = res.Error.Code + ": " + res.Error.Message
	}
	return StockID(target.Store, target.SKU) + ": " + msg
}

// parentRef is what the sub-agents see of the coordinator.
type parentRef struct {
	c *Coordinator
}

func (p *parentRef) ID() string   { return p.c.ID() }
func (p *parentRef) Name() string { return p.c.Name() }

func (p *parentRef) OnTaskComplete(res *core.TaskResult) error {
	p.c.mu.Lock()
	p.c.counts[res.Status]++
	p.c.mu.Unlock()

	p.c.logger.Debug("child task finished", "task_id", res.TaskID, "child", res.AgentID, "status", res.Status)
	return nil
}

func (p *parentRef) OnProgress(report *core.ProgressReport) error {
	p.c.mu.Lock()
	p.c.progress[report.AgentID] = *report
	p.c.mu.Unlock()
	return nil
}

func (p *parentRef) OnError(err error, details map[string]any) error {
	p.c.logger.Warn("child task error", "error", err, "details", details)
	return nil
}

func (p *parentRef) RequestApprovalFromParent(ctx context.Context, title, description string, payload any) (bool, error) {
	return p.c.approve(ctx, title, description, payload)
}

var (
	_ core.ParentRef        = (*parentRef)(nil)
	_ core.ProgressListener = (*parentRef)(nil)
	_ core.ErrorListener    = (*parentRef)(nil)
	_ core.ParentApprover   = (*parentRef)(nil)
	_ core.Agent            = (*Coordinator)(nil)
)
