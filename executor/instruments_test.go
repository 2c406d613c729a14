package executor

import (
	"context"
	"errors"
	"testing"
	"time"

	"polyfleet-go/gateway"
	"polyfleet-go/risk"
)

type journalEntry struct {
	bot, event, orderID string
	fields              map[string]interface{}
}

type stubJournal struct {
	entries []journalEntry
}

func (s *stubJournal) LogExecution(bot, event, orderID string, fields map[string]interface{}) {
	s.entries = append(s.entries, journalEntry{bot, event, orderID, fields})
}

type stubMetrics struct {
	executions map[string]int // bot -> 次数
	failures   int
	rejections map[string]int // rule -> 次数
}

func newStubMetrics() *stubMetrics {
	return &stubMetrics{executions: make(map[string]int), rejections: make(map[string]int)}
}

func (s *stubMetrics) RecordExecution(bot string, success bool) {
	s.executions[bot]++
	if !success {
		s.failures++
	}
}

func (s *stubMetrics) RecordRejection(rule string) { s.rejections[rule]++ }

func instruments() (Instruments, *stubJournal, *stubMetrics) {
	j := &stubJournal{}
	m := newStubMetrics()
	return Instruments{Journal: j, Metrics: m}, j, m
}

func TestAtomicReportsExecutionAndRejection(t *testing.T) {
	ins, journal, met := instruments()

	// 成功批次计入 executions
	ok := &stubBatch{acks: []gateway.OrderAck{
		{OrderID: "a", Filled: true, FilledSize: 5},
		{OrderID: "b", Filled: true, FilledSize: 5},
	}}
	e := &AtomicPairExecutor{Client: ok, Instruments: ins}
	if _, err := e.ExecutePair(context.Background(),
		gateway.OrderRequest{TokenID: "x", Side: "BUY", Price: 0.5, Size: 5},
		gateway.OrderRequest{TokenID: "y", Side: "SELL", Price: 0.5, Size: 5}); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if met.executions["correlation_scanner"] != 1 {
		t.Fatalf("expected one execution record, got %+v", met.executions)
	}
	if len(journal.entries) != 1 || journal.entries[0].event != "filled" {
		t.Fatalf("expected filled journal entry, got %+v", journal.entries)
	}

	// FOK 整批被拒计入 rejections，不计入 executions
	rejected := &stubBatch{acks: []gateway.OrderAck{
		{OrderID: "a", Filled: true, FilledSize: 5},
		{OrderID: "b", Filled: false},
	}}
	e.Client = rejected
	if _, err := e.Execute(context.Background(), PairOpportunity{
		BuyTokenID: "x", BuyPrice: 0.5, SellTokenID: "y", SellPrice: 0.5, Size: 5,
	}); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if met.rejections["fok_atomic"] != 1 {
		t.Fatalf("expected fok_atomic rejection, got %+v", met.rejections)
	}
	if met.executions["correlation_scanner"] != 1 {
		t.Fatalf("rejection must not count as execution: %+v", met.executions)
	}
	last := journal.entries[len(journal.entries)-1]
	if last.event != "rejected" || last.fields["rule"] != "fok_atomic" {
		t.Fatalf("unexpected journal entry: %+v", last)
	}
}

func TestGasGuardRejectionReported(t *testing.T) {
	ins, _, met := instruments()
	e := &GasAwareExecutor{
		Gas:         &stubGas{gwei: 1000},
		Prices:      &stubPrices{price: 0.5},
		Instruments: ins,
		DryRun:      true,
	}
	// gas 费 $0.10，利润 $0.12 → 净利 $0.02 低于默认阈值
	res, err := e.Execute(context.Background(), ChainOpportunity{
		MarketID: "m", Operation: "split", Profit: 0.12,
	})
	if err != nil || res.Success {
		t.Fatalf("expected value rejection: %+v, %v", res, err)
	}
	if met.rejections["gas_guard"] != 1 {
		t.Fatalf("expected gas_guard rejection, got %+v", met.rejections)
	}
}

func TestSniperRejectionAndExecutionReported(t *testing.T) {
	ins, journal, met := instruments()
	clock := risk.NewManualClock(time.Unix(10_000, 0))
	e := &ResolutionSniperExecutor{Clock: clock, Instruments: ins, DryRun: true}

	// 缓冲不足：拒绝
	if _, err := e.Execute(context.Background(), SnipeOpportunity{
		ConditionID: "c", Side: "BUY", Price: 0.9, Size: 5,
		LivenessEndsAt: 10_000 + 3599,
	}); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if met.rejections["dispute_buffer"] != 1 {
		t.Fatalf("expected dispute_buffer rejection, got %+v", met.rejections)
	}

	// 缓冲充足：dry-run 执行
	if _, err := e.Execute(context.Background(), SnipeOpportunity{
		ConditionID: "c", Side: "BUY", Price: 0.9, Size: 5,
		LivenessEndsAt: 10_000 + 7200,
	}); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if met.executions["resolution_sniper"] != 1 {
		t.Fatalf("expected sniper execution record, got %+v", met.executions)
	}
	last := journal.entries[len(journal.entries)-1]
	if last.bot != "resolution_sniper" || last.event != "filled" {
		t.Fatalf("unexpected journal entry: %+v", last)
	}
}

func TestVultureTransportErrorSurfaced(t *testing.T) {
	ins, _, met := instruments()
	panicker := &stubPanicker{}
	placer := &stubPlacer{err: errors.New("connection reset")}
	e := &VultureExecutor{Client: placer, Risk: panicker, Instruments: ins}

	res, err := e.Execute(context.Background(), makerOpp())
	if err == nil {
		t.Fatalf("transport error must surface to the caller for retry")
	}
	var iv *risk.InvariantViolation
	if errors.As(err, &iv) {
		t.Fatalf("transport error is not an invariant violation: %v", err)
	}
	if res.Success {
		t.Fatalf("expected failure result")
	}
	if panicker.fired {
		t.Fatalf("transport error must not trigger panic")
	}
	if met.failures != 1 {
		t.Fatalf("expected one failed execution record, got %d", met.failures)
	}
}

func TestVultureRejectionReported(t *testing.T) {
	ins, journal, met := instruments()
	e := &VultureExecutor{Instruments: ins}

	opp := makerOpp()
	opp.MakerEligible = false
	if _, err := e.Execute(context.Background(), opp); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if met.rejections["maker_only"] != 1 {
		t.Fatalf("expected maker_only rejection, got %+v", met.rejections)
	}
	if journal.entries[0].bot != "vulture" {
		t.Fatalf("unexpected journal bot: %+v", journal.entries[0])
	}
}
