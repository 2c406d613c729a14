package executor

import (
	"context"
	"errors"
	"testing"

	"polyfleet-go/gateway"
)

type stubBatch struct {
	got  []gateway.OrderRequest
	acks []gateway.OrderAck
	err  error
}

func (s *stubBatch) PlaceBatch(_ context.Context, orders []gateway.OrderRequest) ([]gateway.OrderAck, error) {
	s.got = orders
	return s.acks, s.err
}

func TestAtomicForcesFOKOnBothLegs(t *testing.T) {
	stub := &stubBatch{acks: []gateway.OrderAck{
		{OrderID: "a", Filled: true, FilledSize: 10},
		{OrderID: "b", Filled: true, FilledSize: 10},
	}}
	e := &AtomicPairExecutor{Client: stub}

	// 上游故意给非 FOK 的 TIF，执行器必须覆写
	buy := gateway.OrderRequest{TokenID: "child", Side: "BUY", Price: 0.4, Size: 10, TimeInForce: "GTC"}
	sell := gateway.OrderRequest{TokenID: "parent", Side: "SELL", Price: 0.6, Size: 10, TimeInForce: "GTD"}

	res, err := e.ExecutePair(context.Background(), buy, sell)
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if !res.Success {
		t.Fatalf("expected success, got %+v", res)
	}
	if res.OrderID != "a,b" || res.FilledSize != 20 {
		t.Fatalf("unexpected result: %+v", res)
	}
	for i, o := range stub.got {
		if o.TimeInForce != "FOK" {
			t.Fatalf("leg %d not FOK: %s", i, o.TimeInForce)
		}
	}
}

func TestAtomicLegMismatchReportsNoPartialFill(t *testing.T) {
	// 一条腿成交、一条腿未成交：整批视为拒绝，不暴露部分成交
	stub := &stubBatch{acks: []gateway.OrderAck{
		{OrderID: "a", Filled: true, FilledSize: 10},
		{OrderID: "b", Filled: false},
	}}
	e := &AtomicPairExecutor{Client: stub}

	res, err := e.Execute(context.Background(), PairOpportunity{
		BuyTokenID: "child", BuyPrice: 0.4, SellTokenID: "parent", SellPrice: 0.6, Size: 10,
	})
	if err != nil {
		t.Fatalf("FOK rejection is not a transport error: %v", err)
	}
	if res.Success {
		t.Fatalf("expected failure on leg mismatch")
	}
	if res.FilledSize != 0 {
		t.Fatalf("leg mismatch must not report partial fill, got %.1f", res.FilledSize)
	}
}

func TestAtomicTransportErrorSurfaced(t *testing.T) {
	stub := &stubBatch{err: errors.New("connection reset")}
	e := &AtomicPairExecutor{Client: stub}

	res, err := e.ExecutePair(context.Background(),
		gateway.OrderRequest{TokenID: "a", Side: "BUY", Price: 0.5, Size: 1},
		gateway.OrderRequest{TokenID: "b", Side: "SELL", Price: 0.5, Size: 1})
	if err == nil {
		t.Fatalf("expected transport error")
	}
	if res.Success {
		t.Fatalf("expected failure result")
	}
}

func TestAtomicDryRun(t *testing.T) {
	e := &AtomicPairExecutor{DryRun: true} // 无客户端也不应触网

	res, err := e.ExecutePair(context.Background(),
		gateway.OrderRequest{TokenID: "a", Side: "BUY", Price: 0.5, Size: 10},
		gateway.OrderRequest{TokenID: "b", Side: "SELL", Price: 0.5, Size: 6})
	if err != nil || !res.Success {
		t.Fatalf("dry run should simulate success: %+v, %v", res, err)
	}
	if res.FilledSize != 6 {
		t.Fatalf("dry run fills min leg size, got %.1f", res.FilledSize)
	}
}
