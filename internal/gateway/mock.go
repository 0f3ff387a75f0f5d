package gateway

import (
	"context"
	"fmt"
	"sync"

	"github.com/doerly/settlement/internal/idgen"
)

// MockGateway is an in-process provider for demo mode and tests. Orders
// are approved implicitly; captures and refunds always succeed unless a
// failure is injected.
type MockGateway struct {
	mu       sync.Mutex
	orders   map[string]CreateOrderRequest
	captured map[string]bool

	CreateErr  error
	CaptureErr error
	RefundErr  error
}

// NewMockGateway creates a mock gateway.
func NewMockGateway() *MockGateway {
	return &MockGateway{
		orders:   make(map[string]CreateOrderRequest),
		captured: make(map[string]bool),
	}
}

func (m *MockGateway) CreateOrder(_ context.Context, req CreateOrderRequest) (*Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.CreateErr != nil {
		return nil, m.CreateErr
	}
	id := idgen.WithPrefix("mock_ord_")
	m.orders[id] = req
	return &Order{
		OrderID:     id,
		ApprovalURL: "https://gateway.invalid/approve/" + id,
	}, nil
}

func (m *MockGateway) CaptureOrder(_ context.Context, orderID string) (*Capture, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.CaptureErr != nil {
		return nil, m.CaptureErr
	}
	if _, ok := m.orders[orderID]; !ok {
		return nil, fmt.Errorf("%w: unknown order %s", ErrRejected, orderID)
	}
	m.captured[orderID] = true
	return &Capture{
		CaptureID:  "mock_cap_" + orderID,
		PayerID:    "mock_payer",
		PayerEmail: "payer@example.com",
		Status:     "COMPLETED",
	}, nil
}

func (m *MockGateway) Refund(_ context.Context, captureID, _, _ string) (*RefundResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.RefundErr != nil {
		return nil, m.RefundErr
	}
	if captureID == "" {
		return nil, fmt.Errorf("%w: empty capture id", ErrRejected)
	}
	return &RefundResult{RefundID: idgen.WithPrefix("mock_ref_")}, nil
}

var _ Gateway = (*MockGateway)(nil)
