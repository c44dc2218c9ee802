package testutil

import (
	"errors"
	"sync"

	"github.com/satsbank/satsbank/ln"
)

// MockLightningClient is a scriptable in-memory ln.Client
type MockLightningClient struct {
	mu sync.Mutex

	// Invoices maps payment hashes to the status LookupInvoice returns
	Invoices map[string]ln.InvoiceStatus
	// AddInvoiceResult is what AddInvoice returns
	AddInvoiceResult ln.CreatedInvoice
	// PayInvoiceResult is what PayInvoice returns
	PayInvoiceResult ln.PayResult
	// Balance is what NodeBalance returns
	Balance ln.NodeBalance

	// Err makes every call fail when set
	Err error

	LookupCalls int
	PayCalls    int
	AddCalls    int

	// PayAmounts records the amountSat of every PayInvoice call
	PayAmounts []int64
}

var _ ln.Client = &MockLightningClient{}

func (m *MockLightningClient) AddInvoice(amountSat int64, memo string) (ln.CreatedInvoice, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.AddCalls++
	if m.Err != nil {
		return ln.CreatedInvoice{}, m.Err
	}
	return m.AddInvoiceResult, nil
}

func (m *MockLightningClient) LookupInvoice(paymentHash string) (ln.InvoiceStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.LookupCalls++
	if m.Err != nil {
		return ln.InvoiceStatus{}, m.Err
	}
	status, ok := m.Invoices[paymentHash]
	if !ok {
		return ln.InvoiceStatus{}, errors.New("unable to locate invoice")
	}
	return status, nil
}

func (m *MockLightningClient) PayInvoice(paymentRequest string, amountSat int64) (ln.PayResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.PayCalls++
	m.PayAmounts = append(m.PayAmounts, amountSat)
	if m.Err != nil {
		return ln.PayResult{}, m.Err
	}
	return m.PayInvoiceResult, nil
}

func (m *MockLightningClient) NodeBalance() (ln.NodeBalance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return ln.NodeBalance{}, m.Err
	}
	return m.Balance, nil
}

func (m *MockLightningClient) Ping() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Err
}
