package pricing

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/sells-group/quote-desk/pkg/pricingengine"
)

// --- Engine Mock ---

type mockEngine struct {
	mock.Mock
}

func (m *mockEngine) Price(ctx context.Context, req pricingengine.PriceRequest) (*pricingengine.PriceResponse, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*pricingengine.PriceResponse), args.Error(1)
}

// --- Ensure interface compliance ---
var (
	_ Engine               = (*mockEngine)(nil)
	_ pricingengine.Client = (*mockEngine)(nil)
)
