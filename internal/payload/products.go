package payload

import (
	"math"

	"github.com/hyperengineering/pipesync/internal/config"
	"github.com/hyperengineering/pipesync/internal/types"
)

// FormatProducts turns an order's line items into deal products. Prices
// follow the configured tax mode: inclusive prices carry the tax rate on
// top of the line total, exclusive prices use it as-is.
func FormatProducts(o *types.Order, params config.DealParams, rc RenderContext) []types.Product {
	if o == nil || !params.SendProducts {
		return nil
	}

	taxMethod := "exclusive"
	if params.AmountsAre == config.AmountsTaxInclusive || params.AmountsAre == "" {
		taxMethod = "inclusive"
	}
	comments := Render(params.ProductsComment, rc)

	products := make([]types.Product, 0, len(o.Items))
	for _, item := range o.Items {
		if item.Quantity <= 0 {
			continue
		}

		unit := item.Total / item.Quantity
		regular := item.Subtotal / item.Quantity
		if taxMethod == "inclusive" {
			unit = round2(unit * (1 + item.TaxRate/100))
			regular = round2(regular * (1 + item.TaxRate/100))
		}

		var discount float64
		if item.Subtotal > 0 && item.Total < item.Subtotal {
			discount = round2((item.Subtotal - item.Total) / item.Subtotal * 100)
		}

		products = append(products, types.Product{
			Name:           item.Name,
			Comments:       comments,
			Quantity:       item.Quantity,
			Tax:            item.TaxRate,
			Discount:       discount,
			DiscountType:   "percentage",
			TaxMethod:      taxMethod,
			Currency:       o.Currency,
			CurrencySymbol: currencySymbol(o.Currency),
			ItemPrice:      round2(unit),
			Prices: types.ProductPrices{
				RegularPrice: round2(regular),
				SalePrice:    round2(unit),
			},
		})
	}
	return products
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

func currencySymbol(code string) string {
	switch code {
	case "EUR":
		return "€"
	case "USD":
		return "$"
	case "GBP":
		return "£"
	}
	return code
}
