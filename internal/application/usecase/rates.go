package usecase

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/tu-usuario/cryptopay/internal/domain/entity"
)

// RateSource colaborador de cotizaciones: tasa de cambio fiat→cripto por
// moneda al momento de crear la factura. La tasa es "fiat por 1 unidad de la
// cripto".
type RateSource interface {
	Rates(ctx context.Context, fiat entity.FiatCurrency, currencies []entity.CryptoCurrency) (map[entity.CryptoCurrency]decimal.Decimal, error)
}

// buildQuotes congela una cotización por moneda ofrecida:
// amount = totalPrice / rate, redondeado a la precisión nativa de la moneda.
func buildQuotes(totalPrice decimal.Decimal, currencies []entity.CryptoCurrency,
	rates map[entity.CryptoCurrency]decimal.Decimal) ([]entity.MethodQuote, error) {

	quotes := make([]entity.MethodQuote, 0, len(currencies))
	for _, c := range currencies {
		rate, ok := rates[c]
		if !ok || !rate.IsPositive() {
			return nil, fmt.Errorf("sin tasa de cambio para %s", c)
		}
		amount := totalPrice.DivRound(rate, c.Decimals())
		quotes = append(quotes, entity.MethodQuote{
			Currency:     c,
			ExchangeRate: rate,
			Amount:       amount,
		})
	}
	return quotes, nil
}
