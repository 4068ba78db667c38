// Package rates implementa la fuente de cotizaciones fiat→cripto contra la
// API pública simple/price de CoinGecko.
package rates

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tu-usuario/cryptopay/internal/domain/entity"
	"github.com/tu-usuario/cryptopay/pkg/logger"
)

// coinIDs mapeo moneda soportada -> id de CoinGecko.
var coinIDs = map[entity.CryptoCurrency]string{
	entity.CurrencyBTC:  "bitcoin",
	entity.CurrencyLTC:  "litecoin",
	entity.CurrencyDOGE: "dogecoin",
	entity.CurrencyETH:  "ethereum",
	entity.CurrencyXMR:  "monero",
}

// CoinGecko cliente del endpoint simple/price.
type CoinGecko struct {
	baseURL string
	client  *http.Client
	log     *logger.Logger
}

// NewCoinGecko crea el cliente. baseURL sin slash final, ej.
// "https://api.coingecko.com/api/v3".
func NewCoinGecko(baseURL string, timeout time.Duration, log *logger.Logger) *CoinGecko {
	return &CoinGecko{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
		log:     log,
	}
}

// Rates devuelve la tasa "fiat por 1 unidad de cripto" para cada moneda
// pedida. Una moneda sin id conocido o ausente en la respuesta produce error:
// la cotización de una factura no puede quedar incompleta.
func (c *CoinGecko) Rates(ctx context.Context, fiat entity.FiatCurrency,
	currencies []entity.CryptoCurrency) (map[entity.CryptoCurrency]decimal.Decimal, error) {

	ids := make([]string, 0, len(currencies))
	for _, cur := range currencies {
		id, ok := coinIDs[cur]
		if !ok {
			return nil, fmt.Errorf("moneda sin id de cotización: %s", cur)
		}
		ids = append(ids, id)
	}
	vs := strings.ToLower(string(fiat))

	q := url.Values{}
	q.Set("ids", strings.Join(ids, ","))
	q.Set("vs_currencies", vs)
	endpoint := c.baseURL + "/simple/price?" + q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("consultando cotizaciones: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("cotizaciones: status inesperado %d", resp.StatusCode)
	}

	// Respuesta: { "bitcoin": { "usd": 67123.45 }, ... }. Se decodifica con
	// json.Number para no perder precisión al pasar a decimal.
	var body map[string]map[string]json.Number
	dec := json.NewDecoder(resp.Body)
	dec.UseNumber()
	if err := dec.Decode(&body); err != nil {
		return nil, fmt.Errorf("decodificando cotizaciones: %w", err)
	}

	out := make(map[entity.CryptoCurrency]decimal.Decimal, len(currencies))
	for _, cur := range currencies {
		prices, ok := body[coinIDs[cur]]
		if !ok {
			return nil, fmt.Errorf("sin cotización para %s", cur)
		}
		raw, ok := prices[vs]
		if !ok {
			return nil, fmt.Errorf("sin cotización %s para %s", fiat, cur)
		}
		rate, err := decimal.NewFromString(raw.String())
		if err != nil || !rate.IsPositive() {
			return nil, fmt.Errorf("cotización inválida para %s: %q", cur, raw.String())
		}
		out[cur] = rate
	}
	return out, nil
}
