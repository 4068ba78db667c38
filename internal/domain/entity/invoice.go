package entity

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// ErrNoPriceSource la factura no trae carrito ni precio total resolvible.
var ErrNoPriceSource = errors.New("la factura requiere cart o totalPrice positivo")

// Status estados del ciclo de vida de una factura.
// El grafo de transiciones es monótono: un estado terminal nunca se abandona.
type Status string

const (
	StatusRequested   Status = "REQUESTED"   // Creada, el pagador aún no elige método
	StatusPending     Status = "PENDING"     // Método elegido, esperando el pago
	StatusPartially   Status = "PARTIALLY"   // Pago parcial recibido, esperando el resto
	StatusUnconfirmed Status = "UNCONFIRMED" // Pago suficiente visto, esperando confirmaciones
	StatusDone        Status = "DONE"        // Pagada y confirmada
	StatusTooMuch     Status = "TOOMUCH"     // Confirmada con exceso; requiere atención del comercio
	StatusCancelled   Status = "CANCELLED"   // Cancelada por el pagador o el comercio
	StatusTooLate     Status = "TOOLATE"     // Venció sin ningún pago
	StatusTooLittle   Status = "TOOLITTLE"   // Cerrada con un pago insuficiente
)

// transitions aristas válidas del grafo de estados.
var transitions = map[Status][]Status{
	StatusRequested:   {StatusPending, StatusCancelled, StatusTooLate},
	StatusPending:     {StatusPartially, StatusUnconfirmed, StatusCancelled, StatusTooLate, StatusTooLittle},
	StatusPartially:   {StatusPartially, StatusUnconfirmed, StatusCancelled, StatusTooLittle},
	StatusUnconfirmed: {StatusDone, StatusTooMuch},
}

// IsTerminal indica si el estado no admite más transiciones.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusDone, StatusTooMuch, StatusCancelled, StatusTooLate, StatusTooLittle:
		return true
	}
	return false
}

// CanTransition indica si la arista from→to pertenece al grafo.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// CryptoCurrency criptomonedas soportadas (códigos públicos).
type CryptoCurrency string

const (
	CurrencyBTC  CryptoCurrency = "BTC"
	CurrencyBCH  CryptoCurrency = "BCH"
	CurrencyETH  CryptoCurrency = "ETH"
	CurrencyLTC  CryptoCurrency = "LTC"
	CurrencyDOGE CryptoCurrency = "DOGE"
	CurrencyXMR  CryptoCurrency = "XMR"
)

// Decimals precisión nativa de la moneda. Todas las comparaciones de montos
// se hacen con esta precisión; el fiat se redondea a 2 solo al reportar.
func (c CryptoCurrency) Decimals() int32 {
	switch c {
	case CurrencyETH:
		return 18
	case CurrencyXMR:
		return 12
	default:
		return 8
	}
}

// FiatCurrency denominación fiat del total de la factura.
type FiatCurrency string

const (
	FiatUSD FiatCurrency = "USD"
	FiatEUR FiatCurrency = "EUR"
)

// MethodQuote cotización congelada al crear la factura: moneda, tasa de cambio
// en ese momento y monto a pagar en la criptomoneda.
type MethodQuote struct {
	Currency     CryptoCurrency  `json:"currency"`
	ExchangeRate decimal.Decimal `json:"exchange_rate"`
	Amount       decimal.Decimal `json:"amount"`
}

// CartItem línea del carrito. Quantity por defecto es 1.
type CartItem struct {
	Name     string          `json:"name"`
	Image    string          `json:"image,omitempty"`
	Price    decimal.Decimal `json:"price"`
	Quantity int             `json:"quantity"`
}

// Invoice factura de cobro en criptomonedas. El Selector es el único
// identificador expuesto al exterior; el ID interno nunca sale de la API.
type Invoice struct {
	ID              string
	Selector        string
	PaymentMethods  []MethodQuote
	PaymentMethod   CryptoCurrency // vacío hasta que el pagador elige; inmutable después
	ReceiveAddress  string
	PaidAmount      decimal.Decimal
	TransactionRefs []string
	Cart            []CartItem
	TotalPrice      decimal.Decimal
	Currency        FiatCurrency
	DueBy           time.Time
	Status          Status
	Email           string
	SuccessURL      string
	FailURL         string
	CancelURL       string
	RedirectTo      string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// ResolveTotalPrice valida que exista carrito o precio total (exactamente uno
// como fuente) y deriva TotalPrice como la suma de price*quantity si viene
// del carrito. El resultado debe ser un número positivo.
func (i *Invoice) ResolveTotalPrice() error {
	if len(i.Cart) == 0 && i.TotalPrice.IsZero() {
		return ErrNoPriceSource
	}
	if len(i.Cart) > 0 {
		total := decimal.Zero
		for idx := range i.Cart {
			if i.Cart[idx].Quantity <= 0 {
				i.Cart[idx].Quantity = 1
			}
			qty := decimal.NewFromInt(int64(i.Cart[idx].Quantity))
			total = total.Add(i.Cart[idx].Price.Mul(qty))
		}
		i.TotalPrice = total
	}
	if !i.TotalPrice.IsPositive() {
		return ErrNoPriceSource
	}
	return nil
}

// QuoteFor devuelve la cotización congelada para una moneda ofrecida.
func (i *Invoice) QuoteFor(currency CryptoCurrency) (MethodQuote, bool) {
	for _, q := range i.PaymentMethods {
		if q.Currency == currency {
			return q, true
		}
	}
	return MethodQuote{}, false
}

// HasTransactionRef indica si la referencia ya fue contabilizada. Los canales
// externos entregan al-menos-una-vez, así que esto evita el doble conteo.
func (i *Invoice) HasTransactionRef(txRef string) bool {
	for _, ref := range i.TransactionRefs {
		if ref == txRef {
			return true
		}
	}
	return false
}
