package dto

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/tu-usuario/cryptopay/internal/domain/entity"
)

// CartItemRequest línea del carrito en la creación.
type CartItemRequest struct {
	Name     string          `json:"name"`
	Image    string          `json:"image,omitempty"`
	Price    decimal.Decimal `json:"price"`
	Quantity int             `json:"quantity"`
}

// CreateInvoiceRequest alta de factura por parte del comercio. Exactamente
// una de Cart o TotalPrice debe venir con contenido.
type CreateInvoiceRequest struct {
	Methods      []entity.CryptoCurrency `json:"methods"`
	Currency     entity.FiatCurrency     `json:"currency"`
	Cart         []CartItemRequest       `json:"cart,omitempty"`
	TotalPrice   decimal.Decimal         `json:"totalPrice,omitempty"`
	DueByMinutes int                     `json:"dueByMinutes,omitempty"`
	Email        string                  `json:"email,omitempty"`
	SuccessURL   string                  `json:"successUrl"`
	FailURL      string                  `json:"failUrl"`
	CancelURL    string                  `json:"cancelUrl"`
	RedirectTo   string                  `json:"redirectTo,omitempty"`
}

// MethodQuoteResponse cotización congelada ofrecida al pagador.
type MethodQuoteResponse struct {
	Currency     entity.CryptoCurrency `json:"currency"`
	ExchangeRate decimal.Decimal       `json:"exchangeRate"`
	Amount       decimal.Decimal       `json:"amount"`
}

// InvoiceResponse vista pública de la factura: expone el selector, nunca el
// id interno. TotalPrice se reporta redondeado a 2 decimales (frontera de
// reporte; los cálculos internos no redondean).
type InvoiceResponse struct {
	Selector        string                `json:"selector"`
	PaymentMethods  []MethodQuoteResponse `json:"paymentMethods"`
	PaymentMethod   string                `json:"paymentMethod,omitempty"`
	ReceiveAddress  string                `json:"receiveAddress,omitempty"`
	PaidAmount      decimal.Decimal       `json:"paidAmount"`
	TransactionRefs []string              `json:"transactionRefs,omitempty"`
	TotalPrice      decimal.Decimal       `json:"totalPrice"`
	Currency        entity.FiatCurrency   `json:"currency"`
	DueBy           time.Time             `json:"dueBy"`
	Status          entity.Status         `json:"status"`
	SuccessURL      string                `json:"successUrl,omitempty"`
	FailURL         string                `json:"failUrl,omitempty"`
	CancelURL       string                `json:"cancelUrl,omitempty"`
	RedirectTo      string                `json:"redirectTo,omitempty"`
	CreatedAt       time.Time             `json:"createdAt"`
}

// SelectMethodRequest elección del método de pago.
type SelectMethodRequest struct {
	Currency entity.CryptoCurrency `json:"currency"`
}

// PaymentMethodsResponse monedas con proveedor vivo.
type PaymentMethodsResponse struct {
	Methods []entity.CryptoCurrency `json:"methods"`
}

// ConfirmationResponse última profundidad de confirmación conocida.
type ConfirmationResponse struct {
	Count int64 `json:"count"`
}

// ToInvoiceResponse arma la vista pública desde la entidad.
func ToInvoiceResponse(inv *entity.Invoice) *InvoiceResponse {
	if inv == nil {
		return nil
	}
	quotes := make([]MethodQuoteResponse, 0, len(inv.PaymentMethods))
	for _, q := range inv.PaymentMethods {
		quotes = append(quotes, MethodQuoteResponse{
			Currency:     q.Currency,
			ExchangeRate: q.ExchangeRate,
			Amount:       q.Amount,
		})
	}
	return &InvoiceResponse{
		Selector:        inv.Selector,
		PaymentMethods:  quotes,
		PaymentMethod:   string(inv.PaymentMethod),
		ReceiveAddress:  inv.ReceiveAddress,
		PaidAmount:      inv.PaidAmount,
		TransactionRefs: inv.TransactionRefs,
		TotalPrice:      inv.TotalPrice.Round(2),
		Currency:        inv.Currency,
		DueBy:           inv.DueBy,
		Status:          inv.Status,
		SuccessURL:      inv.SuccessURL,
		FailURL:         inv.FailURL,
		CancelURL:       inv.CancelURL,
		RedirectTo:      inv.RedirectTo,
		CreatedAt:       inv.CreatedAt,
	}
}
