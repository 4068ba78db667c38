package usecase

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/tu-usuario/cryptopay/internal/application/dto"
	"github.com/tu-usuario/cryptopay/internal/application/payment"
	"github.com/tu-usuario/cryptopay/internal/domain"
	"github.com/tu-usuario/cryptopay/internal/domain/entity"
	"github.com/tu-usuario/cryptopay/internal/domain/repository"
)

// InvoiceUseCase operaciones del boundary de facturas. La creación vive acá;
// las mutaciones del ciclo de vida (elegir método, cancelar) delegan en el
// motor de conciliación, que es el único dueño de las transiciones.
type InvoiceUseCase struct {
	repo     repository.InvoiceRepository
	registry *payment.Registry
	engine   *payment.Engine
	rates    RateSource
	dueBy    time.Duration // plazo por defecto si el comercio no manda uno
}

// NewInvoiceUseCase construye el caso de uso.
func NewInvoiceUseCase(repo repository.InvoiceRepository, registry *payment.Registry,
	engine *payment.Engine, rates RateSource, defaultDueBy time.Duration) *InvoiceUseCase {

	if defaultDueBy <= 0 {
		defaultDueBy = 60 * time.Minute
	}
	return &InvoiceUseCase{
		repo:     repo,
		registry: registry,
		engine:   engine,
		rates:    rates,
		dueBy:    defaultDueBy,
	}
}

// Create crea una factura en REQUESTED con una cotización congelada por cada
// método ofrecido. Cada método pedido debe tener un proveedor vivo; las
// cotizaciones se calculan con las tasas del momento.
func (uc *InvoiceUseCase) Create(ctx context.Context, in dto.CreateInvoiceRequest) (*dto.InvoiceResponse, error) {
	if len(in.Methods) == 0 || in.Currency == "" || in.SuccessURL == "" || in.FailURL == "" {
		return nil, domain.ErrInvalidInput
	}
	for _, m := range in.Methods {
		if _, ok := uc.registry.Get(m); !ok {
			return nil, fmt.Errorf("%s: %w", m, domain.ErrProviderUnavailable)
		}
	}

	now := time.Now()
	inv := &entity.Invoice{
		ID:         uuid.New().String(),
		Selector:   uuid.New().String(),
		TotalPrice: in.TotalPrice,
		Currency:   in.Currency,
		Status:     entity.StatusRequested,
		Email:      in.Email,
		SuccessURL: in.SuccessURL,
		FailURL:    in.FailURL,
		CancelURL:  in.CancelURL,
		RedirectTo: in.RedirectTo,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	for _, item := range in.Cart {
		inv.Cart = append(inv.Cart, entity.CartItem{
			Name:     item.Name,
			Image:    item.Image,
			Price:    item.Price,
			Quantity: item.Quantity,
		})
	}
	if err := inv.ResolveTotalPrice(); err != nil {
		return nil, fmt.Errorf("%w: %s", domain.ErrInvalidInput, err)
	}

	due := uc.dueBy
	if in.DueByMinutes > 0 {
		due = time.Duration(in.DueByMinutes) * time.Minute
	}
	inv.DueBy = now.Add(due)

	rates, err := uc.rates.Rates(ctx, in.Currency, in.Methods)
	if err != nil {
		return nil, fmt.Errorf("consultar tasas: %w", err)
	}
	quotes, err := buildQuotes(inv.TotalPrice, in.Methods, rates)
	if err != nil {
		return nil, fmt.Errorf("cotizar: %w", err)
	}
	inv.PaymentMethods = quotes

	if err := uc.repo.Create(inv); err != nil {
		return nil, fmt.Errorf("crear factura: %w", err)
	}
	return dto.ToInvoiceResponse(inv), nil
}

// GetBySelector vista pública de una factura.
func (uc *InvoiceUseCase) GetBySelector(selector string) (*dto.InvoiceResponse, error) {
	inv, err := uc.repo.GetBySelector(selector)
	if err != nil {
		return nil, err
	}
	if inv == nil {
		return nil, nil
	}
	return dto.ToInvoiceResponse(inv), nil
}

// PaymentMethods monedas con proveedor vivo ahora mismo.
func (uc *InvoiceUseCase) PaymentMethods() dto.PaymentMethodsResponse {
	return dto.PaymentMethodsResponse{Methods: uc.registry.ActiveCurrencies()}
}

// SelectMethod fija el método de pago. Una segunda selección devuelve
// ErrConflict con la factura intacta.
func (uc *InvoiceUseCase) SelectMethod(ctx context.Context, selector string, currency entity.CryptoCurrency) (*dto.InvoiceResponse, error) {
	inv, err := uc.repo.GetBySelector(selector)
	if err != nil {
		return nil, err
	}
	if inv == nil {
		return nil, domain.ErrNotFound
	}
	updated, err := uc.engine.SelectMethod(ctx, inv, currency)
	if err != nil {
		return nil, err
	}
	return dto.ToInvoiceResponse(updated), nil
}

// Cancel cancela una factura no terminal.
func (uc *InvoiceUseCase) Cancel(selector string) (*dto.InvoiceResponse, error) {
	inv, err := uc.repo.GetBySelector(selector)
	if err != nil {
		return nil, err
	}
	if inv == nil {
		return nil, domain.ErrNotFound
	}
	updated, err := uc.engine.Cancel(inv)
	if err != nil {
		return nil, err
	}
	return dto.ToInvoiceResponse(updated), nil
}

// Confirmation última profundidad de confirmación conocida del selector.
func (uc *InvoiceUseCase) Confirmation(selector string) (*dto.ConfirmationResponse, error) {
	inv, err := uc.repo.GetBySelector(selector)
	if err != nil {
		return nil, err
	}
	if inv == nil {
		return nil, domain.ErrNotFound
	}
	return &dto.ConfirmationResponse{Count: uc.engine.ConfirmationCount(selector)}, nil
}
