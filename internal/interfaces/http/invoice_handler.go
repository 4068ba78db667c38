package http

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/tu-usuario/cryptopay/internal/application/dto"
	"github.com/tu-usuario/cryptopay/internal/application/usecase"
	"github.com/tu-usuario/cryptopay/internal/domain"
)

// InvoiceHandler maneja las peticiones HTTP de facturas. La creación es del
// comercio (protegida); el resto opera sobre el selector público.
type InvoiceHandler struct {
	uc *usecase.InvoiceUseCase
}

// NewInvoiceHandler construye el handler.
func NewInvoiceHandler(uc *usecase.InvoiceUseCase) *InvoiceHandler {
	return &InvoiceHandler{uc: uc}
}

// Create crea una factura en REQUESTED con sus cotizaciones congeladas.
// POST /api/invoices
func (h *InvoiceHandler) Create(c *fiber.Ctx) error {
	if GetMerchantID(c) == "" {
		return c.Status(fiber.StatusUnauthorized).JSON(dto.ErrorResponse{Code: "UNAUTHORIZED", Message: "token inválido"})
	}
	var in dto.CreateInvoiceRequest
	if err := c.BodyParser(&in); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Code: "INVALID_BODY", Message: "cuerpo inválido"})
	}
	invoice, err := h.uc.Create(c.Context(), in)
	if err != nil {
		return mapError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(invoice)
}

// PaymentMethods monedas con proveedor activo en este momento.
// GET /api/invoices/paymentmethods
func (h *InvoiceHandler) PaymentMethods(c *fiber.Ctx) error {
	return c.JSON(h.uc.PaymentMethods())
}

// GetBySelector vista pública de una factura.
// GET /api/invoices/:selector
func (h *InvoiceHandler) GetBySelector(c *fiber.Ctx) error {
	selector := c.Params("selector")
	invoice, err := h.uc.GetBySelector(selector)
	if err != nil {
		return mapError(c, err)
	}
	if invoice == nil {
		return c.Status(fiber.StatusNotFound).JSON(dto.ErrorResponse{Code: "NOT_FOUND", Message: "factura no encontrada"})
	}
	return c.JSON(invoice)
}

// SelectMethod fija el método de pago y asigna la dirección de cobro.
// POST /api/invoices/:selector/method
func (h *InvoiceHandler) SelectMethod(c *fiber.Ctx) error {
	selector := c.Params("selector")
	var in dto.SelectMethodRequest
	if err := c.BodyParser(&in); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Code: "INVALID_BODY", Message: "cuerpo inválido"})
	}
	invoice, err := h.uc.SelectMethod(c.Context(), selector, in.Currency)
	if err != nil {
		return mapError(c, err)
	}
	return c.JSON(invoice)
}

// Cancel cancela una factura todavía abierta.
// DELETE /api/invoices/:selector
func (h *InvoiceHandler) Cancel(c *fiber.Ctx) error {
	selector := c.Params("selector")
	invoice, err := h.uc.Cancel(selector)
	if err != nil {
		return mapError(c, err)
	}
	return c.JSON(invoice)
}

// Confirmation última profundidad de confirmación conocida del selector.
// GET /api/invoices/:selector/confirmation
func (h *InvoiceHandler) Confirmation(c *fiber.Ctx) error {
	selector := c.Params("selector")
	resp, err := h.uc.Confirmation(selector)
	if err != nil {
		return mapError(c, err)
	}
	return c.JSON(resp)
}

// mapError traduce los sentinels del dominio al status HTTP correspondiente.
func mapError(c *fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, domain.ErrInvalidInput):
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Code: "VALIDATION", Message: err.Error()})
	case errors.Is(err, domain.ErrNotFound):
		return c.Status(fiber.StatusNotFound).JSON(dto.ErrorResponse{Code: "NOT_FOUND", Message: "factura no encontrada"})
	case errors.Is(err, domain.ErrConflict):
		return c.Status(fiber.StatusConflict).JSON(dto.ErrorResponse{Code: "CONFLICT", Message: err.Error()})
	case errors.Is(err, domain.ErrInvalidTransition):
		return c.Status(fiber.StatusConflict).JSON(dto.ErrorResponse{Code: "INVALID_STATE", Message: err.Error()})
	case errors.Is(err, domain.ErrProviderUnavailable):
		return c.Status(fiber.StatusServiceUnavailable).JSON(dto.ErrorResponse{Code: "PROVIDER_UNAVAILABLE", Message: "método de pago no disponible"})
	case errors.Is(err, domain.ErrUnauthorized):
		return c.Status(fiber.StatusUnauthorized).JSON(dto.ErrorResponse{Code: "UNAUTHORIZED", Message: err.Error()})
	default:
		return c.Status(fiber.StatusInternalServerError).JSON(dto.ErrorResponse{Code: "INTERNAL", Message: err.Error()})
	}
}
