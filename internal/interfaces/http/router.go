package http

import (
	"github.com/gofiber/fiber/v2"
	"github.com/tu-usuario/cryptopay/internal/application/notify"
	"github.com/tu-usuario/cryptopay/internal/application/usecase"
	"github.com/tu-usuario/cryptopay/internal/domain/repository"
	"github.com/tu-usuario/cryptopay/pkg/logger"
)

// RouterDeps dependencias para el router.
type RouterDeps struct {
	InvoiceUC *usecase.InvoiceUseCase
	Repo      repository.InvoiceRepository
	Fanout    *notify.Fanout
	Log       *logger.Logger
	JWTSecret string
}

// Router registra las rutas de la API.
func Router(app *fiber.App, deps RouterDeps) {
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})

	api := app.Group("/api")
	invoices := api.Group("/invoices")
	invoiceHandler := NewInvoiceHandler(deps.InvoiceUC)

	// Creación: solo el comercio autenticado.
	invoices.Post("/", AuthMiddleware(deps.JWTSecret), invoiceHandler.Create)

	// Rutas del pagador: la posesión del selector es la autorización.
	invoices.Get("/paymentmethods", invoiceHandler.PaymentMethods)
	invoices.Get("/:selector", invoiceHandler.GetBySelector)
	invoices.Delete("/:selector", invoiceHandler.Cancel)
	invoices.Post("/:selector/method", invoiceHandler.SelectMethod)
	invoices.Get("/:selector/confirmation", invoiceHandler.Confirmation)

	eventsHandler := NewEventsHandler(deps.InvoiceUC, deps.Fanout, deps.Log)
	invoices.Get("/:selector/events", eventsHandler.Stream)

	wsHandler := NewWSHandler(deps.Repo, deps.Fanout, deps.Log)
	ws := app.Group("/ws", UpgradeRequired)
	ws.Get("/invoices/:selector", wsHandler.Serve())
}
