package http

import (
	"bufio"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/valyala/fasthttp"

	"github.com/tu-usuario/cryptopay/internal/application/notify"
	"github.com/tu-usuario/cryptopay/internal/application/usecase"
	"github.com/tu-usuario/cryptopay/internal/domain/entity"
	"github.com/tu-usuario/cryptopay/pkg/logger"
)

// sseHeartbeat intervalo de los comentarios keep-alive del stream.
const sseHeartbeat = 25 * time.Second

// EventsHandler stream SSE de eventos de una factura. Cada conexión queda
// suscrita al selector; el servidor cierra el stream después de entregar un
// estado terminal.
type EventsHandler struct {
	uc     *usecase.InvoiceUseCase
	fanout *notify.Fanout
	log    *logger.Logger
}

// NewEventsHandler construye el handler.
func NewEventsHandler(uc *usecase.InvoiceUseCase, fanout *notify.Fanout, log *logger.Logger) *EventsHandler {
	return &EventsHandler{uc: uc, fanout: fanout, log: log}
}

// Stream abre el stream de eventos del selector.
// GET /api/invoices/:selector/events
func (h *EventsHandler) Stream(c *fiber.Ctx) error {
	selector := c.Params("selector")
	invoice, err := h.uc.GetBySelector(selector)
	if err != nil {
		return mapError(c, err)
	}
	if invoice == nil {
		return c.Status(fiber.StatusNotFound).SendString("factura no encontrada")
	}

	// Suscribir antes de responder: un cambio entre la lectura inicial y el
	// primer write no se pierde.
	sub := h.fanout.Subscribe(selector)
	initial := invoice.Status

	c.Set(fiber.HeaderContentType, "text/event-stream")
	c.Set(fiber.HeaderCacheControl, "no-cache")
	c.Set(fiber.HeaderConnection, "keep-alive")
	c.Set("X-Accel-Buffering", "no")

	c.Context().SetBodyStreamWriter(fasthttp.StreamWriter(func(w *bufio.Writer) {
		defer sub.Cancel()

		if err := writeSSE(w, notify.Event{Name: notify.EventStatus, Payload: string(initial)}); err != nil {
			return
		}
		if initial.IsTerminal() {
			return
		}

		heartbeat := time.NewTicker(sseHeartbeat)
		defer heartbeat.Stop()

		for {
			select {
			case ev, ok := <-sub.C:
				if !ok {
					return
				}
				if err := writeSSE(w, ev); err != nil {
					h.log.Debug().Str("selector", selector).Err(err).Msg("cliente SSE desconectado")
					return
				}
				if ev.Name == notify.EventStatus {
					if s, ok := ev.Payload.(string); ok && entity.Status(s).IsTerminal() {
						return
					}
				}
			case <-heartbeat.C:
				if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
					return
				}
				if err := w.Flush(); err != nil {
					return
				}
			}
		}
	}))
	return nil
}

// writeSSE serializa un evento en framing text/event-stream y lo despacha.
func writeSSE(w *bufio.Writer, ev notify.Event) error {
	data, err := json.Marshal(ev.Payload)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Name, data); err != nil {
		return err
	}
	return w.Flush()
}
