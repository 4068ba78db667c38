package http

import (
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"

	"github.com/tu-usuario/cryptopay/internal/application/notify"
	"github.com/tu-usuario/cryptopay/internal/domain/entity"
	"github.com/tu-usuario/cryptopay/internal/domain/repository"
	"github.com/tu-usuario/cryptopay/pkg/logger"
)

// wsWriteDeadline tope por write; un cliente colgado no retiene la conexión.
const wsWriteDeadline = 10 * time.Second

// WSHandler canal websocket de eventos de una factura, equivalente al stream
// SSE para clientes que prefieren socket. Cada conexión es una sala por
// selector.
type WSHandler struct {
	repo   repository.InvoiceRepository
	fanout *notify.Fanout
	log    *logger.Logger
}

// NewWSHandler construye el handler.
func NewWSHandler(repo repository.InvoiceRepository, fanout *notify.Fanout, log *logger.Logger) *WSHandler {
	return &WSHandler{repo: repo, fanout: fanout, log: log}
}

// UpgradeRequired middleware que rechaza peticiones sin handshake websocket.
func UpgradeRequired(c *fiber.Ctx) error {
	if websocket.IsWebSocketUpgrade(c) {
		return c.Next()
	}
	return fiber.ErrUpgradeRequired
}

// Serve atiende la conexión ya negociada.
// GET /ws/invoices/:selector
func (h *WSHandler) Serve() fiber.Handler {
	return websocket.New(func(conn *websocket.Conn) {
		defer conn.Close()
		selector := conn.Params("selector")

		invoice, err := h.repo.GetBySelector(selector)
		if err != nil || invoice == nil {
			_ = conn.WriteJSON(notify.Event{Name: "error", Payload: "factura no encontrada"})
			return
		}

		sub := h.fanout.Subscribe(selector)
		defer sub.Cancel()

		// Lector en segundo plano: solo detecta el cierre del cliente.
		done := make(chan struct{})
		go func() {
			defer close(done)
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		if !h.writeEvent(conn, notify.Event{Name: notify.EventStatus, Payload: string(invoice.Status)}) {
			return
		}
		if invoice.Status.IsTerminal() {
			return
		}

		for {
			select {
			case ev, ok := <-sub.C:
				if !ok {
					return
				}
				if !h.writeEvent(conn, ev) {
					return
				}
				if ev.Name == notify.EventStatus {
					if s, ok := ev.Payload.(string); ok && entity.Status(s).IsTerminal() {
						return
					}
				}
			case <-done:
				h.log.Debug().Str("selector", selector).Msg("cliente websocket desconectado")
				return
			}
		}
	})
}

func (h *WSHandler) writeEvent(conn *websocket.Conn, ev notify.Event) bool {
	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteDeadline))
	if err := conn.WriteJSON(ev); err != nil {
		h.log.Debug().Err(err).Msg("write websocket falló")
		return false
	}
	return true
}
