package notify

import (
	"net/http"
	"time"

	"github.com/tu-usuario/cryptopay/pkg/logger"
)

// Webhook entrega los callbacks del comercio. La entrega es best-effort y
// desacoplada de la durabilidad del estado: un fallo se registra y no
// bloquea ni reintenta la transición que lo disparó.
type Webhook struct {
	client *http.Client
	log    *logger.Logger
}

// NewWebhook construye el notificador con un cliente HTTP con timeout.
func NewWebhook(log *logger.Logger) *Webhook {
	return &Webhook{
		client: &http.Client{Timeout: 10 * time.Second},
		log:    log,
	}
}

// NewWebhookWithClient permite inyectar el cliente (tests).
func NewWebhookWithClient(client *http.Client, log *logger.Logger) *Webhook {
	return &Webhook{client: client, log: log}
}

// Notify hace GET a la URL del comercio. 2xx es éxito; cualquier otra cosa
// es un fallo de entrega registrado.
func (w *Webhook) Notify(url, selector string) {
	if url == "" {
		return
	}
	resp, err := w.client.Get(url)
	if err != nil {
		w.log.Error().
			Err(err).
			Str("selector", selector).
			Str("url", url).
			Msg("callback del comercio falló")
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		w.log.Error().
			Str("selector", selector).
			Str("url", url).
			Int("status", resp.StatusCode).
			Msg("callback del comercio respondió no-2xx")
	}
}
