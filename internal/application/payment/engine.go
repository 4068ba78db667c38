package payment

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/tu-usuario/cryptopay/internal/application/notify"
	"github.com/tu-usuario/cryptopay/internal/domain"
	"github.com/tu-usuario/cryptopay/internal/domain/entity"
	"github.com/tu-usuario/cryptopay/internal/domain/provider"
	"github.com/tu-usuario/cryptopay/internal/domain/repository"
	"github.com/tu-usuario/cryptopay/pkg/logger"
)

// Config parámetros del motor. Margin es la tolerancia absoluta bajo el monto
// cotizado que aún se acepta como pago completo; TrustThreshold el número de
// confirmaciones a partir del cual una transacción se considera confiable.
// Ambos van por moneda.
type Config struct {
	Margins         map[entity.CryptoCurrency]decimal.Decimal
	TrustThresholds map[entity.CryptoCurrency]int64
	ExpireInterval  time.Duration
	ConfirmInterval time.Duration
	SweepLimit      int
}

func (c Config) marginFor(currency entity.CryptoCurrency) decimal.Decimal {
	if m, ok := c.Margins[currency]; ok {
		return m
	}
	return decimal.New(1, -8)
}

func (c Config) thresholdFor(currency entity.CryptoCurrency) int64 {
	if t, ok := c.TrustThresholds[currency]; ok {
		return t
	}
	return 3
}

func (c Config) normalized() Config {
	if c.ExpireInterval <= 0 {
		c.ExpireInterval = 5 * time.Second
	}
	if c.ConfirmInterval <= 0 {
		c.ConfirmInterval = 2 * time.Second
	}
	if c.SweepLimit <= 0 {
		c.SweepLimit = 8
	}
	return c
}

// Engine motor de conciliación de facturas: mantiene los conjuntos de trabajo
// en memoria (pending y unconfirmed), corre los bucles de expiración y de
// profundidad de confirmación, valida pagos entrantes contra el monto
// cotizado y conduce las transiciones de estado.
//
// Disciplina de mutación: todo cambio de estado, de membresía en los
// conjuntos o de monto acumulado de una factura se serializa con un lock por
// selector. Las fuentes (listener push por proveedor, barridos periódicos,
// operaciones del boundary HTTP) pueden tocar la misma factura a la vez.
type Engine struct {
	cfg      Config
	repo     repository.InvoiceRepository
	registry *Registry
	fanout   *notify.Fanout
	webhook  *notify.Webhook
	log      *logger.Logger

	// mu protege los conjuntos de trabajo y la caché de confirmaciones.
	// Una factura no terminal vive en exactamente uno de los dos conjuntos.
	mu            sync.RWMutex
	pending       map[string]*entity.Invoice // PENDING y PARTIALLY, por selector
	unconfirmed   map[string]*entity.Invoice // UNCONFIRMED, por selector
	confirmations map[string]int64 // selector → última profundidad vista; solo
	// para deduplicar notificaciones, se reconstruye de cero al reiniciar

	locks sync.Map // selector → *sync.Mutex

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewEngine construye el motor. Start lo pone a andar.
func NewEngine(cfg Config, repo repository.InvoiceRepository, registry *Registry,
	fanout *notify.Fanout, webhook *notify.Webhook, log *logger.Logger) *Engine {

	return &Engine{
		cfg:           cfg.normalized(),
		repo:          repo,
		registry:      registry,
		fanout:        fanout,
		webhook:       webhook,
		log:           log,
		pending:       make(map[string]*entity.Invoice),
		unconfirmed:   make(map[string]*entity.Invoice),
		confirmations: make(map[string]int64),
	}
}

// Start recupera las facturas no terminales del almacén y lanza los bucles
// de expiración y de confirmaciones más un listener por proveedor activo.
func (e *Engine) Start(ctx context.Context) {
	ctx, e.cancel = context.WithCancel(ctx)

	e.recover(ctx)

	e.wg.Add(2)
	go e.expireLoop(ctx)
	go e.confirmLoop(ctx)

	for _, p := range e.registry.All() {
		e.wg.Add(1)
		go e.listenProvider(ctx, p)
	}
}

// Stop detiene los bucles y espera a que el trabajo del tick en curso quede
// persistido.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()
}

// lockFor lock de mutación por selector.
func (e *Engine) lockFor(selector string) *sync.Mutex {
	v, _ := e.locks.LoadOrStore(selector, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// tracked devuelve la instancia en memoria si la factura está en un conjunto
// de trabajo; si no, el fallback (copia fresca del almacén). Llamar con el
// lock del selector tomado.
func (e *Engine) tracked(selector string, fallback *entity.Invoice) *entity.Invoice {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if inv, ok := e.pending[selector]; ok {
		return inv
	}
	if inv, ok := e.unconfirmed[selector]; ok {
		return inv
	}
	return fallback
}

// removeFromSets saca la factura de ambos conjuntos y limpia la caché.
func (e *Engine) removeFromSets(selector string) {
	e.mu.Lock()
	delete(e.pending, selector)
	delete(e.unconfirmed, selector)
	delete(e.confirmations, selector)
	e.mu.Unlock()
}

// transition aplica una arista del grafo de estados y la persiste. Si la
// persistencia falla, la transición no ocurrió: el estado en memoria se
// revierte y el error sube. Cada transición persistida publica exactamente
// un evento status.
func (e *Engine) transition(inv *entity.Invoice, to entity.Status) error {
	if !entity.CanTransition(inv.Status, to) {
		return fmt.Errorf("%s→%s: %w", inv.Status, to, domain.ErrInvalidTransition)
	}
	prev := inv.Status
	prevUpdated := inv.UpdatedAt
	inv.Status = to
	inv.UpdatedAt = time.Now()
	if err := e.repo.Update(inv); err != nil {
		inv.Status = prev
		inv.UpdatedAt = prevUpdated
		return fmt.Errorf("persistir transición %s→%s de %s: %w", prev, to, inv.Selector, err)
	}
	e.fanout.Publish(inv.Selector, notify.EventStatus, string(to))
	return nil
}

// SelectMethod fija el método de pago de la factura. Permitido una sola vez:
// una segunda selección es un conflicto, no un no-op silencioso. Resuelve la
// dirección de cobro con el proveedor de la moneda y pasa la factura a
// PENDING dentro del conjunto pending.
func (e *Engine) SelectMethod(ctx context.Context, inv *entity.Invoice, currency entity.CryptoCurrency) (*entity.Invoice, error) {
	mu := e.lockFor(inv.Selector)
	mu.Lock()
	defer mu.Unlock()

	cur := e.tracked(inv.Selector, inv)
	if cur.Status.IsTerminal() {
		return nil, domain.ErrInvalidTransition
	}
	if cur.PaymentMethod != "" {
		return nil, domain.ErrConflict
	}
	if _, ok := cur.QuoteFor(currency); !ok {
		return nil, domain.ErrInvalidInput
	}
	p, ok := e.registry.Get(currency)
	if !ok {
		return nil, domain.ErrProviderUnavailable
	}
	address, err := p.NewAddress(ctx)
	if err != nil {
		return nil, fmt.Errorf("generar dirección %s: %w", currency, err)
	}

	cur.PaymentMethod = currency
	cur.ReceiveAddress = address
	if err := e.transition(cur, entity.StatusPending); err != nil {
		cur.PaymentMethod = ""
		cur.ReceiveAddress = ""
		return nil, err
	}

	e.mu.Lock()
	e.pending[cur.Selector] = cur
	e.mu.Unlock()

	e.log.Info().
		Str("selector", cur.Selector).
		Str("currency", string(currency)).
		Msg("método de pago seleccionado, factura pendiente")
	return cur, nil
}

// Cancel cancela una factura no terminal y la saca de los conjuntos.
func (e *Engine) Cancel(inv *entity.Invoice) (*entity.Invoice, error) {
	mu := e.lockFor(inv.Selector)
	mu.Lock()
	defer mu.Unlock()

	cur := e.tracked(inv.Selector, inv)
	if cur.Status.IsTerminal() {
		return nil, domain.ErrInvalidTransition
	}
	if err := e.transition(cur, entity.StatusCancelled); err != nil {
		return nil, err
	}
	e.removeFromSets(cur.Selector)
	e.log.Info().Str("selector", cur.Selector).Msg("factura cancelada")
	return cur, nil
}

// ValidatePayment procesa una referencia de transacción que apunta a la
// factura. Lo invocan el listener push de cada proveedor y el escaneo de
// recuperación; ambos canales entregan al-menos-una-vez, así que las
// referencias ya contabilizadas se ignoran.
//
// Orden dentro de la factura: chequeo de plazo, luego monto, luego
// transición. El monto acumulado nunca decrece.
func (e *Engine) ValidatePayment(ctx context.Context, inv *entity.Invoice, txRef string) error {
	mu := e.lockFor(inv.Selector)
	mu.Lock()
	defer mu.Unlock()

	cur := e.tracked(inv.Selector, inv)
	if cur.Status.IsTerminal() {
		return nil
	}

	// Un pago tardío no revive la factura.
	if time.Now().After(cur.DueBy) && inUnpaidRange(cur.Status) {
		return e.closeExpiredLocked(cur)
	}

	if cur.PaymentMethod == "" || cur.HasTransactionRef(txRef) {
		return nil
	}

	p, ok := e.registry.Get(cur.PaymentMethod)
	if !ok {
		e.log.Warn().
			Str("selector", cur.Selector).
			Str("currency", string(cur.PaymentMethod)).
			Msg("sin proveedor para la factura, se retira de los conjuntos")
		e.removeFromSets(cur.Selector)
		return domain.ErrProviderUnavailable
	}

	tx, err := p.GetTransaction(ctx, txRef, cur)
	if err != nil {
		// Desconocido, reintentar después; nunca "no pagado".
		return fmt.Errorf("obtener transacción %s: %w", txRef, err)
	}
	if tx == nil || !tx.Amount.IsPositive() {
		// Reconocida pero aún no resolvible, o sin salidas hacia la
		// dirección de cobro.
		return nil
	}

	quote, ok := cur.QuoteFor(cur.PaymentMethod)
	if !ok {
		return domain.ErrInvalidInput
	}

	prevPaid := cur.PaidAmount
	prevRefs := cur.TransactionRefs
	cur.PaidAmount = cur.PaidAmount.Add(tx.Amount)
	cur.TransactionRefs = append(cur.TransactionRefs, txRef)

	// Pago nuevo sobre una factura ya suficiente (lo encuentra el escaneo de
	// recuperación): se contabiliza sin cambiar de estado; el exceso se
	// detecta al confirmar.
	if cur.Status == entity.StatusUnconfirmed {
		cur.UpdatedAt = time.Now()
		if err := e.repo.Update(cur); err != nil {
			cur.PaidAmount = prevPaid
			cur.TransactionRefs = prevRefs
			return fmt.Errorf("persistir pago de %s: %w", cur.Selector, err)
		}
		return nil
	}

	margin := e.cfg.marginFor(cur.PaymentMethod)
	if cur.PaidAmount.LessThan(quote.Amount.Sub(margin)) {
		// Insuficiente: no es un error, se queda en pending esperando más.
		if err := e.transition(cur, entity.StatusPartially); err != nil {
			cur.PaidAmount = prevPaid
			cur.TransactionRefs = prevRefs
			return err
		}
		e.log.Info().
			Str("selector", cur.Selector).
			Str("tx", txRef).
			Str("paid", cur.PaidAmount.String()).
			Str("quoted", quote.Amount.String()).
			Msg("pago parcial recibido")
		return nil
	}

	// Suficiente: pasa a unconfirmed a esperar profundidad de confirmación.
	if err := e.transition(cur, entity.StatusUnconfirmed); err != nil {
		cur.PaidAmount = prevPaid
		cur.TransactionRefs = prevRefs
		return err
	}

	e.mu.Lock()
	delete(e.pending, cur.Selector)
	e.unconfirmed[cur.Selector] = cur
	e.confirmations[cur.Selector] = 0
	e.mu.Unlock()

	e.log.Info().
		Str("selector", cur.Selector).
		Str("tx", txRef).
		Str("paid", cur.PaidAmount.String()).
		Msg("pago suficiente, esperando confirmaciones")
	return nil
}

// inUnpaidRange estados en los que el plazo todavía aplica.
func inUnpaidRange(s entity.Status) bool {
	return s == entity.StatusRequested || s == entity.StatusPending || s == entity.StatusPartially
}

// closeExpiredLocked cierra una factura vencida: TOOLATE si nunca hubo pago,
// TOOLITTLE (con callback de fallo) si hubo un pago que no alcanzó. Llamar
// con el lock del selector tomado.
func (e *Engine) closeExpiredLocked(cur *entity.Invoice) error {
	to := entity.StatusTooLate
	if cur.PaidAmount.IsPositive() {
		to = entity.StatusTooLittle
	}
	if err := e.transition(cur, to); err != nil {
		return err
	}
	e.removeFromSets(cur.Selector)
	if to == entity.StatusTooLittle {
		go e.webhook.Notify(cur.FailURL, cur.Selector)
	}
	e.log.Info().
		Str("selector", cur.Selector).
		Str("status", string(to)).
		Msg("factura vencida cerrada")
	return nil
}

// ──────────────────────────────────────────────────────────────────────────
// Bucle de expiración
// ──────────────────────────────────────────────────────────────────────────

func (e *Engine) expireLoop(ctx context.Context) {
	defer e.wg.Done()
	ticker := time.NewTicker(e.cfg.ExpireInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.expireOnce(ctx)
		}
	}
}

// expireOnce barre las facturas vencidas sin pago suficiente. Idempotente
// entre ticks: re-consulta solo no terminales con dueBy pasado, y vuelve a
// chequear el estado bajo el lock del selector justo antes de transicionar,
// así un pago que llegó entre la consulta y el cierre gana el desempate.
func (e *Engine) expireOnce(ctx context.Context) {
	candidates, err := e.repo.FindExpired(time.Now(),
		entity.StatusRequested, entity.StatusPending, entity.StatusPartially)
	if err != nil {
		e.log.Error().Err(err).Msg("consulta de facturas vencidas falló")
		return
	}

	g, _ := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.SweepLimit)
	for _, inv := range candidates {
		inv := inv
		g.Go(func() error {
			mu := e.lockFor(inv.Selector)
			mu.Lock()
			defer mu.Unlock()

			cur := e.tracked(inv.Selector, inv)
			if cur.Status.IsTerminal() || !inUnpaidRange(cur.Status) {
				return nil
			}
			if cur.DueBy.After(time.Now()) {
				return nil
			}
			if err := e.closeExpiredLocked(cur); err != nil {
				e.log.Error().
					Err(err).
					Str("selector", cur.Selector).
					Msg("no se pudo cerrar factura vencida, se reintenta en el próximo tick")
			}
			return nil
		})
	}
	_ = g.Wait()
}

// ──────────────────────────────────────────────────────────────────────────
// Bucle de confirmaciones
// ──────────────────────────────────────────────────────────────────────────

func (e *Engine) confirmLoop(ctx context.Context) {
	defer e.wg.Done()
	ticker := time.NewTicker(e.cfg.ConfirmInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.WatchConfirmations(ctx)
		}
	}
}

// WatchConfirmations consulta la profundidad de confirmación de cada factura
// en unconfirmed con paralelismo acotado: una RPC lenta de una factura no
// frena el barrido de las demás. Solo emite confirmationUpdate cuando la
// profundidad cambió respecto de la caché.
func (e *Engine) WatchConfirmations(ctx context.Context) {
	e.mu.RLock()
	snapshot := make([]*entity.Invoice, 0, len(e.unconfirmed))
	for _, inv := range e.unconfirmed {
		snapshot = append(snapshot, inv)
	}
	e.mu.RUnlock()

	g, _ := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.SweepLimit)
	for _, inv := range snapshot {
		inv := inv
		g.Go(func() error {
			e.checkConfirmations(ctx, inv)
			return nil
		})
	}
	_ = g.Wait()
}

func (e *Engine) checkConfirmations(ctx context.Context, inv *entity.Invoice) {
	mu := e.lockFor(inv.Selector)
	mu.Lock()
	defer mu.Unlock()

	cur := e.tracked(inv.Selector, inv)
	if cur.Status != entity.StatusUnconfirmed {
		return
	}

	p, ok := e.registry.Get(cur.PaymentMethod)
	if !ok {
		e.log.Warn().
			Str("selector", cur.Selector).
			Str("currency", string(cur.PaymentMethod)).
			Msg("sin proveedor para la factura unconfirmed, se retira de los conjuntos")
		e.removeFromSets(cur.Selector)
		return
	}

	threshold := e.cfg.thresholdFor(cur.PaymentMethod)
	depth := int64(-1)
	received := decimal.Zero
	trusted := len(cur.TransactionRefs) > 0

	for _, ref := range cur.TransactionRefs {
		tx, err := p.GetTransaction(ctx, ref, cur)
		if err != nil {
			// Transitorio: se reintenta en el próximo tick.
			e.log.Warn().
				Err(err).
				Str("selector", cur.Selector).
				Str("tx", ref).
				Msg("consulta de confirmaciones falló")
			return
		}
		if tx == nil {
			trusted = false
			depth = 0
			continue
		}
		received = received.Add(tx.Amount)
		if tx.Confirmations < threshold {
			trusted = false
		}
		if depth < 0 || tx.Confirmations < depth {
			depth = tx.Confirmations
		}
	}

	// La profundidad reportada de la factura es el mínimo entre sus
	// transacciones; deduplicación obligatoria contra la caché.
	if depth >= 0 {
		e.mu.Lock()
		known, seen := e.confirmations[cur.Selector]
		changed := !seen || known != depth
		if changed {
			e.confirmations[cur.Selector] = depth
		}
		e.mu.Unlock()
		if changed {
			e.fanout.Publish(cur.Selector, notify.EventConfirmationUpdate, map[string]int64{"count": depth})
		}
	}

	if !trusted {
		return
	}

	// Todas las transacciones alcanzaron el umbral: cerrar. El exceso se
	// decide acá comparando lo realmente recibido contra lo cotizado; nunca
	// se reembolsa automáticamente.
	prevPaid := cur.PaidAmount
	if received.GreaterThan(cur.PaidAmount) {
		cur.PaidAmount = received
	}
	quote, ok := cur.QuoteFor(cur.PaymentMethod)
	if !ok {
		cur.PaidAmount = prevPaid
		return
	}
	to := entity.StatusDone
	if received.GreaterThan(quote.Amount) {
		to = entity.StatusTooMuch
	}
	if err := e.transition(cur, to); err != nil {
		cur.PaidAmount = prevPaid
		e.log.Error().
			Err(err).
			Str("selector", cur.Selector).
			Msg("no se pudo finalizar la factura, se reintenta en el próximo tick")
		return
	}
	e.removeFromSets(cur.Selector)
	go e.webhook.Notify(cur.SuccessURL, cur.Selector)

	e.log.Info().
		Str("selector", cur.Selector).
		Str("status", string(to)).
		Str("received", received.String()).
		Msg("factura confirmada y cerrada")
}

// ConfirmationCount última profundidad vista para el selector.
func (e *Engine) ConfirmationCount(selector string) int64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.confirmations[selector]
}

// ──────────────────────────────────────────────────────────────────────────
// Listeners y recuperación
// ──────────────────────────────────────────────────────────────────────────

// listenProvider consume el feed push de un proveedor y cruza cada salida
// contra las direcciones de cobro pendientes de esa moneda.
func (e *Engine) listenProvider(ctx context.Context, p provider.BackendProvider) {
	defer e.wg.Done()

	ch, err := p.Listen(ctx)
	if err != nil {
		e.log.Error().
			Err(err).
			Str("provider", p.Name()).
			Msg("no se pudo abrir el feed de transacciones")
		return
	}
	e.log.Info().
		Str("provider", p.Name()).
		Msg("escuchando transacciones entrantes")

	for notice := range ch {
		e.mu.RLock()
		matches := make([]*entity.Invoice, 0, 1)
		for _, inv := range e.pending {
			if inv.PaymentMethod != p.Currency() || inv.ReceiveAddress == "" {
				continue
			}
			if _, ok := notice.Outputs[inv.ReceiveAddress]; ok {
				matches = append(matches, inv)
			}
		}
		e.mu.RUnlock()

		for _, inv := range matches {
			e.log.Info().
				Str("selector", inv.Selector).
				Str("tx", notice.TxID).
				Msg("transacción para factura recibida")
			if err := e.ValidatePayment(ctx, inv, notice.TxID); err != nil {
				e.log.Error().
					Err(err).
					Str("selector", inv.Selector).
					Str("tx", notice.TxID).
					Msg("validación de pago falló")
			}
		}
	}
}

// recover recarga las facturas no terminales del almacén en los conjuntos de
// trabajo y pide a cada proveedor el historial de su dirección para cubrir
// los pagos llegados mientras el proceso estuvo caído. Una factura cuyo
// proveedor ya no está registrado se descarta de los conjuntos (con log) en
// vez de quedar colgando.
func (e *Engine) recover(ctx context.Context) {
	invoices, err := e.repo.FindByStatus(
		entity.StatusPending, entity.StatusPartially, entity.StatusUnconfirmed)
	if err != nil {
		e.log.Error().Err(err).Msg("recuperación: consulta de facturas no terminales falló")
		return
	}
	e.log.Info().Int("count", len(invoices)).Msg("facturas pendientes o sin confirmar recuperadas")

	for _, inv := range invoices {
		p, ok := e.registry.Get(inv.PaymentMethod)
		if !ok {
			e.log.Warn().
				Str("selector", inv.Selector).
				Str("currency", string(inv.PaymentMethod)).
				Msg("recuperación: sin proveedor para la factura, se descarta de los conjuntos")
			continue
		}

		e.mu.Lock()
		if inv.Status == entity.StatusUnconfirmed {
			e.unconfirmed[inv.Selector] = inv
		} else {
			e.pending[inv.Selector] = inv
		}
		e.mu.Unlock()

		refs, err := p.ValidateExistingInvoice(ctx, inv)
		if err != nil {
			e.log.Warn().
				Err(err).
				Str("selector", inv.Selector).
				Msg("recuperación: validación contra el historial falló")
			continue
		}
		for _, ref := range refs {
			if err := e.ValidatePayment(ctx, inv, ref); err != nil {
				e.log.Error().
					Err(err).
					Str("selector", inv.Selector).
					Str("tx", ref).
					Msg("recuperación: validación de pago falló")
			}
		}
	}
}
