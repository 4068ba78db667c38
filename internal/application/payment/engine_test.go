package payment_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tu-usuario/cryptopay/internal/application/notify"
	"github.com/tu-usuario/cryptopay/internal/application/payment"
	"github.com/tu-usuario/cryptopay/internal/domain"
	"github.com/tu-usuario/cryptopay/internal/domain/entity"
	"github.com/tu-usuario/cryptopay/internal/domain/provider"
	"github.com/tu-usuario/cryptopay/pkg/logger"
)

// ──────────────────────────────────────────────────────────────────────────────
// Dobles de prueba: un almacén en memoria y un proveedor de blockchain cuyo
// estado de red (transacciones, confirmaciones, historial) se controla desde
// cada test. Sin red, sin nodo, sin base de datos.
// ──────────────────────────────────────────────────────────────────────────────

type memRepo struct {
	mu         sync.Mutex
	bySelector map[string]*entity.Invoice
	failUpdate bool
}

func newMemRepo() *memRepo {
	return &memRepo{bySelector: make(map[string]*entity.Invoice)}
}

func (r *memRepo) Create(inv *entity.Invoice) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bySelector[inv.Selector] = inv
	return nil
}

func (r *memRepo) Update(inv *entity.Invoice) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failUpdate {
		return errors.New("almacén caído")
	}
	r.bySelector[inv.Selector] = inv
	return nil
}

func (r *memRepo) GetBySelector(selector string) (*entity.Invoice, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.bySelector[selector], nil
}

func (r *memRepo) FindByStatus(statuses ...entity.Status) ([]*entity.Invoice, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*entity.Invoice
	for _, inv := range r.bySelector {
		for _, s := range statuses {
			if inv.Status == s {
				out = append(out, inv)
				break
			}
		}
	}
	return out, nil
}

func (r *memRepo) FindExpired(now time.Time, statuses ...entity.Status) ([]*entity.Invoice, error) {
	all, _ := r.FindByStatus(statuses...)
	var out []*entity.Invoice
	for _, inv := range all {
		if !inv.DueBy.After(now) {
			out = append(out, inv)
		}
	}
	return out, nil
}

func (r *memRepo) CountByStatus(status entity.Status) (int, error) {
	all, _ := r.FindByStatus(status)
	return len(all), nil
}

// fakeProvider backend cuyo estado de red se manipula desde el test.
type fakeProvider struct {
	currency entity.CryptoCurrency

	mu      sync.Mutex
	txs     map[string]*entity.Transaction // txs visibles en la "red"
	history []string                       // historial para la recuperación
	nextN   int
	notices chan provider.TxNotice

	activateErr error
	closed      bool
	stopListen  context.CancelFunc
}

func newFakeProvider(currency entity.CryptoCurrency) *fakeProvider {
	return &fakeProvider{
		currency: currency,
		txs:      make(map[string]*entity.Transaction),
		notices:  make(chan provider.TxNotice, 4),
	}
}

func (p *fakeProvider) setTx(ref string, amount decimal.Decimal, confirmations int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.txs[ref] = &entity.Transaction{TxID: ref, Amount: amount, Confirmations: confirmations, Time: time.Now()}
}

func (p *fakeProvider) Name() string                    { return string(p.currency) + " fake" }
func (p *fakeProvider) Currency() entity.CryptoCurrency { return p.currency }
func (p *fakeProvider) Activate(context.Context) error  { return p.activateErr }

func (p *fakeProvider) Close() error {
	p.mu.Lock()
	p.closed = true
	stop := p.stopListen
	p.mu.Unlock()
	if stop != nil {
		stop()
	}
	return nil
}

func (p *fakeProvider) NewAddress(context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.nextN++
	return string(rune('a'+p.nextN)) + "-addr", nil
}

func (p *fakeProvider) GetTransaction(_ context.Context, txRef string, _ *entity.Invoice) (*entity.Transaction, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	tx, ok := p.txs[txRef]
	if !ok {
		return nil, nil // reconocida pero aún no resolvible
	}
	cp := *tx
	return &cp, nil
}

func (p *fakeProvider) SendFunds(context.Context, string, decimal.Decimal, string) (string, error) {
	return "sent-tx", nil
}

func (p *fakeProvider) Listen(ctx context.Context) (<-chan provider.TxNotice, error) {
	ctx, cancel := context.WithCancel(ctx)
	p.mu.Lock()
	p.stopListen = cancel
	p.mu.Unlock()

	out := make(chan provider.TxNotice)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case n := <-p.notices:
				select {
				case out <- n:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func (p *fakeProvider) ValidateExistingInvoice(context.Context, *entity.Invoice) ([]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.history...), nil
}

func (p *fakeProvider) IsTestnet() bool                { return false }
func (p *fakeProvider) IsTestnetAddress(_ string) bool { return false }

var _ provider.BackendProvider = (*fakeProvider)(nil)

// ── armado común ──────────────────────────────────────────────────────────────

type harness struct {
	repo     *memRepo
	prov     *fakeProvider
	registry *payment.Registry
	fanout   *notify.Fanout
	engine   *payment.Engine
}

func newHarness(t *testing.T, cfg payment.Config) *harness {
	t.Helper()
	log := logger.Nop()
	repo := newMemRepo()
	prov := newFakeProvider(entity.CurrencyBTC)
	registry := payment.NewRegistry(log)
	require.NoError(t, registry.Register(context.Background(), prov))
	fanout := notify.NewFanout(log)
	webhook := notify.NewWebhookWithClient(http.DefaultClient, log)
	engine := payment.NewEngine(cfg, repo, registry, fanout, webhook, log)
	return &harness{repo: repo, prov: prov, registry: registry, fanout: fanout, engine: engine}
}

// newInvoice factura REQUESTED con cotización de 0.001 BTC por 50 USD.
func newInvoice(repo *memRepo, due time.Time) *entity.Invoice {
	inv := &entity.Invoice{
		ID:       uuid.New().String(),
		Selector: uuid.New().String(),
		PaymentMethods: []entity.MethodQuote{{
			Currency:     entity.CurrencyBTC,
			ExchangeRate: decimal.NewFromInt(50000),
			Amount:       decimal.RequireFromString("0.001"),
		}},
		TotalPrice: decimal.NewFromInt(50),
		Currency:   entity.FiatUSD,
		DueBy:      due,
		Status:     entity.StatusRequested,
		SuccessURL: "",
		FailURL:    "",
		CreatedAt:  time.Now(),
	}
	_ = repo.Create(inv)
	return inv
}

func future() time.Time { return time.Now().Add(time.Hour) }

// ── SelectMethod ──────────────────────────────────────────────────────────────

func TestSelectMethod_AsignaDireccionYPasaAPending(t *testing.T) {
	h := newHarness(t, payment.Config{})
	inv := newInvoice(h.repo, future())

	got, err := h.engine.SelectMethod(context.Background(), inv, entity.CurrencyBTC)
	require.NoError(t, err)
	assert.Equal(t, entity.StatusPending, got.Status)
	assert.Equal(t, entity.CurrencyBTC, got.PaymentMethod)
	assert.NotEmpty(t, got.ReceiveAddress)

	stored, _ := h.repo.GetBySelector(inv.Selector)
	assert.Equal(t, entity.StatusPending, stored.Status, "la transición debe quedar persistida")
}

// TestSelectMethod_SegundaSeleccionEsConflicto el método es inmutable: la
// segunda selección falla con conflicto y la factura queda intacta.
func TestSelectMethod_SegundaSeleccionEsConflicto(t *testing.T) {
	h := newHarness(t, payment.Config{})
	inv := newInvoice(h.repo, future())

	first, err := h.engine.SelectMethod(context.Background(), inv, entity.CurrencyBTC)
	require.NoError(t, err)
	addr := first.ReceiveAddress

	_, err = h.engine.SelectMethod(context.Background(), inv, entity.CurrencyBTC)
	assert.ErrorIs(t, err, domain.ErrConflict)

	stored, _ := h.repo.GetBySelector(inv.Selector)
	assert.Equal(t, addr, stored.ReceiveAddress, "la dirección original no debe cambiar")
}

func TestSelectMethod_MonedaNoOfrecida(t *testing.T) {
	h := newHarness(t, payment.Config{})
	inv := newInvoice(h.repo, future())

	_, err := h.engine.SelectMethod(context.Background(), inv, entity.CurrencyDOGE)
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestSelectMethod_SinProveedor(t *testing.T) {
	h := newHarness(t, payment.Config{})
	inv := newInvoice(h.repo, future())
	inv.PaymentMethods = append(inv.PaymentMethods, entity.MethodQuote{
		Currency: entity.CurrencyLTC,
		Amount:   decimal.RequireFromString("0.5"),
	})

	_, err := h.engine.SelectMethod(context.Background(), inv, entity.CurrencyLTC)
	assert.ErrorIs(t, err, domain.ErrProviderUnavailable)
}

// TestSelectMethod_FalloDePersistenciaRevierte si el almacén no acepta la
// transición, la factura queda como estaba: sin método y sin dirección.
func TestSelectMethod_FalloDePersistenciaRevierte(t *testing.T) {
	h := newHarness(t, payment.Config{})
	inv := newInvoice(h.repo, future())
	h.repo.failUpdate = true

	_, err := h.engine.SelectMethod(context.Background(), inv, entity.CurrencyBTC)
	require.Error(t, err)
	assert.Equal(t, entity.StatusRequested, inv.Status)
	assert.Empty(t, inv.PaymentMethod)
	assert.Empty(t, inv.ReceiveAddress)
}

// ── Cancel ────────────────────────────────────────────────────────────────────

func TestCancel(t *testing.T) {
	h := newHarness(t, payment.Config{})
	inv := newInvoice(h.repo, future())

	got, err := h.engine.Cancel(inv)
	require.NoError(t, err)
	assert.Equal(t, entity.StatusCancelled, got.Status)

	// Cancelar lo ya terminal es una transición inválida, no un no-op.
	_, err = h.engine.Cancel(inv)
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
}

// ── ValidatePayment ───────────────────────────────────────────────────────────

func pendingInvoice(t *testing.T, h *harness) *entity.Invoice {
	t.Helper()
	inv := newInvoice(h.repo, future())
	_, err := h.engine.SelectMethod(context.Background(), inv, entity.CurrencyBTC)
	require.NoError(t, err)
	return inv
}

func TestValidatePayment_PagoParcialLuegoCompleto(t *testing.T) {
	h := newHarness(t, payment.Config{})
	inv := pendingInvoice(t, h)

	// 0.0009 de 0.001 cotizados: parcial.
	h.prov.setTx("tx1", decimal.RequireFromString("0.0009"), 0)
	require.NoError(t, h.engine.ValidatePayment(context.Background(), inv, "tx1"))
	assert.Equal(t, entity.StatusPartially, inv.Status)
	assert.True(t, inv.PaidAmount.Equal(decimal.RequireFromString("0.0009")))

	// 0.0002 más: el acumulado 0.0011 supera lo cotizado, pasa a unconfirmed.
	h.prov.setTx("tx2", decimal.RequireFromString("0.0002"), 0)
	require.NoError(t, h.engine.ValidatePayment(context.Background(), inv, "tx2"))
	assert.Equal(t, entity.StatusUnconfirmed, inv.Status)
	assert.True(t, inv.PaidAmount.Equal(decimal.RequireFromString("0.0011")))
	assert.Equal(t, []string{"tx1", "tx2"}, inv.TransactionRefs)
}

// TestValidatePayment_BordeDelMargen pagar exactamente cotizado−margen ya
// cuenta como pago completo; un satoshi menos sigue siendo parcial.
func TestValidatePayment_BordeDelMargen(t *testing.T) {
	margin := decimal.RequireFromString("0.00000001")
	cfg := payment.Config{Margins: map[entity.CryptoCurrency]decimal.Decimal{entity.CurrencyBTC: margin}}

	h := newHarness(t, cfg)
	inv := pendingInvoice(t, h)
	h.prov.setTx("exacto", decimal.RequireFromString("0.001").Sub(margin), 0)
	require.NoError(t, h.engine.ValidatePayment(context.Background(), inv, "exacto"))
	assert.Equal(t, entity.StatusUnconfirmed, inv.Status, "cotizado−margen es pago completo")

	h2 := newHarness(t, cfg)
	inv2 := pendingInvoice(t, h2)
	h2.prov.setTx("corto", decimal.RequireFromString("0.001").Sub(margin).Sub(margin), 0)
	require.NoError(t, h2.engine.ValidatePayment(context.Background(), inv2, "corto"))
	assert.Equal(t, entity.StatusPartially, inv2.Status, "bajo el margen sigue siendo parcial")
}

// TestValidatePayment_ReferenciaDuplicada los canales entregan al-menos-una-
// vez: la misma referencia dos veces no suma dos veces.
func TestValidatePayment_ReferenciaDuplicada(t *testing.T) {
	h := newHarness(t, payment.Config{})
	inv := pendingInvoice(t, h)
	h.prov.setTx("tx1", decimal.RequireFromString("0.0004"), 0)

	require.NoError(t, h.engine.ValidatePayment(context.Background(), inv, "tx1"))
	require.NoError(t, h.engine.ValidatePayment(context.Background(), inv, "tx1"))

	assert.True(t, inv.PaidAmount.Equal(decimal.RequireFromString("0.0004")),
		"el monto no debe duplicarse, obtenido %s", inv.PaidAmount)
	assert.Len(t, inv.TransactionRefs, 1)
}

func TestValidatePayment_TransaccionNoResolvibleEsNoOp(t *testing.T) {
	h := newHarness(t, payment.Config{})
	inv := pendingInvoice(t, h)

	// El proveedor reconoce la referencia pero aún no la resuelve (nil, nil).
	require.NoError(t, h.engine.ValidatePayment(context.Background(), inv, "desconocida"))
	assert.Equal(t, entity.StatusPending, inv.Status)
	assert.True(t, inv.PaidAmount.IsZero())
}

// TestValidatePayment_PagoTardio un pago que llega después del plazo no revive
// la factura: sin pago previo cierra TOOLATE, con pago parcial cierra
// TOOLITTLE y dispara el callback de fallo.
func TestValidatePayment_PagoTardio(t *testing.T) {
	var hits sync.Map
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Store(r.URL.Path, true)
	}))
	defer ts.Close()

	log := logger.Nop()
	repo := newMemRepo()
	prov := newFakeProvider(entity.CurrencyBTC)
	registry := payment.NewRegistry(log)
	require.NoError(t, registry.Register(context.Background(), prov))
	engine := payment.NewEngine(payment.Config{}, repo, registry, notify.NewFanout(log),
		notify.NewWebhookWithClient(ts.Client(), log), log)

	// Sin pago previo: TOOLATE, sin callback.
	inv := newInvoice(repo, future())
	_, err := engine.SelectMethod(context.Background(), inv, entity.CurrencyBTC)
	require.NoError(t, err)
	inv.DueBy = time.Now().Add(-time.Minute)
	prov.setTx("tarde", decimal.RequireFromString("0.001"), 0)
	require.NoError(t, engine.ValidatePayment(context.Background(), inv, "tarde"))
	assert.Equal(t, entity.StatusTooLate, inv.Status)

	// Con pago parcial previo: TOOLITTLE y callback de fallo.
	inv2 := newInvoice(repo, future())
	inv2.FailURL = ts.URL + "/fail"
	_, err = engine.SelectMethod(context.Background(), inv2, entity.CurrencyBTC)
	require.NoError(t, err)
	prov.setTx("parcial", decimal.RequireFromString("0.0002"), 0)
	require.NoError(t, engine.ValidatePayment(context.Background(), inv2, "parcial"))
	require.Equal(t, entity.StatusPartially, inv2.Status)

	inv2.DueBy = time.Now().Add(-time.Minute)
	prov.setTx("resto", decimal.RequireFromString("0.0008"), 0)
	require.NoError(t, engine.ValidatePayment(context.Background(), inv2, "resto"))
	assert.Equal(t, entity.StatusTooLittle, inv2.Status)
	assert.Eventually(t, func() bool {
		_, ok := hits.Load("/fail")
		return ok
	}, time.Second, 10*time.Millisecond, "el callback de fallo debe dispararse")
}

// ── Confirmaciones ────────────────────────────────────────────────────────────

func TestWatchConfirmations_DeduplicaYCierraEnElUmbral(t *testing.T) {
	h := newHarness(t, payment.Config{})
	inv := pendingInvoice(t, h)
	h.prov.setTx("tx1", decimal.RequireFromString("0.001"), 0)
	require.NoError(t, h.engine.ValidatePayment(context.Background(), inv, "tx1"))
	require.Equal(t, entity.StatusUnconfirmed, inv.Status)

	sub := h.fanout.Subscribe(inv.Selector)
	defer sub.Cancel()

	// Profundidad 1: exactamente una notificación aunque se barra dos veces.
	h.prov.setTx("tx1", decimal.RequireFromString("0.001"), 1)
	h.engine.WatchConfirmations(context.Background())
	h.engine.WatchConfirmations(context.Background())

	assert.Equal(t, int64(1), h.engine.ConfirmationCount(inv.Selector))
	updates := drainEvents(sub, notify.EventConfirmationUpdate)
	assert.Len(t, updates, 1, "la misma profundidad no se notifica dos veces")
	assert.Equal(t, entity.StatusUnconfirmed, inv.Status)

	// Umbral alcanzado (default 3): cierra en DONE.
	h.prov.setTx("tx1", decimal.RequireFromString("0.001"), 3)
	h.engine.WatchConfirmations(context.Background())
	assert.Equal(t, entity.StatusDone, inv.Status)
}

// TestWatchConfirmations_MinimoEntreTransacciones con varias transacciones la
// profundidad reportada es la menor, y no se cierra hasta que todas alcanzan
// el umbral.
func TestWatchConfirmations_MinimoEntreTransacciones(t *testing.T) {
	h := newHarness(t, payment.Config{})
	inv := pendingInvoice(t, h)

	h.prov.setTx("tx1", decimal.RequireFromString("0.0006"), 0)
	require.NoError(t, h.engine.ValidatePayment(context.Background(), inv, "tx1"))
	h.prov.setTx("tx2", decimal.RequireFromString("0.0004"), 0)
	require.NoError(t, h.engine.ValidatePayment(context.Background(), inv, "tx2"))
	require.Equal(t, entity.StatusUnconfirmed, inv.Status)

	h.prov.setTx("tx1", decimal.RequireFromString("0.0006"), 5)
	h.prov.setTx("tx2", decimal.RequireFromString("0.0004"), 1)
	h.engine.WatchConfirmations(context.Background())

	assert.Equal(t, int64(1), h.engine.ConfirmationCount(inv.Selector))
	assert.Equal(t, entity.StatusUnconfirmed, inv.Status, "una transacción bajo el umbral mantiene la factura abierta")

	h.prov.setTx("tx2", decimal.RequireFromString("0.0004"), 3)
	h.engine.WatchConfirmations(context.Background())
	assert.Equal(t, entity.StatusDone, inv.Status)
}

// TestWatchConfirmations_ExcesoConfirmadoEsTooMuch lo confirmado supera lo
// cotizado: cierra TOOMUCH y nunca reembolsa solo.
func TestWatchConfirmations_ExcesoConfirmadoEsTooMuch(t *testing.T) {
	h := newHarness(t, payment.Config{})
	inv := pendingInvoice(t, h)

	h.prov.setTx("tx1", decimal.RequireFromString("0.0009"), 0)
	require.NoError(t, h.engine.ValidatePayment(context.Background(), inv, "tx1"))
	h.prov.setTx("tx2", decimal.RequireFromString("0.0002"), 0)
	require.NoError(t, h.engine.ValidatePayment(context.Background(), inv, "tx2"))
	require.Equal(t, entity.StatusUnconfirmed, inv.Status)

	h.prov.setTx("tx1", decimal.RequireFromString("0.0009"), 4)
	h.prov.setTx("tx2", decimal.RequireFromString("0.0002"), 4)
	h.engine.WatchConfirmations(context.Background())

	assert.Equal(t, entity.StatusTooMuch, inv.Status)
	assert.True(t, inv.PaidAmount.Equal(decimal.RequireFromString("0.0011")))
}

// TestWatchConfirmations_FalloDePersistenciaRevierte si el almacén rechaza el
// cierre, la factura queda en memoria como estaba: estado y monto pagado
// intactos para el reintento del próximo tick.
func TestWatchConfirmations_FalloDePersistenciaRevierte(t *testing.T) {
	h := newHarness(t, payment.Config{})
	inv := pendingInvoice(t, h)

	h.prov.setTx("tx1", decimal.RequireFromString("0.001"), 0)
	require.NoError(t, h.engine.ValidatePayment(context.Background(), inv, "tx1"))
	require.Equal(t, entity.StatusUnconfirmed, inv.Status)
	prevPaid := inv.PaidAmount

	h.prov.setTx("tx1", decimal.RequireFromString("0.0012"), 3)
	h.repo.failUpdate = true
	h.engine.WatchConfirmations(context.Background())

	assert.Equal(t, entity.StatusUnconfirmed, inv.Status)
	assert.True(t, inv.PaidAmount.Equal(prevPaid), "el monto pagado debe revertirse junto con el estado")

	// El almacén vuelve: el siguiente barrido cierra normalmente.
	h.repo.failUpdate = false
	h.engine.WatchConfirmations(context.Background())
	assert.Equal(t, entity.StatusTooMuch, inv.Status)
	assert.True(t, inv.PaidAmount.Equal(decimal.RequireFromString("0.0012")))
}

// TestValidatePayment_ProveedorDeshabilitado con el backend retirado la
// factura se descarta de los conjuntos de trabajo: procesarla sin poder
// consultar la red sería inventar datos.
func TestValidatePayment_ProveedorDeshabilitado(t *testing.T) {
	h := newHarness(t, payment.Config{})
	inv := pendingInvoice(t, h)

	h.registry.Disable(entity.CurrencyBTC)

	err := h.engine.ValidatePayment(context.Background(), inv, "tx1")
	assert.ErrorIs(t, err, domain.ErrProviderUnavailable)
	assert.Equal(t, entity.StatusPending, inv.Status, "sin proveedor no hay transición")
}

// ── Bucles y recuperación ─────────────────────────────────────────────────────

// TestExpireLoop_CierraVencidasSinPago el barrido periódico cierra en TOOLATE
// las facturas vencidas que nunca vieron un pago.
func TestExpireLoop_CierraVencidasSinPago(t *testing.T) {
	h := newHarness(t, payment.Config{ExpireInterval: 20 * time.Millisecond})
	inv := newInvoice(h.repo, time.Now().Add(-time.Minute))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.engine.Start(ctx)
	defer h.engine.Stop()

	assert.Eventually(t, func() bool {
		stored, _ := h.repo.GetBySelector(inv.Selector)
		return stored.Status == entity.StatusTooLate
	}, 2*time.Second, 20*time.Millisecond)
}

// TestListener_PagoPorFeedPush una transacción difundida con salida hacia la
// dirección de cobro dispara la validación sin intervención del barrido.
func TestListener_PagoPorFeedPush(t *testing.T) {
	h := newHarness(t, payment.Config{ExpireInterval: time.Hour, ConfirmInterval: time.Hour})
	inv := newInvoice(h.repo, future())
	selected, err := h.engine.SelectMethod(context.Background(), inv, entity.CurrencyBTC)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.engine.Start(ctx)
	defer h.engine.Stop()

	h.prov.setTx("push-tx", decimal.RequireFromString("0.001"), 0)
	h.prov.notices <- provider.TxNotice{
		TxID:    "push-tx",
		Outputs: map[string]decimal.Decimal{selected.ReceiveAddress: decimal.RequireFromString("0.001")},
	}

	assert.Eventually(t, func() bool {
		stored, _ := h.repo.GetBySelector(inv.Selector)
		return stored.Status == entity.StatusUnconfirmed
	}, 2*time.Second, 10*time.Millisecond)
}

// TestRecover_AplicaHistorialAlArranque al reiniciar, una factura PENDING se
// coteja contra el historial de su dirección y los pagos llegados durante la
// caída se contabilizan.
func TestRecover_AplicaHistorialAlArranque(t *testing.T) {
	h := newHarness(t, payment.Config{ExpireInterval: time.Hour, ConfirmInterval: time.Hour})
	inv := newInvoice(h.repo, future())
	_, err := h.engine.SelectMethod(context.Background(), inv, entity.CurrencyBTC)
	require.NoError(t, err)

	// El pago llegó "mientras el proceso estaba caído".
	h.prov.setTx("perdida", decimal.RequireFromString("0.001"), 1)
	h.prov.mu.Lock()
	h.prov.history = []string{"perdida"}
	h.prov.mu.Unlock()

	// Motor nuevo sobre el mismo almacén y registro: simula el reinicio.
	log := logger.Nop()
	fresh := payment.NewEngine(payment.Config{ExpireInterval: time.Hour, ConfirmInterval: time.Hour},
		h.repo, h.registry, notify.NewFanout(log), notify.NewWebhookWithClient(http.DefaultClient, log), log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	fresh.Start(ctx)
	defer fresh.Stop()

	stored, _ := h.repo.GetBySelector(inv.Selector)
	assert.Equal(t, entity.StatusUnconfirmed, stored.Status)
	assert.True(t, stored.PaidAmount.Equal(decimal.RequireFromString("0.001")))
}

// drainEvents junta sin bloquear los eventos ya encolados de un tipo.
func drainEvents(sub *notify.Subscription, name string) []notify.Event {
	var out []notify.Event
	for {
		select {
		case ev := <-sub.C:
			if ev.Name == name {
				out = append(out, ev)
			}
		default:
			return out
		}
	}
}
