package payment

import (
	"context"
	"fmt"
	"sync"

	"github.com/tu-usuario/cryptopay/internal/domain/entity"
	"github.com/tu-usuario/cryptopay/internal/domain/provider"
	"github.com/tu-usuario/cryptopay/pkg/logger"
)

// Registry índice moneda→proveedor. El registro ocurre al arranque desde una
// tabla fija de constructores (nada de escanear directorios en runtime); las
// lecturas dominan por mucho, así que un RWMutex alcanza.
//
// Invariante: el conjunto de monedas visibles como métodos de pago es
// exactamente el conjunto con un proveedor vivo aquí.
type Registry struct {
	log *logger.Logger

	mu        sync.RWMutex
	providers map[entity.CryptoCurrency]provider.BackendProvider
}

// NewRegistry construye el registro vacío.
func NewRegistry(log *logger.Logger) *Registry {
	return &Registry{
		log:       log,
		providers: make(map[entity.CryptoCurrency]provider.BackendProvider),
	}
}

// Register activa el proveedor y reclama su moneda. Si la activación falla,
// se registra el error y la moneda queda fuera de la lista publicada. Si la
// moneda ya está reclamada por otro proveedor activo, el recién llegado se
// rechaza (gana el primero registrado; política configurable a futuro).
func (r *Registry) Register(ctx context.Context, p provider.BackendProvider) error {
	currency := p.Currency()

	r.mu.RLock()
	_, taken := r.providers[currency]
	r.mu.RUnlock()
	if taken {
		r.log.Warn().
			Str("provider", p.Name()).
			Str("currency", string(currency)).
			Msg("moneda ya reclamada por otro proveedor, se omite")
		return fmt.Errorf("registrar %s: moneda %s ya reclamada", p.Name(), currency)
	}

	if err := p.Activate(ctx); err != nil {
		r.log.Error().
			Err(err).
			Str("provider", p.Name()).
			Str("currency", string(currency)).
			Msg("el proveedor falló la activación, se omite")
		return fmt.Errorf("activar %s: %w", p.Name(), err)
	}

	r.mu.Lock()
	// Recheck bajo el lock de escritura: otro Register pudo ganar la moneda.
	if _, taken := r.providers[currency]; taken {
		r.mu.Unlock()
		_ = p.Close()
		return fmt.Errorf("registrar %s: moneda %s ya reclamada", p.Name(), currency)
	}
	r.providers[currency] = p
	r.mu.Unlock()

	testnet := ""
	if p.IsTestnet() {
		testnet = " (testnet)"
	}
	r.log.Info().
		Str("provider", p.Name()).
		Str("currency", string(currency)).
		Msgf("proveedor activo%s", testnet)
	return nil
}

// Get búsqueda en tiempo constante. ok=false significa "no se puede procesar
// esta moneda ahora mismo", nunca una condición de pánico.
func (r *Registry) Get(currency entity.CryptoCurrency) (provider.BackendProvider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[currency]
	return p, ok
}

// Disable retira el reclamo de un proveedor sobre su moneda y lo cierra.
// Idempotente: deshabilitar una moneda sin proveedor no hace nada.
func (r *Registry) Disable(currency entity.CryptoCurrency) {
	r.mu.Lock()
	p, ok := r.providers[currency]
	if ok {
		delete(r.providers, currency)
	}
	r.mu.Unlock()

	if !ok {
		return
	}
	if err := p.Close(); err != nil {
		r.log.Error().
			Err(err).
			Str("provider", p.Name()).
			Msg("error cerrando proveedor deshabilitado")
	}
	r.log.Warn().
		Str("provider", p.Name()).
		Str("currency", string(currency)).
		Msg("proveedor deshabilitado")
}

// ActiveCurrencies monedas con proveedor vivo; es la lista de métodos de
// pago visible para el comercio.
func (r *Registry) ActiveCurrencies() []entity.CryptoCurrency {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]entity.CryptoCurrency, 0, len(r.providers))
	for c := range r.providers {
		out = append(out, c)
	}
	return out
}

// All proveedores activos; lo usa el motor para lanzar un listener por
// proveedor.
func (r *Registry) All() []provider.BackendProvider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]provider.BackendProvider, 0, len(r.providers))
	for _, p := range r.providers {
		out = append(out, p)
	}
	return out
}

// Shutdown cierra todos los proveedores registrados.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	providers := r.providers
	r.providers = make(map[entity.CryptoCurrency]provider.BackendProvider)
	r.mu.Unlock()

	for _, p := range providers {
		if err := p.Close(); err != nil {
			r.log.Error().Err(err).Str("provider", p.Name()).Msg("error cerrando proveedor")
		}
	}
}
