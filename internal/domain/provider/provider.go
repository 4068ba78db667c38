package provider

import (
	"context"

	"github.com/shopspring/decimal"
	"github.com/tu-usuario/cryptopay/internal/domain/entity"
)

// TxNotice aviso de una transacción recién difundida en la red. Outputs mapea
// cada dirección de salida al monto que recibe, ya en la precisión nativa de
// la moneda del proveedor.
type TxNotice struct {
	TxID    string
	Outputs map[string]decimal.Decimal
}

// BackendProvider superficie uniforme sobre un nodo de una criptomoneda.
// Cada moneda activa tiene exactamente una implementación registrada.
//
// Semántica de fallos: un error de RPC significa "desconocido, reintentar
// después", nunca "no pagado". GetTransaction devuelve (nil, nil) cuando la
// referencia es reconocida pero aún no resolvible a un pago.
type BackendProvider interface {
	// Name nombre legible del backend, solo para logs.
	Name() string

	// Currency moneda que este proveedor atiende.
	Currency() entity.CryptoCurrency

	// Activate verifica conectividad con el nodo y deja el proveedor listo
	// para operar. Debe fallar rápido con un error descriptivo; un proveedor
	// que falla la activación no se registra.
	Activate(ctx context.Context) error

	// Close libera la conexión y detiene la escucha.
	Close() error

	// NewAddress genera una dirección de cobro única. La unicidad es
	// responsabilidad del proveedor (puede ser una dirección base con un id
	// embebido si el esquema de la moneda lo soporta).
	NewAddress(ctx context.Context) (string, error)

	// GetTransaction busca una transacción. Si inv no es nil, Amount queda
	// acotado a los fondos recibidos en inv.ReceiveAddress.
	GetTransaction(ctx context.Context, txRef string, inv *entity.Invoice) (*entity.Transaction, error)

	// SendFunds envía fondos. Solo lo usa la herramienta manual de
	// reembolsos; el motor nunca reembolsa automáticamente.
	SendFunds(ctx context.Context, recipient string, amount decimal.Decimal, memo string) (string, error)

	// Listen abre una suscripción cancelable a transacciones nuevas. El canal
	// se cierra cuando ctx termina. La implementación debe reconectar ante
	// errores transitorios y descartar mensajes malformados sin terminar.
	Listen(ctx context.Context) (<-chan TxNotice, error)

	// ValidateExistingInvoice revisa el historial del nodo para la dirección
	// de la factura y devuelve las referencias de transacción encontradas.
	// Cubre los pagos llegados mientras el proceso estuvo caído: el feed
	// push solo reporta lo visto después de conectarse.
	ValidateExistingInvoice(ctx context.Context, inv *entity.Invoice) ([]string, error)

	// IsTestnet / IsTestnetAddress clasificadores; nunca fallan.
	IsTestnet() bool
	IsTestnetAddress(address string) bool
}
