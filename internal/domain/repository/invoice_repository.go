package repository

import (
	"time"

	"github.com/tu-usuario/cryptopay/internal/domain/entity"
)

// InvoiceRepository puerto del almacén de facturas. El motor de conciliación
// depende de que Update sea atómico por factura; la serialización de
// mutaciones concurrentes es responsabilidad del llamador, no del almacén.
type InvoiceRepository interface {
	Create(invoice *entity.Invoice) error
	Update(invoice *entity.Invoice) error

	// GetBySelector busca por el identificador público. (nil, nil) si no existe.
	GetBySelector(selector string) (*entity.Invoice, error)

	// FindByStatus devuelve las facturas en cualquiera de los estados dados.
	// Usado por la recuperación al arranque para reconstruir los conjuntos
	// de trabajo.
	FindByStatus(statuses ...entity.Status) ([]*entity.Invoice, error)

	// FindExpired devuelve facturas no terminales con dueBy <= now en los
	// estados dados. El barrido de expiración la invoca en cada tick.
	FindExpired(now time.Time, statuses ...entity.Status) ([]*entity.Invoice, error)

	// CountByStatus conteo para los endpoints de resumen; lectura
	// eventualmente consistente.
	CountByStatus(status entity.Status) (int, error)
}
