package entity

import (
	"time"

	"github.com/shopspring/decimal"
)

// Transaction vista de una transacción de blockchain tal como la reporta un
// proveedor. Cuando se consulta con una factura de contexto, Amount está
// acotado a los fondos recibidos en la dirección de cobro de esa factura
// (una transacción puede tener salidas ajenas).
type Transaction struct {
	TxID          string
	Amount        decimal.Decimal
	Confirmations int64
	Time          time.Time
}
