package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/tu-usuario/cryptopay/internal/domain/entity"
	"github.com/tu-usuario/cryptopay/internal/domain/repository"
)

var _ repository.InvoiceRepository = (*InvoiceRepo)(nil)

// InvoiceRepo implementación de InvoiceRepository (usable con pool o tx).
type InvoiceRepo struct {
	q Querier
}

// NewInvoiceRepository construye el adaptador. Pasar pool o tx (Querier).
func NewInvoiceRepository(q Querier) *InvoiceRepo {
	return &InvoiceRepo{q: q}
}

const invoiceColumns = `id, selector, payment_methods, payment_method, receive_address,
	paid_amount, transaction_refs, cart, total_price, currency, due_by, status,
	email, success_url, fail_url, cancel_url, redirect_to, created_at, updated_at`

// Create persiste una factura nueva.
func (r *InvoiceRepo) Create(inv *entity.Invoice) error {
	if inv.ID == "" {
		inv.ID = uuid.New().String()
	}
	methods, err := json.Marshal(inv.PaymentMethods)
	if err != nil {
		return fmt.Errorf("serializar métodos: %w", err)
	}
	cart, err := marshalCart(inv.Cart)
	if err != nil {
		return err
	}
	query := `
		INSERT INTO invoices (` + invoiceColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)`
	_, err = r.q.Exec(context.Background(), query,
		inv.ID, inv.Selector, methods, nullIfEmpty(string(inv.PaymentMethod)),
		nullIfEmpty(inv.ReceiveAddress), inv.PaidAmount, inv.TransactionRefs, cart,
		inv.TotalPrice, string(inv.Currency), inv.DueBy, string(inv.Status),
		nullIfEmpty(inv.Email), inv.SuccessURL, inv.FailURL,
		nullIfEmpty(inv.CancelURL), nullIfEmpty(inv.RedirectTo),
		inv.CreatedAt, inv.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("selector ya existe: %w", err)
		}
		return fmt.Errorf("insert invoice: %w", err)
	}
	return nil
}

// Update persiste el registro completo de la factura. El motor serializa las
// mutaciones por selector antes de llegar acá.
func (r *InvoiceRepo) Update(inv *entity.Invoice) error {
	methods, err := json.Marshal(inv.PaymentMethods)
	if err != nil {
		return fmt.Errorf("serializar métodos: %w", err)
	}
	cart, err := marshalCart(inv.Cart)
	if err != nil {
		return err
	}
	query := `
		UPDATE invoices
		SET payment_methods  = $2,
		    payment_method   = $3,
		    receive_address  = $4,
		    paid_amount      = $5,
		    transaction_refs = $6,
		    cart             = $7,
		    total_price      = $8,
		    status           = $9,
		    updated_at       = $10
		WHERE id = $1`
	tag, err := r.q.Exec(context.Background(), query,
		inv.ID, methods, nullIfEmpty(string(inv.PaymentMethod)),
		nullIfEmpty(inv.ReceiveAddress), inv.PaidAmount, inv.TransactionRefs,
		cart, inv.TotalPrice, string(inv.Status), inv.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update invoice: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update invoice %s: no existe", inv.ID)
	}
	return nil
}

// GetBySelector busca por el identificador público. (nil, nil) si no existe.
func (r *InvoiceRepo) GetBySelector(selector string) (*entity.Invoice, error) {
	query := `SELECT ` + invoiceColumns + ` FROM invoices WHERE selector = $1`
	inv, err := r.scanOne(r.q.QueryRow(context.Background(), query, selector))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get invoice: %w", err)
	}
	return inv, nil
}

// FindByStatus facturas en cualquiera de los estados dados.
func (r *InvoiceRepo) FindByStatus(statuses ...entity.Status) ([]*entity.Invoice, error) {
	query := `SELECT ` + invoiceColumns + ` FROM invoices WHERE status = ANY($1) ORDER BY created_at`
	rows, err := r.q.Query(context.Background(), query, statusStrings(statuses))
	if err != nil {
		return nil, fmt.Errorf("find by status: %w", err)
	}
	defer rows.Close()
	return r.scanAll(rows)
}

// FindExpired facturas con dueBy vencido en los estados dados.
func (r *InvoiceRepo) FindExpired(now time.Time, statuses ...entity.Status) ([]*entity.Invoice, error) {
	query := `SELECT ` + invoiceColumns + ` FROM invoices WHERE due_by <= $1 AND status = ANY($2) ORDER BY due_by`
	rows, err := r.q.Query(context.Background(), query, now, statusStrings(statuses))
	if err != nil {
		return nil, fmt.Errorf("find expired: %w", err)
	}
	defer rows.Close()
	return r.scanAll(rows)
}

// CountByStatus conteo para endpoints de resumen.
func (r *InvoiceRepo) CountByStatus(status entity.Status) (int, error) {
	var count int
	err := r.q.QueryRow(context.Background(),
		`SELECT COUNT(*) FROM invoices WHERE status = $1`, string(status)).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count by status: %w", err)
	}
	return count, nil
}

func (r *InvoiceRepo) scanOne(row pgx.Row) (*entity.Invoice, error) {
	var inv entity.Invoice
	var methods, cart []byte
	var method, address, email, cancelURL, redirectTo *string
	var currency, status string

	err := row.Scan(
		&inv.ID, &inv.Selector, &methods, &method, &address,
		&inv.PaidAmount, &inv.TransactionRefs, &cart, &inv.TotalPrice,
		&currency, &inv.DueBy, &status, &email, &inv.SuccessURL, &inv.FailURL,
		&cancelURL, &redirectTo, &inv.CreatedAt, &inv.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(methods, &inv.PaymentMethods); err != nil {
		return nil, fmt.Errorf("deserializar métodos: %w", err)
	}
	if len(cart) > 0 {
		if err := json.Unmarshal(cart, &inv.Cart); err != nil {
			return nil, fmt.Errorf("deserializar carrito: %w", err)
		}
	}
	inv.PaymentMethod = entity.CryptoCurrency(derefStr(method))
	inv.ReceiveAddress = derefStr(address)
	inv.Email = derefStr(email)
	inv.CancelURL = derefStr(cancelURL)
	inv.RedirectTo = derefStr(redirectTo)
	inv.Currency = entity.FiatCurrency(currency)
	inv.Status = entity.Status(status)
	return &inv, nil
}

func (r *InvoiceRepo) scanAll(rows pgx.Rows) ([]*entity.Invoice, error) {
	var out []*entity.Invoice
	for rows.Next() {
		inv, err := r.scanOne(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, inv)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func marshalCart(cart []entity.CartItem) ([]byte, error) {
	if len(cart) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(cart)
	if err != nil {
		return nil, fmt.Errorf("serializar carrito: %w", err)
	}
	return b, nil
}

func statusStrings(statuses []entity.Status) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}
