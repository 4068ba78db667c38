package bitcoind

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/rpcclient"
	"github.com/shopspring/decimal"

	"github.com/tu-usuario/cryptopay/internal/domain"
	"github.com/tu-usuario/cryptopay/internal/domain/entity"
	"github.com/tu-usuario/cryptopay/internal/domain/provider"
	"github.com/tu-usuario/cryptopay/pkg/logger"
)

// Config conexión a un nodo tipo Core (bitcoind, litecoind, dogecoind).
type Config struct {
	Currency        entity.CryptoCurrency
	Testnet         bool
	RPCHost         string // host:port del RPC HTTP del nodo
	RPCUser         string
	RPCPass         string
	ZMQTxHost       string // endpoint rawtx, ej. tcp://127.0.0.1:29000
	ZMQReadDeadline time.Duration
}

// Provider backend sobre un nodo de la familia Bitcoin Core. Las monedas
// Core comparten la superficie RPC y el feed ZMQ rawtx, así que una sola
// implementación parametrizada por moneda y red cubre BTC, LTC y DOGE.
type Provider struct {
	cfg    Config
	params *chaincfg.Params
	client *rpcclient.Client
	log    *logger.Logger

	mu         sync.Mutex
	stopListen context.CancelFunc
}

var _ provider.BackendProvider = (*Provider)(nil)

// New construye el proveedor sin conectar; Activate hace el resto.
func New(cfg Config, log *logger.Logger) *Provider {
	if cfg.ZMQReadDeadline <= 0 {
		cfg.ZMQReadDeadline = 5 * time.Second
	}
	return &Provider{
		cfg:    cfg,
		params: netParams(cfg.Currency, cfg.Testnet),
		log:    log,
	}
}

// Name nombre legible del backend.
func (p *Provider) Name() string {
	return fmt.Sprintf("%s Core", p.cfg.Currency)
}

// Currency moneda que atiende este proveedor.
func (p *Provider) Currency() entity.CryptoCurrency {
	return p.cfg.Currency
}

// Activate abre el cliente RPC en modo HTTP POST (el modo del wallet RPC de
// los nodos Core) y verifica conectividad con una llamada de estado liviana.
func (p *Provider) Activate(ctx context.Context) error {
	client, err := rpcclient.New(&rpcclient.ConnConfig{
		Host:         p.cfg.RPCHost,
		User:         p.cfg.RPCUser,
		Pass:         p.cfg.RPCPass,
		HTTPPostMode: true,
		DisableTLS:   true,
	}, nil)
	if err != nil {
		return fmt.Errorf("crear cliente RPC: %w", err)
	}
	if _, err := client.GetBlockChainInfo(); err != nil {
		client.Shutdown()
		return fmt.Errorf("el nodo %s no responde: %w", p.cfg.RPCHost, err)
	}
	p.client = client
	return nil
}

// Close detiene el listener ZMQ si está corriendo y apaga el cliente RPC.
// Tras Close, el canal devuelto por Listen se cierra.
func (p *Provider) Close() error {
	p.mu.Lock()
	if p.stopListen != nil {
		p.stopListen()
		p.stopListen = nil
	}
	p.mu.Unlock()

	if p.client != nil {
		p.client.Shutdown()
	}
	return nil
}

// NewAddress genera una dirección de cobro nueva en el wallet del nodo. Cada
// factura recibe la suya; la unicidad la garantiza el wallet.
func (p *Provider) NewAddress(ctx context.Context) (string, error) {
	addr, err := p.client.GetNewAddress("")
	if err != nil {
		return "", fmt.Errorf("getnewaddress: %w: %w", domain.ErrProviderCall, err)
	}
	return addr.EncodeAddress(), nil
}

// GetTransaction consulta una transacción del wallet. Con factura de
// contexto, el monto devuelto se acota a las salidas de categoría receive
// hacia la dirección de cobro de esa factura. (nil, nil) cuando el nodo aún
// no conoce la transacción.
func (p *Provider) GetTransaction(ctx context.Context, txRef string, inv *entity.Invoice) (*entity.Transaction, error) {
	hash, err := chainhash.NewHashFromStr(txRef)
	if err != nil {
		return nil, fmt.Errorf("referencia %q inválida: %w", txRef, err)
	}
	result, err := p.client.GetTransaction(hash)
	if err != nil {
		if isUnknownTx(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("gettransaction %s: %w: %w", txRef, domain.ErrProviderCall, err)
	}

	tx := &entity.Transaction{
		TxID:          result.TxID,
		Confirmations: result.Confirmations,
		Time:          time.Unix(result.Time, 0),
	}
	if inv == nil {
		tx.Amount = decimal.NewFromFloat(result.Amount).Round(p.cfg.Currency.Decimals())
		return tx, nil
	}

	amount := decimal.Zero
	for _, detail := range result.Details {
		if detail.Category != "receive" || detail.Address != inv.ReceiveAddress {
			continue
		}
		amount = amount.Add(decimal.NewFromFloat(detail.Amount))
	}
	tx.Amount = amount.Round(p.cfg.Currency.Decimals())
	return tx, nil
}

// SendFunds envía fondos con la comisión descontada del monto. Solo lo usa
// la herramienta manual de reembolsos.
func (p *Provider) SendFunds(ctx context.Context, recipient string, amount decimal.Decimal, memo string) (string, error) {
	addr, err := btcutil.DecodeAddress(recipient, p.params)
	if err != nil {
		return "", fmt.Errorf("dirección destino %q inválida: %w", recipient, err)
	}
	coins, err := btcutil.NewAmount(amount.InexactFloat64())
	if err != nil {
		return "", fmt.Errorf("monto %s inválido: %w", amount, err)
	}
	hash, err := p.client.SendToAddressComment(addr, coins, memo, "")
	if err != nil {
		return "", fmt.Errorf("sendtoaddress: %w: %w", domain.ErrProviderCall, err)
	}
	return hash.String(), nil
}

// ValidateExistingInvoice revisa el historial del wallet para la dirección de
// la factura. El feed push solo ve lo difundido después de conectarse; esto
// cubre la ventana entre reinicios.
func (p *Provider) ValidateExistingInvoice(ctx context.Context, inv *entity.Invoice) ([]string, error) {
	if inv.ReceiveAddress == "" {
		return nil, nil
	}
	addr, err := btcutil.DecodeAddress(inv.ReceiveAddress, p.params)
	if err != nil {
		return nil, fmt.Errorf("dirección de cobro %q inválida: %w", inv.ReceiveAddress, err)
	}
	unspent, err := p.client.ListUnspentMinMaxAddresses(0, 9999999, []btcutil.Address{addr})
	if err != nil {
		return nil, fmt.Errorf("listunspent: %w: %w", domain.ErrProviderCall, err)
	}
	refs := make([]string, 0, len(unspent))
	seen := make(map[string]struct{}, len(unspent))
	for _, u := range unspent {
		if _, dup := seen[u.TxID]; dup {
			continue
		}
		seen[u.TxID] = struct{}{}
		refs = append(refs, u.TxID)
	}
	return refs, nil
}

// IsTestnet indica si el proveedor corre contra una red de prueba.
func (p *Provider) IsTestnet() bool {
	return p.cfg.Testnet
}

// IsTestnetAddress clasifica una dirección; nunca falla. Una dirección que no
// decodifica no es de testnet.
func (p *Provider) IsTestnetAddress(address string) bool {
	testnet := netParams(p.cfg.Currency, true)
	addr, err := btcutil.DecodeAddress(address, testnet)
	if err != nil {
		return false
	}
	return addr.IsForNet(testnet)
}

// isUnknownTx distingue "el wallet no conoce esta transacción todavía" de un
// fallo real de RPC.
func isUnknownTx(err error) bool {
	var rpcErr *btcjson.RPCError
	if errors.As(err, &rpcErr) {
		return rpcErr.Code == btcjson.ErrRPCNoTxInfo || rpcErr.Code == btcjson.ErrRPCInvalidAddressOrKey
	}
	return false
}
