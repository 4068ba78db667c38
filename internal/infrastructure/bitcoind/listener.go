package bitcoind

import (
	"bytes"
	"context"
	"errors"
	"net"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightninglabs/gozmq"
	"github.com/shopspring/decimal"

	"github.com/tu-usuario/cryptopay/internal/domain/provider"
)

// rawTxZMQCommand tópico rawtx del publisher ZMQ del nodo.
const rawTxZMQCommand = "rawtx"

// zmqReconnectDelay espera antes de rearmar la suscripción tras un error que
// no sea un timeout de lectura.
const zmqReconnectDelay = 5 * time.Second

// zmqConn lo que el read loop necesita del socket; *gozmq.Conn lo cumple.
type zmqConn interface {
	Receive([][]byte) ([][]byte, error)
	Close() error
}

// Listen abre la suscripción ZMQ rawtx del nodo y publica un aviso por cada
// transacción difundida, con sus salidas resueltas a direcciones. El canal se
// cierra cuando ctx termina o cuando el proveedor se apaga con Close. Errores
// transitorios reconectan; un mensaje malformado se descarta con log y la
// suscripción sigue.
func (p *Provider) Listen(ctx context.Context) (<-chan provider.TxNotice, error) {
	conn, err := gozmq.Subscribe(p.cfg.ZMQTxHost, []string{rawTxZMQCommand}, p.cfg.ZMQReadDeadline)
	if err != nil {
		return nil, err
	}
	return p.listen(ctx, conn), nil
}

// listen arma el contexto propio del listener, para que Close pueda apagarlo
// sin tocar el contexto del motor, y arranca el read loop.
func (p *Provider) listen(ctx context.Context, conn zmqConn) <-chan provider.TxNotice {
	ctx, cancel := context.WithCancel(ctx)
	p.mu.Lock()
	if p.stopListen != nil {
		p.stopListen()
	}
	p.stopListen = cancel
	p.mu.Unlock()

	out := make(chan provider.TxNotice)
	go p.readLoop(ctx, conn, out)
	return out
}

func (p *Provider) readLoop(ctx context.Context, conn zmqConn, out chan<- provider.TxNotice) {
	defer close(out)
	defer func() { _ = conn.Close() }()

	for {
		if ctx.Err() != nil {
			return
		}

		msg, err := conn.Receive(nil)
		if err != nil {
			// El deadline de lectura vence seguido por diseño del socket;
			// solo sirve para volver a chequear ctx.
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			if ctx.Err() != nil {
				return
			}
			p.log.Error().
				Err(err).
				Str("currency", string(p.cfg.Currency)).
				Msg("lectura ZMQ falló, reconectando")

			_ = conn.Close()
			select {
			case <-ctx.Done():
				return
			case <-time.After(zmqReconnectDelay):
			}
			fresh, err := gozmq.Subscribe(p.cfg.ZMQTxHost, []string{rawTxZMQCommand}, p.cfg.ZMQReadDeadline)
			if err != nil {
				p.log.Error().Err(err).Msg("re-suscripción ZMQ falló, se reintenta")
				continue
			}
			conn = fresh
			continue
		}

		// Frames: tópico, payload, secuencia.
		if len(msg) < 2 || string(msg[0]) != rawTxZMQCommand {
			continue
		}
		notice, ok := p.decodeRawTx(msg[1])
		if !ok {
			continue
		}

		select {
		case out <- notice:
		case <-ctx.Done():
			return
		}
	}
}

// decodeRawTx deserializa una transacción cruda y mapea cada salida a su
// dirección con el monto recibido.
func (p *Provider) decodeRawTx(raw []byte) (provider.TxNotice, bool) {
	tx := &wire.MsgTx{}
	if err := tx.Deserialize(bytes.NewReader(raw)); err != nil {
		p.log.Warn().
			Err(err).
			Str("currency", string(p.cfg.Currency)).
			Msg("transacción cruda malformada, se descarta")
		return provider.TxNotice{}, false
	}

	outputs := make(map[string]decimal.Decimal, len(tx.TxOut))
	for _, txOut := range tx.TxOut {
		// Algunas salidas (OP_RETURN, scripts raros) no resuelven a una
		// dirección; se saltean.
		_, addrs, _, err := txscript.ExtractPkScriptAddrs(txOut.PkScript, p.params)
		if err != nil || len(addrs) == 0 {
			continue
		}
		value := decimal.NewFromFloat(btcutil.Amount(txOut.Value).ToBTC()).Round(p.cfg.Currency.Decimals())
		for _, addr := range addrs {
			encoded := addr.EncodeAddress()
			outputs[encoded] = outputs[encoded].Add(value)
		}
	}

	return provider.TxNotice{
		TxID:    tx.TxHash().String(),
		Outputs: outputs,
	}, true
}
