package notify_test

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tu-usuario/cryptopay/internal/application/notify"
	"github.com/tu-usuario/cryptopay/pkg/logger"
)

func TestFanout_EntregaPorSelector(t *testing.T) {
	f := notify.NewFanout(logger.Nop())
	subA := f.Subscribe("factura-a")
	defer subA.Cancel()
	subB := f.Subscribe("factura-b")
	defer subB.Cancel()

	f.Publish("factura-a", notify.EventStatus, "PENDING")

	select {
	case ev := <-subA.C:
		assert.Equal(t, notify.EventStatus, ev.Name)
		assert.Equal(t, "PENDING", ev.Payload)
	case <-time.After(time.Second):
		t.Fatal("el suscriptor del selector no recibió el evento")
	}

	select {
	case ev := <-subB.C:
		t.Fatalf("el suscriptor de otro selector no debe recibir nada, llegó %v", ev)
	default:
	}
}

func TestFanout_VariosSuscriptoresMismoSelector(t *testing.T) {
	f := notify.NewFanout(logger.Nop())
	sub1 := f.Subscribe("factura")
	defer sub1.Cancel()
	sub2 := f.Subscribe("factura")
	defer sub2.Cancel()

	require.Equal(t, 2, f.Subscribers("factura"))
	f.Publish("factura", notify.EventConfirmationUpdate, map[string]int64{"count": 2})

	for _, sub := range []*notify.Subscription{sub1, sub2} {
		select {
		case ev := <-sub.C:
			assert.Equal(t, notify.EventConfirmationUpdate, ev.Name)
		case <-time.After(time.Second):
			t.Fatal("todos los suscriptores del selector deben recibir el evento")
		}
	}
}

// TestFanout_PublicarSinSuscriptores nadie mira la factura: publicar no es un
// error y no bloquea.
func TestFanout_PublicarSinSuscriptores(t *testing.T) {
	f := notify.NewFanout(logger.Nop())
	f.Publish("nadie", notify.EventStatus, "DONE")
	assert.Equal(t, 0, f.Subscribers("nadie"))
}

// TestFanout_SuscriptorSaturadoNoBloquea un cliente que no drena pierde
// eventos pero el publicador nunca se frena.
func TestFanout_SuscriptorSaturadoNoBloquea(t *testing.T) {
	f := notify.NewFanout(logger.Nop())
	sub := f.Subscribe("factura")
	defer sub.Cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 100; i++ {
			f.Publish("factura", notify.EventStatus, "PARTIALLY")
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish no debe bloquear con un suscriptor saturado")
	}
}

// TestFanout_PublicarYCancelarConcurrentes clientes desconectándose mientras
// el motor publica: ningún envío debe caer en un canal ya cerrado.
func TestFanout_PublicarYCancelarConcurrentes(t *testing.T) {
	f := notify.NewFanout(logger.Nop())

	const rondas = 200
	for i := 0; i < rondas; i++ {
		subs := make([]*notify.Subscription, 8)
		for j := range subs {
			subs[j] = f.Subscribe("factura")
		}

		var wg sync.WaitGroup
		for p := 0; p < 4; p++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for k := 0; k < 10; k++ {
					f.Publish("factura", notify.EventStatus, "UNCONFIRMED")
				}
			}()
		}
		for _, sub := range subs {
			wg.Add(1)
			go func(s *notify.Subscription) {
				defer wg.Done()
				s.Cancel()
			}(sub)
		}
		wg.Wait()
	}
	assert.Equal(t, 0, f.Subscribers("factura"))
}

func TestFanout_CancelEsIdempotenteYCierraElCanal(t *testing.T) {
	f := notify.NewFanout(logger.Nop())
	sub := f.Subscribe("factura")

	sub.Cancel()
	sub.Cancel() // segunda vez: no-op

	_, open := <-sub.C
	assert.False(t, open, "el canal debe quedar cerrado tras Cancel")
	assert.Equal(t, 0, f.Subscribers("factura"))
}
