package notify

import (
	"sync"

	"github.com/tu-usuario/cryptopay/pkg/logger"
)

// Nombres de evento del contrato push hacia los clientes.
const (
	EventStatus             = "status"
	EventConfirmationUpdate = "confirmationUpdate"
)

// Event evento entregado a los suscriptores de un selector.
type Event struct {
	Name    string      `json:"event"`
	Payload interface{} `json:"payload"`
}

// subscriberBuffer tamaño del buffer por suscriptor. Un suscriptor que no
// drena a tiempo pierde eventos (se registra), nunca bloquea al publicador.
const subscriberBuffer = 16

// Subscription conexión viva de un cliente interesada en un selector.
// C se cierra al cancelar; Cancel es idempotente.
type Subscription struct {
	C      <-chan Event
	ch     chan Event
	cancel func()
	once   sync.Once

	// mu serializa el envío con el cierre del canal: Publish corre en las
	// goroutines del motor y Cancel en la del cliente al desconectar.
	mu     sync.Mutex
	closed bool
}

// Cancel retira la suscripción y cierra el canal.
func (s *Subscription) Cancel() {
	s.once.Do(s.cancel)
}

// send intenta entregar sin bloquear. delivered indica si el evento entró
// al buffer; alive es false cuando la suscripción ya fue cancelada y el
// evento se descarta en silencio.
func (s *Subscription) send(ev Event) (delivered, alive bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, false
	}
	select {
	case s.ch <- ev:
		return true, true
	default:
		return false, true
	}
}

// Fanout entrega eventos de cambio de estado a las conexiones suscritas por
// selector. Publicar hacia cero suscriptores no es un error: nadie está
// mirando esa factura en este momento.
type Fanout struct {
	log *logger.Logger

	mu    sync.RWMutex
	rooms map[string]map[*Subscription]struct{}
}

// NewFanout construye el fan-out.
func NewFanout(log *logger.Logger) *Fanout {
	return &Fanout{
		log:   log,
		rooms: make(map[string]map[*Subscription]struct{}),
	}
}

// Subscribe registra una conexión bajo el selector de una factura. Soporta
// muchos suscriptores simultáneos por selector; el llamador debe invocar
// Cancel al desconectar.
func (f *Fanout) Subscribe(selector string) *Subscription {
	ch := make(chan Event, subscriberBuffer)
	sub := &Subscription{C: ch, ch: ch}
	sub.cancel = func() {
		f.mu.Lock()
		if room, ok := f.rooms[selector]; ok {
			delete(room, sub)
			if len(room) == 0 {
				delete(f.rooms, selector)
			}
		}
		f.mu.Unlock()

		sub.mu.Lock()
		sub.closed = true
		close(ch)
		sub.mu.Unlock()
	}

	f.mu.Lock()
	room, ok := f.rooms[selector]
	if !ok {
		room = make(map[*Subscription]struct{})
		f.rooms[selector] = room
	}
	room[sub] = struct{}{}
	f.mu.Unlock()

	f.log.Debug().Str("selector", selector).Msg("cliente suscrito")
	return sub
}

// Publish entrega el evento a todas las conexiones suscritas al selector.
func (f *Fanout) Publish(selector, event string, payload interface{}) {
	f.mu.RLock()
	subs := make([]*Subscription, 0, len(f.rooms[selector]))
	for sub := range f.rooms[selector] {
		subs = append(subs, sub)
	}
	f.mu.RUnlock()

	for _, sub := range subs {
		delivered, alive := sub.send(Event{Name: event, Payload: payload})
		if alive && !delivered {
			f.log.Warn().
				Str("selector", selector).
				Str("event", event).
				Msg("suscriptor saturado, evento descartado")
		}
	}
	f.log.Debug().
		Str("selector", selector).
		Str("event", event).
		Int("subscribers", len(subs)).
		Msg("evento publicado")
}

// Subscribers cantidad de conexiones vivas para un selector.
func (f *Fanout) Subscribers(selector string) int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.rooms[selector])
}
