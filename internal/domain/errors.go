package domain

import "errors"

// Errores de dominio (sin dependencias externas). Los handlers los mapean a
// códigos HTTP; los bucles del motor los registran y siguen con el resto
// del conjunto de trabajo.
var (
	ErrNotFound            = errors.New("recurso no encontrado")
	ErrInvalidInput        = errors.New("entrada inválida")
	ErrConflict            = errors.New("conflicto con el estado actual")
	ErrInvalidTransition   = errors.New("transición de estado inválida")
	ErrProviderUnavailable = errors.New("no hay proveedor activo para la moneda")
	ErrProviderCall        = errors.New("fallo en la llamada al proveedor")
	ErrUnauthorized        = errors.New("no autorizado")
)
