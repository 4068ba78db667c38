package dto

// ErrorResponse respuesta de error estructurada del API. Code distingue
// "entrada inválida" de "conflicto" de "temporalmente no disponible" para que
// la integración del comercio decida si reintentar.
type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
