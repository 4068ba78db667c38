package config

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config agrupa la configuración de la aplicación (lectura vía Viper desde env
// y opcionalmente archivo .env).
type Config struct {
	App     AppConfig
	HTTP    HTTPConfig
	DB      DBConfig
	JWT     JWTConfig
	Payment PaymentConfig
	Chains  map[string]ChainConfig
	Rates   RatesConfig
}

// AppConfig configuración general de la aplicación.
type AppConfig struct {
	Env  string // development, staging, production
	Name string
}

// HTTPConfig configuración del servidor HTTP.
type HTTPConfig struct {
	Host string
	Port int
}

// Addr devuelve la dirección de escucha (host:port).
func (c HTTPConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// DBConfig configuración de PostgreSQL. Si DatabaseURL no está vacío se usa
// como connection string completo.
type DBConfig struct {
	DatabaseURL string
	Host        string
	Port        int
	User        string
	Password    string
	DBName      string
	SSLMode     string
}

// ConnectionString devuelve el DSN a usar: DATABASE_URL si está definido,
// si no el construido campo a campo.
func (c DBConfig) ConnectionString() string {
	if c.DatabaseURL != "" {
		return c.DatabaseURL
	}
	return c.DSN()
}

// DSN construye el connection string con URL encoding para caracteres
// especiales en la contraseña.
func (c DBConfig) DSN() string {
	u := &url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.User, c.Password),
		Host:     fmt.Sprintf("%s:%d", c.Host, c.Port),
		Path:     "/" + c.DBName,
		RawQuery: fmt.Sprintf("sslmode=%s", c.SSLMode),
	}
	return u.String()
}

// JWTConfig credenciales del API de comercios.
type JWTConfig struct {
	Secret     string
	Expiration int // minutos
	Issuer     string
}

// PaymentConfig parámetros del motor de conciliación.
//
// Margin y TrustThreshold van por moneda: el margen de aceptación es una
// tolerancia absoluta pequeña bajo el monto cotizado (envíos con comisión
// descontada y redondeos pueden quedar marginalmente cortos), y el umbral de
// confianza es el número de confirmaciones a partir del cual una transacción
// se considera irreversible.
type PaymentConfig struct {
	Margin          map[string]string // moneda -> margen absoluto, ej. "BTC": "0.00000001"
	TrustThreshold  map[string]int    // moneda -> confirmaciones requeridas
	ExpireInterval  time.Duration
	ConfirmInterval time.Duration
	SweepLimit      int // paralelismo acotado de los barridos
	DefaultDueBy    time.Duration
}

// MarginFor margen configurado para la moneda, o el default de 1e-8.
func (c PaymentConfig) MarginFor(currency string) string {
	if m, ok := c.Margin[strings.ToUpper(currency)]; ok {
		return m
	}
	return "0.00000001"
}

// TrustThresholdFor umbral configurado para la moneda, o 3 (">2").
func (c PaymentConfig) TrustThresholdFor(currency string) int {
	if t, ok := c.TrustThreshold[strings.ToUpper(currency)]; ok {
		return t
	}
	return 3
}

// ChainConfig endpoints de un nodo tipo Core (bitcoind, litecoind, dogecoind).
type ChainConfig struct {
	Currency        string // BTC, LTC, DOGE
	Network         string // mainnet, testnet
	RPCHost         string
	RPCUser         string
	RPCPass         string
	ZMQTxHost       string // listener rawtx del nodo
	ZMQReadDeadline time.Duration
}

// RatesConfig cliente de tasas de cambio fiat→cripto.
type RatesConfig struct {
	BaseURL string
	Timeout time.Duration
}

// Load lee la configuración desde variables de entorno (y opcionalmente desde
// archivo .env). Las env vars tienen prioridad.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigName(".env")
	v.SetConfigType("env")
	v.AddConfigPath(".")
	_ = v.ReadInConfig() // ignoramos error si no existe

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	cfg := &Config{
		App: AppConfig{
			Env:  getString(v, "APP_ENV", "development"),
			Name: getString(v, "APP_NAME", "cryptopay"),
		},
		HTTP: HTTPConfig{
			Host: getString(v, "HTTP_HOST", "0.0.0.0"),
			Port: getInt(v, "HTTP_PORT", 2009),
		},
		DB: DBConfig{
			DatabaseURL: getString(v, "DATABASE_URL", ""),
			Host:        getString(v, "DB_HOST", "localhost"),
			Port:        getInt(v, "DB_PORT", 5432),
			User:        getString(v, "DB_USER", "postgres"),
			Password:    getString(v, "DB_PASSWORD", ""),
			DBName:      getString(v, "DB_NAME", "cryptopay"),
			SSLMode:     getString(v, "DB_SSLMODE", "disable"),
		},
		JWT: JWTConfig{
			Secret:     getString(v, "JWT_SECRET", ""),
			Expiration: getInt(v, "JWT_EXPIRATION_MINUTES", 60),
			Issuer:     getString(v, "JWT_ISSUER", "cryptopay"),
		},
		Payment: PaymentConfig{
			Margin:          v.GetStringMapString("PAYMENT_MARGIN"),
			TrustThreshold:  intMap(v.GetStringMapString("PAYMENT_TRUST_THRESHOLD")),
			ExpireInterval:  getDuration(v, "PAYMENT_EXPIRE_INTERVAL", 5*time.Second),
			ConfirmInterval: getDuration(v, "PAYMENT_CONFIRM_INTERVAL", 2*time.Second),
			SweepLimit:      getInt(v, "PAYMENT_SWEEP_LIMIT", 8),
			DefaultDueBy:    getDuration(v, "PAYMENT_DEFAULT_DUEBY", 60*time.Minute),
		},
		Chains: loadChains(v),
		Rates: RatesConfig{
			BaseURL: getString(v, "RATES_BASE_URL", "https://api.coingecko.com/api/v3"),
			Timeout: getDuration(v, "RATES_TIMEOUT", 10*time.Second),
		},
	}

	return cfg, nil
}

// loadChains lee los nodos habilitados desde CHAINS (lista separada por
// comas, ej. "BTC,LTC") y sus endpoints CHAIN_<MONEDA>_*.
func loadChains(v *viper.Viper) map[string]ChainConfig {
	chains := make(map[string]ChainConfig)
	enabled := getString(v, "CHAINS", "")
	if enabled == "" {
		return chains
	}
	for _, raw := range strings.Split(enabled, ",") {
		currency := strings.ToUpper(strings.TrimSpace(raw))
		if currency == "" {
			continue
		}
		prefix := "CHAIN_" + currency + "_"
		chains[currency] = ChainConfig{
			Currency:        currency,
			Network:         getString(v, prefix+"NETWORK", "mainnet"),
			RPCHost:         getString(v, prefix+"RPC_HOST", "127.0.0.1:8332"),
			RPCUser:         getString(v, prefix+"RPC_USER", ""),
			RPCPass:         getString(v, prefix+"RPC_PASS", ""),
			ZMQTxHost:       getString(v, prefix+"ZMQ_TX_HOST", "tcp://127.0.0.1:29000"),
			ZMQReadDeadline: getDuration(v, prefix+"ZMQ_READ_DEADLINE", 5*time.Second),
		}
	}
	return chains
}

func intMap(in map[string]string) map[string]int {
	out := make(map[string]int, len(in))
	for k, raw := range in {
		if n, err := strconv.Atoi(raw); err == nil {
			out[strings.ToUpper(k)] = n
		}
	}
	return out
}

func getString(v *viper.Viper, key, def string) string {
	if v.IsSet(key) {
		return v.GetString(key)
	}
	return def
}

func getInt(v *viper.Viper, key string, def int) int {
	if v.IsSet(key) {
		switch v.Get(key).(type) {
		case string:
			n, _ := strconv.Atoi(v.GetString(key))
			return n
		default:
			return v.GetInt(key)
		}
	}
	return def
}

func getDuration(v *viper.Viper, key string, def time.Duration) time.Duration {
	if v.IsSet(key) {
		return v.GetDuration(key)
	}
	return def
}
