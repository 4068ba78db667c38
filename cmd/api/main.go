package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/shopspring/decimal"

	"github.com/tu-usuario/cryptopay/internal/application/notify"
	"github.com/tu-usuario/cryptopay/internal/application/payment"
	"github.com/tu-usuario/cryptopay/internal/application/usecase"
	"github.com/tu-usuario/cryptopay/internal/domain/entity"
	"github.com/tu-usuario/cryptopay/internal/infrastructure/bitcoind"
	"github.com/tu-usuario/cryptopay/internal/infrastructure/postgres"
	"github.com/tu-usuario/cryptopay/internal/infrastructure/rates"
	httpRouter "github.com/tu-usuario/cryptopay/internal/interfaces/http"
	"github.com/tu-usuario/cryptopay/pkg/config"
	"github.com/tu-usuario/cryptopay/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic("cargar configuración: " + err.Error())
	}

	log := logger.New(logger.Config{
		Env:   cfg.App.Env,
		Level: "info",
	})
	log.Info().
		Str("env", cfg.App.Env).
		Str("app", cfg.App.Name).
		Msg("iniciando aplicación")

	ctx := context.Background()

	if err := postgres.RunMigrations(cfg.DB.ConnectionString()); err != nil {
		log.Fatal().Err(err).Msg("migraciones")
	}
	pool, err := postgres.NewPool(ctx, cfg.DB)
	if err != nil {
		log.Fatal().Err(err).Msg("conexión a PostgreSQL")
	}
	defer pool.Close()

	invoiceRepo := postgres.NewInvoiceRepository(pool)

	// Registro de backends: uno por nodo habilitado en CHAINS. Un nodo que no
	// levanta no tumba el servicio, solo deja su moneda fuera de oferta.
	registry := payment.NewRegistry(log)
	for _, chain := range cfg.Chains {
		p := bitcoind.New(bitcoind.Config{
			Currency:        entity.CryptoCurrency(chain.Currency),
			Testnet:         strings.EqualFold(chain.Network, "testnet"),
			RPCHost:         chain.RPCHost,
			RPCUser:         chain.RPCUser,
			RPCPass:         chain.RPCPass,
			ZMQTxHost:       chain.ZMQTxHost,
			ZMQReadDeadline: chain.ZMQReadDeadline,
		}, log)
		if err := registry.Register(ctx, p); err != nil {
			log.Error().Err(err).Str("currency", chain.Currency).Msg("backend no disponible, se omite")
		}
	}
	defer registry.Shutdown()

	fanout := notify.NewFanout(log)
	webhook := notify.NewWebhook(log)

	engine := payment.NewEngine(engineConfig(cfg.Payment), invoiceRepo, registry, fanout, webhook, log)
	engine.Start(ctx)
	defer engine.Stop()

	rateSource := rates.NewCoinGecko(cfg.Rates.BaseURL, cfg.Rates.Timeout, log)
	invoiceUC := usecase.NewInvoiceUseCase(invoiceRepo, registry, engine, rateSource, cfg.Payment.DefaultDueBy)

	app := fiber.New(fiber.Config{
		AppName:     cfg.App.Name,
		ReadTimeout: time.Second * 10,
		IdleTimeout: time.Second * 60,
	})
	app.Use(recover.New())

	httpRouter.Router(app, httpRouter.RouterDeps{
		InvoiceUC: invoiceUC,
		Repo:      invoiceRepo,
		Fanout:    fanout,
		Log:       log,
		JWTSecret: cfg.JWT.Secret,
	})

	go func() {
		if err := app.Listen(cfg.HTTP.Addr()); err != nil {
			log.Error().Err(err).Msg("servidor HTTP finalizado")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("señal de apagado recibida, cerrando servidor...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := app.ShutdownWithContext(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("apagado del servidor")
	}

	log.Info().Msg("aplicación detenida")
}

// engineConfig traduce la configuración por env del motor a sus tipos. Un
// margen que no parsea se descarta y queda el default.
func engineConfig(p config.PaymentConfig) payment.Config {
	margins := make(map[entity.CryptoCurrency]decimal.Decimal, len(p.Margin))
	for cur, raw := range p.Margin {
		m, err := decimal.NewFromString(raw)
		if err != nil || m.IsNegative() {
			continue
		}
		margins[entity.CryptoCurrency(strings.ToUpper(cur))] = m
	}
	thresholds := make(map[entity.CryptoCurrency]int64, len(p.TrustThreshold))
	for cur, t := range p.TrustThreshold {
		thresholds[entity.CryptoCurrency(strings.ToUpper(cur))] = int64(t)
	}
	return payment.Config{
		Margins:         margins,
		TrustThresholds: thresholds,
		ExpireInterval:  p.ExpireInterval,
		ConfirmInterval: p.ConfirmInterval,
		SweepLimit:      p.SweepLimit,
	}
}
