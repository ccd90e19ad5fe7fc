package main

import (
	"context"
	"fmt"
	"net/http"
	"net/http/pprof"

	"github.com/labstack/echo-contrib/prometheus"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"github.com/tonkeeper/agent-relay/internal"
	"github.com/tonkeeper/agent-relay/internal/app"
	"github.com/tonkeeper/agent-relay/internal/auth"
	"github.com/tonkeeper/agent-relay/internal/config"
	"github.com/tonkeeper/agent-relay/internal/handler"
	relay_middleware "github.com/tonkeeper/agent-relay/internal/middleware"
	"github.com/tonkeeper/agent-relay/internal/relay"
	"github.com/tonkeeper/agent-relay/internal/utils"
	"golang.org/x/exp/slices"
	"golang.org/x/time/rate"
)

const invocationsPath = "/invocations"

func main() {
	log.Info(fmt.Sprintf("Agent relay %s is running", internal.RelayVersionRevision))
	config.LoadConfig()
	app.InitMetrics()
	app.SetRuntimeInfo(config.Config.AgentRuntimeARN, config.Config.AgentRuntimeQualifier)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	verifier, err := auth.NewJWKSVerifier(auth.JWKSConfig{
		Issuer:          config.Config.IDTokenIssuer,
		Audience:        config.Config.IDTokenAudience,
		JWKSURL:         config.Config.IDTokenJWKSURL,
		TokenUse:        config.Config.IDTokenUse,
		Leeway:          config.Config.IDTokenLeeway,
		RefreshInterval: config.Config.JWKSRefreshInterval,
		RetryInterval:   config.Config.JWKSRetryInterval,
	})
	if err != nil {
		log.Fatalf("failed to create identity token verifier: %v", err)
	}
	verifier.Start(ctx)

	relayClient, err := relay.NewClient(relay.Options{
		BaseURL:    config.Config.AgentCoreBaseURL,
		RuntimeARN: config.Config.AgentRuntimeARN,
		Qualifier:  config.Config.AgentRuntimeQualifier,
	})
	if err != nil {
		log.Fatalf("failed to create relay client: %v", err)
	}
	log.WithField("endpoint", relayClient.Endpoint()).Info("relaying invocations")

	authenticator := auth.NewAuthenticator(verifier, config.Config.AccessTokenHeader)

	extractor, err := utils.NewRealIPExtractor(config.Config.TrustedProxyRanges)
	if err != nil {
		log.Warnf("failed to create realIPExtractor: %v, using defaults", err)
		extractor, _ = utils.NewRealIPExtractor([]string{})
	}

	checkers := []app.HealthChecker{verifier}
	var rateStore middleware.RateLimiterStore
	if config.Config.ValkeyURI != "" {
		valkeyStore, err := relay_middleware.NewValkeyRateLimiterStore(config.Config.ValkeyURI, config.Config.RPSLimit)
		if err != nil {
			log.Fatalf("failed to create valkey rate limiter: %v", err)
		}
		defer func() {
			if err := valkeyStore.Close(); err != nil {
				log.Errorf("failed to close valkey client: %v", err)
			}
		}()
		log.Info("Using Valkey rate limiter store")
		checkers = append(checkers, valkeyStore)
		rateStore = valkeyStore
	} else {
		log.Info("Using in-memory rate limiter store")
		rateStore = middleware.NewRateLimiterMemoryStore(rate.Limit(config.Config.RPSLimit))
	}

	healthManager := app.NewHealthManager(checkers...)
	go healthManager.StartHealthMonitoring(ctx)

	mux := http.NewServeMux()
	mux.Handle("/health", http.HandlerFunc(healthManager.HealthHandler))
	mux.Handle("/ready", http.HandlerFunc(healthManager.HealthHandler))
	mux.Handle("/version", http.HandlerFunc(app.VersionHandler))
	mux.Handle("/metrics", promhttp.Handler())
	if config.Config.PprofEnabled {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
	}
	go func() {
		log.Fatal(http.ListenAndServe(fmt.Sprintf(":%d", config.Config.MetricsPort), mux))
	}()

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.RecoverWithConfig(middleware.RecoverConfig{
		Skipper:           nil,
		DisableStackAll:   true,
		DisablePrintStack: false,
	}))
	e.Use(app.LogrusLoggerMiddleware())
	e.Use(middleware.RateLimiterWithConfig(middleware.RateLimiterConfig{
		Skipper: func(c echo.Context) bool {
			return c.Path() != invocationsPath
		},
		Store: rateStore,
		IdentifierExtractor: func(c echo.Context) (string, error) {
			return extractor.Extract(c.Request()), nil
		},
	}))
	e.Use(app.ConnectionsLimitMiddleware(relay_middleware.NewConnectionLimiter(config.Config.ConnectionsLimit, extractor), func(c echo.Context) bool {
		return c.Path() != invocationsPath
	}))

	if config.Config.CorsEnable {
		corsConfig := middleware.CORSWithConfig(middleware.CORSConfig{
			AllowOrigins:  []string{"*"},
			AllowMethods:  []string{echo.POST, echo.OPTIONS},
			AllowHeaders:  []string{"Authorization", "Content-Type", authenticator.AccessTokenHeader(), echo.HeaderXRequestID},
			ExposeHeaders: []string{echo.HeaderXRequestID},
			MaxAge:        86400,
		})
		e.Use(corsConfig)
	}

	h := handler.NewHandler(authenticator, relayClient, config.Config.MaxBodySize, config.Config.UpstreamTimeout, config.Config.HeartbeatInterval)
	e.POST(invocationsPath, h.InvocationHandler)

	var existedPaths []string
	for _, r := range e.Routes() {
		existedPaths = append(existedPaths, r.Path)
	}
	p := prometheus.NewPrometheus("http", func(c echo.Context) bool {
		return !slices.Contains(existedPaths, c.Path())
	})
	e.Use(p.HandlerFunc)

	if config.Config.SelfSignedTLS {
		cert, key, err := utils.GenerateSelfSignedCertificate(nil)
		if err != nil {
			log.Fatalf("failed to generate self signed certificate: %v", err)
		}
		log.Fatal(e.StartTLS(fmt.Sprintf(":%v", config.Config.Port), cert, key))
	} else {
		log.Fatal(e.Start(fmt.Sprintf(":%v", config.Config.Port)))
	}
}
