package api

import (
	"fmt"
	"net/http"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"gopkg.in/go-playground/validator.v8"

	"github.com/satsbank/satsbank/api/apierr"
	"github.com/satsbank/satsbank/api/validation"
	"github.com/satsbank/satsbank/audit"
	"github.com/satsbank/satsbank/build"
	"github.com/satsbank/satsbank/build/satlog"
	"github.com/satsbank/satsbank/db"
	"github.com/satsbank/satsbank/ln"
	"github.com/satsbank/satsbank/payments"
	"github.com/satsbank/satsbank/transfer"
)

var log = build.AddSubLogger("HTTP")

// Config is the configuration for our API
type Config struct {
	// LogLevel specifies which level our application is going to log to
	LogLevel logrus.Level
	// The Bitcoin blockchain network we're on
	Network *chaincfg.Params
	// AdminToken guards the admin routes. Empty disables them.
	AdminToken string
	// AllowedOrigins is the CORS allowlist
	AllowedOrigins []string
	// LinkedWallet pays linked route withdrawals. Nil disables that route.
	LinkedWallet ln.InvoicePayer
}

// RestServer is the rest server for our app. It includes a Router, a db
// connection and a client towards the Lightning gateway.
type RestServer struct {
	Router       *gin.Engine
	db           *db.DB
	lncli        ln.Client
	orchestrator *transfer.Orchestrator
	auditor      *audit.Engine
	clock        payments.Clock
	config       Config
}

func getCorsConfig(allowedOrigins []string) cors.Config {
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"http://127.0.0.1:3000"}
	}
	return cors.Config{
		AllowOrigins: allowedOrigins,
		AllowMethods: []string{
			http.MethodPut, http.MethodGet,
			http.MethodPost, http.MethodPatch,
			http.MethodDelete,
		},
		AllowHeaders: []string{
			"Accept", "Access-Control-Allow-Origin", "Content-Type", "Referer",
			"Authorization"},
	}
}

// getGinEngine creates a new Gin engine, and applies middlewares used by
// our API. This includes recovering from panics, logging with Logrus and
// applying CORS configuration.
func getGinEngine(config Config) *gin.Engine {
	engine := gin.New()

	log.Debug("Applying gin.Recovery middleware")
	engine.Use(gin.Recovery())

	log.Debug("Applying Gin logging middleware")
	engine.Use(satlog.GinLoggingMiddleWare(log))

	log.Debug("Applying CORS middleware")
	engine.Use(cors.New(getCorsConfig(config.AllowedOrigins)))

	log.Debug("Applying error handler middleware")
	engine.Use(apierr.GetMiddleware(log))
	return engine
}

// NewApp creates a new app
func NewApp(database *db.DB, lncli ln.Client, auditor *audit.Engine,
	config Config) (RestServer, error) {
	build.SetLogLevels(config.LogLevel)

	if config.Network == nil {
		return RestServer{}, errors.New("config.Network is not set")
	}

	g := getGinEngine(config)

	engine, ok := binding.Validator.Engine().(*validator.Validate)
	if !ok {
		return RestServer{}, fmt.Errorf(
			"gin validator engine (%s) was not validator.Validate",
			binding.Validator.Engine(),
		)
	}
	validators := validation.RegisterAllValidators(engine, config.Network)
	log.Infof("Registered custom validators: %s", validators)

	log.Info("Checking gateway connection")
	if err := lncli.Ping(); err != nil {
		return RestServer{}, errors.Wrap(err, "could not reach Lightning gateway")
	}

	orchestrator := transfer.NewOrchestrator(database, lncli, config.Network)
	if config.LinkedWallet != nil {
		orchestrator.UseLinkedWallet(config.LinkedWallet)
	}

	r := RestServer{
		Router:       g,
		db:           database,
		lncli:        lncli,
		orchestrator: orchestrator,
		auditor:      auditor,
		clock:        payments.SystemClock(),
		config:       config,
	}

	// Ping handler
	r.Router.GET("/ping", func(c *gin.Context) {
		c.String(200, "pong")
	})
	r.Router.GET("/health", r.health())

	r.Router.NoRoute(func(c *gin.Context) {
		apierr.Public(c, http.StatusNotFound, apierr.ErrRouteNotFound)
	})

	r.registerAccountRoutes()
	r.registerPaymentRoutes()
	r.registerAdminRoutes()

	return r, nil
}

// registerAccountRoutes registers all account routes on the router
func (r *RestServer) registerAccountRoutes() {
	r.Router.POST("/accounts", r.createAccount())
	r.Router.GET("/accounts/:id", r.getAccount())
	r.Router.GET("/accounts/:id/transactions", r.getAccountTransactions())
}

// registerPaymentRoutes registers the routes that move money
func (r *RestServer) registerPaymentRoutes() {
	r.Router.POST("/invoices", r.createInvoice())
	r.Router.GET("/payments/:hash", r.getPaymentByHash())
	r.Router.POST("/withdraw", r.withdraw())
	r.Router.POST("/transfer", r.internalTransfer())
}

// registerAdminRoutes registers the operator routes, guarded by a shared
// token
func (r *RestServer) registerAdminRoutes() {
	if r.config.AdminToken == "" {
		log.Warn("No admin token configured, admin routes disabled")
		return
	}

	admin := r.Router.Group("/admin")
	admin.Use(adminTokenMiddleware(r.config.AdminToken))
	admin.POST("/daily-summary", r.runDailySummary())
	admin.GET("/info", r.getInfo())
}
