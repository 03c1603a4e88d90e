// Package server exposes the financial engine over HTTP for interactive
// forms, corrective scripts, and manual job triggers.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/fleetgrid/fincore/internal/config"
	invoiceservice "github.com/fleetgrid/fincore/internal/invoice/service"
	"github.com/fleetgrid/fincore/internal/latefine"
	paymentservice "github.com/fleetgrid/fincore/internal/payment/service"
	"github.com/fleetgrid/fincore/internal/reconcile"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("http.server",
	fx.Provide(NewEngine),
	fx.Invoke(NewServer),
	fx.Invoke(run),
)

func NewEngine() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func run(lc fx.Lifecycle, cfg config.Config, r *gin.Engine) {
	srv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: r,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					panic(err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}

type Server struct {
	engine       *gin.Engine
	cfg          config.Config
	db           *gorm.DB
	log          *zap.Logger
	paymentSvc   *paymentservice.Service
	invoiceSvc   *invoiceservice.Service
	reconcileSvc *reconcile.Service
	lateFineSvc  *latefine.Service
}

type ServerParams struct {
	fx.In

	Gin          *gin.Engine
	Cfg          config.Config
	DB           *gorm.DB
	Log          *zap.Logger
	PaymentSvc   *paymentservice.Service
	InvoiceSvc   *invoiceservice.Service
	ReconcileSvc *reconcile.Service
	LateFineSvc  *latefine.Service
}

func NewServer(p ServerParams) *Server {
	svc := &Server{
		engine:       p.Gin,
		cfg:          p.Cfg,
		db:           p.DB,
		log:          p.Log.Named("server"),
		paymentSvc:   p.PaymentSvc,
		invoiceSvc:   p.InvoiceSvc,
		reconcileSvc: p.ReconcileSvc,
		lateFineSvc:  p.LateFineSvc,
	}

	svc.registerAPIRoutes()
	return svc
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) registerAPIRoutes() {
	api := s.engine.Group("/api")

	// -------- Payments --------
	api.POST("/payments", s.CreatePayment)
	api.GET("/payments/:id", s.GetPayment)
	api.POST("/payments/:id/transitions", s.TransitionPayment)
	api.POST("/payments/:id/process", s.MarkPaymentProcessing)
	api.POST("/payments/:id/complete", s.CompletePayment)
	api.POST("/payments/:id/fail", s.FailPayment)
	api.POST("/payments/:id/retry", s.RetryPayment)
	api.POST("/payments/:id/cancel", s.CancelPayment)
	api.POST("/payments/:id/cancel-completed", s.CancelCompletedPayment)

	// -------- Contracts --------
	api.GET("/contracts/:id", s.GetContract)

	// -------- Invoices --------
	api.POST("/contracts/:id/invoices", s.EnsureMonthlyInvoice)
	api.GET("/contracts/:id/invoices", s.ListContractInvoices)
	api.GET("/invoices/:id", s.GetInvoice)
	api.POST("/invoices/:id/issue", s.IssueInvoice)
	api.POST("/invoices/:id/void", s.VoidDuplicateInvoice)

	// -------- Batch jobs --------
	api.POST("/contracts/:id/reconcile", s.ReconcileContract)
	api.POST("/companies/:id/reconcile", s.ReconcileCompany)
	api.POST("/companies/:id/fines", s.CalculateCompanyFines)
}
