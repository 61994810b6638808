package routes

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"

	"nftmarket/core/events"
	"nftmarket/gateway/auth"
	"nftmarket/gateway/middleware"
	"nftmarket/integrations/history"
	"nftmarket/native/market"
)

// LedgerRoot reports the commitment over the persisted ledger.
type LedgerRoot interface {
	Root() (common.Hash, error)
}

type Config struct {
	Engine *market.Engine
	Ledger LedgerRoot
	// Verifier authenticates custody callbacks and approvals. Without it
	// those routes are not mounted.
	Verifier *auth.Verifier
	// Bridges are signing identities allowed to report on settlements of
	// any custody service. Every other signer may only resolve settlements
	// of its own custody address.
	Bridges       []string
	Hub           *events.Hub
	Archive       *history.Archive
	Authenticator *middleware.Authenticator
	RateLimiter   *middleware.RateLimiter
	Observability *middleware.Observability
	Idempotency   *middleware.Idempotency
	Logger        *slog.Logger
}

type api struct {
	engine   *market.Engine
	verifier *auth.Verifier
	bridges  map[string]struct{}
	hub      *events.Hub
	archive  *history.Archive
	ledger   LedgerRoot
	logger   *slog.Logger
}

func New(cfg Config) (http.Handler, error) {
	if cfg.Engine == nil {
		return nil, errors.New("routes: engine required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	a := &api{
		engine:   cfg.Engine,
		verifier: cfg.Verifier,
		bridges:  make(map[string]struct{}, len(cfg.Bridges)),
		hub:      cfg.Hub,
		archive:  cfg.Archive,
		ledger:   cfg.Ledger,
		logger:   logger,
	}

	for _, bridge := range cfg.Bridges {
		if bridge = normalizeID(bridge); bridge != "" {
			a.bridges[bridge] = struct{}{}
		}
	}

	r := chi.NewRouter()
	obs := cfg.Observability
	if obs != nil {
		r.Use(obs.Middleware)
	}
	r.Get("/healthz", a.health)
	if obs != nil {
		r.Handle("/metrics", obs.MetricsHandler())
	}

	r.Route("/v1", func(v1 chi.Router) {
		if a.verifier != nil {
			v1.Group(func(c chi.Router) {
				if cfg.RateLimiter != nil {
					c.Use(cfg.RateLimiter.Middleware)
				}
				c.Post("/settlements/{settlementID}/result", a.settlementResult)
				c.Post("/approvals", a.approve)
			})
		}

		v1.Group(func(u chi.Router) {
			if cfg.Authenticator != nil {
				u.Use(cfg.Authenticator.Middleware)
			}
			if cfg.RateLimiter != nil {
				u.Use(cfg.RateLimiter.Middleware)
			}
			if cfg.Idempotency != nil {
				u.Use(cfg.Idempotency.Middleware)
			}

			u.Get("/listings", a.pageListings)
			u.Post("/listings", a.createListing)
			u.Route("/listings/{uid}", func(l chi.Router) {
				l.Get("/", a.getListing)
				l.Delete("/", a.delist)
				l.Get("/price", a.getPrice)
				l.Put("/price", a.updatePrice)
				l.Post("/buy", a.buy)
				l.Get("/offers", a.listOffers)
				l.Post("/offers", a.placeOffer)
				l.Post("/offers/{offerID}/accept", a.acceptOffer)
			})
			u.Get("/offers/{offerID}", a.getOffer)
			u.Delete("/offers/{offerID}", a.withdrawOffer)
			u.Get("/owners/{account}/listings", a.ownerListings)
			u.Get("/bidders/{account}/offers", a.bidderOffers)

			u.Post("/balances/withdraw", a.withdraw)
			u.Get("/balances/{account}", a.balance)
			u.Post("/balances/{account}/deposit", a.deposit)

			u.Get("/settlements/{settlementID}", a.getSettlement)

			u.Get("/sales", a.sales)
			u.Get("/sales/export.csv", a.exportCSV)
			u.Get("/sales/export.jsonl", a.exportJSONL)
			u.Get("/sales/export.parquet", a.exportParquet)

			u.Get("/events/ws", a.stream)

			u.Route("/admin", func(ad chi.Router) {
				ad.Get("/stats", a.stats)
				ad.Get("/root", a.ledgerRoot)
				ad.Get("/settlements", a.listSettlements)
				ad.Post("/settlements/{settlementID}/reclaim", a.reclaim)
				ad.Delete("/listings/{uid}", a.forceRemove)
				ad.Get("/whitelist", a.whitelist)
				ad.Put("/whitelist/{account}", a.addToWhitelist)
				ad.Delete("/whitelist/{account}", a.removeFromWhitelist)
			})
		})
	})

	return r, nil
}

func (a *api) health(w http.ResponseWriter, r *http.Request) {
	if err := a.engine.Halted(); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "halted", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
