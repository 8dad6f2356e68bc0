package handlers

import (
	"net/http"

	"github.com/kimhsiao/shopsync/internal/services"
	syncpkg "github.com/kimhsiao/shopsync/internal/sync"
	"github.com/kimhsiao/shopsync/internal/sync/conflict"
	"github.com/kimhsiao/shopsync/internal/sync/scheduler"
)

// Deps are the components the REST API serves.
type Deps struct {
	Engine    syncpkg.SyncEngineInterface
	Scheduler *scheduler.Scheduler
	Resolver  *conflict.Resolver
	Service   *services.ShopService
}

// NewRouter registers every REST route on a new mux.
func NewRouter(deps Deps) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/health", Health)

	syncHandler := NewSyncHandler(deps.Engine, deps.Scheduler, deps.Resolver, deps.Service)
	mux.HandleFunc("GET /api/sync/status", syncHandler.GetStatus)
	mux.HandleFunc("GET /api/sync/scheduler", syncHandler.GetScheduler)
	mux.HandleFunc("POST /api/sync/now", syncHandler.SyncNow)
	mux.HandleFunc("PUT /api/sync/online", syncHandler.SetOnline)
	mux.HandleFunc("GET /api/sync/queue", syncHandler.ListQueue)
	mux.HandleFunc("GET /api/sync/conflicts", syncHandler.ListConflicts)
	mux.HandleFunc("POST /api/sync/conflicts/{id}/resolve", syncHandler.ResolveConflict)

	shop := NewShopHandler(deps.Service)
	mux.HandleFunc("GET /api/cart", shop.GetCart)
	mux.HandleFunc("POST /api/cart", shop.AddToCart)
	mux.HandleFunc("PUT /api/cart/{productId}", shop.SetCartQuantity)
	mux.HandleFunc("DELETE /api/cart/{productId}", shop.RemoveFromCart)
	mux.HandleFunc("GET /api/wishlist", shop.GetWishlist)
	mux.HandleFunc("POST /api/wishlist", shop.AddToWishlist)
	mux.HandleFunc("DELETE /api/wishlist/{productId}", shop.RemoveFromWishlist)
	mux.HandleFunc("POST /api/newsletter", shop.Signup)
	mux.HandleFunc("GET /api/reservations", shop.GetReservations)
	mux.HandleFunc("POST /api/reservations", shop.CreateReservation)
	mux.HandleFunc("DELETE /api/reservations/{id}", shop.CancelReservation)
	mux.HandleFunc("GET /api/products/{id}", shop.GetProduct)
	mux.HandleFunc("GET /api/preferences/{key}", shop.GetPreference)
	mux.HandleFunc("PUT /api/preferences/{key}", shop.SetPreference)

	return mux
}
