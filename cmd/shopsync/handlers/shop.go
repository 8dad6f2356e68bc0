package handlers

import (
	"net/http"

	"github.com/kimhsiao/shopsync/internal/services"
	"github.com/kimhsiao/shopsync/internal/sync/queue"
	"github.com/kimhsiao/shopsync/internal/uuid"
)

// ShopHandler serves the cart, wishlist, newsletter, reservations, products
// and preferences.
type ShopHandler struct {
	service *services.ShopService
}

// NewShopHandler creates a new ShopHandler.
func NewShopHandler(service *services.ShopService) *ShopHandler {
	return &ShopHandler{service: service}
}

// submit applies a and answers 200 when the remote confirmed it, 202 when
// it is queued for the next sync.
func (h *ShopHandler) submit(w http.ResponseWriter, r *http.Request, a queue.Action) {
	result, err := h.service.Submit(r.Context(), a)
	if err != nil {
		writeError(w, err)
		return
	}
	status := http.StatusAccepted
	if result.Confirmed {
		status = http.StatusOK
	}
	writeJSON(w, status, result)
}

// GetCart handles GET /api/cart
func (h *ShopHandler) GetCart(w http.ResponseWriter, r *http.Request) {
	lines, err := h.service.Cart(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(lines))
}

// AddToCart handles POST /api/cart
func (h *ShopHandler) AddToCart(w http.ResponseWriter, r *http.Request) {
	var a queue.AddToCart
	if !decodeBody(w, r, &a) {
		return
	}
	h.submit(w, r, &a)
}

// SetCartQuantity handles PUT /api/cart/{productId} with {"quantity": n}.
// A quantity of zero removes the line.
func (h *ShopHandler) SetCartQuantity(w http.ResponseWriter, r *http.Request) {
	var request struct {
		Quantity *int `json:"quantity"`
	}
	if !decodeBody(w, r, &request) {
		return
	}
	if request.Quantity == nil {
		badRequest(w, "quantity is required")
		return
	}
	if err := h.service.SetCartQuantity(r.Context(), r.PathValue("productId"), *request.Quantity); err != nil {
		writeError(w, err)
		return
	}
	h.GetCart(w, r)
}

// RemoveFromCart handles DELETE /api/cart/{productId}
func (h *ShopHandler) RemoveFromCart(w http.ResponseWriter, r *http.Request) {
	h.submit(w, r, &queue.RemoveFromCart{ProductID: r.PathValue("productId")})
}

// GetWishlist handles GET /api/wishlist
func (h *ShopHandler) GetWishlist(w http.ResponseWriter, r *http.Request) {
	entries, err := h.service.Wishlist(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(entries))
}

// AddToWishlist handles POST /api/wishlist
func (h *ShopHandler) AddToWishlist(w http.ResponseWriter, r *http.Request) {
	var a queue.AddToWishlist
	if !decodeBody(w, r, &a) {
		return
	}
	h.submit(w, r, &a)
}

// RemoveFromWishlist handles DELETE /api/wishlist/{productId}
func (h *ShopHandler) RemoveFromWishlist(w http.ResponseWriter, r *http.Request) {
	h.submit(w, r, &queue.RemoveFromWishlist{ProductID: r.PathValue("productId")})
}

// Signup handles POST /api/newsletter
func (h *ShopHandler) Signup(w http.ResponseWriter, r *http.Request) {
	var a queue.EmailSignup
	if !decodeBody(w, r, &a) {
		return
	}
	h.submit(w, r, &a)
}

// GetReservations handles GET /api/reservations
func (h *ShopHandler) GetReservations(w http.ResponseWriter, r *http.Request) {
	reservations, err := h.service.Reservations(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(reservations))
}

// CreateReservation handles POST /api/reservations. A missing
// reservationId is generated.
func (h *ShopHandler) CreateReservation(w http.ResponseWriter, r *http.Request) {
	var a queue.CreateReservation
	if !decodeBody(w, r, &a) {
		return
	}
	if a.ReservationID == "" {
		a.ReservationID = uuid.NewPrefixed("res")
	}
	h.submit(w, r, &a)
}

// CancelReservation handles DELETE /api/reservations/{id}
func (h *ShopHandler) CancelReservation(w http.ResponseWriter, r *http.Request) {
	h.submit(w, r, &queue.CancelReservation{ReservationID: r.PathValue("id")})
}

// GetProduct handles GET /api/products/{id}
func (h *ShopHandler) GetProduct(w http.ResponseWriter, r *http.Request) {
	product, err := h.service.GetProduct(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, product)
}

// GetPreference handles GET /api/preferences/{key}
func (h *ShopHandler) GetPreference(w http.ResponseWriter, r *http.Request) {
	value, err := h.service.GetPreference(r.Context(), r.PathValue("key"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, value)
}

// SetPreference handles PUT /api/preferences/{key}. The body is the value;
// null deletes the preference.
func (h *ShopHandler) SetPreference(w http.ResponseWriter, r *http.Request) {
	value, ok := readRaw(w, r)
	if !ok {
		return
	}
	if err := h.service.SetPreference(r.Context(), r.PathValue("key"), value); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// nonNil keeps empty lists encoding as [] rather than null.
func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
