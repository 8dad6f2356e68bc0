package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/mail"
	"strings"

	"github.com/kimhsiao/shopsync/internal/models"
)

// Action names. These are the stable wire vocabulary understood by the remote.
const (
	NameAddToCart          = "add_to_cart"
	NameRemoveFromCart     = "remove_from_cart"
	NameAddToWishlist      = "add_to_wishlist"
	NameRemoveFromWishlist = "remove_from_wishlist"
	NameEmailSignup        = "email_signup"
	NameCreateReservation  = "create_reservation"
	NameCancelReservation  = "cancel_reservation"
)

// Names lists every action name.
var Names = []string{
	NameAddToCart,
	NameRemoveFromCart,
	NameAddToWishlist,
	NameRemoveFromWishlist,
	NameEmailSignup,
	NameCreateReservation,
	NameCancelReservation,
}

var (
	// ErrUnsupportedAction is returned when an action name is not in the vocabulary.
	ErrUnsupportedAction = errors.New("unsupported action")

	// ErrMalformedAction is returned when an action payload cannot be decoded or fails validation.
	ErrMalformedAction = errors.New("malformed action")
)

// Action is one user intent. The set of implementations is closed; dispatch
// on it through a Visitor.
type Action interface {
	// Name returns the wire name of the action.
	Name() string

	// Key returns the entity the action targets, if any.
	Key() (models.EntityKey, bool)

	// Validate reports a malformed payload.
	Validate() error

	// Accept calls the Visitor method matching the concrete action.
	Accept(v Visitor) error

	isAction()
}

// Visitor handles every action variant. Adding a variant adds a method here,
// so every dispatcher stops compiling until it handles it.
type Visitor interface {
	VisitAddToCart(a *AddToCart) error
	VisitRemoveFromCart(a *RemoveFromCart) error
	VisitAddToWishlist(a *AddToWishlist) error
	VisitRemoveFromWishlist(a *RemoveFromWishlist) error
	VisitEmailSignup(a *EmailSignup) error
	VisitCreateReservation(a *CreateReservation) error
	VisitCancelReservation(a *CancelReservation) error
}

// AddToCart increases the quantity of a cart line.
type AddToCart struct {
	ProductID string `json:"productId"`
	Quantity  int    `json:"quantity"`
}

func (*AddToCart) Name() string {
	return NameAddToCart
}

func (a *AddToCart) Key() (models.EntityKey, bool) {
	return models.Key(models.EntityCart, a.ProductID), true
}

func (a *AddToCart) Validate() error {
	if err := requireID("productId", a.ProductID); err != nil {
		return err
	}
	if a.Quantity <= 0 {
		return fmt.Errorf("%w: quantity must be positive, got %d", ErrMalformedAction, a.Quantity)
	}
	return nil
}

func (a *AddToCart) Accept(v Visitor) error {
	return v.VisitAddToCart(a)
}

func (*AddToCart) isAction() {}

// RemoveFromCart deletes a cart line.
type RemoveFromCart struct {
	ProductID string `json:"productId"`
}

func (*RemoveFromCart) Name() string {
	return NameRemoveFromCart
}

func (a *RemoveFromCart) Key() (models.EntityKey, bool) {
	return models.Key(models.EntityCart, a.ProductID), true
}

func (a *RemoveFromCart) Validate() error {
	return requireID("productId", a.ProductID)
}

func (a *RemoveFromCart) Accept(v Visitor) error {
	return v.VisitRemoveFromCart(a)
}

func (*RemoveFromCart) isAction() {}

// AddToWishlist adds a product to the wishlist.
type AddToWishlist struct {
	ProductID string `json:"productId"`
}

func (*AddToWishlist) Name() string {
	return NameAddToWishlist
}

func (a *AddToWishlist) Key() (models.EntityKey, bool) {
	return models.Key(models.EntityWishlist, a.ProductID), true
}

func (a *AddToWishlist) Validate() error {
	return requireID("productId", a.ProductID)
}

func (a *AddToWishlist) Accept(v Visitor) error {
	return v.VisitAddToWishlist(a)
}

func (*AddToWishlist) isAction() {}

// RemoveFromWishlist removes a product from the wishlist.
type RemoveFromWishlist struct {
	ProductID string `json:"productId"`
}

func (*RemoveFromWishlist) Name() string {
	return NameRemoveFromWishlist
}

func (a *RemoveFromWishlist) Key() (models.EntityKey, bool) {
	return models.Key(models.EntityWishlist, a.ProductID), true
}

func (a *RemoveFromWishlist) Validate() error {
	return requireID("productId", a.ProductID)
}

func (a *RemoveFromWishlist) Accept(v Visitor) error {
	return v.VisitRemoveFromWishlist(a)
}

func (*RemoveFromWishlist) isAction() {}

// EmailSignup subscribes an address to the newsletter. It has no local entity.
type EmailSignup struct {
	Email  string `json:"email"`
	Source string `json:"source,omitempty"`
}

func (*EmailSignup) Name() string {
	return NameEmailSignup
}

func (*EmailSignup) Key() (models.EntityKey, bool) {
	return models.EntityKey{}, false
}

func (a *EmailSignup) Accept(v Visitor) error {
	return v.VisitEmailSignup(a)
}

func (*EmailSignup) isAction() {}

func (a *EmailSignup) Validate() error {
	if _, err := mail.ParseAddress(a.Email); err != nil {
		return fmt.Errorf("%w: invalid email %q", ErrMalformedAction, a.Email)
	}
	return nil
}

// CreateReservation books a table.
type CreateReservation struct {
	ReservationID string `json:"reservationId"`
	Guest         string `json:"name"`
	Email         string `json:"email"`
	Phone         string `json:"phone,omitempty"`
	Date          string `json:"date"`
	Time          string `json:"time"`
	PartySize     int    `json:"partySize"`
	Notes         string `json:"notes,omitempty"`
}

func (*CreateReservation) Name() string {
	return NameCreateReservation
}

func (a *CreateReservation) Key() (models.EntityKey, bool) {
	return models.Key(models.EntityReservation, a.ReservationID), true
}

func (a *CreateReservation) Accept(v Visitor) error {
	return v.VisitCreateReservation(a)
}

func (*CreateReservation) isAction() {}

func (a *CreateReservation) Validate() error {
	if err := requireID("reservationId", a.ReservationID); err != nil {
		return err
	}
	if strings.TrimSpace(a.Guest) == "" {
		return fmt.Errorf("%w: name is required", ErrMalformedAction)
	}
	if _, err := mail.ParseAddress(a.Email); err != nil {
		return fmt.Errorf("%w: invalid email %q", ErrMalformedAction, a.Email)
	}
	if a.Date == "" || a.Time == "" {
		return fmt.Errorf("%w: date and time are required", ErrMalformedAction)
	}
	if a.PartySize <= 0 {
		return fmt.Errorf("%w: partySize must be positive, got %d", ErrMalformedAction, a.PartySize)
	}
	return nil
}

// Reservation returns the local payload for a newly confirmed reservation.
func (a *CreateReservation) Reservation() models.Reservation {
	return models.Reservation{
		ReservationID: a.ReservationID,
		Name:          a.Guest,
		Email:         a.Email,
		Phone:         a.Phone,
		Date:          a.Date,
		Time:          a.Time,
		PartySize:     a.PartySize,
		Notes:         a.Notes,
		Status:        models.ReservationConfirmed,
	}
}

// CancelReservation cancels an existing reservation.
type CancelReservation struct {
	ReservationID string `json:"reservationId"`
}

func (*CancelReservation) Name() string {
	return NameCancelReservation
}

func (a *CancelReservation) Key() (models.EntityKey, bool) {
	return models.Key(models.EntityReservation, a.ReservationID), true
}

func (a *CancelReservation) Validate() error {
	return requireID("reservationId", a.ReservationID)
}

func (a *CancelReservation) Accept(v Visitor) error {
	return v.VisitCancelReservation(a)
}

func (*CancelReservation) isAction() {}

func requireID(field, value string) error {
	if strings.TrimSpace(value) == "" {
		return fmt.Errorf("%w: %s is required", ErrMalformedAction, field)
	}
	return nil
}

// NewAction returns an empty action for name, ready to be unmarshaled into.
func NewAction(name string) (Action, error) {
	switch name {
	case NameAddToCart:
		return &AddToCart{}, nil
	case NameRemoveFromCart:
		return &RemoveFromCart{}, nil
	case NameAddToWishlist:
		return &AddToWishlist{}, nil
	case NameRemoveFromWishlist:
		return &RemoveFromWishlist{}, nil
	case NameEmailSignup:
		return &EmailSignup{}, nil
	case NameCreateReservation:
		return &CreateReservation{}, nil
	case NameCancelReservation:
		return &CancelReservation{}, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnsupportedAction, name)
}

// Decode rebuilds and validates an action from its wire name and JSON payload.
func Decode(name string, data []byte) (Action, error) {
	a, err := NewAction(name)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(data, a); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformedAction, name, err)
	}
	if err := a.Validate(); err != nil {
		return nil, err
	}
	return a, nil
}
