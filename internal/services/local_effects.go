package services

import (
	"encoding/json"

	"github.com/kimhsiao/shopsync/internal/models"
	"github.com/kimhsiao/shopsync/internal/sync/queue"
)

// localEffect computes the optimistic local result of an action against the
// current record. touched is false when the action changes nothing locally;
// a nil payload with touched set deletes the record.
type localEffect struct {
	current *models.Record
	payload json.RawMessage
	touched bool
}

func (e *localEffect) put(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	e.payload = data
	e.touched = true
	return nil
}

func (e *localEffect) remove() {
	if e.current != nil {
		e.payload = nil
		e.touched = true
	}
}

func (e *localEffect) VisitAddToCart(a *queue.AddToCart) error {
	line := models.CartLine{ProductID: a.ProductID}
	if e.current != nil {
		if err := json.Unmarshal(e.current.Payload, &line); err != nil {
			return err
		}
	}
	line.Quantity += a.Quantity
	return e.put(line)
}

func (e *localEffect) VisitRemoveFromCart(a *queue.RemoveFromCart) error {
	e.remove()
	return nil
}

func (e *localEffect) VisitAddToWishlist(a *queue.AddToWishlist) error {
	if e.current != nil {
		return nil
	}
	return e.put(models.WishlistEntry{ProductID: a.ProductID})
}

func (e *localEffect) VisitRemoveFromWishlist(a *queue.RemoveFromWishlist) error {
	e.remove()
	return nil
}

func (e *localEffect) VisitEmailSignup(a *queue.EmailSignup) error {
	return nil
}

func (e *localEffect) VisitCreateReservation(a *queue.CreateReservation) error {
	return e.put(a.Reservation())
}

func (e *localEffect) VisitCancelReservation(a *queue.CancelReservation) error {
	if e.current == nil {
		return nil
	}
	var r models.Reservation
	if err := json.Unmarshal(e.current.Payload, &r); err != nil {
		return err
	}
	r.Status = models.ReservationCancelled
	return e.put(r)
}

var _ queue.Visitor = (*localEffect)(nil)
