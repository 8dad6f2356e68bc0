package models

// CartLine is the payload of a cart record, keyed by product ID.
type CartLine struct {
	ProductID string `json:"productId"`
	Quantity  int    `json:"quantity"`
}

// WishlistEntry is the payload of a wishlist record, keyed by product ID.
type WishlistEntry struct {
	ProductID string `json:"productId"`
}

// ReservationStatus is the lifecycle state of a table reservation.
type ReservationStatus string

const (
	ReservationConfirmed ReservationStatus = "confirmed"
	ReservationCancelled ReservationStatus = "cancelled"
)

// Reservation is the payload of a reservation record.
type Reservation struct {
	ReservationID string            `json:"reservationId"`
	Name          string            `json:"name"`
	Email         string            `json:"email"`
	Phone         string            `json:"phone,omitempty"`
	Date          string            `json:"date"`
	Time          string            `json:"time"`
	PartySize     int               `json:"partySize"`
	Notes         string            `json:"notes,omitempty"`
	Status        ReservationStatus `json:"status"`
}
