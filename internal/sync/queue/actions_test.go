package queue

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/kimhsiao/shopsync/internal/models"
)

// TestDecode_roundTrip checks every vocabulary entry decodes back to an equal action.
func TestDecode_roundTrip(t *testing.T) {
	actions := []Action{
		&AddToCart{ProductID: "42", Quantity: 1},
		&RemoveFromCart{ProductID: "42"},
		&AddToWishlist{ProductID: "9"},
		&RemoveFromWishlist{ProductID: "9"},
		&EmailSignup{Email: "a@example.com", Source: "footer"},
		&CreateReservation{ReservationID: "r1", Guest: "Ana", Email: "ana@example.com", Date: "2026-01-01", Time: "19:00", PartySize: 2},
		&CancelReservation{ReservationID: "r1"},
	}
	if len(actions) != len(Names) {
		t.Fatalf("test covers %d actions, vocabulary has %d", len(actions), len(Names))
	}

	for _, a := range actions {
		data, err := json.Marshal(a)
		if err != nil {
			t.Fatalf("marshal %s: %v", a.Name(), err)
		}
		got, err := Decode(a.Name(), data)
		if err != nil {
			t.Fatalf("Decode(%s) failed: %v", a.Name(), err)
		}
		again, _ := json.Marshal(got)
		if string(again) != string(data) {
			t.Errorf("%s: decoded %s, want %s", a.Name(), again, data)
		}
	}
}

func TestDecode_unsupported(t *testing.T) {
	_, err := Decode("apply_coupon", []byte(`{}`))
	if !errors.Is(err, ErrUnsupportedAction) {
		t.Errorf("Decode() error = %v, want ErrUnsupportedAction", err)
	}
}

func TestDecode_malformed(t *testing.T) {
	tests := []struct {
		name   string
		action string
		data   string
	}{
		{"bad json", NameAddToCart, `{"productId":`},
		{"wrong type", NameAddToCart, `{"productId":"42","quantity":"two"}`},
		{"zero quantity", NameAddToCart, `{"productId":"42","quantity":0}`},
		{"missing product", NameRemoveFromWishlist, `{}`},
		{"bad email", NameEmailSignup, `{"email":"not-an-address"}`},
		{"no party", NameCreateReservation, `{"reservationId":"r","name":"A","email":"a@b.c","date":"d","time":"t"}`},
		{"no reservation", NameCancelReservation, `{"reservationId":" "}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(tt.action, []byte(tt.data))
			if !errors.Is(err, ErrMalformedAction) {
				t.Errorf("Decode() error = %v, want ErrMalformedAction", err)
			}
		})
	}
}

func TestAction_Key(t *testing.T) {
	key, ok := (&AddToCart{ProductID: "42", Quantity: 1}).Key()
	if !ok || key != models.Key(models.EntityCart, "42") {
		t.Errorf("AddToCart key = %v, %v", key, ok)
	}
	key, ok = (&CancelReservation{ReservationID: "r1"}).Key()
	if !ok || key != models.Key(models.EntityReservation, "r1") {
		t.Errorf("CancelReservation key = %v, %v", key, ok)
	}
	if _, ok := (&EmailSignup{Email: "a@b.c"}).Key(); ok {
		t.Error("EmailSignup should not target an entity")
	}
}

type countingVisitor struct {
	calls map[string]int
}

func (v *countingVisitor) hit(name string) error {
	v.calls[name]++
	return nil
}

func (v *countingVisitor) VisitAddToCart(*AddToCart) error {
	return v.hit(NameAddToCart)
}

func (v *countingVisitor) VisitRemoveFromCart(*RemoveFromCart) error {
	return v.hit(NameRemoveFromCart)
}

func (v *countingVisitor) VisitAddToWishlist(*AddToWishlist) error {
	return v.hit(NameAddToWishlist)
}

func (v *countingVisitor) VisitRemoveFromWishlist(*RemoveFromWishlist) error {
	return v.hit(NameRemoveFromWishlist)
}

func (v *countingVisitor) VisitEmailSignup(*EmailSignup) error {
	return v.hit(NameEmailSignup)
}

func (v *countingVisitor) VisitCreateReservation(*CreateReservation) error {
	return v.hit(NameCreateReservation)
}

func (v *countingVisitor) VisitCancelReservation(*CancelReservation) error {
	return v.hit(NameCancelReservation)
}

func TestAction_AcceptDispatchesByVariant(t *testing.T) {
	v := &countingVisitor{calls: map[string]int{}}
	for _, name := range Names {
		a, err := NewAction(name)
		if err != nil {
			t.Fatalf("NewAction(%s) failed: %v", name, err)
		}
		if err := a.Accept(v); err != nil {
			t.Fatalf("Accept failed: %v", err)
		}
		if a.Name() != name {
			t.Errorf("NewAction(%s).Name() = %s", name, a.Name())
		}
	}
	for _, name := range Names {
		if v.calls[name] != 1 {
			t.Errorf("visitor calls for %s = %d, want 1", name, v.calls[name])
		}
	}
}

func TestCreateReservation_Reservation(t *testing.T) {
	a := &CreateReservation{ReservationID: "r1", Guest: "Ana", PartySize: 4}
	r := a.Reservation()
	if r.Status != models.ReservationConfirmed || r.PartySize != 4 || r.ReservationID != "r1" {
		t.Errorf("Reservation() = %+v", r)
	}
}

// TestCreateReservation_wireName checks the guest name travels under "name".
func TestCreateReservation_wireName(t *testing.T) {
	data := []byte(`{"reservationId":"r1","name":"Ana","email":"ana@example.com","date":"2026-01-01","time":"19:00","partySize":2}`)
	a, err := Decode(NameCreateReservation, data)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	res, ok := a.(*CreateReservation)
	if !ok {
		t.Fatalf("Decode returned %T", a)
	}
	if res.Guest != "Ana" || res.Name() != NameCreateReservation {
		t.Errorf("Guest = %q, Name() = %q", res.Guest, res.Name())
	}
	if got := res.Reservation().Name; got != "Ana" {
		t.Errorf("Reservation().Name = %q, want Ana", got)
	}
}
