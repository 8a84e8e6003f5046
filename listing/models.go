package listing

import "time"

// Listing is the read-only projection of a listed item the swap protocol
// needs: who owns it and its Valor valuation at offer time.
type Listing struct {
	ID         string
	OwnerID    string
	Title      string
	ValorValue int64
	Status     string
	CreatedAt  time.Time
}
