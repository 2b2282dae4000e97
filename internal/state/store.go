package state

import (
	"fmt"
	"sort"

	escrowerr "EscrowLedger/internal/errors"
)

// Store is the canonical listing/offer table. Listings live in an arena
// indexed by ID and each listing owns an arena of offers; IDs are assigned
// sequentially and entries are never removed, so historical lookups keep
// working after terminal states.
// Not thread-safe: only accessed from the sequencer goroutine.
type Store struct {
	listings []*Listing
	offers   [][]*Offer // indexed by listing ID
}

func NewStore() *Store {
	return &Store{}
}

// Listing returns a copy of the listing
func (s *Store) Listing(id uint64) (*Listing, bool) {
	if id >= uint64(len(s.listings)) {
		return nil, false
	}
	return s.listings[id].Clone(), true
}

// Offer returns a copy of the offer
func (s *Store) Offer(listingID, offerID uint64) (*Offer, bool) {
	if listingID >= uint64(len(s.offers)) || offerID >= uint64(len(s.offers[listingID])) {
		return nil, false
	}
	return s.offers[listingID][offerID].Clone(), true
}

func (s *Store) ListingCount() uint64 {
	return uint64(len(s.listings))
}

func (s *Store) OfferCount(listingID uint64) uint64 {
	if listingID >= uint64(len(s.offers)) {
		return 0
	}
	return uint64(len(s.offers[listingID]))
}

// Listings returns copies of all listings in ID order
func (s *Store) Listings() []*Listing {
	out := make([]*Listing, len(s.listings))
	for i, l := range s.listings {
		out[i] = l.Clone()
	}
	return out
}

// Offers returns copies of a listing's offers in ID order
func (s *Store) Offers(listingID uint64) []*Offer {
	if listingID >= uint64(len(s.offers)) {
		return nil
	}
	out := make([]*Offer, len(s.offers[listingID]))
	for i, o := range s.offers[listingID] {
		out[i] = o.Clone()
	}
	return out
}

// Restore loads listings and offers from a snapshot. IDs must be dense.
func (s *Store) Restore(listings []*Listing, offers []*Offer) error {
	sort.Slice(listings, func(i, j int) bool { return listings[i].ID < listings[j].ID })
	s.listings = make([]*Listing, 0, len(listings))
	s.offers = make([][]*Offer, 0, len(listings))
	for i, l := range listings {
		if l.ID != uint64(i) {
			return fmt.Errorf("listing table has a gap at %d", i)
		}
		s.listings = append(s.listings, l.Clone())
		s.offers = append(s.offers, nil)
	}

	sort.Slice(offers, func(i, j int) bool {
		if offers[i].ListingID != offers[j].ListingID {
			return offers[i].ListingID < offers[j].ListingID
		}
		return offers[i].ID < offers[j].ID
	})
	for _, o := range offers {
		if o.ListingID >= uint64(len(s.listings)) {
			return fmt.Errorf("offer %d/%d references unknown listing", o.ListingID, o.ID)
		}
		if o.ID != uint64(len(s.offers[o.ListingID])) {
			return fmt.Errorf("offer table of listing %d has a gap at %d", o.ListingID, o.ID)
		}
		s.offers[o.ListingID] = append(s.offers[o.ListingID], o.Clone())
	}
	return nil
}

// Begin opens a transaction over the store
func (s *Store) Begin() *Tx {
	return &Tx{
		store:     s,
		listings:  make(map[uint64]*Listing),
		offers:    make(map[offerKey]*Offer),
		newOffers: make(map[uint64]uint64),
	}
}

type offerKey struct {
	listingID, offerID uint64
}

// Tx stages listing and offer changes for one action. Reads return mutable
// copies; nothing reaches the store until Commit.
type Tx struct {
	store       *Store
	listings    map[uint64]*Listing
	newListings []*Listing
	offers      map[offerKey]*Offer
	newOffers   map[uint64]uint64 // listing ID -> offers appended in this tx
}

// Listing returns the staged copy of a listing, or NotFound
func (tx *Tx) Listing(id uint64) (*Listing, error) {
	if l, ok := tx.listings[id]; ok {
		return l, nil
	}
	base := uint64(len(tx.store.listings))
	if id >= base {
		if idx := id - base; idx < uint64(len(tx.newListings)) {
			return tx.newListings[idx], nil
		}
		return nil, fmt.Errorf("%w: listing %d", escrowerr.ErrNotFound, id)
	}
	l := tx.store.listings[id].Clone()
	tx.listings[id] = l
	return l, nil
}

// CreateListing appends l, assigning the next listing ID
func (tx *Tx) CreateListing(l *Listing) uint64 {
	l.ID = uint64(len(tx.store.listings) + len(tx.newListings))
	tx.newListings = append(tx.newListings, l)
	return l.ID
}

// Offer returns the staged copy of an offer, or NotFound
func (tx *Tx) Offer(listingID, offerID uint64) (*Offer, error) {
	k := offerKey{listingID, offerID}
	if o, ok := tx.offers[k]; ok {
		return o, nil
	}
	if _, err := tx.Listing(listingID); err != nil {
		return nil, err
	}
	if listingID < uint64(len(tx.store.offers)) && offerID < uint64(len(tx.store.offers[listingID])) {
		o := tx.store.offers[listingID][offerID].Clone()
		tx.offers[k] = o
		return o, nil
	}
	return nil, fmt.Errorf("%w: offer %d/%d", escrowerr.ErrNotFound, listingID, offerID)
}

// CreateOffer appends o to its listing, assigning the next offer ID
func (tx *Tx) CreateOffer(o *Offer) uint64 {
	o.ID = tx.store.OfferCount(o.ListingID) + tx.newOffers[o.ListingID]
	tx.newOffers[o.ListingID]++
	tx.offers[offerKey{o.ListingID, o.ID}] = o
	return o.ID
}

// TouchedListings returns every listing read or created, in ID order
func (tx *Tx) TouchedListings() []*Listing {
	out := make([]*Listing, 0, len(tx.listings)+len(tx.newListings))
	for _, l := range tx.listings {
		out = append(out, l)
	}
	out = append(out, tx.newListings...)
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// TouchedOffers returns every offer read or created, in (listing, offer) order
func (tx *Tx) TouchedOffers() []*Offer {
	out := make([]*Offer, 0, len(tx.offers))
	for _, o := range tx.offers {
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ListingID != out[j].ListingID {
			return out[i].ListingID < out[j].ListingID
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Commit writes staged changes into the store
func (tx *Tx) Commit() {
	for id, l := range tx.listings {
		tx.store.listings[id] = l
	}
	for _, l := range tx.newListings {
		tx.store.listings = append(tx.store.listings, l)
		tx.store.offers = append(tx.store.offers, nil)
	}

	// Existing offers are replaced in place; new ones are appended in ID order.
	for _, o := range tx.TouchedOffers() {
		row := tx.store.offers[o.ListingID]
		if o.ID < uint64(len(row)) {
			row[o.ID] = o
			continue
		}
		tx.store.offers[o.ListingID] = append(row, o)
	}

	tx.listings = make(map[uint64]*Listing)
	tx.newListings = nil
	tx.offers = make(map[offerKey]*Offer)
	tx.newOffers = make(map[uint64]uint64)
}
