package guest

import (
	"time"

	"github.com/dmitrijs2005/fishkeeper/internal/models"
)

// Data is the bucket of records a guest created before signing in.
type Data struct {
	Records      map[models.Collection]map[string]models.Record `json:"records"`
	LastModified time.Time                                      `json:"lastModified"`
}

// Put stores rec under its id.
func (d *Data) Put(collection models.Collection, rec models.Record) {
	if d.Records == nil {
		d.Records = make(map[models.Collection]map[string]models.Record)
	}
	if d.Records[collection] == nil {
		d.Records[collection] = make(map[string]models.Record)
	}
	d.Records[collection][rec.RecordID()] = rec
}

// Delete removes a record.
func (d *Data) Delete(collection models.Collection, id string) {
	delete(d.Records[collection], id)
}

// Len returns the number of records in the bucket.
func (d *Data) Len() int {
	n := 0
	for _, recs := range d.Records {
		n += len(recs)
	}
	return n
}

// Session is the ledger entry of one guest session.
type Session struct {
	ID           string    `json:"id"`
	CreatedAt    time.Time `json:"createdAt"`
	ExpiresAt    time.Time `json:"expiresAt"`
	LastModified time.Time `json:"lastModified"`
}

// Sessions is the result of AllSessions. SessionOrder is most recently
// used first.
type Sessions struct {
	Sessions     map[string]Session
	SessionOrder []string
}

type ledger struct {
	Active   string              `json:"active,omitempty"`
	Order    []string            `json:"order"`
	Sessions map[string]Session  `json:"sessions"`
	Merged   map[string][]string `json:"merged,omitempty"`
}

func (l *ledger) init() {
	if l.Sessions == nil {
		l.Sessions = make(map[string]Session)
	}
	if l.Merged == nil {
		l.Merged = make(map[string][]string)
	}
}

func (l *ledger) touch(id string) {
	order := make([]string, 0, len(l.Order)+1)
	order = append(order, id)
	for _, o := range l.Order {
		if o != id {
			order = append(order, o)
		}
	}
	l.Order = order
}

func (l *ledger) drop(id string) {
	delete(l.Sessions, id)
	delete(l.Merged, id)
	order := l.Order[:0]
	for _, o := range l.Order {
		if o != id {
			order = append(order, o)
		}
	}
	l.Order = order
	if l.Active == id {
		l.Active = ""
	}
}
