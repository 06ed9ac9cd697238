// Package models holds the data types shared by the sync core: records,
// identities, queue entries and migration progress.
package models

// Collection names a remote document collection.
type Collection string

const (
	Trips          Collection = "trips"
	WeatherLogs    Collection = "weatherLogs"
	FishCaught     Collection = "fishCaught"
	TackleItems    Collection = "tackleItems"
	SavedLocations Collection = "savedLocations"
)

// AllCollections lists the collections in the order migration walks them.
func AllCollections() []Collection {
	return []Collection{Trips, WeatherLogs, FishCaught, TackleItems, SavedLocations}
}

func (c Collection) String() string { return string(c) }
