package lookup

import (
	"context"
	"encoding/json"
)

// Coordinates is a WGS84 point.
type Coordinates struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Venue is the payload returned by a paid lookup. The shape is
// provider-defined; fields beyond the common ones ride in Raw.
type Venue struct {
	Name     string          `json:"name"`
	Address  string          `json:"address,omitempty"`
	Category string          `json:"category,omitempty"`
	Lat      float64         `json:"lat"`
	Lng      float64         `json:"lng"`
	Raw      json.RawMessage `json:"raw,omitempty"`
}

// MarshalBinary implements encoding.BinaryMarshaler for Redis.
func (v *Venue) MarshalBinary() ([]byte, error) {
	return json.Marshal(v)
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler for Redis.
func (v *Venue) UnmarshalBinary(data []byte) error {
	return json.Unmarshal(data, v)
}

// Provider is a metered venue-lookup collaborator. Latency and error
// shape are provider-defined and not part of this contract.
type Provider interface {
	Nearby(ctx context.Context, coords Coordinates, hints string) (*Venue, error)
	Name() string
	CostPerLookupUSD() float64
}
