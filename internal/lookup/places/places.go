package places

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"

	"github.com/tapfolio/metering/internal/lookup"
)

type PlacesProvider struct {
	apiKey  string
	baseURL string
	costUSD float64
	client  *http.Client
}

type placesResponse struct {
	Results []placesResult `json:"results"`
}

type placesResult struct {
	Name     string  `json:"name"`
	Address  string  `json:"formatted_address"`
	Category string  `json:"category"`
	Lat      float64 `json:"lat"`
	Lng      float64 `json:"lng"`
}

func New(apiKey, baseURL string, costUSD float64) lookup.Provider {
	return &PlacesProvider{
		apiKey:  apiKey,
		baseURL: baseURL,
		costUSD: costUSD,
		client:  http.DefaultClient,
	}
}

func (p *PlacesProvider) Name() string { return "places" }

func (p *PlacesProvider) CostPerLookupUSD() float64 { return p.costUSD }

func (p *PlacesProvider) Nearby(ctx context.Context, coords lookup.Coordinates, hints string) (*lookup.Venue, error) {
	q := url.Values{}
	q.Set("lat", strconv.FormatFloat(coords.Lat, 'f', -1, 64))
	q.Set("lng", strconv.FormatFloat(coords.Lng, 'f', -1, 64))
	if hints != "" {
		q.Set("hints", hints)
	}

	reqURL := fmt.Sprintf("%s/v1/nearby?%s", p.baseURL, q.Encode())
	httpReq, err := http.NewRequestWithContext(ctx, "GET", reqURL, nil)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Authorization", fmt.Sprintf("Bearer %s", p.apiKey))

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("places api error: status %d, body: %s", resp.StatusCode, string(body))
	}

	var parsed placesResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse places response: %w", err)
	}
	if len(parsed.Results) == 0 {
		return nil, fmt.Errorf("places api returned no results")
	}

	best := parsed.Results[0]
	raw, _ := json.Marshal(best)
	return &lookup.Venue{
		Name:     best.Name,
		Address:  best.Address,
		Category: best.Category,
		Lat:      best.Lat,
		Lng:      best.Lng,
		Raw:      raw,
	}, nil
}
