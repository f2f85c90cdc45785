package probe

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/proxypool/proxypool/internal/model"
)

// ipInfoResponse is the shape of the default ip-api.com-style JSON endpoint
// configured by main.test_url_info.
type ipInfoResponse struct {
	City    string  `json:"city"`
	Region  string  `json:"regionName"`
	Country string  `json:"country"`
	Lat     float64 `json:"lat"`
	Lon     float64 `json:"lon"`
	Org     string  `json:"isp"`
	Zip     string  `json:"zip"`
	TZ      string  `json:"timezone"`
}

func parseIPInfoJSON(r io.Reader) model.Location {
	var resp ipInfoResponse
	if err := json.NewDecoder(r).Decode(&resp); err != nil {
		return model.Location{}
	}
	return model.Location{
		City:     resp.City,
		Region:   resp.Region,
		Country:  resp.Country,
		Coord:    fmt.Sprintf("%.4f,%.4f", resp.Lat, resp.Lon),
		Org:      resp.Org,
		Postal:   resp.Zip,
		Timezone: resp.TZ,
	}
}
