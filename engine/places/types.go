package places

// searchResponse is the text search response of the places API.
type searchResponse struct {
	Status        string   `json:"status"`
	ErrorMessage  string   `json:"error_message,omitempty"`
	NextPageToken string   `json:"next_page_token"`
	Results       []result `json:"results"`
}

type result struct {
	PlaceID          string   `json:"place_id"`
	Name             string   `json:"name"`
	FormattedAddress string   `json:"formatted_address"`
	Vicinity         string   `json:"vicinity"`
	Rating           *float64 `json:"rating,omitempty"`
	UserRatingsTotal *int     `json:"user_ratings_total,omitempty"`
	Types            []string `json:"types"`
	BusinessStatus   string   `json:"business_status,omitempty"`
	Geometry         *struct {
		Location *struct {
			Lat *float64 `json:"lat"`
			Lng *float64 `json:"lng"`
		} `json:"location"`
	} `json:"geometry,omitempty"`
	Photos []struct {
		PhotoReference string `json:"photo_reference"`
		Width          int    `json:"width"`
		Height         int    `json:"height"`
	} `json:"photos,omitempty"`
}
