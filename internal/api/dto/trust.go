package dto

type TrustStatusRequest struct {
	PublicIP string `json:"publicIp"`
}

type TrackRequest struct {
	IPAddress string `json:"ipAddress"`
	UserAgent string `json:"userAgent"`
}

type TrackResponse struct {
	IPStatus string `json:"ipStatus"`
}

// TrustFlagsRequest targets a record by id, or an address directly when the
// origin may not have been seen yet.
type TrustFlagsRequest struct {
	RecordID   uint64 `json:"recordId,omitempty"`
	IPAddress  string `json:"ipAddress,omitempty"`
	IsBanned   *bool  `json:"isBanned,omitempty"`
	IsApproved *bool  `json:"isApproved,omitempty"`
}

type TrustRecord struct {
	ID         uint64   `json:"id"`
	IPAddress  string   `json:"ipAddress"`
	Status     string   `json:"ipStatus"`
	IsApproved bool     `json:"isApproved"`
	IsBanned   bool     `json:"isBanned"`
	Location   string   `json:"location,omitempty"`
	Country    *string  `json:"country,omitempty"`
	Region     *string  `json:"region,omitempty"`
	City       *string  `json:"city,omitempty"`
	Latitude   *float64 `json:"latitude,omitempty"`
	Longitude  *float64 `json:"longitude,omitempty"`
	ISP        *string  `json:"isp,omitempty"`
	UserAgent  *string  `json:"userAgent,omitempty"`
	LastSeenAt string   `json:"lastSeenAt"`
	CreatedAt  string   `json:"createdAt"`
}

type TrustResetResponse struct {
	Removed int64 `json:"removed"`
}

type TrustStatusResponse struct {
	IPAddress  string `json:"ipAddress,omitempty"`
	IPStatus   string `json:"ipStatus"`
	IsBanned   bool   `json:"isBanned"`
	IsApproved bool   `json:"isApproved"`
	Private    bool   `json:"private"`
}
