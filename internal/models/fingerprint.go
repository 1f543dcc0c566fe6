package models

// DeviceFingerprint is a bag of low-entropy client signals. Nil fields were not
// reported by the client and are left out of hashing and comparison.
type DeviceFingerprint struct {
	UserAgent           *string  `json:"userAgent,omitempty"`
	ScreenResolution    *string  `json:"screenResolution,omitempty"`
	Timezone            *string  `json:"timezone,omitempty"`
	Language            *string  `json:"language,omitempty"`
	Platform            *string  `json:"platform,omitempty"`
	CookiesEnabled      *bool    `json:"cookiesEnabled,omitempty"`
	DoNotTrack          *bool    `json:"doNotTrack,omitempty"`
	HardwareConcurrency *int     `json:"hardwareConcurrency,omitempty"`
	DeviceMemory        *float64 `json:"deviceMemory,omitempty"`
	ConnectionType      *string  `json:"connectionType,omitempty"`
}

// GeoLocation is a reported WGS84 position.
type GeoLocation struct {
	Latitude       float64  `json:"latitude" validate:"gte=-90,lte=90"`
	Longitude      float64  `json:"longitude" validate:"gte=-180,lte=180"`
	AccuracyMeters *float64 `json:"accuracy_meters,omitempty" validate:"omitempty,gte=0"`
}
