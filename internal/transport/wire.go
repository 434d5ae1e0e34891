package transport

import "trackflow/internal/domain"

// TrackingRequest is one entry of a batch call.
type TrackingRequest struct {
	Type        string            `json:"type"`
	Timestamp   *int64            `json:"timestamp,omitempty"`
	Identifiers map[string]string `json:"identifiers,omitempty"`
	Attributes  map[string]string `json:"attributes,omitempty"`
	Name        string            `json:"name,omitempty"`
	Device      *domain.Device    `json:"device,omitempty"`
	Metric      *Metric           `json:"metric,omitempty"`
}

// Metric always carries device_id; it is null for in-app metrics.
type Metric struct {
	DeliveryID  string             `json:"delivery_id"`
	DeviceToken *string            `json:"device_id"`
	Event       domain.MetricEvent `json:"event"`
	Timestamp   int64              `json:"timestamp"`
}

type BatchRequest struct {
	Batch []TrackingRequest `json:"batch"`
}

// TrackingError is a per-item rejection. BatchIndex refers to the position in
// the request batch; a missing index is attributed to the first item.
type TrackingError struct {
	BatchIndex *int               `json:"batch_index"`
	Reason     domain.ErrorReason `json:"reason"`
	Field      string             `json:"field"`
	Message    string             `json:"message"`
}

// Index resolves the batch position the error refers to.
func (e TrackingError) Index() int {
	if e.BatchIndex == nil {
		return 0
	}
	return *e.BatchIndex
}

type responseBody struct {
	Meta *struct {
		Error string `json:"error"`
	} `json:"meta"`
	Errors []TrackingError `json:"errors"`
}

// BatchResponse is what the server answered to a batch call.
type BatchResponse struct {
	StatusCode int
	Errors     []TrackingError
}

func (r BatchResponse) Successful() bool { return r.StatusCode >= 200 && r.StatusCode <= 299 }

// ServerUnavailable is true when the endpoint itself is failing.
func (r BatchResponse) ServerUnavailable() bool { return r.StatusCode >= 500 }

// NewTrackingRequest converts a stored activity into its wire form for the
// given profile.
func NewTrackingRequest(a domain.Activity, identityType domain.IdentityType, profileIdentifier string) TrackingRequest {
	req := TrackingRequest{
		Type:        string(a.Type),
		Timestamp:   a.Timestamp,
		Identifiers: map[string]string{identityType.APIKey(): profileIdentifier},
		Attributes:  a.Attributes,
	}
	switch a.Type {
	case domain.KindEvent, domain.KindPage, domain.KindScreen:
		req.Name = a.Name
	case domain.KindAddDevice, domain.KindDeleteDevice:
		req.Device = a.Device
	case domain.KindMetric:
		m := &Metric{DeliveryID: a.DeliveryID, DeviceToken: a.DeviceToken, Event: a.MetricEvent}
		if a.Timestamp != nil {
			m.Timestamp = *a.Timestamp
		}
		req.Metric = m
	}
	return req
}
