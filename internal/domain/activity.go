package domain

import (
	"fmt"
	"maps"

	json "github.com/goccy/go-json"
)

// Kind discriminates the Activity variants. It is persisted as the "type" field.
type Kind string

const (
	KindIdentify     Kind = "identify"
	KindAddDevice    Kind = "add_device"
	KindDeleteDevice Kind = "delete_device"
	KindEvent        Kind = "event"
	KindPage         Kind = "page"
	KindScreen       Kind = "screen"
	KindMetric       Kind = "metric"
)

// ActivityModelVersion is written with every activity so rows persisted by older
// releases can be told apart when the JSON shape changes.
const ActivityModelVersion = 1

// Valid reports whether k names a known variant.
func (k Kind) Valid() bool {
	switch k {
	case KindIdentify, KindAddDevice, KindDeleteDevice, KindEvent, KindPage, KindScreen, KindMetric:
		return true
	}
	return false
}

// MetricEvent is the delivery metric reported for a message.
type MetricEvent string

const (
	MetricDelivered MetricEvent = "delivered"
	MetricOpened    MetricEvent = "opened"
	MetricConverted MetricEvent = "converted"
	MetricClicked   MetricEvent = "clicked"
)

func ParseMetricEvent(s string) (MetricEvent, error) {
	switch e := MetricEvent(s); e {
	case MetricDelivered, MetricOpened, MetricConverted, MetricClicked:
		return e, nil
	}
	return "", fmt.Errorf("unknown metric event %q", s)
}

// Device is a push device registered against a profile.
type Device struct {
	Token      string            `json:"token"`
	LastUsed   *int64            `json:"lastUsed,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
	Platform   string            `json:"platform,omitempty"`
}

// Activity is one tracking event. Type selects which of the variant fields are
// meaningful:
//
//	identify              -
//	add_device            Device
//	delete_device         Device
//	event, page, screen   Name
//	metric                MetricEvent, DeliveryID, DeviceToken (nil for in-app)
type Activity struct {
	Type         Kind              `json:"type"`
	Timestamp    *int64            `json:"timestamp,omitempty"`
	Attributes   map[string]string `json:"attributes,omitempty"`
	ModelVersion int               `json:"modelVersion"`

	Name        string      `json:"name,omitempty"`
	Device      *Device     `json:"device,omitempty"`
	MetricEvent MetricEvent `json:"metricEvent,omitempty"`
	DeliveryID  string      `json:"deliveryId,omitempty"`
	DeviceToken *string     `json:"deviceToken,omitempty"`
}

func NewIdentify(ts int64, attrs map[string]string) Activity {
	return Activity{Type: KindIdentify, Timestamp: &ts, Attributes: orEmpty(attrs), ModelVersion: ActivityModelVersion}
}

func NewEvent(name string, ts int64, attrs map[string]string) Activity {
	return named(KindEvent, name, ts, attrs)
}

func NewPage(name string, ts int64, attrs map[string]string) Activity {
	return named(KindPage, name, ts, attrs)
}

func NewScreen(name string, ts int64, attrs map[string]string) Activity {
	return named(KindScreen, name, ts, attrs)
}

func NewAddDevice(ts int64, device Device) Activity {
	return Activity{Type: KindAddDevice, Timestamp: &ts, Attributes: map[string]string{}, ModelVersion: ActivityModelVersion, Device: &device}
}

// NewDeleteDevice carries no timestamp: removal is not a point-in-time fact.
func NewDeleteDevice(device Device) Activity {
	return Activity{Type: KindDeleteDevice, Attributes: map[string]string{}, ModelVersion: ActivityModelVersion, Device: &device}
}

// NewPushMetric reports a metric for a push notification delivered to deviceToken.
func NewPushMetric(event MetricEvent, deliveryID, deviceToken string, ts int64) Activity {
	a := NewInAppMetric(event, deliveryID, ts)
	a.DeviceToken = &deviceToken
	return a
}

// NewInAppMetric reports a metric for an in-app message; no device is involved.
func NewInAppMetric(event MetricEvent, deliveryID string, ts int64) Activity {
	return Activity{
		Type:         KindMetric,
		Timestamp:    &ts,
		Attributes:   map[string]string{},
		ModelVersion: ActivityModelVersion,
		MetricEvent:  event,
		DeliveryID:   deliveryID,
	}
}

func named(kind Kind, name string, ts int64, attrs map[string]string) Activity {
	return Activity{Type: kind, Name: name, Timestamp: &ts, Attributes: orEmpty(attrs), ModelVersion: ActivityModelVersion}
}

// IsMergeable is true for activities describing current state (identify and
// device registration). Point-in-time activities are never merged.
func (a Activity) IsMergeable() bool {
	switch a.Type {
	case KindIdentify, KindAddDevice, KindDeleteDevice:
		return true
	}
	return false
}

// Merge folds other into a. Attributes are unioned and a wins on conflicting
// keys; every other field comes from a. Non-mergeable activities are returned
// unchanged.
func (a Activity) Merge(other Activity) Activity {
	out := a.clone()
	if !a.IsMergeable() {
		return out
	}
	merged := make(map[string]string, len(a.Attributes)+len(other.Attributes))
	maps.Copy(merged, other.Attributes)
	maps.Copy(merged, a.Attributes)
	out.Attributes = merged
	return out
}

func (a Activity) clone() Activity {
	out := a
	out.Attributes = maps.Clone(a.Attributes)
	if a.Timestamp != nil {
		ts := *a.Timestamp
		out.Timestamp = &ts
	}
	if a.Device != nil {
		d := *a.Device
		d.Attributes = maps.Clone(a.Device.Attributes)
		out.Device = &d
	}
	if a.DeviceToken != nil {
		tok := *a.DeviceToken
		out.DeviceToken = &tok
	}
	return out
}

// Validate checks the variant-specific fields required by Type.
func (a Activity) Validate() error {
	if !a.Type.Valid() {
		return fmt.Errorf("unknown activity type %q", a.Type)
	}
	switch a.Type {
	case KindEvent, KindPage, KindScreen:
		if a.Name == "" {
			return fmt.Errorf("%s activity requires a name", a.Type)
		}
	case KindAddDevice, KindDeleteDevice:
		if a.Device == nil || a.Device.Token == "" {
			return fmt.Errorf("%s activity requires a device token", a.Type)
		}
	case KindMetric:
		if a.DeliveryID == "" || a.MetricEvent == "" {
			return fmt.Errorf("metric activity requires delivery id and event")
		}
	}
	return nil
}

// EncodeActivity serialises a for the activity_json column.
func EncodeActivity(a Activity) (string, error) {
	b, err := json.Marshal(a)
	if err != nil {
		return "", fmt.Errorf("encode %s activity: %w", a.Type, err)
	}
	return string(b), nil
}

// DecodeActivity parses a persisted activity. Rows without a model version
// predate versioning and are treated as version 1.
func DecodeActivity(raw string) (Activity, error) {
	var a Activity
	if err := json.Unmarshal([]byte(raw), &a); err != nil {
		return Activity{}, fmt.Errorf("decode activity: %w", err)
	}
	if !a.Type.Valid() {
		return Activity{}, fmt.Errorf("decode activity: unknown type %q", a.Type)
	}
	if a.ModelVersion == 0 {
		a.ModelVersion = 1
	}
	if a.Attributes == nil {
		a.Attributes = map[string]string{}
	}
	return a, nil
}

func orEmpty(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}
