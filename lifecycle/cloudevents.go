package lifecycle

import (
	"fmt"
	"strconv"
	"strings"

	cloudevents "github.com/cloudevents/sdk-go/v2"
)

// CloudEvent type prefixes for lifecycle events.
const (
	BundleEventTypePrefix    = "io.bundlehost.bundle."
	FrameworkEventTypePrefix = "io.bundlehost.framework."
)

// BundleEventData is the JSON payload of a bundle CloudEvent.
type BundleEventData struct {
	BundleID int64  `json:"bundleId"`
	Location string `json:"location"`
	Event    string `json:"event"`
}

// FrameworkEventData is the JSON payload of a framework CloudEvent.
type FrameworkEventData struct {
	BundleID int64  `json:"bundleId"`
	Event    string `json:"event"`
	Error    string `json:"error,omitempty"`
}

// ToCloudEvent converts a queued event into a CloudEvents envelope. The source
// identifies the emitting framework instance.
func ToCloudEvent(source string, e Event) (cloudevents.Event, error) {
	ce := cloudevents.NewEvent()
	ce.SetSpecVersion(cloudevents.VersionV1)
	ce.SetSource(source)

	switch {
	case e.Bundle != nil:
		b := e.Bundle
		ce.SetID(b.ID)
		ce.SetType(BundleEventTypePrefix + strings.ToLower(b.Type.String()))
		ce.SetTime(b.Time)
		ce.SetSubject(strconv.FormatInt(int64(b.BundleID), 10))
		if err := ce.SetData(cloudevents.ApplicationJSON, BundleEventData{
			BundleID: int64(b.BundleID),
			Location: b.Location,
			Event:    b.Type.String(),
		}); err != nil {
			return ce, fmt.Errorf("encode bundle event data: %w", err)
		}
	case e.Framework != nil:
		f := e.Framework
		ce.SetID(f.ID)
		ce.SetType(FrameworkEventTypePrefix + strings.ToLower(f.Type.String()))
		ce.SetTime(f.Time)
		ce.SetSubject(strconv.FormatInt(int64(f.BundleID), 10))
		data := FrameworkEventData{BundleID: int64(f.BundleID), Event: f.Type.String()}
		if f.Err != nil {
			data.Error = f.Err.Error()
		}
		if err := ce.SetData(cloudevents.ApplicationJSON, data); err != nil {
			return ce, fmt.Errorf("encode framework event data: %w", err)
		}
	default:
		return ce, ErrEventCannotBeEmpty
	}

	if err := ce.Validate(); err != nil {
		return ce, fmt.Errorf("CloudEvent validation failed: %w", err)
	}
	return ce, nil
}
