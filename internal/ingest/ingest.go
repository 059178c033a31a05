// Package ingest turns raw event payloads into domain events.
package ingest

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/araddon/dateparse"
	"github.com/bcnelson/waf-blocklist-manager/internal/domain"
	"github.com/bcnelson/waf-blocklist-manager/internal/validation"
)

// ActionPortProbe is the GuardDuty action type whose remote details live under
// portProbeAction. Every other action type uses networkConnectionAction.
const ActionPortProbe = "PORT_PROBE"

// RawEvent is the flat event shape accepted by the API.
type RawEvent struct {
	Address   string `json:"address"`
	Country   string `json:"country"`
	EventType string `json:"eventType"`
	Timestamp string `json:"timestamp"`
}

// Event validates the raw fields and converts them into a domain event.
func (r RawEvent) Event() (domain.Event, error) {
	ev := domain.Event{
		Address:   strings.TrimSpace(r.Address),
		Country:   strings.TrimSpace(r.Country),
		EventType: strings.TrimSpace(r.EventType),
	}

	var errs validation.ValidationErrors
	if r.Timestamp != "" {
		ts, err := ParseTimestamp(r.Timestamp)
		if err != nil {
			errs.Add("timestamp", r.Timestamp, "timestamp is not a recognizable date")
		}
		ev.Timestamp = ts
	}
	for _, e := range validation.ValidateEvent(ev) {
		if e.Field == "timestamp" && r.Timestamp != "" {
			continue
		}
		errs = append(errs, e)
	}
	if err := errs.Err(); err != nil {
		return domain.Event{}, err
	}
	return ev, nil
}

// ParseEvent decodes a flat event.
func ParseEvent(data []byte) (domain.Event, error) {
	var raw RawEvent
	if err := json.Unmarshal(data, &raw); err != nil {
		return domain.Event{}, fmt.Errorf("decoding event: %w", domain.ErrInvalidInput)
	}
	return raw.Event()
}

// ParseTimestamp accepts ISO-8601 and the other layouts dateparse understands.
// Values without a zone are taken as UTC.
func ParseTimestamp(s string) (time.Time, error) {
	t, err := dateparse.ParseIn(strings.TrimSpace(s), time.UTC)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}

// Finding is the subset of a GuardDuty finding event that carries the attacker.
type Finding struct {
	Detail struct {
		Type    string `json:"type"`
		Service struct {
			EventLastSeen string `json:"eventLastSeen"`
			Action        struct {
				ActionType              string `json:"actionType"`
				NetworkConnectionAction struct {
					RemoteIPDetails remoteIPDetails `json:"remoteIpDetails"`
				} `json:"networkConnectionAction"`
				PortProbeAction struct {
					PortProbeDetails []struct {
						RemoteIPDetails remoteIPDetails `json:"remoteIpDetails"`
					} `json:"portProbeDetails"`
				} `json:"portProbeAction"`
			} `json:"action"`
		} `json:"service"`
	} `json:"detail"`
}

type remoteIPDetails struct {
	IPAddressV4 string `json:"ipAddressV4"`
	Country     struct {
		CountryName string `json:"countryName"`
	} `json:"country"`
}

// Raw extracts the flat event from the finding.
func (f *Finding) Raw() RawEvent {
	action := f.Detail.Service.Action
	var details remoteIPDetails
	if action.ActionType == ActionPortProbe {
		if len(action.PortProbeAction.PortProbeDetails) > 0 {
			details = action.PortProbeAction.PortProbeDetails[0].RemoteIPDetails
		}
	} else {
		details = action.NetworkConnectionAction.RemoteIPDetails
	}
	return RawEvent{
		Address:   details.IPAddressV4,
		Country:   details.Country.CountryName,
		EventType: action.ActionType,
		Timestamp: f.Detail.Service.EventLastSeen,
	}
}

// ParseFinding decodes a GuardDuty finding event.
func ParseFinding(data []byte) (domain.Event, error) {
	var f Finding
	if err := json.Unmarshal(data, &f); err != nil {
		return domain.Event{}, fmt.Errorf("decoding finding: %w", domain.ErrInvalidInput)
	}
	return f.Raw().Event()
}
