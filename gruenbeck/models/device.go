package models

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"
)

const (
	dateLayout     = "2006-01-02"
	dateTimeLayout = "2006-01-02T15:04:05"
)

// Date is a calendar day as the vendor serializes it.
type Date struct {
	time.Time
}

func (d Date) MarshalJSON() ([]byte, error) {
	if d.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(d.Format(dateLayout))
}

func (d *Date) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	if s == "" {
		d.Time = time.Time{}
		return nil
	}
	t, err := time.Parse(dateLayout, s)
	if err != nil {
		return fmt.Errorf("invalid date %q: %w", s, err)
	}
	d.Time = t
	return nil
}

// DateTime is a zone-less timestamp as the vendor serializes it.
type DateTime struct {
	time.Time
}

func (d DateTime) MarshalJSON() ([]byte, error) {
	if d.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(d.Format(dateTimeLayout))
}

func (d *DateTime) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	if s == "" {
		d.Time = time.Time{}
		return nil
	}
	t, err := time.Parse(dateTimeLayout, s)
	if err != nil {
		return fmt.Errorf("invalid timestamp %q: %w", s, err)
	}
	d.Time = t
	return nil
}

// DeviceError is one entry from a device's error log.
type DeviceError struct {
	IsResolved bool     `json:"isResolved"`
	Message    string   `json:"message"`
	Type       string   `json:"type"`
	Date       DateTime `json:"date"`
}

// DailyUsage is one day of salt or water consumption.
type DailyUsage struct {
	Value int  `json:"value"`
	Date  Date `json:"date"`
}

// Device is one water softener known to the cloud account. Identity
// fields come from the device listing; Parameters and Measurements are
// filled by refresh calls and the realtime channel.
type Device struct {
	Type             int           `json:"type"`
	HasError         bool          `json:"hasError"`
	ID               string        `json:"id"`
	Series           string        `json:"series"`
	SerialNumber     string        `json:"serialNumber"`
	Name             string        `json:"name"`
	Register         bool          `json:"register"`
	NextRegeneration *DateTime     `json:"nextRegeneration,omitempty"`
	TimeZone         string        `json:"timeZone,omitempty"`
	Startup          *Date         `json:"startup,omitempty"`
	LastService      *Date         `json:"lastService,omitempty"`
	Errors           []DeviceError `json:"errors,omitempty"`
	Salt             []DailyUsage  `json:"salt,omitempty"`
	Water            []DailyUsage  `json:"water,omitempty"`
	HardwareVersion  string        `json:"hardwareVersion,omitempty"`
	Mode             int           `json:"mode,omitempty"`
	NominalFlow      float64       `json:"nominalFlow,omitempty"`
	RawWater         float64       `json:"rawWater,omitempty"`
	SoftWater        float64       `json:"softWater,omitempty"`
	SoftwareVersion  string        `json:"softwareVersion,omitempty"`
	Unit             int           `json:"unit,omitempty"`

	mu           sync.RWMutex
	parameters   Parameters
	measurements Measurements
	unmapped     Unmapped
	lastRefresh  time.Time
}

// ModelSeries derives the firmware generation from the device identity.
func (d *Device) ModelSeries() Series {
	if strings.Contains(d.Series, ".SE") || strings.Contains(d.ID, ".SE/") {
		return SeriesSE
	}
	return SeriesStandard
}

// ApplyInfo merges identity fields from a device info response. Zero
// values do not overwrite, a partial response must not erase state.
func (d *Device) ApplyInfo(info *Device) {
	if info == nil {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.HasError = info.HasError
	d.Register = info.Register
	if info.Name != "" {
		d.Name = info.Name
	}
	if info.NextRegeneration != nil {
		d.NextRegeneration = info.NextRegeneration
	}
	if info.TimeZone != "" {
		d.TimeZone = info.TimeZone
	}
	if info.Startup != nil {
		d.Startup = info.Startup
	}
	if info.LastService != nil {
		d.LastService = info.LastService
	}
	if info.Errors != nil {
		d.Errors = info.Errors
	}
	if info.HardwareVersion != "" {
		d.HardwareVersion = info.HardwareVersion
	}
	if info.SoftwareVersion != "" {
		d.SoftwareVersion = info.SoftwareVersion
	}
	if info.Mode != 0 {
		d.Mode = info.Mode
	}
	if info.NominalFlow != 0 {
		d.NominalFlow = info.NominalFlow
	}
	if info.RawWater != 0 {
		d.RawWater = info.RawWater
	}
	if info.SoftWater != 0 {
		d.SoftWater = info.SoftWater
	}
	if info.Unit != 0 {
		d.Unit = info.Unit
	}
}

// ApplyParameters replaces the parameter set with a fresh snapshot.
func (d *Device) ApplyParameters(n *Normalized) {
	if n == nil {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.parameters = n.Parameters
	d.mergeUnmappedLocked(n.Unmapped)
	d.lastRefresh = time.Now()
}

// ApplyMeasurements merges a measurement snapshot. Realtime frames are
// partial, existing readings the frame does not mention survive.
func (d *Device) ApplyMeasurements(n *Normalized) {
	if n == nil {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.measurements == nil {
		d.measurements = make(Measurements, len(n.Measurements))
	}
	for key, m := range n.Measurements {
		d.measurements[key] = m
	}
	d.mergeUnmappedLocked(n.Unmapped)
	d.lastRefresh = time.Now()
}

// ApplyUsage replaces the daily salt and water consumption history.
func (d *Device) ApplyUsage(salt, water []DailyUsage) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if salt != nil {
		d.Salt = salt
	}
	if water != nil {
		d.Water = water
	}
}

func (d *Device) mergeUnmappedLocked(u Unmapped) {
	if len(u) == 0 {
		return
	}
	if d.unmapped == nil {
		d.unmapped = make(Unmapped, len(u))
	}
	for key, raw := range u {
		d.unmapped[key] = raw
	}
}

// SetParameterValue updates one parameter after a confirmed write.
func (d *Device) SetParameterValue(key string, value any) {
	d.mu.Lock()
	defer d.mu.Unlock()
	p, ok := d.parameters[key]
	if !ok {
		return
	}
	p.Value = value
	if p.Kind == KindEnum {
		if code, isInt := value.(int); isInt {
			p.Label = p.labelFor(code)
			p.UnknownEnum = p.Label == ""
		}
	}
	d.parameters[key] = p
}

func (p Parameter) labelFor(code int) string {
	_, m, ok := RawParameterKey(SeriesStandard, p.Key)
	if !ok || m.Enum == nil {
		return ""
	}
	return m.Enum[code]
}

// LastRefresh reports when parameters or measurements were last
// updated, zero before the first refresh.
func (d *Device) LastRefresh() time.Time {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.lastRefresh
}

// Parameter returns the current value of one canonical parameter.
func (d *Device) Parameter(key string) (Parameter, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	p, ok := d.parameters[key]
	return p, ok
}

// ParameterSnapshot returns a copy of the current parameter set.
func (d *Device) ParameterSnapshot() Parameters {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make(Parameters, len(d.parameters))
	for k, v := range d.parameters {
		out[k] = v
	}
	return out
}

// Measurement returns the latest value of one canonical reading.
func (d *Device) Measurement(key string) (Measurement, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	m, ok := d.measurements[key]
	return m, ok
}

// MeasurementSnapshot returns a copy of the current readings.
func (d *Device) MeasurementSnapshot() Measurements {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make(Measurements, len(d.measurements))
	for k, v := range d.measurements {
		out[k] = v
	}
	return out
}

// UnmappedSnapshot returns a copy of all raw fields that had no mapping.
func (d *Device) UnmappedSnapshot() Unmapped {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make(Unmapped, len(d.unmapped))
	for k, v := range d.unmapped {
		out[k] = v
	}
	return out
}
