package models

import (
	"encoding/json"
	"fmt"
	"strings"
)

// TimeUnset is the vendor sentinel for an unset time-of-day slot.
const TimeUnset = "--:--"

// Parameter is one canonical, possibly writable device setting.
type Parameter struct {
	RawKey     string
	Key        string
	Kind       Kind
	Unit       string
	Value      any
	Label      string
	Selectable bool
	// UnknownEnum marks an enum value outside the documented domain.
	// The value is kept as delivered.
	UnknownEnum bool
}

// Measurement is one canonical read-only reading.
type Measurement struct {
	RawKey string
	Key    string
	Kind   Kind
	Unit   string
	Value  any
	Label  string
}

// Parameters maps canonical key to Parameter.
type Parameters map[string]Parameter

// Measurements maps canonical key to Measurement.
type Measurements map[string]Measurement

// Unmapped holds raw fields with no mapping entry for the series,
// value untouched. New vendor fields survive here instead of being
// dropped.
type Unmapped map[string]json.RawMessage

// Normalized is the outcome of normalizing one raw payload.
type Normalized struct {
	Parameters   Parameters
	Measurements Measurements
	Unmapped     Unmapped
}

// Normalize reconciles a raw per-series JSON payload into the canonical
// model. Individual field failures degrade to the unmapped bucket; only
// a payload that is not a JSON object fails as a whole.
func Normalize(series Series, raw []byte) (*Normalized, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("payload is not a JSON object: %w", err)
	}

	out := &Normalized{
		Parameters:   make(Parameters),
		Measurements: make(Measurements),
		Unmapped:     make(Unmapped),
	}

	for rawKey, rawValue := range fields {
		if m, ok := LookupParameter(series, rawKey); ok {
			p, err := decodeParameter(series, rawKey, m, rawValue)
			if err != nil {
				out.Unmapped[rawKey] = rawValue
				continue
			}
			out.Parameters[m.Canonical] = p
			continue
		}
		if m, ok := LookupMeasurement(series, rawKey); ok {
			mv, err := decodeMeasurement(rawKey, m, rawValue)
			if err != nil {
				out.Unmapped[rawKey] = rawValue
				continue
			}
			out.Measurements[m.Canonical] = mv
			continue
		}
		out.Unmapped[rawKey] = rawValue
	}

	return out, nil
}

// parameterEnvelope is the object form some endpoints use. A bare
// scalar is equivalent to {"value": scalar} with no selectable flag.
type parameterEnvelope struct {
	Value      json.RawMessage `json:"value"`
	Selectable *bool           `json:"selectable"`
}

func decodeParameter(series Series, rawKey string, m Mapping, raw json.RawMessage) (Parameter, error) {
	value := raw
	// Selectable defaults to false when the flag is absent.
	selectable := false

	if len(raw) > 0 && raw[0] == '{' {
		var env parameterEnvelope
		if err := json.Unmarshal(raw, &env); err != nil {
			return Parameter{}, err
		}
		if env.Value == nil {
			return Parameter{}, fmt.Errorf("%s: envelope without value", rawKey)
		}
		value = env.Value
		if env.Selectable != nil {
			selectable = *env.Selectable
		}
	}

	p := Parameter{
		RawKey:     rawKey,
		Key:        m.Canonical,
		Kind:       m.Kind,
		Unit:       m.Unit,
		Selectable: selectable,
	}

	// SE devices report unset enum settings as boolean false; substitute
	// the documented default and keep the parameter non-selectable.
	if series == SeriesSE && m.Kind == KindEnum && string(value) == "false" {
		code := EnumDefault(m.Enum)
		p.Value = code
		p.Label = m.Enum[code]
		p.Selectable = false
		return p, nil
	}

	if err := decodeValue(&p, m, value); err != nil {
		return Parameter{}, err
	}
	return p, nil
}

func decodeMeasurement(rawKey string, m Mapping, raw json.RawMessage) (Measurement, error) {
	p := Parameter{}
	if err := decodeValue(&p, m, raw); err != nil {
		return Measurement{}, err
	}
	return Measurement{
		RawKey: rawKey,
		Key:    m.Canonical,
		Kind:   m.Kind,
		Unit:   m.Unit,
		Value:  p.Value,
		Label:  p.Label,
	}, nil
}

func decodeValue(p *Parameter, m Mapping, raw json.RawMessage) error {
	switch m.Kind {
	case KindBool:
		var v bool
		if err := json.Unmarshal(raw, &v); err != nil {
			return err
		}
		p.Value = v
	case KindInt:
		var v int
		if err := json.Unmarshal(raw, &v); err != nil {
			return err
		}
		p.Value = v
	case KindFloat:
		var v float64
		if err := json.Unmarshal(raw, &v); err != nil {
			return err
		}
		p.Value = v
	case KindEnum:
		var v int
		if err := json.Unmarshal(raw, &v); err != nil {
			return err
		}
		p.Value = v
		if label, ok := m.Enum[v]; ok {
			p.Label = label
		} else {
			p.UnknownEnum = true
		}
	case KindTimeOfDay:
		var v string
		if err := json.Unmarshal(raw, &v); err != nil {
			return err
		}
		if v == TimeUnset || v == "" {
			p.Value = ""
			return nil
		}
		if !validTimeOfDay(v) {
			return fmt.Errorf("invalid time of day %q", v)
		}
		p.Value = v
	case KindString:
		var v string
		if err := json.Unmarshal(raw, &v); err != nil {
			return err
		}
		p.Value = v
	default:
		return fmt.Errorf("unhandled kind %v", m.Kind)
	}
	return nil
}

func validTimeOfDay(v string) bool {
	parts := strings.SplitN(v, ":", 2)
	if len(parts) != 2 || len(parts[0]) != 2 || len(parts[1]) != 2 {
		return false
	}
	hh, ok1 := atoi2(parts[0])
	mm, ok2 := atoi2(parts[1])
	return ok1 && ok2 && hh >= 0 && hh < 24 && mm >= 0 && mm < 60
}

func atoi2(s string) (int, bool) {
	n := 0
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0, false
		}
		n = n*10 + int(r-'0')
	}
	return n, true
}

// EncodeParameter converts a canonical value back to its raw wire form
// for a write payload. It validates kind and enum domain.
func EncodeParameter(series Series, canonical string, value any) (string, any, error) {
	raw, m, ok := RawParameterKey(series, canonical)
	if !ok {
		return "", nil, fmt.Errorf("no raw key for %q on series %s", canonical, series)
	}
	switch m.Kind {
	case KindBool:
		v, ok := value.(bool)
		if !ok {
			return "", nil, fmt.Errorf("%s expects bool, got %T", canonical, value)
		}
		return raw, v, nil
	case KindInt:
		v, ok := toInt(value)
		if !ok {
			return "", nil, fmt.Errorf("%s expects int, got %T", canonical, value)
		}
		return raw, v, nil
	case KindFloat:
		switch v := value.(type) {
		case float64:
			return raw, v, nil
		case int:
			return raw, float64(v), nil
		}
		return "", nil, fmt.Errorf("%s expects float, got %T", canonical, value)
	case KindEnum:
		v, ok := toInt(value)
		if !ok {
			return "", nil, fmt.Errorf("%s expects enum code, got %T", canonical, value)
		}
		if _, known := m.Enum[v]; !known {
			return "", nil, fmt.Errorf("%s: code %d outside documented domain", canonical, v)
		}
		return raw, v, nil
	case KindTimeOfDay:
		v, ok := value.(string)
		if !ok {
			return "", nil, fmt.Errorf("%s expects HH:MM string, got %T", canonical, value)
		}
		if v == "" {
			return raw, TimeUnset, nil
		}
		if !validTimeOfDay(v) {
			return "", nil, fmt.Errorf("%s: invalid time of day %q", canonical, v)
		}
		return raw, v, nil
	case KindString:
		v, ok := value.(string)
		if !ok {
			return "", nil, fmt.Errorf("%s expects string, got %T", canonical, value)
		}
		return raw, v, nil
	}
	return "", nil, fmt.Errorf("unhandled kind %v", m.Kind)
}

func toInt(value any) (int, bool) {
	switch v := value.(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		if v == float64(int(v)) {
			return int(v), true
		}
	}
	return 0, false
}
