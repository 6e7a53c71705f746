package models

// Series identifies a device firmware generation. The vendor returns
// different raw key sets (and different encodings for unset values)
// depending on the series.
type Series string

const (
	// SeriesStandard covers softliQ.D / softliQ.SD appliances.
	SeriesStandard Series = "standard"
	// SeriesSE covers softliQ.SE appliances.
	SeriesSE Series = "se"
)

// Kind is the decoded type of a canonical parameter or measurement.
type Kind int

const (
	KindBool Kind = iota
	KindInt
	KindFloat
	KindEnum
	KindTimeOfDay
	KindString
)

func (k Kind) String() string {
	switch k {
	case KindBool:
		return "bool"
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	case KindEnum:
		return "enum"
	case KindTimeOfDay:
		return "time"
	case KindString:
		return "string"
	default:
		return "unknown"
	}
}

// Enumerated domains documented for the vendor API.
var (
	OperationModes = map[int]string{
		1: "Eco",
		2: "Comfort",
		3: "Power",
		4: "Individual",
	}
	RegenerationModes = map[int]string{
		0: "Automatic",
		1: "Fixed",
	}
	WaterUnits = map[int]string{
		1: "°dH",
		2: "°fH",
		3: "°e",
		4: "mol/m³",
		5: "ppm",
	}
	RegenerationSteps = map[int]string{
		0:  "Inactive",
		10: "Fill salt tank",
		20: "Salting",
		30: "Displacement",
		40: "Backwashing",
		50: "Backwashing",
		60: "Washing out",
	}
	Languages = map[int]string{
		1: "German",
		2: "English",
		3: "French",
		4: "Italian",
		5: "Dutch",
		6: "Spanish",
		7: "Russian",
		9: "Danish",
	}
	LEDModes = map[int]string{
		0: "Deactivated",
		1: "Permanent lightning",
		2: "In case of failure",
		3: "In case of operation by user + failure",
		4: "In case of water treatment + operation by user + failure",
	}
)

// Mapping resolves one raw vendor key to its canonical form.
type Mapping struct {
	Canonical string
	Kind      Kind
	Unit      string
	Enum      map[int]string
}

// parameterTable maps raw vendor parameter keys (the "p" namespace) to
// canonical keys. Raw key names are the vendor's discovered contract.
var parameterTable = map[string]Mapping{
	"pdlstauto":             {Canonical: "dlst", Kind: KindBool},
	"pbuzzer":               {Canonical: "buzzer", Kind: KindBool},
	"pbuzzfrom":             {Canonical: "buzzer_from", Kind: KindTimeOfDay},
	"pbuzzto":               {Canonical: "buzzer_to", Kind: KindTimeOfDay},
	"pallowpushnotification": {Canonical: "push_notification", Kind: KindBool},
	"pallowemail":           {Canonical: "email_notification", Kind: KindBool},
	"phunit":                {Canonical: "water_hardness_unit", Kind: KindEnum, Enum: WaterUnits},
	"prawhard":              {Canonical: "raw_water_hardness", Kind: KindInt},
	"psetsoft":              {Canonical: "soft_water_hardness", Kind: KindInt},
	"pmode":                 {Canonical: "mode", Kind: KindEnum, Enum: OperationModes},
	"pmodemo":               {Canonical: "mode_individual_monday", Kind: KindEnum, Enum: OperationModes},
	"pmodetu":               {Canonical: "mode_individual_tuesday", Kind: KindEnum, Enum: OperationModes},
	"pmodewe":               {Canonical: "mode_individual_wednesday", Kind: KindEnum, Enum: OperationModes},
	"pmodeth":               {Canonical: "mode_individual_thursday", Kind: KindEnum, Enum: OperationModes},
	"pmodefr":               {Canonical: "mode_individual_friday", Kind: KindEnum, Enum: OperationModes},
	"pmodesa":               {Canonical: "mode_individual_saturday", Kind: KindEnum, Enum: OperationModes},
	"pmodesu":               {Canonical: "mode_individual_sunday", Kind: KindEnum, Enum: OperationModes},
	"pregmode":              {Canonical: "regeneration_mode", Kind: KindEnum, Enum: RegenerationModes},
	"pregmo1":               {Canonical: "regeneration_time_monday_1", Kind: KindTimeOfDay},
	"pregmo2":               {Canonical: "regeneration_time_monday_2", Kind: KindTimeOfDay},
	"pregmo3":               {Canonical: "regeneration_time_monday_3", Kind: KindTimeOfDay},
	"pregtu1":               {Canonical: "regeneration_time_tuesday_1", Kind: KindTimeOfDay},
	"pregtu2":               {Canonical: "regeneration_time_tuesday_2", Kind: KindTimeOfDay},
	"pregtu3":               {Canonical: "regeneration_time_tuesday_3", Kind: KindTimeOfDay},
	"pregwe1":               {Canonical: "regeneration_time_wednesday_1", Kind: KindTimeOfDay},
	"pregwe2":               {Canonical: "regeneration_time_wednesday_2", Kind: KindTimeOfDay},
	"pregwe3":               {Canonical: "regeneration_time_wednesday_3", Kind: KindTimeOfDay},
	"pregth1":               {Canonical: "regeneration_time_thursday_1", Kind: KindTimeOfDay},
	"pregth2":               {Canonical: "regeneration_time_thursday_2", Kind: KindTimeOfDay},
	"pregth3":               {Canonical: "regeneration_time_thursday_3", Kind: KindTimeOfDay},
	"pregfr1":               {Canonical: "regeneration_time_friday_1", Kind: KindTimeOfDay},
	"pregfr2":               {Canonical: "regeneration_time_friday_2", Kind: KindTimeOfDay},
	"pregfr3":               {Canonical: "regeneration_time_friday_3", Kind: KindTimeOfDay},
	"pregsa1":               {Canonical: "regeneration_time_saturday_1", Kind: KindTimeOfDay},
	"pregsa2":               {Canonical: "regeneration_time_saturday_2", Kind: KindTimeOfDay},
	"pregsa3":               {Canonical: "regeneration_time_saturday_3", Kind: KindTimeOfDay},
	"pregsu1":               {Canonical: "regeneration_time_sunday_1", Kind: KindTimeOfDay},
	"pregsu2":               {Canonical: "regeneration_time_sunday_2", Kind: KindTimeOfDay},
	"pregsu3":               {Canonical: "regeneration_time_sunday_3", Kind: KindTimeOfDay},
	"pmaintint":             {Canonical: "maintenance_interval", Kind: KindInt, Unit: "days"},
	"pname":                 {Canonical: "installer_name", Kind: KindString},
	"ptelnr":                {Canonical: "installer_phone", Kind: KindString},
	"pmailadress":           {Canonical: "installer_email", Kind: KindString},
	"pntpsync":              {Canonical: "ntp_sync", Kind: KindBool},
	"pcfcontact":            {Canonical: "fault_signal_contact", Kind: KindBool},
	"pknx":                  {Canonical: "knx", Kind: KindBool},
	"pmonflow":              {Canonical: "nominal_flow_monitoring", Kind: KindBool},
	"pmondisinf":            {Canonical: "disinfection_monitoring", Kind: KindBool},
	"pled":                  {Canonical: "led_ring_mode", Kind: KindEnum, Enum: LEDModes},
	"pledatsaltpre":         {Canonical: "led_ring_flash_on_signal", Kind: KindBool},
	"pledbright":            {Canonical: "led_ring_brightness", Kind: KindInt, Unit: "%"},
	"prescaplimit":          {Canonical: "residual_capacity_limit", Kind: KindInt, Unit: "%"},
	"pcurrent":              {Canonical: "current_setpoint", Kind: KindInt, Unit: "mA"},
	"pload":                 {Canonical: "charge", Kind: KindInt, Unit: "mAmin"},
	"pforcedregdist":        {Canonical: "interval_forced_regeneration", Kind: KindInt, Unit: "days"},
	"pfreqregvalve":         {Canonical: "end_frequency_regeneration_valve", Kind: KindInt, Unit: "Hz"},
	"pfreqregvalve2":        {Canonical: "end_frequency_regeneration_valve_2", Kind: KindInt, Unit: "Hz"},
	"pfreqblendvalve":       {Canonical: "end_frequency_blending_valve", Kind: KindInt, Unit: "Hz"},
	"pvolume":               {Canonical: "treatment_volume", Kind: KindInt, Unit: "m³"},
	"ppratesoftwater":       {Canonical: "soft_water_meter_pulse_rate", Kind: KindFloat, Unit: "l/Imp"},
	"pprateblending":        {Canonical: "blending_water_meter_pulse_rate", Kind: KindFloat, Unit: "l/Imp"},
	"pprateregwater":        {Canonical: "regeneration_water_meter_pulse_rate", Kind: KindFloat, Unit: "l/Imp"},
	"psetcapmo":             {Canonical: "capacity_figure_monday", Kind: KindInt, Unit: "m³x°dH"},
	"psetcaptu":             {Canonical: "capacity_figure_tuesday", Kind: KindInt, Unit: "m³x°dH"},
	"psetcapwe":             {Canonical: "capacity_figure_wednesday", Kind: KindInt, Unit: "m³x°dH"},
	"psetcapth":             {Canonical: "capacity_figure_thursday", Kind: KindInt, Unit: "m³x°dH"},
	"psetcapfr":             {Canonical: "capacity_figure_friday", Kind: KindInt, Unit: "m³x°dH"},
	"psetcapsa":             {Canonical: "capacity_figure_saturday", Kind: KindInt, Unit: "m³x°dH"},
	"psetcapsu":             {Canonical: "capacity_figure_sunday", Kind: KindInt, Unit: "m³x°dH"},
	"pnomflow":              {Canonical: "nominal_flow_rate", Kind: KindFloat, Unit: "m³/h"},
	"pmonregmeter":          {Canonical: "regeneration_monitoring_time", Kind: KindInt, Unit: "min"},
	"pmonsalting":           {Canonical: "salting_monitoring_time", Kind: KindInt, Unit: "min"},
	"prinsing":              {Canonical: "slow_rinse", Kind: KindFloat, Unit: "min"},
	"pbackwash":             {Canonical: "backwash", Kind: KindInt, Unit: "l"},
	"pwashingout":           {Canonical: "washing_out", Kind: KindInt, Unit: "l"},
	"pminvolmincap":         {Canonical: "minimum_filling_volume_smallest_cap", Kind: KindFloat, Unit: "l"},
	"pmaxvolmincap":         {Canonical: "maximum_filling_volume_smallest_cap", Kind: KindFloat, Unit: "l"},
	"pminvolmaxcap":         {Canonical: "minimum_filling_volume_largest_cap", Kind: KindFloat, Unit: "l"},
	"pmaxvolmaxcap":         {Canonical: "maximum_filling_volume_largest_cap", Kind: KindFloat, Unit: "l"},
	"pmaxdurdisinfect":      {Canonical: "longest_switch_on_time_chlorine_cell", Kind: KindInt, Unit: "min"},
	"pmaxresdurreg":         {Canonical: "maximum_remaining_time_regeneration", Kind: KindInt, Unit: "min"},
	"planguage":             {Canonical: "language", Kind: KindEnum, Enum: Languages},
	"pprogout":              {Canonical: "programmable_output_function", Kind: KindInt},
	"pprogin":               {Canonical: "programmable_input_function", Kind: KindInt},
	"ppowerfail":            {Canonical: "reaction_to_power_failure", Kind: KindInt},
	"pmodedesinf":           {Canonical: "chlorine_cell_mode", Kind: KindInt},
	"pmonblend":             {Canonical: "blending_monitoring", Kind: KindInt},
	"poverload":             {Canonical: "system_overloaded", Kind: KindInt},
	// Meaning unresolved upstream; passed through untyped on purpose.
	"ppressurereg": {Canonical: "ppressurereg", Kind: KindInt},
}

// measurementTable maps raw measurement keys (the "m" namespace).
// These arrive over the realtime channel and are read-only.
var measurementTable = map[string]Mapping{
	"mcountwater1":    {Canonical: "soft_water_quantity", Kind: KindInt, Unit: "l"},
	"mcountwater2":    {Canonical: "soft_water_quantity_2", Kind: KindInt, Unit: "l"},
	"mcountreg":       {Canonical: "regeneration_counter", Kind: KindInt},
	"mflow1":          {Canonical: "current_flow_rate", Kind: KindFloat, Unit: "m³/h"},
	"mflow2":          {Canonical: "current_flow_rate_2", Kind: KindFloat, Unit: "m³/h"},
	"mrescapa1":       {Canonical: "remaining_capacity_volume", Kind: KindFloat, Unit: "m³"},
	"mrescapa2":       {Canonical: "remaining_capacity_volume_2", Kind: KindFloat, Unit: "m³"},
	"mresidcap1":      {Canonical: "remaining_capacity_percentage", Kind: KindInt, Unit: "%"},
	"mresidcap2":      {Canonical: "remaining_capacity_percentage_2", Kind: KindInt, Unit: "%"},
	"msaltrange":      {Canonical: "salt_range", Kind: KindInt, Unit: "days"},
	"msaltusage":      {Canonical: "salt_consumption", Kind: KindFloat, Unit: "kg"},
	"mmaint":          {Canonical: "next_service", Kind: KindInt, Unit: "days"},
	"mremregstep":     {Canonical: "regeneration_remaining_time", Kind: KindFloat},
	"mregstatus":      {Canonical: "regeneration_step", Kind: KindEnum, Enum: RegenerationSteps},
	"mcountwatertank": {Canonical: "make_up_water_volume", Kind: KindInt, Unit: "l"},
	"mlifeadsorb":     {Canonical: "exhausted_percentage", Kind: KindInt, Unit: "%"},
	"mhardsoftw":      {Canonical: "actual_value_soft_water_hardness", Kind: KindInt, Unit: "°dH"},
	"mcapacity":       {Canonical: "capacity_figure", Kind: KindFloat, Unit: "m³x°dH"},
	"mflowmax":        {Canonical: "flow_rate_peak_value", Kind: KindFloat, Unit: "m³/h"},
	"mflowmax1reg2":   {Canonical: "exchanger_peak_value", Kind: KindFloat, Unit: "m³/h"},
	"mflowmax2reg1":   {Canonical: "exchanger_peak_value_2", Kind: KindFloat, Unit: "m³/h"},
	"mendreg1":        {Canonical: "last_regeneration_exchanger", Kind: KindTimeOfDay},
	"mendreg2":        {Canonical: "last_regeneration_exchanger_2", Kind: KindTimeOfDay},
	"mflowreg1":       {Canonical: "regeneration_flow_rate_exchanger", Kind: KindInt, Unit: "l/h"},
	"mflowreg2":       {Canonical: "regeneration_flow_rate_exchanger_2", Kind: KindInt, Unit: "l/h"},
	"mflowblend":      {Canonical: "blending_flow_rate", Kind: KindFloat, Unit: "m³/h"},
	"mstep1":          {Canonical: "step_indication_regeneration_valve", Kind: KindInt},
	"mstep2":          {Canonical: "step_indication_regeneration_valve_2", Kind: KindInt},
	"mcurrent":        {Canonical: "current_chlorine", Kind: KindInt, Unit: "mA"},
	"mreswatadmod":    {Canonical: "remaining_amount_of_water", Kind: KindFloat, Unit: "m³"},
}

// seAbsent lists raw keys the SE series hardware does not report. A
// payload from an SE device carrying one of these is treated as
// unmapped rather than silently decoded.
var seAbsent = map[string]bool{
	// Single-exchanger hardware, no chlorine cell, no adsorber.
	"pfreqregvalve2":   true,
	"pmaxdurdisinfect": true,
	"pmodedesinf":      true,
	"pmondisinf":       true,
	"mcountwater2":     true,
	"mflow2":           true,
	"mrescapa2":        true,
	"mresidcap2":       true,
	"mendreg2":         true,
	"mflowreg2":        true,
	"mflowmax1reg2":    true,
	"mflowmax2reg1":    true,
	"mstep2":           true,
	"mcurrent":         true,
	"mlifeadsorb":      true,
	"mreswatadmod":     true,
}

// LookupParameter resolves a raw parameter key for the given series.
func LookupParameter(series Series, rawKey string) (Mapping, bool) {
	if series == SeriesSE && seAbsent[rawKey] {
		return Mapping{}, false
	}
	m, ok := parameterTable[rawKey]
	return m, ok
}

// LookupMeasurement resolves a raw measurement key for the given series.
func LookupMeasurement(series Series, rawKey string) (Mapping, bool) {
	if series == SeriesSE && seAbsent[rawKey] {
		return Mapping{}, false
	}
	m, ok := measurementTable[rawKey]
	return m, ok
}

// RawParameterKey returns the raw vendor key for a canonical parameter
// name, used when building write payloads.
func RawParameterKey(series Series, canonical string) (string, Mapping, bool) {
	for raw, m := range parameterTable {
		if m.Canonical != canonical {
			continue
		}
		if series == SeriesSE && seAbsent[raw] {
			return "", Mapping{}, false
		}
		return raw, m, true
	}
	return "", Mapping{}, false
}

// EnumDefault returns the documented default for an enum domain: the
// smallest defined code. SE devices report unset enums as boolean
// false; the decoder substitutes this value.
func EnumDefault(enum map[int]string) int {
	first := 0
	found := false
	for code := range enum {
		if !found || code < first {
			first = code
			found = true
		}
	}
	return first
}
