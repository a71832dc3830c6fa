package obd

import (
	"fmt"
	"time"
)

// Service 01 PIDs with a typed decoder.
const (
	PIDSupported01_20   byte = 0x00
	PIDEngineLoad       byte = 0x04
	PIDCoolantTemp      byte = 0x05
	PIDEngineRPM        byte = 0x0C
	PIDVehicleSpeed     byte = 0x0D
	PIDIntakeTemp       byte = 0x0F
	PIDThrottlePosition byte = 0x11
)

// PID describes how to decode one parameter. A and B below are the first and
// second data bytes.
type PID struct {
	Code     byte
	Name     string
	Unit     string
	MinBytes int
	Decode   func(data []byte) float64
}

// PIDs is the decoder table.
var PIDs = []PID{
	{PIDEngineLoad, "engine_load", "%", 1, func(d []byte) float64 { return float64(percent(d[0])) }},
	{PIDCoolantTemp, "coolant_temperature", "C", 1, func(d []byte) float64 { return float64(celsius(d[0])) }},
	{PIDEngineRPM, "engine_rpm", "rpm", 2, func(d []byte) float64 { return rpm(d[0], d[1]) }},
	{PIDVehicleSpeed, "vehicle_speed", "km/h", 1, func(d []byte) float64 { return float64(d[0]) }},
	{PIDIntakeTemp, "intake_air_temperature", "C", 1, func(d []byte) float64 { return float64(celsius(d[0])) }},
	{PIDThrottlePosition, "throttle_position", "%", 1, func(d []byte) float64 { return float64(percent(d[0])) }},
}

// Lookup finds the decoder for code.
func Lookup(code byte) (PID, bool) {
	for _, p := range PIDs {
		if p.Code == code {
			return p, true
		}
	}
	return PID{}, false
}

func percent(a byte) uint8  { return uint8(uint16(a) * 100 / 255) }
func celsius(a byte) int16  { return int16(a) - 40 }
func rpm(a, b byte) float64 { return float64(uint16(a)<<8|uint16(b)) / 4.0 }

// Reading is one decoded sample.
type Reading struct {
	PID   byte      `json:"pid"`
	Name  string    `json:"name"`
	Unit  string    `json:"unit"`
	Value float64   `json:"value"`
	Raw   []byte    `json:"raw"`
	Time  time.Time `json:"time"`
}

// Read queries pid and decodes it with the table entry.
func (e *Engine) Read(pid byte) (Reading, error) {
	p, ok := Lookup(pid)
	if !ok {
		return Reading{}, fmt.Errorf("%w: no decoder for 0x%02X", ErrInvalidPID, pid)
	}
	d, err := e.queryN(pid, p.MinBytes)
	if err != nil {
		return Reading{}, err
	}
	return Reading{PID: pid, Name: p.Name, Unit: p.Unit, Value: p.Decode(d), Raw: d, Time: time.Now()}, nil
}

// EngineRPM returns (A*256+B)/4.
func (e *Engine) EngineRPM() (float64, error) {
	d, err := e.queryN(PIDEngineRPM, 2)
	if err != nil {
		return 0, err
	}
	return rpm(d[0], d[1]), nil
}

// VehicleSpeed returns km/h.
func (e *Engine) VehicleSpeed() (uint8, error) {
	d, err := e.queryN(PIDVehicleSpeed, 1)
	if err != nil {
		return 0, err
	}
	return d[0], nil
}

// ThrottlePosition returns percent open.
func (e *Engine) ThrottlePosition() (uint8, error) {
	d, err := e.queryN(PIDThrottlePosition, 1)
	if err != nil {
		return 0, err
	}
	return percent(d[0]), nil
}

// CoolantTemperature returns degrees Celsius.
func (e *Engine) CoolantTemperature() (int16, error) {
	d, err := e.queryN(PIDCoolantTemp, 1)
	if err != nil {
		return 0, err
	}
	return celsius(d[0]), nil
}

// IntakeTemperature returns intake air degrees Celsius.
func (e *Engine) IntakeTemperature() (int16, error) {
	d, err := e.queryN(PIDIntakeTemp, 1)
	if err != nil {
		return 0, err
	}
	return celsius(d[0]), nil
}

// EngineLoad returns calculated load in percent.
func (e *Engine) EngineLoad() (uint8, error) {
	d, err := e.queryN(PIDEngineLoad, 1)
	if err != nil {
		return 0, err
	}
	return percent(d[0]), nil
}
