package types

import (
	"encoding/json"
	"time"
)

// RegisterType is one of the four entity classes of the register space.
type RegisterType string

const (
	RegisterTypeCoil            RegisterType = "coil"
	RegisterTypeDiscreteInput   RegisterType = "discrete_input"
	RegisterTypeInputRegister   RegisterType = "input_register"
	RegisterTypeHoldingRegister RegisterType = "holding_register"
)

// RegisterTypes lists the entity classes in address-prefix order.
var RegisterTypes = []RegisterType{
	RegisterTypeCoil,
	RegisterTypeDiscreteInput,
	RegisterTypeInputRegister,
	RegisterTypeHoldingRegister,
}

// RegisterTypeFromPrefix maps the leading digit of an address token.
func RegisterTypeFromPrefix(prefix byte) (RegisterType, bool) {
	switch prefix {
	case '0':
		return RegisterTypeCoil, true
	case '1':
		return RegisterTypeDiscreteInput, true
	case '3':
		return RegisterTypeInputRegister, true
	case '4':
		return RegisterTypeHoldingRegister, true
	}
	return "", false
}

func (r RegisterType) Prefix() byte {
	switch r {
	case RegisterTypeCoil:
		return '0'
	case RegisterTypeDiscreteInput:
		return '1'
	case RegisterTypeInputRegister:
		return '3'
	case RegisterTypeHoldingRegister:
		return '4'
	}
	return 0
}

// IsBit reports whether the class addresses single bits.
func (r RegisterType) IsBit() bool {
	return r == RegisterTypeCoil || r == RegisterTypeDiscreteInput
}

// Writable reports whether the class accepts writes.
func (r RegisterType) Writable() bool {
	return r == RegisterTypeCoil || r == RegisterTypeHoldingRegister
}

// Datatype is the output datatype of a decoded value.
type Datatype string

const (
	DatatypeBoolean Datatype = "boolean"
	DatatypeInt     Datatype = "int"
	DatatypeLong    Datatype = "long"
	DatatypeFloat   Datatype = "float"
	DatatypeDouble  Datatype = "double"
	DatatypeString  Datatype = "string"
)

func (d Datatype) IsNumeric() bool {
	switch d {
	case DatatypeInt, DatatypeLong, DatatypeFloat, DatatypeDouble:
		return true
	}
	return false
}

func (d Datatype) IsInteger() bool {
	return d == DatatypeInt || d == DatatypeLong
}

// Record is one decoded output record. Optional fields are omitted from the
// JSON form, which is emitted with keys in sorted order.
type Record struct {
	Parameter    string
	ParameterAlt string
	Value        any
	ValueAlt     any
	Datatype     Datatype
	Description  string
	Alias        string
	Unit         string
	IsTag        *bool
	DefaultValue any
	Min          *float64
	Max          *float64
}

// Fields flattens the record into its field map.
func (r Record) Fields() map[string]any {
	fields := map[string]any{
		"value":    r.Value,
		"datatype": r.Datatype,
	}
	if r.Parameter != "" {
		fields["parameter"] = r.Parameter
	}
	if r.ParameterAlt != "" {
		fields["parameter_alt"] = r.ParameterAlt
	}
	if r.ValueAlt != nil {
		fields["value_alt"] = r.ValueAlt
	}
	if r.Description != "" {
		fields["description"] = r.Description
	}
	if r.Alias != "" {
		fields["alias"] = r.Alias
	}
	if r.Unit != "" {
		fields["unit"] = r.Unit
	}
	if r.IsTag != nil {
		fields["isTag"] = *r.IsTag
	}
	if r.DefaultValue != nil {
		fields["defaultValue"] = r.DefaultValue
	}
	if r.Min != nil {
		fields["min"] = *r.Min
	}
	if r.Max != nil {
		fields["max"] = *r.Max
	}
	return fields
}

func (r Record) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.Fields())
}

// ReadResult is the outcome of reading every mapped register of a device.
type ReadResult struct {
	Timestamp time.Time `json:"timestamp"`
	DeviceID  string    `json:"device_id"`
	Data      []Record  `json:"data"`
}

// WriteResult reports the parameters written by one write call.
type WriteResult struct {
	Status  string         `json:"status"`
	Updated map[string]any `json:"updated_register_content"`
}
