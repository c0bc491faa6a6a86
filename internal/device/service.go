package device

import "strings"

// Properties is a set of characteristic capabilities.
type Properties uint8

const (
	PropRead Properties = 1 << iota
	PropWrite
	PropWriteWithoutResponse
	PropNotify
	PropIndicate
)

var propertyNames = []struct {
	p    Properties
	name string
}{
	{PropRead, "read"},
	{PropWrite, "write"},
	{PropWriteWithoutResponse, "write-without-response"},
	{PropNotify, "notify"},
	{PropIndicate, "indicate"},
}

// Has reports whether every bit of q is set.
func (p Properties) Has(q Properties) bool {
	return p&q == q
}

// CanWrite reports whether either write mode is available.
func (p Properties) CanWrite() bool {
	return p&(PropWrite|PropWriteWithoutResponse) != 0
}

func (p Properties) String() string {
	if p == 0 {
		return "none"
	}
	names := make([]string, 0, len(propertyNames))
	for _, pn := range propertyNames {
		if p.Has(pn.p) {
			names = append(names, pn.name)
		}
	}
	return strings.Join(names, ",")
}

// ParseProperties parses a comma separated list such as "read,write,notify".
// Unknown names are ignored.
func ParseProperties(s string) Properties {
	var p Properties
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(strings.ToLower(part))
		for _, pn := range propertyNames {
			if part == pn.name {
				p |= pn.p
			}
		}
	}
	return p
}

// ServiceDescriptor is a resolved GATT service. Valid only between discovery
// and disconnect.
type ServiceDescriptor struct {
	UUID string
}

// CharacteristicDescriptor is a resolved GATT characteristic.
type CharacteristicDescriptor struct {
	UUID       string
	Service    string
	Properties Properties
}

// Is reports whether the descriptor matches uuid after normalization.
func (c CharacteristicDescriptor) Is(uuid string) bool {
	return EqualUUID(c.UUID, uuid)
}

// Is reports whether the descriptor matches uuid after normalization.
func (s ServiceDescriptor) Is(uuid string) bool {
	return EqualUUID(s.UUID, uuid)
}
