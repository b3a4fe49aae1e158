package canonical

import "fmt"

// Identity fact types. Their hash is the durable user/device identity within the graph.
const (
	UserFactType   = "Jinaga.User"
	DeviceFactType = "Jinaga.Device"
)

// NewIdentityFact builds the single-field identity fact a keystore issues for a signing
// identity. publicKeyPEM is the fact's only field.
func NewIdentityFact(factType, publicKeyPEM string) (Fact, error) {
	if factType != UserFactType && factType != DeviceFactType {
		return Fact{}, fmt.Errorf("canonical: unsupported identity fact type %q", factType)
	}
	if publicKeyPEM == "" {
		return Fact{}, fmt.Errorf("canonical: identity fact requires a non-empty public key")
	}
	return Fact{
		Type:         factType,
		Fields:       map[string]any{"publicKey": publicKeyPEM},
		Predecessors: map[string]PredecessorValue{},
	}, nil
}

// IsIdentityFact reports whether a fact type denotes a user or device identity fact.
func IsIdentityFact(factType string) bool {
	return factType == UserFactType || factType == DeviceFactType
}
