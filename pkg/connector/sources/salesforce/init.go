package salesforce

import (
	"github.com/relaydata/relay/pkg/connector/registry"
)

func init() {
	registry.MustRegisterSource("salesforce", New)
}
