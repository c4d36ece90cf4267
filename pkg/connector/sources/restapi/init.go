package restapi

import (
	"github.com/relaydata/relay/pkg/connector/registry"
)

func init() {
	registry.MustRegisterSource("rest_api", New)
}
