package csvurl

import (
	"github.com/relaydata/relay/pkg/connector/registry"
)

func init() {
	registry.MustRegisterSource("csv_url", New)
}
