package postgres

import (
	"github.com/relaydata/relay/pkg/connector/registry"
)

func init() {
	registry.MustRegisterSource("postgres", New)
}
