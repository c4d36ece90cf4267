package mysql

import (
	"github.com/relaydata/relay/pkg/connector/registry"
)

func init() {
	registry.MustRegisterSource("mysql", New)
}
