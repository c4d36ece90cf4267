// Package sources pulls in all source connectors so their init registration
// runs. Import it for side effects from any binary that resolves sources by
// name.
package sources

import (
	_ "github.com/relaydata/relay/pkg/connector/sources/csvurl"
	_ "github.com/relaydata/relay/pkg/connector/sources/mysql"
	_ "github.com/relaydata/relay/pkg/connector/sources/postgres"
	_ "github.com/relaydata/relay/pkg/connector/sources/restapi"
	_ "github.com/relaydata/relay/pkg/connector/sources/salesforce"
	_ "github.com/relaydata/relay/pkg/connector/sources/synthetic"
)
