// Package config loads the agentpay daemon configuration from a YAML file
// and fills in defaults for unset fields. Driver names select the concrete
// ledger, archive and trigger queue implementations at startup.
package config
