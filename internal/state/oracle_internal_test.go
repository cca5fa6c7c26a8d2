package state

import "backd/internal/registry"

func newTestOracleRegistry() *registry.Registry[OracleFactory] {
	reg := registry.New[OracleFactory]("oracle")
	reg.Register("0xab23", NewBasicOracle)
	return reg
}
