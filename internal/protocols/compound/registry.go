package compound

import "backd/internal/state"

func init() {
	registerOracles()
	registerInterestRateModels()
	registerHooks()
}

func registerInterestRateModels() {
	InterestRateModelRegistry.Register(JumpRateModelName, NewJumpRateModel)
	InterestRateModelRegistry.Register(WhitePaperModelName, NewWhitePaperInterestRateModel)
}

// RegisterAliases 把配置中的合约地址映射到已注册的预言机或利率模型
func RegisterAliases(oracles, interestRateModels map[string]string) error {
	for address, name := range oracles {
		if err := state.OracleRegistry.Alias(address, name); err != nil {
			return err
		}
	}
	for address, name := range interestRateModels {
		if err := InterestRateModelRegistry.Alias(address, name); err != nil {
			return err
		}
	}
	return nil
}
