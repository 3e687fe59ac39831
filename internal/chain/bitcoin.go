package chain

import "github.com/btcsuite/btcd/chaincfg"

func init() {
	Register(&Params{
		Coin:     BTC,
		Name:     "Bitcoin",
		Decimals: 8,
		Curve:    CurveSecp256k1,

		HasScript: true,

		MinConfirmations: 1,
		BlockTargetSecs:  600,

		ChainCfg: map[Network]*chaincfg.Params{
			Mainnet: &chaincfg.MainNetParams,
			Testnet: &chaincfg.TestNet3Params,
			Regtest: &chaincfg.RegressionNetParams,
		},
	})
}
