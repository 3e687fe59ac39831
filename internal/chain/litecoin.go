package chain

import "github.com/btcsuite/btcd/chaincfg"

// btcd ships no Litecoin params, so clone Bitcoin's and swap the prefixes.
func ltcParams(name, hrp string, pkh, sh, wif byte, base *chaincfg.Params) *chaincfg.Params {
	p := *base
	p.Name = name
	p.Bech32HRPSegwit = hrp
	p.PubKeyHashAddrID = pkh
	p.ScriptHashAddrID = sh
	p.PrivateKeyID = wif
	return &p
}

func init() {
	Register(&Params{
		Coin:     LTC,
		Name:     "Litecoin",
		Decimals: 8,
		Curve:    CurveSecp256k1,

		HasScript: true,

		MinConfirmations: 2,
		BlockTargetSecs:  150,

		ChainCfg: map[Network]*chaincfg.Params{
			Mainnet: ltcParams("litecoin", "ltc", 0x30, 0x32, 0xB0, &chaincfg.MainNetParams),
			Testnet: ltcParams("litecoin-test", "tltc", 0x6F, 0x3A, 0xEF, &chaincfg.TestNet3Params),
			Regtest: ltcParams("litecoin-regtest", "rltc", 0x6F, 0x3A, 0xEF, &chaincfg.RegressionNetParams),
		},
	})
}
